// dnsclient is a simple DNS over TLS command line client.
//
// Usage:
//
//   dnsclient -type A|AAAA|CNAME|MX|NS|TXT -name <name>
//             -endpoint <address> [-sni sni] [-transport tcp|ws]
//
//   dnsclient -help
//
// We log the measurements while we proceed and we print the final
// answers as JSON on the stdout. Failed attempts are retried with
// exponential backoff.
//
// Examples:
//
//   ./dnsclient -endpoint dns.quad9.net:853 -name ooni.io
//   ./dnsclient -endpoint 1.1.1.1:853 -sni cloudflare-dns.com -type MX
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/apex/log"
	"github.com/apex/log/handlers/cli"
	"github.com/m-lab/go/rtx"
	"github.com/miekg/dns"
	"github.com/ooni/unio/cmd/common"
	"github.com/ooni/unio/internal/dot"
	"github.com/ooni/unio/internal/retry"
	"github.com/ooni/unio/internal/tlsconf"
)

var (
	flagCABundle = flag.String("ca-bundle", "", "Use the CA bundle at this path")
	flagEndpoint = flag.String("endpoint", "dns.quad9.net:853", "DNS over TLS endpoint")
	flagName     = flag.String("name", "ooni.io", "Name to query for")
	flagTimeout  = flag.Duration("timeout", 30*time.Second, "Overall timeout")
	flagType     = flag.String("type", "A", "Query type")
)

var errUnsupportedType = errors.New("dnsclient: unsupported query type")

var qtypes = map[string]uint16{
	"A":     dns.TypeA,
	"AAAA":  dns.TypeAAAA,
	"CNAME": dns.TypeCNAME,
	"MX":    dns.TypeMX,
	"NS":    dns.TypeNS,
	"TXT":   dns.TypeTXT,
}

func main() {
	rtx.Must(mainWithContext(context.Background()), "mainWithContext failed")
}

func mainWithContext(ctx context.Context) error {
	flag.Parse()
	if *common.FlagHelp {
		flag.CommandLine.SetOutput(os.Stdout)
		fmt.Printf("Usage: dnsclient [flags]\n")
		flag.PrintDefaults()
		fmt.Printf("\nExamples:\n")
		fmt.Printf("%s\n", "  ./dnsclient -endpoint dns.quad9.net:853 -name ooni.io")
		fmt.Printf("%s\n", "  ./dnsclient -endpoint 1.1.1.1:853 -sni cloudflare-dns.com -type MX")
		return nil
	}
	log.SetHandler(cli.Default)
	log.SetLevel(log.DebugLevel)
	config, err := tlsconf.NewClientConfig(*common.FlagSNI, *flagCABundle, false)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, *flagTimeout)
	defer cancel()
	answers, err := lookup(ctx, common.DialConfig{
		Address:   *flagEndpoint,
		Handler:   common.Handler(),
		SNI:       *common.FlagSNI,
		TLSConfig: config,
		Transport: *common.FlagTransport,
	}, *flagName, *flagType)
	if err != nil {
		return err
	}
	prettyprint(answers)
	return nil
}

// lookup queries the endpoint in config for name and returns the
// answers in presentation format.
func lookup(ctx context.Context, config common.DialConfig, name, qtype string) ([]string, error) {
	code, ok := qtypes[strings.ToUpper(qtype)]
	if !ok {
		return nil, errUnsupportedType
	}
	query := new(dns.Msg)
	query.SetQuestion(dns.Fqdn(name), code)
	query.RecursionDesired = true
	data, err := query.Pack()
	if err != nil {
		return nil, err
	}
	l, stop := common.StartLoop(ctx)
	defer stop()
	var reply []byte
	err = retry.Retry(ctx, func(ctx context.Context) error {
		s, err := common.DialTLS(ctx, l, config)
		if err != nil {
			return err
		}
		defer s.Close()
		reply, err = dot.RoundTrip(ctx, s, data)
		return err
	})
	if err != nil {
		return nil, err
	}
	msg := new(dns.Msg)
	if err := msg.Unpack(reply); err != nil {
		return nil, err
	}
	if msg.Id != query.Id {
		return nil, dns.ErrId
	}
	if msg.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("dnsclient: %s", dns.RcodeToString[msg.Rcode])
	}
	answers := make([]string, 0, len(msg.Answer))
	for _, rr := range msg.Answer {
		answers = append(answers, rr.String())
	}
	return answers, nil
}

func prettyprint(v interface{}) {
	data, err := json.MarshalIndent(v, "", "  ")
	rtx.Must(err, "json.Marshal failed")
	fmt.Printf("%s\n", string(data))
}

