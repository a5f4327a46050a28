// tlsconnect performs a TLS handshake and prints the result.
//
// Usage:
//
//   tlsconnect -address address [-sni sni] [-transport tcp|ws]
//              [-ca-bundle path] [-insecure]
//
//   tlsconnect -help
//
// We log the measurements while we proceed, and we print the final
// TLS connection state as JSON on the stdout.
//
// Examples:
//
//   ./tlsconnect -address example.com:443
//   ./tlsconnect -address 1.1.1.1:853 -sni cloudflare-dns.com
package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/apex/log"
	"github.com/apex/log/handlers/cli"
	"github.com/m-lab/go/rtx"
	"github.com/ooni/unio/cmd/common"
	"github.com/ooni/unio/internal/tlsconf"
)

var (
	flagAddress  = flag.String("address", "example.com:443", "Address to connect to")
	flagCABundle = flag.String("ca-bundle", "", "Use the CA bundle at this path")
	flagInsecure = flag.Bool("insecure", false, "Skip certificate verification")
	flagTimeout  = flag.Duration("timeout", 10*time.Second, "Overall timeout")
)

// result is what we print.
type result struct {
	CipherSuite        string
	Failure            string `json:",omitempty"`
	NegotiatedProtocol string
	ServerName         string
	Version            string
}

func main() {
	rtx.Must(mainWithContext(context.Background()), "mainWithContext failed")
}

func mainWithContext(ctx context.Context) error {
	flag.Parse()
	if *common.FlagHelp {
		flag.CommandLine.SetOutput(os.Stdout)
		fmt.Printf("Usage: tlsconnect [flags]\n")
		flag.PrintDefaults()
		fmt.Printf("\nExamples:\n")
		fmt.Printf("%s\n", "  ./tlsconnect -address example.com:443")
		fmt.Printf("%s\n", "  ./tlsconnect -address 1.1.1.1:853 -sni cloudflare-dns.com")
		return nil
	}
	log.SetHandler(cli.Default)
	log.SetLevel(log.DebugLevel)
	config, err := tlsconf.NewClientConfig(*common.FlagSNI, *flagCABundle, *flagInsecure)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, *flagTimeout)
	defer cancel()
	out, err := tlsconnect(ctx, common.DialConfig{
		Address:   *flagAddress,
		Handler:   common.Handler(),
		SNI:       *common.FlagSNI,
		TLSConfig: config,
		Transport: *common.FlagTransport,
	})
	prettyprint(out)
	return err
}

func tlsconnect(ctx context.Context, config common.DialConfig) (*result, error) {
	l, stop := common.StartLoop(ctx)
	defer stop()
	s, err := common.DialTLS(ctx, l, config)
	if err != nil {
		return &result{Failure: err.Error()}, err
	}
	defer s.Close()
	state := s.ConnectionState()
	return &result{
		CipherSuite:        tls.CipherSuiteName(state.CipherSuite),
		NegotiatedProtocol: state.NegotiatedProtocol,
		ServerName:         state.ServerName,
		Version:            tls.VersionName(state.Version),
	}, nil
}

func prettyprint(v interface{}) {
	data, err := json.MarshalIndent(v, "", "  ")
	rtx.Must(err, "json.Marshal failed")
	fmt.Printf("%s\n", string(data))
}
