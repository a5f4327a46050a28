package main

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"strings"
	"testing"

	"github.com/miekg/dns"
	"github.com/ooni/unio/cmd/common"
	"github.com/ooni/unio/handlers"
	"github.com/ooni/unio/internal/testingx"
)

// startServer runs a DNS over TLS server answering 127.0.0.1 to every
// A query and NXDOMAIN to anything else.
func startServer(t *testing.T, material *testingx.TLSMaterial) (string, func()) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	server := &dns.Server{
		Listener: tls.NewListener(listener, material.Server),
		Net:      "tcp-tls",
		Handler: dns.HandlerFunc(func(w dns.ResponseWriter, query *dns.Msg) {
			reply := new(dns.Msg)
			reply.SetReply(query)
			if query.Question[0].Qtype != dns.TypeA {
				reply.Rcode = dns.RcodeNameError
				w.WriteMsg(reply)
				return
			}
			reply.Answer = append(reply.Answer, &dns.A{
				Hdr: dns.RR_Header{
					Name:   query.Question[0].Name,
					Rrtype: dns.TypeA,
					Class:  dns.ClassINET,
					Ttl:    60,
				},
				A: net.IPv4(127, 0, 0, 1),
			})
			w.WriteMsg(reply)
		}),
	}
	go server.ActivateAndServe()
	return listener.Addr().String(), func() {
		server.Shutdown()
	}
}

func TestHelp(t *testing.T) {
	*common.FlagHelp = true
	err := mainWithContext(context.Background())
	*common.FlagHelp = false
	if err != nil {
		t.Fatal(err)
	}
}

func TestIntegrationLocalServer(t *testing.T) {
	material := testingx.NewTLSMaterial("dns.example.com")
	address, stop := startServer(t, material)
	defer stop()
	config := common.DialConfig{
		Address:   address,
		Handler:   handlers.NoHandler,
		SNI:       "dns.example.com",
		TLSConfig: material.Client,
	}

	t.Run("A query", func(t *testing.T) {
		answers, err := lookup(context.Background(), config, "ooni.io", "a")
		if err != nil {
			t.Fatal(err)
		}
		if len(answers) != 1 || !strings.HasSuffix(answers[0], "127.0.0.1") {
			t.Fatal("unexpected answers", answers)
		}
	})

	t.Run("NXDOMAIN", func(t *testing.T) {
		_, err := lookup(context.Background(), config, "ooni.io", "MX")
		if err == nil || !strings.Contains(err.Error(), "NXDOMAIN") {
			t.Fatal("expected NXDOMAIN", err)
		}
	})
}

func TestUnsupportedType(t *testing.T) {
	_, err := lookup(context.Background(), common.DialConfig{}, "ooni.io", "PTR")
	if !errors.Is(err, errUnsupportedType) {
		t.Fatal("expected errUnsupportedType", err)
	}
}
