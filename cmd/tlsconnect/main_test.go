package main

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"testing"

	"github.com/ooni/unio/cmd/common"
	"github.com/ooni/unio/handlers"
	"github.com/ooni/unio/internal/testingx"
	"github.com/ooni/unio/model"
)

func serveTLS(t *testing.T, config *tls.Config) net.Listener {
	listener, err := tls.Listen("tcp", "127.0.0.1:0", config)
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				conn.(*tls.Conn).Handshake()
				conn.Read(make([]byte, 1))
			}()
		}
	}()
	return listener
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
	material := testingx.NewTLSMaterial("example.com")
	listener := serveTLS(t, material.Server)
	defer listener.Close()
	out, err := tlsconnect(context.Background(), common.DialConfig{
		Address:   listener.Addr().String(),
		Handler:   handlers.NoHandler,
		SNI:       "example.com",
		TLSConfig: material.Client,
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.ServerName != "example.com" || out.Version != "TLS 1.3" {
		t.Fatal("unexpected result", out)
	}
}

func TestIntegrationUnknownAuthority(t *testing.T) {
	material := testingx.NewTLSMaterial("example.com")
	listener := serveTLS(t, material.Server)
	defer listener.Close()
	out, err := tlsconnect(context.Background(), common.DialConfig{
		Address:   listener.Addr().String(),
		Handler:   handlers.NoHandler,
		SNI:       "example.com",
		TLSConfig: &tls.Config{},
	})
	var wrapper *model.ErrWrapper
	if !errors.As(err, &wrapper) || wrapper.Failure != "ssl_unknown_authority" {
		t.Fatal("expected ssl_unknown_authority", err)
	}
	if out.Failure != "ssl_unknown_authority" {
		t.Fatal("unexpected failure", out.Failure)
	}
}
