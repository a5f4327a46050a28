// Package common contains code shared by the command line tools.
package common

import (
	"context"
	"crypto/tls"
	"flag"

	"github.com/apex/log"
	"github.com/ooni/unio/event"
	"github.com/ooni/unio/handle"
	"github.com/ooni/unio/handlers"
	"github.com/ooni/unio/handlers/logger"
	"github.com/ooni/unio/loop"
	"github.com/ooni/unio/model"
	"github.com/ooni/unio/socket"
	"github.com/ooni/unio/socket/sslsocket"
	"github.com/ooni/unio/socket/tcpsocket"
	"github.com/ooni/unio/socket/wssocket"
	"github.com/ooni/unio/tlsengine/gotlsengine"
)

var (
	// FlagHelp is used to request the help screen
	FlagHelp = flag.Bool("help", false, "Print usage")

	// FlagJSONL prints measurements as JSONL rather than logging them
	FlagJSONL = flag.Bool("jsonl", false, "Print measurements as JSONL on stdout")

	// FlagSNI forces a specific SNI
	FlagSNI = flag.String("sni", "", "Force specific SNI")

	// FlagTransport selects the transport below TLS
	FlagTransport = flag.String("transport", "tcp", "Transport below TLS: tcp or ws")
)

// Handler returns the measurements handler selected by FlagJSONL.
func Handler() model.Handler {
	if *FlagJSONL {
		return handlers.StdoutHandler
	}
	return logger.NewHandler(log.Log)
}

// StartLoop runs a new loop in a background goroutine. The returned
// function stops the loop and waits for it to terminate.
func StartLoop(ctx context.Context) (*loop.Loop, func()) {
	l := loop.New(log.Log)
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := l.Run(ctx); err != nil {
			log.WithError(err).Warn("loop.Run failed")
		}
	}()
	return l, func() {
		cancel()
		<-done
		l.Uninit()
	}
}

// DialConfig contains the DialTLS settings.
type DialConfig struct {
	// Address is the address to connect to. With the ws transport it
	// is a ws:// URL.
	Address string

	// Handler receives measurements.
	Handler model.Handler

	// SNI is the server name. If empty, we use the host in Address.
	SNI string

	// TLSConfig is the TLS config.
	TLSConfig *tls.Config

	// Transport is either "tcp" or "ws".
	Transport string
}

// DialTLS creates a TLS socket on l and waits for the handshake. The
// socket is closed when DialTLS fails.
func DialTLS(ctx context.Context, l *loop.Loop, config DialConfig) (*sslsocket.Socket, error) {
	params := handle.Config{Handler: config.Handler, Loop: l}
	tlsctx := gotlsengine.NewProvider(config.TLSConfig, log.Log).CreateContext()
	s := sslsocket.New(params, tlsctx)
	if config.Transport == "ws" {
		s.SetParent(wssocket.New(params))
	} else {
		s.SetParent(tcpsocket.New(params))
	}
	connected := make(chan error, 1)
	s.Connect(&socket.ConnectParam{
		Address:  config.Address,
		Hostname: config.SNI,
	}, func(ev *event.Connect) {
		connected <- ev.Err
	})
	select {
	case err := <-connected:
		if err != nil {
			s.Close()
			return nil, err
		}
		return s, nil
	case <-ctx.Done():
		s.Close()
		return nil, ctx.Err()
	}
}
