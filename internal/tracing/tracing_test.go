package tracing

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"testing"
	"time"

	"github.com/ooni/unio/internal/handlers/savinghandler"
	"github.com/ooni/unio/model"
)

func TestStart(t *testing.T) {
	handler := &savinghandler.Handler{}
	trace := &Trace{Beginning: time.Now(), ConnID: 3, Handler: handler}
	trace.Start(model.TLSConfig{Role: "client", ServerName: "example.com"})
	all := handler.Snapshot()
	if len(all) != 1 || all[0].TLSHandshakeStart == nil {
		t.Fatal("missing TLSHandshakeStart")
	}
	ev := all[0].TLSHandshakeStart
	if ev.Config.Role != "client" || ev.Config.ServerName != "example.com" {
		t.Fatal("config not correctly saved")
	}
	if ev.ConnID != 3 {
		t.Fatal("ConnID not correctly saved")
	}
}

func TestDone(t *testing.T) {
	state := &tls.ConnectionState{
		PeerCertificates: []*x509.Certificate{{Raw: []byte("0xdeadbeef")}},
		Version:          tls.VersionTLS13,
	}

	t.Run("failure", func(t *testing.T) {
		handler := &savinghandler.Handler{}
		trace := &Trace{Handler: handler}
		trace.Done(state, errors.New("mocked error"))
		ev := handler.Snapshot()[0].TLSHandshakeDone
		if ev == nil || ev.Error == nil {
			t.Fatal("missing error")
		}
		if ev.ConnectionState != nil {
			t.Fatal("unexpected ConnectionState value")
		}
	})

	t.Run("success", func(t *testing.T) {
		handler := &savinghandler.Handler{}
		trace := &Trace{Handler: handler}
		trace.Done(state, nil)
		ev := handler.Snapshot()[0].TLSHandshakeDone
		if ev == nil || ev.ConnectionState == nil {
			t.Fatal("missing ConnectionState")
		}
		if ev.ConnectionState.Version != tls.VersionTLS13 {
			t.Fatal("unexpected TLS version")
		}
		certs := ev.ConnectionState.PeerCertificates
		if len(certs) != 1 || !bytes.Equal(certs[0].Data, []byte("0xdeadbeef")) {
			t.Fatal("incorrectly saved certificate info")
		}
	})
}
