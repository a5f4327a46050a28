// Package tracing emits the TLS handshake measurements of a socket.
package tracing

import (
	"crypto/tls"
	"time"

	"github.com/ooni/unio/model"
)

// Trace emits the handshake measurements of the socket whose ID
// is ConnID.
type Trace struct {
	Beginning time.Time
	ConnID    int64
	Handler   model.Handler
}

// Start emits the TLSHandshakeStart measurement.
func (t *Trace) Start(config model.TLSConfig) {
	t.Handler.OnMeasurement(model.Measurement{
		TLSHandshakeStart: &model.TLSHandshakeStartEvent{
			Config: config,
			ConnID: t.ConnID,
			Time:   time.Since(t.Beginning),
		},
	})
}

// Done emits the TLSHandshakeDone measurement. The state is ignored
// when err is not nil.
func (t *Trace) Done(state *tls.ConnectionState, err error) {
	ev := &model.TLSHandshakeDoneEvent{
		ConnID: t.ConnID,
		Error:  err,
		Time:   time.Since(t.Beginning),
	}
	if err == nil && state != nil {
		ev.ConnectionState = convert(state)
	}
	t.Handler.OnMeasurement(model.Measurement{TLSHandshakeDone: ev})
}

func convert(state *tls.ConnectionState) *model.TLSConnectionState {
	out := &model.TLSConnectionState{
		CipherSuite:        state.CipherSuite,
		NegotiatedProtocol: state.NegotiatedProtocol,
		Version:            state.Version,
	}
	for _, cert := range state.PeerCertificates {
		out.PeerCertificates = append(out.PeerCertificates,
			model.X509Certificate{Data: cert.Raw})
	}
	return out
}
