// Package logger contains a handler that turns measurements into
// debug log entries.
package logger

import (
	"crypto/tls"
	"time"

	"github.com/apex/log"
	"github.com/ooni/unio/model"
)

// Handler logs measurements using a log.Interface.
type Handler struct {
	logger log.Interface
}

// NewHandler returns a new logging handler.
func NewHandler(logger log.Interface) *Handler {
	return &Handler{logger: logger}
}

// OnMeasurement implements model.Handler. A measurement carrying
// more than one event produces one entry per event.
func (h *Handler) OnMeasurement(m model.Measurement) {
	if ev := m.Connect; ev != nil {
		h.entry(ev.ConnID, ev.Time, ev.Error).WithFields(log.Fields{
			"blockedFor":    ev.Duration,
			"localAddress":  ev.LocalAddress,
			"network":       ev.Network,
			"remoteAddress": ev.RemoteAddress,
		}).Debug("net: connect done")
	}
	if ev := m.Read; ev != nil {
		h.entry(ev.ConnID, ev.Time, ev.Error).WithFields(log.Fields{
			"blockedFor": ev.Duration,
			"numBytes":   ev.NumBytes,
		}).Debug("net: read done")
	}
	if ev := m.Write; ev != nil {
		h.entry(ev.ConnID, ev.Time, ev.Error).WithFields(log.Fields{
			"blockedFor": ev.Duration,
			"numBytes":   ev.NumBytes,
		}).Debug("net: write done")
	}
	if ev := m.Close; ev != nil {
		h.entry(ev.ConnID, ev.Time, ev.Error).
			WithField("blockedFor", ev.Duration).
			Debug("net: close done")
	}
	if ev := m.TLSHandshakeStart; ev != nil {
		h.entry(ev.ConnID, ev.Time, nil).WithFields(log.Fields{
			"role": ev.Config.Role,
			"sni":  ev.Config.ServerName,
		}).Debug("tls: start handshake")
	}
	if ev := m.TLSHandshakeDone; ev != nil {
		entry := h.entry(ev.ConnID, ev.Time, ev.Error)
		if cs := ev.ConnectionState; cs != nil {
			entry = entry.WithFields(log.Fields{
				"alpn":    cs.NegotiatedProtocol,
				"cipher":  tls.CipherSuiteName(cs.CipherSuite),
				"version": tls.VersionName(cs.Version),
			})
		}
		entry.Debug("tls: handshake done")
	}
}

// entry returns a log entry with the fields every measurement has.
func (h *Handler) entry(connid int64, elapsed time.Duration, err error) *log.Entry {
	entry := h.logger.WithFields(log.Fields{
		"connID":  connid,
		"elapsed": elapsed,
	})
	if err != nil {
		entry = entry.WithError(err)
	}
	return entry
}
