// Package counthandler contains a handler that counts measurements
// and failures without keeping them.
package counthandler

import (
	"sync/atomic"

	"github.com/ooni/unio/model"
)

// Handler counts measurements. The zero value is ready to use.
type Handler struct {
	failures atomic.Int64
	total    atomic.Int64
}

// OnMeasurement implements model.Handler.
func (h *Handler) OnMeasurement(m model.Measurement) {
	h.total.Add(1)
	if failed(m) {
		h.failures.Add(1)
	}
}

// Value returns the number of measurements seen so far.
func (h *Handler) Value() int64 {
	return h.total.Load()
}

// Failures returns how many measurements carried an error.
func (h *Handler) Failures() int64 {
	return h.failures.Load()
}

func failed(m model.Measurement) bool {
	switch {
	case m.Close != nil:
		return m.Close.Error != nil
	case m.Connect != nil:
		return m.Connect.Error != nil
	case m.Read != nil:
		return m.Read.Error != nil
	case m.TLSHandshakeDone != nil:
		return m.TLSHandshakeDone.Error != nil
	case m.Write != nil:
		return m.Write.Error != nil
	}
	return false
}
