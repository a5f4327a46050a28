// Package savinghandler contains a handler that keeps every
// measurement in memory, for inspecting them in tests.
package savinghandler

import (
	"sync"

	"github.com/ooni/unio/model"
)

// Handler saves measurements. The zero value is ready to use.
type Handler struct {
	all []model.Measurement
	mu  sync.Mutex
}

// OnMeasurement implements model.Handler.
func (h *Handler) OnMeasurement(m model.Measurement) {
	h.mu.Lock()
	h.all = append(h.all, m)
	h.mu.Unlock()
}

// Len returns the number of saved measurements.
func (h *Handler) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.all)
}

// Snapshot returns a copy of the measurements saved so far, in the
// order in which they were emitted.
func (h *Handler) Snapshot() []model.Measurement {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]model.Measurement(nil), h.all...)
}

// Reset forgets all the saved measurements.
func (h *Handler) Reset() {
	h.mu.Lock()
	h.all = nil
	h.mu.Unlock()
}
