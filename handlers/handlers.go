// Package handlers contains default model.Handler handlers.
package handlers

import (
	"encoding/json"
	"io"
	"os"
	"sync"

	"github.com/m-lab/go/rtx"
	"github.com/ooni/unio/model"
)

// JSONHandler writes each measurement as a line of JSON.
type JSONHandler struct {
	mu sync.Mutex
	w  io.Writer
}

// NewJSONHandler returns a JSONHandler writing to w.
func NewJSONHandler(w io.Writer) *JSONHandler {
	return &JSONHandler{w: w}
}

// OnMeasurement implements model.Handler.
func (h *JSONHandler) OnMeasurement(m model.Measurement) {
	data, err := json.Marshal(m)
	rtx.Must(err, "unexpected json.Marshal failure")
	h.mu.Lock()
	defer h.mu.Unlock()
	h.w.Write(append(data, '\n'))
}

// StdoutHandler is a Handler that writes JSONL on stdout.
var StdoutHandler = NewJSONHandler(os.Stdout)

type noHandler struct{}

func (noHandler) OnMeasurement(m model.Measurement) {}

// NoHandler is a Handler that ignores measurements.
var NoHandler noHandler
