// Package event contains the events emitted by handles.
//
// Events are dispatched by concrete type: a listener registered for
// Read is only invoked when a Read is emitted. Every event embeds a
// Status carrying the optional error payload, so that callers can
// discriminate failures using HasError rather than a separate path.
package event

import "github.com/ooni/unio/model"

// Status is the outcome of the operation that generated an event.
type Status struct {
	// Err is nil on success. Transport errors are *model.ErrWrapper.
	Err error
}

// HasError returns whether the event carries an error.
func (s Status) HasError() bool {
	return s.Err != nil
}

// Init is emitted exactly once when a handle has been initialized. A
// failed initialization is still an initialization: Err tells why.
type Init struct {
	Status
}

// Close is emitted exactly once when a handle has been closed.
type Close struct {
	Status
}

// Error is a generic error not bound to a pending completion. It is
// logged when nobody is listening for it.
type Error struct {
	Status
}

// Read is emitted for every chunk received while a read subscription
// is active, and once with an error when the subscription fails.
type Read struct {
	Status

	// Buffer is in read mode and contains the chunk. It is borrowed:
	// the listener must consume it before returning.
	Buffer model.Buffer
}

// Write is emitted when a write completes.
type Write struct {
	Status
}

// Connect is emitted when a connect completes.
type Connect struct {
	Status
}

// Disconnect is emitted when a disconnect completes.
type Disconnect struct {
	Status
}

// Listen is emitted when a listen completes.
type Listen struct {
	Status
}

// Accept is emitted when an accept completes.
type Accept struct {
	Status

	// Client is the resource that adopted the new connection.
	Client model.Resource
}

// Handshake is emitted when a TLS handshake completes or fails.
type Handshake struct {
	Status
}

// Timer is emitted when a timer expires.
type Timer struct{}
