// Package model contains the data model shared by the whole module.
//
// Sockets are tagged using a unique int64 ConnID, which is the ID of
// the handle that owns the underlying connection. IDs are never reused
// within the same process.
//
// Measurements are emitted, alongside the events delivered to the
// listeners of a handle, to a model.Handler. They describe what the
// underlying transport did. All measurements also have a Time. This is
// always the time elapsed since the configured Beginning, measured using
// a monotonic clock.
//
// Duration, where present, indicates for how long the code has been
// blocked waiting for an operation to complete. For example,
// ReadEvent.Duration indicates for how long a helper goroutine has
// been blocked inside Read().
//
// When an operation may fail, we also include the Error.
package model

import "time"

// CloseEvent is emitted when the connection has been closed.
type CloseEvent struct {
	ConnID   int64
	Duration time.Duration
	Error    error
	Time     time.Duration
}

// ConnectEvent is emitted when connect() returns.
type ConnectEvent struct {
	ConnID        int64
	Duration      time.Duration
	Error         error
	LocalAddress  string
	Network       string
	RemoteAddress string
	Time          time.Duration
}

// ReadEvent is emitted when conn.Read returns.
type ReadEvent struct {
	ConnID   int64
	Duration time.Duration
	Error    error
	NumBytes int64
	Time     time.Duration
}

// WriteEvent is emitted when conn.Write returns.
type WriteEvent struct {
	ConnID   int64
	Duration time.Duration
	Error    error
	NumBytes int64
	Time     time.Duration
}

// TLSConfig contains TLS configurations.
type TLSConfig struct {
	Role       string
	ServerName string
}

// X509Certificate is an x.509 certificate.
type X509Certificate struct {
	// Data contains the certificate bytes in DER format.
	Data []byte
}

// TLSConnectionState contains the TLS connection state.
type TLSConnectionState struct {
	CipherSuite        uint16
	NegotiatedProtocol string
	PeerCertificates   []X509Certificate
	Version            uint16
}

// TLSHandshakeStartEvent is emitted when the TLS engine begins
// the handshake on top of the parent transport.
type TLSHandshakeStartEvent struct {
	Config TLSConfig
	ConnID int64
	Time   time.Duration
}

// TLSHandshakeDoneEvent is emitted when the handshake completes
// or fails. ConnectionState is nil on failure.
type TLSHandshakeDoneEvent struct {
	ConnectionState *TLSConnectionState
	ConnID          int64
	Error           error
	Time            time.Duration
}

// Measurement contains zero or more events. Do not assume that at any
// time a Measurement will only contain a single event. When a Measurement
// contains an event, the corresponding pointer is non nil.
type Measurement struct {
	Close             *CloseEvent             `json:",omitempty"`
	Connect           *ConnectEvent           `json:",omitempty"`
	Read              *ReadEvent              `json:",omitempty"`
	TLSHandshakeStart *TLSHandshakeStartEvent `json:",omitempty"`
	TLSHandshakeDone  *TLSHandshakeDoneEvent  `json:",omitempty"`
	Write             *WriteEvent             `json:",omitempty"`
}

// Handler handles measurement events.
type Handler interface {
	// OnMeasurement is called when an event occurs. OnMeasurement is
	// called by helper goroutines as well as by the loop goroutine,
	// hence calls may happen concurrently.
	OnMeasurement(Measurement)
}

// Resource is anything owned by a loop that has an asynchronous
// init and close lifecycle.
type Resource interface {
	// ID returns the unique ID of the resource.
	ID() int64

	// Close starts closing the resource. A Close event will be
	// emitted exactly once, no matter how many times you call Close.
	Close()
}

// Buffer is a byte region with position, limit, and capacity. The
// invariant is that position <= limit <= capacity.
//
// In write mode the region between position and limit is free space
// where to write. In read mode the same region contains the valid data.
// Flip moves from the former to the latter.
type Buffer interface {
	// Bytes returns the region between position and limit.
	Bytes() []byte

	// Put copies p at position and advances position. It returns
	// the number of bytes actually copied.
	Put(p []byte) int

	Position() int
	SetPosition(pos int)
	Limit() int
	SetLimit(limit int)
	Capacity() int

	// Remaining returns limit - position.
	Remaining() int

	// Flip sets limit to position and position to zero.
	Flip()

	// Clear sets position to zero and limit to capacity.
	Clear()

	// Expand grows the capacity to size, without exceeding the
	// ExpandableSize. It returns whether the capacity is now at
	// least equal to size.
	Expand(size int) bool

	// ExpandableSize returns the maximum capacity.
	ExpandableSize() int
}
