// Package tlsengine defines a TLS engine: a per connection state machine
// that does not own any transport.
//
// The engine has an outbound channel, containing ciphertext to send
// to the peer, and an inbound channel, containing ciphertext received
// from the peer. Wrap encrypts plaintext and drains the outbound channel.
// Unwrap feeds the inbound channel and drains decrypted plaintext. The
// driver polls HandshakeStatus to decide what to do next:
//
//	NeedWrap    drain the outbound channel and send it to the peer
//	NeedUnwrap  read more ciphertext from the peer and feed it
//	Finished    the handshake is complete, data can flow
//	Closing     the peer has shut down the session
//	Failed      the session failed, see HandshakeError
package tlsengine

import (
	"crypto/tls"
	"errors"

	"github.com/ooni/unio/model"
)

// ErrNoSession indicates an operation requiring a completed handshake.
var ErrNoSession = errors.New("tlsengine: handshake not complete")

// Role is the role of an engine.
type Role int

const (
	// RoleClient is the client role.
	RoleClient = Role(iota)

	// RoleServer is the server role.
	RoleServer
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

// HandshakeStatus is the status of the engine.
type HandshakeStatus int

const (
	// NotStarted means BeginHandshake has not been called yet.
	NotStarted = HandshakeStatus(iota)

	// NeedWrap means the outbound channel contains pending bytes.
	NeedWrap

	// NeedUnwrap means the engine needs bytes from the peer.
	NeedUnwrap

	// Finished means the handshake is complete.
	Finished

	// Closing means the peer sent a close notify.
	Closing

	// Failed means that the session failed.
	Failed
)

var statusNames = map[HandshakeStatus]string{
	NotStarted: "not_started",
	NeedWrap:   "need_wrap",
	NeedUnwrap: "need_unwrap",
	Finished:   "finished",
	Closing:    "closing",
	Failed:     "failed",
}

func (s HandshakeStatus) String() string {
	return statusNames[s]
}

// DataResult contains flags describing the result of Wrap and Unwrap.
type DataResult int

const (
	// DataOK means that there is nothing special to report.
	DataOK = DataResult(0)

	// DataClosed means that the session is closed.
	DataClosed = DataResult(1 << iota)

	// DataReadMore means that more plaintext is already buffered.
	DataReadMore

	// DataRead means that plaintext has been written into output.
	DataRead
)

// Has returns whether r contains all the given flags.
func (r DataResult) Has(flags DataResult) bool {
	return r&flags == flags
}

// Engine is a TLS engine. Engines are not safe for concurrent use.
type Engine interface {
	// SetHostname sets the SNI. Must be called before BeginHandshake.
	SetHostname(name string)

	// BeginHandshake starts the handshake. When it returns, the client
	// hello, if any, is pending in the outbound channel.
	BeginHandshake()

	// HandshakeStatus returns the current status.
	HandshakeStatus() HandshakeStatus

	// HandshakeError returns the first error that occurred, if any.
	HandshakeError() error

	// Wrap encrypts the remaining bytes of input, if not nil, advancing
	// its position. Then, if output is not nil, it drains the pending
	// ciphertext into output and flips it. Input is refused before the
	// handshake is finished, after Shutdown, and after a failure: in
	// such cases the result has DataClosed and input is left untouched.
	Wrap(input, output model.Buffer) DataResult

	// Unwrap feeds the remaining bytes of input, if not nil, advancing
	// its position. Before the handshake is finished it only advances the
	// handshake. Afterwards, if output is not nil, it writes decrypted
	// plaintext into it and flips it.
	Unwrap(input, output model.Buffer) DataResult

	// Shutdown queues a close notify. It returns whether the caller
	// needs to flush the outbound channel.
	Shutdown() bool

	// ConnectionState returns the state after a successful handshake.
	ConnectionState() *tls.ConnectionState

	// Close releases the resources used by the engine.
	Close()
}

// Context creates engines sharing the same configuration.
type Context interface {
	CreateEngine(role Role) Engine
	Provider() Provider
}

// Provider creates contexts.
type Provider interface {
	CreateContext() Context
}
