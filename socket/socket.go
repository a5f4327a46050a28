// Package socket contains the contract of byte stream transports.
//
// Read is a subscription: its callback runs once per inbound chunk
// until CancelRead, or until an error (including EOF) is delivered.
// Write has exactly one completion and callers must wait for it before
// writing again. Connect, Disconnect, Listen, and Accept have exactly
// one completion. When a callback is nil, the corresponding event is
// emitted on the socket handle instead.
//
// All the callbacks run on the loop goroutine.
package socket

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/ooni/unio/event"
	"github.com/ooni/unio/handle"
	"github.com/ooni/unio/internal/errwrapper"
	"github.com/ooni/unio/model"
	"golang.org/x/net/idna"
)

var (
	// ErrSocketClosed indicates an operation on a closed socket.
	ErrSocketClosed = fmt.Errorf("socket: %w", net.ErrClosed)

	// ErrWriteInProgress indicates that a write has been issued before
	// the completion of the previous one.
	ErrWriteInProgress = errors.New("socket: write already in progress")

	// ErrNotConnected indicates that the socket is not connected.
	ErrNotConnected = errors.New("socket: not connected")

	// ErrNotListening indicates an accept on a socket that is not listening.
	ErrNotListening = errors.New("socket: not listening")

	// ErrUnsupportedPeer indicates that Accept received a client socket
	// of an incompatible transport.
	ErrUnsupportedPeer = errors.New("socket: unsupported client socket")
)

// ReadFunc is called for each chunk received.
type ReadFunc func(ev *event.Read)

// WriteFunc is called when a write completes.
type WriteFunc func(ev *event.Write)

// ConnectFunc is called when connect completes.
type ConnectFunc func(ev *event.Connect)

// DisconnectFunc is called when disconnect completes.
type DisconnectFunc func(ev *event.Disconnect)

// ListenFunc is called when listen completes.
type ListenFunc func(ev *event.Listen)

// AcceptFunc is called when accept completes.
type AcceptFunc func(ev *event.Accept)

// Socket is a transport that can read and write.
type Socket interface {
	model.Resource
	handle.Owner

	// Read starts a read subscription using buf to deliver data. The
	// buffer is cleared and reused between chunks.
	Read(buf model.Buffer, fn ReadFunc)

	// CancelRead stops the read subscription.
	CancelRead()

	// Write writes the remaining bytes of buf. The buffer must not be
	// touched until the completion, which advances its position.
	Write(buf model.Buffer, fn WriteFunc)
}

// StreamSocket is a connection oriented Socket.
type StreamSocket interface {
	Socket

	Connect(param *ConnectParam, fn ConnectFunc)
	Disconnect(fn DisconnectFunc)
	Listen(param *ListenParam, fn ListenFunc)

	// Accept adopts the next inbound connection into client, which
	// must be a fresh socket of the same transport.
	Accept(client StreamSocket, fn AcceptFunc)

	// IsConnected reflects transport level connectivity.
	IsConnected() bool

	// IsHandshaked reports whether any upper layer handshake has
	// completed. Plain transports return IsConnected.
	IsHandshaked() bool
}

// ConnectParam contains the connect parameters.
type ConnectParam struct {
	// Address is the transport specific endpoint to connect to.
	Address string

	// Hostname is the name for TLS SNI. When empty we use the host
	// part of Address, unless it is an IP address.
	Hostname string
}

// ServerName returns the normalized name for TLS SNI, which may
// be empty when we're connecting to an IP address.
func (p *ConnectParam) ServerName() (string, error) {
	name := p.Hostname
	if name == "" {
		host, _, err := net.SplitHostPort(p.Address)
		if err != nil {
			host = p.Address
		}
		if net.ParseIP(host) != nil {
			return "", nil
		}
		name = host
	}
	name = strings.TrimSuffix(name, ".")
	return idna.Lookup.ToASCII(name)
}

// ListenParam contains the listen parameters.
type ListenParam struct {
	// Address is the transport specific endpoint to bind.
	Address string

	// Backlog is advisory. Go listeners use the system default.
	Backlog int
}

// Complete delivers ev to fn or, if fn is nil, emits it on o. It
// must run on the loop goroutine.
func Complete[E any](o handle.Owner, fn func(*E), ev *E) {
	if fn != nil {
		fn(ev)
		return
	}
	handle.Emit(o, ev)
}

// Defer is like Complete but schedules the delivery on the loop.
func Defer[E any](o handle.Owner, fn func(*E), ev *E) {
	o.Base().Loop().Post(func() {
		Complete(o, fn, ev)
	})
}

// WrapError converts err into a transport error attributed to o.
func WrapError(o handle.Owner, operation string, err error) error {
	return errwrapper.SafeErrWrapperBuilder{
		ConnID:    o.Base().ID(),
		Error:     err,
		Operation: operation,
	}.MaybeBuild()
}
