// Package sslsocket layers TLS on top of any socket.StreamSocket.
//
// A Socket drives a tlsengine.Engine. Ciphertext read from the parent is
// fed to the engine and the resulting plaintext is delivered as Read
// events. The handshake is driven by tlsProcess, which polls the engine
// status and keeps at most one parent write in flight, resuming from its
// completion.
//
// The state of a Socket is confined to the loop goroutine. The public
// methods post their work to the loop, except those reading atomic state.
package sslsocket

import (
	"crypto/tls"
	"errors"
	"io"
	"net"
	"sync/atomic"

	"github.com/ooni/unio/buffer"
	"github.com/ooni/unio/event"
	"github.com/ooni/unio/handle"
	"github.com/ooni/unio/internal/tracing"
	"github.com/ooni/unio/model"
	"github.com/ooni/unio/socket"
	"github.com/ooni/unio/socket/tcpsocket"
	"github.com/ooni/unio/tlsengine"
)

const (
	// InitialBufferSize is the initial size of the ciphertext buffers.
	InitialBufferSize = 1 << 14

	// MaxBufferSize is the maximum size of the ciphertext buffers.
	MaxBufferSize = 1 << 22
)

// ErrNoParent indicates that SetParent has not been called.
var ErrNoParent = errors.New("sslsocket: no parent socket")

type writeReq struct {
	buf model.Buffer
	fn  socket.WriteFunc
}

// Socket is a TLS socket. Use New to construct.
type Socket struct {
	*handle.Handle
	ctx          tlsengine.Context
	disconnectFn func(error)
	engine       tlsengine.Engine
	established  bool
	failed       bool
	flushing     bool
	handshaked   atomic.Bool
	inbound      *buffer.Buffer
	onReady      func(error)
	outbound     model.Buffer
	parent       socket.StreamSocket
	pendingWrite *writeReq
	pump         *socket.ReadPump
	scratch      *buffer.Buffer
	shutdown     bool
	state        atomic.Pointer[tls.ConnectionState]
	trace        *tracing.Trace
	writeBusy    bool
}

var _ socket.StreamSocket = &Socket{}

// New creates a new TLS socket creating engines using ctx. The socket is
// initialized when the parent set with SetParent is initialized.
func New(config handle.Config, ctx tlsengine.Context) *Socket {
	s := &Socket{ctx: ctx}
	s.Handle = handle.New(config, s)
	s.inbound = buffer.NewExpandable(InitialBufferSize, MaxBufferSize)
	s.outbound = buffer.NewExpandable(InitialBufferSize, MaxBufferSize)
	s.pump = socket.NewReadPump(s)
	s.scratch = buffer.NewFixed(InitialBufferSize)
	s.trace = &tracing.Trace{
		Beginning: s.Beginning(),
		ConnID:    s.ID(),
		Handler:   s.Handler(),
	}
	return s
}

// NewTCP creates a new TLS socket over a new TCP socket.
func NewTCP(config handle.Config, ctx tlsengine.Context) *Socket {
	s := New(config, ctx)
	s.SetParent(tcpsocket.New(config))
	return s
}

// SetParent sets the transport. It must be called once, before using
// the socket, with a parent owned by the same loop. The socket completes
// its initialization with the parent's Init event and closes along
// with its parent.
func (s *Socket) SetParent(parent socket.StreamSocket) {
	if parent.Base().Loop() != s.Loop() {
		panic("sslsocket: parent owned by another loop")
	}
	s.parent = parent
	handle.Once(parent, func(ev *event.Init, src model.Resource) {
		if s.StartInit() {
			s.CompleteInit(ev.Err)
		}
	})
	handle.Once(parent, func(ev *event.Close, src model.Resource) {
		s.closeFromParent()
	})
}

// Parent returns the transport, if any.
func (s *Socket) Parent() socket.StreamSocket {
	return s.parent
}

// SetSocketOutboundBuffer replaces the buffer holding the ciphertext
// written to the parent. It must be called before connecting.
func (s *Socket) SetSocketOutboundBuffer(buf model.Buffer) {
	s.outbound = buf
}

// Connect connects the parent and then performs the client handshake.
// The completion fires when the handshake is complete or has failed.
func (s *Socket) Connect(param *socket.ConnectParam, fn socket.ConnectFunc) {
	complete := func(err error) {
		socket.Complete(s, fn, &event.Connect{Status: event.Status{
			Err: socket.WrapError(s, "connect", err),
		}})
	}
	s.Loop().Post(func() {
		if err := s.checkUsable(); err != nil {
			complete(err)
			return
		}
		serverName, err := param.ServerName()
		if err != nil {
			complete(err)
			return
		}
		s.Logger().WithField("address", param.Address).WithField(
			"serverName", serverName).Debug("ssl: connect")
		s.parent.Connect(param, func(ev *event.Connect) {
			if ev.HasError() {
				complete(ev.Err)
				return
			}
			s.startHandshake(tlsengine.RoleClient, serverName, complete)
		})
	})
}

func (s *Socket) checkUsable() error {
	switch {
	case s.IsClosing():
		return socket.ErrSocketClosed
	case s.parent == nil:
		return ErrNoParent
	}
	return nil
}

// startHandshake creates the engine, starts reading from the parent,
// and enters tlsProcess. The ready function is called exactly once.
func (s *Socket) startHandshake(role tlsengine.Role, serverName string, ready func(error)) {
	if s.IsClosing() {
		ready(socket.ErrSocketClosed)
		return
	}
	s.engine = s.ctx.CreateEngine(role)
	if serverName != "" {
		s.engine.SetHostname(serverName)
	}
	s.onReady = ready
	s.trace.Start(model.TLSConfig{Role: role.String(), ServerName: serverName})
	s.engine.BeginHandshake()
	s.parent.Read(s.inbound, s.onParentRead)
	s.tlsProcess()
}

// onParentRead feeds ciphertext to the engine, delivering the
// plaintext, and then drives the state machine.
func (s *Socket) onParentRead(ev *event.Read) {
	if s.engine == nil || s.IsClosing() {
		return
	}
	if ev.HasError() {
		if s.shutdown {
			s.pump.Deliver(nil, ev.Err)
			return
		}
		s.fail(ev.Err)
		return
	}
	input := ev.Buffer
	for !s.IsClosing() {
		s.scratch.Clear()
		result := s.engine.Unwrap(input, s.scratch)
		input = nil
		if result.Has(tlsengine.DataRead) {
			s.pump.Deliver(s.scratch.Bytes(), nil)
		}
		if !result.Has(tlsengine.DataReadMore) {
			break
		}
	}
	s.tlsProcess()
}

// tlsProcess performs the action required by the engine status.
func (s *Socket) tlsProcess() {
	if s.engine == nil || s.flushing || s.failed || s.IsClosing() {
		return
	}
	switch s.engine.HandshakeStatus() {
	case tlsengine.NeedWrap:
		s.outbound.Clear()
		s.engine.Wrap(nil, s.outbound)
		s.flush(func(err error) {
			if err != nil {
				s.fail(err)
			}
		})
	case tlsengine.Finished:
		s.handshakeDone()
		if w := s.pendingWrite; w != nil {
			s.pendingWrite = nil
			s.flushWrite(w)
			return
		}
		if fn := s.disconnectFn; fn != nil {
			s.disconnectFn = nil
			fn(nil)
		}
	case tlsengine.Failed:
		s.fail(s.engine.HandshakeError())
	case tlsengine.Closing:
		s.Logger().Debug("ssl: peer closed the session")
		s.pump.Deliver(nil, io.EOF)
		if fn := s.disconnectFn; fn != nil {
			s.disconnectFn = nil
			fn(nil)
		}
		s.Close()
	}
}

// flush writes the outbound buffer to the parent and resumes
// tlsProcess from the write completion.
func (s *Socket) flush(done func(error)) {
	s.flushing = true
	s.parent.Write(s.outbound, func(ev *event.Write) {
		s.flushing = false
		done(ev.Err)
		s.tlsProcess()
	})
}

func (s *Socket) flushWrite(w *writeReq) {
	s.outbound.Clear()
	s.engine.Wrap(w.buf, s.outbound)
	if w.buf.Remaining() > 0 {
		s.completeWrite(w, socket.ErrSocketClosed)
		return
	}
	s.flush(func(err error) {
		s.completeWrite(w, err)
	})
}

func (s *Socket) completeWrite(w *writeReq, err error) {
	s.writeBusy = false
	if err != nil && s.IsClosing() {
		err = socket.ErrSocketClosed
	}
	socket.Complete(s, w.fn, &event.Write{Status: event.Status{
		Err: socket.WrapError(s, "write", err),
	}})
}

func (s *Socket) handshakeDone() {
	if s.established {
		return
	}
	s.established = true
	state := s.engine.ConnectionState()
	s.state.Store(state)
	s.handshaked.Store(true)
	s.trace.Done(state, nil)
	s.Logger().Debug("ssl: handshake done")
	handle.Emit(s, &event.Handshake{})
	if fn := s.onReady; fn != nil {
		s.onReady = nil
		fn(nil)
	}
}

// fail handles a fatal error. A queued write completes with the error.
// Before the handshake is complete, the error is delivered to the pending
// completion. Otherwise, it ends the read subscription and is emitted as
// an Error event.
func (s *Socket) fail(err error) {
	if s.failed {
		return
	}
	s.failed = true
	if err == nil {
		err = io.ErrUnexpectedEOF
	}
	operation := "tls_handshake"
	if s.established {
		operation = "read"
	}
	err = socket.WrapError(s, operation, err)
	s.Logger().WithError(err).Debug("ssl: failure")
	if fn := s.disconnectFn; fn != nil {
		s.disconnectFn = nil
		fn(err)
	}
	if w := s.pendingWrite; w != nil {
		s.pendingWrite = nil
		s.completeWrite(w, err)
	}
	if !s.established {
		s.trace.Done(nil, err)
		handle.Emit(s, &event.Handshake{Status: event.Status{Err: err}})
		if fn := s.onReady; fn != nil {
			s.onReady = nil
			fn(err)
			return
		}
	} else {
		s.pump.Deliver(nil, err)
	}
	handle.Emit(s, &event.Error{Status: event.Status{Err: err}})
}

// Read starts a read subscription delivering plaintext.
func (s *Socket) Read(buf model.Buffer, fn socket.ReadFunc) {
	if !s.IsClosing() && !s.handshaked.Load() {
		socket.Defer(s, fn, &event.Read{Status: event.Status{
			Err: socket.WrapError(s, "read", socket.ErrNotConnected),
		}})
		return
	}
	s.pump.Subscribe(buf, fn)
}

// CancelRead stops the read subscription. Plaintext received in the
// meanwhile is delivered to the next subscription.
func (s *Socket) CancelRead() {
	s.pump.Cancel()
}

// Write encrypts the remaining bytes of buf and writes them to the parent.
func (s *Socket) Write(buf model.Buffer, fn socket.WriteFunc) {
	s.Loop().Post(func() {
		var err error
		switch {
		case s.IsClosing():
			err = socket.ErrSocketClosed
		case !s.handshaked.Load() || s.failed:
			err = socket.ErrNotConnected
		case s.writeBusy:
			s.Logger().Error("ssl: write issued before the previous one completed")
			err = socket.ErrWriteInProgress
		}
		if err != nil {
			socket.Complete(s, fn, &event.Write{Status: event.Status{
				Err: socket.WrapError(s, "write", err),
			}})
			return
		}
		s.writeBusy = true
		s.pendingWrite = &writeReq{buf: buf, fn: fn}
		s.tlsProcess()
	})
}

// Disconnect stops reading, sends a close notify to the peer, and then
// disconnects the parent.
func (s *Socket) Disconnect(fn socket.DisconnectFunc) {
	complete := func(err error) {
		socket.Complete(s, fn, &event.Disconnect{Status: event.Status{
			Err: socket.WrapError(s, "disconnect", err),
		}})
	}
	s.Loop().Post(func() {
		var err error
		switch {
		case s.IsClosing():
			err = socket.ErrSocketClosed
		case !s.handshaked.Load() || s.failed || s.shutdown:
			err = socket.ErrNotConnected
		}
		if err != nil {
			complete(err)
			return
		}
		s.pump.Cancel()
		s.shutdown = true
		finish := func(err error) {
			if err != nil {
				complete(err)
				return
			}
			s.parent.Disconnect(func(ev *event.Disconnect) {
				s.handshaked.Store(false)
				complete(ev.Err)
			})
		}
		if !s.engine.Shutdown() {
			finish(nil)
			return
		}
		s.disconnectFn = finish
		s.tlsProcess()
	})
}

// Listen makes the parent listen.
func (s *Socket) Listen(param *socket.ListenParam, fn socket.ListenFunc) {
	s.Loop().Post(func() {
		if err := s.checkUsable(); err != nil {
			socket.Complete(s, fn, &event.Listen{Status: event.Status{
				Err: socket.WrapError(s, "listen", err),
			}})
			return
		}
		s.parent.Listen(param, func(ev *event.Listen) {
			socket.Complete(s, fn, ev)
		})
	})
}

// Accept accepts the next connection into the parent of client, which
// must be a *Socket, and then performs the server handshake. The
// completion fires when the handshake is complete or has failed.
func (s *Socket) Accept(client socket.StreamSocket, fn socket.AcceptFunc) {
	complete := func(err error) {
		socket.Complete(s, fn, &event.Accept{Status: event.Status{
			Err: socket.WrapError(s, "accept", err),
		}, Client: client})
	}
	s.Loop().Post(func() {
		peer, ok := client.(*Socket)
		err := s.checkUsable()
		if err == nil && (!ok || peer.parent == nil) {
			err = socket.ErrUnsupportedPeer
		}
		if err != nil {
			complete(err)
			return
		}
		s.parent.Accept(peer.parent, func(ev *event.Accept) {
			if ev.HasError() {
				complete(ev.Err)
				return
			}
			peer.startHandshake(tlsengine.RoleServer, "", complete)
		})
	})
}

// Addr returns the listening address of the parent, if known.
func (s *Socket) Addr() net.Addr {
	if p, ok := s.parent.(interface{ Addr() net.Addr }); ok {
		return p.Addr()
	}
	return nil
}

// IsConnected returns whether the parent is connected.
func (s *Socket) IsConnected() bool {
	return s.parent != nil && s.parent.IsConnected()
}

// IsHandshaked returns whether the TLS handshake is complete.
func (s *Socket) IsHandshaked() bool {
	return s.handshaked.Load()
}

// ConnectionState returns the TLS state after the handshake, if any.
func (s *Socket) ConnectionState() *tls.ConnectionState {
	return s.state.Load()
}

// Close releases the engine, closes the parent, and emits the Close
// event. Only the first call has any effect.
func (s *Socket) Close() {
	if !s.BeginClose() {
		return
	}
	s.pump.Stop()
	s.Loop().Post(func() {
		s.teardown()
		if s.parent != nil {
			s.parent.Close()
		}
		s.FinishClose()
	})
}

// closeFromParent runs on the loop when the parent is closed.
func (s *Socket) closeFromParent() {
	if !s.BeginClose() {
		return
	}
	s.pump.Stop()
	s.teardown()
	s.FinishClose()
}

func (s *Socket) teardown() {
	s.handshaked.Store(false)
	if s.engine != nil {
		s.engine.Close()
	}
	if fn := s.onReady; fn != nil {
		s.onReady = nil
		s.trace.Done(nil, socket.ErrSocketClosed)
		fn(socket.ErrSocketClosed)
	}
	if w := s.pendingWrite; w != nil {
		s.pendingWrite = nil
		s.completeWrite(w, socket.ErrSocketClosed)
	}
	if fn := s.disconnectFn; fn != nil {
		s.disconnectFn = nil
		fn(socket.ErrSocketClosed)
	}
}
