// Package tcpsocket contains the TCP stream socket.
//
// Blocking network calls run on helper goroutines. Their completions
// are posted to the loop, where the callbacks run. Connections are
// wrapped so that every read, write, and close is measured.
package tcpsocket

import (
	"context"
	"net"
	"sync"
	"sync/atomic"

	"github.com/ooni/unio/event"
	"github.com/ooni/unio/handle"
	"github.com/ooni/unio/internal/connx"
	"github.com/ooni/unio/internal/dialerbase"
	"github.com/ooni/unio/model"
	"github.com/ooni/unio/socket"
)

// ReadChunkSize is the size of the scratch buffer used for reading.
const ReadChunkSize = 1 << 16

// Socket is a TCP socket. Use New to construct.
type Socket struct {
	*handle.Handle
	cancel    context.CancelFunc
	conn      *connx.Conn
	connected atomic.Bool
	ctx       context.Context
	dialer    *dialerbase.Dialer
	listener  net.Listener
	mu        sync.Mutex
	pump      *socket.ReadPump
	writer    *socket.Writer
}

var _ socket.StreamSocket = &Socket{}

// New creates a new TCP socket and schedules its initialization.
func New(config handle.Config) *Socket {
	s := &Socket{}
	s.Handle = handle.New(config, s)
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.dialer = &dialerbase.Dialer{
		Beginning: s.Beginning(),
		Handler:   s.Handler(),
	}
	s.pump = socket.NewReadPump(s)
	s.writer = socket.NewWriter(s)
	s.Init(nil)
	return s
}

// Connect connects to param.Address.
func (s *Socket) Connect(param *socket.ConnectParam, fn socket.ConnectFunc) {
	if s.IsClosing() {
		s.deferConnect(fn, socket.ErrSocketClosed)
		return
	}
	address := param.Address
	s.Logger().WithField("address", address).Debug("tcp: connect")
	go func() {
		conn, err := s.dialer.DialContext(s.ctx, "tcp", address, s.ID())
		s.Loop().Post(func() {
			if err == nil && s.IsClosing() {
				conn.Close()
				err = socket.ErrSocketClosed
			}
			if err == nil {
				s.adopt(conn)
			}
			socket.Complete(s, fn, &event.Connect{Status: event.Status{
				Err: socket.WrapError(s, "connect", err),
			}})
		})
	}()
}

func (s *Socket) deferConnect(fn socket.ConnectFunc, err error) {
	socket.Defer(s, fn, &event.Connect{Status: event.Status{
		Err: socket.WrapError(s, "connect", err),
	}})
}

// adopt starts using conn, which is either dialed or accepted.
func (s *Socket) adopt(conn *connx.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.connected.Store(true)
	scratch := make([]byte, ReadChunkSize)
	go s.pump.Run(func() ([]byte, error) {
		n, err := conn.Read(scratch)
		return scratch[:n], err
	})
}

func (s *Socket) currentConn() *connx.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// Read starts a read subscription.
func (s *Socket) Read(buf model.Buffer, fn socket.ReadFunc) {
	if s.currentConn() == nil && !s.IsClosing() {
		socket.Defer(s, fn, &event.Read{Status: event.Status{
			Err: socket.WrapError(s, "read", socket.ErrNotConnected),
		}})
		return
	}
	s.pump.Subscribe(buf, fn)
}

// CancelRead stops the read subscription.
func (s *Socket) CancelRead() {
	s.pump.Cancel()
}

// Write writes the content of buf.
func (s *Socket) Write(buf model.Buffer, fn socket.WriteFunc) {
	conn := s.currentConn()
	if conn == nil && !s.IsClosing() {
		socket.Defer(s, fn, &event.Write{Status: event.Status{
			Err: socket.WrapError(s, "write", socket.ErrNotConnected),
		}})
		return
	}
	s.writer.Write(buf, fn, func(data []byte) (int, error) {
		return conn.Write(data)
	})
}

// Disconnect shuts down the sending side of the connection.
func (s *Socket) Disconnect(fn socket.DisconnectFunc) {
	conn := s.currentConn()
	if conn == nil || s.IsClosing() {
		err := socket.ErrNotConnected
		if s.IsClosing() {
			err = socket.ErrSocketClosed
		}
		socket.Defer(s, fn, &event.Disconnect{Status: event.Status{
			Err: socket.WrapError(s, "disconnect", err),
		}})
		return
	}
	go func() {
		err := conn.CloseWrite()
		s.Loop().Post(func() {
			s.connected.Store(false)
			socket.Complete(s, fn, &event.Disconnect{Status: event.Status{
				Err: socket.WrapError(s, "disconnect", err),
			}})
		})
	}()
}

// Listen binds param.Address and starts listening.
func (s *Socket) Listen(param *socket.ListenParam, fn socket.ListenFunc) {
	s.Loop().Post(func() {
		var err error
		if s.IsClosing() {
			err = socket.ErrSocketClosed
		} else {
			var listener net.Listener
			listener, err = (&net.ListenConfig{}).Listen(s.ctx, "tcp", param.Address)
			if err == nil {
				s.mu.Lock()
				s.listener = listener
				s.mu.Unlock()
				s.Logger().WithField("address", listener.Addr().String()).Debug("tcp: listening")
			}
		}
		socket.Complete(s, fn, &event.Listen{Status: event.Status{
			Err: socket.WrapError(s, "listen", err),
		}})
	})
}

// Addr returns the listening address, or nil if not listening.
func (s *Socket) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Accept accepts the next connection into client, which must be
// a fresh *Socket.
func (s *Socket) Accept(client socket.StreamSocket, fn socket.AcceptFunc) {
	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()
	peer, ok := client.(*Socket)
	var err error
	switch {
	case s.IsClosing():
		err = socket.ErrSocketClosed
	case listener == nil:
		err = socket.ErrNotListening
	case !ok:
		err = socket.ErrUnsupportedPeer
	}
	if err != nil {
		socket.Defer(s, fn, &event.Accept{Status: event.Status{
			Err: socket.WrapError(s, "accept", err),
		}, Client: client})
		return
	}
	go func() {
		conn, err := listener.Accept()
		s.Loop().Post(func() {
			if err == nil && peer.IsClosing() {
				conn.Close()
				err = socket.ErrSocketClosed
			}
			if err == nil {
				peer.adopt(peer.dialer.Adopt(conn, peer.ID()))
			}
			socket.Complete(s, fn, &event.Accept{Status: event.Status{
				Err: socket.WrapError(s, "accept", err),
			}, Client: client})
		})
	}()
}

// IsConnected returns whether the socket is connected.
func (s *Socket) IsConnected() bool {
	return s.connected.Load()
}

// IsHandshaked is like IsConnected because TCP has no upper layer.
func (s *Socket) IsHandshaked() bool {
	return s.IsConnected()
}

// LocalAddr returns the local address of the connection, if any.
func (s *Socket) LocalAddr() net.Addr {
	if conn := s.currentConn(); conn != nil {
		return conn.LocalAddr()
	}
	return nil
}

// Close stops reading, closes the connection and the listener, and
// emits the Close event. Only the first call has any effect.
func (s *Socket) Close() {
	if !s.BeginClose() {
		return
	}
	s.pump.Stop()
	s.cancel()
	s.Loop().Post(func() {
		s.mu.Lock()
		conn, listener := s.conn, s.listener
		s.mu.Unlock()
		if listener != nil {
			listener.Close()
		}
		if conn != nil {
			conn.Close()
		}
		s.connected.Store(false)
		s.FinishClose()
	})
}
