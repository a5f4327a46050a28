// Package wssocket contains a stream socket carrying bytes inside
// binary WebSocket messages.
//
// Connect takes a ws:// URL. Listen takes a TCP address and serves
// WebSocket upgrades on any path. Message boundaries are not preserved:
// each message is one chunk of the byte stream.
package wssocket

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ooni/unio/event"
	"github.com/ooni/unio/handle"
	"github.com/ooni/unio/internal/dialerbase"
	"github.com/ooni/unio/model"
	"github.com/ooni/unio/socket"
)

// DefaultBacklog is the number of upgraded connections queued for
// Accept when ListenParam.Backlog is not positive.
const DefaultBacklog = 16

// CloseTimeout is the time allowed for sending a close message.
const CloseTimeout = time.Second

// Socket is a WebSocket stream socket. Use New to construct.
type Socket struct {
	*handle.Handle
	accepted  chan *websocket.Conn
	cancel    context.CancelFunc
	conn      *websocket.Conn
	connected atomic.Bool
	ctx       context.Context
	dialer    *dialerbase.Dialer
	listener  net.Listener
	mu        sync.Mutex
	pump      *socket.ReadPump
	server    *http.Server
	upgrader  websocket.Upgrader
	writer    *socket.Writer
}

var _ socket.StreamSocket = &Socket{}

// New creates a new WebSocket socket and schedules its initialization.
func New(config handle.Config) *Socket {
	s := &Socket{}
	s.Handle = handle.New(config, s)
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.dialer = &dialerbase.Dialer{
		Beginning: s.Beginning(),
		Handler:   s.Handler(),
	}
	s.pump = socket.NewReadPump(s)
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
	s.writer = socket.NewWriter(s)
	s.Init(nil)
	return s
}

// Connect dials the ws:// or wss:// URL in param.Address.
func (s *Socket) Connect(param *socket.ConnectParam, fn socket.ConnectFunc) {
	complete := func(err error) {
		socket.Complete(s, fn, &event.Connect{Status: event.Status{
			Err: socket.WrapError(s, "connect", err),
		}})
	}
	if s.IsClosing() {
		s.Loop().Post(func() { complete(socket.ErrSocketClosed) })
		return
	}
	dialer := &websocket.Dialer{
		NetDialContext: func(ctx context.Context, network, address string) (net.Conn, error) {
			conn, err := s.dialer.DialContext(ctx, network, address, s.ID())
			if err != nil {
				return nil, err
			}
			return conn, nil
		},
		HandshakeTimeout: 10 * time.Second,
	}
	s.Logger().WithField("url", param.Address).Debug("ws: connect")
	go func() {
		conn, resp, err := dialer.DialContext(s.ctx, param.Address, nil)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		s.Loop().Post(func() {
			if err == nil && s.IsClosing() {
				conn.Close()
				err = socket.ErrSocketClosed
			}
			if err == nil {
				s.adopt(conn)
			}
			complete(err)
		})
	}()
}

func (s *Socket) adopt(conn *websocket.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.connected.Store(true)
	go s.pump.Run(func() ([]byte, error) {
		_, data, err := conn.ReadMessage()
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			err = io.EOF
		}
		return data, err
	})
}

func (s *Socket) currentConn() *websocket.Conn {
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

// Write sends the remaining bytes of buf as a single binary message.
func (s *Socket) Write(buf model.Buffer, fn socket.WriteFunc) {
	conn := s.currentConn()
	if conn == nil && !s.IsClosing() {
		socket.Defer(s, fn, &event.Write{Status: event.Status{
			Err: socket.WrapError(s, "write", socket.ErrNotConnected),
		}})
		return
	}
	s.writer.Write(buf, fn, func(data []byte) (int, error) {
		if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
			return 0, err
		}
		return len(data), nil
	})
}

// Disconnect sends a close message. The peer sees EOF.
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
		err := conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(CloseTimeout))
		s.Loop().Post(func() {
			s.connected.Store(false)
			socket.Complete(s, fn, &event.Disconnect{Status: event.Status{
				Err: socket.WrapError(s, "disconnect", err),
			}})
		})
	}()
}

// Listen binds param.Address and serves WebSocket upgrades.
func (s *Socket) Listen(param *socket.ListenParam, fn socket.ListenFunc) {
	s.Loop().Post(func() {
		err := s.listen(param)
		socket.Complete(s, fn, &event.Listen{Status: event.Status{
			Err: socket.WrapError(s, "listen", err),
		}})
	})
}

func (s *Socket) listen(param *socket.ListenParam) error {
	if s.IsClosing() {
		return socket.ErrSocketClosed
	}
	listener, err := (&net.ListenConfig{}).Listen(s.ctx, "tcp", param.Address)
	if err != nil {
		return err
	}
	backlog := param.Backlog
	if backlog <= 0 {
		backlog = DefaultBacklog
	}
	server := &http.Server{Handler: s, ReadHeaderTimeout: 10 * time.Second}
	s.mu.Lock()
	s.accepted = make(chan *websocket.Conn, backlog)
	s.listener = listener
	s.server = server
	s.mu.Unlock()
	s.Logger().WithField("address", listener.Addr().String()).Debug("ws: listening")
	go func() {
		err := server.Serve(listener)
		if !errors.Is(err, http.ErrServerClosed) {
			s.Logger().WithError(err).Warn("ws: serve failed")
		}
	}()
	return nil
}

// ServeHTTP upgrades the request and queues the connection for Accept.
func (s *Socket) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Logger().WithError(err).Debug("ws: upgrade failed")
		return
	}
	s.mu.Lock()
	accepted := s.accepted
	s.mu.Unlock()
	select {
	case accepted <- conn:
	case <-s.ctx.Done():
		conn.Close()
	}
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

// URL returns the ws:// URL for connecting to the listening socket.
func (s *Socket) URL() string {
	if addr := s.Addr(); addr != nil {
		return "ws://" + addr.String() + "/"
	}
	return ""
}

// Accept adopts the next upgraded connection into client, which must
// be a fresh *Socket.
func (s *Socket) Accept(client socket.StreamSocket, fn socket.AcceptFunc) {
	s.mu.Lock()
	accepted := s.accepted
	s.mu.Unlock()
	peer, ok := client.(*Socket)
	var err error
	switch {
	case s.IsClosing():
		err = socket.ErrSocketClosed
	case accepted == nil:
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
		var conn *websocket.Conn
		var err error
		select {
		case conn = <-accepted:
		case <-s.ctx.Done():
			err = socket.ErrSocketClosed
		}
		s.Loop().Post(func() {
			if err == nil && peer.IsClosing() {
				conn.Close()
				err = socket.ErrSocketClosed
			}
			if err == nil {
				peer.adopt(conn)
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

// IsHandshaked returns whether the WebSocket handshake is complete,
// which coincides with being connected.
func (s *Socket) IsHandshaked() bool {
	return s.IsConnected()
}

// Close stops reading, closes the connection and the server, and
// emits the Close event. Only the first call has any effect.
func (s *Socket) Close() {
	if !s.BeginClose() {
		return
	}
	s.pump.Stop()
	s.cancel()
	s.Loop().Post(func() {
		s.mu.Lock()
		conn, server, accepted := s.conn, s.server, s.accepted
		s.mu.Unlock()
		if server != nil {
			server.Close()
		}
		if accepted != nil {
			discard(accepted)
		}
		if conn != nil {
			conn.Close()
		}
		s.connected.Store(false)
		s.FinishClose()
	})
}

// discard closes the queued connections nobody will accept.
func discard(accepted chan *websocket.Conn) {
	for {
		select {
		case conn := <-accepted:
			conn.Close()
		default:
			return
		}
	}
}
