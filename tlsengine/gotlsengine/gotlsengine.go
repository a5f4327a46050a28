// Package gotlsengine implements tlsengine using crypto/tls.
//
// Each engine runs a crypto/tls session on a background goroutine over an
// in-memory connection. The session reads from the inbound channel and
// writes into the outbound channel. Every engine method that feeds the
// session waits for it to settle, that is, to block reading from an empty
// inbound channel or to terminate. Hence, when a method returns, the
// status reflects all the bytes fed so far.
//
// Settling blocks the caller while the session goroutine runs the crypto
// over bytes that are already buffered. The session never touches the
// network, so this costs the same as doing the crypto inline.
package gotlsengine

import (
	"bytes"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/ooni/unio/model"
	"github.com/ooni/unio/tlsengine"
)

// Provider is a tlsengine.Provider using crypto/tls.
type Provider struct {
	// Config is the TLS config. Servers need Certificates.
	Config *tls.Config

	// Logger is the logger. If nil, we use log.Log.
	Logger log.Interface
}

// NewProvider creates a new Provider.
func NewProvider(config *tls.Config, logger log.Interface) *Provider {
	if config == nil {
		config = &tls.Config{}
	}
	if logger == nil {
		logger = log.Log
	}
	return &Provider{Config: config, Logger: logger}
}

// CreateContext implements tlsengine.Provider.
func (p *Provider) CreateContext() tlsengine.Context {
	return &Context{provider: p}
}

// Context is a tlsengine.Context using crypto/tls.
type Context struct {
	provider *Provider
}

// Provider implements tlsengine.Context.
func (c *Context) Provider() tlsengine.Provider {
	return c.provider
}

// CreateEngine implements tlsengine.Context.
func (c *Context) CreateEngine(role tlsengine.Role) tlsengine.Engine {
	return New(c.provider.Config, role, c.provider.Logger)
}

// Engine is a tlsengine.Engine using crypto/tls.
type Engine struct {
	closed     bool
	cond       *sync.Cond
	config     *tls.Config
	err        error
	exited     bool
	handshaked bool
	hostname   string
	inbound    bytes.Buffer
	logger     log.Interface
	mu         sync.Mutex
	outbound   bytes.Buffer
	peerClosed bool
	plaintext  bytes.Buffer
	role       tlsengine.Role
	shutdown   bool
	started    bool
	state      *tls.ConnectionState
	tconn      *tls.Conn
	waiting    bool
}

var _ tlsengine.Engine = &Engine{}

// New creates a new engine. The config is cloned.
func New(config *tls.Config, role tlsengine.Role, logger log.Interface) *Engine {
	if config == nil {
		config = &tls.Config{}
	}
	if logger == nil {
		logger = log.Log
	}
	e := &Engine{
		config: config.Clone(),
		logger: logger.WithField("role", role.String()),
		role:   role,
	}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// SetHostname implements tlsengine.Engine.
func (e *Engine) SetHostname(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hostname = name
}

// BeginHandshake implements tlsengine.Engine.
func (e *Engine) BeginHandshake() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started || e.closed {
		return
	}
	e.started = true
	if e.hostname != "" {
		e.config.ServerName = e.hostname
	}
	conn := &memconn{e: e}
	if e.role == tlsengine.RoleServer {
		e.tconn = tls.Server(conn, e.config)
	} else {
		e.tconn = tls.Client(conn, e.config)
	}
	go e.run(e.tconn)
	e.settleLocked()
}

// run is the session goroutine.
func (e *Engine) run(tconn *tls.Conn) {
	if err := tconn.Handshake(); err != nil {
		e.mu.Lock()
		e.setErrorLocked(err)
		e.exitLocked()
		e.mu.Unlock()
		e.logger.WithError(err).Debug("tls: handshake failed")
		return
	}
	state := tconn.ConnectionState()
	e.mu.Lock()
	e.state = &state
	e.handshaked = true
	e.mu.Unlock()
	e.logger.Debug("tls: handshake done")
	buf := make([]byte, 1<<14)
	for {
		n, err := tconn.Read(buf)
		e.mu.Lock()
		e.plaintext.Write(buf[:n])
		if err != nil {
			if errors.Is(err, io.EOF) {
				e.peerClosed = true
			} else {
				e.setErrorLocked(err)
			}
			e.exitLocked()
			e.mu.Unlock()
			return
		}
		e.mu.Unlock()
	}
}

func (e *Engine) exitLocked() {
	e.exited = true
	e.cond.Broadcast()
}

// setErrorLocked records err unless we already have an error, or
// the engine has been closed, which causes spurious errors.
func (e *Engine) setErrorLocked(err error) {
	if e.err == nil && !e.closed {
		e.err = err
	}
}

// settleLocked waits for the session goroutine to either block
// reading from the empty inbound channel or terminate.
func (e *Engine) settleLocked() {
	for !e.waiting && !e.exited {
		e.cond.Wait()
	}
}

// HandshakeStatus implements tlsengine.Engine.
func (e *Engine) HandshakeStatus() tlsengine.HandshakeStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case !e.started:
		return tlsengine.NotStarted
	case e.outbound.Len() > 0:
		return tlsengine.NeedWrap
	case e.err != nil:
		return tlsengine.Failed
	case e.peerClosed || e.closed:
		return tlsengine.Closing
	case e.handshaked:
		return tlsengine.Finished
	case e.exited:
		return tlsengine.Failed
	default:
		return tlsengine.NeedUnwrap
	}
}

// HandshakeError implements tlsengine.Engine.
func (e *Engine) HandshakeError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err == nil && e.exited && !e.handshaked {
		return io.ErrUnexpectedEOF
	}
	return e.err
}

// Wrap implements tlsengine.Engine.
func (e *Engine) Wrap(input, output model.Buffer) tlsengine.DataResult {
	refused := false
	if input != nil && input.Remaining() > 0 {
		e.mu.Lock()
		ready := e.handshaked && e.err == nil && !e.shutdown && !e.closed
		e.mu.Unlock()
		refused = !ready
		if ready {
			n, err := e.tconn.Write(input.Bytes())
			input.SetPosition(input.Position() + n)
			if err != nil {
				e.mu.Lock()
				e.setErrorLocked(err)
				e.mu.Unlock()
			}
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if output != nil {
		pending := e.outbound.Len()
		if pending > output.Remaining() {
			output.Expand(output.Position() + pending)
		}
		n := copy(output.Bytes(), e.outbound.Next(output.Remaining()))
		output.SetPosition(output.Position() + n)
		output.Flip()
	}
	if refused || e.err != nil || e.peerClosed || e.closed {
		return tlsengine.DataClosed
	}
	return tlsengine.DataOK
}

// Unwrap implements tlsengine.Engine.
func (e *Engine) Unwrap(input, output model.Buffer) tlsengine.DataResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	if input != nil && input.Remaining() > 0 {
		e.inbound.Write(input.Bytes())
		input.SetPosition(input.Limit())
		if e.started && !e.closed {
			e.waiting = false
			e.cond.Broadcast()
			e.settleLocked()
		}
	}
	if !e.handshaked {
		if e.err != nil || e.exited || e.closed {
			return tlsengine.DataClosed
		}
		return tlsengine.DataOK
	}
	result := tlsengine.DataOK
	if output != nil {
		n := copy(output.Bytes(), e.plaintext.Next(output.Remaining()))
		output.SetPosition(output.Position() + n)
		output.Flip()
		if n > 0 {
			result |= tlsengine.DataRead
		}
	}
	if e.plaintext.Len() > 0 {
		result |= tlsengine.DataReadMore
	} else if e.exited || e.closed {
		result |= tlsengine.DataClosed
	}
	return result
}

// Shutdown implements tlsengine.Engine.
func (e *Engine) Shutdown() bool {
	e.mu.Lock()
	if !e.handshaked || e.shutdown || e.err != nil || e.closed {
		e.mu.Unlock()
		return false
	}
	e.shutdown = true
	e.mu.Unlock()
	if err := e.tconn.CloseWrite(); err != nil {
		e.logger.WithError(err).Debug("tls: cannot send close notify")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.outbound.Len() > 0
}

// ConnectionState implements tlsengine.Engine.
func (e *Engine) ConnectionState() *tls.ConnectionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Close implements tlsengine.Engine.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.inbound.Reset()
	e.cond.Broadcast()
}

// memconn is the in-memory net.Conn used by the session goroutine.
type memconn struct {
	e *Engine
}

func (c *memconn) Read(p []byte) (int, error) {
	e := c.e
	e.mu.Lock()
	defer e.mu.Unlock()
	for e.inbound.Len() <= 0 && !e.closed {
		e.waiting = true
		e.cond.Broadcast()
		e.cond.Wait()
	}
	e.waiting = false
	if e.closed {
		return 0, net.ErrClosed
	}
	return e.inbound.Read(p)
}

func (c *memconn) Write(p []byte) (int, error) {
	e := c.e
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0, net.ErrClosed
	}
	return e.outbound.Write(p)
}

func (c *memconn) Close() error {
	return nil
}

func (c *memconn) LocalAddr() net.Addr {
	return memaddr{}
}

func (c *memconn) RemoteAddr() net.Addr {
	return memaddr{}
}

func (c *memconn) SetDeadline(t time.Time) error {
	return nil
}

func (c *memconn) SetReadDeadline(t time.Time) error {
	return nil
}

func (c *memconn) SetWriteDeadline(t time.Time) error {
	return nil
}

type memaddr struct{}

func (memaddr) Network() string {
	return "memory"
}

func (memaddr) String() string {
	return "memory"
}
