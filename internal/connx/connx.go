// Package connx contains the measuring net.Conn owned by stream sockets.
package connx

import (
	"errors"
	"net"
	"sync/atomic"
	"time"

	"github.com/ooni/unio/model"
)

// ErrCloseWriteNotSupported indicates that the wrapped connection
// does not support half closing.
var ErrCloseWriteNotSupported = errors.New("connx: CloseWrite not supported")

// Conn wraps a net.Conn and reports each Read, Write and Close to
// the Handler, tagging measurements with ID. It also counts the bytes
// moved in each direction.
type Conn struct {
	net.Conn
	Beginning time.Time
	Handler   model.Handler
	ID        int64

	received atomic.Int64
	sent     atomic.Int64
}

// elapsed returns how long the operation started at t0 took and the
// time of its completion relative to Beginning.
func (c *Conn) elapsed(t0 time.Time) (duration, at time.Duration) {
	t := time.Now()
	return t.Sub(t0), t.Sub(c.Beginning)
}

// Read implements net.Conn.Read.
func (c *Conn) Read(b []byte) (int, error) {
	t0 := time.Now()
	n, err := c.Conn.Read(b)
	c.received.Add(int64(n))
	duration, at := c.elapsed(t0)
	c.Handler.OnMeasurement(model.Measurement{Read: &model.ReadEvent{
		ConnID: c.ID, Duration: duration, Error: err, NumBytes: int64(n), Time: at,
	}})
	return n, err
}

// Write implements net.Conn.Write.
func (c *Conn) Write(b []byte) (int, error) {
	t0 := time.Now()
	n, err := c.Conn.Write(b)
	c.sent.Add(int64(n))
	duration, at := c.elapsed(t0)
	c.Handler.OnMeasurement(model.Measurement{Write: &model.WriteEvent{
		ConnID: c.ID, Duration: duration, Error: err, NumBytes: int64(n), Time: at,
	}})
	return n, err
}

// CloseWrite half closes the connection, if the wrapped connection
// supports that.
func (c *Conn) CloseWrite() error {
	if hc, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return hc.CloseWrite()
	}
	return ErrCloseWriteNotSupported
}

// Close implements net.Conn.Close.
func (c *Conn) Close() error {
	t0 := time.Now()
	err := c.Conn.Close()
	duration, at := c.elapsed(t0)
	c.Handler.OnMeasurement(model.Measurement{Close: &model.CloseEvent{
		ConnID: c.ID, Duration: duration, Error: err, Time: at,
	}})
	return err
}

// BytesReceived returns the number of bytes read so far.
func (c *Conn) BytesReceived() int64 {
	return c.received.Load()
}

// BytesSent returns the number of bytes written so far.
func (c *Conn) BytesSent() int64 {
	return c.sent.Load()
}
