// Package dialerbase contains the measuring dialer used by the stream
// sockets. Connections are returned as *connx.Conn.
package dialerbase

import (
	"context"
	"net"
	"time"

	"github.com/ooni/unio/internal/connx"
	"github.com/ooni/unio/model"
)

// Dialer dials connections on behalf of a handle and emits a Connect
// measurement for every attempt.
type Dialer struct {
	Beginning time.Time
	Handler   model.Handler

	// Timeout bounds each attempt when positive.
	Timeout time.Duration
}

// DialContext dials address and tags the measurements with connid,
// which is the ID of the handle owning the connection.
func (d *Dialer) DialContext(
	ctx context.Context, network, address string, connid int64,
) (*connx.Conn, error) {
	dialer := &net.Dialer{Timeout: d.Timeout}
	t0 := time.Now()
	conn, err := dialer.DialContext(ctx, network, address)
	t := time.Now()
	local, remote := endpoints(conn)
	d.Handler.OnMeasurement(model.Measurement{Connect: &model.ConnectEvent{
		ConnID:        connid,
		Duration:      t.Sub(t0),
		Error:         err,
		LocalAddress:  local,
		Network:       network,
		RemoteAddress: remote,
		Time:          t.Sub(d.Beginning),
	}})
	if err != nil {
		return nil, err
	}
	return d.Adopt(conn, connid), nil
}

// Adopt wraps a connection that was established elsewhere, for
// example by a listener.
func (d *Dialer) Adopt(conn net.Conn, connid int64) *connx.Conn {
	return &connx.Conn{
		Beginning: d.Beginning,
		Conn:      conn,
		Handler:   d.Handler,
		ID:        connid,
	}
}

func endpoints(conn net.Conn) (local, remote string) {
	if conn == nil {
		return
	}
	if addr := conn.LocalAddr(); addr != nil {
		local = addr.String()
	}
	if addr := conn.RemoteAddr(); addr != nil {
		remote = addr.String()
	}
	return
}
