// Package dot implements the DNS over TLS framing on top of a socket.
//
// Each message is prefixed by its length as a two bytes big endian
// integer (RFC 7858 Section 3.3).
package dot

import (
	"context"
	"encoding/binary"
	"errors"
	"math"

	"github.com/ooni/unio/buffer"
	"github.com/ooni/unio/event"
	"github.com/ooni/unio/socket"
)

// ErrQueryTooLarge indicates a query that does not fit a frame.
var ErrQueryTooLarge = errors.New("dot: query too large")

type result struct {
	data []byte
	err  error
}

// Frame returns msg prefixed by its length.
func Frame(msg []byte) ([]byte, error) {
	if len(msg) > math.MaxUint16 {
		return nil, ErrQueryTooLarge
	}
	out := make([]byte, 2+len(msg))
	binary.BigEndian.PutUint16(out, uint16(len(msg)))
	copy(out[2:], msg)
	return out, nil
}

// RoundTrip sends query using the connected socket s and waits for the
// reply. It blocks, hence it must not run on the loop goroutine.
func RoundTrip(ctx context.Context, s socket.Socket, query []byte) ([]byte, error) {
	frame, err := Frame(query)
	if err != nil {
		return nil, err
	}
	done := make(chan result, 2)
	var reply []byte
	s.Read(buffer.NewExpandable(512, math.MaxUint16+2), func(ev *event.Read) {
		if ev.HasError() {
			done <- result{err: ev.Err}
			return
		}
		reply = append(reply, ev.Buffer.Bytes()...)
		if len(reply) < 2 {
			return
		}
		size := int(binary.BigEndian.Uint16(reply))
		if len(reply) >= 2+size {
			s.CancelRead()
			done <- result{data: reply[2 : 2+size]}
		}
	})
	s.Write(buffer.FromBytes(frame), func(ev *event.Write) {
		if ev.HasError() {
			done <- result{err: ev.Err}
		}
	})
	select {
	case r := <-done:
		return r.data, r.err
	case <-ctx.Done():
		s.CancelRead()
		return nil, ctx.Err()
	}
}
