package dot

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/ooni/unio/event"
	"github.com/ooni/unio/handle"
	"github.com/ooni/unio/internal/testingx"
	"github.com/ooni/unio/socket"
	"github.com/ooni/unio/socket/tcpsocket"
)

// serve replies to each framed message with the reversed message,
// sending the reply one byte at a time. When mute is true, it never
// replies.
func serve(t *testing.T, mute bool) net.Listener {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		header := make([]byte, 2)
		if _, err := io.ReadFull(conn, header); err != nil {
			return
		}
		msg := make([]byte, int(header[0])<<8|int(header[1]))
		if _, err := io.ReadFull(conn, msg); err != nil {
			return
		}
		if mute {
			io.Copy(io.Discard, conn)
			return
		}
		for i, j := 0, len(msg)-1; i < j; i, j = i+1, j-1 {
			msg[i], msg[j] = msg[j], msg[i]
		}
		frame, _ := Frame(msg)
		for _, b := range frame {
			if _, err := conn.Write([]byte{b}); err != nil {
				return
			}
		}
	}()
	return listener
}

func dial(t *testing.T, address string) (*tcpsocket.Socket, func()) {
	l, stop := testingx.StartLoop(t)
	s := tcpsocket.New(handle.Config{Loop: l})
	connected := make(chan error, 1)
	s.Connect(&socket.ConnectParam{Address: address}, func(ev *event.Connect) {
		connected <- ev.Err
	})
	if err := testingx.Wait(t, connected); err != nil {
		t.Fatal(err)
	}
	return s, func() {
		s.Close()
		stop()
	}
}

func TestIntegrationRoundTrip(t *testing.T) {
	listener := serve(t, false)
	defer listener.Close()
	s, done := dial(t, listener.Addr().String())
	defer done()
	reply, err := RoundTrip(context.Background(), s, []byte("abcdef"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(reply, []byte("fedcba")) {
		t.Fatal("unexpected reply", string(reply))
	}
}

func TestIntegrationContextExpired(t *testing.T) {
	listener := serve(t, true)
	defer listener.Close()
	s, done := dial(t, listener.Addr().String())
	defer done()
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := RoundTrip(ctx, s, []byte("abcdef"))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("expected DeadlineExceeded", err)
	}
}

func TestFrame(t *testing.T) {
	frame, err := Frame([]byte{1, 2, 3})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(frame, []byte{0, 3, 1, 2, 3}) {
		t.Fatal("unexpected frame", frame)
	}
	if _, err := Frame(make([]byte, 1<<16)); !errors.Is(err, ErrQueryTooLarge) {
		t.Fatal("expected ErrQueryTooLarge", err)
	}
}
