package connx_test

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/ooni/unio/internal/connx"
	"github.com/ooni/unio/internal/handlers/savinghandler"
)

// stubconn reads and writes as much as asked and fails Close.
type stubconn struct {
	net.Conn
}

func (stubconn) Read(b []byte) (int, error)  { return len(b), nil }
func (stubconn) Write(b []byte) (int, error) { return len(b), nil }
func (stubconn) Close() error                { return net.ErrClosed }

func TestMeasurements(t *testing.T) {
	handler := &savinghandler.Handler{}
	conn := &connx.Conn{
		Beginning: time.Now(),
		Conn:      stubconn{},
		Handler:   handler,
		ID:        17,
	}
	if n, err := conn.Read(make([]byte, 1024)); err != nil || n != 1024 {
		t.Fatal("unexpected read result", n, err)
	}
	if n, err := conn.Write(make([]byte, 16)); err != nil || n != 16 {
		t.Fatal("unexpected write result", n, err)
	}
	if err := conn.Close(); !errors.Is(err, net.ErrClosed) {
		t.Fatal("unexpected close result", err)
	}
	if conn.BytesReceived() != 1024 || conn.BytesSent() != 16 {
		t.Fatal("unexpected byte counters")
	}
	all := handler.Snapshot()
	if len(all) != 3 {
		t.Fatal("unexpected number of measurements", len(all))
	}
	if all[0].Read == nil || all[0].Read.ConnID != 17 || all[0].Read.NumBytes != 1024 {
		t.Fatal("missing or invalid read measurement")
	}
	if all[1].Write == nil || all[1].Write.NumBytes != 16 {
		t.Fatal("missing or invalid write measurement")
	}
	if all[2].Close == nil || all[2].Close.Error == nil {
		t.Fatal("missing or invalid close measurement")
	}
}

func TestCloseWrite(t *testing.T) {
	t.Run("not supported", func(t *testing.T) {
		conn := &connx.Conn{Conn: stubconn{}, Handler: &savinghandler.Handler{}}
		if err := conn.CloseWrite(); !errors.Is(err, connx.ErrCloseWriteNotSupported) {
			t.Fatal("unexpected error", err)
		}
	})

	t.Run("TCP", func(t *testing.T) {
		listener, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatal(err)
		}
		defer listener.Close()
		tcpconn, err := net.Dial("tcp", listener.Addr().String())
		if err != nil {
			t.Fatal(err)
		}
		conn := &connx.Conn{Conn: tcpconn, Handler: &savinghandler.Handler{}}
		defer conn.Close()
		if err := conn.CloseWrite(); err != nil {
			t.Fatal(err)
		}
	})
}
