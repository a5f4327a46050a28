package wssocket

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/ooni/unio/buffer"
	"github.com/ooni/unio/event"
	"github.com/ooni/unio/handle"
	"github.com/ooni/unio/internal/handlers/counthandler"
	"github.com/ooni/unio/internal/testingx"
	"github.com/ooni/unio/loop"
	"github.com/ooni/unio/model"
	"github.com/ooni/unio/socket"
	"github.com/ooni/unio/socket/sslsocket"
	"github.com/ooni/unio/tlsengine/gotlsengine"
)

// echo accepts the next connection of server into peer and echoes
// back what it reads. Read errors are sent to readErr.
func echo(server, peer socket.StreamSocket, accepted, readErr chan error) {
	server.Accept(peer, func(ev *event.Accept) {
		accepted <- ev.Err
		if ev.HasError() {
			return
		}
		peer.Read(buffer.NewExpandable(64, 1<<20), func(ev *event.Read) {
			if ev.HasError() {
				readErr <- ev.Err
				return
			}
			data := append([]byte(nil), ev.Buffer.Bytes()...)
			peer.Write(buffer.FromBytes(data), nil)
		})
	})
}

func listen(t *testing.T, s socket.StreamSocket) {
	listening := make(chan error, 1)
	s.Listen(&socket.ListenParam{Address: "127.0.0.1:0"}, func(ev *event.Listen) {
		listening <- ev.Err
	})
	if err := testingx.Wait(t, listening); err != nil {
		t.Fatal(err)
	}
}

func connect(t *testing.T, s socket.StreamSocket, param *socket.ConnectParam) {
	connected := make(chan error, 1)
	s.Connect(param, func(ev *event.Connect) {
		connected <- ev.Err
	})
	if err := testingx.Wait(t, connected); err != nil {
		t.Fatal(err)
	}
}

func roundTrip(t *testing.T, s socket.StreamSocket, message string) string {
	echoed := make(chan string, 1)
	var received strings.Builder
	s.Read(buffer.NewFixed(64), func(ev *event.Read) {
		if ev.HasError() {
			return
		}
		received.Write(ev.Buffer.Bytes())
		if received.Len() >= len(message) {
			s.CancelRead()
			echoed <- received.String()
		}
	})
	wrote := make(chan error, 1)
	s.Write(buffer.FromString(message), func(ev *event.Write) {
		wrote <- ev.Err
	})
	if err := testingx.Wait(t, wrote); err != nil {
		t.Fatal(err)
	}
	return testingx.Wait(t, echoed)
}

func closeAll(t *testing.T, l *loop.Loop, sockets ...socket.StreamSocket) {
	closed := make(chan struct{}, len(sockets))
	for _, s := range sockets {
		handle.Once(s, func(ev *event.Close, src model.Resource) {
			closed <- struct{}{}
		})
		s.Close()
	}
	for range sockets {
		testingx.Wait(t, closed)
	}
	testingx.Sync(t, l)
}

func TestIntegrationEcho(t *testing.T) {
	l, stop := testingx.StartLoop(t)
	defer stop()
	handler := &counthandler.Handler{}
	server := New(handle.Config{Loop: l})
	listen(t, server)
	peer := New(handle.Config{Loop: l})
	accepted, readErr := make(chan error, 1), make(chan error, 1)
	echo(server, peer, accepted, readErr)
	client := New(handle.Config{Loop: l, Handler: handler})
	connect(t, client, &socket.ConnectParam{Address: server.URL()})
	if err := testingx.Wait(t, accepted); err != nil {
		t.Fatal(err)
	}
	if !client.IsConnected() || !client.IsHandshaked() {
		t.Fatal("client should be connected")
	}
	if got := roundTrip(t, client, "PING"); got != "PING" {
		t.Fatal("unexpected echo", got)
	}
	done := make(chan error, 1)
	client.Disconnect(func(ev *event.Disconnect) {
		done <- ev.Err
	})
	if err := testingx.Wait(t, done); err != nil {
		t.Fatal(err)
	}
	if err := testingx.Wait(t, readErr); !errors.Is(err, io.EOF) {
		t.Fatal("the peer should see EOF", err)
	}
	closeAll(t, l, client, peer, server)
	if l.NumHandles() != 0 {
		t.Fatal("handles have not been released", l.NumHandles())
	}
	if handler.Value() <= 0 {
		t.Fatal("expected some measurements")
	}
}

func TestIntegrationHTTPTestServer(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			kind, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(kind, data); err != nil {
				return
			}
		}
	}))
	defer srv.Close()
	l, stop := testingx.StartLoop(t)
	defer stop()
	client := New(handle.Config{Loop: l})
	defer client.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	connect(t, client, &socket.ConnectParam{Address: url})
	if got := roundTrip(t, client, "hello, world"); got != "hello, world" {
		t.Fatal("unexpected echo", got)
	}
}

func TestIntegrationPlainHTTPIsRejected(t *testing.T) {
	l, stop := testingx.StartLoop(t)
	defer stop()
	server := New(handle.Config{Loop: l})
	defer server.Close()
	listen(t, server)
	resp, err := http.Get("http://" + server.Addr().String() + "/")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatal("unexpected status code", resp.StatusCode)
	}
}

func TestIntegrationConnectFailure(t *testing.T) {
	l, stop := testingx.StartLoop(t)
	defer stop()
	server := New(handle.Config{Loop: l})
	listen(t, server)
	url := server.URL()
	closeAll(t, l, server)
	client := New(handle.Config{Loop: l})
	defer client.Close()
	failure := make(chan error, 1)
	client.Connect(&socket.ConnectParam{Address: url}, func(ev *event.Connect) {
		failure <- ev.Err
	})
	err := testingx.Wait(t, failure)
	var wrapper *model.ErrWrapper
	if !errors.As(err, &wrapper) || wrapper.Failure != "connection_refused" {
		t.Fatal("expected connection_refused", err)
	}
}

func TestNotListening(t *testing.T) {
	l, stop := testingx.StartLoop(t)
	defer stop()
	s := New(handle.Config{Loop: l})
	defer s.Close()
	results := make(chan error, 3)
	s.Accept(New(handle.Config{Loop: l}), func(ev *event.Accept) { results <- ev.Err })
	s.Write(buffer.FromString("x"), func(ev *event.Write) { results <- ev.Err })
	s.Disconnect(func(ev *event.Disconnect) { results <- ev.Err })
	if err := testingx.Wait(t, results); !errors.Is(err, socket.ErrNotListening) {
		t.Fatal("expected ErrNotListening", err)
	}
	for i := 0; i < 2; i++ {
		if err := testingx.Wait(t, results); !errors.Is(err, socket.ErrNotConnected) {
			t.Fatal("expected ErrNotConnected", err)
		}
	}
	if s.URL() != "" {
		t.Fatal("expected an empty URL")
	}
}

func TestIntegrationTLSOverWebSocket(t *testing.T) {
	l, stop := testingx.StartLoop(t)
	defer stop()
	material := testingx.NewTLSMaterial("example.com")
	serverctx := gotlsengine.NewProvider(material.Server, nil).CreateContext()
	clientctx := gotlsengine.NewProvider(material.Client, nil).CreateContext()
	config := handle.Config{Loop: l}

	server := sslsocket.New(config, serverctx)
	server.SetParent(New(config))
	listen(t, server)
	peer := sslsocket.New(config, serverctx)
	peer.SetParent(New(config))
	accepted, readErr := make(chan error, 1), make(chan error, 1)
	echo(server, peer, accepted, readErr)

	client := sslsocket.New(config, clientctx)
	client.SetParent(New(config))
	url := server.Parent().(*Socket).URL()
	connect(t, client, &socket.ConnectParam{Address: url, Hostname: "example.com"})
	if err := testingx.Wait(t, accepted); err != nil {
		t.Fatal(err)
	}
	if !client.IsHandshaked() || !peer.IsHandshaked() {
		t.Fatal("the TLS handshake should be complete")
	}
	if got := roundTrip(t, client, "PING"); got != "PING" {
		t.Fatal("unexpected echo", got)
	}
	closeAll(t, l, client, peer, server)
	if l.NumHandles() != 0 {
		t.Fatal("handles have not been released", l.NumHandles())
	}
}
