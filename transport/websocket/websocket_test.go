package websocket

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/risa-org/matchlink/transport"
	"nhooyr.io/websocket"
)

// dialPair creates a connected client/server WebSocket pair
// using an in-process HTTP test server.
func dialPair(t *testing.T) (*Adapter, *Adapter) {
	t.Helper()

	serverConnCh := make(chan *websocket.Conn, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("server accept failed: %v", err)
			return
		}
		serverConnCh <- conn
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, err := Dial(context.Background(), wsURL, DialOptions{})
	if err != nil {
		t.Fatalf("client dial failed: %v", err)
	}

	serverConn := <-serverConnCh

	return New(serverConn), client
}

func TestWebSocketSendAndReceive(t *testing.T) {
	server, client := dialPair(t)
	defer server.Close()
	defer client.Close()

	frame := []byte(`{"kind":"heartbeat","payload":"{\"timestamp\":1}"}`)
	if err := client.Send(context.Background(), frame); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	select {
	case got := <-server.Receive():
		if string(got) != string(frame) {
			t.Errorf("expected %s, got %s", frame, got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestWebSocketPreservesOrder(t *testing.T) {
	server, client := dialPair(t)
	defer server.Close()
	defer client.Close()

	for _, f := range []string{"a", "b", "c", "d", "e"} {
		if err := client.Send(context.Background(), []byte(f)); err != nil {
			t.Fatalf("Send %s failed: %v", f, err)
		}
	}

	for _, want := range []string{"a", "b", "c", "d", "e"} {
		select {
		case got := <-server.Receive():
			if string(got) != want {
				t.Errorf("expected %s, got %s", want, got)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for message %s", want)
		}
	}
}

func TestWebSocketDisconnectSignal(t *testing.T) {
	server, client := dialPair(t)
	defer server.Close()

	client.Close()

	select {
	case event := <-server.Disconnected():
		if event.Reason != transport.ReasonClosedClean {
			t.Errorf("expected ReasonClosedClean, got %v", event.Reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for disconnect signal")
	}
}

func TestWebSocketCloseIsIdempotent(t *testing.T) {
	server, client := dialPair(t)
	defer client.Close()
	defer server.Close()

	server.Close()
	server.Close()
	server.Close()
}

func TestWebSocketSendOnClosedReturnsError(t *testing.T) {
	server, client := dialPair(t)
	defer server.Close()

	client.Close()

	err := client.Send(context.Background(), []byte("test"))
	if !errors.Is(err, transport.ErrTransportClosed) {
		t.Errorf("expected ErrTransportClosed, got %v", err)
	}
}

func TestWebSocketDialFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := Dialer{}.Dial(ctx, "ws://127.0.0.1:1/ws")
	if err == nil {
		t.Fatal("expected dial to a closed port to fail")
	}
}
