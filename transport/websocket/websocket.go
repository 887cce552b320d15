package websocket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/risa-org/matchlink/transport"
	"nhooyr.io/websocket"
)

// DefaultReadLimit bounds a single inbound frame.
const DefaultReadLimit int64 = 1 << 20

// Adapter implements transport.Adapter over a WebSocket connection.
// Every envelope travels as one text message; WebSocket already has
// message boundaries so no extra framing is needed.
type Adapter struct {
	conn       *websocket.Conn
	incoming   chan []byte
	disconnect chan transport.DisconnectEvent
	closeOnce  sync.Once
	ctx        context.Context
	cancel     context.CancelFunc
}

// New wraps an existing *websocket.Conn in a transport Adapter.
func New(conn *websocket.Conn) *Adapter {
	ctx, cancel := context.WithCancel(context.Background())
	conn.SetReadLimit(DefaultReadLimit)
	a := &Adapter{
		conn:       conn,
		incoming:   make(chan []byte, 64),
		disconnect: make(chan transport.DisconnectEvent, 1),
		ctx:        ctx,
		cancel:     cancel,
	}
	go a.readLoop()
	return a
}

// DialOptions are passed through to the websocket handshake.
type DialOptions struct {
	Header     http.Header
	HTTPClient *http.Client
}

// Dialer opens websocket adapters for ws:// and wss:// URLs.
type Dialer struct {
	Options DialOptions
}

func (d Dialer) Dial(ctx context.Context, url string) (transport.Adapter, error) {
	return Dial(ctx, url, d.Options)
}

// Dial performs the websocket handshake and returns a ready Adapter.
func Dial(ctx context.Context, url string, opts DialOptions) (*Adapter, error) {
	conn, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: opts.Header,
		HTTPClient: opts.HTTPClient,
	})
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("websocket: dial %s: %w", url, err)
	}
	return New(conn), nil
}

func (a *Adapter) Send(ctx context.Context, frame []byte) error {
	if a.ctx.Err() != nil {
		return transport.ErrTransportClosed
	}
	if err := a.conn.Write(ctx, websocket.MessageText, frame); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("websocket: write: %w", err)
		}
		return transport.ErrTransportClosed
	}
	return nil
}

func (a *Adapter) Receive() <-chan []byte {
	return a.incoming
}

func (a *Adapter) Disconnected() <-chan transport.DisconnectEvent {
	return a.disconnect
}

func (a *Adapter) Close() error {
	var err error
	a.closeOnce.Do(func() {
		a.cancel()
		err = a.conn.Close(websocket.StatusNormalClosure, "closed")
	})
	return err
}

func (a *Adapter) readLoop() {
	defer func() {
		close(a.incoming)
		a.Close()
	}()

	for {
		_, data, err := a.conn.Read(a.ctx)
		if err != nil {
			a.signalDisconnect(err)
			return
		}
		select {
		case a.incoming <- data:
		case <-a.ctx.Done():
			a.signalDisconnect(a.ctx.Err())
			return
		}
	}
}

// signalDisconnect sends exactly one disconnect event.
// StatusNormalClosure (1000) and StatusGoingAway (1001) are both clean closes,
// different WebSocket implementations and shutdown timing produce either code.
// Context cancellation means we closed it ourselves, also clean.
func (a *Adapter) signalDisconnect(err error) {
	event := transport.DisconnectEvent{}

	status := websocket.CloseStatus(err)
	switch {
	case status == websocket.StatusNormalClosure,
		status == websocket.StatusGoingAway,
		a.ctx.Err() != nil:
		event.Reason = transport.ReasonClosedClean
	case errors.Is(err, context.DeadlineExceeded):
		event.Reason = transport.ReasonTimeout
		event.Err = err
	default:
		event.Reason = transport.ReasonNetworkError
		event.Err = err
	}

	select {
	case a.disconnect <- event:
	default:
	}
}
