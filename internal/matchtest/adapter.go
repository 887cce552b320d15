// Package matchtest holds test doubles for the match protocol: an in-memory
// transport adapter and dialer, and a fake match server that speaks the
// wire protocol over a real websocket.
package matchtest

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/risa-org/matchlink/protocol"
	"github.com/risa-org/matchlink/transport"
)

// Adapter is an in-memory transport.Adapter. Frames sent by the code under
// test are recorded; frames injected by the test are delivered as if the
// server had sent them.
type Adapter struct {
	incoming   chan []byte
	disconnect chan transport.DisconnectEvent
	sent       chan []byte

	closeOnce sync.Once
	closed    chan struct{}

	mu      sync.Mutex
	history [][]byte
	sendErr error
}

// NewAdapter returns an open Adapter.
func NewAdapter() *Adapter {
	return &Adapter{
		incoming:   make(chan []byte, 256),
		disconnect: make(chan transport.DisconnectEvent, 1),
		sent:       make(chan []byte, 1024),
		closed:     make(chan struct{}),
	}
}

func (a *Adapter) Send(ctx context.Context, frame []byte) error {
	select {
	case <-a.closed:
		return transport.ErrTransportClosed
	default:
	}
	a.mu.Lock()
	err := a.sendErr
	if err == nil {
		p := append([]byte(nil), frame...)
		a.history = append(a.history, p)
		select {
		case a.sent <- p:
		default:
		}
	}
	a.mu.Unlock()
	return err
}

func (a *Adapter) Receive() <-chan []byte { return a.incoming }

func (a *Adapter) Disconnected() <-chan transport.DisconnectEvent { return a.disconnect }

// Close marks the adapter closed and reports a clean disconnect.
func (a *Adapter) Close() error {
	a.shutdown(transport.DisconnectEvent{Reason: transport.ReasonClosedClean})
	return nil
}

// Drop simulates the server or network going away.
func (a *Adapter) Drop(err error) {
	a.shutdown(transport.DisconnectEvent{Reason: transport.ReasonNetworkError, Err: err})
}

func (a *Adapter) shutdown(ev transport.DisconnectEvent) {
	a.closeOnce.Do(func() {
		close(a.closed)
		a.disconnect <- ev
	})
}

// Closed is closed once the adapter has been closed or dropped.
func (a *Adapter) Closed() <-chan struct{} { return a.closed }

// FailSends makes every following Send return err. Nil restores success.
func (a *Adapter) FailSends(err error) {
	a.mu.Lock()
	a.sendErr = err
	a.mu.Unlock()
}

// Inject delivers a raw frame to the reader.
func (a *Adapter) Inject(frame []byte) {
	a.incoming <- frame
}

// InjectEnvelope encodes payload under kind and delivers it.
func (a *Adapter) InjectEnvelope(t testing.TB, kind protocol.Kind, payload any) {
	t.Helper()
	env, err := protocol.Encode(kind, payload)
	if err != nil {
		t.Fatalf("encode %s: %v", kind, err)
	}
	frame, err := protocol.MarshalFrame(env)
	if err != nil {
		t.Fatalf("marshal %s: %v", kind, err)
	}
	a.Inject(frame)
}

// Sent streams every frame accepted by Send, in order.
func (a *Adapter) Sent() <-chan []byte { return a.sent }

// History returns a copy of every frame accepted so far.
func (a *Adapter) History() [][]byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([][]byte, len(a.history))
	copy(out, a.history)
	return out
}

// SentKinds decodes the history and returns the envelope kinds in order.
func (a *Adapter) SentKinds() []protocol.Kind {
	var kinds []protocol.Kind
	for _, frame := range a.History() {
		var env protocol.Envelope
		if err := json.Unmarshal(frame, &env); err == nil {
			kinds = append(kinds, env.Kind)
		}
	}
	return kinds
}

// Dialer hands out scripted results in order. Once the script is used up
// every dial returns a fresh open Adapter.
type Dialer struct {
	mu      sync.Mutex
	script  []DialResult
	dials   []string
	dialed  chan *Adapter
	last    *Adapter
	attempt chan struct{}
}

// DialResult is one scripted dial outcome. A nil Adapter with a nil Err
// produces a fresh Adapter.
type DialResult struct {
	Adapter *Adapter
	Err     error
}

func NewDialer(script ...DialResult) *Dialer {
	return &Dialer{
		script:  script,
		dialed:  make(chan *Adapter, 64),
		attempt: make(chan struct{}, 64),
	}
}

func (d *Dialer) Dial(ctx context.Context, url string) (transport.Adapter, error) {
	d.mu.Lock()
	d.dials = append(d.dials, url)
	var res DialResult
	if len(d.script) > 0 {
		res = d.script[0]
		d.script = d.script[1:]
	}
	if res.Err == nil && res.Adapter == nil {
		res.Adapter = NewAdapter()
	}
	if res.Err == nil {
		d.last = res.Adapter
	}
	d.mu.Unlock()

	select {
	case d.attempt <- struct{}{}:
	default:
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if res.Err != nil {
		return nil, res.Err
	}
	select {
	case d.dialed <- res.Adapter:
	default:
	}
	return res.Adapter, nil
}

// Dialed streams every adapter returned by a successful dial.
func (d *Dialer) Dialed() <-chan *Adapter { return d.dialed }

// Attempts receives one value per Dial call, successful or not.
func (d *Dialer) Attempts() <-chan struct{} { return d.attempt }

// Dials returns the URL of every Dial call so far.
func (d *Dialer) Dials() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.dials...)
}

// Last returns the adapter from the most recent successful dial.
func (d *Dialer) Last() *Adapter {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}
