// Package client owns one physical connection to the match server: connect,
// disconnect, fire-and-forget sends, inbound envelope decoding, the
// heartbeat loop and the bounded reconnect loop.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/risa-org/matchlink/protocol"
	"github.com/risa-org/matchlink/transport"
	"github.com/rs/zerolog"
)

var (
	ErrNotConnected       = errors.New("client: not connected")
	ErrReconnectExhausted = errors.New("client: reconnect attempts exhausted")
	ErrSendQueueFull      = errors.New("client: send queue full")
	ErrClosed             = errors.New("client: closed")
)

// Option customizes a Client at construction.
type Option func(*Client)

// WithLogger sets the logger. The client adds its own component fields.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithClock replaces the wall clock used by heartbeat and reconnect timers.
func WithClock(clock clockwork.Clock) Option {
	return func(c *Client) { c.clock = clock }
}

// Client is the transport client. All exported methods are safe for
// concurrent use.
type Client struct {
	id     string
	cfg    Config
	dialer transport.Dialer
	clock  clockwork.Clock
	log    zerolog.Logger

	ctx    context.Context // root, canceled by Close or the parent
	cancel context.CancelFunc
	events chan Event

	mu              sync.Mutex
	phase           Phase
	url             string
	attempts        int
	intentional     bool
	closing         int // Disconnect calls in progress
	epoch           uint64 // bumped by Connect and Disconnect, stale dials compare against it
	conn            *connection
	dialCancel      context.CancelFunc
	reconnectCancel context.CancelFunc
	outbox          *outbox
	lastTimestamp   int64

	wg sync.WaitGroup // heartbeat, writer, read pump and reconnect goroutines
}

// connection is the per-open state. Its context bounds the heartbeat,
// writer and read pump goroutines of one physical connection.
type connection struct {
	adapter transport.Adapter
	url     string
	ctx     context.Context
	cancel  context.CancelFunc
	sendq   chan []byte
}

// New creates an idle Client. parent bounds every goroutine the client
// starts; canceling it has the same effect as Close.
func New(parent context.Context, dialer transport.Dialer, cfg Config, opts ...Option) *Client {
	cfg = cfg.WithDefaults()
	ctx, cancel := context.WithCancel(parent)
	c := &Client{
		id:     uuid.NewString(),
		cfg:    cfg,
		dialer: dialer,
		clock:  clockwork.NewRealClock(),
		log:    zerolog.Nop(),
		ctx:    ctx,
		cancel: cancel,
		events: make(chan Event, cfg.EventBuffer),
		outbox: newOutbox(cfg.OutboxSize),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With().Str("component", "client").Str("client_id", c.id).Logger()
	return c
}

// ID is a random per-instance identifier used for log correlation.
func (c *Client) ID() string { return c.id }

// Events returns the ordered event stream. It is never closed.
func (c *Client) Events() <-chan Event { return c.events }

// Phase returns the current connection phase.
func (c *Client) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Attempts returns how much of the reconnect budget has been spent.
func (c *Client) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// URL returns the last URL passed to Connect.
func (c *Client) URL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.url
}

// Connect opens a connection to url and blocks until the open succeeds or
// fails. Calling it while connecting, open or closing is a no-op. A failed
// open is reported as an Error event and hands over to the reconnect loop.
func (c *Client) Connect(ctx context.Context, url string) error {
	c.mu.Lock()
	if c.ctx.Err() != nil {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.closing > 0 || c.phase != PhaseIdle {
		phase := c.phase
		c.mu.Unlock()
		c.log.Warn().Str("phase", phase.String()).Str("url", url).Msg("connect ignored, already active")
		return nil
	}
	c.stopReconnectLocked()
	c.epoch++
	epoch := c.epoch
	c.phase = PhaseConnecting
	c.url = url
	c.attempts = 0
	c.intentional = false
	dctx, cancel := context.WithCancel(ctx)
	c.dialCancel = cancel
	c.mu.Unlock()
	defer cancel()

	err := c.open(dctx, url, epoch)
	if err == nil || errors.Is(err, ErrClosed) {
		return err
	}

	c.log.Warn().Err(err).Str("url", url).Msg("connect failed")
	c.tryEmit(Error{Err: err})
	c.mu.Lock()
	exhausted := c.scheduleReconnectLocked(epoch)
	c.mu.Unlock()
	if exhausted {
		c.tryEmit(Error{Err: ErrReconnectExhausted, Terminal: true})
	}
	return err
}

// Disconnect closes the connection on purpose. It stops the heartbeat,
// reconnect, writer and read loops before returning and never triggers a
// reconnect. Safe to call repeatedly.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.closing++
	c.intentional = true
	c.epoch++
	c.stopReconnectLocked()
	if c.dialCancel != nil {
		c.dialCancel()
		c.dialCancel = nil
	}
	conn := c.conn
	c.conn = nil
	wasOpen := c.phase == PhaseOpen
	switch {
	case conn != nil:
		c.phase = PhaseClosing
	case c.phase == PhaseConnecting:
		// the in-flight dial sees the epoch change and discards its result
		c.phase = PhaseIdle
	}
	c.mu.Unlock()

	if conn != nil {
		conn.cancel()
		if err := conn.adapter.Close(); err != nil {
			c.log.Debug().Err(err).Msg("close returned error")
		}
	}
	c.wg.Wait()

	c.mu.Lock()
	if c.phase == PhaseClosing {
		c.phase = PhaseIdle
	}
	c.closing--
	c.mu.Unlock()

	if wasOpen {
		c.log.Info().Msg("disconnected by client")
		c.tryEmit(Disconnected{Intentional: true, Reason: transport.ReasonClosedClean})
	}
}

// Close disconnects and releases the client. It cannot be reused.
func (c *Client) Close() {
	c.Disconnect()
	c.cancel()
}

// Send hands env to the writer goroutine and returns without waiting for
// the network. While not open the envelope is dropped with a warning, or
// held in the outbox when one is configured.
func (c *Client) Send(env protocol.Envelope) error {
	frame, err := protocol.MarshalFrame(env)
	if err != nil {
		return fmt.Errorf("client: marshal %s: %w", env.Kind, err)
	}

	c.mu.Lock()
	conn := c.conn
	if c.phase != PhaseOpen || conn == nil {
		if c.outbox != nil && env.Kind != protocol.KindHeartbeat {
			evicted := c.outbox.push(frame)
			held := c.outbox.len()
			c.mu.Unlock()
			ev := c.log.Debug()
			if evicted {
				ev = c.log.Warn()
			}
			ev.Str("kind", env.Kind.String()).Int("held", held).Bool("evicted", evicted).Msg("send deferred to outbox")
			return nil
		}
		phase := c.phase
		c.mu.Unlock()
		c.log.Warn().Str("kind", env.Kind.String()).Str("phase", phase.String()).Msg("send dropped, not connected")
		return ErrNotConnected
	}
	c.mu.Unlock()

	return c.enqueue(conn, env.Kind, frame)
}

func (c *Client) enqueue(conn *connection, kind protocol.Kind, frame []byte) error {
	select {
	case <-conn.ctx.Done():
		return ErrNotConnected
	default:
	}
	select {
	case conn.sendq <- frame:
		return nil
	default:
		c.log.Warn().Str("kind", kind.String()).Msg("send dropped, queue full")
		return ErrSendQueueFull
	}
}

// open dials url and, if the attempt is still current, installs the new
// connection. The caller must have set the phase to Connecting under epoch.
func (c *Client) open(ctx context.Context, url string, epoch uint64) error {
	dctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	stop := context.AfterFunc(c.ctx, cancel)
	adapter, err := c.dialer.Dial(dctx, url)
	stop()
	cancel()

	c.mu.Lock()
	current := c.epoch == epoch && !c.intentional && c.ctx.Err() == nil
	if err != nil {
		if current && c.phase == PhaseConnecting {
			c.phase = PhaseIdle
		}
		c.mu.Unlock()
		if !current {
			return ErrClosed
		}
		return fmt.Errorf("client: connect %s: %w", url, err)
	}
	if !current || c.phase != PhaseConnecting {
		c.mu.Unlock()
		adapter.Close()
		return ErrClosed
	}

	conn := c.installLocked(adapter, url)
	c.mu.Unlock()

	c.log.Info().Str("url", url).Msg("connected")
	c.emit(conn.ctx, Connected{URL: url})
	go c.readPump(conn)
	return nil
}

// installLocked makes adapter the live connection, starts its writer and
// heartbeat, and flushes the outbox. The read pump is counted here but
// started by the caller after Connected has been emitted, so no message can
// overtake it.
func (c *Client) installLocked(adapter transport.Adapter, url string) *connection {
	ctx, cancel := context.WithCancel(c.ctx)
	queue := c.cfg.SendQueueSize
	if c.outbox != nil {
		queue += c.outbox.size
	}
	conn := &connection{
		adapter: adapter,
		url:     url,
		ctx:     ctx,
		cancel:  cancel,
		sendq:   make(chan []byte, queue),
	}
	c.conn = conn
	c.phase = PhaseOpen
	c.attempts = 0
	c.dialCancel = nil

	if c.outbox != nil {
		pending := c.outbox.drain()
		for _, frame := range pending {
			conn.sendq <- frame
		}
		if len(pending) > 0 {
			c.log.Info().Int("frames", len(pending)).Msg("outbox flushed")
		}
	}

	c.wg.Add(3)
	go c.writeLoop(conn)
	go c.heartbeatLoop(conn)
	return conn
}

func (c *Client) writeLoop(conn *connection) {
	defer c.wg.Done()
	for {
		select {
		case <-conn.ctx.Done():
			return
		case frame := <-conn.sendq:
			wctx, cancel := context.WithTimeout(conn.ctx, c.cfg.WriteTimeout)
			err := conn.adapter.Send(wctx, frame)
			cancel()
			if err != nil && conn.ctx.Err() == nil {
				c.log.Warn().Err(err).Msg("send failed")
				c.emit(conn.ctx, Error{Err: fmt.Errorf("client: send: %w", err)})
			}
		}
	}
}

// readPump delivers inbound frames in arrival order and handles the close
// of its connection.
func (c *Client) readPump(conn *connection) {
	defer c.wg.Done()
	for {
		select {
		case <-conn.ctx.Done():
			return
		case frame, ok := <-conn.adapter.Receive():
			if !ok {
				var ev transport.DisconnectEvent
				select {
				case ev = <-conn.adapter.Disconnected():
				default:
					ev = transport.DisconnectEvent{Reason: transport.ReasonUnknown}
				}
				c.handleClose(conn, ev)
				return
			}
			c.handleFrame(conn, frame)
		case ev := <-conn.adapter.Disconnected():
			c.drain(conn)
			c.handleClose(conn, ev)
			return
		}
	}
}

// drain delivers frames the adapter had already read when it went away.
func (c *Client) drain(conn *connection) {
	for {
		select {
		case frame, ok := <-conn.adapter.Receive():
			if !ok || conn.ctx.Err() != nil {
				return
			}
			c.handleFrame(conn, frame)
		default:
			return
		}
	}
}

func (c *Client) handleFrame(conn *connection, frame []byte) {
	env, err := protocol.DecodeEnvelope(frame)
	if err != nil {
		c.log.Warn().Err(err).Int("bytes", len(frame)).Msg("dropping malformed frame")
		c.emit(conn.ctx, Error{Err: err})
		return
	}
	c.emit(conn.ctx, MessageReceived{Envelope: env})
}

func (c *Client) handleClose(conn *connection, ev transport.DisconnectEvent) {
	c.mu.Lock()
	if c.conn != conn {
		// Disconnect already detached it
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.phase = PhaseIdle
	epoch := c.epoch
	conn.cancel()
	c.mu.Unlock()

	conn.adapter.Close()
	c.log.Warn().Err(ev.Err).Str("reason", ev.Reason.String()).Msg("connection lost")
	c.emit(c.ctx, Disconnected{Reason: ev.Reason, Err: ev.Err})

	c.mu.Lock()
	exhausted := c.scheduleReconnectLocked(epoch)
	c.mu.Unlock()
	if exhausted {
		c.emit(c.ctx, Error{Err: ErrReconnectExhausted, Terminal: true})
	}
}

// emit delivers ev in order, giving up when ctx or the client ends.
func (c *Client) emit(ctx context.Context, ev Event) {
	select {
	case c.events <- ev:
	case <-ctx.Done():
	case <-c.ctx.Done():
	}
}

// tryEmit is used from caller goroutines that must not block on a full
// event buffer.
func (c *Client) tryEmit(ev Event) {
	select {
	case c.events <- ev:
	default:
		c.log.Warn().Type("event", ev).Msg("event buffer full, event dropped")
	}
}
