package session

import (
	"context"
	"errors"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/risa-org/matchlink/client"
	"github.com/risa-org/matchlink/protocol"
	"github.com/risa-org/matchlink/transport/sender"
	"github.com/rs/zerolog"
)

// Transport is the part of *client.Client the Coordinator drives.
type Transport interface {
	Connect(ctx context.Context, url string) error
	Disconnect()
	Send(env protocol.Envelope) error
	Events() <-chan client.Event
}

// Option customizes a Coordinator at construction.
type Option func(*Coordinator)

func WithLogger(l zerolog.Logger) Option {
	return func(c *Coordinator) { c.log = l }
}

func WithClock(clock clockwork.Clock) Option {
	return func(c *Coordinator) { c.clock = clock }
}

// WithGameplay sets the collaborator sampled by the state broadcast. If it
// also implements DeathNotifier its reports are sent as player-dead.
func WithGameplay(g Gameplay) Option {
	return func(c *Coordinator) { c.gameplay = g }
}

// WithResultStore records every finished match.
func WithResultStore(s ResultStore) Option {
	return func(c *Coordinator) { c.store = s }
}

// Coordinator owns the session state machine for one logical connection.
// State is written only by the dispatch goroutine and by the lifecycle
// methods Connect, Disconnect and LeaveRoom.
type Coordinator struct {
	transport Transport
	sender    *sender.Sender
	gameplay  Gameplay
	store     ResultStore
	cfg       Config
	clock     clockwork.Clock
	log       zerolog.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	loopDone chan struct{}

	mu          sync.RWMutex
	state       State
	intentional bool
	room        *Room
	opponent    *OpponentSnapshot
	result      *MatchResult
	matchActive bool
	syncedRound int
	syncChanged chan struct{}
	deathSent   bool
	broadcast   *broadcaster

	subMu      sync.Mutex
	subs       map[uint64]chan Event
	nextSub    uint64
	subsClosed bool

	closeOnce sync.Once
}

// New creates a Coordinator in the Disconnected state and starts its
// dispatch loop. parent bounds every goroutine it starts.
func New(parent context.Context, t Transport, cfg Config, opts ...Option) *Coordinator {
	ctx, cancel := context.WithCancel(parent)
	c := &Coordinator{
		transport:   t,
		sender:      sender.New(t),
		cfg:         cfg.WithDefaults(),
		clock:       clockwork.NewRealClock(),
		log:         zerolog.Nop(),
		ctx:         ctx,
		cancel:      cancel,
		loopDone:    make(chan struct{}),
		state:       StateDisconnected,
		syncChanged: make(chan struct{}),
		subs:        make(map[uint64]chan Event),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With().Str("component", "session").Logger()
	go c.loop()
	return c
}

// Connect moves Disconnected to Connecting and opens the transport. It is
// a no-op in any other state. A failed open leaves the transport retrying
// in the background; exhaustion is reported as a terminal ConnectionError.
func (c *Coordinator) Connect(ctx context.Context, url string) error {
	var p pending
	c.mu.Lock()
	if c.state != StateDisconnected {
		state := c.state
		c.mu.Unlock()
		c.log.Warn().Str("state", state.String()).Msg("connect ignored")
		return nil
	}
	c.intentional = false
	c.transitionLocked(&p, StateConnecting)
	c.mu.Unlock()
	c.flush(p)

	err := c.transport.Connect(ctx, url)
	if err == nil {
		return nil
	}
	c.log.Warn().Err(err).Str("url", url).Msg("connect failed")
	if errors.Is(err, client.ErrClosed) {
		var p pending
		c.mu.Lock()
		c.toDisconnectedLocked(&p)
		c.mu.Unlock()
		c.flush(p)
	}
	return err
}

// Disconnect closes the transport on purpose and returns to Disconnected.
// The heartbeat, reconnect and broadcast loops have stopped when it
// returns. Safe to call in any state and more than once.
func (c *Coordinator) Disconnect() {
	c.mu.Lock()
	c.intentional = true
	c.mu.Unlock()

	c.transport.Disconnect()

	var p pending
	c.mu.Lock()
	b := c.broadcast
	c.toDisconnectedLocked(&p)
	c.mu.Unlock()
	c.flush(p)
	if b != nil {
		b.stop()
	}
}

// Close disconnects, stops the dispatch loop and closes every subscriber
// channel. The transport itself is left to its owner.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() {
		c.Disconnect()
		c.cancel()
		<-c.loopDone

		c.subMu.Lock()
		for id, ch := range c.subs {
			delete(c.subs, id)
			close(ch)
		}
		c.subsClosed = true
		c.subMu.Unlock()
	})
}

// Subscribe returns a channel of domain events and a func that ends the
// subscription. A subscriber that falls behind misses events.
func (c *Coordinator) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, c.cfg.SubscriberBuffer)
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if c.subsClosed {
		close(ch)
		return ch, func() {}
	}
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	return ch, func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		if sub, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(sub)
		}
	}
}

func (c *Coordinator) publish(ev Event) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for id, ch := range c.subs {
		select {
		case ch <- ev:
		default:
			c.log.Warn().Uint64("subscriber", id).Type("event", ev).Msg("subscriber full, event dropped")
		}
	}
}

// -------------------------------------------------------
// Queries
// -------------------------------------------------------

func (c *Coordinator) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Room returns the current room, if any.
func (c *Coordinator) Room() (Room, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.room == nil {
		return Room{}, false
	}
	return *c.room, true
}

// Opponent returns the last opponent snapshot of the current match.
func (c *Coordinator) Opponent() (OpponentSnapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.opponent == nil {
		return OpponentSnapshot{}, false
	}
	return *c.opponent, true
}

// Result returns the result of the last finished match.
func (c *Coordinator) Result() (MatchResult, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.result == nil {
		return MatchResult{}, false
	}
	return *c.result, true
}

// SyncedMatchActive reports whether a multiplayer match is running, i.e.
// whether the round controller should honor wave sync at all.
func (c *Coordinator) SyncedMatchActive() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.matchActive && c.state == StatePlaying
}

// WaveSyncedRound is the highest round the server has synced in the
// current match, 0 before the first signal.
func (c *Coordinator) WaveSyncedRound() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.syncedRound
}

// WaveSyncChanged returns a channel that is closed on the next change of
// WaveSyncedRound or SyncedMatchActive.
func (c *Coordinator) WaveSyncChanged() <-chan struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.syncChanged
}

// -------------------------------------------------------
// Dispatch
// -------------------------------------------------------

// pending collects the side effects of one locked state change so they
// run after the lock is released, in order.
type pending struct {
	events []Event
	stops  []*broadcaster
	record *MatchRecord
}

func (p *pending) add(ev Event) { p.events = append(p.events, ev) }

func (c *Coordinator) flush(p pending) {
	for _, b := range p.stops {
		b.stop()
	}
	if p.record != nil && c.store != nil {
		ctx, cancel := context.WithTimeout(c.ctx, c.cfg.RecordTimeout)
		if err := c.store.Record(ctx, *p.record); err != nil {
			c.log.Error().Err(err).Str("room", p.record.RoomCode).Msg("record match failed")
		}
		cancel()
	}
	for _, ev := range p.events {
		c.publish(ev)
	}
}

func (c *Coordinator) loop() {
	defer close(c.loopDone)
	events := c.transport.Events()
	for {
		select {
		case <-c.ctx.Done():
			return
		case ev := <-events:
			c.handle(ev)
		}
	}
}

func (c *Coordinator) handle(ev client.Event) {
	var p pending
	switch ev := ev.(type) {
	case client.Connected:
		c.mu.Lock()
		c.onConnectedLocked(&p, ev)
		c.mu.Unlock()

	case client.Disconnected:
		if ev.Intentional {
			// Disconnect already moved to Disconnected; a later Connect may
			// be under way and must not be undone by this close
			c.log.Debug().Msg("intentional close, nothing to do")
			return
		}
		c.mu.Lock()
		if c.state != StateDisconnected {
			c.log.Warn().Err(ev.Err).Str("reason", ev.Reason.String()).Msg("transport closed")
			c.toDisconnectedLocked(&p)
		}
		c.mu.Unlock()

	case client.Error:
		p.add(ConnectionError{Err: ev.Err, Terminal: ev.Terminal})
		if ev.Terminal {
			c.mu.Lock()
			c.toDisconnectedLocked(&p)
			c.mu.Unlock()
		}

	case client.MessageReceived:
		msg, err := protocol.DecodeInbound(ev.Envelope)
		if errors.Is(err, protocol.ErrUnknownKind) {
			c.log.Warn().Str("kind", ev.Envelope.Kind.String()).Msg("ignoring unknown kind")
			return
		}
		if err != nil {
			c.log.Warn().Err(err).Msg("dropping undecodable payload")
			return
		}
		c.mu.Lock()
		c.applyLocked(&p, ev.Envelope.Kind, msg)
		c.mu.Unlock()
	}
	c.flush(p)
}

func (c *Coordinator) onConnectedLocked(p *pending, ev client.Connected) {
	if c.intentional {
		c.log.Debug().Msg("connected after disconnect, ignoring")
		return
	}
	if c.state == StateDisconnected {
		// automatic reconnect
		c.transitionLocked(p, StateConnecting)
	}
	if c.transitionLocked(p, StateInLobby) {
		c.log.Info().Str("url", ev.URL).Msg("in lobby")
	}
}

func (c *Coordinator) applyLocked(p *pending, kind protocol.Kind, msg protocol.Inbound) {
	switch m := msg.(type) {
	case protocol.RoomCreated:
		if !c.expectLocked(kind, StateInLobby) {
			return
		}
		c.room = &Room{Code: m.RoomCode, RoomID: m.RoomID.String(), PlayerName: c.cfg.PlayerName}
		c.transitionLocked(p, StateInRoom)
		p.add(RoomCreated{Code: m.RoomCode, RoomID: m.RoomID.String()})

	case protocol.PlayerJoined:
		if !c.expectLocked(kind, StateInRoom) {
			return
		}
		p.add(PlayerJoined{Name: m.PlayerName, Count: m.PlayerCount})

	case protocol.MatchStart:
		if !c.expectLocked(kind, StateInRoom) {
			return
		}
		c.transitionLocked(p, StatePlaying)
		c.matchActive = true
		c.syncedRound = 0
		c.deathSent = false
		c.opponent = nil
		c.result = nil
		c.signalSyncLocked()
		if c.broadcast != nil {
			p.stops = append(p.stops, c.broadcast)
		}
		c.broadcast = c.startBroadcastLocked()
		p.add(MatchStarted{TotalPlayers: m.TotalPlayers, StartRound: m.StartRound})

	case protocol.WaveSync:
		if !c.expectLocked(kind, StatePlaying) {
			return
		}
		if m.Round > c.syncedRound {
			c.syncedRound = m.Round
			c.signalSyncLocked()
		}
		p.add(WaveSync{Round: m.Round})

	case protocol.OpponentState:
		if !c.expectLocked(kind, StatePlaying) {
			return
		}
		snap := OpponentSnapshot(m)
		c.opponent = &snap
		p.add(OpponentStateUpdated{Snapshot: snap})

	case protocol.OpponentDead:
		if !c.expectLocked(kind, StatePlaying) {
			return
		}
		p.add(OpponentDead{Name: m.PlayerName, Round: m.FinalRound})

	case protocol.MatchResult:
		if !c.expectLocked(kind, StatePlaying) {
			return
		}
		res := MatchResult(m)
		c.result = &res
		c.transitionLocked(p, StateResult)
		c.matchActive = false
		c.signalSyncLocked()
		if c.broadcast != nil {
			p.stops = append(p.stops, c.broadcast)
		}
		p.record = c.matchRecordLocked(res)
		p.add(MatchEnded{Result: res})

	case protocol.Error:
		c.log.Warn().Str("code", m.Code.String()).Str("message", m.Message).Msg("server error")
		p.add(ServerError{Code: m.Code.String(), Message: m.Message})
	}
}

func (c *Coordinator) matchRecordLocked(res MatchResult) *MatchRecord {
	rec := &MatchRecord{
		PlayerName: c.cfg.PlayerName,
		Result:     res,
		FinishedAt: c.clock.Now().UTC(),
	}
	if c.room != nil {
		rec.RoomCode = c.room.Code
		rec.RoomID = c.room.RoomID
	}
	if c.opponent != nil {
		opp := *c.opponent
		rec.Opponent = &opp
	}
	return rec
}

// expectLocked reports whether a frame of kind is acceptable in the
// current state. Frames that are not are dropped without an event.
func (c *Coordinator) expectLocked(kind protocol.Kind, want State) bool {
	if c.state == want {
		return true
	}
	c.log.Warn().
		Str("kind", kind.String()).
		Str("state", c.state.String()).
		Msg("dropping out of order frame")
	return false
}

// transitionLocked applies a legal transition and queues StateChanged.
func (c *Coordinator) transitionLocked(p *pending, to State) bool {
	from := c.state
	if !isValidTransition(from, to) {
		c.log.Warn().Str("from", from.String()).Str("to", to.String()).Msg("transition rejected")
		return false
	}
	c.state = to
	c.log.Debug().Str("from", from.String()).Str("to", to.String()).Msg("state changed")
	p.add(StateChanged{From: from, To: to})
	return true
}

// toDisconnectedLocked is the unconditional close path. It clears the
// room and match data and stops the broadcast.
func (c *Coordinator) toDisconnectedLocked(p *pending) {
	if c.state == StateDisconnected {
		return
	}
	c.transitionLocked(p, StateDisconnected)
	c.room = nil
	c.opponent = nil
	if c.matchActive {
		c.matchActive = false
		c.signalSyncLocked()
	}
	if c.broadcast != nil {
		p.stops = append(p.stops, c.broadcast)
	}
}

func (c *Coordinator) signalSyncLocked() {
	close(c.syncChanged)
	c.syncChanged = make(chan struct{})
}
