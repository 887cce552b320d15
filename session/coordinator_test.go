package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/risa-org/matchlink/client"
	"github.com/risa-org/matchlink/internal/testlog"
	"github.com/risa-org/matchlink/protocol"
	"github.com/risa-org/matchlink/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// spyTransport records every envelope the Coordinator sends and lets the
// test play the server and the transport client.
type spyTransport struct {
	events chan client.Event

	mu          sync.Mutex
	open        bool
	connectErr  error
	sendErr     error
	connectGate chan struct{} // when set, Connected waits for it to close
	connects    []string
	disconnects int
	sent        []protocol.Envelope
}

func newSpy() *spyTransport {
	return &spyTransport{events: make(chan client.Event, 64)}
}

func (s *spyTransport) Connect(ctx context.Context, url string) error {
	s.mu.Lock()
	s.connects = append(s.connects, url)
	err := s.connectErr
	if err == nil {
		s.open = true
	}
	gate := s.connectGate
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if gate != nil {
		<-gate
	}
	s.events <- client.Connected{URL: url}
	return nil
}

func (s *spyTransport) Disconnect() {
	s.mu.Lock()
	s.disconnects++
	wasOpen := s.open
	s.open = false
	s.mu.Unlock()
	if wasOpen {
		s.events <- client.Disconnected{Intentional: true, Reason: transport.ReasonClosedClean}
	}
}

func (s *spyTransport) Send(env protocol.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return client.ErrNotConnected
	}
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, env)
	return nil
}

func (s *spyTransport) Events() <-chan client.Event { return s.events }

func (s *spyTransport) Sent() []protocol.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Envelope(nil), s.sent...)
}

func (s *spyTransport) SentKinds() []protocol.Kind {
	var kinds []protocol.Kind
	for _, env := range s.Sent() {
		kinds = append(kinds, env.Kind)
	}
	return kinds
}

// serve delivers a server frame as the transport client would.
func (s *spyTransport) serve(t *testing.T, kind protocol.Kind, payload any) {
	t.Helper()
	env, err := protocol.Encode(kind, payload)
	require.NoError(t, err)
	s.events <- client.MessageReceived{Envelope: env}
}

type stubGameplay struct {
	mu     sync.Mutex
	snap   GameplaySnapshot
	deaths chan DeathReport
}

func (g *stubGameplay) Snapshot() GameplaySnapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.snap
}

func (g *stubGameplay) Deaths() <-chan DeathReport { return g.deaths }

type recorder struct {
	mu      sync.Mutex
	records []MatchRecord
}

func (r *recorder) Record(ctx context.Context, rec MatchRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

func (r *recorder) all() []MatchRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]MatchRecord(nil), r.records...)
}

func newTestCoordinator(t *testing.T, spy *spyTransport, opts ...Option) *Coordinator {
	t.Helper()
	opts = append([]Option{WithLogger(testlog.New(t))}, opts...)
	c := New(context.Background(), spy, Config{PlayerName: "ana"}, opts...)
	t.Cleanup(c.Close)
	return c
}

func waitState(t *testing.T, c *Coordinator, want State) {
	t.Helper()
	require.Eventuallyf(t, func() bool { return c.State() == want },
		2*time.Second, 5*time.Millisecond, "state never became %s, still %s", want, c.State())
}

// settle waits until the dispatch loop has drained every queued transport
// event.
func settle(t *testing.T, spy *spyTransport) {
	t.Helper()
	require.Eventually(t, func() bool { return len(spy.events) == 0 }, 2*time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
}

func toLobby(t *testing.T, c *Coordinator) {
	t.Helper()
	require.NoError(t, c.Connect(context.Background(), "ws://match.test/ws"))
	waitState(t, c, StateInLobby)
}

func toRoom(t *testing.T, c *Coordinator, spy *spyTransport) {
	t.Helper()
	toLobby(t, c)
	spy.serve(t, protocol.KindRoomCreated, protocol.RoomCreated{RoomCode: "AB12", RoomID: "7"})
	waitState(t, c, StateInRoom)
}

func toPlaying(t *testing.T, c *Coordinator, spy *spyTransport) {
	t.Helper()
	toRoom(t, c, spy)
	spy.serve(t, protocol.KindMatchStart, protocol.MatchStart{TotalPlayers: 2, StartRound: 1})
	waitState(t, c, StatePlaying)
}

func collect(ch <-chan Event, wait time.Duration) []Event {
	var out []Event
	deadline := time.After(wait)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			return out
		}
	}
}

func TestConnectReachesLobby(t *testing.T) {
	spy := newSpy()
	c := newTestCoordinator(t, spy)
	events, _ := c.Subscribe()

	toLobby(t, c)

	got := collect(events, 50*time.Millisecond)
	assert.Equal(t, []Event{
		StateChanged{From: StateDisconnected, To: StateConnecting},
		StateChanged{From: StateConnecting, To: StateInLobby},
	}, got)
}

func TestRoomCreatedEntersRoom(t *testing.T) {
	spy := newSpy()
	c := newTestCoordinator(t, spy)
	toRoom(t, c, spy)

	room, ok := c.Room()
	require.True(t, ok)
	assert.Equal(t, "AB12", room.Code)
	assert.Equal(t, "7", room.RoomID)
	assert.Equal(t, "ana", room.PlayerName)
}

func TestMatchResultStored(t *testing.T) {
	spy := newSpy()
	rec := &recorder{}
	c := newTestCoordinator(t, spy, WithResultStore(rec))
	events, _ := c.Subscribe()
	toPlaying(t, c, spy)

	want := protocol.MatchResult{IsWinner: true, MyRound: 12, OpponentRound: 9}
	spy.serve(t, protocol.KindMatchResult, want)
	waitState(t, c, StateResult)

	got, ok := c.Result()
	require.True(t, ok)
	assert.Equal(t, MatchResult{IsWinner: true, MyRound: 12, OpponentRound: 9}, got)
	assert.False(t, c.SyncedMatchActive())

	require.Eventually(t, func() bool { return len(rec.all()) == 1 }, time.Second, 5*time.Millisecond)
	record := rec.all()[0]
	assert.Equal(t, "AB12", record.RoomCode)
	assert.Equal(t, "ana", record.PlayerName)
	assert.Equal(t, got, record.Result)

	var ended []MatchEnded
	for _, ev := range collect(events, 50*time.Millisecond) {
		if e, ok := ev.(MatchEnded); ok {
			ended = append(ended, e)
		}
	}
	require.Len(t, ended, 1)
	assert.Equal(t, got, ended[0].Result)
}

func TestIntentsRejectedOutsideTheirState(t *testing.T) {
	spy := newSpy()
	c := newTestCoordinator(t, spy)

	intents := map[string]func() error{
		"create":     c.CreateRoom,
		"join":       func() error { return c.JoinRoom("AB12") },
		"auto-match": c.RequestAutoMatch,
		"ready":      c.SendReady,
		"dead":       func() error { return c.SendPlayerDead(3, 10) },
		"update":     func() error { return c.SendStateUpdate(GameplaySnapshot{Life: 1}) },
		"leave":      c.LeaveRoom,
	}
	for name, intent := range intents {
		t.Run("disconnected/"+name, func(t *testing.T) {
			assert.ErrorIs(t, intent(), ErrInvalidState)
		})
	}

	toLobby(t, c)
	for _, name := range []string{"ready", "dead", "update", "leave"} {
		t.Run("lobby/"+name, func(t *testing.T) {
			assert.ErrorIs(t, intents[name](), ErrInvalidState)
		})
	}
	assert.Empty(t, spy.Sent(), "rejected intents must never reach the transport")

	require.NoError(t, c.CreateRoom())
	assert.Equal(t, []protocol.Kind{protocol.KindRoomCreate}, spy.SentKinds())

	var payload protocol.RoomCreate
	require.NoError(t, protocol.DecodePayload(spy.Sent()[0], &payload))
	assert.Equal(t, "ana", payload.PlayerName)
}

func TestLobbyIntents(t *testing.T) {
	spy := newSpy()
	c := newTestCoordinator(t, spy)
	toLobby(t, c)

	assert.ErrorIs(t, c.JoinRoom("  "), ErrEmptyRoomCode)
	require.NoError(t, c.JoinRoom(" QX77 "))
	require.NoError(t, c.RequestAutoMatch())

	sent := spy.Sent()
	require.Len(t, sent, 2)
	var join protocol.RoomJoin
	require.NoError(t, protocol.DecodePayload(sent[0], &join))
	assert.Equal(t, protocol.RoomJoin{RoomCode: "QX77", PlayerName: "ana"}, join)
	assert.Equal(t, protocol.KindRoomAutoMatch, sent[1].Kind)
}

func TestSendReadyCarriesRoomCode(t *testing.T) {
	spy := newSpy()
	c := newTestCoordinator(t, spy)
	toRoom(t, c, spy)

	require.NoError(t, c.SendReady())
	sent := spy.Sent()
	require.Len(t, sent, 1)
	var ready protocol.PlayerReady
	require.NoError(t, protocol.DecodePayload(sent[0], &ready))
	assert.Equal(t, "AB12", ready.RoomCode)
}

func TestUnknownKindChangesNothing(t *testing.T) {
	spy := newSpy()
	c := newTestCoordinator(t, spy)
	toPlaying(t, c, spy)
	spy.serve(t, protocol.KindOpponentState, protocol.OpponentState{PlayerName: "bo", Life: 20, IsAlive: true})
	require.Eventually(t, func() bool { _, ok := c.Opponent(); return ok }, time.Second, 5*time.Millisecond)

	events, _ := c.Subscribe()
	before, _ := c.Opponent()
	room, _ := c.Room()

	spy.events <- client.MessageReceived{Envelope: protocol.Envelope{Kind: "spectator-joined", Payload: `{"name":"x"}`}}
	settle(t, spy)

	assert.Equal(t, StatePlaying, c.State())
	after, _ := c.Opponent()
	assert.Equal(t, before, after)
	gotRoom, _ := c.Room()
	assert.Equal(t, room, gotRoom)
	assert.Empty(t, collect(events, 20*time.Millisecond))
}

func TestMalformedPayloadDropped(t *testing.T) {
	spy := newSpy()
	c := newTestCoordinator(t, spy)
	toLobby(t, c)

	spy.events <- client.MessageReceived{Envelope: protocol.Envelope{Kind: protocol.KindRoomCreated, Payload: `{"roomCode":5`}}
	settle(t, spy)
	assert.Equal(t, StateInLobby, c.State())
}

func TestOpponentSnapshotIsLastFrame(t *testing.T) {
	spy := newSpy()
	c := newTestCoordinator(t, spy)
	toPlaying(t, c, spy)

	frames := []protocol.OpponentState{
		{PlayerName: "bo", Life: 20, Round: 1, Gold: 100, MonstersKilled: 4, UnitCount: 3, IsAlive: true},
		{PlayerName: "bo", Life: 15, Round: 2, Gold: 250, MonstersKilled: 9, UnitCount: 5, IsAlive: true},
		{PlayerName: "bo", Life: 0, Round: 3},
	}
	for _, f := range frames {
		spy.serve(t, protocol.KindOpponentState, f)
	}
	settle(t, spy)

	got, ok := c.Opponent()
	require.True(t, ok)
	assert.Equal(t, OpponentSnapshot{PlayerName: "bo", Life: 0, Round: 3}, got)
}

func TestOutOfOrderFrameDropped(t *testing.T) {
	spy := newSpy()
	c := newTestCoordinator(t, spy)
	toLobby(t, c)
	events, _ := c.Subscribe()

	spy.serve(t, protocol.KindMatchStart, protocol.MatchStart{TotalPlayers: 2, StartRound: 1})
	spy.serve(t, protocol.KindWaveSync, protocol.WaveSync{Round: 2})
	settle(t, spy)

	assert.Equal(t, StateInLobby, c.State())
	assert.Equal(t, 0, c.WaveSyncedRound())
	assert.Empty(t, collect(events, 20*time.Millisecond))
}

func TestServerErrorIsInformational(t *testing.T) {
	spy := newSpy()
	c := newTestCoordinator(t, spy)
	toRoom(t, c, spy)
	events, _ := c.Subscribe()

	spy.events <- client.MessageReceived{Envelope: protocol.Envelope{
		Kind:    protocol.KindError,
		Payload: `{"code":404,"message":"room not found"}`,
	}}
	got := collect(events, 100*time.Millisecond)

	assert.Equal(t, []Event{ServerError{Code: "404", Message: "room not found"}}, got)
	assert.Equal(t, StateInRoom, c.State())
}

func TestTransportCloseForcesDisconnected(t *testing.T) {
	spy := newSpy()
	c := newTestCoordinator(t, spy)
	toPlaying(t, c, spy)
	changed := c.WaveSyncChanged()

	spy.events <- client.Disconnected{Reason: transport.ReasonNetworkError, Err: errors.New("reset")}
	waitState(t, c, StateDisconnected)

	_, inRoom := c.Room()
	assert.False(t, inRoom)
	assert.False(t, c.SyncedMatchActive())
	select {
	case <-changed:
	default:
		t.Fatal("wave sync waiters must be woken when the match is lost")
	}

	// automatic reconnect lands back in the lobby
	spy.events <- client.Connected{URL: "ws://match.test/ws"}
	waitState(t, c, StateInLobby)
}

func TestTerminalErrorForcesDisconnected(t *testing.T) {
	spy := newSpy()
	c := newTestCoordinator(t, spy)
	toRoom(t, c, spy)
	events, _ := c.Subscribe()

	spy.events <- client.Error{Err: errors.New("refused")}
	spy.events <- client.Error{Err: client.ErrReconnectExhausted, Terminal: true}
	waitState(t, c, StateDisconnected)

	got := collect(events, 50*time.Millisecond)
	require.Len(t, got, 3)
	assert.Equal(t, ConnectionError{Err: errors.New("refused")}, got[0])
	terminal, ok := got[1].(ConnectionError)
	require.True(t, ok)
	assert.True(t, terminal.Terminal)
	assert.ErrorIs(t, terminal.Err, client.ErrReconnectExhausted)
	assert.Equal(t, StateChanged{From: StateInRoom, To: StateDisconnected}, got[2])
}

func TestWaveSyncRaisedPerSignal(t *testing.T) {
	spy := newSpy()
	c := newTestCoordinator(t, spy)
	toPlaying(t, c, spy)
	require.True(t, c.SyncedMatchActive())
	events, _ := c.Subscribe()
	changed := c.WaveSyncChanged()

	spy.serve(t, protocol.KindWaveSync, protocol.WaveSync{Round: 2})
	spy.serve(t, protocol.KindWaveSync, protocol.WaveSync{Round: 2})
	spy.serve(t, protocol.KindWaveSync, protocol.WaveSync{Round: 1})

	got := collect(events, 100*time.Millisecond)
	assert.Equal(t, []Event{WaveSync{Round: 2}, WaveSync{Round: 2}, WaveSync{Round: 1}}, got)
	assert.Equal(t, 2, c.WaveSyncedRound(), "synced round never moves backwards")
	select {
	case <-changed:
	default:
		t.Fatal("expected change notification")
	}
}

func TestBroadcastWhilePlaying(t *testing.T) {
	clock := clockwork.NewFakeClock()
	spy := newSpy()
	game := &stubGameplay{snap: GameplaySnapshot{Life: 18, Round: 4, Gold: 320, MonstersKilled: 41, UnitCount: 6}}
	c := newTestCoordinator(t, spy, WithClock(clock), WithGameplay(game))
	toPlaying(t, c, spy)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	assert.Empty(t, spy.Sent())

	for i := 1; i <= 2; i++ {
		clock.Advance(DefaultBroadcastInterval)
		require.Eventually(t, func() bool { return len(spy.Sent()) == i }, time.Second, time.Millisecond)
	}
	var update protocol.GameStateUpdate
	require.NoError(t, protocol.DecodePayload(spy.Sent()[1], &update))
	assert.Equal(t, protocol.GameStateUpdate{Life: 18, Round: 4, Gold: 320, MonstersKilled: 41, UnitCount: 6}, update)

	spy.serve(t, protocol.KindMatchResult, protocol.MatchResult{MyRound: 4, OpponentRound: 7})
	waitState(t, c, StateResult)
	require.NoError(t, clock.BlockUntilContext(ctx, 0))

	clock.Advance(5 * DefaultBroadcastInterval)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, spy.Sent(), 2, "broadcast stops when the match ends")
}

func TestDeathReportedOnce(t *testing.T) {
	spy := newSpy()
	game := &stubGameplay{deaths: make(chan DeathReport, 2)}
	c := newTestCoordinator(t, spy, WithGameplay(game))
	toPlaying(t, c, spy)

	game.deaths <- DeathReport{FinalRound: 9, Contribution: 430}
	game.deaths <- DeathReport{FinalRound: 9, Contribution: 430}
	require.Eventually(t, func() bool { return len(game.deaths) == 0 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, []protocol.Kind{protocol.KindPlayerDead}, spy.SentKinds())
	var dead protocol.PlayerDead
	require.NoError(t, protocol.DecodePayload(spy.Sent()[0], &dead))
	assert.Equal(t, protocol.PlayerDead{FinalRound: 9, Contribution: 430}, dead)
	assert.ErrorIs(t, c.SendPlayerDead(9, 430), ErrAlreadyReported)
}

func TestFailedDeathReportCanBeRetried(t *testing.T) {
	spy := newSpy()
	c := newTestCoordinator(t, spy)
	toPlaying(t, c, spy)

	spy.mu.Lock()
	spy.sendErr = client.ErrSendQueueFull
	spy.mu.Unlock()
	assert.ErrorIs(t, c.SendPlayerDead(4, 60), client.ErrSendQueueFull)

	spy.mu.Lock()
	spy.sendErr = nil
	spy.mu.Unlock()
	require.NoError(t, c.SendPlayerDead(4, 60))
	assert.Equal(t, []protocol.Kind{protocol.KindPlayerDead}, spy.SentKinds())
	assert.ErrorIs(t, c.SendPlayerDead(4, 60), ErrAlreadyReported)
}

func TestReconnectAfterDisconnectIsNotUndone(t *testing.T) {
	spy := newSpy()
	c := newTestCoordinator(t, spy)
	events, unsubscribe := c.Subscribe()
	defer unsubscribe()
	toRoom(t, c, spy)

	gate := make(chan struct{})
	spy.mu.Lock()
	spy.connectGate = gate
	spy.mu.Unlock()

	// the intentional close event is still queued when Connect starts
	c.Disconnect()
	connected := make(chan error, 1)
	go func() { connected <- c.Connect(context.Background(), "ws://match.test/ws") }()
	require.Eventually(t, func() bool {
		spy.mu.Lock()
		defer spy.mu.Unlock()
		return len(spy.connects) == 2
	}, 2*time.Second, time.Millisecond)

	settle(t, spy)
	assert.Equal(t, StateConnecting, c.State())

	close(gate)
	require.NoError(t, <-connected)
	waitState(t, c, StateInLobby)

	var got []StateChanged
	for _, ev := range collect(events, 50*time.Millisecond) {
		if sc, ok := ev.(StateChanged); ok {
			got = append(got, sc)
		}
	}
	assert.Equal(t, []StateChanged{
		{From: StateDisconnected, To: StateConnecting},
		{From: StateConnecting, To: StateInLobby},
		{From: StateInLobby, To: StateInRoom},
		{From: StateInRoom, To: StateDisconnected},
		{From: StateDisconnected, To: StateConnecting},
		{From: StateConnecting, To: StateInLobby},
	}, got)
}

func TestLeaveRoom(t *testing.T) {
	spy := newSpy()
	c := newTestCoordinator(t, spy)
	toRoom(t, c, spy)

	require.NoError(t, c.LeaveRoom())
	assert.Equal(t, StateInLobby, c.State())
	_, ok := c.Room()
	assert.False(t, ok)
	assert.ErrorIs(t, c.LeaveRoom(), ErrInvalidState)

	// a second room in the same session
	spy.serve(t, protocol.KindRoomCreated, protocol.RoomCreated{RoomCode: "ZZ99"})
	waitState(t, c, StateInRoom)
	room, _ := c.Room()
	assert.Equal(t, "ZZ99", room.Code)
}

func TestDisconnectIsIdempotent(t *testing.T) {
	spy := newSpy()
	game := &stubGameplay{}
	c := newTestCoordinator(t, spy, WithGameplay(game))
	toPlaying(t, c, spy)

	c.Disconnect()
	assert.Equal(t, StateDisconnected, c.State())
	assert.False(t, c.SyncedMatchActive())
	c.Disconnect()
	assert.Equal(t, StateDisconnected, c.State())

	// the intentional close event from the transport must not resurrect anything
	settle(t, spy)
	assert.Equal(t, StateDisconnected, c.State())

	require.NoError(t, c.Connect(context.Background(), "ws://match.test/ws"))
	waitState(t, c, StateInLobby)
}

func TestConnectIgnoredWhenActive(t *testing.T) {
	spy := newSpy()
	c := newTestCoordinator(t, spy)
	toLobby(t, c)

	require.NoError(t, c.Connect(context.Background(), "ws://other.test/ws"))
	spy.mu.Lock()
	defer spy.mu.Unlock()
	assert.Len(t, spy.connects, 1)
}

func TestFailedConnectStaysConnecting(t *testing.T) {
	spy := newSpy()
	refused := errors.New("refused")
	spy.connectErr = refused
	c := newTestCoordinator(t, spy)

	assert.ErrorIs(t, c.Connect(context.Background(), "ws://match.test/ws"), refused)
	assert.Equal(t, StateConnecting, c.State(), "the transport keeps retrying")

	spy.events <- client.Connected{URL: "ws://match.test/ws"}
	waitState(t, c, StateInLobby)
}

func TestSubscribeAndUnsubscribe(t *testing.T) {
	spy := newSpy()
	c := newTestCoordinator(t, spy)
	first, cancelFirst := c.Subscribe()
	second, _ := c.Subscribe()

	cancelFirst()
	_, open := <-first
	assert.False(t, open)

	toLobby(t, c)
	assert.Len(t, collect(second, 50*time.Millisecond), 2)

	c.Close()
	_, open = <-second
	assert.False(t, open)
}

func TestTransitionTable(t *testing.T) {
	assert.True(t, isValidTransition(StateDisconnected, StateConnecting))
	assert.True(t, isValidTransition(StateConnecting, StateInLobby))
	assert.True(t, isValidTransition(StateInLobby, StateInRoom))
	assert.True(t, isValidTransition(StateInRoom, StatePlaying))
	assert.True(t, isValidTransition(StatePlaying, StateResult))
	assert.True(t, isValidTransition(StateResult, StateInLobby))
	for _, s := range []State{StateConnecting, StateInLobby, StateInRoom, StatePlaying, StateResult} {
		assert.Truef(t, isValidTransition(s, StateDisconnected), "%s -> disconnected", s)
	}

	assert.False(t, isValidTransition(StateDisconnected, StateDisconnected))
	assert.False(t, isValidTransition(StateInLobby, StatePlaying))
	assert.False(t, isValidTransition(StatePlaying, StateInLobby))
	assert.False(t, isValidTransition(StateResult, StatePlaying))
}
