// Package wavesync is the round controller's side of the wave-sync
// handshake: a best-effort barrier that waits for the server to sync a
// round and falls back to local pacing when the signal does not come.
package wavesync

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

const (
	// DefaultTimeout is how long a round waits for the server before
	// proceeding unsynchronized.
	DefaultTimeout = 30 * time.Second
	// DefaultPollInterval is the cooperative yield between checks.
	DefaultPollInterval = 100 * time.Millisecond
)

// Source is what the session coordinator exposes for wave sync.
type Source interface {
	SyncedMatchActive() bool
	WaveSyncedRound() int
	WaveSyncChanged() <-chan struct{}
}

// Outcome is how a Wait ended.
type Outcome int

const (
	Synced    Outcome = iota // server synced the round
	TimedOut                 // deadline passed, proceed unsynchronized
	Abandoned                // the match ended or the connection dropped
	Canceled                 // caller's context ended
	Skipped                  // no synced match, nothing to wait for
)

func (o Outcome) String() string {
	switch o {
	case Synced:
		return "synced"
	case TimedOut:
		return "timed_out"
	case Abandoned:
		return "abandoned"
	case Canceled:
		return "canceled"
	case Skipped:
		return "skipped"
	default:
		return "unknown"
	}
}

type Option func(*Gate)

func WithClock(clock clockwork.Clock) Option {
	return func(g *Gate) { g.clock = clock }
}

func WithLogger(l zerolog.Logger) Option {
	return func(g *Gate) { g.log = l }
}

func WithTimeout(d time.Duration) Option {
	return func(g *Gate) {
		if d > 0 {
			g.timeout = d
		}
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(g *Gate) {
		if d > 0 {
			g.poll = d
		}
	}
}

// Gate blocks the start of a wave until it is synced or the deadline
// passes. One Gate serves one round controller; Wait is not meant to be
// called concurrently.
type Gate struct {
	src     Source
	clock   clockwork.Clock
	log     zerolog.Logger
	timeout time.Duration
	poll    time.Duration

	waiting atomic.Bool
}

func New(src Source, opts ...Option) *Gate {
	g := &Gate{
		src:     src,
		clock:   clockwork.NewRealClock(),
		log:     zerolog.Nop(),
		timeout: DefaultTimeout,
		poll:    DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.log = g.log.With().Str("component", "wavesync").Logger()
	return g
}

// Waiting reports whether a Wait is in progress.
func (g *Gate) Waiting() bool { return g.waiting.Load() }

// Wait returns once round has been synced, the deadline passes, the match
// stops being active or ctx ends. The deadline is armed once per call.
func (g *Gate) Wait(ctx context.Context, round int) Outcome {
	if !g.src.SyncedMatchActive() {
		return Skipped
	}

	g.waiting.Store(true)
	defer g.waiting.Store(false)

	start := g.clock.Now()
	deadline := g.clock.NewTimer(g.timeout)
	defer deadline.Stop()
	tick := g.clock.NewTicker(g.poll)
	defer tick.Stop()

	for {
		// take the channel before reading the round so a signal in between
		// still wakes us
		changed := g.src.WaveSyncChanged()
		if g.src.WaveSyncedRound() >= round {
			g.log.Debug().Int("round", round).Dur("waited", g.clock.Since(start)).Msg("wave synced")
			return Synced
		}
		if !g.src.SyncedMatchActive() {
			g.log.Info().Int("round", round).Msg("match ended while waiting for wave sync")
			return Abandoned
		}

		select {
		case <-ctx.Done():
			return Canceled
		case <-deadline.Chan():
			g.log.Warn().Int("round", round).Dur("timeout", g.timeout).Msg("wave sync timed out, continuing unsynchronized")
			return TimedOut
		case <-changed:
		case <-tick.Chan():
		}
	}
}
