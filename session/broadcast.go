package session

import (
	"context"
)

// broadcaster is the per-match state broadcast loop.
type broadcaster struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// stop cancels the loop and waits for it. Safe to call more than once.
func (b *broadcaster) stop() {
	b.cancel()
	<-b.done
}

// startBroadcastLocked starts a fresh loop with a fresh ticker, so the
// first update of a match goes out one full interval after match-start.
// Without a Gameplay collaborator there is nothing to broadcast.
func (c *Coordinator) startBroadcastLocked() *broadcaster {
	if c.gameplay == nil {
		c.log.Debug().Msg("no gameplay attached, state broadcast disabled")
		return nil
	}
	ctx, cancel := context.WithCancel(c.ctx)
	b := &broadcaster{cancel: cancel, done: make(chan struct{})}

	var deaths <-chan DeathReport
	if n, ok := c.gameplay.(DeathNotifier); ok {
		deaths = n.Deaths()
	}
	go c.broadcastLoop(ctx, b.done, deaths)
	return b
}

func (c *Coordinator) broadcastLoop(ctx context.Context, done chan<- struct{}, deaths <-chan DeathReport) {
	defer close(done)
	ticker := c.clock.NewTicker(c.cfg.BroadcastInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.Chan():
			if c.State() != StatePlaying {
				return
			}
			if err := c.SendStateUpdate(c.gameplay.Snapshot()); err != nil {
				c.log.Debug().Err(err).Msg("state update not sent")
			}

		case r, ok := <-deaths:
			if !ok {
				deaths = nil
				continue
			}
			if err := c.SendPlayerDead(r.FinalRound, r.Contribution); err != nil {
				c.log.Warn().Err(err).Msg("player death not sent")
			}
		}
	}
}
