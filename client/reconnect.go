package client

import (
	"context"
	"errors"
)

// scheduleReconnectLocked starts one delayed reconnect attempt for the
// connection generation epoch. It reports true when the budget is already
// spent, in which case the caller emits the terminal error. Must be called
// with c.mu held.
func (c *Client) scheduleReconnectLocked(epoch uint64) (exhausted bool) {
	if c.intentional || c.epoch != epoch || c.ctx.Err() != nil {
		return false
	}
	if c.attempts >= c.cfg.MaxReconnectAttempts {
		c.log.Error().Int("attempts", c.attempts).Msg("reconnect budget exhausted")
		return true
	}
	c.attempts++
	attempt := c.attempts

	c.stopReconnectLocked()
	ctx, cancel := context.WithCancel(c.ctx)
	c.reconnectCancel = cancel
	c.wg.Add(1)
	go c.reconnect(ctx, epoch, attempt)
	return false
}

func (c *Client) stopReconnectLocked() {
	if c.reconnectCancel != nil {
		c.reconnectCancel()
		c.reconnectCancel = nil
	}
}

func (c *Client) reconnect(ctx context.Context, epoch uint64, attempt int) {
	defer c.wg.Done()
	c.log.Info().
		Int("attempt", attempt).
		Int("max", c.cfg.MaxReconnectAttempts).
		Dur("delay", c.cfg.ReconnectDelay).
		Msg("reconnect scheduled")

	timer := c.clock.NewTimer(c.cfg.ReconnectDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.Chan():
	}

	c.mu.Lock()
	if ctx.Err() != nil || c.epoch != epoch || c.intentional || c.phase != PhaseIdle {
		c.mu.Unlock()
		return
	}
	c.phase = PhaseConnecting
	url := c.url
	c.mu.Unlock()

	err := c.open(ctx, url, epoch)
	if err == nil || errors.Is(err, ErrClosed) {
		return
	}

	c.log.Warn().Err(err).Int("attempt", attempt).Msg("reconnect failed")
	c.emit(ctx, Error{Err: err})

	c.mu.Lock()
	exhausted := c.scheduleReconnectLocked(epoch)
	c.mu.Unlock()
	if exhausted {
		c.emit(c.ctx, Error{Err: ErrReconnectExhausted, Terminal: true})
	}
}
