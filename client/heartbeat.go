package client

import (
	"github.com/risa-org/matchlink/protocol"
)

// heartbeatLoop sends a heartbeat every HeartbeatInterval while conn is
// open. It never fires before the first interval has elapsed.
func (c *Client) heartbeatLoop(conn *connection) {
	defer c.wg.Done()
	ticker := c.clock.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-conn.ctx.Done():
			return
		case <-ticker.Chan():
			c.sendHeartbeat(conn)
		}
	}
}

func (c *Client) sendHeartbeat(conn *connection) {
	c.mu.Lock()
	if c.conn != conn || c.phase != PhaseOpen {
		c.mu.Unlock()
		return
	}
	ts := c.clock.Now().UnixMilli()
	// strictly increasing even if the wall clock stalls or steps back
	if ts <= c.lastTimestamp {
		ts = c.lastTimestamp + 1
	}
	c.lastTimestamp = ts
	c.mu.Unlock()

	env, err := protocol.Encode(protocol.KindHeartbeat, protocol.Heartbeat{Timestamp: ts})
	if err != nil {
		c.log.Error().Err(err).Msg("encode heartbeat")
		return
	}
	frame, err := protocol.MarshalFrame(env)
	if err != nil {
		c.log.Error().Err(err).Msg("marshal heartbeat")
		return
	}
	if err := c.enqueue(conn, protocol.KindHeartbeat, frame); err != nil {
		c.log.Debug().Err(err).Msg("heartbeat skipped")
		return
	}
	c.log.Trace().Int64("timestamp", ts).Msg("heartbeat")
}
