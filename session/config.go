package session

import "time"

// DefaultBroadcastInterval is how often game-state-update is sent while
// playing. The server expects this cadence.
const DefaultBroadcastInterval = 3 * time.Second

// Config holds the Coordinator settings.
type Config struct {
	// PlayerName is sent with room-create, room-join and room-auto-match.
	PlayerName        string
	BroadcastInterval time.Duration
	// SubscriberBuffer sizes each Subscribe channel.
	SubscriberBuffer int
	// RecordTimeout bounds one ResultStore.Record call.
	RecordTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		PlayerName:        "player",
		BroadcastInterval: DefaultBroadcastInterval,
		SubscriberBuffer:  64,
		RecordTimeout:     5 * time.Second,
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.PlayerName == "" {
		c.PlayerName = d.PlayerName
	}
	if c.BroadcastInterval <= 0 {
		c.BroadcastInterval = d.BroadcastInterval
	}
	if c.SubscriberBuffer <= 0 {
		c.SubscriberBuffer = d.SubscriberBuffer
	}
	if c.RecordTimeout <= 0 {
		c.RecordTimeout = d.RecordTimeout
	}
	return c
}
