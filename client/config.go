package client

import "time"

// Defaults the match server expects. Changing these breaks interop.
const (
	DefaultHeartbeatInterval    = 15 * time.Second
	DefaultReconnectDelay       = 3 * time.Second
	DefaultMaxReconnectAttempts = 5
)

// Config defines connection reliability settings.
type Config struct {
	HeartbeatInterval    time.Duration
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
	ConnectTimeout       time.Duration
	WriteTimeout         time.Duration

	// EventBuffer sizes the Events() channel.
	EventBuffer int
	// SendQueueSize bounds frames waiting for the writer goroutine.
	SendQueueSize int
	// OutboxSize > 0 holds sends issued while not open and flushes them on
	// the next open. Zero drops them.
	OutboxSize int
}

// DefaultConfig returns the protocol defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:    DefaultHeartbeatInterval,
		ReconnectDelay:       DefaultReconnectDelay,
		MaxReconnectAttempts: DefaultMaxReconnectAttempts,
		ConnectTimeout:       10 * time.Second,
		WriteTimeout:         5 * time.Second,
		EventBuffer:          256,
		SendQueueSize:        64,
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.ReconnectDelay < 0 {
		c.ReconnectDelay = 0
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = d.ReconnectDelay
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = d.MaxReconnectAttempts
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = d.EventBuffer
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = d.SendQueueSize
	}
	if c.OutboxSize < 0 {
		c.OutboxSize = 0
	}
	return c
}
