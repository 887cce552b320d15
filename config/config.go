// Package config loads the bot configuration. Sources are layered, later
// ones winning: built-in defaults, a TOML file, a .env file, then the
// process environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/risa-org/matchlink/client"
	"github.com/risa-org/matchlink/logging"
	"github.com/risa-org/matchlink/session"
	"github.com/risa-org/matchlink/wavesync"
)

// DefaultEnvPrefix namespaces every environment variable.
const DefaultEnvPrefix = "MATCHLINK_"

type Config struct {
	Server   ServerConfig   `toml:"server" envPrefix:"SERVER_"`
	Client   ClientConfig   `toml:"client" envPrefix:"CLIENT_"`
	Session  SessionConfig  `toml:"session" envPrefix:"SESSION_"`
	WaveSync WaveSyncConfig `toml:"wave_sync" envPrefix:"WAVESYNC_"`
	History  HistoryConfig  `toml:"history" envPrefix:"HISTORY_"`
	Log      LogConfig      `toml:"log" envPrefix:"LOG_"`
}

type ServerConfig struct {
	URL string `toml:"url" env:"URL"`
}

type ClientConfig struct {
	HeartbeatInterval    time.Duration `toml:"heartbeat_interval" env:"HEARTBEAT_INTERVAL"`
	ReconnectDelay       time.Duration `toml:"reconnect_delay" env:"RECONNECT_DELAY"`
	MaxReconnectAttempts int           `toml:"max_reconnect_attempts" env:"MAX_RECONNECT_ATTEMPTS"`
	ConnectTimeout       time.Duration `toml:"connect_timeout" env:"CONNECT_TIMEOUT"`
	WriteTimeout         time.Duration `toml:"write_timeout" env:"WRITE_TIMEOUT"`
	OutboxSize           int           `toml:"outbox_size" env:"OUTBOX_SIZE"`
}

type SessionConfig struct {
	PlayerName        string        `toml:"player_name" env:"PLAYER_NAME"`
	BroadcastInterval time.Duration `toml:"broadcast_interval" env:"BROADCAST_INTERVAL"`
}

type WaveSyncConfig struct {
	Timeout      time.Duration `toml:"timeout" env:"TIMEOUT"`
	PollInterval time.Duration `toml:"poll_interval" env:"POLL_INTERVAL"`
}

// HistoryConfig selects the match history store. An empty Path keeps
// history in memory.
type HistoryConfig struct {
	Path  string `toml:"path" env:"PATH"`
	Limit int    `toml:"limit" env:"LIMIT"`
}

type LogConfig struct {
	Level   string `toml:"level" env:"LEVEL"`
	NoColor bool   `toml:"no_color" env:"NOCOLOR"`
	JSON    bool   `toml:"json" env:"JSON"`
}

// Default returns the protocol defaults with a local server URL.
func Default() Config {
	cc := client.DefaultConfig()
	sc := session.DefaultConfig()
	return Config{
		Server: ServerConfig{URL: "ws://127.0.0.1:8080/ws"},
		Client: ClientConfig{
			HeartbeatInterval:    cc.HeartbeatInterval,
			ReconnectDelay:       cc.ReconnectDelay,
			MaxReconnectAttempts: cc.MaxReconnectAttempts,
			ConnectTimeout:       cc.ConnectTimeout,
			WriteTimeout:         cc.WriteTimeout,
		},
		Session: SessionConfig{
			PlayerName:        sc.PlayerName,
			BroadcastInterval: sc.BroadcastInterval,
		},
		WaveSync: WaveSyncConfig{
			Timeout:      wavesync.DefaultTimeout,
			PollInterval: wavesync.DefaultPollInterval,
		},
		History: HistoryConfig{Limit: 100},
		Log:     LogConfig{Level: "info"},
	}
}

// Sources names where Load reads from. Empty paths are skipped.
type Sources struct {
	File      string
	DotEnv    string
	EnvPrefix string
}

// Load layers defaults, the TOML file, the .env file and the environment,
// then validates the result. A missing .env file is not an error; a
// missing TOML file is.
func Load(src Sources) (Config, error) {
	cfg := Default()

	if src.File != "" {
		if _, err := toml.DecodeFile(src.File, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: load %s: %w", src.File, err)
		}
	}

	if src.DotEnv != "" {
		// existing environment variables win over the file
		if err := godotenv.Load(src.DotEnv); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("config: load %s: %w", src.DotEnv, err)
		}
	}

	prefix := src.EnvPrefix
	if prefix == "" {
		prefix = DefaultEnvPrefix
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: prefix}); err != nil {
		return Config{}, fmt.Errorf("config: parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	u, err := url.Parse(strings.TrimSpace(c.Server.URL))
	if err != nil {
		return fmt.Errorf("config: server.url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "ws", "wss", "tcp":
	default:
		return fmt.Errorf("config: server.url: unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("config: server.url: missing host")
	}

	if strings.TrimSpace(c.Session.PlayerName) == "" {
		return fmt.Errorf("config: session.player_name is required")
	}

	durations := map[string]time.Duration{
		"client.heartbeat_interval":  c.Client.HeartbeatInterval,
		"client.reconnect_delay":     c.Client.ReconnectDelay,
		"client.connect_timeout":     c.Client.ConnectTimeout,
		"client.write_timeout":       c.Client.WriteTimeout,
		"session.broadcast_interval": c.Session.BroadcastInterval,
		"wave_sync.timeout":          c.WaveSync.Timeout,
		"wave_sync.poll_interval":    c.WaveSync.PollInterval,
	}
	for name, d := range durations {
		if d < 0 {
			return fmt.Errorf("config: %s must not be negative", name)
		}
	}
	if c.Client.MaxReconnectAttempts < 0 {
		return fmt.Errorf("config: client.max_reconnect_attempts must not be negative")
	}
	if c.Client.OutboxSize < 0 {
		return fmt.Errorf("config: client.outbox_size must not be negative")
	}
	if _, ok := logging.ParseLevel(c.Log.Level); !ok {
		return fmt.Errorf("config: log.level: unknown level %q", c.Log.Level)
	}
	return nil
}

// ClientConfig converts to the transport client settings.
func (c Config) ClientConfig() client.Config {
	return client.Config{
		HeartbeatInterval:    c.Client.HeartbeatInterval,
		ReconnectDelay:       c.Client.ReconnectDelay,
		MaxReconnectAttempts: c.Client.MaxReconnectAttempts,
		ConnectTimeout:       c.Client.ConnectTimeout,
		WriteTimeout:         c.Client.WriteTimeout,
		OutboxSize:           c.Client.OutboxSize,
	}.WithDefaults()
}

// SessionConfig converts to the coordinator settings.
func (c Config) SessionConfig() session.Config {
	return session.Config{
		PlayerName:        strings.TrimSpace(c.Session.PlayerName),
		BroadcastInterval: c.Session.BroadcastInterval,
	}.WithDefaults()
}

// WaveSyncOptions converts to gate options.
func (c Config) WaveSyncOptions() []wavesync.Option {
	return []wavesync.Option{
		wavesync.WithTimeout(c.WaveSync.Timeout),
		wavesync.WithPollInterval(c.WaveSync.PollInterval),
	}
}

// LogOptions converts to logger options for app.
func (c Config) LogOptions(app string) logging.Options {
	opts := logging.DefaultOptions(app)
	if lvl, ok := logging.ParseLevel(c.Log.Level); ok {
		opts.Level = lvl
	}
	opts.NoColor = c.Log.NoColor
	opts.JSON = c.Log.JSON
	return opts
}
