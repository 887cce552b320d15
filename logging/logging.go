// Package logging builds the zerolog logger every component receives.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog"
)

const (
	EnvLogLevel   = "MATCHLINK_LOG_LEVEL"
	EnvLogNoColor = "MATCHLINK_LOG_NOCOLOR"
	EnvLogJSON    = "MATCHLINK_LOG_JSON"
)

// Options controls the logger. The zero value is not useful, start from
// DefaultOptions.
type Options struct {
	App       string
	Level     zerolog.Level
	NoColor   bool
	JSON      bool
	Timestamp bool
	Out       io.Writer
}

func DefaultOptions(app string) Options {
	return Options{
		App:       app,
		Level:     zerolog.InfoLevel,
		Timestamp: true,
		Out:       os.Stderr,
	}
}

// overrides mirrors the env variables. Pointers stay nil when unset.
type overrides struct {
	Level   string `env:"MATCHLINK_LOG_LEVEL"`
	NoColor *bool  `env:"MATCHLINK_LOG_NOCOLOR"`
	JSON    *bool  `env:"MATCHLINK_LOG_JSON"`
}

// ApplyEnv overlays the MATCHLINK_LOG_* variables on opts.
func ApplyEnv(opts Options) (Options, error) {
	var o overrides
	if err := env.Parse(&o); err != nil {
		return opts, fmt.Errorf("logging: parse env: %w", err)
	}
	if o.Level != "" {
		lvl, ok := ParseLevel(o.Level)
		if !ok {
			return opts, fmt.Errorf("logging: unknown level %q", o.Level)
		}
		opts.Level = lvl
	}
	if o.NoColor != nil {
		opts.NoColor = *o.NoColor
	}
	if o.JSON != nil {
		opts.JSON = *o.JSON
	}
	return opts, nil
}

// ParseLevel accepts the usual level names plus a few aliases for off.
func ParseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "trace":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "info", "":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "disabled", "off", "none":
		return zerolog.Disabled, true
	default:
		return zerolog.InfoLevel, false
	}
}

// New builds a console logger, or a JSON one when opts.JSON is set.
func New(opts Options) zerolog.Logger {
	out := opts.Out
	if out == nil {
		out = os.Stderr
	}
	if !opts.JSON {
		out = zerolog.ConsoleWriter{
			Out:        out,
			NoColor:    opts.NoColor,
			TimeFormat: time.RFC3339,
		}
	}

	ctx := zerolog.New(out).Level(opts.Level).With()
	if opts.Timestamp {
		ctx = ctx.Timestamp()
	}
	if opts.App != "" {
		ctx = ctx.Str("app", opts.App)
	}
	return ctx.Logger()
}
