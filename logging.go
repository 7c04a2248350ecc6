package displaycore

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// LogConfig selects the level, format and destination of the core's logs.
type LogConfig struct {
	// Level is one of trace, debug, info, warn, error or disabled.
	Level string `toml:"level"`
	// Format is json or console.
	Format string `toml:"format"`
	// Output is stderr, stdout, discard or a file path.
	Output string `toml:"output"`
}

// NewLogger builds a zerolog logger from cfg. Unknown levels fall back to
// info; an unopenable output file falls back to stderr.
func NewLogger(cfg LogConfig) zerolog.Logger {
	level := parseLevel(cfg.Level)

	var out io.Writer
	switch strings.ToLower(cfg.Output) {
	case "", "stderr":
		out = os.Stderr
	case "stdout":
		out = os.Stdout
	case "discard", "none":
		out = io.Discard
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			out = os.Stderr
		} else {
			out = f
		}
	}

	if strings.EqualFold(cfg.Format, "console") {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

func parseLevel(s string) zerolog.Level {
	switch strings.ToLower(s) {
	case "":
		return zerolog.InfoLevel
	case "warning":
		return zerolog.WarnLevel
	case "off", "none":
		return zerolog.Disabled
	}
	if l, err := zerolog.ParseLevel(strings.ToLower(s)); err == nil {
		return l
	}
	return zerolog.InfoLevel
}
