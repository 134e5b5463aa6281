// Package observability builds the relay's logger and Prometheus metrics.
package observability

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Log output formats.
const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

// InitLogger builds the process logger, installs it as the zerolog global
// logger and returns it.
func InitLogger(app, level, format string) zerolog.Logger {
	logger := NewLogger(os.Stdout, app, level, format)
	log.Logger = logger
	return logger
}

// NewLogger builds a logger writing to out.
func NewLogger(out io.Writer, app, level, format string) zerolog.Logger {
	var w io.Writer = out
	if format != FormatJSON {
		w = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
		}
	}

	lvl, _ := ParseLevel(level)
	return zerolog.New(w).Level(lvl).With().Timestamp().Str("app", app).Logger()
}

// ParseLevel maps a configured level name to a zerolog level. Unknown names
// fall back to info and report false.
func ParseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "trace":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "info":
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
