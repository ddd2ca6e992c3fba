package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

// LevelTrace is a custom slog level below [slog.LevelDebug], intended
// for wire-level forensics (full webhook payloads, raw MQTT frames).
// The numeric value -8 follows the convention established by
// OpenTelemetry and other Go projects that extend slog with a Trace
// level.
const LevelTrace = slog.Level(-8)

// LogFormat selects the slog handler built by [NewLogger].
type LogFormat string

const (
	// FormatAuto picks console when stderr is a terminal, text otherwise.
	FormatAuto LogFormat = "auto"
	// FormatText emits logfmt-style key=value lines.
	FormatText LogFormat = "text"
	// FormatJSON emits one JSON object per line.
	FormatJSON LogFormat = "json"
	// FormatConsole emits colorized human-oriented output.
	FormatConsole LogFormat = "console"
)

// ParseLogLevel converts a case-insensitive string to an [slog.Level].
//
// Accepted values:
//   - "trace" → [LevelTrace]
//   - "debug" → [slog.LevelDebug]
//   - "info" or "" → [slog.LevelInfo]
//   - "warn" or "warning" → [slog.LevelWarn]
//   - "error" → [slog.LevelError]
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "trace":
		return LevelTrace, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q (valid: trace, debug, info, warn, error)", s)
	}
}

// ParseLogFormat converts a case-insensitive string to a [LogFormat].
func ParseLogFormat(s string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return FormatAuto, nil
	case "text":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	case "console":
		return FormatConsole, nil
	default:
		return FormatAuto, fmt.Errorf("unknown log format %q (valid: auto, text, json, console)", s)
	}
}

// ReplaceLogLevelNames is an [slog.HandlerOptions.ReplaceAttr] function
// that renders [LevelTrace] as "TRACE" in log output. Without this,
// slog would render it as "DEBUG-4" since it doesn't know about custom
// levels.
func ReplaceLogLevelNames(groups []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey {
		level, ok := a.Value.Any().(slog.Level)
		if ok && level == LevelTrace {
			a.Value = slog.StringValue("TRACE")
		}
	}
	return a
}

// NewLogger builds a structured logger writing to w. FormatAuto
// resolves to console when w is a terminal (so interactive runs get
// colors) and text otherwise, which keeps journald and container logs
// machine-parseable.
func NewLogger(w io.Writer, level slog.Level, format LogFormat) *slog.Logger {
	if format == FormatAuto {
		format = FormatText
		if f, ok := w.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
			format = FormatConsole
		}
	}

	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: ReplaceLogLevelNames,
	}

	var handler slog.Handler
	switch format {
	case FormatJSON:
		handler = slog.NewJSONHandler(w, opts)
	case FormatConsole:
		handler = tint.NewHandler(w, &tint.Options{
			Level: level,
			ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
				if a.Key == slog.LevelKey {
					if lvl, ok := a.Value.Any().(slog.Level); ok && lvl == LevelTrace {
						return slog.String(a.Key, "TRC")
					}
				}
				return a
			},
		})
	default:
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}
