// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/term"

	"github.com/jeranaias/jarvish/internal/util"
)

// =============================================================================
// LOGGER CONSTRUCTION
// =============================================================================

// Output formats.
const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

// Config selects the level, format and destination of the logger.
type Config struct {
	Level  string // trace, debug, info, warn, error; empty means info
	Format string // console or json; empty means console
	// Output defaults to stderr.
	Output io.Writer
}

// New builds the process logger and applies cfg.Level as the global level,
// so SetLevel can change it later without rebuilding loggers derived from
// this one.
func New(cfg Config) (zerolog.Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Nop(), err
	}

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	var w io.Writer
	switch strings.ToLower(cfg.Format) {
	case "", FormatConsole:
		w = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.TimeOnly,
			NoColor:    !isTerminal(out),
		}
	case FormatJSON:
		w = out
	default:
		return zerolog.Nop(), fmt.Errorf("unknown log format %q", cfg.Format)
	}

	zerolog.SetGlobalLevel(level)
	return zerolog.New(w).With().Timestamp().Logger(), nil
}

// SetLevel changes the global level of every logger built by New.
func SetLevel(name string) error {
	level, err := ParseLevel(name)
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(level)
	return nil
}

// ParseLevel converts a level name to a zerolog level. "warning" is accepted
// as an alias for "warn".
func ParseLevel(name string) (zerolog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "":
		return zerolog.InfoLevel, nil
	case "warning":
		return zerolog.WarnLevel, nil
	}
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(name)))
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("invalid log level %q", name)
	}
	return level, nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// =============================================================================
// FORWARDED MESSAGES
// =============================================================================

// Origin tells where a forwarded log message came from.
type Origin string

const (
	Frontend Origin = "frontend"
	Backend  Origin = "backend"
)

// MaxMessageRunes caps a forwarded message; longer ones are cut with "...".
const MaxMessageRunes = 8192

// Process writes message at the named level, tagged with its origin. The
// recognized levels are info, warn, error and debug; any other level is
// reported as a warning naming it, and message is still recorded.
func Process(l zerolog.Logger, message, level string, origin Origin) {
	message = util.TruncateRunes(message, MaxMessageRunes)
	var ev *zerolog.Event
	switch level {
	case "info":
		ev = l.Info()
	case "warn":
		ev = l.Warn()
	case "error":
		ev = l.Error()
	case "debug":
		ev = l.Debug()
	default:
		l.Warn().
			Str("origin", string(origin)).
			Str("level_name", level).
			Str("original", message).
			Msgf("Unknown log level: %s", level)
		return
	}
	ev.Str("origin", string(origin)).Msg(message)
}
