// Package logging configures the process-wide zerolog logger.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Settings struct {
	Level string
	// Format is "console" or "json". Empty picks console on a terminal.
	Format string
	// File additionally writes JSON logs to a rotated file.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

func DefaultSettings() Settings {
	return Settings{Level: "info", MaxSizeMB: 10, MaxBackups: 5, MaxAgeDays: 14}
}

// Init installs the global logger. The returned closer flushes the log file, if any.
func Init(s Settings) (io.Closer, error) {
	level, err := ParseLevel(s.Level)
	if err != nil {
		return nil, err
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	var console io.Writer
	switch strings.ToLower(strings.TrimSpace(s.Format)) {
	case "json":
		console = os.Stderr
	case "console":
		console = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	case "":
		if isatty.IsTerminal(os.Stderr.Fd()) {
			console = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
		} else {
			console = os.Stderr
		}
	default:
		return nil, errors.Errorf("unknown log format %q", s.Format)
	}

	var closer io.Closer = nopCloser{}
	out := console
	if path := strings.TrimSpace(s.File); path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, errors.Wrap(err, "create log directory")
		}
		def := DefaultSettings()
		rotated := &lumberjack.Logger{
			Filename:   path,
			MaxSize:    orDefault(s.MaxSizeMB, def.MaxSizeMB),
			MaxBackups: orDefault(s.MaxBackups, def.MaxBackups),
			MaxAge:     orDefault(s.MaxAgeDays, def.MaxAgeDays),
			Compress:   true,
		}
		out = zerolog.MultiLevelWriter(console, rotated)
		closer = rotated
	}

	log.Logger = zerolog.New(out).With().Timestamp().Logger()
	zerolog.DefaultContextLogger = &log.Logger
	return closer, nil
}

// ParseLevel accepts zerolog level names plus "warning"; empty means info.
func ParseLevel(s string) (zerolog.Level, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "":
		return zerolog.InfoLevel, nil
	case "warning":
		return zerolog.WarnLevel, nil
	}
	level, err := zerolog.ParseLevel(s)
	if err != nil {
		return zerolog.NoLevel, errors.Wrapf(err, "parse log level %q", s)
	}
	return level, nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
