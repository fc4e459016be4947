package main

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/jkaninda/relay/internal/config"
)

// newLogger builds the process logger. With logging.file set, records go to
// stderr and to a size-rotated file.
func newLogger(cfg config.LoggingConfig, override string) (*slog.Logger, io.Closer) {
	level := cfg.Level
	if override != "" {
		level = override
	}
	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	var w io.Writer = os.Stderr
	var closer io.Closer = nopCloser{}
	if cfg.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    orDefault(cfg.MaxSizeMB, 100),
			MaxBackups: orDefault(cfg.MaxBackups, 3),
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
		w = io.MultiWriter(os.Stderr, rotator)
		closer = rotator
	}

	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts)), closer
	}
	return slog.New(slog.NewJSONHandler(w, opts)), closer
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
