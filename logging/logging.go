// Package logging initialises the process-wide zerolog logger and provides
// per-component child loggers plus a keyed emission throttle.
package logging

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config captures the one-time logger options.
type Config struct {
	Level          string // "trace".."error"; empty = info
	Console        bool   // human-readable console writer instead of JSON
	File           string // optional rotating log file; empty = stderr only
	FileMaxSizeMB  int    // rotate threshold, defaults to 20
	FileMaxBackups int    // rotated files kept, defaults to 5
}

var (
	once sync.Once
	base zerolog.Logger
)

// Configure initialises the global logger exactly once. Later calls are
// no-ops, so packages may call it defensively.
func Configure(cfg Config) {
	once.Do(func() {
		level := zerolog.InfoLevel
		if cfg.Level != "" {
			if parsed, err := zerolog.ParseLevel(strings.ToLower(cfg.Level)); err == nil {
				level = parsed
			}
		}
		if os.Getenv("ACPROXYCAM_VERBOSE") == "1" {
			level = zerolog.DebugLevel
		}
		zerolog.SetGlobalLevel(level)
		zerolog.TimeFieldFormat = time.RFC3339

		var writer io.Writer = os.Stderr
		if cfg.Console {
			writer = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
		}
		if cfg.File != "" {
			maxSize := cfg.FileMaxSizeMB
			if maxSize <= 0 {
				maxSize = 20
			}
			maxBackups := cfg.FileMaxBackups
			if maxBackups <= 0 {
				maxBackups = 5
			}
			rotating := &lumberjack.Logger{
				Filename:   cfg.File,
				MaxSize:    maxSize,
				MaxBackups: maxBackups,
			}
			writer = zerolog.MultiLevelWriter(writer, rotating)
		}

		base = zerolog.New(writer).With().Timestamp().Logger()
	})
}

// Base returns the configured base logger.
func Base() zerolog.Logger {
	Configure(Config{})
	return base
}

// WithComponent returns a child logger tagged with the component name.
func WithComponent(component string) zerolog.Logger {
	return Base().With().Str("component", component).Logger()
}

// WithPrinter returns a child logger tagged with component and printer name.
func WithPrinter(component, printer string) zerolog.Logger {
	return Base().With().Str("component", component).Str("printer", printer).Logger()
}
