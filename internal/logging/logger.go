// Package logging builds the process-wide slog logger.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	defaultMaxSizeMB  = 20
	defaultMaxBackups = 5
	defaultMaxAgeDays = 28
)

// Options configures New.
type Options struct {
	// Environment selects the format: JSON in production, text elsewhere.
	Environment string

	// Level overrides the environment's default level (debug, info, warn,
	// error).
	Level string

	// File, when set, also writes logs to a rotated file.
	File      string
	MaxSizeMB int
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// New creates a structured logger from opts. Production uses JSON format,
// everything else human-readable text. The returned closer flushes and
// closes the log file, if any.
func New(opts Options) (*slog.Logger, io.Closer, error) {
	level := slog.LevelDebug
	if opts.Environment == "production" {
		level = slog.LevelInfo
	}

	if opts.Level != "" {
		if err := level.UnmarshalText([]byte(strings.TrimSpace(opts.Level))); err != nil {
			return nil, nil, fmt.Errorf("parsing log level %q: %w", opts.Level, err)
		}
	}

	var (
		out    io.Writer = os.Stdout
		closer io.Closer = nopCloser{}
	)

	if opts.File != "" {
		size := opts.MaxSizeMB
		if size <= 0 {
			size = defaultMaxSizeMB
		}

		file := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    size,
			MaxBackups: defaultMaxBackups,
			MaxAge:     defaultMaxAgeDays,
			Compress:   true,
		}
		out = io.MultiWriter(os.Stdout, file)
		closer = file
	}

	handlerOpts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if opts.Environment == "production" {
		handler = slog.NewJSONHandler(out, handlerOpts)
	} else {
		handler = slog.NewTextHandler(out, handlerOpts)
	}

	return slog.New(handler), closer, nil
}
