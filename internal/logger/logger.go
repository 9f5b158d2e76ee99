// Package logger configures the global zerolog logger
package logger

import (
	"fmt"
	"io"
	"os"
	"time"

	rotatelogs "github.com/lestrrat-go/file-rotatelogs"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Rrens/llm-chat-relay/internal/config"
)

// Options controls where and how logs are written
type Options struct {
	Level        string
	Pretty       bool
	Output       io.Writer
	File         string
	MaxAge       time.Duration
	RotationTime time.Duration
}

// FromConfig builds options from the logging section; production disables pretty output
func FromConfig(cfg config.LoggingConfig, env string) Options {
	return Options{
		Level:        cfg.Level,
		Pretty:       env != "production" && cfg.Format != "json",
		File:         cfg.File,
		MaxAge:       cfg.MaxAge,
		RotationTime: cfg.RotationTime,
	}
}

// ParseLevel maps a level name to zerolog, defaulting to info
func ParseLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// New creates a logger and the closer for its file sink, if any
func New(opts Options) (zerolog.Logger, io.Closer, error) {
	output := opts.Output
	if output == nil {
		output = os.Stderr
	}
	if opts.Pretty {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	}

	var closer io.Closer = nopCloser{}
	if opts.File != "" {
		rotateOpts := []rotatelogs.Option{rotatelogs.WithLinkName(opts.File)}
		if opts.MaxAge > 0 {
			rotateOpts = append(rotateOpts, rotatelogs.WithMaxAge(opts.MaxAge))
		}
		if opts.RotationTime > 0 {
			rotateOpts = append(rotateOpts, rotatelogs.WithRotationTime(opts.RotationTime))
		}
		rl, err := rotatelogs.New(opts.File+".%Y%m%d", rotateOpts...)
		if err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("failed to open log file: %w", err)
		}
		output = zerolog.MultiLevelWriter(output, rl)
		closer = rl
	}

	l := zerolog.New(output).
		Level(ParseLevel(opts.Level)).
		With().
		Timestamp().
		Str("service", "llm-chat-relay").
		Logger()

	return l, closer, nil
}

// Init installs the logger as the global log.Logger
func Init(opts Options) (io.Closer, error) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	l, closer, err := New(opts)
	if err != nil {
		return nil, err
	}
	zerolog.SetGlobalLevel(ParseLevel(opts.Level))
	log.Logger = l
	return closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
