// Package logging builds the zap logger shared by every etsy-mcp component.
// Output goes to stderr because stdout carries the stdio tool protocol.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options configures the logger.
type Options struct {
	Level       string // debug, info, warn, error
	Development bool   // console encoder instead of JSON
	File        string // optional log file, appended to
	Stderr      io.Writer
}

// New returns a logger and a function that flushes and closes its sinks.
// A log file that cannot be opened is not fatal: the logger falls back to
// stderr only and records a single warning.
func New(opts Options) (*zap.Logger, func(), error) {
	level, err := zapcore.ParseLevel(opts.Level)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid log level %q: %w", opts.Level, err)
	}

	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	var stderrEncoder zapcore.Encoder
	if opts.Development {
		stderrEncoder = zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	} else {
		stderrEncoder = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	}
	cores := []zapcore.Core{zapcore.NewCore(stderrEncoder, zapcore.AddSync(stderr), level)}

	var file *os.File
	var fileErr error
	if opts.File != "" {
		file, fileErr = openLogFile(opts.File)
		if fileErr == nil {
			cores = append(cores, zapcore.NewCore(
				zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
				zapcore.AddSync(file),
				level,
			))
		}
	}

	logger := zap.New(zapcore.NewTee(cores...), zap.AddCaller())
	if fileErr != nil {
		logger.Warn("log file unavailable, logging to stderr only",
			zap.String("path", opts.File), zap.Error(fileErr))
	}

	cleanup := func() {
		_ = logger.Sync()
		if file != nil {
			_ = file.Close()
		}
	}
	return logger, cleanup, nil
}

func openLogFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
}

// Redact returns a short prefix of a secret suitable for logs.
func Redact(token string) string {
	if len(token) <= 10 {
		return token
	}
	return token[:10] + "..."
}
