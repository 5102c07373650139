// Package logging builds the process logger: logr on top of zap.
package logging

import (
	"fmt"
	"strings"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Verbosity levels passed to logr's V(). zapr maps V(n) to zap level -n.
const (
	DEFAULT = 0
	VERBOSE = 1
	DEBUG   = 2
	TRACE   = 3
)

// New returns a logger at the given level ("debug", "info", "warn", "error").
// Development mode switches to a human-readable console encoder.
func New(level string, development bool) (logr.Logger, error) {
	lvl, err := parseLevel(level)
	if err != nil {
		return logr.Discard(), err
	}

	var zc zap.Config
	if development {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)

	zl, err := zc.Build(zap.AddCaller())
	if err != nil {
		return logr.Discard(), fmt.Errorf("logging: build: %w", err)
	}
	return zapr.NewLogger(zl), nil
}

// NewTestLogger returns a development logger that emits everything down to TRACE.
func NewTestLogger() logr.Logger {
	zc := zap.NewDevelopmentConfig()
	zc.Level = zap.NewAtomicLevelAt(zapcore.Level(-TRACE))
	zl, err := zc.Build(zap.AddCaller())
	if err != nil {
		return logr.Discard()
	}
	return zapr.NewLogger(zl)
}

func parseLevel(level string) (zapcore.Level, error) {
	switch strings.ToLower(level) {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "debug":
		return zapcore.Level(-DEBUG), nil
	case "trace":
		return zapcore.Level(-TRACE), nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("logging: unknown level %q", level)
	}
}
