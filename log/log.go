// Copyright (C) 2025, Verwalter authors. All rights reserved.
// See the file LICENSE for licensing terms.

// Package log defines the structured logger used across the daemon.
package log

import "go.uber.org/zap"

// Logger is the structured logging interface every component depends
// on. Keeping it narrow means the election machine, the fetch client
// and the scheduler driver can be unit-tested with NoOp() instead of
// spinning up a real sink.
type Logger interface {
	Debug(msg string, fields ...zap.Field)
	Info(msg string, fields ...zap.Field)
	Warn(msg string, fields ...zap.Field)
	Error(msg string, fields ...zap.Field)

	// With returns a child logger that always includes fields.
	With(fields ...zap.Field) Logger
}

// zapLogger adapts *zap.Logger to Logger.
type zapLogger struct {
	l *zap.Logger
}

// New wraps a *zap.Logger as a Logger.
func New(l *zap.Logger) Logger {
	return &zapLogger{l: l}
}

// NewProduction builds a production zap-backed Logger, matching the
// daemon's default: JSON encoding, info level.
func NewProduction() (Logger, error) {
	l, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}
	return New(l), nil
}

func (z *zapLogger) Debug(msg string, fields ...zap.Field) { z.l.Debug(msg, fields...) }
func (z *zapLogger) Info(msg string, fields ...zap.Field)  { z.l.Info(msg, fields...) }
func (z *zapLogger) Warn(msg string, fields ...zap.Field)  { z.l.Warn(msg, fields...) }
func (z *zapLogger) Error(msg string, fields ...zap.Field) { z.l.Error(msg, fields...) }

func (z *zapLogger) With(fields ...zap.Field) Logger {
	return &zapLogger{l: z.l.With(fields...)}
}

// noop is a Logger that discards everything, used in tests and any
// embedding that hasn't wired a sink yet.
type noop struct{}

// NoOp returns a Logger that discards every call.
func NoOp() Logger { return noop{} }

func (noop) Debug(string, ...zap.Field) {}
func (noop) Info(string, ...zap.Field)  {}
func (noop) Warn(string, ...zap.Field)  {}
func (noop) Error(string, ...zap.Field) {}
func (n noop) With(...zap.Field) Logger { return n }
