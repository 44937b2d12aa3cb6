// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package rfb

import (
	"fmt"

	"github.com/rs/zerolog"
)

// Field represents a structured logging field with a key-value pair.
type Field struct {
	Key   string
	Value interface{}
}

// Logger defines the interface for structured logging throughout the engine.
type Logger interface {
	// Debug logs debug-level messages with optional structured fields.
	Debug(msg string, fields ...Field)

	// Info logs info-level messages with optional structured fields.
	Info(msg string, fields ...Field)

	// Warn logs warning-level messages with optional structured fields.
	Warn(msg string, fields ...Field)

	// Error logs error-level messages with optional structured fields.
	Error(msg string, fields ...Field)

	// With creates a new logger instance with the provided fields pre-populated.
	With(fields ...Field) Logger
}

// NoOpLogger is a Logger implementation that discards all log messages.
type NoOpLogger struct{}

// Debug discards debug-level log messages.
func (l *NoOpLogger) Debug(msg string, fields ...Field) {
}

// Info discards info-level log messages.
func (l *NoOpLogger) Info(msg string, fields ...Field) {
}

// Warn discards warning-level log messages.
func (l *NoOpLogger) Warn(msg string, fields ...Field) {
}

// Error discards error-level log messages.
func (l *NoOpLogger) Error(msg string, fields ...Field) {
}

// With returns a new NoOpLogger instance (ignores fields).
func (l *NoOpLogger) With(fields ...Field) Logger {
	return &NoOpLogger{}
}

// ZerologLogger adapts a zerolog.Logger to the Logger interface so that
// binaries using zerolog can receive the engine's structured log output.
type ZerologLogger struct {
	// Logger is the underlying zerolog logger.
	Logger zerolog.Logger
}

// NewZerologLogger creates a ZerologLogger wrapping the given zerolog logger.
func NewZerologLogger(logger zerolog.Logger) *ZerologLogger {
	return &ZerologLogger{Logger: logger}
}

// applyFields attaches structured fields to a zerolog event.
func applyFields(ev *zerolog.Event, fields []Field) *zerolog.Event {
	for _, field := range fields {
		switch v := field.Value.(type) {
		case string:
			ev = ev.Str(field.Key, v)
		case error:
			ev = ev.AnErr(field.Key, v)
		case bool:
			ev = ev.Bool(field.Key, v)
		case int:
			ev = ev.Int(field.Key, v)
		case int64:
			ev = ev.Int64(field.Key, v)
		case uint8:
			ev = ev.Uint8(field.Key, v)
		case uint16:
			ev = ev.Uint16(field.Key, v)
		case uint32:
			ev = ev.Uint32(field.Key, v)
		case uint64:
			ev = ev.Uint64(field.Key, v)
		default:
			ev = ev.Str(field.Key, fmt.Sprintf("%v", v))
		}
	}
	return ev
}

// Debug logs a debug-level message with structured fields.
func (l *ZerologLogger) Debug(msg string, fields ...Field) {
	applyFields(l.Logger.Debug(), fields).Msg(msg)
}

// Info logs an info-level message with structured fields.
func (l *ZerologLogger) Info(msg string, fields ...Field) {
	applyFields(l.Logger.Info(), fields).Msg(msg)
}

// Warn logs a warning-level message with structured fields.
func (l *ZerologLogger) Warn(msg string, fields ...Field) {
	applyFields(l.Logger.Warn(), fields).Msg(msg)
}

// Error logs an error-level message with structured fields.
func (l *ZerologLogger) Error(msg string, fields ...Field) {
	applyFields(l.Logger.Error(), fields).Msg(msg)
}

// With creates a new ZerologLogger instance with additional context fields.
func (l *ZerologLogger) With(fields ...Field) Logger {
	ctx := l.Logger.With()
	for _, field := range fields {
		ctx = ctx.Interface(field.Key, field.Value)
	}
	return &ZerologLogger{Logger: ctx.Logger()}
}
