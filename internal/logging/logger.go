// Package logging provides structured logging for the control engine with
// consistent formatting and context support. It wraps zap to provide leveled
// logging with key-value pairs; real-time stages log only through this
// package so that output can be silenced or redirected without touching the
// loop code.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level represents a log level.
type Level int

const (
	// LevelDebug is for verbose debugging information.
	LevelDebug Level = iota
	// LevelInfo is for general informational messages.
	LevelInfo
	// LevelWarn is for recoverable errors and warnings.
	LevelWarn
	// LevelError is for significant errors that may impact functionality.
	LevelError
)

func (l Level) zapLevel() zapcore.Level {
	switch l {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelInfo:
		return zapcore.InfoLevel
	case LevelWarn:
		return zapcore.WarnLevel
	default:
		return zapcore.ErrorLevel
	}
}

// Logger provides structured logging with context fields.
type Logger struct {
	sugar *zap.SugaredLogger
	level zap.AtomicLevel
}

// defaultLogger is the package-level logger.
var defaultLogger = New()

// New creates a new Logger with default settings. The default level is Warn:
// the control loop must never pay for log formatting on the hot path unless
// explicitly asked to.
func New() *Logger {
	level := zap.NewAtomicLevelAt(zapcore.WarnLevel)
	cfg := zap.NewProductionConfig()
	cfg.Level = level
	cfg.DisableStacktrace = true
	z, err := cfg.Build()
	if err != nil {
		z = zap.NewNop()
	}
	return &Logger{sugar: z.Sugar(), level: level}
}

// NewNop returns a Logger that discards everything. Used in tests.
func NewNop() *Logger {
	return &Logger{sugar: zap.NewNop().Sugar(), level: zap.NewAtomicLevel()}
}

// SetLevel sets the minimum log level.
func (l *Logger) SetLevel(level Level) {
	l.level.SetLevel(level.zapLevel())
}

// With returns a new Logger with additional context fields.
func (l *Logger) With(keyVals ...interface{}) *Logger {
	return &Logger{sugar: l.sugar.With(keyVals...), level: l.level}
}

// Debug logs at debug level.
func (l *Logger) Debug(msg string, keyVals ...interface{}) {
	l.sugar.Debugw(msg, keyVals...)
}

// Info logs at info level.
func (l *Logger) Info(msg string, keyVals ...interface{}) {
	l.sugar.Infow(msg, keyVals...)
}

// Warn logs at warn level (for recoverable errors).
func (l *Logger) Warn(msg string, keyVals ...interface{}) {
	l.sugar.Warnw(msg, keyVals...)
}

// Error logs at error level (for significant errors).
func (l *Logger) Error(msg string, keyVals ...interface{}) {
	l.sugar.Errorw(msg, keyVals...)
}

// Sync flushes buffered log entries.
func (l *Logger) Sync() error {
	return l.sugar.Sync()
}

// Package-level functions that use the default logger.

// SetLevel sets the minimum log level for the default logger.
func SetLevel(level Level) {
	defaultLogger.SetLevel(level)
}

// With returns a new Logger with additional context from the default logger.
func With(keyVals ...interface{}) *Logger {
	return defaultLogger.With(keyVals...)
}

// Debug logs at debug level using the default logger.
func Debug(msg string, keyVals ...interface{}) {
	defaultLogger.Debug(msg, keyVals...)
}

// Info logs at info level using the default logger.
func Info(msg string, keyVals ...interface{}) {
	defaultLogger.Info(msg, keyVals...)
}

// Warn logs at warn level using the default logger.
func Warn(msg string, keyVals ...interface{}) {
	defaultLogger.Warn(msg, keyVals...)
}

// Error logs at error level using the default logger.
func Error(msg string, keyVals ...interface{}) {
	defaultLogger.Error(msg, keyVals...)
}
