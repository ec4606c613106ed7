package main

import (
	"context"
	"os"

	"github.com/ipfs/go-log/v2"
	"go.uber.org/zap"
)

// Logger is the structured logging interface used across the service.
// Variadic arguments are key-value pairs: ("identity", id, "scheme", s).
type Logger interface {
	Trace(msg string, keysAndValues ...any)
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
	Fatal(msg string, keysAndValues ...any)
	// With returns a logger that carries the key-value pair on every entry.
	With(key string, value any) Logger
	// NewSystem returns a logger for a named subsystem. Pairs accumulated
	// through With carry over to the new subsystem.
	NewSystem(name string) Logger
}

// NewLoggerIPFS returns a Logger backed by the go-log subsystem registry.
func NewLoggerIPFS(name string) Logger {
	return &ipfsLogger{
		sugar:  newSubsystemSugar(name),
		fields: []any{},
	}
}

type ipfsLogger struct {
	sugar *zap.SugaredLogger
	// fields are the accumulated With pairs, replayed onto subsystem
	// loggers created via NewSystem.
	fields []any
}

// newSubsystemSugar builds the zap sugar for a go-log subsystem with the
// caller skip adjusted for this wrapper.
func newSubsystemSugar(name string) *zap.SugaredLogger {
	return log.Logger(name).SugaredLogger.Desugar().WithOptions(zap.AddCallerSkip(1)).Sugar()
}

// Trace is below go-log's level range, so it is a no-op here.
func (l *ipfsLogger) Trace(_ string, _ ...any) {}

func (l *ipfsLogger) Debug(msg string, keysAndValues ...any) {
	l.sugar.Debugw(msg, keysAndValues...)
}

func (l *ipfsLogger) Info(msg string, keysAndValues ...any) {
	l.sugar.Infow(msg, keysAndValues...)
}

func (l *ipfsLogger) Warn(msg string, keysAndValues ...any) {
	l.sugar.Warnw(msg, keysAndValues...)
}

func (l *ipfsLogger) Error(msg string, keysAndValues ...any) {
	l.sugar.Errorw(msg, keysAndValues...)
}

func (l *ipfsLogger) Fatal(msg string, keysAndValues ...any) {
	l.sugar.Fatalw(msg, keysAndValues...)
}

func (l *ipfsLogger) With(key string, value any) Logger {
	return &ipfsLogger{
		sugar:  l.sugar.With(key, value),
		fields: append(l.fields, key, value),
	}
}

func (l *ipfsLogger) NewSystem(name string) Logger {
	return &ipfsLogger{
		sugar:  newSubsystemSugar(name).With(l.fields...),
		fields: []any{},
	}
}

type loggerContextKey struct{}

// SetContextLogger attaches the logger to the context.
func SetContextLogger(ctx context.Context, lg Logger) context.Context {
	return context.WithValue(ctx, loggerContextKey{}, lg)
}

// LoggerFromContext retrieves the logger stored in the context, or a
// fresh one when none is attached.
func LoggerFromContext(ctx context.Context) Logger {
	if l, ok := ctx.Value(loggerContextKey{}).(Logger); ok {
		return l
	}
	return NewLoggerIPFS("noop")
}

func init() {
	level := os.Getenv("VERINODE_LOG_LEVEL")
	if level == "" {
		level = "info"
	}
	parsed, err := log.Parse(level)
	if err != nil {
		parsed = log.LevelInfo
	}

	cfg := log.Config{
		Level:  parsed,
		Stderr: true,
	}
	if os.Getenv("VERINODE_LOG_JSON") == "true" {
		cfg.Format = log.JSONOutput
	}
	log.SetupLogging(cfg)
}
