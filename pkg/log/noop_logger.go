package log

var _ Logger = NoopLogger{}

// NoopLogger discards every log message. It is the safe default when no
// logger has been configured, and keeps tests quiet.
type NoopLogger struct{}

// NewNoopLogger creates a logger that silently drops all output.
func NewNoopLogger() Logger {
	return NoopLogger{}
}

func (n NoopLogger) Debug(msg string, keysAndValues ...any) {}
func (n NoopLogger) Info(msg string, keysAndValues ...any)  {}
func (n NoopLogger) Warn(msg string, keysAndValues ...any)  {}
func (n NoopLogger) Error(msg string, keysAndValues ...any) {}
func (n NoopLogger) Fatal(msg string, keysAndValues ...any) {}

func (n NoopLogger) WithKV(key string, value any) Logger { return n }
func (n NoopLogger) GetAllKV() []any                     { return []any{} }
func (n NoopLogger) WithName(name string) Logger         { return n }
func (n NoopLogger) Name() string                        { return "noop" }
func (n NoopLogger) AddCallerSkip(skip int) Logger       { return n }
