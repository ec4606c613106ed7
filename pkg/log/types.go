package log

// Logger is the structured logging interface used across verinode.
// Messages carry optional key-value context pairs
// (e.g., "identity", id, "scheme", s).
type Logger interface {
	// Debug logs low-level diagnostic details.
	Debug(msg string, keysAndValues ...any)
	// Info logs routine application progress.
	Info(msg string, keysAndValues ...any)
	// Warn logs unexpected but recoverable situations.
	Warn(msg string, keysAndValues ...any)
	// Error logs failures that need attention.
	Error(msg string, keysAndValues ...any)
	// Fatal logs an unrecoverable failure and may terminate the program.
	Fatal(msg string, keysAndValues ...any)
	// WithKV returns a logger that attaches the key-value pair to all future logs.
	WithKV(key string, value any) Logger
	// GetAllKV returns the persistent key-value pairs carried by this logger.
	GetAllKV() []any
	// WithName returns a logger named after a component or subsystem.
	WithName(name string) Logger
	// Name returns the logger's name.
	Name() string
	// AddCallerSkip returns a logger that skips extra stack frames when
	// reporting the log source. Implementations that cannot honor it
	// return themselves.
	AddCallerSkip(skip int) Logger
}

// Level represents the severity of a log message.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
	LevelFatal Level = "fatal"
)

// SpanEventRecorder records log events and errors onto a trace span so
// log lines can be correlated with distributed traces.
type SpanEventRecorder interface {
	// TraceID returns the trace ID of the span.
	TraceID() string
	// SpanID returns the span ID of the span.
	SpanID() string
	// RecordEvent records an event with key-value attributes to the span.
	RecordEvent(name string, keysAndValues ...any)
	// RecordError records an error event and marks the span as failed.
	RecordError(name string, keysAndValues ...any)
}
