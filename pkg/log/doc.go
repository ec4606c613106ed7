// Package log provides structured, context-aware logging for verinode
// with optional distributed-tracing integration.
//
// The package centers on the Logger interface. Three implementations are
// provided:
//
//   - ZapLogger: production logger built on Uber's zap, with console,
//     logfmt and json output formats
//   - NoopLogger: discards everything; the safe default and test filler
//   - SpanLogger: decorator that mirrors log lines onto an OpenTelemetry
//     span via a SpanEventRecorder
//
// # Basic usage
//
//	logger := log.NewZapLogger(log.Config{Format: "logfmt", Level: log.LevelInfo})
//	logger.Info("node started", "listenAddr", addr)
//
// # Context integration
//
// Handlers pass loggers through contexts rather than globals:
//
//	ctx = log.SetContextLogger(ctx, logger)
//	log.FromContext(ctx).Debug("verifying signature", "scheme", scheme)
//
// When the context carries a valid OpenTelemetry span, SetContextLogger
// transparently wraps the logger with a SpanLogger so every log line is
// also recorded as a span event; Error and Fatal mark the span failed.
package log
