package logger

import "context"

// LoggerContext accumulates attributes over the course of an operation so that
// every subsequent log line carries them without re-deriving a child logger.
type LoggerContext struct {
	base  *Logger
	attrs []any
}

// NewLoggerContext wraps base so attributes can be added incrementally.
func NewLoggerContext(base *Logger) *LoggerContext {
	return &LoggerContext{base: base}
}

// Add appends key/value pairs to every subsequent log line.
func (lc *LoggerContext) Add(args ...any) { lc.attrs = append(lc.attrs, args...) }

// Logger returns a Logger carrying the accumulated attributes.
func (lc *LoggerContext) Logger() *Logger { return lc.base.With(lc.attrs...) }

func (lc *LoggerContext) Debug(ctx context.Context, msg string, args ...any) {
	lc.base.write(ctx, LevelDebug, 3, msg, append(lc.attrs[:len(lc.attrs):len(lc.attrs)], args...)...)
}

func (lc *LoggerContext) Info(ctx context.Context, msg string, args ...any) {
	lc.base.write(ctx, LevelInfo, 3, msg, append(lc.attrs[:len(lc.attrs):len(lc.attrs)], args...)...)
}

func (lc *LoggerContext) Warn(ctx context.Context, msg string, args ...any) {
	lc.base.write(ctx, LevelWarn, 3, msg, append(lc.attrs[:len(lc.attrs):len(lc.attrs)], args...)...)
}

func (lc *LoggerContext) Error(ctx context.Context, msg string, args ...any) {
	lc.base.write(ctx, LevelError, 3, msg, append(lc.attrs[:len(lc.attrs):len(lc.attrs)], args...)...)
}
