package logger

import "context"

// LoggerContext accumulates key/value pairs over the course of a single
// operation so that every record written through it carries them.
type LoggerContext struct {
	logger *Logger
	fields []any
}

// NewLoggerContext wraps l for field accumulation.
func NewLoggerContext(l *Logger) *LoggerContext { return &LoggerContext{logger: l} }

// Add appends a key/value pair to every subsequent record.
func (lc *LoggerContext) Add(key string, value any) { lc.fields = append(lc.fields, key, value) }

func (lc *LoggerContext) args(args []any) []any {
	out := make([]any, 0, len(lc.fields)+len(args))
	out = append(out, lc.fields...)
	return append(out, args...)
}

// Debug logs at LevelDebug including the accumulated fields.
func (lc *LoggerContext) Debug(ctx context.Context, msg string, args ...any) {
	lc.logger.Debugc(ctx, 4, msg, lc.args(args)...)
}

// Info logs at LevelInfo including the accumulated fields.
func (lc *LoggerContext) Info(ctx context.Context, msg string, args ...any) {
	lc.logger.Infoc(ctx, 4, msg, lc.args(args)...)
}

// Warn logs at LevelWarn including the accumulated fields.
func (lc *LoggerContext) Warn(ctx context.Context, msg string, args ...any) {
	lc.logger.Warn(ctx, msg, lc.args(args)...)
}

// Error logs at LevelError including the accumulated fields.
func (lc *LoggerContext) Error(ctx context.Context, msg string, args ...any) {
	lc.logger.Error(ctx, msg, lc.args(args)...)
}
