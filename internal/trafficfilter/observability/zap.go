// Package observability provides a zap-backed logger.
package observability

import (
	"sort"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapLogger adapts a zap logger to the Logger interface.
type ZapLogger struct {
	l *zap.Logger
}

// NewZapLogger builds a production logger at the given level. Encoding is
// "json" or "console"; empty picks json.
func NewZapLogger(level, encoding string) (*ZapLogger, error) {
	cfg := zap.NewProductionConfig()
	if level != "" {
		parsed, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, err
		}
		cfg.Level = zap.NewAtomicLevelAt(parsed)
	}
	if encoding != "" {
		cfg.Encoding = encoding
	}
	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return &ZapLogger{l: logger}, nil
}

// WrapZap adapts an existing zap logger.
func WrapZap(l *zap.Logger) *ZapLogger {
	return &ZapLogger{l: l}
}

// Debug logs a debug message.
func (z *ZapLogger) Debug(msg string, fields map[string]any) {
	if z == nil || z.l == nil {
		return
	}
	z.l.Debug(msg, zapFields(fields)...)
}

// Info logs an info message.
func (z *ZapLogger) Info(msg string, fields map[string]any) {
	if z == nil || z.l == nil {
		return
	}
	z.l.Info(msg, zapFields(fields)...)
}

// Warn logs a warning message.
func (z *ZapLogger) Warn(msg string, fields map[string]any) {
	if z == nil || z.l == nil {
		return
	}
	z.l.Warn(msg, zapFields(fields)...)
}

// Error logs an error message.
func (z *ZapLogger) Error(msg string, fields map[string]any) {
	if z == nil || z.l == nil {
		return
	}
	z.l.Error(msg, zapFields(fields)...)
}

// Sync flushes buffered log entries.
func (z *ZapLogger) Sync() {
	if z == nil || z.l == nil {
		return
	}
	_ = z.l.Sync()
}

func zapFields(fields map[string]any) []zap.Field {
	if len(fields) == 0 {
		return nil
	}
	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	out := make([]zap.Field, 0, len(keys))
	for _, key := range keys {
		out = append(out, zap.Any(key, fields[key]))
	}
	return out
}
