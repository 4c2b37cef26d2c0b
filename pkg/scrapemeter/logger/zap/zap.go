// Package zap adapts go.uber.org/zap to scrapemeter.Logger.
package zap

import (
	"go.uber.org/zap"

	"github.com/mihaimyh/scrapemeter/pkg/scrapemeter"
)

// Logger implements scrapemeter.Logger using zap.
type Logger struct {
	logger *zap.Logger
}

// NewLogger creates a new zap logger adapter.
func NewLogger(logger *zap.Logger) *Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Logger{logger: logger}
}

func (l *Logger) Debug(msg string, fields ...scrapemeter.Field) {
	l.logger.Debug(msg, convert(fields)...)
}

func (l *Logger) Info(msg string, fields ...scrapemeter.Field) {
	l.logger.Info(msg, convert(fields)...)
}

func (l *Logger) Warn(msg string, fields ...scrapemeter.Field) {
	l.logger.Warn(msg, convert(fields)...)
}

func (l *Logger) Error(msg string, fields ...scrapemeter.Field) {
	l.logger.Error(msg, convert(fields)...)
}

// Sync flushes buffered entries
func (l *Logger) Sync() error {
	return l.logger.Sync()
}

func convert(fields []scrapemeter.Field) []zap.Field {
	if len(fields) == 0 {
		return nil
	}
	out := make([]zap.Field, 0, len(fields))
	for _, f := range fields {
		if err, ok := f.Value.(error); ok {
			out = append(out, zap.NamedError(f.Key, err))
			continue
		}
		out = append(out, zap.Any(f.Key, f.Value))
	}
	return out
}
