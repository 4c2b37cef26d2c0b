// Package logging builds the process logger from configuration
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/mihaimyh/scrapemeter/internal/config"
	"github.com/mihaimyh/scrapemeter/pkg/scrapemeter"
	zapadapter "github.com/mihaimyh/scrapemeter/pkg/scrapemeter/logger/zap"
	zerologadapter "github.com/mihaimyh/scrapemeter/pkg/scrapemeter/logger/zerolog"
)

// Logger is a scrapemeter.Logger that must be closed to flush and release the log file
type Logger interface {
	scrapemeter.Logger
	Close() error
}

// New creates a logger from cfg. Console output goes to stderr.
func New(cfg config.LoggingConfig) (Logger, error) {
	return newLogger(cfg, os.Stderr)
}

func newLogger(cfg config.LoggingConfig, console io.Writer) (Logger, error) {
	var file *lumberjack.Logger
	if cfg.Output != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Output), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		file = &lumberjack.Logger{
			Filename:   cfg.Output,
			MaxSize:    cfg.MaxSize, // MB
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge, // days
			Compress:   cfg.Compress,
		}
	}

	switch cfg.Backend {
	case "zerolog":
		return newZerolog(cfg, console, file), nil
	case "", "zap":
		return newZap(cfg, console, file), nil
	default:
		return nil, fmt.Errorf("unknown logging backend %q", cfg.Backend)
	}
}

type zapLogger struct {
	*zapadapter.Logger
	file *lumberjack.Logger
}

func (l *zapLogger) Close() error {
	_ = l.Sync()
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

func newZap(cfg config.LoggingConfig, console io.Writer, file *lumberjack.Logger) Logger {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	consoleEncoder := zapcore.NewJSONEncoder(encoderConfig)
	if cfg.Format == "console" {
		colored := encoderConfig
		colored.EncodeLevel = zapcore.CapitalColorLevelEncoder
		consoleEncoder = zapcore.NewConsoleEncoder(colored)
	}

	cores := []zapcore.Core{zapcore.NewCore(consoleEncoder, zapcore.AddSync(console), level)}
	// Files always get JSON.
	if file != nil {
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.AddSync(file), level))
	}

	logger := zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddCallerSkip(1), zap.AddStacktrace(zapcore.ErrorLevel))
	return &zapLogger{Logger: zapadapter.NewLogger(logger), file: file}
}

type zerologLogger struct {
	*zerologadapter.Logger
	file *lumberjack.Logger
}

func (l *zerologLogger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

func newZerolog(cfg config.LoggingConfig, console io.Writer, file *lumberjack.Logger) Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	out := console
	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: console}
	}
	if file != nil {
		out = zerolog.MultiLevelWriter(out, file)
	}

	logger := zerolog.New(out).Level(level).With().Timestamp().Logger()
	return &zerologLogger{Logger: zerologadapter.NewLogger(&logger), file: file}
}
