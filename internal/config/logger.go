package config

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Logger is the process-wide driver logger
	Logger *zap.Logger
)

// InitLogger initializes the driver logger from LOG_LEVEL.
// Sessions created without an explicit logger write through it.
func InitLogger() error {
	logger, err := NewLogger(os.Getenv("LOG_LEVEL"))
	if err != nil {
		return err
	}

	Logger = logger
	zap.ReplaceGlobals(Logger)
	return nil
}

// NewLogger builds a production JSON logger at the given level; an unknown level falls back to info
func NewLogger(level string) (*zap.Logger, error) {
	config := zap.NewProductionConfig()

	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.EncoderConfig.StacktraceKey = ""

	if level != "" {
		var lvl zapcore.Level
		if err := lvl.UnmarshalText([]byte(level)); err == nil {
			config.Level.SetLevel(lvl)
		}
	}

	return config.Build(zap.AddCaller())
}

// GetLogger returns the driver logger, or a no-op logger when InitLogger was never called
func GetLogger() *zap.Logger {
	if Logger == nil {
		return zap.NewNop()
	}
	return Logger
}

// Sync flushes any buffered log entries
func Sync() error {
	if Logger != nil {
		return Logger.Sync()
	}
	return nil
}
