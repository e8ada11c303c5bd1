// Package logging builds the process-wide structured logger.
//
// This is ambient/operational logging only — startup, storage errors,
// worker iteration failures. The recorded domain event log is pure data
// and never flows through this logger.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a zap.Logger for the given level name ("debug", "info",
// "warn", "error") and output mode. JSON output is used in production;
// console output is easier to read during local development.
func New(level string, jsonOutput bool) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      false,
		Encoding:         "console",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	if jsonOutput {
		cfg.Encoding = "json"
	}

	return cfg.Build()
}

// Must builds a logger or panics. Intended for process startup only.
func Must(level string, jsonOutput bool) *zap.Logger {
	logger, err := New(level, jsonOutput)
	if err != nil {
		panic(err)
	}
	return logger
}
