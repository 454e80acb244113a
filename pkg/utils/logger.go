package utils

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LoggerName prefixes every log entry written by the service and CLI.
const LoggerName = "visionquery"

// NewLogger builds the service logger. Debug selects zap's development config (console
// output, debug level, stack traces on warn); otherwise JSON at info level with ISO-8601
// timestamps and stack traces only on error.
func NewLogger(debug bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if debug {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.Named(LoggerName), nil
}
