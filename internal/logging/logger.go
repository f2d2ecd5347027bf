package logging

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	// FormatJSON emits structured production logs.
	FormatJSON = "json"
	// FormatConsole emits human-readable logs for interactive CLI commands.
	FormatConsole = "console"
)

// NewLogger returns a zap logger configured for the requested level and encoding.
func NewLogger(level, format string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if strings.EqualFold(strings.TrimSpace(format), FormatConsole) {
		cfg = zap.NewDevelopmentConfig()
		cfg.Encoding = FormatConsole
	}
	cfg.Level = zap.NewAtomicLevelAt(ParseLevel(level))

	return cfg.Build()
}

// ParseLevel maps a configuration string onto a zap level, defaulting to info.
func ParseLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
