package logging

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger returns a zap logger configured for structured production logging.
// When filePath is set, entries are written to that file in addition to stderr.
func NewLogger(level string, filePath string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(ParseLevel(level))

	if path := strings.TrimSpace(filePath); path != "" {
		cfg.OutputPaths = append(cfg.OutputPaths, path)
		cfg.ErrorOutputPaths = append(cfg.ErrorOutputPaths, path)
	}

	return cfg.Build()
}

// ParseLevel maps a textual level to a zap level, falling back to info.
func ParseLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel
	case "info", "":
		return zapcore.InfoLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
