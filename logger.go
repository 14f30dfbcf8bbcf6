package main

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// loggerConfig is zap's production config tuned for an MCP process: JSON to
// stderr or a file, never stdout, which the stdio transport owns. Sampling
// is off so every tool call is logged.
func loggerConfig(logFile, logLevel string) (zap.Config, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(parseLogLevel(logLevel))
	cfg.Sampling = nil
	cfg.DisableStacktrace = true
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.InitialFields = map[string]any{"service": serverName}

	sink := "stderr"
	if logFile != "" {
		path, err := expandPath(logFile)
		if err != nil {
			return zap.Config{}, err
		}
		sink = path
	}
	cfg.OutputPaths = []string{sink}
	cfg.ErrorOutputPaths = []string{sink}
	return cfg, nil
}

func buildLogger(logFile, logLevel string) (*zap.Logger, error) {
	cfg, err := loggerConfig(logFile, logLevel)
	if err != nil {
		return nil, err
	}

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger (%s): %w", strings.Join(cfg.OutputPaths, ","), err)
	}
	return logger, nil
}

// parseLogLevel falls back to info for unknown names.
func parseLogLevel(logLevel string) zapcore.Level {
	name := strings.ToLower(strings.TrimSpace(logLevel))
	if name == "warning" {
		name = "warn"
	}

	level, err := zapcore.ParseLevel(name)
	if err != nil {
		return zap.InfoLevel
	}
	return level
}
