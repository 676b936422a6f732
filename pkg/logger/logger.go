// Package logger builds the zap logger every kurodb component takes at
// construction. Core packages fall back to zap.NewNop when handed nil, so
// this setup only runs in binaries that want real output.
package logger

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds all the configuration for the logger.
type Config struct {
	// Level sets the minimum log level (e.g., "debug", "info", "warn",
	// "error"). Empty means "info".
	Level string `yaml:"level"`
	// Format specifies the log output format, "json" or "console".
	Format string `yaml:"format"`
	// OutputFile is where logs go: a file path, "stdout" or "stderr".
	OutputFile string `yaml:"output_file"`
	// Development makes DPanic-level entries panic and records stack traces
	// from warn level up, for local debugging runs.
	Development bool `yaml:"development"`
}

// New builds a zap.Logger from the configuration. It is designed to be
// called once at startup; an invalid level or unwritable output file is a
// construction error, not a silent fallback.
func New(config Config) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if config.Level != "" {
		parsed, err := zapcore.ParseLevel(config.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", config.Level, err)
		}
		level = parsed
	}

	encoding := "json"
	if strings.EqualFold(config.Format, "console") {
		encoding = "console"
	}

	output := config.OutputFile
	if output == "" {
		output = "stdout"
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      config.Development,
		Encoding:         encoding,
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{output},
		ErrorOutputPaths: []string{"stderr"},
		InitialFields:    map[string]interface{}{"service": "kurodb"},
	}

	log, err := zapConfig.Build(zap.AddCaller())
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return log, nil
}
