// Package applog builds the zap sugared logger used by the bridge and listener processes.
// Level comes from LOG_LEVEL (default info); ENVIRONMENT=production switches to the JSON encoder.
package applog

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a logger tagged with the service name.
func New(service string) (*zap.SugaredLogger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(os.Getenv("LOG_LEVEL")))); err != nil {
		level = zapcore.InfoLevel
	}

	var cfg zap.Config
	if strings.EqualFold(strings.TrimSpace(os.Getenv("ENVIRONMENT")), "production") {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.OutputPaths = []string{"stdout"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("logger build failed: %w", err)
	}
	return logger.Sugar().With("service", service), nil
}

// Sync flushes buffered entries; stdout sync errors on terminals are ignored.
func Sync(logger *zap.SugaredLogger) {
	if logger == nil {
		return
	}
	if err := logger.Sync(); err != nil && !strings.Contains(err.Error(), "invalid argument") &&
		!strings.Contains(err.Error(), "inappropriate ioctl") {
		fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", err)
	}
}
