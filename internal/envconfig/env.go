// Package envconfig reads typed settings from the environment with logged defaults.
package envconfig

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// Env reads environment variables and logs every fallback it applies.
type Env struct {
	logger *zap.SugaredLogger
	lookup func(string) string
}

// New returns an Env backed by os.Getenv.
func New(logger *zap.SugaredLogger) *Env {
	return &Env{logger: logger, lookup: os.Getenv}
}

// NewWithLookup returns an Env backed by an arbitrary lookup; used in tests.
func NewWithLookup(logger *zap.SugaredLogger, lookup func(string) string) *Env {
	return &Env{logger: logger, lookup: lookup}
}

// LoadDotEnv loads files (default ".env") into the process environment.
// A missing file is not an error; existing variables are never overridden.
func LoadDotEnv(logger *zap.SugaredLogger, files ...string) error {
	if err := godotenv.Load(files...); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logger.Debugw("no .env file found; using process environment")
			return nil
		}
		return fmt.Errorf("dotenv load failed: %w", err)
	}
	logger.Infow("dotenv file loaded", "files", files)
	return nil
}

func (e *Env) raw(key string) string {
	return strings.TrimSpace(e.lookup(key))
}

// String returns the value of key or fallback when unset/blank.
func (e *Env) String(key, fallback string) string {
	value := e.raw(key)
	if value == "" {
		e.logger.Debugw("env not set; using default", "key", key, "default", fallback)
		return fallback
	}
	return value
}

// CSV parses a comma-separated value into a trimmed slice.
func (e *Env) CSV(key string, fallback []string) []string {
	raw := e.raw(key)
	if raw == "" {
		e.logger.Debugw("env not set; using default list", "key", key, "default", fallback)
		return fallback
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	if len(out) == 0 {
		e.logger.Debugw("env parsed empty list; using fallback", "key", key, "default", fallback)
		return fallback
	}
	return out
}

// Int parses an integer value with fallback.
func (e *Env) Int(key string, fallback int) (int, error) {
	raw := e.raw(key)
	if raw == "" {
		e.logger.Debugw("env not set; using default int", "key", key, "default", fallback)
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return value, nil
}

// Duration parses a time.Duration value with fallback.
func (e *Env) Duration(key string, fallback time.Duration) (time.Duration, error) {
	raw := e.raw(key)
	if raw == "" {
		e.logger.Debugw("env not set; using default duration", "key", key, "default", fallback)
		return fallback, nil
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be a valid duration: %w", key, err)
	}
	return value, nil
}

// Bool parses a boolean value with fallback.
func (e *Env) Bool(key string, fallback bool) (bool, error) {
	raw := e.raw(key)
	if raw == "" {
		e.logger.Debugw("env not set; using default bool", "key", key, "default", fallback)
		return fallback, nil
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s must be a boolean: %w", key, err)
	}
	return value, nil
}
