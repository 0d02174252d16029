package applog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewLevelFromEnv(t *testing.T) {
	tests := []struct {
		name      string
		level     string
		wantDebug bool
		wantInfo  bool
	}{
		{name: "unset", level: "", wantDebug: false, wantInfo: true},
		{name: "debug", level: "debug", wantDebug: true, wantInfo: true},
		{name: "warn", level: "WARN", wantDebug: false, wantInfo: false},
		{name: "garbage falls back to info", level: "chatty", wantDebug: false, wantInfo: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("LOG_LEVEL", tt.level)
			t.Setenv("ENVIRONMENT", "production")

			logger, err := New("weather-test")
			require.NoError(t, err)

			core := logger.Desugar().Core()
			assert.Equal(t, tt.wantDebug, core.Enabled(zapcore.DebugLevel))
			assert.Equal(t, tt.wantInfo, core.Enabled(zapcore.InfoLevel))
		})
	}
}

func TestSyncNilLogger(t *testing.T) {
	t.Parallel()
	assert.NotPanics(t, func() { Sync(nil) })
}
