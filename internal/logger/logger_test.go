package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"alert-dispatcher/config"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *config.LogConfig
		wantErr bool
	}{
		{
			name: "valid config",
			cfg: &config.LogConfig{
				Level:      "info",
				OutputPath: "stdout",
				Encoding:   "json",
			},
			wantErr: false,
		},
		{
			name: "console encoding",
			cfg: &config.LogConfig{
				Level:      "warn",
				OutputPath: "stdout",
				Encoding:   "console",
			},
			wantErr: false,
		},
		{
			name:    "nil config",
			cfg:     nil,
			wantErr: true,
		},
		{
			name: "invalid level",
			cfg: &config.LogConfig{
				Level:      "invalid",
				OutputPath: "stdout",
				Encoding:   "json",
			},
			wantErr: false, // defaults to info level
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := NewLogger(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				assert.Nil(t, logger)
			} else {
				assert.NoError(t, err)
				assert.NotNil(t, logger)
			}
		})
	}
}

func TestLoggerMethods(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	logger := &Logger{Logger: zap.New(core)}

	logger.Debug("debug message", "key", "value")
	logger.Info("info message", "key", "value")
	logger.Warn("warn message", "key", "value")
	logger.Error("error message", "key", "value")

	entries := logs.All()
	assert.Len(t, entries, 4)
	assert.Equal(t, "info message", entries[1].Message)
	assert.Equal(t, "value", entries[1].ContextMap()["key"])
}

func TestLoggerWith(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	logger := (&Logger{Logger: zap.New(core)}).With("rule", "cpu_high")

	logger.Info("matched", "eventType", "metric")

	entries := logs.All()
	assert.Len(t, entries, 1)
	ctx := entries[0].ContextMap()
	assert.Equal(t, "cpu_high", ctx["rule"])
	assert.Equal(t, "metric", ctx["eventType"])
}

func TestNopLogger(t *testing.T) {
	logger := NewNopLogger()
	logger.Info("dropped", "k", 1)
	assert.NoError(t, logger.Sync())
}
