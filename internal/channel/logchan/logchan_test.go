package logchan

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"alert-dispatcher/internal/channel"
	"alert-dispatcher/internal/logger"
)

func TestSend(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	c := New(&logger.Logger{Logger: zap.New(core)})
	assert.Equal(t, "log", c.Name())

	err := c.Send(context.Background(), channel.Message{
		NotificationID: "n-1",
		RuleName:       "large_swap",
		Title:          "Large swap",
		Content:        "15000 USD",
		IsUrgent:       true,
	})
	require.NoError(t, err)

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "notification", entries[0].Message)
	fields := entries[0].ContextMap()
	assert.Equal(t, "log", fields["channel"])
	assert.Equal(t, "large_swap", fields["rule"])
	assert.Equal(t, "Large swap", fields["title"])
	assert.Equal(t, true, fields["urgent"])
}

func TestSendCancelled(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	c := New(&logger.Logger{Logger: zap.New(core)})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, c.Send(ctx, channel.Message{Title: "t"}), context.Canceled)
	assert.Zero(t, logs.Len())
}
