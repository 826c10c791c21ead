package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alert-dispatcher/internal/broker"
	"alert-dispatcher/internal/channel"
	"alert-dispatcher/internal/logger"
	"alert-dispatcher/internal/metrics"
	"alert-dispatcher/internal/rule"
)

func TestSource(t *testing.T) {
	client := NewMockClient()
	conn := NewConnectionWithClient(client, logger.NewNopLogger(), nil)

	var events []rule.Event
	sink := func(e rule.Event) error {
		events = append(events, e)
		return nil
	}

	src := NewSource(conn, []string{"chain/eth/swap", "alerts/#"}, 1, sink, logger.NewNopLogger(), nil)
	assert.Equal(t, "mqtt", src.Name())
	require.NoError(t, src.Start(context.Background()))
	assert.True(t, src.IsSubscribed())
	assert.Equal(t, 2, client.subscribeCount())

	client.deliver("chain/eth/swap", []byte(`{"fields":{"amount_usd":15000}}`))
	client.deliver("chain/eth/swap", []byte(`{"type":"swap"}`))
	client.deliver("chain/eth/swap", []byte(`{`))

	require.Len(t, events, 2)
	assert.Equal(t, "chain.eth.swap", events[0].Type)
	assert.Equal(t, "swap", events[1].Type)

	stats := src.GetStats()
	assert.Equal(t, uint64(3), stats.Received)
	assert.Equal(t, uint64(2), stats.Delivered)
	assert.Equal(t, uint64(1), stats.DecodeErrors)

	src.Close()
	assert.False(t, src.IsSubscribed())
	assert.ElementsMatch(t, []string{"chain/eth/swap", "alerts/#"}, client.unsubscribes)
}

func TestSourceStartErrors(t *testing.T) {
	sink := func(rule.Event) error { return nil }

	t.Run("not connected", func(t *testing.T) {
		client := NewMockClient()
		conn := NewConnectionWithClient(client, logger.NewNopLogger(), nil)
		conn.connected.Store(false)
		src := NewSource(conn, []string{"a"}, 0, sink, logger.NewNopLogger(), nil)
		assert.Error(t, src.Start(context.Background()))
	})

	t.Run("subscribe fails", func(t *testing.T) {
		client := NewMockClient()
		subErr := errors.New("not authorized")
		client.subscribeFunc = func(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
			return NewFailedToken(subErr)
		}
		conn := NewConnectionWithClient(client, logger.NewNopLogger(), nil)
		src := NewSource(conn, []string{"a"}, 0, sink, logger.NewNopLogger(), nil)
		assert.ErrorIs(t, src.Start(context.Background()), subErr)
		assert.False(t, src.IsSubscribed())
	})
}

func TestReconnectResubscribes(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := metrics.NewMetrics(reg)
	require.NoError(t, err)

	client := NewMockClient()
	conn := NewConnectionWithClient(client, logger.NewNopLogger(), m)
	src := NewSource(conn, []string{"a/b"}, 0, func(rule.Event) error { return nil }, logger.NewNopLogger(), m)

	// Connecting before Start does not subscribe.
	conn.handleConnect(client)
	assert.Equal(t, 0, client.subscribeCount())

	require.NoError(t, src.Start(context.Background()))
	assert.Equal(t, 1, client.subscribeCount())

	conn.handleDisconnect(client, errors.New("network down"))
	assert.False(t, conn.IsConnected())

	conn.handleConnect(client)
	assert.True(t, conn.IsConnected())
	assert.Equal(t, 2, client.subscribeCount())
	assert.Equal(t, uint64(1), src.GetStats().Reconnects)

	expected := `
# HELP alert_dispatcher_broker_reconnects_total Broker reconnections
# TYPE alert_dispatcher_broker_reconnects_total counter
alert_dispatcher_broker_reconnects_total{broker="mqtt"} 2
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "alert_dispatcher_broker_reconnects_total"))
}

func TestPublisher(t *testing.T) {
	client := NewMockClient()
	conn := NewConnectionWithClient(client, logger.NewNopLogger(), nil)

	_, err := NewPublisher(conn, "alerts/+", 0)
	assert.Error(t, err)
	_, err = NewPublisher(conn, "", 0)
	assert.Error(t, err)

	p, err := NewPublisher(conn, "alerts/out", 1)
	require.NoError(t, err)
	assert.Equal(t, "mqtt", p.Name())

	require.NoError(t, p.Send(context.Background(), channel.Message{
		NotificationID: "n-1",
		RuleName:       "large_swap",
		Title:          "Large swap",
	}))
	require.Len(t, client.published["alerts/out"], 1)
	var n broker.Notification
	require.NoError(t, json.Unmarshal(client.published["alerts/out"][0], &n))
	assert.Equal(t, "n-1", n.ID)
	assert.Equal(t, "Large swap", n.Title)
}

func TestPublisherErrors(t *testing.T) {
	t.Run("not connected", func(t *testing.T) {
		client := NewMockClient()
		conn := NewConnectionWithClient(client, logger.NewNopLogger(), nil)
		conn.Close()
		p, err := NewPublisher(conn, "out", 0)
		require.NoError(t, err)
		err = p.Send(context.Background(), channel.Message{})
		require.Error(t, err)
		assert.False(t, channel.IsPermanent(err))
	})

	t.Run("publish fails", func(t *testing.T) {
		client := NewMockClient()
		client.publishFunc = func(string, byte, bool, interface{}) mqtt.Token {
			return NewFailedToken(errors.New("broker gone"))
		}
		p, err := NewPublisher(NewConnectionWithClient(client, logger.NewNopLogger(), nil), "out", 0)
		require.NoError(t, err)
		assert.ErrorContains(t, p.Send(context.Background(), channel.Message{}), "broker gone")
	})

	t.Run("context ends before ack", func(t *testing.T) {
		client := NewMockClient()
		client.publishFunc = func(string, byte, bool, interface{}) mqtt.Token {
			return NewPendingToken()
		}
		p, err := NewPublisher(NewConnectionWithClient(client, logger.NewNopLogger(), nil), "out", 1)
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		go cancel()
		assert.ErrorIs(t, p.Send(ctx, channel.Message{}), context.Canceled)
	})
}
