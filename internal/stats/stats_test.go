package stats

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alert-dispatcher/internal/broker"
	"alert-dispatcher/internal/dispatch"
)

// TestNewStatsCollector verifies the initialization of a new StatsCollector
func TestNewStatsCollector(t *testing.T) {
	collector := NewStatsCollector()

	assert.NotNil(t, collector, "StatsCollector should be created")
	assert.WithinDuration(t, time.Now(), collector.StartTime, 100*time.Millisecond, "StartTime should be close to current time")
	assert.WithinDuration(t, time.Now(), collector.LastUpdate, 100*time.Millisecond, "LastUpdate should be close to current time")
	assert.Equal(t, dispatch.Stats{}, collector.Dispatch(), "counters should start at zero")
}

// TestUpdate verifies the Update method of StatsCollector
func TestUpdate(t *testing.T) {
	collector := NewStatsCollector()

	testValues := []dispatch.Stats{
		{Received: 10, Matched: 8, Sent: 5, Failed: 1, SuppressedDedup: 2},
		{Received: 20, Matched: 18, Sent: 10, SuppressedRate: 3, Dropped: 1},
		{},
	}

	for _, testCase := range testValues {
		t.Run("Update Stats", func(t *testing.T) {
			beforeUpdate := collector.LastUpdate
			time.Sleep(time.Millisecond)

			collector.Update(testCase, 0, nil)

			assert.Equal(t, testCase, collector.Dispatch(), "counters should match")
			assert.True(t, collector.LastUpdate.After(beforeUpdate), "LastUpdate should be more recent")
		})
	}
}

// TestGetStats verifies the GetStats method
func TestGetStats(t *testing.T) {
	collector := NewStatsCollector()
	collector.Update(dispatch.Stats{
		Received:        100,
		Matched:         90,
		Triggered:       4,
		Sent:            50,
		Failed:          5,
		SuppressedDedup: 30,
		SuppressedRate:  5,
	}, 7, map[string]broker.Stats{
		"nats": {Received: 100, Delivered: 98, DecodeErrors: 2},
	})

	stats := collector.GetStats()

	for _, key := range []string{"uptime", "events_received", "rules_matched", "sent", "failed", "suppressed_dedup", "suppressed_rate", "dropped", "queue_depth", "sources", "last_update"} {
		assert.Contains(t, stats, key)
	}
	assert.Equal(t, uint64(100), stats["events_received"])
	assert.Equal(t, uint64(90), stats["rules_matched"])
	assert.Equal(t, uint64(4), stats["triggered"])
	assert.Equal(t, uint64(50), stats["sent"])
	assert.Equal(t, uint64(30), stats["suppressed_dedup"])
	assert.Equal(t, 7, stats["queue_depth"])

	sources := stats["sources"].(map[string]interface{})
	nats := sources["nats"].(map[string]interface{})
	assert.Equal(t, uint64(98), nats["delivered"])
	assert.Equal(t, uint64(2), nats["decode_errors"])
}

// TestGetStatsJSON verifies JSON marshaling of stats
func TestGetStatsJSON(t *testing.T) {
	c := NewStatsCollector()
	c.Update(dispatch.Stats{Received: 100, Matched: 90, Sent: 30, Failed: 5}, 0, nil)

	jsonStats, err := c.GetStatsJSON()
	require.NoError(t, err, "GetStatsJSON should not return an error")

	var statsMap map[string]interface{}
	require.NoError(t, json.Unmarshal(jsonStats, &statsMap), "Should be able to unmarshal JSON")

	assert.Equal(t, float64(100), statsMap["events_received"])
	assert.Equal(t, float64(90), statsMap["rules_matched"])
	assert.Equal(t, float64(30), statsMap["sent"])
	assert.Equal(t, float64(5), statsMap["failed"])
}

// TestCalculateRate verifies the delivery rate calculation
func TestCalculateRate(t *testing.T) {
	testCases := []struct {
		name           string
		sent           uint64
		processingTime time.Duration
		expectedRange  struct {
			min float64
			max float64
		}
	}{
		{
			name:           "Zero sent",
			sent:           0,
			processingTime: 1 * time.Second,
			expectedRange:  struct{ min, max float64 }{0, 0.001},
		},
		{
			name:           "Normal sending",
			sent:           100,
			processingTime: 10 * time.Second,
			expectedRange:  struct{ min, max float64 }{9.9, 10.1},
		},
		{
			name:           "Short uptime",
			sent:           50,
			processingTime: 100 * time.Millisecond,
			expectedRange:  struct{ min, max float64 }{450, 510},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			collector := NewStatsCollector()
			collector.Update(dispatch.Stats{Sent: tc.sent}, 0, nil)
			collector.StartTime = time.Now().Add(-tc.processingTime)

			rate := collector.CalculateRate()

			assert.GreaterOrEqual(t, rate, tc.expectedRange.min, "Rate should be greater than or equal to minimum")
			assert.LessOrEqual(t, rate, tc.expectedRange.max, "Rate should be less than or equal to maximum")
		})
	}
}
