package rule

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"alert-dispatcher/internal/logger"
	"alert-dispatcher/internal/metrics"
)

// newMockMetrics creates a new metrics instance for testing
func newMockMetrics() *metrics.Metrics {
	// Create a test registry that we can throw away
	reg := prometheus.NewRegistry()
	m, _ := metrics.NewMetrics(reg)
	return m
}

func newTestLogger() *logger.Logger {
	return logger.NewNopLogger()
}

// mustLeaf builds a leaf or fails the test.
func mustLeaf(t *testing.T, field string, op Operator, value interface{}, ignoreCase ...bool) *Leaf {
	t.Helper()
	leaf, err := NewLeaf(field, op, value, len(ignoreCase) > 0 && ignoreCase[0])
	require.NoError(t, err)
	return leaf
}
