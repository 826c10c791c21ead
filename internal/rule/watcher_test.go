package rule

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcherReload(t *testing.T) {
	loader, dir := setupTestLoader(t)
	idx := setupTestIndex(t)
	createTestFile(t, dir, "swap.json", swapRuleFile())

	w := NewWatcher(dir, loader, idx, newTestLogger())
	var reloads int32
	w.OnReload(func(rs *RuleSet) { atomic.AddInt32(&reloads, 1) })

	require.NoError(t, w.Reload())
	assert.Len(t, idx.Find("tx"), 1)
	assert.Equal(t, int32(1), atomic.LoadInt32(&reloads))
}

func TestWatcherKeepsSnapshotOnLoadError(t *testing.T) {
	loader, dir := setupTestLoader(t)
	idx := setupTestIndex(t)
	createTestFile(t, dir, "swap.json", swapRuleFile())

	w := NewWatcher(dir, loader, idx, newTestLogger())
	require.NoError(t, w.Reload())

	w.dir = dir + "/missing"
	assert.Error(t, w.Reload())
	assert.Len(t, idx.Find("tx"), 1)
}

func TestWatcherPicksUpChanges(t *testing.T) {
	loader, dir := setupTestLoader(t)
	idx := setupTestIndex(t)
	createTestFile(t, dir, "swap.json", swapRuleFile())

	w := NewWatcher(dir, loader, idx, newTestLogger())
	w.debounce = 20 * time.Millisecond
	require.NoError(t, w.Reload())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	// give the watcher a moment to register the directory
	time.Sleep(50 * time.Millisecond)

	createTestFile(t, dir, "metric.json", map[string]interface{}{
		"templates": []map[string]interface{}{{"name": "cpu", "title": "cpu {cpu}", "channel": "log"}},
		"rules":     []map[string]interface{}{{"name": "cpu_high", "type": "metric", "template": "cpu"}},
	})

	assert.Eventually(t, func() bool {
		return len(idx.Find("metric")) == 1
	}, 3*time.Second, 20*time.Millisecond)
	assert.Len(t, idx.Find("tx"), 1)
}
