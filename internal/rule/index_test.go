package rule

import (
	"fmt"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alert-dispatcher/internal/metrics"
)

func setupTestIndex(t *testing.T) *RuleIndex {
	t.Helper()
	return NewRuleIndex(newTestLogger(), newMockMetrics())
}

func ruleSet(rules ...*Rule) *RuleSet {
	return &RuleSet{
		Rules:     rules,
		Templates: map[string]*Template{"t": {Name: "t", Title: "x", Channel: "log"}},
	}
}

func names(rules []*Rule) []string {
	out := make([]string, 0, len(rules))
	for _, r := range rules {
		out = append(out, r.Name)
	}
	return out
}

func TestNewRuleIndex(t *testing.T) {
	idx := setupTestIndex(t)
	assert.NotNil(t, idx.Current())
	assert.Empty(t, idx.Find("tx"))

	stats := idx.GetStats()
	assert.Equal(t, uint64(0), stats.RuleCount)
	assert.Equal(t, uint64(1), stats.Lookups)
	assert.Equal(t, uint64(0), stats.Matches)
}

func TestFindOrdersByPriority(t *testing.T) {
	idx := setupTestIndex(t)
	idx.Replace(ruleSet(
		&Rule{Name: "low", Type: "tx", Priority: 1, IsActive: true},
		&Rule{Name: "high", Type: "tx", Priority: 9, IsActive: true},
		&Rule{Name: "b_mid", Type: "tx", Priority: 5, IsActive: true},
		&Rule{Name: "a_mid", Type: "tx", Priority: 5, IsActive: true},
		&Rule{Name: "other", Type: "metric", Priority: 100, IsActive: true},
	))

	assert.Equal(t, []string{"high", "a_mid", "b_mid", "low"}, names(idx.Find("tx")))
	assert.Equal(t, []string{"other"}, names(idx.Find("metric")))
	assert.Empty(t, idx.Find("unknown"))
}

func TestFindSkipsInactiveRules(t *testing.T) {
	idx := setupTestIndex(t)
	idx.Replace(ruleSet(
		&Rule{Name: "on", Type: "tx", IsActive: true},
		&Rule{Name: "off", Type: "tx", IsActive: false},
	))

	assert.Equal(t, []string{"on"}, names(idx.Find("tx")))
	assert.Equal(t, uint64(1), idx.GetStats().RuleCount)
}

func TestFindMergesWildcardRules(t *testing.T) {
	idx := setupTestIndex(t)
	idx.Replace(ruleSet(
		&Rule{Name: "exact", Type: "price.btc", Priority: 1, IsActive: true},
		&Rule{Name: "single", Type: "price.*", Priority: 5, IsActive: true},
		&Rule{Name: "multi", Type: "price.#", Priority: 3, IsActive: true},
	))

	assert.Equal(t, []string{"single", "multi", "exact"}, names(idx.Find("price.btc")))
	assert.Equal(t, []string{"multi"}, names(idx.Find("price.btc.usd")))
	assert.Empty(t, idx.Find("price"))
	assert.Equal(t, uint64(2), idx.GetStats().WildcardRules)
}

func TestReplaceSwapsSnapshot(t *testing.T) {
	idx := setupTestIndex(t)
	idx.Replace(ruleSet(&Rule{Name: "v1", Type: "tx", IsActive: true}))

	before := idx.Current()
	held := before.Find("tx")

	idx.Replace(ruleSet(&Rule{Name: "v2", Type: "tx", IsActive: true}))

	assert.Equal(t, []string{"v1"}, names(held), "old snapshot is unchanged")
	assert.Equal(t, []string{"v2"}, names(idx.Find("tx")))
	assert.NotSame(t, before, idx.Current())
	assert.Equal(t, uint64(2), idx.GetStats().Reloads)
	assert.NotNil(t, idx.Template("t"))
	assert.Nil(t, idx.Template("missing"))
}

func TestIndexUpdatesActiveRulesMetric(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := metrics.NewMetrics(reg)
	require.NoError(t, err)

	idx := NewRuleIndex(newTestLogger(), m)
	idx.Replace(ruleSet(
		&Rule{Name: "a", Type: "tx", IsActive: true},
		&Rule{Name: "b", Type: "tx", IsActive: true},
	))

	families, err := reg.Gather()
	require.NoError(t, err)
	var found bool
	for _, f := range families {
		if f.GetName() == "alert_dispatcher_rules_active" {
			found = true
			assert.Equal(t, 2.0, f.GetMetric()[0].GetGauge().GetValue())
		}
	}
	assert.True(t, found)
}

func TestConcurrentFindAndReplace(t *testing.T) {
	idx := setupTestIndex(t)
	idx.Replace(ruleSet(&Rule{Name: "r0", Type: "tx", IsActive: true}))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				rules := idx.Find("tx")
				assert.Len(t, rules, 1)
			}
		}()
		go func(i int) {
			defer wg.Done()
			idx.Replace(ruleSet(&Rule{Name: fmt.Sprintf("r%d", i), Type: "tx", IsActive: true}))
		}(i)
	}
	wg.Wait()
}
