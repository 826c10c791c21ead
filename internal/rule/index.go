package rule

import (
	"sort"
	"sync/atomic"
	"time"

	"alert-dispatcher/internal/logger"
	"alert-dispatcher/internal/metrics"
)

// RuleIndex provides rule lookup by event type over an immutable snapshot
// that Replace swaps atomically. Readers never block writers.
type RuleIndex struct {
	current atomic.Pointer[Snapshot]
	stats   IndexStats
	logger  *logger.Logger
	metrics *metrics.Metrics
}

// Snapshot is one loaded generation of rules and templates. It is never
// mutated after construction.
type Snapshot struct {
	exactMatches map[string][]*Rule // active rules by exact type, priority ordered
	wildcardTree *TypeTree          // active rules with wildcard types
	wildcards    int
	templates    map[string]*Template
	ruleCount    int
	loadedAt     time.Time
}

// IndexStats tracks rule index statistics
type IndexStats struct {
	RuleCount     uint64    // Active rules in the current snapshot
	WildcardRules uint64    // Active rules with wildcard types
	Lookups       uint64    // Number of type lookups
	Matches       uint64    // Lookups that returned at least one rule
	Reloads       uint64    // Snapshots installed
	LastUpdate    time.Time // Load time of the current snapshot
}

// NewRuleIndex creates an index with an empty snapshot
func NewRuleIndex(logger *logger.Logger, metrics *metrics.Metrics) *RuleIndex {
	idx := &RuleIndex{
		logger:  logger,
		metrics: metrics,
	}
	idx.current.Store(buildSnapshot(nil, logger))
	return idx
}

// Replace installs the rule set as the current snapshot. Inactive rules are
// left out.
func (idx *RuleIndex) Replace(rs *RuleSet) {
	snap := buildSnapshot(rs, idx.logger)
	idx.current.Store(snap)

	atomic.StoreUint64(&idx.stats.RuleCount, uint64(snap.ruleCount))
	atomic.StoreUint64(&idx.stats.WildcardRules, uint64(snap.wildcards))
	atomic.AddUint64(&idx.stats.Reloads, 1)
	idx.metrics.SetRulesActive(float64(snap.ruleCount))

	idx.logger.Info("rule index updated",
		"activeRules", snap.ruleCount,
		"wildcardRules", snap.wildcards,
		"templates", len(snap.templates))
}

// Current returns the snapshot in effect. Callers should resolve a rule and
// its template from the same snapshot.
func (idx *RuleIndex) Current() *Snapshot {
	return idx.current.Load()
}

// Find returns the active rules for an event type, highest priority first.
// The returned slice must not be modified.
func (idx *RuleIndex) Find(eventType string) []*Rule {
	matches := idx.Current().Find(eventType)

	atomic.AddUint64(&idx.stats.Lookups, 1)
	if len(matches) > 0 {
		atomic.AddUint64(&idx.stats.Matches, 1)
	}

	idx.logger.Debug("rule lookup completed",
		"eventType", eventType,
		"matchCount", len(matches))

	return matches
}

// Template resolves a template from the current snapshot.
func (idx *RuleIndex) Template(name string) *Template {
	return idx.Current().Template(name)
}

// GetStats returns current index statistics
func (idx *RuleIndex) GetStats() IndexStats {
	return IndexStats{
		RuleCount:     atomic.LoadUint64(&idx.stats.RuleCount),
		WildcardRules: atomic.LoadUint64(&idx.stats.WildcardRules),
		Lookups:       atomic.LoadUint64(&idx.stats.Lookups),
		Matches:       atomic.LoadUint64(&idx.stats.Matches),
		Reloads:       atomic.LoadUint64(&idx.stats.Reloads),
		LastUpdate:    idx.Current().loadedAt,
	}
}

// Find returns the active rules for an event type, highest priority first.
func (s *Snapshot) Find(eventType string) []*Rule {
	exact := s.exactMatches[eventType]
	if s.wildcards == 0 {
		return exact
	}

	wild := s.wildcardTree.FindMatches(eventType)
	if len(wild) == 0 {
		return exact
	}

	matches := make([]*Rule, 0, len(exact)+len(wild))
	matches = append(matches, exact...)
	matches = append(matches, wild...)
	sortRules(matches)
	return matches
}

// Template returns the named template or nil.
func (s *Snapshot) Template(name string) *Template {
	return s.templates[name]
}

// RuleCount returns the number of active rules.
func (s *Snapshot) RuleCount() int {
	return s.ruleCount
}

func buildSnapshot(rs *RuleSet, log *logger.Logger) *Snapshot {
	snap := &Snapshot{
		exactMatches: make(map[string][]*Rule),
		wildcardTree: NewTypeTree(),
		templates:    make(map[string]*Template),
		loadedAt:     time.Now(),
	}
	if rs == nil {
		return snap
	}
	if !rs.LoadedAt.IsZero() {
		snap.loadedAt = rs.LoadedAt
	}
	for name, t := range rs.Templates {
		snap.templates[name] = t
	}

	for _, r := range rs.Rules {
		if r == nil || !r.IsActive {
			continue
		}
		if containsWildcard(r.Type) {
			if err := snap.wildcardTree.AddRule(r); err != nil {
				log.Error("failed to add wildcard rule",
					"rule", r.Name,
					"type", r.Type,
					"error", err)
				continue
			}
			snap.wildcards++
		} else {
			snap.exactMatches[r.Type] = append(snap.exactMatches[r.Type], r)
		}
		snap.ruleCount++
	}

	for _, rules := range snap.exactMatches {
		sortRules(rules)
	}
	return snap
}

// sortRules orders by priority descending, then name for a stable order.
func sortRules(rules []*Rule) {
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority > rules[j].Priority
		}
		return rules[i].Name < rules[j].Name
	})
}
