package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/blackms/hivemind-go/internal/infrastructure/clock"
	"github.com/blackms/hivemind-go/internal/infrastructure/persistence"
	"github.com/blackms/hivemind-go/internal/shared"
)

// PatternsNamespace holds learned co-access patterns.
const PatternsNamespace = "patterns"

type accessKind int

const (
	accessWrite accessKind = iota
	accessHit
	accessMiss
)

// Hot-key weights: writes count more than cache hits, hits more than misses.
const (
	writeWeight = 3
	hitWeight   = 2
	missWeight  = 1
)

const maxAccessTimes = 20

type accessStat struct {
	namespace string
	key       string
	writes    int64
	hits      int64
	misses    int64
	times     []int64 // most recent access times, oldest first
	expiresAt int64
}

func (a *accessStat) total() int64 { return a.writes + a.hits + a.misses }

func (a *accessStat) score() int64 {
	return a.writes*writeWeight + a.hits*hitWeight + a.misses*missWeight
}

type accessTracker struct {
	mu    sync.Mutex
	stats map[string]*accessStat
}

func newAccessTracker() *accessTracker {
	return &accessTracker{stats: make(map[string]*accessStat)}
}

func (t *accessTracker) record(namespace, key string, kind accessKind, at int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ck := cacheKey(namespace, key)
	st, ok := t.stats[ck]
	if !ok {
		st = &accessStat{namespace: namespace, key: key}
		t.stats[ck] = st
	}
	switch kind {
	case accessWrite:
		st.writes++
	case accessHit:
		st.hits++
	case accessMiss:
		st.misses++
	}
	st.times = append(st.times, at)
	if len(st.times) > maxAccessTimes {
		st.times = st.times[len(st.times)-maxAccessTimes:]
	}
}

func (t *accessTracker) forget(namespace, key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.stats, cacheKey(namespace, key))
}

// expires records when the stored value of a tracked key expires. Zero means
// never.
func (t *accessTracker) expires(namespace, key string, at int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.stats[cacheKey(namespace, key)]; ok {
		st.expiresAt = at
	}
}

// pruneExpired drops keys whose stored value expired at or before now.
func (t *accessTracker) pruneExpired(now int64) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for ck, st := range t.stats {
		if st.expiresAt > 0 && now >= st.expiresAt {
			delete(t.stats, ck)
			n++
		}
	}
	return n
}

// retain drops keys of namespace that are not in keep.
func (t *accessTracker) retain(namespace string, keep map[string]struct{}) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for ck, st := range t.stats {
		if st.namespace != namespace {
			continue
		}
		if _, ok := keep[st.key]; !ok {
			delete(t.stats, ck)
			n++
		}
	}
	return n
}

func (t *accessTracker) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.stats)
}

func (t *accessTracker) snapshot() []accessStat {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]accessStat, 0, len(t.stats))
	for _, st := range t.stats {
		c := *st
		c.times = append([]int64(nil), st.times...)
		out = append(out, c)
	}
	return out
}

func (t *accessTracker) get(namespace, key string) (accessStat, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.stats[cacheKey(namespace, key)]
	if !ok {
		return accessStat{}, false
	}
	c := *st
	c.times = append([]int64(nil), st.times...)
	return c, true
}

// ============================================================================
// Hot keys
// ============================================================================

// HotKey is an entry of the hot-key report.
type HotKey struct {
	Namespace string `json:"namespace"`
	Key       string `json:"key"`
	Score     int64  `json:"score"`
	Writes    int64  `json:"writes"`
	Hits      int64  `json:"hits"`
	Misses    int64  `json:"misses"`
}

// HotKeys returns the n keys with the highest weighted access score. n <= 0
// means 10.
func (s *Service) HotKeys(n int) []HotKey {
	if n <= 0 {
		n = 10
	}
	stats := s.tracker.snapshot()
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].score() != stats[j].score() {
			return stats[i].score() > stats[j].score()
		}
		return cacheKey(stats[i].namespace, stats[i].key) < cacheKey(stats[j].namespace, stats[j].key)
	})
	if len(stats) > n {
		stats = stats[:n]
	}
	out := make([]HotKey, len(stats))
	for i, st := range stats {
		out[i] = HotKey{
			Namespace: st.namespace,
			Key:       st.key,
			Score:     st.score(),
			Writes:    st.writes,
			Hits:      st.hits,
			Misses:    st.misses,
		}
	}
	return out
}

// ============================================================================
// Pattern learning
// ============================================================================

// CoAccessPattern pairs two keys with similar access frequency.
type CoAccessPattern struct {
	Namespace  string  `json:"namespace"`
	KeyA       string  `json:"keyA"`
	KeyB       string  `json:"keyB"`
	CountA     int64   `json:"countA"`
	CountB     int64   `json:"countB"`
	Similarity float64 `json:"similarity"`
	LearnedAt  int64   `json:"learnedAt"`
}

// Minimum accesses before a key takes part in pattern learning, and the
// minimum count similarity (smaller / larger) for a pair.
const (
	minPatternAccesses   = 2
	minPatternSimilarity = 0.9
)

// LearnPatterns pairs keys of the same namespace whose access counts are
// within 10% of each other and records the pairs in the patterns namespace.
func (s *Service) LearnPatterns(ctx context.Context) ([]CoAccessPattern, error) {
	stats := s.tracker.snapshot()
	byNS := make(map[string][]accessStat)
	for _, st := range stats {
		if st.namespace == PatternsNamespace || st.total() < minPatternAccesses {
			continue
		}
		byNS[st.namespace] = append(byNS[st.namespace], st)
	}

	now := clock.Millis(s.clock)
	var patterns []CoAccessPattern
	namespaces := make([]string, 0, len(byNS))
	for ns := range byNS {
		namespaces = append(namespaces, ns)
	}
	sort.Strings(namespaces)

	for _, ns := range namespaces {
		group := byNS[ns]
		sort.Slice(group, func(i, j int) bool {
			if group[i].total() != group[j].total() {
				return group[i].total() > group[j].total()
			}
			return group[i].key < group[j].key
		})
		for i := 0; i+1 < len(group); i++ {
			a, b := group[i], group[i+1]
			sim := float64(b.total()) / float64(a.total())
			if sim < minPatternSimilarity {
				continue
			}
			patterns = append(patterns, CoAccessPattern{
				Namespace:  ns,
				KeyA:       a.key,
				KeyB:       b.key,
				CountA:     a.total(),
				CountB:     b.total(),
				Similarity: sim,
				LearnedAt:  now,
			})
		}
	}

	for _, p := range patterns {
		key := fmt.Sprintf("coaccess:%s:%s:%s", p.Namespace, p.KeyA, p.KeyB)
		if err := s.StoreJSON(ctx, PatternsNamespace, key, p, StoreOptions{}); err != nil {
			return patterns, err
		}
	}
	if len(patterns) > 0 {
		s.logger.Debug("learned co-access patterns", "count", len(patterns))
	}
	return patterns, nil
}

// AccessPrediction estimates when a key will next be accessed.
type AccessPrediction struct {
	Namespace    string  `json:"namespace"`
	Key          string  `json:"key"`
	NextAccessAt int64   `json:"nextAccessAt"`
	IntervalMs   int64   `json:"intervalMs"`
	Confidence   float64 `json:"confidence"`
	Samples      int     `json:"samples"`
}

// PredictNextAccess extrapolates the mean interval between recent accesses.
// ok is false with fewer than two recorded accesses.
func (s *Service) PredictNextAccess(namespace, key string) (AccessPrediction, bool) {
	st, found := s.tracker.get(normalize(namespace), key)
	if !found || len(st.times) < 2 {
		return AccessPrediction{}, false
	}

	n := len(st.times) - 1
	intervals := make([]float64, n)
	var sum float64
	for i := 0; i < n; i++ {
		intervals[i] = float64(st.times[i+1] - st.times[i])
		sum += intervals[i]
	}
	mean := sum / float64(n)

	var variance float64
	for _, v := range intervals {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(n)

	confidence := 0.0
	if mean > 0 {
		cv := math.Sqrt(variance) / mean
		confidence = math.Max(0, 1-cv)
	}
	// Few samples cap the confidence.
	confidence *= math.Min(1, float64(n)/5)

	last := st.times[len(st.times)-1]
	return AccessPrediction{
		Namespace:    st.namespace,
		Key:          key,
		NextAccessAt: last + int64(mean),
		IntervalMs:   int64(mean),
		Confidence:   confidence,
		Samples:      len(st.times),
	}, true
}

// ============================================================================
// Behavior patterns
// ============================================================================

// CategoryCapabilities maps a task category to the capability that repeated
// success in it suggests.
var CategoryCapabilities = map[string][]string{
	"research":     {"research", "information_gathering"},
	"development":  {"code_generation", "implementation"},
	"analysis":     {"data_analysis", "pattern_recognition"},
	"testing":      {"testing", "quality_assurance"},
	"optimization": {"performance_optimization"},
}

// PatternAnalyzer derives behavior patterns for an agent from its recorded
// task outcomes.
type PatternAnalyzer struct {
	store  persistence.Store
	clock  clock.Clock
	window time.Duration

	// MinOccurrences and MinSuccessRate gate capability suggestions.
	MinOccurrences int
	MinSuccessRate float64
}

// NewPatternAnalyzer creates an analyzer looking back over window.
func NewPatternAnalyzer(store persistence.Store, clk clock.Clock, window time.Duration) *PatternAnalyzer {
	if clk == nil {
		clk = clock.Real()
	}
	if window <= 0 {
		window = 24 * time.Hour
	}
	return &PatternAnalyzer{
		store:          store,
		clock:          clk,
		window:         window,
		MinOccurrences: 3,
		MinSuccessRate: 0.8,
	}
}

// RecentPatterns groups the agent's task outcomes within the window by task
// category. Categories with enough consistent successes suggest capabilities.
func (p *PatternAnalyzer) RecentPatterns(ctx context.Context, agentID string) ([]shared.BehaviorPattern, error) {
	since := p.clock.Now().Add(-p.window).UnixMilli()
	metrics, err := p.store.ListMetrics(ctx, persistence.MetricFilter{
		AgentID:    agentID,
		MetricType: shared.MetricTaskSuccess,
		Since:      since,
	})
	if err != nil {
		return nil, err
	}

	type tally struct{ total, ok int }
	byCategory := make(map[string]*tally)
	for _, m := range metrics {
		category, _ := m.Metadata["category"].(string)
		if category == "" {
			category = "general"
		}
		t, found := byCategory[category]
		if !found {
			t = &tally{}
			byCategory[category] = t
		}
		t.total++
		if m.MetricValue > 0 {
			t.ok++
		}
	}

	categories := make([]string, 0, len(byCategory))
	for c := range byCategory {
		categories = append(categories, c)
	}
	sort.Strings(categories)

	out := make([]shared.BehaviorPattern, 0, len(categories))
	for _, c := range categories {
		t := byCategory[c]
		rate := float64(t.ok) / float64(t.total)
		bp := shared.BehaviorPattern{
			Type:        "category_outcome",
			Category:    c,
			Occurrences: t.total,
			SuccessRate: rate,
		}
		if t.total >= p.MinOccurrences && rate >= p.MinSuccessRate {
			bp.SuggestedCapabilities = shared.CopyStrings(CategoryCapabilities[c])
		}
		out = append(out, bp)
	}
	return out, nil
}
