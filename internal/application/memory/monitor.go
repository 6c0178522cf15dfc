package memory

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/blackms/hivemind-go/internal/config"
	"github.com/blackms/hivemind-go/internal/infrastructure/clock"
	"github.com/blackms/hivemind-go/internal/infrastructure/events"
	"github.com/blackms/hivemind-go/internal/infrastructure/logging"
	"github.com/blackms/hivemind-go/internal/shared"
)

// MetricKind names a sampled health metric.
type MetricKind string

const (
	MetricCacheHitRate      MetricKind = "cache_hit_rate"
	MetricQueryLatency      MetricKind = "query_latency"
	MetricMemoryUtilization MetricKind = "memory_utilization"
	MetricPoolReuse         MetricKind = "pool_reuse"
)

// AlertLevel is the severity of a threshold breach.
type AlertLevel string

const (
	AlertWarning  AlertLevel = "warning"
	AlertCritical AlertLevel = "critical"
)

// Trend labels.
const (
	TrendImproving = "improving"
	TrendStable    = "stable"
	TrendDegrading = "degrading"
)

// Threshold is a two-tier limit. When HigherIsBetter, a breach is a value
// below the limit; otherwise above it.
type Threshold struct {
	Warning        float64 `json:"warning"`
	Critical       float64 `json:"critical"`
	HigherIsBetter bool    `json:"higherIsBetter"`
}

func (t Threshold) level(v float64) (AlertLevel, float64, bool) {
	if t.HigherIsBetter {
		switch {
		case v < t.Critical:
			return AlertCritical, t.Critical, true
		case v < t.Warning:
			return AlertWarning, t.Warning, true
		}
		return "", 0, false
	}
	switch {
	case v > t.Critical:
		return AlertCritical, t.Critical, true
	case v > t.Warning:
		return AlertWarning, t.Warning, true
	}
	return "", 0, false
}

// DefaultThresholds are the per-metric limits. Hit rate and pool reuse are
// percentages, latency is milliseconds, utilization is percent of the byte ceiling.
var DefaultThresholds = map[MetricKind]Threshold{
	MetricCacheHitRate:      {Warning: 70, Critical: 50, HigherIsBetter: true},
	MetricQueryLatency:      {Warning: 50, Critical: 100},
	MetricMemoryUtilization: {Warning: 80, Critical: 95},
	MetricPoolReuse:         {Warning: 50, Critical: 30, HigherIsBetter: true},
}

var suggestions = map[MetricKind][]string{
	MetricCacheHitRate: {
		"Increase memory.max_entries or memory.max_bytes",
		"Review access patterns for keys that are written but never read",
		"Warm the cache with hot keys after restart",
	},
	MetricQueryLatency: {
		"Narrow search patterns or add a namespace filter",
		"Lower the search limit for interactive queries",
		"Check the persistence backend for lock contention",
	},
	MetricMemoryUtilization: {
		"Lower memory.compression_threshold so more values are compressed",
		"Add size or time retention to large namespaces",
		"Raise memory.max_bytes if the host has headroom",
	},
	MetricPoolReuse: {
		"Increase memory.entry_pool_size or memory.result_pool_size",
		"Batch small writes to reduce allocation churn",
	},
}

// Sample is one measurement of the memory subsystem.
type Sample struct {
	Timestamp         int64   `json:"timestamp"`
	CacheHitRate      float64 `json:"cacheHitRate"` // percent
	QueryLatencyMs    float64 `json:"queryLatencyMs"`
	MemoryUtilization float64 `json:"memoryUtilization"` // percent
	PoolReuseRate     float64 `json:"poolReuseRate"`     // percent
}

func (s Sample) value(kind MetricKind) float64 {
	switch kind {
	case MetricCacheHitRate:
		return s.CacheHitRate
	case MetricQueryLatency:
		return s.QueryLatencyMs
	case MetricMemoryUtilization:
		return s.MemoryUtilization
	case MetricPoolReuse:
		return s.PoolReuseRate
	}
	return 0
}

var metricKinds = []MetricKind{MetricCacheHitRate, MetricQueryLatency, MetricMemoryUtilization, MetricPoolReuse}

// Alert is a threshold breach.
type Alert struct {
	ID          string     `json:"id"`
	Metric      MetricKind `json:"metric"`
	Level       AlertLevel `json:"level"`
	Threshold   float64    `json:"threshold"`
	Value       float64    `json:"value"`
	Suggestions []string   `json:"suggestions"`
	RaisedAt    int64      `json:"raisedAt"`
	Resolved    bool       `json:"resolved"`
	ResolvedAt  int64      `json:"resolvedAt,omitempty"`
}

// Health is the result of a scoring pass.
type Health struct {
	Score     float64 `json:"score"`
	Status    string  `json:"status"`
	Timestamp int64   `json:"timestamp"`
}

// Trends labels the direction of the tracked metrics.
type Trends struct {
	Performance     string `json:"performance"`
	MemoryUsage     string `json:"memoryUsage"`
	CacheEfficiency string `json:"cacheEfficiency"`
	ComputedAt      int64  `json:"computedAt"`
}

// Report is the full monitor output.
type Report struct {
	GeneratedAt  int64                    `json:"generatedAt"`
	Health       Health                   `json:"health"`
	Current      *Sample                  `json:"current,omitempty"`
	Averages     map[MetricKind]float64   `json:"averages"`
	Trends       Trends                   `json:"trends"`
	ActiveAlerts []Alert                  `json:"activeAlerts"`
	RecentAlerts []Alert                  `json:"recentAlerts"`
	Suggestions  []string                 `json:"suggestions"`
	Stats        ServiceStats             `json:"stats"`
	HotKeys      []HotKey                 `json:"hotKeys"`
	History      map[MetricKind][]float64 `json:"history"`
}

// ScoreStatus maps a health score to its label.
func ScoreStatus(score float64) string {
	switch {
	case score >= 90:
		return "excellent"
	case score >= 75:
		return "good"
	case score >= 60:
		return "fair"
	case score >= 40:
		return "poor"
	}
	return "critical"
}

// Monitor samples the memory service on a fixed period, raises threshold
// alerts, and computes health scores and trends.
type Monitor struct {
	svc        *Service
	cfg        config.MonitorConfig
	thresholds map[MetricKind]Threshold
	clock      clock.Clock
	events     shared.Publisher
	logger     *slog.Logger

	mu      sync.RWMutex
	samples []Sample
	history map[MetricKind][]float64
	active  map[MetricKind]*Alert
	alerts  []*Alert
	health  Health
	trends  Trends

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewMonitor creates a monitor for svc and hooks a sample into every cleanup cycle.
func NewMonitor(svc *Service, cfg config.MonitorConfig, clk clock.Clock, pub shared.Publisher, logger *slog.Logger) *Monitor {
	if clk == nil {
		clk = clock.Real()
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 100
	}
	thresholds := make(map[MetricKind]Threshold, len(DefaultThresholds))
	for k, v := range DefaultThresholds {
		thresholds[k] = v
	}

	m := &Monitor{
		svc:        svc,
		cfg:        cfg,
		thresholds: thresholds,
		clock:      clk,
		events:     pub,
		logger:     logging.Component(logger, "memory-monitor"),
		history:    make(map[MetricKind][]float64),
		active:     make(map[MetricKind]*Alert),
		health:     Health{Score: 100, Status: ScoreStatus(100)},
		trends:     Trends{Performance: TrendStable, MemoryUsage: TrendStable, CacheEfficiency: TrendStable},
	}
	svc.OnCleanup(func(context.Context) { m.Collect() })
	return m
}

// SetThreshold overrides the limits of one metric.
func (m *Monitor) SetThreshold(kind MetricKind, t Threshold) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.thresholds[kind] = t
}

// Start launches the sample, health and trend loops.
func (m *Monitor) Start(ctx context.Context) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.running {
		return
	}
	m.running = true
	ctx, m.cancel = context.WithCancel(ctx)

	m.loop(ctx, m.cfg.SampleInterval, func() { m.Collect() })
	m.loop(ctx, m.cfg.HealthInterval, func() {
		m.ComputeHealth()
		m.PurgeAlerts()
	})
	m.loop(ctx, m.cfg.TrendInterval, func() { m.ComputeTrends() })
}

func (m *Monitor) loop(ctx context.Context, interval time.Duration, fn func()) {
	if interval <= 0 {
		return
	}
	ticker := m.clock.NewTicker(interval)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn()
			}
		}
	}()
}

// Stop halts all monitor loops.
func (m *Monitor) Stop() {
	m.runMu.Lock()
	if !m.running {
		m.runMu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	m.runMu.Unlock()

	cancel()
	m.wg.Wait()
}

// ============================================================================
// Sampling
// ============================================================================

// Collect takes one sample, appends it to the rolling history and checks it
// against the thresholds.
func (m *Monitor) Collect() Sample {
	st := m.svc.Stats()
	sample := Sample{
		Timestamp:         clock.Millis(m.clock),
		CacheHitRate:      st.Cache.HitRate * 100,
		QueryLatencyMs:    st.AvgLatencyMs,
		MemoryUtilization: st.Cache.Utilization,
		PoolReuseRate:     st.PoolReuseRate * 100,
	}
	// A cache that has served no reads has no meaningful hit rate yet.
	if st.Cache.Hits+st.Cache.Misses == 0 {
		sample.CacheHitRate = 100
	}

	m.mu.Lock()
	m.samples = appendCapped(m.samples, sample, m.cfg.HistorySize)
	for _, kind := range metricKinds {
		m.history[kind] = appendCappedFloat(m.history[kind], sample.value(kind), m.cfg.HistorySize)
	}
	raised := m.checkThresholdsLocked(sample)
	m.mu.Unlock()

	for _, a := range raised {
		m.logger.Warn("memory threshold breached",
			"metric", a.Metric, "level", a.Level, "value", a.Value, "threshold", a.Threshold)
		events.Emit(m.events, shared.EventMemoryAlert, map[string]interface{}{
			"alertId":     a.ID,
			"metric":      string(a.Metric),
			"level":       string(a.Level),
			"threshold":   a.Threshold,
			"value":       a.Value,
			"suggestions": shared.CopyStrings(a.Suggestions),
		})
	}
	return sample
}

func appendCapped(s []Sample, v Sample, max int) []Sample {
	s = append(s, v)
	if len(s) > max {
		s = append(s[:0], s[len(s)-max:]...)
	}
	return s
}

func appendCappedFloat(s []float64, v float64, max int) []float64 {
	s = append(s, v)
	if len(s) > max {
		s = append(s[:0], s[len(s)-max:]...)
	}
	return s
}

// checkThresholdsLocked raises a new alert when a metric breaches or
// escalates, and resolves the active alert once the metric recovers.
func (m *Monitor) checkThresholdsLocked(sample Sample) []Alert {
	var raised []Alert
	for _, kind := range metricKinds {
		t, ok := m.thresholds[kind]
		if !ok {
			continue
		}
		v := sample.value(kind)
		level, limit, breached := t.level(v)
		current := m.active[kind]

		if !breached {
			if current != nil {
				current.Resolved = true
				current.ResolvedAt = sample.Timestamp
				delete(m.active, kind)
			}
			continue
		}
		if current != nil && (current.Level == level || level == AlertWarning) {
			current.Value = v
			continue
		}
		if current != nil {
			current.Resolved = true
			current.ResolvedAt = sample.Timestamp
		}
		a := &Alert{
			ID:          uuid.New().String(),
			Metric:      kind,
			Level:       level,
			Threshold:   limit,
			Value:       v,
			Suggestions: shared.CopyStrings(suggestions[kind]),
			RaisedAt:    sample.Timestamp,
		}
		m.active[kind] = a
		m.alerts = append(m.alerts, a)
		raised = append(raised, *a)
	}
	return raised
}

// ============================================================================
// Health score
// ============================================================================

// ComputeHealth scores the latest sample from 0 to 100.
func (m *Monitor) ComputeHealth() Health {
	m.mu.RLock()
	empty := len(m.samples) == 0
	m.mu.RUnlock()
	if empty {
		m.Collect()
	}

	m.mu.Lock()
	latest := m.samples[len(m.samples)-1]

	critical, warning := 0, 0
	for _, a := range m.active {
		if a.Level == AlertCritical {
			critical++
		} else {
			warning++
		}
	}

	score := HealthScore(latest, critical, warning)
	m.health = Health{Score: score, Status: ScoreStatus(score), Timestamp: clock.Millis(m.clock)}
	h := m.health
	m.mu.Unlock()

	events.Emit(m.events, shared.EventMemoryHealth, map[string]interface{}{
		"score":          h.Score,
		"status":         h.Status,
		"criticalAlerts": critical,
		"warningAlerts":  warning,
	})
	return h
}

// HealthScore subtracts penalties from 100: hit-rate deficit below 70%
// (x0.3), latency above 50ms (x0.5, at most 25), utilization above 80%
// (x0.5), 10 per critical and 5 per warning alert, and pool-reuse deficit
// below 50% (x0.2).
func HealthScore(s Sample, criticalAlerts, warningAlerts int) float64 {
	score := 100.0
	if s.CacheHitRate < 70 {
		score -= (70 - s.CacheHitRate) * 0.3
	}
	if s.QueryLatencyMs > 50 {
		score -= math.Min((s.QueryLatencyMs-50)*0.5, 25)
	}
	if s.MemoryUtilization > 80 {
		score -= (s.MemoryUtilization - 80) * 0.5
	}
	score -= float64(criticalAlerts*10 + warningAlerts*5)
	if s.PoolReuseRate < 50 {
		score -= (50 - s.PoolReuseRate) * 0.2
	}
	return math.Max(0, math.Min(100, score))
}

// ============================================================================
// Trends
// ============================================================================

const trendWindow = 5

// ComputeTrends compares the last five samples with the five before them.
// Latency moves beyond 10% and utilization or hit rate moves beyond 5% count
// as a trend; fewer than ten samples is stable.
func (m *Monitor) ComputeTrends() Trends {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.trends = Trends{
		Performance:     trend(m.history[MetricQueryLatency], 0.10, false),
		MemoryUsage:     trend(m.history[MetricMemoryUtilization], 0.05, false),
		CacheEfficiency: trend(m.history[MetricCacheHitRate], 0.05, true),
		ComputedAt:      clock.Millis(m.clock),
	}
	return m.trends
}

func trend(history []float64, tolerance float64, higherIsBetter bool) string {
	if len(history) < 2*trendWindow {
		return TrendStable
	}
	recent := mean(history[len(history)-trendWindow:])
	previous := mean(history[len(history)-2*trendWindow : len(history)-trendWindow])

	var change float64
	switch {
	case previous != 0:
		change = (recent - previous) / math.Abs(previous)
	case recent > 0:
		change = 1
	case recent < 0:
		change = -1
	}
	if math.Abs(change) <= tolerance {
		return TrendStable
	}
	if (change > 0) == higherIsBetter {
		return TrendImproving
	}
	return TrendDegrading
}

func mean(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	var sum float64
	for _, x := range v {
		sum += x
	}
	return sum / float64(len(v))
}

// PurgeAlerts drops resolved and active alerts raised before the retention window.
func (m *Monitor) PurgeAlerts() int {
	cutoff := m.clock.Now().Add(-m.cfg.AlertRetention).UnixMilli()
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.alerts[:0]
	purged := 0
	for _, a := range m.alerts {
		if a.RaisedAt < cutoff {
			purged++
			if m.active[a.Metric] == a {
				delete(m.active, a.Metric)
			}
			continue
		}
		kept = append(kept, a)
	}
	m.alerts = kept
	return purged
}

// ============================================================================
// Reporting
// ============================================================================

// Health returns the last computed health.
func (m *Monitor) Health() Health {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.health
}

// ActiveAlerts returns unresolved alerts ordered by metric.
func (m *Monitor) ActiveAlerts() []Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeAlertsLocked()
}

func (m *Monitor) activeAlertsLocked() []Alert {
	out := make([]Alert, 0, len(m.active))
	for _, a := range m.active {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Metric < out[j].Metric })
	return out
}

// GenerateDetailedReport recomputes health and trends and returns a full report.
func (m *Monitor) GenerateDetailedReport() Report {
	health := m.ComputeHealth()
	trends := m.ComputeTrends()

	m.mu.RLock()
	report := Report{
		GeneratedAt:  clock.Millis(m.clock),
		Health:       health,
		Trends:       trends,
		Averages:     make(map[MetricKind]float64, len(metricKinds)),
		History:      make(map[MetricKind][]float64, len(metricKinds)),
		ActiveAlerts: m.activeAlertsLocked(),
	}
	if n := len(m.samples); n > 0 {
		latest := m.samples[n-1]
		report.Current = &latest
	}
	for _, kind := range metricKinds {
		report.Averages[kind] = mean(m.history[kind])
		report.History[kind] = append([]float64(nil), m.history[kind]...)
	}
	start := 0
	if len(m.alerts) > 20 {
		start = len(m.alerts) - 20
	}
	for _, a := range m.alerts[start:] {
		report.RecentAlerts = append(report.RecentAlerts, *a)
	}
	m.mu.RUnlock()

	seen := make(map[string]bool)
	for _, a := range report.ActiveAlerts {
		for _, s := range a.Suggestions {
			if !seen[s] {
				seen[s] = true
				report.Suggestions = append(report.Suggestions, s)
			}
		}
	}
	if trends.Performance == TrendDegrading {
		report.Suggestions = append(report.Suggestions, "Query latency is trending up; review recent search patterns")
	}
	if trends.MemoryUsage == TrendDegrading {
		report.Suggestions = append(report.Suggestions, fmt.Sprintf("Memory usage is trending up (%.1f%% average)", report.Averages[MetricMemoryUtilization]))
	}

	report.Stats = m.svc.Stats()
	report.HotKeys = m.svc.HotKeys(10)
	return report
}
