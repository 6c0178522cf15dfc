package persistence

import (
	"context"
	"sort"

	"github.com/blackms/hivemind-go/internal/shared"
)

// ============================================================================
// Memory
// ============================================================================

func (s *MemoryStore) StoreMemory(_ context.Context, e *shared.MemoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := memoryKey{e.Namespace, e.Key}
	next := e.Clone()
	if prev, ok := s.memory[k]; ok {
		next.AccessCount = prev.AccessCount
	}
	s.memory[k] = next
	return nil
}

func (s *MemoryStore) GetMemory(_ context.Context, namespace, key string) (*shared.MemoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.memory[memoryKey{namespace, key}]
	if !ok {
		return nil, shared.NewNotFoundError("memory", namespace+"/"+key, "get")
	}
	return e.Clone(), nil
}

func (s *MemoryStore) TouchMemory(_ context.Context, namespace, key string, at int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.memory[memoryKey{namespace, key}]
	if !ok {
		return shared.NewNotFoundError("memory", namespace+"/"+key, "touch")
	}
	e.AccessCount++
	e.LastAccessedAt = at
	return nil
}

func (s *MemoryStore) DeleteMemory(_ context.Context, namespace, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := memoryKey{namespace, key}
	if _, ok := s.memory[k]; !ok {
		return false, nil
	}
	delete(s.memory, k)
	return true, nil
}

func (s *MemoryStore) ListMemory(ctx context.Context, namespace string, limit int) ([]*shared.MemoryEntry, error) {
	return s.SearchMemory(ctx, MemoryQuery{Namespace: namespace, Limit: limit, SortBy: SortByKey})
}

func (s *MemoryStore) SearchMemory(_ context.Context, q MemoryQuery) ([]*shared.MemoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	match := func(string) bool { return true }
	if q.Pattern != "" && q.Pattern != "*" {
		re := globRegexp(q.Pattern)
		match = re.MatchString
	}

	var out []*shared.MemoryEntry
	for k, e := range s.memory {
		if (q.Namespace == "" || k.namespace == q.Namespace) && match(k.key) {
			out = append(out, e.Clone())
		}
	}
	sortMemory(out, q.SortBy)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func sortMemory(entries []*shared.MemoryEntry, by string) {
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		switch by {
		case SortByKey:
			if a.Key != b.Key {
				return a.Key < b.Key
			}
			return a.Namespace < b.Namespace
		case SortByCreated:
			if a.CreatedAt != b.CreatedAt {
				return a.CreatedAt > b.CreatedAt
			}
		case SortByAccessCount:
			if a.AccessCount != b.AccessCount {
				return a.AccessCount > b.AccessCount
			}
		default:
			if a.LastAccessedAt != b.LastAccessedAt {
				return a.LastAccessedAt > b.LastAccessedAt
			}
		}
		return a.Key < b.Key
	})
}

func (s *MemoryStore) CountMemory(_ context.Context, namespace string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if namespace == "" {
		return len(s.memory), nil
	}
	n := 0
	for k := range s.memory {
		if k.namespace == namespace {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) PruneExpiredMemory(_ context.Context, now int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, e := range s.memory {
		if e.Expired(now) {
			delete(s.memory, k)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) TrimNamespace(_ context.Context, namespace string, maxEntries int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var entries []*shared.MemoryEntry
	for k, e := range s.memory {
		if k.namespace == namespace {
			entries = append(entries, e)
		}
	}
	if len(entries) <= maxEntries {
		return 0, nil
	}
	sortMemory(entries, SortByAccessed)
	if maxEntries < 0 {
		maxEntries = 0
	}
	for _, e := range entries[maxEntries:] {
		delete(s.memory, memoryKey{namespace, e.Key})
	}
	return len(entries) - maxEntries, nil
}

// ============================================================================
// Metrics and statistics
// ============================================================================

func (s *MemoryStore) RecordMetric(_ context.Context, m *shared.PerformanceMetric) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *m
	c.Metadata = shared.CloneMap(m.Metadata)
	s.metrics = append(s.metrics, &c)
	return nil
}

func (s *MemoryStore) ListMetrics(_ context.Context, filter MetricFilter) ([]*shared.PerformanceMetric, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*shared.PerformanceMetric
	for _, m := range s.metrics {
		if !filter.match(m) {
			continue
		}
		c := *m
		c.Metadata = shared.CloneMap(m.Metadata)
		out = append(out, &c)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) SwarmStats(_ context.Context, swarmID string) (*shared.SwarmStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := &shared.SwarmStats{SwarmID: swarmID}
	agents := map[shared.AgentStatus]int{}
	for _, a := range s.agents {
		if a.SwarmID == swarmID {
			agents[a.Status]++
		}
	}
	tasks := map[shared.TaskStatus]int{}
	for _, t := range s.tasks {
		if t.SwarmID == swarmID {
			tasks[t.Status]++
		}
	}
	for _, m := range s.messages {
		if m.SwarmID == swarmID && m.DeliveredAt == 0 {
			st.PendingMessages++
		}
	}
	for _, p := range s.proposals {
		if p.SwarmID == swarmID && p.Status == shared.ConsensusPending {
			st.PendingProposals++
		}
	}
	fillSwarmStats(st, agents, tasks)
	return st, nil
}

func (s *MemoryStore) StrategyStats(_ context.Context, swarmID string) ([]shared.StrategyStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byStrategy := map[string]*shared.StrategyStats{}
	durations := map[string]int64{}
	timed := map[string]int{}
	for _, t := range s.tasks {
		if t.SwarmID != swarmID || t.Strategy == "" {
			continue
		}
		st, ok := byStrategy[t.Strategy]
		if !ok {
			st = &shared.StrategyStats{Strategy: t.Strategy}
			byStrategy[t.Strategy] = st
		}
		st.Total++
		switch t.Status {
		case shared.TaskStatusCompleted:
			st.Completed++
			if t.CompletedAt > 0 {
				durations[t.Strategy] += t.CompletedAt - t.CreatedAt
				timed[t.Strategy]++
			}
		case shared.TaskStatusFailed:
			st.Failed++
		}
	}

	out := make([]shared.StrategyStats, 0, len(byStrategy))
	for name, st := range byStrategy {
		if timed[name] > 0 {
			st.AvgCompletionTime = float64(durations[name]) / float64(timed[name])
		}
		if finished := st.Completed + st.Failed; finished > 0 {
			st.SuccessRate = float64(st.Completed) / float64(finished)
		}
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Strategy < out[j].Strategy })
	return out, nil
}
