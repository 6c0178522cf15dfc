package memory

import (
	"context"
	"sort"
	"strings"

	"github.com/blackms/hivemind-go/internal/infrastructure/cache"
	"github.com/blackms/hivemind-go/internal/shared"
)

// CleanupResult reports one retention cycle.
type CleanupResult struct {
	StartedAt    int64          `json:"startedAt"`
	CompletedAt  int64          `json:"completedAt"`
	CacheExpired int            `json:"cacheExpired"`
	StoreExpired int            `json:"storeExpired"`
	Trimmed      map[string]int `json:"trimmed,omitempty"`
	Forgotten    int            `json:"forgotten"`
	Patterns     int            `json:"patterns"`
	Error        string         `json:"error,omitempty"`
}

// OnCleanup registers fn to run after every cleanup cycle.
func (s *Service) OnCleanup(fn func(context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onCleanup = append(s.onCleanup, fn)
}

// Start launches the background maintenance cycle: retention cleanup followed
// by co-access pattern learning.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running || s.cfg.CleanupInterval <= 0 {
		s.mu.Unlock()
		return
	}
	s.running = true
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	ticker := s.clock.NewTicker(s.cfg.CleanupInterval)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.RunCleanup(ctx)
			}
		}
	}()
}

// Stop halts the cleanup cycle.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
}

// RunCleanup evicts expired entries from the cache and the store, trims
// size-bounded namespaces, then runs the registered cleanup hooks.
func (s *Service) RunCleanup(ctx context.Context) *CleanupResult {
	now := s.clock.Now().UnixMilli()
	result := &CleanupResult{StartedAt: now, Trimmed: make(map[string]int)}

	result.CacheExpired = s.cache.PruneExpired(now)

	n, err := s.store.PruneExpiredMemory(ctx, now)
	if err != nil {
		s.logger.Warn("prune expired memory failed", "error", err)
		result.Error = err.Error()
	}
	result.StoreExpired = n
	result.Forgotten = s.tracker.pruneExpired(now)

	namespaces := make([]string, 0, len(s.policies))
	for ns := range s.policies {
		namespaces = append(namespaces, ns)
	}
	sort.Strings(namespaces)

	for _, ns := range namespaces {
		p := s.policies[ns]
		if p.Retention != shared.RetentionSize || p.MaxEntries <= 0 {
			continue
		}
		trimmed, err := s.store.TrimNamespace(ctx, ns, p.MaxEntries)
		if err != nil {
			s.logger.Warn("trim namespace failed", "namespace", ns, "error", err)
			if result.Error == "" {
				result.Error = err.Error()
			}
			continue
		}
		if trimmed > 0 {
			result.Trimmed[ns] = trimmed
			prefix := cacheKey(ns, "")
			s.cache.DeleteFunc(func(it cache.Item) bool {
				return strings.HasPrefix(it.Key, prefix)
			})
			result.Forgotten += s.forgetTrimmed(ctx, ns)
		}
	}

	patterns, err := s.LearnPatterns(ctx)
	if err != nil {
		s.logger.Warn("learn patterns failed", "error", err)
		if result.Error == "" {
			result.Error = err.Error()
		}
	}
	result.Patterns = len(patterns)

	result.CompletedAt = s.clock.Now().UnixMilli()
	if result.CacheExpired+result.StoreExpired > 0 || len(result.Trimmed) > 0 {
		s.logger.Debug("memory cleanup",
			"cacheExpired", result.CacheExpired,
			"storeExpired", result.StoreExpired,
			"trimmed", result.Trimmed,
			"forgotten", result.Forgotten)
	}

	s.mu.Lock()
	s.lastCleanup = result
	hooks := append([]func(context.Context){}, s.onCleanup...)
	s.mu.Unlock()

	for _, fn := range hooks {
		fn(ctx)
	}
	return result
}

// forgetTrimmed drops access statistics of keys no longer stored in ns.
func (s *Service) forgetTrimmed(ctx context.Context, ns string) int {
	left, err := s.store.ListMemory(ctx, ns, 0)
	if err != nil {
		s.logger.Warn("list trimmed namespace failed", "namespace", ns, "error", err)
		return 0
	}
	keep := make(map[string]struct{}, len(left))
	for _, e := range left {
		keep[e.Key] = struct{}{}
	}
	return s.tracker.retain(ns, keep)
}
