// Package memory provides the swarm memory subsystem: a write-through cache
// over the persistence layer with compression, object pooling, access
// tracking, retention policies and a health monitor.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blackms/hivemind-go/internal/config"
	"github.com/blackms/hivemind-go/internal/infrastructure/cache"
	"github.com/blackms/hivemind-go/internal/infrastructure/clock"
	"github.com/blackms/hivemind-go/internal/infrastructure/logging"
	"github.com/blackms/hivemind-go/internal/infrastructure/persistence"
	"github.com/blackms/hivemind-go/internal/shared"
)

// DefaultNamespace is used when a caller passes an empty namespace.
const DefaultNamespace = "default"

// Service is the memory subsystem. The persistence store is the source of
// truth; the cache only holds decoded copies, so a cache miss never loses data.
type Service struct {
	store     persistence.Store
	cache     *cache.LRU
	entries   *cache.Pool[*shared.MemoryEntry]
	results   *cache.Pool[[]*shared.MemoryEntry]
	codec     cache.Codec
	threshold int
	policies  map[string]shared.NamespacePolicy
	cfg       config.MemoryConfig

	clock  clock.Clock
	events shared.Publisher
	logger *slog.Logger

	tracker *accessTracker

	// keyLocks order the persist and cache steps of writers to one key.
	keyLocks [keyLockStripes]sync.Mutex

	// Statistics
	storeCount    atomic.Int64
	retrieveCount atomic.Int64
	searchCount   atomic.Int64
	deleteCount   atomic.Int64
	compressed    atomic.Int64
	bytesSaved    atomic.Int64

	latencyMu    sync.Mutex
	avgLatencyMs float64
	latencyCount int64

	mu          sync.Mutex
	running     bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	lastCleanup *CleanupResult
	onCleanup   []func(context.Context)
}

// NewService creates a memory service over store.
func NewService(store persistence.Store, cfg config.MemoryConfig, clk clock.Clock, pub shared.Publisher, logger *slog.Logger) (*Service, error) {
	codec, err := cache.ParseCodec(cfg.Compression)
	if err != nil {
		return nil, shared.NewValidationError(err.Error(), map[string]interface{}{"field": "memory.compression"})
	}
	if clk == nil {
		clk = clock.Real()
	}

	policies := make(map[string]shared.NamespacePolicy, len(cfg.Namespaces))
	for ns, p := range cfg.Namespaces {
		policies[ns] = p
	}

	svc := &Service{
		store:     store,
		cache:     cache.NewLRU(cfg.MaxEntries, cfg.MaxBytes),
		entries:   cache.NewPool(cfg.EntryPoolSize, func() *shared.MemoryEntry { return &shared.MemoryEntry{} }, resetEntry),
		results:   cache.NewPool(cfg.ResultPoolSize, func() []*shared.MemoryEntry { return make([]*shared.MemoryEntry, 0, 64) }, resetResults),
		codec:     codec,
		threshold: cfg.CompressionThreshold,
		policies:  policies,
		cfg:       cfg,
		clock:     clk,
		events:    pub,
		logger:    logging.Component(logger, "memory"),
		tracker:   newAccessTracker(),
	}
	svc.entries.Warm()
	svc.results.Warm()
	return svc, nil
}

func resetEntry(e *shared.MemoryEntry) *shared.MemoryEntry {
	*e = shared.MemoryEntry{}
	return e
}

func resetResults(buf []*shared.MemoryEntry) []*shared.MemoryEntry {
	for i := range buf {
		buf[i] = nil
	}
	return buf[:0]
}

func cacheKey(namespace, key string) string {
	return namespace + "\x00" + key
}

const keyLockStripes = 64

func (s *Service) lockKey(namespace, key string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(cacheKey(namespace, key)))
	mu := &s.keyLocks[h.Sum32()%keyLockStripes]
	mu.Lock()
	return mu.Unlock
}

func normalize(namespace string) string {
	if namespace == "" {
		return DefaultNamespace
	}
	return namespace
}

// Policy returns the retention policy of namespace. Unconfigured namespaces
// are persistent.
func (s *Service) Policy(namespace string) shared.NamespacePolicy {
	if p, ok := s.policies[normalize(namespace)]; ok {
		return p
	}
	return shared.NamespacePolicy{Retention: shared.RetentionPersistent}
}

// ============================================================================
// Store / Retrieve
// ============================================================================

// StoreOptions are optional parameters of Store.
type StoreOptions struct {
	// TTL overrides the namespace TTL. Zero uses the namespace policy.
	TTL      time.Duration
	Metadata map[string]interface{}
}

// Store writes value under (namespace, key), replacing any previous value.
// Values above the compression threshold are compressed when that shrinks them.
func (s *Service) Store(ctx context.Context, namespace, key string, value []byte, opts StoreOptions) error {
	start := s.clock.Now()
	defer func() {
		s.storeCount.Add(1)
		s.recordLatency(s.clock.Now().Sub(start))
	}()

	if key == "" {
		return shared.NewValidationError("memory key is required", map[string]interface{}{"namespace": namespace})
	}
	namespace = normalize(namespace)

	ttl := opts.TTL
	if ttl == 0 {
		if p := s.Policy(namespace); p.Retention == shared.RetentionTime {
			ttl = p.TTL
		}
	}

	now := start.UnixMilli()
	e := s.entries.Get()
	defer s.entries.Put(e)

	e.Key = key
	e.Namespace = namespace
	e.Value = value
	e.TTL = ttl.Milliseconds()
	e.CreatedAt = now
	e.LastAccessedAt = now
	e.Metadata = opts.Metadata

	if s.codec != cache.CodecNone && s.threshold > 0 && len(value) > s.threshold {
		packed, err := cache.Compress(s.codec, value)
		switch {
		case err == nil:
			e.Value = packed
			e.Compressed = true
			e.Codec = string(s.codec)
			e.OriginalSize = len(value)
		case errors.Is(err, cache.ErrIncompressible):
		default:
			s.logger.Warn("compression failed, storing raw", "namespace", namespace, "key", key, "error", err)
		}
	}

	unlock := s.lockKey(namespace, key)
	defer unlock()

	if err := s.store.StoreMemory(ctx, e); err != nil {
		return shared.NewPersistenceError("store memory", err, map[string]interface{}{"namespace": namespace, "key": key})
	}
	if e.Compressed {
		s.compressed.Add(1)
		s.bytesSaved.Add(int64(e.OriginalSize - len(e.Value)))
	}

	s.cache.Set(cache.Item{
		Key:       cacheKey(namespace, key),
		Value:     append([]byte(nil), value...),
		Size:      int64(len(key) + len(namespace) + len(value)),
		ExpiresAt: e.ExpiresAt(),
	})
	s.tracker.record(namespace, key, accessWrite, now)
	s.tracker.expires(namespace, key, e.ExpiresAt())
	return nil
}

// Retrieve returns the value under (namespace, key). found is false when the
// key is absent or expired.
func (s *Service) Retrieve(ctx context.Context, namespace, key string) (value []byte, found bool, err error) {
	start := s.clock.Now()
	defer func() {
		s.retrieveCount.Add(1)
		s.recordLatency(s.clock.Now().Sub(start))
	}()

	namespace = normalize(namespace)
	now := start.UnixMilli()

	if it, ok := s.cache.Get(cacheKey(namespace, key), now); ok {
		s.tracker.record(namespace, key, accessHit, now)
		s.touch(ctx, namespace, key, now)
		return append([]byte(nil), it.Value.([]byte)...), true, nil
	}
	s.tracker.record(namespace, key, accessMiss, now)

	// The store read and the cache fill must not interleave with a writer.
	unlock := s.lockKey(namespace, key)
	defer unlock()

	e, err := s.store.GetMemory(ctx, namespace, key)
	if err != nil {
		if shared.IsNotFound(err) {
			return nil, false, nil
		}
		return nil, false, shared.NewPersistenceError("get memory", err, map[string]interface{}{"namespace": namespace, "key": key})
	}
	if e.Expired(now) {
		if _, err := s.store.DeleteMemory(ctx, namespace, key); err != nil {
			s.logger.Debug("delete expired entry failed", "namespace", namespace, "key", key, "error", err)
		}
		s.tracker.forget(namespace, key)
		return nil, false, nil
	}

	raw, err := decode(e)
	if err != nil {
		return nil, false, shared.NewPersistenceError("decode memory", err, map[string]interface{}{"namespace": namespace, "key": key, "codec": e.Codec})
	}

	s.cache.Set(cache.Item{
		Key:       cacheKey(namespace, key),
		Value:     append([]byte(nil), raw...),
		Size:      int64(len(key) + len(namespace) + len(raw)),
		ExpiresAt: e.ExpiresAt(),
	})
	s.touch(ctx, namespace, key, now)
	return raw, true, nil
}

func (s *Service) touch(ctx context.Context, namespace, key string, now int64) {
	if err := s.store.TouchMemory(ctx, namespace, key, now); err != nil && !shared.IsNotFound(err) {
		s.logger.Debug("touch memory failed", "namespace", namespace, "key", key, "error", err)
	}
}

func decode(e *shared.MemoryEntry) ([]byte, error) {
	if !e.Compressed {
		return e.Value, nil
	}
	return cache.Decompress(cache.Codec(e.Codec), e.Value, e.OriginalSize)
}

// StoreJSON marshals v and stores it.
func (s *Service) StoreJSON(ctx context.Context, namespace, key string, v interface{}, opts StoreOptions) error {
	data, err := json.Marshal(v)
	if err != nil {
		return shared.NewValidationError("value is not serializable: "+err.Error(), map[string]interface{}{"namespace": namespace, "key": key})
	}
	return s.Store(ctx, namespace, key, data, opts)
}

// Remember stores v as JSON under the namespace's retention policy.
func (s *Service) Remember(ctx context.Context, namespace, key string, v interface{}) error {
	return s.StoreJSON(ctx, namespace, key, v, StoreOptions{})
}

// RetrieveJSON unmarshals the stored value into out.
func (s *Service) RetrieveJSON(ctx context.Context, namespace, key string, out interface{}) (bool, error) {
	data, found, err := s.Retrieve(ctx, namespace, key)
	if err != nil || !found {
		return found, err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, shared.NewValidationError("stored value is not valid JSON: "+err.Error(), map[string]interface{}{"namespace": namespace, "key": key})
	}
	return true, nil
}

// ============================================================================
// Batch operations
// ============================================================================

// BatchItem is one write in StoreBatch.
type BatchItem struct {
	Namespace string
	Key       string
	Value     []byte
	TTL       time.Duration
}

// StoreBatch stores every item and returns how many succeeded. The first
// error is returned after all items were attempted.
func (s *Service) StoreBatch(ctx context.Context, items []BatchItem) (int, error) {
	var firstErr error
	stored := 0
	for _, it := range items {
		if err := s.Store(ctx, it.Namespace, it.Key, it.Value, StoreOptions{TTL: it.TTL}); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		stored++
	}
	return stored, firstErr
}

// RetrieveBatch returns the values found for keys in namespace. Missing keys
// are absent from the result.
func (s *Service) RetrieveBatch(ctx context.Context, namespace string, keys []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	for _, key := range keys {
		v, found, err := s.Retrieve(ctx, namespace, key)
		if err != nil {
			return out, err
		}
		if found {
			out[key] = v
		}
	}
	return out, nil
}

// ============================================================================
// Search / Delete / List
// ============================================================================

// SearchOptions selects entries for Search.
type SearchOptions struct {
	Namespace string
	// Pattern is a glob over keys (* and ?). Empty matches everything.
	Pattern string
	Limit   int
	// SortBy is one of the persistence.SortBy constants.
	SortBy string
}

// Search returns decoded entries matching opts. Expired entries are skipped.
func (s *Service) Search(ctx context.Context, opts SearchOptions) ([]*shared.MemoryEntry, error) {
	start := s.clock.Now()
	defer func() {
		s.searchCount.Add(1)
		s.recordLatency(s.clock.Now().Sub(start))
	}()

	found, err := s.store.SearchMemory(ctx, persistence.MemoryQuery{
		Namespace: opts.Namespace,
		Pattern:   opts.Pattern,
		Limit:     opts.Limit,
		SortBy:    opts.SortBy,
	})
	if err != nil {
		return nil, shared.NewPersistenceError("search memory", err, map[string]interface{}{"namespace": opts.Namespace, "pattern": opts.Pattern})
	}
	return s.decodeAll(found, start.UnixMilli())
}

// List returns up to limit entries of namespace ordered by key.
func (s *Service) List(ctx context.Context, namespace string, limit int) ([]*shared.MemoryEntry, error) {
	found, err := s.store.ListMemory(ctx, normalize(namespace), limit)
	if err != nil {
		return nil, shared.NewPersistenceError("list memory", err, map[string]interface{}{"namespace": namespace})
	}
	return s.decodeAll(found, clock.Millis(s.clock))
}

func (s *Service) decodeAll(found []*shared.MemoryEntry, now int64) ([]*shared.MemoryEntry, error) {
	buf := s.results.Get()
	defer func() { s.results.Put(buf) }()

	for _, e := range found {
		if e.Expired(now) {
			continue
		}
		raw, err := decode(e)
		if err != nil {
			return nil, shared.NewPersistenceError("decode memory", err, map[string]interface{}{"namespace": e.Namespace, "key": e.Key})
		}
		e.Value = raw
		e.Compressed = false
		e.Codec = ""
		buf = append(buf, e)
	}

	out := make([]*shared.MemoryEntry, len(buf))
	copy(out, buf)
	return out, nil
}

// Delete removes (namespace, key) from the store and the cache.
func (s *Service) Delete(ctx context.Context, namespace, key string) (bool, error) {
	s.deleteCount.Add(1)
	namespace = normalize(namespace)
	unlock := s.lockKey(namespace, key)
	defer unlock()

	s.cache.Delete(cacheKey(namespace, key))
	s.tracker.forget(namespace, key)

	deleted, err := s.store.DeleteMemory(ctx, namespace, key)
	if err != nil {
		return false, shared.NewPersistenceError("delete memory", err, map[string]interface{}{"namespace": namespace, "key": key})
	}
	return deleted, nil
}

// Count returns the number of stored entries in namespace.
func (s *Service) Count(ctx context.Context, namespace string) (int, error) {
	return s.store.CountMemory(ctx, normalize(namespace))
}

// ============================================================================
// Statistics
// ============================================================================

// ServiceStats is a snapshot of the memory subsystem.
type ServiceStats struct {
	Cache         cache.Stats     `json:"cache"`
	EntryPool     cache.PoolStats `json:"entryPool"`
	ResultPool    cache.PoolStats `json:"resultPool"`
	PoolReuseRate float64         `json:"poolReuseRate"`
	Stores        int64           `json:"stores"`
	Retrieves     int64           `json:"retrieves"`
	Searches      int64           `json:"searches"`
	Deletes       int64           `json:"deletes"`
	Compressed    int64           `json:"compressed"`
	BytesSaved    int64           `json:"bytesSaved"`
	AvgLatencyMs  float64         `json:"avgLatencyMs"`
	TrackedKeys   int             `json:"trackedKeys"`
	Codec         string          `json:"codec"`
	LastCleanupAt int64           `json:"lastCleanupAt,omitempty"`
	Namespaces    []string        `json:"namespaces"`
}

// Stats returns a snapshot of counters.
func (s *Service) Stats() ServiceStats {
	st := ServiceStats{
		Cache:       s.cache.Stats(),
		EntryPool:   s.entries.Stats(),
		ResultPool:  s.results.Stats(),
		Stores:      s.storeCount.Load(),
		Retrieves:   s.retrieveCount.Load(),
		Searches:    s.searchCount.Load(),
		Deletes:     s.deleteCount.Load(),
		Compressed:  s.compressed.Load(),
		BytesSaved:  s.bytesSaved.Load(),
		TrackedKeys: s.tracker.len(),
		Codec:       string(s.codec),
	}

	// Pools with no traffic are not penalized.
	gets := st.EntryPool.Hits + st.EntryPool.Misses + st.ResultPool.Hits + st.ResultPool.Misses
	if gets == 0 {
		st.PoolReuseRate = 1
	} else {
		st.PoolReuseRate = float64(st.EntryPool.Hits+st.ResultPool.Hits) / float64(gets)
	}

	s.latencyMu.Lock()
	st.AvgLatencyMs = s.avgLatencyMs
	s.latencyMu.Unlock()

	s.mu.Lock()
	if s.lastCleanup != nil {
		st.LastCleanupAt = s.lastCleanup.CompletedAt
	}
	s.mu.Unlock()

	for ns := range s.policies {
		st.Namespaces = append(st.Namespaces, ns)
	}
	sort.Strings(st.Namespaces)
	return st
}

func (s *Service) recordLatency(d time.Duration) {
	ms := float64(d.Microseconds()) / 1000
	s.latencyMu.Lock()
	defer s.latencyMu.Unlock()
	s.latencyCount++
	if s.latencyCount == 1 {
		s.avgLatencyMs = ms
		return
	}
	s.avgLatencyMs = s.avgLatencyMs*0.9 + ms*0.1
}
