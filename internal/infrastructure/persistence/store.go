// Package persistence is the single source of truth for swarm state. It
// offers a durable SQLite backend and an in-process fallback behind the
// same Store interface.
package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/blackms/hivemind-go/internal/infrastructure/logging"
	"github.com/blackms/hivemind-go/internal/shared"
)

// Backend names.
const (
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// Store is the persistence contract shared by every subsystem.
//
// The Update* methods apply fn to the current row and write the result
// atomically; concurrent updates to the same row are serialized. fn must
// not call back into the Store. Returning an error from fn aborts the
// update and the error is returned unchanged.
type Store interface {
	Backend() string
	Close() error

	CreateSwarm(ctx context.Context, s *shared.Swarm) error
	GetSwarm(ctx context.Context, id string) (*shared.Swarm, error)
	GetActiveSwarm(ctx context.Context) (*shared.Swarm, error)
	// SetActiveSwarm marks id active and every other swarm inactive.
	SetActiveSwarm(ctx context.Context, id string) error
	ListSwarms(ctx context.Context) ([]*shared.Swarm, error)
	// DeleteSwarm removes the swarm and every row it owns.
	DeleteSwarm(ctx context.Context, id string) error

	CreateAgent(ctx context.Context, a *shared.Agent) error
	GetAgent(ctx context.Context, id string) (*shared.Agent, error)
	UpdateAgent(ctx context.Context, id string, fn func(*shared.Agent) error) (*shared.Agent, error)
	ListAgents(ctx context.Context, swarmID string) ([]*shared.Agent, error)
	DeleteAgent(ctx context.Context, id string) error

	CreateTask(ctx context.Context, t *shared.Task) error
	GetTask(ctx context.Context, id string) (*shared.Task, error)
	UpdateTask(ctx context.Context, id string, fn func(*shared.Task) error) (*shared.Task, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]*shared.Task, error)
	// GetPendingTasks returns pending tasks by priority rank, then age.
	GetPendingTasks(ctx context.Context, swarmID string) ([]*shared.Task, error)

	CreateMessage(ctx context.Context, m *shared.Message) error
	GetMessage(ctx context.Context, id string) (*shared.Message, error)
	// GetPendingMessages returns undelivered direct messages for agentID by
	// priority lane, then timestamp.
	GetPendingMessages(ctx context.Context, agentID string) ([]*shared.Message, error)
	MarkMessageDelivered(ctx context.Context, id string, at int64) error
	MarkMessageRead(ctx context.Context, id string, at int64) error
	ListMessages(ctx context.Context, swarmID string, limit int) ([]*shared.Message, error)

	CreateProposal(ctx context.Context, p *shared.ConsensusProposal) error
	GetProposal(ctx context.Context, id string) (*shared.ConsensusProposal, error)
	UpdateProposal(ctx context.Context, id string, fn func(*shared.ConsensusProposal) error) (*shared.ConsensusProposal, error)
	ListProposals(ctx context.Context, swarmID string, status shared.ConsensusStatus) ([]*shared.ConsensusProposal, error)

	// StoreMemory inserts or replaces the entry for (namespace, key).
	StoreMemory(ctx context.Context, e *shared.MemoryEntry) error
	GetMemory(ctx context.Context, namespace, key string) (*shared.MemoryEntry, error)
	// TouchMemory bumps the access count and last-access time.
	TouchMemory(ctx context.Context, namespace, key string, at int64) error
	DeleteMemory(ctx context.Context, namespace, key string) (bool, error)
	ListMemory(ctx context.Context, namespace string, limit int) ([]*shared.MemoryEntry, error)
	SearchMemory(ctx context.Context, q MemoryQuery) ([]*shared.MemoryEntry, error)
	CountMemory(ctx context.Context, namespace string) (int, error)
	// PruneExpiredMemory deletes entries whose TTL elapsed at now.
	PruneExpiredMemory(ctx context.Context, now int64) (int, error)
	// TrimNamespace deletes least recently accessed entries until at most
	// maxEntries remain.
	TrimNamespace(ctx context.Context, namespace string, maxEntries int) (int, error)

	RecordMetric(ctx context.Context, m *shared.PerformanceMetric) error
	ListMetrics(ctx context.Context, filter MetricFilter) ([]*shared.PerformanceMetric, error)

	SwarmStats(ctx context.Context, swarmID string) (*shared.SwarmStats, error)
	StrategyStats(ctx context.Context, swarmID string) ([]shared.StrategyStats, error)
}

// TaskFilter narrows ListTasks. Zero fields match everything.
type TaskFilter struct {
	SwarmID  string
	Statuses []shared.TaskStatus
	Strategy string
	Limit    int
}

func (f TaskFilter) match(t *shared.Task) bool {
	if f.SwarmID != "" && t.SwarmID != f.SwarmID {
		return false
	}
	if f.Strategy != "" && t.Strategy != f.Strategy {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if t.Status == s {
			return true
		}
	}
	return false
}

// Memory sort orders for SearchMemory.
const (
	SortByAccessed    = "accessed"
	SortByCreated     = "created"
	SortByAccessCount = "access_count"
	SortByKey         = "key"
)

// MemoryQuery selects memory entries. Pattern is a glob over keys where
// '*' matches any run of characters and '?' a single one.
type MemoryQuery struct {
	Namespace string
	Pattern   string
	Limit     int
	SortBy    string
}

// MetricFilter narrows ListMetrics.
type MetricFilter struct {
	SwarmID    string
	AgentID    string
	MetricType string
	Since      int64
	Limit      int
}

func (f MetricFilter) match(m *shared.PerformanceMetric) bool {
	return (f.SwarmID == "" || m.SwarmID == f.SwarmID) &&
		(f.AgentID == "" || m.AgentID == f.AgentID) &&
		(f.MetricType == "" || m.MetricType == f.MetricType) &&
		m.RecordedAt >= f.Since
}

// Options selects how Open builds the store.
type Options struct {
	// Engine is auto, sqlite or memory. auto falls back to memory when
	// the SQLite file cannot be opened.
	Engine string
	Path   string
	// OnFallback is called once when auto mode downgrades to memory.
	OnFallback func(err error)
}

// Open builds the configured store. Only an explicit sqlite engine
// returns an initialization error; auto degrades instead.
func Open(ctx context.Context, opts Options, logger *slog.Logger) (Store, error) {
	logger = logging.Component(logger, "persistence")

	switch opts.Engine {
	case BackendMemory:
		logger.Info("using in-memory store")
		return NewMemoryStore(), nil
	case BackendSQLite:
		return NewSQLiteStore(ctx, opts.Path)
	}

	s, err := NewSQLiteStore(ctx, opts.Path)
	if err == nil {
		logger.Info("opened sqlite store", "path", opts.Path)
		return s, nil
	}
	logger.Warn("durable store unavailable, falling back to in-memory storage", "path", opts.Path, "error", err)
	if opts.OnFallback != nil {
		opts.OnFallback(err)
	}
	return NewMemoryStore(), nil
}

// ============================================================================
// helpers shared by both backends
// ============================================================================

// jsonFields encodes JSON columns and keeps the first failure, so a
// statement is never written with a silently emptied column.
type jsonFields struct {
	err error
}

func (j *jsonFields) encode(column string, v interface{}) string {
	s, err := encodeJSON(v)
	if err != nil && j.err == nil {
		j.err = fmt.Errorf("encode %s: %w", column, err)
	}
	return s
}

func encodeJSON(v interface{}) (string, error) {
	if v == nil {
		return "", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(b) == "null" {
		return "", nil
	}
	return string(b), nil
}

func decodeJSON(s string, v interface{}) error {
	if s == "" {
		return nil
	}
	return json.Unmarshal([]byte(s), v)
}

// globRegexp compiles a key glob into an anchored regexp.
func globRegexp(pattern string) *regexp.Regexp {
	var b strings.Builder
	b.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return regexp.MustCompile(b.String())
}

// likePattern turns a key glob into a LIKE pattern escaped with '\'.
func likePattern(pattern string) string {
	var b strings.Builder
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteByte('%')
		case '?':
			b.WriteByte('_')
		case '%', '_', '\\':
			b.WriteByte('\\')
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
