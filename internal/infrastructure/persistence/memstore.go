package persistence

import (
	"context"
	"sort"
	"sync"

	"github.com/blackms/hivemind-go/internal/shared"
)

// MemoryStore is the in-process Store used when no durable engine is
// available. Every value crossing its boundary is deep-copied.
type MemoryStore struct {
	mu        sync.RWMutex
	swarms    map[string]*shared.Swarm
	agents    map[string]*shared.Agent
	tasks     map[string]*shared.Task
	messages  map[string]*shared.Message
	proposals map[string]*shared.ConsensusProposal
	memory    map[memoryKey]*shared.MemoryEntry
	metrics   []*shared.PerformanceMetric
}

type memoryKey struct {
	namespace string
	key       string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		swarms:    make(map[string]*shared.Swarm),
		agents:    make(map[string]*shared.Agent),
		tasks:     make(map[string]*shared.Task),
		messages:  make(map[string]*shared.Message),
		proposals: make(map[string]*shared.ConsensusProposal),
		memory:    make(map[memoryKey]*shared.MemoryEntry),
	}
}

func (s *MemoryStore) Backend() string { return BackendMemory }

func (s *MemoryStore) Close() error { return nil }

// ============================================================================
// Swarms
// ============================================================================

func (s *MemoryStore) CreateSwarm(_ context.Context, sw *shared.Swarm) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.swarms[sw.ID]; ok {
		return shared.NewValidationError("swarm already exists", map[string]interface{}{"id": sw.ID})
	}
	s.swarms[sw.ID] = sw.Clone()
	return nil
}

func (s *MemoryStore) GetSwarm(_ context.Context, id string) (*shared.Swarm, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sw, ok := s.swarms[id]
	if !ok {
		return nil, shared.NewNotFoundError("swarm", id, "get")
	}
	return sw.Clone(), nil
}

func (s *MemoryStore) GetActiveSwarm(_ context.Context) (*shared.Swarm, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *shared.Swarm
	for _, sw := range s.swarms {
		if sw.IsActive && (best == nil || sw.CreatedAt > best.CreatedAt) {
			best = sw
		}
	}
	if best == nil {
		return nil, shared.NewNotFoundError("swarm", "active", "get")
	}
	return best.Clone(), nil
}

func (s *MemoryStore) SetActiveSwarm(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.swarms[id]; !ok {
		return shared.NewNotFoundError("swarm", id, "activate")
	}
	for sid, sw := range s.swarms {
		sw.IsActive = sid == id
	}
	return nil
}

func (s *MemoryStore) ListSwarms(_ context.Context) ([]*shared.Swarm, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*shared.Swarm, 0, len(s.swarms))
	for _, sw := range s.swarms {
		out = append(out, sw.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) DeleteSwarm(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.swarms[id]; !ok {
		return shared.NewNotFoundError("swarm", id, "delete")
	}
	delete(s.swarms, id)
	for k, a := range s.agents {
		if a.SwarmID == id {
			delete(s.agents, k)
		}
	}
	for k, t := range s.tasks {
		if t.SwarmID == id {
			delete(s.tasks, k)
		}
	}
	for k, m := range s.messages {
		if m.SwarmID == id {
			delete(s.messages, k)
		}
	}
	for k, p := range s.proposals {
		if p.SwarmID == id {
			delete(s.proposals, k)
		}
	}
	kept := s.metrics[:0]
	for _, m := range s.metrics {
		if m.SwarmID != id {
			kept = append(kept, m)
		}
	}
	s.metrics = kept
	return nil
}

// ============================================================================
// Agents
// ============================================================================

func (s *MemoryStore) CreateAgent(_ context.Context, a *shared.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[a.ID]; ok {
		return shared.NewValidationError("agent already exists", map[string]interface{}{"id": a.ID})
	}
	s.agents[a.ID] = a.Clone()
	return nil
}

func (s *MemoryStore) GetAgent(_ context.Context, id string) (*shared.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, shared.NewNotFoundError("agent", id, "get")
	}
	return a.Clone(), nil
}

func (s *MemoryStore) UpdateAgent(_ context.Context, id string, fn func(*shared.Agent) error) (*shared.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.agents[id]
	if !ok {
		return nil, shared.NewNotFoundError("agent", id, "update")
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.ID = id
	s.agents[id] = next
	return next.Clone(), nil
}

func (s *MemoryStore) ListAgents(_ context.Context, swarmID string) ([]*shared.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*shared.Agent
	for _, a := range s.agents {
		if a.SwarmID == swarmID {
			out = append(out, a.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) DeleteAgent(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[id]; !ok {
		return shared.NewNotFoundError("agent", id, "delete")
	}
	delete(s.agents, id)
	return nil
}

// ============================================================================
// Tasks
// ============================================================================

func (s *MemoryStore) CreateTask(_ context.Context, t *shared.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.ID]; ok {
		return shared.NewValidationError("task already exists", map[string]interface{}{"id": t.ID})
	}
	s.tasks[t.ID] = t.Clone()
	return nil
}

func (s *MemoryStore) GetTask(_ context.Context, id string) (*shared.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, shared.NewNotFoundError("task", id, "get")
	}
	return t.Clone(), nil
}

func (s *MemoryStore) UpdateTask(_ context.Context, id string, fn func(*shared.Task) error) (*shared.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.tasks[id]
	if !ok {
		return nil, shared.NewNotFoundError("task", id, "update")
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.ID = id
	s.tasks[id] = next
	return next.Clone(), nil
}

func (s *MemoryStore) ListTasks(_ context.Context, filter TaskFilter) ([]*shared.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*shared.Task
	for _, t := range s.tasks {
		if filter.match(t) {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) GetPendingTasks(ctx context.Context, swarmID string) ([]*shared.Task, error) {
	out, _ := s.ListTasks(ctx, TaskFilter{SwarmID: swarmID, Statuses: []shared.TaskStatus{shared.TaskStatusPending}})
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority.Rank() < out[j].Priority.Rank()
	})
	return out, nil
}

// ============================================================================
// Messages
// ============================================================================

func (s *MemoryStore) CreateMessage(_ context.Context, m *shared.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[m.ID]; ok {
		return shared.NewValidationError("message already exists", map[string]interface{}{"id": m.ID})
	}
	s.messages[m.ID] = m.Clone()
	return nil
}

func (s *MemoryStore) GetMessage(_ context.Context, id string) (*shared.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, shared.NewNotFoundError("message", id, "get")
	}
	return m.Clone(), nil
}

func (s *MemoryStore) GetPendingMessages(_ context.Context, agentID string) ([]*shared.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*shared.Message
	for _, m := range s.messages {
		if m.ToAgentID == agentID && m.DeliveredAt == 0 {
			out = append(out, m.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp < out[j].Timestamp
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) MarkMessageDelivered(_ context.Context, id string, at int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return shared.NewNotFoundError("message", id, "mark")
	}
	if m.DeliveredAt == 0 {
		m.DeliveredAt = at
	}
	return nil
}

func (s *MemoryStore) MarkMessageRead(_ context.Context, id string, at int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return shared.NewNotFoundError("message", id, "mark")
	}
	if m.ReadAt == 0 {
		m.ReadAt = at
	}
	return nil
}

func (s *MemoryStore) ListMessages(_ context.Context, swarmID string, limit int) ([]*shared.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*shared.Message
	for _, m := range s.messages {
		if m.SwarmID == swarmID {
			out = append(out, m.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp > out[j].Timestamp
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ============================================================================
// Consensus proposals
// ============================================================================

func (s *MemoryStore) CreateProposal(_ context.Context, p *shared.ConsensusProposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.proposals[p.ID]; ok {
		return shared.NewValidationError("proposal already exists", map[string]interface{}{"id": p.ID})
	}
	c := p.Clone()
	if c.Votes == nil {
		c.Votes = make(map[string]shared.Vote)
	}
	s.proposals[p.ID] = c
	return nil
}

func (s *MemoryStore) GetProposal(_ context.Context, id string) (*shared.ConsensusProposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.proposals[id]
	if !ok {
		return nil, shared.NewNotFoundError("proposal", id, "get")
	}
	return p.Clone(), nil
}

func (s *MemoryStore) UpdateProposal(_ context.Context, id string, fn func(*shared.ConsensusProposal) error) (*shared.ConsensusProposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.proposals[id]
	if !ok {
		return nil, shared.NewNotFoundError("proposal", id, "update")
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.ID = id
	s.proposals[id] = next
	return next.Clone(), nil
}

func (s *MemoryStore) ListProposals(_ context.Context, swarmID string, status shared.ConsensusStatus) ([]*shared.ConsensusProposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*shared.ConsensusProposal
	for _, p := range s.proposals {
		if p.SwarmID == swarmID && (status == "" || p.Status == status) {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}
