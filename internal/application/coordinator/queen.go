// Package coordinator provides the Queen, the strategic coordinator of a
// swarm. It analyzes submitted tasks, picks a coordination strategy, scores
// and selects agents, builds execution plans and keeps the swarm healthy.
package coordinator

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/blackms/hivemind-go/internal/application/hivemind"
	"github.com/blackms/hivemind-go/internal/config"
	"github.com/blackms/hivemind-go/internal/domain/agent"
	"github.com/blackms/hivemind-go/internal/domain/task"
	"github.com/blackms/hivemind-go/internal/infrastructure/clock"
	"github.com/blackms/hivemind-go/internal/infrastructure/events"
	"github.com/blackms/hivemind-go/internal/infrastructure/logging"
	"github.com/blackms/hivemind-go/internal/infrastructure/messaging"
	"github.com/blackms/hivemind-go/internal/infrastructure/persistence"
	"github.com/blackms/hivemind-go/internal/shared"
	"github.com/google/uuid"
)

// DecisionsNamespace is the memory namespace decisions are stored under.
const DecisionsNamespace = "decisions"

// maxDecisionHistory bounds the in-memory decision history.
const maxDecisionHistory = 1000

// ============================================================================
// Collaborators
// ============================================================================

// Member is a live agent the Queen can schedule. *agent.Worker satisfies it.
type Member interface {
	ID() string
	Type() shared.AgentType
	Status() shared.AgentStatus
	CurrentTaskID() string
	IsResponsive(now time.Time) bool
	AcceptTask(ctx context.Context, t *shared.Task, plan *task.ExecutionPlan) error
	Abandon(taskID string) bool
	MarkError(ctx context.Context, reason string) error
	Recover(ctx context.Context) error
	OnFinished(fn func(agent.Outcome))
}

// ConsensusEngine opens proposals. *hivemind.Engine satisfies it.
type ConsensusEngine interface {
	Propose(ctx context.Context, req hivemind.ProposalRequest) (*shared.ConsensusProposal, error)
	OnResolved(fn func(*shared.ConsensusProposal))
}

// Announcer publishes coordination notices. *messaging.Bus satisfies it.
type Announcer interface {
	SendToChannel(ctx context.Context, from, channel string, content map[string]interface{}, priority shared.MessagePriority) (*shared.Message, error)
}

// DecisionMemory keeps decisions for later learning. *memory.Service
// satisfies it.
type DecisionMemory interface {
	Remember(ctx context.Context, namespace, key string, v interface{}) error
}

// ============================================================================
// Decisions
// ============================================================================

// DecisionStatus is where a decision stands.
type DecisionStatus string

const (
	DecisionApplied           DecisionStatus = "applied"
	DecisionAwaitingConsensus DecisionStatus = "awaiting_consensus"
	DecisionRejected          DecisionStatus = "rejected"
	DecisionDeferred          DecisionStatus = "deferred"
)

// AgentScore is one agent's suitability for a task.
type AgentScore struct {
	AgentID           string             `json:"agentId"`
	AgentType         shared.AgentType   `json:"agentType"`
	Status            shared.AgentStatus `json:"status"`
	Score             float64            `json:"score"`
	CapabilityMatches int                `json:"capabilityMatches"`
	Affinity          float64            `json:"affinity"`
	Availability      float64            `json:"availability"`
	SuccessRate       float64            `json:"successRate"`
	Specialist        bool               `json:"specialist"`
}

// Decision is the Queen's answer to a submitted task.
type Decision struct {
	ID         string              `json:"id"`
	TaskID     string              `json:"taskId"`
	Strategy   string              `json:"strategy"`
	Analysis   task.Analysis       `json:"analysis"`
	Scores     []AgentScore        `json:"scores,omitempty"`
	Selected   []string            `json:"selected,omitempty"`
	Plan       *task.ExecutionPlan `json:"plan,omitempty"`
	ProposalID string              `json:"proposalId,omitempty"`
	Status     DecisionStatus      `json:"status"`
	Reason     string              `json:"reason,omitempty"`
	Outcome    shared.TaskStatus   `json:"outcome,omitempty"`
	CreatedAt  int64               `json:"createdAt"`
}

func (d *Decision) clone() *Decision {
	c := *d
	c.Scores = append([]AgentScore(nil), d.Scores...)
	c.Selected = shared.CopyStrings(d.Selected)
	if d.Plan != nil {
		p := *d.Plan
		p.Assignments = append([]task.Assignment(nil), d.Plan.Assignments...)
		p.Checkpoints = append([]task.Checkpoint(nil), d.Plan.Checkpoints...)
		p.Phases = append([]task.Phase(nil), d.Plan.Phases...)
		c.Plan = &p
	}
	return &c
}

// QueenMetrics reports the Queen's activity.
type QueenMetrics struct {
	TasksAnalyzed      int     `json:"tasksAnalyzed"`
	DecisionsApplied   int     `json:"decisionsApplied"`
	DecisionsDeferred  int     `json:"decisionsDeferred"`
	ConsensusRequested int     `json:"consensusRequested"`
	ConsensusRejected  int     `json:"consensusRejected"`
	Reassignments      int     `json:"reassignments"`
	RebalanceSignals   int     `json:"rebalanceSignals"`
	AvgDecisionTime    float64 `json:"avgDecisionTime"` // milliseconds
	Members            int     `json:"members"`
}

// ============================================================================
// Queen
// ============================================================================

// Options wires a Queen. Store is required.
type Options struct {
	SwarmID   string
	Topology  shared.SwarmTopology
	Store     persistence.Store
	Memory    DecisionMemory
	Consensus ConsensusEngine
	Bus       Announcer
	Registry  *agent.TypeRegistry
	Clock     clock.Clock
	Events    shared.Publisher
	Config    config.QueenConfig
	// MaxStrategyAgents caps how far the optimizer may grow a strategy.
	MaxStrategyAgents int
	Logger            *slog.Logger
}

// Queen coordinates one swarm.
type Queen struct {
	swarmID           string
	topology          shared.SwarmTopology
	store             persistence.Store
	memory            DecisionMemory
	consensus         ConsensusEngine
	bus               Announcer
	registry          *agent.TypeRegistry
	clock             clock.Clock
	events            shared.Publisher
	cfg               config.QueenConfig
	maxStrategyAgents int
	logger            *slog.Logger

	// scheduleMu serializes scheduling so two paths never hand the same
	// idle agent different tasks.
	scheduleMu sync.Mutex
	// consensusMu covers opening a proposal and resolving it.
	consensusMu sync.Mutex

	mu            sync.RWMutex
	members       map[string]Member
	strategies    map[string]Strategy
	plans         map[string]*task.ExecutionPlan
	awaiting      map[string]*Decision // by proposal id
	awaitingTasks map[string]string    // task id to proposal id
	history       []*Decision
	byTask        map[string]*Decision
	failures      map[string]int
	insights      map[task.Category]map[shared.AgentType]int
	// outcomes holds results reported before their decision was recorded.
	outcomes      map[string]shared.TaskStatus
	metrics       QueenMetrics
	decisionTime  float64
	decisionCount int

	running    bool
	loopCancel context.CancelFunc
	loops      sync.WaitGroup
}

// New creates a Queen. When a consensus engine is given the Queen
// subscribes to its resolutions.
func New(opts Options) *Queen {
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	registry := opts.Registry
	if registry == nil {
		registry = agent.NewTypeRegistry()
	}
	cfg := opts.Config
	defaults := config.Defaults().Queen
	if cfg.CoordinationInterval <= 0 {
		cfg.CoordinationInterval = defaults.CoordinationInterval
	}
	if cfg.OptimizationInterval <= 0 {
		cfg.OptimizationInterval = defaults.OptimizationInterval
	}
	if cfg.ConsensusTimeout <= 0 {
		cfg.ConsensusTimeout = defaults.ConsensusTimeout
	}
	if cfg.ConsensusThreshold <= 0 {
		cfg.ConsensusThreshold = defaults.ConsensusThreshold
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = defaults.MaxConsecutiveFailures
	}
	maxStrategy := opts.MaxStrategyAgents
	if maxStrategy <= 0 {
		maxStrategy = config.Defaults().Swarm.MaxAgents
	}

	q := &Queen{
		swarmID:           opts.SwarmID,
		topology:          opts.Topology,
		store:             opts.Store,
		memory:            opts.Memory,
		consensus:         opts.Consensus,
		bus:               opts.Bus,
		registry:          registry,
		clock:             clk,
		events:            opts.Events,
		cfg:               cfg,
		maxStrategyAgents: maxStrategy,
		logger:            logging.Component(opts.Logger, "queen").With("swarm", opts.SwarmID),
		members:           make(map[string]Member),
		strategies:        defaultStrategies(),
		plans:             make(map[string]*task.ExecutionPlan),
		awaiting:          make(map[string]*Decision),
		awaitingTasks:     make(map[string]string),
		byTask:            make(map[string]*Decision),
		failures:          make(map[string]int),
		insights:          make(map[task.Category]map[shared.AgentType]int),
		outcomes:          make(map[string]shared.TaskStatus),
	}
	if q.consensus != nil {
		q.consensus.OnResolved(q.onProposalResolved)
	}
	return q
}

// RegisterAgent adds a live agent to the roster.
func (q *Queen) RegisterAgent(m Member) error {
	q.mu.Lock()
	if _, exists := q.members[m.ID()]; exists {
		q.mu.Unlock()
		return shared.NewValidationError("agent already registered", map[string]interface{}{
			"agentId": m.ID(), "operation": "register_agent",
		})
	}
	q.members[m.ID()] = m
	q.mu.Unlock()

	m.OnFinished(q.onOutcome)
	q.logger.Debug("agent registered", "agent", m.ID(), "type", string(m.Type()))
	return nil
}

// UnregisterAgent removes an agent from the roster.
func (q *Queen) UnregisterAgent(agentID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.members, agentID)
	delete(q.failures, agentID)
}

// Member returns a registered agent.
func (q *Queen) Member(agentID string) (Member, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	m, ok := q.members[agentID]
	return m, ok
}

// Members returns the roster sorted by id.
func (q *Queen) Members() []Member {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]Member, 0, len(q.members))
	for _, m := range q.members {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Plan returns the execution plan applied to a task.
func (q *Queen) Plan(taskID string) (*task.ExecutionPlan, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	p, ok := q.plans[taskID]
	return p, ok
}

// Decision returns the latest decision taken for a task.
func (q *Queen) Decision(taskID string) (*Decision, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	d, ok := q.byTask[taskID]
	if !ok {
		return nil, false
	}
	return d.clone(), true
}

// AwaitingConsensus reports whether a task waits on a proposal.
func (q *Queen) AwaitingConsensus(taskID string) bool {
	q.consensusMu.Lock()
	defer q.consensusMu.Unlock()
	_, ok := q.awaitingTasks[taskID]
	return ok
}

// GetMetrics returns a snapshot of the Queen's counters.
func (q *Queen) GetMetrics() QueenMetrics {
	q.mu.RLock()
	defer q.mu.RUnlock()
	m := q.metrics
	m.Members = len(q.members)
	if q.decisionCount > 0 {
		m.AvgDecisionTime = q.decisionTime
	}
	return m
}

// ============================================================================
// Analysis and scoring
// ============================================================================

// AnalyzeTask derives category and complexity for a task.
func (q *Queen) AnalyzeTask(t *shared.Task) task.Analysis {
	a := task.Analyze(t)
	q.mu.Lock()
	q.metrics.TasksAnalyzed++
	q.mu.Unlock()
	return a
}

// ScoreAgent computes one agent's score for a task:
// +10 per matching required capability, the type/category affinity, +8 if
// idle or +4 if active, +10 times the historical success rate, and +5 when
// the agent covers every required capability.
func ScoreAgent(rec *shared.Agent, status shared.AgentStatus, t *shared.Task, category task.Category) AgentScore {
	s := AgentScore{AgentID: rec.ID, AgentType: rec.Type, Status: status}
	for _, c := range t.RequiredCapabilities {
		if rec.HasCapability(c) {
			s.CapabilityMatches++
		}
	}
	s.Affinity = agent.Affinity(rec.Type, category)
	switch status {
	case shared.AgentStatusIdle:
		s.Availability = 8
	case shared.AgentStatusActive:
		s.Availability = 4
	}
	s.SuccessRate = rec.SuccessRate()
	s.Specialist = len(t.RequiredCapabilities) > 0 && s.CapabilityMatches == len(t.RequiredCapabilities)

	s.Score = float64(s.CapabilityMatches)*10 + s.Affinity + s.Availability + s.SuccessRate*10
	if s.Specialist {
		s.Score += 5
	}
	return s
}

// ScoreAgents scores every responsive idle or active member, best first.
// Agents in exclude are skipped.
func (q *Queen) ScoreAgents(ctx context.Context, t *shared.Task, category task.Category, exclude ...string) ([]AgentScore, error) {
	records, err := q.store.ListAgents(ctx, q.swarmID)
	if err != nil {
		return nil, shared.NewPersistenceError("list agents", err, map[string]interface{}{"swarmId": q.swarmID})
	}
	byID := make(map[string]*shared.Agent, len(records))
	for _, r := range records {
		byID[r.ID] = r
	}
	skip := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		skip[id] = true
	}

	now := q.clock.Now()
	var scores []AgentScore
	for _, m := range q.Members() {
		if skip[m.ID()] {
			continue
		}
		status := m.Status()
		if status != shared.AgentStatusIdle && status != shared.AgentStatusActive {
			continue
		}
		if !m.IsResponsive(now) {
			continue
		}
		rec, ok := byID[m.ID()]
		if !ok {
			continue
		}
		scores = append(scores, ScoreAgent(rec, status, t, category))
	}
	sort.SliceStable(scores, func(i, j int) bool {
		if scores[i].Score != scores[j].Score {
			return scores[i].Score > scores[j].Score
		}
		return scores[i].AgentID < scores[j].AgentID
	})
	return scores, nil
}

// ============================================================================
// Decisions
// ============================================================================

// OnTaskSubmitted decides how a pending task is handled and applies the
// decision. Without a free agent or with open dependencies the decision is
// deferred and the task stays pending for the coordination loop.
func (q *Queen) OnTaskSubmitted(ctx context.Context, t *shared.Task) (*Decision, error) {
	q.scheduleMu.Lock()
	defer q.scheduleMu.Unlock()

	cur, err := q.store.GetTask(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	if cur.Status != shared.TaskStatusPending {
		return nil, shared.NewCoordinationError("task is not pending", map[string]interface{}{
			"taskId": cur.ID, "status": string(cur.Status), "operation": "submit",
		})
	}
	d, err := q.decide(ctx, cur)
	if err != nil {
		return nil, err
	}
	return d.clone(), nil
}

func (q *Queen) decide(ctx context.Context, t *shared.Task) (*Decision, error) {
	started := q.clock.Now()
	defer func() { q.observeDecisionTime(q.clock.Now().Sub(started)) }()

	if d := q.pendingDecision(t.ID); d != nil {
		return d, nil
	}

	a := q.AnalyzeTask(t)
	d := &Decision{
		ID:        uuid.New().String(),
		TaskID:    t.ID,
		Analysis:  a,
		CreatedAt: started.UnixMilli(),
	}

	ready, err := q.dependenciesReady(ctx, t)
	if err != nil {
		return nil, err
	}
	if !ready {
		d.Status = DecisionDeferred
		d.Reason = "waiting for dependencies"
		q.record(ctx, d)
		return d, nil
	}

	d.Strategy = SelectStrategy(q.topology, t, a)
	strategy, _ := q.Strategy(d.Strategy)

	scores, err := q.ScoreAgents(ctx, t, a.Category)
	if err != nil {
		return nil, err
	}
	d.Scores = scores

	n := strategy.MaxAgents
	if t.MaxAgents > 0 && t.MaxAgents < n {
		n = t.MaxAgents
	}
	var selected []AgentScore
	for _, s := range scores {
		if len(selected) == n {
			break
		}
		if s.Status == shared.AgentStatusIdle {
			selected = append(selected, s)
		}
	}
	if len(selected) == 0 {
		d.Status = DecisionDeferred
		d.Reason = "no available agents"
		q.record(ctx, d)
		q.logger.Debug("task deferred", "task", t.ID, "reason", d.Reason)
		return d, nil
	}

	d.Plan = q.buildPlan(t, strategy, selected, started.UnixMilli())
	d.Selected = d.Plan.AgentIDs()

	if t.RequireConsensus && q.consensus != nil {
		return q.openConsensus(ctx, t, d)
	}
	if err := q.apply(ctx, t.ID, d); err != nil {
		return nil, err
	}
	return d, nil
}

func (q *Queen) dependenciesReady(ctx context.Context, t *shared.Task) (bool, error) {
	if len(t.Dependencies) == 0 {
		return true, nil
	}
	completed := make(map[string]bool, len(t.Dependencies))
	for _, dep := range t.Dependencies {
		d, err := q.store.GetTask(ctx, dep)
		if err != nil {
			if shared.IsNotFound(err) {
				continue
			}
			return false, err
		}
		if d.Status == shared.TaskStatusCompleted {
			completed[dep] = true
		}
	}
	return task.DependenciesResolved(t, completed), nil
}

// buildPlan assigns roles and responsibilities from the type registry. In a
// cascade the top-scored agent of a team leads it.
func (q *Queen) buildPlan(t *shared.Task, s Strategy, selected []AgentScore, now int64) *task.ExecutionPlan {
	plan := &task.ExecutionPlan{
		TaskID:      t.ID,
		Strategy:    s.Name,
		Phases:      append([]task.Phase(nil), task.DefaultPhases...),
		Checkpoints: task.SpreadCheckpoints(s.CoordinationPoints),
		Fallback:    task.DefaultFallback(),
		CreatedAt:   now,
	}
	for i, sc := range selected {
		role := q.registry.Role(sc.AgentType)
		if s.Name == StrategyHierarchicalCascade && i == 0 && len(selected) > 1 {
			role = "team_lead"
		}
		plan.Assignments = append(plan.Assignments, task.Assignment{
			AgentID:          sc.AgentID,
			AgentType:        sc.AgentType,
			Role:             role,
			Responsibilities: q.registry.Responsibilities(sc.AgentType),
			Score:            sc.Score,
		})
	}
	return plan
}

// apply persists the assignment and hands the task to every selected agent.
// Agents that refuse are dropped from the assignment; if none accept the
// task returns to pending.
func (q *Queen) apply(ctx context.Context, taskID string, d *Decision) error {
	ids := d.Plan.AgentIDs()
	now := clock.Millis(q.clock)

	updated, err := q.store.UpdateTask(ctx, taskID, func(cur *shared.Task) error {
		if cur.Status != shared.TaskStatusPending {
			return shared.NewCoordinationError("task is no longer pending", map[string]interface{}{
				"taskId": cur.ID, "status": string(cur.Status), "operation": "apply_decision",
			})
		}
		if err := task.Assign(cur, ids, now); err != nil {
			return err
		}
		cur.Strategy = d.Strategy
		if cur.Metadata == nil {
			cur.Metadata = make(map[string]interface{})
		}
		cur.Metadata[task.MetaCategory] = string(d.Analysis.Category)
		cur.Metadata["decisionId"] = d.ID
		return nil
	})
	if err != nil {
		d.Status = DecisionRejected
		d.Reason = err.Error()
		q.record(ctx, d)
		return err
	}

	q.mu.Lock()
	q.plans[taskID] = d.Plan
	q.mu.Unlock()

	var accepted, refused []string
	for _, id := range ids {
		m, ok := q.Member(id)
		if !ok {
			refused = append(refused, id)
			continue
		}
		if err := m.AcceptTask(ctx, updated, d.Plan); err != nil {
			q.logger.Warn("agent refused task", "agent", id, "task", taskID, "error", err)
			refused = append(refused, id)
			continue
		}
		accepted = append(accepted, id)
	}
	if len(refused) > 0 {
		q.dropAgents(ctx, taskID, refused)
		d.Plan.Assignments = keepAssignments(d.Plan.Assignments, accepted)
	}
	d.Selected = accepted

	if len(accepted) == 0 {
		q.mu.Lock()
		delete(q.plans, taskID)
		q.mu.Unlock()
		d.Status = DecisionDeferred
		d.Reason = "selected agents unavailable"
		q.record(ctx, d)
		return nil
	}

	d.Status = DecisionApplied
	q.record(ctx, d)

	events.Emit(q.events, shared.EventTaskAssigned, map[string]interface{}{
		"taskId":     taskID,
		"agents":     shared.CopyStrings(accepted),
		"strategy":   d.Strategy,
		"decisionId": d.ID,
	})
	if q.bus != nil {
		if _, err := q.bus.SendToChannel(ctx, "", messaging.ChannelCoordination, map[string]interface{}{
			"decisionId": d.ID,
			"taskId":     taskID,
			"strategy":   d.Strategy,
			"agents":     shared.CopyStrings(accepted),
		}, shared.MessagePriorityNormal); err != nil {
			q.logger.Debug("announce decision failed", "error", err)
		}
	}
	q.logger.Info("task assigned", "task", taskID, "strategy", d.Strategy, "agents", accepted)
	return nil
}

// dropAgents removes agents from a task's assignment.
func (q *Queen) dropAgents(ctx context.Context, taskID string, agentIDs []string) {
	now := clock.Millis(q.clock)
	if _, err := q.store.UpdateTask(ctx, taskID, func(cur *shared.Task) error {
		for _, id := range agentIDs {
			task.Unassign(cur, id)
		}
		task.CompleteIfDone(cur, now)
		return nil
	}); err != nil {
		q.logger.Warn("drop agents from task failed", "task", taskID, "error", err)
	}
}

func keepAssignments(in []task.Assignment, ids []string) []task.Assignment {
	keep := make(map[string]bool, len(ids))
	for _, id := range ids {
		keep[id] = true
	}
	var out []task.Assignment
	for _, a := range in {
		if keep[a.AgentID] {
			out = append(out, a)
		}
	}
	return out
}

// record stores a snapshot of d as the task's latest decision and keeps it
// under the decisions namespace. Recording the same decision again replaces
// its history entry.
func (q *Queen) record(ctx context.Context, d *Decision) {
	snapshot := d.clone()

	q.mu.Lock()
	existing, seen := q.byTask[d.TaskID]
	// A task deferred again on every cycle keeps a single history entry.
	repeat := seen && d.Status == DecisionDeferred && existing.Status == DecisionDeferred
	if outcome, ok := q.outcomes[d.TaskID]; ok && snapshot.Status == DecisionApplied {
		if snapshot.Outcome == "" {
			snapshot.Outcome = outcome
		}
		delete(q.outcomes, d.TaskID)
	}
	if seen && (repeat || existing.ID == d.ID) {
		q.replaceHistoryLocked(existing, snapshot)
	} else {
		q.appendHistoryLocked(snapshot)
	}
	q.byTask[d.TaskID] = snapshot
	switch d.Status {
	case DecisionApplied:
		q.metrics.DecisionsApplied++
	case DecisionDeferred:
		q.metrics.DecisionsDeferred++
	case DecisionAwaitingConsensus:
		q.metrics.ConsensusRequested++
	}
	q.mu.Unlock()

	if q.memory != nil && !repeat {
		if err := q.memory.Remember(ctx, DecisionsNamespace, d.ID, snapshot); err != nil {
			q.logger.Debug("store decision failed", "decision", d.ID, "error", err)
		}
	}
	if d.Status != DecisionDeferred {
		events.Emit(q.events, shared.EventQueenDecision, map[string]interface{}{
			"decisionId": d.ID,
			"taskId":     d.TaskID,
			"strategy":   d.Strategy,
			"status":     string(d.Status),
			"agents":     shared.CopyStrings(d.Selected),
		})
	}
}

func (q *Queen) appendHistoryLocked(d *Decision) {
	q.history = append(q.history, d)
	if len(q.history) > maxDecisionHistory {
		q.history = q.history[len(q.history)-maxDecisionHistory:]
	}
}

func (q *Queen) replaceHistoryLocked(old, d *Decision) {
	for i := len(q.history) - 1; i >= 0; i-- {
		if q.history[i] == old {
			q.history[i] = d
			return
		}
	}
	q.appendHistoryLocked(d)
}

func (q *Queen) observeDecisionTime(elapsed time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.decisionCount++
	ms := float64(elapsed.Microseconds()) / 1000
	n := float64(q.decisionCount)
	q.decisionTime = q.decisionTime*(n-1)/n + ms/n
}

// ============================================================================
// Consensus
// ============================================================================

func (q *Queen) pendingDecision(taskID string) *Decision {
	q.consensusMu.Lock()
	defer q.consensusMu.Unlock()
	if pid, ok := q.awaitingTasks[taskID]; ok {
		return q.awaiting[pid].clone()
	}
	return nil
}

// openConsensus asks every responsive member to approve the plan before it
// is applied. It returns a copy of d since the resolution may apply d
// concurrently.
func (q *Queen) openConsensus(ctx context.Context, t *shared.Task, d *Decision) (*Decision, error) {
	now := q.clock.Now()
	var voters []hivemind.Voter
	for _, m := range q.Members() {
		status := m.Status()
		if status == shared.AgentStatusOffline || status == shared.AgentStatusError || !m.IsResponsive(now) {
			continue
		}
		voters = append(voters, hivemind.Voter{AgentID: m.ID(), Type: m.Type()})
	}

	q.consensusMu.Lock()
	defer q.consensusMu.Unlock()

	p, err := q.consensus.Propose(ctx, hivemind.ProposalRequest{
		TaskID: t.ID,
		Proposal: map[string]interface{}{
			"kind":       hivemind.DefaultProposalKind,
			"decisionId": d.ID,
			"taskId":     t.ID,
			"strategy":   d.Strategy,
			"agents":     shared.CopyStrings(d.Selected),
		},
		Voters:    voters,
		Threshold: q.cfg.ConsensusThreshold,
		Timeout:   q.cfg.ConsensusTimeout,
	})
	if err != nil {
		return nil, err
	}
	d.ProposalID = p.ID
	d.Status = DecisionAwaitingConsensus
	q.awaiting[p.ID] = d
	q.awaitingTasks[t.ID] = p.ID

	if _, err := q.store.UpdateTask(ctx, t.ID, func(cur *shared.Task) error {
		if cur.Metadata == nil {
			cur.Metadata = make(map[string]interface{})
		}
		cur.Metadata["proposalId"] = p.ID
		return nil
	}); err != nil {
		q.logger.Debug("tag task with proposal failed", "task", t.ID, "error", err)
	}
	q.record(ctx, d)
	q.logger.Info("consensus requested", "task", t.ID, "proposal", p.ID, "voters", len(voters))
	return d.clone(), nil
}

func (q *Queen) onProposalResolved(p *shared.ConsensusProposal) {
	q.consensusMu.Lock()
	d, ok := q.awaiting[p.ID]
	delete(q.awaiting, p.ID)
	if ok {
		delete(q.awaitingTasks, d.TaskID)
	}
	q.consensusMu.Unlock()
	if !ok {
		return
	}

	ctx := context.Background()
	if p.Status == shared.ConsensusAchieved {
		q.scheduleMu.Lock()
		defer q.scheduleMu.Unlock()
		if err := q.apply(ctx, d.TaskID, d); err != nil {
			q.logger.Warn("apply approved decision failed", "task", d.TaskID, "error", err)
		}
		return
	}

	now := clock.Millis(q.clock)
	failed := false
	if _, err := q.store.UpdateTask(ctx, d.TaskID, func(cur *shared.Task) error {
		failed = task.Fail(cur, "consensus rejected", now)
		return nil
	}); err != nil {
		q.logger.Warn("persist consensus rejection failed", "task", d.TaskID, "error", err)
	}
	d.Status = DecisionRejected
	d.Reason = "consensus rejected"
	d.Outcome = shared.TaskStatusFailed
	q.mu.Lock()
	q.metrics.ConsensusRejected++
	q.mu.Unlock()
	q.record(ctx, d)
	if failed {
		events.Emit(q.events, shared.EventTaskFailed, map[string]interface{}{
			"taskId": d.TaskID, "reason": "consensus_failure", "proposalId": p.ID,
		})
	}
	q.logger.Warn("consensus rejected, task failed", "task", d.TaskID, "proposal", p.ID)
}

// ============================================================================
// Outcomes
// ============================================================================

// onOutcome runs on the agent's goroutine after it released a task.
func (q *Queen) onOutcome(o agent.Outcome) {
	if o.Abandoned {
		return
	}

	q.mu.Lock()
	var markError Member
	switch o.Status {
	case shared.TaskStatusFailed:
		q.failures[o.AgentID]++
		if q.failures[o.AgentID] >= q.cfg.MaxConsecutiveFailures {
			markError = q.members[o.AgentID]
			q.failures[o.AgentID] = 0
		}
	case shared.TaskStatusCompleted:
		q.failures[o.AgentID] = 0
	}
	var outcome shared.TaskStatus
	switch {
	case o.Status == shared.TaskStatusFailed:
		outcome = shared.TaskStatusFailed
	case o.TaskDone:
		outcome = shared.TaskStatusCompleted
	case o.Status == shared.TaskStatusCancelled:
		outcome = shared.TaskStatusCancelled
	}
	if outcome != "" {
		if d, ok := q.byTask[o.TaskID]; ok && d.Status == DecisionApplied {
			if d.Outcome == "" {
				d.Outcome = outcome
			}
		} else {
			q.outcomes[o.TaskID] = outcome
		}
	}
	if o.Status == shared.TaskStatusCancelled || o.Status == shared.TaskStatusFailed || o.TaskDone {
		delete(q.plans, o.TaskID)
	}
	q.mu.Unlock()

	if markError != nil {
		if err := markError.MarkError(context.Background(), "repeated task failures"); err != nil {
			q.logger.Debug("mark agent error failed", "agent", o.AgentID, "error", err)
		}
	}
}
