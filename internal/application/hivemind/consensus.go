// Package hivemind provides the swarm consensus system: proposals, weighted
// votes, deadlines and outcome learning.
package hivemind

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/blackms/hivemind-go/internal/infrastructure/clock"
	"github.com/blackms/hivemind-go/internal/infrastructure/events"
	"github.com/blackms/hivemind-go/internal/infrastructure/logging"
	"github.com/blackms/hivemind-go/internal/infrastructure/persistence"
	"github.com/blackms/hivemind-go/internal/shared"
)

// Default proposal parameters.
const (
	DefaultThreshold = 0.66
	DefaultTimeout   = 5 * time.Minute
)

// ConsensusChannel is the bus channel proposals are announced on.
const ConsensusChannel = "consensus"

// Announcer publishes a proposal to the voters. *messaging.Bus satisfies it.
type Announcer interface {
	SendToChannel(ctx context.Context, from, channel string, content map[string]interface{}, priority shared.MessagePriority) (*shared.Message, error)
}

// Config configures the engine.
type Config struct {
	// Threshold is the default approval fraction.
	Threshold float64
	// Timeout is the default voting window.
	Timeout time.Duration
	// VoteWeights maps agent types to vote weights. Missing types weigh 1.
	VoteWeights map[string]float64
}

// Voter is an eligible participant of a proposal.
type Voter struct {
	AgentID string
	Type    shared.AgentType
}

// ProposalRequest opens a proposal.
type ProposalRequest struct {
	TaskID   string
	Proposal map[string]interface{}
	Voters   []Voter
	// Threshold and Timeout override the engine defaults when positive.
	Threshold float64
	Timeout   time.Duration
}

// Engine runs consensus rounds for one swarm. Votes are applied through the
// persistence update path, so concurrent submissions on one proposal are
// serialized by the store.
type Engine struct {
	swarmID  string
	store    persistence.Store
	announce Announcer
	clock    clock.Clock
	events   shared.Publisher
	logger   *slog.Logger
	config   Config
	learning *LearningModule

	mu       sync.Mutex
	timers   map[string]*clock.Timer
	waiters  map[string]chan struct{}
	handlers []func(*shared.ConsensusProposal)
	closed   bool
}

// NewEngine creates an engine. announce and pub may be nil.
func NewEngine(swarmID string, store persistence.Store, announce Announcer, clk clock.Clock, pub shared.Publisher, cfg Config, logger *slog.Logger) *Engine {
	if clk == nil {
		clk = clock.Real()
	}
	if cfg.Threshold <= 0 || cfg.Threshold > 1 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Engine{
		swarmID:  swarmID,
		store:    store,
		announce: announce,
		clock:    clk,
		events:   pub,
		logger:   logging.Component(logger, "consensus"),
		config:   cfg,
		learning: NewLearningModule(1000),
		timers:   make(map[string]*clock.Timer),
		waiters:  make(map[string]chan struct{}),
	}
}

// OnResolved registers fn to run when a proposal leaves pending.
func (e *Engine) OnResolved(fn func(*shared.ConsensusProposal)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = append(e.handlers, fn)
}

// Weight returns the vote weight of an agent type.
func (e *Engine) Weight(t shared.AgentType) float64 {
	if w, ok := e.config.VoteWeights[string(t)]; ok && w > 0 {
		return w
	}
	return 1
}

// Propose persists a new pending proposal, schedules its deadline and
// announces it on the consensus channel.
func (e *Engine) Propose(ctx context.Context, req ProposalRequest) (*shared.ConsensusProposal, error) {
	if len(req.Voters) == 0 {
		return nil, shared.NewValidationError("proposal needs at least one voter", map[string]interface{}{"taskId": req.TaskID})
	}
	threshold := req.Threshold
	if threshold <= 0 {
		threshold = e.config.Threshold
	}
	if threshold > 1 {
		return nil, shared.NewValidationError("threshold must be within [0,1]", map[string]interface{}{"threshold": threshold})
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.config.Timeout
	}

	weights := make(map[string]float64, len(req.Voters))
	for _, v := range req.Voters {
		weights[v.AgentID] = e.Weight(v.Type)
	}

	now := e.clock.Now()
	p := &shared.ConsensusProposal{
		ID:                uuid.New().String(),
		SwarmID:           e.swarmID,
		TaskID:            req.TaskID,
		Proposal:          shared.CloneMap(req.Proposal),
		RequiredThreshold: threshold,
		Votes:             make(map[string]shared.Vote),
		VoterWeights:      weights,
		TotalVoters:       len(weights),
		Status:            shared.ConsensusPending,
		DeadlineAt:        now.Add(timeout).UnixMilli(),
		CreatedAt:         now.UnixMilli(),
	}
	if err := e.store.CreateProposal(ctx, p); err != nil {
		return nil, shared.NewPersistenceError("create proposal", err, map[string]interface{}{"proposalId": p.ID})
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, shared.NewCoordinationError("consensus engine is closed", nil)
	}
	e.waiters[p.ID] = make(chan struct{})
	id := p.ID
	e.timers[id] = e.clock.AfterFunc(timeout, func() { e.expire(id) })
	e.mu.Unlock()

	events.Emit(e.events, shared.EventConsensusProposed, map[string]interface{}{
		"proposalId":  p.ID,
		"taskId":      p.TaskID,
		"threshold":   threshold,
		"totalVoters": p.TotalVoters,
		"deadlineAt":  p.DeadlineAt,
	})

	if e.announce != nil {
		voters := make([]string, 0, len(weights))
		for agentID := range weights {
			voters = append(voters, agentID)
		}
		sort.Strings(voters)
		_, err := e.announce.SendToChannel(ctx, "", ConsensusChannel, map[string]interface{}{
			"proposalId": p.ID,
			"taskId":     p.TaskID,
			"proposal":   shared.CloneMap(p.Proposal),
			"threshold":  threshold,
			"deadlineAt": p.DeadlineAt,
			"voters":     voters,
		}, shared.MessagePriorityHigh)
		if err != nil {
			e.logger.Warn("announce proposal failed", "proposal", p.ID, "error", err)
		}
	}
	return p.Clone(), nil
}

// SubmitVote records agentID's vote and recomputes the status. A voter may
// vote once; resolved proposals reject further votes.
func (e *Engine) SubmitVote(ctx context.Context, proposalID, agentID string, approve bool, reason string) (*shared.ConsensusProposal, error) {
	now := clock.Millis(e.clock)
	var resolved bool

	updated, err := e.store.UpdateProposal(ctx, proposalID, func(p *shared.ConsensusProposal) error {
		if p.Status != shared.ConsensusPending {
			return shared.NewCoordinationError("proposal already resolved", map[string]interface{}{
				"proposalId": proposalID, "status": string(p.Status), "operation": "vote",
			})
		}
		weight, eligible := p.VoterWeights[agentID]
		if !eligible {
			return shared.NewValidationError("agent is not a voter on this proposal", map[string]interface{}{
				"proposalId": proposalID, "agentId": agentID,
			})
		}
		if _, voted := p.Votes[agentID]; voted {
			return shared.NewValidationError("agent already voted", map[string]interface{}{
				"proposalId": proposalID, "agentId": agentID,
			})
		}
		if p.Votes == nil {
			p.Votes = make(map[string]shared.Vote)
		}
		p.Votes[agentID] = shared.Vote{Approve: approve, Reason: reason, Weight: weight, Timestamp: now}
		ApplyTally(p, now)
		resolved = p.Status != shared.ConsensusPending
		return nil
	})
	if err != nil {
		return nil, err
	}

	events.Emit(e.events, shared.EventConsensusVote, map[string]interface{}{
		"proposalId":    proposalID,
		"agentId":       agentID,
		"approve":       approve,
		"currentVotes":  updated.CurrentVotes,
		"positiveVotes": updated.PositiveVotes,
		"status":        string(updated.Status),
	})
	if resolved {
		e.finish(updated, false)
	}
	return updated, nil
}

// Tally is the weighted vote arithmetic of a proposal.
type Tally struct {
	TotalWeight     float64 `json:"totalWeight"`
	PositiveWeight  float64 `json:"positiveWeight"`
	NegativeWeight  float64 `json:"negativeWeight"`
	RemainingWeight float64 `json:"remainingWeight"`
	Approval        float64 `json:"approval"`
	MaxApproval     float64 `json:"maxApproval"`
}

// ComputeTally sums the weights of cast and outstanding votes.
func ComputeTally(p *shared.ConsensusProposal) Tally {
	var t Tally
	for agentID, w := range p.VoterWeights {
		t.TotalWeight += w
		vote, voted := p.Votes[agentID]
		switch {
		case !voted:
			t.RemainingWeight += w
		case vote.Approve:
			t.PositiveWeight += w
		default:
			t.NegativeWeight += w
		}
	}
	if t.TotalWeight > 0 {
		t.Approval = t.PositiveWeight / t.TotalWeight
		t.MaxApproval = (t.PositiveWeight + t.RemainingWeight) / t.TotalWeight
	}
	return t
}

// ApplyTally recomputes counts and status. A pending proposal is achieved
// once approval reaches the threshold, and rejected as soon as the threshold
// is out of reach of the outstanding voters.
func ApplyTally(p *shared.ConsensusProposal, now int64) {
	p.CurrentVotes = len(p.Votes)
	p.PositiveVotes = 0
	for _, v := range p.Votes {
		if v.Approve {
			p.PositiveVotes++
		}
	}
	if p.Status != shared.ConsensusPending {
		return
	}

	t := ComputeTally(p)
	switch {
	case t.TotalWeight > 0 && t.Approval >= p.RequiredThreshold:
		p.Status = shared.ConsensusAchieved
		p.ResolvedAt = now
	case t.MaxApproval < p.RequiredThreshold:
		p.Status = shared.ConsensusRejected
		p.ResolvedAt = now
	}
}

func (e *Engine) expire(id string) {
	ctx := context.Background()
	now := clock.Millis(e.clock)
	var expired bool

	updated, err := e.store.UpdateProposal(ctx, id, func(p *shared.ConsensusProposal) error {
		if p.Status != shared.ConsensusPending {
			return nil
		}
		p.Status = shared.ConsensusRejected
		p.ResolvedAt = now
		expired = true
		return nil
	})
	if err != nil {
		e.logger.Warn("expire proposal failed", "proposal", id, "error", err)
		return
	}
	if !expired {
		return
	}
	e.logger.Warn("consensus timed out", "proposal", id, "votes", updated.CurrentVotes, "voters", updated.TotalVoters)
	e.finish(updated, true)
}

func (e *Engine) finish(p *shared.ConsensusProposal, timedOut bool) {
	e.mu.Lock()
	if t, ok := e.timers[p.ID]; ok {
		t.Stop()
		delete(e.timers, p.ID)
	}
	waiter, waiting := e.waiters[p.ID]
	delete(e.waiters, p.ID)
	handlers := append([]func(*shared.ConsensusProposal){}, e.handlers...)
	e.mu.Unlock()

	if waiting {
		close(waiter)
	}
	e.learning.RecordOutcome(p, timedOut)

	events.Emit(e.events, shared.EventConsensusResolved, map[string]interface{}{
		"proposalId":    p.ID,
		"taskId":        p.TaskID,
		"status":        string(p.Status),
		"positiveVotes": p.PositiveVotes,
		"currentVotes":  p.CurrentVotes,
		"totalVoters":   p.TotalVoters,
		"timedOut":      timedOut,
	})
	for _, fn := range handlers {
		fn(p.Clone())
	}
}

// Await blocks until the proposal is resolved or ctx ends.
func (e *Engine) Await(ctx context.Context, proposalID string) (*shared.ConsensusProposal, error) {
	e.mu.Lock()
	waiter, pending := e.waiters[proposalID]
	e.mu.Unlock()

	if pending {
		select {
		case <-waiter:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return e.Get(ctx, proposalID)
}

// Get returns a proposal.
func (e *Engine) Get(ctx context.Context, proposalID string) (*shared.ConsensusProposal, error) {
	return e.store.GetProposal(ctx, proposalID)
}

// List returns the swarm's proposals, optionally filtered by status.
func (e *Engine) List(ctx context.Context, status shared.ConsensusStatus) ([]*shared.ConsensusProposal, error) {
	return e.store.ListProposals(ctx, e.swarmID, status)
}

// Pending returns the number of proposals awaiting resolution.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.waiters)
}

// Learning returns the outcome statistics.
func (e *Engine) Learning() *LearningModule {
	return e.learning
}

// Close cancels all deadlines. Pending proposals stay pending in the store.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	for id, t := range e.timers {
		t.Stop()
		delete(e.timers, id)
	}
	for id, w := range e.waiters {
		close(w)
		delete(e.waiters, id)
	}
}
