package hivemind

import (
	"sort"
	"sync"

	"github.com/blackms/hivemind-go/internal/shared"
)

// DefaultProposalKind is used when a proposal carries no "kind" field.
const DefaultProposalKind = "task_assignment"

// Outcome is one resolved proposal as seen by the learning module.
type Outcome struct {
	ProposalID    string                 `json:"proposalId"`
	TaskID        string                 `json:"taskId,omitempty"`
	Kind          string                 `json:"kind"`
	Status        shared.ConsensusStatus `json:"status"`
	TimedOut      bool                   `json:"timedOut"`
	Duration      int64                  `json:"duration"` // milliseconds
	VoteCount     int                    `json:"voteCount"`
	TotalVoters   int                    `json:"totalVoters"`
	ApprovalRatio float64                `json:"approvalRatio"`
	ResolvedAt    int64                  `json:"resolvedAt"`
}

// ProposalPattern aggregates outcomes of one proposal kind.
type ProposalPattern struct {
	Kind             string  `json:"kind"`
	TotalProposals   int     `json:"totalProposals"`
	AchievedCount    int     `json:"achievedCount"`
	RejectedCount    int     `json:"rejectedCount"`
	ExpiredCount     int     `json:"expiredCount"`
	AvgDuration      float64 `json:"avgDuration"` // milliseconds
	AvgVoteCount     float64 `json:"avgVoteCount"`
	AvgApprovalRatio float64 `json:"avgApprovalRatio"`
	SuccessRate      float64 `json:"successRate"` // 0.0 - 1.0
}

// LearningStats summarizes everything the module has seen.
type LearningStats struct {
	TotalOutcomes    int     `json:"totalOutcomes"`
	RetainedCount    int     `json:"retainedCount"`
	Achieved         int     `json:"achieved"`
	Rejected         int     `json:"rejected"`
	Expired          int     `json:"expired"`
	SuccessRate      float64 `json:"successRate"`
	AvgParticipation float64 `json:"avgParticipation"` // votes cast / voters
	Kinds            int     `json:"kinds"`
}

// LearningModule records consensus outcomes and keeps per-kind statistics.
type LearningModule struct {
	outcomes    []Outcome
	patterns    map[string]*ProposalPattern
	maxOutcomes int

	total         int
	achieved      int
	rejected      int
	expired       int
	participation float64

	mu sync.RWMutex
}

// NewLearningModule keeps at most maxOutcomes raw outcomes. Aggregates are
// unbounded.
func NewLearningModule(maxOutcomes int) *LearningModule {
	if maxOutcomes <= 0 {
		maxOutcomes = 1000
	}
	return &LearningModule{
		outcomes:    make([]Outcome, 0),
		patterns:    make(map[string]*ProposalPattern),
		maxOutcomes: maxOutcomes,
	}
}

// ProposalKind returns the kind recorded in a proposal payload.
func ProposalKind(p *shared.ConsensusProposal) string {
	if p == nil {
		return DefaultProposalKind
	}
	if kind, ok := p.Proposal["kind"].(string); ok && kind != "" {
		return kind
	}
	return DefaultProposalKind
}

// RecordOutcome records a resolved proposal. Pending proposals are ignored.
func (lm *LearningModule) RecordOutcome(p *shared.ConsensusProposal, timedOut bool) {
	if p == nil || p.Status == shared.ConsensusPending {
		return
	}
	tally := ComputeTally(p)
	outcome := Outcome{
		ProposalID:    p.ID,
		TaskID:        p.TaskID,
		Kind:          ProposalKind(p),
		Status:        p.Status,
		TimedOut:      timedOut,
		Duration:      p.ResolvedAt - p.CreatedAt,
		VoteCount:     p.CurrentVotes,
		TotalVoters:   p.TotalVoters,
		ApprovalRatio: tally.Approval,
		ResolvedAt:    p.ResolvedAt,
	}
	if outcome.Duration < 0 {
		outcome.Duration = 0
	}

	lm.mu.Lock()
	defer lm.mu.Unlock()

	lm.outcomes = append(lm.outcomes, outcome)
	if len(lm.outcomes) > lm.maxOutcomes {
		lm.outcomes = lm.outcomes[len(lm.outcomes)-lm.maxOutcomes:]
	}

	lm.total++
	switch {
	case outcome.Status == shared.ConsensusAchieved:
		lm.achieved++
	case timedOut:
		lm.expired++
	default:
		lm.rejected++
	}
	if outcome.TotalVoters > 0 {
		n := float64(lm.total)
		ratio := float64(outcome.VoteCount) / float64(outcome.TotalVoters)
		lm.participation = lm.participation*(n-1)/n + ratio/n
	}

	lm.updatePattern(outcome)
}

func (lm *LearningModule) updatePattern(outcome Outcome) {
	pattern, exists := lm.patterns[outcome.Kind]
	if !exists {
		pattern = &ProposalPattern{Kind: outcome.Kind}
		lm.patterns[outcome.Kind] = pattern
	}

	pattern.TotalProposals++
	switch {
	case outcome.Status == shared.ConsensusAchieved:
		pattern.AchievedCount++
	case outcome.TimedOut:
		pattern.ExpiredCount++
	default:
		pattern.RejectedCount++
	}

	// Cumulative moving averages.
	n := float64(pattern.TotalProposals)
	pattern.AvgDuration = pattern.AvgDuration*(n-1)/n + float64(outcome.Duration)/n
	pattern.AvgVoteCount = pattern.AvgVoteCount*(n-1)/n + float64(outcome.VoteCount)/n
	pattern.AvgApprovalRatio = pattern.AvgApprovalRatio*(n-1)/n + outcome.ApprovalRatio/n

	pattern.SuccessRate = float64(pattern.AchievedCount) / float64(pattern.TotalProposals)
}

// PredictSuccess estimates the probability that a proposal of kind reaches
// consensus. Kinds with fewer than five outcomes fall back to the overall
// rate, and to 0.5 with fewer than three outcomes overall.
func (lm *LearningModule) PredictSuccess(kind string) float64 {
	lm.mu.RLock()
	defer lm.mu.RUnlock()

	if pattern, ok := lm.patterns[kind]; ok && pattern.TotalProposals >= 5 {
		return pattern.SuccessRate
	}
	if lm.total < 3 {
		return 0.5
	}
	return float64(lm.achieved) / float64(lm.total)
}

// Pattern returns a copy of the statistics for kind.
func (lm *LearningModule) Pattern(kind string) (ProposalPattern, bool) {
	lm.mu.RLock()
	defer lm.mu.RUnlock()

	pattern, ok := lm.patterns[kind]
	if !ok {
		return ProposalPattern{}, false
	}
	return *pattern, true
}

// Patterns returns all per-kind statistics ordered by kind.
func (lm *LearningModule) Patterns() []ProposalPattern {
	lm.mu.RLock()
	defer lm.mu.RUnlock()

	out := make([]ProposalPattern, 0, len(lm.patterns))
	for _, p := range lm.patterns {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}

// RecentOutcomes returns up to limit of the newest outcomes, newest last.
func (lm *LearningModule) RecentOutcomes(limit int) []Outcome {
	lm.mu.RLock()
	defer lm.mu.RUnlock()

	start := 0
	if limit > 0 && len(lm.outcomes) > limit {
		start = len(lm.outcomes) - limit
	}
	out := make([]Outcome, len(lm.outcomes)-start)
	copy(out, lm.outcomes[start:])
	return out
}

// Stats returns the aggregate statistics.
func (lm *LearningModule) Stats() LearningStats {
	lm.mu.RLock()
	defer lm.mu.RUnlock()

	stats := LearningStats{
		TotalOutcomes:    lm.total,
		RetainedCount:    len(lm.outcomes),
		Achieved:         lm.achieved,
		Rejected:         lm.rejected,
		Expired:          lm.expired,
		AvgParticipation: lm.participation,
		Kinds:            len(lm.patterns),
	}
	if lm.total > 0 {
		stats.SuccessRate = float64(lm.achieved) / float64(lm.total)
	}
	return stats
}
