package coordinator

import (
	"context"

	"github.com/blackms/hivemind-go/internal/application/memory"
	"github.com/blackms/hivemind-go/internal/domain/task"
	"github.com/blackms/hivemind-go/internal/shared"
)

// InsightsKey is the patterns entry holding the learned category to agent
// type counts.
const InsightsKey = "queen-insights"

// minLearningSamples is how many successful decisions are needed before
// insights are derived.
const minLearningSamples = 10

// RunOptimizationCycle widens strategies that run over their target
// duration and, with enough history, learns which agent types succeed per
// task category.
func (q *Queen) RunOptimizationCycle(ctx context.Context) error {
	stats, err := q.store.StrategyStats(ctx, q.swarmID)
	if err != nil {
		return err
	}
	for _, st := range stats {
		q.tuneStrategy(st)
	}
	q.learn(ctx)
	return nil
}

func (q *Queen) tuneStrategy(st shared.StrategyStats) {
	q.mu.Lock()
	defer q.mu.Unlock()
	s, ok := q.strategies[st.Strategy]
	if !ok || st.Completed == 0 {
		return
	}
	if st.AvgCompletionTime <= float64(s.TargetDuration.Milliseconds()) {
		return
	}
	if s.MaxAgents >= q.maxStrategyAgents {
		return
	}
	s.MaxAgents++
	q.strategies[st.Strategy] = s
	q.logger.Info("strategy widened", "strategy", s.Name, "maxAgents", s.MaxAgents,
		"avgCompletionMs", st.AvgCompletionTime)
}

func (q *Queen) learn(ctx context.Context) {
	q.mu.Lock()
	var successful []*Decision
	for _, d := range q.history {
		if d.Status == DecisionApplied && d.Outcome == shared.TaskStatusCompleted {
			successful = append(successful, d)
		}
	}
	if len(successful) <= minLearningSamples {
		q.mu.Unlock()
		return
	}

	insights := make(map[task.Category]map[shared.AgentType]int)
	for _, d := range successful {
		types := make(map[string]shared.AgentType, len(d.Scores))
		for _, s := range d.Scores {
			types[s.AgentID] = s.AgentType
		}
		byType, ok := insights[d.Analysis.Category]
		if !ok {
			byType = make(map[shared.AgentType]int)
			insights[d.Analysis.Category] = byType
		}
		for _, id := range d.Selected {
			if t, ok := types[id]; ok {
				byType[t]++
			}
		}
	}
	q.insights = insights
	snapshot := copyInsights(insights)
	q.mu.Unlock()

	if q.memory != nil {
		if err := q.memory.Remember(ctx, memory.PatternsNamespace, InsightsKey, snapshot); err != nil {
			q.logger.Debug("store insights failed", "error", err)
		}
	}
	q.logger.Debug("insights updated", "samples", len(successful), "categories", len(snapshot))
}

// Insights returns how often each agent type took part in a successful
// decision, per task category.
func (q *Queen) Insights() map[task.Category]map[shared.AgentType]int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return copyInsights(q.insights)
}

func copyInsights(in map[task.Category]map[shared.AgentType]int) map[task.Category]map[shared.AgentType]int {
	out := make(map[task.Category]map[shared.AgentType]int, len(in))
	for c, byType := range in {
		m := make(map[shared.AgentType]int, len(byType))
		for t, n := range byType {
			m[t] = n
		}
		out[c] = m
	}
	return out
}
