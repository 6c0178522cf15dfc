package coordinator

import (
	"sort"
	"time"

	"github.com/blackms/hivemind-go/internal/domain/task"
	"github.com/blackms/hivemind-go/internal/shared"
)

// Strategy names.
const (
	StrategyHierarchicalCascade = "hierarchical-cascade"
	StrategyMeshConsensus       = "mesh-consensus"
	StrategyPriorityFastTrack   = "priority-fast-track"
	StrategyAdaptiveDefault     = "adaptive-default"
)

// Strategy is a coordination pattern from the catalog.
type Strategy struct {
	Name               string        `json:"name"`
	Description        string        `json:"description"`
	MaxAgents          int           `json:"maxAgents"`
	CoordinationPoints []string      `json:"coordinationPoints"`
	TargetDuration     time.Duration `json:"targetDuration"`
}

func defaultStrategies() map[string]Strategy {
	return map[string]Strategy{
		StrategyHierarchicalCascade: {
			Name:               StrategyHierarchicalCascade,
			Description:        "Lead agent plans and delegates work down the hierarchy",
			MaxAgents:          5,
			CoordinationPoints: []string{"planning", "delegation", "integration", "review"},
			TargetDuration:     10 * time.Minute,
		},
		StrategyMeshConsensus: {
			Name:               StrategyMeshConsensus,
			Description:        "Peers agree on the approach before working in parallel",
			MaxAgents:          4,
			CoordinationPoints: []string{"proposal", "voting", "agreement"},
			TargetDuration:     5 * time.Minute,
		},
		StrategyPriorityFastTrack: {
			Name:               StrategyPriorityFastTrack,
			Description:        "Smallest capable team with minimal coordination",
			MaxAgents:          2,
			CoordinationPoints: []string{"kickoff", "completion"},
			TargetDuration:     time.Minute,
		},
		StrategyAdaptiveDefault: {
			Name:               StrategyAdaptiveDefault,
			Description:        "Balanced team sized to the task",
			MaxAgents:          3,
			CoordinationPoints: []string{"start", "midpoint", "completion"},
			TargetDuration:     3 * time.Minute,
		},
	}
}

// SelectStrategy applies the catalog rules in order. An explicitly
// requested strategy that exists in the catalog wins.
func SelectStrategy(topology shared.SwarmTopology, t *shared.Task, a task.Analysis) string {
	switch t.Strategy {
	case StrategyHierarchicalCascade, StrategyMeshConsensus, StrategyPriorityFastTrack, StrategyAdaptiveDefault:
		return t.Strategy
	}
	switch {
	case topology == shared.TopologyHierarchical && a.Complexity == task.ComplexityHigh:
		return StrategyHierarchicalCascade
	case topology == shared.TopologyMesh && t.RequireConsensus:
		return StrategyMeshConsensus
	case t.Priority == shared.PriorityCritical:
		return StrategyPriorityFastTrack
	default:
		return StrategyAdaptiveDefault
	}
}

// Strategy returns a catalog entry with its current agent bound.
func (q *Queen) Strategy(name string) (Strategy, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	s, ok := q.strategies[name]
	if ok {
		s.CoordinationPoints = shared.CopyStrings(s.CoordinationPoints)
	}
	return s, ok
}

// Strategies returns the catalog sorted by name.
func (q *Queen) Strategies() []Strategy {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]Strategy, 0, len(q.strategies))
	for _, s := range q.strategies {
		s.CoordinationPoints = shared.CopyStrings(s.CoordinationPoints)
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
