package task

import "github.com/blackms/hivemind-go/internal/shared"

// Phase is one step of an agent's execution pipeline.
type Phase string

const (
	PhaseAnalysis   Phase = "analysis"
	PhaseExecution  Phase = "execution"
	PhaseValidation Phase = "validation"
)

// DefaultPhases is the pipeline used when a plan names no phases.
var DefaultPhases = []Phase{PhaseAnalysis, PhaseExecution, PhaseValidation}

// ValidationChecklist is checked by the validation phase.
var ValidationChecklist = []string{"completeness", "quality", "performance"}

// Assignment is one agent's part of an execution plan.
type Assignment struct {
	AgentID          string           `json:"agentId"`
	AgentType        shared.AgentType `json:"agentType"`
	Role             string           `json:"role"`
	Responsibilities []string         `json:"responsibilities"`
	Score            float64          `json:"score"`
}

// Checkpoint is a coordination point at a progress percentage.
type Checkpoint struct {
	Name     string `json:"name"`
	Progress int    `json:"progress"`
}

// Fallback describes what happens when the plan goes wrong.
type Fallback struct {
	Triggers       []string `json:"triggers"`
	EscalationPath []string `json:"escalationPath"`
}

// DefaultFallback is attached to every plan.
func DefaultFallback() Fallback {
	return Fallback{
		Triggers:       []string{"agent_failure", "deadline_approaching", "consensus_failure"},
		EscalationPath: []string{"team_lead", "queen", "human"},
	}
}

// ExecutionPlan is the Queen's schedule for one task.
type ExecutionPlan struct {
	TaskID      string       `json:"taskId"`
	Strategy    string       `json:"strategy"`
	Phases      []Phase      `json:"phases"`
	Assignments []Assignment `json:"assignments"`
	Checkpoints []Checkpoint `json:"checkpoints"`
	Fallback    Fallback     `json:"fallback"`
	CreatedAt   int64        `json:"createdAt"`
}

// PhaseList returns the plan's phases, or DefaultPhases for an empty or nil
// plan.
func (p *ExecutionPlan) PhaseList() []Phase {
	if p == nil || len(p.Phases) == 0 {
		return DefaultPhases
	}
	return p.Phases
}

// AssignmentFor returns the assignment of agentID.
func (p *ExecutionPlan) AssignmentFor(agentID string) (Assignment, bool) {
	if p == nil {
		return Assignment{}, false
	}
	for _, a := range p.Assignments {
		if a.AgentID == agentID {
			return a, true
		}
	}
	return Assignment{}, false
}

// AgentIDs returns the assigned agents in plan order.
func (p *ExecutionPlan) AgentIDs() []string {
	ids := make([]string, len(p.Assignments))
	for i, a := range p.Assignments {
		ids[i] = a.AgentID
	}
	return ids
}

// SpreadCheckpoints places the named points evenly across 0-100, excluding
// both ends.
func SpreadCheckpoints(names []string) []Checkpoint {
	out := make([]Checkpoint, len(names))
	for i, name := range names {
		out[i] = Checkpoint{Name: name, Progress: (i + 1) * 100 / (len(names) + 1)}
	}
	return out
}

// Progress converts a completed phase count into a percentage.
func Progress(done, total int) int {
	if total <= 0 {
		return 100
	}
	if done >= total {
		return 100
	}
	return done * 100 / total
}
