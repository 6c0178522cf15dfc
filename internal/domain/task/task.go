// Package task holds the task lifecycle rules shared by the Queen and the
// agents: status transitions, progress accounting, analysis and execution
// plans. The functions operate on *shared.Task values and are meant to be
// called inside persistence update callbacks.
package task

import (
	"sort"

	"github.com/blackms/hivemind-go/internal/shared"
)

// Metadata keys written by the lifecycle helpers.
const (
	MetaAgentProgress = "agentProgress"
	MetaRetryOf       = "retryOf"
	MetaCategory      = "category"
	MetaReassignments = "reassignments"
	// MetaRequestedStrategy is the strategy the caller asked for, empty when
	// the Queen chose. Task.Strategy holds the Queen's final choice.
	MetaRequestedStrategy = "requestedStrategy"
)

// DependenciesResolved reports whether every dependency is in completed.
func DependenciesResolved(t *shared.Task, completed map[string]bool) bool {
	for _, dep := range t.Dependencies {
		if !completed[dep] {
			return false
		}
	}
	return true
}

// Assign records the selected agents and moves a pending task to assigned.
func Assign(t *shared.Task, agentIDs []string, now int64) error {
	if t.Status.IsTerminal() {
		return shared.NewCoordinationError("task is already finished", map[string]interface{}{
			"taskId": t.ID, "status": string(t.Status), "operation": "assign",
		})
	}
	if t.MaxAgents > 0 && len(agentIDs) > t.MaxAgents {
		return shared.NewCapacityError("too many agents for task", map[string]interface{}{
			"taskId": t.ID, "maxAgents": t.MaxAgents, "requested": len(agentIDs),
		})
	}
	t.AssignedAgents = shared.CopyStrings(agentIDs)
	t.Status = shared.TaskStatusAssigned
	t.AssignedAt = now
	return nil
}

// Start marks an assigned task as in progress.
func Start(t *shared.Task) {
	if t.Status == shared.TaskStatusPending || t.Status == shared.TaskStatusAssigned {
		t.Status = shared.TaskStatusInProgress
	}
}

// Replace swaps agent from for agent to in the assigned set and drops the
// progress reported by from. Overall progress is left as is.
func Replace(t *shared.Task, from, to string) bool {
	replaced := false
	for i, id := range t.AssignedAgents {
		if id == from {
			t.AssignedAgents[i] = to
			replaced = true
		}
	}
	if !replaced {
		return false
	}
	if m, ok := t.Metadata[MetaAgentProgress].(map[string]interface{}); ok {
		delete(m, from)
	}
	if t.Metadata == nil {
		t.Metadata = make(map[string]interface{})
	}
	t.Metadata[MetaReassignments] = toInt(t.Metadata[MetaReassignments]) + 1
	return true
}

// Unassign removes agentID from the assigned set and drops its progress. A
// task left without agents goes back to pending so it can be scheduled
// again.
func Unassign(t *shared.Task, agentID string) bool {
	kept := t.AssignedAgents[:0:0]
	for _, id := range t.AssignedAgents {
		if id != agentID {
			kept = append(kept, id)
		}
	}
	if len(kept) == len(t.AssignedAgents) {
		return false
	}
	t.AssignedAgents = kept
	if m, ok := t.Metadata[MetaAgentProgress].(map[string]interface{}); ok {
		delete(m, agentID)
	}
	if len(kept) == 0 && !t.Status.IsTerminal() {
		t.Status = shared.TaskStatusPending
		t.AssignedAgents = nil
		t.AssignedAt = 0
	}
	return true
}

// SetAgentProgress records agentID's progress and recomputes the task
// progress as the mean over the assigned agents. Task progress never
// decreases. It returns the resulting task progress.
func SetAgentProgress(t *shared.Task, agentID string, progress int) int {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	if t.Metadata == nil {
		t.Metadata = make(map[string]interface{})
	}
	m, ok := t.Metadata[MetaAgentProgress].(map[string]interface{})
	if !ok {
		m = make(map[string]interface{})
		t.Metadata[MetaAgentProgress] = m
	}
	if progress > toInt(m[agentID]) {
		m[agentID] = progress
	}

	agents := t.AssignedAgents
	if len(agents) == 0 {
		agents = []string{agentID}
	}
	sum := 0
	for _, id := range agents {
		sum += toInt(m[id])
	}
	overall := sum / len(agents)
	if overall > t.Progress {
		t.Progress = overall
	}
	return t.Progress
}

// Complete stores agentID's result. The task completes once every assigned
// agent has reported a result. It reports whether the task completed.
func Complete(t *shared.Task, agentID string, result map[string]interface{}, now int64) bool {
	if t.Status.IsTerminal() {
		return false
	}
	if t.Result == nil {
		t.Result = make(map[string]interface{})
	}
	t.Result[agentID] = shared.CloneMap(result)
	SetAgentProgress(t, agentID, 100)
	if len(t.AssignedAgents) == 0 {
		t.AssignedAgents = []string{agentID}
	}
	return CompleteIfDone(t, now)
}

// CompleteIfDone completes a running task whose assigned agents have all
// reported results. Used after the assigned set shrinks.
func CompleteIfDone(t *shared.Task, now int64) bool {
	if t.Status.IsTerminal() || len(t.AssignedAgents) == 0 {
		return false
	}
	for _, id := range t.AssignedAgents {
		if _, ok := t.Result[id]; !ok {
			return false
		}
	}
	t.Status = shared.TaskStatusCompleted
	t.Progress = 100
	t.CompletedAt = now
	return true
}

// Fail marks the task failed. It reports false when the task was already
// finished.
func Fail(t *shared.Task, errMsg string, now int64) bool {
	if t.Status.IsTerminal() {
		return false
	}
	t.Status = shared.TaskStatusFailed
	t.Error = errMsg
	t.CompletedAt = now
	return true
}

// Cancel marks the task cancelled. It reports false when the task was
// already finished.
func Cancel(t *shared.Task, now int64) bool {
	if t.Status.IsTerminal() {
		return false
	}
	t.Status = shared.TaskStatusCancelled
	t.CompletedAt = now
	return true
}

// Duration returns the time from assignment to completion in milliseconds.
func Duration(t *shared.Task) int64 {
	start := t.AssignedAt
	if start == 0 {
		start = t.CreatedAt
	}
	if t.CompletedAt == 0 || t.CompletedAt < start {
		return 0
	}
	return t.CompletedAt - start
}

// SortByPriority orders tasks by priority rank, then creation time.
func SortByPriority(tasks []*shared.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		ri, rj := tasks[i].Priority.Rank(), tasks[j].Priority.Rank()
		if ri != rj {
			return ri < rj
		}
		return tasks[i].CreatedAt < tasks[j].CreatedAt
	})
}

// toInt reads numbers that may have been through a JSON round trip.
func toInt(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
