package coordinator

import (
	"context"
	"time"

	"github.com/blackms/hivemind-go/internal/domain/task"
	"github.com/blackms/hivemind-go/internal/infrastructure/clock"
	"github.com/blackms/hivemind-go/internal/infrastructure/events"
	"github.com/blackms/hivemind-go/internal/shared"
)

// Rebalance thresholds.
const (
	rebalanceUtilization  = 0.9
	rebalanceBacklogRatio = 2
)

// RebalanceSignal describes an overloaded swarm.
type RebalanceSignal struct {
	Reason       string  `json:"reason"`
	Utilization  float64 `json:"utilization"`
	PendingTasks int     `json:"pendingTasks"`
	LiveAgents   int     `json:"liveAgents"`
}

// CycleReport summarizes one coordination cycle.
type CycleReport struct {
	Reassignments int              `json:"reassignments"`
	Assigned      int              `json:"assigned"`
	Rebalance     *RebalanceSignal `json:"rebalance,omitempty"`
}

// ============================================================================
// Lifecycle
// ============================================================================

// Start runs the coordination and optimization loops until Stop.
func (q *Queen) Start(ctx context.Context) {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	loopCtx, cancel := context.WithCancel(ctx)
	q.loopCancel = cancel
	q.mu.Unlock()

	q.startLoop(loopCtx, q.cfg.CoordinationInterval, func(ctx context.Context) {
		if _, err := q.RunCoordinationCycle(ctx); err != nil {
			q.logger.Warn("coordination cycle failed", "error", err)
		}
	})
	q.startLoop(loopCtx, q.cfg.OptimizationInterval, func(ctx context.Context) {
		if err := q.RunOptimizationCycle(ctx); err != nil {
			q.logger.Warn("optimization cycle failed", "error", err)
		}
	})
	q.logger.Info("queen started", "topology", string(q.topology))
}

func (q *Queen) startLoop(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	q.loops.Add(1)
	go func() {
		defer q.loops.Done()
		ticker := q.clock.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn(ctx)
			}
		}
	}()
}

// Stop ends the loops and waits for a running cycle to return.
func (q *Queen) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	q.running = false
	cancel := q.loopCancel
	q.loopCancel = nil
	q.mu.Unlock()

	cancel()
	q.loops.Wait()
	q.logger.Info("queen stopped")
}

// ============================================================================
// Coordination cycle
// ============================================================================

// RunCoordinationCycle reassigns work held by unresponsive agents, schedules
// pending tasks and checks whether the swarm needs rebalancing.
func (q *Queen) RunCoordinationCycle(ctx context.Context) (CycleReport, error) {
	var report CycleReport

	n, err := q.CheckHealth(ctx)
	if err != nil {
		return report, err
	}
	report.Reassignments = n

	assigned, err := q.AssignPending(ctx)
	if err != nil {
		return report, err
	}
	report.Assigned = assigned

	signal, err := q.checkRebalance(ctx)
	if err != nil {
		return report, err
	}
	report.Rebalance = signal
	return report, nil
}

// CheckHealth moves tasks off agents that stopped heartbeating. It returns
// the number of tasks handed to a replacement.
func (q *Queen) CheckHealth(ctx context.Context) (int, error) {
	q.scheduleMu.Lock()
	defer q.scheduleMu.Unlock()

	now := q.clock.Now()
	reassigned := 0
	for _, m := range q.Members() {
		taskID := m.CurrentTaskID()
		if taskID == "" || m.IsResponsive(now) {
			continue
		}
		q.logger.Warn("agent unresponsive", "agent", m.ID(), "task", taskID)
		m.Abandon(taskID)

		ok, err := q.reassign(ctx, taskID, m.ID())
		if err != nil {
			return reassigned, err
		}
		if ok {
			reassigned++
		}
	}
	return reassigned, nil
}

// reassign hands failed's part of a task to the best idle agent. Without a
// replacement the failed agent is dropped and the task either completes
// with what the others delivered or returns to pending.
func (q *Queen) reassign(ctx context.Context, taskID, failed string) (bool, error) {
	t, err := q.store.GetTask(ctx, taskID)
	if err != nil {
		if shared.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	if t.Status.IsTerminal() || !t.IsAssignedTo(failed) {
		return false, nil
	}

	a := task.Analyze(t)
	if c, ok := t.Metadata[task.MetaCategory].(string); ok && c != "" {
		a.Category = task.Category(c)
	}
	scores, err := q.ScoreAgents(ctx, t, a.Category, append(shared.CopyStrings(t.AssignedAgents), failed)...)
	if err != nil {
		return false, err
	}
	var replacement *AgentScore
	for i := range scores {
		if scores[i].Status == shared.AgentStatusIdle {
			replacement = &scores[i]
			break
		}
	}

	if replacement == nil {
		q.dropAgents(ctx, taskID, []string{failed})
		q.logger.Warn("no replacement agent", "task", taskID, "failed", failed)
		return false, nil
	}

	updated, err := q.store.UpdateTask(ctx, taskID, func(cur *shared.Task) error {
		if cur.Status.IsTerminal() || !task.Replace(cur, failed, replacement.AgentID) {
			return shared.NewCoordinationError("task changed during reassignment", map[string]interface{}{
				"taskId": taskID, "operation": "reassign",
			})
		}
		return nil
	})
	if err != nil {
		q.logger.Debug("reassignment skipped", "task", taskID, "error", err)
		return false, nil
	}

	plan := q.replaceInPlan(taskID, failed, *replacement)
	m, ok := q.Member(replacement.AgentID)
	if !ok {
		q.dropAgents(ctx, taskID, []string{replacement.AgentID})
		return false, nil
	}
	if err := m.AcceptTask(ctx, updated, plan); err != nil {
		q.logger.Warn("replacement refused task", "agent", replacement.AgentID, "task", taskID, "error", err)
		q.dropAgents(ctx, taskID, []string{replacement.AgentID})
		return false, nil
	}

	q.mu.Lock()
	q.metrics.Reassignments++
	q.mu.Unlock()
	events.Emit(q.events, shared.EventTaskReassigned, map[string]interface{}{
		"taskId": taskID,
		"from":   failed,
		"to":     replacement.AgentID,
	})
	q.logger.Info("task reassigned", "task", taskID, "from", failed, "to", replacement.AgentID)
	return true, nil
}

func (q *Queen) replaceInPlan(taskID, failed string, s AgentScore) *task.ExecutionPlan {
	q.mu.Lock()
	defer q.mu.Unlock()
	plan, ok := q.plans[taskID]
	if !ok {
		plan = &task.ExecutionPlan{
			TaskID:    taskID,
			Phases:    append([]task.Phase(nil), task.DefaultPhases...),
			Fallback:  task.DefaultFallback(),
			CreatedAt: clock.Millis(q.clock),
		}
		q.plans[taskID] = plan
	}
	next := task.Assignment{
		AgentID:          s.AgentID,
		AgentType:        s.AgentType,
		Role:             q.registry.Role(s.AgentType),
		Responsibilities: q.registry.Responsibilities(s.AgentType),
		Score:            s.Score,
	}
	for i, a := range plan.Assignments {
		if a.AgentID == failed {
			if a.Role == "team_lead" {
				next.Role = a.Role
			}
			plan.Assignments[i] = next
			return plan
		}
	}
	plan.Assignments = append(plan.Assignments, next)
	return plan
}

// AssignPending runs a decision for every pending task that is not already
// waiting on consensus. It returns the number of tasks assigned.
func (q *Queen) AssignPending(ctx context.Context) (int, error) {
	q.scheduleMu.Lock()
	defer q.scheduleMu.Unlock()

	pending, err := q.store.GetPendingTasks(ctx, q.swarmID)
	if err != nil {
		return 0, err
	}
	assigned := 0
	for _, t := range pending {
		if q.AwaitingConsensus(t.ID) {
			continue
		}
		if !q.hasIdleMember() {
			break
		}
		d, err := q.decide(ctx, t)
		if err != nil {
			q.logger.Debug("pending task not scheduled", "task", t.ID, "error", err)
			continue
		}
		if d.Status == DecisionApplied {
			assigned++
		}
	}
	return assigned, nil
}

func (q *Queen) hasIdleMember() bool {
	now := q.clock.Now()
	for _, m := range q.Members() {
		if m.Status() == shared.AgentStatusIdle && m.IsResponsive(now) {
			return true
		}
	}
	return false
}

// checkRebalance emits a rebalance signal when utilization is above 90% or
// the backlog is more than twice the live agents.
func (q *Queen) checkRebalance(ctx context.Context) (*RebalanceSignal, error) {
	stats, err := q.store.SwarmStats(ctx, q.swarmID)
	if err != nil {
		return nil, err
	}
	live := stats.TotalAgents - stats.OfflineAgents
	var reason string
	switch {
	case stats.Utilization > rebalanceUtilization:
		reason = "high_utilization"
	case stats.PendingTasks > rebalanceBacklogRatio*live:
		reason = "task_backlog"
	default:
		return nil, nil
	}

	signal := &RebalanceSignal{
		Reason:       reason,
		Utilization:  stats.Utilization,
		PendingTasks: stats.PendingTasks,
		LiveAgents:   live,
	}
	q.mu.Lock()
	q.metrics.RebalanceSignals++
	q.mu.Unlock()
	events.Emit(q.events, shared.EventQueenRebalance, map[string]interface{}{
		"reason":       signal.Reason,
		"utilization":  signal.Utilization,
		"pendingTasks": signal.PendingTasks,
		"liveAgents":   signal.LiveAgents,
	})
	q.logger.Info("rebalance needed", "reason", reason, "utilization", stats.Utilization, "pending", stats.PendingTasks)
	return signal, nil
}

// Rebalance returns responsive agents in the error state to service and
// schedules the backlog. It returns the number of tasks assigned.
func (q *Queen) Rebalance(ctx context.Context) (int, error) {
	now := q.clock.Now()
	for _, m := range q.Members() {
		if m.Status() != shared.AgentStatusError || !m.IsResponsive(now) {
			continue
		}
		if err := m.Recover(ctx); err != nil {
			q.logger.Warn("agent recovery failed", "agent", m.ID(), "error", err)
			continue
		}
		q.mu.Lock()
		q.failures[m.ID()] = 0
		q.mu.Unlock()
	}
	return q.AssignPending(ctx)
}
