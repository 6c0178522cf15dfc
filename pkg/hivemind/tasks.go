package hivemind

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/blackms/hivemind-go/internal/application/coordinator"
	"github.com/blackms/hivemind-go/internal/domain/task"
	"github.com/blackms/hivemind-go/internal/infrastructure/clock"
	"github.com/blackms/hivemind-go/internal/infrastructure/events"
	"github.com/blackms/hivemind-go/internal/shared"
)

// TaskRequest describes work to submit. Priority defaults to medium.
type TaskRequest struct {
	Description          string
	Priority             shared.TaskPriority
	Strategy             string
	Dependencies         []string
	RequireConsensus     bool
	MaxAgents            int
	RequiredCapabilities []string
	Metadata             map[string]interface{}
}

// SubmitResult is the stored task and the Queen's decision on it.
type SubmitResult struct {
	Task     *shared.Task          `json:"task"`
	Decision *coordinator.Decision `json:"decision"`
}

// SubmitTask persists a pending task and hands it to the Queen.
func (o *Orchestrator) SubmitTask(ctx context.Context, req TaskRequest) (*SubmitResult, error) {
	s, queen, err := o.running("submit_task")
	if err != nil {
		return nil, err
	}
	if err := o.validateRequest(ctx, req); err != nil {
		return nil, err
	}
	if req.Priority == "" {
		req.Priority = shared.PriorityMedium
	}
	meta := shared.CloneMap(req.Metadata)
	if meta == nil {
		meta = make(map[string]interface{})
	}
	meta[task.MetaRequestedStrategy] = req.Strategy

	t := &shared.Task{
		ID:                   uuid.New().String(),
		SwarmID:              s.ID,
		Description:          strings.TrimSpace(req.Description),
		Priority:             req.Priority,
		Strategy:             req.Strategy,
		Status:               shared.TaskStatusPending,
		Dependencies:         shared.CopyStrings(req.Dependencies),
		RequireConsensus:     req.RequireConsensus,
		MaxAgents:            req.MaxAgents,
		RequiredCapabilities: shared.CopyStrings(req.RequiredCapabilities),
		Metadata:             meta,
		CreatedAt:            clock.Millis(o.clock),
	}
	return o.submit(ctx, queen, t)
}

func (o *Orchestrator) submit(ctx context.Context, queen *coordinator.Queen, t *shared.Task) (*SubmitResult, error) {
	if err := o.store.CreateTask(ctx, t); err != nil {
		return nil, shared.NewPersistenceError("create task", err, map[string]interface{}{"taskId": t.ID})
	}
	o.mu.RLock()
	pub := o.pub
	o.mu.RUnlock()
	events.Emit(pub, shared.EventTaskSubmitted, map[string]interface{}{
		"taskId":      t.ID,
		"description": t.Description,
		"priority":    string(t.Priority),
	})

	d, err := queen.OnTaskSubmitted(ctx, t)
	if err != nil {
		return nil, err
	}
	stored, err := o.store.GetTask(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	o.logger.Info("task submitted", "task", t.ID, "decision", string(d.Status), "strategy", d.Strategy)
	return &SubmitResult{Task: stored, Decision: d}, nil
}

func (o *Orchestrator) validateRequest(ctx context.Context, req TaskRequest) error {
	if strings.TrimSpace(req.Description) == "" {
		return shared.NewValidationError("task description is required", map[string]interface{}{"operation": "submit_task"})
	}
	if req.Priority != "" && !req.Priority.Valid() {
		return shared.NewValidationError("unknown priority", map[string]interface{}{
			"priority": string(req.Priority), "operation": "submit_task",
		})
	}
	if req.MaxAgents < 0 {
		return shared.NewValidationError("maxAgents must not be negative", map[string]interface{}{
			"maxAgents": req.MaxAgents, "operation": "submit_task",
		})
	}
	if req.Strategy != "" {
		if queen := o.Queen(); queen != nil {
			if _, ok := queen.Strategy(req.Strategy); !ok {
				return shared.NewValidationError("unknown strategy", map[string]interface{}{
					"strategy": req.Strategy, "operation": "submit_task",
				})
			}
		}
	}
	for _, dep := range req.Dependencies {
		if _, err := o.store.GetTask(ctx, dep); err != nil {
			return err
		}
	}
	return nil
}

// Task returns a stored task.
func (o *Orchestrator) Task(ctx context.Context, taskID string) (*shared.Task, error) {
	return o.store.GetTask(ctx, taskID)
}

// CancelTask cancels a task that has not finished. Agents working on it stop
// at their next checkpoint.
func (o *Orchestrator) CancelTask(ctx context.Context, taskID string) (*shared.Task, error) {
	if _, _, err := o.running("cancel_task"); err != nil {
		return nil, err
	}
	now := clock.Millis(o.clock)
	var cancelled bool
	t, err := o.store.UpdateTask(ctx, taskID, func(cur *shared.Task) error {
		cancelled = task.Cancel(cur, now)
		if !cancelled {
			return shared.NewCoordinationError("task already finished", map[string]interface{}{
				"taskId": taskID, "status": string(cur.Status), "operation": "cancel_task",
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, agentID := range t.AssignedAgents {
		if w, ok := o.Worker(agentID); ok {
			w.CancelTask(taskID)
		}
	}
	o.mu.RLock()
	pub := o.pub
	o.mu.RUnlock()
	events.Emit(pub, shared.EventTaskCancelled, map[string]interface{}{"taskId": taskID, "reason": "cancelled by caller"})
	o.logger.Info("task cancelled", "task", taskID)
	return t, nil
}

// RetryTask submits a new task copied from a failed or cancelled one. The
// copy records the original under metadata retryOf and keeps the caller's
// strategy request, not the Queen's earlier choice.
func (o *Orchestrator) RetryTask(ctx context.Context, taskID string) (*SubmitResult, error) {
	s, queen, err := o.running("retry_task")
	if err != nil {
		return nil, err
	}
	orig, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if orig.Status != shared.TaskStatusFailed && orig.Status != shared.TaskStatusCancelled {
		return nil, shared.NewValidationError("only failed or cancelled tasks can be retried", map[string]interface{}{
			"taskId": taskID, "status": string(orig.Status), "operation": "retry_task",
		})
	}

	meta := shared.CloneMap(orig.Metadata)
	if meta == nil {
		meta = make(map[string]interface{})
	}
	for _, k := range []string{task.MetaAgentProgress, task.MetaReassignments, "decisionId", "proposalId"} {
		delete(meta, k)
	}
	meta[task.MetaRetryOf] = orig.ID
	requested, _ := meta[task.MetaRequestedStrategy].(string)
	meta[task.MetaRequestedStrategy] = requested

	t := &shared.Task{
		ID:                   uuid.New().String(),
		SwarmID:              s.ID,
		Description:          orig.Description,
		Priority:             orig.Priority,
		Strategy:             requested,
		Status:               shared.TaskStatusPending,
		Dependencies:         shared.CopyStrings(orig.Dependencies),
		RequireConsensus:     orig.RequireConsensus,
		MaxAgents:            orig.MaxAgents,
		RequiredCapabilities: shared.CopyStrings(orig.RequiredCapabilities),
		Metadata:             meta,
		CreatedAt:            clock.Millis(o.clock),
	}
	return o.submit(ctx, queen, t)
}

// Rebalance recovers failing agents that are still responsive and schedules
// pending work. It returns the number of tasks assigned.
func (o *Orchestrator) Rebalance(ctx context.Context) (int, error) {
	_, queen, err := o.running("rebalance")
	if err != nil {
		return 0, err
	}
	return queen.Rebalance(ctx)
}
