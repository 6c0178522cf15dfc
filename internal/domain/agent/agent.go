package agent

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/blackms/hivemind-go/internal/config"
	"github.com/blackms/hivemind-go/internal/domain/task"
	"github.com/blackms/hivemind-go/internal/infrastructure/clock"
	"github.com/blackms/hivemind-go/internal/infrastructure/events"
	"github.com/blackms/hivemind-go/internal/infrastructure/logging"
	"github.com/blackms/hivemind-go/internal/infrastructure/messaging"
	"github.com/blackms/hivemind-go/internal/infrastructure/persistence"
	"github.com/blackms/hivemind-go/internal/shared"
)

// ============================================================================
// Collaborators
// ============================================================================

// Messenger is the part of the communication bus a worker uses.
type Messenger interface {
	RegisterAgent(ctx context.Context, agentID string, agentType shared.AgentType, handler messaging.Handler) error
	UnregisterAgent(agentID string)
	Broadcast(ctx context.Context, from string, msgType shared.MessageType, content map[string]interface{}, priority shared.MessagePriority) (*shared.Message, error)
	Respond(ctx context.Context, request *shared.Message, from string, content map[string]interface{}) (*shared.Message, error)
	MarkRead(ctx context.Context, messageID string) error
}

// VoteSubmitter records consensus votes.
type VoteSubmitter interface {
	SubmitVote(ctx context.Context, proposalID, agentID string, approve bool, reason string) (*shared.ConsensusProposal, error)
}

// VotePolicy decides how the agent votes on an announced proposal.
type VotePolicy func(self *shared.Agent, proposal map[string]interface{}) (approve bool, reason string)

// PatternSource reports behavior patterns observed for an agent.
type PatternSource interface {
	RecentPatterns(ctx context.Context, agentID string) ([]shared.BehaviorPattern, error)
}

// Outcome is reported to OnFinished hooks when the worker lets go of a task.
// Status is the result of this agent's part; TaskDone is set when that part
// completed the whole task. Abandoned outcomes leave the counters alone.
type Outcome struct {
	AgentID   string
	TaskID    string
	Status    shared.TaskStatus
	TaskDone  bool
	Err       error
	Duration  time.Duration
	Category  task.Category
	Abandoned bool
}

// Options wires a worker. Store is required; everything else is optional.
type Options struct {
	Store    persistence.Store
	Bus      Messenger
	Executor Executor
	Voter    VoteSubmitter
	Vote     VotePolicy
	Patterns PatternSource
	Clock    clock.Clock
	Events   shared.Publisher
	Config   config.AgentConfig
	Logger   *slog.Logger
}

// maxInbox bounds the buffered inbound messages; the oldest are dropped.
const maxInbox = 1000

var (
	errReassigned = errors.New("task reassigned to another agent")
	errShutdown   = errors.New("agent shut down")
)

type activeTask struct {
	id        string
	cancel    context.CancelCauseFunc
	startedAt time.Time
}

// ============================================================================
// Worker
// ============================================================================

// Worker is a live agent. It owns at most one task at a time; status is busy
// exactly while a task is held.
type Worker struct {
	id        string
	swarmID   string
	agentType shared.AgentType

	store    persistence.Store
	bus      Messenger
	exec     Executor
	voter    VoteSubmitter
	vote     VotePolicy
	patterns PatternSource
	clock    clock.Clock
	events   shared.Publisher
	cfg      config.AgentConfig
	logger   *slog.Logger

	mu            sync.RWMutex
	status        shared.AgentStatus
	capabilities  []string
	current       *activeTask
	lastHeartbeat time.Time
	finished      []func(Outcome)
	running       bool
	shutdown      bool
	loopCancel    context.CancelFunc

	inboxMu sync.Mutex
	inbox   []*shared.Message
	handled map[string]int64

	loops sync.WaitGroup
	tasks sync.WaitGroup
}

// New wraps a persisted agent record. The worker starts idle unless the
// record is in the error state.
func New(a *shared.Agent, opts Options) *Worker {
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	exec := opts.Executor
	if exec == nil {
		exec = &DefaultExecutor{}
	}
	vote := opts.Vote
	if vote == nil {
		vote = DefaultVotePolicy
	}
	cfg := opts.Config
	defaults := config.Defaults().Agent
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if cfg.DrainInterval <= 0 {
		cfg.DrainInterval = defaults.DrainInterval
	}
	if cfg.LearningInterval <= 0 {
		cfg.LearningInterval = defaults.LearningInterval
	}
	if cfg.ResponsiveWindow <= 0 {
		cfg.ResponsiveWindow = defaults.ResponsiveWindow
	}

	status := shared.AgentStatusIdle
	if a.Status == shared.AgentStatusError {
		status = shared.AgentStatusError
	}
	lastHeartbeat := clk.Now()
	if a.LastActiveAt > 0 {
		lastHeartbeat = time.UnixMilli(a.LastActiveAt)
	}

	return &Worker{
		id:            a.ID,
		swarmID:       a.SwarmID,
		agentType:     a.Type,
		store:         opts.Store,
		bus:           opts.Bus,
		exec:          exec,
		voter:         opts.Voter,
		vote:          vote,
		patterns:      opts.Patterns,
		clock:         clk,
		events:        opts.Events,
		cfg:           cfg,
		logger:        logging.Component(opts.Logger, "agent").With("agent", a.ID, "type", string(a.Type)),
		status:        status,
		capabilities:  shared.CopyStrings(a.Capabilities),
		lastHeartbeat: lastHeartbeat,
		handled:       make(map[string]int64),
	}
}

// ID returns the agent id.
func (w *Worker) ID() string { return w.id }

// Type returns the agent type.
func (w *Worker) Type() shared.AgentType { return w.agentType }

// Status returns the in-memory status.
func (w *Worker) Status() shared.AgentStatus {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.status
}

// CurrentTaskID returns the held task, or "".
func (w *Worker) CurrentTaskID() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.current == nil {
		return ""
	}
	return w.current.id
}

// Capabilities returns the current capability set.
func (w *Worker) Capabilities() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return shared.CopyStrings(w.capabilities)
}

// Snapshot reads the persisted agent record.
func (w *Worker) Snapshot(ctx context.Context) (*shared.Agent, error) {
	return w.store.GetAgent(ctx, w.id)
}

// OnFinished registers fn to run whenever the worker releases a task.
func (w *Worker) OnFinished(fn func(Outcome)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.finished = append(w.finished, fn)
}

// ============================================================================
// Lifecycle
// ============================================================================

// Start registers the worker on the bus, persists it as idle and starts the
// heartbeat, drain and learning loops.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.shutdown {
		w.mu.Unlock()
		return shared.NewCoordinationError("agent is offline", map[string]interface{}{"agentId": w.id, "operation": "start"})
	}
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	loopCtx, cancel := context.WithCancel(context.Background())
	w.loopCancel = cancel
	w.mu.Unlock()

	if w.bus != nil {
		if err := w.bus.RegisterAgent(ctx, w.id, w.agentType, w.enqueue); err != nil {
			w.abortStart(cancel)
			return err
		}
	}
	if err := w.persistStatus(ctx, w.Status(), ""); err != nil {
		if w.bus != nil {
			w.bus.UnregisterAgent(w.id)
		}
		w.abortStart(cancel)
		return err
	}
	w.Heartbeat(ctx)

	w.startLoop(loopCtx, w.cfg.HeartbeatInterval, func(ctx context.Context) { w.Heartbeat(ctx) })
	w.startLoop(loopCtx, w.cfg.DrainInterval, func(ctx context.Context) { w.DrainInbox(ctx) })
	if w.patterns != nil {
		w.startLoop(loopCtx, w.cfg.LearningInterval, func(ctx context.Context) {
			if _, err := w.Learn(ctx); err != nil {
				w.logger.Debug("learning cycle failed", "error", err)
			}
		})
	}
	return nil
}

func (w *Worker) abortStart(cancel context.CancelFunc) {
	cancel()
	w.mu.Lock()
	w.running = false
	w.loopCancel = nil
	w.mu.Unlock()
}

func (w *Worker) startLoop(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	ticker := w.clock.NewTicker(interval)
	w.loops.Add(1)
	go func() {
		defer w.loops.Done()
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

// Shutdown stops the loops, cancels the held task, leaves the bus and
// marks the agent offline. It is safe to call more than once.
func (w *Worker) Shutdown(ctx context.Context) {
	w.mu.Lock()
	if w.shutdown {
		w.mu.Unlock()
		return
	}
	w.shutdown = true
	current := w.current
	cancel := w.loopCancel
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	w.loops.Wait()
	if current != nil {
		current.cancel(errShutdown)
	}
	w.tasks.Wait()

	if w.bus != nil {
		w.bus.UnregisterAgent(w.id)
	}

	w.mu.Lock()
	w.status = shared.AgentStatusOffline
	w.running = false
	w.mu.Unlock()

	now := clock.Millis(w.clock)
	if _, err := w.store.UpdateAgent(ctx, w.id, func(a *shared.Agent) error {
		a.Status = shared.AgentStatusOffline
		a.CurrentTaskID = ""
		a.LastActiveAt = now
		return nil
	}); err != nil {
		w.logger.Warn("persist offline status failed", "error", err)
	}
	events.Emit(w.events, shared.EventAgentOffline, map[string]interface{}{"agentId": w.id})
	w.logger.Info("agent shut down")
}

// Heartbeat refreshes the last-active time.
func (w *Worker) Heartbeat(ctx context.Context) {
	now := w.clock.Now()
	w.mu.Lock()
	w.lastHeartbeat = now
	w.mu.Unlock()

	if _, err := w.store.UpdateAgent(ctx, w.id, func(a *shared.Agent) error {
		a.LastActiveAt = now.UnixMilli()
		return nil
	}); err != nil {
		w.logger.Debug("persist heartbeat failed", "error", err)
	}
}

// LastHeartbeat returns the time of the last heartbeat.
func (w *Worker) LastHeartbeat() time.Time {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastHeartbeat
}

// IsResponsive reports whether a heartbeat happened within the responsive
// window before now.
func (w *Worker) IsResponsive(now time.Time) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.shutdown {
		return false
	}
	return now.Sub(w.lastHeartbeat) <= w.cfg.ResponsiveWindow
}

// MarkError puts an idle agent in the error state so it receives no work.
func (w *Worker) MarkError(ctx context.Context, reason string) error {
	w.mu.Lock()
	if w.current != nil {
		w.mu.Unlock()
		return shared.NewCoordinationError("agent has an active task", map[string]interface{}{
			"agentId": w.id, "operation": "mark_error",
		})
	}
	w.status = shared.AgentStatusError
	w.mu.Unlock()

	w.logger.Warn("agent marked as failing", "reason", reason)
	return w.persistStatus(ctx, shared.AgentStatusError, "")
}

// Recover returns an agent in the error state to idle.
func (w *Worker) Recover(ctx context.Context) error {
	w.mu.Lock()
	if w.status != shared.AgentStatusError {
		w.mu.Unlock()
		return nil
	}
	w.status = shared.AgentStatusIdle
	w.mu.Unlock()
	return w.persistStatus(ctx, shared.AgentStatusIdle, "")
}

func (w *Worker) persistStatus(ctx context.Context, status shared.AgentStatus, taskID string) error {
	now := clock.Millis(w.clock)
	if _, err := w.store.UpdateAgent(ctx, w.id, func(a *shared.Agent) error {
		a.Status = status
		a.CurrentTaskID = taskID
		a.LastActiveAt = now
		return nil
	}); err != nil {
		return shared.NewPersistenceError("update agent", err, map[string]interface{}{"agentId": w.id})
	}
	events.Emit(w.events, shared.EventAgentStatus, map[string]interface{}{
		"agentId": w.id,
		"status":  string(status),
		"taskId":  taskID,
	})
	return nil
}

// ============================================================================
// Task execution
// ============================================================================

// AcceptTask takes t and runs its phases in the background. plan may be nil.
// Only an idle agent accepts work.
func (w *Worker) AcceptTask(ctx context.Context, t *shared.Task, plan *task.ExecutionPlan) error {
	w.mu.Lock()
	if w.shutdown {
		w.mu.Unlock()
		return shared.NewCoordinationError("agent is offline", map[string]interface{}{
			"agentId": w.id, "taskId": t.ID, "operation": "accept_task",
		})
	}
	if w.current != nil {
		current := w.current.id
		w.mu.Unlock()
		return shared.NewCapacityError("agent already has an active task", map[string]interface{}{
			"agentId": w.id, "taskId": t.ID, "currentTaskId": current, "operation": "accept_task",
		})
	}
	if w.status != shared.AgentStatusIdle {
		status := w.status
		w.mu.Unlock()
		return shared.NewCapacityError("agent is not idle", map[string]interface{}{
			"agentId": w.id, "taskId": t.ID, "status": string(status), "operation": "accept_task",
		})
	}
	runCtx, cancel := context.WithCancelCause(context.Background())
	w.current = &activeTask{id: t.ID, cancel: cancel, startedAt: w.clock.Now()}
	w.status = shared.AgentStatusBusy
	w.mu.Unlock()

	if err := w.persistStatus(ctx, shared.AgentStatusBusy, t.ID); err != nil {
		w.mu.Lock()
		w.current = nil
		w.status = shared.AgentStatusIdle
		w.mu.Unlock()
		cancel(nil)
		return err
	}

	w.logger.Debug("task accepted", "task", t.ID)
	w.tasks.Add(1)
	go w.run(runCtx, t.Clone(), plan)
	return nil
}

// CancelTask cancels the held task if it is taskID. The running phase sees
// the cancellation at its next checkpoint and the task ends cancelled.
func (w *Worker) CancelTask(taskID string) bool {
	return w.interrupt(taskID, context.Canceled)
}

// Abandon stops working on taskID without touching the task record. The
// agent ends in the error state. Used when the task is handed to another
// agent.
func (w *Worker) Abandon(taskID string) bool {
	return w.interrupt(taskID, errReassigned)
}

func (w *Worker) interrupt(taskID string, cause error) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.current == nil || w.current.id != taskID {
		return false
	}
	w.current.cancel(cause)
	return true
}

// Wait blocks until no task is running.
func (w *Worker) Wait() {
	w.tasks.Wait()
}

var (
	errTaskFinished = errors.New("task already finished")
	errUnassigned   = errors.New("agent no longer assigned to task")
)

func (w *Worker) run(runCtx context.Context, t *shared.Task, plan *task.ExecutionPlan) {
	defer w.tasks.Done()

	ctx := context.Background()
	phases := plan.PhaseList()
	assignment, ok := plan.AssignmentFor(w.id)
	if !ok {
		assignment = task.Assignment{AgentID: w.id, AgentType: w.agentType}
	}
	category := categoryOf(t)

	started, err := w.store.UpdateTask(ctx, t.ID, func(cur *shared.Task) error {
		if cur.Status.IsTerminal() {
			return errTaskFinished
		}
		task.Start(cur)
		return nil
	})
	switch {
	case errors.Is(err, errTaskFinished):
		w.release(ctx, Outcome{TaskID: t.ID, Status: shared.TaskStatusCancelled, Category: category, Abandoned: true})
		return
	case err != nil:
		w.fail(ctx, t, category, "", shared.NewPersistenceError("start task", err, map[string]interface{}{"taskId": t.ID}))
		return
	}
	t = started

	results := make(map[string]interface{}, len(phases))
	for i, phase := range phases {
		if w.checkpoint(ctx, runCtx, t, category) {
			return
		}

		out, err := w.exec.ExecutePhase(runCtx, PhaseRequest{
			AgentID:    w.id,
			AgentType:  w.agentType,
			Task:       t.Clone(),
			Phase:      phase,
			Index:      i,
			Total:      len(phases),
			Assignment: assignment,
			Results:    shared.CloneMap(results),
		})
		if err != nil {
			if w.checkpoint(ctx, runCtx, t, category) {
				return
			}
			w.fail(ctx, t, category, phase, err)
			return
		}
		results[string(phase)] = out

		if stop := w.reportProgress(ctx, t, phase, task.Progress(i+1, len(phases)), category); stop {
			return
		}
	}
	if w.checkpoint(ctx, runCtx, t, category) {
		return
	}
	w.complete(ctx, t, category, results)
}

// checkpoint handles an interrupted run and reports whether the run must stop.
func (w *Worker) checkpoint(ctx, runCtx context.Context, t *shared.Task, category task.Category) bool {
	if runCtx.Err() == nil {
		return false
	}
	cause := context.Cause(runCtx)
	if errors.Is(cause, errReassigned) {
		w.logger.Warn("task abandoned", "task", t.ID)
		w.release(ctx, Outcome{TaskID: t.ID, Status: shared.TaskStatusAssigned, Err: cause, Category: category, Abandoned: true})
		return true
	}

	now := clock.Millis(w.clock)
	cancelled := false
	if _, err := w.store.UpdateTask(ctx, t.ID, func(cur *shared.Task) error {
		cancelled = task.Cancel(cur, now)
		return nil
	}); err != nil {
		w.logger.Warn("persist cancellation failed", "task", t.ID, "error", err)
	}
	if cancelled {
		events.Emit(w.events, shared.EventTaskCancelled, map[string]interface{}{
			"taskId": t.ID, "agentId": w.id, "reason": cause.Error(),
		})
	}
	w.logger.Info("task cancelled", "task", t.ID, "reason", cause)
	w.release(ctx, Outcome{TaskID: t.ID, Status: shared.TaskStatusCancelled, Err: cause, Category: category})
	return true
}

// reportProgress persists and announces progress. It reports true when the
// task was finished elsewhere and the run must stop.
func (w *Worker) reportProgress(ctx context.Context, t *shared.Task, phase task.Phase, progress int, category task.Category) bool {
	var overall int
	var finished shared.TaskStatus
	_, err := w.store.UpdateTask(ctx, t.ID, func(cur *shared.Task) error {
		if cur.Status.IsTerminal() {
			finished = cur.Status
			return errTaskFinished
		}
		if !cur.IsAssignedTo(w.id) {
			finished = cur.Status
			return errUnassigned
		}
		overall = task.SetAgentProgress(cur, w.id, progress)
		return nil
	})
	if errors.Is(err, errTaskFinished) || errors.Is(err, errUnassigned) {
		w.logger.Debug("task finished elsewhere", "task", t.ID, "status", string(finished))
		w.release(ctx, Outcome{TaskID: t.ID, Status: finished, Category: category, Abandoned: true})
		return true
	}
	if err != nil {
		w.logger.Warn("persist progress failed", "task", t.ID, "error", err)
		return false
	}

	content := map[string]interface{}{
		"taskId":        t.ID,
		"agentId":       w.id,
		"phase":         string(phase),
		"progress":      overall,
		"agentProgress": progress,
	}
	events.Emit(w.events, shared.EventTaskProgress, content)
	if w.bus != nil {
		if _, err := w.bus.Broadcast(ctx, w.id, shared.MessageProgressUpdate, content, shared.MessagePriorityNormal); err != nil {
			w.logger.Debug("broadcast progress failed", "error", err)
		}
	}
	return false
}

func (w *Worker) complete(ctx context.Context, t *shared.Task, category task.Category, results map[string]interface{}) {
	now := clock.Millis(w.clock)
	result := map[string]interface{}{
		"agentId": w.id,
		"phases":  results,
	}
	var done bool
	var finished shared.TaskStatus
	updated, err := w.store.UpdateTask(ctx, t.ID, func(cur *shared.Task) error {
		if cur.Status.IsTerminal() {
			finished = cur.Status
			return errTaskFinished
		}
		if !cur.IsAssignedTo(w.id) {
			finished = cur.Status
			return errUnassigned
		}
		done = task.Complete(cur, w.id, result, now)
		return nil
	})
	if errors.Is(err, errTaskFinished) || errors.Is(err, errUnassigned) {
		w.release(ctx, Outcome{TaskID: t.ID, Status: finished, Category: category, Abandoned: true})
		return
	}
	if err != nil {
		w.fail(ctx, t, category, "", shared.NewPersistenceError("complete task", err, map[string]interface{}{"taskId": t.ID}))
		return
	}

	w.recordMetrics(ctx, updated, category, true)
	if done {
		events.Emit(w.events, shared.EventTaskCompleted, map[string]interface{}{
			"taskId": t.ID, "agentId": w.id, "agents": shared.CopyStrings(updated.AssignedAgents),
		})
	}
	if w.bus != nil {
		if _, err := w.bus.Broadcast(ctx, w.id, shared.MessageTaskCompleted, map[string]interface{}{
			"taskId":        t.ID,
			"agentId":       w.id,
			"taskCompleted": done,
		}, shared.MessagePriorityNormal); err != nil {
			w.logger.Debug("broadcast completion failed", "error", err)
		}
	}
	w.logger.Info("task part completed", "task", t.ID, "taskCompleted", done)
	w.release(ctx, Outcome{TaskID: t.ID, Status: shared.TaskStatusCompleted, TaskDone: done, Category: category})
}

func (w *Worker) fail(ctx context.Context, t *shared.Task, category task.Category, phase task.Phase, cause error) {
	now := clock.Millis(w.clock)
	msg := cause.Error()
	var failed bool
	updated, err := w.store.UpdateTask(ctx, t.ID, func(cur *shared.Task) error {
		if !cur.IsAssignedTo(w.id) && !cur.Status.IsTerminal() {
			return errUnassigned
		}
		failed = task.Fail(cur, msg, now)
		return nil
	})
	if errors.Is(err, errUnassigned) {
		w.logger.Debug("failure ignored, task moved on", "task", t.ID, "error", msg)
		w.release(ctx, Outcome{TaskID: t.ID, Status: shared.TaskStatusFailed, Category: category, Abandoned: true})
		return
	}
	if err != nil {
		w.logger.Warn("persist failure failed", "task", t.ID, "error", err)
		updated = t
	}

	w.logger.Warn("task failed", "task", t.ID, "phase", string(phase), "error", msg)
	w.recordMetrics(ctx, updated, category, false)
	if failed {
		events.Emit(w.events, shared.EventTaskFailed, map[string]interface{}{
			"taskId": t.ID, "agentId": w.id, "phase": string(phase), "error": msg,
		})
	}
	if w.bus != nil {
		if _, err := w.bus.Broadcast(ctx, w.id, shared.MessageTaskFailed, map[string]interface{}{
			"taskId":  t.ID,
			"agentId": w.id,
			"phase":   string(phase),
			"error":   msg,
		}, shared.MessagePriorityHigh); err != nil {
			w.logger.Debug("broadcast failure failed", "error", err)
		}
	}
	w.release(ctx, Outcome{TaskID: t.ID, Status: shared.TaskStatusFailed, Err: shared.NewExecutionError(msg, map[string]interface{}{
		"taskId": t.ID, "agentId": w.id, "phase": string(phase),
	}), Category: category})
}

func (w *Worker) recordMetrics(ctx context.Context, t *shared.Task, category task.Category, success bool) {
	w.mu.RLock()
	var elapsed time.Duration
	if w.current != nil {
		elapsed = w.clock.Now().Sub(w.current.startedAt)
	}
	w.mu.RUnlock()

	now := clock.Millis(w.clock)
	meta := map[string]interface{}{
		"taskId":   t.ID,
		"category": string(category),
		"strategy": t.Strategy,
	}
	value := 0.0
	if success {
		value = 1
	}
	for _, m := range []*shared.PerformanceMetric{
		{SwarmID: w.swarmID, AgentID: w.id, MetricType: shared.MetricTaskDuration, MetricValue: float64(elapsed.Milliseconds()), Metadata: meta, RecordedAt: now},
		{SwarmID: w.swarmID, AgentID: w.id, MetricType: shared.MetricTaskSuccess, MetricValue: value, Metadata: shared.CloneMap(meta), RecordedAt: now},
	} {
		if err := w.store.RecordMetric(ctx, m); err != nil {
			w.logger.Debug("record metric failed", "metric", m.MetricType, "error", err)
		}
	}
}

// release clears the held task and returns the agent to idle, or to error
// after an abandon, or to offline during shutdown. Counters are bumped in
// the same update.
func (w *Worker) release(ctx context.Context, out Outcome) {
	out.AgentID = w.id

	w.mu.Lock()
	if w.current != nil {
		out.Duration = w.clock.Now().Sub(w.current.startedAt)
		w.current.cancel(nil)
	}
	w.current = nil
	switch {
	case w.shutdown:
		w.status = shared.AgentStatusOffline
	case errors.Is(out.Err, errReassigned):
		w.status = shared.AgentStatusError
	default:
		w.status = shared.AgentStatusIdle
	}
	status := w.status
	hooks := append([]func(Outcome){}, w.finished...)
	w.mu.Unlock()

	now := clock.Millis(w.clock)
	if _, err := w.store.UpdateAgent(ctx, w.id, func(a *shared.Agent) error {
		a.Status = status
		a.CurrentTaskID = ""
		a.LastActiveAt = now
		if !out.Abandoned {
			switch out.Status {
			case shared.TaskStatusCompleted:
				a.SuccessCount++
			case shared.TaskStatusFailed:
				a.ErrorCount++
			}
		}
		return nil
	}); err != nil {
		w.logger.Warn("persist agent release failed", "error", err)
	}
	events.Emit(w.events, shared.EventAgentStatus, map[string]interface{}{
		"agentId": w.id,
		"status":  string(status),
	})

	for _, fn := range hooks {
		fn(out)
	}
}

func categoryOf(t *shared.Task) task.Category {
	if c, ok := t.Metadata[task.MetaCategory].(string); ok && c != "" {
		return task.Category(c)
	}
	return task.Categorize(t.Description)
}

// ============================================================================
// Learning
// ============================================================================

// Learn asks the pattern source for recent behavior and adds any newly
// suggested capabilities. It returns the capabilities added.
func (w *Worker) Learn(ctx context.Context) ([]string, error) {
	if w.patterns == nil {
		return nil, nil
	}
	patterns, err := w.patterns.RecentPatterns(ctx, w.id)
	if err != nil {
		return nil, err
	}
	var suggested []string
	for _, p := range patterns {
		suggested = append(suggested, p.SuggestedCapabilities...)
	}
	if len(suggested) == 0 {
		return nil, nil
	}

	w.mu.Lock()
	before := len(w.capabilities)
	w.capabilities = shared.AppendUnique(w.capabilities, suggested...)
	added := shared.CopyStrings(w.capabilities[before:])
	w.mu.Unlock()
	if len(added) == 0 {
		return nil, nil
	}

	if _, err := w.store.UpdateAgent(ctx, w.id, func(a *shared.Agent) error {
		a.Capabilities = shared.AppendUnique(a.Capabilities, added...)
		return nil
	}); err != nil {
		return added, shared.NewPersistenceError("update agent capabilities", err, map[string]interface{}{"agentId": w.id})
	}
	w.logger.Info("learned capabilities", "added", added)
	return added, nil
}
