package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/blackms/hivemind-go/internal/config"
	"github.com/blackms/hivemind-go/internal/domain/task"
	"github.com/blackms/hivemind-go/internal/infrastructure/clock"
	"github.com/blackms/hivemind-go/internal/infrastructure/events"
	"github.com/blackms/hivemind-go/internal/infrastructure/messaging"
	"github.com/blackms/hivemind-go/internal/infrastructure/persistence"
	"github.com/blackms/hivemind-go/internal/shared"
)

type fakeMessenger struct {
	mu         sync.Mutex
	registered map[string]messaging.Handler
	broadcasts []*shared.Message
	responses  []*shared.Message
	read       []string
}

func newFakeMessenger() *fakeMessenger {
	return &fakeMessenger{registered: make(map[string]messaging.Handler)}
}

func (f *fakeMessenger) RegisterAgent(_ context.Context, agentID string, _ shared.AgentType, handler messaging.Handler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered[agentID] = handler
	return nil
}

func (f *fakeMessenger) UnregisterAgent(agentID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.registered, agentID)
}

func (f *fakeMessenger) Broadcast(_ context.Context, from string, msgType shared.MessageType, content map[string]interface{}, priority shared.MessagePriority) (*shared.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg := &shared.Message{FromAgentID: from, Type: msgType, Content: content, Priority: priority}
	f.broadcasts = append(f.broadcasts, msg)
	return msg, nil
}

func (f *fakeMessenger) Respond(_ context.Context, request *shared.Message, from string, content map[string]interface{}) (*shared.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg := &shared.Message{FromAgentID: from, ToAgentID: request.FromAgentID, Type: shared.MessageResponse, CorrelationID: request.ID, Content: content}
	f.responses = append(f.responses, msg)
	return msg, nil
}

func (f *fakeMessenger) MarkRead(_ context.Context, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.read = append(f.read, messageID)
	return nil
}

func (f *fakeMessenger) ofType(t shared.MessageType) []*shared.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*shared.Message
	for _, m := range f.broadcasts {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

type testEnv struct {
	store *persistence.MemoryStore
	clock *clock.FakeClock
	bus   *fakeMessenger
}

func newEnv() *testEnv {
	return &testEnv{
		store: persistence.NewMemoryStore(),
		clock: clock.NewFake(time.Unix(1_700_000_000, 0)),
		bus:   newFakeMessenger(),
	}
}

func (e *testEnv) worker(t *testing.T, id string, agentType shared.AgentType, opts Options) *Worker {
	t.Helper()
	rec := &shared.Agent{
		ID:           id,
		SwarmID:      "swarm-1",
		Type:         agentType,
		Status:       shared.AgentStatusIdle,
		Capabilities: []string{"code_generation"},
		CreatedAt:    clock.Millis(e.clock),
	}
	if err := e.store.CreateAgent(context.Background(), rec); err != nil {
		t.Fatalf("create agent: %v", err)
	}
	opts.Store = e.store
	opts.Clock = e.clock
	if opts.Bus == nil {
		opts.Bus = e.bus
	}
	w := New(rec, opts)
	t.Cleanup(func() { w.Shutdown(context.Background()) })
	return w
}

func (e *testEnv) task(t *testing.T, id string, agents ...string) *shared.Task {
	t.Helper()
	tk := &shared.Task{
		ID:             id,
		SwarmID:        "swarm-1",
		Description:    "implement the login endpoint",
		Priority:       shared.PriorityMedium,
		Strategy:       "adaptive-default",
		Status:         shared.TaskStatusAssigned,
		AssignedAgents: agents,
		MaxAgents:      len(agents),
		CreatedAt:      clock.Millis(e.clock),
	}
	if err := e.store.CreateTask(context.Background(), tk); err != nil {
		t.Fatalf("create task: %v", err)
	}
	return tk
}

// gate blocks the execution phase until released or cancelled.
type gate struct {
	entered chan struct{}
	release chan struct{}
}

func newGate() *gate {
	return &gate{entered: make(chan struct{}, 1), release: make(chan struct{})}
}

func (g *gate) executor(fail error) Executor {
	return ExecutorFunc(func(ctx context.Context, req PhaseRequest) (map[string]interface{}, error) {
		if req.Phase != task.PhaseExecution {
			return map[string]interface{}{"phase": string(req.Phase)}, nil
		}
		select {
		case g.entered <- struct{}{}:
		default:
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-g.release:
			if fail != nil {
				return nil, fail
			}
			return map[string]interface{}{"done": true}, nil
		}
	})
}

func waitEntered(t *testing.T, g *gate) {
	t.Helper()
	select {
	case <-g.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("execution phase never started")
	}
}

func TestTaskCompletesThroughDefaultPhases(t *testing.T) {
	env := newEnv()
	bus := events.New()
	defer bus.Close()
	sub := bus.Subscribe(shared.EventTaskProgress, shared.EventTaskCompleted)

	w := env.worker(t, "a1", shared.AgentTypeCoder, Options{Events: bus.Scoped("swarm-1")})
	tk := env.task(t, "task-1", "a1")
	ctx := context.Background()

	if err := w.AcceptTask(ctx, tk, nil); err != nil {
		t.Fatalf("accept: %v", err)
	}
	w.Wait()

	got, _ := env.store.GetTask(ctx, "task-1")
	if got.Status != shared.TaskStatusCompleted || got.Progress != 100 {
		t.Fatalf("expected completed at 100, got %s at %d", got.Status, got.Progress)
	}
	result, ok := got.Result["a1"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected a result from a1, got %v", got.Result)
	}
	phases, _ := result["phases"].(map[string]interface{})
	for _, p := range task.DefaultPhases {
		if _, ok := phases[string(p)]; !ok {
			t.Fatalf("expected %s result, got %v", p, phases)
		}
	}

	rec, _ := env.store.GetAgent(ctx, "a1")
	if rec.Status != shared.AgentStatusIdle || rec.CurrentTaskID != "" || rec.SuccessCount != 1 {
		t.Fatalf("expected idle agent with one success, got %+v", rec)
	}
	if w.Status() != shared.AgentStatusIdle || w.CurrentTaskID() != "" {
		t.Fatalf("expected idle worker without task, got %s/%q", w.Status(), w.CurrentTaskID())
	}

	var progress []int
	completed := false
	for len(sub.C) > 0 {
		ev := <-sub.C
		switch ev.Type {
		case shared.EventTaskProgress:
			progress = append(progress, ev.Payload["progress"].(int))
		case shared.EventTaskCompleted:
			completed = true
		}
	}
	if len(progress) != 3 || progress[0] != 33 || progress[1] != 66 || progress[2] != 100 {
		t.Fatalf("expected progress 33/66/100, got %v", progress)
	}
	if !completed {
		t.Fatal("expected a task completed event")
	}
	if n := len(env.bus.ofType(shared.MessageProgressUpdate)); n != 3 {
		t.Fatalf("expected 3 progress broadcasts, got %d", n)
	}

	metrics, _ := env.store.ListMetrics(ctx, persistence.MetricFilter{AgentID: "a1", MetricType: shared.MetricTaskSuccess})
	if len(metrics) != 1 || metrics[0].MetricValue != 1 || metrics[0].Metadata["category"] != "development" {
		t.Fatalf("expected one successful development metric, got %+v", metrics)
	}
}

func TestAcceptWhileBusyIsCapacityError(t *testing.T) {
	env := newEnv()
	g := newGate()
	w := env.worker(t, "a1", shared.AgentTypeCoder, Options{Executor: g.executor(nil)})
	ctx := context.Background()

	if err := w.AcceptTask(ctx, env.task(t, "task-1", "a1"), nil); err != nil {
		t.Fatalf("accept: %v", err)
	}
	waitEntered(t, g)

	if w.Status() != shared.AgentStatusBusy || w.CurrentTaskID() != "task-1" {
		t.Fatalf("expected busy on task-1, got %s/%q", w.Status(), w.CurrentTaskID())
	}
	rec, _ := env.store.GetAgent(ctx, "a1")
	if rec.Status != shared.AgentStatusBusy || rec.CurrentTaskID != "task-1" {
		t.Fatalf("expected persisted busy on task-1, got %s/%q", rec.Status, rec.CurrentTaskID)
	}

	err := w.AcceptTask(ctx, env.task(t, "task-2", "a1"), nil)
	if !shared.IsCapacity(err) {
		t.Fatalf("expected capacity error, got %v", err)
	}

	close(g.release)
	w.Wait()
	if w.Status() != shared.AgentStatusIdle {
		t.Fatalf("expected idle after completion, got %s", w.Status())
	}
}

func TestPhaseFailureMarksTaskFailed(t *testing.T) {
	env := newEnv()
	g := newGate()
	w := env.worker(t, "a1", shared.AgentTypeCoder, Options{Executor: g.executor(errors.New("compiler exploded"))})
	ctx := context.Background()

	var outcomes []Outcome
	w.OnFinished(func(o Outcome) { outcomes = append(outcomes, o) })

	if err := w.AcceptTask(ctx, env.task(t, "task-1", "a1"), nil); err != nil {
		t.Fatalf("accept: %v", err)
	}
	close(g.release)
	w.Wait()

	got, _ := env.store.GetTask(ctx, "task-1")
	if got.Status != shared.TaskStatusFailed || got.Error != "compiler exploded" {
		t.Fatalf("expected failed with message, got %s %q", got.Status, got.Error)
	}
	rec, _ := env.store.GetAgent(ctx, "a1")
	if rec.ErrorCount != 1 || rec.SuccessCount != 0 || rec.Status != shared.AgentStatusIdle {
		t.Fatalf("expected idle agent with one error, got %+v", rec)
	}
	failed := env.bus.ofType(shared.MessageTaskFailed)
	if len(failed) != 1 || failed[0].Content["error"] != "compiler exploded" {
		t.Fatalf("expected one task_failed broadcast, got %d", len(failed))
	}
	if failed[0].Priority != shared.MessagePriorityHigh {
		t.Fatalf("expected high priority failure broadcast, got %v", failed[0].Priority)
	}
	if len(outcomes) != 1 || outcomes[0].Status != shared.TaskStatusFailed {
		t.Fatalf("expected one failed outcome, got %+v", outcomes)
	}
}

func TestCancelStopsAtCheckpoint(t *testing.T) {
	env := newEnv()
	g := newGate()
	w := env.worker(t, "a1", shared.AgentTypeCoder, Options{Executor: g.executor(nil)})
	ctx := context.Background()

	if err := w.AcceptTask(ctx, env.task(t, "task-1", "a1"), nil); err != nil {
		t.Fatalf("accept: %v", err)
	}
	waitEntered(t, g)
	if !w.CancelTask("task-1") {
		t.Fatal("expected the held task to be cancelled")
	}
	if w.CancelTask("other") {
		t.Fatal("expected cancel of a task the agent does not hold to be a no-op")
	}
	w.Wait()

	got, _ := env.store.GetTask(ctx, "task-1")
	if got.Status != shared.TaskStatusCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}
	if got.Progress != 33 {
		t.Fatalf("expected progress to stay at 33, got %d", got.Progress)
	}
	rec, _ := env.store.GetAgent(ctx, "a1")
	if rec.Status != shared.AgentStatusIdle || rec.SuccessCount != 0 || rec.ErrorCount != 0 {
		t.Fatalf("expected idle agent without counters, got %+v", rec)
	}
}

func TestPlanPhasesOverrideDefaults(t *testing.T) {
	env := newEnv()
	var mu sync.Mutex
	var seen []task.Phase
	exec := ExecutorFunc(func(_ context.Context, req PhaseRequest) (map[string]interface{}, error) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, req.Phase)
		return map[string]interface{}{"role": req.Assignment.Role}, nil
	})
	w := env.worker(t, "a1", shared.AgentTypeCoder, Options{Executor: exec})
	ctx := context.Background()

	plan := &task.ExecutionPlan{
		TaskID:      "task-1",
		Phases:      []task.Phase{"design", "build"},
		Assignments: []task.Assignment{{AgentID: "a1", Role: "implementer"}},
	}
	if err := w.AcceptTask(ctx, env.task(t, "task-1", "a1"), plan); err != nil {
		t.Fatalf("accept: %v", err)
	}
	w.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || seen[0] != "design" || seen[1] != "build" {
		t.Fatalf("expected design then build, got %v", seen)
	}
	got, _ := env.store.GetTask(ctx, "task-1")
	if got.Status != shared.TaskStatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
}

func TestSharedTaskCompletesWhenAllAgentsFinish(t *testing.T) {
	env := newEnv()
	g := newGate()
	fast := env.worker(t, "a1", shared.AgentTypeCoder, Options{})
	slow := env.worker(t, "a2", shared.AgentTypeTester, Options{Executor: g.executor(nil)})
	ctx := context.Background()
	tk := env.task(t, "task-1", "a1", "a2")

	if err := slow.AcceptTask(ctx, tk, nil); err != nil {
		t.Fatalf("accept a2: %v", err)
	}
	waitEntered(t, g)
	if err := fast.AcceptTask(ctx, tk, nil); err != nil {
		t.Fatalf("accept a1: %v", err)
	}
	fast.Wait()

	mid, _ := env.store.GetTask(ctx, "task-1")
	if mid.Status != shared.TaskStatusInProgress {
		t.Fatalf("expected in progress with one agent outstanding, got %s", mid.Status)
	}
	// a1 at 100, a2 at 33.
	if mid.Progress != 66 {
		t.Fatalf("expected mean progress 66, got %d", mid.Progress)
	}

	close(g.release)
	slow.Wait()
	done, _ := env.store.GetTask(ctx, "task-1")
	if done.Status != shared.TaskStatusCompleted || done.Progress != 100 {
		t.Fatalf("expected completed at 100, got %s at %d", done.Status, done.Progress)
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	env := newEnv()
	bus := events.New()
	defer bus.Close()
	sub := bus.Subscribe(shared.EventAgentOffline)

	w := env.worker(t, "a1", shared.AgentTypeCoder, Options{Events: bus})
	ctx := context.Background()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	w.Shutdown(ctx)
	w.Shutdown(ctx)

	rec, _ := env.store.GetAgent(ctx, "a1")
	if rec.Status != shared.AgentStatusOffline {
		t.Fatalf("expected offline, got %s", rec.Status)
	}
	if len(sub.C) != 1 {
		t.Fatalf("expected exactly one offline event, got %d", len(sub.C))
	}
	if err := w.AcceptTask(ctx, env.task(t, "task-1", "a1"), nil); err == nil {
		t.Fatal("expected offline agent to reject work")
	}
	if len(env.bus.registered) != 0 {
		t.Fatal("expected the agent to leave the bus")
	}
}

func TestShutdownCancelsRunningTask(t *testing.T) {
	env := newEnv()
	g := newGate()
	w := env.worker(t, "a1", shared.AgentTypeCoder, Options{Executor: g.executor(nil)})
	ctx := context.Background()

	if err := w.AcceptTask(ctx, env.task(t, "task-1", "a1"), nil); err != nil {
		t.Fatalf("accept: %v", err)
	}
	waitEntered(t, g)
	w.Shutdown(ctx)

	got, _ := env.store.GetTask(ctx, "task-1")
	if got.Status != shared.TaskStatusCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}
	if w.Status() != shared.AgentStatusOffline || w.CurrentTaskID() != "" {
		t.Fatalf("expected offline without task, got %s/%q", w.Status(), w.CurrentTaskID())
	}
}

func TestAbandonLeavesTaskForReassignment(t *testing.T) {
	env := newEnv()
	g := newGate()
	w := env.worker(t, "a1", shared.AgentTypeCoder, Options{Executor: g.executor(nil)})
	ctx := context.Background()

	if err := w.AcceptTask(ctx, env.task(t, "task-1", "a1"), nil); err != nil {
		t.Fatalf("accept: %v", err)
	}
	waitEntered(t, g)
	w.Abandon("task-1")
	w.Wait()

	got, _ := env.store.GetTask(ctx, "task-1")
	if got.Status != shared.TaskStatusInProgress {
		t.Fatalf("expected task untouched in progress, got %s", got.Status)
	}
	if w.Status() != shared.AgentStatusError {
		t.Fatalf("expected error status after abandon, got %s", w.Status())
	}
	if err := w.Recover(ctx); err != nil || w.Status() != shared.AgentStatusIdle {
		t.Fatalf("expected recover to idle, got %s (%v)", w.Status(), err)
	}
}

func TestResponsiveness(t *testing.T) {
	env := newEnv()
	w := env.worker(t, "a1", shared.AgentTypeCoder, Options{Config: config.Defaults().Agent})
	ctx := context.Background()

	w.Heartbeat(ctx)
	if !w.IsResponsive(env.clock.Now()) {
		t.Fatal("expected responsive right after a heartbeat")
	}
	env.clock.Advance(61 * time.Second)
	if w.IsResponsive(env.clock.Now()) {
		t.Fatal("expected unresponsive after 61s without heartbeat")
	}
	w.Heartbeat(ctx)
	if !w.IsResponsive(env.clock.Now()) {
		t.Fatal("expected responsive after a new heartbeat")
	}
	rec, _ := env.store.GetAgent(ctx, "a1")
	if rec.LastActiveAt != clock.Millis(env.clock) {
		t.Fatalf("expected last active %d, got %d", clock.Millis(env.clock), rec.LastActiveAt)
	}
}

type stubPatterns struct {
	patterns []shared.BehaviorPattern
}

func (s stubPatterns) RecentPatterns(context.Context, string) ([]shared.BehaviorPattern, error) {
	return s.patterns, nil
}

func TestLearnAddsSuggestedCapabilities(t *testing.T) {
	env := newEnv()
	w := env.worker(t, "a1", shared.AgentTypeCoder, Options{Patterns: stubPatterns{patterns: []shared.BehaviorPattern{
		{Category: "development", SuggestedCapabilities: []string{"code_generation", "implementation"}},
		{Category: "testing", SuggestedCapabilities: []string{"testing", "implementation"}},
	}}})
	ctx := context.Background()

	added, err := w.Learn(ctx)
	if err != nil {
		t.Fatalf("learn: %v", err)
	}
	if len(added) != 2 || added[0] != "implementation" || added[1] != "testing" {
		t.Fatalf("expected implementation and testing added, got %v", added)
	}
	rec, _ := env.store.GetAgent(ctx, "a1")
	if len(rec.Capabilities) != 3 {
		t.Fatalf("expected 3 persisted capabilities, got %v", rec.Capabilities)
	}

	again, _ := w.Learn(ctx)
	if len(again) != 0 {
		t.Fatalf("expected nothing new on the second pass, got %v", again)
	}
}

type stubVoter struct {
	mu    sync.Mutex
	votes map[string]bool
}

func (s *stubVoter) SubmitVote(_ context.Context, proposalID, agentID string, approve bool, _ string) (*shared.ConsensusProposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.votes[proposalID+"/"+agentID] = approve
	return &shared.ConsensusProposal{ID: proposalID}, nil
}

func TestDrainDispatchesByType(t *testing.T) {
	env := newEnv()
	voter := &stubVoter{votes: make(map[string]bool)}
	w := env.worker(t, "a1", shared.AgentTypeCoder, Options{Voter: voter})
	ctx := context.Background()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	handler := env.bus.registered["a1"]
	if handler == nil {
		t.Fatal("expected the agent to register a bus handler")
	}

	handler(&shared.Message{ID: "m1", Channel: messaging.ChannelConsensus, Type: shared.MessageChannel,
		Content: map[string]interface{}{"proposalId": "p1", "voters": []interface{}{"a1", "a2"}}})
	handler(&shared.Message{ID: "m2", Channel: messaging.ChannelConsensus, Type: shared.MessageChannel,
		Content: map[string]interface{}{"proposalId": "p2", "voters": []string{"a9"}}})
	handler(&shared.Message{ID: "m3", FromAgentID: "a2", ToAgentID: "a1", Type: shared.MessageQuery})
	handler(&shared.Message{ID: "m4", FromAgentID: "a2", Type: shared.MessageCoordination})
	handler(&shared.Message{ID: "m5", FromAgentID: "a2", Type: "mystery"})

	if w.InboxLen() != 5 {
		t.Fatalf("expected 5 buffered messages, got %d", w.InboxLen())
	}
	if n := w.DrainInbox(ctx); n != 5 {
		t.Fatalf("expected 5 handled, got %d", n)
	}

	if approve, ok := voter.votes["p1/a1"]; !ok || !approve {
		t.Fatalf("expected an approving vote on p1, got %v", voter.votes)
	}
	if _, ok := voter.votes["p2/a1"]; ok {
		t.Fatal("expected no vote on a proposal the agent is not a voter of")
	}
	if len(env.bus.responses) != 1 || env.bus.responses[0].Content["status"] != "idle" {
		t.Fatalf("expected one status reply, got %+v", env.bus.responses)
	}
	if len(env.bus.read) != 1 || env.bus.read[0] != "m3" {
		t.Fatalf("expected the direct message to be marked read, got %v", env.bus.read)
	}
	stats := w.HandledStats()
	if stats[kindVote] != 2 || stats[kindQuery] != 1 || stats[kindCoordination] != 1 || stats[kindUnknown] != 1 {
		t.Fatalf("unexpected dispatch counts %v", stats)
	}
	rec, _ := env.store.GetAgent(ctx, "a1")
	if rec.MessageCount != 5 {
		t.Fatalf("expected message count 5, got %d", rec.MessageCount)
	}
}

func TestAssignmentMessageStartsTask(t *testing.T) {
	env := newEnv()
	w := env.worker(t, "a1", shared.AgentTypeCoder, Options{})
	ctx := context.Background()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	env.task(t, "task-1", "a1")
	env.task(t, "task-2", "someone-else")

	handler := env.bus.registered["a1"]
	handler(&shared.Message{ID: "m1", ToAgentID: "a1", Type: shared.MessageTaskAssignment, Content: map[string]interface{}{"taskId": "task-2"}})
	w.DrainInbox(ctx)
	if w.CurrentTaskID() != "" {
		t.Fatal("expected a task assigned elsewhere to be ignored")
	}

	handler(&shared.Message{ID: "m2", ToAgentID: "a1", Type: shared.MessageTaskAssignment, Content: map[string]interface{}{"taskId": "task-1"}})
	w.DrainInbox(ctx)
	w.Wait()

	got, _ := env.store.GetTask(ctx, "task-1")
	if got.Status != shared.TaskStatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
}

func TestFailureBroadcastReachesPeers(t *testing.T) {
	store := persistence.NewMemoryStore()
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	bus := messaging.NewBus("swarm-1", store, clk, nil, config.Defaults().Bus, nil)
	defer bus.Stop()
	env := &testEnv{store: store, clock: clk, bus: newFakeMessenger()}
	ctx := context.Background()

	failing := env.worker(t, "a1", shared.AgentTypeCoder, Options{
		Bus: bus,
		Executor: ExecutorFunc(func(context.Context, PhaseRequest) (map[string]interface{}, error) {
			return nil, errors.New("boom")
		}),
	})
	peer := env.worker(t, "a2", shared.AgentTypeTester, Options{Bus: bus})
	if err := failing.Start(ctx); err != nil {
		t.Fatalf("start a1: %v", err)
	}
	if err := peer.Start(ctx); err != nil {
		t.Fatalf("start a2: %v", err)
	}

	if err := failing.AcceptTask(ctx, env.task(t, "task-1", "a1"), nil); err != nil {
		t.Fatalf("accept: %v", err)
	}
	failing.Wait()
	bus.DrainOnce(ctx)

	if peer.InboxLen() != 1 {
		t.Fatalf("expected the peer to receive the failure, got %d messages", peer.InboxLen())
	}
	if failing.InboxLen() != 0 {
		t.Fatalf("expected the sender not to receive its own broadcast, got %d", failing.InboxLen())
	}
	peer.DrainInbox(ctx)
	if peer.HandledStats()[kindPeer] != 1 {
		t.Fatalf("expected one peer update, got %v", peer.HandledStats())
	}
}

func TestTypeRegistryAndAffinity(t *testing.T) {
	reg := NewTypeRegistry()
	if reg.Role(shared.AgentTypeCoder) != "implementer" {
		t.Fatalf("expected implementer, got %s", reg.Role(shared.AgentTypeCoder))
	}
	best, score := reg.FindBestMatch([]string{"testing", "quality_assurance"})
	if best != shared.AgentTypeTester || score != 1 {
		t.Fatalf("expected tester with full coverage, got %s %v", best, score)
	}
	qa := reg.ListByCapability("quality_assurance")
	if len(qa) != 2 || qa[0] != shared.AgentTypeReviewer || qa[1] != shared.AgentTypeTester {
		t.Fatalf("expected reviewer and tester, got %v", qa)
	}
	if Affinity(shared.AgentTypeCoder, task.CategoryDevelopment) <= Affinity(shared.AgentTypeResearcher, task.CategoryDevelopment) {
		t.Fatal("expected coders to suit development better than researchers")
	}
	if Affinity("unknown", task.CategoryGeneral) != defaultAffinity {
		t.Fatal("expected unknown types to get the default affinity")
	}
}
