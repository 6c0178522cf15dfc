package coordinator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/blackms/hivemind-go/internal/application/hivemind"
	"github.com/blackms/hivemind-go/internal/config"
	"github.com/blackms/hivemind-go/internal/domain/agent"
	"github.com/blackms/hivemind-go/internal/domain/task"
	"github.com/blackms/hivemind-go/internal/infrastructure/clock"
	"github.com/blackms/hivemind-go/internal/infrastructure/persistence"
	"github.com/blackms/hivemind-go/internal/shared"
)

const swarmID = "swarm-1"

type testEnv struct {
	store *persistence.MemoryStore
	clock *clock.FakeClock
	queen *Queen
}

func newEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	e := &testEnv{
		store: persistence.NewMemoryStore(),
		clock: clock.NewFake(time.Unix(1_700_000_000, 0)),
	}
	opts.SwarmID = swarmID
	opts.Store = e.store
	opts.Clock = e.clock
	if opts.Topology == "" {
		opts.Topology = shared.TopologyHierarchical
	}
	e.queen = New(opts)
	return e
}

func (e *testEnv) engine() *hivemind.Engine {
	return hivemind.NewEngine(swarmID, e.store, nil, e.clock, nil, hivemind.Config{
		Threshold: 0.66,
		Timeout:   5 * time.Minute,
	}, nil)
}

func (e *testEnv) worker(t *testing.T, id string, agentType shared.AgentType, caps []string, exec agent.Executor) *agent.Worker {
	t.Helper()
	rec := &shared.Agent{
		ID:           id,
		SwarmID:      swarmID,
		Type:         agentType,
		Status:       shared.AgentStatusIdle,
		Capabilities: caps,
		CreatedAt:    clock.Millis(e.clock),
	}
	if err := e.store.CreateAgent(context.Background(), rec); err != nil {
		t.Fatalf("create agent: %v", err)
	}
	if exec == nil {
		exec = okExecutor
	}
	w := agent.New(rec, agent.Options{Store: e.store, Clock: e.clock, Executor: exec})
	if err := e.queen.RegisterAgent(w); err != nil {
		t.Fatalf("register agent: %v", err)
	}
	t.Cleanup(func() { w.Shutdown(context.Background()) })
	return w
}

func (e *testEnv) task(t *testing.T, id string, mutate func(*shared.Task)) *shared.Task {
	t.Helper()
	tk := &shared.Task{
		ID:                   id,
		SwarmID:              swarmID,
		Description:          "implement the login endpoint",
		Priority:             shared.PriorityMedium,
		Status:               shared.TaskStatusPending,
		MaxAgents:            1,
		RequiredCapabilities: []string{"code_generation"},
		CreatedAt:            clock.Millis(e.clock),
	}
	if mutate != nil {
		mutate(tk)
	}
	if err := e.store.CreateTask(context.Background(), tk); err != nil {
		t.Fatalf("create task: %v", err)
	}
	return tk
}

func (e *testEnv) get(t *testing.T, id string) *shared.Task {
	t.Helper()
	tk, err := e.store.GetTask(context.Background(), id)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	return tk
}

var okExecutor = agent.ExecutorFunc(func(ctx context.Context, req agent.PhaseRequest) (map[string]interface{}, error) {
	return map[string]interface{}{"phase": string(req.Phase)}, nil
})

// gate blocks the execution phase until released or cancelled.
type gate struct {
	entered chan struct{}
	release chan struct{}
}

func newGate() *gate {
	return &gate{entered: make(chan struct{}, 1), release: make(chan struct{})}
}

func (g *gate) executor() agent.Executor {
	return agent.ExecutorFunc(func(ctx context.Context, req agent.PhaseRequest) (map[string]interface{}, error) {
		if req.Phase != task.PhaseExecution {
			return map[string]interface{}{}, nil
		}
		select {
		case g.entered <- struct{}{}:
		default:
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-g.release:
			return map[string]interface{}{"done": true}, nil
		}
	})
}

func (g *gate) wait(t *testing.T) {
	t.Helper()
	select {
	case <-g.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the execution phase")
	}
}

// ============================================================================
// Scoring and strategy
// ============================================================================

func TestScoreAgent(t *testing.T) {
	tk := &shared.Task{RequiredCapabilities: []string{"code_generation", "refactoring"}}
	coder := &shared.Agent{ID: "c1", Type: shared.AgentTypeCoder, Capabilities: []string{"code_generation", "refactoring"}, SuccessCount: 3, ErrorCount: 1}

	s := ScoreAgent(coder, shared.AgentStatusIdle, tk, task.CategoryDevelopment)
	// 2 matches * 10 + affinity 10 + idle 8 + 0.75 * 10 + specialist 5
	if s.Score != 50.5 || !s.Specialist {
		t.Fatalf("expected 50.5 with specialist bonus, got %.1f (%+v)", s.Score, s)
	}

	partial := &shared.Agent{ID: "c2", Type: shared.AgentTypeCoder, Capabilities: []string{"code_generation"}}
	s = ScoreAgent(partial, shared.AgentStatusActive, tk, task.CategoryDevelopment)
	// 10 + 10 + 4 + 5
	if s.Score != 29 || s.Specialist {
		t.Fatalf("expected 29 without specialist bonus, got %.1f", s.Score)
	}

	s = ScoreAgent(partial, shared.AgentStatusBusy, &shared.Task{}, task.CategoryResearch)
	if s.Availability != 0 || s.Specialist {
		t.Fatalf("expected a busy agent with no requirements to get no bonus, got %+v", s)
	}
}

func TestSelectStrategy(t *testing.T) {
	high := task.Analysis{Complexity: task.ComplexityHigh}
	low := task.Analysis{Complexity: task.ComplexityLow}
	tests := []struct {
		name     string
		topology shared.SwarmTopology
		task     *shared.Task
		analysis task.Analysis
		want     string
	}{
		{"explicit wins", shared.TopologyHierarchical, &shared.Task{Strategy: StrategyPriorityFastTrack}, high, StrategyPriorityFastTrack},
		{"unknown explicit ignored", shared.TopologyMesh, &shared.Task{Strategy: "bogus"}, low, StrategyAdaptiveDefault},
		{"hierarchical complex", shared.TopologyHierarchical, &shared.Task{}, high, StrategyHierarchicalCascade},
		{"mesh consensus", shared.TopologyMesh, &shared.Task{RequireConsensus: true}, low, StrategyMeshConsensus},
		{"critical", shared.TopologyMesh, &shared.Task{Priority: shared.PriorityCritical}, low, StrategyPriorityFastTrack},
		{"default", shared.TopologyHierarchical, &shared.Task{Priority: shared.PriorityMedium}, low, StrategyAdaptiveDefault},
	}
	for _, tt := range tests {
		if got := SelectStrategy(tt.topology, tt.task, tt.analysis); got != tt.want {
			t.Errorf("%s: expected %s, got %s", tt.name, tt.want, got)
		}
	}
}

func TestRegisterAgentRejectsDuplicates(t *testing.T) {
	env := newEnv(t, Options{})
	w := env.worker(t, "coder-1", shared.AgentTypeCoder, nil, nil)
	if err := env.queen.RegisterAgent(w); !shared.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	env.queen.UnregisterAgent("coder-1")
	if len(env.queen.Members()) != 0 {
		t.Fatal("expected an empty roster")
	}
}

// ============================================================================
// Decisions
// ============================================================================

func TestSubmitSelectsBestScoredAgent(t *testing.T) {
	env := newEnv(t, Options{})
	coder := env.worker(t, "coder-1", shared.AgentTypeCoder, []string{"code_generation"}, nil)
	env.worker(t, "researcher-1", shared.AgentTypeResearcher, []string{"research"}, nil)
	tk := env.task(t, "t1", nil)

	d, err := env.queen.OnTaskSubmitted(context.Background(), tk)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if d.Status != DecisionApplied || d.Strategy != StrategyAdaptiveDefault {
		t.Fatalf("expected an applied adaptive decision, got %s/%s", d.Status, d.Strategy)
	}
	if len(d.Selected) != 1 || d.Selected[0] != "coder-1" {
		t.Fatalf("expected coder-1, got %v", d.Selected)
	}
	// 10 + 10 + 8 + 5 + 5 against 3 + 8 + 5
	if d.Scores[0].Score != 38 || d.Scores[1].Score != 16 {
		t.Fatalf("expected scores 38 and 16, got %.1f and %.1f", d.Scores[0].Score, d.Scores[1].Score)
	}
	if len(d.Plan.Checkpoints) != 3 || d.Plan.Assignments[0].Role == "" {
		t.Fatalf("expected a plan with three checkpoints and a role, got %+v", d.Plan)
	}

	coder.Wait()
	got := env.get(t, "t1")
	if got.Status != shared.TaskStatusCompleted || got.Strategy != StrategyAdaptiveDefault {
		t.Fatalf("expected completed under adaptive-default, got %s/%s", got.Status, got.Strategy)
	}
	if got.Metadata[task.MetaCategory] != string(task.CategoryDevelopment) {
		t.Fatalf("expected development category, got %v", got.Metadata[task.MetaCategory])
	}
	if d, _ := env.queen.Decision("t1"); d.Outcome != shared.TaskStatusCompleted {
		t.Fatalf("expected completed outcome, got %q", d.Outcome)
	}
	if _, ok := env.queen.Plan("t1"); ok {
		t.Fatal("expected the plan to be dropped once the task finished")
	}
}

func TestSubmitDefersWithoutAgentsOrDependencies(t *testing.T) {
	env := newEnv(t, Options{})
	ctx := context.Background()

	tk := env.task(t, "t1", nil)
	d, err := env.queen.OnTaskSubmitted(ctx, tk)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if d.Status != DecisionDeferred || d.Reason != "no available agents" {
		t.Fatalf("expected deferral for lack of agents, got %s (%s)", d.Status, d.Reason)
	}

	env.worker(t, "coder-1", shared.AgentTypeCoder, []string{"code_generation"}, nil)
	blocked := env.task(t, "t2", func(tk *shared.Task) { tk.Dependencies = []string{"t1"} })
	d, err = env.queen.OnTaskSubmitted(ctx, blocked)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if d.Status != DecisionDeferred || d.Reason != "waiting for dependencies" {
		t.Fatalf("expected deferral on dependencies, got %s (%s)", d.Status, d.Reason)
	}
	if got := env.get(t, "t2"); got.Status != shared.TaskStatusPending {
		t.Fatalf("expected t2 to stay pending, got %s", got.Status)
	}

	if _, err := env.queen.OnTaskSubmitted(ctx, env.get(t, "t1")); err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	m, _ := env.queen.Member("coder-1")
	m.(*agent.Worker).Wait()
	if _, err := env.queen.OnTaskSubmitted(ctx, env.get(t, "t1")); err == nil {
		t.Fatal("expected submitting a finished task to fail")
	}
}

func TestUnresponsiveAgentWorkIsReassigned(t *testing.T) {
	env := newEnv(t, Options{})
	ctx := context.Background()
	g := newGate()
	stuck := env.worker(t, "coder-1", shared.AgentTypeCoder, []string{"code_generation"}, g.executor())
	tk := env.task(t, "t1", nil)

	if _, err := env.queen.OnTaskSubmitted(ctx, tk); err != nil {
		t.Fatalf("submit: %v", err)
	}
	g.wait(t)

	spare := env.worker(t, "coder-2", shared.AgentTypeCoder, []string{"code_generation"}, nil)
	env.clock.Advance(61 * time.Second)
	spare.Heartbeat(ctx)

	report, err := env.queen.RunCoordinationCycle(ctx)
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if report.Reassignments != 1 {
		t.Fatalf("expected one reassignment, got %d", report.Reassignments)
	}

	stuck.Wait()
	spare.Wait()
	got := env.get(t, "t1")
	if got.Status != shared.TaskStatusCompleted {
		t.Fatalf("expected the replacement to finish the task, got %s", got.Status)
	}
	if len(got.AssignedAgents) != 1 || got.AssignedAgents[0] != "coder-2" {
		t.Fatalf("expected coder-2 to hold the task, got %v", got.AssignedAgents)
	}
	if stuck.Status() != shared.AgentStatusError {
		t.Fatalf("expected the stuck agent in error, got %s", stuck.Status())
	}
	if env.queen.GetMetrics().Reassignments != 1 {
		t.Fatal("expected the reassignment to be counted")
	}
}

func TestUnresponsiveAgentWithoutReplacementReturnsTaskToPending(t *testing.T) {
	env := newEnv(t, Options{})
	ctx := context.Background()
	g := newGate()
	stuck := env.worker(t, "coder-1", shared.AgentTypeCoder, []string{"code_generation"}, g.executor())

	if _, err := env.queen.OnTaskSubmitted(ctx, env.task(t, "t1", nil)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	g.wait(t)
	env.clock.Advance(61 * time.Second)

	n, err := env.queen.CheckHealth(ctx)
	if err != nil {
		t.Fatalf("check health: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected no reassignment, got %d", n)
	}
	stuck.Wait()
	if got := env.get(t, "t1"); got.Status != shared.TaskStatusPending || len(got.AssignedAgents) != 0 {
		t.Fatalf("expected the task back in pending, got %s %v", got.Status, got.AssignedAgents)
	}
}

// ============================================================================
// Consensus
// ============================================================================

func TestConsensusApprovalAppliesDecision(t *testing.T) {
	env := newEnv(t, Options{})
	engine := env.engine()
	defer engine.Close()
	env.queen = New(Options{SwarmID: swarmID, Topology: shared.TopologyMesh, Store: env.store, Clock: env.clock, Consensus: engine})
	ctx := context.Background()

	coder := env.worker(t, "coder-1", shared.AgentTypeCoder, []string{"code_generation"}, nil)
	env.worker(t, "coder-2", shared.AgentTypeCoder, []string{"code_generation"}, nil)
	tk := env.task(t, "t1", func(tk *shared.Task) { tk.RequireConsensus = true })

	d, err := env.queen.OnTaskSubmitted(ctx, tk)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if d.Status != DecisionAwaitingConsensus || d.ProposalID == "" || d.Strategy != StrategyMeshConsensus {
		t.Fatalf("expected a mesh decision awaiting consensus, got %s/%s", d.Status, d.Strategy)
	}
	if !env.queen.AwaitingConsensus("t1") {
		t.Fatal("expected t1 to wait on its proposal")
	}
	if got := env.get(t, "t1"); got.Status != shared.TaskStatusPending {
		t.Fatalf("expected the task to stay pending while voting, got %s", got.Status)
	}

	// The coordination loop must not schedule it behind the proposal's back.
	if n, err := env.queen.AssignPending(ctx); err != nil || n != 0 {
		t.Fatalf("expected nothing assigned while voting, got %d (%v)", n, err)
	}

	for _, voter := range []string{"coder-1", "coder-2"} {
		if _, err := engine.SubmitVote(ctx, d.ProposalID, voter, true, ""); err != nil {
			t.Fatalf("vote %s: %v", voter, err)
		}
	}

	coder.Wait()
	if got := env.get(t, "t1"); got.Status != shared.TaskStatusCompleted {
		t.Fatalf("expected the approved task to run, got %s", got.Status)
	}
	if d, _ := env.queen.Decision("t1"); d.Status != DecisionApplied {
		t.Fatalf("expected the decision applied, got %s", d.Status)
	}
	if env.queen.AwaitingConsensus("t1") {
		t.Fatal("expected the proposal to be settled")
	}
}

func TestConsensusTimeoutFailsTask(t *testing.T) {
	env := newEnv(t, Options{})
	engine := env.engine()
	defer engine.Close()
	env.queen = New(Options{SwarmID: swarmID, Store: env.store, Clock: env.clock, Consensus: engine})
	ctx := context.Background()

	env.worker(t, "coder-1", shared.AgentTypeCoder, []string{"code_generation"}, nil)
	tk := env.task(t, "t1", func(tk *shared.Task) { tk.RequireConsensus = true })
	if _, err := env.queen.OnTaskSubmitted(ctx, tk); err != nil {
		t.Fatalf("submit: %v", err)
	}

	env.clock.Advance(5*time.Minute + time.Second)

	got := env.get(t, "t1")
	if got.Status != shared.TaskStatusFailed || got.Error != "consensus rejected" {
		t.Fatalf("expected failure on rejected consensus, got %s (%q)", got.Status, got.Error)
	}
	d, _ := env.queen.Decision("t1")
	if d.Status != DecisionRejected {
		t.Fatalf("expected a rejected decision, got %s", d.Status)
	}
	if env.queen.GetMetrics().ConsensusRejected != 1 {
		t.Fatal("expected the rejection to be counted")
	}
}

// ============================================================================
// Health and optimization
// ============================================================================

func TestBacklogEmitsRebalanceSignal(t *testing.T) {
	env := newEnv(t, Options{})
	ctx := context.Background()

	// A live agent the Queen does not schedule.
	if err := env.store.CreateAgent(ctx, &shared.Agent{ID: "remote-1", SwarmID: swarmID, Type: shared.AgentTypeCoder, Status: shared.AgentStatusIdle}); err != nil {
		t.Fatalf("create agent: %v", err)
	}
	for _, id := range []string{"t1", "t2", "t3"} {
		env.task(t, id, nil)
	}

	report, err := env.queen.RunCoordinationCycle(ctx)
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if report.Rebalance == nil || report.Rebalance.Reason != "task_backlog" {
		t.Fatalf("expected a backlog signal, got %+v", report.Rebalance)
	}
	if report.Rebalance.PendingTasks != 3 || report.Rebalance.LiveAgents != 1 {
		t.Fatalf("expected 3 pending over 1 agent, got %+v", report.Rebalance)
	}
	if env.queen.GetMetrics().RebalanceSignals != 1 {
		t.Fatal("expected the signal to be counted")
	}
}

func TestOptimizationWidensSlowStrategy(t *testing.T) {
	env := newEnv(t, Options{MaxStrategyAgents: 4})
	ctx := context.Background()
	env.task(t, "slow", func(tk *shared.Task) {
		tk.Strategy = StrategyAdaptiveDefault
		tk.Status = shared.TaskStatusCompleted
		tk.CompletedAt = tk.CreatedAt + (10 * time.Minute).Milliseconds()
	})

	for i := 0; i < 3; i++ {
		if err := env.queen.RunOptimizationCycle(ctx); err != nil {
			t.Fatalf("optimize: %v", err)
		}
	}
	s, _ := env.queen.Strategy(StrategyAdaptiveDefault)
	if s.MaxAgents != 4 {
		t.Fatalf("expected adaptive-default capped at 4 agents, got %d", s.MaxAgents)
	}
	if fast, _ := env.queen.Strategy(StrategyPriorityFastTrack); fast.MaxAgents != 2 {
		t.Fatalf("expected untouched strategies to keep their bound, got %d", fast.MaxAgents)
	}
}

func TestConsecutiveFailuresMarkAgentError(t *testing.T) {
	env := newEnv(t, Options{Config: config.QueenConfig{MaxConsecutiveFailures: 2}})
	ctx := context.Background()
	failing := agent.ExecutorFunc(func(ctx context.Context, req agent.PhaseRequest) (map[string]interface{}, error) {
		return nil, errors.New("compiler crashed")
	})
	w := env.worker(t, "coder-1", shared.AgentTypeCoder, []string{"code_generation"}, failing)

	for _, id := range []string{"t1", "t2"} {
		d, err := env.queen.OnTaskSubmitted(ctx, env.task(t, id, nil))
		if err != nil || d.Status != DecisionApplied {
			t.Fatalf("submit %s: %v", id, err)
		}
		w.Wait()
		if got := env.get(t, id); got.Status != shared.TaskStatusFailed {
			t.Fatalf("expected %s failed, got %s", id, got.Status)
		}
	}
	if w.Status() != shared.AgentStatusError {
		t.Fatalf("expected the agent in error after two failures, got %s", w.Status())
	}

	env.task(t, "t3", nil)
	if n, err := env.queen.AssignPending(ctx); err != nil || n != 0 {
		t.Fatalf("expected no assignment to a failing agent, got %d (%v)", n, err)
	}

	if _, err := env.queen.Rebalance(ctx); err != nil {
		t.Fatalf("rebalance: %v", err)
	}
	w.Wait()
	if got := env.get(t, "t3"); got.Status == shared.TaskStatusPending {
		t.Fatal("expected the recovered agent to pick up t3")
	}
}
