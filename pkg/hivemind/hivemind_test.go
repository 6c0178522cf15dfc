package hivemind

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/blackms/hivemind-go/internal/application/coordinator"
	"github.com/blackms/hivemind-go/internal/config"
	"github.com/blackms/hivemind-go/internal/domain/agent"
	"github.com/blackms/hivemind-go/internal/domain/task"
	"github.com/blackms/hivemind-go/internal/infrastructure/clock"
	"github.com/blackms/hivemind-go/internal/infrastructure/logging"
	"github.com/blackms/hivemind-go/internal/infrastructure/natsbus"
	"github.com/blackms/hivemind-go/internal/infrastructure/persistence"
	"github.com/blackms/hivemind-go/internal/shared"
)

var testStart = time.Unix(1_700_000_000, 0)

var okExecutor = agent.ExecutorFunc(func(ctx context.Context, req agent.PhaseRequest) (map[string]interface{}, error) {
	return map[string]interface{}{"phase": string(req.Phase)}, nil
})

func testConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Store.Engine = persistence.BackendMemory
	cfg.Log.Level = "error"
	return &cfg
}

func newOrchestrator(t *testing.T, opts Options) *Orchestrator {
	t.Helper()
	if opts.Config == nil {
		opts.Config = testConfig()
	}
	if opts.Clock == nil {
		opts.Clock = clock.NewFake(testStart)
	}
	if opts.Executor == nil {
		opts.Executor = okExecutor
	}
	if opts.Logger == nil {
		opts.Logger = logging.New(logging.Options{Level: "error", Output: io.Discard})
	}
	o, err := New(context.Background(), opts)
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	t.Cleanup(func() { o.Shutdown(context.Background()) })
	return o
}

func initSwarm(t *testing.T, o *Orchestrator, opts InitOptions) *shared.Swarm {
	t.Helper()
	s, err := o.Initialize(context.Background(), opts)
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return s
}

func spawnCoder(t *testing.T, o *Orchestrator) *shared.Agent {
	t.Helper()
	a, err := o.SpawnAgent(context.Background(), SpawnOptions{
		Type:         AgentTypeCoder,
		Capabilities: []string{"code_generation", "refactoring"},
	})
	if err != nil {
		t.Fatalf("spawn agent: %v", err)
	}
	return a
}

func TestOperationsRequireRunningSwarm(t *testing.T) {
	o := newOrchestrator(t, Options{})
	ctx := context.Background()

	if _, err := o.SubmitTask(ctx, TaskRequest{Description: "write docs"}); !shared.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := o.SpawnAgent(ctx, SpawnOptions{Type: AgentTypeCoder}); !shared.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := o.Status(ctx); !shared.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestInitializeAppliesDefaults(t *testing.T) {
	o := newOrchestrator(t, Options{})
	s := initSwarm(t, o, InitOptions{Name: "alpha"})

	if s.Topology != TopologyHierarchical {
		t.Fatalf("expected hierarchical topology, got %s", s.Topology)
	}
	if s.MaxAgents != 8 {
		t.Fatalf("expected maxAgents 8, got %d", s.MaxAgents)
	}
	if s.ConsensusThreshold != 0.66 {
		t.Fatalf("expected threshold 0.66, got %v", s.ConsensusThreshold)
	}
	active, err := o.Store().GetActiveSwarm(context.Background())
	if err != nil {
		t.Fatalf("get active swarm: %v", err)
	}
	if active.ID != s.ID {
		t.Fatalf("expected active swarm %s, got %s", s.ID, active.ID)
	}

	if _, err := o.Initialize(context.Background(), InitOptions{Topology: "tree"}); !shared.IsValidation(err) {
		t.Fatalf("expected validation error for unknown topology, got %v", err)
	}
}

func TestSpawnAgentRespectsMaxAgents(t *testing.T) {
	o := newOrchestrator(t, Options{})
	initSwarm(t, o, InitOptions{MaxAgents: 1})

	a := spawnCoder(t, o)
	if a.Status != shared.AgentStatusIdle {
		t.Fatalf("expected idle agent, got %s", a.Status)
	}
	_, err := o.SpawnAgent(context.Background(), SpawnOptions{Type: AgentTypeTester})
	if !shared.IsCapacity(err) {
		t.Fatalf("expected capacity error, got %v", err)
	}
	if _, err := o.SpawnAgent(context.Background(), SpawnOptions{Type: "wizard"}); !shared.IsValidation(err) {
		t.Fatalf("expected validation error for unknown type, got %v", err)
	}
}

// slowAgentStore widens the window between the agent-limit check and
// registration.
type slowAgentStore struct {
	*persistence.MemoryStore
}

func (s *slowAgentStore) CreateAgent(ctx context.Context, a *shared.Agent) error {
	time.Sleep(5 * time.Millisecond)
	return s.MemoryStore.CreateAgent(ctx, a)
}

func TestConcurrentSpawnsStayWithinMaxAgents(t *testing.T) {
	store := &slowAgentStore{MemoryStore: persistence.NewMemoryStore()}
	o := newOrchestrator(t, Options{Store: store})
	initSwarm(t, o, InitOptions{MaxAgents: 2})

	var wg sync.WaitGroup
	var mu sync.Mutex
	spawned, rejected := 0, 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := o.SpawnAgent(context.Background(), SpawnOptions{Type: AgentTypeCoder})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				spawned++
			case shared.IsCapacity(err):
				rejected++
			default:
				t.Errorf("unexpected spawn error: %v", err)
			}
		}()
	}
	wg.Wait()

	if spawned != 2 || rejected != 8 {
		t.Fatalf("expected 2 spawned and 8 rejected, got %d and %d", spawned, rejected)
	}
	if n := len(o.Workers()); n != 2 {
		t.Fatalf("expected 2 workers, got %d", n)
	}
}

func TestInitializeSpecsDrivenTopology(t *testing.T) {
	o := newOrchestrator(t, Options{})
	s := initSwarm(t, o, InitOptions{Topology: TopologySpecsDriven})
	if s.Topology != TopologySpecsDriven {
		t.Fatalf("expected specs-driven topology, got %s", s.Topology)
	}
}

func TestSpawnAgentDefaultsCapabilities(t *testing.T) {
	o := newOrchestrator(t, Options{})
	initSwarm(t, o, InitOptions{})

	a, err := o.SpawnAgent(context.Background(), SpawnOptions{Type: AgentTypeTester})
	if err != nil {
		t.Fatalf("spawn agent: %v", err)
	}
	if len(a.Capabilities) == 0 {
		t.Fatal("expected catalog capabilities for a tester")
	}
	if a.Name != a.ID {
		t.Fatalf("expected name to default to id, got %q", a.Name)
	}
}

func TestDefaultAgentsFollowTopology(t *testing.T) {
	o := newOrchestrator(t, Options{})
	initSwarm(t, o, InitOptions{Topology: TopologyStar, DefaultAgents: true})

	workers := o.Workers()
	if len(workers) != 3 {
		t.Fatalf("expected 3 default agents, got %d", len(workers))
	}
	st, err := o.Status(context.Background())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Layout == nil || len(st.Layout.Leads) != 1 || st.Layout.Edges != 2 {
		t.Fatalf("expected a star with one hub and two spokes, got %+v", st.Layout)
	}
	hub := st.Layout.Leads[0]
	if w, _ := o.Worker(hub); w.Type() != AgentTypeCoordinator {
		t.Fatalf("expected the coordinator as hub, got %s", w.Type())
	}

	if err := o.StopAgent(context.Background(), hub); err != nil {
		t.Fatalf("stop agent: %v", err)
	}
	if n := o.Topology().Len(); n != 2 {
		t.Fatalf("expected 2 agents in the graph, got %d", n)
	}
}

func TestSubmitTaskRunsToCompletion(t *testing.T) {
	o := newOrchestrator(t, Options{})
	initSwarm(t, o, InitOptions{})
	coder := spawnCoder(t, o)
	ctx := context.Background()

	res, err := o.SubmitTask(ctx, TaskRequest{
		Description:          "implement the login endpoint",
		RequiredCapabilities: []string{"code_generation"},
		MaxAgents:            1,
	})
	if err != nil {
		t.Fatalf("submit task: %v", err)
	}
	if res.Decision.Status != coordinator.DecisionApplied {
		t.Fatalf("expected applied decision, got %s (%s)", res.Decision.Status, res.Decision.Reason)
	}
	if res.Task.Priority != PriorityMedium {
		t.Fatalf("expected default medium priority, got %s", res.Task.Priority)
	}

	w, ok := o.Worker(coder.ID)
	if !ok {
		t.Fatal("expected the coder to be running")
	}
	w.Wait()

	got, err := o.Task(ctx, res.Task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != shared.TaskStatusCompleted {
		t.Fatalf("expected completed task, got %s", got.Status)
	}
	if got.Progress != 100 {
		t.Fatalf("expected progress 100, got %d", got.Progress)
	}
	d, err := o.Decision(res.Task.ID)
	if err != nil {
		t.Fatalf("decision: %v", err)
	}
	if len(d.Selected) != 1 || d.Selected[0] != coder.ID {
		t.Fatalf("expected %s selected, got %v", coder.ID, d.Selected)
	}
}

func TestSubmitTaskValidation(t *testing.T) {
	o := newOrchestrator(t, Options{})
	initSwarm(t, o, InitOptions{})
	ctx := context.Background()

	tests := []struct {
		name  string
		req   TaskRequest
		check func(error) bool
	}{
		{"empty description", TaskRequest{Description: "  "}, shared.IsValidation},
		{"unknown priority", TaskRequest{Description: "x", Priority: "urgent"}, shared.IsValidation},
		{"negative max agents", TaskRequest{Description: "x", MaxAgents: -1}, shared.IsValidation},
		{"unknown strategy", TaskRequest{Description: "x", Strategy: "guesswork"}, shared.IsValidation},
		{"missing dependency", TaskRequest{Description: "x", Dependencies: []string{"nope"}}, shared.IsNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := o.SubmitTask(ctx, tt.req)
			if !tt.check(err) {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestCancelAndRetryTask(t *testing.T) {
	o := newOrchestrator(t, Options{})
	initSwarm(t, o, InitOptions{})
	ctx := context.Background()

	res, err := o.SubmitTask(ctx, TaskRequest{Description: "research caching options", Priority: PriorityHigh})
	if err != nil {
		t.Fatalf("submit task: %v", err)
	}
	if res.Decision.Status != coordinator.DecisionDeferred {
		t.Fatalf("expected deferred decision without agents, got %s", res.Decision.Status)
	}
	if _, err := o.RetryTask(ctx, res.Task.ID); !shared.IsValidation(err) {
		t.Fatalf("expected validation error retrying a pending task, got %v", err)
	}

	cancelled, err := o.CancelTask(ctx, res.Task.ID)
	if err != nil {
		t.Fatalf("cancel task: %v", err)
	}
	if cancelled.Status != shared.TaskStatusCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.Status)
	}
	_, err = o.CancelTask(ctx, res.Task.ID)
	if shared.ErrorCode(err) != shared.CodeCoordination {
		t.Fatalf("expected coordination error cancelling twice, got %v", err)
	}

	retry, err := o.RetryTask(ctx, res.Task.ID)
	if err != nil {
		t.Fatalf("retry task: %v", err)
	}
	if retry.Task.ID == res.Task.ID {
		t.Fatal("expected a new task id")
	}
	if retry.Task.Metadata[task.MetaRetryOf] != res.Task.ID {
		t.Fatalf("expected retryOf %s, got %v", res.Task.ID, retry.Task.Metadata[task.MetaRetryOf])
	}
	if retry.Task.Priority != PriorityHigh || retry.Task.Status != shared.TaskStatusPending {
		t.Fatalf("expected pending high priority retry, got %s/%s", retry.Task.Priority, retry.Task.Status)
	}
}

func TestRetryKeepsRequestedStrategyOnly(t *testing.T) {
	failing := agent.ExecutorFunc(func(ctx context.Context, req agent.PhaseRequest) (map[string]interface{}, error) {
		return nil, errors.New("phase failed")
	})
	o := newOrchestrator(t, Options{Executor: failing})
	initSwarm(t, o, InitOptions{})
	coder := spawnCoder(t, o)
	w, _ := o.Worker(coder.ID)
	ctx := context.Background()

	cases := []struct {
		name      string
		requested string
		chosen    string
	}{
		{"queen choice", "", coordinator.StrategyPriorityFastTrack},
		{"explicit request", coordinator.StrategyAdaptiveDefault, coordinator.StrategyAdaptiveDefault},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := o.Rebalance(ctx); err != nil {
				t.Fatalf("rebalance: %v", err)
			}
			res, err := o.SubmitTask(ctx, TaskRequest{
				Description: "implement the login endpoint",
				Priority:    PriorityCritical,
				Strategy:    tc.requested,
			})
			if err != nil {
				t.Fatalf("submit task: %v", err)
			}
			if res.Decision.Status != coordinator.DecisionApplied {
				t.Fatalf("expected applied decision, got %s (%s)", res.Decision.Status, res.Decision.Reason)
			}
			w.Wait()

			orig, err := o.Task(ctx, res.Task.ID)
			if err != nil {
				t.Fatalf("get task: %v", err)
			}
			if orig.Status != shared.TaskStatusFailed || orig.Strategy != tc.chosen {
				t.Fatalf("expected failed task under %s, got %s/%s", tc.chosen, orig.Status, orig.Strategy)
			}

			retry, err := o.RetryTask(ctx, orig.ID)
			if err != nil {
				t.Fatalf("retry task: %v", err)
			}
			if got := retry.Task.Metadata[task.MetaRequestedStrategy]; got != tc.requested {
				t.Fatalf("expected requested strategy %q on the retry, got %v", tc.requested, got)
			}
			w.Wait()
		})
	}
}

func TestStopAgentReturnsTaskToPending(t *testing.T) {
	entered := make(chan struct{}, 1)
	blocking := agent.ExecutorFunc(func(ctx context.Context, req agent.PhaseRequest) (map[string]interface{}, error) {
		if req.Phase != task.PhaseExecution {
			return map[string]interface{}{}, nil
		}
		select {
		case entered <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return nil, ctx.Err()
	})
	o := newOrchestrator(t, Options{Executor: blocking})
	initSwarm(t, o, InitOptions{})
	coder := spawnCoder(t, o)
	ctx := context.Background()

	res, err := o.SubmitTask(ctx, TaskRequest{
		Description:          "implement the login endpoint",
		RequiredCapabilities: []string{"code_generation"},
		MaxAgents:            1,
	})
	if err != nil {
		t.Fatalf("submit task: %v", err)
	}
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the execution phase")
	}

	if err := o.StopAgent(ctx, coder.ID); err != nil {
		t.Fatalf("stop agent: %v", err)
	}
	got, err := o.Task(ctx, res.Task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != shared.TaskStatusPending || len(got.AssignedAgents) != 0 {
		t.Fatalf("expected unassigned pending task, got %s %v", got.Status, got.AssignedAgents)
	}
	if _, ok := o.Worker(coder.ID); ok {
		t.Fatal("expected the agent to leave the roster")
	}
	if err := o.StopAgent(ctx, coder.ID); !shared.IsNotFound(err) {
		t.Fatalf("expected not found stopping twice, got %v", err)
	}
}

func TestStatusAndSummary(t *testing.T) {
	o := newOrchestrator(t, Options{})
	s := initSwarm(t, o, InitOptions{Name: "status"})
	spawnCoder(t, o)
	ctx := context.Background()

	if err := o.Memory().Remember(ctx, "notes", "hello", map[string]string{"greeting": "hi"}); err != nil {
		t.Fatalf("remember: %v", err)
	}

	st, err := o.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Swarm.ID != s.ID {
		t.Fatalf("expected swarm %s, got %s", s.ID, st.Swarm.ID)
	}
	if len(st.Agents) != 1 || st.Stats.TotalAgents != 1 {
		t.Fatalf("expected one agent, got %d/%d", len(st.Agents), st.Stats.TotalAgents)
	}
	if st.Backend != persistence.BackendMemory {
		t.Fatalf("expected memory backend, got %s", st.Backend)
	}
	if st.Bus.RegisteredAgents != 1 {
		t.Fatalf("expected one agent on the bus, got %d", st.Bus.RegisteredAgents)
	}
	if len(st.HotKeys) == 0 {
		t.Fatal("expected the remembered key among the hot keys")
	}
	if st.Memory.Stores == 0 {
		t.Fatal("expected memory store counter to move")
	}
	if _, err := json.Marshal(st); err != nil {
		t.Fatalf("status must encode: %v", err)
	}

	sum, err := o.Summary(ctx)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if sum.Agents != 1 || sum.Name != "status" {
		t.Fatalf("unexpected summary %+v", sum)
	}
}

func TestFallbackToMemoryStore(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0o600); err != nil {
		t.Fatalf("write blocker: %v", err)
	}
	cfg := testConfig()
	cfg.Store.Engine = "auto"
	cfg.Store.Path = filepath.Join(blocker, "data", "hivemind.db")

	o := newOrchestrator(t, Options{Config: cfg})
	if o.FallbackError() == nil {
		t.Fatal("expected a fallback error")
	}
	if o.Store().Backend() != persistence.BackendMemory {
		t.Fatalf("expected memory backend, got %s", o.Store().Backend())
	}

	initSwarm(t, o, InitOptions{})
	st, err := o.Status(context.Background())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Fallback == "" {
		t.Fatal("expected status to report the fallback")
	}
}

func TestSQLiteStoreSurvivesRestart(t *testing.T) {
	cfg := testConfig()
	cfg.Store.Engine = persistence.BackendSQLite
	cfg.Store.Path = filepath.Join(t.TempDir(), "hivemind.db")
	ctx := context.Background()

	first := newOrchestrator(t, Options{Config: cfg})
	s := initSwarm(t, first, InitOptions{Name: "durable"})
	if err := first.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	second := newOrchestrator(t, Options{Config: cfg})
	loaded, err := second.Load(ctx, "")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.ID != s.ID || loaded.Name != "durable" {
		t.Fatalf("expected swarm %s, got %s (%s)", s.ID, loaded.ID, loaded.Name)
	}
}

func TestLoadRestoresAgentsAndReleasesTasks(t *testing.T) {
	store := persistence.NewMemoryStore()
	ctx := context.Background()
	now := testStart.UnixMilli()

	sw := &shared.Swarm{
		ID:                 "swarm-restore",
		Name:               "restore",
		Topology:           TopologyHierarchical,
		QueenMode:          shared.QueenModeStrategic,
		MaxAgents:          4,
		ConsensusThreshold: 0.66,
		IsActive:           true,
		CreatedAt:          now,
	}
	if err := store.CreateSwarm(ctx, sw); err != nil {
		t.Fatalf("create swarm: %v", err)
	}
	for _, a := range []*shared.Agent{
		{ID: "coder-1", SwarmID: sw.ID, Name: "coder-1", Type: AgentTypeCoder, Status: shared.AgentStatusIdle,
			Capabilities: []string{"code_generation"}, CreatedAt: now},
		{ID: "tester-1", SwarmID: sw.ID, Name: "tester-1", Type: AgentTypeTester, Status: shared.AgentStatusOffline,
			Capabilities: []string{"test_generation"}, CreatedAt: now},
	} {
		if err := store.CreateAgent(ctx, a); err != nil {
			t.Fatalf("create agent: %v", err)
		}
	}
	orphan := &shared.Task{
		ID:                   "task-orphan",
		SwarmID:              sw.ID,
		Description:          "implement the login endpoint",
		Priority:             PriorityMedium,
		Status:               shared.TaskStatusInProgress,
		AssignedAgents:       []string{"coder-1"},
		MaxAgents:            1,
		RequiredCapabilities: []string{"code_generation"},
		CreatedAt:            now,
	}
	if err := store.CreateTask(ctx, orphan); err != nil {
		t.Fatalf("create task: %v", err)
	}

	o := newOrchestrator(t, Options{Store: store})
	if _, err := o.Load(ctx, ""); err != nil {
		t.Fatalf("load: %v", err)
	}
	if n := len(o.Workers()); n != 1 {
		t.Fatalf("expected one restored agent, got %d", n)
	}
	got, _ := store.GetTask(ctx, orphan.ID)
	if got.Status != shared.TaskStatusPending {
		t.Fatalf("expected orphaned task back to pending, got %s", got.Status)
	}

	assigned, err := o.Rebalance(ctx)
	if err != nil {
		t.Fatalf("rebalance: %v", err)
	}
	if assigned != 1 {
		t.Fatalf("expected one task assigned, got %d", assigned)
	}
	w, _ := o.Worker("coder-1")
	w.Wait()
	got, _ = store.GetTask(ctx, orphan.ID)
	if got.Status != shared.TaskStatusCompleted {
		t.Fatalf("expected completed task, got %s", got.Status)
	}
}

func TestDestroyRemovesSwarm(t *testing.T) {
	o := newOrchestrator(t, Options{})
	s := initSwarm(t, o, InitOptions{})
	spawnCoder(t, o)
	ctx := context.Background()

	if err := o.Destroy(ctx, ""); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if o.Swarm() != nil {
		t.Fatal("expected no running swarm")
	}
	if _, err := o.Store().GetSwarm(ctx, s.ID); !shared.IsNotFound(err) {
		t.Fatalf("expected swarm to be gone, got %v", err)
	}
	agents, err := o.Store().ListAgents(ctx, s.ID)
	if err != nil {
		t.Fatalf("list agents: %v", err)
	}
	if len(agents) != 0 {
		t.Fatalf("expected agents removed, got %d", len(agents))
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	o := newOrchestrator(t, Options{})
	initSwarm(t, o, InitOptions{})
	spawnCoder(t, o)
	ctx := context.Background()

	if err := o.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if err := o.Shutdown(ctx); err != nil {
		t.Fatalf("second shutdown: %v", err)
	}
	if _, err := o.Initialize(ctx, InitOptions{}); shared.ErrorCode(err) != shared.CodeCoordination {
		t.Fatalf("expected coordination error after shutdown, got %v", err)
	}
}

func TestEventsMirroredToNATS(t *testing.T) {
	cfg := testConfig()
	cfg.Events.NATS = config.NATSConfig{
		Enabled:       true,
		Embedded:      true,
		Port:          natsbus.RandomPort,
		SubjectPrefix: "hm",
	}
	o := newOrchestrator(t, Options{Config: cfg})
	if o.NATSURL() == "" {
		t.Fatal("expected an embedded server url")
	}
	s := initSwarm(t, o, InitOptions{})

	client, err := natsbus.NewClient(o.NATSURL())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()

	received := make(chan []byte, 4)
	subject := natsbus.EventSubject("hm", s.ID, string(shared.EventAgentSpawned))
	if _, err := client.Subscribe(subject, func(msg *nats.Msg) {
		received <- msg.Data
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := client.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	a := spawnCoder(t, o)

	select {
	case data := <-received:
		var ev shared.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		if ev.Type != shared.EventAgentSpawned {
			t.Fatalf("expected %s, got %s", shared.EventAgentSpawned, ev.Type)
		}
		if ev.Payload["agentId"] != a.ID {
			t.Fatalf("expected agent %s, got %v", a.ID, ev.Payload["agentId"])
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the mirrored event")
	}
}
