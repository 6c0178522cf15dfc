// Package hivemind provides the public API of hivemind-go.
//
// An Orchestrator owns one store and at most one running swarm. It wires
// the persistence layer, memory subsystem, communication bus, consensus
// engine, Queen and agents together.
//
// Example:
//
//	orch, err := hivemind.New(ctx, hivemind.Options{Config: cfg})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer orch.Shutdown(ctx)
//
//	if _, err := orch.Initialize(ctx, hivemind.InitOptions{Name: "demo"}); err != nil {
//	    log.Fatal(err)
//	}
//	orch.SpawnAgent(ctx, hivemind.SpawnOptions{Type: hivemind.AgentTypeCoder})
//	task, err := orch.SubmitTask(ctx, hivemind.TaskRequest{Description: "implement the login endpoint"})
package hivemind

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/blackms/hivemind-go/internal/application/coordinator"
	consensus "github.com/blackms/hivemind-go/internal/application/hivemind"
	"github.com/blackms/hivemind-go/internal/application/memory"
	"github.com/blackms/hivemind-go/internal/config"
	"github.com/blackms/hivemind-go/internal/domain/agent"
	"github.com/blackms/hivemind-go/internal/domain/task"
	"github.com/blackms/hivemind-go/internal/infrastructure/clock"
	"github.com/blackms/hivemind-go/internal/infrastructure/events"
	"github.com/blackms/hivemind-go/internal/infrastructure/logging"
	"github.com/blackms/hivemind-go/internal/infrastructure/messaging"
	"github.com/blackms/hivemind-go/internal/infrastructure/natsbus"
	"github.com/blackms/hivemind-go/internal/infrastructure/persistence"
	"github.com/blackms/hivemind-go/internal/infrastructure/topology"
	"github.com/blackms/hivemind-go/internal/shared"
)

// Re-export types for public API
type (
	Swarm         = shared.Swarm
	SwarmTopology = shared.SwarmTopology
	QueenMode     = shared.QueenMode
	Agent         = shared.Agent
	AgentType     = shared.AgentType
	AgentStatus   = shared.AgentStatus
	Task          = shared.Task
	TaskPriority  = shared.TaskPriority
	TaskStatus    = shared.TaskStatus
	Event         = shared.Event
	EventType     = shared.EventType
	SwarmStats    = shared.SwarmStats

	Decision     = coordinator.Decision
	QueenMetrics = coordinator.QueenMetrics
	Executor     = agent.Executor
	PhaseRequest = agent.PhaseRequest
	Config       = config.Config
)

// Re-export constants for public API
const (
	TopologyHierarchical = shared.TopologyHierarchical
	TopologyMesh         = shared.TopologyMesh
	TopologyRing         = shared.TopologyRing
	TopologyStar         = shared.TopologyStar
	TopologyHybrid       = shared.TopologyHybrid
	TopologySpecsDriven  = shared.TopologySpecsDriven

	AgentTypeCoordinator = shared.AgentTypeCoordinator
	AgentTypeResearcher  = shared.AgentTypeResearcher
	AgentTypeCoder       = shared.AgentTypeCoder
	AgentTypeAnalyst     = shared.AgentTypeAnalyst
	AgentTypeArchitect   = shared.AgentTypeArchitect
	AgentTypeTester      = shared.AgentTypeTester
	AgentTypeReviewer    = shared.AgentTypeReviewer
	AgentTypeOptimizer   = shared.AgentTypeOptimizer
	AgentTypeDocumenter  = shared.AgentTypeDocumenter
	AgentTypeMonitor     = shared.AgentTypeMonitor
	AgentTypeSpecialist  = shared.AgentTypeSpecialist

	PriorityLow      = shared.PriorityLow
	PriorityMedium   = shared.PriorityMedium
	PriorityHigh     = shared.PriorityHigh
	PriorityCritical = shared.PriorityCritical
)

// Options configures an Orchestrator.
type Options struct {
	// Config defaults to config.Defaults().
	Config *config.Config
	// Store overrides the store built from Config.Store. The caller keeps
	// ownership and closes it.
	Store persistence.Store
	// Executor runs task phases for every spawned agent. Defaults to the
	// built-in pipeline.
	Executor agent.Executor
	Clock    clock.Clock
	Logger   *slog.Logger
}

// InitOptions describes a new swarm. Zero fields take the configured
// defaults.
type InitOptions struct {
	Name               string
	Topology           shared.SwarmTopology
	QueenMode          shared.QueenMode
	MaxAgents          int
	ConsensusThreshold float64
	MemoryTTL          time.Duration
	Config             map[string]interface{}
	// DefaultAgents spawns the topology's default composition, bounded by
	// MaxAgents.
	DefaultAgents bool
}

// Orchestrator is the entry point for callers.
type Orchestrator struct {
	cfg      config.Config
	clock    clock.Clock
	logger   *slog.Logger
	executor agent.Executor

	events    *events.EventBus
	store     persistence.Store
	ownsStore bool
	fallback  error

	memory   *memory.Service
	monitor  *memory.Monitor
	patterns *memory.PatternAnalyzer
	registry *agent.TypeRegistry

	natsServer *natsbus.Server
	natsClient *natsbus.Client
	bridge     *events.NATSBridge

	// spawnMu holds the agent-limit check and registration together.
	spawnMu sync.Mutex

	mu        sync.RWMutex
	swarm     *shared.Swarm
	pub       shared.Publisher
	bus       *messaging.Bus
	consensus *consensus.Engine
	queen     *coordinator.Queen
	topo      *topology.Graph
	workers   map[string]*agent.Worker
	runCancel context.CancelFunc
	closed    bool
}

// New opens the store and starts the swarm-independent services. A missing
// durable engine degrades to the in-memory store and emits
// persistence:fallback.
func New(ctx context.Context, opts Options) (*Orchestrator, error) {
	cfg := config.Defaults()
	if opts.Config != nil {
		cfg = *opts.Config
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}

	o := &Orchestrator{
		cfg:      cfg,
		clock:    clk,
		logger:   logging.Component(logger, "orchestrator"),
		executor: opts.Executor,
		events:   events.New(),
		registry: agent.NewTypeRegistry(),
		workers:  make(map[string]*agent.Worker),
	}

	if opts.Store != nil {
		o.store = opts.Store
	} else {
		store, err := persistence.Open(ctx, persistence.Options{
			Engine: cfg.Store.Engine,
			Path:   cfg.Store.Path,
			OnFallback: func(err error) {
				o.fallback = err
			},
		}, logger)
		if err != nil {
			o.events.Close()
			return nil, shared.NewPersistenceError("open store", err, map[string]interface{}{"path": cfg.Store.Path})
		}
		o.store = store
		o.ownsStore = true
	}
	if o.fallback != nil {
		events.Emit(o.events, shared.EventPersistenceFallback, map[string]interface{}{
			"path":  cfg.Store.Path,
			"error": o.fallback.Error(),
		})
	}

	svc, err := memory.NewService(o.store, cfg.Memory, clk, o.events, logger)
	if err != nil {
		o.closeInfra()
		return nil, err
	}
	o.memory = svc
	o.monitor = memory.NewMonitor(svc, cfg.Monitor, clk, o.events, logger)
	o.patterns = memory.NewPatternAnalyzer(o.store, clk, 0)

	if cfg.Events.NATS.Enabled {
		if err := o.startNATS(); err != nil {
			o.closeInfra()
			return nil, err
		}
	}
	return o, nil
}

func (o *Orchestrator) startNATS() error {
	nc := o.cfg.Events.NATS
	url := nc.URL
	if nc.Embedded {
		srv, err := natsbus.NewServer(natsbus.ServerConfig{Port: nc.Port, DataDir: nc.DataDir})
		if err != nil {
			return err
		}
		o.natsServer = srv
		url = srv.ClientURL()
	}
	client, err := natsbus.NewClient(url)
	if err != nil {
		return err
	}
	o.natsClient = client
	o.bridge = events.NewNATSBridge(o.events, client, nc.SubjectPrefix, o.logger)
	o.logger.Info("mirroring events to nats", "url", url, "prefix", nc.SubjectPrefix)
	return nil
}

// NATSURL returns the URL events are mirrored to, or "" when the bridge is
// off.
func (o *Orchestrator) NATSURL() string {
	if o.natsServer != nil {
		return o.natsServer.ClientURL()
	}
	if o.natsClient != nil {
		return o.cfg.Events.NATS.URL
	}
	return ""
}

// ============================================================================
// Swarm lifecycle
// ============================================================================

// Initialize creates a swarm, makes it the active one and starts it.
func (o *Orchestrator) Initialize(ctx context.Context, opts InitOptions) (*shared.Swarm, error) {
	if err := o.checkOpen(); err != nil {
		return nil, err
	}
	defaults := o.cfg.Swarm
	s := &shared.Swarm{
		ID:                 uuid.New().String(),
		Name:               opts.Name,
		Topology:           opts.Topology,
		QueenMode:          opts.QueenMode,
		MaxAgents:          opts.MaxAgents,
		ConsensusThreshold: opts.ConsensusThreshold,
		MemoryTTL:          opts.MemoryTTL.Milliseconds(),
		Config:             shared.CloneMap(opts.Config),
		IsActive:           true,
		CreatedAt:          clock.Millis(o.clock),
	}
	if s.Name == "" {
		s.Name = defaults.Name
	}
	if s.Topology == "" {
		s.Topology = shared.SwarmTopology(defaults.Topology)
	}
	if s.QueenMode == "" {
		s.QueenMode = shared.QueenMode(defaults.QueenMode)
	}
	if s.MaxAgents == 0 {
		s.MaxAgents = defaults.MaxAgents
	}
	if s.ConsensusThreshold == 0 {
		s.ConsensusThreshold = defaults.ConsensusThreshold
	}
	if s.MemoryTTL == 0 {
		s.MemoryTTL = defaults.MemoryTTL.Milliseconds()
	}
	if err := validateSwarm(s); err != nil {
		return nil, err
	}

	o.stopSwarm(ctx)
	if err := o.store.CreateSwarm(ctx, s); err != nil {
		return nil, shared.NewPersistenceError("create swarm", err, map[string]interface{}{"swarmId": s.ID})
	}
	if err := o.store.SetActiveSwarm(ctx, s.ID); err != nil {
		return nil, shared.NewPersistenceError("activate swarm", err, map[string]interface{}{"swarmId": s.ID})
	}
	o.startSwarm(s)
	o.logger.Info("swarm initialized", "swarm", s.ID, "name", s.Name, "topology", string(s.Topology))

	if opts.DefaultAgents {
		for _, t := range topology.DefaultComposition(s.Topology, s.MaxAgents) {
			if _, err := o.SpawnAgent(ctx, SpawnOptions{Type: t}); err != nil {
				return s, err
			}
		}
	}
	return s, nil
}

func validateSwarm(s *shared.Swarm) error {
	if !s.Topology.Valid() {
		return shared.NewValidationError("unknown topology", map[string]interface{}{"topology": string(s.Topology)})
	}
	if s.MaxAgents < 0 {
		return shared.NewValidationError("maxAgents must not be negative", map[string]interface{}{"maxAgents": s.MaxAgents})
	}
	if s.ConsensusThreshold < 0 || s.ConsensusThreshold > 1 {
		return shared.NewValidationError("consensus threshold must be within [0,1]", map[string]interface{}{
			"consensusThreshold": s.ConsensusThreshold,
		})
	}
	return nil
}

// Load starts a persisted swarm, the active one when swarmID is empty.
// Agents that were not offline are brought back, and tasks held by the
// previous run return to pending so the Queen schedules them again.
func (o *Orchestrator) Load(ctx context.Context, swarmID string) (*shared.Swarm, error) {
	if err := o.checkOpen(); err != nil {
		return nil, err
	}
	var (
		s   *shared.Swarm
		err error
	)
	if swarmID == "" {
		s, err = o.store.GetActiveSwarm(ctx)
	} else {
		s, err = o.store.GetSwarm(ctx, swarmID)
	}
	if err != nil {
		return nil, err
	}

	o.stopSwarm(ctx)
	if !s.IsActive {
		if err := o.store.SetActiveSwarm(ctx, s.ID); err != nil {
			return nil, shared.NewPersistenceError("activate swarm", err, map[string]interface{}{"swarmId": s.ID})
		}
		s.IsActive = true
	}
	if err := o.releaseOrphanedTasks(ctx, s.ID); err != nil {
		return nil, err
	}
	o.startSwarm(s)

	records, err := o.store.ListAgents(ctx, s.ID)
	if err != nil {
		return nil, shared.NewPersistenceError("list agents", err, map[string]interface{}{"swarmId": s.ID})
	}
	for _, rec := range records {
		if rec.Status == shared.AgentStatusOffline {
			continue
		}
		if _, err := o.startWorker(ctx, rec); err != nil {
			o.logger.Warn("agent not restored", "agent", rec.ID, "error", err)
		}
	}
	o.logger.Info("swarm loaded", "swarm", s.ID, "agents", len(o.Workers()))
	return s, nil
}

func (o *Orchestrator) releaseOrphanedTasks(ctx context.Context, swarmID string) error {
	held, err := o.store.ListTasks(ctx, persistence.TaskFilter{
		SwarmID:  swarmID,
		Statuses: []shared.TaskStatus{shared.TaskStatusAssigned, shared.TaskStatusInProgress},
	})
	if err != nil {
		return shared.NewPersistenceError("list tasks", err, map[string]interface{}{"swarmId": swarmID})
	}
	now := clock.Millis(o.clock)
	for _, t := range held {
		if _, err := o.store.UpdateTask(ctx, t.ID, func(cur *shared.Task) error {
			for _, id := range shared.CopyStrings(cur.AssignedAgents) {
				if _, done := cur.Result[id]; !done {
					task.Unassign(cur, id)
				}
			}
			task.CompleteIfDone(cur, now)
			return nil
		}); err != nil {
			return shared.NewPersistenceError("release task", err, map[string]interface{}{"taskId": t.ID})
		}
	}
	return nil
}

// startSwarm builds the per-swarm services and starts their loops.
func (o *Orchestrator) startSwarm(s *shared.Swarm) {
	runCtx, cancel := context.WithCancel(context.Background())
	pub := o.events.Scoped(s.ID)

	bus := messaging.NewBus(s.ID, o.store, o.clock, pub, o.cfg.Bus, o.logger)
	engine := consensus.NewEngine(s.ID, o.store, bus, o.clock, pub, consensus.Config{
		Threshold:   s.ConsensusThreshold,
		Timeout:     o.cfg.Queen.ConsensusTimeout,
		VoteWeights: o.cfg.Queen.VoteWeights,
	}, o.logger)

	queenCfg := o.cfg.Queen
	queenCfg.ConsensusThreshold = s.ConsensusThreshold
	queen := coordinator.New(coordinator.Options{
		SwarmID:           s.ID,
		Topology:          s.Topology,
		Store:             o.store,
		Memory:            o.memory,
		Consensus:         engine,
		Bus:               bus,
		Registry:          o.registry,
		Clock:             o.clock,
		Events:            pub,
		Config:            queenCfg,
		MaxStrategyAgents: s.MaxAgents,
		Logger:            o.logger,
	})

	o.mu.Lock()
	o.swarm = s
	o.pub = pub
	o.bus = bus
	o.consensus = engine
	o.queen = queen
	o.topo = topology.New(s.Topology)
	o.workers = make(map[string]*agent.Worker)
	o.runCancel = cancel
	o.mu.Unlock()

	bus.Start(runCtx)
	o.memory.Start(runCtx)
	o.monitor.Start(runCtx)
	queen.Start(runCtx)
}

// stopSwarm stops the running swarm, if any. Agents go offline.
func (o *Orchestrator) stopSwarm(ctx context.Context) {
	o.mu.Lock()
	if o.swarm == nil {
		o.mu.Unlock()
		return
	}
	queen, bus, engine := o.queen, o.bus, o.consensus
	workers := make([]*agent.Worker, 0, len(o.workers))
	for _, w := range o.workers {
		workers = append(workers, w)
	}
	cancel := o.runCancel
	swarmID := o.swarm.ID
	o.swarm, o.pub, o.bus, o.consensus, o.queen, o.topo, o.runCancel = nil, nil, nil, nil, nil, nil, nil
	o.workers = make(map[string]*agent.Worker)
	o.mu.Unlock()

	queen.Stop()
	for _, w := range workers {
		w.Shutdown(ctx)
	}
	engine.Close()
	bus.Stop()
	o.monitor.Stop()
	o.memory.Stop()
	cancel()
	o.logger.Info("swarm stopped", "swarm", swarmID)
}

// Shutdown stops the swarm and every service, then closes the store when
// the Orchestrator opened it. It is safe to call more than once.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.mu.Unlock()

	o.stopSwarm(ctx)
	return o.closeInfra()
}

func (o *Orchestrator) closeInfra() error {
	if o.bridge != nil {
		o.bridge.Close()
	}
	if o.natsClient != nil {
		o.natsClient.Close()
	}
	if o.natsServer != nil {
		o.natsServer.Close()
	}
	o.events.Close()
	if o.ownsStore {
		if err := o.store.Close(); err != nil {
			return shared.NewPersistenceError("close store", err, nil)
		}
	}
	return nil
}

// Destroy stops the running swarm and deletes it with every row it owns.
func (o *Orchestrator) Destroy(ctx context.Context, swarmID string) error {
	if err := o.checkOpen(); err != nil {
		return err
	}
	if swarmID == "" {
		if s := o.Swarm(); s != nil {
			swarmID = s.ID
		}
	}
	if swarmID == "" {
		return shared.NewValidationError("no swarm to destroy", map[string]interface{}{"operation": "destroy"})
	}
	if s := o.Swarm(); s != nil && s.ID == swarmID {
		o.stopSwarm(ctx)
	}
	if err := o.store.DeleteSwarm(ctx, swarmID); err != nil {
		return err
	}
	o.logger.Info("swarm destroyed", "swarm", swarmID)
	return nil
}

// ============================================================================
// Accessors
// ============================================================================

// Swarm returns the running swarm, or nil.
func (o *Orchestrator) Swarm() *shared.Swarm {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.swarm == nil {
		return nil
	}
	s := *o.swarm
	return &s
}

// Events returns the event bus. Subscribers see every swarm event.
func (o *Orchestrator) Events() *events.EventBus {
	return o.events
}

// Memory returns the memory subsystem.
func (o *Orchestrator) Memory() *memory.Service {
	return o.memory
}

// Monitor returns the memory monitor.
func (o *Orchestrator) Monitor() *memory.Monitor {
	return o.monitor
}

// Store returns the persistence layer.
func (o *Orchestrator) Store() persistence.Store {
	return o.store
}

// Queen returns the running swarm's coordinator, or nil.
func (o *Orchestrator) Queen() *coordinator.Queen {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.queen
}

// Consensus returns the running swarm's consensus engine, or nil.
func (o *Orchestrator) Consensus() *consensus.Engine {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.consensus
}

// Topology returns the running swarm's connection graph, or nil.
func (o *Orchestrator) Topology() *topology.Graph {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.topo
}

// Bus returns the running swarm's communication bus, or nil.
func (o *Orchestrator) Bus() *messaging.Bus {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.bus
}

// FallbackError returns why the durable store was unavailable, or nil.
func (o *Orchestrator) FallbackError() error {
	return o.fallback
}

func (o *Orchestrator) checkOpen() error {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.closed {
		return shared.NewCoordinationError("orchestrator is shut down", nil)
	}
	return nil
}

// running returns the swarm services or a validation error when no swarm
// is running.
func (o *Orchestrator) running(operation string) (*shared.Swarm, *coordinator.Queen, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.closed {
		return nil, nil, shared.NewCoordinationError("orchestrator is shut down", map[string]interface{}{"operation": operation})
	}
	if o.swarm == nil {
		return nil, nil, shared.NewValidationError("no swarm is running; initialize or load one first", map[string]interface{}{
			"operation": operation,
		})
	}
	s := *o.swarm
	return &s, o.queen, nil
}
