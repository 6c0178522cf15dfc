package hivemind

import (
	"context"
	"sort"

	"github.com/google/uuid"

	"github.com/blackms/hivemind-go/internal/domain/agent"
	"github.com/blackms/hivemind-go/internal/domain/task"
	"github.com/blackms/hivemind-go/internal/infrastructure/clock"
	"github.com/blackms/hivemind-go/internal/infrastructure/events"
	"github.com/blackms/hivemind-go/internal/shared"
)

// SpawnOptions describes a new agent. Capabilities default to the type's
// catalog entry.
type SpawnOptions struct {
	Type         shared.AgentType
	Name         string
	Capabilities []string
	Metadata     map[string]interface{}
	// AutoAssign schedules pending tasks once the agent is up.
	AutoAssign bool
}

// SpawnAgent creates, starts and registers an agent. Spawning beyond the
// swarm's maxAgents is a capacity error.
func (o *Orchestrator) SpawnAgent(ctx context.Context, opts SpawnOptions) (*shared.Agent, error) {
	s, queen, err := o.running("spawn_agent")
	if err != nil {
		return nil, err
	}
	if !opts.Type.Valid() {
		return nil, shared.NewValidationError("unknown agent type", map[string]interface{}{
			"type": string(opts.Type), "operation": "spawn_agent",
		})
	}
	rec, err := o.spawnWorker(ctx, s, opts)
	if err != nil {
		return nil, err
	}
	id := rec.ID
	o.logger.Info("agent spawned", "agent", id, "type", string(opts.Type))

	if opts.AutoAssign {
		if _, err := queen.AssignPending(ctx); err != nil {
			o.logger.Warn("auto-assign failed", "agent", id, "error", err)
		}
	}
	return o.store.GetAgent(ctx, id)
}

// spawnWorker checks the agent limit, persists the record and starts its
// worker while holding spawnMu, so concurrent spawns cannot overshoot
// maxAgents.
func (o *Orchestrator) spawnWorker(ctx context.Context, s *shared.Swarm, opts SpawnOptions) (*shared.Agent, error) {
	o.spawnMu.Lock()
	defer o.spawnMu.Unlock()

	if s.MaxAgents > 0 {
		if live := len(o.Workers()); live >= s.MaxAgents {
			return nil, shared.NewCapacityError("swarm is at its agent limit", map[string]interface{}{
				"swarmId": s.ID, "maxAgents": s.MaxAgents, "agents": live, "operation": "spawn_agent",
			})
		}
	}

	caps := shared.CopyStrings(opts.Capabilities)
	if len(caps) == 0 {
		caps = o.registry.Capabilities(opts.Type)
	}
	id := string(opts.Type) + "-" + uuid.New().String()[:8]
	name := opts.Name
	if name == "" {
		name = id
	}
	now := clock.Millis(o.clock)
	rec := &shared.Agent{
		ID:           id,
		SwarmID:      s.ID,
		Name:         name,
		Type:         opts.Type,
		Status:       shared.AgentStatusIdle,
		Capabilities: caps,
		Metadata:     shared.CloneMap(opts.Metadata),
		CreatedAt:    now,
		LastActiveAt: now,
	}
	if err := o.store.CreateAgent(ctx, rec); err != nil {
		return nil, shared.NewPersistenceError("create agent", err, map[string]interface{}{"agentId": id})
	}
	if _, err := o.startWorker(ctx, rec); err != nil {
		if derr := o.store.DeleteAgent(ctx, id); derr != nil {
			o.logger.Warn("remove unstarted agent failed", "agent", id, "error", derr)
		}
		return nil, err
	}
	return rec, nil
}

// startWorker wraps a record in a running worker known to the Queen.
func (o *Orchestrator) startWorker(ctx context.Context, rec *shared.Agent) (*agent.Worker, error) {
	o.mu.RLock()
	bus, engine, queen, pub := o.bus, o.consensus, o.queen, o.pub
	o.mu.RUnlock()
	if queen == nil {
		return nil, shared.NewValidationError("no swarm is running", map[string]interface{}{"operation": "start_agent"})
	}

	exec := o.executor
	if exec == nil {
		exec = &agent.DefaultExecutor{Cache: o.memory, Registry: o.registry}
	}
	w := agent.New(rec, agent.Options{
		Store:    o.store,
		Bus:      bus,
		Executor: exec,
		Voter:    engine,
		Patterns: o.patterns,
		Clock:    o.clock,
		Events:   pub,
		Config:   o.cfg.Agent,
		Logger:   o.logger,
	})
	if err := w.Start(ctx); err != nil {
		return nil, err
	}
	if err := queen.RegisterAgent(w); err != nil {
		w.Shutdown(ctx)
		return nil, err
	}

	o.mu.Lock()
	o.workers[w.ID()] = w
	topo := o.topo
	o.mu.Unlock()
	if topo != nil {
		topo.Add(w.ID(), w.Type())
	}

	events.Emit(pub, shared.EventAgentSpawned, map[string]interface{}{
		"agentId":      rec.ID,
		"type":         string(rec.Type),
		"capabilities": w.Capabilities(),
	})
	return w, nil
}

// StopAgent shuts an agent down and removes it from the roster. Its task,
// if any, goes back to the Queen.
func (o *Orchestrator) StopAgent(ctx context.Context, agentID string) error {
	_, queen, err := o.running("stop_agent")
	if err != nil {
		return err
	}
	o.mu.Lock()
	w, ok := o.workers[agentID]
	delete(o.workers, agentID)
	topo := o.topo
	o.mu.Unlock()
	if !ok {
		return shared.NewNotFoundError("agent", agentID, "stop_agent")
	}
	if topo != nil {
		topo.Remove(agentID)
	}

	queen.UnregisterAgent(agentID)
	taskID := w.CurrentTaskID()
	if taskID != "" {
		w.Abandon(taskID)
		w.Wait()
	}
	w.Shutdown(ctx)
	if taskID != "" {
		now := clock.Millis(o.clock)
		if _, err := o.store.UpdateTask(ctx, taskID, func(cur *shared.Task) error {
			if _, done := cur.Result[agentID]; !done {
				task.Unassign(cur, agentID)
			}
			task.CompleteIfDone(cur, now)
			return nil
		}); err != nil {
			o.logger.Warn("release task of stopped agent failed", "task", taskID, "error", err)
		}
	}
	return nil
}

// Workers returns the running agents sorted by id.
func (o *Orchestrator) Workers() []*agent.Worker {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]*agent.Worker, 0, len(o.workers))
	for _, w := range o.workers {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Worker returns a running agent.
func (o *Orchestrator) Worker(agentID string) (*agent.Worker, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	w, ok := o.workers[agentID]
	return w, ok
}
