package hivemind

import (
	"context"

	"github.com/blackms/hivemind-go/internal/application/coordinator"
	"github.com/blackms/hivemind-go/internal/application/memory"
	"github.com/blackms/hivemind-go/internal/infrastructure/messaging"
	"github.com/blackms/hivemind-go/internal/infrastructure/persistence"
	"github.com/blackms/hivemind-go/internal/infrastructure/topology"
	"github.com/blackms/hivemind-go/internal/shared"
)

// hotKeyLimit is how many hot keys Status reports.
const hotKeyLimit = 10

// Status is the full view of the running swarm.
type Status struct {
	Swarm    *shared.Swarm           `json:"swarm"`
	Stats    *shared.SwarmStats      `json:"stats"`
	Agents   []*shared.Agent         `json:"agents"`
	Tasks    []*shared.Task          `json:"tasks"`
	Queen    QueenMetrics            `json:"queen"`
	Bus      messaging.Stats         `json:"bus"`
	Memory   memory.ServiceStats     `json:"memory"`
	HotKeys  []memory.HotKey         `json:"hotKeys"`
	Health   memory.Health           `json:"health"`
	Alerts   []memory.Alert          `json:"alerts"`
	Backend  string                  `json:"backend"`
	Fallback string                  `json:"fallback,omitempty"`
	NATS     string                  `json:"nats,omitempty"`
	Pending  []*coordinator.Decision `json:"awaitingConsensus,omitempty"`
	Layout   *topology.Layout        `json:"layout,omitempty"`
}

// Summary is the short view of the running swarm.
type Summary struct {
	SwarmID     string               `json:"swarmId"`
	Name        string               `json:"name"`
	Topology    shared.SwarmTopology `json:"topology"`
	Agents      int                  `json:"agents"`
	BusyAgents  int                  `json:"busyAgents"`
	Utilization float64              `json:"utilization"`
	Pending     int                  `json:"pendingTasks"`
	InProgress  int                  `json:"inProgressTasks"`
	Completed   int                  `json:"completedTasks"`
	Failed      int                  `json:"failedTasks"`
	Health      string               `json:"health"`
	Backend     string               `json:"backend"`
}

// Status collects the state of the running swarm from every subsystem.
func (o *Orchestrator) Status(ctx context.Context) (*Status, error) {
	s, queen, err := o.running("status")
	if err != nil {
		return nil, err
	}
	stats, err := o.store.SwarmStats(ctx, s.ID)
	if err != nil {
		return nil, err
	}
	agents, err := o.store.ListAgents(ctx, s.ID)
	if err != nil {
		return nil, err
	}
	tasks, err := o.store.ListTasks(ctx, persistence.TaskFilter{SwarmID: s.ID})
	if err != nil {
		return nil, err
	}

	st := &Status{
		Swarm:   s,
		Stats:   stats,
		Agents:  agents,
		Tasks:   tasks,
		Queen:   queen.GetMetrics(),
		Memory:  o.memory.Stats(),
		HotKeys: o.memory.HotKeys(hotKeyLimit),
		Health:  o.monitor.Health(),
		Alerts:  o.monitor.ActiveAlerts(),
		Backend: o.store.Backend(),
		NATS:    o.NATSURL(),
	}
	if bus := o.Bus(); bus != nil {
		st.Bus = bus.GetStats()
	}
	if topo := o.Topology(); topo != nil {
		layout := topo.Snapshot()
		st.Layout = &layout
	}
	if o.fallback != nil {
		st.Fallback = o.fallback.Error()
	}
	for _, t := range tasks {
		if !queen.AwaitingConsensus(t.ID) {
			continue
		}
		if d, ok := queen.Decision(t.ID); ok {
			st.Pending = append(st.Pending, d)
		}
	}
	return st, nil
}

// Summary returns counts for the running swarm.
func (o *Orchestrator) Summary(ctx context.Context) (*Summary, error) {
	s, _, err := o.running("summary")
	if err != nil {
		return nil, err
	}
	stats, err := o.store.SwarmStats(ctx, s.ID)
	if err != nil {
		return nil, err
	}
	return &Summary{
		SwarmID:     s.ID,
		Name:        s.Name,
		Topology:    s.Topology,
		Agents:      stats.TotalAgents,
		BusyAgents:  stats.BusyAgents,
		Utilization: stats.Utilization,
		Pending:     stats.PendingTasks,
		InProgress:  stats.InProgressTasks,
		Completed:   stats.CompletedTasks,
		Failed:      stats.FailedTasks,
		Health:      o.monitor.Health().Status,
		Backend:     o.store.Backend(),
	}, nil
}

// Decision returns the Queen's latest decision for a task.
func (o *Orchestrator) Decision(taskID string) (*Decision, error) {
	_, queen, err := o.running("decision")
	if err != nil {
		return nil, err
	}
	d, ok := queen.Decision(taskID)
	if !ok {
		return nil, shared.NewNotFoundError("decision", taskID, "decision")
	}
	return d, nil
}
