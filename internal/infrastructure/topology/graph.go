// Package topology maintains the connection graph of a swarm's agents and
// the default agent composition for each topology.
package topology

import (
	"sort"
	"sync"

	"github.com/blackms/hivemind-go/internal/shared"
)

// Role is an agent's position in the graph.
type Role string

const (
	RoleLead   Role = "lead"
	RoleWorker Role = "worker"
	RolePeer   Role = "peer"
)

// Node is one agent in the graph.
type Node struct {
	AgentID     string           `json:"agentId"`
	AgentType   shared.AgentType `json:"agentType"`
	Role        Role             `json:"role"`
	Connections []string         `json:"connections"`
}

// Layout is a snapshot of the graph.
type Layout struct {
	Topology shared.SwarmTopology `json:"topology"`
	Leads    []string             `json:"leads,omitempty"`
	Nodes    []Node               `json:"nodes"`
	Edges    int                  `json:"edges"`
}

// Graph connects agents according to a topology. Edges are rebuilt on
// every membership change, so the shape never depends on join order
// beyond the ring sequence.
type Graph struct {
	mu       sync.RWMutex
	kind     shared.SwarmTopology
	order    []string
	types    map[string]shared.AgentType
	roles    map[string]Role
	adjacent map[string]map[string]bool
}

// New returns an empty graph for kind.
func New(kind shared.SwarmTopology) *Graph {
	return &Graph{
		kind:     kind,
		types:    make(map[string]shared.AgentType),
		roles:    make(map[string]Role),
		adjacent: make(map[string]map[string]bool),
	}
}

// Topology returns the graph's kind.
func (g *Graph) Topology() shared.SwarmTopology {
	return g.kind
}

// Add inserts an agent. Adding a known agent is a no-op.
func (g *Graph) Add(agentID string, agentType shared.AgentType) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.types[agentID]; ok {
		return
	}
	g.order = append(g.order, agentID)
	g.types[agentID] = agentType
	g.rebuildLocked()
}

// Remove drops an agent and reports whether it was present.
func (g *Graph) Remove(agentID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.types[agentID]; !ok {
		return false
	}
	delete(g.types, agentID)
	for i, id := range g.order {
		if id == agentID {
			g.order = append(g.order[:i], g.order[i+1:]...)
			break
		}
	}
	g.rebuildLocked()
	return true
}

// Len returns the number of agents.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.order)
}

// Neighbors returns the agents directly connected to agentID, sorted.
func (g *Graph) Neighbors(agentID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return sortedKeys(g.adjacent[agentID])
}

// Role returns the agent's role, or "" when unknown.
func (g *Graph) Role(agentID string) Role {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.roles[agentID]
}

// Leads returns the lead agents in join order.
func (g *Graph) Leads() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.leadsLocked()
}

// Snapshot returns the current layout.
func (g *Graph) Snapshot() Layout {
	g.mu.RLock()
	defer g.mu.RUnlock()
	l := Layout{Topology: g.kind, Leads: g.leadsLocked(), Nodes: make([]Node, 0, len(g.order))}
	degree := 0
	for _, id := range g.order {
		conns := sortedKeys(g.adjacent[id])
		degree += len(conns)
		l.Nodes = append(l.Nodes, Node{AgentID: id, AgentType: g.types[id], Role: g.roles[id], Connections: conns})
	}
	l.Edges = degree / 2
	return l
}

func (g *Graph) leadsLocked() []string {
	var out []string
	for _, id := range g.order {
		if g.roles[id] == RoleLead {
			out = append(out, id)
		}
	}
	return out
}

// ============================================================================
// Edge construction
// ============================================================================

func (g *Graph) rebuildLocked() {
	g.adjacent = make(map[string]map[string]bool, len(g.order))
	g.roles = make(map[string]Role, len(g.order))
	for _, id := range g.order {
		g.adjacent[id] = make(map[string]bool)
	}
	if len(g.order) == 0 {
		return
	}

	switch g.kind {
	case shared.TopologyMesh, shared.TopologySpecsDriven:
		g.connectMesh(g.order)
		for _, id := range g.order {
			g.roles[id] = RolePeer
		}
	case shared.TopologyRing:
		g.connectRing()
	case shared.TopologyStar:
		g.connectStar()
	case shared.TopologyHybrid:
		g.connectTiers(true)
	default:
		g.connectTiers(false)
	}
}

func (g *Graph) link(a, b string) {
	if a == b {
		return
	}
	g.adjacent[a][b] = true
	g.adjacent[b][a] = true
}

func (g *Graph) connectMesh(ids []string) {
	for i := range ids {
		for j := i + 1; j < len(ids); j++ {
			g.link(ids[i], ids[j])
		}
	}
}

func (g *Graph) connectRing() {
	n := len(g.order)
	for i, id := range g.order {
		g.roles[id] = RolePeer
		if n > 1 {
			g.link(id, g.order[(i+1)%n])
		}
	}
}

// connectStar links every agent to the hub: the first coordinator, or the
// first agent when there is none.
func (g *Graph) connectStar() {
	hub := g.order[0]
	for _, id := range g.order {
		if isLeadType(g.types[id]) {
			hub = id
			break
		}
	}
	g.roles[hub] = RoleLead
	for _, id := range g.order {
		if id != hub {
			g.roles[id] = RoleWorker
			g.link(hub, id)
		}
	}
}

// connectTiers links leads to each other and spreads workers across leads
// round-robin. With meshGroups set, workers under the same lead are also
// linked to each other.
func (g *Graph) connectTiers(meshGroups bool) {
	var leads, workers []string
	for _, id := range g.order {
		if isLeadType(g.types[id]) {
			leads = append(leads, id)
		} else {
			workers = append(workers, id)
		}
	}
	if len(leads) == 0 {
		leads, workers = g.order[:1], g.order[1:]
	}
	for _, id := range leads {
		g.roles[id] = RoleLead
	}
	g.connectMesh(leads)

	groups := make([][]string, len(leads))
	for i, id := range workers {
		g.roles[id] = RoleWorker
		lead := i % len(leads)
		g.link(leads[lead], id)
		groups[lead] = append(groups[lead], id)
	}
	if meshGroups {
		for _, group := range groups {
			g.connectMesh(group)
		}
	}
}

func isLeadType(t shared.AgentType) bool {
	return t == shared.AgentTypeCoordinator || t == shared.AgentTypeArchitect
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
