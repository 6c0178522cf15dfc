package topology

import "github.com/blackms/hivemind-go/internal/shared"

var compositions = map[shared.SwarmTopology][]shared.AgentType{
	shared.TopologyHierarchical: {
		shared.AgentTypeCoordinator, shared.AgentTypeCoder, shared.AgentTypeCoder,
		shared.AgentTypeTester, shared.AgentTypeReviewer,
	},
	shared.TopologyMesh: {
		shared.AgentTypeResearcher, shared.AgentTypeCoder, shared.AgentTypeAnalyst, shared.AgentTypeTester,
	},
	shared.TopologyRing: {
		shared.AgentTypeResearcher, shared.AgentTypeCoder, shared.AgentTypeTester, shared.AgentTypeReviewer,
	},
	shared.TopologyStar: {
		shared.AgentTypeCoordinator, shared.AgentTypeCoder, shared.AgentTypeTester,
	},
	shared.TopologyHybrid: {
		shared.AgentTypeCoordinator, shared.AgentTypeArchitect, shared.AgentTypeCoder,
		shared.AgentTypeTester, shared.AgentTypeReviewer,
	},
	shared.TopologySpecsDriven: {
		shared.AgentTypeArchitect, shared.AgentTypeCoder, shared.AgentTypeTester, shared.AgentTypeDocumenter,
	},
}

// DefaultComposition returns the agent types a new swarm of this topology
// starts with, truncated to limit when limit > 0.
func DefaultComposition(kind shared.SwarmTopology, limit int) []shared.AgentType {
	types, ok := compositions[kind]
	if !ok {
		types = compositions[shared.TopologyHierarchical]
	}
	if limit > 0 && len(types) > limit {
		types = types[:limit]
	}
	return append([]shared.AgentType(nil), types...)
}
