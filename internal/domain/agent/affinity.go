package agent

import (
	"github.com/blackms/hivemind-go/internal/domain/task"
	"github.com/blackms/hivemind-go/internal/shared"
)

// defaultAffinity is used for pairs missing from the table.
const defaultAffinity = 5.0

// affinityTable scores how well an agent type suits a task category, 0-10.
var affinityTable = map[shared.AgentType]map[task.Category]float64{
	shared.AgentTypeCoordinator: {
		task.CategoryResearch: 5, task.CategoryDevelopment: 5, task.CategoryAnalysis: 5,
		task.CategoryTesting: 5, task.CategoryOptimization: 5, task.CategoryGeneral: 7,
	},
	shared.AgentTypeResearcher: {
		task.CategoryResearch: 10, task.CategoryDevelopment: 3, task.CategoryAnalysis: 7,
		task.CategoryTesting: 2, task.CategoryOptimization: 3, task.CategoryGeneral: 5,
	},
	shared.AgentTypeCoder: {
		task.CategoryResearch: 3, task.CategoryDevelopment: 10, task.CategoryAnalysis: 4,
		task.CategoryTesting: 6, task.CategoryOptimization: 7, task.CategoryGeneral: 5,
	},
	shared.AgentTypeAnalyst: {
		task.CategoryResearch: 7, task.CategoryDevelopment: 3, task.CategoryAnalysis: 10,
		task.CategoryTesting: 4, task.CategoryOptimization: 6, task.CategoryGeneral: 5,
	},
	shared.AgentTypeArchitect: {
		task.CategoryResearch: 5, task.CategoryDevelopment: 8, task.CategoryAnalysis: 7,
		task.CategoryTesting: 3, task.CategoryOptimization: 6, task.CategoryGeneral: 6,
	},
	shared.AgentTypeTester: {
		task.CategoryResearch: 2, task.CategoryDevelopment: 4, task.CategoryAnalysis: 5,
		task.CategoryTesting: 10, task.CategoryOptimization: 4, task.CategoryGeneral: 4,
	},
	shared.AgentTypeReviewer: {
		task.CategoryResearch: 3, task.CategoryDevelopment: 5, task.CategoryAnalysis: 8,
		task.CategoryTesting: 7, task.CategoryOptimization: 4, task.CategoryGeneral: 5,
	},
	shared.AgentTypeOptimizer: {
		task.CategoryResearch: 3, task.CategoryDevelopment: 6, task.CategoryAnalysis: 7,
		task.CategoryTesting: 4, task.CategoryOptimization: 10, task.CategoryGeneral: 4,
	},
	shared.AgentTypeDocumenter: {
		task.CategoryResearch: 6, task.CategoryDevelopment: 3, task.CategoryAnalysis: 5,
		task.CategoryTesting: 2, task.CategoryOptimization: 2, task.CategoryGeneral: 6,
	},
	shared.AgentTypeMonitor: {
		task.CategoryResearch: 2, task.CategoryDevelopment: 2, task.CategoryAnalysis: 6,
		task.CategoryTesting: 4, task.CategoryOptimization: 5, task.CategoryGeneral: 4,
	},
	shared.AgentTypeSpecialist: {
		task.CategoryResearch: 6, task.CategoryDevelopment: 6, task.CategoryAnalysis: 6,
		task.CategoryTesting: 6, task.CategoryOptimization: 6, task.CategoryGeneral: 6,
	},
	shared.AgentTypeSecurity: {
		task.CategoryResearch: 5, task.CategoryDevelopment: 4, task.CategoryAnalysis: 7,
		task.CategoryTesting: 7, task.CategoryOptimization: 3, task.CategoryGeneral: 4,
	},
	shared.AgentTypeDevOps: {
		task.CategoryResearch: 2, task.CategoryDevelopment: 6, task.CategoryAnalysis: 4,
		task.CategoryTesting: 6, task.CategoryOptimization: 7, task.CategoryGeneral: 5,
	},
}

// Affinity returns the suitability of agent type t for category c.
func Affinity(t shared.AgentType, c task.Category) float64 {
	if row, ok := affinityTable[t]; ok {
		if v, ok := row[c]; ok {
			return v
		}
	}
	return defaultAffinity
}
