// Package agent provides the worker agent: its type catalog, the
// type-by-category affinity table, and the Worker that executes tasks.
package agent

import (
	"sort"
	"sync"

	"github.com/blackms/hivemind-go/internal/shared"
)

// TypeSpec describes the defaults of an agent type.
type TypeSpec struct {
	Type             shared.AgentType `json:"type"`
	Role             string           `json:"role"`
	Capabilities     []string         `json:"capabilities"`
	Responsibilities []string         `json:"responsibilities"`
	Description      string           `json:"description"`
}

// TypeRegistry holds the type catalog.
type TypeRegistry struct {
	mu    sync.RWMutex
	specs map[shared.AgentType]*TypeSpec

	// Index for capability lookups
	byCapability map[string][]shared.AgentType
}

// NewTypeRegistry creates a registry holding the built-in specs.
func NewTypeRegistry() *TypeRegistry {
	r := &TypeRegistry{
		specs:        make(map[shared.AgentType]*TypeSpec),
		byCapability: make(map[string][]shared.AgentType),
	}
	for i := range defaultSpecs {
		spec := defaultSpecs[i]
		r.Register(&spec)
	}
	return r
}

var defaultSpecs = []TypeSpec{
	{
		Type:             shared.AgentTypeCoordinator,
		Role:             "lead",
		Capabilities:     []string{"orchestration", "delegation", "consensus"},
		Responsibilities: []string{"coordinate team members", "track checkpoints", "resolve blockers"},
		Description:      "Team coordination",
	},
	{
		Type:             shared.AgentTypeResearcher,
		Role:             "investigator",
		Capabilities:     []string{"research", "information_gathering", "documentation_review"},
		Responsibilities: []string{"gather requirements", "survey prior work", "summarize findings"},
		Description:      "Information gathering",
	},
	{
		Type:             shared.AgentTypeCoder,
		Role:             "implementer",
		Capabilities:     []string{"code_generation", "implementation", "refactoring", "debugging"},
		Responsibilities: []string{"implement solution", "write unit tests", "document changes"},
		Description:      "Code development",
	},
	{
		Type:             shared.AgentTypeAnalyst,
		Role:             "analyst",
		Capabilities:     []string{"data_analysis", "pattern_recognition", "reporting"},
		Responsibilities: []string{"analyze data", "identify patterns", "report insights"},
		Description:      "Data and pattern analysis",
	},
	{
		Type:             shared.AgentTypeArchitect,
		Role:             "designer",
		Capabilities:     []string{"system_design", "architecture", "planning"},
		Responsibilities: []string{"design structure", "define interfaces", "review feasibility"},
		Description:      "System design",
	},
	{
		Type:             shared.AgentTypeTester,
		Role:             "validator",
		Capabilities:     []string{"testing", "quality_assurance", "test_automation"},
		Responsibilities: []string{"write test cases", "run test suites", "report defects"},
		Description:      "Testing",
	},
	{
		Type:             shared.AgentTypeReviewer,
		Role:             "reviewer",
		Capabilities:     []string{"code_review", "quality_assurance", "security_audit"},
		Responsibilities: []string{"review changes", "check standards", "approve or request changes"},
		Description:      "Review and quality checks",
	},
	{
		Type:             shared.AgentTypeOptimizer,
		Role:             "optimizer",
		Capabilities:     []string{"performance_optimization", "profiling"},
		Responsibilities: []string{"profile hot paths", "apply optimizations", "measure improvement"},
		Description:      "Performance optimization",
	},
	{
		Type:             shared.AgentTypeDocumenter,
		Role:             "writer",
		Capabilities:     []string{"documentation", "technical_writing"},
		Responsibilities: []string{"write documentation", "update examples", "keep references current"},
		Description:      "Documentation",
	},
	{
		Type:             shared.AgentTypeMonitor,
		Role:             "observer",
		Capabilities:     []string{"monitoring", "alerting", "health_checks"},
		Responsibilities: []string{"watch health signals", "raise alerts", "record metrics"},
		Description:      "Monitoring",
	},
	{
		Type:             shared.AgentTypeSpecialist,
		Role:             "specialist",
		Capabilities:     []string{"domain_expertise"},
		Responsibilities: []string{"apply domain expertise", "advise team members", "verify domain constraints"},
		Description:      "Domain specialist",
	},
	{
		Type:             shared.AgentTypeSecurity,
		Role:             "auditor",
		Capabilities:     []string{"security_audit", "threat_modeling"},
		Responsibilities: []string{"model threats", "audit changes", "report vulnerabilities"},
		Description:      "Security review",
	},
	{
		Type:             shared.AgentTypeDevOps,
		Role:             "operator",
		Capabilities:     []string{"deployment", "infrastructure", "ci_cd"},
		Responsibilities: []string{"prepare environments", "automate delivery", "monitor rollout"},
		Description:      "Delivery and operations",
	},
}

// Register adds or replaces a spec.
func (r *TypeRegistry) Register(spec *TypeSpec) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.specs[spec.Type]; ok {
		for _, c := range old.Capabilities {
			r.byCapability[c] = removeType(r.byCapability[c], spec.Type)
		}
	}
	r.specs[spec.Type] = spec
	for _, c := range spec.Capabilities {
		r.byCapability[c] = append(r.byCapability[c], spec.Type)
	}
}

func removeType(types []shared.AgentType, t shared.AgentType) []shared.AgentType {
	out := types[:0]
	for _, v := range types {
		if v != t {
			out = append(out, v)
		}
	}
	return out
}

// Spec returns a copy of the spec for t.
func (r *TypeRegistry) Spec(t shared.AgentType) (TypeSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	spec, ok := r.specs[t]
	if !ok {
		return TypeSpec{}, false
	}
	c := *spec
	c.Capabilities = shared.CopyStrings(spec.Capabilities)
	c.Responsibilities = shared.CopyStrings(spec.Responsibilities)
	return c, true
}

// Capabilities returns the default capabilities of t.
func (r *TypeRegistry) Capabilities(t shared.AgentType) []string {
	spec, _ := r.Spec(t)
	return shared.CopyStrings(spec.Capabilities)
}

// Responsibilities returns the plan responsibilities of t.
func (r *TypeRegistry) Responsibilities(t shared.AgentType) []string {
	spec, ok := r.Spec(t)
	if !ok || len(spec.Responsibilities) == 0 {
		return []string{"execute assigned work", "report progress"}
	}
	return spec.Responsibilities
}

// Role returns the plan role of t.
func (r *TypeRegistry) Role(t shared.AgentType) string {
	spec, ok := r.Spec(t)
	if !ok || spec.Role == "" {
		return "contributor"
	}
	return spec.Role
}

// ListByCapability returns the types advertising capability, sorted.
func (r *TypeRegistry) ListByCapability(capability string) []shared.AgentType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]shared.AgentType, len(r.byCapability[capability]))
	copy(result, r.byCapability[capability])
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result
}

// FindBestMatch returns the type whose default capabilities cover the
// largest share of required, with the share.
func (r *TypeRegistry) FindBestMatch(required []string) (shared.AgentType, float64) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]shared.AgentType, 0, len(r.specs))
	for t := range r.specs {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	var bestType shared.AgentType
	bestScore := 0.0
	for _, t := range types {
		score := coverage(r.specs[t].Capabilities, required)
		if score > bestScore {
			bestType, bestScore = t, score
		}
	}
	return bestType, bestScore
}

func coverage(capabilities, required []string) float64 {
	if len(required) == 0 {
		return 0
	}
	set := make(map[string]bool, len(capabilities))
	for _, c := range capabilities {
		set[c] = true
	}
	matches := 0
	for _, req := range required {
		if set[req] {
			matches++
		}
	}
	return float64(matches) / float64(len(required))
}
