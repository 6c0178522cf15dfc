package task

import (
	"strings"

	"github.com/blackms/hivemind-go/internal/shared"
)

// Category is the kind of work a task description asks for.
type Category string

const (
	CategoryResearch     Category = "research"
	CategoryDevelopment  Category = "development"
	CategoryAnalysis     Category = "analysis"
	CategoryTesting      Category = "testing"
	CategoryOptimization Category = "optimization"
	CategoryGeneral      Category = "general"
)

// Categories lists the detected categories in match order.
var Categories = []Category{
	CategoryResearch,
	CategoryDevelopment,
	CategoryAnalysis,
	CategoryTesting,
	CategoryOptimization,
}

var categoryKeywords = map[Category][]string{
	CategoryResearch:     {"research", "investigate", "explore", "find", "discover", "survey", "study"},
	CategoryDevelopment:  {"implement", "build", "create", "develop", "code", "write", "endpoint", "feature", "refactor"},
	CategoryAnalysis:     {"analyze", "analyse", "analysis", "evaluate", "assess", "review", "examine", "measure"},
	CategoryTesting:      {"test", "verify", "validate", "check", "qa", "coverage"},
	CategoryOptimization: {"optimize", "optimise", "improve", "performance", "speed", "tune", "enhance"},
}

// Categorize picks the category with the most keyword hits in the
// description. Ties go to the earlier category in Categories; no hits is
// general.
func Categorize(description string) Category {
	words := tokenize(description)
	best, bestHits := CategoryGeneral, 0
	for _, c := range Categories {
		hits := 0
		for _, w := range words {
			for _, kw := range categoryKeywords[c] {
				if w == kw || (len(kw) > 3 && strings.HasPrefix(w, kw)) {
					hits++
					break
				}
			}
		}
		if hits > bestHits {
			best, bestHits = c, hits
		}
	}
	return best
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '_')
	})
}

// Complexity buckets the complexity score.
type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

// Analysis is the result of inspecting a task before scheduling it.
type Analysis struct {
	TaskID               string     `json:"taskId"`
	Category             Category   `json:"category"`
	Complexity           Complexity `json:"complexity"`
	ComplexityScore      float64    `json:"complexityScore"` // 0.0 - 1.0
	RequiredCapabilities []string   `json:"requiredCapabilities,omitempty"`
	EstimatedDurationMs  int64      `json:"estimatedDurationMs"`
	SuggestedAgents      int        `json:"suggestedAgents"`
}

// Analyze derives the category and a complexity estimate from the task's
// description, dependencies, required capabilities and priority.
func Analyze(t *shared.Task) Analysis {
	words := len(tokenize(t.Description))

	score := minFloat(float64(words)/40, 1) * 0.4
	score += minFloat(float64(len(t.Dependencies))*0.1, 0.2)
	score += minFloat(float64(len(t.RequiredCapabilities))*0.1, 0.2)
	switch t.Priority {
	case shared.PriorityCritical:
		score += 0.2
	case shared.PriorityHigh:
		score += 0.1
	}
	if score > 1 {
		score = 1
	}

	complexity := ComplexityLow
	switch {
	case score >= 0.6:
		complexity = ComplexityHigh
	case score >= 0.3:
		complexity = ComplexityMedium
	}

	suggested := 1
	switch complexity {
	case ComplexityMedium:
		suggested = 2
	case ComplexityHigh:
		suggested = 3
	}

	return Analysis{
		TaskID:               t.ID,
		Category:             Categorize(t.Description),
		Complexity:           complexity,
		ComplexityScore:      score,
		RequiredCapabilities: shared.CopyStrings(t.RequiredCapabilities),
		EstimatedDurationMs:  int64(60_000 * (1 + 4*score)),
		SuggestedAgents:      suggested,
	}
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
