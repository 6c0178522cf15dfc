package task

import (
	"testing"

	"github.com/blackms/hivemind-go/internal/shared"
)

func TestCategorize(t *testing.T) {
	tests := []struct {
		desc string
		want Category
	}{
		{"Research caching strategies for the API", CategoryResearch},
		{"implement the login endpoint", CategoryDevelopment},
		{"Analyze the latency distribution", CategoryAnalysis},
		{"verify the coverage of the parser tests", CategoryTesting},
		{"optimize query performance", CategoryOptimization},
		{"tidy up", CategoryGeneral},
		// One hit each; research comes first.
		{"investigate and build", CategoryResearch},
	}
	for _, tt := range tests {
		if got := Categorize(tt.desc); got != tt.want {
			t.Errorf("Categorize(%q) = %s, expected %s", tt.desc, got, tt.want)
		}
	}
}

func TestAnalyzeComplexity(t *testing.T) {
	simple := Analyze(&shared.Task{ID: "t1", Description: "fix typo", Priority: shared.PriorityLow})
	if simple.Complexity != ComplexityLow || simple.SuggestedAgents != 1 {
		t.Fatalf("expected low complexity with one agent, got %s/%d", simple.Complexity, simple.SuggestedAgents)
	}

	hard := Analyze(&shared.Task{
		ID:                   "t2",
		Description:          "implement the distributed cache layer with eviction",
		Priority:             shared.PriorityCritical,
		Dependencies:         []string{"a", "b", "c"},
		RequiredCapabilities: []string{"code_generation", "performance_optimization"},
	})
	if hard.Complexity != ComplexityHigh || hard.SuggestedAgents != 3 {
		t.Fatalf("expected high complexity with three agents, got %s (%.2f)", hard.Complexity, hard.ComplexityScore)
	}
	if hard.Category != CategoryDevelopment {
		t.Fatalf("expected development, got %s", hard.Category)
	}
	if hard.EstimatedDurationMs <= simple.EstimatedDurationMs {
		t.Fatal("expected harder tasks to take longer")
	}
}

func TestAssignRejectsOversizedAndFinished(t *testing.T) {
	tk := &shared.Task{ID: "t1", Status: shared.TaskStatusPending, MaxAgents: 2}
	if err := Assign(tk, []string{"a1", "a2", "a3"}, 10); !shared.IsCapacity(err) {
		t.Fatalf("expected capacity error, got %v", err)
	}
	if err := Assign(tk, []string{"a1", "a2"}, 10); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if tk.Status != shared.TaskStatusAssigned || tk.AssignedAt != 10 {
		t.Fatalf("expected assigned at 10, got %s at %d", tk.Status, tk.AssignedAt)
	}

	Cancel(tk, 20)
	if err := Assign(tk, []string{"a1"}, 30); err == nil {
		t.Fatal("expected assigning a cancelled task to fail")
	}
}

func TestProgressNeverDecreases(t *testing.T) {
	tk := &shared.Task{ID: "t1", AssignedAgents: []string{"a1", "a2"}}

	if got := SetAgentProgress(tk, "a1", 80); got != 40 {
		t.Fatalf("expected 40, got %d", got)
	}
	if got := SetAgentProgress(tk, "a1", 20); got != 40 {
		t.Fatalf("expected a lower report to be ignored, got %d", got)
	}
	if got := SetAgentProgress(tk, "a2", 40); got != 60 {
		t.Fatalf("expected 60, got %d", got)
	}

	// Swapping a2 out drops its share, but the task keeps what it reported.
	if !Replace(tk, "a2", "a3") {
		t.Fatal("expected a2 to be replaced")
	}
	if got := SetAgentProgress(tk, "a3", 10); got != 60 {
		t.Fatalf("expected progress to hold at 60, got %d", got)
	}
	if tk.Metadata[MetaReassignments] != 1 {
		t.Fatalf("expected one reassignment, got %v", tk.Metadata[MetaReassignments])
	}
	if Replace(tk, "missing", "a4") {
		t.Fatal("expected replacing an unassigned agent to be a no-op")
	}
}

func TestUnassignReturnsEmptyTaskToPending(t *testing.T) {
	tk := &shared.Task{ID: "t1", Status: shared.TaskStatusInProgress, AssignedAgents: []string{"a1", "a2"}, AssignedAt: 5}
	if !Unassign(tk, "a1") {
		t.Fatal("expected a1 to be removed")
	}
	if tk.Status != shared.TaskStatusInProgress || len(tk.AssignedAgents) != 1 {
		t.Fatalf("expected a2 to keep the task running, got %s %v", tk.Status, tk.AssignedAgents)
	}
	if Unassign(tk, "a1") {
		t.Fatal("expected a second removal to be a no-op")
	}
	Unassign(tk, "a2")
	if tk.Status != shared.TaskStatusPending || tk.AssignedAgents != nil || tk.AssignedAt != 0 {
		t.Fatalf("expected a pending task without agents, got %s %v", tk.Status, tk.AssignedAgents)
	}
}

func TestCompleteWaitsForEveryAgent(t *testing.T) {
	tk := &shared.Task{ID: "t1", Status: shared.TaskStatusInProgress, AssignedAgents: []string{"a1", "a2"}}

	if Complete(tk, "a1", map[string]interface{}{"ok": true}, 100) {
		t.Fatal("expected the task to wait for a2")
	}
	if tk.Status != shared.TaskStatusInProgress || tk.Progress != 50 {
		t.Fatalf("expected in progress at 50, got %s at %d", tk.Status, tk.Progress)
	}
	if !Complete(tk, "a2", map[string]interface{}{"ok": true}, 200) {
		t.Fatal("expected the task to complete")
	}
	if tk.Status != shared.TaskStatusCompleted || tk.Progress != 100 || tk.CompletedAt != 200 {
		t.Fatalf("expected completed at 200, got %s/%d/%d", tk.Status, tk.Progress, tk.CompletedAt)
	}
	if Fail(tk, "late", 300) {
		t.Fatal("expected a finished task to ignore failure")
	}
	if tk.Error != "" {
		t.Fatalf("expected no error on a completed task, got %q", tk.Error)
	}
}

func TestSortByPriority(t *testing.T) {
	tasks := []*shared.Task{
		{ID: "low", Priority: shared.PriorityLow, CreatedAt: 1},
		{ID: "high-late", Priority: shared.PriorityHigh, CreatedAt: 5},
		{ID: "critical", Priority: shared.PriorityCritical, CreatedAt: 9},
		{ID: "high-early", Priority: shared.PriorityHigh, CreatedAt: 2},
	}
	SortByPriority(tasks)
	want := []string{"critical", "high-early", "high-late", "low"}
	for i, id := range want {
		if tasks[i].ID != id {
			t.Fatalf("position %d: expected %s, got %s", i, id, tasks[i].ID)
		}
	}
}

func TestDependenciesAndDuration(t *testing.T) {
	tk := &shared.Task{Dependencies: []string{"a", "b"}, CreatedAt: 100, AssignedAt: 150, CompletedAt: 400}
	if DependenciesResolved(tk, map[string]bool{"a": true}) {
		t.Fatal("expected b to block the task")
	}
	if !DependenciesResolved(tk, map[string]bool{"a": true, "b": true}) {
		t.Fatal("expected the task to be ready")
	}
	if d := Duration(tk); d != 250 {
		t.Fatalf("expected 250ms, got %d", d)
	}
}

func TestPlanHelpers(t *testing.T) {
	var nilPlan *ExecutionPlan
	if len(nilPlan.PhaseList()) != 3 {
		t.Fatal("expected default phases for a nil plan")
	}
	if _, ok := nilPlan.AssignmentFor("a1"); ok {
		t.Fatal("expected no assignment on a nil plan")
	}

	cps := SpreadCheckpoints([]string{"kickoff", "midpoint", "review"})
	if cps[0].Progress != 25 || cps[1].Progress != 50 || cps[2].Progress != 75 {
		t.Fatalf("expected 25/50/75, got %+v", cps)
	}
	if Progress(1, 3) != 33 || Progress(3, 3) != 100 || Progress(0, 0) != 100 {
		t.Fatal("unexpected progress arithmetic")
	}
}
