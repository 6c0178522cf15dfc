package commands

import (
	"testing"

	"github.com/blackms/hivemind-go/pkg/hivemind"
)

func TestParseAgentSpec(t *testing.T) {
	specs, err := parseAgentSpec("coder=2, tester ,,reviewer=1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []agentSpec{
		{hivemind.AgentTypeCoder, 2},
		{hivemind.AgentTypeTester, 1},
		{hivemind.AgentTypeReviewer, 1},
	}
	if len(specs) != len(want) {
		t.Fatalf("expected %d specs, got %d", len(want), len(specs))
	}
	for i := range want {
		if specs[i] != want[i] {
			t.Errorf("spec %d: expected %+v, got %+v", i, want[i], specs[i])
		}
	}

	if specs, err := parseAgentSpec(""); err != nil || len(specs) != 0 {
		t.Fatalf("expected no specs for empty input, got %v, %v", specs, err)
	}
	for _, bad := range []string{"wizard", "coder=0", "coder=two"} {
		if _, err := parseAgentSpec(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}

func TestShortID(t *testing.T) {
	if got := shortID(""); got != "-" {
		t.Fatalf("expected -, got %q", got)
	}
	if got := shortID("0123456789"); got != "01234567" {
		t.Fatalf("expected 01234567, got %q", got)
	}
}
