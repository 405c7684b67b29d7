package job

import "testing"

func TestResolvePriority_ExplicitWins(t *testing.T) {
	explicit := 50
	workflow := 10
	p, source := ResolvePriority(&explicit, &workflow, 100)
	if p != 50 || source != PriorityFromJob {
		t.Fatalf("got (%d, %s), want (50, %s)", p, source, PriorityFromJob)
	}
}

func TestResolvePriority_WorkflowFallback(t *testing.T) {
	workflow := 10
	p, source := ResolvePriority(nil, &workflow, 100)
	if p != 10 || source != PriorityFromWorkflow {
		t.Fatalf("got (%d, %s), want (10, %s)", p, source, PriorityFromWorkflow)
	}
}

func TestResolvePriority_Default(t *testing.T) {
	p, source := ResolvePriority(nil, nil, 100)
	if p != 100 || source != PriorityFromDefault {
		t.Fatalf("got (%d, %s), want (100, %s)", p, source, PriorityFromDefault)
	}
}

func TestIsTerminal(t *testing.T) {
	terminal := []Status{StatusCompleted, StatusFailed, StatusCancelled, StatusUnworkable}
	for _, s := range terminal {
		if !IsTerminal(s) {
			t.Fatalf("expected %s to be terminal", s)
		}
	}

	nonTerminal := []Status{StatusPending, StatusAssigned, StatusActive, StatusCancelling}
	for _, s := range nonTerminal {
		if IsTerminal(s) {
			t.Fatalf("expected %s to be non-terminal", s)
		}
	}
}
