package workflow

import "testing"

func TestCanTransition(t *testing.T) {
	if !CanTransition(TaskStatusPending, TaskStatusInProgress) {
		t.Fatalf("expected pending -> in progress to be allowed")
	}
	if !CanTransition("pending", "completed") {
		t.Fatalf("expected case-insensitive pending -> completed to be allowed")
	}
	if CanTransition(TaskStatusCompleted, TaskStatusInProgress) {
		t.Fatalf("expected completed -> in progress to be blocked")
	}
}

func TestEventTypeForTransition(t *testing.T) {
	if ev := EventTypeForTransition(TaskStatusPending, TaskStatusInProgress); ev != TaskEventStarted {
		t.Fatalf("expected %s, got %q", TaskEventStarted, ev)
	}
	if ev := EventTypeForTransition(TaskStatusCompleted, TaskStatusCompleted); ev != "" {
		t.Fatalf("expected no event for unchanged status, got %q", ev)
	}
}

func TestCount(t *testing.T) {
	got := Count([]string{"PENDING", "pending", "IN_PROGRESS_NOW", "COMPLETED", "CANCELLED"})
	want := Counts{Pending: 2, InProgress: 1, Completed: 1, Other: 1}
	if got != want {
		t.Fatalf("unexpected counts: %+v", got)
	}
}
