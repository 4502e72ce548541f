package tasks

import (
	"context"
	"fmt"
	"testing"

	"github.com/nextlevelbuilder/relaykit/internal/state"
)

func TestRunExecutesSingleTaskToCompletion(t *testing.T) {
	sess := &state.Session{Key: "dm:u1"}
	state.AppendTask(sess, "write a test")

	invoke := func(ctx context.Context, prompt string) (string, error) {
		if !contains(prompt, "[TASK t-0001]") {
			t.Fatalf("expected wrapper prompt to include task header, got %q", prompt)
		}
		return "done writing the test [[task:done]]", nil
	}

	var summary Summary
	Run(context.Background(), sess, invoke, Hooks{
		PostSummary: func(s Summary) { summary = s },
	}, func() bool { return false }, false, func() {})

	if sess.TaskLoop.Running {
		t.Fatalf("expected taskLoop.running to clear on exit")
	}
	if sess.Tasks[0].Status != state.TaskDone {
		t.Fatalf("expected task done, got %s", sess.Tasks[0].Status)
	}
	if summary.Done != 1 {
		t.Fatalf("expected summary.done==1, got %+v", summary)
	}
}

func TestRunStopsAtBlockedMarker(t *testing.T) {
	sess := &state.Session{Key: "dm:u1"}
	state.AppendTask(sess, "task A")
	state.AppendTask(sess, "task B")

	calls := 0
	invoke := func(ctx context.Context, prompt string) (string, error) {
		calls++
		return "need clarification [[task:blocked]]", nil
	}

	Run(context.Background(), sess, invoke, Hooks{}, func() bool { return false }, false, func() {})

	if calls != 1 {
		t.Fatalf("expected the loop to stop after the first blocked task, got %d calls", calls)
	}
	if sess.Tasks[0].Status != state.TaskBlocked {
		t.Fatalf("expected first task blocked, got %s", sess.Tasks[0].Status)
	}
	if sess.Tasks[1].Status != state.TaskPending {
		t.Fatalf("expected second task to remain pending, got %s", sess.Tasks[1].Status)
	}
}

func TestRunStopsAfterFailureWhenStopOnError(t *testing.T) {
	sess := &state.Session{Key: "dm:u1"}
	state.AppendTask(sess, "task A")
	state.AppendTask(sess, "task B")

	calls := 0
	invoke := func(ctx context.Context, prompt string) (string, error) {
		calls++
		return "", fmt.Errorf("boom")
	}

	Run(context.Background(), sess, invoke, Hooks{}, func() bool { return false }, true, func() {})

	if calls != 1 {
		t.Fatalf("expected the loop to stop after the first failed task, got %d calls", calls)
	}
	if sess.Tasks[0].Status != state.TaskFailed {
		t.Fatalf("expected first task failed, got %s", sess.Tasks[0].Status)
	}
	if sess.Tasks[1].Status != state.TaskPending {
		t.Fatalf("expected second task to remain pending, got %s", sess.Tasks[1].Status)
	}
}

func TestRunContinuesAfterFailureWithoutStopOnError(t *testing.T) {
	sess := &state.Session{Key: "dm:u1"}
	state.AppendTask(sess, "task A")
	state.AppendTask(sess, "task B")

	calls := 0
	invoke := func(ctx context.Context, prompt string) (string, error) {
		calls++
		if calls == 1 {
			return "", fmt.Errorf("boom")
		}
		return "done [[task:done]]", nil
	}

	Run(context.Background(), sess, invoke, Hooks{}, func() bool { return false }, false, func() {})

	if calls != 2 {
		t.Fatalf("expected the loop to continue to the second task, got %d calls", calls)
	}
	if sess.Tasks[0].Status != state.TaskFailed {
		t.Fatalf("expected first task failed, got %s", sess.Tasks[0].Status)
	}
	if sess.Tasks[1].Status != state.TaskDone {
		t.Fatalf("expected second task done, got %s", sess.Tasks[1].Status)
	}
}

func TestRunRefusesWhenAlreadyRunningIsCallerResponsibility(t *testing.T) {
	sess := &state.Session{Key: "dm:u1"}
	sess.TaskLoop.Running = true
	// Run itself does not check "already running" — callers (the Command
	// Dispatcher / action executor) must refuse a second Run per §4.8 Start.
	if !sess.TaskLoop.Running {
		t.Fatalf("expected taskLoop.running to be a caller-visible guard")
	}
}

func TestBuildWrapperPromptIncludesMarkerInstructions(t *testing.T) {
	task := &state.Task{ID: "t-0001", Text: "do the thing"}
	prompt := buildWrapperPrompt(task)
	if !contains(prompt, "[[task:done]]") || !contains(prompt, "[[task:blocked]]") {
		t.Fatalf("expected both completion markers mentioned in the wrapper prompt")
	}
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
