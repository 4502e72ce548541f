package state

import (
	"path/filepath"
	"testing"
)

func TestOpenEmptyStartsBlank(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "sessions.json"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if len(s.Keys()) != 0 {
		t.Fatalf("expected empty store, got %d keys", len(s.Keys()))
	}
}

func TestMutateQueueSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sessions.json")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	s.Mutate("dm:42", func(sess *Session) {
		sess.Workdir = "/tmp/work"
		AppendTask(sess, "echo hi")
	})

	if err := s.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	sess, ok := s2.Get("dm:42")
	if !ok {
		t.Fatalf("expected session dm:42 to persist")
	}
	if sess.Workdir != "/tmp/work" {
		t.Fatalf("workdir not persisted: %q", sess.Workdir)
	}
	if len(sess.Tasks) != 1 || sess.Tasks[0].Text != "echo hi" {
		t.Fatalf("task not persisted: %+v", sess.Tasks)
	}
}

func TestRestartResetDemotesRunningTask(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sessions.json")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s.Mutate("dm:1", func(sess *Session) {
		task := AppendTask(sess, "long running")
		task.Status = TaskRunning
		sess.TaskLoop = TaskLoopState{Running: true, CurrentTaskID: task.ID}
	})
	if err := s.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	sess, _ := s2.Get("dm:1")
	if sess.TaskLoop.Running || sess.TaskLoop.CurrentTaskID != "" {
		t.Fatalf("taskLoop not reset: %+v", sess.TaskLoop)
	}
	if sess.Tasks[0].Status != TaskPending {
		t.Fatalf("task not demoted: %+v", sess.Tasks[0])
	}
	if sess.Tasks[0].LastError != "interrupted by relay restart" {
		t.Fatalf("unexpected lastError: %q", sess.Tasks[0].LastError)
	}
}

func TestPendingCountAndDedup(t *testing.T) {
	sess := &Session{}
	AppendTask(sess, "a")
	AppendTask(sess, "b")
	if PendingCount(sess) != 2 {
		t.Fatalf("expected 2 pending, got %d", PendingCount(sess))
	}
	if !HasPendingOrRunningText(sess, "a") {
		t.Fatalf("expected dedup hit for existing pending text")
	}
	if HasPendingOrRunningText(sess, "c") {
		t.Fatalf("unexpected dedup hit for absent text")
	}
}
