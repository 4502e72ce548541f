package jobs

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/relaykit/internal/state"
)

func TestStartCreatesJobDirAndWrapper(t *testing.T) {
	root := t.TempDir()
	mgr := New(root)

	job, err := mgr.Start(StartOptions{
		ConvSlug: "dm-user1",
		Command:  "echo hello",
		Workdir:  t.TempDir(),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if job.PID <= 0 {
		t.Fatalf("expected a positive PID, got %d", job.PID)
	}
	if _, err := os.Stat(job.LogPath); err != nil && !os.IsNotExist(err) {
		t.Fatalf("unexpected stat error on log path: %v", err)
	}

	// Wait for the detached wrapper to finish and write its exit code.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := readExitCode(job.ExitCodePath); ok {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("wrapper script never wrote exit_code")
}

func TestStartWithRunDirRedirectsOutputAndRunDirEnv(t *testing.T) {
	root := t.TempDir()
	mgr := New(root)
	runDir := filepath.Join(t.TempDir(), "exp", "results", "r0001")
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		t.Fatal(err)
	}

	job, err := mgr.Start(StartOptions{
		ConvSlug: "research-proj",
		Command:  "echo \"run_dir=$RUN_DIR\"",
		Workdir:  t.TempDir(),
		RunDir:   runDir,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if job.LogPath != filepath.Join(runDir, "stdout.log") {
		t.Fatalf("expected log path under run dir, got %q", job.LogPath)
	}
	if _, err := os.Stat(filepath.Join(job.JobDir, "command.txt")); err != nil {
		t.Fatalf("expected command.txt to be written: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := readExitCode(job.ExitCodePath); ok {
			raw, err := os.ReadFile(job.LogPath)
			if err != nil {
				t.Fatalf("expected stdout.log under run dir: %v", err)
			}
			if !strings.Contains(string(raw), "run_dir="+runDir) {
				t.Fatalf("expected RUN_DIR to be set to the run dir, got %q", raw)
			}
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("wrapper script never wrote exit_code")
}

func TestTickReadsExitCodeWhenPresent(t *testing.T) {
	dir := t.TempDir()
	exitCodePath := filepath.Join(dir, "exit_code")
	logPath := filepath.Join(dir, "job.log")
	os.WriteFile(exitCodePath, []byte("0\n"), 0o644)
	os.WriteFile(logPath, []byte("line1\nline2\n"), 0o644)

	mgr := New(dir)
	job := &state.Job{ExitCodePath: exitCodePath, LogPath: logPath, Watch: &state.JobWatchConfig{TailLines: 10}}

	result, _, err := mgr.Tick(job, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Finished || result.ExitCode != 0 {
		t.Fatalf("expected finished with exit 0, got %+v", result)
	}
}

func TestTickDetectsTailChange(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "job.log")
	exitCodePath := filepath.Join(dir, "exit_code")
	os.WriteFile(logPath, []byte("first\n"), 0o644)

	mgr := New(dir)
	job := &state.Job{ExitCodePath: exitCodePath, LogPath: logPath, PID: os.Getpid(), Watch: &state.JobWatchConfig{TailLines: 10}}

	_, hash1, err := mgr.Tick(job, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	os.WriteFile(logPath, []byte("first\nsecond\n"), 0o644)
	result2, hash2, err := mgr.Tick(job, hash1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result2.TailChanged {
		t.Fatalf("expected tail change to be detected")
	}
	if hash1 == hash2 {
		t.Fatalf("expected hash to change alongside tail content")
	}
}

func TestTickSkipsWhenDeadAndUnchanged(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "job.log")
	exitCodePath := filepath.Join(dir, "exit_code")
	os.WriteFile(logPath, []byte("only output\n"), 0o644)

	mgr := New(dir)
	job := &state.Job{ExitCodePath: exitCodePath, LogPath: logPath, PID: 999999999, Watch: &state.JobWatchConfig{TailLines: 10}}

	_, hash1, _ := mgr.Tick(job, "")
	result2, _, err := mgr.Tick(job, hash1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result2.TailChanged {
		t.Fatalf("expected no spam when pid is dead and tail unchanged")
	}
}
