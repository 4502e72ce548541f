// Package jobs implements the Background Job Manager (§4.7): it launches
// detached shell jobs via a wrapper script, tracks them in session state,
// watches their log tail and exit code on a timer, and supports
// cancellation and restart recovery.
package jobs

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/relaykit/internal/state"
)

// Manager launches and supervises background jobs (§4.7).
type Manager struct {
	jobsRoot string
}

// New creates a Manager rooted at jobsRoot (typically stateDir/jobs).
func New(jobsRoot string) *Manager {
	return &Manager{jobsRoot: jobsRoot}
}

// StartOptions configures a single job launch.
type StartOptions struct {
	ConvSlug string
	Command  string
	Workdir  string
	Watch    *state.JobWatchConfig

	// RunDir, when set, overrides RUN_DIR and the output redirection target:
	// the wrapper exports RUN_DIR=RunDir and appends to RunDir/stdout.log
	// instead of jobDir/job.log (§4.10 job_start: runs redirect under the
	// research project's exp/results/<runId>/ rather than the generic job
	// bookkeeping dir). Workdir (cd target) is unaffected.
	RunDir string
}

// Start creates the job directory, writes the detached wrapper script, and
// spawns it (§4.7 Launch). The relay holds no pipes to the child.
func (m *Manager) Start(opts StartOptions) (*state.Job, error) {
	jobID := "job-" + uuid.NewString()[:8]
	jobDir := filepath.Join(m.jobsRoot, opts.ConvSlug, jobID)
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		return nil, fmt.Errorf("jobs: mkdir job dir: %w", err)
	}

	runDir := opts.RunDir
	if runDir == "" {
		runDir = opts.Workdir
	}
	logPath := filepath.Join(jobDir, "job.log")
	if opts.RunDir != "" {
		logPath = filepath.Join(opts.RunDir, "stdout.log")
	}
	exitCodePath := filepath.Join(jobDir, "exit_code")
	pidPath := filepath.Join(jobDir, "pid")
	scriptPath := filepath.Join(jobDir, "run.sh")
	commandPath := filepath.Join(jobDir, "command.txt")

	if err := os.WriteFile(commandPath, []byte(opts.Command), 0o644); err != nil {
		return nil, fmt.Errorf("jobs: write command.txt: %w", err)
	}

	script := buildWrapperScript(opts.Command, opts.Workdir, runDir, logPath, exitCodePath, pidPath)
	if err := os.WriteFile(scriptPath, []byte(script), 0o755); err != nil {
		return nil, fmt.Errorf("jobs: write wrapper script: %w", err)
	}

	cmd := exec.Command("/bin/sh", scriptPath)
	cmd.Dir = opts.Workdir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("jobs: start wrapper: %w", err)
	}
	go func() { _ = cmd.Wait() }() // reap without holding the relay's own lifetime hostage

	job := &state.Job{
		ID:           jobID,
		Command:      opts.Command,
		Workdir:      opts.Workdir,
		Status:       state.JobRunning,
		StartedAt:    time.Now(),
		PID:          cmd.Process.Pid,
		JobDir:       jobDir,
		LogPath:      logPath,
		ExitCodePath: exitCodePath,
		PIDPath:      pidPath,
		Watch:        opts.Watch,
	}
	return job, nil
}

// buildWrapperScript mirrors the teacher's detached-shell-job idiom,
// generalized to the PID/RUN_ID/RUN_DIR/exit_code/SIGTERM-SIGINT contract
// in §4.7. runDir feeds RUN_DIR only; the process still cd's to workdir.
func buildWrapperScript(command, workdir, runDir, logPath, exitCodePath, pidPath string) string {
	var b strings.Builder
	b.WriteString("#!/bin/sh\n")
	b.WriteString("echo $$ > " + shQuote(pidPath) + "\n")
	b.WriteString("export RUN_ID=$$\n")
	b.WriteString("export RUN_DIR=" + shQuote(runDir) + "\n")
	b.WriteString("cd " + shQuote(workdir) + " || exit 1\n")
	b.WriteString("trap 'echo 143 > " + shQuote(exitCodePath) + "; exit 143' TERM\n")
	b.WriteString("trap 'echo 130 > " + shQuote(exitCodePath) + "; exit 130' INT\n")
	b.WriteString("(" + command + ") >> " + shQuote(logPath) + " 2>&1\n")
	b.WriteString("echo $? > " + shQuote(exitCodePath) + "\n")
	return b.String()
}

func shQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// TickResult is the outcome of one Watcher tick (§4.7 Watcher).
type TickResult struct {
	Finished    bool
	ExitCode    int
	TailChanged bool
	Header      string
	Tail        string
}

// Tick reads exit_code (if present) or the log tail, hashing the tail so
// callers only post an update when it changed (§4.7 step 2). lastTailHash
// is the hash recorded on the previous tick; Tick returns the new hash to
// carry forward.
func (m *Manager) Tick(job *state.Job, lastTailHash string) (TickResult, string, error) {
	tailLines := 100
	if job.Watch != nil && job.Watch.TailLines > 0 {
		tailLines = job.Watch.TailLines
	}

	if code, ok := readExitCode(job.ExitCodePath); ok {
		tail, _ := readTail(job.LogPath, tailLines)
		header := fmt.Sprintf("finished (exit %d)", code)
		return TickResult{Finished: true, ExitCode: code, Header: header, Tail: tail}, hashOf(tail), nil
	}

	tail, err := readTail(job.LogPath, tailLines)
	if err != nil {
		return TickResult{}, lastTailHash, fmt.Errorf("jobs: read tail: %w", err)
	}
	hash := hashOf(tail)
	changed := hash != lastTailHash

	if !changed && !isAlive(job.PID) {
		return TickResult{TailChanged: false}, hash, nil // avoid spam per §4.7 step 2
	}

	header := "no new output"
	if changed {
		header = "update"
	}
	return TickResult{TailChanged: changed, Header: header, Tail: tail}, hash, nil
}

func readExitCode(path string) (int, bool) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	code, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, false
	}
	return code, true
}

const maxTailBytes = 128 * 1024

// readTail returns up to maxLines trailing lines of path, bounded to
// maxTailBytes (§4.7 step 2).
func readTail(path string, maxLines int) (string, error) {
	if maxLines <= 0 {
		maxLines = 100
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	if info.Size() > maxTailBytes {
		if _, err := f.Seek(info.Size()-maxTailBytes, 0); err != nil {
			return "", err
		}
	}

	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if len(lines) > maxLines {
		lines = lines[len(lines)-maxLines:]
	}
	return strings.Join(lines, "\n"), nil
}

func hashOf(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func isAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// Cancel sends SIGTERM to the process group, then (best-effort) to the
// PID directly, per §4.7 Cancellation.
func (m *Manager) Cancel(job *state.Job) error {
	if job.PID <= 0 {
		return nil
	}
	_ = syscall.Kill(-job.PID, syscall.SIGTERM)
	_ = syscall.Kill(job.PID, syscall.SIGTERM)
	return nil
}
