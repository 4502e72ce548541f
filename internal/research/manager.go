package research

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/relaykit/internal/errkind"
)

// InvokeFunc runs one agent turn against the manager conversation,
// returning the agent's final text (§4.10 step 7).
type InvokeFunc func(ctx context.Context, prompt string) (string, error)

// ActionRunner is the set of side effects ValidateActions' survivors may
// trigger, injected so this package stays decoupled from internal/jobs
// and internal/tasks (§4.10 Research Actions table).
type ActionRunner struct {
	// StartJob starts a background job for the given (pre-allocated) runID,
	// wrapping the command to export RUN_ID/RUN_DIR and redirect to
	// stdout.log under exp/results/<runID>/, returning its paths.
	StartJob func(runID, command string, watch *Watch) (runDir, stdoutPath, metricsPath string, err error)
	WatchJob func(watch *Watch) error
	StopJob  func() error
	AddTask  func(text string) bool
	RunTask  func()
}

// Config tunes the manager loop (§6.5 research* keys).
type Config struct {
	LeaseTTL         time.Duration
	InflightTTL      time.Duration
	ActionsAllowed   map[ActionType]bool
	MaxActionsPerStep int
}

func (c Config) withDefaults() Config {
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 2 * time.Minute
	}
	if c.InflightTTL <= 0 {
		c.InflightTTL = 10 * time.Minute
	}
	return c
}

// StepOutcome summarizes what runResearchManagerStep did, for posting to
// chat and for tests (§4.10 step 3/4/9/11/12).
type StepOutcome string

const (
	OutcomeWaiting  StepOutcome = "waiting"
	OutcomeSkipped  StepOutcome = "skipped"
	OutcomeBlocked  StepOutcome = "blocked"
	OutcomeApplied  StepOutcome = "applied"
	OutcomeDuplicate StepOutcome = "duplicate"
)

// Step runs one iteration of the manager loop against projectRoot,
// implementing §4.10's 12-step algorithm.
func Step(ctx context.Context, projectRoot string, cfg Config, invoke InvokeFunc, buildPrompt func(s *ManagerState) (string, error), runner ActionRunner) (StepOutcome, error) {
	cfg = cfg.withDefaults()

	s, err := LoadState(projectRoot)
	if err != nil {
		return "", errkind.New(errkind.Filesystem, "research.Step", err)
	}
	now := time.Now()

	// Step 1: stale-state repair.
	if s.Lease != nil && !s.Lease.active(now) {
		s.Lease = nil
	}
	if s.InflightStep.Status == InflightRunning && s.InflightStep.StartedAt != nil &&
		now.Sub(*s.InflightStep.StartedAt) > cfg.InflightTTL {
		s.InflightStep.Status = InflightFailed
		s.InflightStep.Error = errkind.New(errkind.StaleResearchState, "research.Step",
			fmt.Errorf("inflight step exceeded researchInflightTtlSec")).Error()
		s.Status = StatusBlocked
	}

	// Step 2: budget check.
	if s.Counters.Steps >= s.Budgets.MaxSteps && s.Budgets.MaxSteps > 0 ||
		s.Counters.Runs >= s.Budgets.MaxRuns && s.Budgets.MaxRuns > 0 ||
		s.Budgets.MaxWallClockMinutes > 0 && now.Sub(s.StartedAt) >= time.Duration(s.Budgets.MaxWallClockMinutes)*time.Minute {
		s.Status = StatusBlocked
		if err := SaveState(projectRoot, s); err != nil {
			return "", err
		}
		return OutcomeBlocked, nil
	}

	// Step 3: active job still running.
	if s.Active.JobID != "" {
		return OutcomeWaiting, nil
	}

	// Step 4: acquire lease.
	if s.Lease.active(now) {
		return OutcomeSkipped, nil
	}
	token := uuid.NewString()
	s.Lease = &Lease{Holder: "manager", Token: token, AcquiredAt: now, ExpiresAt: now.Add(cfg.LeaseTTL)}

	// Step 5: mark inflight and persist.
	started := now
	s.InflightStep = InflightStep{Status: InflightRunning, StartedAt: &started}
	if err := SaveState(projectRoot, s); err != nil {
		return "", err
	}

	release := func() {
		s.Lease = nil
	}

	// Step 6: build prompt.
	prompt, err := buildPrompt(s)
	if err != nil {
		s.InflightStep.Status = InflightFailed
		s.InflightStep.Error = err.Error()
		s.Status = StatusBlocked
		release()
		_ = SaveState(projectRoot, s)
		return OutcomeBlocked, nil
	}

	// Step 7: invoke agent.
	text, err := invoke(ctx, prompt)
	if err != nil {
		s.InflightStep.Status = InflightFailed
		s.InflightStep.Error = err.Error()
		s.Status = StatusBlocked
		release()
		_ = SaveState(projectRoot, s)
		return OutcomeBlocked, nil
	}

	// Step 8: extract decision.
	decision, raw, err := ExtractDecision(text)
	if err != nil {
		s.InflightStep.Status = InflightFailed
		s.InflightStep.Error = err.Error()
		s.Status = StatusBlocked
		release()
		_ = SaveState(projectRoot, s)
		_ = AppendEvent(projectRoot, Event{Type: "decision_parse_failed", Ts: now, Data: map[string]any{"error": err.Error()}})
		return OutcomeBlocked, nil
	}

	// Step 9: decision-hash dedup.
	hash := DecisionHash(raw)
	if s.hasAppliedDecision(hash) {
		s.InflightStep.Status = InflightIdle
		release()
		_ = SaveState(projectRoot, s)
		return OutcomeDuplicate, nil
	}

	// Step 10: validate actions.
	valid, notes := ValidateActions(decision.Actions, cfg.ActionsAllowed, cfg.MaxActionsPerStep, s)
	for _, n := range notes {
		_ = AppendEvent(projectRoot, Event{Type: "action_rejected", Ts: now, Data: map[string]any{"note": n}})
	}

	// Step 11: execute actions sequentially, stop on first failure.
	applyErr := executeActions(projectRoot, decision.StepID, valid, runner, s)

	decided := now
	s.LastDecisionAt = &decided
	s.InflightStep.DecisionHash = hash

	if applyErr != nil {
		s.InflightStep.Status = InflightFailed
		s.InflightStep.Error = applyErr.Error()
		s.Status = StatusBlocked
		s.AutoRun = false
		release()
		_ = SaveState(projectRoot, s)
		appendDigest(projectRoot, fmt.Sprintf("step %s failed: %v", decision.StepID, applyErr))
		return OutcomeBlocked, nil
	}

	// Step 12: success bookkeeping.
	s.Counters.Steps++
	s.recordAppliedDecision(hash)
	if s.Active.JobID != "" {
		s.Phase = PhaseWait
	} else {
		s.Phase = PhaseAnalyze
	}
	if s.Status != StatusPaused {
		s.Status = StatusRunning
	}
	s.InflightStep.Status = InflightApplied
	release()
	if err := SaveState(projectRoot, s); err != nil {
		return "", err
	}
	appendDigest(projectRoot, fmt.Sprintf("step %s applied: %s", decision.StepID, decision.ResearchUpdate))
	return OutcomeApplied, nil
}

func appendDigest(projectRoot, line string) {
	_ = AppendEvent(projectRoot, Event{Type: "digest", Ts: time.Now(), Data: map[string]any{"line": line}})
}

// executeActions runs valid actions sequentially against runner, stopping
// at the first failure and recording each action's idempotency key as it
// succeeds (§4.10 step 11, Research Actions table).
func executeActions(projectRoot, stepID string, actions []DecisionAction, runner ActionRunner, s *ManagerState) error {
	for _, a := range actions {
		var err error
		switch a.Type {
		case ActionJobStart:
			if s.Active.JobID != "" {
				err = fmt.Errorf("job_start refused: a job is already running")
				break
			}
			s.Counters.Runs++
			runID := fmt.Sprintf("r%04d", s.Counters.Runs)
			if runner.StartJob != nil {
				_, _, _, err = runner.StartJob(runID, a.Command, a.Watch)
			}
			if err == nil {
				s.Active.RunID = runID
				s.Active.JobID = runID
			}
		case ActionJobWatch:
			if runner.WatchJob != nil {
				err = runner.WatchJob(a.Watch)
			}
		case ActionJobStop:
			if runner.StopJob != nil {
				err = runner.StopJob()
			}
			if err == nil {
				s.Active.JobID = ""
				s.Active.RunID = ""
			}
		case ActionTaskAdd:
			if runner.AddTask != nil && !runner.AddTask(a.Text) {
				err = fmt.Errorf("task_add refused: tasksMaxPending reached")
			}
		case ActionTaskRun:
			if runner.RunTask != nil {
				runner.RunTask()
			}
		case ActionWriteReport:
			err = writeReport(projectRoot, a.Markdown, a.Replace)
		case ActionResearchPause:
			s.Status = StatusPaused
			s.AutoRun = false
		case ActionResearchMarkDone:
			s.Status = StatusDone
			s.AutoRun = false
		default:
			err = fmt.Errorf("unknown research action type %q", a.Type)
		}
		if err != nil {
			return fmt.Errorf("step %s action %s: %w", stepID, a.Type, err)
		}
		s.recordAppliedActionKey(a.IdempotencyKey)
	}
	return nil
}

// writeReport appends (or replaces) reports/rolling_report.md, and
// best-effort mirrors the same content to the legacy writing/ path if
// that directory exists in the project (§4.10 Research Actions: write_report).
func writeReport(projectRoot, markdown string, replace bool) error {
	const maxLen = 20000
	if len(markdown) > maxLen {
		return fmt.Errorf("write_report markdown exceeds %d chars", maxLen)
	}
	if err := appendOrReplaceFile(projectRoot+"/reports/rolling_report.md", markdown, replace); err != nil {
		return err
	}
	_ = appendOrReplaceFile(projectRoot+"/writing/rolling_report.md", markdown, replace)
	return nil
}

func appendOrReplaceFile(path, content string, replace bool) error {
	if replace {
		return os.WriteFile(path, []byte(content), 0o644)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString("\n" + content)
	return err
}
