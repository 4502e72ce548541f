package research

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestProject(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	_, err := Scaffold(root, "improve accuracy", DiscordBinding{ChannelID: "c1"}, Budgets{MaxSteps: 10, MaxRuns: 10, MaxWallClockMinutes: 60})
	if err != nil {
		t.Fatalf("scaffold failed: %v", err)
	}
	return root
}

func decisionText(stepID, actionsJSON string) string {
	return "Here is my decision.\n[[research-decision]]{\"stepId\":\"" + stepID + "\",\"research_update\":\"progress\",\"actions\":[" + actionsJSON + "]}[[/research-decision]]\nDone."
}

func TestScaffoldCreatesLayoutAndState(t *testing.T) {
	root := newTestProject(t)
	for _, d := range []string{"idea", "exp/results", "reports", "writing", "manager", "memory"} {
		if _, err := os.Stat(filepath.Join(root, d)); err != nil {
			t.Fatalf("expected dir %s to exist: %v", d, err)
		}
	}
	s, err := LoadState(root)
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	if s.Status != StatusRunning || !s.AutoRun {
		t.Fatalf("expected running+autoRun state, got %+v", s)
	}
}

func TestStepAppliesJobStartDecisionAndSetsWaitPhase(t *testing.T) {
	root := newTestProject(t)

	invoke := func(ctx context.Context, prompt string) (string, error) {
		return decisionText("s1", `{"type":"job_start","idempotencyKey":"a1","command":"echo hi","watch":{"everySec":1,"tailLines":20}}`), nil
	}
	buildPrompt := func(s *ManagerState) (string, error) { return "prompt", nil }

	started := false
	runner := ActionRunner{
		StartJob: func(runID, command string, watch *Watch) (string, string, string, error) {
			started = true
			return root + "/exp/results/" + runID, root + "/exp/results/" + runID + "/stdout.log", root + "/exp/results/" + runID + "/metrics.json", nil
		},
	}

	outcome, err := Step(context.Background(), root, Config{ActionsAllowed: map[ActionType]bool{ActionJobStart: true}}, invoke, buildPrompt, runner)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != OutcomeApplied {
		t.Fatalf("expected applied outcome, got %s", outcome)
	}
	if !started {
		t.Fatalf("expected StartJob to be called")
	}

	s, _ := LoadState(root)
	if s.Phase != PhaseWait {
		t.Fatalf("expected phase=wait after starting a job, got %s", s.Phase)
	}
	if s.Counters.Steps != 1 || s.Counters.Runs != 1 {
		t.Fatalf("expected steps=1 runs=1, got %+v", s.Counters)
	}
	if len(s.AppliedDecisionHashes) != 1 {
		t.Fatalf("expected one recorded decision hash")
	}
}

func TestStepIdempotentKeyNoReplay(t *testing.T) {
	root := newTestProject(t)

	decision := decisionText("s1", `{"type":"task_add","idempotencyKey":"k1","text":"do the thing"}`)
	invoke := func(ctx context.Context, prompt string) (string, error) { return decision, nil }
	buildPrompt := func(s *ManagerState) (string, error) { return "prompt", nil }

	addCalls := 0
	runner := ActionRunner{AddTask: func(text string) bool { addCalls++; return true }}
	cfg := Config{ActionsAllowed: map[ActionType]bool{ActionTaskAdd: true}}

	outcome1, err := Step(context.Background(), root, cfg, invoke, buildPrompt, runner)
	if err != nil || outcome1 != OutcomeApplied {
		t.Fatalf("expected first step applied, got %s err=%v", outcome1, err)
	}
	if addCalls != 1 {
		t.Fatalf("expected AddTask called once, got %d", addCalls)
	}

	// Second step: the agent re-emits the exact same decision (same stepId,
	// same JSON bytes) — decisionHash dedup must prevent replay.
	outcome2, err := Step(context.Background(), root, cfg, invoke, buildPrompt, runner)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome2 != OutcomeDuplicate {
		t.Fatalf("expected duplicate outcome on decision replay, got %s", outcome2)
	}
	if addCalls != 1 {
		t.Fatalf("expected AddTask NOT called again on replay, got %d total calls", addCalls)
	}
}

func TestStepBudgetExhaustionBlocksWithoutInvokingAgent(t *testing.T) {
	root := t.TempDir()
	_, err := Scaffold(root, "goal", DiscordBinding{}, Budgets{MaxSteps: 1})
	if err != nil {
		t.Fatalf("scaffold: %v", err)
	}
	s, _ := LoadState(root)
	s.Counters.Steps = 1 // already at the budget
	if err := SaveState(root, s); err != nil {
		t.Fatalf("save: %v", err)
	}

	invoked := false
	invoke := func(ctx context.Context, prompt string) (string, error) {
		invoked = true
		return "", nil
	}
	buildPrompt := func(s *ManagerState) (string, error) { return "prompt", nil }

	outcome, err := Step(context.Background(), root, Config{}, invoke, buildPrompt, ActionRunner{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != OutcomeBlocked {
		t.Fatalf("expected blocked outcome at budget exhaustion, got %s", outcome)
	}
	if invoked {
		t.Fatalf("expected the agent NOT to be invoked once the budget is exhausted")
	}

	final, _ := LoadState(root)
	if final.Status != StatusBlocked {
		t.Fatalf("expected persisted status=blocked, got %s", final.Status)
	}
}

func TestStepStaleLeaseRepairedBeforeAcquiring(t *testing.T) {
	root := newTestProject(t)
	s, _ := LoadState(root)
	expired := time.Now().Add(-time.Hour)
	s.Lease = &Lease{Holder: "old", Token: "t", AcquiredAt: expired, ExpiresAt: expired}
	if err := SaveState(root, s); err != nil {
		t.Fatalf("save: %v", err)
	}

	invoke := func(ctx context.Context, prompt string) (string, error) {
		return decisionText("s1", `{"type":"research_mark_done","idempotencyKey":"k1"}`), nil
	}
	buildPrompt := func(s *ManagerState) (string, error) { return "prompt", nil }
	cfg := Config{ActionsAllowed: map[ActionType]bool{ActionResearchMarkDone: true}}

	outcome, err := Step(context.Background(), root, cfg, invoke, buildPrompt, ActionRunner{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != OutcomeApplied {
		t.Fatalf("expected the expired lease to be repaired and the step to proceed, got %s", outcome)
	}
}

func TestStepWaitingWhenActiveJobRunning(t *testing.T) {
	root := newTestProject(t)
	s, _ := LoadState(root)
	s.Active.JobID = "r0001"
	if err := SaveState(root, s); err != nil {
		t.Fatalf("save: %v", err)
	}

	invoked := false
	invoke := func(ctx context.Context, prompt string) (string, error) { invoked = true; return "", nil }
	buildPrompt := func(s *ManagerState) (string, error) { return "prompt", nil }

	outcome, err := Step(context.Background(), root, Config{}, invoke, buildPrompt, ActionRunner{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != OutcomeWaiting {
		t.Fatalf("expected waiting outcome while a job is active, got %s", outcome)
	}
	if invoked {
		t.Fatalf("expected no agent invocation while waiting on an active job")
	}
}

func TestHandleJobCompletionValidMetricsRequestsAutoStep(t *testing.T) {
	root := newTestProject(t)
	runDir := filepath.Join(root, "exp", "results", "r0001")
	os.MkdirAll(runDir, 0o755)
	metricsPath := filepath.Join(runDir, "metrics.json")
	os.WriteFile(metricsPath, []byte(`{"accuracy": 0.9}`), 0o644)

	requested := false
	jc := JobCompletion{RunID: "r0001", StepID: "s1", ProjectRoot: root, RunDir: runDir, MetricsPath: metricsPath}
	if err := HandleJobCompletion(jc, func() { requested = true }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !requested {
		t.Fatalf("expected an auto-step to be requested after a valid run")
	}

	s, _ := LoadState(root)
	if s.Active.JobID != "" {
		t.Fatalf("expected active.jobId cleared, got %q", s.Active.JobID)
	}
}

func TestHandleJobCompletionInvalidMetricsBlocks(t *testing.T) {
	root := newTestProject(t)
	runDir := filepath.Join(root, "exp", "results", "r0001")
	os.MkdirAll(runDir, 0o755)
	metricsPath := filepath.Join(runDir, "metrics.json")
	// no metrics.json written — missing file is invalid

	requested := false
	jc := JobCompletion{RunID: "r0001", StepID: "s1", ProjectRoot: root, RunDir: runDir, MetricsPath: metricsPath}
	if err := HandleJobCompletion(jc, func() { requested = true }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if requested {
		t.Fatalf("expected no auto-step request after invalid metrics")
	}

	s, _ := LoadState(root)
	if s.Status != StatusBlocked || s.AutoRun {
		t.Fatalf("expected status=blocked, autoRun=false, got %+v", s)
	}

	lines, _ := TailRegistry(root, 10)
	if len(lines) != 1 {
		t.Fatalf("expected one registry entry, got %d", len(lines))
	}
}

func TestNoteFeedbackRequiresPrefixWhenConfigured(t *testing.T) {
	root := newTestProject(t)
	if err := NoteFeedback(root, "just a thought", true); err == nil {
		t.Fatalf("expected an error without the feedback: prefix")
	}
	if err := NoteFeedback(root, "feedback: try a smaller model", true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestEligibleRequiresRunningAutoRunAndNoActiveJob(t *testing.T) {
	s := &ManagerState{Status: StatusRunning, AutoRun: true, Phase: PhaseAnalyze}
	if !Eligible(s, true, true) {
		t.Fatalf("expected eligible state to be eligible")
	}
	s.Phase = PhaseWait
	if Eligible(s, true, true) {
		t.Fatalf("expected phase=wait to be ineligible")
	}
	s.Phase = PhaseAnalyze
	s.Active.JobID = "r1"
	if Eligible(s, true, true) {
		t.Fatalf("expected an active job to be ineligible")
	}
}

func TestTickerPreventsReentrantDispatch(t *testing.T) {
	tk := NewTicker(5)
	if !tk.TryDispatch("conv:1") {
		t.Fatalf("expected first dispatch to succeed")
	}
	if tk.TryDispatch("conv:1") {
		t.Fatalf("expected re-entrant dispatch for the same conversation to be refused")
	}
	tk.Release("conv:1")
	if !tk.TryDispatch("conv:1") {
		t.Fatalf("expected dispatch to succeed again after release")
	}
}

func TestTickerBoundsGlobalParallelism(t *testing.T) {
	tk := NewTicker(1)
	if !tk.TryDispatch("conv:1") {
		t.Fatalf("expected first dispatch to succeed")
	}
	if tk.TryDispatch("conv:2") {
		t.Fatalf("expected a second concurrent dispatch to be refused under maxParallel=1")
	}
}
