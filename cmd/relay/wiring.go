package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/relaykit/internal/agentcli"
	"github.com/nextlevelbuilder/relaykit/internal/config"
	"github.com/nextlevelbuilder/relaykit/internal/convkey"
	"github.com/nextlevelbuilder/relaykit/internal/dispatch"
	"github.com/nextlevelbuilder/relaykit/internal/gitutil"
	"github.com/nextlevelbuilder/relaykit/internal/handoff"
	"github.com/nextlevelbuilder/relaykit/internal/jobs"
	"github.com/nextlevelbuilder/relaykit/internal/plans"
	"github.com/nextlevelbuilder/relaykit/internal/research"
	"github.com/nextlevelbuilder/relaykit/internal/state"
	"github.com/nextlevelbuilder/relaykit/internal/tasks"
)

// resolveWorkdir returns sess's attached workdir, falling back to the
// configured default (§4.11 /attach, §6.5 agentDefaultWorkdir).
func (a *app) resolveWorkdir(sess *state.Session) string {
	if sess.Workdir != "" {
		return sess.Workdir
	}
	return a.cfg.Agent.DefaultWorkdir
}

// runAgentTurn drives one Agent Invoker call for convKey/sess, threading
// the returned resume token back onto the session (§4.4). Callers that
// hold sess across a long call (task runner, research step) must fetch it
// once via Store.GetOrCreate/Get and mutate it directly — see store.go's
// Mutate doc comment on why a whole-store lock cannot wrap this.
func (a *app) runAgentTurn(ctx context.Context, convKey string, sess *state.Session, prompt string, onNote func(agentcli.Note)) (string, error) {
	req := agentcli.Request{
		ConversationKey: convKey,
		Workdir:         a.resolveWorkdir(sess),
		Prompt:          prompt,
		ThreadID:        sess.ThreadID,
		OnNote:          onNote,
	}
	res, err := a.invoker.Run(ctx, req)
	if err != nil {
		return "", err
	}
	sess.ThreadID = res.ThreadID
	a.store.QueueSave()
	return res.Text, nil
}

// invokeAgentForDispatch backs Dispatcher.InvokeAgent, for command
// handlers that need a synchronous agent call outside the task/research
// loops.
func (a *app) invokeAgentForDispatch(convKey string, sess *state.Session, prompt string) (string, error) {
	return a.runAgentTurn(context.Background(), convKey, sess, prompt, nil)
}

// startTaskRunner backs Dispatcher.StartTaskRunner: spawns the Task
// Runner's sequential loop in its own goroutine so the command handler
// that triggered it (/task run, /go, a finished job's thenTask) returns
// immediately (§4.8 Start).
func (a *app) startTaskRunner(convKey string, sess *state.Session) {
	if sess.TaskLoop.Running {
		return
	}
	go a.runTaskLoop(convKey, sess)
}

func (a *app) runTaskLoop(convKey string, sess *state.Session) {
	invoke := func(ctx context.Context, prompt string) (string, error) {
		return a.runAgentTurn(ctx, convKey, sess, prompt, nil)
	}
	hooks := tasks.Hooks{
		AutoCommit: func(taskID, title string) {
			a.maybeAutoCommit(sess, gitutil.ScopeTask, fmt.Sprintf("%s %s", taskID, title))
		},
		AutoHandoffEach: func() {
			if a.cfg.Handoff.AutoAfterEachTask {
				a.writeHandoff(sess, "Task completed", "")
			}
		},
		AutoHandoffExit: func() {
			if a.cfg.Handoff.AutoAfterTaskRun {
				a.writeHandoff(sess, "Task runner finished", "")
			}
		},
		PostSummary: func(s tasks.Summary) {
			a.postToSession(sess, fmt.Sprintf(
				"Task runner finished: %d done, %d failed, %d blocked, %d canceled, %d still pending.",
				s.Done, s.Failed, s.Blocked, s.Canceled, s.Pending))
		},
	}
	stopRequested := func() bool { return sess.TaskLoop.StopRequested }
	persist := func() { a.store.QueueSave() }
	tasks.Run(context.Background(), sess, invoke, hooks, stopRequested, a.cfg.Tasks.StopOnError, persist)
}

func (a *app) maybeAutoCommit(sess *state.Session, scope gitutil.AutoCommitScope, message string) {
	if !a.cfg.Git.AutoCommitEnabled {
		return
	}
	configured := gitutil.AutoCommitScope(a.cfg.Git.AutoCommitScope)
	if configured != gitutil.ScopeBoth && configured != scope {
		return
	}
	workdir := a.resolveWorkdir(sess)
	if workdir == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := gitutil.AutoCommit(ctx, workdir, a.cfg.Git.CommitPrefix, message); err != nil {
		a.postToSession(sess, "auto-commit failed: "+err.Error())
	}
}

func (a *app) writeHandoff(sess *state.Session, title, summary string) {
	workdir := a.resolveWorkdir(sess)
	if workdir == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_, err := handoff.Write(ctx, workdir, a.cfg.ResolveHandoffConfig(), handoff.Entry{Title: title, Summary: summary}, false, nil, nil)
	if err != nil {
		a.postToSession(sess, "handoff write failed: "+err.Error())
	}
}

// generatePlan backs Dispatcher.GeneratePlan: a one-shot, resume-free
// agent call seeded with the repo snapshot (§4.9 Create).
func (a *app) generatePlan(request string, repo plans.RepoContext) (string, error) {
	prompt := buildPlanPrompt(request, repo)
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(a.cfg.Agent.TimeoutMs)*time.Millisecond)
	defer cancel()
	res, err := a.invoker.Run(ctx, agentcli.Request{
		ConversationKey: "plan:" + uuid.NewString(),
		Workdir:         a.cfg.Agent.DefaultWorkdir,
		Prompt:          prompt,
	})
	if err != nil {
		return "", err
	}
	return res.Text, nil
}

func buildPlanPrompt(request string, repo plans.RepoContext) string {
	var b strings.Builder
	b.WriteString("Produce a Markdown plan document for the following request. ")
	b.WriteString("Include a \"## Task breakdown\" section with a task-list of concrete, independently runnable steps.\n\n")
	fmt.Fprintf(&b, "Request: %s\n\n", request)
	if repo.Branch != "" {
		fmt.Fprintf(&b, "Current branch: %s\n", repo.Branch)
	}
	if repo.PorcelainOut != "" {
		fmt.Fprintf(&b, "Working tree status:\n%s\n", repo.PorcelainOut)
	}
	if repo.Diffstat != "" {
		fmt.Fprintf(&b, "Diffstat:\n%s\n", repo.Diffstat)
	}
	return b.String()
}

// researchInvoke backs Dispatcher.ResearchInvoke (research.InvokeFunc):
// an ephemeral agent call for one research step's analyze phase. The
// caller (research.Step) supplies prompt text that already embeds every
// file excerpt the agent needs (researchBuildPrompt below), so the call
// itself carries no per-project working directory.
func (a *app) researchInvoke(ctx context.Context, prompt string) (string, error) {
	res, err := a.invoker.Run(ctx, agentcli.Request{
		ConversationKey: "research:" + uuid.NewString(),
		Workdir:         a.cfg.Agent.DefaultWorkdir,
		Prompt:          prompt,
	})
	if err != nil {
		return "", err
	}
	return res.Text, nil
}

// researchBuildPrompt backs Dispatcher.ResearchBuildPrompt, assembling the
// manager prompt from the project's own on-disk documents (§4.10 step 6:
// goal, state, rolling report, working memory, recent feedback events).
func (a *app) researchBuildPrompt(s *research.ManagerState) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Project root: %s\n", s.ProjectRoot)
	fmt.Fprintf(&b, "Goal: %s\n", s.Goal)
	fmt.Fprintf(&b, "Status: %s  Phase: %s  Steps: %d/%d  Runs: %d/%d\n\n",
		s.Status, s.Phase, s.Counters.Steps, s.Budgets.MaxSteps, s.Counters.Runs, s.Budgets.MaxRuns)

	readInto := func(label, rel string) {
		raw, err := os.ReadFile(filepath.Join(s.ProjectRoot, rel))
		if err != nil {
			return
		}
		fmt.Fprintf(&b, "## %s\n%s\n\n", label, strings.TrimSpace(string(raw)))
	}
	readInto("Rolling report", "reports/rolling_report.md")
	readInto("Working memory", "memory/WORKING_MEMORY.md")

	if hyps, err := research.LoadHypotheses(s.ProjectRoot); err == nil && len(hyps) > 0 {
		b.WriteString("## Hypotheses\n")
		for _, h := range hyps {
			conf := h.Confidence
			if conf == "" {
				conf = "unknown"
			}
			fmt.Fprintf(&b, "- [%s] %s (confidence: %s) — %s\n", h.ID, h.Status, conf, h.Text)
		}
		b.WriteString("\n")
	}

	events, err := research.ReadEventsSince(s.ProjectRoot, derefTime(s.LastFeedbackAt))
	if err == nil && len(events) > 0 {
		b.WriteString("## Recent feedback\n")
		for _, ev := range events {
			fmt.Fprintf(&b, "- [%s] %s\n", ev.Type, ev.Ts.Format(time.RFC3339))
		}
		b.WriteString("\n")
	}

	b.WriteString("Respond with a single [[research-decision]]{...}[[/research-decision]] block per the research actions protocol.\n")
	return b.String(), nil
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

// researchRunnerFor backs Dispatcher.ResearchRunnerFor, binding job_start/
// job_watch/job_stop/task_add/task_run to this project root's own
// conversation key (the research-manager namespace, §4.10 Scaffolding)
// rather than the user-facing conversation.
func (a *app) researchRunnerFor(projectRoot string) research.ActionRunner {
	convKey := researchManagerKeyFor(projectRoot)

	return research.ActionRunner{
		StartJob: func(runID, command string, watch *research.Watch) (string, string, string, error) {
			sess := a.store.GetOrCreate(convKey)
			runDir := filepath.Join(projectRoot, "exp", "results", runID)
			if err := os.MkdirAll(runDir, 0o755); err != nil {
				return "", "", "", fmt.Errorf("research: mkdir run dir: %w", err)
			}
			job, err := a.jobsMgr.Start(jobs.StartOptions{
				ConvSlug: researchRunDirSlug(projectRoot),
				Command:  command,
				Workdir:  projectRoot,
				Watch:    convertResearchWatch(watch, a.cfg.Jobs),
				RunDir:   runDir,
			})
			if err != nil {
				return "", "", "", err
			}
			stdoutPath := job.LogPath
			metricsPath := filepath.Join(runDir, "metrics.json")
			job.Research = &state.ResearchRunBinding{
				ProjectRoot: projectRoot,
				RunID:       runID,
				RunDir:      runDir,
				StdoutPath:  stdoutPath,
				MetricsPath: metricsPath,
			}
			sess.Jobs = append(sess.Jobs, job)
			a.store.QueueSave()

			a.jobsWatch.Start(convKey, job, a.researchFinishHooks(convKey, sess), a.postFunc(sess), func() { a.store.QueueSave() })
			return runDir, stdoutPath, metricsPath, nil
		},
		WatchJob: func(watch *research.Watch) error {
			sess, ok := a.store.Get(convKey)
			if !ok {
				return fmt.Errorf("research: no session for %s", convKey)
			}
			job := runningJob(sess)
			if job == nil {
				return fmt.Errorf("research: no active job to watch")
			}
			job.Watch = convertResearchWatch(watch, a.cfg.Jobs)
			a.jobsWatch.Start(convKey, job, a.researchFinishHooks(convKey, sess), a.postFunc(sess), func() { a.store.QueueSave() })
			return nil
		},
		StopJob: func() error {
			sess, ok := a.store.Get(convKey)
			if !ok {
				return nil
			}
			job := runningJob(sess)
			if job == nil {
				return nil
			}
			a.jobsWatch.Stop(convKey, job.ID)
			return a.jobsMgr.Cancel(job)
		},
		AddTask: func(text string) bool {
			sess := a.store.GetOrCreate(convKey)
			if state.PendingCount(sess) >= a.cfg.Tasks.MaxPending {
				return false
			}
			state.AppendTask(sess, text)
			a.store.QueueSave()
			return true
		},
		RunTask: func() {
			sess := a.store.GetOrCreate(convKey)
			a.startTaskRunner(convKey, sess)
		},
	}
}

func (a *app) researchFinishHooks(convKey string, sess *state.Session) jobs.FinishHooks {
	return jobs.FinishHooks{
		OnResearchJobFinished: func(job *state.Job) {
			if job.Research == nil {
				return
			}
			jc := research.JobCompletion{
				RunID:       job.Research.RunID,
				ProjectRoot: job.Research.ProjectRoot,
				RunDir:      job.Research.RunDir,
				StdoutPath:  job.Research.StdoutPath,
				MetricsPath: job.Research.MetricsPath,
				StartedAt:   job.StartedAt,
			}
			if job.FinishedAt != nil {
				jc.FinishedAt = *job.FinishedAt
			}
			if job.ExitCode != nil {
				jc.ExitCode = *job.ExitCode
			}
			requestAutoStep := func() {
				if !a.ticker.TryDispatch(convKey) {
					return
				}
				go func() {
					defer a.ticker.Release(convKey)
					a.stepResearchProject(convKey, job.Research.ProjectRoot, sess)
				}()
			}
			if err := research.HandleJobCompletion(jc, requestAutoStep); err != nil {
				a.postToSession(sess, "research job-completion handling failed: "+err.Error())
			}
		},
	}
}

func runningJob(sess *state.Session) *state.Job {
	for i := len(sess.Jobs) - 1; i >= 0; i-- {
		if sess.Jobs[i].Status == state.JobRunning {
			return sess.Jobs[i]
		}
	}
	return nil
}

func convertResearchWatch(w *research.Watch, defaults config.JobsConfig) *state.JobWatchConfig {
	cfg := &state.JobWatchConfig{Enabled: true, EverySec: defaults.AutoWatchEverySec, TailLines: defaults.AutoWatchTailLines}
	if w != nil {
		if w.EverySec > 0 {
			cfg.EverySec = w.EverySec
		}
		if w.TailLines > 0 {
			cfg.TailLines = w.TailLines
		}
	}
	return cfg
}

func researchManagerKeyFor(projectRoot string) string {
	return "research:" + filepath.Base(projectRoot)
}

func researchRunDirSlug(projectRoot string) string {
	return "research-" + filepath.Base(projectRoot)
}

// restartJobWatchers resumes watch timers for every running, watch-enabled
// job found in the state store on process startup (§4.7 Restart recovery).
func (a *app) restartJobWatchers() {
	sessions := make(map[string]*state.Session)
	for _, key := range a.store.Keys() {
		if sess, ok := a.store.Get(key); ok {
			sessions[key] = sess
		}
	}

	jobs.RestartWatchers(a.jobsWatch, sessions, func(convKey string, job *state.Job) (jobs.FinishHooks, jobs.PostFunc, func()) {
		sess := sessions[convKey]
		persist := func() { a.store.QueueSave() }
		if job.Research != nil {
			return a.researchFinishHooks(convKey, sess), a.postFunc(sess), persist
		}
		meta := dispatch.Meta{ConvKey: convKey, ConvSlug: convkey.SlugFor(convKey)}
		return a.plainJobHooks(meta), a.postFunc(sess), persist
	})
}
