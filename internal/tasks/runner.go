// Package tasks implements the Task Runner (§4.8): a sequential executor
// that dequeues pending tasks and drives each through the Agent Invoker,
// parsing completion markers and emitting commits/handoff updates.
package tasks

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/nextlevelbuilder/relaykit/internal/state"
)

// InvokeFunc runs one agent turn for the wrapper prompt, returning its
// final text (agentcli.Invoker.Run adapted to this narrower signature by
// the caller).
type InvokeFunc func(ctx context.Context, prompt string) (string, error)

// Hooks are the side effects a completed task may trigger (§4.8).
type Hooks struct {
	AutoCommit      func(taskID, title string) // git auto-commit, if configured and the workdir is a dirty repo
	AutoHandoffEach func()                     // handoffAutoAfterEachTask
	AutoHandoffExit func()                     // handoffAutoAfterTaskRun
	PostSummary     func(summary Summary)
}

// Summary is posted on Task Runner exit (§4.8 Exit).
type Summary struct {
	Pending, Done, Failed, Blocked, Canceled int
}

var (
	doneMarkerRe    = regexp.MustCompile(`(?i)\[\[task:done\]\]`)
	blockedMarkerRe = regexp.MustCompile(`(?i)\[\[task:blocked\]\]`)
)

// Run dequeues and executes pending tasks sequentially until none remain,
// a task is blocked, stop is requested, or (when stopOnError is set,
// tasksStopOnError) a task fails (§4.8 Start/Loop/Stop/Exit). stopRequested
// is polled before each task and again when a task's invocation returns;
// ctx cancellation terminates the active agent invocation.
func Run(ctx context.Context, sess *state.Session, invoke InvokeFunc, hooks Hooks, stopRequested func() bool, stopOnError bool, persist func()) {
	sess.TaskLoop.Running = true
	sess.TaskLoop.StopRequested = false
	persist()

	for {
		if stopRequested() {
			sess.TaskLoop.StopRequested = true
			break
		}
		task := state.NextPendingTask(sess)
		if task == nil {
			break
		}

		sess.TaskLoop.CurrentTaskID = task.ID
		task.Status = state.TaskRunning
		startedAt := time.Now()
		task.StartedAt = &startedAt
		task.Attempts++
		persist()

		prompt := buildWrapperPrompt(task)
		result, err := invoke(ctx, prompt)

		finishedAt := time.Now()
		task.FinishedAt = &finishedAt

		switch {
		case stopRequested() && err != nil:
			task.Status = state.TaskCanceled
		case err != nil:
			task.Status = state.TaskFailed
			task.LastError = err.Error()
		case blockedMarkerRe.MatchString(result):
			task.Status = state.TaskBlocked
			task.LastResultPreview = preview(result)
		default:
			task.Status = state.TaskDone
			task.LastResultPreview = preview(result)
			if hooks.AutoCommit != nil {
				hooks.AutoCommit(task.ID, task.Text)
			}
			if hooks.AutoHandoffEach != nil {
				hooks.AutoHandoffEach()
			}
		}
		sess.TaskLoop.CurrentTaskID = ""
		persist()

		if task.Status == state.TaskBlocked || task.Status == state.TaskCanceled {
			break
		}
		if task.Status == state.TaskFailed && stopOnError {
			break
		}
	}

	sess.TaskLoop.Running = false
	sess.TaskLoop.StopRequested = false
	sess.TaskLoop.CurrentTaskID = ""
	persist()

	if hooks.AutoHandoffExit != nil {
		hooks.AutoHandoffExit()
	}
	if hooks.PostSummary != nil {
		hooks.PostSummary(summarize(sess))
	}
}

// buildWrapperPrompt appends the completion-marker instructions to a
// task's text, matching §4.8's "[TASK t-NNNN]" header convention.
func buildWrapperPrompt(task *state.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[TASK %s]\n%s\n\n", task.ID, task.Text)
	b.WriteString("When you have completed this task, end your final message with [[task:done]]. ")
	b.WriteString("If you cannot proceed without user input, end your final message with [[task:blocked]] ")
	b.WriteString("and explain what is needed.")
	return b.String()
}

func preview(text string) string {
	cleaned := strings.TrimSpace(doneMarkerRe.ReplaceAllString(blockedMarkerRe.ReplaceAllString(text, ""), ""))
	const maxLen = 400
	if len(cleaned) > maxLen {
		return cleaned[:maxLen] + "…"
	}
	return cleaned
}

func summarize(sess *state.Session) Summary {
	var s Summary
	for _, t := range sess.Tasks {
		switch t.Status {
		case state.TaskPending:
			s.Pending++
		case state.TaskDone:
			s.Done++
		case state.TaskFailed:
			s.Failed++
		case state.TaskBlocked:
			s.Blocked++
		case state.TaskCanceled:
			s.Canceled++
		}
	}
	return s
}

// Stop requests the active Task Runner loop to stop between tasks and
// attempts to terminate the currently-active child (§4.8 Stop). cancel is
// typically agentcli.Invoker.Cancel bound to the conversation key.
func Stop(sess *state.Session, cancel func() bool, persist func()) {
	sess.TaskLoop.StopRequested = true
	persist()
	cancel()
}
