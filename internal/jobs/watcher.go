package jobs

import (
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/relaykit/internal/state"
)

// PostFunc posts a textual update to the conversation (protocol.Adapter.Reply
// or Send, wired by the caller).
type PostFunc func(header, tail string)

// FinishHooks are invoked once a watched job finishes (§4.7 step 1).
type FinishHooks struct {
	// EnqueueTask attempts to add a Task with the given text, honoring
	// tasksMaxPending; returns false if it was refused.
	EnqueueTask func(text string) bool
	// StartTaskRunner starts the Task Runner if not already running.
	StartTaskRunner func()
	// OnResearchJobFinished is the research completion hook (§4.10); nil
	// when the job has no ResearchRunBinding.
	OnResearchJobFinished func(job *state.Job)
}

// Watcher supervises a per-(conversationKey, jobId) timer.
type Watcher struct {
	mgr *Manager

	mu      sync.Mutex
	timers  map[string]*time.Timer
	tailHash map[string]string
}

// NewWatcher creates a Watcher bound to mgr.
func NewWatcher(mgr *Manager) *Watcher {
	return &Watcher{
		mgr:      mgr,
		timers:   make(map[string]*time.Timer),
		tailHash: make(map[string]string),
	}
}

func watchKey(conversationKey, jobID string) string {
	return conversationKey + "\x00" + jobID
}

// Start begins (or restarts) the periodic tick for job under conversationKey.
// persist is called after every state mutation (status/finishedAt/exitCode/
// watch.enabled) so the caller's State Store stays authoritative.
func (w *Watcher) Start(conversationKey string, job *state.Job, hooks FinishHooks, post PostFunc, persist func()) {
	if job.Watch == nil || !job.Watch.Enabled {
		return
	}
	key := watchKey(conversationKey, job.ID)

	w.mu.Lock()
	if existing, ok := w.timers[key]; ok {
		existing.Stop()
	}
	w.mu.Unlock()

	var tick func()
	tick = func() {
		w.runTick(conversationKey, job, hooks, post, persist)

		w.mu.Lock()
		stillWatching := job.Watch != nil && job.Watch.Enabled
		if stillWatching {
			w.timers[key] = time.AfterFunc(nextWatchDelay(job.Watch), tick)
		} else {
			delete(w.timers, key)
			delete(w.tailHash, key)
		}
		w.mu.Unlock()
	}

	w.mu.Lock()
	w.timers[key] = time.AfterFunc(nextWatchDelay(job.Watch), tick)
	w.mu.Unlock()
}

// nextWatchDelay resolves the wait before the next tick: a CronSchedule,
// when valid, wins over the flat EverySec interval (§4.7).
func nextWatchDelay(watch *state.JobWatchConfig) time.Duration {
	fallback := time.Duration(watch.EverySec) * time.Second
	if watch.CronSchedule == "" {
		return fallback
	}
	next, err := gronx.NextTick(watch.CronSchedule, false)
	if err != nil {
		slog.Warn("jobs: invalid watch cronSchedule, falling back to everySec", "schedule", watch.CronSchedule, "error", err)
		return fallback
	}
	delay := time.Until(next)
	if delay <= 0 {
		return fallback
	}
	return delay
}

// Stop cancels the timer for (conversationKey, jobId), e.g. on job_stop.
func (w *Watcher) Stop(conversationKey, jobID string) {
	key := watchKey(conversationKey, jobID)
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[key]; ok {
		t.Stop()
		delete(w.timers, key)
	}
	delete(w.tailHash, key)
}

func (w *Watcher) runTick(conversationKey string, job *state.Job, hooks FinishHooks, post PostFunc, persist func()) {
	key := watchKey(conversationKey, job.ID)
	w.mu.Lock()
	lastHash := w.tailHash[key]
	w.mu.Unlock()

	result, newHash, err := w.mgr.Tick(job, lastHash)
	if err != nil {
		return
	}

	w.mu.Lock()
	w.tailHash[key] = newHash
	w.mu.Unlock()

	if result.Finished {
		now := time.Now()
		code := result.ExitCode
		job.ExitCode = &code
		job.FinishedAt = &now
		if code == 0 {
			job.Status = state.JobDone
		} else {
			job.Status = state.JobFailed
		}
		if job.Watch != nil {
			job.Watch.Enabled = false
		}
		persist()

		post(result.Header, result.Tail)

		if job.Watch != nil && job.Watch.ThenTask != "" && hooks.EnqueueTask != nil {
			if ok := hooks.EnqueueTask(job.Watch.ThenTask); ok && job.Watch.RunTasks && hooks.StartTaskRunner != nil {
				hooks.StartTaskRunner()
			}
		}
		if job.Research != nil && hooks.OnResearchJobFinished != nil {
			hooks.OnResearchJobFinished(job)
		}
		return
	}

	if result.TailChanged {
		post(result.Header, result.Tail)
	}
}

// RestartWatchers restarts timers for every running, watch-enabled job
// across the given sessions on process startup (§4.7 Restart recovery).
func RestartWatchers(w *Watcher, sessions map[string]*state.Session, hooks func(conversationKey string, job *state.Job) (FinishHooks, PostFunc, func())) {
	for convKey, sess := range sessions {
		for _, job := range sess.Jobs {
			if job.Status != state.JobRunning || job.Watch == nil || !job.Watch.Enabled {
				continue
			}
			h, post, persist := hooks(convKey, job)
			w.Start(convKey, job, h, post, persist)
		}
	}
}
