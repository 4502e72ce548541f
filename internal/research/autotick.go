package research

import (
	"sync"
)

// ProjectRef identifies one project eligible for an auto-step (§4.10 Auto-tick).
type ProjectRef struct {
	ConversationKey string
	ProjectRoot     string
}

// Ticker scans sessions for eligible research projects and requests an
// auto-step, globally bounded to researchTickMaxParallel concurrent
// dispatches via a semaphore, and guarded against re-entrant dispatch per
// conversation (§4.10 Auto-tick, §5 "small in-memory set keyed by
// conversation key").
type Ticker struct {
	slots chan struct{}

	mu       sync.Mutex
	inflight map[string]bool
}

// NewTicker creates a Ticker allowing up to maxParallel concurrent
// dispatched auto-steps.
func NewTicker(maxParallel int) *Ticker {
	if maxParallel <= 0 {
		maxParallel = 1
	}
	return &Ticker{
		slots:    make(chan struct{}, maxParallel),
		inflight: make(map[string]bool),
	}
}

// Eligible reports whether project qualifies for an auto-step dispatch
// this tick: status=running, autoRun=true, phase≠wait, active.jobId=="".
func Eligible(s *ManagerState, researchEnabled, autoResearch bool) bool {
	return researchEnabled && autoResearch &&
		s.Status == StatusRunning && s.AutoRun &&
		s.Phase != PhaseWait && s.Active.JobID == ""
}

// TryDispatch reserves a dispatch slot for conversationKey, returning false
// if one is already in flight for that conversation or no global slot is
// available. Call Release when the dispatched step completes.
func (t *Ticker) TryDispatch(conversationKey string) bool {
	t.mu.Lock()
	if t.inflight[conversationKey] {
		t.mu.Unlock()
		return false
	}
	t.mu.Unlock()

	select {
	case t.slots <- struct{}{}:
	default:
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.inflight[conversationKey] {
		<-t.slots
		return false
	}
	t.inflight[conversationKey] = true
	return true
}

// Release clears the re-entrancy guard for conversationKey and frees its
// global dispatch slot.
func (t *Ticker) Release(conversationKey string) {
	t.mu.Lock()
	delete(t.inflight, conversationKey)
	t.mu.Unlock()
	<-t.slots
}

// Scan evaluates projects against Eligible, returning those ready for an
// auto-step dispatch this tick.
func Scan(projects []ProjectRef, states map[string]*ManagerState, researchEnabled, autoResearchFor func(conversationKey string) bool) []ProjectRef {
	var due []ProjectRef
	for _, p := range projects {
		s, ok := states[p.ProjectRoot]
		if !ok {
			continue
		}
		if Eligible(s, researchEnabled, autoResearchFor(p.ConversationKey)) {
			due = append(due, p)
		}
	}
	return due
}
