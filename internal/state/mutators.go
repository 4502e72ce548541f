package state

import (
	"fmt"
	"time"
)

// NextTaskID returns the next sortable "t-NNNN" task ID for sess (§3).
func NextTaskID(sess *Session) string {
	return fmt.Sprintf("t-%04d", len(sess.Tasks)+1)
}

// RunningTask returns the session's running task, if any. The Session
// invariant guarantees at most one (§3, §8).
func RunningTask(sess *Session) *Task {
	for _, t := range sess.Tasks {
		if t.Status == TaskRunning {
			return t
		}
	}
	return nil
}

// NextPendingTask returns the first pending task in insertion order, or nil.
func NextPendingTask(sess *Session) *Task {
	for _, t := range sess.Tasks {
		if t.Status == TaskPending {
			return t
		}
	}
	return nil
}

// PendingCount counts tasks with status pending or running (for tasksMaxPending, §8).
func PendingCount(sess *Session) int {
	n := 0
	for _, t := range sess.Tasks {
		if t.Status == TaskPending || t.Status == TaskRunning {
			n++
		}
	}
	return n
}

// HasPendingOrRunningText reports whether a task with this exact text is
// already pending/running (plan-queue dedup, §4.9/§8).
func HasPendingOrRunningText(sess *Session, text string) bool {
	for _, t := range sess.Tasks {
		if (t.Status == TaskPending || t.Status == TaskRunning) && t.Text == text {
			return true
		}
	}
	return false
}

// AppendTask appends a new pending task and returns it.
func AppendTask(sess *Session, text string) *Task {
	t := &Task{
		ID:        NextTaskID(sess),
		Text:      text,
		Status:    TaskPending,
		CreatedAt: time.Now().UTC(),
	}
	sess.Tasks = append(sess.Tasks, t)
	return t
}

// RunningJob returns the session's running job, if any (§3, §8 invariant).
func RunningJob(sess *Session) *Job {
	for _, j := range sess.Jobs {
		if j.Status == JobRunning {
			return j
		}
	}
	return nil
}

// AppendJob appends a job, capping the history at JobsMaxHistory (§3).
func AppendJob(sess *Session, j *Job) {
	sess.Jobs = append(sess.Jobs, j)
	if len(sess.Jobs) > JobsMaxHistory {
		sess.Jobs = sess.Jobs[len(sess.Jobs)-JobsMaxHistory:]
	}
}

// AppendPlan appends a plan, capping the history at maxHistory (§3).
func AppendPlan(sess *Session, p *Plan, maxHistory int) {
	sess.Plans = append(sess.Plans, p)
	if maxHistory <= 0 {
		maxHistory = PlansMaxHistoryDefault
	}
	if len(sess.Plans) > maxHistory {
		sess.Plans = sess.Plans[len(sess.Plans)-maxHistory:]
	}
}

// FindJob locates a job by ID.
func FindJob(sess *Session, id string) *Job {
	for _, j := range sess.Jobs {
		if j.ID == id {
			return j
		}
	}
	return nil
}

// FindPlan locates a plan by ID, or returns the last plan if id == "last".
func FindPlan(sess *Session, id string) *Plan {
	if id == "last" {
		if len(sess.Plans) == 0 {
			return nil
		}
		return sess.Plans[len(sess.Plans)-1]
	}
	for _, p := range sess.Plans {
		if p.ID == id {
			return p
		}
	}
	return nil
}
