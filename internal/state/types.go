// Package state implements the State Store (§4.1): durable JSON-file
// persistence of per-conversation Sessions, with atomic tmp+rename saves
// and a coalescing writer chain.
package state

import "time"

// TaskStatus enumerates the lifecycle of a Task (§3).
type TaskStatus string

const (
	TaskPending  TaskStatus = "pending"
	TaskRunning  TaskStatus = "running"
	TaskDone     TaskStatus = "done"
	TaskFailed   TaskStatus = "failed"
	TaskBlocked  TaskStatus = "blocked"
	TaskCanceled TaskStatus = "canceled"
)

// Task is a unit of agent work queued in a session's task list (§3).
type Task struct {
	ID                 string     `json:"id"` // "t-NNNN", sortable within session
	Text               string     `json:"text"`
	Status             TaskStatus `json:"status"`
	CreatedAt          time.Time  `json:"createdAt"`
	StartedAt          *time.Time `json:"startedAt,omitempty"`
	FinishedAt         *time.Time `json:"finishedAt,omitempty"`
	Attempts           int        `json:"attempts"`
	LastError          string     `json:"lastError,omitempty"`
	LastResultPreview  string     `json:"lastResultPreview,omitempty"`
}

// TaskLoopState tracks the Task Runner's run state within a session (§3).
type TaskLoopState struct {
	Running        bool   `json:"running"`
	StopRequested  bool   `json:"stopRequested"`
	CurrentTaskID  string `json:"currentTaskId,omitempty"`
}

// Plan is an append-only record of a generated plan document (§3, §4.9).
type Plan struct {
	ID        string    `json:"id"` // stamped + random
	CreatedAt time.Time `json:"createdAt"`
	Title     string    `json:"title"`
	Workdir   string    `json:"workdir"`
	Path      string    `json:"path"` // on-disk markdown file
	Request   string    `json:"request"`
}

// JobStatus enumerates the lifecycle of a background Job (§3).
type JobStatus string

const (
	JobRunning  JobStatus = "running"
	JobDone     JobStatus = "done"
	JobFailed   JobStatus = "failed"
	JobCanceled JobStatus = "canceled"
)

// JobWatchConfig configures the periodic Job Watcher for one job (§3).
type JobWatchConfig struct {
	Enabled   bool   `json:"enabled"`
	EverySec  int    `json:"everySec"`            // [1, 86400]
	TailLines int    `json:"tailLines"`            // [1, 500]
	ThenTask  string `json:"thenTask,omitempty"`   // <=2000 chars
	RunTasks  bool   `json:"runTasks"`

	// CronSchedule, when set, overrides EverySec with a 5-field cron
	// expression (e.g. "*/5 * * * *") for irregular watch cadences —
	// checking more often during business hours, say — instead of a
	// flat interval (§4.7).
	CronSchedule string `json:"cronSchedule,omitempty"`
}

// ResearchRunBinding stamps a Job as belonging to a research run (§3, §4.10).
type ResearchRunBinding struct {
	ProjectRoot string `json:"projectRoot"`
	StepID      string `json:"stepId"`
	RunID       string `json:"runId"`
	RunDir      string `json:"runDir"`
	StdoutPath  string `json:"stdoutPath"`
	MetricsPath string `json:"metricsPath"`
}

// Job is a detached background shell process supervised via side files (§3, §4.7).
type Job struct {
	ID            string              `json:"id"` // stamped + random
	Command       string              `json:"command"`
	Workdir       string              `json:"workdir"`
	Status        JobStatus           `json:"status"`
	StartedAt     time.Time           `json:"startedAt"`
	FinishedAt    *time.Time          `json:"finishedAt,omitempty"`
	PID           int                 `json:"pid,omitempty"`
	JobDir        string              `json:"jobDir"`
	LogPath       string              `json:"logPath"`
	ExitCodePath  string              `json:"exitCodePath"`
	PIDPath       string              `json:"pidPath"`
	ExitCode      *int                `json:"exitCode,omitempty"`
	Watch         *JobWatchConfig     `json:"watch,omitempty"`
	Research      *ResearchRunBinding `json:"research,omitempty"`
}

// AutoFlags control whether agent-issued actions and the research loop
// auto-run for a session (§3).
type AutoFlags struct {
	Actions  bool `json:"actions"`
	Research bool `json:"research"`
}

// ResearchBinding links a Session to its scaffolded research project (§3).
type ResearchBinding struct {
	Enabled        bool       `json:"enabled"`
	ProjectRoot    string     `json:"projectRoot,omitempty"`
	Slug           string     `json:"slug,omitempty"`
	ManagerConvKey string     `json:"managerConvKey,omitempty"`
	LastNoteAt     *time.Time `json:"lastNoteAt,omitempty"`
}

// Session is the relay's per-conversation state (§3).
type Session struct {
	Key            string          `json:"key"` // conversation key
	ThreadID       string          `json:"threadId,omitempty"`
	Workdir        string          `json:"workdir"`
	ContextVersion int             `json:"contextVersion"`
	UpdatedAt      time.Time       `json:"updatedAt"`
	LastChannelID  string          `json:"lastChannelId,omitempty"`
	LastGuildID    string          `json:"lastGuildId,omitempty"`
	Adapter        string          `json:"adapter,omitempty"` // protocol.Adapter.Name() that last posted to this session, for out-of-band posts (job/task/research)
	Tasks          []*Task         `json:"tasks"`
	TaskLoop       TaskLoopState   `json:"taskLoop"`
	Plans          []*Plan         `json:"plans"`
	Jobs           []*Job          `json:"jobs"`
	Auto           AutoFlags       `json:"auto"`
	Research       ResearchBinding `json:"research"`
}

// Document is the top-level persisted shape: all sessions under a single
// version integer (§4.1).
type Document struct {
	Version  int                 `json:"version"`
	Sessions map[string]*Session `json:"sessions"`
}

const CurrentVersion = 1

const (
	PlansMaxHistoryDefault = 20
	JobsMaxHistory         = 50
)
