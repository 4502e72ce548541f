// Package research implements the Research Manager (§4.10): an
// autonomous plan-act-observe loop scoped to a dedicated on-disk project,
// with leasing, idempotency, budgets, and in-flight recovery.
package research

import "time"

// Status enumerates the ResearchManagerState lifecycle (§3).
type Status string

const (
	StatusPaused  Status = "paused"
	StatusRunning Status = "running"
	StatusBlocked Status = "blocked"
	StatusDone    Status = "done"
)

// Phase enumerates where the manager loop is within one step (§3).
type Phase string

const (
	PhasePlan    Phase = "plan"
	PhaseWait    Phase = "wait"
	PhaseAnalyze Phase = "analyze"
)

// InflightStatus enumerates InflightStep.status (§3).
type InflightStatus string

const (
	InflightIdle    InflightStatus = "idle"
	InflightRunning InflightStatus = "running"
	InflightApplied InflightStatus = "applied"
	InflightFailed  InflightStatus = "failed"
)

// Lease is a short-TTL single-flight token; active iff ExpiresAt > now (§3).
type Lease struct {
	Holder     string    `json:"holder"`
	Token      string    `json:"token"`
	AcquiredAt time.Time `json:"acquiredAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

func (l *Lease) active(now time.Time) bool {
	return l != nil && l.ExpiresAt.After(now)
}

// InflightStep tracks the currently-running (or most recently run) step (§3).
type InflightStep struct {
	StepID      string         `json:"stepId,omitempty"`
	DecisionHash string        `json:"decisionHash,omitempty"`
	Status      InflightStatus `json:"status"`
	StartedAt   *time.Time     `json:"startedAt,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// Budgets bounds one project's autonomous run (§3).
type Budgets struct {
	MaxSteps            int `json:"maxSteps"`
	MaxWallClockMinutes int `json:"maxWallClockMinutes"`
	MaxRuns             int `json:"maxRuns"`
}

// Counters tracks consumption against Budgets (§3).
type Counters struct {
	Steps int `json:"steps"`
	Runs  int `json:"runs"`
}

// Active references the one job currently owned by this project, if any (§3).
type Active struct {
	JobID string `json:"jobId,omitempty"`
	RunID string `json:"runId,omitempty"`
}

// DiscordBinding records where the project posts digests (§3).
type DiscordBinding struct {
	ChannelID string `json:"channelId"`
	GuildID   string `json:"guildId,omitempty"`
}

// Reporting tracks the last posted digest (§3).
type Reporting struct {
	LastDiscordDigestAt   *time.Time `json:"lastDiscordDigestAt,omitempty"`
	LastDiscordDigestStep int        `json:"lastDiscordDigestStep"`
}

const (
	maxAppliedDecisionHashes = 500
	maxAppliedActionKeys     = 2000
)

// ManagerState is the full ResearchManagerState document (§3).
type ManagerState struct {
	Version               int             `json:"version"`
	ProjectRoot           string          `json:"projectRoot"`
	Goal                  string          `json:"goal"`
	Status                Status          `json:"status"`
	Phase                 Phase           `json:"phase"`
	AutoRun               bool            `json:"autoRun"`
	Budgets               Budgets         `json:"budgets"`
	Counters              Counters        `json:"counters"`
	Lease                 *Lease          `json:"lease,omitempty"`
	InflightStep          InflightStep    `json:"inflightStep"`
	Active                Active          `json:"active"`
	Discord               DiscordBinding  `json:"discord"`
	StartedAt             time.Time       `json:"startedAt"`
	LastFeedbackAt        *time.Time      `json:"lastFeedbackAt,omitempty"`
	LastDecisionAt        *time.Time      `json:"lastDecisionAt,omitempty"`
	Reporting             Reporting       `json:"reporting"`
	AppliedDecisionHashes []string        `json:"appliedDecisionHashes"`
	AppliedActionKeys     []string        `json:"appliedActionKeys"`
	LastUpdateAt          time.Time       `json:"lastUpdateAt"`
}

const CurrentVersion = 1

// hasAppliedDecision reports whether hash is already recorded.
func (s *ManagerState) hasAppliedDecision(hash string) bool {
	for _, h := range s.AppliedDecisionHashes {
		if h == hash {
			return true
		}
	}
	return false
}

// recordAppliedDecision appends hash, bounding the slice to the most
// recent maxAppliedDecisionHashes entries (§3: "bounded ≤500").
func (s *ManagerState) recordAppliedDecision(hash string) {
	s.AppliedDecisionHashes = append(s.AppliedDecisionHashes, hash)
	if len(s.AppliedDecisionHashes) > maxAppliedDecisionHashes {
		s.AppliedDecisionHashes = s.AppliedDecisionHashes[len(s.AppliedDecisionHashes)-maxAppliedDecisionHashes:]
	}
}

func (s *ManagerState) hasAppliedActionKey(key string) bool {
	if key == "" {
		return false
	}
	for _, k := range s.AppliedActionKeys {
		if k == key {
			return true
		}
	}
	return false
}

// recordAppliedActionKey appends key, bounding to maxAppliedActionKeys
// entries (§3: "bounded ≤2000").
func (s *ManagerState) recordAppliedActionKey(key string) {
	if key == "" {
		return
	}
	s.AppliedActionKeys = append(s.AppliedActionKeys, key)
	if len(s.AppliedActionKeys) > maxAppliedActionKeys {
		s.AppliedActionKeys = s.AppliedActionKeys[len(s.AppliedActionKeys)-maxAppliedActionKeys:]
	}
}
