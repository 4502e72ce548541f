package research

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
)

var decisionBlockRe = regexp.MustCompile(`(?is)\[\[research-decision\]\](.*?)\[\[/research-decision\]\]`)

// ActionType enumerates the Research Actions table (§4.10).
type ActionType string

const (
	ActionJobStart        ActionType = "job_start"
	ActionJobWatch        ActionType = "job_watch"
	ActionJobStop         ActionType = "job_stop"
	ActionTaskAdd         ActionType = "task_add"
	ActionTaskRun         ActionType = "task_run"
	ActionWriteReport     ActionType = "write_report"
	ActionResearchPause   ActionType = "research_pause"
	ActionResearchMarkDone ActionType = "research_mark_done"
)

// DecisionAction is one validated action within a decision block (§4.10 step 10).
type DecisionAction struct {
	Type           ActionType      `json:"type"`
	IdempotencyKey string          `json:"idempotencyKey"`
	Command        string          `json:"command,omitempty"`
	Watch          *Watch          `json:"watch,omitempty"`
	Text           string          `json:"text,omitempty"`
	Markdown       string          `json:"markdown,omitempty"`
	Replace        bool            `json:"replace,omitempty"`
	Raw            json.RawMessage `json:"-"`
}

// Watch mirrors the actions package's optional job-watch fields.
type Watch struct {
	EverySec  int    `json:"everySec,omitempty"`
	TailLines int    `json:"tailLines,omitempty"`
}

// Decision is the parsed `[[research-decision]]` block (§4.10 step 8).
type Decision struct {
	StepID         string           `json:"stepId"`
	ResearchUpdate string           `json:"research_update"`
	Actions        []DecisionAction `json:"actions"`
}

// ExtractDecision finds exactly one research-decision block in text and
// decodes it. A missing or malformed block is an error (§4.10 step 8: "On
// parse failure, set inflight.status=failed, block, release lease, emit
// event, return").
func ExtractDecision(text string) (*Decision, []byte, error) {
	loc := decisionBlockRe.FindStringSubmatchIndex(text)
	if loc == nil {
		return nil, nil, fmt.Errorf("research: no [[research-decision]] block found")
	}
	raw := []byte(text[loc[2]:loc[3]])
	var d Decision
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, nil, fmt.Errorf("research: malformed decision block: %w", err)
	}
	if d.StepID == "" {
		return nil, nil, fmt.Errorf("research: decision missing stepId")
	}
	return &d, raw, nil
}

// DecisionHash computes sha256(decision) over the raw decoded JSON bytes,
// used for double-apply prevention (§4.10 step 9).
func DecisionHash(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// ValidateActions filters decision actions against the allowed set and the
// per-step cap, and drops idempotency-key duplicates already recorded in
// state (§4.10 step 10).
func ValidateActions(actions []DecisionAction, allowed map[ActionType]bool, maxPerStep int, state *ManagerState) (valid []DecisionAction, notes []string) {
	for _, a := range actions {
		if maxPerStep > 0 && len(valid) >= maxPerStep {
			notes = append(notes, fmt.Sprintf("action %q dropped: researchMaxActionsPerStep exceeded", a.Type))
			continue
		}
		if allowed != nil && !allowed[a.Type] {
			notes = append(notes, fmt.Sprintf("action %q not in researchActionsAllowed", a.Type))
			continue
		}
		if state.hasAppliedActionKey(a.IdempotencyKey) {
			notes = append(notes, fmt.Sprintf("action %q skipped: duplicate idempotencyKey %q", a.Type, a.IdempotencyKey))
			continue
		}
		valid = append(valid, a)
	}
	return valid, notes
}
