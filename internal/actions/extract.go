// Package actions implements the Action Extractor & Executor (§4.6): it
// scans agent final text for a `[[relay-actions]]{...}[[/relay-actions]]`
// block, validates the decoded actions against a per-type schema, and
// gates execution per the session's and config's action policy.
package actions

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Type is an action discriminator (§4.6 table).
type Type string

const (
	TypeJobStart Type = "job_start"
	TypeJobWatch Type = "job_watch"
	TypeJobStop  Type = "job_stop"
	TypeTaskAdd  Type = "task_add"
	TypeTaskRun  Type = "task_run"
)

// Watch mirrors state.JobWatchConfig's optional-on-the-wire shape before
// range validation promotes it to the canonical struct (§3 JobWatchConfig).
type Watch struct {
	EverySec  *int    `json:"everySec,omitempty"`
	TailLines *int    `json:"tailLines,omitempty"`
	ThenTask  *string `json:"thenTask,omitempty"`
	RunTasks  *bool   `json:"runTasks,omitempty"`
}

// Action is one validated relay action (§4.6).
type Action struct {
	Type    Type    `json:"type"`
	Command string  `json:"command,omitempty"`
	Text    string  `json:"text,omitempty"`
	Watch   *Watch  `json:"watch,omitempty"`
}

type rawBlock struct {
	Actions []rawAction `json:"actions"`
}

type rawAction struct {
	Type    string          `json:"type"`
	Command string          `json:"command"`
	Text    string          `json:"text"`
	Watch   json.RawMessage `json:"watch"`
}

var blockRe = regexp.MustCompile(`(?is)\[\[relay-actions\]\](.*?)\[\[/relay-actions\]\]`)

// ExtractResult is the outcome of Extract.
type ExtractResult struct {
	Cleaned    string
	Actions    []Action
	Rejections []string // schema/validation failures, reported as notes
}

// Extract scans text for at most one `[[relay-actions]]` block (case
// insensitive), decodes and validates its actions up to maxActions, and
// returns cleaned text with the processed block removed. A block that
// fails to parse as JSON is left in place untouched — only a block that
// parses is ever removed (§8: "malformed blocks are left in place only
// if parsing fails before block boundaries").
func Extract(text string, maxActions int) ExtractResult {
	loc := blockRe.FindStringSubmatchIndex(text)
	if loc == nil {
		return ExtractResult{Cleaned: text}
	}

	blockStart, blockEnd := loc[0], loc[1]
	inner := text[loc[2]:loc[3]]

	var raw rawBlock
	if err := json.Unmarshal([]byte(inner), &raw); err != nil {
		return ExtractResult{Cleaned: text, Rejections: []string{fmt.Sprintf("relay-actions block malformed: %v", err)}}
	}

	var result ExtractResult
	result.Cleaned = text[:blockStart] + text[blockEnd:]

	for i, ra := range raw.Actions {
		if maxActions > 0 && len(result.Actions) >= maxActions {
			result.Rejections = append(result.Rejections, fmt.Sprintf("action %d dropped: maxActions exceeded", i))
			continue
		}
		action, err := validate(ra)
		if err != nil {
			result.Rejections = append(result.Rejections, fmt.Sprintf("action %d rejected: %v", i, err))
			continue
		}
		result.Actions = append(result.Actions, action)
	}
	return result
}

func validate(ra rawAction) (Action, error) {
	switch Type(ra.Type) {
	case TypeJobStart:
		if ra.Command == "" {
			return Action{}, fmt.Errorf("job_start requires command")
		}
		if len(ra.Command) > 4000 {
			return Action{}, fmt.Errorf("job_start command exceeds 4000 chars")
		}
		w, err := decodeWatch(ra.Watch)
		if err != nil {
			return Action{}, err
		}
		return Action{Type: TypeJobStart, Command: ra.Command, Watch: w}, nil

	case TypeJobWatch:
		w, err := decodeWatch(ra.Watch)
		if err != nil {
			return Action{}, err
		}
		return Action{Type: TypeJobWatch, Watch: w}, nil

	case TypeJobStop:
		return Action{Type: TypeJobStop}, nil

	case TypeTaskAdd:
		if ra.Text == "" {
			return Action{}, fmt.Errorf("task_add requires text")
		}
		if len(ra.Text) > 2000 {
			return Action{}, fmt.Errorf("task_add text exceeds 2000 chars")
		}
		return Action{Type: TypeTaskAdd, Text: ra.Text}, nil

	case TypeTaskRun:
		return Action{Type: TypeTaskRun}, nil

	default:
		return Action{}, fmt.Errorf("unknown action type %q", ra.Type)
	}
}

// decodeWatch rejects unknown fields and out-of-range values (§3, §4.6:
// "Unknown fields cause rejection").
func decodeWatch(raw json.RawMessage) (*Watch, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.DisallowUnknownFields()
	var w Watch
	if err := dec.Decode(&w); err != nil {
		return nil, fmt.Errorf("watch: %w", err)
	}
	if w.EverySec != nil && (*w.EverySec < 1 || *w.EverySec > 86400) {
		return nil, fmt.Errorf("watch.everySec out of range [1,86400]")
	}
	if w.TailLines != nil && (*w.TailLines < 1 || *w.TailLines > 500) {
		return nil, fmt.Errorf("watch.tailLines out of range [1,500]")
	}
	if w.ThenTask != nil && len(*w.ThenTask) > 2000 {
		return nil, fmt.Errorf("watch.thenTask exceeds 2000 chars")
	}
	return &w, nil
}
