package research

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// RegistryEntry is one line of exp/results/registry.jsonl (§4.10
// Job-completion hook step 2).
type RegistryEntry struct {
	RunID       string         `json:"runId"`
	StepID      string         `json:"stepId"`
	StartedAt   time.Time      `json:"startedAt"`
	FinishedAt  time.Time      `json:"finishedAt"`
	ExitCode    int            `json:"exitCode"`
	RunDir      string         `json:"runDir"`
	StdoutPath  string         `json:"stdoutPath"`
	MetricsPath string         `json:"metricsPath"`
	Status      string         `json:"status"` // "ok" | "invalid"
	Metrics     map[string]any `json:"metrics,omitempty"`
	Notes       string         `json:"notes,omitempty"`
}

// AppendRegistryEntry appends entry to exp/results/registry.jsonl.
func AppendRegistryEntry(projectRoot string, entry RegistryEntry) error {
	path := filepath.Join(projectRoot, "exp", "results", "registry.jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("research: open registry.jsonl: %w", err)
	}
	defer f.Close()
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("research: marshal registry entry: %w", err)
	}
	if _, err := f.Write(append(raw, '\n')); err != nil {
		return fmt.Errorf("research: append registry entry: %w", err)
	}
	return nil
}

// ReadMetrics loads and validates a run's metrics.json, per §4.10
// Job-completion hook step 1: missing or non-object JSON marks the run
// invalid rather than erroring the whole hook.
func ReadMetrics(metricsPath string) (map[string]any, error) {
	raw, err := os.ReadFile(metricsPath)
	if err != nil {
		return nil, fmt.Errorf("missing_or_invalid_metrics: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("missing_or_invalid_metrics: %v", err)
	}
	return m, nil
}

// TailRegistry returns the last n lines of registry.jsonl (raw JSON text),
// for the manager prompt's "tail of registry.jsonl" input (§4.10 step 6).
func TailRegistry(projectRoot string, n int) ([]string, error) {
	return tailJSONLines(filepath.Join(projectRoot, "exp", "results", "registry.jsonl"), n)
}

func tailJSONLines(path string, n int) ([]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var lines []string
	start := 0
	for i := 0; i < len(raw); i++ {
		if raw[i] == '\n' {
			if start < i {
				lines = append(lines, string(raw[start:i]))
			}
			start = i + 1
		}
	}
	if start < len(raw) {
		lines = append(lines, string(raw[start:]))
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}
