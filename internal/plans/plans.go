// Package plans implements the Plan Subsystem (§4.9): one-shot plan
// generation seeded with repo context, a deterministic on-disk Markdown
// path, task-breakdown parsing, and queue/apply operations.
package plans

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/relaykit/internal/state"
)

// RepoContext is the seeded repo snapshot from internal/gitutil (§4.9 Create).
type RepoContext struct {
	Branch       string
	PorcelainOut string
	Diffstat     string
}

// GenerateFunc runs the one-shot, read-only agent call that produces the
// plan's Markdown body.
type GenerateFunc func(request string, repo RepoContext) (markdown string, err error)

// Store creates and persists plan documents under plansDir.
type Store struct {
	plansDir string
}

// New creates a Store rooted at plansDir (typically stateDir/plans/<convSlug>).
func New(plansDir string) *Store {
	return &Store{plansDir: plansDir}
}

// Create generates a plan via generate, writes it to a deterministic path,
// and appends it to sess.Plans (capped at maxHistory) (§4.9 Create).
func (s *Store) Create(sess *state.Session, request string, repo RepoContext, generate GenerateFunc, maxHistory int) (*state.Plan, error) {
	markdown, err := generate(request, repo)
	if err != nil {
		return nil, fmt.Errorf("plans: generate: %w", err)
	}

	id := time.Now().UTC().Format("20060102-150405") + "-" + uuid.NewString()[:6]
	if err := os.MkdirAll(s.plansDir, 0o755); err != nil {
		return nil, fmt.Errorf("plans: mkdir: %w", err)
	}
	path := filepath.Join(s.plansDir, id+".md")
	if err := os.WriteFile(path, []byte(markdown), 0o644); err != nil {
		return nil, fmt.Errorf("plans: write: %w", err)
	}

	plan := &state.Plan{
		ID:        id,
		CreatedAt: time.Now(),
		Title:     titleFromRequest(request),
		Workdir:   sess.Workdir,
		Path:      path,
		Request:   request,
	}
	state.AppendPlan(sess, plan, maxHistory)
	return plan, nil
}

func titleFromRequest(request string) string {
	title := strings.TrimSpace(request)
	const maxLen = 80
	if len(title) > maxLen {
		title = title[:maxLen] + "…"
	}
	if title == "" {
		title = "untitled plan"
	}
	return title
}

// Read loads a plan's Markdown body from disk.
func (s *Store) Read(plan *state.Plan) (string, error) {
	raw, err := os.ReadFile(plan.Path)
	if err != nil {
		return "", fmt.Errorf("plans: read %s: %w", plan.Path, err)
	}
	return string(raw), nil
}

// Queue appends new pending tasks parsed from the plan's task breakdown,
// skipping duplicates against current pending/running task text and
// respecting tasksMaxPending (§4.9 Queue).
func Queue(sess *state.Session, steps []string, tasksMaxPending int) (added []string, skipped []string, refused int) {
	for _, stepText := range steps {
		if state.HasPendingOrRunningText(sess, stepText) {
			skipped = append(skipped, stepText)
			continue
		}
		if tasksMaxPending > 0 && state.PendingCount(sess) >= tasksMaxPending {
			refused++
			continue
		}
		state.AppendTask(sess, stepText)
		added = append(added, stepText)
	}
	return added, skipped, refused
}

// ConfirmRequired mirrors the spec's "in guild channels, --confirm is
// required if configured" rule for /plan apply (§4.9 Apply).
func ConfirmRequired(requireConfirmInGuilds bool, isGuildChannel, confirmFlagPresent bool) bool {
	return requireConfirmInGuilds && isGuildChannel && !confirmFlagPresent
}
