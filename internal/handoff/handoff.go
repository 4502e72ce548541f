// Package handoff implements the Handoff writer (§9 Glossary: "an
// append-only Markdown record written to repo files that summarizes state
// for future agents"), wired to /handoff and the auto-handoff hooks fired
// by the Task Runner and Plan Subsystem.
package handoff

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nextlevelbuilder/relaykit/internal/gitutil"
)

// Config tunes handoff behavior (§6.5 handoff* keys).
type Config struct {
	Enabled           bool
	Files             []string // paths (relative to workdir) to append the entry to; defaults to HANDOFF.md
	GitAutoCommit     bool
	GitAutoPush       bool
	GitCommitMessage  string
}

func (c Config) withDefaults() Config {
	if len(c.Files) == 0 {
		c.Files = []string{"HANDOFF.md"}
	}
	if c.GitCommitMessage == "" {
		c.GitCommitMessage = "relay: handoff update"
	}
	return c
}

// Entry is one handoff record (§4.8 Task Runner auto-handoff, §4.9 Plan apply).
type Entry struct {
	Title   string
	Summary string
}

// Result reports what Write did, for /handoff's reply text.
type Result struct {
	DryRun     bool
	FilesWritten []string
	Committed  bool
	CommitOut  string
	Pushed     bool
	PushOut    string
}

// Write appends entry to each configured handoff file under workdir as a
// dated Markdown section, then optionally commits and pushes (§4.8, §4.9).
// dryRun skips every filesystem and git mutation, returning what would have
// happened.
func Write(ctx context.Context, workdir string, cfg Config, entry Entry, dryRun bool, commitOverride, pushOverride *bool) (Result, error) {
	cfg = cfg.withDefaults()
	var res Result
	res.DryRun = dryRun

	section := formatSection(entry)

	for _, rel := range cfg.Files {
		path := filepath.Join(workdir, rel)
		res.FilesWritten = append(res.FilesWritten, rel)
		if dryRun {
			continue
		}
		if err := appendSection(path, section); err != nil {
			return res, fmt.Errorf("handoff: write %s: %w", rel, err)
		}
	}

	doCommit := cfg.GitAutoCommit
	if commitOverride != nil {
		doCommit = *commitOverride
	}
	doPush := cfg.GitAutoPush
	if pushOverride != nil {
		doPush = *pushOverride
	}

	if dryRun || !doCommit {
		return res, nil
	}

	out, err := gitutil.AutoCommit(ctx, workdir, "", cfg.GitCommitMessage)
	if err != nil {
		return res, fmt.Errorf("handoff: commit: %w", err)
	}
	if out != "" {
		res.Committed = true
		res.CommitOut = out
	}

	if doPush && res.Committed {
		pushOut, err := gitutil.Push(ctx, workdir)
		if err != nil {
			return res, fmt.Errorf("handoff: push: %w", err)
		}
		res.Pushed = true
		res.PushOut = pushOut
	}

	return res, nil
}

func formatSection(entry Entry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "\n## %s — %s\n\n", time.Now().UTC().Format("2006-01-02 15:04:05"), entry.Title)
	b.WriteString(strings.TrimSpace(entry.Summary))
	b.WriteString("\n")
	return b.String()
}

func appendSection(path, section string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.WriteString(section); err != nil {
		return err
	}
	return nil
}
