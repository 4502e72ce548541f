package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/nextlevelbuilder/relaykit/internal/state"
)

// injectContext prepends the configured contextSpecs file excerpts ahead
// of the user's message on the first turn after a version bump, or on
// every turn when contextEveryTurn is set (§4.2, §6.5 contextSpecs).
func (a *app) injectContext(sess *state.Session, userText string) string {
	cfg := a.cfg.Context
	if !cfg.Enabled || len(cfg.Specs) == 0 {
		return userText
	}
	if !cfg.EveryTurn && sess.ContextVersion >= cfg.Version {
		return userText
	}

	block := buildContextBlock(a.resolveWorkdir(sess), cfg.Specs, cfg.MaxChars, cfg.MaxCharsPerFile)
	sess.ContextVersion = cfg.Version
	a.store.QueueSave()

	if block == "" {
		return userText
	}
	return block + "\n\n" + userText
}

// buildContextBlock reads each "mode:path" spec relative to workdir,
// bounding every file's excerpt to maxCharsPerFile and the whole block to
// maxChars (§4.2). A spec that fails to read is skipped, not fatal.
func buildContextBlock(workdir string, specs []string, maxChars, maxCharsPerFile int) string {
	var b strings.Builder
	b.WriteString("[Context]\n")
	remaining := maxChars

	for _, spec := range specs {
		mode, rel, ok := splitContextSpec(spec)
		if !ok {
			continue
		}
		path := rel
		if !filepath.IsAbs(path) {
			path = filepath.Join(workdir, rel)
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		excerpt := excerptFor(mode, string(raw), maxCharsPerFile)
		if maxChars > 0 {
			if remaining <= 0 {
				break
			}
			if len(excerpt) > remaining {
				excerpt = excerpt[:remaining]
			}
			remaining -= len(excerpt)
		}
		fmt.Fprintf(&b, "### %s (%s)\n%s\n\n", rel, mode, excerpt)
	}
	return strings.TrimSpace(b.String())
}

func splitContextSpec(spec string) (mode, path string, ok bool) {
	parts := strings.SplitN(spec, ":", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	switch parts[0] {
	case "head", "tail", "headtail":
		return parts[0], parts[1], true
	default:
		return "", "", false
	}
}

func excerptFor(mode, content string, maxChars int) string {
	if maxChars <= 0 || len(content) <= maxChars {
		return content
	}
	switch mode {
	case "head":
		return content[:maxChars] + "\n…(truncated)"
	case "tail":
		return "…(truncated)\n" + content[len(content)-maxChars:]
	case "headtail":
		half := maxChars / 2
		return content[:half] + "\n…(truncated)…\n" + content[len(content)-half:]
	default:
		return content[:maxChars]
	}
}
