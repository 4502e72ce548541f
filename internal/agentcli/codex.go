package agentcli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nextlevelbuilder/relaykit/internal/errkind"
)

// codexEvent models the subset of the codex-style line-delimited JSON
// event stream the invoker cares about (§6.2).
type codexEvent struct {
	Type string `json:"type"`
	// thread.started
	ThreadID string `json:"thread_id"`
	// item.completed
	Item *codexItem `json:"item"`
	// error
	Message string `json:"message"`
}

type codexItem struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// buildCodexArgv constructs the codex-style argv (§6.2: "exec", optional
// "resume <threadId>", --cd, --sandbox, --skip-git-repo-check, -c key=value,
// --model, trailing prompt).
func buildCodexArgv(cfg Config, req Request) []string {
	argv := []string{"exec"}
	if req.ThreadID != "" {
		argv = append(argv, "resume", req.ThreadID)
	}
	argv = append(argv, "--cd", req.Workdir, "--skip-git-repo-check")
	if cfg.Sandbox != "" {
		argv = append(argv, "--sandbox", cfg.Sandbox)
	}
	if cfg.ApprovalPolicy != "" {
		argv = append(argv, "-c", "approval_policy="+cfg.ApprovalPolicy)
	}
	model := req.Model
	if model == "" {
		model = cfg.LightModel
	}
	if model != "" {
		argv = append(argv, "--model", model)
	}
	argv = append(argv, "--json", req.Prompt)
	return argv
}

// runCodex runs one codex-style invocation, handling stale-session retry
// as a fresh (non-resume) invocation per §4.4.
func (inv *Invoker) runCodex(ctx context.Context, req Request) (*Result, error) {
	result, err := inv.runCodexOnce(ctx, req)
	if err == nil {
		return result, nil
	}
	if req.ThreadID != "" && containsAny(err.Error(), inv.cfg.StaleSessionFragments) != "" {
		staleID := req.ThreadID
		fresh := req
		fresh.ThreadID = ""
		if req.OnNote != nil {
			req.OnNote(Note{Text: "session expired, starting a fresh thread"})
		}
		result, freshErr := inv.runCodexOnce(ctx, fresh)
		if freshErr != nil {
			return nil, errkind.New(errkind.StaleSession, "agentcli.runCodex", freshErr)
		}
		result.Text = staleSessionNote("Codex", staleID) + result.Text
		return result, nil
	}
	return nil, err
}

func (inv *Invoker) runCodexOnce(ctx context.Context, req Request) (*Result, error) {
	argv := buildCodexArgv(inv.cfg, req)

	var threadID string
	var finalText string

	stdoutTail, stderrTail, runErr := runChild(ctx, inv.cfg.BinaryPath, argv, req.Workdir, func(line []byte) {
		var ev codexEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			return
		}
		switch ev.Type {
		case "thread.started":
			threadID = ev.ThreadID
		case "item.completed":
			if ev.Item == nil {
				return
			}
			switch ev.Item.Type {
			case "agent_message":
				finalText = ev.Item.Text
			case "reasoning", "command_execution":
				if req.OnNote != nil {
					req.OnNote(Note{Text: ev.Item.Text})
				}
			}
		case "error":
			if req.OnNote != nil {
				req.OnNote(Note{Text: "error: " + ev.Message})
			}
		}
	})
	if runErr != nil {
		return nil, fmt.Errorf("agentcli: codex run failed: %w (stderr: %s)", runErr, lastLines(stderrTail, 10))
	}
	if finalText == "" {
		return nil, fmt.Errorf("agentcli: codex run produced no agent_message (stdout tail: %s)", lastLines(stdoutTail, 10))
	}
	return &Result{ThreadID: threadID, Text: finalText, Model: req.Model}, nil
}

// lastLines returns up to n trailing lines of s for compact diagnostics.
func lastLines(s string, n int) string {
	lines := splitLines(s)
	if len(lines) <= n {
		return s
	}
	start := len(lines) - n
	out := ""
	for i, l := range lines[start:] {
		if i > 0 {
			out += "\n"
		}
		out += l
	}
	return out
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	lines = append(lines, s[start:])
	return lines
}
