package agentcli

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/relaykit/internal/errkind"
)

// claudeEvent models the subset of the claude-style stream-json event
// protocol the invoker cares about (§6.2).
type claudeEvent struct {
	Type string `json:"type"`
	// system (subtype=="init")
	Subtype   string `json:"subtype"`
	SessionID string `json:"session_id"`
	// assistant / user
	Message *claudeMessage `json:"message"`
	// result
	Result  string `json:"result"`
	IsError bool   `json:"is_error"`
}

type claudeMessage struct {
	Content []claudeContentBlock `json:"content"`
}

type claudeContentBlock struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Name  string `json:"name"` // tool_use
	Input any    `json:"input"`
}

// buildClaudeArgv constructs the claude-style argv (§6.2: -p, stream-json
// output, --resume, --model, --permission-mode, trailing "-- <prompt>").
// No --allowedTools list is passed; Config has no field for one.
func buildClaudeArgv(cfg Config, req Request, model string) []string {
	argv := []string{"-p", "--output-format", "stream-json", "--verbose"}
	if req.ThreadID != "" {
		argv = append(argv, "--resume", req.ThreadID)
	}
	if model != "" {
		argv = append(argv, "--model", model)
	}
	if cfg.ApprovalPolicy != "" {
		argv = append(argv, "--permission-mode", cfg.ApprovalPolicy)
	}
	argv = append(argv, "--", req.Prompt)
	return argv
}

// selectClaudeModel applies the light/heavy routing heuristic: an explicit
// request model always wins; otherwise route to the heavy model when the
// prompt is long or contains a reasoning keyword (§4.4).
func selectClaudeModel(cfg Config, req Request) string {
	if req.Model != "" {
		return req.Model
	}
	if len(req.Prompt) >= cfg.HeavyPromptCharThresh {
		return cfg.HeavyModel
	}
	lower := strings.ToLower(req.Prompt)
	for _, kw := range ReasoningKeywords {
		if strings.Contains(lower, kw) {
			return cfg.HeavyModel
		}
	}
	return cfg.LightModel
}

// runClaude runs one claude-style invocation, retrying on a stale session
// as a fresh (non-resume) invocation, and falling back from the heavy to
// the light model on a quota error (§4.4).
func (inv *Invoker) runClaude(ctx context.Context, req Request) (*Result, error) {
	model := selectClaudeModel(inv.cfg, req)

	result, err := inv.runClaudeOnce(ctx, req, model)
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
		result, freshErr := inv.runClaudeOnce(ctx, fresh, model)
		if freshErr != nil {
			return nil, errkind.New(errkind.StaleSession, "agentcli.runClaude", freshErr)
		}
		result.Text = staleSessionNote("Claude", staleID) + result.Text
		return result, nil
	}

	if model == inv.cfg.HeavyModel && inv.cfg.LightModel != "" && containsAny(err.Error(), DefaultQuotaFragments) != "" {
		if req.OnNote != nil {
			req.OnNote(Note{Text: fmt.Sprintf("quota exhausted on %s, retrying on %s", inv.cfg.HeavyModel, inv.cfg.LightModel)})
		}
		result, quotaErr := inv.runClaudeOnce(ctx, req, inv.cfg.LightModel)
		if quotaErr != nil {
			return nil, errkind.New(errkind.ModelQuota, "agentcli.runClaude", quotaErr)
		}
		return result, nil
	}

	return nil, err
}

func (inv *Invoker) runClaudeOnce(ctx context.Context, req Request, model string) (*Result, error) {
	argv := buildClaudeArgv(inv.cfg, req, model)

	var sessionID string
	var finalText string
	var resultErrSeen bool

	stdoutTail, stderrTail, runErr := runChild(ctx, inv.cfg.BinaryPath, argv, req.Workdir, func(line []byte) {
		var ev claudeEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			return
		}
		switch ev.Type {
		case "system":
			if ev.Subtype == "init" {
				sessionID = ev.SessionID
			}
		case "assistant":
			if ev.Message == nil {
				return
			}
			for _, block := range ev.Message.Content {
				switch block.Type {
				case "text":
					if req.OnNote != nil && block.Text != "" {
						req.OnNote(Note{Text: block.Text})
					}
				case "tool_use":
					if req.OnNote != nil {
						req.OnNote(Note{Text: "using tool: " + block.Name})
					}
				}
			}
		case "result":
			finalText = ev.Result
			resultErrSeen = ev.IsError
		}
	})
	if runErr != nil {
		return nil, fmt.Errorf("agentcli: claude run failed: %w (stderr: %s)", runErr, lastLines(stderrTail, 10))
	}
	if resultErrSeen {
		return nil, fmt.Errorf("agentcli: claude reported an error result: %s", lastLines(stdoutTail, 10))
	}
	if finalText == "" {
		return nil, fmt.Errorf("agentcli: claude run produced no result (stdout tail: %s)", lastLines(stdoutTail, 10))
	}
	return &Result{ThreadID: sessionID, Text: finalText, Model: model}, nil
}
