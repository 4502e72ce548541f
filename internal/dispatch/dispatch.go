// Package dispatch implements the Command Dispatcher (§4.11): it parses
// slash-commands out of inbound chat text and routes them to handlers,
// almost all of which enqueue their actual work onto the Conversation
// Queue. Two commands bypass the queue for responsiveness: /status and
// /task stop.
package dispatch

import (
	"regexp"
	"strings"

	"github.com/nextlevelbuilder/relaykit/internal/state"
)

var commandRe = regexp.MustCompile(`(?i)^/(help|status|reset|workdir|attach|upload|context|task|worktree|plan|handoff|research|auto|go|overnight)\b\s*(.*)$`)

// ParseCommand matches text against the slash-command surface (§4.11,
// §6.3), returning the lowercased command name and its trailing argument
// string. Non-commands (including plain chat text) return ok=false.
func ParseCommand(text string) (cmd, rest string, ok bool) {
	m := commandRe.FindStringSubmatch(strings.TrimSpace(text))
	if m == nil {
		return "", "", false
	}
	return strings.ToLower(m[1]), strings.TrimSpace(m[2]), true
}

// SplitFirstToken splits s into its first whitespace-delimited token and
// the trimmed remainder. Sub-command parsing applies this recursively
// (§4.11: "first-token + rest split; sub-commands use the same rule").
func SplitFirstToken(s string) (first, rest string) {
	s = strings.TrimSpace(s)
	i := strings.IndexAny(s, " \t\n")
	if i < 0 {
		return s, ""
	}
	return s[:i], strings.TrimSpace(s[i+1:])
}

const refusalMessage = "Refusing while task runner is active. Run `/task stop` first."

// Refused reports whether cmd/rest must be refused because the Task
// Runner is currently active for sess (§4.11 routing rules).
func Refused(cmd, rest string, sess *state.Session) (bool, string) {
	if sess == nil || !sess.TaskLoop.Running {
		return false, ""
	}
	sub, _ := SplitFirstToken(rest)
	sub = strings.ToLower(sub)
	switch cmd {
	case "workdir", "reset", "attach", "go":
		return true, refusalMessage
	case "overnight":
		if sub != "status" {
			return true, refusalMessage
		}
	case "research":
		if sub != "status" && sub != "note" {
			return true, refusalMessage
		}
	case "context":
		if sub == "reload" {
			return true, refusalMessage
		}
	}
	return false, ""
}

// Bypasses reports whether cmd/rest must run outside the Conversation
// Queue for responsiveness (§4.11: "status bypasses... task stop bypasses").
func Bypasses(cmd, rest string) bool {
	if cmd == "status" {
		return true
	}
	if cmd == "task" {
		sub, _ := SplitFirstToken(rest)
		return strings.ToLower(sub) == "stop"
	}
	return false
}

// Result is a dispatched command's reply, ready for Adapter.Reply/Send.
type Result struct {
	Text string
}

func textResult(s string) (Result, error) { return Result{Text: s}, nil }
