// Package errkind models the relay's error taxonomy (§7) as sentinel
// errors, matched with errors.Is against a wrapped Kind rather than by
// string-sniffing at each call site. Grounded on the teacher's
// store.TraceStatus*-style status enums (internal/agent/loop.go), adapted
// here from a status enum to an error-classification scheme since the
// relay surfaces these as wrapped errors, not trace records.
package errkind

import (
	"errors"
	"fmt"
)

// Kind classifies why an operation failed, for the handful of call sites
// that need to branch on the failure category (retry, refuse, or log and
// move on) rather than just propagate the error text.
type Kind string

const (
	// Transient covers a child process failure expected to clear up on
	// retry: a killed agent binary, a broken pipe, a one-off exec error.
	Transient Kind = "transient"
	// StaleSession covers an agent resume token the provider no longer
	// recognizes (§4.4, §7).
	StaleSession Kind = "stale_session"
	// ModelQuota covers a provider-reported quota/rate-limit error (§4.4).
	ModelQuota Kind = "model_quota"
	// Timeout covers an agent invocation that exceeded agentTimeoutMs (§4.4).
	Timeout Kind = "timeout"
	// Validation covers a malformed or schema-rejected agent payload: an
	// actions block, a research decision block (§4.6, §4.10).
	Validation Kind = "validation"
	// StaleResearchState covers a research manager state whose inflight
	// step or lease exceeded its TTL and needed repair (§4.10 step 1).
	StaleResearchState Kind = "stale_research_state"
	// Filesystem covers a State Store / research state / plan file I/O
	// failure (§4.1, §4.9, §4.10).
	Filesystem Kind = "filesystem"
	// Fatal covers a startup failure the process cannot run without
	// resolving: missing secrets, an unreadable config file (§7).
	Fatal Kind = "fatal"
)

// Error wraps an underlying error with a Kind, so callers can branch via
// errors.As without parsing error text themselves.
type Error struct {
	Kind Kind
	Op   string // short operation label, e.g. "agentcli.Run", "state.Open"
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err as kind, recording op for the error string.
func New(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err (or anything it wraps) carries kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
