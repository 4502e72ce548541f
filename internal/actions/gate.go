package actions

import "fmt"

// GateConfig is the subset of relay config that governs action execution
// (§4.6 Gating, §6.5 agentActions* keys).
type GateConfig struct {
	Enabled        bool
	DmOnly         bool
	Allowed        map[Type]bool
	MaxPerMessage  int
}

// SessionPolicy is the per-session override (§3 Session.auto.actions).
type SessionPolicy struct {
	ActionsEnabled bool
}

// Gate decides whether an already-extracted action may execute, returning
// a refusal note when it may not (§4.6 Gating). Extraction always runs
// regardless of gating — only execution is refused.
func Gate(cfg GateConfig, session SessionPolicy, isDM bool, action Action) (bool, string) {
	if !cfg.Enabled {
		return false, "relay actions are disabled for this deployment"
	}
	if cfg.DmOnly && !isDM {
		return false, "relay actions are restricted to DMs"
	}
	if !session.ActionsEnabled {
		return false, "relay actions are disabled for this conversation (/auto actions on to enable)"
	}
	if cfg.Allowed != nil && !cfg.Allowed[action.Type] {
		return false, fmt.Sprintf("action type %q is not in the allowed set", action.Type)
	}
	return true, ""
}

// GateAll applies Gate to each action, enforcing maxPerMessage across the
// surviving set and returning both the allowed actions and the refusal
// notes for everything else.
func GateAll(cfg GateConfig, session SessionPolicy, isDM bool, candidates []Action) (allowed []Action, notes []string) {
	max := cfg.MaxPerMessage
	for _, a := range candidates {
		if max > 0 && len(allowed) >= max {
			notes = append(notes, fmt.Sprintf("action %q dropped: agentActionsMaxPerMessage exceeded", a.Type))
			continue
		}
		ok, reason := Gate(cfg, session, isDM, a)
		if !ok {
			notes = append(notes, fmt.Sprintf("action %q refused: %s", a.Type, reason))
			continue
		}
		allowed = append(allowed, a)
	}
	return allowed, notes
}
