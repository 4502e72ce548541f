package main

import (
	"context"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/relaykit/internal/research"
	"github.com/nextlevelbuilder/relaykit/internal/state"
)

// runResearchTickLoop drives the autotick scan on researchTickSec until
// ctx is canceled (§4.10 Autonomous tick).
func (a *app) runResearchTickLoop(ctx context.Context) {
	interval := time.Duration(a.cfg.Research.TickSec) * time.Second
	if interval <= 0 {
		interval = 60 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			a.scanAndStepResearch()
		}
	}
}

func (a *app) scanAndStepResearch() {
	var projects []research.ProjectRef
	states := make(map[string]*research.ManagerState)

	for _, key := range a.store.Keys() {
		sess, ok := a.store.Get(key)
		if !ok || !sess.Research.Enabled || sess.Research.ProjectRoot == "" {
			continue
		}
		s, err := research.LoadState(sess.Research.ProjectRoot)
		if err != nil {
			continue
		}
		states[key] = s
		projects = append(projects, research.ProjectRef{ConversationKey: key, ProjectRoot: sess.Research.ProjectRoot})
	}
	if len(projects) == 0 {
		return
	}

	autoResearchFor := func(conversationKey string) bool {
		sess, ok := a.store.Get(conversationKey)
		return ok && sess.Auto.Research
	}
	due := research.Scan(projects, states, a.cfg.Research.Enabled, autoResearchFor)

	for _, ref := range due {
		if !a.ticker.TryDispatch(ref.ConversationKey) {
			continue
		}
		sess, ok := a.store.Get(ref.ConversationKey)
		if !ok {
			a.ticker.Release(ref.ConversationKey)
			continue
		}
		go func(ref research.ProjectRef, sess *state.Session) {
			defer a.ticker.Release(ref.ConversationKey)
			a.stepResearchProject(ref.ConversationKey, ref.ProjectRoot, sess)
		}(ref, sess)
	}
}

// stepResearchProject runs exactly one research step and, depending on
// the outcome and researchPostOnApplied/researchPostOnBlocked/
// researchPostEverySteps, posts a digest back to the conversation that
// started the project (§4.10 steps 12-13).
func (a *app) stepResearchProject(conversationKey, projectRoot string, sess *state.Session) {
	cfg := a.cfg.ResolveResearchConfig()
	runner := a.researchRunnerFor(projectRoot)

	outcome, err := research.Step(context.Background(), projectRoot, cfg, a.researchInvoke, a.researchBuildPrompt, runner)
	if err != nil {
		a.postToSession(sess, fmt.Sprintf("research step error: %v", err))
		return
	}

	s, loadErr := research.LoadState(projectRoot)
	if loadErr != nil {
		return
	}

	switch outcome {
	case research.OutcomeApplied:
		if a.cfg.Research.PostOnApplied && a.dueForDigest(s) {
			a.postToSession(sess, fmt.Sprintf("research step applied (step %d, run %d/%d).", s.Counters.Steps, s.Counters.Runs, s.Budgets.MaxRuns))
			a.markDigestPosted(projectRoot, s)
		}
	case research.OutcomeBlocked:
		if a.cfg.Research.PostOnBlocked {
			a.postToSession(sess, "research blocked: "+string(s.Status))
			a.markDigestPosted(projectRoot, s)
		}
	}
}

func (a *app) dueForDigest(s *research.ManagerState) bool {
	every := a.cfg.Research.PostEverySteps
	if every <= 1 {
		return true
	}
	return s.Counters.Steps-s.Reporting.LastDiscordDigestStep >= every
}

func (a *app) markDigestPosted(projectRoot string, s *research.ManagerState) {
	now := time.Now()
	s.Reporting.LastDiscordDigestAt = &now
	s.Reporting.LastDiscordDigestStep = s.Counters.Steps
	_ = research.SaveState(projectRoot, s)
}
