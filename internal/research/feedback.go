package research

import (
	"fmt"
	"strings"
	"time"
)

// NoteFeedback appends a user_feedback event to events.jsonl, enforcing
// the "feedback:" prefix requirement when requirePrefix is set (§4.10
// User feedback).
func NoteFeedback(projectRoot, text string, requirePrefix bool) error {
	if requirePrefix && !strings.HasPrefix(strings.ToLower(strings.TrimSpace(text)), "feedback:") {
		return fmt.Errorf("research: note requires a %q prefix", "feedback:")
	}
	return AppendEvent(projectRoot, Event{
		Type: "user_feedback",
		Ts:   time.Now(),
		Data: map[string]any{"text": text},
	})
}

// MarkFeedbackConsumed advances lastFeedbackAt so the next manager prompt
// only includes events newer than it (§4.10 step 6, User feedback).
func MarkFeedbackConsumed(s *ManagerState, through time.Time) {
	s.LastFeedbackAt = &through
}
