package jobs

import (
	"testing"
	"time"

	"github.com/nextlevelbuilder/relaykit/internal/state"
)

func TestNextWatchDelayFallsBackWithoutCron(t *testing.T) {
	watch := &state.JobWatchConfig{EverySec: 30}
	got := nextWatchDelay(watch)
	if got != 30*time.Second {
		t.Fatalf("expected flat 30s interval, got %v", got)
	}
}

func TestNextWatchDelayUsesCronSchedule(t *testing.T) {
	watch := &state.JobWatchConfig{EverySec: 30, CronSchedule: "* * * * *"}
	got := nextWatchDelay(watch)
	if got <= 0 || got > time.Minute {
		t.Fatalf("expected a sub-minute delay from a every-minute cron, got %v", got)
	}
}

func TestNextWatchDelayFallsBackOnInvalidCron(t *testing.T) {
	watch := &state.JobWatchConfig{EverySec: 15, CronSchedule: "not a cron expression"}
	got := nextWatchDelay(watch)
	if got != 15*time.Second {
		t.Fatalf("expected fallback to EverySec on invalid cron, got %v", got)
	}
}
