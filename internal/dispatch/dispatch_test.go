package dispatch

import (
	"testing"

	"github.com/nextlevelbuilder/relaykit/internal/state"
)

func TestParseCommandMatchesCaseInsensitively(t *testing.T) {
	cmd, rest, ok := ParseCommand("/STATUS")
	if !ok || cmd != "status" || rest != "" {
		t.Fatalf("got cmd=%q rest=%q ok=%v", cmd, rest, ok)
	}
	cmd, rest, ok = ParseCommand("  /Task add fix the thing  ")
	if !ok || cmd != "task" || rest != "add fix the thing" {
		t.Fatalf("got cmd=%q rest=%q ok=%v", cmd, rest, ok)
	}
}

func TestParseCommandRejectsPlainText(t *testing.T) {
	if _, _, ok := ParseCommand("hello there"); ok {
		t.Fatalf("expected plain chat text to not match")
	}
}

func TestSplitFirstTokenRecursiveSplit(t *testing.T) {
	first, rest := SplitFirstToken("add fix the thing")
	if first != "add" || rest != "fix the thing" {
		t.Fatalf("got first=%q rest=%q", first, rest)
	}
	sub, subRest := SplitFirstToken(rest)
	if sub != "fix" || subRest != "the thing" {
		t.Fatalf("got sub=%q subRest=%q", sub, subRest)
	}
}

func TestSplitFirstTokenNoRemainder(t *testing.T) {
	first, rest := SplitFirstToken("status")
	if first != "status" || rest != "" {
		t.Fatalf("got first=%q rest=%q", first, rest)
	}
}

func TestRefusedBlocksWorkdirWhileTaskRunnerActive(t *testing.T) {
	sess := &state.Session{TaskLoop: state.TaskLoopState{Running: true}}
	refused, msg := Refused("workdir", "/tmp", sess)
	if !refused || msg == "" {
		t.Fatalf("expected /workdir to be refused while task runner is active")
	}
}

func TestRefusedAllowsStatusWhileTaskRunnerActive(t *testing.T) {
	sess := &state.Session{TaskLoop: state.TaskLoopState{Running: true}}
	if refused, _ := Refused("status", "", sess); refused {
		t.Fatalf("expected /status to never be refused")
	}
}

func TestRefusedAllowsResearchStatusAndNoteButNotStart(t *testing.T) {
	sess := &state.Session{TaskLoop: state.TaskLoopState{Running: true}}
	if refused, _ := Refused("research", "status", sess); refused {
		t.Fatalf("expected /research status to be allowed while task runner is active")
	}
	if refused, _ := Refused("research", "note feeling good", sess); refused {
		t.Fatalf("expected /research note to be allowed while task runner is active")
	}
	if refused, _ := Refused("research", "start a new goal", sess); !refused {
		t.Fatalf("expected /research start to be refused while task runner is active")
	}
}

func TestRefusedAllowsEverythingWhenTaskRunnerIdle(t *testing.T) {
	sess := &state.Session{TaskLoop: state.TaskLoopState{Running: false}}
	if refused, _ := Refused("workdir", "/tmp", sess); refused {
		t.Fatalf("expected /workdir to be allowed while the task runner is idle")
	}
}

func TestBypassesStatusAndTaskStopOnly(t *testing.T) {
	if !Bypasses("status", "") {
		t.Fatalf("expected /status to bypass the conversation queue")
	}
	if !Bypasses("task", "stop") {
		t.Fatalf("expected /task stop to bypass the conversation queue")
	}
	if Bypasses("task", "add do the thing") {
		t.Fatalf("expected /task add to NOT bypass the conversation queue")
	}
	if Bypasses("go", "do the thing") {
		t.Fatalf("expected /go to NOT bypass the conversation queue")
	}
}
