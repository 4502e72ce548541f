package actions

import "testing"

func TestExtractRoundTripLawRemovesOnlyProcessedBlock(t *testing.T) {
	text := `before [[relay-actions]]{"actions":[{"type":"task_add","text":"do x"}]}[[/relay-actions]] after`
	result := Extract(text, 10)

	if result.Cleaned != "before  after" {
		t.Fatalf("expected block removed with surrounding text preserved, got %q", result.Cleaned)
	}
	if len(result.Actions) != 1 || result.Actions[0].Type != TypeTaskAdd {
		t.Fatalf("expected one task_add action, got %v", result.Actions)
	}
}

func TestExtractCapsAtMaxActions(t *testing.T) {
	text := `[[relay-actions]]{"actions":[{"type":"task_add","text":"a"},{"type":"task_add","text":"b"},{"type":"task_add","text":"c"}]}[[/relay-actions]]`
	result := Extract(text, 2)
	if len(result.Actions) != 2 {
		t.Fatalf("expected exactly 2 actions under the cap, got %d", len(result.Actions))
	}
	if len(result.Rejections) != 1 {
		t.Fatalf("expected 1 rejection for the over-cap action, got %v", result.Rejections)
	}
}

func TestExtractLeavesMalformedBlockInPlace(t *testing.T) {
	text := `hello [[relay-actions]]{not valid json[[/relay-actions]] world`
	result := Extract(text, 10)
	if result.Cleaned != text {
		t.Fatalf("expected malformed block left untouched, got %q", result.Cleaned)
	}
	if len(result.Actions) != 0 {
		t.Fatalf("expected no actions extracted from malformed block")
	}
}

func TestExtractCaseInsensitiveMarker(t *testing.T) {
	text := `[[RELAY-ACTIONS]]{"actions":[{"type":"task_run"}]}[[/RELAY-ACTIONS]]`
	result := Extract(text, 10)
	if len(result.Actions) != 1 || result.Actions[0].Type != TypeTaskRun {
		t.Fatalf("expected case-insensitive marker match, got %v", result.Actions)
	}
}

func TestExtractNoBlockIsIdentity(t *testing.T) {
	text := "just a normal reply"
	result := Extract(text, 10)
	if result.Cleaned != text || len(result.Actions) != 0 {
		t.Fatalf("expected identity passthrough, got %q %v", result.Cleaned, result.Actions)
	}
}

func TestValidateJobStartRequiresCommand(t *testing.T) {
	text := `[[relay-actions]]{"actions":[{"type":"job_start"}]}[[/relay-actions]]`
	result := Extract(text, 10)
	if len(result.Actions) != 0 {
		t.Fatalf("expected job_start without command to be rejected")
	}
	if len(result.Rejections) != 1 {
		t.Fatalf("expected 1 rejection, got %v", result.Rejections)
	}
}

func TestValidateWatchRejectsUnknownFields(t *testing.T) {
	text := `[[relay-actions]]{"actions":[{"type":"job_start","command":"echo hi","watch":{"everySec":5,"bogus":true}}]}[[/relay-actions]]`
	result := Extract(text, 10)
	if len(result.Actions) != 0 {
		t.Fatalf("expected watch with unknown field to be rejected, got %v", result.Actions)
	}
}

func TestValidateWatchRejectsOutOfRangeEverySec(t *testing.T) {
	text := `[[relay-actions]]{"actions":[{"type":"job_start","command":"echo hi","watch":{"everySec":999999}}]}[[/relay-actions]]`
	result := Extract(text, 10)
	if len(result.Actions) != 0 {
		t.Fatalf("expected out-of-range everySec to be rejected, got %v", result.Actions)
	}
}

func TestValidateUnknownActionType(t *testing.T) {
	text := `[[relay-actions]]{"actions":[{"type":"delete_everything"}]}[[/relay-actions]]`
	result := Extract(text, 10)
	if len(result.Actions) != 0 {
		t.Fatalf("expected unknown action type rejected")
	}
}

func TestGateAllEnforcesAllowedSetAndMax(t *testing.T) {
	cfg := GateConfig{
		Enabled:       true,
		Allowed:       map[Type]bool{TypeTaskAdd: true},
		MaxPerMessage: 1,
	}
	session := SessionPolicy{ActionsEnabled: true}
	candidates := []Action{
		{Type: TypeTaskAdd, Text: "a"},
		{Type: TypeJobStart, Command: "echo hi"},
	}

	allowed, notes := GateAll(cfg, session, true, candidates)
	if len(allowed) != 1 || allowed[0].Type != TypeTaskAdd {
		t.Fatalf("expected only the allowed task_add to survive, got %v", allowed)
	}
	if len(notes) != 1 {
		t.Fatalf("expected 1 note for job_start dropped over MaxPerMessage, got %v", notes)
	}
}

func TestGateRefusesWhenDisabled(t *testing.T) {
	ok, reason := Gate(GateConfig{Enabled: false}, SessionPolicy{ActionsEnabled: true}, true, Action{Type: TypeTaskRun})
	if ok || reason == "" {
		t.Fatalf("expected refusal with a reason when actions are disabled")
	}
}

func TestGateRefusesDmOnlyOutsideDM(t *testing.T) {
	cfg := GateConfig{Enabled: true, DmOnly: true, Allowed: map[Type]bool{TypeTaskRun: true}}
	ok, _ := Gate(cfg, SessionPolicy{ActionsEnabled: true}, false, Action{Type: TypeTaskRun})
	if ok {
		t.Fatalf("expected refusal outside DM when agentActionsDmOnly is set")
	}
}
