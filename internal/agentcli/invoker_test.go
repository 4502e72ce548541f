package agentcli

import "testing"

func TestBuildCodexArgvFreshSession(t *testing.T) {
	cfg := Config{Sandbox: "workspace-write", ApprovalPolicy: "on-failure", LightModel: "gpt-5-codex"}
	req := Request{Workdir: "/tmp/work", Prompt: "do the thing"}
	argv := buildCodexArgv(cfg, req)

	assertContainsSeq(t, argv, []string{"--cd", "/tmp/work"})
	assertContainsSeq(t, argv, []string{"--sandbox", "workspace-write"})
	assertContainsSeq(t, argv, []string{"--model", "gpt-5-codex"})
	if argv[0] != "exec" {
		t.Fatalf("expected argv[0]==exec, got %v", argv)
	}
	for _, a := range argv {
		if a == "resume" {
			t.Fatalf("expected no resume token for a fresh session, got %v", argv)
		}
	}
}

func TestBuildCodexArgvResumesThread(t *testing.T) {
	cfg := Config{}
	req := Request{Workdir: "/tmp/work", Prompt: "continue", ThreadID: "th-123"}
	argv := buildCodexArgv(cfg, req)
	assertContainsSeq(t, argv, []string{"resume", "th-123"})
}

func TestSelectClaudeModelRoutesByLength(t *testing.T) {
	cfg := Config{HeavyModel: "opus", LightModel: "haiku", HeavyPromptCharThresh: 10}
	short := Request{Prompt: "hi"}
	long := Request{Prompt: "this prompt is definitely longer than ten characters"}

	if got := selectClaudeModel(cfg, short); got != "haiku" {
		t.Fatalf("expected light model for short prompt, got %q", got)
	}
	if got := selectClaudeModel(cfg, long); got != "opus" {
		t.Fatalf("expected heavy model for long prompt, got %q", got)
	}
}

func TestSelectClaudeModelRoutesByKeyword(t *testing.T) {
	cfg := Config{HeavyModel: "opus", LightModel: "haiku", HeavyPromptCharThresh: 1000}
	req := Request{Prompt: "please think carefully about this"}
	if got := selectClaudeModel(cfg, req); got != "opus" {
		t.Fatalf("expected heavy model for reasoning keyword, got %q", got)
	}
}

func TestSelectClaudeModelExplicitOverrideWins(t *testing.T) {
	cfg := Config{HeavyModel: "opus", LightModel: "haiku", HeavyPromptCharThresh: 1}
	req := Request{Prompt: "a very long prompt that would otherwise route heavy", Model: "sonnet"}
	if got := selectClaudeModel(cfg, req); got != "sonnet" {
		t.Fatalf("expected explicit model override, got %q", got)
	}
}

func TestContainsAnyFindsStaleSessionFragment(t *testing.T) {
	err := "Error: No conversation found with session ID abc-123"
	if got := containsAny(err, DefaultStaleSessionFragments); got == "" {
		t.Fatalf("expected a stale-session fragment match in %q", err)
	}
}

func TestContainsAnyNoMatch(t *testing.T) {
	if got := containsAny("everything is fine", DefaultStaleSessionFragments); got != "" {
		t.Fatalf("expected no match, got %q", got)
	}
}

func assertContainsSeq(t *testing.T, argv []string, seq []string) {
	t.Helper()
	for i := 0; i+len(seq) <= len(argv); i++ {
		match := true
		for j, want := range seq {
			if argv[i+j] != want {
				match = false
				break
			}
		}
		if match {
			return
		}
	}
	t.Fatalf("expected argv %v to contain sequence %v", argv, seq)
}
