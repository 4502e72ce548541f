package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json5"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Tasks.MaxPending != 20 {
		t.Fatalf("Tasks.MaxPending = %d, want default 20", cfg.Tasks.MaxPending)
	}
}

func TestLoadParsesJSON5CommentsAndTrailingCommas(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.json5")
	doc := `{
  // operator notes live here
  "tasks": { "tasksMaxPending": 7, },
  "research": { "researchEnabled": false, },
}`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Tasks.MaxPending != 7 {
		t.Fatalf("Tasks.MaxPending = %d, want 7", cfg.Tasks.MaxPending)
	}
	if cfg.Research.Enabled {
		t.Fatal("Research.Enabled = true, want false")
	}
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	t.Setenv("RELAY_DISCORD_TOKEN", "env-token")
	path := filepath.Join(t.TempDir(), "relay.json5")
	if err := os.WriteFile(path, []byte(`{}`), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Channels.DiscordToken != "env-token" {
		t.Fatalf("DiscordToken = %q, want env-token", cfg.Channels.DiscordToken)
	}
}

func TestRequireSecretsFailsWithNoTokenOrBinary(t *testing.T) {
	cfg := Default()
	if err := cfg.RequireSecrets(); err == nil {
		t.Fatal("RequireSecrets() = nil, want error")
	}
	cfg.Channels.DiscordToken = "x"
	cfg.Agent.BinaryPath = "/usr/local/bin/agent"
	if err := cfg.RequireSecrets(); err != nil {
		t.Fatalf("RequireSecrets() = %v, want nil once secrets are set", err)
	}
}

func TestReplaceFromPreservesSecretsNotPresentInIncoming(t *testing.T) {
	cfg := Default()
	cfg.Channels.DiscordToken = "original-secret"
	cfg.Agent.BinaryPath = "/usr/local/bin/agent"

	incoming := Default()
	incoming.Tasks.MaxPending = 99 // simulates a file edit, no secrets known to it

	cfg.ReplaceFrom(incoming)

	if cfg.Tasks.MaxPending != 99 {
		t.Fatalf("Tasks.MaxPending = %d, want 99 after reload", cfg.Tasks.MaxPending)
	}
	if cfg.Channels.DiscordToken != "original-secret" {
		t.Fatalf("DiscordToken = %q, want preserved original-secret", cfg.Channels.DiscordToken)
	}
	if cfg.Agent.BinaryPath != "/usr/local/bin/agent" {
		t.Fatalf("BinaryPath = %q, want preserved", cfg.Agent.BinaryPath)
	}
}

func TestWatcherReloadsOnWriteAndPreservesSecrets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.json5")
	if err := os.WriteFile(path, []byte(`{"tasks":{"tasksMaxPending":5}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("RELAY_DISCORD_TOKEN", "watched-secret")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	w, err := NewWatcher(path, cfg)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	reloaded := make(chan struct{}, 1)
	w.OnReload(func() { reloaded <- struct{}{} })

	stop := make(chan struct{})
	go w.Run(stop)
	defer close(stop)

	if err := os.WriteFile(path, []byte(`{"tasks":{"tasksMaxPending":12}}`), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case <-reloaded:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for config reload")
	}

	if cfg.Tasks.MaxPending != 12 {
		t.Fatalf("Tasks.MaxPending = %d, want 12 after reload", cfg.Tasks.MaxPending)
	}
	if cfg.Channels.DiscordToken != "watched-secret" {
		t.Fatalf("DiscordToken = %q, want preserved watched-secret", cfg.Channels.DiscordToken)
	}
}

func TestResolveDispatchConfigCarriesResearchBudgets(t *testing.T) {
	cfg := Default()
	cfg.Research.DefaultMaxSteps = 10
	cfg.Research.ActionsAllowed = []string{"job_start", "job_watch"}

	dc := cfg.ResolveDispatchConfig()
	if dc.ResearchDefaultBudgets.MaxSteps != 10 {
		t.Fatalf("ResearchDefaultBudgets.MaxSteps = %d, want 10", dc.ResearchDefaultBudgets.MaxSteps)
	}
	if len(dc.ResearchActionsAllowed) != 2 {
		t.Fatalf("ResearchActionsAllowed has %d entries, want 2", len(dc.ResearchActionsAllowed))
	}
}
