package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/titanous/json5"

	"github.com/nextlevelbuilder/relaykit/internal/errkind"
)

// Default returns a Config populated with the documented defaults for
// every §6.5 key, mirroring the teacher's config.Default().
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			Provider:      "codex",
			TimeoutMs:     10 * 60 * 1000,
			MaxReplyChars: 4000,
		},
		Channels: ChannelsConfig{
			ThreadAutoRespond:         true,
			DiscordAttachmentsEnabled: true,
			DiscordAttachmentMaxBytes: 8 * 1024 * 1024,
			TelegramMediaMaxBytes:     8 * 1024 * 1024,
		},
		Upload: UploadConfig{
			Enabled:  true,
			MaxFiles: 5,
			MaxBytes: 20 * 1024 * 1024,
		},
		Context: ContextConfig{
			Enabled:         true,
			EveryTurn:       false,
			Version:         1,
			MaxChars:        20000,
			MaxCharsPerFile: 8000,
		},
		Tasks: TasksConfig{
			Enabled:         true,
			MaxPending:      20,
			StopOnError:     true,
			PostFullOutput:  false,
			SummaryAfterRun: true,
		},
		Plans: PlansConfig{
			Enabled:                     true,
			MaxHistory:                  20,
			ApplyRequireConfirmInGuilds: true,
		},
		Handoff: HandoffConfig{
			Files: []string{"HANDOFF.md"},
		},
		Git: GitConfig{
			AutoCommitScope: "both",
			CommitPrefix:    "relay:",
		},
		Actions: ActionsConfig{
			Enabled:       true,
			DmOnly:        false,
			MaxPerMessage: 3,
		},
		Jobs: JobsConfig{
			AutoWatch:          true,
			AutoWatchEverySec:  10,
			AutoWatchTailLines: 20,
			GCRetentionDays:    14,
		},
		Progress: ProgressConfig{
			Enabled:       true,
			KeepLines:     50,
			MaxLines:      8,
			MinEditMs:     700,
			HeartbeatMs:   8000,
			StallWarnMs:   20000,
			EditTimeoutMs: 5000,
		},
		Research: ResearchConfig{
			Enabled:                true,
			DmOnly:                 true,
			DefaultMaxSteps:        50,
			DefaultMaxWallclockMin: 240,
			DefaultMaxRuns:         5,
			TickSec:                60,
			TickMaxParallel:        1,
			MaxActionsPerStep:      5,
			LeaseTtlSec:            120,
			InflightTtlSec:         600,
			PostOnApplied:          true,
			PostOnBlocked:          true,
			PostEverySteps:         1,
		},
		StateDir:             "~/.relay/state",
		ResearchProjectsRoot: "~/.relay/research",
	}
}

// Load reads a JSON5 config document at path, applying documented
// defaults for anything unset and then env-only secret overrides. A
// missing file is not an error — it yields Default() with env overlaid,
// matching the teacher's Load() treatment of os.IsNotExist.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env-only secrets (§6.5 fatal-at-startup if a
// required chat platform token is absent, §7 Fatal kind).
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("RELAY_DISCORD_TOKEN", &c.Channels.DiscordToken)
	envStr("RELAY_TELEGRAM_TOKEN", &c.Channels.TelegramToken)
	envStr("RELAY_AGENT_BINARY", &c.Agent.BinaryPath)
}

// RequireSecrets returns a Fatal-kind error (§7) if no chat platform token
// is configured — the relay has nothing to front with.
func (c *Config) RequireSecrets() error {
	if c.Channels.DiscordToken == "" && c.Channels.TelegramToken == "" {
		return errkind.New(errkind.Fatal, "config.RequireSecrets", fmt.Errorf("no chat platform token configured (set RELAY_DISCORD_TOKEN or RELAY_TELEGRAM_TOKEN)"))
	}
	if c.Agent.BinaryPath == "" {
		return errkind.New(errkind.Fatal, "config.RequireSecrets", fmt.Errorf("no agent binary configured (set RELAY_AGENT_BINARY)"))
	}
	return nil
}

// Save writes cfg as indented JSON to path, creating parent directories as
// needed (used by `relay doctor` to persist a generated config).
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	data, err := json.MarshalIndent(cfg, "", "  ")
	cfg.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: mkdir: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// Hash returns a short SHA-256 digest of cfg's JSON projection, used by
// Watcher to skip redundant reloads when a file-change event fires without
// a content change (e.g. a touch).
func (c *Config) Hash() string {
	c.mu.RLock()
	data, _ := json.Marshal(c)
	c.mu.RUnlock()
	sum := sha256.Sum256(data)
	return fmt.Sprintf("%x", sum[:8])
}

// ExpandHome replaces a leading "~" with the user's home directory,
// matching the teacher's ExpandHome helper.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if len(path) > 1 && path[1] == '/' {
		return filepath.Join(home, path[1:])
	}
	return home
}
