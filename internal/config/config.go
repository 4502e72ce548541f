// Package config implements the relay's single startup configuration
// value (§6.5) plus a hot-reload watcher for its non-secret fields,
// grounded on the teacher's internal/config (JSON5 file + env-secret
// overlay + mutex-guarded ReplaceFrom swap).
package config

import (
	"sync"
	"time"

	"github.com/nextlevelbuilder/relaykit/internal/actions"
	"github.com/nextlevelbuilder/relaykit/internal/adapters/discord"
	"github.com/nextlevelbuilder/relaykit/internal/adapters/telegram"
	"github.com/nextlevelbuilder/relaykit/internal/agentcli"
	"github.com/nextlevelbuilder/relaykit/internal/dispatch"
	"github.com/nextlevelbuilder/relaykit/internal/handoff"
	"github.com/nextlevelbuilder/relaykit/internal/progress"
	"github.com/nextlevelbuilder/relaykit/internal/research"
	"github.com/nextlevelbuilder/relaykit/internal/upload"
)

// Config is the root configuration value (§6.5). It is constructed once at
// startup and thereafter only mutated in place by Watcher, under mu, per
// the teacher's "all configuration is captured in an immutable Config
// value" design note (§9) — callers read through the Resolve*/accessor
// methods rather than touching fields directly once a Watcher is attached.
type Config struct {
	Agent    AgentConfig    `json:"agent"`
	Channels ChannelsConfig `json:"channels"`
	Upload   UploadConfig   `json:"upload"`
	Context  ContextConfig  `json:"context"`
	Tasks    TasksConfig    `json:"tasks"`
	Plans    PlansConfig    `json:"plans"`
	Handoff  HandoffConfig  `json:"handoff"`
	Git      GitConfig      `json:"git"`
	Actions  ActionsConfig  `json:"actions"`
	Jobs     JobsConfig     `json:"jobs"`
	Progress ProgressConfig `json:"progress"`
	Research ResearchConfig `json:"research"`

	StateDir             string `json:"stateDir"`
	ResearchProjectsRoot string `json:"researchProjectsRoot"`
	AdminListenAddr      string `json:"adminListenAddr,omitempty"`

	mu sync.RWMutex
}

// AgentConfig covers agentProvider/agentTimeoutMs/sandbox/approvalPolicy
// and the secret-from-env binary/model fields (§6.2, §6.5).
type AgentConfig struct {
	Provider              string   `json:"provider"`
	BinaryPath            string   `json:"-"` // env RELAY_AGENT_BINARY only
	DefaultWorkdir         string   `json:"defaultWorkdir"`
	AllowedWorkdirRoots    []string `json:"allowedWorkdirRoots"`
	TimeoutMs              int64    `json:"agentTimeoutMs"`
	Sandbox                string   `json:"sandbox,omitempty"`
	ApprovalPolicy         string   `json:"approvalPolicy,omitempty"`
	MaxReplyChars          int      `json:"maxReplyChars"`
	StaleSessionFragments  []string `json:"staleSessionFragments,omitempty"`
	HeavyModel             string   `json:"heavyModel,omitempty"`
	LightModel             string   `json:"lightModel,omitempty"`
	HeavyPromptCharThresh  int      `json:"heavyPromptCharThresh,omitempty"`
}

// ChannelsConfig covers allowedGuilds/allowedChannels/threadAutoRespond
// plus per-platform secrets (env-only) and Discord attachment caps.
type ChannelsConfig struct {
	AllowedGuilds     []string `json:"allowedGuilds,omitempty"`
	AllowedChannels   []string `json:"allowedChannels,omitempty"`
	ThreadAutoRespond bool     `json:"threadAutoRespond"`

	DiscordToken              string `json:"-"` // env RELAY_DISCORD_TOKEN only
	DiscordAttachmentsEnabled bool   `json:"discordAttachmentsEnabled"`
	DiscordAttachmentMaxBytes int64  `json:"discordAttachmentMaxBytes,omitempty"`

	TelegramToken         string `json:"-"` // env RELAY_TELEGRAM_TOKEN only
	TelegramMediaMaxBytes int64  `json:"telegramMediaMaxBytes,omitempty"`
}

// UploadConfig covers uploadEnabled/uploadMaxFiles/uploadMaxBytes/
// uploadAllowedRoots (§4.5, §6.5).
type UploadConfig struct {
	Enabled           bool     `json:"uploadEnabled"`
	MaxFiles          int      `json:"uploadMaxFiles"`
	MaxBytes          int64    `json:"uploadMaxBytes"`
	AllowedRoots      []string `json:"uploadAllowedRoots,omitempty"`
	ImageMaxDimension int      `json:"uploadImageMaxDimension,omitempty"`
}

// ContextConfig covers contextEnabled/contextEveryTurn/contextVersion/
// contextMaxChars/contextMaxCharsPerFile/contextSpecs (§4.2, §6.5).
type ContextConfig struct {
	Enabled            bool     `json:"contextEnabled"`
	EveryTurn          bool     `json:"contextEveryTurn"`
	Version            int      `json:"contextVersion"`
	MaxChars           int      `json:"contextMaxChars"`
	MaxCharsPerFile    int      `json:"contextMaxCharsPerFile"`
	Specs              []string `json:"contextSpecs,omitempty"` // "mode:path", mode in {head,tail,headtail}
}

// TasksConfig covers tasksEnabled/tasksMaxPending/tasksStopOnError/
// tasksPostFullOutput/tasksSummaryAfterRun (§4.7 Task Runner, §6.5).
type TasksConfig struct {
	Enabled          bool `json:"tasksEnabled"`
	MaxPending       int  `json:"tasksMaxPending"`
	StopOnError      bool `json:"tasksStopOnError"`
	PostFullOutput   bool `json:"tasksPostFullOutput"`
	SummaryAfterRun  bool `json:"tasksSummaryAfterRun"`
}

// PlansConfig covers plansEnabled/plansMaxHistory/
// planApplyRequireConfirmInGuilds (§4.9, §6.5).
type PlansConfig struct {
	Enabled                     bool `json:"plansEnabled"`
	MaxHistory                  int  `json:"plansMaxHistory"`
	ApplyRequireConfirmInGuilds bool `json:"planApplyRequireConfirmInGuilds"`
}

// HandoffConfig covers handoffEnabled/handoffAutoAfter*/handoffFiles/
// handoffGitAutoCommit/handoffGitAutoPush/handoffGitCommitMessage (§4.8,
// §4.9, §6.5).
type HandoffConfig struct {
	Enabled            bool     `json:"handoffEnabled"`
	AutoAfterTaskRun   bool     `json:"handoffAutoAfterTaskRun"`
	AutoAfterEachTask  bool     `json:"handoffAutoAfterEachTask"`
	AutoAfterPlanApply bool     `json:"handoffAutoAfterPlanApply"`
	Files              []string `json:"handoffFiles,omitempty"`
	GitAutoCommit      bool     `json:"handoffGitAutoCommit"`
	GitAutoPush        bool     `json:"handoffGitAutoPush"`
	GitCommitMessage   string   `json:"handoffGitCommitMessage,omitempty"`
}

// GitConfig covers gitAutoCommitEnabled/gitAutoCommitScope/gitCommitPrefix
// (§4.8, §6.5).
type GitConfig struct {
	AutoCommitEnabled bool   `json:"gitAutoCommitEnabled"`
	AutoCommitScope   string `json:"gitAutoCommitScope,omitempty"` // "task", "plan", "both"
	CommitPrefix      string `json:"gitCommitPrefix,omitempty"`
}

// ActionsConfig covers agentActionsEnabled/agentActionsDmOnly/
// agentActionsAllowed/agentActionsMaxPerMessage (§4.6, §6.5).
type ActionsConfig struct {
	Enabled       bool     `json:"agentActionsEnabled"`
	DmOnly        bool     `json:"agentActionsDmOnly"`
	Allowed       []string `json:"agentActionsAllowed,omitempty"`
	MaxPerMessage int      `json:"agentActionsMaxPerMessage"`
}

// JobsConfig covers jobsAutoWatch/jobsAutoWatchEverySec/
// jobsAutoWatchTailLines (§4.7, §6.5) — defaults applied to a job's
// state.JobWatchConfig when a caller doesn't specify one explicitly.
type JobsConfig struct {
	AutoWatch          bool `json:"jobsAutoWatch"`
	AutoWatchEverySec  int  `json:"jobsAutoWatchEverySec"`
	AutoWatchTailLines int  `json:"jobsAutoWatchTailLines"`

	// GCRetentionDays is the default retention window for `relay state gc`
	// (§C.2): job directories untracked by any session and older than this
	// are eligible for removal.
	GCRetentionDays int `json:"jobsGCRetentionDays"`
}

// ProgressConfig covers progressEnabled + timing knobs (§4.3, §6.5).
type ProgressConfig struct {
	Enabled           bool  `json:"progressEnabled"`
	KeepLines         int   `json:"progressKeepLines,omitempty"`
	MaxLines          int   `json:"progressMaxLines,omitempty"`
	MinEditMs         int64 `json:"progressMinEditMs,omitempty"`
	HeartbeatMs       int64 `json:"progressHeartbeatMs,omitempty"`
	StallWarnMs       int64 `json:"progressStallWarnMs,omitempty"`
	EditTimeoutMs     int64 `json:"progressEditTimeoutMs,omitempty"`
}

// ResearchConfig covers the full researchXxx key group (§4.10, §6.5).
type ResearchConfig struct {
	Enabled                bool     `json:"researchEnabled"`
	DmOnly                 bool     `json:"researchDmOnly"`
	DefaultMaxSteps        int      `json:"researchDefaultMaxSteps"`
	DefaultMaxWallclockMin int      `json:"researchDefaultMaxWallclockMin"`
	DefaultMaxRuns         int      `json:"researchDefaultMaxRuns"`
	TickSec                int      `json:"researchTickSec"`
	TickMaxParallel        int      `json:"researchTickMaxParallel"`
	ActionsAllowed         []string `json:"researchActionsAllowed,omitempty"`
	MaxActionsPerStep      int      `json:"researchMaxActionsPerStep"`
	LeaseTtlSec            int      `json:"researchLeaseTtlSec"`
	InflightTtlSec         int      `json:"researchInflightTtlSec"`
	PostOnApplied          bool     `json:"researchPostOnApplied"`
	PostOnBlocked          bool     `json:"researchPostOnBlocked"`
	PostEverySteps         int      `json:"researchPostEverySteps"`
}

// ReplaceFrom swaps in src's fields under mu, mirroring the teacher's
// Config.ReplaceFrom for live-reload safety — called by Watcher after a
// successful re-parse, never by request-handling code directly.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	secretAgent, secretChannels := c.Agent, c.Channels
	*c = *src
	c.Agent.BinaryPath = secretAgent.BinaryPath
	c.Channels.DiscordToken = secretChannels.DiscordToken
	c.Channels.TelegramToken = secretChannels.TelegramToken
}

// snapshot returns a shallow copy of the guarded fields for the Resolve*
// accessors below, which must not hold mu across a call into another
// package's withDefaults().
func (c *Config) snapshot() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return *c
}

// ResolveAgentCLIConfig converts to agentcli.Config (§6.2, §6.5).
func (c *Config) ResolveAgentCLIConfig() agentcli.Config {
	s := c.snapshot()
	style := agentcli.StyleCodex
	if s.Agent.Provider == "claude" {
		style = agentcli.StyleClaude
	}
	return agentcli.Config{
		Style:                 style,
		BinaryPath:            s.Agent.BinaryPath,
		Sandbox:               s.Agent.Sandbox,
		ApprovalPolicy:        s.Agent.ApprovalPolicy,
		TimeoutMs:             s.Agent.TimeoutMs,
		StaleSessionFragments: s.Agent.StaleSessionFragments,
		HeavyModel:            s.Agent.HeavyModel,
		LightModel:            s.Agent.LightModel,
		HeavyPromptCharThresh: s.Agent.HeavyPromptCharThresh,
	}
}

// ResolveUploadConfig converts to upload.Config (§4.5, §6.5).
func (c *Config) ResolveUploadConfig() upload.Config {
	s := c.snapshot()
	return upload.Config{
		MaxFiles:          s.Upload.MaxFiles,
		MaxBytes:          s.Upload.MaxBytes,
		UploadAllowedRoots: s.Upload.AllowedRoots,
		UploadMaxBytes:     s.Upload.MaxBytes,
		ImageMaxDimension:  s.Upload.ImageMaxDimension,
	}
}

// ResolveProgressConfig converts to progress.Config (§4.3, §6.5).
func (c *Config) ResolveProgressConfig() progress.Config {
	s := c.snapshot()
	return progress.Config{
		KeepLines:   s.Progress.KeepLines,
		MaxLines:    s.Progress.MaxLines,
		MinEditMs:   s.Progress.MinEditMs,
		HeartbeatMs: s.Progress.HeartbeatMs,
		StallWarnMs: s.Progress.StallWarnMs,
		EditTimeout: time.Duration(s.Progress.EditTimeoutMs) * time.Millisecond,
	}
}

// ResolveHandoffConfig converts to handoff.Config (§4.8, §4.9, §6.5).
func (c *Config) ResolveHandoffConfig() handoff.Config {
	s := c.snapshot()
	return handoff.Config{
		Enabled:          s.Handoff.Enabled,
		Files:            s.Handoff.Files,
		GitAutoCommit:    s.Handoff.GitAutoCommit,
		GitAutoPush:      s.Handoff.GitAutoPush,
		GitCommitMessage: s.Handoff.GitCommitMessage,
	}
}

// ResolveResearchConfig converts to research.Config (§4.10, §6.5).
func (c *Config) ResolveResearchConfig() research.Config {
	s := c.snapshot()
	return research.Config{
		LeaseTTL:          time.Duration(s.Research.LeaseTtlSec) * time.Second,
		InflightTTL:       time.Duration(s.Research.InflightTtlSec) * time.Second,
		ActionsAllowed:    parseResearchActions(s.Research.ActionsAllowed),
		MaxActionsPerStep: s.Research.MaxActionsPerStep,
	}
}

// ResolveActionsGateConfig converts to actions.GateConfig (§4.6, §6.5).
func (c *Config) ResolveActionsGateConfig() actions.GateConfig {
	s := c.snapshot()
	allowed := make(map[actions.Type]bool, len(s.Actions.Allowed))
	for _, a := range s.Actions.Allowed {
		allowed[actions.Type(a)] = true
	}
	return actions.GateConfig{
		Enabled:       s.Actions.Enabled,
		DmOnly:        s.Actions.DmOnly,
		Allowed:       allowed,
		MaxPerMessage: s.Actions.MaxPerMessage,
	}
}

// ResolveDispatchConfig converts to dispatch.Config (§6.3, §6.5), the
// Dispatcher's own policy knobs.
func (c *Config) ResolveDispatchConfig() dispatch.Config {
	s := c.snapshot()
	budgets := research.Budgets{
		MaxSteps:            s.Research.DefaultMaxSteps,
		MaxRuns:             s.Research.DefaultMaxRuns,
		MaxWallClockMinutes: s.Research.DefaultMaxWallclockMin,
	}
	researchAllowed := make(map[research.ActionType]bool)
	for name := range parseResearchActions(s.Research.ActionsAllowed) {
		researchAllowed[name] = true
	}
	return dispatch.Config{
		AllowedWorkdirRoots:             s.Agent.AllowedWorkdirRoots,
		AttachDMOnly:                    true,
		TasksMaxPending:                 s.Tasks.MaxPending,
		PlansMaxHistory:                 s.Plans.MaxHistory,
		PlanApplyRequireConfirmInGuilds: s.Plans.ApplyRequireConfirmInGuilds,
		GitCommitPrefix:                 s.Git.CommitPrefix,
		ResearchProjectsRoot:            s.ResearchProjectsRoot,
		ResearchDefaultBudgets:          budgets,
		ResearchActionsAllowed:          researchAllowed,
	}
}

// ResolveDiscordConfig converts to discord.Config (§6.1, §6.5), expanding
// the flat allowedGuilds/allowedChannels lists into the adapter's lookup
// maps.
func (c *Config) ResolveDiscordConfig() discord.Config {
	s := c.snapshot()
	return discord.Config{
		Token:             s.Channels.DiscordToken,
		AllowedGuilds:     stringSet(s.Channels.AllowedGuilds),
		AllowedChannels:   stringSet(s.Channels.AllowedChannels),
		ThreadAutoRespond: s.Channels.ThreadAutoRespond,
	}
}

// ResolveTelegramConfig converts to telegram.Config (§6.1, §6.5).
func (c *Config) ResolveTelegramConfig() telegram.Config {
	s := c.snapshot()
	return telegram.Config{
		Token:             s.Channels.TelegramToken,
		AllowedGuilds:     stringSet(s.Channels.AllowedGuilds),
		AllowedChannels:   stringSet(s.Channels.AllowedChannels),
		ThreadAutoRespond: s.Channels.ThreadAutoRespond,
		MediaMaxBytes:     s.Channels.TelegramMediaMaxBytes,
	}
}

func stringSet(names []string) map[string]bool {
	out := make(map[string]bool, len(names))
	for _, n := range names {
		out[n] = true
	}
	return out
}

func parseResearchActions(names []string) map[research.ActionType]bool {
	out := make(map[research.ActionType]bool, len(names))
	for _, n := range names {
		out[research.ActionType(n)] = true
	}
	return out
}
