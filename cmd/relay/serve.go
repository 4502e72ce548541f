package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/relaykit/internal/adapters/discord"
	"github.com/nextlevelbuilder/relaykit/internal/adapters/telegram"
	"github.com/nextlevelbuilder/relaykit/internal/agentcli"
	"github.com/nextlevelbuilder/relaykit/internal/config"
	"github.com/nextlevelbuilder/relaykit/internal/convqueue"
	"github.com/nextlevelbuilder/relaykit/internal/dispatch"
	"github.com/nextlevelbuilder/relaykit/internal/errkind"
	"github.com/nextlevelbuilder/relaykit/internal/httpapi"
	"github.com/nextlevelbuilder/relaykit/internal/jobs"
	"github.com/nextlevelbuilder/relaykit/internal/research"
	"github.com/nextlevelbuilder/relaykit/internal/state"
	"github.com/nextlevelbuilder/relaykit/internal/upload"
	"github.com/nextlevelbuilder/relaykit/pkg/protocol"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the relay (default when no subcommand is given)",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	setupLogging(verbose)

	a, err := newApp(resolveConfigPath())
	if err != nil {
		slog.Error("relay: startup failed", "error", errkind.New(errkind.Fatal, "relay.newApp", err))
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := a.Run(ctx); err != nil {
		slog.Error("relay: exited with error", "error", err)
		os.Exit(1)
	}
}

// app wires every relay subsystem together (§6: the single wiring point
// between the decoupled internal packages). Nothing outside this package
// knows about more than one subsystem at a time.
type app struct {
	cfg *config.Config

	store    *state.Store
	invoker  *agentcli.Invoker
	jobsMgr  *jobs.Manager
	jobsWatch *jobs.Watcher
	uploadBr *upload.Bridge
	queue    *convqueue.Queue
	bus      *httpapi.Bus
	httpSrv  *httpapi.Server
	ticker   *research.Ticker

	cfgMu      sync.Mutex
	dispatcher *dispatch.Dispatcher

	adapters map[string]protocol.Adapter

	stateDir    string
	uploadsRoot string
	plansRoot   string
}

func newApp(cfgPath string) (*app, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("relay: load config: %w", err)
	}
	if err := cfg.RequireSecrets(); err != nil {
		return nil, fmt.Errorf("relay: %w", err)
	}

	stateDir := config.ExpandHome(cfg.StateDir)
	if stateDir == "" {
		stateDir = config.ExpandHome("~/.relay/state")
	}
	researchRoot := config.ExpandHome(cfg.ResearchProjectsRoot)

	store, err := state.Open(filepath.Join(stateDir, "sessions.json"))
	if err != nil {
		return nil, fmt.Errorf("relay: open state store: %w", err)
	}

	a := &app{
		cfg:         cfg,
		store:       store,
		invoker:     agentcli.New(cfg.ResolveAgentCLIConfig()),
		jobsMgr:     jobs.New(filepath.Join(stateDir, "jobs")),
		uploadBr:    upload.New(cfg.ResolveUploadConfig()),
		queue:       convqueue.New(),
		bus:         httpapi.NewBus(),
		ticker:      research.NewTicker(cfg.Research.TickMaxParallel),
		stateDir:    stateDir,
		uploadsRoot: filepath.Join(stateDir, "uploads"),
		plansRoot:   filepath.Join(stateDir, "plans"),
	}
	a.jobsWatch = jobs.NewWatcher(a.jobsMgr)
	a.httpSrv = httpapi.New(a.bus, nil)

	if researchRoot == "" {
		researchRoot = filepath.Join(stateDir, "research")
		a.cfg.ResearchProjectsRoot = researchRoot
	}

	dispatchCfg := cfg.ResolveDispatchConfig()
	a.dispatcher = &dispatch.Dispatcher{
		Store:               a.store,
		Jobs:                a.jobsMgr,
		Watcher:             a.jobsWatch,
		Upload:              a.uploadBr,
		Cfg:                 dispatchCfg,
		GeneratePlan:        a.generatePlan,
		InvokeAgent:         a.invokeAgentForDispatch,
		StartTaskRunner:     a.startTaskRunner,
		CancelAgent:         a.invoker.Cancel,
		ResearchInvoke:      a.researchInvoke,
		ResearchBuildPrompt: a.researchBuildPrompt,
		ResearchRunnerFor:   a.researchRunnerFor,
		HandoffCfg:          cfg.ResolveHandoffConfig(),
	}

	a.adapters = make(map[string]protocol.Adapter)
	if cfg.Channels.DiscordToken != "" {
		ad, err := discord.New(cfg.ResolveDiscordConfig())
		if err != nil {
			return nil, fmt.Errorf("relay: discord adapter: %w", err)
		}
		a.adapters["discord"] = ad
	}
	if cfg.Channels.TelegramToken != "" {
		ad, err := telegram.New(cfg.ResolveTelegramConfig())
		if err != nil {
			return nil, fmt.Errorf("relay: telegram adapter: %w", err)
		}
		a.adapters["telegram"] = ad
	}
	if len(a.adapters) == 0 {
		return nil, fmt.Errorf("relay: no chat adapter configured")
	}

	return a, nil
}

// Run starts every adapter, the admin HTTP surface, the config watcher,
// restart-recovery for in-flight job watchers, and the research autotick
// loop, then blocks until ctx is canceled.
func (a *app) Run(ctx context.Context) error {
	for name, ad := range a.adapters {
		name, ad := name, ad
		if err := ad.Start(ctx, a.onMessage(name, ad)); err != nil {
			return fmt.Errorf("relay: start %s adapter: %w", name, err)
		}
		slog.Info("relay: adapter started", "adapter", name, "bot_user_id", ad.BotUserID())
	}

	if a.cfg.AdminListenAddr != "" {
		go func() {
			if err := a.httpSrv.Start(ctx, a.cfg.AdminListenAddr); err != nil {
				slog.Error("relay: admin http server stopped", "error", err)
			}
		}()
	}

	if watcher, err := config.NewWatcher(resolveConfigPath(), a.cfg); err == nil {
		watcher.OnReload(a.onConfigReload)
		stop := make(chan struct{})
		go watcher.Run(stop)
		go func() {
			<-ctx.Done()
			close(stop)
		}()
	} else {
		slog.Warn("relay: config hot-reload disabled", "error", err)
	}

	a.restartJobWatchers()
	go a.runResearchTickLoop(ctx)

	<-ctx.Done()
	slog.Info("relay: shutting down")

	for name, ad := range a.adapters {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := ad.Stop(stopCtx); err != nil {
			slog.Warn("relay: adapter stop error", "adapter", name, "error", err)
		}
		cancel()
	}
	return a.store.Flush()
}

// onConfigReload re-resolves every config-derived value the Dispatcher
// consults per call. The Agent Invoker and chat adapters are constructed
// once at startup from the boot-time snapshot (§9 open question: a
// reload only threads through the dispatch-layer knobs, not process-
// lifetime objects like the invoker or adapter sockets).
func (a *app) onConfigReload() {
	a.cfgMu.Lock()
	defer a.cfgMu.Unlock()
	a.dispatcher.Cfg = a.cfg.ResolveDispatchConfig()
	a.dispatcher.HandoffCfg = a.cfg.ResolveHandoffConfig()
	slog.Info("relay: config reloaded")
}
