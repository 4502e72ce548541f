package dispatch

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/nextlevelbuilder/relaykit/internal/convkey"
	"github.com/nextlevelbuilder/relaykit/internal/gitutil"
	"github.com/nextlevelbuilder/relaykit/internal/handoff"
	"github.com/nextlevelbuilder/relaykit/internal/jobs"
	"github.com/nextlevelbuilder/relaykit/internal/plans"
	"github.com/nextlevelbuilder/relaykit/internal/research"
	"github.com/nextlevelbuilder/relaykit/internal/state"
	"github.com/nextlevelbuilder/relaykit/internal/upload"
)

// Config tunes command behavior from the recognized options in §6.5 that
// the dispatcher itself consults (as opposed to handlers downstream).
type Config struct {
	AllowedWorkdirRoots             []string
	AttachDMOnly                    bool
	TasksMaxPending                 int
	PlansMaxHistory                 int
	PlanApplyRequireConfirmInGuilds bool
	GitCommitPrefix                 string
	ResearchProjectsRoot            string
	ResearchDefaultBudgets          research.Budgets
	ResearchActionsAllowed          map[research.ActionType]bool
}

// Meta is the per-message routing context the Dispatcher Shell supplies.
type Meta struct {
	ConvKey        string
	ConvSlug       string
	IsDM           bool
	IsGuildChannel bool
	UploadDir      string
}

// Dispatcher routes parsed slash-commands to handlers, most of which
// mutate Session state directly and a few of which delegate to injected
// closures for agent invocation (§4.11; the agent/job/research packages
// stay decoupled from this package exactly as they do from each other).
type Dispatcher struct {
	Store   *state.Store
	Jobs    *jobs.Manager
	Watcher *jobs.Watcher
	Upload  *upload.Bridge
	Cfg     Config

	GeneratePlan        plans.GenerateFunc
	InvokeAgent         func(convKey string, sess *state.Session, prompt string) (string, error)
	StartTaskRunner     func(convKey string, sess *state.Session)
	CancelAgent         func(convKey string) bool
	ResearchInvoke      research.InvokeFunc
	ResearchBuildPrompt func(s *research.ManagerState) (string, error)
	// ResearchRunnerFor builds the ActionRunner for one project root.
	// research.ActionRunner's StartJob/WatchJob/StopJob closures carry no
	// projectRoot parameter of their own (§4.10 Research Actions table), so
	// the runner has to be bound fresh per project rather than held as a
	// single Dispatcher-wide value.
	ResearchRunnerFor func(projectRoot string) research.ActionRunner
	HandoffCfg        handoff.Config
}

// Dispatch routes one parsed command against sess, the caller having
// already resolved bypass/refusal via Bypasses/Refused.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd, rest string, sess *state.Session, meta Meta) (Result, error) {
	switch cmd {
	case "help":
		return textResult(helpText())
	case "status":
		return d.status(sess)
	case "reset":
		return d.reset(sess)
	case "workdir":
		return d.workdir(sess, rest)
	case "attach":
		return d.attach(sess, rest, meta)
	case "upload":
		return d.upload(sess, rest, meta)
	case "context":
		return d.context(sess, rest)
	case "task":
		return d.task(ctx, sess, rest, meta)
	case "worktree":
		return d.worktree(ctx, sess, rest)
	case "plan":
		return d.plan(sess, rest, meta)
	case "handoff":
		return d.handoff(ctx, sess, rest)
	case "research":
		return d.research(sess, rest, meta, false)
	case "overnight":
		return d.overnight(sess, rest, meta)
	case "auto":
		return d.auto(sess, rest)
	case "go":
		return d.goCmd(sess, rest, meta)
	default:
		return textResult(fmt.Sprintf("unknown command /%s", cmd))
	}
}

func helpText() string {
	return "Commands: /help /status /reset /workdir /attach /upload /context " +
		"/task /worktree /plan /handoff /research /auto /go /overnight"
}

func (d *Dispatcher) status(sess *state.Session) (Result, error) {
	running := state.RunningTask(sess)
	job := state.RunningJob(sess)
	var b strings.Builder
	fmt.Fprintf(&b, "workdir: %s\n", sess.Workdir)
	fmt.Fprintf(&b, "tasks: %d pending, running=%v\n", state.PendingCount(sess), sess.TaskLoop.Running)
	if running != nil {
		fmt.Fprintf(&b, "current task: %s %q\n", running.ID, running.Text)
	}
	if job != nil {
		fmt.Fprintf(&b, "running job: %s\n", job.ID)
	}
	fmt.Fprintf(&b, "auto: actions=%v research=%v\n", sess.Auto.Actions, sess.Auto.Research)
	if sess.Research.Enabled {
		fmt.Fprintf(&b, "research project: %s\n", sess.Research.ProjectRoot)
	}
	return textResult(b.String())
}

func (d *Dispatcher) reset(sess *state.Session) (Result, error) {
	sess.ThreadID = ""
	return textResult("Conversation history has been reset.")
}

func (d *Dispatcher) workdir(sess *state.Session, rest string) (Result, error) {
	if rest == "" {
		return textResult(fmt.Sprintf("current workdir: %s", sess.Workdir))
	}
	if !filepath.IsAbs(rest) {
		return textResult("usage: /workdir <abs-path>")
	}
	if len(d.Cfg.AllowedWorkdirRoots) > 0 && !withinAnyPrefix(rest, d.Cfg.AllowedWorkdirRoots) {
		return textResult("that path is outside the allowed workdir roots")
	}
	sess.Workdir = filepath.Clean(rest)
	return textResult(fmt.Sprintf("workdir set to %s", sess.Workdir))
}

func withinAnyPrefix(path string, roots []string) bool {
	clean := filepath.Clean(path)
	for _, root := range roots {
		if root == "" {
			continue
		}
		r := filepath.Clean(root)
		if clean == r || strings.HasPrefix(clean, r+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func (d *Dispatcher) attach(sess *state.Session, rest string, meta Meta) (Result, error) {
	if d.Cfg.AttachDMOnly && !meta.IsDM {
		return textResult("/attach is restricted to DMs")
	}
	if rest == "" {
		return textResult("usage: /attach <session-id>")
	}
	sess.ThreadID = rest
	return textResult(fmt.Sprintf("attached to session %s", rest))
}

func (d *Dispatcher) upload(sess *state.Session, rest string, meta Meta) (Result, error) {
	if rest == "" {
		return textResult("usage: /upload <path>")
	}
	if d.Upload == nil {
		return textResult("uploads are not enabled")
	}
	ok, rejected := d.Upload.ResolveOutgoing([]string{rest}, meta.UploadDir, sess.Workdir)
	if len(rejected) > 0 {
		return textResult(fmt.Sprintf("upload refused: %s", rejected[0].Reason))
	}
	return textResult(fmt.Sprintf("ready to upload: %s (%d bytes)", ok[0].Path, ok[0].Size))
}

func (d *Dispatcher) context(sess *state.Session, rest string) (Result, error) {
	sub, _ := SplitFirstToken(rest)
	if strings.ToLower(sub) == "reload" {
		sess.ContextVersion = 0 // below any configured contextVersion, so the next turn re-injects
		return textResult("context reloaded: it is injected again with the next message")
	}
	return textResult(fmt.Sprintf("context version %d", sess.ContextVersion))
}

func (d *Dispatcher) task(ctx context.Context, sess *state.Session, rest string, meta Meta) (Result, error) {
	sub, arg := SplitFirstToken(rest)
	switch strings.ToLower(sub) {
	case "add":
		if arg == "" {
			return textResult("usage: /task add <text>")
		}
		if d.Cfg.TasksMaxPending > 0 && state.PendingCount(sess) >= d.Cfg.TasksMaxPending {
			return textResult(fmt.Sprintf("refused: tasksMaxPending (%d) reached", d.Cfg.TasksMaxPending))
		}
		t := state.AppendTask(sess, arg)
		return textResult(fmt.Sprintf("queued %s: %s", t.ID, t.Text))
	case "list":
		return textResult(listTasks(sess))
	case "run":
		if sess.TaskLoop.Running {
			return textResult("task runner is already running")
		}
		if d.StartTaskRunner != nil {
			d.StartTaskRunner(meta.ConvKey, sess)
		}
		return textResult("task runner started")
	case "stop":
		if !sess.TaskLoop.Running {
			return textResult("task runner is not running")
		}
		sess.TaskLoop.StopRequested = true
		if d.CancelAgent != nil {
			d.CancelAgent(meta.ConvKey)
		}
		return textResult("stopping task runner after the current task")
	case "clear":
		scope, _ := SplitFirstToken(arg)
		return textResult(clearTasks(sess, strings.ToLower(scope)))
	default:
		return textResult("usage: /task {add|list|run|stop|clear [done|all]}")
	}
}

func listTasks(sess *state.Session) string {
	if len(sess.Tasks) == 0 {
		return "no tasks"
	}
	var b strings.Builder
	for _, t := range sess.Tasks {
		fmt.Fprintf(&b, "%s [%s] %s\n", t.ID, t.Status, t.Text)
	}
	return strings.TrimRight(b.String(), "\n")
}

func clearTasks(sess *state.Session, scope string) string {
	keep := sess.Tasks[:0:0]
	removed := 0
	for _, t := range sess.Tasks {
		drop := scope == "all" || (scope == "done" && (t.Status == state.TaskDone || t.Status == state.TaskCanceled))
		if drop {
			removed++
			continue
		}
		keep = append(keep, t)
	}
	sess.Tasks = keep
	return fmt.Sprintf("cleared %d task(s)", removed)
}

func (d *Dispatcher) worktree(ctx context.Context, sess *state.Session, rest string) (Result, error) {
	sub, arg := SplitFirstToken(rest)
	switch strings.ToLower(sub) {
	case "list":
		entries, err := gitutil.ListWorktrees(ctx, sess.Workdir)
		if err != nil {
			return textResult(fmt.Sprintf("worktree list failed: %v", err))
		}
		var b strings.Builder
		for _, e := range entries {
			fmt.Fprintf(&b, "%s %s\n", e.Path, e.Branch)
		}
		return textResult(strings.TrimRight(b.String(), "\n"))
	case "new":
		name, nameRest := SplitFirstToken(arg)
		if name == "" {
			return textResult("usage: /worktree new <name> [--from <ref>] [--use]")
		}
		fromRef, use := parseWorktreeFlags(nameRest)
		path := filepath.Join(filepath.Dir(sess.Workdir), filepath.Base(sess.Workdir)+"-"+name)
		if err := gitutil.NewWorktree(ctx, sess.Workdir, path, name, fromRef); err != nil {
			return textResult(fmt.Sprintf("worktree new failed: %v", err))
		}
		if use {
			sess.Workdir = path
		}
		return textResult(fmt.Sprintf("created worktree %s at %s", name, path))
	case "use":
		if arg == "" {
			return textResult("usage: /worktree use <name>")
		}
		path := filepath.Join(filepath.Dir(sess.Workdir), filepath.Base(sess.Workdir)+"-"+arg)
		sess.Workdir = path
		return textResult(fmt.Sprintf("workdir set to %s", path))
	case "rm":
		name, nameRest := SplitFirstToken(arg)
		if name == "" {
			return textResult("usage: /worktree rm <name> [--force]")
		}
		force := strings.Contains(nameRest, "--force")
		path := filepath.Join(filepath.Dir(sess.Workdir), filepath.Base(sess.Workdir)+"-"+name)
		if err := gitutil.RemoveWorktree(ctx, sess.Workdir, path, force); err != nil {
			return textResult(fmt.Sprintf("worktree rm failed: %v", err))
		}
		return textResult(fmt.Sprintf("removed worktree %s", name))
	case "prune":
		if err := gitutil.PruneWorktrees(ctx, sess.Workdir); err != nil {
			return textResult(fmt.Sprintf("worktree prune failed: %v", err))
		}
		return textResult("pruned stale worktrees")
	default:
		return textResult("usage: /worktree {list|new <name> [--from <ref>] [--use]|use <name>|rm <name> [--force]|prune}")
	}
}

func parseWorktreeFlags(rest string) (fromRef string, use bool) {
	fields := strings.Fields(rest)
	for i := 0; i < len(fields); i++ {
		switch fields[i] {
		case "--from":
			if i+1 < len(fields) {
				fromRef = fields[i+1]
				i++
			}
		case "--use":
			use = true
		}
	}
	return fromRef, use
}

func (d *Dispatcher) plan(sess *state.Session, rest string, meta Meta) (Result, error) {
	sub, arg := SplitFirstToken(rest)
	switch strings.ToLower(sub) {
	case "list":
		if len(sess.Plans) == 0 {
			return textResult("no plans")
		}
		var b strings.Builder
		for _, p := range sess.Plans {
			fmt.Fprintf(&b, "%s %s\n", p.ID, p.Title)
		}
		return textResult(strings.TrimRight(b.String(), "\n"))
	case "show":
		id := arg
		if id == "" {
			id = "last"
		}
		p := state.FindPlan(sess, id)
		if p == nil {
			return textResult(fmt.Sprintf("no plan %q", id))
		}
		store := plans.New(filepath.Dir(p.Path))
		text, err := store.Read(p)
		if err != nil {
			return textResult(fmt.Sprintf("failed to read plan: %v", err))
		}
		return textResult(text)
	case "queue":
		id, flagRest := SplitFirstToken(arg)
		if id == "" {
			id = "last"
		}
		p := state.FindPlan(sess, id)
		if p == nil {
			return textResult(fmt.Sprintf("no plan %q", id))
		}
		store := plans.New(filepath.Dir(p.Path))
		text, err := store.Read(p)
		if err != nil {
			return textResult(fmt.Sprintf("failed to read plan: %v", err))
		}
		steps := plans.ParseTaskBreakdownSteps(text)
		added, skipped, refused := plans.Queue(sess, steps, d.Cfg.TasksMaxPending)
		reply := fmt.Sprintf("queued %d, skipped %d duplicates, refused %d", len(added), len(skipped), refused)
		if strings.Contains(flagRest, "--run") && !sess.TaskLoop.Running && d.StartTaskRunner != nil {
			d.StartTaskRunner(meta.ConvKey, sess)
			reply += "; task runner started"
		}
		return textResult(reply)
	case "apply":
		id, flagRest := SplitFirstToken(arg)
		if id == "" {
			return textResult("usage: /plan apply <id> [--confirm]")
		}
		confirmed := strings.Contains(flagRest, "--confirm")
		if plans.ConfirmRequired(d.Cfg.PlanApplyRequireConfirmInGuilds, meta.IsGuildChannel, confirmed) {
			return textResult("applying a plan in a guild channel requires --confirm")
		}
		p := state.FindPlan(sess, id)
		if p == nil {
			return textResult(fmt.Sprintf("no plan %q", id))
		}
		store := plans.New(filepath.Dir(p.Path))
		text, err := store.Read(p)
		if err != nil {
			return textResult(fmt.Sprintf("failed to read plan: %v", err))
		}
		steps := plans.ParseTaskBreakdownSteps(text)
		added, skipped, refused := plans.Queue(sess, steps, d.Cfg.TasksMaxPending)
		if !sess.TaskLoop.Running && d.StartTaskRunner != nil {
			d.StartTaskRunner(meta.ConvKey, sess)
		}
		return textResult(fmt.Sprintf("applied plan %s: queued %d, skipped %d, refused %d", p.ID, len(added), len(skipped), refused))
	default:
		request := rest
		if request == "" {
			return textResult("usage: /plan <request>")
		}
		if d.GeneratePlan == nil {
			return textResult("plan generation is not configured")
		}
		repo := RepoContextFor(sess.Workdir)
		store := plans.New(filepath.Join(filepath.Dir(meta.UploadDir), "..", "plans", meta.ConvSlug))
		p, err := store.Create(sess, request, repo, d.GeneratePlan, d.Cfg.PlansMaxHistory)
		if err != nil {
			return textResult(fmt.Sprintf("plan generation failed: %v", err))
		}
		return textResult(fmt.Sprintf("created plan %s: %s", p.ID, p.Title))
	}
}

// RepoContextFor seeds a plans.RepoContext from workdir via gitutil,
// tolerating a non-repo workdir (empty fields).
func RepoContextFor(workdir string) plans.RepoContext {
	ctx := context.Background()
	branch, _ := gitutil.Branch(ctx, workdir)
	status, _ := gitutil.PorcelainStatus(ctx, workdir)
	diffstat, _ := gitutil.Diffstat(ctx, workdir)
	return plans.RepoContext{Branch: branch, PorcelainOut: status, Diffstat: diffstat}
}

func (d *Dispatcher) handoff(ctx context.Context, sess *state.Session, rest string) (Result, error) {
	dryRun := strings.Contains(rest, "--dry-run")
	var commitOverride, pushOverride *bool
	if strings.Contains(rest, "--commit") {
		v := true
		commitOverride = &v
	}
	if strings.Contains(rest, "--no-commit") {
		v := false
		commitOverride = &v
	}
	if strings.Contains(rest, "--push") {
		v := true
		pushOverride = &v
	}
	if strings.Contains(rest, "--no-push") {
		v := false
		pushOverride = &v
	}
	res, err := handoff.Write(ctx, sess.Workdir, d.HandoffCfg, handoff.Entry{
		Title:   "manual handoff",
		Summary: fmt.Sprintf("Session %s at %s", sess.Key, time.Now().UTC().Format(time.RFC3339)),
	}, dryRun, commitOverride, pushOverride)
	if err != nil {
		return textResult(fmt.Sprintf("handoff failed: %v", err))
	}
	if dryRun {
		return textResult(fmt.Sprintf("dry run: would write %v", res.FilesWritten))
	}
	msg := fmt.Sprintf("wrote %v", res.FilesWritten)
	if res.Committed {
		msg += "; committed"
	}
	if res.Pushed {
		msg += "; pushed"
	}
	return textResult(msg)
}

func (d *Dispatcher) research(sess *state.Session, rest string, meta Meta, fromOvernight bool) (Result, error) {
	sub, arg := SplitFirstToken(rest)
	switch strings.ToLower(sub) {
	case "start":
		return d.researchStart(sess, arg, meta, fromOvernight)
	case "status":
		return d.researchStatus(sess)
	case "run", "step":
		return d.researchStep(sess)
	case "pause":
		return d.researchSetAutoRun(sess, false, research.StatusPaused)
	case "stop":
		return d.researchSetAutoRun(sess, false, research.StatusDone)
	case "note":
		if arg == "" {
			return textResult("usage: /research note <text>")
		}
		if !sess.Research.Enabled {
			return textResult("no research project is bound to this conversation")
		}
		if err := research.NoteFeedback(sess.Research.ProjectRoot, arg, false); err != nil {
			return textResult(fmt.Sprintf("note failed: %v", err))
		}
		return textResult("noted")
	default:
		return textResult("usage: /research {start <goal>|status|run|step|pause|stop|note <text>}")
	}
}

func (d *Dispatcher) overnight(sess *state.Session, rest string, meta Meta) (Result, error) {
	sub, arg := SplitFirstToken(rest)
	switch strings.ToLower(sub) {
	case "start":
		return d.researchStart(sess, arg, meta, true)
	case "status":
		return d.researchStatus(sess)
	case "stop":
		return d.researchSetAutoRun(sess, false, research.StatusDone)
	default:
		return textResult("usage: /overnight {start <goal>|status|stop}")
	}
}

func (d *Dispatcher) researchStart(sess *state.Session, goal string, meta Meta, overnight bool) (Result, error) {
	if goal == "" {
		return textResult("usage: start <goal>")
	}
	if sess.Research.Enabled {
		return textResult("a research project is already running for this conversation; /research stop first")
	}
	slug := time.Now().UTC().Format("20060102-150405")
	root := filepath.Join(d.Cfg.ResearchProjectsRoot, meta.ConvSlug, slug)
	budgets := d.Cfg.ResearchDefaultBudgets
	discord := research.DiscordBinding{}
	if _, err := research.Scaffold(root, goal, discord, budgets); err != nil {
		return textResult(fmt.Sprintf("research scaffold failed: %v", err))
	}
	sess.Research = state.ResearchBinding{
		Enabled:        true,
		ProjectRoot:    root,
		Slug:           slug,
		ManagerConvKey: convkey.Manager(meta.ConvKey),
	}
	sess.Auto.Research = true
	kind := "research"
	if overnight {
		kind = "overnight"
	}
	return textResult(fmt.Sprintf("%s project scaffolded at %s for goal %q", kind, root, goal))
}

func (d *Dispatcher) researchStatus(sess *state.Session) (Result, error) {
	if !sess.Research.Enabled {
		return textResult("no research project is bound to this conversation")
	}
	s, err := research.LoadState(sess.Research.ProjectRoot)
	if err != nil {
		return textResult(fmt.Sprintf("failed to read research state: %v", err))
	}
	var b strings.Builder
	fmt.Fprintf(&b, "phase: %s\nstatus: %s\nautoRun: %v\n", s.Phase, s.Status, s.AutoRun)
	fmt.Fprintf(&b, "counters: steps=%d/%d runs=%d/%d\n", s.Counters.Steps, s.Budgets.MaxSteps, s.Counters.Runs, s.Budgets.MaxRuns)
	if s.Active.JobID != "" {
		fmt.Fprintf(&b, "active job: %s\n", s.Active.JobID)
	}
	return textResult(b.String())
}

func (d *Dispatcher) researchSetAutoRun(sess *state.Session, autoRun bool, status research.Status) (Result, error) {
	if !sess.Research.Enabled {
		return textResult("no research project is bound to this conversation")
	}
	s, err := research.LoadState(sess.Research.ProjectRoot)
	if err != nil {
		return textResult(fmt.Sprintf("failed to read research state: %v", err))
	}
	s.AutoRun = autoRun
	s.Status = status
	if err := research.SaveState(sess.Research.ProjectRoot, s); err != nil {
		return textResult(fmt.Sprintf("failed to save research state: %v", err))
	}
	return textResult(fmt.Sprintf("research status set to %s", status))
}

func (d *Dispatcher) researchStep(sess *state.Session) (Result, error) {
	if !sess.Research.Enabled {
		return textResult("no research project is bound to this conversation")
	}
	if d.ResearchInvoke == nil || d.ResearchBuildPrompt == nil || d.ResearchRunnerFor == nil {
		return textResult("research stepping is not configured")
	}
	runner := d.ResearchRunnerFor(sess.Research.ProjectRoot)
	outcome, err := research.Step(context.Background(), sess.Research.ProjectRoot, research.Config{ActionsAllowed: d.Cfg.ResearchActionsAllowed}, d.ResearchInvoke, d.ResearchBuildPrompt, runner)
	if err != nil {
		return textResult(fmt.Sprintf("research step failed: %v", err))
	}
	return textResult(fmt.Sprintf("research step outcome: %s", outcome))
}

func (d *Dispatcher) auto(sess *state.Session, rest string) (Result, error) {
	flag, onOff := SplitFirstToken(rest)
	on := strings.ToLower(onOff) == "on"
	off := strings.ToLower(onOff) == "off"
	if !on && !off {
		return textResult("usage: /auto {actions|research} {on|off}")
	}
	switch strings.ToLower(flag) {
	case "actions":
		sess.Auto.Actions = on
	case "research":
		sess.Auto.Research = on
	default:
		return textResult("usage: /auto {actions|research} {on|off}")
	}
	return textResult(fmt.Sprintf("auto %s set to %v", flag, on))
}

func (d *Dispatcher) goCmd(sess *state.Session, rest string, meta Meta) (Result, error) {
	if rest == "" {
		return textResult("usage: /go <task>")
	}
	if d.Cfg.TasksMaxPending > 0 && state.PendingCount(sess) >= d.Cfg.TasksMaxPending {
		return textResult(fmt.Sprintf("refused: tasksMaxPending (%d) reached", d.Cfg.TasksMaxPending))
	}
	t := state.AppendTask(sess, rest)
	if !sess.TaskLoop.Running && d.StartTaskRunner != nil {
		d.StartTaskRunner(meta.ConvKey, sess)
	}
	return textResult(fmt.Sprintf("queued %s and started the task runner: %s", t.ID, t.Text))
}
