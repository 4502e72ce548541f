package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/nextlevelbuilder/relaykit/internal/actions"
	"github.com/nextlevelbuilder/relaykit/internal/agentcli"
	"github.com/nextlevelbuilder/relaykit/internal/config"
	"github.com/nextlevelbuilder/relaykit/internal/convkey"
	"github.com/nextlevelbuilder/relaykit/internal/convqueue"
	"github.com/nextlevelbuilder/relaykit/internal/dispatch"
	"github.com/nextlevelbuilder/relaykit/internal/jobs"
	"github.com/nextlevelbuilder/relaykit/internal/progress"
	"github.com/nextlevelbuilder/relaykit/internal/state"
	"github.com/nextlevelbuilder/relaykit/internal/upload"
	"github.com/nextlevelbuilder/relaykit/pkg/protocol"
)

// onMessage returns the per-adapter inbound handler (§6.1): allowlist and
// mention gating happen before anything is enqueued, so an ignored message
// never touches the Conversation Queue.
func (a *app) onMessage(adapterName string, ad protocol.Adapter) func(protocol.InboundMessage) {
	return func(msg protocol.InboundMessage) {
		if !ad.AllowedGuild(msg.GuildID) {
			return
		}
		if msg.GuildID != "" && !ad.AllowedChannel(msg.Channel.ID) {
			return
		}
		if !msg.Channel.IsDM && !msg.Mentioned && !(msg.Channel.IsThread && ad.ThreadAutoRespond()) {
			return
		}

		convKeyBase := convKeyFor(msg)
		convKey := adapterName + ":" + convKeyBase
		cmd, rest, isCmd := dispatch.ParseCommand(msg.Content)

		run := func() { a.handleMessage(ad, adapterName, convKey, msg, cmd, rest, isCmd) }
		if isCmd && dispatch.Bypasses(cmd, rest) {
			convqueue.Bypass(run)
			return
		}
		a.queue.Enqueue(convKey, run)
	}
}

// convKeyFor maps an inbound message to the base (adapter-agnostic)
// conversation key; onMessage prefixes it with the adapter name so two
// platforms never collide on the same numeric/string ID (§3, §6.1).
func convKeyFor(msg protocol.InboundMessage) string {
	switch {
	case msg.Channel.IsDM:
		return convkey.DM(msg.Author.ID)
	case msg.Channel.IsThread:
		return convkey.Thread(msg.GuildID, msg.Channel.ID)
	default:
		return convkey.Channel(msg.GuildID, msg.Channel.ID)
	}
}

func (a *app) handleMessage(ad protocol.Adapter, adapterName, convKey string, msg protocol.InboundMessage, cmd, rest string, isCmd bool) {
	ctx := context.Background()
	sess := a.store.GetOrCreate(convKey)
	sess.Adapter = adapterName
	sess.LastChannelID = msg.Channel.ID
	sess.LastGuildID = msg.GuildID
	a.store.QueueSave()

	convSlug := convkey.SlugFor(convKey)
	meta := dispatch.Meta{
		ConvKey:        convKey,
		ConvSlug:       convSlug,
		IsDM:           msg.Channel.IsDM,
		IsGuildChannel: !msg.Channel.IsDM,
		UploadDir:      filepath.Join(a.uploadsRoot, convSlug),
	}

	if len(msg.Attachments) > 0 {
		a.ingestAttachments(ad, sess, msg, meta)
	}

	if isCmd {
		if refused, note := dispatch.Refused(cmd, rest, sess); refused {
			a.reply(ctx, ad, msg, note)
			return
		}
		result, err := a.dispatcher.Dispatch(ctx, cmd, rest, sess, meta)
		if err != nil {
			a.reply(ctx, ad, msg, "error: "+err.Error())
			return
		}
		a.reply(ctx, ad, msg, result.Text)
		return
	}

	if sess.TaskLoop.Running {
		a.reply(ctx, ad, msg, "Task runner is active; `/task stop` first, or wait for it to finish.")
		return
	}

	a.handlePlainChat(ctx, ad, convKey, sess, msg, meta)
}

func (a *app) reply(ctx context.Context, ad protocol.Adapter, msg protocol.InboundMessage, text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	if _, err := ad.Reply(ctx, msg, text); err != nil {
		slog.Error("relay: reply failed", "error", err)
	}
}

func (a *app) handlePlainChat(ctx context.Context, ad protocol.Adapter, convKey string, sess *state.Session, msg protocol.InboundMessage, meta dispatch.Meta) {
	prompt := a.injectContext(sess, msg.Content)

	pending, err := ad.Reply(ctx, msg, "⏳ working…")
	if err != nil {
		slog.Error("relay: initial reply failed", "error", err)
		return
	}

	var reporter *progress.Reporter
	var onNote func(agentcli.Note)
	if a.cfg.Progress.Enabled {
		progCfg := a.cfg.ResolveProgressConfig()
		progCfg.ConfiguredTimeout = time.Duration(a.cfg.Agent.TimeoutMs) * time.Millisecond
		reporter = progress.New(pending, progCfg)
		onNote = func(n agentcli.Note) { reporter.Note(n.Text) }
	}

	callCtx, cancel := context.WithTimeout(ctx, time.Duration(a.cfg.Agent.TimeoutMs)*time.Millisecond)
	defer cancel()
	text, err := a.runAgentTurn(callCtx, convKey, sess, prompt, onNote)
	if reporter != nil {
		reporter.Stop()
	}
	if err != nil {
		_ = pending.Edit(ctx, "agent error: "+err.Error())
		return
	}

	cleaned, actionList := a.extractAndRunActions(sess, meta, text)
	cleaned, uploadNotes := a.resolveAndSendUploads(ctx, ad, msg.Channel.ID, sess, meta, cleaned)

	final := cleaned
	if len(actionList) > 0 {
		final += "\n\n" + strings.Join(actionList, "\n")
	}
	if len(uploadNotes) > 0 {
		final += "\n\n" + strings.Join(uploadNotes, "\n")
	}
	if len(final) > a.cfg.Agent.MaxReplyChars && a.cfg.Agent.MaxReplyChars > 0 {
		final = final[:a.cfg.Agent.MaxReplyChars] + "\n…(truncated)"
	}
	_ = pending.Edit(ctx, final)
}

// extractAndRunActions implements the Action Extractor & Executor (§4.6):
// extraction always runs; gating decides what may actually execute.
func (a *app) extractAndRunActions(sess *state.Session, meta dispatch.Meta, text string) (string, []string) {
	extracted := actions.Extract(text, a.cfg.Actions.MaxPerMessage)
	if len(extracted.Actions) == 0 && len(extracted.Rejections) == 0 {
		return extracted.Cleaned, nil
	}

	gateCfg := a.cfg.ResolveActionsGateConfig()
	allowed, notes := actions.GateAll(gateCfg, actions.SessionPolicy{ActionsEnabled: sess.Auto.Actions}, meta.IsDM, extracted.Actions)
	notes = append(notes, extracted.Rejections...)

	for _, act := range allowed {
		if err := a.executeAction(sess, meta, act); err != nil {
			notes = append(notes, fmt.Sprintf("action %q failed: %v", act.Type, err))
		}
	}
	return extracted.Cleaned, notes
}

func (a *app) executeAction(sess *state.Session, meta dispatch.Meta, act actions.Action) error {
	switch act.Type {
	case actions.TypeJobStart:
		job, err := a.jobsMgr.Start(jobs.StartOptions{
			ConvSlug: meta.ConvSlug,
			Command:  act.Command,
			Workdir:  a.resolveWorkdir(sess),
			Watch:    convertActionWatch(act.Watch, a.cfg.Jobs),
		})
		if err != nil {
			return err
		}
		sess.Jobs = append(sess.Jobs, job)
		a.store.QueueSave()
		a.jobsWatch.Start(meta.ConvKey, job, a.plainJobHooks(meta), a.postFunc(sess), func() { a.store.QueueSave() })
		return nil
	case actions.TypeJobWatch:
		job := runningJob(sess)
		if job == nil {
			return fmt.Errorf("no active job to watch")
		}
		job.Watch = convertActionWatch(act.Watch, a.cfg.Jobs)
		a.jobsWatch.Start(meta.ConvKey, job, a.plainJobHooks(meta), a.postFunc(sess), func() { a.store.QueueSave() })
		return nil
	case actions.TypeJobStop:
		job := runningJob(sess)
		if job == nil {
			return nil
		}
		a.jobsWatch.Stop(meta.ConvKey, job.ID)
		return a.jobsMgr.Cancel(job)
	case actions.TypeTaskAdd:
		if state.PendingCount(sess) >= a.cfg.Tasks.MaxPending {
			return fmt.Errorf("tasksMaxPending reached")
		}
		state.AppendTask(sess, act.Text)
		a.store.QueueSave()
		return nil
	case actions.TypeTaskRun:
		a.startTaskRunner(meta.ConvKey, sess)
		return nil
	default:
		return fmt.Errorf("unsupported action type %q", act.Type)
	}
}

func (a *app) plainJobHooks(meta dispatch.Meta) jobs.FinishHooks {
	return jobs.FinishHooks{
		EnqueueTask: func(text string) bool {
			sess := a.store.GetOrCreate(meta.ConvKey)
			if state.PendingCount(sess) >= a.cfg.Tasks.MaxPending {
				return false
			}
			state.AppendTask(sess, text)
			a.store.QueueSave()
			return true
		},
		StartTaskRunner: func() {
			sess := a.store.GetOrCreate(meta.ConvKey)
			a.startTaskRunner(meta.ConvKey, sess)
		},
	}
}

func convertActionWatch(w *actions.Watch, defaults config.JobsConfig) *state.JobWatchConfig {
	cfg := &state.JobWatchConfig{Enabled: true, EverySec: defaults.AutoWatchEverySec, TailLines: defaults.AutoWatchTailLines}
	if w == nil {
		return cfg
	}
	if w.EverySec != nil {
		cfg.EverySec = *w.EverySec
	}
	if w.TailLines != nil {
		cfg.TailLines = *w.TailLines
	}
	if w.ThenTask != nil {
		cfg.ThenTask = *w.ThenTask
	}
	if w.RunTasks != nil {
		cfg.RunTasks = *w.RunTasks
	}
	return cfg
}

func (a *app) resolveAndSendUploads(ctx context.Context, ad protocol.Adapter, channelID string, sess *state.Session, meta dispatch.Meta, text string) (string, []string) {
	cleaned, paths := upload.ExtractUploadMarkers(text)
	if len(paths) == 0 {
		return cleaned, nil
	}
	resolved, rejected := a.uploadBr.ResolveOutgoing(paths, meta.UploadDir, sess.Workdir)
	var notes []string
	for _, r := range rejected {
		notes = append(notes, fmt.Sprintf("upload %q refused: %s", r.Path, r.Reason))
	}
	for _, r := range resolved {
		if err := ad.SendFile(ctx, channelID, r.Path, ""); err != nil {
			notes = append(notes, fmt.Sprintf("upload %q failed: %v", r.Path, err))
		}
	}
	return cleaned, notes
}

func (a *app) ingestAttachments(ad protocol.Adapter, sess *state.Session, msg protocol.InboundMessage, meta dispatch.Meta) {
	var atts []upload.Attachment
	for _, at := range msg.Attachments {
		atts = append(atts, upload.Attachment{Name: at.Name, ContentType: at.ContentType, Size: at.Size, URL: at.URL})
	}
	fetch := func(a upload.Attachment, maxBytes int64) ([]byte, error) {
		return ad.FetchAttachment(context.Background(), protocol.Attachment{Name: a.Name, ContentType: a.ContentType, Size: a.Size, URL: a.URL}, maxBytes)
	}
	result, err := a.uploadBr.IngestAttachments(atts, meta.UploadDir, fetch)
	if err != nil {
		slog.Error("relay: ingest attachments failed", "error", err)
		return
	}
	if result.InjectedBlock != "" {
		msg.Content = strings.TrimSpace(msg.Content + "\n\n" + result.InjectedBlock)
	}
}

// postToSession posts text to the last known channel for sess, for
// out-of-band posts that have no inbound message in hand (job finish,
// task-runner summaries, research digests, §3 Session.adapter).
func (a *app) postToSession(sess *state.Session, text string) {
	if sess.Adapter == "" || sess.LastChannelID == "" {
		return
	}
	ad, ok := a.adapters[sess.Adapter]
	if !ok {
		return
	}
	if _, err := ad.Send(context.Background(), sess.LastChannelID, text); err != nil {
		slog.Error("relay: out-of-band post failed", "error", err)
	}
}

func (a *app) postFunc(sess *state.Session) jobs.PostFunc {
	return func(header, tail string) {
		text := header
		if tail != "" {
			text += "\n```\n" + tail + "\n```"
		}
		a.postToSession(sess, text)
	}
}
