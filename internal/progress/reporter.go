// Package progress implements the Progress Reporter (§4.3): a
// throttled, rate-limited editor of one "pending" chat message.
package progress

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-runewidth"
	"golang.org/x/time/rate"
)

// Editor is the minimal surface the Progress Reporter needs from a
// chat-platform pending message (protocol.PendingMessage satisfies it).
type Editor interface {
	Edit(ctx context.Context, text string) error
}

// Config tunes the reporter's timing knobs (§6.5 progressEnabled + timing knobs).
type Config struct {
	KeepLines         int           // ring buffer capacity
	MaxLines          int           // rendered under the header
	MinEditMs         int64         // minimum time between non-forced edits
	HeartbeatMs       int64         // force an edit at least this often
	StallWarnMs       int64         // synthesize a stall note after this much silence
	EditTimeout       time.Duration // per-edit timeout; a timeout is logged, not fatal
	ConfiguredTimeout time.Duration // shown in the header as "timeout: Ns"
}

func (c Config) withDefaults() Config {
	if c.KeepLines <= 0 {
		c.KeepLines = 50
	}
	if c.MaxLines <= 0 {
		c.MaxLines = 8
	}
	if c.MinEditMs <= 0 {
		c.MinEditMs = 700
	}
	if c.HeartbeatMs <= 0 {
		c.HeartbeatMs = 8000
	}
	if c.StallWarnMs <= 0 {
		c.StallWarnMs = 20000
	}
	if c.EditTimeout <= 0 {
		c.EditTimeout = 5 * time.Second
	}
	return c
}

// Reporter edits a single pending message with rate-limited, line-bounded
// progress notes.
type Reporter struct {
	cfg    Config
	editor Editor
	start  time.Time

	mu        sync.Mutex
	lines     []string
	dirty     bool
	stopped   bool
	lastEdit  time.Time
	lastEvent time.Time
	stalled   bool

	limiter *rate.Limiter
	hbTimer *time.Timer
	stallTimer *time.Timer

	editChain chan struct{} // serializes Edit calls so they race the timeout, not each other
}

// New creates a Reporter bound to editor, starting its heartbeat/stall
// timers immediately.
func New(editor Editor, cfg Config) *Reporter {
	cfg = cfg.withDefaults()
	r := &Reporter{
		cfg:       cfg,
		editor:    editor,
		start:     time.Now(),
		lastEvent: time.Now(),
		limiter:   rate.NewLimiter(rate.Every(time.Duration(cfg.MinEditMs)*time.Millisecond), 1),
		editChain: make(chan struct{}, 1),
	}
	r.editChain <- struct{}{}
	r.limiter.Allow() // spend the limiter's initial burst token: the first non-forced edit waits MinEditMs
	r.hbTimer = time.AfterFunc(time.Duration(cfg.HeartbeatMs)*time.Millisecond, r.onHeartbeat)
	r.stallTimer = time.AfterFunc(time.Duration(cfg.StallWarnMs)*time.Millisecond, r.onStall)
	return r
}

// Note records a progress note and triggers a (possibly throttled) edit.
// Non-blocking: it never waits on the chat platform.
func (r *Reporter) Note(text string) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.lastEvent = time.Now()
	r.stalled = false
	r.lines = append(r.lines, text)
	if len(r.lines) > r.cfg.KeepLines {
		r.lines = r.lines[len(r.lines)-r.cfg.KeepLines:]
	}
	r.dirty = true
	r.mu.Unlock()

	r.maybeEdit(false)
}

// Force triggers an immediate edit regardless of throttle state.
func (r *Reporter) Force() {
	r.maybeEdit(true)
}

func (r *Reporter) onHeartbeat() {
	r.mu.Lock()
	stopped := r.stopped
	r.mu.Unlock()
	if stopped {
		return
	}
	r.hbTimer.Reset(time.Duration(r.cfg.HeartbeatMs) * time.Millisecond)
	r.maybeEdit(true)
}

func (r *Reporter) onStall() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	already := r.stalled
	r.stalled = true
	r.lines = append(r.lines, "(still working — no new activity)")
	r.dirty = true
	r.mu.Unlock()

	r.stallTimer.Reset(time.Duration(r.cfg.StallWarnMs) * time.Millisecond)
	if !already {
		r.maybeEdit(true)
	}
}

func (r *Reporter) maybeEdit(forced bool) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	if !forced {
		if !r.dirty || !r.limiter.Allow() {
			r.mu.Unlock()
			return
		}
	}
	text := r.render()
	r.dirty = false
	r.mu.Unlock()

	select {
	case <-r.editChain:
	default:
		return // an edit is already in flight; this one coalesces into the next forced/dirty edit
	}
	go func() {
		defer func() { r.editChain <- struct{}{} }()
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.EditTimeout)
		defer cancel()
		if err := r.editor.Edit(ctx, text); err != nil {
			// Logged and discarded: a failed or timed-out edit never blocks
			// the pipeline (§4.3, §7).
			slog.Warn("progress: edit failed", "error", err)
		}
		r.mu.Lock()
		r.lastEdit = time.Now()
		r.mu.Unlock()
	}()
}

func (r *Reporter) render() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	elapsed := time.Since(r.start).Round(time.Second)
	lastEventAgo := time.Since(r.lastEvent).Round(time.Second)

	var b strings.Builder
	fmt.Fprintf(&b, "⏳ elapsed %s", elapsed)
	if r.cfg.ConfiguredTimeout > 0 {
		fmt.Fprintf(&b, " / timeout %s", r.cfg.ConfiguredTimeout.Round(time.Second))
	}
	fmt.Fprintf(&b, " · updated %s · last event %s ago\n", time.Now().UTC().Format("15:04:05"), lastEventAgo)

	start := 0
	if len(r.lines) > r.cfg.MaxLines {
		start = len(r.lines) - r.cfg.MaxLines
	}
	for _, line := range r.lines[start:] {
		b.WriteString(truncateLine(line, 300))
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

// truncateLine safely truncates by display width (not byte count), so
// wide/multi-byte content doesn't blow past the chat platform's rendering
// budget mid-rune.
func truncateLine(s string, maxWidth int) string {
	if runewidth.StringWidth(s) <= maxWidth {
		return s
	}
	return runewidth.Truncate(s, maxWidth, "…")
}

// Stop forces one final edit, then disables future notes. A stopped
// reporter silently ignores further Note calls (§4.3, §8: "no edits occur
// until forced by stop()").
func (r *Reporter) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	r.hbTimer.Stop()
	r.stallTimer.Stop()
	r.maybeEdit(true)

	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()

	<-r.editChain
	r.editChain <- struct{}{}
}
