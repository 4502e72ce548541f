package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nextlevelbuilder/relaykit/internal/actions"
	"github.com/nextlevelbuilder/relaykit/internal/config"
	"github.com/nextlevelbuilder/relaykit/internal/convkey"
	"github.com/nextlevelbuilder/relaykit/internal/research"
	"github.com/nextlevelbuilder/relaykit/internal/state"
	"github.com/nextlevelbuilder/relaykit/pkg/protocol"
)

func TestConvKeyFor(t *testing.T) {
	cases := []struct {
		name string
		msg  protocol.InboundMessage
		want string
	}{
		{
			name: "dm",
			msg:  protocol.InboundMessage{Author: protocol.Author{ID: "u1"}, Channel: protocol.Channel{IsDM: true}},
			want: convkey.DM("u1"),
		},
		{
			name: "thread",
			msg:  protocol.InboundMessage{GuildID: "g1", Channel: protocol.Channel{ID: "t1", IsThread: true}},
			want: convkey.Thread("g1", "t1"),
		},
		{
			name: "channel",
			msg:  protocol.InboundMessage{GuildID: "g1", Channel: protocol.Channel{ID: "c1"}},
			want: convkey.Channel("g1", "c1"),
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := convKeyFor(tc.msg); got != tc.want {
				t.Fatalf("convKeyFor() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestSplitContextSpec(t *testing.T) {
	cases := []struct {
		spec     string
		wantMode string
		wantPath string
		wantOK   bool
	}{
		{"head:README.md", "head", "README.md", true},
		{"tail:logs/app.log", "tail", "logs/app.log", true},
		{"headtail:a/b.txt", "headtail", "a/b.txt", true},
		{"weird:x", "", "", false},
		{"nocolon", "", "", false},
	}
	for _, tc := range cases {
		mode, path, ok := splitContextSpec(tc.spec)
		if mode != tc.wantMode || path != tc.wantPath || ok != tc.wantOK {
			t.Fatalf("splitContextSpec(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tc.spec, mode, path, ok, tc.wantMode, tc.wantPath, tc.wantOK)
		}
	}
}

func TestExcerptForModes(t *testing.T) {
	content := "0123456789"
	if got := excerptFor("head", content, 4); got != "0123\n…(truncated)" {
		t.Fatalf("head excerpt = %q", got)
	}
	if got := excerptFor("tail", content, 4); got != "…(truncated)\n6789" {
		t.Fatalf("tail excerpt = %q", got)
	}
	if got := excerptFor("headtail", content, 4); got != "01\n…(truncated)…\n89" {
		t.Fatalf("headtail excerpt = %q", got)
	}
	if got := excerptFor("head", "short", 100); got != "short" {
		t.Fatalf("under-limit content must pass through unchanged, got %q", got)
	}
}

func TestBuildContextBlockBoundsAggregate(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("aaaaaaaaaa"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "b.txt"), []byte("bbbbbbbbbb"), 0o644); err != nil {
		t.Fatal(err)
	}

	block := buildContextBlock(dir, []string{"head:a.txt", "head:b.txt"}, 12, 100)
	if len(block) == 0 {
		t.Fatal("expected a non-empty block")
	}
	if !strings.Contains(block, "aaaaaaaaaa") {
		t.Fatalf("expected first file's content in block, got %q", block)
	}
}

func TestConvertActionWatchDefaults(t *testing.T) {
	defaults := config.JobsConfig{AutoWatchEverySec: 10, AutoWatchTailLines: 20}

	cfg := convertActionWatch(nil, defaults)
	if cfg.EverySec != 10 || cfg.TailLines != 20 || !cfg.Enabled {
		t.Fatalf("nil watch should inherit defaults, got %+v", cfg)
	}

	every := 5
	tail := 50
	thenTask := "run tests"
	override := &actions.Watch{EverySec: &every, TailLines: &tail, ThenTask: &thenTask}
	cfg = convertActionWatch(override, defaults)
	if cfg.EverySec != 5 || cfg.TailLines != 50 || cfg.ThenTask != "run tests" {
		t.Fatalf("explicit watch overrides should win, got %+v", cfg)
	}
}

func TestConvertResearchWatchDefaults(t *testing.T) {
	defaults := config.JobsConfig{AutoWatchEverySec: 10, AutoWatchTailLines: 20}

	cfg := convertResearchWatch(nil, defaults)
	if cfg.EverySec != 10 || cfg.TailLines != 20 {
		t.Fatalf("nil watch should inherit defaults, got %+v", cfg)
	}

	cfg = convertResearchWatch(&research.Watch{EverySec: 3, TailLines: 7}, defaults)
	if cfg.EverySec != 3 || cfg.TailLines != 7 {
		t.Fatalf("explicit watch should override defaults, got %+v", cfg)
	}
}

func TestResearchManagerKeyAndSlug(t *testing.T) {
	key := researchManagerKeyFor("/home/user/projects/foo")
	if key != "research:foo" {
		t.Fatalf("researchManagerKeyFor = %q, want research:foo", key)
	}
	slug := researchRunDirSlug("/home/user/projects/foo")
	if slug != "research-foo" {
		t.Fatalf("researchRunDirSlug = %q, want research-foo", slug)
	}
}

func TestResolveWorkdirFallsBackToDefault(t *testing.T) {
	a := &app{cfg: &config.Config{}}
	a.cfg.Agent.DefaultWorkdir = "/default"

	sess := &state.Session{}
	if got := a.resolveWorkdir(sess); got != "/default" {
		t.Fatalf("resolveWorkdir() = %q, want /default", got)
	}

	sess.Workdir = "/custom"
	if got := a.resolveWorkdir(sess); got != "/custom" {
		t.Fatalf("resolveWorkdir() = %q, want /custom", got)
	}
}
