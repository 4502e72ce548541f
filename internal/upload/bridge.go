// Package upload implements the Upload/Attachment Bridge (§4.5): an
// incoming ingest path for chat-side text attachments, and an outgoing
// extraction path for `[[upload:<path>]]` markers in agent output.
package upload

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Attachment mirrors protocol.Attachment's shape without importing the
// protocol package, keeping the bridge chat-adapter-agnostic.
type Attachment struct {
	Name        string
	ContentType string
	Size        int64
	URL         string
}

// Fetcher downloads an attachment's bytes (protocol.Adapter.FetchAttachment
// satisfies this).
type Fetcher func(a Attachment, maxBytes int64) ([]byte, error)

// Config tunes the ingest/emission policy (§6.5 upload* keys).
type Config struct {
	MaxFiles               int
	MaxBytes               int64
	MaxChars               int
	HeadTailLines          int // lines kept from head+tail when a file exceeds the per-file budget
	TextExtensions         []string
	UploadAllowedRoots      []string
	AllowOutsideConversation bool
	UploadMaxBytes          int64

	// ImageMaxDimension bounds an oversize outgoing image's longer edge
	// (§4.5 Outgoing): instead of rejecting it outright, ResolveOutgoing
	// downscales a copy into convUploadDir and clears that instead.
	ImageMaxDimension int
}

func (c Config) withDefaults() Config {
	if c.MaxFiles <= 0 {
		c.MaxFiles = 5
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 256 * 1024
	}
	if c.MaxChars <= 0 {
		c.MaxChars = 20000
	}
	if c.HeadTailLines <= 0 {
		c.HeadTailLines = 60
	}
	if len(c.TextExtensions) == 0 {
		c.TextExtensions = DefaultTextExtensions
	}
	if c.UploadMaxBytes <= 0 {
		c.UploadMaxBytes = 20 * 1024 * 1024
	}
	if c.ImageMaxDimension <= 0 {
		c.ImageMaxDimension = 2048
	}
	return c
}

// DefaultTextExtensions is the probably-text extension allowlist (§4.5).
var DefaultTextExtensions = []string{
	".txt", ".md", ".log", ".json", ".yaml", ".yml", ".toml", ".csv",
	".go", ".py", ".js", ".ts", ".tsx", ".jsx", ".rs", ".java", ".c", ".h",
	".cpp", ".hpp", ".sh", ".rb", ".diff", ".patch", ".sql", ".ini", ".cfg",
}

// Bridge performs ingest/emission for one relay instance.
type Bridge struct {
	cfg Config
}

// New creates a Bridge.
func New(cfg Config) *Bridge {
	return &Bridge{cfg: cfg.withDefaults()}
}

// IngestResult is the outcome of IngestAttachments.
type IngestResult struct {
	InjectedBlock string   // "" if nothing qualified
	SavedPaths    []string // files written under convUploadDir
	Skipped       []string // human-readable reasons, for a progress note
}

// IngestAttachments downloads up to maxFiles probably-text attachments
// (each up to maxBytes), saves them under convUploadDir, and builds the
// `[Discord Attachments]` block to inject into the prompt (§4.5 Incoming).
func (b *Bridge) IngestAttachments(attachments []Attachment, convUploadDir string, fetch Fetcher) (IngestResult, error) {
	var result IngestResult
	if err := os.MkdirAll(convUploadDir, 0o755); err != nil {
		return result, fmt.Errorf("upload: mkdir conv upload dir: %w", err)
	}

	var blocks []string
	budget := b.cfg.MaxChars
	taken := 0

	for _, a := range attachments {
		if taken >= b.cfg.MaxFiles {
			result.Skipped = append(result.Skipped, fmt.Sprintf("%s: over maxFiles limit", a.Name))
			continue
		}
		if !b.isProbablyText(a) {
			result.Skipped = append(result.Skipped, fmt.Sprintf("%s: not recognized as text", a.Name))
			continue
		}
		if a.Size > b.cfg.MaxBytes {
			result.Skipped = append(result.Skipped, fmt.Sprintf("%s: exceeds maxBytes", a.Name))
			continue
		}

		raw, err := fetch(a, b.cfg.MaxBytes)
		if err != nil {
			result.Skipped = append(result.Skipped, fmt.Sprintf("%s: download failed: %v", a.Name, err))
			continue
		}
		if isBinary(raw) {
			result.Skipped = append(result.Skipped, fmt.Sprintf("%s: binary content detected", a.Name))
			continue
		}

		dest := filepath.Join(convUploadDir, sanitizeName(a.Name))
		if err := os.WriteFile(dest, raw, 0o644); err != nil {
			result.Skipped = append(result.Skipped, fmt.Sprintf("%s: save failed: %v", a.Name, err))
			continue
		}
		result.SavedPaths = append(result.SavedPaths, dest)
		taken++

		text := truncateHeadTail(string(raw), b.cfg.HeadTailLines)
		if budget > 0 {
			if len(text) > budget {
				text = text[:budget] + "\n…(truncated)"
			}
			budget -= len(text)
		}
		blocks = append(blocks, fmt.Sprintf("### %s\n```\n%s\n```", a.Name, text))
		if budget <= 0 {
			break
		}
	}

	if len(blocks) > 0 {
		result.InjectedBlock = "[Discord Attachments]\n" + strings.Join(blocks, "\n\n")
	}
	return result, nil
}

func (b *Bridge) isProbablyText(a Attachment) bool {
	if strings.HasPrefix(a.ContentType, "text/") || a.ContentType == "application/json" {
		return true
	}
	ext := strings.ToLower(filepath.Ext(a.Name))
	for _, e := range b.cfg.TextExtensions {
		if ext == e {
			return true
		}
	}
	return false
}

// isBinary flags content whose control-character ratio (excluding common
// whitespace) exceeds a small threshold (§4.5: "detected by control-char
// ratio").
func isBinary(raw []byte) bool {
	if len(raw) == 0 {
		return false
	}
	n := len(raw)
	if n > 8192 {
		n = 8192
	}
	control := 0
	for _, c := range raw[:n] {
		if c == '\n' || c == '\r' || c == '\t' {
			continue
		}
		if c < 0x20 || c == 0x7f {
			control++
		}
	}
	return float64(control)/float64(n) > 0.01
}

// truncateHeadTail keeps the first and last keepLines lines when the
// content has more than 2*keepLines lines, per the per-file headtail
// policy (§4.5).
func truncateHeadTail(text string, keepLines int) string {
	lines := strings.Split(text, "\n")
	if len(lines) <= 2*keepLines {
		return text
	}
	head := lines[:keepLines]
	tail := lines[len(lines)-keepLines:]
	omitted := len(lines) - 2*keepLines
	return strings.Join(head, "\n") + fmt.Sprintf("\n…(%d lines omitted)…\n", omitted) + strings.Join(tail, "\n")
}

func sanitizeName(name string) string {
	base := filepath.Base(name)
	var b strings.Builder
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "file"
	}
	return b.String()
}
