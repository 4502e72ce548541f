package research

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadHypothesesMissingFileIsNotError(t *testing.T) {
	root := t.TempDir()
	hyps, err := LoadHypotheses(root)
	if err != nil {
		t.Fatalf("unexpected error for missing file: %v", err)
	}
	if hyps != nil {
		t.Fatalf("expected nil hypotheses, got %v", hyps)
	}
}

func TestLoadHypothesesParsesDocument(t *testing.T) {
	root := t.TempDir()
	ideaDir := filepath.Join(root, "idea")
	if err := os.MkdirAll(ideaDir, 0o755); err != nil {
		t.Fatal(err)
	}
	doc := `hypotheses:
  - id: h1
    text: larger batch size improves throughput
    status: open
    confidence: medium
  - id: h2
    text: caching reduces tail latency
    status: supported
`
	if err := os.WriteFile(filepath.Join(ideaDir, "hypotheses.yaml"), []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	hyps, err := LoadHypotheses(root)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(hyps) != 2 {
		t.Fatalf("expected 2 hypotheses, got %d", len(hyps))
	}
	if hyps[0].ID != "h1" || hyps[0].Status != "open" || hyps[0].Confidence != "medium" {
		t.Fatalf("unexpected first hypothesis: %+v", hyps[0])
	}
	if hyps[1].ID != "h2" || hyps[1].Confidence != "" {
		t.Fatalf("unexpected second hypothesis: %+v", hyps[1])
	}
}

func TestLoadHypothesesMalformedYAMLErrors(t *testing.T) {
	root := t.TempDir()
	ideaDir := filepath.Join(root, "idea")
	if err := os.MkdirAll(ideaDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(ideaDir, "hypotheses.yaml"), []byte("hypotheses: [this is not valid"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadHypotheses(root); err == nil {
		t.Fatal("expected an error for malformed yaml")
	}
}
