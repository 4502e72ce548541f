package upload

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
)

func writeTestPNG(t *testing.T, path string, w, h int) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), B: 128, A: 255})
		}
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
}

func TestExtractUploadMarkersRoundTripLaw(t *testing.T) {
	text := `before [[upload:"/tmp/a/report.pdf"]] middle [[upload:file:/tmp/b/notes.txt]] after`
	cleaned, paths := ExtractUploadMarkers(text)

	if len(paths) != 2 {
		t.Fatalf("expected 2 paths, got %v", paths)
	}
	if paths[0] != "/tmp/a/report.pdf" || paths[1] != "/tmp/b/notes.txt" {
		t.Fatalf("unexpected resolved marker paths: %v", paths)
	}

	want := "before [uploaded:report.pdf] middle [uploaded:notes.txt] after"
	if cleaned != want {
		t.Fatalf("cleaned text mismatch:\n got: %q\nwant: %q", cleaned, want)
	}
}

func TestExtractUploadMarkersPreservesSurroundingText(t *testing.T) {
	text := "line one\nline two [[upload:x.txt]] line three\nline four"
	cleaned, paths := ExtractUploadMarkers(text)
	if len(paths) != 1 || paths[0] != "x.txt" {
		t.Fatalf("unexpected paths: %v", paths)
	}
	want := "line one\nline two [uploaded:x.txt] line three\nline four"
	if cleaned != want {
		t.Fatalf("got %q want %q", cleaned, want)
	}
}

func TestExtractUploadMarkersNoMarkersIsIdentity(t *testing.T) {
	text := "nothing to see here"
	cleaned, paths := ExtractUploadMarkers(text)
	if cleaned != text || len(paths) != 0 {
		t.Fatalf("expected identity passthrough, got %q %v", cleaned, paths)
	}
}

func TestIsBinaryDetectsControlCharRatio(t *testing.T) {
	text := []byte("hello\nworld\n\tgoodbye")
	if isBinary(text) {
		t.Fatalf("expected plain text not to be flagged binary")
	}
	bin := make([]byte, 256)
	for i := range bin {
		bin[i] = byte(i)
	}
	if !isBinary(bin) {
		t.Fatalf("expected high control-char ratio to be flagged binary")
	}
}

func TestIngestAttachmentsSkipsOversizeAndBinary(t *testing.T) {
	dir := t.TempDir()
	b := New(Config{MaxFiles: 5, MaxBytes: 100})

	attachments := []Attachment{
		{Name: "ok.txt", ContentType: "text/plain", Size: 10},
		{Name: "big.txt", ContentType: "text/plain", Size: 1000},
		{Name: "image.png", ContentType: "image/png", Size: 10},
	}
	fetch := func(a Attachment, maxBytes int64) ([]byte, error) {
		return []byte("small file contents"), nil
	}

	result, err := b.IngestAttachments(attachments, dir, fetch)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.SavedPaths) != 1 {
		t.Fatalf("expected exactly one saved file, got %v", result.SavedPaths)
	}
	if len(result.Skipped) != 2 {
		t.Fatalf("expected 2 skipped attachments, got %v", result.Skipped)
	}
}

func TestResolveOutgoingRejectsOutsideRoot(t *testing.T) {
	convDir := t.TempDir()
	outsideDir := t.TempDir()

	insidePath := filepath.Join(convDir, "result.txt")
	os.WriteFile(insidePath, []byte("ok"), 0o644)
	outsidePath := filepath.Join(outsideDir, "secret.txt")
	os.WriteFile(outsidePath, []byte("nope"), 0o644)

	b := New(Config{UploadAllowedRoots: []string{convDir}, UploadMaxBytes: 1000})

	ok, rejected := b.ResolveOutgoing([]string{insidePath, outsidePath}, convDir, outsideDir)
	if len(ok) != 1 || ok[0].Path != insidePath {
		t.Fatalf("expected only the in-root file resolved, got %v", ok)
	}
	if len(rejected) != 1 || rejected[0].Path != outsidePath {
		t.Fatalf("expected the outside-root file rejected, got %v", rejected)
	}
}

func TestResolveOutgoingRejectsOversize(t *testing.T) {
	convDir := t.TempDir()
	big := filepath.Join(convDir, "big.bin")
	os.WriteFile(big, make([]byte, 200), 0o644)

	b := New(Config{UploadAllowedRoots: []string{convDir}, UploadMaxBytes: 100})
	ok, rejected := b.ResolveOutgoing([]string{big}, convDir, convDir)
	if len(ok) != 0 || len(rejected) != 1 {
		t.Fatalf("expected oversize file rejected, got ok=%v rejected=%v", ok, rejected)
	}
}

func TestNewAppliesImageMaxDimensionDefault(t *testing.T) {
	b := New(Config{})
	if b.cfg.ImageMaxDimension != 2048 {
		t.Fatalf("expected default ImageMaxDimension of 2048, got %d", b.cfg.ImageMaxDimension)
	}

	b = New(Config{ImageMaxDimension: 512})
	if b.cfg.ImageMaxDimension != 512 {
		t.Fatalf("expected explicit ImageMaxDimension to be preserved, got %d", b.cfg.ImageMaxDimension)
	}
}

func TestResolveOutgoingDownscalesOversizeImage(t *testing.T) {
	convDir := t.TempDir()
	imgPath := filepath.Join(convDir, "big.png")
	writeTestPNG(t, imgPath, 4000, 4000)

	info, err := os.Stat(imgPath)
	if err != nil {
		t.Fatal(err)
	}

	b := New(Config{UploadAllowedRoots: []string{convDir}, UploadMaxBytes: info.Size() / 2, ImageMaxDimension: 200})
	ok, rejected := b.ResolveOutgoing([]string{imgPath}, convDir, convDir)
	if len(rejected) != 0 {
		t.Fatalf("expected the oversize image to be downscaled, not rejected: %v", rejected)
	}
	if len(ok) != 1 {
		t.Fatalf("expected one resolved (downscaled) upload, got %v", ok)
	}
	if ok[0].Size > b.cfg.UploadMaxBytes {
		t.Fatalf("downscaled image still exceeds uploadMaxBytes: %d", ok[0].Size)
	}
}
