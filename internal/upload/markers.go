package upload

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/disintegration/imaging"
)

var imageExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".bmp": true, ".tiff": true,
}

var uploadMarkerRe = regexp.MustCompile(`\[\[upload:([^\]]+)\]\]`)

// ExtractUploadMarkers finds `[[upload:<path>]]` markers in text, stripping
// surrounding quotes/`file:` prefixes from the path, and returns the
// cleaned text with each marker replaced by `[uploaded:<basename>]` plus
// the list of raw (unresolved) paths in order of appearance.
//
// Reconstructing cleaned by inserting `[uploaded:<basename(p)>]` at each
// marker's position is exactly what this function already returns — the
// round-trip law in the spec is an invariant of this implementation, not
// a separate reversal step (§8).
func ExtractUploadMarkers(text string) (cleaned string, paths []string) {
	var b strings.Builder
	last := 0
	for _, loc := range uploadMarkerRe.FindAllStringSubmatchIndex(text, -1) {
		start, end := loc[0], loc[1]
		rawPath := text[loc[2]:loc[3]]
		path := cleanMarkerPath(rawPath)
		paths = append(paths, path)

		b.WriteString(text[last:start])
		b.WriteString("[uploaded:" + filepath.Base(path) + "]")
		last = end
	}
	b.WriteString(text[last:])
	return b.String(), paths
}

func cleanMarkerPath(raw string) string {
	p := strings.TrimSpace(raw)
	p = strings.Trim(p, `"'`)
	p = strings.TrimPrefix(p, "file://")
	p = strings.TrimPrefix(p, "file:")
	return p
}

// ResolvedUpload is one outgoing file cleared for platform upload.
type ResolvedUpload struct {
	Path string
	Size int64
}

// Rejection explains why a requested path was not cleared for upload.
type Rejection struct {
	Path   string
	Reason string
}

// ResolveOutgoing validates each requested path against convUploadDir and
// the session workdir, enforcing uploadAllowedRoots / allowOutsideConversation
// / uploadMaxBytes (§4.5 Outgoing).
func (b *Bridge) ResolveOutgoing(paths []string, convUploadDir, sessionWorkdir string) ([]ResolvedUpload, []Rejection) {
	var ok []ResolvedUpload
	var rejected []Rejection

	roots := b.cfg.UploadAllowedRoots
	if len(roots) == 0 {
		if b.cfg.AllowOutsideConversation {
			roots = []string{sessionWorkdir}
		} else {
			roots = []string{convUploadDir}
		}
	}

	for _, p := range paths {
		resolved := p
		if !filepath.IsAbs(resolved) {
			if candidate := filepath.Join(convUploadDir, resolved); fileExists(candidate) {
				resolved = candidate
			} else {
				resolved = filepath.Join(sessionWorkdir, resolved)
			}
		}
		resolved = filepath.Clean(resolved)

		if !withinAnyRoot(resolved, roots) {
			rejected = append(rejected, Rejection{Path: p, Reason: "outside uploadAllowedRoots"})
			continue
		}

		info, err := os.Lstat(resolved)
		if err != nil {
			rejected = append(rejected, Rejection{Path: p, Reason: fmt.Sprintf("stat failed: %v", err)})
			continue
		}
		if !info.Mode().IsRegular() {
			rejected = append(rejected, Rejection{Path: p, Reason: "not a regular file"})
			continue
		}
		if info.Size() > b.cfg.UploadMaxBytes {
			if imageExtensions[strings.ToLower(filepath.Ext(resolved))] {
				if downscaled, dsErr := b.downscaleImage(resolved, convUploadDir); dsErr == nil {
					if dsInfo, statErr := os.Stat(downscaled); statErr == nil && dsInfo.Size() <= b.cfg.UploadMaxBytes {
						ok = append(ok, ResolvedUpload{Path: downscaled, Size: dsInfo.Size()})
						continue
					}
				}
			}
			rejected = append(rejected, Rejection{Path: p, Reason: "exceeds uploadMaxBytes"})
			continue
		}

		ok = append(ok, ResolvedUpload{Path: resolved, Size: info.Size()})
	}
	return ok, rejected
}

// downscaleImage fits src's longer edge to ImageMaxDimension and writes the
// result into convUploadDir, for an outgoing image that cleared every other
// check but was too large to send as-is (§4.5 Outgoing).
func (b *Bridge) downscaleImage(src, convUploadDir string) (string, error) {
	img, err := imaging.Open(src)
	if err != nil {
		return "", fmt.Errorf("upload: open image: %w", err)
	}
	resized := imaging.Fit(img, b.cfg.ImageMaxDimension, b.cfg.ImageMaxDimension, imaging.Lanczos)

	dest := filepath.Join(convUploadDir, "resized-"+filepath.Base(src))
	if err := imaging.Save(resized, dest); err != nil {
		return "", fmt.Errorf("upload: save resized image: %w", err)
	}
	return dest, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func withinAnyRoot(path string, roots []string) bool {
	for _, root := range roots {
		if root == "" {
			continue
		}
		rootAbs, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		pathAbs, err := filepath.Abs(path)
		if err != nil {
			continue
		}
		rel, err := filepath.Rel(rootAbs, pathAbs)
		if err != nil {
			continue
		}
		if rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel)) {
			return true
		}
	}
	return false
}
