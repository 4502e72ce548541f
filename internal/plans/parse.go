package plans

import (
	"regexp"
	"strings"
)

var (
	headingRe    = regexp.MustCompile(`(?m)^(#{1,6})\s+(.+?)\s*$`)
	taskBulletRe = regexp.MustCompile(`(?m)^\s*[-*]\s+\[[ xX]\]\s+(.+?)\s*$`)
	numberedRe   = regexp.MustCompile(`(?m)^\s*\d+[.)]\s+(.+?)\s*$`)
	plainBulletRe = regexp.MustCompile(`(?m)^\s*[-*]\s+(.+?)\s*$`)
)

// ParseTaskBreakdownSteps finds a heading matching "Task breakdown" (any
// level, case-insensitive), takes its body until the next heading of
// equal-or-shallower level, and extracts steps in priority order:
// (a) markdown task-list bullets, (b) numbered items, (c) plain bullets.
// Falls back to parsing the whole document if no such section exists
// (§4.9 Parse task breakdown).
//
// This function is idempotent under re-parse of its own output: feeding
// the extracted steps (rendered back as plain bullets) through
// ParseTaskBreakdownSteps again yields the same steps, since each step is
// already a single trimmed line with no nested structure (§8).
func ParseTaskBreakdownSteps(markdown string) []string {
	body, found := extractSection(markdown, "task breakdown")
	if !found {
		body = markdown
	}
	if steps := extractBullets(body, taskBulletRe); len(steps) > 0 {
		return steps
	}
	if steps := extractBullets(body, numberedRe); len(steps) > 0 {
		return steps
	}
	if steps := extractBullets(body, plainBulletRe); len(steps) > 0 {
		return steps
	}
	return nil
}

// extractSection returns the body text between a heading whose text
// matches name (case-insensitive) and the next heading at the same or
// shallower level.
func extractSection(markdown, name string) (string, bool) {
	matches := headingRe.FindAllStringSubmatchIndex(markdown, -1)
	for i, m := range matches {
		level := len(markdown[m[2]:m[3]])
		text := strings.ToLower(strings.TrimSpace(markdown[m[4]:m[5]]))
		if text != name {
			continue
		}
		bodyStart := m[1]
		bodyEnd := len(markdown)
		for j := i + 1; j < len(matches); j++ {
			nextLevel := len(markdown[matches[j][2]:matches[j][3]])
			if nextLevel <= level {
				bodyEnd = matches[j][0]
				break
			}
		}
		return markdown[bodyStart:bodyEnd], true
	}
	return "", false
}

func extractBullets(body string, re *regexp.Regexp) []string {
	var steps []string
	for _, m := range re.FindAllStringSubmatch(body, -1) {
		step := strings.TrimSpace(m[1])
		if step != "" {
			steps = append(steps, step)
		}
	}
	return steps
}
