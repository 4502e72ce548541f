// Package convkey builds and parses the canonical conversation-key
// identifiers that scope sessions, queues, and watchers.
package convkey

import (
	"fmt"
	"strings"
)

// Kind distinguishes the three conversation shapes the relay serializes on.
type Kind string

const (
	KindDM      Kind = "dm"
	KindChannel Kind = "channel"
	KindThread  Kind = "thread"
)

// DM builds the key for a direct message conversation with userID.
func DM(userID string) string {
	return fmt.Sprintf("dm:%s", userID)
}

// Channel builds the key for a guild channel conversation.
func Channel(guildID, channelID string) string {
	return fmt.Sprintf("channel:%s:%s", guildID, channelID)
}

// Thread builds the key for a guild thread conversation.
func Thread(guildID, threadID string) string {
	return fmt.Sprintf("thread:%s:%s", guildID, threadID)
}

// Manager suffixes key with the dedicated research-manager conversation
// namespace (§4.10), so the manager's agent session never interleaves
// with the user-facing conversation of the same key.
func Manager(key string) string {
	return key + "::research:manager"
}

// IsManager reports whether key is a research-manager conversation key.
func IsManager(key string) bool {
	return strings.HasSuffix(key, "::research:manager")
}

// Parse splits a conversation key into its kind and components.
func Parse(key string) (kind Kind, guildID, id string, ok bool) {
	parts := strings.SplitN(key, ":", 3)
	switch {
	case len(parts) == 2 && parts[0] == string(KindDM):
		return KindDM, "", parts[1], true
	case len(parts) == 3 && parts[0] == string(KindChannel):
		return KindChannel, parts[1], parts[2], true
	case len(parts) == 3 && parts[0] == string(KindThread):
		return KindThread, parts[1], parts[2], true
	default:
		return "", "", "", false
	}
}

// SlugFor returns a filesystem-safe slug for key, used for upload/job/plan
// conversation-scoped subdirectories (§6.4).
func SlugFor(key string) string {
	var b strings.Builder
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
