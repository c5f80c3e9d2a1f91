package bridge

import (
	"fmt"
	"strings"
	"time"
)

// Discord caps channel names at 100 characters; keep headroom for a
// disambiguation suffix.
const maxChannelNameLen = 90

// maxNameSuffix bounds the numeric collision suffixes tried before giving up
// and deriving a name from a timestamp.
const maxNameSuffix = 99

// NormalizeChannelName maps an arbitrary display name onto Discord's allowed
// channel-name charset: ASCII-transliterated, lowercased, with runs of
// disallowed characters collapsed to single hyphens. Returns "" when nothing
// usable survives.
func NormalizeChannelName(displayName string) string {
	ascii := strings.ToLower(transliterate(displayName))

	var b strings.Builder
	lastHyphen := true // suppress leading hyphen
	for _, r := range ascii {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_':
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}

	name := strings.Trim(b.String(), "-")
	runes := []rune(name)
	if len(runes) > maxChannelNameLen {
		name = strings.Trim(string(runes[:maxChannelNameLen]), "-")
	}
	return name
}

// deriveChannelName produces a collision-free channel name from a display
// name. Collisions get a zero-padded numeric suffix; when the suffix range is
// exhausted the name falls back to a timestamp so creation always makes
// forward progress.
func deriveChannelName(displayName string, taken map[string]bool) string {
	base := NormalizeChannelName(displayName)
	if base == "" {
		base = "chat"
	}

	if !taken[base] {
		return base
	}

	for i := 1; i <= maxNameSuffix; i++ {
		candidate := fmt.Sprintf("%s-%02d", base, i)
		if !taken[candidate] {
			return candidate
		}
	}

	return fmt.Sprintf("chat-%d", time.Now().UnixMilli())
}
