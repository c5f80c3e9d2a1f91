package utils

import "strings"

// SplitMessage splits content into chunks of at most maxLen runes, preferring
// to break on newlines, then on spaces, so platform length limits never cut
// a message mid-word when avoidable.
func SplitMessage(content string, maxLen int) []string {
	runes := []rune(content)
	if maxLen <= 0 || len(runes) <= maxLen {
		return []string{content}
	}

	var chunks []string
	for len(runes) > maxLen {
		cut := maxLen

		// Prefer the last newline within the window, then the last space.
		window := string(runes[:maxLen])
		if idx := strings.LastIndex(window, "\n"); idx > 0 {
			cut = len([]rune(window[:idx])) + 1
		} else if idx := strings.LastIndex(window, " "); idx > 0 {
			cut = len([]rune(window[:idx])) + 1
		}

		chunks = append(chunks, strings.TrimRight(string(runes[:cut]), " \n"))
		runes = runes[cut:]
	}

	if len(runes) > 0 {
		chunks = append(chunks, string(runes))
	}
	return chunks
}

// Truncate shortens s to at most n runes, appending an ellipsis when cut.
func Truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	if n <= 3 {
		return string(runes[:n])
	}
	return string(runes[:n-3]) + "..."
}
