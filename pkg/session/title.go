package session

import (
	"strings"
	"unicode"
)

// DefaultTitle is the title of a session that has not seen a user message yet.
const DefaultTitle = "New Chat"

const (
	titleMaxRunes   = 60
	titleMinBreakAt = 40
	ellipsis        = "..."
)

// GenerateTitle derives a session title from the first user message.
// Content up to 60 runes is kept whole; longer content is cut at the last
// space past rune 40 (or hard at 60) and suffixed with an ellipsis.
func GenerateTitle(content string) string {
	cleaned := strings.TrimSpace(content)
	if cleaned == "" {
		return DefaultTitle
	}

	title := cleaned
	runes := []rune(cleaned)
	if len(runes) > titleMaxRunes {
		breakAt := titleMaxRunes
		for i := titleMaxRunes - 1; i > titleMinBreakAt; i-- {
			if runes[i] == ' ' {
				breakAt = i
				break
			}
		}
		title = string(runes[:breakAt]) + ellipsis
	}

	title = capitalize(title)

	if strings.HasSuffix(title, ellipsis) {
		head := strings.TrimRight(strings.TrimSuffix(title, ellipsis), ".,!?;:")
		title = head + ellipsis
	}
	return title
}

func capitalize(s string) string {
	runes := []rune(s)
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}
