package strings

import "strings"

// DefaultErrorDetailMaxLen caps the error detail stored on engine records.
// Cluster API errors can embed whole object dumps; records stay small.
const DefaultErrorDetailMaxLen = 500

// minTruncateLen leaves room for one character plus "...".
const minTruncateLen = 4

// SingleLine collapses s onto one line and truncates it to maxLen runes,
// appending "..." when it was cut. Operates on runes so multi-byte characters
// are never split.
func SingleLine(s string, maxLen int) string {
	if maxLen < minTruncateLen {
		maxLen = minTruncateLen
	}

	s = strings.Join(strings.Fields(s), " ")

	runes := []rune(s)
	if len(runes) > maxLen {
		return string(runes[:maxLen-3]) + "..."
	}
	return s
}
