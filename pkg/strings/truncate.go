package strings

import (
	"strings"
)

// DefaultDetailMaxLen is the width used for error details in table output.
const DefaultDetailMaxLen = 80

// MinTruncateLen is the smallest maxLen OneLine accepts.
const MinTruncateLen = 4

// OneLine collapses all whitespace in s to single spaces and truncates the
// result to maxLen runes, ending it with "..." when something was cut.
// maxLen values below MinTruncateLen are raised to MinTruncateLen.
func OneLine(s string, maxLen int) string {
	if maxLen < MinTruncateLen {
		maxLen = MinTruncateLen
	}
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) > maxLen {
		return string(runes[:maxLen-3]) + "..."
	}
	return s
}

// Truncate cuts s to at most maxLen runes, keeping line breaks, and appends
// "..." when something was cut. The suffix is not counted in maxLen.
func Truncate(s string, maxLen int) string {
	if maxLen < 0 {
		maxLen = 0
	}
	if len(s) <= maxLen {
		return s
	}
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}

// FirstLine returns the first line of a multi-line command or query,
// marked with " …" when more lines follow.
func FirstLine(s string) string {
	s = strings.TrimRight(s, "\n")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimRight(s[:i], " \r") + " …"
	}
	return s
}
