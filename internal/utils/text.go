package utils

import (
	"strings"
	"unicode/utf8"
)

// TruncateChars cuts s to at most max characters (runes), never splitting a
// multi-byte character. A non-positive max returns s unchanged.
func TruncateChars(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	n := 0
	for i := range s {
		if n == max {
			return s[:i]
		}
		n++
	}
	return s
}

// CollapseSpaces trims s and folds every run of whitespace into one space.
func CollapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Preview shortens s for log output.
func Preview(s string, max int) string {
	s = CollapseSpaces(s)
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	return TruncateChars(s, max) + "..."
}
