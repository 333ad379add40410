package strings

import (
	"strings"
)

// DefaultCellMaxLen is the default maximum length for table cells in
// formatted CLI output.
const DefaultCellMaxLen = 60

// MinTruncateLen is the minimum maxLen value for Truncate. Values smaller
// than this would not leave room for meaningful content plus "...".
const MinTruncateLen = 4

// Truncate shortens a string to maxLen runes and ensures single-line
// output. Newlines and runs of whitespace collapse to single spaces;
// truncated strings end in "...".
//
// Operates on runes rather than bytes so multi-byte characters are never
// cut in half.
func Truncate(s string, maxLen int) string {
	if maxLen < MinTruncateLen {
		maxLen = MinTruncateLen
	}

	s = strings.Join(strings.Fields(s), " ")

	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen-3]) + "..."
}
