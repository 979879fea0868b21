// Package util holds small helpers shared by the client and the monitor.
package util

import (
	"fmt"
	"unicode/utf8"
)

// BodyLogMaxLen caps response bodies written to logs.
const BodyLogMaxLen = 1024

// Truncate shortens s to at most maxLen bytes without splitting a UTF-8
// sequence, appending the full length.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + fmt.Sprintf("... [truncated, %d bytes total]", len(s))
}

// TruncateBytes is Truncate for response bodies, capped at BodyLogMaxLen.
func TruncateBytes(b []byte) string {
	return Truncate(string(b), BodyLogMaxLen)
}
