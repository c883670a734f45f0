// ABOUTME: Prompt sanitization: strips control characters, collapses blank lines, truncates
// ABOUTME: Truncated prompts end with an explicit marker so the model knows text was cut

package generation

import (
	"strings"
	"unicode"
)

// TruncationMarker is appended to prompts cut at the character limit.
const TruncationMarker = "\n[...truncated]"

// Sanitize removes control characters other than newline and tab, collapses
// runs of blank lines into one, trims surrounding whitespace and truncates the
// result to maxChars runes. maxChars <= 0 disables truncation.
func Sanitize(prompt string, maxChars int) string {
	var b strings.Builder
	b.Grow(len(prompt))
	for _, r := range prompt {
		if r == '\n' || r == '\t' || !unicode.IsControl(r) {
			b.WriteRune(r)
		}
	}

	lines := strings.Split(b.String(), "\n")
	kept := lines[:0]
	blank := false
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			if blank {
				continue
			}
			blank = true
			kept = append(kept, "")
			continue
		}
		blank = false
		kept = append(kept, strings.TrimRight(line, " \t"))
	}

	out := strings.TrimSpace(strings.Join(kept, "\n"))
	if maxChars > 0 {
		runes := []rune(out)
		if len(runes) > maxChars {
			out = string(runes[:maxChars]) + TruncationMarker
		}
	}
	return out
}
