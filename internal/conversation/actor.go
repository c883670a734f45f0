// ABOUTME: Actor identifier normalization shared by webhooks, delivery, and the context store
// ABOUTME: Strips channel prefixes and phone number punctuation so one customer maps to one key

package conversation

import (
	"strings"
	"unicode"
)

// NormalizeActorID canonicalizes a customer identifier. A channel prefix such
// as "whatsapp:" or "sms:" is removed, as are spaces, dashes, dots and
// parentheses. A leading '+' is kept and an international "00" prefix on an
// all-digit number becomes '+', matching how delivery normalizes recipients.
//
//	NormalizeActorID("whatsapp:+34 600-000-001") == "+34600000001"
//	NormalizeActorID("0034 600 000 001") == "+34600000001"
func NormalizeActorID(id string) string {
	id = strings.TrimSpace(id)
	if prefix, rest, ok := strings.Cut(id, ":"); ok && isChannelPrefix(prefix) {
		id = rest
	}

	var b strings.Builder
	b.Grow(len(id))
	for _, r := range id {
		switch {
		case unicode.IsSpace(r), r == '-', r == '.', r == '(', r == ')':
			continue
		}
		b.WriteRune(r)
	}
	out := b.String()
	if rest, ok := strings.CutPrefix(out, "00"); ok && rest != "" && allDigits(rest) {
		return "+" + rest
	}
	return out
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// ChannelPrefix returns the channel prefix of id ("whatsapp", "sms"), or "".
func ChannelPrefix(id string) string {
	if prefix, _, ok := strings.Cut(strings.TrimSpace(id), ":"); ok && isChannelPrefix(prefix) {
		return strings.ToLower(prefix)
	}
	return ""
}

func isChannelPrefix(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsLetter(r) {
			return false
		}
	}
	return true
}
