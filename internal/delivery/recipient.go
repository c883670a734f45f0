// ABOUTME: Recipient validation and normalization to E.164 with an optional channel prefix
// ABOUTME: "whatsapp: +34 600-000-001" becomes "whatsapp:+34600000001"

package delivery

import (
	"errors"
	"regexp"
	"strings"

	"github.com/nyaruka/phonenumbers"
)

// ErrInvalidRecipient is returned for addresses that are not E.164 numbers.
var ErrInvalidRecipient = errors.New("recipient is not an E.164 phone number")

var channelPrefix = regexp.MustCompile(`^[A-Za-z]+$`)

// NormalizeRecipient returns the canonical form of raw. A channel prefix such
// as "whatsapp:" is kept (lowercased) because the transport needs it. The
// number must carry its country code, either as '+' or as an international
// "00" prefix.
func NormalizeRecipient(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	prefix := ""
	if i := strings.IndexByte(s, ':'); i > 0 && channelPrefix.MatchString(s[:i]) {
		prefix = strings.ToLower(s[:i]) + ":"
		s = s[i+1:]
	}
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "+") {
		rest, ok := strings.CutPrefix(s, "00")
		if !ok {
			return "", ErrInvalidRecipient
		}
		s = "+" + rest
	}
	num, err := phonenumbers.Parse(s, "")
	if err != nil || !phonenumbers.IsPossibleNumber(num) {
		return "", ErrInvalidRecipient
	}
	return prefix + phonenumbers.Format(num, phonenumbers.E164), nil
}

// rateKey strips the channel prefix so a number shares one window across channels.
func rateKey(recipient string) string {
	if i := strings.IndexByte(recipient, ':'); i >= 0 {
		return recipient[i+1:]
	}
	return recipient
}
