// ABOUTME: HMAC signature validation for inbound messaging and scheduling webhooks
// ABOUTME: Constant-time comparison, truncated security logging, and Sign helpers for replay

package signature

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"log/slog"
	"net/url"
	"sort"
	"strings"
)

// SchedulingPrefix prefixes the hex digest in the scheduling signature header.
const SchedulingPrefix = "sha256="

// logPrefixLen is how much of a signature is written to logs.
const logPrefixLen = 8

// Validator checks the signature of one inbound webhook request.
// requestURL is the full URL the provider signed, body is the raw request body.
type Validator interface {
	Validate(requestURL string, body []byte, signature string) bool
}

// MessagingValidator validates customer-messaging webhooks signed with
// HMAC-SHA1 over the request URL followed by the sorted form parameters.
type MessagingValidator struct {
	authToken string
	disabled  bool
	logger    *slog.Logger
}

// NewMessagingValidator creates a validator for the messaging webhook.
// When disabled is true every request is accepted.
func NewMessagingValidator(authToken string, disabled bool, logger *slog.Logger) *MessagingValidator {
	if logger == nil {
		logger = slog.Default()
	}
	return &MessagingValidator{
		authToken: authToken,
		disabled:  disabled,
		logger:    logger.With("component", "signature", "source", "messaging"),
	}
}

// Validate parses body as a form and validates it.
func (v *MessagingValidator) Validate(requestURL string, body []byte, signature string) bool {
	if v.disabled {
		return true
	}
	form, err := url.ParseQuery(string(body))
	if err != nil {
		v.logger.Warn("security event: unparseable form body", "error", err)
		return false
	}
	return v.ValidateForm(requestURL, form, signature)
}

// ValidateForm validates an already parsed form.
func (v *MessagingValidator) ValidateForm(requestURL string, form url.Values, signature string) bool {
	if v.disabled {
		return true
	}
	if v.authToken == "" {
		v.logger.Error("security event: messaging auth token not configured")
		return false
	}
	if signature == "" {
		v.logger.Warn("security event: missing signature", "url", requestURL)
		return false
	}

	provided, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		v.logger.Warn("security event: malformed signature", "provided", truncate(signature))
		return false
	}
	expected := messagingMAC(v.authToken, requestURL, form)
	if !hmac.Equal(provided, expected) {
		v.logger.Warn("security event: signature mismatch",
			"url", requestURL,
			"provided", truncate(signature),
			"expected", truncate(base64.StdEncoding.EncodeToString(expected)),
		)
		return false
	}
	return true
}

// SignMessaging computes the signature a messaging provider would send for
// the given URL and form.
func SignMessaging(authToken, requestURL string, form url.Values) string {
	return base64.StdEncoding.EncodeToString(messagingMAC(authToken, requestURL, form))
}

func messagingMAC(authToken, requestURL string, form url.Values) []byte {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(requestURL)
	for _, k := range keys {
		values := append([]string(nil), form[k]...)
		sort.Strings(values)
		for _, val := range values {
			b.WriteString(k)
			b.WriteString(val)
		}
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	return mac.Sum(nil)
}

// SchedulingValidator validates scheduling webhooks signed with HMAC-SHA256
// over the raw body, sent as "sha256=<hex>".
type SchedulingValidator struct {
	signingKey string
	disabled   bool
	logger     *slog.Logger
}

// NewSchedulingValidator creates a validator for the scheduling webhook.
// When disabled is true every request is accepted.
func NewSchedulingValidator(signingKey string, disabled bool, logger *slog.Logger) *SchedulingValidator {
	if logger == nil {
		logger = slog.Default()
	}
	return &SchedulingValidator{
		signingKey: signingKey,
		disabled:   disabled,
		logger:     logger.With("component", "signature", "source", "scheduling"),
	}
}

// Validate checks the signature of a scheduling webhook body. The request URL is not signed.
func (v *SchedulingValidator) Validate(_ string, body []byte, signature string) bool {
	if v.disabled {
		return true
	}
	if v.signingKey == "" {
		v.logger.Error("security event: scheduling signing key not configured")
		return false
	}
	if signature == "" {
		v.logger.Warn("security event: missing signature")
		return false
	}

	provided, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(signature), SchedulingPrefix))
	if err != nil {
		v.logger.Warn("security event: malformed signature", "provided", truncate(signature))
		return false
	}
	expected := schedulingMAC(v.signingKey, body)
	if !hmac.Equal(provided, expected) {
		v.logger.Warn("security event: signature mismatch",
			"provided", truncate(signature),
			"expected", truncate(SchedulingPrefix+hex.EncodeToString(expected)),
		)
		return false
	}
	return true
}

// SignScheduling computes the "sha256=<hex>" header value for body.
func SignScheduling(signingKey string, body []byte) string {
	return SchedulingPrefix + hex.EncodeToString(schedulingMAC(signingKey, body))
}

func schedulingMAC(signingKey string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(signingKey))
	mac.Write(body)
	return mac.Sum(nil)
}

func truncate(s string) string {
	if len(s) <= logPrefixLen {
		return s
	}
	return s[:logPrefixLen] + "..."
}
