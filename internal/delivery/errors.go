// ABOUTME: Closed taxonomy of delivery failure reasons and the provider error code table
// ABOUTME: Only transient and upstream rate-limit reasons are retried

package delivery

import (
	"errors"
	"fmt"
	"net/http"
)

// Reason classifies why a message could not be delivered.
type Reason string

const (
	ReasonInvalidRecipient    Reason = "invalid_recipient"
	ReasonOptedOut            Reason = "opted_out"
	ReasonContentFiltered     Reason = "content_filtered"
	ReasonUnregistered        Reason = "unregistered"
	ReasonUpstreamRateLimited Reason = "upstream_rate_limited"
	ReasonTransient           Reason = "transient"

	// Local rejections, decided before any transport attempt.
	ReasonInvalidBody      Reason = "invalid_body"
	ReasonRateLimitedLocal Reason = "rate_limited_local"
)

// Retryable reports whether a send failing with r may succeed if repeated.
func (r Reason) Retryable() bool {
	return r == ReasonTransient || r == ReasonUpstreamRateLimited
}

// UserMessage returns a short explanation suitable for an operator or end user.
func (r Reason) UserMessage() string {
	switch r {
	case ReasonInvalidRecipient:
		return "The phone number is not valid or cannot receive messages."
	case ReasonOptedOut:
		return "The recipient has opted out of receiving messages."
	case ReasonContentFiltered:
		return "The message was blocked by the carrier's content filter."
	case ReasonUnregistered:
		return "The sender is not registered to message this number."
	case ReasonUpstreamRateLimited:
		return "The messaging provider is throttling requests. Try again later."
	case ReasonInvalidBody:
		return "The message is empty or too long."
	case ReasonRateLimitedLocal:
		return "Too many messages to this recipient. Try again later."
	default:
		return "The message could not be delivered due to a temporary error."
	}
}

// providerCodes maps messaging provider error codes to reasons.
// Codes not listed here are treated as transient.
var providerCodes = map[int]Reason{
	21211: ReasonInvalidRecipient, // invalid 'To' number
	21614: ReasonInvalidRecipient, // not a mobile number
	21610: ReasonOptedOut,         // recipient replied STOP
	30007: ReasonContentFiltered,  // carrier filtering
	30034: ReasonUnregistered,     // unregistered A2P sender
	20429: ReasonUpstreamRateLimited,
	14107: ReasonUpstreamRateLimited,
}

// Error is the failure attached to an unsuccessful Result.
type Error struct {
	Reason Reason
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("delivery failed: %s", e.Reason)
	}
	return fmt.Sprintf("delivery failed: %s: %v", e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Classify maps a transport error to a Reason.
func Classify(err error) Reason {
	var pe *ProviderError
	if errors.As(err, &pe) {
		if r, ok := providerCodes[pe.Code]; ok {
			return r
		}
		if pe.Status == http.StatusTooManyRequests {
			return ReasonUpstreamRateLimited
		}
		return ReasonTransient
	}
	// Timeouts and connection errors are worth another attempt.
	return ReasonTransient
}
