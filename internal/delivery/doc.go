// Package delivery sends outbound messages through a rate-limited, retrying
// client.
//
// A Send validates the recipient and body, checks a per-recipient fixed
// window, waits for the account-wide pacing limiter and then calls the
// Transport, retrying transient failures with exponential backoff and jitter.
// Provider error codes are mapped to a closed set of Reasons; permanent
// reasons are never retried.
package delivery
