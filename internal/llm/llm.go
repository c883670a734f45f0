// ABOUTME: Text-generation backend interface and the closed error taxonomy for provider failures
// ABOUTME: Backends classify provider errors into a Kind so callers never inspect SDK error types

package llm

import (
	"context"
	"errors"
	"fmt"
)

// Request is a single-turn completion request.
type Request struct {
	Model       string
	System      string
	Prompt      string
	MaxTokens   int
	Temperature float64
}

// Completion is the text produced for a Request.
type Completion struct {
	Text         string
	Model        string
	InputTokens  int64
	OutputTokens int64
}

// Backend produces completions from a hosted model.
type Backend interface {
	Complete(ctx context.Context, req Request) (*Completion, error)
	Name() string
}

// Kind classifies why a completion failed.
type Kind string

const (
	KindRateLimited    Kind = "rate_limited"
	KindQuotaExhausted Kind = "quota_exhausted"
	KindInvalidRequest Kind = "invalid_request"
	KindAuth           Kind = "auth"
	KindTimeout        Kind = "timeout"
	KindServer         Kind = "server"
	KindUnknown        Kind = "unknown"
)

// Error is returned by backends for every failed completion.
type Error struct {
	Kind     Kind
	Provider string
	Status   int    // HTTP status, 0 when the request never got a response
	Code     string // provider error code, if any
	Err      error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s %s (status %d): %v", e.Provider, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the Kind of err, or KindUnknown if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Exhausted reports whether err means the provider will not serve requests
// for a while (rate limit or quota), as opposed to a broken request.
func Exhausted(err error) bool {
	switch KindOf(err) {
	case KindRateLimited, KindQuotaExhausted:
		return true
	default:
		return false
	}
}

// transportKind classifies errors that never produced an HTTP response.
func transportKind(err error) Kind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUnknown
}

// New creates the backend for provider ("anthropic" or "openai").
func New(provider, apiKey, baseURL string) (Backend, error) {
	switch provider {
	case "anthropic":
		return NewAnthropicBackend(apiKey, baseURL), nil
	case "openai":
		return NewOpenAIBackend(apiKey, baseURL), nil
	default:
		return nil, fmt.Errorf("unknown generation provider %q", provider)
	}
}
