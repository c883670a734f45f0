// ABOUTME: Anthropic Messages API backend built on anthropic-sdk-go
// ABOUTME: Maps API status codes and error bodies onto the llm Kind taxonomy

package llm

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicBackend completes prompts with the Anthropic Messages API.
type AnthropicBackend struct {
	client *anthropic.Client
}

// NewAnthropicBackend creates a backend. An empty baseURL uses the SDK default.
// SDK retries are disabled: callers own the retry and fallback policy.
func NewAnthropicBackend(apiKey, baseURL string) *AnthropicBackend {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/"); baseURL != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimSuffix(baseURL, "/v1")))
	}
	client := anthropic.NewClient(opts...)
	return &AnthropicBackend{client: &client}
}

// Name returns "anthropic".
func (b *AnthropicBackend) Name() string { return "anthropic" }

// Complete sends a single user turn and concatenates the text blocks of the reply.
func (b *AnthropicBackend) Complete(ctx context.Context, req Request) (*Completion, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(req.MaxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
		Temperature: anthropic.Float(req.Temperature),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	resp, err := b.client.Messages.New(ctx, params)
	if err != nil {
		return nil, classifyAnthropicError(err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.AsText().Text)
		}
	}

	return &Completion{
		Text:         text.String(),
		Model:        string(resp.Model),
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}, nil
}

func classifyAnthropicError(err error) *Error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return &Error{
			Kind:     anthropicKind(apiErr.StatusCode, err.Error()),
			Provider: "anthropic",
			Status:   apiErr.StatusCode,
			Err:      err,
		}
	}
	return &Error{Kind: transportKind(err), Provider: "anthropic", Err: err}
}

// anthropicKind maps a status code and error body to a Kind.
// Exhausted credit is reported as a 400 whose message names the credit balance.
func anthropicKind(status int, message string) Kind {
	msg := strings.ToLower(message)
	switch {
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status == http.StatusPaymentRequired,
		status == http.StatusBadRequest && strings.Contains(msg, "credit balance"):
		return KindQuotaExhausted
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusRequestTimeout, status == http.StatusGatewayTimeout:
		return KindTimeout
	case status == http.StatusBadRequest, status == http.StatusNotFound,
		status == http.StatusRequestEntityTooLarge, status == http.StatusUnprocessableEntity:
		return KindInvalidRequest
	case status >= 500: // includes 529 overloaded
		return KindServer
	default:
		return KindUnknown
	}
}
