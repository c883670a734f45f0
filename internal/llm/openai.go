// ABOUTME: OpenAI Chat Completions backend built on openai-go
// ABOUTME: Distinguishes quota exhaustion from rate limiting using the API error code

package llm

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// OpenAIBackend completes prompts with the OpenAI Chat Completions API.
type OpenAIBackend struct {
	client *openai.Client
}

// NewOpenAIBackend creates a backend. An empty baseURL uses the SDK default;
// any OpenAI-compatible endpoint works.
func NewOpenAIBackend(apiKey, baseURL string) *OpenAIBackend {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if baseURL = strings.TrimSpace(baseURL); baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	client := openai.NewClient(opts...)
	return &OpenAIBackend{client: &client}
}

// Name returns "openai".
func (b *OpenAIBackend) Name() string { return "openai" }

// Complete sends the system prompt and a single user turn.
func (b *OpenAIBackend) Complete(ctx context.Context, req Request) (*Completion, error) {
	var messages []openai.ChatCompletionMessageParamUnion
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	resp, err := b.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:               openai.ChatModel(req.Model),
		Messages:            messages,
		MaxCompletionTokens: openai.Int(int64(req.MaxTokens)),
		Temperature:         openai.Float(req.Temperature),
	})
	if err != nil {
		return nil, classifyOpenAIError(err)
	}

	c := &Completion{
		Model:        resp.Model,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}
	if len(resp.Choices) > 0 {
		c.Text = resp.Choices[0].Message.Content
	}
	return c, nil
}

func classifyOpenAIError(err error) *Error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return &Error{
			Kind:     openAIKind(apiErr.StatusCode, apiErr.Code),
			Provider: "openai",
			Status:   apiErr.StatusCode,
			Code:     apiErr.Code,
			Err:      err,
		}
	}
	return &Error{Kind: transportKind(err), Provider: "openai", Err: err}
}

// openAIKind maps a status code and API error code to a Kind.
// A 429 is either a rate limit or an exhausted quota, told apart by the code.
func openAIKind(status int, code string) Kind {
	switch {
	case code == "insufficient_quota", code == "billing_hard_limit_reached":
		return KindQuotaExhausted
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusRequestTimeout, status == http.StatusGatewayTimeout:
		return KindTimeout
	case status == http.StatusBadRequest, status == http.StatusNotFound,
		status == http.StatusRequestEntityTooLarge, status == http.StatusUnprocessableEntity:
		return KindInvalidRequest
	case status >= 500:
		return KindServer
	default:
		return KindUnknown
	}
}
