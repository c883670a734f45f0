// ABOUTME: Messaging transport: a Twilio-compatible REST client posting form-encoded messages
// ABOUTME: Non-2xx responses become *ProviderError carrying the provider's numeric error code

package delivery

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Transport sends one message and returns the provider's message id.
type Transport interface {
	Send(ctx context.Context, to, body string) (string, error)
}

// ProviderError is a rejection reported by the messaging provider.
type ProviderError struct {
	Status  int
	Code    int
	Message string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error %d (status %d): %s", e.Code, e.Status, e.Message)
}

// HTTPTransport talks to a Twilio-compatible Messages API.
type HTTPTransport struct {
	baseURL    string
	accountSID string
	authToken  string
	from       string
	client     *http.Client
}

// NewHTTPTransport creates a transport. from is the sender number; for
// WhatsApp recipients the "whatsapp:" prefix is added automatically.
func NewHTTPTransport(baseURL, accountSID, authToken, from string) *HTTPTransport {
	return &HTTPTransport{
		baseURL:    strings.TrimRight(baseURL, "/"),
		accountSID: accountSID,
		authToken:  authToken,
		from:       from,
		client:     &http.Client{Timeout: 30 * time.Second},
	}
}

// Send posts the message. The caller's context bounds the request.
func (t *HTTPTransport) Send(ctx context.Context, to, body string) (string, error) {
	form := url.Values{}
	form.Set("To", to)
	form.Set("From", t.sender(to))
	form.Set("Body", body)

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", t.baseURL, url.PathEscape(t.accountSID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.SetBasicAuth(t.accountSID, t.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("sending message: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		pe := &ProviderError{
			Status:  resp.StatusCode,
			Code:    int(gjson.GetBytes(data, "code").Int()),
			Message: gjson.GetBytes(data, "message").String(),
		}
		if pe.Message == "" {
			pe.Message = http.StatusText(resp.StatusCode)
		}
		return "", pe
	}

	sid := gjson.GetBytes(data, "sid").String()
	if sid == "" {
		return "", fmt.Errorf("response missing message sid")
	}
	return sid, nil
}

func (t *HTTPTransport) sender(to string) string {
	if strings.HasPrefix(to, "whatsapp:") && !strings.HasPrefix(t.from, "whatsapp:") {
		return "whatsapp:" + t.from
	}
	return t.from
}
