// ABOUTME: Minimal HTTP client for the gateway admin API
// ABOUTME: Adds bearer auth and decodes JSON error bodies

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/2389/concierge-gateway/internal/gateway"
)

type adminClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func newAdminClient(baseURL, token string) *adminClient {
	return &adminClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// do sends a request and decodes a 2xx JSON response into out. Non-2xx
// responses become errors carrying the server's error message.
func (c *adminClient) do(ctx context.Context, method, path string, in, out any) error {
	if c.token == "" {
		return fmt.Errorf("CONCIERGE_TOKEN environment variable is required")
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return &apiError{Status: resp.StatusCode, Message: apiErr.Error, Body: data}
		}
		return &apiError{Status: resp.StatusCode, Message: strings.TrimSpace(string(data)), Body: data}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

type apiError struct {
	Status  int
	Message string
	Body    []byte
}

func (e *apiError) Error() string {
	return fmt.Sprintf("status %d: %s", e.Status, e.Message)
}

// decodeSendFailure fills resp from a failed /api/send response body.
// It reports false when the body is not a send result.
func decodeSendFailure(e *apiError, resp *gateway.SendResponse) bool {
	if err := json.Unmarshal(e.Body, resp); err != nil {
		return false
	}
	return resp.Reason != ""
}
