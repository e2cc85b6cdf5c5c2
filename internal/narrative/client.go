// Package narrative is the adapter for the external text-generation engine.
// The engine consumes a system prompt plus a serialized event payload and
// returns free text; it guarantees no response schema — defensive parsing is
// the caller's job.
package narrative

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultTimeout = 120 * time.Second
	maxRetries     = 3
	initialBackoff = 500 * time.Millisecond
)

// ErrUnavailable marks transport-level and server-side engine failures.
// Callers treat it as fatal for the current session run; there is no retry
// policy beyond the bounded rate-limit backoff inside this adapter.
var ErrUnavailable = errors.New("narrative engine unavailable")

// Client talks to an OpenAI-compatible chat-completions endpoint.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client with the default base URL.
func NewClient(apiKey string) *Client {
	return &Client{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
}

// NewClientWithBaseURL creates a client pointing at a custom base URL
// (self-hosted gateways, tests).
func NewClientWithBaseURL(apiKey, baseURL string) *Client {
	c := NewClient(apiKey)
	c.baseURL = strings.TrimRight(baseURL, "/")
	return c
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	Temperature float64   `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Generate sends instructions as the system message and input as the user
// message, returning the raw assistant text. Rate limits are retried with
// exponential backoff up to maxRetries; all other failures surface at once.
// The call blocks for the duration of the generation; cancellation is the
// caller's responsibility via ctx.
func (c *Client) Generate(ctx context.Context, model, instructions, input string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model: model,
		Messages: []message{
			{Role: "system", Content: instructions},
			{Role: "user", Content: input},
		},
		Temperature: 0.1,
	})
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	var lastErr error
	for attempt := range maxRetries {
		text, err := c.doGenerate(ctx, body)
		if err == nil {
			return text, nil
		}
		if !isRateLimit(err) {
			return "", err
		}

		lastErr = err
		if attempt < maxRetries-1 {
			backoff := time.Duration(float64(initialBackoff) * math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return "", fmt.Errorf("%w: rate limited after %d attempts: %v", ErrUnavailable, maxRetries, lastErr)
}

func (c *Client) doGenerate(ctx context.Context, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", errRateLimit
	case resp.StatusCode >= 500:
		return "", fmt.Errorf("%w: engine returned status %d", ErrUnavailable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("engine returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decoding engine response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("engine response contained no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}

var errRateLimit = errors.New("rate limited")

func isRateLimit(err error) bool {
	return errors.Is(err, errRateLimit)
}
