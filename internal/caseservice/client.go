// Package caseservice is a thin client for the external case registry.
// Failures are controlled and logged without payloads; transient 5xx
// responses are retried a bounded number of times.
package caseservice

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"
)

const (
	requestTimeout = 5 * time.Second
	maxRetries     = 3
	initialBackoff = 1 * time.Second
)

// Client fetches case context documents over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a client for the case service at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: requestTimeout,
		},
		logger: slog.Default(),
	}
}

// FetchCase returns the parsed case document for caseID. Server-side errors
// (5xx) are retried with exponential backoff; client errors and timeouts
// fail immediately.
func (c *Client) FetchCase(ctx context.Context, caseID string) (map[string]any, error) {
	url := fmt.Sprintf("%s/cases/%s", c.baseURL, caseID)

	var lastStatus int
	for attempt := range maxRetries {
		doc, status, err := c.fetchOnce(ctx, url)
		if err != nil {
			c.logger.Error("case service request failed", "case_id", caseID, "error", err)
			return nil, fmt.Errorf("case service is not responding: %w", err)
		}
		if status < 500 {
			if status >= 300 {
				c.logger.Error("case service returned client error", "case_id", caseID, "status", status)
				return nil, fmt.Errorf("case service failed with status %d", status)
			}
			return doc, nil
		}

		lastStatus = status
		if attempt < maxRetries-1 {
			backoff := time.Duration(float64(initialBackoff) * math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}

	c.logger.Error("case service exhausted retries", "case_id", caseID, "status", lastStatus)
	return nil, fmt.Errorf("case service failed with status %d after %d attempts", lastStatus, maxRetries)
}

func (c *Client) fetchOnce(ctx context.Context, url string) (map[string]any, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, nil
	}

	var doc map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("decoding case document: %w", err)
	}
	return doc, resp.StatusCode, nil
}
