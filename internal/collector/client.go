// Package collector implements the HTTP client for the remote collector
// service: pairing, state-change events, and heartbeats.
package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"leakbridge/internal/clock"

	"go.uber.org/zap"
)

// Endpoints relative to the collector base URL.
const (
	PairEndpoint      = "/pair"
	EventEndpoint     = "/event"
	HeartbeatEndpoint = "/heartbeat"
)

const (
	maxAttempts    = 3
	requestTimeout = 10 * time.Second
)

// ErrPairingFailed is returned when the pairing endpoint rejects the code,
// responds with a non-200 status, or returns no token.
var ErrPairingFailed = errors.New("pairing failed")

// Client issues authenticated POST requests to one collector service.
// Delivery methods collapse all failures to a boolean: after the retry
// budget is exhausted the payload is dropped, never queued.
type Client struct {
	baseURL string
	httpc   *http.Client
	clock   clock.Clock
	logger  *zap.Logger
}

// NewClient creates a collector client for the given base URL. The URL is
// used as-is apart from trailing-slash trimming; canonicalization happens at
// setup time.
func NewClient(baseURL string, clk clock.Clock, logger *zap.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{Timeout: requestTimeout},
		clock:   clk,
		logger:  logger.Named("collector"),
	}
}

// BaseURL returns the collector base URL this client posts to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// PostEvent delivers a state-change event. Returns true only on a confirmed
// HTTP 200 response.
func (c *Client) PostEvent(ctx context.Context, p EventPayload) bool {
	return c.post(ctx, EventEndpoint, p)
}

// PostHeartbeat delivers a heartbeat. Returns true only on a confirmed
// HTTP 200 response.
func (c *Client) PostHeartbeat(ctx context.Context, p HeartbeatPayload) bool {
	return c.post(ctx, HeartbeatEndpoint, p)
}

// post sends payload to the given endpoint with bounded retry: up to
// maxAttempts attempts, sleeping attempt seconds between them (1s, then 2s).
// Non-200 responses, network errors, and timeouts are all retried alike.
func (c *Client) post(ctx context.Context, endpoint string, payload interface{}) bool {
	url := c.baseURL + endpoint

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		body, status, err := c.doPost(ctx, url, payload)
		if err != nil {
			c.logger.Warn("Network error communicating with collector",
				zap.String("url", url),
				zap.Int("attempt", attempt),
				zap.Error(err))
		} else if status == http.StatusOK {
			c.logger.Debug("Collector accepted payload",
				zap.String("url", url),
				zap.String("response", strings.TrimSpace(string(body))))
			return true
		} else {
			c.logger.Error("Collector returned error status",
				zap.String("url", url),
				zap.Int("status", status),
				zap.Int("attempt", attempt),
				zap.String("response", strings.TrimSpace(string(body))))
		}

		if attempt < maxAttempts {
			c.clock.Sleep(time.Duration(attempt) * time.Second)
		}
	}

	c.logger.Error("Failed to deliver payload to collector, dropping it",
		zap.String("url", url),
		zap.Int("attempts", maxAttempts))
	return false
}

// Pair exchanges a human-entered pairing code for a long-lived API token.
// Single attempt, no retry; any failure reports ErrPairingFailed.
func (c *Client) Pair(ctx context.Context, code string) (string, error) {
	url := c.baseURL + PairEndpoint

	body, status, err := c.doPost(ctx, url, pairRequest{Code: code})
	if err != nil {
		c.logger.Error("Pairing request failed", zap.String("url", url), zap.Error(err))
		return "", fmt.Errorf("%w: %v", ErrPairingFailed, err)
	}
	if status != http.StatusOK {
		c.logger.Error("Pairing endpoint returned error status",
			zap.String("url", url),
			zap.Int("status", status))
		return "", fmt.Errorf("%w: HTTP %d", ErrPairingFailed, status)
	}

	var resp pairResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		c.logger.Error("Pairing response is not valid JSON", zap.Error(err))
		return "", fmt.Errorf("%w: invalid response body", ErrPairingFailed)
	}
	if resp.Token == "" {
		c.logger.Error("Pairing response has no token field")
		return "", fmt.Errorf("%w: no token received", ErrPairingFailed)
	}

	c.logger.Info("Paired with collector", zap.String("url", c.baseURL))
	return resp.Token, nil
}

// doPost performs a single JSON POST and returns the response body and
// status. The body is read fully so the connection can be reused.
func (c *Client) doPost(ctx context.Context, url string, payload interface{}) ([]byte, int, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read response body: %w", err)
	}
	return body, resp.StatusCode, nil
}
