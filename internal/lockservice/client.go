package lockservice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client talks to a lock service over HTTP. When no base URL is configured
// the client fails open: every acquire trivially succeeds and release is a
// no-op. Single-process deployments deliberately trade strict exclusion for
// availability; the entry's persisted generationStatus still guards against
// duplicate work.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a lock client. baseURL may be empty (fail-open mode).
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 5 * time.Second},
	}
}

// Enabled reports whether a lock service is configured.
func (c *Client) Enabled() bool {
	return c.baseURL != ""
}

// Acquire requests the lease for key. An error means the lock transport
// itself was unreachable; callers treat that as retryable.
func (c *Client) Acquire(ctx context.Context, key string, ttl time.Duration) (AcquireResult, error) {
	if c.baseURL == "" {
		return AcquireResult{Acquired: true, LockedUntilMs: time.Now().Add(ttl).UnixMilli()}, nil
	}

	var res AcquireResult
	err := c.post(ctx, "/acquire", acquireRequest{Key: key, TTLMs: ttl.Milliseconds()}, &res)
	if err != nil {
		return AcquireResult{}, err
	}
	return res, nil
}

// Release resets the lease. Best-effort: releasing an expired or unheld lock
// succeeds.
func (c *Client) Release(ctx context.Context, key string) error {
	if c.baseURL == "" {
		return nil
	}

	var res struct {
		OK bool `json:"ok"`
	}
	return c.post(ctx, "/release", releaseRequest{Key: key}, &res)
}

func (c *Client) post(ctx context.Context, path string, body interface{}, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal lock request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create lock request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("lock service unreachable: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read lock response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("lock service error (status %d): %s", resp.StatusCode, string(data))
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse lock response: %w", err)
	}
	return nil
}
