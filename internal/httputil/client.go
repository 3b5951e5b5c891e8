// Package httputil carries the HTTP plumbing shared by the monitor
// handlers and the command-line tools: JSON response helpers and a
// small retrying client for pulling state off a running assembler.
package httputil

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/calyx-robotics/scancloud/internal/diag"
	"github.com/calyx-robotics/scancloud/internal/timeutil"
)

// Doer is the slice of *http.Client the retrying client needs. Tests
// substitute a scripted transport.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// ClientConfig configures a Client. Zero values select the defaults
// noted per field.
type ClientConfig struct {
	// HTTP is the underlying transport. Nil means an http.Client with a
	// 30 second timeout.
	HTTP Doer

	// Retries is the number of retries after the first attempt. Zero
	// means 2; negative disables retries.
	Retries int

	// Backoff is the delay before the first retry, doubled before each
	// further one. Zero means 500ms.
	Backoff time.Duration

	// Clock drives the backoff sleeps. Nil means the real clock.
	Clock timeutil.Clock
}

// Client is a GET client with bounded retries for transient failures:
// transport errors, 5xx responses and 429s. Other statuses fail
// immediately.
type Client struct {
	http    Doer
	retries int
	backoff time.Duration
	clock   timeutil.Clock
}

// NewClient creates a client from cfg.
func NewClient(cfg ClientConfig) *Client {
	httpClient := cfg.HTTP
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	retries := cfg.Retries
	if retries == 0 {
		retries = 2
	} else if retries < 0 {
		retries = 0
	}
	backoff := cfg.Backoff
	if backoff == 0 {
		backoff = 500 * time.Millisecond
	}
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Client{
		http:    httpClient,
		retries: retries,
		backoff: backoff,
		clock:   clock,
	}
}

// Get fetches url and returns the response body.
func (c *Client) Get(ctx context.Context, url string) ([]byte, error) {
	var lastErr error
	delay := c.backoff
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			diag.Diagf("httputil: attempt %d/%d for %s in %v: %v",
				attempt+1, c.retries+1, url, delay, lastErr)
			c.clock.Sleep(delay)
			delay *= 2
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
		}
		body, retryable, err := c.fetch(ctx, url)
		if err == nil {
			return body, nil
		}
		if !retryable {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("after %d attempts: %w", c.retries+1, lastErr)
}

// GetJSON fetches url and decodes the JSON body into out.
func (c *Client) GetJSON(ctx context.Context, url string, out any) error {
	body, err := c.Get(ctx, url)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s: %w", url, err)
	}
	return nil
}

// fetch performs one attempt and reports whether a failure is worth
// retrying.
func (c *Client) fetch(ctx context.Context, url string) (body []byte, retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, false, fmt.Errorf("build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("GET %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err = io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, fmt.Errorf("read %s: %w", url, err)
	}
	if resp.StatusCode != http.StatusOK {
		retryable := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		return nil, retryable, fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}
	return body, false, nil
}
