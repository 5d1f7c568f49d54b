// Package transport implements the HTTP client for the sync service.
//
// The client speaks three endpoints: /sync/push (batched pending ops),
// /sync/pull (cursor-paged changes), and /files/presign (short-lived
// transfer URLs). It satisfies the push, pull and mint interfaces the
// engine and storage layers depend on, so tests swap it for fakes.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/driftworks/driftsync/internal/outbox"
	"github.com/driftworks/driftsync/internal/protocol"
)

var (
	// ErrUnauthorized covers 401 and 403: the session token is missing,
	// expired, or scoped to a different workspace.
	ErrUnauthorized = fmt.Errorf("transport: unauthorized")

	// ErrNotFound is returned for 404 responses.
	ErrNotFound = fmt.Errorf("transport: not found")
)

// Client is an HTTP client for one sync service endpoint.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

// NewClient creates a client for the given base URL. A nil httpClient gets
// a default with a 30s timeout.
func NewClient(httpClient *http.Client, baseURL, token string) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		token:      strings.TrimSpace(token),
	}
}

// Push sends a batch of pending ops and returns the per-op results.
func (c *Client) Push(ctx context.Context, req protocol.PushRequest) ([]protocol.PushResult, error) {
	var out protocol.PushResponse
	if err := c.do(ctx, http.MethodPost, "/sync/push", req, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

// Pull fetches one page of changes at or after the request cursor.
//
// A 2xx response without a changes array is rejected here rather than
// passed along: a silently empty page would strand the cursor.
func (c *Client) Pull(ctx context.Context, req protocol.PullRequest) (*protocol.PullResponse, error) {
	q := "?workspace_id=" + req.WorkspaceID +
		"&cursor=" + strconv.FormatInt(req.Cursor, 10) +
		"&limit=" + strconv.Itoa(req.Limit)
	var out protocol.PullResponse
	if err := c.do(ctx, http.MethodGet, "/sync/pull"+q, nil, &out); err != nil {
		return nil, err
	}
	if out.Changes == nil {
		return nil, fmt.Errorf("transport: pull response missing changes array")
	}
	return &out, nil
}

// Mint requests a presigned transfer URL for one content hash.
func (c *Client) Mint(ctx context.Context, req protocol.PresignRequest) (*protocol.PresignResult, error) {
	var out protocol.PresignResult
	if err := c.do(ctx, http.MethodPost, "/files/presign", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type errorBody struct {
	Error string `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("transport: failed to decode response: %w", err)
		}
		return nil
	}

	var eb errorBody
	_ = json.NewDecoder(resp.Body).Decode(&eb)
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrUnauthorized
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusTooManyRequests:
		return &outbox.RateLimitedError{RetryAfter: retryAfter(resp)}
	default:
		if strings.TrimSpace(eb.Error) != "" {
			return fmt.Errorf("transport: %d: %s", resp.StatusCode, eb.Error)
		}
		return fmt.Errorf("transport: status %d", resp.StatusCode)
	}
}

// retryAfter parses a Retry-After header in seconds. Absent or unparsable
// headers fall back to a conservative 30s.
func retryAfter(resp *http.Response) time.Duration {
	h := resp.Header.Get("Retry-After")
	if h == "" {
		return 30 * time.Second
	}
	secs, err := strconv.Atoi(strings.TrimSpace(h))
	if err != nil || secs < 0 {
		return 30 * time.Second
	}
	return time.Duration(secs) * time.Second
}
