package discovery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

// BasicAuth holds the credentials sent with every request.
type BasicAuth struct {
	Username string // "{aci}.{deviceId}"
	Password string
}

// transport handles HTTP communication with the discovery service,
// retrying rate-limited requests.
type transport struct {
	baseURL    string
	client     *http.Client
	logger     *slog.Logger
	maxRetries int
	backoff    time.Duration // first wait after a 429 without Retry-After
	maxWait    time.Duration
}

func newTransport(baseURL string, logger *slog.Logger) *transport {
	return &transport{
		baseURL:    baseURL,
		client:     &http.Client{},
		logger:     logger,
		maxRetries: 3,
		backoff:    5 * time.Second,
		maxWait:    10 * time.Minute,
	}
}

// do executes an HTTP request with automatic retry on 429 (Too Many Requests).
// It respects the Retry-After header, capping the wait at maxWait.
func (t *transport) do(req *http.Request, body []byte) (*http.Response, error) {
	for attempt := range t.maxRetries + 1 {
		if body != nil {
			req.Body = io.NopCloser(bytes.NewReader(body))
		}

		resp, err := t.client.Do(req)
		if err != nil {
			return nil, err
		}

		if resp.StatusCode != http.StatusTooManyRequests {
			t.logger.Debug("discovery: http", "method", req.Method, "path", req.URL.Path, "status", resp.StatusCode)
			return resp, nil
		}

		// 429: drain and close the body before sleeping.
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		if attempt == t.maxRetries {
			t.logger.Warn("discovery: rate limited, no retries left",
				"path", req.URL.Path, "retry_after", resp.Header.Get("Retry-After"))
			return &http.Response{
				StatusCode: http.StatusTooManyRequests,
				Header:     resp.Header,
				Body:       io.NopCloser(bytes.NewReader(respBody)),
				Request:    req,
			}, nil
		}

		wait := t.backoff << attempt
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
				wait = time.Duration(secs) * time.Second
			}
		}
		wait = min(wait, t.maxWait)

		t.logger.Info("discovery: rate limited, retrying",
			"path", req.URL.Path, "wait", wait, "attempt", attempt+1, "max", t.maxRetries)

		select {
		case <-time.After(wait):
		case <-req.Context().Done():
			return nil, req.Context().Err()
		}
	}

	return nil, fmt.Errorf("discovery: retry loop exhausted")
}

// postJSON sends body as JSON and decodes a 200 response into result.
func (t *transport) postJSON(ctx context.Context, path string, body any, auth *BasicAuth, result any) (int, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("discovery: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return 0, fmt.Errorf("discovery: new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if auth != nil {
		req.SetBasicAuth(auth.Username, auth.Password)
	}

	resp, err := t.do(req, data)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("discovery: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return resp.StatusCode, &StatusError{Status: resp.StatusCode, Body: string(respBody)}
	}
	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return resp.StatusCode, fmt.Errorf("discovery: unmarshal response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// StatusError is returned for a non-200 response.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("discovery: status %d: %s", e.Status, e.Body)
}
