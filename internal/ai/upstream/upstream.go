// Package upstream holds the HTTP plumbing shared by every text-generation backend.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultHTTPTimeout bounds a single backend round trip. The gateway applies a
// tighter per-request deadline through the context.
const DefaultHTTPTimeout = 60 * time.Second

const (
	maxErrorBody    = 4096
	maxResponseBody = 1 << 20
)

// StatusError captures a non-2xx backend response.
type StatusError struct {
	Backend    string
	StatusCode int
	URL        string
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d from %s: %s", e.Backend, e.StatusCode, e.URL, e.Body)
}

// HTTPStatusCode returns the upstream status code.
func (e *StatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// PostJSON marshals payload, POSTs it to url with headers and decodes a 2xx
// response into out. Non-2xx responses return *StatusError; transport errors are
// returned unwrapped so callers can classify them.
func PostJSON(ctx context.Context, client *http.Client, backend, url string, headers map[string]string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%s: marshal request: %w", backend, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s: create request: %w", backend, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
		return &StatusError{
			Backend:    backend,
			StatusCode: res.StatusCode,
			URL:        url,
			Body:       string(buf),
		}
	}

	raw, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBody))
	if err != nil {
		return fmt.Errorf("%s: read response body: %w", backend, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &DecodeError{Backend: backend, Err: err}
	}
	return nil
}

// DecodeError reports a 2xx response whose envelope could not be decoded.
type DecodeError struct {
	Backend string
	Err     error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s: decode response: %v", e.Backend, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// JoinURL appends path to base without doubling slashes.
func JoinURL(base, path string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}

// NewHTTPClient returns the default client used when none is injected.
func NewHTTPClient() *http.Client {
	return &http.Client{Timeout: DefaultHTTPTimeout}
}
