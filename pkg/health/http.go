package health

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// HTTPChecker probes an HTTP endpoint, typically the image mirror a
// workflow downloads from. Any status below 500 counts as alive; a
// mirror answering 403 can still serve the images we point at.
type HTTPChecker struct {
	URL     string
	Timeout time.Duration

	client *http.Client
}

// NewHTTPChecker creates an HTTP probe for url.
func NewHTTPChecker(url string) *HTTPChecker {
	timeout := 5 * time.Second
	return &HTTPChecker{
		URL:     url,
		Timeout: timeout,
		client:  &http.Client{Timeout: timeout},
	}
}

// Check issues a HEAD request and falls back to GET for servers that
// reject HEAD outright.
func (h *HTTPChecker) Check(ctx context.Context) Result {
	start := time.Now()

	resp, err := h.do(ctx, http.MethodHead)
	if err == nil && resp.StatusCode == http.StatusMethodNotAllowed {
		resp.Body.Close()
		resp, err = h.do(ctx, http.MethodGet)
	}
	if err != nil {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("request failed: %v", err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}
	defer resp.Body.Close()

	healthy := resp.StatusCode < 500
	return Result{
		Healthy:   healthy,
		Message:   fmt.Sprintf("%s returned %d", h.URL, resp.StatusCode),
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

func (h *HTTPChecker) do(ctx context.Context, method string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, h.URL, nil)
	if err != nil {
		return nil, err
	}
	return h.client.Do(req)
}

func (h *HTTPChecker) Type() CheckType {
	return CheckTypeHTTP
}

// WithTimeout sets the request timeout.
func (h *HTTPChecker) WithTimeout(timeout time.Duration) *HTTPChecker {
	h.Timeout = timeout
	h.client.Timeout = timeout
	return h
}
