package deploy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPProbe treats any 2xx or 3xx response as healthy.
type HTTPProbe struct {
	client *http.Client
}

// NewHTTPProbe creates a probe whose requests time out after timeout.
func NewHTTPProbe(timeout time.Duration) *HTTPProbe {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPProbe{client: &http.Client{
		Timeout: timeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}}
}

// Check performs one GET against url. Connection failures and error statuses
// are reported as unhealthy, not as errors; an error means the probe itself
// could not be attempted.
func (p *HTTPProbe) Check(ctx context.Context, url string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, fmt.Errorf("failed to build health request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, nil
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return resp.StatusCode >= 200 && resp.StatusCode < 400, nil
}

var _ HealthProbe = (*HTTPProbe)(nil)
