package endpoint

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

const (
	maxRedirects   = 10
	FetchTimeout   = 15 * time.Second
	MaxScriptBytes = 16 << 20
	userAgent      = "Mozilla/5.0 (compatible; noeu)"
)

// NewHTTPClient returns a client that follows at most ten redirects, each
// of which must pass policy.
func NewHTTPClient(policy Policy, timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = FetchTimeout
	}
	return &http.Client{
		Timeout: timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return errors.New("stopped after 10 redirects")
			}
			if !policy.Allowed(req.URL) {
				return errors.New("redirect blocked")
			}
			return nil
		},
	}
}

// NewRequest builds a GET for target carrying the fetcher's user agent.
func NewRequest(ctx context.Context, target *url.URL, accept string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", accept)
	return req, nil
}
