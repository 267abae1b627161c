package lookup

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"golang.org/x/time/rate"

	"noeu/internal/metrics"
)

const (
	csrfCookieName  = "ct0"
	aboutAccountOp  = "AboutAccountQuery"
	graphqlPath     = "/i/api/graphql/"
	maxResponseSize = 2 << 20
	clientTimeout   = 20 * time.Second
	resetInterval   = time.Minute
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Result is the outcome of one about-account query. An empty Country means
// no location was returned.
type Result struct {
	Country     string
	RateLimited bool
}

// Fetcher performs one about-account query.
type Fetcher interface {
	FetchAboutAccount(ctx context.Context, username string) Result
}

// QueryIDSource provides the current operation id of the about-account
// query.
type QueryIDSource interface {
	QueryID(ctx context.Context) string
}

// resettable sources forget their id when the site stops accepting it.
type resettable interface {
	Reset()
}

type aboutAccountResponse struct {
	Data struct {
		UserResultByScreenName struct {
			Result struct {
				AboutProfile struct {
					AccountBasedIn string `json:"account_based_in"`
				} `json:"about_profile"`
			} `json:"result"`
		} `json:"user_result_by_screen_name"`
	} `json:"data"`
}

// ParseAboutAccount extracts the declared location from an about-account
// response body. It returns "" when the field is missing.
func ParseAboutAccount(body []byte) (string, error) {
	var resp aboutAccountResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decode about account response: %w", err)
	}
	return strings.TrimSpace(resp.Data.UserResultByScreenName.Result.AboutProfile.AccountBasedIn), nil
}

// IsGraphQL reports whether rawURL targets the host site's GraphQL API.
func IsGraphQL(rawURL string) bool {
	return strings.Contains(rawURL, graphqlPath)
}

// IsAboutAccount reports whether rawURL is an about-account query.
func IsAboutAccount(rawURL string) bool {
	return IsGraphQL(rawURL) && strings.Contains(rawURL, aboutAccountOp)
}

// Credentials holds the session cookies observed on page traffic. The CSRF
// token is the ct0 cookie.
type Credentials struct {
	mu      sync.RWMutex
	cookies map[string]*http.Cookie
}

// NewCredentials creates an empty credential holder.
func NewCredentials() *Credentials {
	return &Credentials{cookies: make(map[string]*http.Cookie)}
}

// Observe records the cookies a page request carries.
func (c *Credentials) Observe(req *http.Request) {
	c.SetCookies(req.Cookies())
}

// ObserveResponse records cookies set by a response.
func (c *Credentials) ObserveResponse(resp *http.Response) {
	c.SetCookies(resp.Cookies())
}

// SetCookies merges cookies into the holder.
func (c *Credentials) SetCookies(cookies []*http.Cookie) {
	if len(cookies) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cookie := range cookies {
		if cookie.Name == "" {
			continue
		}
		if cookie.MaxAge < 0 {
			delete(c.cookies, cookie.Name)
			continue
		}
		c.cookies[cookie.Name] = &http.Cookie{Name: cookie.Name, Value: cookie.Value}
	}
}

// CSRFToken returns the ct0 cookie value or "".
func (c *Credentials) CSRFToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if cookie, ok := c.cookies[csrfCookieName]; ok {
		return cookie.Value
	}
	return ""
}

func (c *Credentials) apply(req *http.Request) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, cookie := range c.cookies {
		req.AddCookie(cookie)
	}
}

// Client queries the about-account endpoint with the page's own session.
type Client struct {
	http     *http.Client
	baseURL  *url.URL
	bearer   string
	queryIDs QueryIDSource
	creds    *Credentials
	metrics  *metrics.Metrics
	resets   *rate.Sometimes
}

// NewClient creates a Client for the site at baseURL. A nil httpClient uses
// a client with a fixed timeout.
func NewClient(
	httpClient *http.Client,
	baseURL *url.URL,
	bearer string,
	queryIDs QueryIDSource,
	creds *Credentials,
	m *metrics.Metrics,
) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: clientTimeout}
	}
	return &Client{
		http:     httpClient,
		baseURL:  baseURL,
		bearer:   bearer,
		queryIDs: queryIDs,
		creds:    creds,
		metrics:  m,
		resets:   &rate.Sometimes{Interval: resetInterval},
	}
}

// FetchAboutAccount implements Fetcher. Every failure other than a rate
// limit yields an empty Result.
func (c *Client) FetchAboutAccount(ctx context.Context, username string) Result {
	token := c.creds.CSRFToken()
	if token == "" {
		slog.Warn("about account lookup skipped: no ct0 cookie", "username", username)
		c.metrics.ObserveLookup(metrics.OutcomeSkipped)
		return Result{}
	}

	req, err := c.newRequest(ctx, username, token)
	if err != nil {
		slog.Error("about account request build failed", "username", username, "err", err)
		return Result{}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		slog.Warn("about account request failed", "username", username, "err", err)
		return Result{}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		slog.Warn("about account rate limited", "username", username)
		c.metrics.ObserveLookup(metrics.OutcomeRateLimited)
		return Result{RateLimited: true}
	}
	if resp.StatusCode == http.StatusNotFound {
		// A run of rejections triggers one rediscovery per interval.
		if r, ok := c.queryIDs.(resettable); ok {
			c.resets.Do(func() {
				slog.Warn("about account query id rejected, rediscovering", "username", username)
				r.Reset()
			})
		}
		return Result{}
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		slog.Warn("about account unexpected status", "username", username, "status", resp.StatusCode)
		return Result{}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		slog.Warn("about account read failed", "username", username, "err", err)
		return Result{}
	}
	country, err := ParseAboutAccount(body)
	if err != nil {
		slog.Warn("about account decode failed", "username", username, "err", err)
		return Result{}
	}
	if country != "" {
		slog.Debug("about account found", "username", username, "country", country)
		c.metrics.ObserveLookup(metrics.OutcomeFound)
	} else {
		c.metrics.ObserveLookup(metrics.OutcomeNotFound)
	}
	return Result{Country: country}
}

func (c *Client) newRequest(ctx context.Context, username, token string) (*http.Request, error) {
	variables, err := json.Marshal(map[string]string{"screenName": username})
	if err != nil {
		return nil, fmt.Errorf("encode variables: %w", err)
	}
	target := c.baseURL.JoinPath(graphqlPath, c.queryIDs.QueryID(ctx), aboutAccountOp)
	target.RawQuery = url.Values{"variables": []string{string(variables)}}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	req.Header.Set("Authorization", c.bearer)
	req.Header.Set("X-Csrf-Token", token)
	req.Header.Set("X-Twitter-Active-User", "yes")
	req.Header.Set("X-Twitter-Auth-Type", "OAuth2Session")
	req.Header.Set("Content-Type", "application/json")
	c.creds.apply(req)
	return req, nil
}
