// Package endpoint discovers the operation id of the about-account query
// from the host page's script bundles.
package endpoint

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/sync/singleflight"
)

const (
	// FallbackQueryID is used when no script bundle yields an id.
	FallbackQueryID = "zs_jFPFT78rBpXv9Z3U2YQ"

	operationMarker = `"AboutAccountQuery"`
	searchWindow    = 3000
)

var queryIDPattern = regexp.MustCompile(`queryId:"([^"]+)"`)

// FindQueryID locates the operation marker in a script and returns the
// queryId literal closest to it within the search window.
func FindQueryID(script string) (string, bool) {
	idx := strings.Index(script, operationMarker)
	if idx < 0 {
		return "", false
	}
	start := max(0, idx-searchWindow)
	end := min(len(script), idx+searchWindow)
	window := script[start:end]
	opPos := idx - start

	best, bestDist := "", -1
	for _, m := range queryIDPattern.FindAllStringSubmatchIndex(window, -1) {
		dist := m[0] - opPos
		if dist < 0 {
			dist = -dist
		}
		if bestDist < 0 || dist < bestDist {
			best, bestDist = window[m[2]:m[3]], dist
		}
	}
	return best, best != ""
}

// ScriptURLs returns the absolute, policy-approved src of every script
// element in an HTML page, in document order and without duplicates.
func ScriptURLs(r io.Reader, base *url.URL, policy Policy) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("parse page: %w", err)
	}
	var out []string
	seen := make(map[string]struct{})
	doc.Find("script[src]").Each(func(_ int, s *goquery.Selection) {
		src, _ := s.Attr("src")
		target, ok := policy.ResolveURL(src, base)
		if !ok {
			return
		}
		abs := target.String()
		if _, dup := seen[abs]; dup {
			return
		}
		seen[abs] = struct{}{}
		out = append(out, abs)
	})
	return out, nil
}

// Resolver caches the discovered query id for the life of the process.
// Concurrent callers share a single discovery.
type Resolver struct {
	client   *http.Client
	pageURL  *url.URL
	policy   Policy
	fallback string

	group   singleflight.Group
	mu      sync.RWMutex
	queryID string
}

// NewResolver creates a Resolver that reads script bundles referenced by
// the page at pageURL. An empty fallback uses FallbackQueryID.
func NewResolver(client *http.Client, pageURL *url.URL, policy Policy, fallback string) *Resolver {
	if client == nil {
		client = NewHTTPClient(policy, FetchTimeout)
	}
	if fallback == "" {
		fallback = FallbackQueryID
	}
	return &Resolver{
		client:   client,
		pageURL:  pageURL,
		policy:   policy,
		fallback: fallback,
	}
}

// QueryID returns the about-account operation id, discovering it on first
// use. It never fails: discovery problems yield the fallback id.
func (r *Resolver) QueryID(ctx context.Context) string {
	if id := r.cached(); id != "" {
		return id
	}
	v, _, _ := r.group.Do("discover", func() (any, error) {
		if id := r.cached(); id != "" {
			return id, nil
		}
		// Discovery outlives any single caller.
		id := r.discover(context.WithoutCancel(ctx))
		r.mu.Lock()
		r.queryID = id
		r.mu.Unlock()
		return id, nil
	})
	return v.(string)
}

// Reset forgets the discovered id so the next QueryID call runs discovery
// again.
func (r *Resolver) Reset() {
	r.mu.Lock()
	r.queryID = ""
	r.mu.Unlock()
}

func (r *Resolver) cached() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.queryID
}

func (r *Resolver) discover(ctx context.Context) string {
	scripts, err := r.scripts(ctx)
	if err != nil {
		slog.Warn("query id discovery: page fetch failed", "url", r.pageURL.String(), "err", err)
	}
	for _, src := range scripts {
		body, err := r.fetch(ctx, src, "*/*")
		if err != nil {
			slog.Debug("query id discovery: script fetch failed", "src", src, "err", err)
			continue
		}
		if id, ok := FindQueryID(string(body)); ok {
			slog.Info("discovered about account query id", "query_id", id, "src", src)
			return id
		}
	}
	slog.Info("using fallback about account query id", "query_id", r.fallback)
	return r.fallback
}

func (r *Resolver) scripts(ctx context.Context) ([]string, error) {
	body, err := r.fetch(ctx, r.pageURL.String(), "text/html")
	if err != nil {
		return nil, err
	}
	return ScriptURLs(bytes.NewReader(body), r.pageURL, r.policy)
}

func (r *Resolver) fetch(ctx context.Context, rawURL, accept string) ([]byte, error) {
	target, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	req, err := NewRequest(ctx, target, accept)
	if err != nil {
		return nil, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("fetch %s: status %d", rawURL, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxScriptBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", rawURL, err)
	}
	return body, nil
}
