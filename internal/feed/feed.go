// Package feed filters timeline feeds: it fetches an RSS or Atom feed,
// resolves the location of every item's author and drops the items the
// current rules would hide on the page.
package feed

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"noeu/internal/endpoint"
)

const (
	RefreshInterval   = 5 * time.Minute
	refreshBackoffMax = 2 * time.Hour
	refreshJitterMin  = 0.10
	refreshJitterMax  = 0.20
	feedAccept        = "application/rss+xml, application/atom+xml, application/xml;q=0.9, */*;q=0.8"
)

var (
	ErrInvalidURL = errors.New("feed URL looks invalid")
	ErrBlockedURL = errors.New("feed URL is not allowed")
)

type FetchResult struct {
	Feed         *gofeed.Feed
	ETag         string
	LastModified string
	NotModified  bool
	StatusCode   int
}

func NormalizeURL(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", errors.New("feed URL is required")
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "https://" + trimmed
	}
	u, err := url.ParseRequestURI(trimmed)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", ErrInvalidURL
	}
	return u.String(), nil
}

// Fetch performs a conditional GET of feedURL and parses the body.
func Fetch(ctx context.Context, client *http.Client, feedURL, etag, lastModified string) (*FetchResult, error) {
	target, err := url.Parse(feedURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	req, err := endpoint.NewRequest(ctx, target, feedAccept)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(etag) != "" {
		req.Header.Set("If-None-Match", etag)
	}
	if strings.TrimSpace(lastModified) != "" {
		req.Header.Set("If-Modified-Since", lastModified)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch feed: %w", err)
	}
	defer resp.Body.Close()

	result := &FetchResult{
		ETag:         strings.TrimSpace(resp.Header.Get("ETag")),
		LastModified: strings.TrimSpace(resp.Header.Get("Last-Modified")),
		StatusCode:   resp.StatusCode,
	}

	if resp.StatusCode == http.StatusNotModified {
		result.NotModified = true
		return result, nil
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("unexpected status %d from feed", resp.StatusCode)
	}

	parser := gofeed.NewParser()
	feed, err := parser.Parse(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse feed: %w", err)
	}
	result.Feed = feed
	return result, nil
}

func NextRefreshAt(checkedAt time.Time, unchangedCount int) time.Time {
	interval := ComputeBackoffInterval(unchangedCount)
	interval = ApplyJitter(interval)
	if interval > refreshBackoffMax {
		interval = refreshBackoffMax
	}
	return checkedAt.Add(interval)
}

func ComputeBackoffInterval(unchangedCount int) time.Duration {
	if unchangedCount < 0 {
		unchangedCount = 0
	}
	interval := RefreshInterval
	for i := 0; i < unchangedCount; i++ {
		interval *= 2
		if interval >= refreshBackoffMax {
			return refreshBackoffMax
		}
	}
	return interval
}

func ApplyJitter(base time.Duration) time.Duration {
	if base <= 0 {
		return base
	}
	magnitude := refreshJitterMin + rand.Float64()*(refreshJitterMax-refreshJitterMin)
	if rand.Intn(2) == 0 {
		magnitude = -magnitude
	}
	adjusted := float64(base) * (1 + magnitude)
	return time.Duration(adjusted)
}

func chooseHeader(preferred, fallback string) string {
	if strings.TrimSpace(preferred) != "" {
		return preferred
	}
	return fallback
}
