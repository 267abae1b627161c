package feed

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/mmcdole/gofeed"
	"golang.org/x/sync/errgroup"

	"noeu/internal/classify"
	"noeu/internal/endpoint"
	"noeu/internal/page"
	"noeu/internal/resolve"
	"noeu/internal/state"
)

const (
	DefaultConcurrency = 4
	feedCacheSize      = 64
)

var creatorHandle = regexp.MustCompile(`@([A-Za-z0-9_]{1,15})\b`)

// Item is one feed entry with its author's resolution.
type Item struct {
	Title     string
	Link      string
	Author    string
	Published *time.Time
	Location  string
}

// Result is a filtered feed.
type Result struct {
	Title     string
	URL       string
	Items     []Item
	Hidden    int
	FetchedAt time.Time
}

type cachedFeed struct {
	feed         *gofeed.Feed
	etag         string
	lastModified string
	unchanged    int
	checkedAt    time.Time
	nextRefresh  time.Time
}

// Filterer fetches feeds and filters their items. Fetched feeds are kept
// and refreshed with backoff while they stay unchanged.
type Filterer struct {
	client      *http.Client
	policy      endpoint.Policy
	state       *state.State
	resolver    resolve.LocationResolver
	concurrency int
	now         func() time.Time

	mu    sync.Mutex
	feeds *lru.Cache[string, *cachedFeed]
}

func NewFilterer(client *http.Client, policy endpoint.Policy, st *state.State, resolver resolve.LocationResolver, concurrency int) *Filterer {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	feeds, _ := lru.New[string, *cachedFeed](feedCacheSize)
	return &Filterer{
		client:      client,
		policy:      policy,
		state:       st,
		resolver:    resolver,
		concurrency: concurrency,
		now:         time.Now,
		feeds:       feeds,
	}
}

// Filter returns the items of the feed at rawURL whose authors the
// current rules would not hide.
func (f *Filterer) Filter(ctx context.Context, rawURL string) (*Result, error) {
	feedURL, err := NormalizeURL(rawURL)
	if err != nil {
		return nil, err
	}
	target, err := url.Parse(feedURL)
	if err != nil || !f.policy.AllowedResolved(ctx, target) {
		return nil, ErrBlockedURL
	}

	cached, err := f.load(ctx, feedURL)
	if err != nil {
		return nil, err
	}

	handles := make(map[string]struct{})
	authors := make([]string, len(cached.feed.Items))
	for i, item := range cached.feed.Items {
		if handle, ok := ItemHandle(item); ok {
			authors[i] = handle
			handles[strings.ToLower(handle)] = struct{}{}
		}
	}

	locations := f.resolveAll(ctx, handles)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	enabled := f.state.Enabled()
	rules := f.state.Rules()
	result := &Result{
		Title:     strings.TrimSpace(cached.feed.Title),
		URL:       feedURL,
		Items:     make([]Item, 0, len(cached.feed.Items)),
		FetchedAt: cached.checkedAt,
	}
	for i, item := range cached.feed.Items {
		handle := authors[i]
		loc := locations[strings.ToLower(handle)]
		if enabled && handle != "" {
			acct := classify.Account{
				Handle:      handle,
				DisplayName: itemDisplayName(item),
				Followed:    f.state.IsFollowed(handle),
			}
			if rules.ShouldHide(acct, loc) {
				result.Hidden++
				continue
			}
		}
		result.Items = append(result.Items, Item{
			Title:     strings.TrimSpace(item.Title),
			Link:      item.Link,
			Author:    handle,
			Published: item.PublishedParsed,
			Location:  loc,
		})
	}

	slog.Info("feed filtered",
		"feed_url", feedURL,
		"items", len(cached.feed.Items),
		"hidden", result.Hidden,
		"authors", len(handles),
	)
	return result, nil
}

func (f *Filterer) resolveAll(ctx context.Context, handles map[string]struct{}) map[string]string {
	var mu sync.Mutex
	locations := make(map[string]string, len(handles))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.concurrency)
	for handle := range handles {
		g.Go(func() error {
			loc := f.resolver.Resolve(gctx, handle)
			mu.Lock()
			locations[handle] = loc
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return locations
}

// load returns the feed, fetching it when the kept copy is due for a
// refresh. A failed refresh falls back to the kept copy.
func (f *Filterer) load(ctx context.Context, feedURL string) (*cachedFeed, error) {
	f.mu.Lock()
	cached, ok := f.feeds.Get(feedURL)
	f.mu.Unlock()
	now := f.now()
	if ok && now.Before(cached.nextRefresh) {
		return cached, nil
	}

	var etag, lastModified string
	if ok {
		etag, lastModified = cached.etag, cached.lastModified
	}
	start := time.Now()
	result, err := Fetch(ctx, f.client, feedURL, etag, lastModified)
	duration := time.Since(start).Milliseconds()
	if err != nil {
		if ok {
			slog.Warn("feed refresh failed, serving kept copy", "feed_url", feedURL, "err", err)
			return cached, nil
		}
		slog.Error("feed fetch failed", "feed_url", feedURL, "duration_ms", duration, "err", err)
		return nil, err
	}

	next := &cachedFeed{checkedAt: now.UTC()}
	switch {
	case result.NotModified && ok:
		next.feed = cached.feed
		next.etag = chooseHeader(result.ETag, cached.etag)
		next.lastModified = chooseHeader(result.LastModified, cached.lastModified)
		next.unchanged = cached.unchanged + 1
		slog.Info("feed cache hit", "feed_url", feedURL, "status", result.StatusCode, "duration_ms", duration)
	case result.Feed == nil:
		return nil, fmt.Errorf("feed returned no content")
	default:
		next.feed = result.Feed
		next.etag = result.ETag
		next.lastModified = result.LastModified
		slog.Info("feed fetched",
			"feed_url", feedURL,
			"status", result.StatusCode,
			"items_in_feed", len(result.Feed.Items),
			"duration_ms", duration,
		)
	}
	next.nextRefresh = NextRefreshAt(now, next.unchanged)

	f.mu.Lock()
	f.feeds.Add(feedURL, next)
	f.mu.Unlock()
	return next, nil
}

// ItemHandle finds the author handle of a feed item: an "@handle" in the
// author name first, then the profile segment of the item link.
func ItemHandle(item *gofeed.Item) (string, bool) {
	for _, name := range authorNames(item) {
		if m := creatorHandle.FindStringSubmatch(name); m != nil {
			return m[1], true
		}
	}
	if item.Link == "" {
		return "", false
	}
	u, err := url.Parse(item.Link)
	if err != nil {
		return "", false
	}
	return page.HandleFromPath(u.Path)
}

func authorNames(item *gofeed.Item) []string {
	var names []string
	for _, person := range item.Authors {
		if person != nil && person.Name != "" {
			names = append(names, person.Name)
		}
	}
	if item.Author != nil && item.Author.Name != "" {
		names = append(names, item.Author.Name)
	}
	if item.DublinCoreExt != nil {
		names = append(names, item.DublinCoreExt.Creator...)
	}
	return names
}

// itemDisplayName is the author name without its handle, folded like page
// display names.
func itemDisplayName(item *gofeed.Item) string {
	names := authorNames(item)
	if len(names) == 0 {
		return ""
	}
	name := creatorHandle.ReplaceAllString(names[0], "")
	name = strings.Trim(strings.TrimSpace(name), "()")
	return strings.ToLower(strings.TrimSpace(name))
}
