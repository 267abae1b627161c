//nolint:testpackage // Feed tests exercise package-internal helpers directly.
package feed

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/mmcdole/gofeed"
	ext "github.com/mmcdole/gofeed/extensions"

	"noeu/internal/cache"
	"noeu/internal/endpoint"
	"noeu/internal/state"
	"noeu/internal/store"
	"noeu/internal/testutil"
)

type mapResolver map[string]string

func (m mapResolver) Resolve(_ context.Context, handle string) string {
	return m[strings.ToLower(handle)]
}

var publicPolicy = endpoint.Policy{
	Lookup: func(context.Context, string) ([]net.IPAddr, error) {
		return []net.IPAddr{{IP: net.ParseIP("93.184.216.34")}}, nil
	},
}

func newFilterState(t *testing.T) *state.State {
	t.Helper()
	s := state.New(store.New(testutil.OpenTestDB(t)), cache.New(0, 0), nil)
	if err := s.Load(context.Background()); err != nil {
		t.Fatalf("state.Load: %v", err)
	}
	return s
}

func timelineItems(base time.Time) []testutil.RSSItem {
	return []testutil.RSSItem{{
		Title:   "From Berlin",
		Link:    "https://x.com/alice/status/1",
		GUID:    "1",
		Creator: "Alice (@alice)",
		PubDate: base.Format(time.RFC1123Z),
	}, {
		Title:   "From somewhere",
		Link:    "https://x.com/bob/status/2",
		GUID:    "2",
		PubDate: base.Add(time.Minute).Format(time.RFC1123Z),
	}, {
		Title:   "No author",
		Link:    "http://example.com/",
		GUID:    "3",
		PubDate: base.Add(2 * time.Minute).Format(time.RFC1123Z),
	}}
}

func TestFilterDropsBlockedAuthors(t *testing.T) {
	t.Parallel()

	base := time.Now().UTC().Add(-time.Hour)
	_, feedURL, client := testutil.NewFeedServer(t, testutil.RSSXML("Timeline", timelineItems(base)))
	f := NewFilterer(client, publicPolicy, newFilterState(t), mapResolver{"alice": "Germany", "bob": "Canada"}, 2)

	result, err := f.Filter(context.Background(), feedURL)
	if err != nil {
		t.Fatalf("Filter: %v", err)
	}
	if result.Hidden != 1 {
		t.Fatalf("expected 1 hidden item, got %d", result.Hidden)
	}
	if len(result.Items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(result.Items))
	}
	if got := result.Items[0]; got.Author != "bob" || got.Location != "Canada" {
		t.Fatalf("unexpected first item %+v", got)
	}
	if got := result.Items[1]; got.Author != "" || got.Title != "No author" {
		t.Fatalf("unexpected second item %+v", got)
	}
	if result.Title != "Timeline" {
		t.Fatalf("expected title Timeline, got %q", result.Title)
	}
}

func TestFilterKeepsEverythingWhenDisabled(t *testing.T) {
	t.Parallel()

	_, feedURL, client := testutil.NewFeedServer(t, testutil.RSSXML("Timeline", timelineItems(time.Now().UTC())))
	s := newFilterState(t)
	s.Apply([]store.Change{{Key: store.KeyEnabled, Value: "false"}})
	f := NewFilterer(client, publicPolicy, s, mapResolver{"alice": "Germany"}, 0)

	result, err := f.Filter(context.Background(), feedURL)
	if err != nil {
		t.Fatalf("Filter: %v", err)
	}
	if result.Hidden != 0 || len(result.Items) != 3 {
		t.Fatalf("expected all 3 items, got %d hidden %d", len(result.Items), result.Hidden)
	}
}

func TestFilterRefreshesWithBackoff(t *testing.T) {
	t.Parallel()

	base := time.Now().UTC().Add(-time.Hour)
	server, feedURL, client := testutil.NewFeedServer(t, testutil.RSSXML("Timeline", timelineItems(base)))
	f := NewFilterer(client, publicPolicy, newFilterState(t), mapResolver{}, 0)
	now := time.Now()
	f.now = func() time.Time { return now }
	ctx := context.Background()

	if _, err := f.Filter(ctx, feedURL); err != nil {
		t.Fatalf("Filter initial: %v", err)
	}
	if _, err := f.Filter(ctx, feedURL); err != nil {
		t.Fatalf("Filter cached: %v", err)
	}
	if server.Hits() != 1 {
		t.Fatalf("expected kept copy before refresh, got %d hits", server.Hits())
	}

	now = now.Add(refreshBackoffMax + time.Minute)
	result, err := f.Filter(ctx, feedURL)
	if err != nil {
		t.Fatalf("Filter conditional: %v", err)
	}
	if server.NotModified() != 1 || len(result.Items) != 3 {
		t.Fatalf("expected a 304 serving 3 items, got %d 304s and %d items", server.NotModified(), len(result.Items))
	}

	server.SetFeedXML(testutil.RSSXML("Timeline", timelineItems(base)[:1]))
	now = now.Add(refreshBackoffMax + time.Minute)
	result, err = f.Filter(ctx, feedURL)
	if err != nil {
		t.Fatalf("Filter updated: %v", err)
	}
	if server.Hits() != 3 || len(result.Items) != 1 {
		t.Fatalf("expected updated feed after 3 hits, got %d hits and %d items", server.Hits(), len(result.Items))
	}
}

func TestFilterRejectsPrivateHosts(t *testing.T) {
	t.Parallel()

	_, feedURL, client := testutil.NewFeedServer(t, testutil.RSSXML("Timeline", nil))
	policy := endpoint.Policy{Lookup: func(context.Context, string) ([]net.IPAddr, error) {
		return []net.IPAddr{{IP: net.ParseIP("127.0.0.1")}}, nil
	}}
	f := NewFilterer(client, policy, newFilterState(t), mapResolver{}, 0)

	if _, err := f.Filter(context.Background(), feedURL); !errors.Is(err, ErrBlockedURL) {
		t.Fatalf("expected ErrBlockedURL, got %v", err)
	}
	if _, err := f.Filter(context.Background(), " "); err == nil {
		t.Fatal("expected error for empty URL")
	}
}

func TestItemHandle(t *testing.T) {
	tests := []struct {
		name string
		item *gofeed.Item
		want string
	}{
		{name: "author name", item: &gofeed.Item{Authors: []*gofeed.Person{{Name: "Alice (@Alice_1)"}}}, want: "Alice_1"},
		{name: "dublin core", item: &gofeed.Item{DublinCoreExt: &ext.DublinCoreExtension{Creator: []string{"@bob"}}}, want: "bob"},
		{name: "link", item: &gofeed.Item{Link: "https://x.com/carol/status/9"}, want: "carol"},
		{name: "reserved link", item: &gofeed.Item{Link: "https://x.com/home"}},
		{name: "nothing", item: &gofeed.Item{}},
	}
	for _, tt := range tests {
		got, ok := ItemHandle(tt.item)
		if got != tt.want || ok != (tt.want != "") {
			t.Fatalf("%s: expected %q, got %q (%v)", tt.name, tt.want, got, ok)
		}
	}
}

func TestItemDisplayName(t *testing.T) {
	item := &gofeed.Item{Authors: []*gofeed.Person{{Name: " Alice Example (@alice)"}}}
	if got := itemDisplayName(item); got != "alice example" {
		t.Fatalf("expected %q, got %q", "alice example", got)
	}
}
