package testutil

import (
	"database/sql"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"noeu/internal/store"
)

type FeedServer struct {
	mu          sync.RWMutex
	feedXML     string
	version     int
	hits        int
	notModified int
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

// NewFeedServer serves feedXML at a per-test URL through the returned
// client's transport. Responses carry an ETag that changes with every
// SetFeedXML and conditional requests for the current one get a 304.
func NewFeedServer(t *testing.T, feedXML string) (*FeedServer, string, *http.Client) {
	t.Helper()
	fs := &FeedServer{feedXML: feedXML}
	feedURL := "https://feed.test/" + url.PathEscape(t.Name())
	client := &http.Client{Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
		if req.URL.String() != feedURL {
			return nil, fmt.Errorf("unexpected feed url: %s", req.URL.String())
		}
		fs.mu.Lock()
		defer fs.mu.Unlock()
		fs.hits++
		etag := fmt.Sprintf(`"v%d"`, fs.version)
		if req.Header.Get("If-None-Match") == etag {
			fs.notModified++
			return &http.Response{
				StatusCode: http.StatusNotModified,
				Status:     "304 Not Modified",
				Header:     http.Header{"Etag": []string{etag}},
				Body:       http.NoBody,
				Request:    req,
			}, nil
		}
		return &http.Response{
			StatusCode: http.StatusOK,
			Status:     "200 OK",
			Header: http.Header{
				"Content-Type": []string{"application/rss+xml"},
				"Etag":         []string{etag},
			},
			Body:    io.NopCloser(strings.NewReader(fs.feedXML)),
			Request: req,
		}, nil
	})}
	return fs, feedURL, client
}

func (f *FeedServer) SetFeedXML(xml string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.feedXML = xml
	f.version++
}

func (f *FeedServer) Hits() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.hits
}

// NotModified counts the conditional requests answered with a 304.
func (f *FeedServer) NotModified() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.notModified
}

type RSSItem struct {
	Title       string
	Link        string
	GUID        string
	Creator     string
	PubDate     string
	Description string
}

func RSSXML(title string, items []RSSItem) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>`)
	b.WriteString(`<rss version="2.0" xmlns:dc="http://purl.org/dc/elements/1.1/"><channel>`)
	b.WriteString(fmt.Sprintf("<title>%s</title>", title))
	b.WriteString("<link>http://example.com</link>")
	b.WriteString("<description>Test feed</description>")
	for _, item := range items {
		b.WriteString("<item>")
		b.WriteString(fmt.Sprintf("<title>%s</title>", item.Title))
		b.WriteString(fmt.Sprintf("<link>%s</link>", item.Link))
		b.WriteString(fmt.Sprintf("<guid>%s</guid>", item.GUID))
		if item.Creator != "" {
			b.WriteString(fmt.Sprintf("<dc:creator>%s</dc:creator>", item.Creator))
		}
		b.WriteString(fmt.Sprintf("<pubDate>%s</pubDate>", item.PubDate))
		b.WriteString(fmt.Sprintf("<description><![CDATA[%s]]></description>", item.Description))
		b.WriteString("</item>")
	}
	b.WriteString("</channel></rss>")
	return b.String()
}

// PostFixture describes one timeline post.
type PostFixture struct {
	Handle      string
	DisplayName string
	// Emoji, when set, is rendered as an image with this alt text after
	// the display name.
	Emoji string
	Text  string
}

// PostHTML renders a post the way the host timeline does: a cell container
// around an article with a name block and a status link.
func PostHTML(p PostFixture) string {
	var name strings.Builder
	name.WriteString(html.EscapeString(p.DisplayName))
	if p.Emoji != "" {
		name.WriteString(fmt.Sprintf(`<img alt="%s" src="/emoji.svg">`, html.EscapeString(p.Emoji)))
	}
	return fmt.Sprintf(`<div data-testid="cellInnerDiv"><article data-testid="tweet">`+
		`<div data-testid="User-Name"><a href="/%[1]s"><span>%[2]s</span></a><a href="/%[1]s"><span>@%[1]s</span></a></div>`+
		`<div data-testid="tweetText">%[3]s</div>`+
		`<a href="/%[1]s/status/1">1h</a>`+
		`</article></div>`, p.Handle, name.String(), html.EscapeString(p.Text))
}

// TimelineHTML renders a page whose timeline holds posts.
func TimelineHTML(posts ...PostFixture) string {
	var b strings.Builder
	b.WriteString(`<!DOCTYPE html><html><head><title>Home</title></head><body>`)
	b.WriteString(`<nav><a href="/home">Home</a><a href="/explore">Explore</a></nav>`)
	b.WriteString(`<main><div id="timeline">`)
	for _, p := range posts {
		b.WriteString(PostHTML(p))
	}
	b.WriteString(`</div></main></body></html>`)
	return b.String()
}

func OpenTestDB(t *testing.T) *sql.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	if err := store.Init(db); err != nil {
		_ = db.Close()
		t.Fatalf("store.Init: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

