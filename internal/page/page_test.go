package page_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"noeu/internal/page"
	"noeu/internal/testutil"
)

func parse(t *testing.T, src string) *page.Document {
	t.Helper()
	doc, err := page.Parse(strings.NewReader(src))
	require.NoError(t, err)
	return doc
}

func TestHandleFromPath(t *testing.T) {
	tests := []struct {
		path string
		want string
		ok   bool
	}{
		{path: "/Alice", want: "Alice", ok: true},
		{path: "/alice/status/123", want: "alice", ok: true},
		{path: "/home", ok: false},
		{path: "/Explore", ok: false},
		{path: "/i/flow/login", ok: false},
		{path: "/a_very_long_handle_over_15", ok: false},
		{path: "/hash-tag", ok: false},
		{path: "https://x.com/alice", ok: false},
	}
	for _, tt := range tests {
		got, ok := page.HandleFromPath(tt.path)
		assert.Equal(t, tt.ok, ok, tt.path)
		assert.Equal(t, tt.want, got, tt.path)
	}
}

func TestPostFields(t *testing.T) {
	doc := parse(t, testutil.TimelineHTML(
		testutil.PostFixture{Handle: "Alice", DisplayName: "  Alice Example ", Emoji: "🇪🇺"},
		testutil.PostFixture{Handle: "bob", DisplayName: "Bob"},
	))

	posts := doc.Posts()
	require.Len(t, posts, 2)

	handle, ok := posts[0].Author()
	require.True(t, ok)
	assert.Equal(t, "Alice", handle)
	assert.Equal(t, "alice example 🇪🇺", posts[0].DisplayName())
	assert.Empty(t, posts[0].Mark())

	handle, ok = posts[1].Author()
	require.True(t, ok)
	assert.Equal(t, "bob", handle)
}

func TestPostWithoutAuthor(t *testing.T) {
	doc := parse(t, `<html><body><article data-testid="tweet"><a href="/home">home</a><a href="https://x.com/alice">ext</a></article></body></html>`)
	posts := doc.Posts()
	require.Len(t, posts, 1)
	_, ok := posts[0].Author()
	assert.False(t, ok)
	assert.Empty(t, posts[0].DisplayName())
}

func TestDecideHidesPostAndCell(t *testing.T) {
	doc := parse(t, testutil.TimelineHTML(testutil.PostFixture{Handle: "alice", DisplayName: "Alice"}))
	post := doc.Posts()[0]

	previous, ok := post.Decide(true)
	require.True(t, ok)
	assert.Empty(t, previous)
	assert.True(t, post.Hidden())
	assert.Equal(t, page.MarkHidden, post.Mark())
	rendered := doc.HTML()
	assert.Contains(t, rendered, `<div data-testid="cellInnerDiv" class="no-eu-hidden">`)
	assert.Contains(t, rendered, `data-eu-checked="hidden"`)

	previous, ok = post.Decide(false)
	require.True(t, ok)
	assert.Equal(t, page.MarkHidden, previous)
	assert.False(t, post.Hidden())
	assert.Equal(t, page.MarkVisible, post.Mark())
	assert.NotContains(t, doc.HTML(), page.HiddenClass)
}

func TestUnhideAllAndClearMarks(t *testing.T) {
	doc := parse(t, testutil.TimelineHTML(
		testutil.PostFixture{Handle: "alice", DisplayName: "Alice"},
		testutil.PostFixture{Handle: "bob", DisplayName: "Bob"},
	))
	posts := doc.Posts()
	posts[0].Decide(true)
	require.True(t, posts[1].Claim())
	assert.False(t, posts[1].Claim())
	assert.Equal(t, page.MarkEvaluating, posts[1].Mark())

	assert.Equal(t, 2, doc.UnhideAll(), "post and cell")
	assert.False(t, posts[0].Hidden())
	assert.Equal(t, page.MarkHidden, posts[0].Mark(), "unhiding keeps marks")

	assert.Equal(t, 2, doc.ClearMarks())
	assert.Empty(t, posts[0].Mark())
	assert.Empty(t, posts[1].Mark())
}

func TestAppendPublishesMutation(t *testing.T) {
	doc := parse(t, testutil.TimelineHTML(testutil.PostFixture{Handle: "alice", DisplayName: "Alice"}))

	require.NoError(t, doc.Append("#timeline", testutil.PostHTML(testutil.PostFixture{Handle: "carol", DisplayName: "Carol"})))

	var batch = <-doc.Mutations()
	posts := doc.PostsIn(batch)
	require.Len(t, posts, 1)
	handle, _ := posts[0].Author()
	assert.Equal(t, "carol", handle)
	assert.Len(t, doc.Posts(), 2)

	err := doc.Append("#missing", "<p>x</p>")
	assert.ErrorIs(t, err, page.ErrNoParent)
}

func TestDecideOnDetachedPost(t *testing.T) {
	doc := parse(t, testutil.TimelineHTML(testutil.PostFixture{Handle: "alice", DisplayName: "Alice"}))
	post := doc.Posts()[0]

	assert.Equal(t, 1, doc.Remove(`[data-testid="cellInnerDiv"]`))
	assert.False(t, post.Attached())
	_, ok := post.Decide(true)
	assert.False(t, ok)
	assert.Empty(t, doc.Posts())
}

func TestEnsureStyle(t *testing.T) {
	doc := parse(t, testutil.TimelineHTML())
	assert.True(t, doc.EnsureStyle())
	assert.False(t, doc.EnsureStyle())
	rendered := doc.HTML()
	assert.Equal(t, 1, strings.Count(rendered, `id="no-eu-style"`))
	assert.Contains(t, rendered, "<style id=\"no-eu-style\">.no-eu-hidden{display:none!important}</style></head>")
}
