package endpoint

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindQueryID(t *testing.T) {
	tests := []struct {
		name   string
		script string
		want   string
		ok     bool
	}{
		{
			name:   "closest wins",
			script: `e.exports={queryId:"far111",operationName:"UserByScreenName"};e.exports={queryId:"near222",operationName:"AboutAccountQuery"}`,
			want:   "near222",
			ok:     true,
		},
		{
			name:   "id after marker",
			script: `{operationName:"AboutAccountQuery",queryId:"after333"}` + strings.Repeat("x", 50) + `{queryId:"later444"}`,
			want:   "after333",
			ok:     true,
		},
		{
			name:   "outside window",
			script: `{queryId:"tooFar"}` + strings.Repeat(" ", searchWindow+10) + `"AboutAccountQuery"`,
		},
		{
			name:   "no marker",
			script: `{queryId:"abc",operationName:"HomeTimeline"}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := FindQueryID(tt.script)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

type site struct {
	pageHits   atomic.Int32
	scriptHits atomic.Int32

	mu      sync.Mutex
	bundles map[string]string
}

func (s *site) setBundle(name, body string) {
	s.mu.Lock()
	s.bundles[name] = body
	s.mu.Unlock()
}

func (s *site) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/home", func(w http.ResponseWriter, _ *http.Request) {
		s.pageHits.Add(1)
		var b strings.Builder
		b.WriteString("<html><head>")
		for _, name := range []string{"vendor.js", "main.js", "vendor.js"} {
			fmt.Fprintf(&b, `<script src="/static/%s"></script>`, name)
		}
		b.WriteString(`<script>inline()</script></head><body></body></html>`)
		_, _ = w.Write([]byte(b.String()))
	})
	mux.HandleFunc("/static/", func(w http.ResponseWriter, r *http.Request) {
		s.scriptHits.Add(1)
		s.mu.Lock()
		body, ok := s.bundles[strings.TrimPrefix(r.URL.Path, "/static/")]
		s.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(body))
	})
	return mux
}

func newTestResolver(t *testing.T, s *site) *Resolver {
	t.Helper()
	srv := httptest.NewServer(s.handler())
	t.Cleanup(srv.Close)
	policy := Policy{AllowPrivate: true}
	return NewResolver(NewHTTPClient(policy, 0), mustParse(t, srv.URL+"/home"), policy, "")
}

func TestResolverDiscoversQueryID(t *testing.T) {
	s := &site{bundles: map[string]string{
		"vendor.js": `var a=1;`,
		"main.js":   `e.exports={queryId:"disc0vered",operationName:"AboutAccountQuery"}`,
	}}
	r := newTestResolver(t, s)

	assert.Equal(t, "disc0vered", r.QueryID(context.Background()))
	assert.Equal(t, "disc0vered", r.QueryID(context.Background()))
	assert.EqualValues(t, 1, s.pageHits.Load())
	assert.EqualValues(t, 2, s.scriptHits.Load(), "duplicate script src is fetched once")
}

func TestResolverFallsBack(t *testing.T) {
	s := &site{bundles: map[string]string{"main.js": `nothing here`}}
	r := newTestResolver(t, s)

	assert.Equal(t, FallbackQueryID, r.QueryID(context.Background()))

	r.Reset()
	s.setBundle("main.js", `{queryId:"later",operationName:"AboutAccountQuery"}`)
	assert.Equal(t, "later", r.QueryID(context.Background()))
}

func TestResolverSharesDiscovery(t *testing.T) {
	s := &site{bundles: map[string]string{
		"main.js": `{queryId:"shared",operationName:"AboutAccountQuery"}`,
	}}
	r := newTestResolver(t, s)

	var wg sync.WaitGroup
	ids := make([]string, 8)
	for i := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids[i] = r.QueryID(context.Background())
		}()
	}
	wg.Wait()

	for _, id := range ids {
		require.Equal(t, "shared", id)
	}
	assert.EqualValues(t, 1, s.pageHits.Load())
}
