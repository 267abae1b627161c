package server

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"

	"noeu/internal/page"
	"noeu/internal/reconcile"
)

const maxPageBytes = 16 << 20

type replayBody struct {
	io.Reader
	io.Closer
}

func (a *App) newProxy(upstream *url.URL, transport http.RoundTripper) http.Handler {
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(upstream)
			pr.SetXForwarded()
			// Bodies are harvested and filtered, so they must arrive decoded.
			pr.Out.Header.Del("Accept-Encoding")
		},
		Transport:      transport,
		ModifyResponse: a.filterPage,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			slog.Warn("upstream request failed", "request_id", requestID(r), "path", r.URL.Path, "err", err)
			http.Error(w, "upstream error", http.StatusBadGateway)
		},
	}
}

// filterPage runs one reconciliation over an HTML page before it is sent
// to the client. Anything it cannot handle passes through untouched.
func (a *App) filterPage(resp *http.Response) error {
	if !isFilterablePage(resp) {
		return nil
	}

	original := resp.Body
	body, err := io.ReadAll(io.LimitReader(original, maxPageBytes+1))
	if err != nil {
		return fmt.Errorf("read page: %w", err)
	}
	if len(body) > maxPageBytes {
		resp.Body = replayBody{Reader: io.MultiReader(bytes.NewReader(body), original), Closer: original}
		return nil
	}
	_ = original.Close()

	doc, err := page.Parse(bytes.NewReader(body))
	if err != nil {
		slog.Warn("page not filtered", "path", resp.Request.URL.Path, "err", err)
		setBody(resp, body)
		return nil
	}
	doc.EnsureStyle()

	ctx, cancel := context.WithCancel(resp.Request.Context())
	defer cancel()
	rec := reconcile.New(doc, a.state, a.resolver, reconcile.Options{Interval: a.interval})
	rec.Process(ctx, a.settle, a.hub.Subscribe(ctx))

	var out bytes.Buffer
	if err := doc.Render(&out); err != nil {
		slog.Warn("page not filtered", "path", resp.Request.URL.Path, "err", err)
		setBody(resp, body)
		return nil
	}
	setBody(resp, out.Bytes())
	resp.Header.Del("ETag")
	slog.Debug("page filtered",
		"path", resp.Request.URL.Path,
		"posts", len(doc.Posts()),
		"pending", rec.Pending(),
	)
	return nil
}

func setBody(resp *http.Response, body []byte) {
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))
	resp.Header.Set("Content-Length", strconv.Itoa(len(body)))
}

func isFilterablePage(resp *http.Response) bool {
	if resp.Request == nil || resp.Request.Method != http.MethodGet {
		return false
	}
	if resp.StatusCode != http.StatusOK {
		return false
	}
	if resp.Header.Get("Content-Encoding") != "" {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	return err == nil && mediaType == "text/html"
}
