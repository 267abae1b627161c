// Package server exposes the command surface of the filter daemon and
// proxies every other path to the host site, filtering the HTML pages it
// serves on the way through.
package server

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"noeu/internal/feed"
	"noeu/internal/opml"
	"noeu/internal/reconcile"
	"noeu/internal/resolve"
	"noeu/internal/state"
	"noeu/internal/view"
)

const (
	CommandPrefix        = "/noeu/"
	maxSettingsBodyBytes = 64 << 10
	maxOPMLBodyBytes     = 1 << 20
	batchConcurrency     = 4
	DefaultSettle        = 2 * time.Second
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Options configures an App. Upstream is required for the proxy; without
// it every non-command path answers 404.
type Options struct {
	Upstream  *url.URL
	Transport http.RoundTripper
	// Settle bounds how long a proxied page waits for pending lookups.
	Settle time.Duration
	// ScanInterval is the periodic rescan interval while a page settles.
	ScanInterval time.Duration
	Gatherer     prometheus.Gatherer
}

// App wires handlers and their dependencies.
type App struct {
	state    *state.State
	hub      *reconcile.Hub
	resolver resolve.LocationResolver
	feeds    *feed.Filterer
	gatherer prometheus.Gatherer
	settle   time.Duration
	interval time.Duration
	proxy    http.Handler
	now      func() time.Time
}

func New(st *state.State, hub *reconcile.Hub, resolver resolve.LocationResolver, feeds *feed.Filterer, opts Options) *App {
	settle := opts.Settle
	if settle < 0 {
		settle = 0
	}
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	a := &App{
		state:    st,
		hub:      hub,
		resolver: resolver,
		feeds:    feeds,
		gatherer: gatherer,
		settle:   settle,
		interval: opts.ScanInterval,
		now:      time.Now,
	}
	if opts.Upstream != nil {
		a.proxy = a.newProxy(opts.Upstream, opts.Transport)
	} else {
		a.proxy = http.NotFoundHandler()
	}
	return a
}

// Routes returns the fully configured application HTTP handler.
func (a *App) Routes() http.Handler {
	commands := http.NewServeMux()
	commands.HandleFunc("GET /healthz", a.handleHealthz)
	commands.Handle("GET /metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}))
	commands.HandleFunc("GET "+CommandPrefix+"stats", a.handleStats)
	commands.HandleFunc("POST "+CommandPrefix+"cache/clear", a.handleClearCache)
	commands.HandleFunc("GET "+CommandPrefix+"settings", a.handleGetSettings)
	commands.HandleFunc("PUT "+CommandPrefix+"settings", a.handlePutSettings)
	commands.HandleFunc("GET "+CommandPrefix+"feeds/filtered", a.handleFilteredFeed)
	commands.HandleFunc("POST "+CommandPrefix+"feeds/opml", a.handleFilterOPML)

	commandHandler := withSecurityHeaders(commands)
	mux := http.NewServeMux()
	mux.Handle("/healthz", commandHandler)
	mux.Handle("/metrics", commandHandler)
	mux.Handle(CommandPrefix, commandHandler)
	mux.Handle("/", a.proxy)

	return withRequestID(withRequestLog(mux))
}

func (*App) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	_, err := w.Write([]byte("ok"))
	if err != nil {
		slog.Warn("write healthz response failed")
	}
}

func (a *App) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, view.BuildStats(a.state.Stats(), a.state.Settings()))
}

func (a *App) handleClearCache(w http.ResponseWriter, r *http.Request) {
	if err := a.state.Clear(r.Context()); err != nil {
		slog.Error("clear cache failed", "request_id", requestID(r), "err", err)
		writeJSON(w, http.StatusInternalServerError, view.Result{Error: "clear failed"})
		return
	}
	a.hub.Publish(state.ReactRescan)
	slog.Info("location cache cleared", "request_id", requestID(r))
	writeJSON(w, http.StatusOK, view.Result{Success: true})
}

func (a *App) handleGetSettings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, view.BuildSettings(a.state.Settings()))
}

// handlePutSettings stores a partial settings document. The new values take
// effect once the settings watcher has applied the store change.
func (a *App) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxSettingsBodyBytes+1))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, view.Result{Error: "read failed"})
		return
	}
	if len(body) > maxSettingsBodyBytes {
		writeJSON(w, http.StatusRequestEntityTooLarge, view.Result{Error: "settings too large"})
		return
	}

	var patch map[string]jsoniter.RawMessage
	if err := json.Unmarshal(body, &patch); err != nil {
		writeJSON(w, http.StatusBadRequest, view.Result{Error: "invalid json"})
		return
	}
	if err := a.state.SaveSettings(r.Context(), patch); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, state.ErrUnknownSetting) || errors.Is(err, state.ErrInvalidSetting) {
			status = http.StatusBadRequest
		}
		slog.Warn("save settings failed", "request_id", requestID(r), "err", err)
		writeJSON(w, status, view.Result{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, view.Result{Success: true})
}

func (a *App) handleFilteredFeed(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("url")
	if raw == "" {
		writeJSON(w, http.StatusBadRequest, view.Result{Error: "missing url"})
		return
	}
	result, err := a.feeds.Filter(r.Context(), raw)
	if err != nil {
		status := http.StatusBadGateway
		switch {
		case errors.Is(err, feed.ErrBlockedURL), errors.Is(err, feed.ErrInvalidURL):
			status = http.StatusBadRequest
		case r.Context().Err() != nil:
			return
		}
		slog.Warn("filter feed failed", "request_id", requestID(r), "feed_url", raw, "err", err)
		writeJSON(w, status, view.Result{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, view.BuildFilteredFeed(result, a.now()))
}

// handleFilterOPML filters every feed listed in an OPML document. Feeds
// that fail are reported next to the ones that succeed.
func (a *App) handleFilterOPML(w http.ResponseWriter, r *http.Request) {
	subs, err := opml.Parse(io.LimitReader(r.Body, maxOPMLBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, view.Result{Error: err.Error()})
		return
	}

	feeds := make([]*feed.Result, len(subs))
	failures := make([]error, len(subs))
	g, ctx := errgroup.WithContext(r.Context())
	g.SetLimit(batchConcurrency)
	for i, sub := range subs {
		g.Go(func() error {
			feeds[i], failures[i] = a.feeds.Filter(ctx, sub.URL)
			return nil
		})
	}
	_ = g.Wait()
	if r.Context().Err() != nil {
		return
	}

	now := a.now()
	batch := view.FeedBatch{
		Feeds:  make([]view.FilteredFeed, 0, len(subs)),
		Failed: make([]view.FeedFailure, 0),
	}
	for i, sub := range subs {
		if failures[i] != nil {
			batch.Failed = append(batch.Failed, view.FeedFailure{URL: sub.URL, Error: failures[i].Error()})
			continue
		}
		filtered := view.BuildFilteredFeed(feeds[i], now)
		if feeds[i].Title == "" {
			filtered.Title = sub.Title
		}
		batch.Feeds = append(batch.Feeds, filtered)
	}
	slog.Info("opml batch filtered",
		"request_id", requestID(r),
		"feeds", len(batch.Feeds),
		"failed", len(batch.Failed),
	)
	writeJSON(w, http.StatusOK, batch)
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	encoder := json.NewEncoder(w)

	err := encoder.Encode(value)
	if err != nil {
		slog.Warn("write json response failed", "err", err)
	}
}
