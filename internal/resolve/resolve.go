// Package resolve is the DOM-side half of location resolution. It answers
// from the location cache when it can and otherwise asks the network side
// over the bridge, sharing one pending lookup per account between all
// callers.
package resolve

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"noeu/internal/bridge"
	"noeu/internal/cache"
	"noeu/internal/metrics"
)

const (
	DefaultTimeout = 15 * time.Second
	abandonedSize  = 1024
)

// LocationResolver returns the declared location of an account, or "" when
// none is known.
type LocationResolver interface {
	Resolve(ctx context.Context, handle string) string
}

// Recorder receives the side effects of a completed lookup.
type Recorder interface {
	IncChecked()
	Persist(ctx context.Context) error
}

// Active resolves through the cache first and falls back to a lookup
// request on the bridge.
type Active struct {
	cache    *cache.Cache
	recorder Recorder
	requests chan<- bridge.LookupRequest
	metrics  *metrics.Metrics
	timeout  time.Duration
	now      func() time.Time

	group singleflight.Group

	mu        sync.Mutex
	waiters   map[string]chan string
	abandoned *lru.Cache[string, string]
}

// NewActive creates an Active resolver. A non-positive timeout uses
// DefaultTimeout.
func NewActive(
	c *cache.Cache,
	recorder Recorder,
	requests chan<- bridge.LookupRequest,
	m *metrics.Metrics,
	timeout time.Duration,
) *Active {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	abandoned, err := lru.New[string, string](abandonedSize)
	if err != nil {
		panic(err)
	}
	return &Active{
		cache:     c,
		recorder:  recorder,
		requests:  requests,
		metrics:   m,
		timeout:   timeout,
		now:       time.Now,
		waiters:   make(map[string]chan string),
		abandoned: abandoned,
	}
}

// Resolve implements LocationResolver. Concurrent calls for the same handle
// share a single request. If ctx ends first, Resolve returns "" and the
// shared lookup keeps running for the other callers.
func (a *Active) Resolve(ctx context.Context, handle string) string {
	key := strings.ToLower(strings.TrimSpace(handle))
	if key == "" {
		return ""
	}
	if loc, ok := a.cache.Lookup(key, a.now()); ok {
		return loc
	}

	ch := a.group.DoChan(key, func() (any, error) {
		return a.lookup(key), nil
	})
	select {
	case res := <-ch:
		return res.Val.(string)
	case <-ctx.Done():
		return ""
	}
}

// Pending reports the number of lookups waiting for a result.
func (a *Active) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.waiters)
}

func (a *Active) lookup(handle string) string {
	// A cache write may have landed while this call was being set up.
	if loc, ok := a.cache.Lookup(handle, a.now()); ok {
		return loc
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()

	id := uuid.NewString()
	reply := make(chan string, 1)
	a.mu.Lock()
	a.waiters[id] = reply
	a.mu.Unlock()

	if bridge.Send(ctx, a.requests, bridge.LookupRequest{Username: handle, RequestID: id}) {
		select {
		case loc := <-reply:
			a.complete(handle, loc)
			return loc
		case <-ctx.Done():
		}
	}

	a.mu.Lock()
	delete(a.waiters, id)
	a.cache.Put(handle, "", a.now())
	a.abandoned.Add(id, handle)
	a.mu.Unlock()
	// The result may have arrived between the timeout and the delete.
	select {
	case loc := <-reply:
		a.abandoned.Remove(id)
		a.complete(handle, loc)
		return loc
	default:
	}

	a.metrics.ObserveLookup(metrics.OutcomeTimeout)
	slog.Warn("location lookup timed out", "username", handle, "timeout", a.timeout)
	return ""
}

func (a *Active) complete(handle, loc string) {
	a.cache.Put(handle, loc, a.now())
	a.recorder.IncChecked()
	a.persist()
}

func (a *Active) persist() {
	if err := a.recorder.Persist(context.Background()); err != nil {
		slog.Error("persisting location cache failed", "err", err)
	}
}

// Deliver routes a lookup result to its waiting requester. A result for a
// request that already timed out still updates the cache.
func (a *Active) Deliver(res bridge.LookupResult) {
	a.mu.Lock()
	reply, ok := a.waiters[res.RequestID]
	if ok {
		delete(a.waiters, res.RequestID)
		// Buffered; the send lands before the requester can observe the
		// waiter gone.
		reply <- res.Country
	}
	a.mu.Unlock()

	if ok {
		return
	}
	if handle, late := a.abandoned.Get(res.RequestID); late {
		a.abandoned.Remove(res.RequestID)
		slog.Debug("late lookup result", "username", handle, "country", res.Country)
		a.cache.Put(handle, res.Country, a.now())
		a.persist()
	}
}
