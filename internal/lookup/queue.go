// Package lookup resolves account locations on demand. A single FIFO queue
// is drained by one worker that sleeps after each answered request for a
// delay that doubles on every rate limit and never shrinks back.
package lookup

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"noeu/internal/bridge"
	"noeu/internal/metrics"
)

const (
	DefaultInitialDelay = 500 * time.Millisecond
	DefaultMaxDelay     = 5 * time.Second
	DefaultCooldown     = 60 * time.Second
	backoffMultiplier   = 2
)

// Options tunes the queue pacing. Zero values use the defaults.
type Options struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Cooldown     time.Duration
}

// Queue serialises about-account lookups.
type Queue struct {
	fetcher Fetcher
	known   *Known
	results chan<- bridge.LookupResult
	metrics *metrics.Metrics
	now     func() time.Time

	mu            sync.Mutex
	pending       []bridge.LookupRequest
	running       bool
	delay         time.Duration
	maxDelay      time.Duration
	cooldown      time.Duration
	cooldownUntil time.Time
}

// NewQueue creates a queue that answers on results.
func NewQueue(
	fetcher Fetcher,
	known *Known,
	results chan<- bridge.LookupResult,
	m *metrics.Metrics,
	opts Options,
) *Queue {
	if opts.InitialDelay <= 0 {
		opts.InitialDelay = DefaultInitialDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = DefaultMaxDelay
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = DefaultCooldown
	}
	m.SetLookupDelay(opts.InitialDelay.Seconds())
	return &Queue{
		fetcher:  fetcher,
		known:    known,
		results:  results,
		metrics:  m,
		now:      time.Now,
		delay:    opts.InitialDelay,
		maxDelay: opts.MaxDelay,
		cooldown: opts.Cooldown,
	}
}

// Serve feeds lookup requests from the bus into the queue until ctx ends.
func (q *Queue) Serve(ctx context.Context, requests <-chan bridge.LookupRequest) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-requests:
			q.Enqueue(ctx, req)
		}
	}
}

// Enqueue answers req from the known set or appends it to the queue and
// makes sure a drain worker is running.
func (q *Queue) Enqueue(ctx context.Context, req bridge.LookupRequest) {
	if loc, ok := q.known.Get(req.Username); ok {
		q.reply(ctx, req, loc)
		return
	}

	q.mu.Lock()
	q.pending = append(q.pending, req)
	q.metrics.SetQueueLength(len(q.pending))
	start := !q.running
	q.running = true
	q.mu.Unlock()

	if start {
		go q.drain(ctx)
	}
}

// Delay returns the current inter-request delay.
func (q *Queue) Delay() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.delay
}

// Len returns the number of queued requests.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *Queue) drain(ctx context.Context) {
	for {
		req, wait, ok := q.next()
		if !ok {
			return
		}
		if wait > 0 {
			slog.Info("lookup queue rate limited, waiting", "wait", wait.Round(time.Second))
			if !sleep(ctx, wait) {
				q.stop()
				return
			}
		}

		// The account may have been resolved while it was queued.
		if loc, known := q.known.Get(req.Username); known {
			q.pop()
			q.reply(ctx, req, loc)
			continue
		}

		q.pop()
		res := q.fetcher.FetchAboutAccount(ctx, req.Username)
		if res.RateLimited {
			q.backOff(req)
			continue
		}

		q.known.Add(req.Username, res.Country)
		q.reply(ctx, req, res.Country)

		// The delay runs from the end of the response.
		if q.Len() > 0 && !sleep(ctx, q.Delay()) {
			q.stop()
			return
		}
	}
}

// next peeks at the head of the queue and returns the remaining cooldown.
// ok is false once the queue is empty, in which case the worker stops.
func (q *Queue) next() (req bridge.LookupRequest, wait time.Duration, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		q.running = false
		return req, 0, false
	}
	return q.pending[0], q.cooldownUntil.Sub(q.now()), true
}

func (q *Queue) pop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) > 0 {
		q.pending = q.pending[1:]
	}
	q.metrics.SetQueueLength(len(q.pending))
}

func (q *Queue) stop() {
	q.mu.Lock()
	q.running = false
	q.mu.Unlock()
}

// backOff puts req back at the front of the queue, starts a cooldown and
// doubles the delay up to the cap.
func (q *Queue) backOff(req bridge.LookupRequest) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.pending = append([]bridge.LookupRequest{req}, q.pending...)
	q.cooldownUntil = q.now().Add(q.cooldown)
	q.delay = nextDelay(q.delay, q.maxDelay)

	q.metrics.SetQueueLength(len(q.pending))
	q.metrics.SetLookupDelay(q.delay.Seconds())
	slog.Warn("lookup rate limited, backing off",
		"username", req.Username,
		"delay", q.delay,
		"cooldown", q.cooldown,
	)
}

func nextDelay(current, max time.Duration) time.Duration {
	next := current * backoffMultiplier
	if next > max || next <= 0 {
		return max
	}
	return next
}

func (q *Queue) reply(ctx context.Context, req bridge.LookupRequest, loc string) {
	if !bridge.Send(ctx, q.results, bridge.LookupResult{RequestID: req.RequestID, Country: loc}) {
		slog.Debug("lookup result dropped", "request_id", req.RequestID)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
