package lookup

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"noeu/internal/bridge"
)

func TestMain(m *testing.M) {
	// The expirable LRU keeps a purge goroutine for its lifetime.
	goleak.VerifyTestMain(m,
		goleak.IgnoreAnyFunction("github.com/hashicorp/golang-lru/v2/expirable.NewLRU[...].func1"),
	)
}

type fakeFetcher struct {
	mu    sync.Mutex
	calls []string
	fn    func(username string, call int) Result
}

func (f *fakeFetcher) FetchAboutAccount(_ context.Context, username string) Result {
	f.mu.Lock()
	f.calls = append(f.calls, username)
	call := len(f.calls)
	f.mu.Unlock()
	return f.fn(username, call)
}

func (f *fakeFetcher) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

var fastOptions = Options{
	InitialDelay: 5 * time.Millisecond,
	MaxDelay:     20 * time.Millisecond,
	Cooldown:     30 * time.Millisecond,
}

func receive(t *testing.T, results <-chan bridge.LookupResult) bridge.LookupResult {
	t.Helper()
	select {
	case res := <-results:
		return res
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for lookup result")
		return bridge.LookupResult{}
	}
}

func TestQueueServesFIFO(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	countries := map[string]string{"a": "Germany", "b": "", "c": "France"}
	fetcher := &fakeFetcher{fn: func(username string, _ int) Result {
		return Result{Country: countries[username]}
	}}
	results := make(chan bridge.LookupResult, 8)
	q := NewQueue(fetcher, NewKnown(16, time.Minute), results, nil, fastOptions)

	for _, name := range []string{"a", "b", "c"} {
		q.Enqueue(ctx, bridge.LookupRequest{Username: name, RequestID: "r-" + name})
	}

	for _, name := range []string{"a", "b", "c"} {
		res := receive(t, results)
		assert.Equal(t, "r-"+name, res.RequestID)
		assert.Equal(t, countries[name], res.Country)
	}
	assert.Equal(t, []string{"a", "b", "c"}, fetcher.Calls())

	loc, ok := q.known.Get("B")
	assert.True(t, ok, "empty results are recorded")
	assert.Empty(t, loc)
}

func TestQueueAnswersKnownWithoutFetching(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fetcher := &fakeFetcher{fn: func(string, int) Result { return Result{} }}
	known := NewKnown(16, time.Minute)
	known.Add("Alice", "Germany")
	results := make(chan bridge.LookupResult, 1)
	q := NewQueue(fetcher, known, results, nil, fastOptions)

	q.Enqueue(ctx, bridge.LookupRequest{Username: "alice", RequestID: "r1"})

	res := receive(t, results)
	assert.Equal(t, bridge.LookupResult{RequestID: "r1", Country: "Germany"}, res)
	assert.Empty(t, fetcher.Calls())
}

func TestQueueRechecksKnownBeforeFetching(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	known := NewKnown(16, time.Minute)
	release := make(chan struct{})
	fetcher := &fakeFetcher{fn: func(username string, _ int) Result {
		<-release
		// A harvested response resolves b while a is in flight.
		known.Add("b", "Poland")
		return Result{Country: "Spain"}
	}}
	results := make(chan bridge.LookupResult, 2)
	q := NewQueue(fetcher, known, results, nil, fastOptions)

	q.Enqueue(ctx, bridge.LookupRequest{Username: "a", RequestID: "ra"})
	q.Enqueue(ctx, bridge.LookupRequest{Username: "b", RequestID: "rb"})
	close(release)

	assert.Equal(t, "Spain", receive(t, results).Country)
	assert.Equal(t, bridge.LookupResult{RequestID: "rb", Country: "Poland"}, receive(t, results))
	assert.Equal(t, []string{"a"}, fetcher.Calls())
}

func TestQueueRetriesRateLimitedRequest(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fetcher := &fakeFetcher{fn: func(_ string, call int) Result {
		if call == 1 {
			return Result{RateLimited: true}
		}
		return Result{Country: "Germany"}
	}}
	results := make(chan bridge.LookupResult, 2)
	q := NewQueue(fetcher, NewKnown(16, time.Minute), results, nil, fastOptions)
	before := q.Delay()

	start := time.Now()
	q.Enqueue(ctx, bridge.LookupRequest{Username: "alice", RequestID: "r1"})
	q.Enqueue(ctx, bridge.LookupRequest{Username: "bob", RequestID: "r2"})

	first := receive(t, results)
	assert.Equal(t, bridge.LookupResult{RequestID: "r1", Country: "Germany"}, first)
	assert.GreaterOrEqual(t, time.Since(start), fastOptions.Cooldown)

	second := receive(t, results)
	assert.Equal(t, "r2", second.RequestID)

	assert.Equal(t, []string{"alice", "alice", "bob"}, fetcher.Calls(), "retry jumps ahead of bob")
	assert.Greater(t, q.Delay(), before)
}

type timedFetcher struct {
	mu      sync.Mutex
	latency time.Duration
	starts  []time.Time
	ends    []time.Time
}

func (f *timedFetcher) FetchAboutAccount(_ context.Context, _ string) Result {
	f.mu.Lock()
	f.starts = append(f.starts, time.Now())
	f.mu.Unlock()
	time.Sleep(f.latency)
	f.mu.Lock()
	f.ends = append(f.ends, time.Now())
	f.mu.Unlock()
	return Result{Country: "Germany"}
}

func TestQueueSleepsAfterEachResponse(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Responses slower than the delay must not eat into it.
	fetcher := &timedFetcher{latency: 60 * time.Millisecond}
	results := make(chan bridge.LookupResult, 3)
	q := NewQueue(fetcher, NewKnown(16, time.Minute), results, nil, Options{
		InitialDelay: 40 * time.Millisecond,
		MaxDelay:     time.Second,
		Cooldown:     time.Second,
	})

	for _, name := range []string{"a", "b", "c"} {
		q.Enqueue(ctx, bridge.LookupRequest{Username: name, RequestID: "r-" + name})
	}
	for range 3 {
		receive(t, results)
	}

	fetcher.mu.Lock()
	defer fetcher.mu.Unlock()
	require.Len(t, fetcher.starts, 3)
	for i := 1; i < len(fetcher.starts); i++ {
		gap := fetcher.starts[i].Sub(fetcher.ends[i-1])
		assert.GreaterOrEqual(t, gap, q.Delay(), "gap before call %d", i+1)
	}
}

func TestNextDelayDoublesWithCap(t *testing.T) {
	tests := []struct {
		current time.Duration
		want    time.Duration
	}{
		{current: 500 * time.Millisecond, want: time.Second},
		{current: 2 * time.Second, want: 4 * time.Second},
		{current: 4 * time.Second, want: 5 * time.Second},
		{current: 5 * time.Second, want: 5 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, nextDelay(tt.current, DefaultMaxDelay), "nextDelay(%s)", tt.current)
	}
}

func TestServeForwardsBusRequests(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	bus := bridge.NewBus(4)
	fetcher := &fakeFetcher{fn: func(string, int) Result { return Result{Country: "Malta"} }}
	q := NewQueue(fetcher, NewKnown(16, time.Minute), bus.LookupResults, nil, fastOptions)

	done := make(chan struct{})
	go func() {
		defer close(done)
		q.Serve(ctx, bus.LookupRequests)
	}()

	bus.LookupRequests <- bridge.LookupRequest{Username: "carol", RequestID: "rc"}
	res := receive(t, bus.LookupResults)
	require.Equal(t, "Malta", res.Country)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Serve did not stop after cancel")
	}
}
