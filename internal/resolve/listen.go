package resolve

import (
	"context"
	"log/slog"
	"time"

	"noeu/internal/bridge"
	"noeu/internal/cache"
)

// FollowRecorder receives harvested follow facts.
type FollowRecorder interface {
	MarkFollowed(handle string)
}

// Listener applies network-side messages in the DOM context: passive
// locations go to the cache, follow facts to the followed set and lookup
// results to their requesters.
type Listener struct {
	Cache    *cache.Cache
	Recorder Recorder
	Follows  FollowRecorder
	Active   *Active
	Now      func() time.Time
}

// Run consumes bus until ctx ends.
func (l *Listener) Run(ctx context.Context, bus *bridge.Bus) {
	now := l.Now
	if now == nil {
		now = time.Now
	}
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-bus.PassiveLocations:
			if msg.Username == "" || msg.Country == "" {
				continue
			}
			l.Cache.Put(msg.Username, msg.Country, now())
			if err := l.Recorder.Persist(ctx); err != nil {
				slog.Error("persisting location cache failed", "err", err)
			}
		case msg := <-bus.PassiveFollowing:
			l.Follows.MarkFollowed(msg.Username)
		case res := <-bus.LookupResults:
			l.Active.Deliver(res)
		}
	}
}
