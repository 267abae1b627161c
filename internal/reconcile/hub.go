package reconcile

import (
	"context"
	"log/slog"
	"sync"

	"noeu/internal/state"
	"noeu/internal/store"
)

const hubBuffer = 8

// Hub fans settings reactions out to every live reconciler.
type Hub struct {
	mu   sync.Mutex
	subs map[chan state.Reaction]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[chan state.Reaction]struct{})}
}

// Subscribe returns a channel of reactions that is closed when ctx ends.
func (h *Hub) Subscribe(ctx context.Context) <-chan state.Reaction {
	ch := make(chan state.Reaction, hubBuffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(h.subs, ch)
		close(ch)
		h.mu.Unlock()
	}()
	return ch
}

// Publish delivers reaction to every subscriber that has room for it.
func (h *Hub) Publish(reaction state.Reaction) {
	if reaction == state.ReactNone {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- reaction:
		default:
			slog.Warn("reconciler is behind, dropping reaction", "reaction", reaction)
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// WatchSettings folds store change batches into st and publishes the
// resulting reactions until changes is closed.
func WatchSettings(changes <-chan []store.Change, st *state.State, hub *Hub) {
	for batch := range changes {
		reaction := st.Apply(batch)
		if reaction == state.ReactNone {
			continue
		}
		slog.Info("settings changed", "keys", len(batch), "reaction", reaction)
		hub.Publish(reaction)
	}
}
