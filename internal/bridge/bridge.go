// Package bridge carries messages between the network context (harvesting
// and the lookup queue) and the DOM context (cache, reconciler). Each
// message kind has its own typed channel. Delivery is best effort, so every
// consumer must treat duplicates as harmless overwrites.
package bridge

import "context"

const defaultBuffer = 256

// PassiveLocation is a location fact harvested from a response the page
// made on its own.
type PassiveLocation struct {
	Username string
	Country  string
}

// PassiveFollowing reports that the current user follows Username.
type PassiveFollowing struct {
	Username string
}

// LookupRequest asks the network context to resolve Username. RequestID
// correlates the eventual LookupResult.
type LookupRequest struct {
	Username  string
	RequestID string
}

// LookupResult answers one LookupRequest. An empty Country means nothing
// was found.
type LookupResult struct {
	RequestID string
	Country   string
}

// Bus holds one channel per message kind.
type Bus struct {
	PassiveLocations chan PassiveLocation
	PassiveFollowing chan PassiveFollowing
	LookupRequests   chan LookupRequest
	LookupResults    chan LookupResult
}

// NewBus creates a bus whose channels hold up to buffer messages each.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Bus{
		PassiveLocations: make(chan PassiveLocation, buffer),
		PassiveFollowing: make(chan PassiveFollowing, buffer),
		LookupRequests:   make(chan LookupRequest, buffer),
		LookupResults:    make(chan LookupResult, buffer),
	}
}

// Send delivers msg on ch unless ctx ends first.
func Send[T any](ctx context.Context, ch chan<- T, msg T) bool {
	select {
	case ch <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}

// Offer delivers msg on ch only if there is room right now.
func Offer[T any](ch chan<- T, msg T) bool {
	select {
	case ch <- msg:
		return true
	default:
		return false
	}
}
