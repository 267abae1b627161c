package lookup

import (
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

const defaultKnownSize = 50_000

// Known is the network-side set of already resolved accounts, shared by the
// harvester and the queue. Found locations are kept until evicted by size;
// empty results expire after missingTTL so the account can be retried.
type Known struct {
	found   *lru.Cache[string, string]
	missing *expirable.LRU[string, struct{}]
}

// NewKnown creates a Known set holding up to size accounts per kind.
func NewKnown(size int, missingTTL time.Duration) *Known {
	if size <= 0 {
		size = defaultKnownSize
	}
	found, err := lru.New[string, string](size)
	if err != nil {
		// Only returned for a non-positive size, which is excluded above.
		panic(err)
	}
	return &Known{
		found:   found,
		missing: expirable.NewLRU[string, struct{}](size, nil, missingTTL),
	}
}

// Get returns the recorded location for username. ok is true for recorded
// empty results too, in which case loc is empty.
func (k *Known) Get(username string) (loc string, ok bool) {
	key := strings.ToLower(username)
	if loc, ok = k.found.Get(key); ok {
		return loc, true
	}
	if _, ok = k.missing.Get(key); ok {
		return "", true
	}
	return "", false
}

// Add records the result for username. A found location replaces any
// earlier empty result.
func (k *Known) Add(username, loc string) {
	key := strings.ToLower(username)
	if key == "" {
		return
	}
	if loc == "" {
		k.missing.Add(key, struct{}{})
		return
	}
	k.missing.Remove(key)
	k.found.Add(key, loc)
}
