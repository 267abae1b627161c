// Package cache is the in-memory tier of the location cache. Entries carry
// the time they were resolved; freshness depends on whether a location was
// found. The durable tier is the settings store, fed from Snapshot.
package cache

import (
	"fmt"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	gocache "github.com/patrickmn/go-cache"
)

const (
	DefaultKnownTTL   = 7 * 24 * time.Hour
	DefaultUnknownTTL = 5 * time.Minute
	cleanupInterval   = 10 * time.Minute
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Entry is one resolution result. An empty Location means the account was
// looked up and nothing was found, which is distinct from a missing entry.
type Entry struct {
	Location   string
	ResolvedAt time.Time
}

type wireEntry struct {
	Country *string `json:"country"`
	TS      int64   `json:"ts"`
}

// MarshalJSON encodes the entry as {"country": string|null, "ts": millis}.
func (e Entry) MarshalJSON() ([]byte, error) {
	w := wireEntry{TS: e.ResolvedAt.UnixMilli()}
	if e.Location != "" {
		loc := e.Location
		w.Country = &loc
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the persisted form written by MarshalJSON.
func (e *Entry) UnmarshalJSON(data []byte) error {
	var w wireEntry
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("decode cache entry: %w", err)
	}
	e.Location = ""
	if w.Country != nil {
		e.Location = *w.Country
	}
	e.ResolvedAt = time.UnixMilli(w.TS)
	return nil
}

// Cache maps lowercased handles to entries. Items expire from the backing
// store once older than the known TTL; freshness within that window is
// decided by IsFresh.
type Cache struct {
	items      *gocache.Cache
	knownTTL   time.Duration
	unknownTTL time.Duration
	now        func() time.Time
}

// New creates an empty cache. Non-positive TTLs fall back to the defaults.
func New(knownTTL, unknownTTL time.Duration) *Cache {
	if knownTTL <= 0 {
		knownTTL = DefaultKnownTTL
	}
	if unknownTTL <= 0 {
		unknownTTL = DefaultUnknownTTL
	}
	return &Cache{
		items:      gocache.New(knownTTL, cleanupInterval),
		knownTTL:   knownTTL,
		unknownTTL: unknownTTL,
		now:        time.Now,
	}
}

func key(handle string) string {
	return strings.ToLower(strings.TrimSpace(handle))
}

// Get returns the entry for handle regardless of freshness.
func (c *Cache) Get(handle string) (Entry, bool) {
	v, ok := c.items.Get(key(handle))
	if !ok {
		return Entry{}, false
	}
	e, ok := v.(Entry)
	return e, ok
}

// Put overwrites the entry for handle unconditionally.
func (c *Cache) Put(handle, loc string, now time.Time) {
	k := key(handle)
	if k == "" {
		return
	}
	c.set(k, Entry{Location: loc, ResolvedAt: now})
}

// set stores e until it is older than the known TTL. Entries already past
// it are dropped.
func (c *Cache) set(k string, e Entry) {
	ttl := c.knownTTL - c.now().Sub(e.ResolvedAt)
	if ttl <= 0 {
		c.items.Delete(k)
		return
	}
	c.items.Set(k, e, ttl)
}

// IsFresh reports whether e is still usable at now.
func (c *Cache) IsFresh(e Entry, now time.Time) bool {
	ttl := c.unknownTTL
	if e.Location != "" {
		ttl = c.knownTTL
	}
	return now.Sub(e.ResolvedAt) < ttl
}

// Lookup returns the location for handle if a fresh entry exists. found is
// false for missing and stale entries; a fresh negative entry returns
// ("", true).
func (c *Cache) Lookup(handle string, now time.Time) (loc string, found bool) {
	e, ok := c.Get(handle)
	if !ok || !c.IsFresh(e, now) {
		return "", false
	}
	return e.Location, true
}

// Clear removes every entry.
func (c *Cache) Clear() {
	c.items.Flush()
}

// Len returns the number of entries, stale ones included.
func (c *Cache) Len() int {
	return c.items.ItemCount()
}

// Snapshot returns a copy of the entries younger than the known TTL,
// whatever their location. This is what gets persisted.
func (c *Cache) Snapshot(now time.Time) map[string]Entry {
	items := c.items.Items()
	out := make(map[string]Entry, len(items))
	for k, item := range items {
		e, ok := item.Object.(Entry)
		if ok && now.Sub(e.ResolvedAt) < c.knownTTL {
			out[k] = e
		}
	}
	return out
}

// Load merges persisted entries into the cache, skipping those already
// past the known TTL.
func (c *Cache) Load(entries map[string]Entry) {
	for handle, e := range entries {
		if k := key(handle); k != "" {
			c.set(k, e)
		}
	}
}
