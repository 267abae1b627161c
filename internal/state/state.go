// Package state holds the DOM-side pipeline state: the settings snapshot
// and the rules derived from it, the followed set and the stats counters.
// It loads everything from the settings store once and writes the cache
// and stats back on every resolution.
package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"

	"noeu/internal/cache"
	"noeu/internal/classify"
	"noeu/internal/location"
	"noeu/internal/metrics"
	"noeu/internal/store"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	ErrUnknownSetting = errors.New("unknown setting")
	ErrInvalidSetting = errors.New("invalid setting value")
)

// Settings is the user-editable configuration.
type Settings struct {
	Enabled          bool     `json:"enabled"`
	BlockedCountries []string `json:"blockedCountries"`
	BlockedUsernames []string `json:"blockedUsernames"`
	CustomCountries  []string `json:"customCountries"`
	ExcludeFollowing bool     `json:"excludeFollowing"`
}

// DefaultSettings blocks every canonical location and skips followed
// accounts.
func DefaultSettings() Settings {
	return Settings{
		Enabled:          true,
		BlockedCountries: location.Defaults(),
		BlockedUsernames: []string{},
		CustomCountries:  []string{},
		ExcludeFollowing: true,
	}
}

// Rules builds the classification snapshot for these settings.
func (s Settings) Rules() *classify.Rules {
	return classify.New(classify.Config{
		BlockedLocations:  s.BlockedCountries,
		CustomLocations:   s.CustomCountries,
		BlockedIdentities: s.BlockedUsernames,
		ExcludeFollowing:  s.ExcludeFollowing,
	})
}

func (s Settings) clone() Settings {
	s.BlockedCountries = append([]string(nil), s.BlockedCountries...)
	s.BlockedUsernames = append([]string(nil), s.BlockedUsernames...)
	s.CustomCountries = append([]string(nil), s.CustomCountries...)
	return s
}

// apply decodes one stored value into the matching field. raw == "" resets
// the field to its default.
func (s *Settings) apply(key, raw string) error {
	def := DefaultSettings()
	var target any
	switch key {
	case store.KeyEnabled:
		s.Enabled = def.Enabled
		target = &s.Enabled
	case store.KeyBlockedCountries:
		s.BlockedCountries = def.BlockedCountries
		target = &s.BlockedCountries
	case store.KeyBlockedUsernames:
		s.BlockedUsernames = def.BlockedUsernames
		target = &s.BlockedUsernames
	case store.KeyCustomCountries:
		s.CustomCountries = def.CustomCountries
		target = &s.CustomCountries
	case store.KeyExcludeFollowing:
		s.ExcludeFollowing = def.ExcludeFollowing
		target = &s.ExcludeFollowing
	default:
		return fmt.Errorf("%w: %q", ErrUnknownSetting, key)
	}
	if raw == "" {
		return nil
	}
	if err := json.UnmarshalFromString(raw, target); err != nil {
		return fmt.Errorf("%w for %q: %v", ErrInvalidSetting, key, err)
	}
	return nil
}

// IsSettingKey reports whether key is one of the user settings.
func IsSettingKey(key string) bool {
	switch key {
	case store.KeyEnabled, store.KeyBlockedCountries, store.KeyBlockedUsernames,
		store.KeyCustomCountries, store.KeyExcludeFollowing:
		return true
	}
	return false
}

// Stats counts hidden posts and completed active lookups.
type Stats struct {
	Filtered int64 `json:"filtered"`
	Checked  int64 `json:"checked"`
}

// Reaction tells the reconciler what a settings change requires.
type Reaction int

const (
	ReactNone Reaction = iota
	// ReactRescan invalidates every evaluated post and scans again.
	ReactRescan
	// ReactUnhide reveals every hidden post; filtering is off.
	ReactUnhide
)

// State is safe for concurrent use.
type State struct {
	store   *store.Store
	cache   *cache.Cache
	metrics *metrics.Metrics
	now     func() time.Time

	mu       sync.RWMutex
	settings Settings
	rules    *classify.Rules
	followed map[string]struct{}
	stats    Stats

	persistMu sync.Mutex
}

// New creates a State with default settings. Call Load to read the store.
func New(st *store.Store, c *cache.Cache, m *metrics.Metrics) *State {
	settings := DefaultSettings()
	return &State{
		store:    st,
		cache:    c,
		metrics:  m,
		now:      time.Now,
		settings: settings,
		rules:    settings.Rules(),
		followed: make(map[string]struct{}),
	}
}

// Cache returns the location cache the state persists.
func (s *State) Cache() *cache.Cache {
	return s.cache
}

// Load reads settings, the persisted cache and the stats from the store.
// Undecodable values are logged and left at their defaults.
func (s *State) Load(ctx context.Context) error {
	values, err := s.store.All(ctx)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	settings := DefaultSettings()
	for key, raw := range values {
		if !IsSettingKey(key) {
			continue
		}
		if err = settings.apply(key, raw); err != nil {
			slog.Warn("ignoring stored setting", "key", key, "err", err)
		}
	}

	var stats Stats
	if raw, ok := values[store.KeyStats]; ok {
		if err = json.UnmarshalFromString(raw, &stats); err != nil {
			slog.Warn("ignoring stored stats", "err", err)
			stats = Stats{}
		}
	}

	if raw, ok := values[store.KeyCache]; ok {
		var entries map[string]cache.Entry
		if err = json.UnmarshalFromString(raw, &entries); err != nil {
			slog.Warn("ignoring stored location cache", "err", err)
		} else {
			s.cache.Load(entries)
		}
	}
	s.metrics.SetCacheEntries(s.cache.Len())

	s.mu.Lock()
	s.settings = settings
	s.rules = settings.Rules()
	s.stats = stats
	s.mu.Unlock()

	slog.Info("state loaded",
		"enabled", settings.Enabled,
		"blocked_countries", len(settings.BlockedCountries),
		"blocked_usernames", len(settings.BlockedUsernames),
		"cache_entries", s.cache.Len(),
	)
	return nil
}

// Apply folds a batch of store changes into the settings snapshot and
// reports what the reconciler must do. Writes to the cache and stats keys
// are ignored.
func (s *State) Apply(batch []store.Change) Reaction {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.settings.clone()
	changed := false
	for _, c := range batch {
		if !IsSettingKey(c.Key) {
			continue
		}
		raw := c.Value
		if c.Removed {
			raw = ""
		}
		if err := next.apply(c.Key, raw); err != nil {
			slog.Warn("ignoring setting change", "key", c.Key, "err", err)
			continue
		}
		changed = true
	}
	if !changed {
		return ReactNone
	}

	s.settings = next
	s.rules = next.Rules()
	if !next.Enabled {
		return ReactUnhide
	}
	return ReactRescan
}

// SaveSettings validates and writes a partial settings update. Subscribers,
// including this state's own reconciler loop, see it as one batch.
func (s *State) SaveSettings(ctx context.Context, patch map[string]jsoniter.RawMessage) error {
	values := make(map[string]string, len(patch))
	for key, raw := range patch {
		if !IsSettingKey(key) {
			return fmt.Errorf("%w: %q", ErrUnknownSetting, key)
		}
		var probe Settings
		if err := probe.apply(key, string(raw)); err != nil {
			return err
		}
		values[key] = normalizeSetting(key, probe)
	}
	return s.store.SetMany(ctx, values)
}

// normalizeSetting re-encodes the decoded field so stored values are
// canonical JSON. Usernames are stored lowercased.
func normalizeSetting(key string, probe Settings) string {
	var v any
	switch key {
	case store.KeyEnabled:
		v = probe.Enabled
	case store.KeyBlockedCountries:
		v = nonNil(probe.BlockedCountries)
	case store.KeyBlockedUsernames:
		names := make([]string, 0, len(probe.BlockedUsernames))
		for _, name := range probe.BlockedUsernames {
			if name = strings.ToLower(strings.TrimSpace(name)); name != "" {
				names = append(names, name)
			}
		}
		v = names
	case store.KeyCustomCountries:
		v = nonNil(probe.CustomCountries)
	case store.KeyExcludeFollowing:
		v = probe.ExcludeFollowing
	}
	out, _ := json.MarshalToString(v)
	return out
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

// Settings returns a copy of the current settings.
func (s *State) Settings() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings.clone()
}

// Rules returns the current classification snapshot.
func (s *State) Rules() *classify.Rules {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rules
}

// Enabled reports whether filtering is on.
func (s *State) Enabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings.Enabled
}

// MarkFollowed records that the current user follows handle.
func (s *State) MarkFollowed(handle string) {
	key := strings.ToLower(handle)
	if key == "" {
		return
	}
	s.mu.Lock()
	s.followed[key] = struct{}{}
	s.mu.Unlock()
}

// IsFollowed reports whether handle is in the followed set.
func (s *State) IsFollowed(handle string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.followed[strings.ToLower(handle)]
	return ok
}

// Stats returns the current counters.
func (s *State) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

// IncFiltered counts one post hidden for the first time.
func (s *State) IncFiltered() {
	s.mu.Lock()
	s.stats.Filtered++
	s.mu.Unlock()
	s.metrics.IncFiltered()
}

// IncChecked counts one completed active lookup.
func (s *State) IncChecked() {
	s.mu.Lock()
	s.stats.Checked++
	s.mu.Unlock()
	s.metrics.IncChecked()
}

// Persist writes the fresh part of the cache and the stats to the store.
// Writes do not notify settings subscribers.
func (s *State) Persist(ctx context.Context) error {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	snapshot := s.cache.Snapshot(s.now())
	cacheJSON, err := json.MarshalToString(snapshot)
	if err != nil {
		return fmt.Errorf("encode location cache: %w", err)
	}
	statsJSON, err := json.MarshalToString(s.Stats())
	if err != nil {
		return fmt.Errorf("encode stats: %w", err)
	}

	s.metrics.SetCacheEntries(len(snapshot))
	return store.SetValues(ctx, s.store.DB(), map[string]string{
		store.KeyCache: cacheJSON,
		store.KeyStats: statsJSON,
	})
}

// Clear wipes the cache and the stats, in memory and in the store.
func (s *State) Clear(ctx context.Context) error {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	s.cache.Clear()
	s.mu.Lock()
	s.stats = Stats{}
	s.mu.Unlock()
	s.metrics.SetCacheEntries(0)

	if err := s.store.Remove(ctx, store.KeyCache); err != nil {
		return fmt.Errorf("clear location cache: %w", err)
	}
	if err := s.store.Remove(ctx, store.KeyStats); err != nil {
		return fmt.Errorf("clear stats: %w", err)
	}
	return nil
}
