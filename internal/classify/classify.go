// Package classify decides whether a post author should be hidden. Rules
// are immutable snapshots of the blocking settings; evaluation is pure and
// never touches the network.
package classify

import (
	"strings"

	"noeu/internal/location"
)

// Config lists the blocking settings a Rules snapshot is built from.
type Config struct {
	BlockedLocations  []string
	CustomLocations   []string
	BlockedIdentities []string
	ExcludeFollowing  bool
}

// Account is the author of a post as seen by the classifier.
type Account struct {
	Handle string
	// DisplayName is the normalised display name: emoji folded to their
	// text form, trimmed and lowercased.
	DisplayName string
	Followed    bool
}

// Rules is a read-only snapshot of the blocking configuration.
type Rules struct {
	locations        map[string]struct{}
	custom           map[string]struct{}
	identities       map[string]struct{}
	identityList     []string
	excludeFollowing bool
}

// New builds a Rules snapshot from cfg.
func New(cfg Config) *Rules {
	r := &Rules{
		locations:        make(map[string]struct{}, len(cfg.BlockedLocations)),
		custom:           make(map[string]struct{}, len(cfg.CustomLocations)),
		identities:       make(map[string]struct{}, len(cfg.BlockedIdentities)),
		excludeFollowing: cfg.ExcludeFollowing,
	}
	for _, name := range cfg.BlockedLocations {
		r.locations[name] = struct{}{}
	}
	for _, name := range cfg.CustomLocations {
		normalized := strings.ToLower(strings.TrimSpace(name))
		if normalized != "" {
			r.custom[normalized] = struct{}{}
		}
	}
	for _, name := range cfg.BlockedIdentities {
		normalized := strings.ToLower(strings.TrimSpace(name))
		if normalized == "" {
			continue
		}
		if _, dup := r.identities[normalized]; dup {
			continue
		}
		r.identities[normalized] = struct{}{}
		r.identityList = append(r.identityList, normalized)
	}
	return r
}

// Bypass reports whether acct skips every check because it is followed.
func (r *Rules) Bypass(acct Account) bool {
	return r.excludeFollowing && acct.Followed
}

// LocationBlocked reports whether a reported location is on the block list.
// An empty location is never blocked.
func (r *Rules) LocationBlocked(loc string) bool {
	if loc == "" {
		return false
	}
	if canonical, ok := location.Canonical(loc); ok {
		if _, blocked := r.locations[canonical]; blocked {
			return true
		}
	}
	_, blocked := r.custom[strings.ToLower(strings.TrimSpace(loc))]
	return blocked
}

// IdentityBlocked reports whether the handle or display name matches the
// identity block list. Display names match on equality or substring.
func (r *Rules) IdentityBlocked(acct Account) bool {
	if len(r.identityList) == 0 {
		return false
	}
	if _, ok := r.identities[strings.ToLower(acct.Handle)]; ok {
		return true
	}
	if acct.DisplayName == "" {
		return false
	}
	if _, ok := r.identities[acct.DisplayName]; ok {
		return true
	}
	// Short entries can over-match here; kept as is.
	for _, blocked := range r.identityList {
		if strings.Contains(acct.DisplayName, blocked) {
			return true
		}
	}
	return false
}

// ShouldHide applies the checks in order: followed bypass, identity,
// location.
func (r *Rules) ShouldHide(acct Account, loc string) bool {
	if r.Bypass(acct) {
		return false
	}
	if r.IdentityBlocked(acct) {
		return true
	}
	return r.LocationBlocked(loc)
}
