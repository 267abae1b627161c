// Package harvest scans GraphQL responses the page makes on its own for
// account locations and follow status, and publishes every new fact on the
// bridge bus.
package harvest

import (
	"log/slog"
	"net/url"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	jsoniter "github.com/json-iterator/go"

	"noeu/internal/bridge"
	"noeu/internal/lookup"
	"noeu/internal/metrics"
)

const (
	maxDepth         = 20
	followingSetSize = 10_000
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Harvester extracts location and following facts from response bodies.
// It is safe for concurrent use.
type Harvester struct {
	known     *lookup.Known
	following *lru.Cache[string, struct{}]
	bus       *bridge.Bus
	metrics   *metrics.Metrics
}

// New creates a Harvester that records locations in known and publishes
// on bus.
func New(known *lookup.Known, bus *bridge.Bus, m *metrics.Metrics) *Harvester {
	following, err := lru.New[string, struct{}](followingSetSize)
	if err != nil {
		panic(err)
	}
	return &Harvester{
		known:     known,
		following: following,
		bus:       bus,
		metrics:   m,
	}
}

// Observe scans one response body fetched from rawURL. Anything that is not
// a GraphQL response, or does not decode, is ignored.
func (h *Harvester) Observe(rawURL string, body []byte) {
	if !lookup.IsGraphQL(rawURL) {
		return
	}

	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		slog.Debug("harvest: skipping undecodable body", "url", rawURL, "err", err)
		return
	}

	if lookup.IsAboutAccount(rawURL) {
		h.observeAboutAccount(rawURL, doc)
	}
	h.walk(doc, 0)
}

func (h *Harvester) observeAboutAccount(rawURL string, doc any) {
	country, _ := dig(doc, "data", "user_result_by_screen_name", "result", "about_profile", "account_based_in").(string)
	if country == "" {
		return
	}
	username := screenNameFromVariables(rawURL)
	if username == "" {
		return
	}
	h.publishLocation(username, country, true)
}

func screenNameFromVariables(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	raw := u.Query().Get("variables")
	if raw == "" {
		return ""
	}
	var vars struct {
		ScreenName      string `json:"screenName"`
		ScreenNameSnake string `json:"screen_name"`
	}
	if err = json.Unmarshal([]byte(raw), &vars); err != nil {
		return ""
	}
	if vars.ScreenName != "" {
		return strings.ToLower(vars.ScreenName)
	}
	return strings.ToLower(vars.ScreenNameSnake)
}

func (h *Harvester) walk(v any, depth int) {
	if depth > maxDepth {
		return
	}
	switch node := v.(type) {
	case map[string]any:
		h.visit(node)
		for _, child := range node {
			h.walk(child, depth+1)
		}
	case []any:
		for _, child := range node {
			h.walk(child, depth+1)
		}
	}
}

func (h *Harvester) visit(obj map[string]any) {
	if legacy, ok := obj["legacy"].(map[string]any); ok {
		name, _ := legacy["screen_name"].(string)
		following, _ := legacy["following"].(bool)
		if name != "" && following {
			h.publishFollowing(strings.ToLower(name))
		}
	}

	country, _ := dig(obj, "about_profile", "account_based_in").(string)
	if country == "" {
		return
	}
	if name := findScreenName(obj); name != "" {
		h.publishLocation(name, country, false)
	}
}

// findScreenName returns the lowercased handle of a user-like object.
func findScreenName(obj map[string]any) string {
	for _, path := range [][]string{
		{"legacy", "screen_name"},
		{"core", "user_results", "result", "legacy", "screen_name"},
		{"screen_name"},
	} {
		if name, ok := dig(obj, path...).(string); ok && name != "" {
			return strings.ToLower(name)
		}
	}
	return ""
}

// publishLocation records and publishes a location fact. Unless
// authoritative, a handle that already has a location is skipped.
func (h *Harvester) publishLocation(username, country string, authoritative bool) {
	if loc, ok := h.known.Get(username); ok && loc != "" && (!authoritative || loc == country) {
		return
	}
	h.known.Add(username, country)
	h.metrics.ObserveFact(metrics.FactLocation)
	slog.Debug("harvest: location", "username", username, "country", country)
	if !bridge.Offer(h.bus.PassiveLocations, bridge.PassiveLocation{Username: username, Country: country}) {
		slog.Warn("harvest: bus full, location dropped", "username", username)
	}
}

func (h *Harvester) publishFollowing(username string) {
	if ok, _ := h.following.ContainsOrAdd(username, struct{}{}); ok {
		return
	}
	h.metrics.ObserveFact(metrics.FactFollowing)
	if !bridge.Offer(h.bus.PassiveFollowing, bridge.PassiveFollowing{Username: username}) {
		slog.Warn("harvest: bus full, following dropped", "username", username)
	}
}

// dig walks nested objects along keys and returns the value found, or nil.
func dig(v any, keys ...string) any {
	for _, k := range keys {
		obj, ok := v.(map[string]any)
		if !ok {
			return nil
		}
		v = obj[k]
	}
	return v
}
