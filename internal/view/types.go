package view

import "time"

// Stats is the getStats response.
type Stats struct {
	Filtered         int64    `json:"filtered"`
	Checked          int64    `json:"checked"`
	Enabled          bool     `json:"enabled"`
	BlockedCountries []string `json:"blockedCountries"`
}

// Settings is the user settings document.
type Settings struct {
	Enabled          bool     `json:"enabled"`
	BlockedCountries []string `json:"blockedCountries"`
	BlockedUsernames []string `json:"blockedUsernames"`
	CustomCountries  []string `json:"customCountries"`
	ExcludeFollowing bool     `json:"excludeFollowing"`
}

// FeedItem is one visible entry of a filtered feed.
type FeedItem struct {
	Title            string     `json:"title"`
	Link             string     `json:"link"`
	Author           string     `json:"author,omitempty"`
	Location         string     `json:"location,omitempty"`
	Published        *time.Time `json:"published,omitempty"`
	PublishedCompact string     `json:"age"`
}

// FilteredFeed is the response of the feed filter endpoint.
type FilteredFeed struct {
	Title     string     `json:"title"`
	URL       string     `json:"url"`
	Hidden    int        `json:"hidden"`
	FetchedAt time.Time  `json:"fetchedAt"`
	Items     []FeedItem `json:"items"`
}

// Result acknowledges a command.
type Result struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// FeedFailure names a feed of a batch that could not be filtered.
type FeedFailure struct {
	URL   string `json:"url"`
	Error string `json:"error"`
}

// FeedBatch is the response of the OPML batch endpoint.
type FeedBatch struct {
	Feeds  []FilteredFeed `json:"feeds"`
	Failed []FeedFailure  `json:"failed"`
}
