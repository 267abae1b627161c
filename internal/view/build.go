package view

import (
	"fmt"
	"time"

	"noeu/internal/feed"
	"noeu/internal/state"
)

func BuildStats(stats state.Stats, settings state.Settings) Stats {
	return Stats{
		Filtered:         stats.Filtered,
		Checked:          stats.Checked,
		Enabled:          settings.Enabled,
		BlockedCountries: nonNil(settings.BlockedCountries),
	}
}

func BuildSettings(settings state.Settings) Settings {
	return Settings{
		Enabled:          settings.Enabled,
		BlockedCountries: nonNil(settings.BlockedCountries),
		BlockedUsernames: nonNil(settings.BlockedUsernames),
		CustomCountries:  nonNil(settings.CustomCountries),
		ExcludeFollowing: settings.ExcludeFollowing,
	}
}

func BuildFilteredFeed(result *feed.Result, now time.Time) FilteredFeed {
	items := make([]FeedItem, 0, len(result.Items))
	for _, item := range result.Items {
		compact := "na"
		if item.Published != nil {
			compact = FormatRelativeShort(*item.Published, now)
		}
		items = append(items, FeedItem{
			Title:            item.Title,
			Link:             item.Link,
			Author:           item.Author,
			Location:         item.Location,
			Published:        item.Published,
			PublishedCompact: compact,
		})
	}
	title := result.Title
	if title == "" {
		title = result.URL
	}
	return FilteredFeed{
		Title:     title,
		URL:       result.URL,
		Hidden:    result.Hidden,
		FetchedAt: result.FetchedAt,
		Items:     items,
	}
}

func FormatRelativeShort(t time.Time, now time.Time) string {
	if t.IsZero() {
		return "na"
	}
	age := now.Sub(t)
	if age < 0 {
		age = 0
	}
	switch {
	case age < time.Minute:
		return fmt.Sprintf("%ds", int(age.Seconds()))
	case age < time.Hour:
		return fmt.Sprintf("%dm", int(age.Minutes()))
	case age < 24*time.Hour:
		return fmt.Sprintf("%dh", int(age.Hours()))
	case age < 365*24*time.Hour:
		return fmt.Sprintf("%dd", int(age.Hours()/24))
	default:
		return fmt.Sprintf("%dy", int(age.Hours()/(24*365)))
	}
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
