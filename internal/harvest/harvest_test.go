package harvest

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"noeu/internal/bridge"
	"noeu/internal/lookup"
)

func newHarvester(t *testing.T) (*Harvester, *bridge.Bus, *lookup.Known) {
	t.Helper()
	bus := bridge.NewBus(16)
	known := lookup.NewKnown(64, time.Minute)
	return New(known, bus, nil), bus, known
}

func drainLocations(bus *bridge.Bus) []bridge.PassiveLocation {
	var out []bridge.PassiveLocation
	for {
		select {
		case msg := <-bus.PassiveLocations:
			out = append(out, msg)
		default:
			return out
		}
	}
}

func drainFollowing(bus *bridge.Bus) []string {
	var out []string
	for {
		select {
		case msg := <-bus.PassiveFollowing:
			out = append(out, msg.Username)
		default:
			return out
		}
	}
}

func aboutAccountURL(variables string) string {
	return "https://x.com/i/api/graphql/abc/AboutAccountQuery?variables=" + url.QueryEscape(variables)
}

func TestObserveAboutAccount(t *testing.T) {
	tests := []struct {
		name      string
		variables string
		body      string
		want      []bridge.PassiveLocation
	}{
		{
			name:      "camel case variable",
			variables: `{"screenName":"Alice"}`,
			body:      `{"data":{"user_result_by_screen_name":{"result":{"about_profile":{"account_based_in":"Germany"}}}}}`,
			want:      []bridge.PassiveLocation{{Username: "alice", Country: "Germany"}},
		},
		{
			name:      "snake case variable",
			variables: `{"screen_name":"bob"}`,
			body:      `{"data":{"user_result_by_screen_name":{"result":{"about_profile":{"account_based_in":"France"}}}}}`,
			want:      []bridge.PassiveLocation{{Username: "bob", Country: "France"}},
		},
		{
			name:      "no location",
			variables: `{"screenName":"carol"}`,
			body:      `{"data":{"user_result_by_screen_name":{"result":{}}}}`,
		},
		{
			name:      "malformed body",
			variables: `{"screenName":"dave"}`,
			body:      `{"data":`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, bus, _ := newHarvester(t)
			h.Observe(aboutAccountURL(tt.variables), []byte(tt.body))
			assert.Equal(t, tt.want, drainLocations(bus))
		})
	}
}

func TestObserveTimelineScan(t *testing.T) {
	h, bus, known := newHarvester(t)
	body := `{"data":{"home":{"instructions":[{"entries":[
		{"user":{"legacy":{"screen_name":"Alice","following":true},"about_profile":{"account_based_in":"Germany"}}},
		{"tweet":{"core":{"user_results":{"result":{"legacy":{"screen_name":"Bob"}}}},"about_profile":{"account_based_in":"Spain"}}},
		{"card":{"screen_name":"carol","about_profile":{"account_based_in":"Japan"}}},
		{"user":{"legacy":{"screen_name":"dave","following":false}}}
	]}]}}}`

	h.Observe("https://x.com/i/api/graphql/xyz/HomeTimeline", []byte(body))

	assert.ElementsMatch(t, []bridge.PassiveLocation{
		{Username: "alice", Country: "Germany"},
		{Username: "bob", Country: "Spain"},
		{Username: "carol", Country: "Japan"},
	}, drainLocations(bus))
	assert.Equal(t, []string{"alice"}, drainFollowing(bus))

	loc, ok := known.Get("bob")
	assert.True(t, ok)
	assert.Equal(t, "Spain", loc)

	// The same facts are not published twice.
	h.Observe("https://x.com/i/api/graphql/xyz/HomeTimeline", []byte(body))
	assert.Empty(t, drainLocations(bus))
	assert.Empty(t, drainFollowing(bus))
}

func TestObserveIgnoresNonGraphQL(t *testing.T) {
	h, bus, _ := newHarvester(t)
	h.Observe("https://x.com/home", []byte(`{"about_profile":{"account_based_in":"Germany"},"screen_name":"alice"}`))
	assert.Empty(t, drainLocations(bus))
}

func nested(depth int, leaf string) string {
	return strings.Repeat(`{"n":`, depth) + leaf + strings.Repeat(`}`, depth)
}

func TestObserveDepthCap(t *testing.T) {
	leaf := `{"screen_name":"%s","about_profile":{"account_based_in":"Italy"}}`

	h, bus, _ := newHarvester(t)
	h.Observe("https://x.com/i/api/graphql/q/Op", []byte(nested(maxDepth, fmt.Sprintf(leaf, "shallow"))))
	assert.Equal(t, []bridge.PassiveLocation{{Username: "shallow", Country: "Italy"}}, drainLocations(bus))

	h.Observe("https://x.com/i/api/graphql/q/Op", []byte(nested(maxDepth+5, fmt.Sprintf(leaf, "deep"))))
	assert.Empty(t, drainLocations(bus))
}

func TestTransportHarvestsAndPreservesBody(t *testing.T) {
	const body = `{"data":{"user_result_by_screen_name":{"result":{"about_profile":{"account_based_in":"Austria"}}}}}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "ct0", Value: "fresh"})
		_, _ = io.WriteString(w, body)
	}))
	defer srv.Close()

	h, bus, _ := newHarvester(t)
	creds := lookup.NewCredentials()
	client := &http.Client{Transport: &Transport{Harvester: h, Credentials: creds}}

	target := srv.URL + "/i/api/graphql/abc/AboutAccountQuery?variables=" + url.QueryEscape(`{"screenName":"eve"}`)
	req, err := http.NewRequest(http.MethodGet, target, nil)
	require.NoError(t, err)
	req.AddCookie(&http.Cookie{Name: "auth_token", Value: "session"})

	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, body, string(got))
	assert.Equal(t, []bridge.PassiveLocation{{Username: "eve", Country: "Austria"}}, drainLocations(bus))
	assert.Equal(t, "fresh", creds.CSRFToken())
}
