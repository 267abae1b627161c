package harvest

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"

	"noeu/internal/lookup"
)

const maxHarvestBody = 8 << 20

// Transport wraps the page's round tripper. It records session cookies and
// hands a copy of every GraphQL response body to the harvester. The caller
// always gets the response unchanged.
type Transport struct {
	Base        http.RoundTripper
	Harvester   *Harvester
	Credentials *lookup.Credentials
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.Credentials != nil {
		t.Credentials.Observe(req)
	}

	resp, err := t.base().RoundTrip(req)
	if err != nil {
		return resp, err
	}
	if t.Credentials != nil {
		t.Credentials.ObserveResponse(resp)
	}

	rawURL := req.URL.String()
	if t.Harvester == nil || !lookup.IsGraphQL(rawURL) || resp.Body == nil {
		return resp, nil
	}
	// Encoded bodies are passed through untouched.
	if enc := resp.Header.Get("Content-Encoding"); enc != "" && enc != "identity" {
		return resp, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxHarvestBody))
	if err != nil {
		slog.Debug("harvest: reading body failed", "url", rawURL, "err", err)
	}
	resp.Body = &replayBody{
		Reader: io.MultiReader(bytes.NewReader(body), resp.Body),
		Closer: resp.Body,
	}
	if err == nil && len(body) < maxHarvestBody {
		t.Harvester.Observe(rawURL, body)
	}
	return resp, nil
}

// replayBody serves the buffered prefix followed by the rest of the
// original body.
type replayBody struct {
	io.Reader
	io.Closer
}
