// Package opml reads subscription lists so that every timeline feed in a
// reader's export can be filtered in one request.
package opml

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	opmlRootName = "opml"
	// MaxSubscriptions bounds one batch.
	MaxSubscriptions = 50
)

var (
	errInvalidRoot = errors.New("invalid OPML: expected root <opml>")
	// ErrTooMany is returned for lists longer than MaxSubscriptions.
	ErrTooMany = fmt.Errorf("OPML lists more than %d feeds", MaxSubscriptions)
)

// Subscription is one feed of a list.
type Subscription struct {
	Title string
	URL   string
}

type document struct {
	XMLName xml.Name `xml:"opml"`
	Body    struct {
		Outlines []outline `xml:"outline"`
	} `xml:"body"`
}

type outline struct {
	Text      string    `xml:"text,attr"`
	Title     string    `xml:"title,attr"`
	XMLURL    string    `xml:"xmlUrl,attr"`
	XMLURLAlt string    `xml:"xmlurl,attr"`
	URL       string    `xml:"url,attr"`
	Outlines  []outline `xml:"outline"`
}

// Parse decodes an OPML document and returns its feeds in document order,
// nested folders flattened and repeated URLs dropped.
func Parse(r io.Reader) ([]Subscription, error) {
	var doc document
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("invalid OPML: %w", err)
	}
	if !strings.EqualFold(doc.XMLName.Local, opmlRootName) {
		return nil, errInvalidRoot
	}

	c := collector{seen: make(map[string]struct{})}
	if err := c.walk(doc.Body.Outlines); err != nil {
		return nil, err
	}
	return c.out, nil
}

type collector struct {
	seen map[string]struct{}
	out  []Subscription
}

func (c *collector) walk(outlines []outline) error {
	for i := range outlines {
		current := &outlines[i]
		if feedURL := firstTrimmed(current.XMLURL, current.XMLURLAlt, current.URL); feedURL != "" {
			if _, dup := c.seen[feedURL]; !dup {
				if len(c.out) == MaxSubscriptions {
					return ErrTooMany
				}
				c.seen[feedURL] = struct{}{}
				title := firstTrimmed(current.Title, current.Text)
				if title == "" {
					title = feedURL
				}
				c.out = append(c.out, Subscription{Title: title, URL: feedURL})
			}
		}
		if err := c.walk(current.Outlines); err != nil {
			return err
		}
	}
	return nil
}

func firstTrimmed(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
