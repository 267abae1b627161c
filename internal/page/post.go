package page

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

var handlePath = regexp.MustCompile(`^/([A-Za-z0-9_]{1,15})(/|$)`)

// Site sections that look like profile paths.
var reservedPaths = map[string]struct{}{
	"home": {}, "explore": {}, "search": {}, "notifications": {}, "messages": {},
	"settings": {}, "i": {}, "compose": {}, "hashtag": {}, "lists": {}, "bookmarks": {},
	"communities": {}, "premium": {}, "jobs": {}, "help": {}, "tos": {}, "privacy": {},
}

// HandleFromPath extracts the account handle from a profile-relative path
// such as "/alice/status/1". Casing is preserved.
func HandleFromPath(path string) (string, bool) {
	m := handlePath.FindStringSubmatch(path)
	if m == nil {
		return "", false
	}
	if _, reserved := reservedPaths[strings.ToLower(m[1])]; reserved {
		return "", false
	}
	return m[1], true
}

// Post is one post element. Its methods take the document lock.
type Post struct {
	doc  *Document
	node *html.Node
}

// Node returns the underlying element. Use it only as an identity key.
func (p *Post) Node() *html.Node {
	return p.node
}

// Author returns the handle of the first profile link in the post.
func (p *Post) Author() (string, bool) {
	p.doc.mu.Lock()
	defer p.doc.mu.Unlock()
	var handle string
	goquery.NewDocumentFromNode(p.node).Find(`a[href^="/"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		href, _ := s.Attr("href")
		if h, ok := HandleFromPath(href); ok {
			handle = h
			return false
		}
		return true
	})
	return handle, handle != ""
}

// DisplayName returns the author's display name with emoji images folded
// into their alt text, trimmed and lowercased.
func (p *Post) DisplayName() string {
	p.doc.mu.Lock()
	defer p.doc.mu.Unlock()
	link := goquery.NewDocumentFromNode(p.node).Find(`[data-testid="User-Name"]`).First().Find("a").First()
	if link.Length() == 0 {
		return ""
	}
	var b strings.Builder
	collectText(&b, link.Get(0))
	return strings.ToLower(strings.TrimSpace(b.String()))
}

func collectText(b *strings.Builder, node *html.Node) {
	switch {
	case node.Type == html.TextNode:
		b.WriteString(node.Data)
		return
	case node.Type == html.ElementNode && node.Data == "img":
		if alt, ok := getAttr(node, "alt"); ok && alt != "" {
			b.WriteString(alt)
			return
		}
	}
	for child := node.FirstChild; child != nil; child = child.NextSibling {
		collectText(b, child)
	}
}

// Mark returns the evaluation marker, "" when unseen.
func (p *Post) Mark() string {
	p.doc.mu.Lock()
	defer p.doc.mu.Unlock()
	mark, _ := getAttr(p.node, MarkerAttr)
	return mark
}

// Claim marks an unseen post as evaluating. It reports false when the post
// already carries a marker.
func (p *Post) Claim() bool {
	p.doc.mu.Lock()
	defer p.doc.mu.Unlock()
	if _, marked := getAttr(p.node, MarkerAttr); marked {
		return false
	}
	upsertAttr(p.node, MarkerAttr, MarkEvaluating)
	return true
}

// Decide applies a final decision: the marker and the hidden class on the
// post and its cell container. It returns the previous marker. ok is false,
// and nothing changes, when the post has left the document.
func (p *Post) Decide(hide bool) (previous string, ok bool) {
	p.doc.mu.Lock()
	defer p.doc.mu.Unlock()
	if !isAttached(p.node, p.doc.root) {
		return "", false
	}
	previous, _ = getAttr(p.node, MarkerAttr)
	mark := MarkVisible
	if hide {
		mark = MarkHidden
	}
	upsertAttr(p.node, MarkerAttr, mark)
	p.setHiddenLocked(hide)
	return previous, true
}

// SetHidden toggles the hidden class without touching the marker.
func (p *Post) SetHidden(hide bool) {
	p.doc.mu.Lock()
	defer p.doc.mu.Unlock()
	p.setHiddenLocked(hide)
}

func (p *Post) setHiddenLocked(hide bool) {
	targets := []*html.Node{p.node}
	if cell := goquery.NewDocumentFromNode(p.node).Closest(CellSelector); cell.Length() > 0 {
		targets = append(targets, cell.Get(0))
	}
	for _, n := range targets {
		if hide {
			addClass(n, HiddenClass)
		} else {
			removeClass(n, HiddenClass)
		}
	}
}

// Hidden reports whether the post carries the hidden class.
func (p *Post) Hidden() bool {
	p.doc.mu.Lock()
	defer p.doc.mu.Unlock()
	return hasClass(p.node, HiddenClass)
}

// Attached reports whether the post is still part of the document.
func (p *Post) Attached() bool {
	p.doc.mu.Lock()
	defer p.doc.mu.Unlock()
	return isAttached(p.node, p.doc.root)
}
