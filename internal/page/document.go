// Package page is the host page surface the reconciler works on: an HTML
// document tree guarded by a lock, the post elements inside it and a
// stream of mutation batches.
package page

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const (
	PostSelector   = `article[data-testid="tweet"]`
	CellSelector   = `[data-testid="cellInnerDiv"]`
	HiddenClass    = "no-eu-hidden"
	MarkerAttr     = "data-eu-checked"
	StyleID        = "no-eu-style"
	mutationBuffer = 64
)

const hiddenStyle = "." + HiddenClass + "{display:none!important}"

// Marker values.
const (
	MarkEvaluating = "evaluating"
	MarkHidden     = "hidden"
	MarkVisible    = "visible"
)

var ErrNoParent = errors.New("no element matches the parent selector")

// Document owns a parsed page. Every read and write of the tree goes
// through its lock.
type Document struct {
	mu        sync.Mutex
	root      *html.Node
	mutations chan []*html.Node
}

// Parse reads an HTML page.
func Parse(r io.Reader) (*Document, error) {
	root, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parse page: %w", err)
	}
	return &Document{root: root, mutations: make(chan []*html.Node, mutationBuffer)}, nil
}

// Mutations delivers the nodes added by each Append call. Batches are
// dropped when nobody keeps up; the periodic scan covers them.
func (d *Document) Mutations() <-chan []*html.Node {
	return d.mutations
}

// Append parses fragment and appends it to the first element matching
// parentSelector, then publishes the added nodes as one mutation batch.
func (d *Document) Append(parentSelector, fragment string) error {
	d.mu.Lock()
	parent := goquery.NewDocumentFromNode(d.root).Find(parentSelector).First()
	if parent.Length() == 0 {
		d.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNoParent, parentSelector)
	}
	target := parent.Get(0)
	nodes, err := html.ParseFragment(strings.NewReader(fragment), target)
	if err != nil {
		d.mu.Unlock()
		return fmt.Errorf("parse fragment: %w", err)
	}
	for _, n := range nodes {
		target.AppendChild(n)
	}
	d.mu.Unlock()

	select {
	case d.mutations <- nodes:
	default:
		slog.Debug("page mutation batch dropped", "nodes", len(nodes))
	}
	return nil
}

// Remove detaches every element matching selector.
func (d *Document) Remove(selector string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	sel := goquery.NewDocumentFromNode(d.root).Find(selector)
	sel.Each(func(_ int, s *goquery.Selection) {
		n := s.Get(0)
		if n.Parent != nil {
			n.Parent.RemoveChild(n)
		}
	})
	return sel.Length()
}

// Posts returns every post element in the document.
func (d *Document) Posts() []*Post {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.wrap(goquery.NewDocumentFromNode(d.root).Find(PostSelector).Nodes)
}

// PostsIn returns the post elements among nodes and their descendants.
func (d *Document) PostsIn(nodes []*html.Node) []*Post {
	d.mu.Lock()
	defer d.mu.Unlock()
	var found []*html.Node
	seen := make(map[*html.Node]struct{})
	add := func(n *html.Node) {
		if _, dup := seen[n]; dup {
			return
		}
		seen[n] = struct{}{}
		found = append(found, n)
	}
	for _, n := range nodes {
		if n.Type != html.ElementNode {
			continue
		}
		sel := goquery.NewDocumentFromNode(n)
		if sel.Is(PostSelector) {
			add(n)
		}
		for _, child := range sel.Find(PostSelector).Nodes {
			add(child)
		}
	}
	return d.wrap(found)
}

func (d *Document) wrap(nodes []*html.Node) []*Post {
	posts := make([]*Post, 0, len(nodes))
	for _, n := range nodes {
		posts = append(posts, &Post{doc: d, node: n})
	}
	return posts
}

// UnhideAll removes the hidden class from every element.
func (d *Document) UnhideAll() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	goquery.NewDocumentFromNode(d.root).Find("." + HiddenClass).Each(func(_ int, s *goquery.Selection) {
		if removeClass(s.Get(0), HiddenClass) {
			n++
		}
	})
	return n
}

// ClearMarks removes the evaluation marker from every element.
func (d *Document) ClearMarks() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	goquery.NewDocumentFromNode(d.root).Find("[" + MarkerAttr + "]").Each(func(_ int, s *goquery.Selection) {
		if removeAttr(s.Get(0), MarkerAttr) {
			n++
		}
	})
	return n
}

// EnsureStyle adds the stylesheet that hides marked posts to the head,
// once. It reports whether the style was added.
func (d *Document) EnsureStyle() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	doc := goquery.NewDocumentFromNode(d.root)
	if doc.Find("#"+StyleID).Length() > 0 {
		return false
	}
	head := doc.Find("head").First()
	if head.Length() == 0 {
		return false
	}
	style := &html.Node{
		Type:     html.ElementNode,
		Data:     "style",
		DataAtom: atom.Style,
		Attr:     []html.Attribute{{Key: "id", Val: StyleID}},
	}
	style.AppendChild(&html.Node{Type: html.TextNode, Data: hiddenStyle})
	head.Get(0).AppendChild(style)
	return true
}

// Render writes the current tree as HTML.
func (d *Document) Render(w io.Writer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := html.Render(w, d.root); err != nil {
		return fmt.Errorf("render page: %w", err)
	}
	return nil
}

// HTML returns the rendered tree.
func (d *Document) HTML() string {
	var b strings.Builder
	_ = d.Render(&b)
	return b.String()
}
