package page

import (
	"strings"

	"golang.org/x/net/html"
)

func getAttr(node *html.Node, key string) (string, bool) {
	for _, attr := range node.Attr {
		if attr.Key == key {
			return attr.Val, true
		}
	}
	return "", false
}

func upsertAttr(node *html.Node, key, value string) bool {
	for i, attr := range node.Attr {
		if attr.Key != key {
			continue
		}
		if attr.Val == value {
			return false
		}
		node.Attr[i].Val = value
		return true
	}
	node.Attr = append(node.Attr, html.Attribute{Key: key, Val: value})
	return true
}

func removeAttr(node *html.Node, key string) bool {
	for i, attr := range node.Attr {
		if attr.Key != key {
			continue
		}
		node.Attr = append(node.Attr[:i], node.Attr[i+1:]...)
		return true
	}
	return false
}

func hasClass(node *html.Node, class string) bool {
	value, _ := getAttr(node, "class")
	for _, token := range strings.Fields(value) {
		if token == class {
			return true
		}
	}
	return false
}

func addClass(node *html.Node, class string) bool {
	index := -1
	for i, attr := range node.Attr {
		if attr.Key != "class" {
			continue
		}
		index = i
		for _, token := range strings.Fields(attr.Val) {
			if token == class {
				return false
			}
		}
		break
	}

	if index >= 0 {
		tokens := append(strings.Fields(node.Attr[index].Val), class)
		node.Attr[index].Val = strings.Join(tokens, " ")
		return true
	}

	node.Attr = append(node.Attr, html.Attribute{Key: "class", Val: class})
	return true
}

func removeClass(node *html.Node, class string) bool {
	for i, attr := range node.Attr {
		if attr.Key != "class" {
			continue
		}
		tokens := strings.Fields(attr.Val)
		kept := tokens[:0]
		for _, token := range tokens {
			if token != class {
				kept = append(kept, token)
			}
		}
		if len(kept) == len(tokens) {
			return false
		}
		if len(kept) == 0 {
			node.Attr = append(node.Attr[:i], node.Attr[i+1:]...)
			return true
		}
		node.Attr[i].Val = strings.Join(kept, " ")
		return true
	}
	return false
}

// isAttached reports whether node still hangs below root.
func isAttached(node, root *html.Node) bool {
	for n := node; n != nil; n = n.Parent {
		if n == root {
			return true
		}
	}
	return false
}
