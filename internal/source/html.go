package source

import (
	"strings"

	"golang.org/x/net/html"
)

// parseDoc parses an HTML document leniently; x/net/html never fails on
// real-world tag soup, but the error is still propagated for empty input.
func parseDoc(s string) (*html.Node, error) {
	return html.Parse(strings.NewReader(s))
}

// findAll walks the tree depth-first collecting nodes matching pred.
func findAll(n *html.Node, pred func(*html.Node) bool) []*html.Node {
	var out []*html.Node
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		if pred(node) {
			out = append(out, node)
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return out
}

func isElement(n *html.Node, tag string) bool {
	return n.Type == html.ElementNode && n.Data == tag
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasAttr(n *html.Node, key string) bool {
	for _, a := range n.Attr {
		if a.Key == key {
			return true
		}
	}
	return false
}

func classContains(n *html.Node, substr string) bool {
	return strings.Contains(attr(n, "class"), substr)
}

// nodeText returns the concatenated, whitespace-collapsed text content of n.
func nodeText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		if node.Type == html.TextNode {
			b.WriteString(node.Data)
			b.WriteByte(' ')
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.Join(strings.Fields(b.String()), " ")
}

// anchors returns every <a href=...> in the document.
func anchors(doc *html.Node) []*html.Node {
	return findAll(doc, func(n *html.Node) bool {
		return isElement(n, "a") && attr(n, "href") != ""
	})
}

// followingText gathers the text of up to limit siblings after n, used to
// classify an anchor by the description that follows it.
func followingText(n *html.Node, limit int) string {
	var parts []string
	count := 0
	for sib := n.NextSibling; sib != nil && count < limit; sib = sib.NextSibling {
		if t := nodeText(sib); t != "" {
			parts = append(parts, t)
			count++
		}
	}
	return strings.Join(parts, " ")
}
