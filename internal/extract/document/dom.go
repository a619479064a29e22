package document

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"recipe-ingestion/internal/recipe"
)

// parseHTML never fails on malformed markup; the tokenizer recovers like a browser.
func parseHTML(src string) (*html.Node, error) {
	return html.Parse(strings.NewReader(src))
}

func walk(n *html.Node, fn func(*html.Node) bool) {
	if n == nil {
		return
	}
	if !fn(n) {
		return
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, fn)
	}
}

func findAll(root *html.Node, match func(*html.Node) bool) []*html.Node {
	var out []*html.Node
	walk(root, func(n *html.Node) bool {
		if match(n) {
			out = append(out, n)
		}
		return true
	})
	return out
}

func findFirst(root *html.Node, match func(*html.Node) bool) *html.Node {
	var found *html.Node
	walk(root, func(n *html.Node) bool {
		if found != nil {
			return false
		}
		if match(n) {
			found = n
			return false
		}
		return true
	})
	return found
}

func isElement(a ...atom.Atom) func(*html.Node) bool {
	return func(n *html.Node) bool {
		if n.Type != html.ElementNode {
			return false
		}
		for _, want := range a {
			if n.DataAtom == want {
				return true
			}
		}
		return false
	}
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			return a.Val
		}
	}
	return ""
}

func hasAttr(n *html.Node, key string) bool {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			return true
		}
	}
	return false
}

// textOf joins the text below n with single spaces. Script and style bodies are skipped.
func textOf(n *html.Node) string {
	var b strings.Builder
	walk(n, func(c *html.Node) bool {
		if c.Type == html.ElementNode && (c.DataAtom == atom.Script || c.DataAtom == atom.Style || c.DataAtom == atom.Noscript) {
			return false
		}
		if c.Type == html.TextNode {
			b.WriteString(c.Data)
			b.WriteByte(' ')
		}
		return true
	})
	return recipe.CleanText(b.String())
}

// blockText renders n as lines, breaking at block-level elements.
func blockText(n *html.Node) string {
	var b strings.Builder
	var visit func(*html.Node)
	visit = func(c *html.Node) {
		if c.Type == html.ElementNode {
			switch c.DataAtom {
			case atom.Script, atom.Style, atom.Noscript:
				return
			case atom.P, atom.Div, atom.Li, atom.Br, atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6,
				atom.Tr, atom.Section, atom.Article, atom.Ul, atom.Ol:
				b.WriteByte('\n')
			}
		}
		if c.Type == html.TextNode {
			b.WriteString(c.Data)
		}
		for ch := c.FirstChild; ch != nil; ch = ch.NextSibling {
			visit(ch)
		}
	}
	visit(n)
	lines := recipe.Lines(b.String())
	for i, ln := range lines {
		lines[i] = recipe.CleanText(ln)
	}
	return strings.Join(lines, "\n")
}

func listItems(list *html.Node) []string {
	var out []string
	for _, li := range findAll(list, isElement(atom.Li)) {
		if t := textOf(li); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func nextElementSibling(n *html.Node) *html.Node {
	for s := n.NextSibling; s != nil; s = s.NextSibling {
		if s.Type == html.ElementNode {
			return s
		}
	}
	return nil
}

// stripBoilerplate detaches navigation, forms and scripts in place.
func stripBoilerplate(root *html.Node) {
	noisy := findAll(root, isElement(atom.Header, atom.Footer, atom.Nav, atom.Aside, atom.Form,
		atom.Script, atom.Style, atom.Noscript, atom.Link, atom.Meta, atom.Iframe))
	for _, n := range noisy {
		if n.Parent != nil {
			n.Parent.RemoveChild(n)
		}
	}
}

func hasClassLike(n *html.Node, words ...string) bool {
	if n.Type != html.ElementNode {
		return false
	}
	class := strings.ToLower(attr(n, "class") + " " + attr(n, "id"))
	for _, w := range words {
		if strings.Contains(class, w) {
			return true
		}
	}
	return false
}

// mainNode picks the element most likely to hold the recipe body.
func mainNode(root *html.Node) *html.Node {
	if n := findFirst(root, func(n *html.Node) bool {
		return n.Type == html.ElementNode && strings.Contains(strings.ToLower(attr(n, "itemtype")), "recipe")
	}); n != nil {
		return n
	}
	for _, match := range []func(*html.Node) bool{
		isElement(atom.Article),
		isElement(atom.Main),
		func(n *html.Node) bool { return hasClassLike(n, "recipe", "post", "content") },
		isElement(atom.Body),
	} {
		if n := findFirst(root, match); n != nil {
			return n
		}
	}
	return root
}

func pageTitle(root *html.Node) string {
	if h1 := findFirst(root, isElement(atom.H1)); h1 != nil {
		if t := textOf(h1); t != "" {
			return t
		}
	}
	if title := findFirst(root, isElement(atom.Title)); title != nil {
		return textOf(title)
	}
	return ""
}
