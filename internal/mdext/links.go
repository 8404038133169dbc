package mdext

import (
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/text"
	"github.com/yuin/goldmark/util"
)

type links struct {
}

func (e *links) Extend(m goldmark.Markdown) {
	m.Parser().AddOptions(parser.WithASTTransformers(
		util.Prioritized(e, 200),
	))
}

// Opens external links in a new tab without a referrer/opener, and points
// links to other markdown pages at the html they render to.
var Links = &links{}

func isExternal(dest string) bool {
	return strings.HasPrefix(dest, "http") || strings.HasPrefix(dest, "://")
}

// "guide/index.md#setup" -> "guide/#setup", "about.md" -> "about.html"
func rewritePageLink(dest string) string {
	path, fragment, _ := strings.Cut(dest, "#")

	if !strings.HasSuffix(path, ".md") {
		return dest
	}

	path = strings.TrimSuffix(path, ".md") + ".html"

	if path == "index.html" || strings.HasSuffix(path, "/index.html") {
		path = strings.TrimSuffix(path, "index.html")
	}

	if fragment != "" {
		return path + "#" + fragment
	}
	return path
}

func (t *links) Transform(node *ast.Document, reader text.Reader, pc parser.Context) {
	ast.Walk(node, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering || n.Kind() != ast.KindLink {
			return ast.WalkContinue, nil
		}

		link := n.(*ast.Link)
		dest := string(link.Destination)

		if isExternal(dest) {
			link.SetAttribute([]byte("target"), []byte("_blank"))
			link.SetAttribute([]byte("rel"), []byte("noopener noreferrer"))
			return ast.WalkContinue, nil
		}

		link.Destination = []byte(rewritePageLink(dest))
		return ast.WalkContinue, nil
	})
}
