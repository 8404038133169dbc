package mdext

import (
	"fmt"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/renderer"
	"github.com/yuin/goldmark/renderer/html"
	"github.com/yuin/goldmark/util"
)

// Makes every heading a link to itself, so a section's url can be copied
// from the page. Headings that already start with a link keep their id but
// aren't wrapped.
var HeadingAnchors goldmark.Extender = &headingAnchors{class: "permalink"}

type headingAnchors struct {
	class string
}

func (h *headingAnchors) Extend(m goldmark.Markdown) {
	m.Parser().AddOptions(
		parser.WithAutoHeadingID(),
	)
	m.Renderer().AddOptions(
		renderer.WithNodeRenderers(util.Prioritized(h, 200)),
	)
}

func (h *headingAnchors) RegisterFuncs(reg renderer.NodeRendererFuncRegisterer) {
	reg.Register(ast.KindHeading, h.renderHeading)
}

// Wrapped unless the heading has no id or already opens with a link.
func (h *headingAnchors) anchor(n *ast.Heading) ([]byte, bool) {
	if first := n.FirstChild(); first != nil && first.Kind() == ast.KindLink {
		return nil, false
	}

	v, ok := n.AttributeString("id")
	if !ok {
		return nil, false
	}

	id, ok := v.([]byte)
	return id, ok && len(id) > 0
}

func (h *headingAnchors) renderHeading(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	n := node.(*ast.Heading)
	id, wrap := h.anchor(n)

	if !entering {
		fmt.Fprintf(w, "</h%d>", n.Level)
		if wrap {
			w.WriteString("</a>")
		}
		w.WriteByte('\n')
		return ast.WalkContinue, nil
	}

	if wrap {
		fmt.Fprintf(w, `<a href="#%s" class="%s">`, util.EscapeHTML(id), h.class)
	}

	fmt.Fprintf(w, "<h%d", n.Level)
	if n.Attributes() != nil {
		html.RenderAttributes(w, n, html.HeadingAttributeFilter)
	}
	w.WriteByte('>')

	return ast.WalkContinue, nil
}
