// Package mdext holds the goldmark extensions pages are rendered with.
package mdext

import (
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

const DefaultSyntaxColor = "algol_nu"

// The markdown converter for pages. An empty style uses DefaultSyntaxColor.
func New(syntaxColor string) goldmark.Markdown {
	if syntaxColor == "" {
		syntaxColor = DefaultSyntaxColor
	}

	return goldmark.New(
		goldmark.WithExtensions(
			extension.GFM,
			extension.Footnote,
			Links,
			HeadingAnchors,
			SyntaxHighlighting(syntaxColor),
		),
		goldmark.WithRendererOptions(
			html.WithUnsafe(),
		),
	)
}
