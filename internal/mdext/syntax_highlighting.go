package mdext

import (
	"bytes"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/alecthomas/chroma"
	"github.com/alecthomas/chroma/formatters/html"
	"github.com/alecthomas/chroma/lexers"
	"github.com/alecthomas/chroma/styles"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/renderer"
	"github.com/yuin/goldmark/util"
)

// The style that writes chroma class names instead of inline colors, for
// sites that theme code blocks from their own stylesheet.
const ClassStyle = "css"

type syntaxHighlighting struct {
	style   *chroma.Style
	options []html.Option
}

// Highlights fenced code blocks with chroma. An info string such as
// "js/1-3,5" also marks those lines. Unknown styles fall back to chroma's
// default.
func SyntaxHighlighting(style string, options ...html.Option) goldmark.Extender {
	theme := style
	if style == ClassStyle {
		theme = "github"
	}

	opts := []html.Option{
		html.Standalone(false),
		html.WithClasses(style == ClassStyle),
	}

	return &syntaxHighlighting{
		style:   styles.Get(theme),
		options: append(opts, options...),
	}
}

func (r *syntaxHighlighting) Extend(m goldmark.Markdown) {
	m.Renderer().AddOptions(renderer.WithNodeRenderers(
		util.Prioritized(r, 200),
	))
}

func (r *syntaxHighlighting) RegisterFuncs(reg renderer.NodeRendererFuncRegisterer) {
	reg.Register(ast.KindFencedCodeBlock, r.renderFencedCodeBlock)
}

func lexerFor(lang string) chroma.Lexer {
	lexer := lexers.Get(lang)
	if lexer == nil {
		lexer = lexers.Fallback
	}
	return chroma.Coalesce(lexer)
}

func (r *syntaxHighlighting) renderFencedCodeBlock(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if !entering {
		return ast.WalkContinue, nil
	}

	n := node.(*ast.FencedCodeBlock)
	lang, ranges := parseHighlightRanges(string(n.Language(source)))

	var code bytes.Buffer
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		code.Write(seg.Value(source))
	}

	iterator, err := lexerFor(lang).Tokenise(nil, code.String())
	if err != nil {
		return ast.WalkStop, fmt.Errorf("failed to highlight %q block: %w", lang, err)
	}

	formatter := html.New(append(slices.Clone(r.options), html.HighlightLines(ranges))...)

	if err := formatter.Format(w, r.style, iterator); err != nil {
		return ast.WalkStop, fmt.Errorf("failed to highlight %q block: %w", lang, err)
	}

	return ast.WalkContinue, nil
}

type lineRange = [2]int

// Splits "tsx/1-2,5" into the language and zero-based inclusive line ranges
// (the prismjs line-highlight syntax). Ranges starting before line 1 are
// dropped and a backwards range covers only its first line.
func parseHighlightRanges(info string) (string, []lineRange) {
	lang, spans, found := strings.Cut(info, "/")
	ranges := []lineRange{}

	if !found {
		return lang, ranges
	}

	for _, span := range strings.Split(strings.ReplaceAll(spans, " ", ""), ",") {
		from, to, _ := strings.Cut(span, "-")
		to, _, _ = strings.Cut(to, "-")

		start, _ := strconv.Atoi(from)
		end, _ := strconv.Atoi(to)

		if end < start {
			end = start
		}

		if start >= 1 {
			ranges = append(ranges, lineRange{start - 1, end - 1})
		}
	}

	return lang, ranges
}
