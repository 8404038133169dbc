package build

import (
	"bytes"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"github.com/adrg/frontmatter"
	"github.com/danprince/chokibasic/internal/errors"
	"github.com/danprince/chokibasic/internal/mdext"
)

//go:embed template.html
var defaultTemplateHtml []byte

type RenderOptions struct {
	// Output directory. Pages are written next to their source when empty.
	OutDir string
	// Directory the output tree mirrors, the page's own directory by default.
	Root string
	// Layout wrapped around markdown pages. Uses the built in one when empty.
	Template    string
	SyntaxColor string
	// Available to templates as .Site.
	Site   map[string]any
	Logger *slog.Logger
}

// A single source file being rendered.
type Page struct {
	Name     string
	Path     string
	Url      string
	Data     map[string]any
	Site     map[string]any
	Date     time.Time
	Contents string

	contentsOffset int
}

var builtinDateFormats = []string{
	"2006-1-2",
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02 15:04",
}

// Renders a markdown page (wrapped in the layout) or a .tmpl page (written
// as is) to html. Both may start with YAML front matter.
func Render(file string, opts RenderOptions) Result {
	log := loggerOr(opts.Logger)

	out, err := render(file, opts)
	if err != nil {
		log.Error("render failed", "file", file, "error", err)
		return failed(err)
	}

	log.Info("HTML generated: " + out)
	return Result{Success: true, Files: []string{out}}
}

func render(file string, opts RenderOptions) (string, error) {
	ext := strings.ToLower(filepath.Ext(file))
	if ext != ".md" && ext != ".tmpl" {
		return "", fmt.Errorf("can't render %s: expected a .md or .tmpl file", file)
	}

	out, err := outputPath(file, opts)
	if err != nil {
		return "", err
	}

	page, err := readPage(file, opts)
	if err != nil {
		return "", err
	}
	page.Url = pageUrl(file, out, opts)

	contents, err := executePage(page)
	if err != nil {
		return "", err
	}

	if ext == ".tmpl" {
		return out, writeFile(out, []byte(contents))
	}

	var htmlBuf bytes.Buffer
	if err := mdext.New(opts.SyntaxColor).Convert([]byte(contents), &htmlBuf); err != nil {
		return "", err
	}
	page.Contents = htmlBuf.String()

	l, err := readLayout(opts.Template, page)
	if err != nil {
		return "", err
	}

	var pageBuf bytes.Buffer
	if err := l.tpl.Execute(&pageBuf, page); err != nil {
		return "", errors.TemplateExecError(err, l.name, l.src, 0)
	}

	return out, writeFile(out, pageBuf.Bytes())
}

func outputPath(file string, opts RenderOptions) (string, error) {
	name := strings.TrimSuffix(filepath.Base(file), filepath.Ext(file)) + ".html"

	if opts.OutDir == "" {
		return filepath.Join(filepath.Dir(file), name), nil
	}

	root := opts.Root
	if root == "" {
		root = filepath.Dir(file)
	}

	rel, err := filepath.Rel(root, filepath.Dir(file))
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("%s is outside of %s", file, root)
	}

	return filepath.Join(opts.OutDir, rel, name), nil
}

func pageUrl(file, out string, opts RenderOptions) string {
	base := opts.OutDir
	if base == "" {
		base = opts.Root
	}
	if base == "" {
		base = filepath.Dir(file)
	}

	rel, err := filepath.Rel(base, out)
	if err != nil {
		rel = filepath.Base(out)
	}

	url := "/" + filepath.ToSlash(rel)
	return strings.TrimSuffix(url, "index.html")
}

// Reads the contents and parses the front matter for a page.
func readPage(file string, opts RenderOptions) (*Page, error) {
	contents, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}

	page := &Page{
		Name: strings.TrimSuffix(filepath.Base(file), filepath.Ext(file)),
		Path: file,
		Site: opts.Site,
	}

	body, err := frontmatter.Parse(bytes.NewReader(contents), &page.Data)
	if err != nil {
		return nil, errors.YamlParseError(err, file, string(contents))
	}

	page.Date = parseDate(page.Data["date"])

	// Lines taken by the front matter, so errors point at the right line.
	page.contentsOffset = bytes.Count(contents[:len(contents)-len(body)], []byte("\n"))
	page.Contents = string(body)
	return page, nil
}

func parseDate(v any) time.Time {
	switch date := v.(type) {
	case time.Time:
		return date
	case string:
		for _, layout := range builtinDateFormats {
			if t, err := time.Parse(layout, date); err == nil {
				return t
			}
		}
	}
	return time.Time{}
}

func executePage(page *Page) (string, error) {
	tpl, err := template.New(page.Name).Funcs(templateFuncs(filepath.Dir(page.Path))).Parse(page.Contents)
	if err != nil {
		return "", errors.TemplateParseError(err, page.Path, page.Contents, page.contentsOffset)
	}

	var buf bytes.Buffer
	if err := tpl.Execute(&buf, page); err != nil {
		return "", errors.TemplateExecError(err, page.Path, page.Contents, page.contentsOffset)
	}

	return buf.String(), nil
}

type layout struct {
	tpl  *template.Template
	name string
	src  string
}

func readLayout(file string, page *Page) (layout, error) {
	l := layout{name: "template.html", src: string(defaultTemplateHtml)}

	if file != "" {
		contents, err := os.ReadFile(file)
		if err != nil {
			return l, err
		}
		l.name = file
		l.src = string(contents)
	}

	tpl, err := template.New("layout").Funcs(templateFuncs(filepath.Dir(page.Path))).Parse(l.src)
	if err != nil {
		return l, errors.TemplateParseError(err, l.name, l.src, 0)
	}

	l.tpl = tpl
	return l, nil
}

// Functions available in page and layout templates. include resolves
// relative to dir.
func templateFuncs(dir string) template.FuncMap {
	return template.FuncMap{
		"include": func(name string) (string, error) {
			if !filepath.IsAbs(name) {
				name = filepath.Join(dir, name)
			}
			contents, err := os.ReadFile(name)
			if err != nil {
				return "", err
			}
			return string(contents), nil
		},
		"date": func(layout, format, date string) (string, error) {
			t, err := time.Parse(layout, date)
			if err != nil {
				return "", err
			}
			return t.Format(format), nil
		},
		"now": time.Now,
		"year": func() int {
			return time.Now().Year()
		},
		"attrs": func(kvs ...any) map[string]any {
			m := make(map[string]any, len(kvs)/2)

			for i := 0; i+1 < len(kvs); i += 2 {
				if key, ok := kvs[i].(string); ok {
					m[key] = kvs[i+1]
				}
			}

			return m
		},
	}
}
