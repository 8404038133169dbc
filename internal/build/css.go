package build

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/bep/godartsass/v2"
	"github.com/danprince/chokibasic/internal/errors"
	"github.com/tdewolff/minify/v2"
	"github.com/tdewolff/minify/v2/css"
)

const (
	StyleCompressed = "compressed"
	StyleExpanded   = "expanded"
)

type CSSOptions struct {
	// Extra directories for @use and @import. <Cwd>/node_modules is always
	// searched.
	LoadPaths []string
	// Project directory, the process working directory when empty.
	Cwd string
	// "compressed" (default) or "expanded". Expanded output is written as
	// dart-sass produced it, anything else is minified as well.
	Style string
	// Shared compiler. When nil a dart-sass process is started for this call.
	Transpiler *godartsass.Transpiler
	// Binary used when starting a compiler, "sass" from PATH by default.
	SassBinary string
	Logger     *slog.Logger
}

// Starts a dart-sass compiler that can be shared between CSS calls. Close it
// when done.
func StartSass(binary string) (*godartsass.Transpiler, error) {
	t, err := godartsass.Start(godartsass.Options{
		DartSassEmbeddedFilename: binary,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start dart-sass: %w", err)
	}
	return t, nil
}

// Compiles a Sass entry point and writes the css to output.
func CSS(ctx context.Context, input, output string, opts CSSOptions) error {
	log := loggerOr(opts.Logger)

	err := compileCSS(ctx, input, output, opts)
	if err != nil {
		log.Error("Sass compile error", "input", input, "error", err)
		return err
	}

	log.Info("CSS generated: " + output)
	return nil
}

func compileCSS(ctx context.Context, input, output string, opts CSSOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	abs, err := filepath.Abs(input)
	if err != nil {
		return err
	}

	src, err := os.ReadFile(abs)
	if err != nil {
		return err
	}

	t := opts.Transpiler
	if t == nil {
		t, err = StartSass(opts.SassBinary)
		if err != nil {
			return err
		}
		defer t.Close()
	}

	style := godartsass.OutputStyleCompressed
	if opts.Style == StyleExpanded {
		style = godartsass.OutputStyleExpanded
	}

	res, err := t.Execute(godartsass.Args{
		Source:       string(src),
		URL:          "file://" + filepath.ToSlash(abs),
		SourceSyntax: sourceSyntax(abs),
		OutputStyle:  style,
		IncludePaths: loadPaths(abs, opts.LoadPaths, opts.Cwd),
	})
	if err != nil {
		return errors.SassError(err)
	}

	out := res.CSS
	if opts.Style != StyleExpanded {
		out, err = minifyCSS(out)
		if err != nil {
			return err
		}
	}

	return writeFile(output, []byte(out))
}

func sourceSyntax(file string) godartsass.SourceSyntax {
	switch strings.ToLower(filepath.Ext(file)) {
	case ".sass":
		return godartsass.SourceSyntaxSASS
	case ".css":
		return godartsass.SourceSyntaxCSS
	default:
		return godartsass.SourceSyntaxSCSS
	}
}

// The entry's own directory first so relative imports resolve, then the
// configured paths, then node_modules.
func loadPaths(entry string, extra []string, cwd string) []string {
	paths := []string{filepath.Dir(entry)}
	paths = append(paths, extra...)

	if cwd == "" {
		cwd, _ = os.Getwd()
	}
	if cwd != "" {
		paths = append(paths, filepath.Join(cwd, "node_modules"))
	}

	return paths
}

var cssMinifier = func() *minify.M {
	m := minify.New()
	m.AddFunc("text/css", css.Minify)
	return m
}()

func minifyCSS(src string) (string, error) {
	out, err := cssMinifier.String("text/css", src)
	if err != nil {
		return "", fmt.Errorf("failed to minify css: %w", err)
	}
	return out, nil
}
