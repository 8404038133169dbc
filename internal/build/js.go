package build

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/danprince/chokibasic/internal/errors"
	"github.com/evanw/esbuild/pkg/api"
)

type JSOptions struct {
	// Language target, "es2020" by default.
	Target string
	// Keep whitespace and identifiers.
	NoMinify  bool
	Sourcemap bool
	External  []string
	Define    map[string]string
	// Bare imports to fetch from a url, e.g. {"preact": "https://esm.sh/preact"}.
	// Imports of http(s) urls are always fetched.
	Imports map[string]string
	// Where downloaded modules are kept. Defaults to the user cache dir.
	CacheDir string
	Logger   *slog.Logger
}

var targets = map[string]api.Target{
	"es2015": api.ES2015,
	"es2016": api.ES2016,
	"es2017": api.ES2017,
	"es2018": api.ES2018,
	"es2019": api.ES2019,
	"es2020": api.ES2020,
	"es2021": api.ES2021,
	"es2022": api.ES2022,
	"esnext": api.ESNext,
}

// Bundles an entry point for the browser and writes it to output.
func JS(input, output string, opts JSOptions) error {
	log := loggerOr(opts.Logger)

	err := bundleJS(input, output, opts)
	if err != nil {
		log.Error("esbuild build failed", "input", input, "error", err)
		return err
	}

	log.Info("JS generated: " + output)
	return nil
}

func bundleJS(input, output string, opts JSOptions) error {
	target := api.ES2020
	if opts.Target != "" {
		t, ok := targets[strings.ToLower(opts.Target)]
		if !ok {
			return fmt.Errorf("unknown js target %q", opts.Target)
		}
		target = t
	}

	sourcemap := api.SourceMapNone
	if opts.Sourcemap {
		sourcemap = api.SourceMapLinked
	}

	result := api.Build(api.BuildOptions{
		EntryPoints:       []string{input},
		Outfile:           output,
		Bundle:            true,
		Write:             true,
		Platform:          api.PlatformBrowser,
		LogLevel:          api.LogLevelSilent,
		TreeShaking:       api.TreeShakingTrue,
		MinifyWhitespace:  !opts.NoMinify,
		MinifyIdentifiers: !opts.NoMinify,
		MinifySyntax:      !opts.NoMinify,
		Supported:         map[string]bool{"template-literal": false},
		Target:            target,
		LegalComments:     api.LegalCommentsNone,
		Sourcemap:         sourcemap,
		External:          opts.External,
		Define:            opts.Define,
		Plugins:           []api.Plugin{httpImportsPlugin(opts.Imports, cacheFor(opts.CacheDir))},
	})

	if len(result.Errors) > 0 {
		return errors.EsbuildError(result.Errors)
	}

	return nil
}
