package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/bep/godartsass/v2"
	"github.com/danprince/chokibasic/internal/build"
	"github.com/danprince/chokibasic/internal/errors"
	"github.com/danprince/chokibasic/internal/watch"
)

// Turns configured rules into watch rules whose callbacks run the rule's
// steps in order. A failing step doesn't stop the ones after it.
type runner struct {
	cfg    *config
	logger *slog.Logger
	// Code frames for failed steps are written here.
	stderr io.Writer

	sassMu sync.Mutex
	sass   *godartsass.Transpiler

	// Called by reload steps, nil when nothing is being served.
	reload func()

	mu       sync.Mutex
	failures map[string]error
}

func newRunner(cfg *config, logger *slog.Logger, stderr io.Writer) *runner {
	return &runner{
		cfg:      cfg,
		logger:   logger,
		stderr:   stderr,
		failures: map[string]error{},
	}
}

func (r *runner) rules() ([]*watch.Rule, error) {
	rules := make([]*watch.Rule, 0, len(r.cfg.Rules))

	for i, rc := range r.cfg.Rules {
		name := rc.Name
		if name == "" {
			name = fmt.Sprintf("rules[%d]", i)
		}

		rule := &watch.Rule{
			Name:       name,
			Patterns:   rc.Patterns,
			DebounceMs: rc.DebounceMs,
			Callback:   r.callback(name, rc.Steps),
		}

		for _, s := range rc.Ignored {
			item, err := parseIgnore(s)
			if err != nil {
				return nil, err
			}
			rule.Ignored = append(rule.Ignored, item)
		}

		rules = append(rules, rule)
	}

	return rules, nil
}

func (r *runner) callback(name string, steps []step) watch.Callback {
	logger := r.logger.With("rule", name)

	return func(events []watch.Event, ctx *watch.Context) error {
		logger.Debug("running steps", "events", len(events))

		var errs []error

		for _, s := range steps {
			// The watchers were closed while earlier steps ran. That is a
			// shutdown, not a failure of the rule.
			if ctx.Err() != nil {
				logger.Debug("skipping remaining steps", "step", s.Kind)
				return nil
			}

			if err := r.runStep(ctx, logger, s, events); err != nil {
				if ctx.Err() != nil && stderrors.Is(err, context.Canceled) {
					return nil
				}
				fmt.Fprintln(r.stderr, errors.FmtError(err))
				errs = append(errs, err)
			}
		}

		err := stderrors.Join(errs...)
		r.record(name, err)
		return err
	}
}

func (r *runner) runStep(ctx context.Context, logger *slog.Logger, s step, events []watch.Event) error {
	switch s.Kind {
	case stepCSS:
		t, err := r.transpiler()
		if err != nil {
			return err
		}
		return build.CSS(ctx, r.cfg.path(s.Input), r.cfg.path(s.Output), build.CSSOptions{
			LoadPaths:  r.paths(s.LoadPaths),
			Cwd:        r.cfg.Cwd,
			Style:      s.Style,
			Transpiler: t,
			Logger:     logger,
		})

	case stepJS:
		return build.JS(r.cfg.path(s.Input), r.cfg.path(s.Output), build.JSOptions{
			Target:    s.Target,
			NoMinify:  s.NoMinify,
			Sourcemap: s.Sourcemap,
			External:  s.External,
			Define:    s.Define,
			Imports:   s.Imports,
			CacheDir:  r.cfg.path(s.CacheDir),
			Logger:    logger,
		})

	case stepRender:
		return r.render(logger, s, events)

	case stepSitemap:
		return build.Sitemap(r.cfg.path(s.File), logger).Err

	case stepExport:
		_, err := build.Export(r.cfg.path(s.Src), r.cfg.path(s.Dist), build.ExportOptions{
			Banner: r.cfg.path(s.Banner),
			Root:   r.cfg.Cwd,
			Logger: logger,
		})
		return err

	case stepReload:
		if r.reload != nil {
			r.reload()
		}
		return nil
	}

	return fmt.Errorf("unknown step kind %q", s.Kind)
}

// Renders the step's file, or every renderable file of the batch that still
// exists when the step has none.
func (r *runner) render(logger *slog.Logger, s step, events []watch.Event) error {
	opts := build.RenderOptions{
		OutDir:      r.cfg.path(s.OutDir),
		Root:        r.cfg.path(s.Root),
		Template:    r.cfg.path(s.Template),
		SyntaxColor: r.cfg.SyntaxColor,
		Site:        s.Site,
		Logger:      logger,
	}

	var files []string
	if s.File != "" {
		files = []string{r.cfg.path(s.File)}
	} else {
		files = renderable(r.cfg.Cwd, events)
	}

	var errs []error
	for _, file := range files {
		if res := build.Render(file, opts); res.Err != nil {
			errs = append(errs, res.Err)
		}
	}
	return stderrors.Join(errs...)
}

func renderable(cwd string, events []watch.Event) []string {
	var files []string
	seen := map[string]bool{}

	for _, e := range events {
		if e.Type == watch.Unlink {
			continue
		}

		ext := strings.ToLower(filepath.Ext(e.File))
		if ext != ".md" && ext != ".tmpl" {
			continue
		}

		p := filepath.Join(cwd, filepath.FromSlash(e.File))
		if seen[p] {
			continue
		}
		if _, err := os.Stat(p); err != nil {
			continue
		}

		seen[p] = true
		files = append(files, p)
	}

	return files
}

func (r *runner) paths(ps []string) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = r.cfg.path(p)
	}
	return out
}

// Starts dart-sass the first time a css step runs.
func (r *runner) transpiler() (*godartsass.Transpiler, error) {
	r.sassMu.Lock()
	defer r.sassMu.Unlock()

	if r.sass != nil && !r.sass.IsShutDown() {
		return r.sass, nil
	}

	t, err := build.StartSass(r.cfg.SassBinary)
	if err != nil {
		return nil, err
	}

	r.sass = t
	return t, nil
}

func (r *runner) record(name string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err == nil {
		delete(r.failures, name)
	} else {
		r.failures[name] = err
	}
}

// The last error of a rule whose latest run failed, if any.
func (r *runner) failure() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.failures) == 0 {
		return nil
	}

	names := make([]string, 0, len(r.failures))
	for name := range r.failures {
		names = append(names, name)
	}
	sort.Strings(names)

	return r.failures[names[0]]
}

func (r *runner) close() {
	r.sassMu.Lock()
	defer r.sassMu.Unlock()

	if r.sass != nil {
		r.sass.Close()
		r.sass = nil
	}
}
