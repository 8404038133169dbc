// Package watch runs watch rules: each rule has its own include patterns,
// ignores, debounce window and callback, and receives batches of matching
// filesystem changes. Rules are independent of each other, even when they
// watch the same files.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/danprince/chokibasic/internal/glob"
	"github.com/danprince/chokibasic/internal/ignore"
	"github.com/danprince/chokibasic/internal/notify"
	"golang.org/x/sync/errgroup"
)

// Ignored by every rule unless Options.GlobalIgnored says otherwise.
var DefaultGlobalIgnored = []string{"**/node_modules/**", "**/.git/**", "**/dist/**"}

var defaultWriteFinish = notify.WriteFinish{
	StabilityThreshold: 80 * time.Millisecond,
	PollInterval:       10 * time.Millisecond,
}

type Options struct {
	// Root for relative paths. Defaults to the process working directory.
	Cwd string
	// Ignores applied to every rule. Nil means DefaultGlobalIgnored, an
	// empty slice ignores nothing.
	GlobalIgnored []string
	// Report files that already exist when watching starts.
	EmitInitial bool
	// Write stability settings. Nil means 80ms threshold / 10ms polling.
	AwaitWriteFinish *notify.WriteFinish
	// Deliver writes as soon as they're seen.
	DisableWriteFinish bool
	// Poll instead of using native notifications.
	UsePolling     bool
	Interval       time.Duration
	BinaryInterval time.Duration
	// Log each rule's setup and every queued event.
	Debug bool
	// Event types routed to rules. Defaults to change only.
	Types []EventType

	Logger *slog.Logger
	// Notification source, notify.NewSource when nil.
	Source notify.Source
	// Receives callback errors. Defaults to logging them.
	OnError func(rule *Rule, err error)
}

func (o Options) withDefaults() (Options, error) {
	if o.Cwd == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return o, fmt.Errorf("failed to determine working directory: %w", err)
		}
		o.Cwd = cwd
	}

	cwd, err := filepath.Abs(o.Cwd)
	if err != nil {
		return o, fmt.Errorf("failed to resolve working directory: %w", err)
	}
	o.Cwd = cwd

	if o.GlobalIgnored == nil {
		o.GlobalIgnored = DefaultGlobalIgnored
	}

	if o.AwaitWriteFinish == nil && !o.DisableWriteFinish {
		wf := defaultWriteFinish
		o.AwaitWriteFinish = &wf
	}

	if o.DisableWriteFinish {
		o.AwaitWriteFinish = nil
	}

	if o.Interval <= 0 {
		o.Interval = 200 * time.Millisecond
	}

	if o.BinaryInterval <= 0 {
		o.BinaryInterval = 300 * time.Millisecond
	}

	if len(o.Types) == 0 {
		o.Types = []EventType{Change}
	}

	if o.Logger == nil {
		o.Logger = slog.Default()
	}

	if o.Source == nil {
		o.Source = notify.NewSource(o.Logger)
	}

	if o.OnError == nil {
		logger := o.Logger
		o.OnError = func(rule *Rule, err error) {
			logger.Error("callback failed", "rule", rule.displayName(), "error", err)
		}
	}

	return o, nil
}

func (o Options) notifyOptions() notify.Options {
	return notify.Options{
		IgnoreInitial:    !o.EmitInitial,
		AwaitWriteFinish: o.AwaitWriteFinish,
		UsePolling:       o.UsePolling,
		Interval:         o.Interval,
		BinaryInterval:   o.BinaryInterval,
	}
}

// Watchers is the handle returned by New. Close it to stop everything.
type Watchers struct {
	engines []*engine
	subs    []notify.Subscription
	logger  *slog.Logger
	wg      sync.WaitGroup
	once    sync.Once
	err     error
}

// Starts one engine and one subscription per rule. Rules are validated
// before anything is subscribed.
func New(rules []*Rule, opts Options) (*Watchers, error) {
	if err := validate(rules); err != nil {
		return nil, err
	}

	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}

	w := &Watchers{logger: opts.Logger}
	types := map[EventType]bool{}
	for _, t := range opts.Types {
		types[t] = true
	}

	for _, rule := range rules {
		e := compileRule(rule, opts)
		dirs := baseDirs(rule.Patterns, opts.Cwd)

		if opts.Debug {
			opts.Logger.Info("starting watcher",
				"rule", e.name,
				"cwd", opts.Cwd,
				"patterns", rule.Patterns,
				"baseDirs", dirs,
				"ignored", ignoredNames(opts.GlobalIgnored, rule.Ignored),
			)
		}

		// The source never sees the ignore list, filtering happens in the
		// engine so that every kind of ignore behaves the same way.
		sub, err := opts.Source.Subscribe(dirs, opts.notifyOptions())
		if err != nil {
			e.stop()
			w.Close(context.Background())
			return nil, fmt.Errorf("failed to watch %s: %w", e.name, err)
		}

		w.engines = append(w.engines, e)
		w.subs = append(w.subs, sub)
		w.wg.Add(1)
		go w.route(e, sub, types)
	}

	return w, nil
}

func compileRule(rule *Rule, opts Options) *engine {
	return newEngine(rule, opts.Cwd, opts.GlobalIgnored, opts.Logger, opts.Debug, opts.OnError)
}

// The directory to subscribe to for a pattern. When the literal prefix stops
// inside a path segment ("src/app*.js") that is its parent directory.
func watchRoot(pattern string) string {
	base := glob.BaseDir(pattern)
	p := glob.ToSlash(pattern)

	if base == "." || base == p || strings.HasPrefix(p[len(base):], "/") {
		return base
	}

	return path.Dir(base)
}

// Deduplicated base directories of the patterns, resolved against cwd.
func baseDirs(patterns []string, cwd string) []string {
	var dirs []string
	for _, p := range patterns {
		dir := watchRoot(p)
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(cwd, filepath.FromSlash(dir))
		}
		dir = filepath.Clean(dir)
		if !slices.Contains(dirs, dir) {
			dirs = append(dirs, dir)
		}
	}
	return dirs
}

func ignoredNames(global []string, items []ignore.Item) []string {
	names := slices.Clone(global)
	for _, item := range items {
		names = append(names, item.String())
	}
	return names
}

// Forwards raw notifications to the rule's engine until the subscription
// closes its channels.
func (w *Watchers) route(e *engine, sub notify.Subscription, types map[EventType]bool) {
	defer w.wg.Done()

	events, errs := sub.Events(), sub.Errors()

	for events != nil || errs != nil {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if types[ev.Op] {
				e.submit(ev.Op, ev.Path)
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			w.logger.Error("watch error", "rule", e.name, "error", err)
		}
	}
}

// Stops every timer, drops undelivered events and closes all subscriptions,
// waiting for them to finish. Callbacks already running are not waited for.
func (w *Watchers) Close(ctx context.Context) error {
	w.once.Do(func() {
		for _, e := range w.engines {
			e.stop()
		}

		var g errgroup.Group
		for _, sub := range w.subs {
			g.Go(sub.Close)
		}

		done := make(chan error, 1)
		go func() {
			err := g.Wait()
			w.wg.Wait()
			done <- err
		}()

		select {
		case w.err = <-done:
		case <-ctx.Done():
			w.err = ctx.Err()
		}
	})

	return w.err
}
