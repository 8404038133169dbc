package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
)

// Runs each rule once against the files that currently match it, delivering
// them as a single batch of add events. Nothing is watched. A failing rule
// doesn't stop the others; all callback errors are returned together.
func RunOnce(ctx context.Context, rules []*Rule, opts Options) error {
	if err := validate(rules); err != nil {
		return err
	}

	opts, err := opts.withDefaults()
	if err != nil {
		return err
	}

	var errs []error

	for _, rule := range rules {
		if err := ctx.Err(); err != nil {
			return err
		}

		e := compileRule(rule, opts)
		events := e.scan(baseDirs(rule.Patterns, opts.Cwd))

		if opts.Debug {
			opts.Logger.Info("running rule", "rule", e.name, "files", len(events))
		}

		if len(events) > 0 {
			if err := rule.Callback(events, e.ctx); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", e.name, err))
			}
		}

		e.stop()
	}

	return errors.Join(errs...)
}

// Lists existing files under dirs that the rule accepts. Ignored directories
// are not descended into.
func (e *engine) scan(dirs []string) []Event {
	var events []Event
	seen := map[string]bool{}

	for _, dir := range dirs {
		filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				if d != nil && d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}

			if d.IsDir() {
				if p != dir && e.ignored.Ignored(e.relative(p)+"/") {
					return filepath.SkipDir
				}
				return nil
			}

			rel, ok := e.accept(p)
			if ok && !seen[rel] {
				seen[rel] = true
				events = append(events, Event{Type: Add, File: rel})
			}
			return nil
		})
	}

	return events
}
