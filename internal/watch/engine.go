package watch

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/danprince/chokibasic/internal/glob"
	"github.com/danprince/chokibasic/internal/ignore"
)

// Events waiting for the next flush, in first-seen order. Setting an existing
// key replaces the event but keeps its position.
type pendingMap struct {
	keys   []string
	events map[string]Event
}

func (p *pendingMap) set(e Event) {
	if p.events == nil {
		p.events = map[string]Event{}
	}
	key := string(e.Type) + ":" + e.File
	if _, ok := p.events[key]; !ok {
		p.keys = append(p.keys, key)
	}
	p.events[key] = e
}

// Returns every pending event and empties the map.
func (p *pendingMap) drain() []Event {
	if len(p.keys) == 0 {
		return nil
	}
	batch := make([]Event, len(p.keys))
	for i, key := range p.keys {
		batch[i] = p.events[key]
	}
	p.clear()
	return batch
}

func (p *pendingMap) clear() {
	p.keys = nil
	p.events = nil
}

func (p *pendingMap) len() int {
	return len(p.keys)
}

// The runtime state for one rule. Nothing here is shared with other rules.
type engine struct {
	rule     *Rule
	name     string
	cwd      string
	include  []glob.Pattern
	ignored  ignore.List
	debounce time.Duration
	ctx      *Context
	cancel   context.CancelFunc
	logger   *slog.Logger
	debug    bool
	onError  func(*Rule, error)

	mu      sync.Mutex
	pending pendingMap
	timer   *time.Timer
	// Bumped whenever the timer is re-armed or stopped, so a timer that
	// already fired but lost the race for mu does nothing.
	gen     uint64
	running bool
	rerun   bool
	closed  bool
}

// Global ignores come first, then the rule's own.
func newEngine(rule *Rule, cwd string, globalIgnored []string, logger *slog.Logger, debug bool, onError func(*Rule, error)) *engine {
	include := make([]glob.Pattern, len(rule.Patterns))
	for i, p := range rule.Patterns {
		include[i] = glob.Compile(p)
	}

	items := make([]ignore.Item, 0, len(globalIgnored)+len(rule.Ignored))
	items = append(items, ignore.Globs(globalIgnored...)...)
	items = append(items, rule.Ignored...)

	ctx, cancel := context.WithCancel(context.Background())
	name := rule.displayName()

	return &engine{
		rule:     rule,
		name:     name,
		cwd:      cwd,
		include:  include,
		ignored:  ignore.Compile(items...),
		debounce: rule.debounce(),
		ctx:      &Context{Context: ctx, Rule: rule},
		cancel:   cancel,
		logger:   logger.With("rule", name),
		debug:    debug,
		onError:  onError,
	}
}

// Converts an absolute path into the slash-separated form patterns are
// matched against.
func (e *engine) relative(absPath string) string {
	rel, err := filepath.Rel(e.cwd, absPath)
	if err != nil {
		rel = absPath
	}
	return glob.ToSlash(filepath.ToSlash(rel))
}

// Applies the ignore list and then the include patterns. Ignores always win.
func (e *engine) accept(absPath string) (string, bool) {
	rel := e.relative(absPath)

	if e.ignored.Ignored(rel) {
		return rel, false
	}

	for _, p := range e.include {
		if p.Match(rel) {
			return rel, true
		}
	}

	return rel, false
}

// Queues a raw notification and restarts the debounce window.
func (e *engine) submit(typ EventType, absPath string) {
	rel, ok := e.accept(absPath)
	if !ok {
		return
	}

	if e.debug {
		e.logger.Info("queue", "type", typ, "file", rel)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return
	}

	e.pending.set(Event{Type: typ, File: rel})
	e.arm()
}

// Replaces the outstanding timer. Must hold mu.
func (e *engine) arm() {
	if e.timer != nil {
		e.timer.Stop()
	}
	e.gen++
	gen := e.gen
	e.timer = time.AfterFunc(e.debounce, func() {
		e.flush(gen)
	})
}

// Delivers pending events to the callback. Only one flush runs at a time;
// a flush requested while another is running sets rerun instead, and the
// running flush loops once more after its callback returns.
func (e *engine) flush(gen uint64) {
	e.mu.Lock()

	if gen != e.gen || e.closed {
		e.mu.Unlock()
		return
	}

	if e.running {
		e.rerun = true
		e.mu.Unlock()
		return
	}

	e.running = true
	released := false

	defer func() {
		if !released {
			e.mu.Lock()
			e.running = false
			e.mu.Unlock()
		}
	}()

	for {
		e.rerun = false
		batch := e.pending.drain()
		e.mu.Unlock()

		if len(batch) > 0 {
			if err := e.rule.Callback(batch, e.ctx); err != nil {
				e.fail(err)
				released = true
				return
			}
		}

		e.mu.Lock()

		// Deciding to stop and clearing running happen under the same lock,
		// so no flush request can slip in between and get lost.
		if e.closed || !e.rerun {
			e.running = false
			released = true
			e.mu.Unlock()
			return
		}
	}
}

// Releases the flush loop after a failed callback. The failed batch is not
// retried, but events that arrived while it ran get a fresh timer.
func (e *engine) fail(err error) {
	e.mu.Lock()
	e.running = false
	if !e.closed && e.rerun && e.pending.len() > 0 {
		e.arm()
	}
	e.rerun = false
	e.mu.Unlock()

	e.onError(e.rule, err)
}

// Cancels the timer and drops pending events without delivering them.
func (e *engine) stop() {
	e.mu.Lock()
	e.closed = true
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.gen++
	e.pending.clear()
	e.mu.Unlock()

	e.cancel()
}
