// Package notify is the raw filesystem change source behind the watchers. A
// subscription watches a set of directories recursively and reports add,
// change and unlink events with absolute paths, plus any errors encountered
// along the way.
//
// Two backends are available: fsnotify (the default) and a polling backend
// for filesystems that don't deliver native events reliably, such as network
// drives and some container bind mounts.
package notify

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

type Op string

const (
	Add    Op = "add"
	Change Op = "change"
	Unlink Op = "unlink"
)

// Parses an op name, as used in config files.
func ParseOp(s string) (Op, error) {
	switch op := Op(s); op {
	case Add, Change, Unlink:
		return op, nil
	}
	return "", fmt.Errorf("unknown event type %q (expected add, change or unlink)", s)
}

type Event struct {
	Op   Op
	Path string
}

// WriteFinish holds back add and change events until the file's size and
// modification time have stopped changing, so that consumers never see a
// half written file.
type WriteFinish struct {
	// How long the file must stay unchanged.
	StabilityThreshold time.Duration
	// How often the file is checked while waiting.
	PollInterval time.Duration
}

type Options struct {
	// Don't report files that already exist when the subscription starts.
	IgnoreInitial bool
	// Nil reports writes as soon as they are seen.
	AwaitWriteFinish *WriteFinish
	// Use the polling backend instead of fsnotify.
	UsePolling bool
	// Polling interval for regular files.
	Interval time.Duration
	// Polling interval for files with binary extensions.
	BinaryInterval time.Duration
}

const (
	defaultInterval       = 200 * time.Millisecond
	defaultBinaryInterval = 300 * time.Millisecond
)

func (o *Options) setDefaults() {
	if o.Interval <= 0 {
		o.Interval = defaultInterval
	}
	if o.BinaryInterval <= 0 {
		o.BinaryInterval = defaultBinaryInterval
	}
	if o.AwaitWriteFinish != nil {
		wf := *o.AwaitWriteFinish
		if wf.StabilityThreshold <= 0 {
			wf.StabilityThreshold = 80 * time.Millisecond
		}
		if wf.PollInterval <= 0 {
			wf.PollInterval = 10 * time.Millisecond
		}
		o.AwaitWriteFinish = &wf
	}
}

// Source creates subscriptions.
type Source interface {
	Subscribe(paths []string, opts Options) (Subscription, error)
}

type Subscription interface {
	Events() <-chan Event
	Errors() <-chan error
	// Stops watching and closes both channels. Safe to call more than once.
	Close() error
}

type source struct {
	logger *slog.Logger
}

// Creates the default source. A nil logger discards debug output.
func NewSource(logger *slog.Logger) Source {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &source{logger: logger}
}

func (s *source) Subscribe(paths []string, opts Options) (Subscription, error) {
	opts.setDefaults()

	if opts.UsePolling {
		return newPollSubscription(s.logger, paths, opts)
	}

	return newFsSubscription(s.logger, paths, opts)
}

// Shared plumbing for both backends: the output channels, shutdown signal and
// write stability tracking.
type stream struct {
	events chan Event
	errors chan error
	done   chan struct{}
	wg     sync.WaitGroup
	settle *settler
	once   sync.Once
}

func newStream(opts Options) *stream {
	s := &stream{
		events: make(chan Event, 100),
		errors: make(chan error, 10),
		done:   make(chan struct{}),
	}
	s.settle = newSettler(opts.AwaitWriteFinish, s.emit)
	return s
}

func (s *stream) Events() <-chan Event {
	return s.events
}

func (s *stream) Errors() <-chan error {
	return s.errors
}

// Sends an event unless the stream is shutting down.
func (s *stream) emit(e Event) {
	select {
	case s.events <- e:
	case <-s.done:
	}
}

func (s *stream) report(err error) {
	select {
	case s.errors <- err:
	case <-s.done:
	}
}

// Routes add and change through the settler, unlink goes straight out.
func (s *stream) publish(op Op, path string) {
	if op == Unlink {
		s.settle.cancel(path)
		s.emit(Event{Op: Unlink, Path: path})
		return
	}
	s.settle.track(op, path)
}

// Stops every goroutine, then closes the channels. stop is called after done
// is closed and before waiting, so backends can release their own resources.
func (s *stream) shutdown(stop func() error) error {
	var err error
	s.once.Do(func() {
		close(s.done)
		s.settle.stop()
		if stop != nil {
			err = stop()
		}
		s.wg.Wait()
		close(s.events)
		close(s.errors)
	})
	return err
}

// A base path that is watched, split into directories (watched recursively)
// and single files (watched through their parent).
type roots struct {
	dirs  []string
	files map[string]bool
}

// Resolves the base paths. Missing paths are returned as errors rather than
// failing the whole subscription.
func resolveRoots(paths []string) (roots, []error) {
	r := roots{files: map[string]bool{}}
	var errs []error

	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		info, err := os.Stat(abs)
		if err != nil {
			errs = append(errs, fmt.Errorf("watch %s: %w", abs, err))
			continue
		}

		if info.IsDir() {
			r.dirs = append(r.dirs, abs)
		} else {
			r.files[abs] = true
		}
	}

	return r, errs
}

// Reports whether an event for path belongs to this subscription.
func (r roots) contains(path string) bool {
	if r.files[path] {
		return true
	}
	for _, dir := range r.dirs {
		if path == dir || isWithin(dir, path) {
			return true
		}
	}
	return false
}

func isWithin(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != ".." && !startsWithParent(rel)
}

func startsWithParent(rel string) bool {
	return len(rel) >= 3 && rel[:2] == ".." && os.IsPathSeparator(rel[2])
}
