package watch

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/danprince/chokibasic/internal/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// An in-memory notification source that lets tests inject raw events.
type fakeSource struct {
	mu   sync.Mutex
	subs []*fakeSub
	err  error
}

type fakeSub struct {
	paths  []string
	opts   notify.Options
	events chan notify.Event
	errors chan error
	once   sync.Once
	closed bool
}

func (s *fakeSource) Subscribe(paths []string, opts notify.Options) (notify.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return nil, s.err
	}

	sub := &fakeSub{
		paths:  paths,
		opts:   opts,
		events: make(chan notify.Event, 16),
		errors: make(chan error, 4),
	}
	s.subs = append(s.subs, sub)
	return sub, nil
}

func (s *fakeSource) sub(i int) *fakeSub {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subs[i]
}

func (s *fakeSub) Events() <-chan notify.Event { return s.events }
func (s *fakeSub) Errors() <-chan error        { return s.errors }

func (s *fakeSub) Close() error {
	s.once.Do(func() {
		s.closed = true
		close(s.events)
		close(s.errors)
	})
	return nil
}

func (s *fakeSub) send(op notify.Op, rel string) {
	s.events <- notify.Event{Op: op, Path: abs(rel)}
}

func newTestWatchers(t *testing.T, src *fakeSource, rules []*Rule, opts Options) *Watchers {
	t.Helper()
	opts.Cwd = testCwd
	opts.Source = src
	if opts.Logger == nil {
		opts.Logger = discard
	}
	w, err := New(rules, opts)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close(context.Background()) })
	return w
}

func TestNewRejectsRulesWithoutCallback(t *testing.T) {
	src := &fakeSource{}
	rec := newRecorder()

	_, err := New([]*Rule{
		{Name: "ok", Patterns: []string{"*.js"}, Callback: rec.callback},
		{Name: "broken", Patterns: []string{"*.css"}},
	}, Options{Cwd: testCwd, Source: src, Logger: discard})

	require.ErrorIs(t, err, ErrInvalidRule)
	assert.Contains(t, err.Error(), "broken")
	assert.Empty(t, src.subs, "nothing should be subscribed when validation fails")

	_, err = New([]*Rule{nil}, Options{Cwd: testCwd, Source: src})
	assert.ErrorIs(t, err, ErrInvalidRule)

	_, err = New([]*Rule{{Callback: rec.callback}}, Options{Cwd: testCwd, Source: src})
	assert.ErrorIs(t, err, ErrInvalidRule)
}

func TestSubscribesToBaseDirs(t *testing.T) {
	src := &fakeSource{}
	rec := newRecorder()

	newTestWatchers(t, src, []*Rule{{
		Patterns: []string{"src/styles/**/*.scss", "src/styles/*.css", "lib/*.js", "*.html"},
		Callback: rec.callback,
	}}, Options{})

	require.Len(t, src.subs, 1)
	assert.Equal(t, []string{abs("src/styles"), abs("lib"), testCwd}, src.sub(0).paths)
}

func TestDefaultSourceOptions(t *testing.T) {
	src := &fakeSource{}
	newTestWatchers(t, src, []*Rule{{Patterns: []string{"*.js"}, Callback: newRecorder().callback}}, Options{})

	opts := src.sub(0).opts
	assert.True(t, opts.IgnoreInitial)
	require.NotNil(t, opts.AwaitWriteFinish)
	assert.Equal(t, 80*time.Millisecond, opts.AwaitWriteFinish.StabilityThreshold)
	assert.Equal(t, 10*time.Millisecond, opts.AwaitWriteFinish.PollInterval)
	assert.False(t, opts.UsePolling)
	assert.Equal(t, 200*time.Millisecond, opts.Interval)
	assert.Equal(t, 300*time.Millisecond, opts.BinaryInterval)
}

func TestSourceOptionsOverride(t *testing.T) {
	src := &fakeSource{}
	newTestWatchers(t, src, []*Rule{{Patterns: []string{"*.js"}, Callback: newRecorder().callback}}, Options{
		EmitInitial:        true,
		DisableWriteFinish: true,
		UsePolling:         true,
		Interval:           time.Second,
		BinaryInterval:     2 * time.Second,
	})

	opts := src.sub(0).opts
	assert.False(t, opts.IgnoreInitial)
	assert.Nil(t, opts.AwaitWriteFinish)
	assert.True(t, opts.UsePolling)
	assert.Equal(t, time.Second, opts.Interval)
	assert.Equal(t, 2*time.Second, opts.BinaryInterval)
}

func TestOnlyChangeIsRoutedByDefault(t *testing.T) {
	src := &fakeSource{}
	rec := newRecorder()
	newTestWatchers(t, src, []*Rule{{Patterns: []string{"src/**/*.js"}, DebounceMs: 10, Callback: rec.callback}}, Options{})

	sub := src.sub(0)
	sub.send(notify.Add, "src/a.js")
	sub.send(notify.Unlink, "src/b.js")
	rec.none(t, 60*time.Millisecond)

	sub.send(notify.Change, "src/a.js")
	assert.Equal(t, []Event{{Type: Change, File: "src/a.js"}}, rec.next(t, time.Second))
}

func TestAllTypesRoutedWhenRequested(t *testing.T) {
	src := &fakeSource{}
	rec := newRecorder()
	newTestWatchers(t, src, []*Rule{{Patterns: []string{"src/**/*.js"}, DebounceMs: 20, Callback: rec.callback}}, Options{
		Types: []EventType{Add, Change, Unlink},
	})

	sub := src.sub(0)
	sub.send(notify.Add, "src/a.js")
	sub.send(notify.Change, "src/a.js")
	sub.send(notify.Unlink, "src/b.js")

	assert.Equal(t, []Event{
		{Type: Add, File: "src/a.js"},
		{Type: Change, File: "src/a.js"},
		{Type: Unlink, File: "src/b.js"},
	}, rec.next(t, time.Second))
}

func TestGlobalIgnoreDefaults(t *testing.T) {
	src := &fakeSource{}
	rec := newRecorder()
	newTestWatchers(t, src, []*Rule{{Patterns: []string{"**/*.js"}, DebounceMs: 10, Callback: rec.callback}}, Options{})

	sub := src.sub(0)
	sub.send(notify.Change, "src/node_modules/x.js")
	sub.send(notify.Change, ".git/hooks/pre-commit.js")
	sub.send(notify.Change, "dist/app.js")
	rec.none(t, 60*time.Millisecond)
}

func TestEmptyGlobalIgnore(t *testing.T) {
	src := &fakeSource{}
	rec := newRecorder()
	newTestWatchers(t, src, []*Rule{{Patterns: []string{"**/*.js"}, DebounceMs: 10, Callback: rec.callback}}, Options{
		GlobalIgnored: []string{},
	})

	src.sub(0).send(notify.Change, "dist/app.js")
	assert.Equal(t, []Event{{Type: Change, File: "dist/app.js"}}, rec.next(t, time.Second))
}

func TestRulesAreIndependent(t *testing.T) {
	src := &fakeSource{}
	fast, slow := newRecorder(), newRecorder()

	newTestWatchers(t, src, []*Rule{
		{Name: "fast", Patterns: []string{"src/**/*.js"}, DebounceMs: 20, Callback: fast.callback},
		{Name: "slow", Patterns: []string{"src/**"}, DebounceMs: 150, Callback: slow.callback},
	}, Options{})

	start := time.Now()
	for i := 0; i < 2; i++ {
		src.sub(i).send(notify.Change, "src/a.js")
	}

	assert.Equal(t, []Event{{Type: Change, File: "src/a.js"}}, fast.next(t, time.Second))
	assert.Less(t, time.Since(start), 150*time.Millisecond)

	assert.Equal(t, []Event{{Type: Change, File: "src/a.js"}}, slow.next(t, time.Second))
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)

	fast.none(t, 50*time.Millisecond)
	slow.none(t, 50*time.Millisecond)
}

func TestCloseDiscardsPending(t *testing.T) {
	src := &fakeSource{}
	rec := newRecorder()
	w := newTestWatchers(t, src, []*Rule{{Patterns: []string{"*.js"}, DebounceMs: 30, Callback: rec.callback}}, Options{})

	sub := src.sub(0)
	sub.send(notify.Change, "a.js")
	time.Sleep(5 * time.Millisecond)

	require.NoError(t, w.Close(context.Background()))
	assert.True(t, sub.closed)

	rec.none(t, 100*time.Millisecond)

	require.NoError(t, w.Close(context.Background()), "second close is a no-op")
}

func TestCloseDoesNotWaitForCallbacks(t *testing.T) {
	src := &fakeSource{}
	entered := make(chan struct{})
	release := make(chan struct{})
	defer close(release)

	rule := &Rule{Patterns: []string{"*.js"}, DebounceMs: 5}
	rule.Callback = func(events []Event, ctx *Context) error {
		close(entered)
		<-release
		return nil
	}

	w := newTestWatchers(t, src, []*Rule{rule}, Options{})
	src.sub(0).send(notify.Change, "a.js")
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, w.Close(ctx))
}

func TestSourceErrorsAreLogged(t *testing.T) {
	src := &fakeSource{}
	var buf syncBuffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	w := newTestWatchers(t, src, []*Rule{{Name: "styles", Patterns: []string{"*.css"}, Callback: newRecorder().callback}}, Options{Logger: logger})

	src.sub(0).errors <- errors.New("permission denied")
	require.NoError(t, w.Close(context.Background()))

	assert.Contains(t, buf.String(), "watch error")
	assert.Contains(t, buf.String(), "rule=styles")
	assert.Contains(t, buf.String(), "permission denied")
}

func TestCallbackErrorsGoToOnError(t *testing.T) {
	src := &fakeSource{}
	errs := make(chan error, 1)

	rule := &Rule{Patterns: []string{"*.css"}, DebounceMs: 5, Callback: func([]Event, *Context) error {
		return errors.New("sass exploded")
	}}

	newTestWatchers(t, src, []*Rule{rule}, Options{OnError: func(r *Rule, err error) {
		errs <- err
	}})

	src.sub(0).send(notify.Change, "a.css")

	select {
	case err := <-errs:
		assert.EqualError(t, err, "sass exploded")
	case <-time.After(time.Second):
		t.Fatal("error was not reported")
	}
}

func TestSubscribeFailure(t *testing.T) {
	src := &fakeSource{err: errors.New("no inotify instances left")}

	_, err := New([]*Rule{{Name: "js", Patterns: []string{"*.js"}, Callback: newRecorder().callback}}, Options{Cwd: testCwd, Source: src, Logger: discard})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no inotify instances left")
}

func TestDebugLogsQueue(t *testing.T) {
	src := &fakeSource{}
	var buf syncBuffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	rec := newRecorder()

	newTestWatchers(t, src, []*Rule{{Name: "js", Patterns: []string{"src/*.js"}, DebounceMs: 5, Callback: rec.callback}}, Options{Logger: logger, Debug: true})

	src.sub(0).send(notify.Change, "src/a.js")
	rec.next(t, time.Second)

	out := buf.String()
	assert.Contains(t, out, "starting watcher")
	assert.Contains(t, out, "msg=queue")
	assert.Contains(t, out, "file=src/a.js")
}

func TestWatchRealFiles(t *testing.T) {
	dir := t.TempDir()
	styles := filepath.Join(dir, "src", "styles")
	require.NoError(t, os.MkdirAll(styles, 0755))
	file := filepath.Join(styles, "main.scss")
	require.NoError(t, os.WriteFile(file, []byte("a{}"), 0644))

	rec := newRecorder()
	w, err := New([]*Rule{{Patterns: []string{"src/styles/**/*.scss"}, DebounceMs: 20, Callback: rec.callback}}, Options{
		Cwd:    dir,
		Logger: discard,
		AwaitWriteFinish: &notify.WriteFinish{
			StabilityThreshold: 20 * time.Millisecond,
			PollInterval:       5 * time.Millisecond,
		},
	})
	require.NoError(t, err)
	defer w.Close(context.Background())

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, os.WriteFile(file, []byte("a{color:red}"), 0644))

	assert.Equal(t, []Event{{Type: Change, File: "src/styles/main.scss"}}, rec.next(t, 3*time.Second))
}

func TestWatchRoot(t *testing.T) {
	tests := map[string]string{
		"src/app*.js":          "src",
		"src/*.js":             "src",
		"src/styles/**/*.scss": "src/styles",
		"app?.js":              ".",
		"**/*.js":              ".",
		"src/main.js":          "src/main.js",
		"/abs/lib*.js":         "/abs",
	}

	for input, expected := range tests {
		assert.Equal(t, expected, watchRoot(input), "root of %q", input)
	}
}

func TestWatchPartialSegmentPattern(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	require.NoError(t, os.MkdirAll(src, 0755))
	file := filepath.Join(src, "app1.js")
	require.NoError(t, os.WriteFile(file, []byte("1"), 0644))

	rec := newRecorder()
	w, err := New([]*Rule{{Patterns: []string{"src/app*.js"}, DebounceMs: 20, Callback: rec.callback}}, Options{
		Cwd:    dir,
		Logger: discard,
		AwaitWriteFinish: &notify.WriteFinish{
			StabilityThreshold: 20 * time.Millisecond,
			PollInterval:       5 * time.Millisecond,
		},
	})
	require.NoError(t, err)
	defer w.Close(context.Background())

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, os.WriteFile(file, []byte("2"), 0644))

	assert.Equal(t, []Event{{Type: Change, File: "src/app1.js"}}, rec.next(t, 3*time.Second))
}

func TestRunOnce(t *testing.T) {
	dir := t.TempDir()
	for _, rel := range []string{"src/a.js", "src/lib/b.js", "src/node_modules/c.js", "src/d.css"} {
		p := filepath.Join(dir, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
		require.NoError(t, os.WriteFile(p, nil, 0644))
	}

	rec := newRecorder()
	failing := &Rule{Name: "css", Patterns: []string{"src/*.css"}, Callback: func([]Event, *Context) error {
		return errors.New("nope")
	}}

	err := RunOnce(context.Background(), []*Rule{
		{Name: "js", Patterns: []string{"src/**/*.js"}, Callback: rec.callback},
		failing,
	}, Options{Cwd: dir, Logger: discard})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "css: nope")

	assert.ElementsMatch(t, []Event{
		{Type: Add, File: "src/a.js"},
		{Type: Add, File: "src/lib/b.js"},
	}, rec.next(t, time.Second))
}

// bytes.Buffer guarded for writes from the routing goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
