package main

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/danprince/chokibasic/internal/watch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var discard = slog.New(slog.DiscardHandler)

func writeProject(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, contents := range files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
		require.NoError(t, os.WriteFile(p, []byte(contents), 0644))
	}
	return dir
}

func runRule(t *testing.T, r *runner, index int, events ...watch.Event) error {
	t.Helper()
	rules, err := r.rules()
	require.NoError(t, err)
	rule := rules[index]
	return rule.Callback(events, &watch.Context{Context: context.Background(), Rule: rule})
}

func TestStepsRunInOrder(t *testing.T) {
	dir := writeProject(t, map[string]string{
		"src/main.js":     "console.log('hi')",
		"pages/about.md":  "# About",
		"pages/notes.txt": "not a page",
	})

	cfg := &config{Cwd: dir, Rules: []ruleConfig{{
		Name:     "site",
		Patterns: stringList{"**/*"},
		Steps: []step{
			{Kind: stepJS, Input: "src/main.js", Output: "public/main.min.js"},
			{Kind: stepRender, OutDir: "public", Root: "pages"},
			{Kind: stepReload},
		},
	}}}

	var reloads int
	r := newRunner(cfg, discard, &bytes.Buffer{})
	r.reload = func() { reloads++ }

	err := runRule(t, r, 0,
		watch.Event{Type: watch.Change, File: "pages/about.md"},
		watch.Event{Type: watch.Change, File: "pages/notes.txt"},
		watch.Event{Type: watch.Unlink, File: "pages/gone.md"},
	)
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(dir, "public", "main.min.js"))
	assert.FileExists(t, filepath.Join(dir, "public", "about.html"))
	assert.NoFileExists(t, filepath.Join(dir, "public", "notes.html"))
	assert.Equal(t, 1, reloads)
	assert.NoError(t, r.failure())
}

func TestFailingStepDoesNotStopTheRest(t *testing.T) {
	dir := writeProject(t, map[string]string{
		"src/main.js": "import './missing.js'",
		"index.md":    "# Home",
	})

	cfg := &config{Cwd: dir, Rules: []ruleConfig{{
		Name:     "site",
		Patterns: stringList{"**/*"},
		Steps: []step{
			{Kind: stepJS, Input: "src/main.js", Output: "main.min.js"},
			{Kind: stepRender, File: "index.md"},
		},
	}}}

	var stderr bytes.Buffer
	r := newRunner(cfg, discard, &stderr)

	err := runRule(t, r, 0, watch.Event{Type: watch.Change, File: "src/main.js"})
	require.Error(t, err)

	assert.FileExists(t, filepath.Join(dir, "index.html"))
	assert.Contains(t, stderr.String(), "esbuild error")
	assert.Equal(t, err, r.failure())

	// Fixing the script clears the failure.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "src", "main.js"), []byte("1"), 0644))
	require.NoError(t, runRule(t, r, 0, watch.Event{Type: watch.Change, File: "src/main.js"}))
	assert.NoError(t, r.failure())
}

func TestStoppedRuleSkipsRemainingSteps(t *testing.T) {
	cfg := &config{Cwd: t.TempDir(), Rules: []ruleConfig{{
		Patterns: stringList{"*"},
		Steps:    []step{{Kind: stepReload}},
	}}}

	var reloads int
	r := newRunner(cfg, discard, &bytes.Buffer{})
	r.reload = func() { reloads++ }

	rules, err := r.rules()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = rules[0].Callback([]watch.Event{{Type: watch.Change, File: "a"}}, &watch.Context{Context: ctx, Rule: rules[0]})
	assert.NoError(t, err)
	assert.Zero(t, reloads)
	assert.NoError(t, r.failure())
}

func TestClosingMidRunIsNotAFailure(t *testing.T) {
	cfg := &config{Cwd: t.TempDir(), Rules: []ruleConfig{{
		Name:     "site",
		Patterns: stringList{"*"},
		Steps:    []step{{Kind: stepReload}, {Kind: stepReload}},
	}}}

	var stderr bytes.Buffer
	r := newRunner(cfg, discard, &stderr)

	rules, err := r.rules()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var reloads int
	r.reload = func() {
		reloads++
		cancel()
	}

	err = rules[0].Callback([]watch.Event{{Type: watch.Change, File: "a"}}, &watch.Context{Context: ctx, Rule: rules[0]})
	assert.NoError(t, err)
	assert.Equal(t, 1, reloads)
	assert.NoError(t, r.failure())
	assert.Empty(t, stderr.String())
}

func TestRulesFromConfig(t *testing.T) {
	cfg := &config{Cwd: "/project", Rules: []ruleConfig{
		{Name: "css", Patterns: stringList{"src/**/*.scss"}, Ignored: []string{"**/_*.scss", "/\\.tmp$/"}, DebounceMs: 40, Steps: []step{{Kind: stepReload}}},
		{Patterns: stringList{"*.md"}, Steps: []step{{Kind: stepReload}}},
	}}

	rules, err := newRunner(cfg, discard, &bytes.Buffer{}).rules()
	require.NoError(t, err)
	require.Len(t, rules, 2)

	assert.Equal(t, "css", rules[0].Name)
	assert.Equal(t, []string{"src/**/*.scss"}, rules[0].Patterns)
	assert.Equal(t, 40, rules[0].DebounceMs)
	require.Len(t, rules[0].Ignored, 2)
	assert.Equal(t, "**/_*.scss", rules[0].Ignored[0].String())
	assert.Equal(t, "\\.tmp$", rules[0].Ignored[1].String())

	assert.Equal(t, "rules[1]", rules[1].Name)
}

func TestFailurePicksFirstRuleByName(t *testing.T) {
	r := newRunner(&config{}, discard, &bytes.Buffer{})
	assert.NoError(t, r.failure())

	r.record("styles", assert.AnError)
	r.record("pages", os.ErrNotExist)
	assert.Equal(t, os.ErrNotExist, r.failure())

	r.record("pages", nil)
	assert.Equal(t, assert.AnError, r.failure())
}

func TestRenderable(t *testing.T) {
	dir := writeProject(t, map[string]string{
		"a.md":     "",
		"b.tmpl":   "",
		"c.html":   "",
		"sub/d.MD": "",
	})

	files := renderable(dir, []watch.Event{
		{Type: watch.Change, File: "a.md"},
		{Type: watch.Add, File: "a.md"},
		{Type: watch.Change, File: "b.tmpl"},
		{Type: watch.Change, File: "c.html"},
		{Type: watch.Change, File: "sub/d.MD"},
		{Type: watch.Change, File: "deleted.md"},
		{Type: watch.Unlink, File: "b.tmpl"},
	})

	assert.Equal(t, []string{
		filepath.Join(dir, "a.md"),
		filepath.Join(dir, "b.tmpl"),
		filepath.Join(dir, "sub", "d.MD"),
	}, files)
}

func TestSassCompilerIsSharedUntilShutDown(t *testing.T) {
	if _, err := exec.LookPath("sass"); err != nil {
		t.Skip("dart-sass is not installed")
	}

	r := newRunner(&config{Cwd: t.TempDir()}, discard, &bytes.Buffer{})
	defer r.close()

	first, err := r.transpiler()
	require.NoError(t, err)

	again, err := r.transpiler()
	require.NoError(t, err)
	assert.Same(t, first, again)

	require.NoError(t, first.Close())
	require.True(t, first.IsShutDown())

	restarted, err := r.transpiler()
	require.NoError(t, err)
	assert.NotSame(t, first, restarted)
}
