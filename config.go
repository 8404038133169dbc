package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/alecthomas/chroma/styles"
	"github.com/danprince/chokibasic/internal/errors"
	"github.com/danprince/chokibasic/internal/ignore"
	"github.com/danprince/chokibasic/internal/mdext"
	"github.com/danprince/chokibasic/internal/notify"
	"github.com/danprince/chokibasic/internal/watch"
	"gopkg.in/yaml.v3"
)

// Looked up in this order when --config isn't given.
var configFiles = []string{".chokibasic.json", ".chokibasic.yaml", ".chokibasic.yml"}

type config struct {
	Cwd              string           `json:"cwd" yaml:"cwd"`
	GlobalIgnored    []string         `json:"globalIgnored" yaml:"globalIgnored"`
	IgnoreInitial    *bool            `json:"ignoreInitial" yaml:"ignoreInitial"`
	AwaitWriteFinish awaitWriteFinish `json:"awaitWriteFinish" yaml:"awaitWriteFinish"`
	UsePolling       bool             `json:"usePolling" yaml:"usePolling"`
	Interval         int              `json:"interval" yaml:"interval"`
	BinaryInterval   int              `json:"binaryInterval" yaml:"binaryInterval"`
	Debug            bool             `json:"debug" yaml:"debug"`
	Events           []string         `json:"events" yaml:"events"`
	SyntaxColor      string           `json:"syntaxColor" yaml:"syntaxColor"`
	SassBinary       string           `json:"sassBinary" yaml:"sassBinary"`
	Rules            []ruleConfig     `json:"rules" yaml:"rules"`

	// Set by loadConfig.
	file string
	dir  string
}

type ruleConfig struct {
	Name       string     `json:"name" yaml:"name"`
	Patterns   stringList `json:"patterns" yaml:"patterns"`
	Ignored    []string   `json:"ignored" yaml:"ignored"`
	DebounceMs int        `json:"debounceMs" yaml:"debounceMs"`
	Steps      []step     `json:"steps" yaml:"steps"`
}

const (
	stepCSS     = "css"
	stepJS      = "js"
	stepRender  = "render"
	stepSitemap = "sitemap"
	stepExport  = "export"
	stepReload  = "reload"
)

var stepKinds = []string{stepCSS, stepJS, stepRender, stepSitemap, stepExport, stepReload}

// One action of a rule. Which fields apply depends on Kind.
type step struct {
	Kind string `json:"kind" yaml:"kind"`

	// css, js
	Input  string `json:"input" yaml:"input"`
	Output string `json:"output" yaml:"output"`

	// css
	Style     string   `json:"style" yaml:"style"`
	LoadPaths []string `json:"loadPaths" yaml:"loadPaths"`

	// js
	Target    string            `json:"target" yaml:"target"`
	NoMinify  bool              `json:"noMinify" yaml:"noMinify"`
	Sourcemap bool              `json:"sourcemap" yaml:"sourcemap"`
	External  []string          `json:"external" yaml:"external"`
	Define    map[string]string `json:"define" yaml:"define"`
	Imports   map[string]string `json:"imports" yaml:"imports"`
	CacheDir  string            `json:"cacheDir" yaml:"cacheDir"`

	// render, sitemap
	File string `json:"file" yaml:"file"`

	// render
	OutDir   string         `json:"outDir" yaml:"outDir"`
	Root     string         `json:"root" yaml:"root"`
	Template string         `json:"template" yaml:"template"`
	Site     map[string]any `json:"site" yaml:"site"`

	// export
	Src    string `json:"src" yaml:"src"`
	Dist   string `json:"dist" yaml:"dist"`
	Banner string `json:"banner" yaml:"banner"`
}

// A string or a list of strings.
type stringList []string

func (l *stringList) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*l = stringList{one}
		return nil
	}

	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*l = many
	return nil
}

func (l *stringList) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		*l = stringList{node.Value}
		return nil
	}

	var many []string
	if err := node.Decode(&many); err != nil {
		return err
	}
	*l = many
	return nil
}

// true, false or {"stabilityThreshold": 80, "pollInterval": 10}. Unset means
// the watcher defaults.
type awaitWriteFinish struct {
	Disabled           bool `json:"-" yaml:"-"`
	StabilityThreshold int  `json:"stabilityThreshold" yaml:"stabilityThreshold"`
	PollInterval       int  `json:"pollInterval" yaml:"pollInterval"`
}

func (a *awaitWriteFinish) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}

	var enabled bool
	if err := json.Unmarshal(data, &enabled); err == nil {
		*a = awaitWriteFinish{Disabled: !enabled}
		return nil
	}

	type plain awaitWriteFinish
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*a = awaitWriteFinish(p)
	return nil
}

func (a *awaitWriteFinish) UnmarshalYAML(node *yaml.Node) error {
	if node.Tag == "!!null" {
		return nil
	}

	if node.Kind == yaml.ScalarNode {
		var enabled bool
		if err := node.Decode(&enabled); err != nil {
			return err
		}
		*a = awaitWriteFinish{Disabled: !enabled}
		return nil
	}

	type plain awaitWriteFinish
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*a = awaitWriteFinish(p)
	return nil
}

// Finds the config file in dir when file is empty.
func findConfig(dir, file string) (string, error) {
	if file != "" {
		return file, nil
	}

	for _, name := range configFiles {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found in %s (tried %s)", dir, strings.Join(configFiles, ", "))
}

// Reads and validates a JSON or YAML config file.
func loadConfig(file string) (*config, error) {
	contents, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}

	var cfg config

	switch strings.ToLower(filepath.Ext(file)) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(contents))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return nil, errors.YamlParseError(err, file, string(contents))
		}
	default:
		dec := json.NewDecoder(bytes.NewReader(contents))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cfg); err != nil {
			return nil, errors.ParseJsonError(err, file, string(contents))
		}
	}

	abs, err := filepath.Abs(file)
	if err != nil {
		return nil, err
	}
	cfg.file = file
	cfg.dir = filepath.Dir(abs)

	if cfg.Cwd == "" {
		cfg.Cwd = cfg.dir
	} else if !filepath.IsAbs(cfg.Cwd) {
		cfg.Cwd = filepath.Join(cfg.dir, cfg.Cwd)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *config) validate() error {
	if len(c.Rules) == 0 {
		return fmt.Errorf("%s: no rules defined", c.file)
	}

	for _, e := range c.Events {
		if _, err := notify.ParseOp(e); err != nil {
			return errors.ConfigError{File: c.file, Key: "events", Value: e, Allowed: []string{"add", "change", "unlink"}}
		}
	}

	if c.SyntaxColor != "" && c.SyntaxColor != mdext.ClassStyle && styles.Registry[c.SyntaxColor] == nil {
		return errors.ConfigError{File: c.file, Key: "syntaxColor", Value: c.SyntaxColor}
	}

	for i, r := range c.Rules {
		name := r.Name
		if name == "" {
			name = fmt.Sprintf("rules[%d]", i)
		}

		if len(r.Patterns) == 0 {
			return fmt.Errorf("%s: %s has no patterns", c.file, name)
		}

		if len(r.Steps) == 0 {
			return fmt.Errorf("%s: %s has no steps", c.file, name)
		}

		for _, s := range r.Ignored {
			if _, err := parseIgnore(s); err != nil {
				return fmt.Errorf("%s: %s: %w", c.file, name, err)
			}
		}

		for _, s := range r.Steps {
			if err := s.validate(); err != nil {
				return fmt.Errorf("%s: %s: %w", c.file, name, err)
			}
		}
	}

	return nil
}

func (s step) validate() error {
	missing := func(field string) error {
		return fmt.Errorf("%s step needs %q", s.Kind, field)
	}

	switch s.Kind {
	case stepCSS, stepJS:
		if s.Input == "" {
			return missing("input")
		}
		if s.Output == "" {
			return missing("output")
		}
	case stepSitemap:
		if s.File == "" {
			return missing("file")
		}
	case stepExport:
		if s.Src == "" {
			return missing("src")
		}
		if s.Dist == "" {
			return missing("dist")
		}
	case stepRender, stepReload:
	default:
		return fmt.Errorf("unknown step kind %q (expected one of: %s)", s.Kind, strings.Join(stepKinds, ", "))
	}

	return nil
}

// "/regexp/" entries are regular expressions, anything else is a glob.
func parseIgnore(s string) (ignore.Item, error) {
	if len(s) > 2 && strings.HasPrefix(s, "/") && strings.HasSuffix(s, "/") {
		re, err := regexp.Compile(s[1 : len(s)-1])
		if err != nil {
			return ignore.Item{}, fmt.Errorf("invalid ignore %s: %w", s, err)
		}
		return ignore.Pattern(re), nil
	}
	return ignore.Glob(s), nil
}

func (c *config) watchOptions() watch.Options {
	opts := watch.Options{
		Cwd:            c.Cwd,
		GlobalIgnored:  c.GlobalIgnored,
		UsePolling:     c.UsePolling,
		Interval:       time.Duration(c.Interval) * time.Millisecond,
		BinaryInterval: time.Duration(c.BinaryInterval) * time.Millisecond,
		Debug:          c.Debug,
	}

	if c.IgnoreInitial != nil {
		opts.EmitInitial = !*c.IgnoreInitial
	}

	wf := c.AwaitWriteFinish
	if wf.Disabled {
		opts.DisableWriteFinish = true
	} else if wf.StabilityThreshold > 0 || wf.PollInterval > 0 {
		opts.AwaitWriteFinish = &notify.WriteFinish{
			StabilityThreshold: time.Duration(wf.StabilityThreshold) * time.Millisecond,
			PollInterval:       time.Duration(wf.PollInterval) * time.Millisecond,
		}
	}

	for _, e := range c.Events {
		op, _ := notify.ParseOp(e)
		opts.Types = append(opts.Types, op)
	}

	return opts
}

// Resolves p against the project's working directory.
func (c *config) path(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Cwd, filepath.FromSlash(p))
}
