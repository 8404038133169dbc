// Package ignore turns the different ways of describing ignored paths (glob
// strings, precompiled patterns and predicates) into one matcher shape.
package ignore

import (
	"fmt"

	"github.com/danprince/chokibasic/internal/glob"
)

// A Matcher reports whether a slash-separated path relative to the working
// directory should be ignored.
type Matcher func(path string) bool

// Anything that can test a string, e.g. *regexp.Regexp or glob.Pattern.
type StringMatcher interface {
	MatchString(s string) bool
}

type kind uint8

const (
	kindGlob kind = iota
	kindPattern
	kindFunc
)

// Item is a single ignore rule before compilation. Use Glob, Pattern or Func
// to create one.
type Item struct {
	kind    kind
	glob    string
	pattern StringMatcher
	fn      func(string) bool
}

// Ignores paths matching a glob in the syntax of package glob.
func Glob(pattern string) Item {
	return Item{kind: kindGlob, glob: pattern}
}

// Ignores paths accepted by a precompiled pattern.
func Pattern(p StringMatcher) Item {
	return Item{kind: kindPattern, pattern: p}
}

// Ignores paths for which fn returns true.
func Func(fn func(path string) bool) Item {
	return Item{kind: kindFunc, fn: fn}
}

// Converts a list of glob strings into items.
func Globs(patterns ...string) []Item {
	items := make([]Item, len(patterns))
	for i, p := range patterns {
		items[i] = Glob(p)
	}
	return items
}

func (i Item) String() string {
	switch i.kind {
	case kindGlob:
		return i.glob
	case kindPattern:
		if s, ok := i.pattern.(fmt.Stringer); ok {
			return s.String()
		}
		return fmt.Sprintf("%v", i.pattern)
	default:
		return "<func>"
	}
}

// Builds the matcher for a single item. Items without a usable pattern or
// function never match.
func (i Item) compile() Matcher {
	switch i.kind {
	case kindGlob:
		return glob.Compile(i.glob).Match
	case kindPattern:
		if i.pattern == nil {
			return never
		}
		return i.pattern.MatchString
	case kindFunc:
		if i.fn == nil {
			return never
		}
		return i.fn
	}
	return never
}

func never(string) bool {
	return false
}

// A compiled list of ignore matchers.
type List []Matcher

// Classifies and compiles each item exactly once.
func Compile(items ...Item) List {
	list := make(List, 0, len(items))
	for _, item := range items {
		list = append(list, item.compile())
	}
	return list
}

// Reports whether any matcher accepts the path, stopping at the first one
// that does. An empty list ignores nothing.
func (l List) Ignored(path string) bool {
	return IsIgnored(path, l)
}

func IsIgnored(path string, matchers []Matcher) bool {
	for _, m := range matchers {
		if m(path) {
			return true
		}
	}
	return false
}
