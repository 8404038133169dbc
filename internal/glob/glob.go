// Package glob compiles the small glob dialect used by watch rules into a
// base directory to watch and a matcher over slash-separated relative paths.
//
// Supported syntax:
//
//	"*"    any run of characters except "/"
//	"?"    exactly one character except "/"
//	"**/"  zero or more whole path segments
//	"**"   (not followed by "/") anything, including "/"
//
// Every other character is matched literally.
package glob

import (
	"regexp"
	"strings"
)

// Characters that end the literal prefix of a pattern.
const wildcards = "*?["

// Characters with a meaning in regexp syntax that have to be escaped when
// they appear literally in a pattern.
const regexpMeta = `\.[]{}()+-^$|`

// A compiled glob pattern.
type Pattern struct {
	// Pattern as given, converted to forward slashes.
	Source string
	// Directory that has to be watched to see every path the pattern can
	// match. Never empty, "." stands for the working directory.
	Base string

	re *regexp.Regexp
}

// Compiles a glob. Compilation never fails: a pattern that can't be turned
// into a valid expression simply matches nothing.
func Compile(pattern string) Pattern {
	p := ToSlash(pattern)
	re, err := regexp.Compile(ToRegexp(p))

	if err != nil {
		re = nil
	}

	return Pattern{Source: p, Base: BaseDir(p), re: re}
}

// Reports whether the path matches the pattern. Backslashes in the path are
// treated as separators so that matching behaves the same on every platform.
func (p Pattern) Match(path string) bool {
	if p.re == nil {
		return false
	}
	return p.re.MatchString(ToSlash(path))
}

// MatchString is an alias for Match so that a Pattern can be used wherever a
// precompiled matcher is accepted.
func (p Pattern) MatchString(path string) bool {
	return p.Match(path)
}

func (p Pattern) String() string {
	return p.Source
}

// Returns the longest literal prefix of the pattern, without trailing
// slashes. A pattern without wildcards is its own base directory.
func BaseDir(pattern string) string {
	p := ToSlash(pattern)
	idx := strings.IndexAny(p, wildcards)

	if idx < 0 {
		return p
	}

	base := strings.TrimRight(p[:idx], "/")

	if base == "" {
		return "."
	}

	return base
}

// Translates a glob into an anchored regular expression.
func ToRegexp(pattern string) string {
	g := ToSlash(pattern)

	var b strings.Builder
	b.WriteByte('^')

	for i := 0; i < len(g); i++ {
		c := g[i]

		switch {
		case c == '*' && i+1 < len(g) && g[i+1] == '*':
			i++
			if i+1 < len(g) && g[i+1] == '/' {
				i++
				b.WriteString("(?:.*/)?")
			} else {
				b.WriteString(".*")
			}
		case c == '*':
			b.WriteString("[^/]*")
		case c == '?':
			b.WriteString("[^/]")
		case strings.IndexByte(regexpMeta, c) >= 0:
			b.WriteByte('\\')
			b.WriteByte(c)
		default:
			b.WriteByte(c)
		}
	}

	b.WriteByte('$')
	return b.String()
}

// Converts Windows separators to forward slashes regardless of the host OS.
func ToSlash(p string) string {
	return strings.ReplaceAll(p, `\`, "/")
}
