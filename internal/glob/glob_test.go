package glob

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBaseDir(t *testing.T) {
	tests := map[string]string{
		"src/styles/**/*.scss": "src/styles",
		"src/**/*.js":          "src",
		"src/*.js":             "src",
		"src/a?.js":            "src/a",
		"**/*.js":              ".",
		"*.js":                 ".",
		"src/main.scss":        "src/main.scss",
		"src/":                 "src/",
		`src\styles\*.scss`:    "src/styles",
		"src//*.js":            "src",
		"pages/[ab].md":        "pages",
	}

	for input, expected := range tests {
		assert.Equal(t, expected, BaseDir(input), "base dir of %q", input)
	}
}

func TestMatch(t *testing.T) {
	type test struct {
		pattern string
		path    string
		match   bool
	}

	tests := []test{
		{"src/styles/**/*.scss", "src/styles/a/b.scss", true},
		{"src/styles/**/*.scss", "src/styles/b.scss", true},
		{"src/styles/**/*.scss", "src/styles.scss", false},
		{"src/styles/**/*.scss", "other/styles/a.scss", false},
		{"src/**/*.scss", "src/a.scss", true},
		{"src/*.js", "src/a.js", true},
		{"src/*.js", "src/lib/a.js", false},
		{"src/?.js", "src/a.js", true},
		{"src/?.js", "src/ab.js", false},
		{"src/?.js", "src//.js", false},
		{"src/**", "src/a/b/c.txt", true},
		{"src/**", "src/", true},
		{"**/node_modules/**", "src/node_modules/x.js", true},
		{"**/node_modules/**", "node_modules/x.js", true},
		{"**/node_modules/**", "src/node_modulesx/x.js", false},
		{"**/.git/**", ".git/HEAD", true},
		{"src/main.scss", "src/main.scss", true},
		{"src/main.scss", "src/mainxscss", false},
		{"src/main.scss", "src/main.scss.bak", false},
		{"a+b/(c)/$d^.txt", "a+b/(c)/$d^.txt", true},
		{"{a,b}.js", "a.js", false},
		{"{a,b}.js", "{a,b}.js", true},
		{"src/*.min.js", "src/app.min.js", true},
		{"src/*.min.js", "src/app.js", false},
		{`src\**\*.js`, "src/a/b.js", true},
		{"src/**/*.js", `src\a\b.js`, true},
	}

	for _, tc := range tests {
		p := Compile(tc.pattern)
		assert.Equal(t, tc.match, p.Match(tc.path), "%q matching %q", tc.pattern, tc.path)
	}
}

func TestToRegexp(t *testing.T) {
	tests := map[string]string{
		"*.js":        `^[^/]*\.js$`,
		"a/**/b":      `^a/(?:.*/)?b$`,
		"a/**":        `^a/.*$`,
		"a?c":         `^a[^/]c$`,
		"x-y|z":       `^x\-y\|z$`,
		"[abc]":       `^\[abc\]$`,
		"literal/dir": `^literal/dir$`,
	}

	for input, expected := range tests {
		assert.Equal(t, expected, ToRegexp(input), "regexp for %q", input)
	}
}

func TestCompileKeepsSource(t *testing.T) {
	p := Compile(`src\styles\**\*.scss`)

	assert.Equal(t, "src/styles/**/*.scss", p.Source)
	assert.Equal(t, "src/styles", p.Base)
	assert.Equal(t, p.Source, p.String())
	assert.True(t, p.MatchString("src/styles/x.scss"))
}

func TestZeroPatternMatchesNothing(t *testing.T) {
	var p Pattern
	assert.False(t, p.Match(""))
	assert.False(t, p.Match("anything"))
}
