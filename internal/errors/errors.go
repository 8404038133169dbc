package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"html"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/bep/godartsass/v2"
	"github.com/evanw/esbuild/pkg/api"
)

const (
	errorColor      = "\033[1;31m"
	errorFocusColor = "\033[1m"
	errorLineColor  = "\033[2m"
	resetColor      = "\033[0m"
)

var yamlLineErrorRegex = regexp.MustCompile(`yaml: line (\d+): `)
var templateParseErrorRegex = regexp.MustCompile(`template: .+:(\d+): `)
var templateExecErrorRegex = regexp.MustCompile(`template: .+:(\d+):(\d+): .+ <(.+?)>: `)
var ansiRegex = regexp.MustCompile("\033\\[[0-9;]*m")

// Converts a byte offset into a one-based line and column.
func loc(src string, offset int) (line int, col int) {
	if offset > len(src) {
		offset = len(src)
	}
	if offset < 0 {
		offset = 0
	}
	before := src[:offset]
	line = strings.Count(before, "\n") + 1
	col = offset - strings.LastIndex(before, "\n")
	return line, col
}

type codeFrameError struct {
	summary string
	err     error
	msg     string
	src     string
	line    int
	column  int
	file    string
	offset  int
}

func (e *codeFrameError) Unwrap() error {
	return e.err
}

func (e *codeFrameError) Error() string {
	lines := strings.Split(e.src, "\n")
	line := e.line - 1 // make line zero-based
	if line < 0 {
		line = 0
	}
	if line >= len(lines) {
		line = len(lines) - 1
	}

	startLine := line - 3
	endLine := line + 3

	if startLine < 0 {
		startLine = 0
	}

	if endLine >= len(lines) {
		endLine = len(lines) - 1
	}

	var b strings.Builder

	if e.file != "" {
		lineNumber := e.offset + line + 1
		if e.column > 0 {
			b.WriteString(fmt.Sprintf("%s%s:%d:%d%s\n", errorFocusColor, e.file, lineNumber, e.column, resetColor))
		} else {
			b.WriteString(fmt.Sprintf("%s%s:%d%s\n", errorFocusColor, e.file, lineNumber, resetColor))
		}
	}

	for i := startLine; i <= endLine; i++ {
		lineColor := errorLineColor

		if i == line {
			lineColor = errorFocusColor
		}

		lineNumber := e.offset + i + 1
		b.WriteString(fmt.Sprintf("%s%3d%s %s\n", lineColor, lineNumber, resetColor, lines[i]))

		if i == line {
			indent := 0
			length := len(lines[line])
			if e.column > 0 && e.column <= length {
				indent = e.column - 1
				length -= indent
			}
			if length == 0 {
				length = 1
			}
			underline := strings.Repeat(" ", indent) + strings.Repeat("^", length)
			b.WriteString(fmt.Sprintf("    %s%s%s\n", errorColor, underline, resetColor))
			b.WriteString(fmt.Sprintf("    %s%s%s\n", errorColor, e.msg, resetColor))
		}
	}

	return b.String()
}

func YamlParseError(err error, file string, src string) error {
	matches := yamlLineErrorRegex.FindStringSubmatch(err.Error())

	if len(matches) < 2 {
		return err
	}

	line, _ := strconv.Atoi(matches[1])
	msg := yamlLineErrorRegex.ReplaceAllString(err.Error(), "")
	return &codeFrameError{
		summary: "yaml parse error",
		file:    file,
		line:    line,
		src:     src,
		err:     err,
		msg:     msg,
	}
}

func TemplateParseError(err error, file string, src string, offset int) error {
	matches := templateParseErrorRegex.FindStringSubmatch(err.Error())

	if len(matches) < 2 {
		return err
	}

	line, _ := strconv.Atoi(matches[1])
	msg := templateParseErrorRegex.ReplaceAllString(err.Error(), "")
	return &codeFrameError{
		summary: "template parse error",
		file:    file,
		line:    line,
		offset:  offset,
		src:     src,
		err:     err,
		msg:     msg,
	}
}

func TemplateExecError(err error, file string, src string, offset int) error {
	matches := templateExecErrorRegex.FindStringSubmatch(err.Error())

	if len(matches) < 3 {
		return err
	}

	line, _ := strconv.Atoi(matches[1])
	column, _ := strconv.Atoi(matches[2])
	msg := templateExecErrorRegex.ReplaceAllString(err.Error(), "")
	return &codeFrameError{
		summary: "template evaluation error",
		file:    file,
		line:    line,
		offset:  offset,
		column:  column,
		src:     src,
		err:     err,
		msg:     msg,
	}
}

func ParseJsonError(err error, file string, src string) error {
	if jsonError, ok := err.(*json.SyntaxError); ok {
		line, col := loc(src, int(jsonError.Offset))

		return &codeFrameError{
			summary: "json parse error",
			file:    file,
			line:    line,
			column:  col,
			src:     src,
			err:     err,
			msg:     jsonError.Error(),
		}
	}

	if err, ok := err.(*json.UnmarshalTypeError); ok {
		line, _ := loc(src, int(err.Offset))

		return &codeFrameError{
			summary: "json invalid type",
			file:    file,
			line:    line,
			src:     src,
			err:     err,
			msg:     fmt.Sprintf("expected %s.%s to be a %s", err.Struct, err.Field, err.Type),
		}
	}

	return err
}

// Formats a failed Sass compilation with a frame around the offending
// source. Falls back to the plain message when the source can't be read.
func SassError(err error) error {
	var sassErr godartsass.SassError
	if !stderrors.As(err, &sassErr) {
		return &summaryError{summary: "sass compile error", err: err, msg: err.Error()}
	}

	file := sassErr.Span.Url
	if u, perr := url.Parse(file); perr == nil && u.Scheme == "file" {
		file = u.Path
	}

	src, rerr := os.ReadFile(file)
	if rerr != nil || file == "" {
		return &summaryError{summary: "sass compile error", err: err, msg: sassErr.Message}
	}

	line, _ := loc(string(src), sassErr.Span.Start.Offset)

	return &codeFrameError{
		summary: "sass compile error",
		file:    file,
		line:    line,
		column:  sassErr.Span.Start.Column + 1,
		src:     string(src),
		err:     err,
		msg:     sassErr.Message,
	}
}

// Wraps esbuild's messages, formatted the way its own CLI prints them.
func EsbuildError(msgs []api.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	formatted := api.FormatMessages(msgs, api.FormatMessagesOptions{
		Kind:          api.ErrorMessage,
		Color:         true,
		TerminalWidth: terminalWidth(),
	})

	return &summaryError{
		summary: "esbuild error",
		msg:     strings.TrimRight(strings.Join(formatted, ""), "\n"),
		err:     stderrors.New(msgs[0].Text),
	}
}

func terminalWidth() int {
	if n, err := strconv.Atoi(os.Getenv("COLUMNS")); err == nil && n > 0 {
		return n
	}
	return 80
}

type summaryError struct {
	summary string
	msg     string
	err     error
}

func (e *summaryError) Error() string { return e.msg }
func (e *summaryError) Unwrap() error { return e.err }

type ConfigError struct {
	File    string
	Key     string
	Value   string
	Allowed []string
}

func (e ConfigError) Error() string {
	if len(e.Allowed) == 0 {
		return fmt.Sprintf("%s: invalid value %q for %s", e.File, e.Value, e.Key)
	}
	return fmt.Sprintf("%s: invalid value %q for %s (expected one of: %s)", e.File, e.Value, e.Key, strings.Join(e.Allowed, ", "))
}

func FmtError(err error) string {
	var cferr *codeFrameError
	if stderrors.As(err, &cferr) {
		return fmt.Sprintf("%serror:%s %s\n\n%s", errorColor, resetColor, cferr.summary, cferr)
	}

	var serr *summaryError
	if stderrors.As(err, &serr) {
		return fmt.Sprintf("%serror:%s %s\n\n%s", errorColor, resetColor, serr.summary, serr.msg)
	}

	return fmt.Sprintf("%serror:%s %s", errorColor, resetColor, err)
}

// FmtError without terminal colors.
func NoColor(err error) string {
	return ansiRegex.ReplaceAllString(FmtError(err), "")
}

var htmlColorCodes = map[string]string{
	errorColor:      `<span style="color: #e41010; font-weight: bold">`,
	errorLineColor:  `<span style="color: #adadad">`,
	errorFocusColor: `<span style="font-weight: bold">`,
	resetColor:      `</span>`,
}

func FmtErrorHtml(err error) string {
	str := FmtError(err)
	str = html.EscapeString(str)

	for color, tag := range htmlColorCodes {
		str = strings.ReplaceAll(str, color, tag)
	}

	// Anything else (esbuild's palette) has no mapping.
	str = ansiRegex.ReplaceAllString(str, "")

	var style strings.Builder
	style.WriteString("overflow-x: auto;")
	style.WriteString("font-family: Consolas,Menlo,Monaco,monospace;")
	style.WriteString("border-radius:8px;")
	style.WriteString("margin: 32px;")
	style.WriteString("border: solid 3px #e41010;")
	style.WriteString("padding: 16px;")
	return fmt.Sprintf(`<pre style="%s">%s</pre>`, style.String(), str)
}
