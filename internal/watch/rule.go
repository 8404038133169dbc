package watch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/danprince/chokibasic/internal/ignore"
	"github.com/danprince/chokibasic/internal/notify"
)

type EventType = notify.Op

const (
	Add    = notify.Add
	Change = notify.Change
	Unlink = notify.Unlink
)

const DefaultDebounce = 150 * time.Millisecond

// Returned (wrapped) by New when a rule can't be used.
var ErrInvalidRule = errors.New("invalid watch rule")

// A single change delivered to a rule's callback.
type Event struct {
	Type EventType
	// Slash-separated path relative to the working directory.
	File string
}

// Context is passed to every callback invocation. It is cancelled when the
// watchers are closed, which callbacks can use to abandon long running work.
type Context struct {
	context.Context
	Rule *Rule
}

// Callback receives a batch of events. The engine waits for it to return
// before delivering the next batch for the same rule.
type Callback func(events []Event, ctx *Context) error

// Rule pairs a set of glob patterns with a callback.
type Rule struct {
	// Name shown in logs.
	Name string
	// Include patterns, relative to the working directory.
	Patterns []string
	// Extra ignores on top of the global ones.
	Ignored []ignore.Item
	// Quiet period after the last matching event before the batch is
	// delivered. Zero means DefaultDebounce, negative means no delay.
	DebounceMs int
	Callback   Callback
}

func (r *Rule) displayName() string {
	if r.Name == "" {
		return "rule"
	}
	return r.Name
}

func (r *Rule) debounce() time.Duration {
	switch {
	case r.DebounceMs == 0:
		return DefaultDebounce
	case r.DebounceMs < 0:
		return 0
	}
	return time.Duration(r.DebounceMs) * time.Millisecond
}

func validate(rules []*Rule) error {
	for i, r := range rules {
		if r == nil {
			return fmt.Errorf("%w: rule %d is nil", ErrInvalidRule, i)
		}
		if r.Callback == nil {
			return fmt.Errorf("%w: %s (#%d) must have a callback(events, ctx)", ErrInvalidRule, r.displayName(), i)
		}
		if len(r.Patterns) == 0 {
			return fmt.Errorf("%w: %s (#%d) has no patterns", ErrInvalidRule, r.displayName(), i)
		}
	}
	return nil
}
