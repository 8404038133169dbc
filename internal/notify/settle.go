package notify

import (
	"os"
	"sync"
	"time"
)

// Tracks files that are still being written.
type settler struct {
	opts    *WriteFinish
	emit    func(Event)
	mu      sync.Mutex
	pending map[string]*settling
	closed  bool
}

type settling struct {
	op          Op
	size        int64
	modTime     time.Time
	stableSince time.Time
	timer       *time.Timer
}

func newSettler(opts *WriteFinish, emit func(Event)) *settler {
	return &settler{
		opts:    opts,
		emit:    emit,
		pending: map[string]*settling{},
	}
}

// Starts (or restarts) waiting for path to settle. Without write stability
// options the event is emitted immediately.
func (s *settler) track(op Op, path string) {
	if s.opts == nil {
		s.emit(Event{Op: op, Path: path})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return
	}

	now := time.Now()

	if p, ok := s.pending[path]; ok {
		// An add followed by writes is still reported as an add.
		if p.op != Add {
			p.op = op
		}
		p.size = info.Size()
		p.modTime = info.ModTime()
		p.stableSince = now
		return
	}

	p := &settling{
		op:          op,
		size:        info.Size(),
		modTime:     info.ModTime(),
		stableSince: now,
	}
	p.timer = time.AfterFunc(s.opts.PollInterval, func() {
		s.check(path)
	})
	s.pending[path] = p
}

func (s *settler) check(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	p, ok := s.pending[path]
	if !ok {
		return
	}

	info, err := os.Stat(path)
	if err != nil {
		// Removed before it settled, the unlink event reports it.
		delete(s.pending, path)
		return
	}

	now := time.Now()

	if info.Size() != p.size || !info.ModTime().Equal(p.modTime) {
		p.size = info.Size()
		p.modTime = info.ModTime()
		p.stableSince = now
	}

	if now.Sub(p.stableSince) >= s.opts.StabilityThreshold {
		delete(s.pending, path)
		s.emit(Event{Op: p.op, Path: path})
		return
	}

	p.timer = time.AfterFunc(s.opts.PollInterval, func() {
		s.check(path)
	})
}

func (s *settler) cancel(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.pending[path]; ok {
		p.timer.Stop()
		delete(s.pending, path)
	}
}

// Stops all timers. Nothing is emitted afterwards.
func (s *settler) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	for _, p := range s.pending {
		p.timer.Stop()
	}
	clear(s.pending)
}
