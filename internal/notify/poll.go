package notify

import (
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"time"
)

// Extensions whose files are compared on the slower binary interval.
var binaryExts = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".webp": true,
	".avif": true, ".ico": true, ".bmp": true, ".tiff": true,
	".woff": true, ".woff2": true, ".ttf": true, ".otf": true, ".eot": true,
	".mp3": true, ".mp4": true, ".webm": true, ".ogg": true, ".wav": true,
	".zip": true, ".gz": true, ".tar": true, ".pdf": true, ".wasm": true,
}

func isBinary(path string) bool {
	return binaryExts[strings.ToLower(filepath.Ext(path))]
}

type fileState struct {
	size    int64
	modTime time.Time
}

type pollSubscription struct {
	*stream
	logger     *slog.Logger
	roots      roots
	opts       Options
	files      map[string]fileState
	lastBinary time.Time
}

func newPollSubscription(logger *slog.Logger, paths []string, opts Options) (*pollSubscription, error) {
	roots, startupErrs := resolveRoots(paths)

	s := &pollSubscription{
		stream: newStream(opts),
		logger: logger,
		roots:  roots,
		opts:   opts,
	}

	snapshot, errs := s.scan()
	startupErrs = append(startupErrs, errs...)
	s.files = snapshot
	s.lastBinary = time.Now()

	var initial []string
	if !opts.IgnoreInitial {
		for path := range snapshot {
			initial = append(initial, path)
		}
	}

	s.wg.Add(1)
	go s.run(startupErrs, initial)

	return s, nil
}

// Collects the current size and modification time of every watched file.
func (s *pollSubscription) scan() (map[string]fileState, []error) {
	files := map[string]fileState{}
	var errs []error

	visit := func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			errs = append(errs, err)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		files[p] = fileState{size: info.Size(), modTime: info.ModTime()}
		return nil
	}

	for _, dir := range s.roots.dirs {
		filepath.WalkDir(dir, visit)
	}

	for file := range s.roots.files {
		filepath.WalkDir(file, visit)
	}

	return files, errs
}

func (s *pollSubscription) interval() time.Duration {
	if s.opts.BinaryInterval < s.opts.Interval {
		return s.opts.BinaryInterval
	}
	return s.opts.Interval
}

func (s *pollSubscription) run(startupErrs []error, initial []string) {
	defer s.wg.Done()

	for _, err := range startupErrs {
		s.report(err)
	}

	for _, file := range initial {
		s.emit(Event{Op: Add, Path: file})
	}

	ticker := time.NewTicker(s.interval())
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			s.poll(now)
		}
	}
}

// Diffs a fresh scan against the previous one.
func (s *pollSubscription) poll(now time.Time) {
	next, errs := s.scan()
	for _, err := range errs {
		s.report(err)
	}

	checkBinary := now.Sub(s.lastBinary) >= s.opts.BinaryInterval
	if checkBinary {
		s.lastBinary = now
	}

	for path, state := range next {
		prev, existed := s.files[path]

		if !existed {
			s.publish(Add, path)
			continue
		}

		if isBinary(path) && !checkBinary {
			// Keep the old state so the change is noticed on the next
			// binary pass.
			next[path] = prev
			continue
		}

		if state.size != prev.size || !state.modTime.Equal(prev.modTime) {
			s.publish(Change, path)
		}
	}

	for path := range s.files {
		if _, ok := next[path]; !ok {
			s.publish(Unlink, path)
		}
	}

	s.files = next
}

func (s *pollSubscription) Close() error {
	return s.shutdown(nil)
}
