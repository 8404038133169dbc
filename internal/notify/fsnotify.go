package notify

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

type fsSubscription struct {
	*stream
	logger  *slog.Logger
	watcher *fsnotify.Watcher
	roots   roots
}

func newFsSubscription(logger *slog.Logger, paths []string, opts Options) (*fsSubscription, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	roots, startupErrs := resolveRoots(paths)

	s := &fsSubscription{
		stream:  newStream(opts),
		logger:  logger,
		watcher: w,
		roots:   roots,
	}

	// Register everything before returning so that changes made right after
	// Subscribe are never missed.
	var initial []string
	for _, dir := range roots.dirs {
		files, errs := s.watchDir(dir)
		initial = append(initial, files...)
		startupErrs = append(startupErrs, errs...)
	}

	for file := range roots.files {
		if err := w.Add(filepath.Dir(file)); err != nil {
			startupErrs = append(startupErrs, fmt.Errorf("watch %s: %w", file, err))
			continue
		}
		initial = append(initial, file)
	}

	if opts.IgnoreInitial {
		initial = nil
	}

	s.wg.Add(1)
	go s.run(startupErrs, initial)

	return s, nil
}

// Adds a watch for dir and every directory below it, returning the files
// that were found on the way.
func (s *fsSubscription) watchDir(dir string) ([]string, []error) {
	var files []string
	var errs []error

	filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			errs = append(errs, err)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if !d.IsDir() {
			if d.Type().IsRegular() {
				files = append(files, p)
			}
			return nil
		}

		if err := s.watcher.Add(p); err != nil {
			errs = append(errs, fmt.Errorf("watch %s: %w", p, err))
			return filepath.SkipDir
		}

		s.logger.Debug("added watch", "path", p)
		return nil
	})

	return files, errs
}

func (s *fsSubscription) run(startupErrs []error, initial []string) {
	defer s.wg.Done()

	for _, err := range startupErrs {
		s.report(err)
	}

	for _, file := range initial {
		s.emit(Event{Op: Add, Path: file})
	}

	for {
		select {
		case <-s.done:
			return
		case e, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			s.handle(e)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.report(err)
		}
	}
}

func (s *fsSubscription) handle(e fsnotify.Event) {
	path := filepath.Clean(e.Name)

	if !s.roots.contains(path) {
		return
	}

	switch {
	case e.Has(fsnotify.Remove), e.Has(fsnotify.Rename):
		s.publish(Unlink, path)

	case e.Has(fsnotify.Create):
		info, err := os.Stat(path)
		if err != nil {
			return
		}

		if !info.IsDir() {
			s.publish(Add, path)
			return
		}

		// Files can land in a new directory before its watch exists.
		files, errs := s.watchDir(path)
		for _, err := range errs {
			s.report(err)
		}
		for _, file := range files {
			s.publish(Add, file)
		}

	case e.Has(fsnotify.Write):
		s.publish(Change, path)
	}
}

func (s *fsSubscription) Close() error {
	return s.shutdown(s.watcher.Close)
}
