// Package build holds the steps watch rules run: Sass and JS bundling, page
// rendering, sitemaps and exporting a site to its distribution folder.
//
// Every step logs what it wrote on success and a one line error on failure.
// Code frames for failures are left to the caller (see errors.FmtError).
package build

import (
	"log/slog"
	"os"
	"path/filepath"
)

// The outcome of a step that can write several files.
type Result struct {
	Success bool
	Files   []string
	Err     error
}

func failed(err error) Result {
	return Result{Err: err}
}

func loggerOr(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}

func writeFile(name string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(name), os.ModePerm); err != nil {
		return err
	}
	return os.WriteFile(name, data, 0644)
}
