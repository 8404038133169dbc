package build

import (
	"bytes"
	_ "embed"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
	_ "time/tzdata"

	gitignore "github.com/sabhiram/go-gitignore"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

//go:embed banner.txt
var defaultBanner string

type ExportOptions struct {
	// File whose text heads every exported js, css and html file. ###DATE###
	// is replaced by the export date. Uses the built in banner when empty.
	Banner string
	// Directory holding the .gitignore, and the base for ignore matching.
	// Defaults to the working directory.
	Root string
	// Clock for dates in the banner and placeholders.
	Now    func() time.Time
	Logger *slog.Logger
}

type ExportStats struct {
	Copied  int
	Skipped int
}

type exportJob struct {
	src, dst string
}

// Replaces dist with a copy of src, leaving out ignored files and sources
// that only matter for development.
func Export(src, dist string, opts ExportOptions) (ExportStats, error) {
	log := loggerOr(opts.Logger)

	stats, err := export(src, dist, opts)
	if err != nil {
		log.Error("export failed", "src", src, "dist", dist, "error", err)
		return stats, err
	}

	log.Info("Export complete: "+dist, "copied", stats.Copied, "skipped", stats.Skipped)
	return stats, nil
}

func export(src, dist string, opts ExportOptions) (ExportStats, error) {
	var stats ExportStats

	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}

	root := opts.Root
	if root == "" {
		var err error
		if root, err = os.Getwd(); err != nil {
			return stats, err
		}
	}

	absSrc, err := filepath.Abs(src)
	if err != nil {
		return stats, err
	}
	absDist, err := filepath.Abs(dist)
	if err != nil {
		return stats, err
	}
	if absRoot, err := filepath.Abs(root); err == nil {
		root = absRoot
	}

	if info, err := os.Stat(absSrc); err != nil || !info.IsDir() {
		return stats, fmt.Errorf("source folder %s is invalid", src)
	}

	if isWithin(absDist, absSrc) {
		return stats, fmt.Errorf("refusing to export %s into %s: it would erase the sources", src, dist)
	}

	ig, err := loadGitignore(root)
	if err != nil {
		return stats, err
	}

	banner, err := readBanner(opts.Banner, now())
	if err != nil {
		return stats, err
	}

	if err := emptyDir(absDist); err != nil {
		return stats, err
	}

	var jobs []exportJob

	err = filepath.WalkDir(absSrc, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if p == absSrc {
			return nil
		}

		rel := relativeTo(root, p)

		if d.IsDir() {
			if p == absDist || ig.MatchesPath(rel+"/") || strings.HasPrefix(d.Name(), "_") {
				return filepath.SkipDir
			}
			return nil
		}

		// Symlinks and other special files are left out.
		if !d.Type().IsRegular() {
			return nil
		}

		if ig.MatchesPath(rel) || excludedFromExport(p) {
			stats.Skipped++
			return nil
		}

		relSrc, err := filepath.Rel(absSrc, p)
		if err != nil {
			return err
		}

		jobs = append(jobs, exportJob{src: p, dst: filepath.Join(absDist, relSrc)})
		return nil
	})
	if err != nil {
		return stats, err
	}

	var copied atomic.Int64
	var g errgroup.Group
	g.SetLimit(8)

	for _, job := range jobs {
		job := job
		g.Go(func() error {
			if err := exportFile(job, banner, now()); err != nil {
				return err
			}
			copied.Add(1)
			return nil
		})
	}

	err = g.Wait()
	stats.Copied = int(copied.Load())
	return stats, err
}

func loadGitignore(root string) (*gitignore.GitIgnore, error) {
	lines := []string{}

	contents, err := os.ReadFile(filepath.Join(root, ".gitignore"))
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err == nil {
		lines = strings.Split(string(contents), "\n")
	}

	// The output folder is never exported into itself.
	lines = append(lines, "dist/")

	return gitignore.CompileIgnoreLines(lines...), nil
}

func readBanner(file string, now time.Time) (string, error) {
	banner := defaultBanner

	if file != "" {
		contents, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("failed to read banner: %w", err)
		}
		banner = string(contents)
	}

	return strings.Replace(banner, "###DATE###", frenchDate(now), 1), nil
}

// Underscored files, Sass sources and unminified scripts.
func excludedFromExport(file string) bool {
	lower := strings.ToLower(file)

	if strings.HasPrefix(filepath.Base(lower), "_") {
		return true
	}

	if strings.HasSuffix(lower, ".scss") {
		return true
	}

	return strings.HasSuffix(lower, ".js") && !strings.HasSuffix(lower, ".min.js")
}

func exportFile(job exportJob, banner string, now time.Time) error {
	data, err := os.ReadFile(job.src)
	if err != nil {
		return err
	}

	lower := strings.ToLower(job.src)

	switch {
	case strings.HasSuffix(lower, ".js"), strings.HasSuffix(lower, ".css"):
		data = append([]byte("/*!\n\n"+banner+"\n\n*/\n"), data...)

	case strings.HasSuffix(lower, ".html"):
		data = bytes.ReplaceAll(data, []byte("###YEAR###"), []byte(strconv.Itoa(now.Year())))
		data = bytes.ReplaceAll(data, []byte("###TIMESTAMP###"), []byte(strconv.FormatInt(now.Unix(), 10)))
		data = append([]byte("<!--\n\n"+banner+"\n\n-->\n"), data...)

	case strings.HasSuffix(lower, "sitemap.xml"):
		data = bytes.ReplaceAll(data, []byte("###TODAY###"), []byte(now.Format("2006-01-02")))
	}

	info, err := os.Stat(job.src)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(job.dst), os.ModePerm); err != nil {
		return err
	}

	return os.WriteFile(job.dst, data, info.Mode().Perm())
}

// Creates dir if needed and removes everything inside it.
func emptyDir(dir string) error {
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	var g errgroup.Group
	for _, e := range entries {
		name := filepath.Join(dir, e.Name())
		g.Go(func() error {
			return os.RemoveAll(name)
		})
	}
	return g.Wait()
}

func relativeTo(root, p string) string {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return filepath.ToSlash(p)
	}
	return filepath.ToSlash(rel)
}

func isWithin(dir, p string) bool {
	rel, err := filepath.Rel(dir, p)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

var frenchWeekdays = [...]string{"dimanche", "lundi", "mardi", "mercredi", "jeudi", "vendredi", "samedi"}

var frenchMonths = [...]string{
	"janvier", "février", "mars", "avril", "mai", "juin",
	"juillet", "août", "septembre", "octobre", "novembre", "décembre",
}

// "Dimanche le 18 octobre 2026 à 14 h 05", in Toronto time.
func frenchDate(t time.Time) string {
	if loc, err := time.LoadLocation("America/Toronto"); err == nil {
		t = t.In(loc)
	}

	return fmt.Sprintf("%s le %d %s %d à %d h %02d",
		cases.Title(language.CanadianFrench).String(frenchWeekdays[t.Weekday()]),
		t.Day(),
		frenchMonths[t.Month()-1],
		t.Year(),
		t.Hour(),
		t.Minute(),
	)
}
