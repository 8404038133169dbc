package build

import (
	"encoding/xml"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/danprince/chokibasic/internal/errors"
	"github.com/danprince/chokibasic/internal/glob"
	"gopkg.in/yaml.v3"
)

// A sitemap definition file.
//
//	baseUrl: https://example.com
//	root: public
//	output: sitemap.xml
//	exclude: ["404.html", "drafts/**"]
//	lastmod: "###TODAY###"
type SitemapConfig struct {
	BaseUrl string `yaml:"baseUrl"`
	// Directory scanned for pages, relative to the definition file.
	Root string `yaml:"root"`
	// Relative to Root, sitemap.xml by default.
	Output     string   `yaml:"output"`
	Exclude    []string `yaml:"exclude"`
	Changefreq string   `yaml:"changefreq"`
	Priority   string   `yaml:"priority"`
	// Written as is for every url. Each file's modification date when empty.
	Lastmod string `yaml:"lastmod"`
}

const sitemapNamespace = "http://www.sitemaps.org/schemas/sitemap/0.9"

type urlset struct {
	XMLName xml.Name     `xml:"urlset"`
	Xmlns   string       `xml:"xmlns,attr"`
	Urls    []sitemapUrl `xml:"url"`
}

type sitemapUrl struct {
	Loc        string `xml:"loc"`
	Lastmod    string `xml:"lastmod,omitempty"`
	Changefreq string `xml:"changefreq,omitempty"`
	Priority   string `xml:"priority,omitempty"`
}

// Writes a sitemap listing every html page under the definition's root.
func Sitemap(file string, logger *slog.Logger) Result {
	log := loggerOr(logger)

	out, err := sitemap(file)
	if err != nil {
		log.Error("sitemap creation failed", "file", file, "error", err)
		return failed(err)
	}

	log.Info("XML Sitemap generated: " + out)
	return Result{Success: true, Files: []string{out}}
}

func readSitemapConfig(file string) (SitemapConfig, error) {
	var cfg SitemapConfig

	contents, err := os.ReadFile(file)
	if err != nil {
		return cfg, err
	}

	if err := yaml.Unmarshal(contents, &cfg); err != nil {
		return cfg, errors.YamlParseError(err, file, string(contents))
	}

	if cfg.BaseUrl == "" {
		return cfg, errors.ConfigError{File: file, Key: "baseUrl", Value: ""}
	}

	dir := filepath.Dir(file)
	cfg.Root = filepath.Join(dir, filepath.FromSlash(cfg.Root))

	if cfg.Output == "" {
		cfg.Output = "sitemap.xml"
	}
	if !filepath.IsAbs(cfg.Output) {
		cfg.Output = filepath.Join(cfg.Root, filepath.FromSlash(cfg.Output))
	}

	return cfg, nil
}

func sitemap(file string) (string, error) {
	cfg, err := readSitemapConfig(file)
	if err != nil {
		return "", err
	}

	excludes := make([]glob.Pattern, len(cfg.Exclude))
	for i, p := range cfg.Exclude {
		excludes[i] = glob.Compile(p)
	}

	set := urlset{Xmlns: sitemapNamespace}
	base := strings.TrimSuffix(cfg.BaseUrl, "/")

	err = filepath.WalkDir(cfg.Root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		name := d.Name()

		if p != cfg.Root && (strings.HasPrefix(name, "_") || strings.HasPrefix(name, ".")) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if d.IsDir() || !strings.EqualFold(filepath.Ext(name), ".html") {
			return nil
		}

		rel, err := filepath.Rel(cfg.Root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		for _, ex := range excludes {
			if ex.Match(rel) {
				return nil
			}
		}

		u := sitemapUrl{
			Loc:        base + "/" + strings.TrimSuffix(rel, "index.html"),
			Lastmod:    cfg.Lastmod,
			Changefreq: cfg.Changefreq,
			Priority:   cfg.Priority,
		}

		if u.Lastmod == "" {
			info, err := d.Info()
			if err != nil {
				return err
			}
			u.Lastmod = info.ModTime().Format("2006-01-02")
		}

		set.Urls = append(set.Urls, u)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to scan %s: %w", cfg.Root, err)
	}

	sort.Slice(set.Urls, func(i, j int) bool {
		return set.Urls[i].Loc < set.Urls[j].Loc
	})

	data, err := xml.MarshalIndent(set, "", "  ")
	if err != nil {
		return "", err
	}

	data = append([]byte(xml.Header), data...)
	data = append(data, '\n')

	return cfg.Output, writeFile(cfg.Output, data)
}
