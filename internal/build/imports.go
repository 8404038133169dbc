package build

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/evanw/esbuild/pkg/api"
)

const httpNamespace = "http-import"

// Downloads modules imported by url, keeping a copy of each one on disk so
// later builds work offline.
type httpCache struct {
	dir    string
	client *http.Client

	mu      sync.Mutex
	modules map[string]string
}

func newHttpCache(dir string) *httpCache {
	return &httpCache{dir: dir, client: http.DefaultClient, modules: map[string]string{}}
}

var (
	sharedCachesMu sync.Mutex
	sharedCaches   = map[string]*httpCache{}
)

// One cache per directory for the life of the process.
func cacheFor(dir string) *httpCache {
	if dir == "" {
		if base, err := os.UserCacheDir(); err == nil {
			dir = filepath.Join(base, "chokibasic", "http-imports")
		} else {
			dir = filepath.Join(os.TempDir(), "chokibasic-http-imports")
		}
	}

	sharedCachesMu.Lock()
	defer sharedCachesMu.Unlock()

	c, ok := sharedCaches[dir]
	if !ok {
		c = newHttpCache(dir)
		sharedCaches[dir] = c
	}
	return c
}

func (c *httpCache) get(href string) (string, error) {
	c.mu.Lock()
	mod, ok := c.modules[href]
	c.mu.Unlock()

	if ok {
		return mod, nil
	}

	file := filepath.Join(c.dir, url.QueryEscape(href))

	if data, err := os.ReadFile(file); err == nil {
		c.store(href, string(data))
		return string(data), nil
	}

	res, err := c.client.Get(href)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return "", fmt.Errorf("GET %s: %s", href, res.Status)
	}

	out, err := io.ReadAll(res.Body)
	if err != nil {
		return "", err
	}

	c.store(href, string(out))

	// A failed write only costs a download next time.
	if err := os.MkdirAll(c.dir, 0o755); err == nil {
		os.WriteFile(file, out, 0o644)
	}

	return string(out), nil
}

func (c *httpCache) store(href, contents string) {
	c.mu.Lock()
	c.modules[href] = contents
	c.mu.Unlock()
}

// Resolves http(s) imports, and bare imports named in the import map, to
// downloaded modules. Relative imports inside downloaded modules resolve
// against the importing url.
func httpImportsPlugin(imports map[string]string, cache *httpCache) api.Plugin {
	return api.Plugin{
		Name: "http-imports",
		Setup: func(build api.PluginBuild) {
			if len(imports) > 0 {
				names := make([]string, 0, len(imports))
				for name := range imports {
					names = append(names, regexp.QuoteMeta(name))
				}
				sort.Strings(names)

				build.OnResolve(api.OnResolveOptions{
					Filter: fmt.Sprintf(`^(%s)$`, strings.Join(names, "|")),
				}, func(args api.OnResolveArgs) (api.OnResolveResult, error) {
					return api.OnResolveResult{Path: imports[args.Path], Namespace: httpNamespace}, nil
				})
			}

			build.OnResolve(api.OnResolveOptions{
				Filter: `^https?://`,
			}, func(args api.OnResolveArgs) (api.OnResolveResult, error) {
				return api.OnResolveResult{Path: args.Path, Namespace: httpNamespace}, nil
			})

			build.OnResolve(api.OnResolveOptions{
				Filter:    `.*`,
				Namespace: httpNamespace,
			}, func(args api.OnResolveArgs) (api.OnResolveResult, error) {
				base, err := url.Parse(args.Importer)
				if err != nil {
					return api.OnResolveResult{}, err
				}

				relative, err := url.Parse(args.Path)
				if err != nil {
					return api.OnResolveResult{}, err
				}

				return api.OnResolveResult{
					Path:      base.ResolveReference(relative).String(),
					Namespace: httpNamespace,
				}, nil
			})

			build.OnLoad(api.OnLoadOptions{
				Filter:    `.*`,
				Namespace: httpNamespace,
			}, func(args api.OnLoadArgs) (api.OnLoadResult, error) {
				contents, err := cache.get(args.Path)
				if err != nil {
					return api.OnLoadResult{}, err
				}

				return api.OnLoadResult{
					Contents:   &contents,
					ResolveDir: os.TempDir(),
				}, nil
			})
		},
	}
}
