package main

import (
	"context"
	stderrors "errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danprince/chokibasic/internal/errors"
	"github.com/danprince/chokibasic/internal/livereload"
)

// Serves a directory for local development. Html pages get the live reload
// script, and while a rule is failing they show its error instead. Other
// files are always served as they are.
type devServer struct {
	files   http.FileSystem
	static  http.Handler
	lr      *livereload.Server
	failure func() error
}

func newDevServer(root string, lr *livereload.Server, failure func() error) http.Handler {
	files := http.Dir(root)
	s := &devServer{
		files:   files,
		static:  http.FileServer(files),
		lr:      lr,
		failure: failure,
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", lr)
	mux.Handle("/", s)
	return mux
}

func (s *devServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Path
	if strings.HasSuffix(name, "/") {
		name += "index.html"
	}

	if path.Ext(name) != ".html" {
		s.static.ServeHTTP(w, r)
		return
	}

	if err := s.failure(); err != nil {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write(livereload.Inject([]byte(errors.FmtErrorHtml(err))))
		return
	}

	f, err := s.files.Open(name)
	if err != nil {
		s.static.ServeHTTP(w, r)
		return
	}
	defer f.Close()

	html, err := io.ReadAll(f)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(livereload.Inject(html))
}

// Runs handler on addr until ctx is done.
func listenAndServe(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("serving site at http://" + ln.Addr().String())

	errc := make(chan error, 1)
	go func() {
		errc <- srv.Serve(ln)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
