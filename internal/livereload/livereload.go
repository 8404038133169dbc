// Package livereload tells connected browsers to reload over a websocket.
package livereload

import (
	"bytes"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

var (
	JS = "new WebSocket(`ws://${location.host}/ws`).onmessage = () => location.reload()"
)

type Server struct {
	mu       sync.Mutex
	sockets  map[*websocket.Conn]bool
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

func New(logger *slog.Logger) *Server {
	return &Server{
		sockets: map[*websocket.Conn]bool{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger: logger,
	}
}

func (lr *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := lr.upgrader.Upgrade(w, r, nil)
	if err != nil {
		lr.logger.Warn("livereload upgrade failed", "error", err)
		return
	}

	lr.mu.Lock()
	lr.sockets[ws] = true
	lr.mu.Unlock()

	// Close frames are only processed while reading.
	go func() {
		for {
			if _, _, err := ws.NextReader(); err != nil {
				lr.drop(ws)
				return
			}
		}
	}()
}

func (lr *Server) drop(ws *websocket.Conn) {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	if lr.sockets[ws] {
		delete(lr.sockets, ws)
		ws.Close()
	}
}

// Asks every connected page to reload.
func (lr *Server) Notify() {
	lr.mu.Lock()
	defer lr.mu.Unlock()

	for ws := range lr.sockets {
		err := ws.WriteMessage(websocket.TextMessage, []byte("reload"))

		if err != nil {
			// Assume this means the socket has been closed
			delete(lr.sockets, ws)
			ws.Close()
		}
	}
}

func (lr *Server) Count() int {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	return len(lr.sockets)
}

func (lr *Server) Close() {
	lr.mu.Lock()
	defer lr.mu.Unlock()

	for ws := range lr.sockets {
		ws.Close()
		delete(lr.sockets, ws)
	}
}

// Adds the reload script before </body>, or at the end when there isn't one.
func Inject(html []byte) []byte {
	script := []byte("<script>" + JS + "</script>")
	i := bytes.LastIndex(html, []byte("</body>"))
	if i < 0 {
		return append(html, script...)
	}

	out := make([]byte, 0, len(html)+len(script))
	out = append(out, html[:i]...)
	out = append(out, script...)
	out = append(out, html[i:]...)
	return out
}
