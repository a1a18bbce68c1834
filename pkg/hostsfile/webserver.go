package hostsfile

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const defaultWebListen = "127.0.0.1:80"

// WebServer answers requests for blocked hosts with an empty response, so
// clients fail fast instead of waiting on a closed port.
type WebServer struct {
	srv *http.Server
	log *slog.Logger
}

// NewWebServer creates a server bound to listen (default 127.0.0.1:80).
func NewWebServer(listen string, log *slog.Logger) *WebServer {
	if listen == "" {
		listen = defaultWebListen
	}
	if log == nil {
		log = slog.Default()
	}
	return &WebServer{
		srv: &http.Server{
			Addr:              listen,
			Handler:           blankRouter(),
			ReadHeaderTimeout: 5 * time.Second,
		},
		log: log,
	}
}

func blankRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/__hostguard/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	r.HandleFunc("/*", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Content-Length", "0")
		w.WriteHeader(http.StatusNoContent)
	})
	return r
}

// Start listens and serves in the background. The listener is bound before
// Start returns so bind errors surface to the caller.
func (w *WebServer) Start() (net.Addr, error) {
	ln, err := net.Listen("tcp", w.srv.Addr)
	if err != nil {
		return nil, err
	}
	go func() {
		if err := w.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			w.log.Error("blank web server stopped", "error", err)
		}
	}()
	w.log.Info("blank web server listening", "addr", ln.Addr().String())
	return ln.Addr(), nil
}

// Shutdown stops the server.
func (w *WebServer) Shutdown(ctx context.Context) error {
	return w.srv.Shutdown(ctx)
}
