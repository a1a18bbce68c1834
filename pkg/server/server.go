// Package server exposes the admin HTTP API: enforcement state, source and
// host counts, commands, source management and metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"hostguard/pkg/command"
	"hostguard/pkg/enforce"
	"hostguard/pkg/hosterr"
	"hostguard/pkg/metrics"
	"hostguard/pkg/source"
	"hostguard/pkg/sources"
	"hostguard/pkg/store"
	"hostguard/pkg/version"
)

// Sources is the source model as seen by the API.
type Sources interface {
	Sources(ctx context.Context) ([]sources.HostsSource, error)
	Status(ctx context.Context) (source.Status, error)
	AddSource(ctx context.Context, src sources.HostsSource) (int64, error)
	RemoveSource(ctx context.Context, id int64) error
	ToggleSource(ctx context.Context, id int64) (bool, error)
}

// Enforcement is the read side of the enforcement controller.
type Enforcement interface {
	State() enforce.State
	Method() enforce.Method
	IsApplied() bool
	TakeError() *hosterr.HostError
}

// Actions are the user operations guarded by the pending flag.
type Actions interface {
	Pending() bool
	Toggle(ctx context.Context) (enforce.Outcome, error)
	Update(ctx context.Context) (enforce.Outcome, error)
	Sync(ctx context.Context) (enforce.Outcome, error)
	EnableAllSources(ctx context.Context) (enforce.Outcome, error)
}

// Commands executes START and STOP.
type Commands interface {
	Dispatch(ctx context.Context, raw string) (command.Command, error)
}

// Options configures the server.
type Options struct {
	Listen      string
	Token       string
	Sources     Sources
	Enforcement Enforcement
	Actions     Actions
	Commands    Commands
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

type Server struct {
	opts     Options
	log      *slog.Logger
	http     *http.Server
	listener net.Listener
}

// New builds the router. Nothing listens until Start.
func New(opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	s := &Server{opts: opts, log: log}
	s.http = &http.Server{
		Addr:              opts.Listen,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recoverer, middleware.Timeout(2*time.Minute))

	r.Get("/api/health", s.health)
	if s.opts.Metrics != nil {
		r.Handle("/metrics", s.opts.Metrics.Handler())
	}
	r.Group(func(pr chi.Router) {
		pr.Use(s.auth)
		pr.Get("/api/state", s.state)
		pr.Get("/api/status", s.status)
		pr.Post("/api/commands", s.command)
		pr.Post("/api/toggle", s.action(func(ctx context.Context) (enforce.Outcome, error) {
			return s.opts.Actions.Toggle(ctx)
		}))
		pr.Post("/api/sync", s.action(func(ctx context.Context) (enforce.Outcome, error) {
			return s.opts.Actions.Sync(ctx)
		}))
		pr.Post("/api/update", s.action(func(ctx context.Context) (enforce.Outcome, error) {
			return s.opts.Actions.Update(ctx)
		}))
		pr.Post("/api/sources/enable-all", s.action(func(ctx context.Context) (enforce.Outcome, error) {
			return s.opts.Actions.EnableAllSources(ctx)
		}))
		pr.Get("/api/sources", s.listSources)
		pr.Post("/api/sources", s.addSource)
		pr.Post("/api/sources/{id}/toggle", s.toggleSource)
		pr.Delete("/api/sources/{id}", s.removeSource)
	})
	return r
}

// Start listens and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.opts.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.opts.Listen, err)
	}
	s.listener = ln
	s.log.Info("starting admin server", "version", version.HostguardVersion, "address", ln.Addr().String())
	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("admin server stopped", "error", err)
		}
	}()
	return nil
}

// Addr is the bound address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.opts.Listen
	}
	return s.listener.Addr().String()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.Token == "" {
			next.ServeHTTP(w, r)
			return
		}
		h := r.Header.Get("Authorization")
		if !strings.HasPrefix(h, "Bearer ") || strings.TrimPrefix(h, "Bearer ") != s.opts.Token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "version": version.HostguardVersion})
}

type stateResponse struct {
	State   string     `json:"state"`
	Method  string     `json:"method"`
	Applied bool       `json:"applied"`
	Pending bool       `json:"pending"`
	Error   *errorBody `json:"error,omitempty"`
}

type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// state reports the enforcement state. A pending error is handed out once.
func (s *Server) state(w http.ResponseWriter, _ *http.Request) {
	e := s.opts.Enforcement
	resp := stateResponse{
		State:   e.State().Phase.String(),
		Method:  e.Method().String(),
		Applied: e.IsApplied(),
	}
	if s.opts.Actions != nil {
		resp.Pending = s.opts.Actions.Pending()
	}
	if he := e.TakeError(); he != nil {
		resp.Error = &errorBody{Kind: he.Kind.String(), Message: he.Error()}
	}
	writeJSON(w, http.StatusOK, resp)
}

type statusResponse struct {
	UpToDate        int        `json:"sources_up_to_date"`
	Outdated        int        `json:"sources_outdated"`
	Failed          int        `json:"sources_failed"`
	Blocked         int        `json:"blocked_hosts"`
	Allowed         int        `json:"allowed_hosts"`
	Redirected      int        `json:"redirected_hosts"`
	UpdateAvailable bool       `json:"update_available"`
	LastSync        *time.Time `json:"last_sync,omitempty"`
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	st, err := s.opts.Sources.Status(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	resp := statusResponse{
		UpToDate:        st.Sources.UpToDate,
		Outdated:        st.Sources.Outdated,
		Failed:          st.Sources.Failed,
		Blocked:         st.Blocked,
		Allowed:         st.Allowed,
		Redirected:      st.Redirected,
		UpdateAvailable: st.UpdateAvailable,
	}
	if !st.LastSync.IsZero() {
		resp.LastSync = &st.LastSync
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) command(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Command string `json:"command"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	cmd, err := s.opts.Commands.Dispatch(r.Context(), req.Command)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"command": cmd.String(), "state": s.opts.Enforcement.State().String()})
}

type outcomeResponse struct {
	Skipped         bool     `json:"skipped"`
	Applied         bool     `json:"applied"`
	UpdateAvailable bool     `json:"update_available"`
	Updated         int      `json:"updated"`
	NotModified     int      `json:"not_modified"`
	Failed          []string `json:"failed,omitempty"`
	Changed         bool     `json:"changed"`
	Rules           int      `json:"rules"`
}

func (s *Server) action(run func(context.Context) (enforce.Outcome, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out, err := run(r.Context())
		if err != nil {
			s.fail(w, err)
			return
		}
		status := http.StatusOK
		if out.Skipped {
			status = http.StatusConflict
		}
		writeJSON(w, status, outcomeResponse{
			Skipped:         out.Skipped,
			Applied:         out.Applied,
			UpdateAvailable: out.Update,
			Updated:         out.Report.Updated,
			NotModified:     out.Report.NotModified,
			Failed:          out.Report.Failed,
			Changed:         out.Report.Changed,
			Rules:           out.Report.Rules,
		})
	}
}

type sourceBody struct {
	ID                 int64      `json:"id"`
	Label              string     `json:"label"`
	URL                string     `json:"url"`
	Format             string     `json:"format"`
	Enabled            bool       `json:"enabled"`
	State              string     `json:"state,omitempty"`
	LastFetchedAt      *time.Time `json:"last_fetched_at,omitempty"`
	LastModifiedRemote string     `json:"last_modified_remote,omitempty"`
}

func (s *Server) listSources(w http.ResponseWriter, r *http.Request) {
	list, err := s.opts.Sources.Sources(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	out := make([]sourceBody, 0, len(list))
	for _, src := range list {
		out = append(out, sourceBody{
			ID:                 src.ID,
			Label:              src.Label,
			URL:                src.URL,
			Format:             src.Format.String(),
			Enabled:            src.Enabled,
			State:              src.State.String(),
			LastFetchedAt:      src.LastFetchedAt,
			LastModifiedRemote: src.LastModifiedRemote,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) addSource(w http.ResponseWriter, r *http.Request) {
	var body sourceBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if body.Label == "" || body.URL == "" {
		http.Error(w, "label and url are required", http.StatusBadRequest)
		return
	}
	format, err := sources.ParseFormat(body.Format)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	id, err := s.opts.Sources.AddSource(r.Context(), sources.HostsSource{
		Label:   body.Label,
		URL:     body.URL,
		Format:  format,
		Enabled: body.Enabled,
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": id})
}

func (s *Server) toggleSource(w http.ResponseWriter, r *http.Request) {
	id, ok := sourceID(w, r)
	if !ok {
		return
	}
	enabled, err := s.opts.Sources.ToggleSource(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "enabled": enabled})
}

func (s *Server) removeSource(w http.ResponseWriter, r *http.Request) {
	id, ok := sourceID(w, r)
	if !ok {
		return
	}
	if err := s.opts.Sources.RemoveSource(r.Context(), id); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func sourceID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "invalid source id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

// fail maps errors to status codes. Strategy failures carry their kind.
func (s *Server) fail(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	var he *hosterr.HostError
	if errors.As(err, &he) {
		writeJSON(w, http.StatusInternalServerError, errorBody{Kind: he.Kind.String(), Message: he.Error()})
		return
	}
	s.log.Error("admin request failed", "error", err)
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
