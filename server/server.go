// Package server exposes a page's hero stage over HTTP: health, status,
// the audio toggle, visibility and Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hazyhaar/heromedia/audio"
	"github.com/hazyhaar/heromedia/hero"
	"github.com/hazyhaar/heromedia/kit"
	"github.com/hazyhaar/heromedia/playback"
	"github.com/hazyhaar/heromedia/sink"
)

// Stage is the part of hero.Stage the server drives.
type Stage interface {
	Snapshot() hero.Snapshot
	ActivateToggle() (audio.Visual, error)
	SetVisibility(visible bool)
}

// Options configures the router.
type Options struct {
	// Metrics serves GET /metrics when set.
	Metrics http.Handler
	// Journal serves GET /events when set.
	Journal *sink.Journal
	Logger  *slog.Logger
}

// New builds the chi router for stage.
func New(stage Stage, opts Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	h := &handlers{stage: stage, journal: opts.Journal, log: opts.Logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(opts.Logger))
	r.Use(securityHeaders)
	r.Use(maxBody(maxBodyBytes))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/status", h.status)
	r.Post("/audio/toggle", h.toggle)
	r.Post("/visibility", h.visibility)
	if opts.Journal != nil {
		r.Get("/events", h.events)
	}
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}
	return r
}

type handlers struct {
	stage   Stage
	journal *sink.Journal
	log     *slog.Logger
}

func (h *handlers) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.stage.Snapshot())
}

func (h *handlers) toggle(w http.ResponseWriter, r *http.Request) {
	v, err := h.stage.ActivateToggle()
	switch {
	case errors.Is(err, hero.ErrNotMounted):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, playback.ErrInvalidState):
		writeError(w, http.StatusConflict, err)
	case err != nil:
		writeError(w, http.StatusBadGateway, err)
	default:
		writeJSON(w, http.StatusOK, v)
	}
}

func (h *handlers) visibility(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Visible *bool `json:"visible"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Visible == nil {
		writeError(w, http.StatusBadRequest, errors.New("visible is required"))
		return
	}
	if h.stage.Snapshot().Hero == nil {
		writeError(w, http.StatusNotFound, hero.ErrNotMounted)
		return
	}
	h.stage.SetVisibility(*req.Visible)
	writeJSON(w, http.StatusOK, map[string]bool{"visible": *req.Visible})
}

func (h *handlers) events(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	evs, err := h.journal.Recent(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if evs == nil {
		evs = []sink.Event{}
	}
	writeJSON(w, http.StatusOK, evs)
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/healthz" {
				next.ServeHTTP(w, r)
				return
			}
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			ctx := kit.WithRequestID(r.Context(), middleware.GetReqID(r.Context()))
			next.ServeHTTP(ww, r.WithContext(ctx))
			logger.Info("server: http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", kit.GetRequestID(ctx),
			)
		})
	}
}

// Serve runs srv until ctx is cancelled, then shuts it down.
func Serve(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logger.Info("server: listening", "addr", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		return err
	}
	logger.Info("server: stopped")
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
