package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/story-harvester/internal/harvest"
	"github.com/JakeFAU/story-harvester/internal/metrics"
	"github.com/JakeFAU/story-harvester/internal/orchestrator"
	"github.com/JakeFAU/story-harvester/internal/progress"
	"github.com/JakeFAU/story-harvester/internal/usage"
)

const (
	defaultItemLimit = 100
	maxItemLimit     = 1000
	requestTimeout   = 60 * time.Second
)

// ErrRunInProgress is returned by RunController.Start while a run is active.
var ErrRunInProgress = errors.New("a run is already in progress")

// RunRequest asks for an acquisition pass. Zero values fall back to config.
type RunRequest struct {
	Count   int      `json:"count"`
	Sources []string `json:"sources"`
	TopUp   bool     `json:"top_up"`
}

// RunStatus describes the current or last run.
type RunStatus struct {
	ID       string               `json:"id"`
	State    string               `json:"state"`
	Target   int                  `json:"target"`
	Sources  []string             `json:"sources"`
	Started  time.Time            `json:"started"`
	Finished *time.Time           `json:"finished,omitempty"`
	Report   *orchestrator.Report `json:"report,omitempty"`
	Events   []progress.Event     `json:"-"`
}

// RunController starts and stops background acquisition runs.
type RunController interface {
	Start(ctx context.Context, req RunRequest) (RunStatus, error)
	Current() (RunStatus, bool)
	Cancel() bool
}

// Selector hands out eligible items to renderers.
type Selector interface {
	Candidates(ctx context.Context) ([]harvest.Item, error)
	Next(ctx context.Context) (harvest.Item, error)
	Stats(ctx context.Context) (usage.Stats, error)
}

// Server wires HTTP handlers to the store, selector and run controller.
type Server struct {
	router   chi.Router
	items    harvest.ItemStore
	selector Selector
	runs     RunController
	rules    harvest.Selection
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes. runs may be nil,
// in which case the run endpoints answer 503.
func NewServer(items harvest.ItemStore, selector Selector, runs RunController, rules harvest.Selection, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		items:    items,
		selector: selector,
		runs:     runs,
		rules:    rules,
		logger:   logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(metrics.Middleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(timeoutMiddleware(requestTimeout))
		r.Route("/items", func(r chi.Router) {
			r.Get("/", s.listItems)
			r.Get("/stats", s.itemStats)
			r.Post("/select", s.selectItem)
		})
		r.Route("/runs", func(r chi.Router) {
			r.Post("/", s.startRun)
			r.Get("/current", s.currentRun)
			r.Get("/current/events", s.currentRunEvents)
			r.Post("/current/cancel", s.cancelRun)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	if _, err := s.items.Exists(ctx, "readiness-probe"); err != nil {
		s.logger.Warn("store not ready", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// listItems handles GET /v1/items?eligible=&unused=&source=&limit=&offset=.
func (s *Server) listItems(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, offset, err := parseLimitOffset(r, defaultItemLimit, maxItemLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	eligible, err := parseBool(q.Get("eligible"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "eligible must be a boolean")
		return
	}
	unused, err := parseBool(q.Get("unused"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unused must be a boolean")
		return
	}

	var items []harvest.Item
	if unused {
		items, err = s.selector.Candidates(r.Context())
	} else {
		items, err = s.items.LoadAll(r.Context())
	}
	if err != nil {
		s.logger.Error("load items failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load items")
		return
	}

	source := strings.TrimSpace(q.Get("source"))
	filtered := make([]harvest.Item, 0, len(items))
	for _, it := range items {
		if eligible && !harvest.Eligible(it, s.rules.Thresholds) {
			continue
		}
		if source != "" && !strings.EqualFold(it.SourceName, source) {
			continue
		}
		filtered = append(filtered, it)
	}
	total := len(filtered)
	if offset > total {
		offset = total
	}
	end := min(offset+limit, total)
	writeJSON(w, http.StatusOK, map[string]any{
		"items": filtered[offset:end],
		"total": total,
	})
}

func (s *Server) itemStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.selector.Stats(r.Context())
	if err != nil {
		s.logger.Error("item stats failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to compute stats")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) selectItem(w http.ResponseWriter, r *http.Request) {
	item, err := s.selector.Next(r.Context())
	switch {
	case errors.Is(err, usage.ErrNoEligibleItems):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case err != nil:
		s.logger.Error("select item failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to select item")
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) startRun(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeError(w, http.StatusServiceUnavailable, "runs are disabled")
		return
	}
	var req RunRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}
	if req.Count < 0 {
		writeError(w, http.StatusBadRequest, "count must be >= 0")
		return
	}
	if _, err := harvest.ParseSources(req.Sources); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	st, err := s.runs.Start(r.Context(), req)
	switch {
	case errors.Is(err, ErrRunInProgress):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		s.logger.Error("start run failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to start run")
		return
	}
	writeJSON(w, http.StatusAccepted, st)
}

func (s *Server) currentRun(w http.ResponseWriter, _ *http.Request) {
	if s.runs == nil {
		writeError(w, http.StatusServiceUnavailable, "runs are disabled")
		return
	}
	st, ok := s.runs.Current()
	if !ok {
		writeError(w, http.StatusNotFound, "no run yet")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) currentRunEvents(w http.ResponseWriter, _ *http.Request) {
	if s.runs == nil {
		writeError(w, http.StatusServiceUnavailable, "runs are disabled")
		return
	}
	st, ok := s.runs.Current()
	if !ok {
		writeError(w, http.StatusNotFound, "no run yet")
		return
	}
	out := make([]eventDTO, 0, len(st.Events))
	for _, evt := range st.Events {
		out = append(out, toEventDTO(evt))
	}
	writeJSON(w, http.StatusOK, map[string]any{"run_id": st.ID, "events": out})
}

func (s *Server) cancelRun(w http.ResponseWriter, _ *http.Request) {
	if s.runs == nil {
		writeError(w, http.StatusServiceUnavailable, "runs are disabled")
		return
	}
	if !s.runs.Cancel() {
		writeError(w, http.StatusNotFound, "no active run")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "stopping"})
}

type eventDTO struct {
	RunID  string    `json:"run_id"`
	TS     time.Time `json:"ts"`
	Stage  string    `json:"stage"`
	Source string    `json:"source,omitempty"`
	Quota  int       `json:"quota,omitempty"`
	Saved  int       `json:"saved"`
	Status string    `json:"status,omitempty"`
	DurMS  int64     `json:"dur_ms,omitempty"`
}

func toEventDTO(evt progress.Event) eventDTO {
	return eventDTO{
		RunID:  evt.RunUUID().String(),
		TS:     evt.TS,
		Stage:  string(evt.Stage),
		Source: evt.Source,
		Quota:  evt.Quota,
		Saved:  evt.Saved,
		Status: evt.Status,
		DurMS:  evt.Dur.Milliseconds(),
	}
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			return 0, 0, errors.New("limit must be a positive integer")
		}
		limit = min(v, maxLimit)
	}
	offset := 0
	if raw := strings.TrimSpace(q.Get("offset")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			return 0, 0, errors.New("offset must be a non-negative integer")
		}
		offset = v
	}
	return limit, offset, nil
}

func parseBool(raw string) (bool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false, nil
	}
	return strconv.ParseBool(raw)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
				zap.String("request_id", requestID(r.Context())),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("panic", rec), zap.String("path", r.URL.Path))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
