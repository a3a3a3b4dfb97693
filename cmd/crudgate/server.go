package main

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"crudgate/internal/audit"
	"crudgate/internal/types"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"golang.org/x/net/netutil"
)

const (
	maxBodyBytes        = 64 << 10
	defaultDecisionRows = 50
	maxDecisionRows     = 1000

	// CallerHeader labels the requester in the audit log when the body
	// does not. It has no effect on rate limiting.
	CallerHeader = "X-Crudgate-Caller"
)

// server is the daemon's HTTP front end.
type server struct {
	app    *app
	logger *zap.Logger
}

// ClassifyRequest is the body of POST /api/classify.
type ClassifyRequest struct {
	Command string `json:"command"`
}

// ClassifyResponse is returned by POST /api/classify.
type ClassifyResponse struct {
	Classification types.CrudClassification `json:"classification"`
	Confidence     float64                  `json:"confidence"`
	Reasoning      string                   `json:"reasoning"`
}

// PermissionRequestBody is the body of POST /api/hooks/permission-request.
// Any classification a client sends is ignored; the daemon always
// classifies the command itself.
type PermissionRequestBody struct {
	Command string            `json:"command"`
	Caller  string            `json:"caller,omitempty"`
	Context map[string]string `json:"context,omitempty"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status  string      `json:"status"`
	Version string      `json:"version"`
	Hooks   HooksHealth `json:"hooks"`
}

// HooksHealth reports the classifier without forcing a model load.
type HooksHealth struct {
	Enabled             bool   `json:"enabled"`
	ClassifierAvailable bool   `json:"classifier_available"`
	ModelLoaded         bool   `json:"model_loaded"`
	ModelName           string `json:"model_name"`
	ModelState          string `json:"model_state"`
}

// DecisionsResponse is returned by GET /api/hooks/decisions.
type DecisionsResponse struct {
	Decisions []audit.Record      `json:"decisions"`
	Stats     audit.DecisionStats `json:"stats"`
}

type errorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func newServer(a *app, logger *zap.Logger) *server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &server{app: a, logger: logger}
}

// routes builds the router.
func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/health", s.handleHealth)
	r.Route("/api", func(r chi.Router) {
		r.Post("/classify", s.handleClassify)
		r.Route("/hooks", func(r chi.Router) {
			r.Post("/permission-request", s.handlePermissionRequest)
			r.Get("/decisions", s.handleDecisions)
		})
	})
	return r
}

// serve runs the HTTP server on ln until ctx is cancelled, then shuts
// down gracefully.
func (s *server) serve(ctx context.Context, ln net.Listener) error {
	cfg := s.app.cfg
	if cfg.Server.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, cfg.Server.MaxConnections)
	}
	srv := &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: cfg.GetReadTimeout(),
		ReadTimeout:       cfg.GetReadTimeout(),
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("Listening", zap.String("addr", ln.Addr().String()),
		zap.Int("max_connections", cfg.Server.MaxConnections))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GetShutdownTimeout())
	defer cancel()
	s.logger.Info("Shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		_ = srv.Close()
		return err
	}
	return <-errCh
}

// =============================================================================
// HANDLERS
// =============================================================================

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	c := s.app.classifier
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Version: s.app.cfg.Version,
		Hooks: HooksHealth{
			Enabled:             s.app.cfg.Hooks.Enabled,
			ClassifierAvailable: c.Available(),
			ModelLoaded:         c.ModelLoaded(),
			ModelName:           c.ModelName(),
			ModelState:          s.app.model.State().String(),
		},
	})
}

func (s *server) handleClassify(w http.ResponseWriter, r *http.Request) {
	var req ClassifyRequest
	if !s.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Command) == "" {
		s.writeError(w, r, http.StatusBadRequest, "command is required")
		return
	}
	res := s.app.classifier.Classify(r.Context(), req.Command)
	writeJSON(w, http.StatusOK, ClassifyResponse{
		Classification: res.Classification,
		Confidence:     res.Confidence,
		Reasoning:      res.Reasoning,
	})
}

func (s *server) handlePermissionRequest(w http.ResponseWriter, r *http.Request) {
	var body PermissionRequestBody
	if !s.decode(w, r, &body) {
		return
	}
	if strings.TrimSpace(body.Command) == "" {
		s.writeError(w, r, http.StatusBadRequest, "command is required")
		return
	}
	req := types.PermissionRequest{
		Command:   body.Command,
		Caller:    body.Caller,
		Principal: remoteHost(r),
		Context:   body.Context,
	}
	if req.Caller == "" {
		req.Caller = callerFrom(r)
	}

	resp := s.app.handler.Evaluate(r.Context(), req)
	status := http.StatusOK
	if resp.Decision == types.DecisionRateLimited {
		status = http.StatusTooManyRequests
		w.Header().Set("Retry-After", "60")
	}
	writeJSON(w, status, resp)
}

func (s *server) handleDecisions(w http.ResponseWriter, r *http.Request) {
	limit := defaultDecisionRows
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, r, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = min(n, maxDecisionRows)
	}

	recs, err := s.app.store.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("Failed to read decisions", zap.Error(err))
		s.writeError(w, r, http.StatusInternalServerError, "failed to read decisions")
		return
	}
	stats, err := s.app.store.Stats(r.Context())
	if err != nil {
		s.logger.Error("Failed to read decision stats", zap.Error(err))
		s.writeError(w, r, http.StatusInternalServerError, "failed to read decision stats")
		return
	}
	if recs == nil {
		recs = []audit.Record{}
	}
	writeJSON(w, http.StatusOK, DecisionsResponse{Decisions: recs, Stats: stats})
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func (s *server) writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, RequestID: middleware.GetReqID(r.Context())})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// callerFrom labels the requester by header, falling back to the remote
// host.
func callerFrom(r *http.Request) string {
	if c := strings.TrimSpace(r.Header.Get(CallerHeader)); c != "" {
		return c
	}
	return remoteHost(r)
}

// remoteHost is the peer address without its port. Rate limiting is keyed
// on it because clients cannot pick it per request.
func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}
