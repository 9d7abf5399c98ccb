package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"sessionkeeper/internal/agent"
	"sessionkeeper/internal/errs"
	"sessionkeeper/internal/logging"
)

const maxBodyBytes = 16 << 10

// Server wraps HTTP serving of the host API, the push stream and metrics.
type Server struct {
	httpServer   *http.Server
	agent        *agent.Agent
	checks       *rate.Limiter
	historyLimit int
	log          *logrus.Entry
}

// New creates a configured HTTP server around a built agent.
func New(addr string, a *agent.Agent) *Server {
	r := mux.NewRouter()
	cfg := a.Config.Server
	s := &Server{
		httpServer:   &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 10 * time.Second},
		agent:        a,
		checks:       rate.NewLimiter(rate.Limit(cfg.CheckRatePerSecond), cfg.CheckBurst),
		historyLimit: cfg.HistoryLimit,
		log:          logging.NewLogger("server"),
	}
	if s.historyLimit <= 0 {
		s.historyLimit = 200
	}
	s.registerRoutes(r)
	return s
}

// Handler exposes the router, mainly for httptest.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run blocks and serves HTTP traffic.
func (s *Server) Run() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts the server down.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", s.agent.Metrics.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/continuity", s.handleContinuity).Methods(http.MethodGet)
	api.HandleFunc("/connectivity/check", s.handleCheck).Methods(http.MethodPost)
	api.HandleFunc("/platform/events", s.handlePlatformEvent).Methods(http.MethodPost)
	api.HandleFunc("/navigation", s.handleCurrentRoute).Methods(http.MethodGet)
	api.HandleFunc("/navigation", s.handleReportRoute).Methods(http.MethodPost)
	api.HandleFunc("/credential", s.handleCredentialStatus).Methods(http.MethodGet)
	api.HandleFunc("/credential", s.handleSetCredential).Methods(http.MethodPut)
	api.HandleFunc("/credential", s.handleClearCredential).Methods(http.MethodDelete)
	api.HandleFunc("/probes", s.handleProbes).Methods(http.MethodGet)
	api.HandleFunc("/outages", s.handleOutages).Methods(http.MethodGet)
	api.HandleFunc("/uptime", s.handleUptime).Methods(http.MethodGet)
	api.HandleFunc("/timeline", s.handleTimeline).Methods(http.MethodGet)
	api.HandleFunc("/stream", s.handleStream).Methods(http.MethodGet)
}

func parseLimit(r *http.Request, fallback int) int {
	if fallback <= 0 {
		return fallback
	}
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return fallback
	}
	if value > fallback {
		return fallback
	}
	return value
}

// parseWindow reads ?range= as a Go duration, bounded to [1m, max].
func parseWindow(r *http.Request, fallback, max time.Duration) (time.Duration, error) {
	raw := r.URL.Query().Get("range")
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, errs.Wrap(err, errs.ErrCodeInvalidInput, "invalid range").WithDetail("range", raw)
	}
	if d < time.Minute {
		d = time.Minute
	}
	if d > max {
		d = max
	}
	return d, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errs.Wrap(err, errs.ErrCodeInvalidInput, "invalid request body")
	}
	return nil
}

func statusFor(code errs.ErrorCode) int {
	switch code {
	case errs.ErrCodeInvalidInput:
		return http.StatusBadRequest
	case errs.ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case errs.ErrCodeAlreadyRunning:
		return http.StatusConflict
	case errs.ErrCodeNotRunning, errs.ErrCodeStoreRead, errs.ErrCodeStoreWrite, errs.ErrCodeStoreUnavailable:
		return http.StatusServiceUnavailable
	case errs.ErrCodeSnapshotPartial, errs.ErrCodeSnapshotCorrupt:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := errs.GetCode(err)
	if code == "" {
		code = errs.ErrCodeInternal
	}
	status := statusFor(code)
	if status >= http.StatusInternalServerError {
		s.log.WithError(err).Error("Request failed")
	}
	writeJSON(w, status, map[string]any{
		"error": map[string]any{"code": code, "message": err.Error()},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(payload)
}
