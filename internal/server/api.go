package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"sessionkeeper/internal/errs"
	"sessionkeeper/internal/history"
	"sessionkeeper/internal/metrics"
	"sessionkeeper/internal/models"
	"sessionkeeper/internal/navigation"
	"sessionkeeper/internal/platform"
)

const (
	defaultUptimeWindow   = 24 * time.Hour
	maxUptimeWindow       = 90 * 24 * time.Hour
	defaultTimelineWindow = time.Hour
	maxTimelineWindow     = 7 * 24 * time.Hour
	defaultTimelinePoints = 60
	maxTimelinePoints     = 500
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"running": s.agent.Running(),
	})
}

func (s *Server) handleContinuity(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.agent.Manager.State())
}

func (s *Server) handleCheck(w http.ResponseWriter, _ *http.Request) {
	if !s.checks.Allow() {
		s.writeError(w, errs.New(errs.ErrCodeRateLimited, "connectivity check requested too often"))
		return
	}
	s.agent.Manager.CheckConnectivity()
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true})
}

type platformEventRequest struct {
	Kind string `json:"kind"`
}

func (s *Server) handlePlatformEvent(w http.ResponseWriter, r *http.Request) {
	var req platformEventRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	kind, err := platform.ParseKind(req.Kind)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.agent.Bus.Publish(platform.Event{Kind: kind, At: s.agent.Clock.Now()})
	writeJSON(w, http.StatusAccepted, s.agent.Manager.State())
}

func (s *Server) handleCurrentRoute(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"path": s.agent.Router.CurrentPath()})
}

type routeRequest struct {
	Path string `json:"path"`
	Kind string `json:"kind"`
}

func (s *Server) handleReportRoute(w http.ResponseWriter, r *http.Request) {
	var req routeRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	kind := navigation.Kind(strings.ToLower(strings.TrimSpace(req.Kind)))
	if err := s.agent.Router.Observe(req.Path, kind); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"path": s.agent.Router.CurrentPath()})
}

func (s *Server) handleCredentialStatus(w http.ResponseWriter, r *http.Request) {
	_, ok, err := s.agent.Credentials.Get(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"present": ok})
}

type credentialRequest struct {
	Credential string `json:"credential"`
}

func (s *Server) handleSetCredential(w http.ResponseWriter, r *http.Request) {
	var req credentialRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if strings.TrimSpace(req.Credential) == "" {
		s.writeError(w, errs.New(errs.ErrCodeInvalidInput, "credential is required"))
		return
	}
	if err := s.agent.Credentials.Set(r.Context(), req.Credential); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClearCredential(w http.ResponseWriter, r *http.Request) {
	if err := s.agent.Credentials.Clear(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleProbes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.agent.Probes.HistoryN(parseLimit(r, s.historyLimit)))
}

func (s *Server) handleOutages(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.agent.Outages.HistoryN(parseLimit(r, s.historyLimit)))
}

func (s *Server) handleUptime(w http.ResponseWriter, r *http.Request) {
	window, err := parseWindow(r, defaultUptimeWindow, maxUptimeWindow)
	if err != nil {
		s.writeError(w, err)
		return
	}
	end := s.agent.Clock.Now()
	summary := metrics.ComputeAvailability(s.agent.Outages.History(), s.agent.Tracker.OpenSince(), end.Add(-window), end)
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	window, err := parseWindow(r, defaultTimelineWindow, maxTimelineWindow)
	if err != nil {
		s.writeError(w, err)
		return
	}
	points := defaultTimelinePoints
	if raw := r.URL.Query().Get("points"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, errs.New(errs.ErrCodeInvalidInput, "points must be a positive integer").WithDetail("points", raw))
			return
		}
		points = min(n, maxTimelinePoints)
	}

	end := s.agent.Clock.Now()
	start := end.Add(-window)
	// One sample before the window lets the first bucket carry the last known state.
	samples := s.agent.Probes.HistorySince(start.Add(-window / time.Duration(points)))
	timeline := history.BuildConnectivityTimeline(
		s.agent.Prober.Target(),
		samples,
		outagesIn(s.agent.Outages.History(), start),
		s.agent.Tracker.OpenSince(),
		start, end, points,
	)
	writeJSON(w, http.StatusOK, timeline)
}

func outagesIn(all []models.Outage, start time.Time) []models.Outage {
	out := make([]models.Outage, 0, len(all))
	for _, o := range all {
		if o.End.After(start) {
			out = append(out, o)
		}
	}
	return out
}
