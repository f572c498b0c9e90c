package server

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ksiegai/abgate/internal/assign"
	"github.com/ksiegai/abgate/internal/clientstate"
	"github.com/ksiegai/abgate/internal/relay"
	"github.com/ksiegai/abgate/internal/staticdefs"
	"github.com/ksiegai/abgate/internal/stats"
	"github.com/ksiegai/abgate/internal/store"
)

// visitor is the per-request view of one browser: its session id and its
// client storage, cookies first with the server-side mirror behind them.
type visitor struct {
	sessionID string
	kv        clientstate.KV
}

func (s *Server) visitor(w http.ResponseWriter, r *http.Request) visitor {
	jar := clientstate.NewCookieJar(w, r, s.relay.CookieDomain(r.Host))
	sid := s.sessions.ID(jar)
	return visitor{
		sessionID: sid,
		kv:        clientstate.Mirror{jar, clientstate.Scope(r.Context(), s.mirror, "visitor:"+sid)},
	}
}

type HealthResponse struct {
	Status        string `json:"status"`
	TestsCount    int    `json:"tests_count"`
	DBSizeBytes   int64  `json:"db_size_bytes,omitempty"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// sizer is implemented by backends that can report their on-disk size.
type sizer interface {
	Size(ctx context.Context) (int64, error)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
	}
	if s.backend != nil {
		if err := s.backend.Ping(r.Context()); err != nil {
			s.logger.Warn("health check: backend unreachable", zap.Error(err))
			resp.Status = "degraded"
			writeJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
		if tests, err := s.backend.ListTests(r.Context()); err == nil {
			resp.TestsCount = len(tests)
		}
		if sz, ok := s.backend.(sizer); ok {
			if n, err := sz.Size(r.Context()); err == nil {
				resp.DBSizeBytes = n
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// AssignResponse is empty when the visitor is not in a test on the page.
type AssignResponse struct {
	TestKey     string `json:"test_key,omitempty"`
	VariantID   string `json:"variant_id,omitempty"`
	VariantName string `json:"variant_name,omitempty"`
	Changes     any    `json:"changes,omitempty"`
}

func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	page := r.URL.Query().Get("page")
	if page == "" {
		writeMessage(w, http.StatusBadRequest, "page parameter required")
		return
	}
	ctx := r.Context()
	v := s.visitor(w, r)

	test, err := s.defs.ActiveTestForPage(ctx, page)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.logger.Warn("loading test for page failed", zap.String("page", page), zap.Error(err))
		}
		writeJSON(w, http.StatusOK, AssignResponse{})
		return
	}

	variant, err := s.engine.GetOrAssign(ctx, v.kv, test, v.sessionID)
	if err != nil {
		if errors.Is(err, assign.ErrNoVariants) {
			s.logger.Error("test is misconfigured", zap.String("test_key", test.Key), zap.Error(err))
		}
		writeJSON(w, http.StatusOK, AssignResponse{})
		return
	}
	if variant == nil {
		writeJSON(w, http.StatusOK, AssignResponse{})
		return
	}

	resp := AssignResponse{TestKey: test.Key, VariantID: variant.ID, VariantName: variant.Name}
	if len(variant.Changes) > 0 {
		resp.Changes = variant.Changes
	}
	writeJSON(w, http.StatusOK, resp)
}

type viewRequest struct {
	TestKey  string `json:"test_key"`
	PagePath string `json:"page_path"`
}

func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	var req viewRequest
	if err := decodeBody(w, r, &req); err != nil || req.TestKey == "" {
		writeMessage(w, http.StatusBadRequest, "test_key required")
		return
	}
	ctx := r.Context()
	v := s.visitor(w, r)

	test, err := s.defs.GetTestByKey(ctx, req.TestKey)
	if err != nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	variant := s.engine.StoredVariant(v.kv, test)
	if variant == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	pagePath := req.PagePath
	if pagePath == "" {
		pagePath = test.PagePath
	}
	pv := s.tracker.TrackPageView(v.kv, v.sessionID, test, variant.ID, pagePath)
	if pv == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"page_view_id": pv.ID})
}

type scrollRequest struct {
	PageViewID     string  `json:"page_view_id"`
	ScrollY        float64 `json:"scroll_y"`
	ScrollHeight   float64 `json:"scroll_height"`
	ViewportHeight float64 `json:"viewport_height"`
}

func (s *Server) handleScroll(w http.ResponseWriter, r *http.Request) {
	var req scrollRequest
	if err := decodeBody(w, r, &req); err != nil || req.PageViewID == "" {
		writeMessage(w, http.StatusBadRequest, "page_view_id required")
		return
	}
	v := s.visitor(w, r)
	s.tracker.Scroll(r.Context(), v.kv, v.sessionID, req.PageViewID, req.ScrollY, req.ScrollHeight, req.ViewportHeight)
	w.WriteHeader(http.StatusNoContent)
}

type leaveRequest struct {
	PageViewID string `json:"page_view_id"`
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	var req leaveRequest
	if err := decodeBody(w, r, &req); err != nil || req.PageViewID == "" {
		writeMessage(w, http.StatusBadRequest, "page_view_id required")
		return
	}
	v := s.visitor(w, r)
	s.tracker.Ping(v.sessionID, req.PageViewID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	var req leaveRequest
	if err := decodeBody(w, r, &req); err != nil || req.PageViewID == "" {
		writeMessage(w, http.StatusBadRequest, "page_view_id required")
		return
	}
	v := s.visitor(w, r)
	s.tracker.Leave(r.Context(), v.kv, v.sessionID, req.PageViewID)
	w.WriteHeader(http.StatusNoContent)
}

type convertRequest struct {
	TestKey  string         `json:"test_key"`
	Name     string         `json:"name"`
	Value    *float64       `json:"value"`
	Metadata map[string]any `json:"metadata"`
}

func (s *Server) handleConvert(w http.ResponseWriter, r *http.Request) {
	var req convertRequest
	if err := decodeBody(w, r, &req); err != nil || req.TestKey == "" {
		writeMessage(w, http.StatusBadRequest, "test_key required")
		return
	}
	v := s.visitor(w, r)
	s.tracker.TrackConversion(r.Context(), v.kv, v.sessionID, req.TestKey, req.Name, req.Value, req.Metadata)
	w.WriteHeader(http.StatusNoContent)
}

type eventRequest struct {
	TestKey  string         `json:"test_key"`
	Type     string         `json:"type"`
	Name     string         `json:"name"`
	Metadata map[string]any `json:"metadata"`
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if err := decodeBody(w, r, &req); err != nil || req.TestKey == "" {
		writeMessage(w, http.StatusBadRequest, "test_key required")
		return
	}
	typ, ok := store.ParseEventType(req.Type)
	if !ok {
		writeMessage(w, http.StatusBadRequest, "invalid event type")
		return
	}
	v := s.visitor(w, r)
	s.tracker.TrackEvent(r.Context(), v.kv, v.sessionID, req.TestKey, typ, req.Name, req.Metadata)
	w.WriteHeader(http.StatusNoContent)
}

// handleStatic publishes the active tests in the document shape staticdefs reads.
func (s *Server) handleStatic(w http.ResponseWriter, r *http.Request) {
	if s.backend == nil {
		writeJSON(w, http.StatusOK, staticdefs.Document{Tests: map[string]*store.Test{}})
		return
	}
	tests, err := s.backend.ListTests(r.Context())
	if err != nil {
		s.logger.Error("listing tests failed", zap.Error(err))
		writeMessage(w, http.StatusInternalServerError, "internal server error")
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=60")
	writeJSON(w, http.StatusOK, staticdefs.Build(tests))
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	ctx := r.Context()

	test, err := s.backend.GetTestByKey(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		writeMessage(w, http.StatusNotFound, "test not found")
		return
	}
	if err != nil {
		s.logger.Error("loading test failed", zap.String("test_key", key), zap.Error(err))
		writeMessage(w, http.StatusInternalServerError, "internal server error")
		return
	}

	goal := r.URL.Query().Get("goal")
	if goal == "" {
		goal = test.PrimaryGoal
	}
	counts, err := s.backend.GetVariantStats(ctx, test.ID, goal)
	if err != nil {
		s.logger.Error("loading variant stats failed", zap.String("test_key", key), zap.Error(err))
		writeMessage(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, stats.Analyze(test, goal, counts))
}

// beaconCORS lets pages on sibling subdomains call the tracking endpoints
// with cookies. Any other origin gets no CORS headers.
func (s *Server) beaconCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && s.sameSite(origin, r.Host) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.Header().Add("Vary", "Origin")
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) sameSite(origin, host string) bool {
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	if strings.EqualFold(u.Host, host) {
		return true
	}
	site := relay.Site(host)
	return site != "" && site == relay.Site(u.Host)
}
