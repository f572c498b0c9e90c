package server

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/ksiegai/abgate/internal/store"
)

type forceRequest struct {
	TestKey   string `json:"test_key"`
	VariantID string `json:"variant_id"`
}

type OverridesResponse struct {
	Overrides  map[string]string `json:"overrides"`
	Suppressed bool              `json:"suppressed"`
}

// handleForce pins a variant for this browser. GET takes query parameters so
// a plain link can switch variants.
func (s *Server) handleForce(w http.ResponseWriter, r *http.Request) {
	var req forceRequest
	if r.Method == http.MethodGet {
		req.TestKey = r.URL.Query().Get("test_key")
		req.VariantID = r.URL.Query().Get("variant_id")
	} else if err := decodeBody(w, r, &req); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.TestKey == "" || req.VariantID == "" {
		writeMessage(w, http.StatusBadRequest, "test_key and variant_id required")
		return
	}

	test, err := s.defs.GetTestByKey(r.Context(), req.TestKey)
	if errors.Is(err, store.ErrNotFound) {
		writeMessage(w, http.StatusNotFound, "test not found")
		return
	}
	if err != nil {
		s.logger.Error("loading test failed", zap.String("test_key", req.TestKey), zap.Error(err))
		writeMessage(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if test.Variant(req.VariantID) == nil {
		writeMessage(w, http.StatusBadRequest, "unknown variant")
		return
	}

	v := s.visitor(w, r)
	if err := s.debug.Force(v.kv, req.TestKey, req.VariantID); err != nil {
		s.logger.Warn("forcing variant failed", zap.Error(err))
		writeMessage(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeOverrides(w, v)
}

func (s *Server) handleUnforce(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("test_key")
	if key == "" {
		writeMessage(w, http.StatusBadRequest, "test_key required")
		return
	}
	v := s.visitor(w, r)
	if err := s.debug.Clear(v.kv, key); err != nil {
		s.logger.Warn("clearing override failed", zap.Error(err))
	}
	s.writeOverrides(w, v)
}

// handleClearAssignment forgets this browser's assignment to a test, client
// side and in the backend, so the next visit draws a variant again.
func (s *Server) handleClearAssignment(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("test_key")
	if key == "" {
		writeMessage(w, http.StatusBadRequest, "test_key required")
		return
	}
	test, err := s.defs.GetTestByKey(r.Context(), key)
	if errors.Is(err, store.ErrNotFound) {
		writeMessage(w, http.StatusNotFound, "test not found")
		return
	}
	if err != nil {
		s.logger.Error("loading test failed", zap.String("test_key", key), zap.Error(err))
		writeMessage(w, http.StatusInternalServerError, "internal server error")
		return
	}

	v := s.visitor(w, r)
	if err := s.engine.Clear(r.Context(), v.kv, test, v.sessionID); err != nil {
		s.logger.Warn("clearing assignment failed", zap.String("test_key", key), zap.Error(err))
		writeMessage(w, http.StatusInternalServerError, "internal server error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleOverrides(w http.ResponseWriter, r *http.Request) {
	s.writeOverrides(w, s.visitor(w, r))
}

func (s *Server) handleDisableDebug(w http.ResponseWriter, r *http.Request) {
	v := s.visitor(w, r)
	if err := s.debug.DisableAll(v.kv); err != nil {
		s.logger.Warn("disabling debug state failed", zap.Error(err))
	}
	s.writeOverrides(w, v)
}

func (s *Server) writeOverrides(w http.ResponseWriter, v visitor) {
	writeJSON(w, http.StatusOK, OverridesResponse{
		Overrides:  s.debug.List(v.kv),
		Suppressed: s.debug.Suppressed(v.kv),
	})
}
