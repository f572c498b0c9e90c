package server

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/ksiegai/abgate/internal/relay"
)

type storeTokenRequest struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    int64  `json:"expires_at"`
	UserID       string `json:"user_id"`
}

// handleStoreToken saves the tokens the sign-in flow received so the
// application subdomain can pick them up.
func (s *Server) handleStoreToken(w http.ResponseWriter, r *http.Request) {
	var req storeTokenRequest
	if err := decodeBody(w, r, &req); err != nil || req.AccessToken == "" {
		writeMessage(w, http.StatusBadRequest, "access_token required")
		return
	}

	tok := relay.Token{
		AccessToken:  req.AccessToken,
		RefreshToken: req.RefreshToken,
		ExpiresAt:    req.ExpiresAt,
		UserID:       req.UserID,
	}
	if tok.UserID == "" || tok.ExpiresAt == 0 {
		claims, err := relay.TokenFromJWT(req.AccessToken, req.RefreshToken)
		if err != nil {
			writeMessage(w, http.StatusBadRequest, "user_id and expires_at required for opaque tokens")
			return
		}
		if tok.UserID == "" {
			tok.UserID = claims.UserID
		}
		if tok.ExpiresAt == 0 {
			tok.ExpiresAt = claims.ExpiresAt
		}
	}

	v := s.visitor(w, r)
	if err := s.relay.Store(r.Context(), v.kv, v.sessionID, tok); err != nil {
		s.logger.Warn("storing relay token failed", zap.Error(err))
		writeMessage(w, http.StatusInternalServerError, "internal server error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// TokenStatus never echoes the tokens themselves.
type TokenStatus struct {
	UserID    string `json:"user_id"`
	ExpiresAt int64  `json:"expires_at"`
	Expired   bool   `json:"expired"`
}

func (s *Server) handleGetToken(w http.ResponseWriter, r *http.Request) {
	v := s.visitor(w, r)
	tok := s.relay.Get(v.kv)
	if tok == nil {
		writeMessage(w, http.StatusNotFound, "no session")
		return
	}
	writeJSON(w, http.StatusOK, TokenStatus{
		UserID:    tok.UserID,
		ExpiresAt: tok.ExpiresAt,
		Expired:   relay.IsExpired(tok, time.Now()),
	})
}

func (s *Server) handleClearToken(w http.ResponseWriter, r *http.Request) {
	v := s.visitor(w, r)
	if err := s.relay.Clear(v.kv); err != nil {
		s.logger.Warn("clearing relay token failed", zap.Error(err))
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleContinue hands the visitor over to the application subdomain. An
// expired token is dropped first so the app starts a fresh sign-in.
func (s *Server) handleContinue(w http.ResponseWriter, r *http.Request) {
	v := s.visitor(w, r)
	if tok := s.relay.Get(v.kv); tok != nil && relay.IsExpired(tok, time.Now()) {
		if err := s.relay.Clear(v.kv); err != nil {
			s.logger.Warn("clearing expired relay token failed", zap.Error(err))
		}
	}
	s.relay.RedirectToSubdomain(w, r, r.URL.Query().Get("path"))
}
