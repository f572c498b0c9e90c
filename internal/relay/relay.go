// Package relay carries a signed-in visitor's auth tokens from the marketing
// site to the application subdomain through a parent-domain cookie.
package relay

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/net/publicsuffix"

	"github.com/ksiegai/abgate/internal/clientstate"
)

const (
	DefaultCookiePrefix = "abgate"
	DefaultAppSubdomain = "app"
	DefaultDevAppPort   = 3000
	defaultMaxAge       = 30 * 24 * time.Hour
)

// Token is the relayed auth state. ExpiresAt is epoch seconds.
type Token struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    int64  `json:"expires_at"`
	UserID       string `json:"user_id"`
}

// UserAttacher links a session's anonymous assignments to a user.
type UserAttacher interface {
	AttachUser(ctx context.Context, sessionID, userID string) (int64, error)
}

type Options struct {
	CookiePrefix string
	CookieDomain string // Overrides the derived parent domain when set
	AppSubdomain string
	DevAppPort   int
	MaxAge       time.Duration
}

type Relay struct {
	opts   Options
	users  UserAttacher
	logger *zap.Logger
}

func New(opts Options, users UserAttacher, logger *zap.Logger) *Relay {
	if opts.CookiePrefix == "" {
		opts.CookiePrefix = DefaultCookiePrefix
	}
	if opts.AppSubdomain == "" {
		opts.AppSubdomain = DefaultAppSubdomain
	}
	if opts.DevAppPort <= 0 {
		opts.DevAppPort = DefaultDevAppPort
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = defaultMaxAge
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{opts: opts, users: users, logger: logger}
}

func (r *Relay) CookieName() string {
	return r.opts.CookiePrefix + "_auth"
}

// Store writes tok for the application subdomain to pick up and attaches the
// session's assignments to tok.UserID. It fails only when no store took the
// token.
func (r *Relay) Store(ctx context.Context, kv clientstate.KV, sessionID string, tok Token) error {
	if tok.AccessToken == "" {
		return errors.New("access token is required")
	}
	raw, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("encode token: %w", err)
	}
	if err := kv.Set(r.CookieName(), base64.RawURLEncoding.EncodeToString(raw), r.opts.MaxAge); err != nil {
		if !errors.Is(err, clientstate.ErrPartialWrite) {
			return fmt.Errorf("store token: %w", err)
		}
		r.logger.Warn("auth token reached only some stores", zap.Error(err))
	}

	if r.users != nil && tok.UserID != "" && sessionID != "" {
		n, err := r.users.AttachUser(ctx, sessionID, tok.UserID)
		if err != nil {
			r.logger.Warn("attaching assignments to user failed",
				zap.String("session_id", sessionID), zap.Error(err))
		} else if n > 0 {
			r.logger.Debug("attached assignments to user",
				zap.String("session_id", sessionID), zap.Int64("count", n))
		}
	}
	return nil
}

// Get returns the relayed token, or nil when none is stored or it cannot be read.
func (r *Relay) Get(kv clientstate.KV) *Token {
	v, ok := kv.Get(r.CookieName())
	if !ok || v == "" {
		return nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(v)
	if err != nil {
		r.logger.Warn("discarding undecodable auth cookie", zap.Error(err))
		return nil
	}
	var tok Token
	if err := json.Unmarshal(raw, &tok); err != nil {
		r.logger.Warn("discarding unparseable auth cookie", zap.Error(err))
		return nil
	}
	return &tok
}

func (r *Relay) Clear(kv clientstate.KV) error {
	if err := kv.Delete(r.CookieName()); err != nil {
		if !errors.Is(err, clientstate.ErrPartialWrite) {
			return err
		}
		r.logger.Warn("auth token cleared from only some stores", zap.Error(err))
	}
	return nil
}

// IsExpired reports whether tok is past its expiry at now. A nil token is expired.
func IsExpired(tok *Token, now time.Time) bool {
	if tok == nil {
		return true
	}
	return now.UnixMilli() >= tok.ExpiresAt*1000
}

// CookieDomain is the Domain attribute shared with the application subdomain.
// Localhost and IP hosts get a host-only cookie.
func (r *Relay) CookieDomain(host string) string {
	if r.opts.CookieDomain != "" {
		return r.opts.CookieDomain
	}
	return Site(host)
}

// Site is the registrable domain of host (eTLD+1), or "" for localhost, IPs
// and hosts under no known public suffix.
func Site(host string) string {
	host = hostname(host)
	if isLocal(host) || net.ParseIP(host) != nil {
		return ""
	}
	domain, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return ""
	}
	return domain
}

// SubdomainURL is the application URL for path as seen from host.
func (r *Relay) SubdomainURL(host, path string) string {
	path = safePath(path)
	h := hostname(host)
	if isLocal(h) {
		return "http://localhost:" + strconv.Itoa(r.opts.DevAppPort) + path
	}
	domain := r.opts.CookieDomain
	if domain == "" {
		var err error
		if domain, err = publicsuffix.EffectiveTLDPlusOne(h); err != nil {
			domain = h
		}
	}
	return "https://" + r.opts.AppSubdomain + "." + strings.TrimPrefix(domain, ".") + path
}

// RedirectToSubdomain sends the visitor on to path on the application subdomain.
func (r *Relay) RedirectToSubdomain(w http.ResponseWriter, req *http.Request, path string) {
	http.Redirect(w, req, r.SubdomainURL(req.Host, path), http.StatusFound)
}

// TokenFromJWT builds a Token from an access token, reading sub and exp
// without verifying the signature. The application verifies it on arrival.
func TokenFromJWT(accessToken, refreshToken string) (Token, error) {
	claims := jwt.RegisteredClaims{}
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	if _, _, err := parser.ParseUnverified(accessToken, &claims); err != nil {
		return Token{}, fmt.Errorf("parse access token: %w", err)
	}
	tok := Token{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		UserID:       claims.Subject,
	}
	if claims.ExpiresAt != nil {
		tok.ExpiresAt = claims.ExpiresAt.Unix()
	}
	return tok, nil
}

func hostname(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.ToLower(strings.TrimSuffix(host, "."))
}

func isLocal(host string) bool {
	return host == "localhost" || host == "127.0.0.1" || host == "::1" || strings.HasSuffix(host, ".localhost")
}

// safePath keeps redirects on our own origin.
func safePath(p string) string {
	if p == "" || !strings.HasPrefix(p, "/") || strings.HasPrefix(p, "//") || strings.Contains(p, "\\") {
		return "/"
	}
	return p
}
