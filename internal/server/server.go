package server

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/ksiegai/abgate/internal/assign"
	"github.com/ksiegai/abgate/internal/clientstate"
	"github.com/ksiegai/abgate/internal/debug"
	"github.com/ksiegai/abgate/internal/relay"
	"github.com/ksiegai/abgate/internal/session"
	"github.com/ksiegai/abgate/internal/store"
	"github.com/ksiegai/abgate/internal/track"
)

// Config carries the wired components a Server routes to.
type Config struct {
	Backend     store.Backend
	Definitions store.Definitions // Defaults to Backend
	Engine      *assign.Engine
	Tracker     *track.Tracker
	Debug       *debug.Channel
	Relay       *relay.Relay
	Sessions    *session.Provider
	Mirror      clientstate.Remote // Optional server-side copy of client state
	Token       string             // Dashboard token; generated when empty
	Logger      *zap.Logger
}

type Server struct {
	backend   store.Backend
	defs      store.Definitions
	engine    *assign.Engine
	tracker   *track.Tracker
	debug     *debug.Channel
	relay     *relay.Relay
	sessions  *session.Provider
	mirror    clientstate.Remote
	token     string
	logger    *zap.Logger
	router    chi.Router
	startTime time.Time
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Definitions == nil {
		cfg.Definitions = cfg.Backend
	}
	if cfg.Debug == nil {
		cfg.Debug = debug.Inert()
	}
	if cfg.Sessions == nil {
		cfg.Sessions = session.NewProvider(session.DefaultKey, cfg.Logger)
	}
	if cfg.Relay == nil {
		cfg.Relay = relay.New(relay.Options{}, cfg.Backend, cfg.Logger)
	}
	if cfg.Token == "" {
		cfg.Token = generateToken()
	}

	srv := &Server{
		backend:   cfg.Backend,
		defs:      cfg.Definitions,
		engine:    cfg.Engine,
		tracker:   cfg.Tracker,
		debug:     cfg.Debug,
		relay:     cfg.Relay,
		sessions:  cfg.Sessions,
		mirror:    cfg.Mirror,
		token:     cfg.Token,
		logger:    cfg.Logger,
		startTime: time.Now(),
	}
	srv.router = srv.buildRouter()
	return srv
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	// Public endpoints
	r.Get("/health", s.handleHealth)
	r.Get("/ab.js", s.handleScript)
	r.Get("/api/static", s.handleStatic)

	r.Group(func(r chi.Router) {
		r.Use(s.beaconCORS)
		r.Options("/*", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })
		r.Get("/api/assign", s.handleAssign)
		r.Post("/t/view", s.handleView)
		r.Post("/t/scroll", s.handleScroll)
		r.Post("/t/ping", s.handlePing)
		r.Post("/t/leave", s.handleLeave)
		r.Post("/t/convert", s.handleConvert)
		r.Post("/t/event", s.handleEvent)
	})

	r.Route("/auth", func(r chi.Router) {
		r.Post("/session", s.handleStoreToken)
		r.Get("/session", s.handleGetToken)
		r.Delete("/session", s.handleClearToken)
		r.Get("/continue", s.handleContinue)
	})

	// Dashboard (protected)
	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/api/tests/{key}/results", s.handleResults)
		r.Get("/dashboard", s.handleDashboard)
		r.Get("/dashboard/tests/{key}", s.handleDashboardTest)
	})

	// Debug routes exist only where the channel is live.
	if s.debug.Enabled() {
		r.Route("/debug/ab", func(r chi.Router) {
			r.Post("/force", s.handleForce)
			r.Get("/force", s.handleForce)
			r.Delete("/force", s.handleUnforce)
			r.Get("/overrides", s.handleOverrides)
			r.Delete("/assignment", s.handleClearAssignment)
			r.Post("/disable", s.handleDisableDebug)
		})
	}

	return r
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Token() string {
	return s.token
}

func (s *Server) StartTime() time.Time {
	return s.startTime
}

// requestLogger logs one line per request through zap.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func generateToken() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand unavailable: " + err.Error())
	}
	return hex.EncodeToString(b)
}
