package wire

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/excelwang/fustor-sub003/internal/flog"
	"github.com/excelwang/fustor-sub003/internal/fusionpipe"
	"github.com/excelwang/fustor-sub003/internal/session"
	"github.com/excelwang/fustor-sub003/internal/view"
)

// Config is the HTTP server's static configuration.
type Config struct {
	Addr             string
	SoftTimeout      time.Duration
	AuditInterval    time.Duration
	SentinelInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.SoftTimeout <= 0 {
		c.SoftTimeout = 2 * time.Minute
	}
	if c.AuditInterval <= 0 {
		c.AuditInterval = 5 * time.Minute
	}
	if c.SentinelInterval <= 0 {
		c.SentinelInterval = 30 * time.Second
	}
	return c
}

// Server is Fusion's HTTP front door: the Agent-facing wire protocol plus
// the client-facing read APIs, sharing one chi router and one Authorizer.
type Server struct {
	cfg        Config
	router     chi.Router
	httpServer *http.Server

	sessions *session.Manager
	views    *view.Registry
	receiver *fusionpipe.Receiver
	fallback *fusionpipe.FallbackRegistry
	auth     *Authorizer
}

// NewServer wires every route spec.md §6 names against the given
// collaborators.
func NewServer(cfg Config, sessions *session.Manager, views *view.Registry, receiver *fusionpipe.Receiver, fallback *fusionpipe.FallbackRegistry, auth *Authorizer) *Server {
	cfg = cfg.withDefaults()
	s := &Server{
		cfg:      cfg,
		sessions: sessions,
		views:    views,
		receiver: receiver,
		fallback: fallback,
		auth:     auth,
	}
	s.router = s.buildRouter()
	s.httpServer = &http.Server{Addr: cfg.Addr, Handler: s.router}
	return s
}

// Router exposes the underlying chi.Router, mainly so tests can mount it
// directly against an httptest.Server without a real listener.
func (s *Server) Router() chi.Router { return s.router }

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(requestLogger)

	r.Route("/pipe", func(r chi.Router) {
		r.Post("/session/", s.handleCreateSession)
		r.Post("/ingest/{session_id}/events", s.handleIngest)
		r.Post("/heartbeat/{session_id}", s.handleHeartbeat)
		r.Post("/sentinel/{session_id}", s.handleSentinelReport)
		r.Delete("/session/{session_id}", s.handleCloseSession)
	})

	r.Route("/views/{view_id}", func(r chi.Router) {
		r.Use(s.viewAuth)
		r.Get("/tree", s.handleTree)
		r.Get("/stats", s.handleStats)
		r.Get("/search", s.handleSearch)
		r.Get("/suspect-list", s.handleGetSuspectList)
		r.Put("/suspect-list", s.handlePutSuspectList)
		r.Get("/blind-spots", s.handleBlindSpots)
		r.Delete("/reset", s.handleReset)
	})

	return r
}

// ListenAndServe blocks serving HTTP until the server is shut down.
func (s *Server) ListenAndServe() error {
	flog.With(flog.Fields{"addr": s.cfg.Addr}).Info("fusion wire server listening")
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		flog.With(flog.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   ww.Status(),
			"duration": time.Since(start).String(),
		}).Debug("request")
	})
}
