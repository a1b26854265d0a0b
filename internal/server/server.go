// Package server provides the HTTP dashboard.
//
// Every browser gets a session through the speedsnake_session cookie. The
// session owns the cache directory that aggregation results are written to,
// so repeated views of the same range are served from disk.
package server

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/thekhoo/speedsnake/internal/chart"
	"github.com/thekhoo/speedsnake/internal/dashboard"
	"github.com/thekhoo/speedsnake/internal/errors"
	"github.com/thekhoo/speedsnake/internal/logging"
	"github.com/thekhoo/speedsnake/internal/metrics"
	"github.com/thekhoo/speedsnake/internal/session"
)

var log = logging.Component("server")

// Defaults applied by New.
const (
	DefaultListen          = "127.0.0.1:8501"
	DefaultSessionTTL      = 2 * time.Hour
	DefaultCleanupInterval = time.Minute
	DefaultShutdownTimeout = 10 * time.Second
)

// =============================================================================
// Rate Limiter
// =============================================================================

// RateLimiter keeps one token bucket per client IP.
//
// Buckets not used for longer than the idle window are dropped by Cleanup.
// A nil RateLimiter allows everything.
type RateLimiter struct {
	mu      sync.Mutex
	clients map[string]*clientLimiter
	limit   rate.Limit
	burst   int
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a limiter allowing perSecond requests per client
// with the given burst. perSecond <= 0 disables limiting and returns nil.
func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	if perSecond <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = int(perSecond)
		if burst < 1 {
			burst = 1
		}
	}
	return &RateLimiter{
		clients: make(map[string]*clientLimiter),
		limit:   rate.Limit(perSecond),
		burst:   burst,
	}
}

// Allow reports whether a request from ip may proceed now.
func (rl *RateLimiter) Allow(ip string) bool {
	if rl == nil {
		return true
	}

	rl.mu.Lock()
	c, ok := rl.clients[ip]
	if !ok {
		c = &clientLimiter{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.clients[ip] = c
	}
	c.lastSeen = time.Now()
	rl.mu.Unlock()

	return c.limiter.Allow()
}

// Cleanup drops buckets idle for longer than maxIdle.
func (rl *RateLimiter) Cleanup(maxIdle time.Duration) int {
	if rl == nil {
		return 0
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-maxIdle)
	n := 0
	for ip, c := range rl.clients {
		if c.lastSeen.Before(cutoff) {
			delete(rl.clients, ip)
			n++
		}
	}
	return n
}

// Middleware rejects requests over the limit with 429.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(extractIP(r.RemoteAddr)) {
			writeJSONError(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// extractIP extracts the IP address from a remote address string.
func extractIP(remote string) string {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return remote
	}
	return host
}

// =============================================================================
// Server Configuration
// =============================================================================

// Config holds server configuration.
type Config struct {
	// Dashboard serves views (required).
	Dashboard *dashboard.Service

	// Sessions owns per-browser sessions (required).
	Sessions *session.Manager

	// Metrics is optional; /metrics answers 404 without it.
	Metrics *metrics.Exporter

	// Listen is the address to listen on (e.g., "127.0.0.1:8501").
	Listen string

	// TLS configuration (optional).
	TLSCertFile string
	TLSKeyFile  string

	// Chart sizes the PNG endpoints.
	Chart chart.Options

	// Per-client request rate. Zero disables limiting.
	RatePerSecond float64
	RateBurst     int

	// SessionTTL closes sessions idle for longer than this.
	SessionTTL time.Duration
}

// =============================================================================
// Server
// =============================================================================

// Server is the HTTP dashboard server.
type Server struct {
	cfg     *Config
	dash    *dashboard.Service
	mgr     *session.Manager
	metrics *metrics.Exporter
	limiter *RateLimiter
	router  chi.Router

	httpServer *http.Server
	requestID  atomic.Uint64

	shutdown     chan struct{}
	shutdownOnce sync.Once
	wg           sync.WaitGroup
}

// New creates a new server.
func New(cfg *Config) *Server {
	if cfg.Listen == "" {
		cfg.Listen = DefaultListen
	}
	if cfg.SessionTTL == 0 {
		cfg.SessionTTL = DefaultSessionTTL
	}

	s := &Server{
		cfg:      cfg,
		dash:     cfg.Dashboard,
		mgr:      cfg.Sessions,
		metrics:  cfg.Metrics,
		limiter:  NewRateLimiter(cfg.RatePerSecond, cfg.RateBurst),
		shutdown: make(chan struct{}),
	}
	s.router = s.routes()
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.observe)
	r.Use(s.limiter.Middleware)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.withSession)
		r.Get("/", s.handleIndex)
		r.Get("/api/bounds", s.handleBounds)
		r.Get("/api/view", s.handleView)
		r.Get("/chart/{name}.png", s.handleChart)
	})
	return r
}

// Run serves until ctx is cancelled or Shutdown is called.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln, err := s.listen()
	if err != nil {
		return err
	}

	s.wg.Add(1)
	go s.cleanupLoop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.Serve(ln)
	}()

	select {
	case err := <-errCh:
		s.Shutdown(context.Background())
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	case <-s.shutdown:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	s.Shutdown(shutdownCtx)
	return nil
}

func (s *Server) listen() (net.Listener, error) {
	if s.cfg.TLSCertFile != "" && s.cfg.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
		if err != nil {
			return nil, errors.Wrap(err, "load TLS cert")
		}
		tlsCfg := &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
		ln, err := tls.Listen("tcp", s.cfg.Listen, tlsCfg)
		if err != nil {
			return nil, errors.Wrap(err, "TLS listen")
		}
		log.Info("listening with TLS", "address", ln.Addr().String())
		return ln, nil
	}

	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return nil, errors.Wrap(err, "listen")
	}
	log.Info("listening without TLS", "address", ln.Addr().String())
	return ln, nil
}

// Shutdown stops the server gracefully. Sessions are left to the caller,
// which owns the session manager. Shutdown is idempotent.
func (s *Server) Shutdown(ctx context.Context) {
	s.shutdownOnce.Do(func() {
		log.Info("shutting down")
		close(s.shutdown)

		if s.httpServer != nil {
			if err := s.httpServer.Shutdown(ctx); err != nil {
				log.Warn("http shutdown", "error", err)
			}
		}
		s.wg.Wait()
		log.Info("shutdown complete")
	})
}

func (s *Server) cleanupLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(DefaultCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.mgr.ExpireIdle(s.cfg.SessionTTL)
			s.limiter.Cleanup(s.cfg.SessionTTL)
		case <-s.shutdown:
			return
		}
	}
}
