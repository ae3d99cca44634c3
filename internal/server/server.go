// Package server exposes callrelay over HTTP: the media-stream WebSocket the
// carrier connects to, the health probes, and the Prometheus scrape endpoint.
package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/callrelay/internal/health"
	"github.com/MrWong99/callrelay/internal/observe"
	"github.com/MrWong99/callrelay/internal/relay"
)

// Config holds the dependencies of a [Server].
type Config struct {
	// Supervisor relays accepted calls. Required.
	Supervisor *relay.Supervisor

	// Health serves /healthz, /readyz and /. Optional.
	Health *health.Handler

	// Metrics instruments HTTP requests. Optional.
	Metrics *observe.Metrics

	// MediaPath is where the media-stream WebSocket is served.
	MediaPath string

	// StartTimeout bounds the wait for the start event when the URL carries
	// no call id.
	StartTimeout time.Duration

	// MetricsHandler serves /metrics. Nil uses the default Prometheus
	// registry.
	MetricsHandler http.Handler

	// Calls serves GET /calls/{call_id}. The route is absent when nil.
	Calls CallLookup
}

// Server routes HTTP traffic and tracks the calls it has handed to the
// supervisor. Hijacked WebSocket connections are invisible to
// http.Server.Shutdown, so [Server.Shutdown] ends them itself.
type Server struct {
	media   *mediaHandler
	handler http.Handler
}

// New builds the HTTP routes.
func New(cfg Config) *Server {
	if cfg.MediaPath == "" {
		cfg.MediaPath = "/media-stream"
	}
	if cfg.MetricsHandler == nil {
		cfg.MetricsHandler = promhttp.Handler()
	}

	base, cancel := context.WithCancel(context.Background())
	media := &mediaHandler{
		sup:          cfg.Supervisor,
		startTimeout: cfg.StartTimeout,
		base:         base,
		cancel:       cancel,
	}

	mux := http.NewServeMux()
	mux.Handle("GET "+cfg.MediaPath, media)
	mux.Handle("GET /metrics", cfg.MetricsHandler)
	if cfg.Calls != nil {
		mux.Handle("GET /calls/{call_id}", callsHandler(cfg.Calls))
	}
	if cfg.Health != nil {
		cfg.Health.Register(mux)
	}

	var h http.Handler = mux
	if cfg.Metrics != nil {
		h = observe.Middleware(cfg.Metrics)(mux)
	}
	return &Server{media: media, handler: h}
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.handler }

// Shutdown cancels every call in progress and waits until their handlers
// have returned or ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.media.mu.Lock()
	s.media.closing = true
	s.media.mu.Unlock()
	s.media.cancel()

	done := make(chan struct{})
	go func() {
		s.media.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// mediaHandler accepts one media stream per request and relays it.
type mediaHandler struct {
	sup          *relay.Supervisor
	startTimeout time.Duration

	base   context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
}
