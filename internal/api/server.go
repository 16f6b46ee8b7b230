package api

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"keyquorum/internal/config"
	"keyquorum/internal/monitor"
)

// HealthCheckable reports backend connectivity.
type HealthCheckable interface {
	Healthy(ctx context.Context) bool
}

// TransportReporter exposes the event ingestor's transport state.
type TransportReporter interface {
	Degraded() bool
}

// Server is the committee node's HTTP server.
type Server struct {
	httpServer *http.Server
	cfg        *config.Config
	startTime  time.Time

	db       HealthCheckable
	objects  HealthCheckable
	ingestor TransportReporter
}

// NewServer wires routes and middleware around the handler set. db,
// objects, and ingestor may be nil; health reporting then skips them.
func NewServer(cfg *config.Config, handlers *Handlers, db, objects HealthCheckable, ingestor TransportReporter, metrics *monitor.Metrics) *Server {
	s := &Server{
		cfg:       cfg,
		startTime: time.Now(),
		db:        db,
		objects:   objects,
		ingestor:  ingestor,
	}

	if len(cfg.Security.AllowedKeys) == 0 {
		log.Warn().Msg("no API keys configured, all requests will be accepted")
	}

	// Committee API, wrapped with auth.
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("POST /shards", handlers.HandleSubmitPiece)
	apiMux.HandleFunc("GET /runs/{runId}", handlers.HandleGetRun)
	apiMux.HandleFunc("POST /runs/manual", handlers.HandleManualRun)
	apiMux.HandleFunc("POST /codes/{codeId}/shards/plain", handlers.HandlePlainShards)
	apiMux.HandleFunc("POST /codes/{codeId}/shards", handlers.HandlePrepareShards)

	authedAPI := AuthMiddleware(cfg.Security.APIKeyHeader, cfg.Security.AllowedKeys)(apiMux)

	// Top-level mux: health/metrics bypass auth, everything else goes through auth.
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	mux.Handle("/", authedAPI)

	// Apply middleware chain (outermost first).
	var handler http.Handler = mux
	handler = MetricsMiddleware(metrics)(handler)
	handler = RateLimitMiddleware(cfg.Security.RateLimitRPS, cfg.Security.RateLimitBurst)(handler)
	handler = MaxBodyMiddleware(cfg.Server.MaxRequestBody)(handler)
	handler = LoggingMiddleware(handler)
	handler = RequestIDMiddleware(handler)
	handler = RecoveryMiddleware(handler)

	s.httpServer = &http.Server{
		Addr:         cfg.Address(),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	return s
}

// Start begins listening for requests. Uses TLS if configured.
func (s *Server) Start() error {
	if s.cfg.TLS.Enabled {
		log.Info().
			Str("addr", s.httpServer.Addr).
			Str("cert", s.cfg.TLS.CertFile).
			Msg("starting HTTPS server with TLS")

		s.httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
		return s.httpServer.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	}

	log.Warn().Msg("TLS not enabled — running plain HTTP (not recommended for production)")
	log.Info().
		Str("addr", s.httpServer.Addr).
		Msg("starting HTTP server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbOK := s.db == nil || s.db.Healthy(r.Context())
	objectsOK := s.objects == nil || s.objects.Healthy(r.Context())

	transport := "streaming"
	if s.ingestor != nil && s.ingestor.Degraded() {
		transport = "polling"
	}

	resp := HealthResponse{
		Status:    "ok",
		Database:  dbOK,
		Objects:   objectsOK,
		Transport: transport,
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
	}
	if !dbOK || !objectsOK {
		resp.Status = "degraded"
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
