// Package server provides the HTTP surface of sensorhub: device ingestion,
// reading queries, health and the dashboard login.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/rs/cors"

	"procodus.dev/sensorhub/internal/ingest"
	"procodus.dev/sensorhub/internal/session"
	"procodus.dev/sensorhub/internal/store"
	"procodus.dev/sensorhub/pkg/metrics"
)

// ReadAccess selects who may call the read endpoints and the dashboard.
type ReadAccess string

const (
	// ReadSession requires a dashboard login.
	ReadSession ReadAccess = "session"
	// ReadPublic serves reads to anyone.
	ReadPublic ReadAccess = "public"
)

// DefaultAPIKeyHeader carries the device key on ingest requests.
const DefaultAPIKeyHeader = "X-API-KEY"

// Readings is the read side of the store.
type Readings interface {
	Latest(ctx context.Context, deviceID string) (*store.Reading, error)
	History(ctx context.Context, deviceID string, limit int) ([]store.Reading, error)
	Ping(ctx context.Context) error
}

// Ingester stores raw device payloads.
type Ingester interface {
	Ingest(ctx context.Context, source ingest.Source, body []byte) (*store.Reading, error)
}

// Credentials are the dashboard login. PasswordHash, when set, is a bcrypt
// hash and takes precedence over Password.
type Credentials struct {
	Username     string
	Password     string
	PasswordHash string
}

// Config holds the configuration for the Server.
type Config struct {
	Logger   *slog.Logger
	Readings Readings
	Ingester Ingester
	Sessions *session.Manager

	Metrics        *metrics.ServerMetrics // Optional
	MetricsHandler http.Handler           // Optional, served on /metrics

	// APIKey guards ingestion. When empty every ingest fails with a
	// configuration error.
	APIKey       string
	APIKeyHeader string

	ReadAccess  ReadAccess
	Dashboard   Credentials
	CORSOrigins []string
}

// Server serves the HTTP API and the dashboard.
type Server struct {
	logger   *slog.Logger
	readings Readings
	ingester Ingester
	sessions *session.Manager
	metrics  *metrics.ServerMetrics
	config   *Config
	handler  http.Handler
}

// NewServer creates a new Server.
func NewServer(cfg *Config) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("server config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Readings == nil {
		return nil, errors.New("readings store cannot be nil")
	}

	if cfg.Ingester == nil {
		return nil, errors.New("ingester cannot be nil")
	}

	if cfg.Sessions == nil {
		return nil, errors.New("session manager cannot be nil")
	}

	switch cfg.ReadAccess {
	case "":
		cfg.ReadAccess = ReadSession
	case ReadSession, ReadPublic:
	default:
		return nil, errors.New("read access must be \"session\" or \"public\"")
	}

	if strings.TrimSpace(cfg.APIKeyHeader) == "" {
		cfg.APIKeyHeader = DefaultAPIKeyHeader
	}

	if cfg.APIKey == "" {
		cfg.Logger.Warn("no API key configured, ingestion will be rejected")
	}

	if cfg.Dashboard.Username == "" || (cfg.Dashboard.Password == "" && cfg.Dashboard.PasswordHash == "") {
		cfg.Logger.Warn("dashboard credentials not configured, login is disabled")
	}

	s := &Server{
		logger:   cfg.Logger,
		readings: cfg.Readings,
		ingester: cfg.Ingester,
		sessions: cfg.Sessions,
		metrics:  cfg.Metrics,
		config:   cfg,
	}
	s.handler = s.buildHandler()

	return s, nil
}

// Handler returns the root HTTP handler with all middleware applied.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) buildHandler() http.Handler {
	var h http.Handler = s.setupRoutes()
	h = s.instrument(h)
	h = s.logRequests(h)

	if len(s.config.CORSOrigins) > 0 {
		h = cors.New(cors.Options{
			AllowedOrigins:   s.config.CORSOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders:   []string{"Content-Type", s.config.APIKeyHeader},
			AllowCredentials: true,
		}).Handler(h)
	}

	return h
}

// setupRoutes configures the HTTP routes.
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("POST /api/ingest", s.requireAPIKey(s.handleIngest))
	mux.HandleFunc("GET /api/latest", s.readGuard(s.handleLatest))
	mux.HandleFunc("GET /api/history", s.readGuard(s.handleHistory))

	mux.HandleFunc("GET /login", s.handleLoginPage)
	mux.HandleFunc("POST /login", s.handleLogin)
	mux.HandleFunc("GET /logout", s.handleLogout)

	mux.HandleFunc("GET /{$}", s.readGuard(s.handleDashboard))

	if s.config.MetricsHandler != nil {
		mux.Handle("GET /metrics", s.config.MetricsHandler)
	}

	return mux
}
