// Package app wires the store, ingest pipeline and transports into one
// running service.
package app

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"procodus.dev/sensorhub/internal/apperr"
	"procodus.dev/sensorhub/internal/ingest"
	"procodus.dev/sensorhub/internal/mqttsub"
	"procodus.dev/sensorhub/internal/queue"
	"procodus.dev/sensorhub/internal/rpc"
	"procodus.dev/sensorhub/internal/server"
	"procodus.dev/sensorhub/internal/session"
	"procodus.dev/sensorhub/internal/sink"
	"procodus.dev/sensorhub/internal/store"
	"procodus.dev/sensorhub/pkg/metrics"
	"procodus.dev/sensorhub/pkg/mq"
)

const shutdownTimeout = 10 * time.Second

// App is the running service.
type App struct {
	logger *slog.Logger
	config *Config

	store       *store.Store
	httpServer  *http.Server
	httpLis     net.Listener
	grpcServer  *grpc.Server
	grpcLis     net.Listener
	consumer    *queue.Consumer
	subscriber  *mqttsub.Subscriber
	influx      *sink.Influx
	stopJanitor context.CancelFunc

	errs  chan error
	ready chan struct{}
}

// New validates cfg. Nothing is opened until Start.
func New(cfg *Config) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.DatabaseURL == "" {
		return nil, apperr.New(apperr.Configuration, "app", "database URL is not configured")
	}

	if cfg.HTTPAddr == "" {
		return nil, apperr.New(apperr.Configuration, "app", "HTTP address is not configured")
	}

	switch cfg.SessionBackend {
	case "":
		cfg.SessionBackend = SessionMemory
	case SessionMemory, SessionDatabase:
	default:
		return nil, apperr.Newf(apperr.Configuration, "app", "unknown session backend %q", cfg.SessionBackend)
	}

	if cfg.JanitorInterval <= 0 {
		cfg.JanitorInterval = 10 * time.Minute
	}

	if cfg.MetricsEnabled && cfg.Registry == nil {
		cfg.Registry = metrics.Registry
	}

	return &App{
		logger: cfg.Logger,
		config: cfg,
		errs:   make(chan error, 2),
		ready:  make(chan struct{}),
	}, nil
}

// Run starts the service and blocks until ctx is canceled, a shutdown
// signal arrives or a listener fails.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Start(ctx); err != nil {
		a.shutdown()
		return err
	}

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown requested")
	case err := <-a.errs:
		a.logger.Error("listener failed", "error", err)
		runErr = err
	}

	if err := a.shutdown(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// Start opens the store and starts every configured component. It
// returns once all listeners are bound.
func (a *App) Start(ctx context.Context) error {
	cfg := a.config
	a.logger.Info("starting sensorhub")

	var (
		serverMetrics *metrics.ServerMetrics
		storeMetrics  *metrics.StoreMetrics
		mqMetrics     *metrics.MQMetrics
	)
	if cfg.MetricsEnabled {
		serverMetrics = metrics.NewServerMetrics(metrics.Namespace, cfg.Registry)
		storeMetrics = metrics.NewStoreMetrics(metrics.Namespace, cfg.Registry)
		mqMetrics = metrics.NewMQMetrics(metrics.Namespace, cfg.Registry)
	}

	st, err := store.Open(&store.Config{
		DB: &store.DBConfig{
			Logger:          a.logger,
			DSN:             cfg.DatabaseURL,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
		},
		Metrics: storeMetrics,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	a.store = st

	if err := st.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("failed to prepare schema: %w", err)
	}
	a.logger.Info("database initialized", "dialect", st.Dialect())

	sessions, err := a.sessionManager(ctx)
	if err != nil {
		return err
	}

	sinks, err := a.sinks()
	if err != nil {
		return err
	}

	ingestor, err := ingest.New(&ingest.Config{
		Logger:  a.logger.With("component", "ingest"),
		Store:   st,
		Metrics: serverMetrics,
		Sinks:   sinks,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize ingest: %w", err)
	}

	if err := a.startHTTP(st, ingestor, sessions, serverMetrics); err != nil {
		return err
	}

	if cfg.GRPCAddr != "" {
		if err := a.startGRPC(st, serverMetrics); err != nil {
			return err
		}
	}

	if cfg.AMQPURL != "" {
		if err := a.startConsumer(ctx, ingestor, mqMetrics); err != nil {
			return err
		}
	}

	if cfg.MQTTBroker != "" {
		if err := a.startSubscriber(ctx, ingestor); err != nil {
			return err
		}
	}

	close(a.ready)
	a.logger.Info("sensorhub started")
	return nil
}

// Ready is closed once Start has bound every listener.
func (a *App) Ready() <-chan struct{} {
	return a.ready
}

// HTTPAddr returns the bound HTTP address, or "" before Start.
func (a *App) HTTPAddr() string {
	if a.httpLis == nil {
		return ""
	}
	return a.httpLis.Addr().String()
}

// GRPCAddr returns the bound gRPC address, or "" when disabled.
func (a *App) GRPCAddr() string {
	if a.grpcLis == nil {
		return ""
	}
	return a.grpcLis.Addr().String()
}

func (a *App) sessionManager(ctx context.Context) (*session.Manager, error) {
	cfg := a.config

	var backend session.Store = session.NewMemoryStore()
	if cfg.SessionBackend == SessionDatabase {
		gs, err := session.NewGormStore(ctx, a.store.DB())
		if err != nil {
			return nil, fmt.Errorf("failed to initialize session store: %w", err)
		}
		backend = gs
	}

	secret := []byte(cfg.SessionSecret)
	if len(secret) == 0 {
		a.logger.Warn("no session secret configured, sessions will not survive a restart")
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("failed to generate session secret: %w", err)
		}
	}

	mgr, err := session.NewManager(&session.Config{
		Logger: a.logger.With("component", "session"),
		Store:  backend,
		Secret: secret,
		TTL:    cfg.SessionTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize sessions: %w", err)
	}

	janitorCtx, cancel := context.WithCancel(context.Background())
	a.stopJanitor = cancel
	go mgr.RunJanitor(janitorCtx, cfg.JanitorInterval)

	return mgr, nil
}

func (a *App) sinks() ([]ingest.Sink, error) {
	cfg := a.config
	if cfg.InfluxURL == "" {
		return nil, nil
	}

	influx, err := sink.NewInflux(&sink.InfluxConfig{
		Logger: a.logger.With("component", "influx"),
		URL:    cfg.InfluxURL,
		Token:  cfg.InfluxToken,
		Org:    cfg.InfluxOrg,
		Bucket: cfg.InfluxBucket,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize influx sink: %w", err)
	}
	a.influx = influx

	return []ingest.Sink{influx}, nil
}

func (a *App) startHTTP(st *store.Store, ingestor *ingest.Ingestor, sessions *session.Manager, m *metrics.ServerMetrics) error {
	cfg := a.config

	var metricsHandler http.Handler
	if cfg.MetricsEnabled {
		metricsHandler = metrics.HandlerFor(cfg.Registry)
	}

	srv, err := server.NewServer(&server.Config{
		Logger:         a.logger.With("component", "http"),
		Readings:       st,
		Ingester:       ingestor,
		Sessions:       sessions,
		Metrics:        m,
		MetricsHandler: metricsHandler,
		APIKey:         cfg.APIKey,
		APIKeyHeader:   cfg.APIKeyHeader,
		ReadAccess:     cfg.ReadAccess,
		Dashboard:      cfg.Dashboard,
		CORSOrigins:    cfg.CORSOrigins,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize HTTP server: %w", err)
	}

	lis, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.HTTPAddr, err)
	}
	a.httpLis = lis

	a.httpServer = &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	a.logger.Info("starting HTTP server", "address", lis.Addr().String(), "read_access", cfg.ReadAccess)
	go func() {
		if err := a.httpServer.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.errs <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	return nil
}

func (a *App) startGRPC(st *store.Store, m *metrics.ServerMetrics) error {
	cfg := a.config

	srv, err := rpc.NewServer(&rpc.ServerConfig{
		Logger:   a.logger.With("component", "grpc"),
		Readings: st,
		APIKey:   cfg.APIKey,
		Metrics:  m,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize gRPC server: %w", err)
	}
	a.grpcServer = srv

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.GRPCAddr, err)
	}
	a.grpcLis = lis

	a.logger.Info("starting gRPC server", "address", lis.Addr().String())
	go func() {
		if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			a.errs <- fmt.Errorf("gRPC server error: %w", err)
		}
	}()

	return nil
}

func (a *App) startConsumer(ctx context.Context, ingestor *ingest.Ingestor, m *metrics.MQMetrics) error {
	cfg := a.config

	client, err := mq.New(&mq.Config{
		Logger:  a.logger.With("component", "mq-client"),
		URL:     cfg.AMQPURL,
		Queue:   cfg.AMQPQueue,
		Metrics: m,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize mq client: %w", err)
	}

	consumer, err := queue.NewConsumer(&queue.ConsumerConfig{
		Logger:   a.logger,
		Client:   client,
		Ingester: ingestor,
		Queue:    client.Queue(),
		Metrics:  m,
	})
	if err != nil {
		_ = client.Close()
		return fmt.Errorf("failed to initialize consumer: %w", err)
	}

	if err := consumer.Start(ctx); err != nil {
		_ = client.Close()
		return fmt.Errorf("failed to start consumer: %w", err)
	}
	a.consumer = consumer

	return nil
}

func (a *App) startSubscriber(ctx context.Context, ingestor *ingest.Ingestor) error {
	cfg := a.config

	sub, err := mqttsub.NewSubscriber(&mqttsub.Config{
		Logger:   a.logger,
		Ingester: ingestor,
		Broker:   cfg.MQTTBroker,
		Topic:    cfg.MQTTTopic,
		ClientID: cfg.MQTTClientID,
		Username: cfg.MQTTUsername,
		Password: cfg.MQTTPassword,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize mqtt subscriber: %w", err)
	}
	a.subscriber = sub

	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := sub.Connect(connectCtx); err != nil {
		return fmt.Errorf("failed to connect to mqtt broker: %w", err)
	}
	return nil
}

// Shutdown stops every component in reverse start order.
func (a *App) Shutdown() error {
	return a.shutdown()
}

func (a *App) shutdown() error {
	a.logger.Info("shutting down sensorhub")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error

	if a.subscriber != nil {
		a.subscriber.Disconnect()
		a.subscriber = nil
	}

	if a.consumer != nil {
		if err := a.consumer.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("consumer shutdown error: %w", err))
		}
		a.consumer = nil
	}

	if a.grpcServer != nil {
		a.logger.Info("stopping gRPC server")
		a.grpcServer.GracefulStop()
		a.grpcServer = nil
	}

	if a.httpServer != nil {
		a.logger.Info("stopping HTTP server")
		if err := a.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("HTTP server shutdown error: %w", err))
		}
		a.httpServer = nil
	}

	if a.stopJanitor != nil {
		a.stopJanitor()
		a.stopJanitor = nil
	}

	if a.influx != nil {
		a.influx.Close()
		a.influx = nil
	}

	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("database close error: %w", err))
		}
		a.store = nil
	}

	err := errors.Join(errs...)
	if err != nil {
		a.logger.Error("shutdown completed with errors", "error", err)
		return err
	}

	a.logger.Info("shutdown completed")
	return nil
}
