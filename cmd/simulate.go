package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"procodus.dev/sensorhub/internal/server"
	"procodus.dev/sensorhub/internal/simulator"
	"procodus.dev/sensorhub/pkg/client"
	"procodus.dev/sensorhub/pkg/metrics"
	"procodus.dev/sensorhub/pkg/mq"
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run synthetic devices",
	Long: `Run synthetic thermostat devices that:
- Generate realistic temperature, humidity and pressure readings
- Report them to sensorhub over HTTP (with the API key) or AMQP
- Run until interrupted or until each device has sent --count readings`,
	RunE: runSimulate,
}

func init() {
	rootCmd.AddCommand(simulateCmd)

	flags := simulateCmd.Flags()
	flags.String("transport", "http", "delivery path (http, amqp)")
	flags.String("target", "http://localhost:8000", "sensorhub base URL for the http transport")
	flags.String("api-key", "", "API key for the http transport (defaults to auth.api_key)")
	flags.String("api-key-header", server.DefaultAPIKeyHeader, "header carrying the API key")
	flags.String("amqp-url", "amqp://localhost:5672", "RabbitMQ URL for the amqp transport")
	flags.String("amqp-queue", mq.DefaultQueue, "RabbitMQ queue for the amqp transport")
	flags.Int("devices", 5, "number of simulated devices")
	flags.String("prefix", "sim", "device id prefix")
	flags.Duration("interval", 5*time.Second, "interval between readings of one device")
	flags.Int("count", 0, "readings per device (0 runs until interrupted)")
	flags.Uint64("seed", 0, "random seed (0 picks one)")
	flags.Int("metrics-port", 0, "port exposing Prometheus metrics (0 disables)")

	bind := map[string]string{
		"simulate.transport":      "transport",
		"simulate.target":         "target",
		"simulate.api_key":        "api-key",
		"simulate.api_key_header": "api-key-header",
		"simulate.amqp_url":       "amqp-url",
		"simulate.amqp_queue":     "amqp-queue",
		"simulate.devices":        "devices",
		"simulate.prefix":         "prefix",
		"simulate.interval":       "interval",
		"simulate.count":          "count",
		"simulate.seed":           "seed",
		"simulate.metrics_port":   "metrics-port",
	}
	for key, flag := range bind {
		_ = viper.BindPFlag(key, flags.Lookup(flag))
	}
}

func runSimulate(_ *cobra.Command, _ []string) error {
	logger := GetLogger()
	logger.Info("starting simulator")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var m *metrics.SimulatorMetrics
	if port := viper.GetInt("simulate.metrics_port"); port > 0 {
		m = metrics.NewSimulatorMetrics(metrics.Namespace, nil)
		shutdown := serveMetrics(logger, port)
		defer shutdown()
	}

	publisher, err := newPublisher(logger, viper.GetString("simulate.transport"))
	if err != nil {
		logger.Error("failed to create publisher", "error", err)
		return err
	}

	config := &simulator.Config{
		Logger:    logger,
		Publisher: publisher,
		Metrics:   m,
		Devices:   viper.GetInt("simulate.devices"),
		Prefix:    viper.GetString("simulate.prefix"),
		Interval:  viper.GetDuration("simulate.interval"),
		Count:     viper.GetInt("simulate.count"),
		Seed:      viper.GetUint64("simulate.seed"),
	}

	sim, err := simulator.New(config)
	if err != nil {
		_ = publisher.Close()
		logger.Error("failed to create simulator", "error", err)
		return err
	}

	logger.Info("simulator configuration",
		"transport", publisher.Transport(),
		"devices", config.Devices,
		"interval", config.Interval,
		"count", config.Count,
	)

	if err := sim.Run(ctx); err != nil {
		logger.Error("simulator error", "error", err)
		return err
	}

	logger.Info("simulator stopped")
	return nil
}

func newPublisher(logger *slog.Logger, transport string) (simulator.Publisher, error) {
	switch transport {
	case "http":
		apiKey := viper.GetString("simulate.api_key")
		if apiKey == "" {
			apiKey = viper.GetString("auth.api_key")
		}
		c, err := client.New(&client.Config{
			BaseURL:      viper.GetString("simulate.target"),
			APIKey:       apiKey,
			APIKeyHeader: viper.GetString("simulate.api_key_header"),
			RetryCount:   2,
		})
		if err != nil {
			return nil, err
		}
		return simulator.NewHTTPPublisher(c)
	case "amqp":
		c, err := mq.New(&mq.Config{
			Logger: logger,
			URL:    viper.GetString("simulate.amqp_url"),
			Queue:  viper.GetString("simulate.amqp_queue"),
		})
		if err != nil {
			return nil, err
		}
		return simulator.NewAMQPPublisher(c)
	default:
		return nil, fmt.Errorf("unknown transport %q", transport)
	}
}

// serveMetrics exposes the global registry and returns a shutdown func.
func serveMetrics(logger *slog.Logger, port int) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("metrics server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
