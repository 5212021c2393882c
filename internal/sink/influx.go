// Package sink mirrors stored readings to secondary systems.
package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/influxdata/influxdb-client-go/v2/domain"

	"procodus.dev/sensorhub/internal/store"
)

// Measurement is the InfluxDB measurement readings are written to.
const Measurement = "sensor_readings"

// InfluxConfig holds the configuration for the InfluxDB sink.
type InfluxConfig struct {
	Logger  *slog.Logger
	URL     string
	Token   string
	Org     string
	Bucket  string
	Timeout time.Duration // Optional, per write
}

// Influx writes every reading as a point tagged with its device id.
type Influx struct {
	logger  *slog.Logger
	client  influxdb2.Client
	writer  api.WriteAPIBlocking
	timeout time.Duration
}

// NewInflux creates a new Influx sink. It does not contact the server.
func NewInflux(cfg *InfluxConfig) (*Influx, error) {
	if cfg == nil {
		return nil, errors.New("influx config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.URL == "" {
		return nil, errors.New("influx URL cannot be empty")
	}

	if cfg.Org == "" || cfg.Bucket == "" {
		return nil, errors.New("influx org and bucket must be set")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().SetHTTPRequestTimeout(uint(timeout.Seconds())))

	cfg.Logger.Info("influx sink configured", "url", cfg.URL, "org", cfg.Org, "bucket", cfg.Bucket)

	return &Influx{
		logger:  cfg.Logger,
		client:  client,
		writer:  client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		timeout: timeout,
	}, nil
}

// Name implements ingest.Sink.
func (s *Influx) Name() string {
	return "influx"
}

// Write implements ingest.Sink.
func (s *Influx) Write(ctx context.Context, r store.Reading) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.writer.WritePoint(ctx, Point(r)); err != nil {
		return fmt.Errorf("failed to write point to influx: %w", err)
	}
	return nil
}

// Ping checks the server health endpoint.
func (s *Influx) Ping(ctx context.Context) error {
	health, err := s.client.Health(ctx)
	if err != nil {
		return fmt.Errorf("failed to reach influx: %w", err)
	}

	if health.Status != domain.HealthCheckStatusPass {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return fmt.Errorf("influx health check failed: %s", msg)
	}
	return nil
}

// Close releases the client.
func (s *Influx) Close() {
	s.client.Close()
}

// Point converts a reading. Optional measurements are left out when unset.
func Point(r store.Reading) *write.Point {
	fields := map[string]any{
		"temperature_c": r.TemperatureC,
		"raw_temp_c":    r.RawTempC,
		"target_c":      r.TargetC,
		"fan_on":        r.FanOn,
	}
	if r.HumidityPct != nil {
		fields["humidity_pct"] = *r.HumidityPct
	}
	if r.PressureHpa != nil {
		fields["pressure_hpa"] = *r.PressureHpa
	}
	if r.CPUTempC != nil {
		fields["cpu_temp_c"] = *r.CPUTempC
	}

	return influxdb2.NewPoint(Measurement,
		map[string]string{"device_id": r.DeviceID},
		fields,
		r.Timestamp,
	)
}
