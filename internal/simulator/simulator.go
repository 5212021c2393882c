// Package simulator runs synthetic devices that report readings to
// sensorhub at a fixed interval.
package simulator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"procodus.dev/sensorhub/pkg/generator"
	"procodus.dev/sensorhub/pkg/metrics"
)

var (
	errInvalidDeviceCount = errors.New("device count must be greater than 0")
	errInvalidInterval    = errors.New("interval must be greater than 0")
	errLoggerRequired     = errors.New("logger is required")
	errPublisherRequired  = errors.New("publisher is required")
)

// Config holds the configuration for the Simulator.
type Config struct {
	Logger    *slog.Logger
	Publisher Publisher
	Metrics   *metrics.SimulatorMetrics // Optional

	Devices  int
	Prefix   string        // Device id prefix, defaults to "sim"
	Interval time.Duration // Time between readings of one device
	Count    int           // Readings per device, 0 runs until canceled
	Seed     uint64        // 0 draws a random seed
}

// Simulator drives one generator per device.
type Simulator struct {
	logger    *slog.Logger
	publisher Publisher
	metrics   *metrics.SimulatorMetrics
	config    *Config
	devices   []generator.Device
}

// New creates a new Simulator.
func New(cfg *Config) (*Simulator, error) {
	if cfg == nil {
		return nil, errors.New("simulator config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errLoggerRequired
	}

	if cfg.Publisher == nil {
		return nil, errPublisherRequired
	}

	if cfg.Devices <= 0 {
		return nil, errInvalidDeviceCount
	}

	if cfg.Interval <= 0 {
		return nil, errInvalidInterval
	}

	devices, err := generator.NewDevices(cfg.Devices, cfg.Prefix, cfg.Seed)
	if err != nil {
		return nil, err
	}

	return &Simulator{
		logger:    cfg.Logger,
		publisher: cfg.Publisher,
		metrics:   cfg.Metrics,
		config:    cfg,
		devices:   devices,
	}, nil
}

// Devices returns the simulated devices.
func (s *Simulator) Devices() []generator.Device {
	return s.devices
}

// Run sends readings until ctx is canceled or every device has sent Count
// readings, then closes the publisher.
func (s *Simulator) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i, d := range s.devices {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seed := s.config.Seed
			if seed != 0 {
				seed += uint64(i)
			}
			s.runDevice(ctx, d, generator.NewThermostat(d.ID, seed))
		}()
	}

	s.logger.Info("simulator started",
		"devices", len(s.devices),
		"interval", s.config.Interval,
		"transport", s.publisher.Transport(),
	)

	wg.Wait()

	s.logger.Info("closing publisher")
	if err := s.publisher.Close(); err != nil {
		s.logger.Warn("failed to close publisher", "error", err)
	}

	s.logger.Info("simulator stopped")
	return nil
}

func (s *Simulator) runDevice(ctx context.Context, d generator.Device, gen *generator.Thermostat) {
	if s.metrics != nil {
		s.metrics.ActiveDevices.Inc()
		defer s.metrics.ActiveDevices.Dec()
	}

	logger := s.logger.With("device_id", d.ID, "location", d.Location)
	logger.Info("device started")

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for sent := 0; s.config.Count == 0 || sent < s.config.Count; sent++ {
		select {
		case <-ctx.Done():
			logger.Info("device shutting down")
			return
		case t := <-ticker.C:
			if err := s.send(ctx, gen.Next(t)); err != nil {
				// Keep going; the next tick may succeed.
				logger.Error("failed to send reading", "error", err)
				continue
			}
			logger.Debug("reading sent")
		}
	}

	logger.Info("device finished", "sent", s.config.Count)
}

func (s *Simulator) send(ctx context.Context, p generator.Payload) error {
	transport := s.publisher.Transport()

	var timer *prometheus.Timer
	if s.metrics != nil {
		timer = prometheus.NewTimer(s.metrics.SendDuration.WithLabelValues(transport))
	}

	err := s.publisher.Publish(ctx, p)

	if s.metrics != nil {
		timer.ObserveDuration()
		status := "success"
		if err != nil {
			status = "error"
		}
		s.metrics.ReadingsSent.WithLabelValues(transport, status).Inc()
	}
	return err
}
