// Package ingest turns device payloads into stored readings. Every
// transport (HTTP, AMQP, MQTT) shares the same decoding, defaults and sinks.
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"procodus.dev/sensorhub/internal/apperr"
	"procodus.dev/sensorhub/internal/store"
	"procodus.dev/sensorhub/pkg/metrics"
)

// Source names the transport a reading arrived on.
type Source string

// Known sources.
const (
	SourceHTTP Source = "http"
	SourceAMQP Source = "amqp"
	SourceMQTT Source = "mqtt"
)

// Inserter appends readings.
type Inserter interface {
	Insert(ctx context.Context, r *store.Reading) (int64, error)
}

// Sink receives every reading after it has been stored.
type Sink interface {
	Name() string
	Write(ctx context.Context, r store.Reading) error
}

// Config holds the configuration for the Ingestor.
type Config struct {
	Logger  *slog.Logger
	Store   Inserter
	Metrics *metrics.ServerMetrics // Optional
	Now     func() time.Time       // Optional, defaults to time.Now
	Sinks   []Sink
}

// Ingestor validates, stores and fans out readings.
type Ingestor struct {
	logger  *slog.Logger
	store   Inserter
	metrics *metrics.ServerMetrics
	now     func() time.Time
	sinks   []Sink
}

// New creates a new Ingestor.
func New(cfg *Config) (*Ingestor, error) {
	if cfg == nil {
		return nil, errors.New("ingest config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Store == nil {
		return nil, errors.New("store cannot be nil")
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Ingestor{
		logger:  cfg.Logger,
		store:   cfg.Store,
		metrics: cfg.Metrics,
		now:     now,
		sinks:   cfg.Sinks,
	}, nil
}

// Ingest decodes a JSON body and stores the reading. Validation failures
// never reach the store.
func (i *Ingestor) Ingest(ctx context.Context, source Source, body []byte) (*store.Reading, error) {
	r, err := Decode(body, i.now().UTC())
	if err != nil {
		i.count(source, err)
		return nil, err
	}

	if err := i.Save(ctx, source, r); err != nil {
		return nil, err
	}
	return r, nil
}

// Save stores an already decoded reading and hands it to every sink. Sink
// failures are logged and do not fail the call.
func (i *Ingestor) Save(ctx context.Context, source Source, r *store.Reading) error {
	id, err := i.store.Insert(ctx, r)
	i.count(source, err)
	if err != nil {
		i.logger.Error("failed to save reading",
			"source", source,
			"device_id", r.DeviceID,
			"error", err,
		)
		return err
	}

	i.logger.Debug("reading saved",
		"source", source,
		"id", id,
		"device_id", r.DeviceID,
	)

	for _, sink := range i.sinks {
		if err := sink.Write(ctx, *r); err != nil {
			i.logger.Warn("sink write failed",
				"sink", sink.Name(),
				"device_id", r.DeviceID,
				"error", err,
			)
			if i.metrics != nil {
				i.metrics.SinkFailures.WithLabelValues(sink.Name()).Inc()
			}
		}
	}

	return nil
}

func (i *Ingestor) count(source Source, err error) {
	if i.metrics == nil {
		return
	}

	result := "saved"
	switch {
	case apperr.Is(err, apperr.Validation):
		result = "invalid"
	case err != nil:
		result = "error"
	}
	i.metrics.ReadingsIngested.WithLabelValues(string(source), result).Inc()
}
