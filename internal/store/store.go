package store

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"procodus.dev/sensorhub/internal/apperr"
	"procodus.dev/sensorhub/pkg/metrics"
)

// Store reads and appends readings. Every call runs a single statement on a
// pooled connection that is released before the call returns.
type Store struct {
	db      *gorm.DB
	logger  *slog.Logger
	metrics *metrics.StoreMetrics
	dialect Dialect
}

// Config holds the configuration for Open.
type Config struct {
	DB      *DBConfig
	Metrics *metrics.StoreMetrics // Optional
}

// Open connects to the database described by cfg.
func Open(cfg *Config) (*Store, error) {
	if cfg == nil {
		return nil, errors.New("store config cannot be nil")
	}

	db, dialect, err := NewDB(cfg.DB)
	if err != nil {
		return nil, err
	}

	return &Store{
		db:      db,
		logger:  cfg.DB.Logger,
		metrics: cfg.Metrics,
		dialect: dialect,
	}, nil
}

// DB exposes the underlying handle for components sharing the database.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Dialect returns the backend in use.
func (s *Store) Dialect() Dialect {
	return s.dialect
}

// Insert appends a reading and returns its assigned id. The reading's ID is
// set on success.
func (s *Store) Insert(ctx context.Context, r *Reading) (id int64, err error) {
	defer s.observe("insert", time.Now(), &err)

	if r == nil {
		return 0, apperr.New(apperr.Store, "insert reading", "reading cannot be nil")
	}

	r.ID = 0
	r.normalize()

	if err := s.db.WithContext(ctx).Create(r).Error; err != nil {
		return 0, apperr.Wrap(apperr.Store, "insert reading", err)
	}

	return r.ID, nil
}

// Latest returns the newest reading, optionally for one device. It returns
// nil without an error when there is none.
func (s *Store) Latest(ctx context.Context, deviceID string) (_ *Reading, err error) {
	defer s.observe("latest", time.Now(), &err)

	var rows []Reading
	if err := s.recent(ctx, deviceID).Limit(1).Find(&rows).Error; err != nil {
		return nil, apperr.Wrap(apperr.Store, "query latest reading", err)
	}

	if len(rows) == 0 {
		return nil, nil
	}

	rows[0].normalize()
	return &rows[0], nil
}

// History returns up to limit readings, newest first. limit is clamped to
// [MinLimit, MaxLimit].
func (s *Store) History(ctx context.Context, deviceID string, limit int) (_ []Reading, err error) {
	defer s.observe("history", time.Now(), &err)

	rows := make([]Reading, 0, ClampLimit(limit))
	if err := s.recent(ctx, deviceID).Limit(ClampLimit(limit)).Find(&rows).Error; err != nil {
		return nil, apperr.Wrap(apperr.Store, "query reading history", err)
	}

	for i := range rows {
		rows[i].normalize()
	}
	return rows, nil
}

// Count returns the number of stored readings, optionally for one device.
func (s *Store) Count(ctx context.Context, deviceID string) (n int64, err error) {
	defer s.observe("count", time.Now(), &err)

	q := s.db.WithContext(ctx).Model(&Reading{})
	if deviceID != "" {
		q = q.Where("device_id = ?", deviceID)
	}
	if err := q.Count(&n).Error; err != nil {
		return 0, apperr.Wrap(apperr.Store, "count readings", err)
	}
	return n, nil
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return apperr.Wrap(apperr.Store, "ping", err)
	}
	return apperr.Wrap(apperr.Store, "ping", sqlDB.PingContext(ctx))
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return CloseDB(s.db, s.logger)
}

func (s *Store) recent(ctx context.Context, deviceID string) *gorm.DB {
	q := s.db.WithContext(ctx).Order("id DESC")
	if deviceID != "" {
		q = q.Where("device_id = ?", deviceID)
	}
	return q
}

func (s *Store) observe(op string, start time.Time, errp *error) {
	if s.metrics == nil {
		return
	}

	status := "success"
	if *errp != nil {
		status = "error"
	}
	s.metrics.OperationsTotal.WithLabelValues(op, status).Inc()
	s.metrics.OperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
