package store

import (
	"context"

	"gorm.io/gorm"

	"procodus.dev/sensorhub/internal/apperr"
)

// schemaLockKey serializes schema creation across instances sharing a
// PostgreSQL database.
const schemaLockKey int64 = 0x73656e736f72

var schemaDDL = map[Dialect][]string{
	Postgres: {
		`CREATE TABLE IF NOT EXISTS readings (
			id            BIGSERIAL PRIMARY KEY,
			device_id     TEXT NOT NULL CHECK (device_id <> ''),
			ts            TIMESTAMPTZ NOT NULL,
			temperature_c DOUBLE PRECISION NOT NULL,
			humidity_pct  DOUBLE PRECISION,
			pressure_hpa  DOUBLE PRECISION,
			cpu_temp_c    DOUBLE PRECISION,
			raw_temp_c    DOUBLE PRECISION NOT NULL,
			target_c      DOUBLE PRECISION NOT NULL DEFAULT 25.0,
			fan_on        BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE INDEX IF NOT EXISTS readings_device_ts ON readings (device_id, ts DESC)`,
	},
	SQLite: {
		`CREATE TABLE IF NOT EXISTS readings (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			device_id     TEXT NOT NULL CHECK (device_id <> ''),
			ts            DATETIME NOT NULL,
			temperature_c REAL NOT NULL,
			humidity_pct  REAL,
			pressure_hpa  REAL,
			cpu_temp_c    REAL,
			raw_temp_c    REAL NOT NULL,
			target_c      REAL NOT NULL DEFAULT 25.0,
			fan_on        BOOLEAN NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS readings_device_ts ON readings (device_id, ts DESC)`,
	},
}

// EnsureSchema creates the readings table and its (device_id, ts DESC)
// index when absent. It is safe to call on every start.
func (s *Store) EnsureSchema(ctx context.Context) error {
	s.logger.Info("ensuring database schema", "dialect", s.dialect)

	statements := schemaDDL[s.dialect]

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if s.dialect == Postgres {
			if err := tx.Exec("SELECT pg_advisory_xact_lock(?)", schemaLockKey).Error; err != nil {
				return err
			}
		}
		for _, stmt := range statements {
			if err := tx.Exec(stmt).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return apperr.Wrap(apperr.Store, "ensure schema", err)
	}

	s.logger.Info("database schema ready")
	return nil
}
