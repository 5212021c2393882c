package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// record is the database row behind a Session.
type record struct {
	CreatedAt time.Time `gorm:"not null"`
	ExpiresAt time.Time `gorm:"index:idx_dashboard_sessions_expires_at;not null"`
	ID        string    `gorm:"primaryKey;size:64"`
}

// TableName specifies the table name for session records.
func (record) TableName() string {
	return "dashboard_sessions"
}

// GormStore keeps sessions in the shared database so several instances can
// serve the same dashboard users.
type GormStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewGormStore creates the sessions table if needed and returns a store.
func NewGormStore(ctx context.Context, db *gorm.DB) (*GormStore, error) {
	if db == nil {
		return nil, errors.New("database cannot be nil")
	}

	if err := db.WithContext(ctx).AutoMigrate(&record{}); err != nil {
		return nil, fmt.Errorf("failed to migrate sessions table: %w", err)
	}

	return &GormStore{db: db, now: time.Now}, nil
}

// Create implements Store.
func (g *GormStore) Create(ctx context.Context, s *Session) error {
	rec := record{
		ID:        s.ID,
		CreatedAt: s.CreatedAt.UTC(),
		ExpiresAt: s.ExpiresAt.UTC(),
	}
	if err := g.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// Get implements Store.
func (g *GormStore) Get(ctx context.Context, id string) (*Session, error) {
	var rec record
	err := g.db.WithContext(ctx).
		Where("id = ? AND expires_at > ?", id, g.now().UTC()).
		Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	return &Session{
		ID:        rec.ID,
		CreatedAt: rec.CreatedAt.UTC(),
		ExpiresAt: rec.ExpiresAt.UTC(),
	}, nil
}

// Delete implements Store.
func (g *GormStore) Delete(ctx context.Context, id string) error {
	if err := g.db.WithContext(ctx).Delete(&record{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// DeleteExpired implements Store.
func (g *GormStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res := g.db.WithContext(ctx).Delete(&record{}, "expires_at <= ?", now.UTC())
	if res.Error != nil {
		return 0, fmt.Errorf("failed to purge sessions: %w", res.Error)
	}
	return res.RowsAffected, nil
}
