package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// CookieName is the dashboard session cookie.
const CookieName = "sensorhub_session"

// DefaultTTL is used when Config.TTL is zero.
const DefaultTTL = 12 * time.Hour

// Config holds the configuration for the Manager.
type Config struct {
	Logger *slog.Logger
	Store  Store
	Now    func() time.Time // Optional, defaults to time.Now
	Secret []byte
	TTL    time.Duration
}

// Manager creates, resolves and destroys dashboard sessions.
type Manager struct {
	logger *slog.Logger
	store  Store
	signer *Signer
	now    func() time.Time
	ttl    time.Duration
}

// NewManager creates a new Manager.
func NewManager(cfg *Config) (*Manager, error) {
	if cfg == nil {
		return nil, errors.New("session config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Store == nil {
		return nil, errors.New("session store cannot be nil")
	}

	if cfg.TTL < 0 {
		return nil, errors.New("session TTL must be positive")
	}

	signer, err := NewSigner(cfg.Secret)
	if err != nil {
		return nil, err
	}

	ttl := cfg.TTL
	if ttl == 0 {
		ttl = DefaultTTL
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	signer.now = now

	return &Manager{
		logger: cfg.Logger,
		store:  cfg.Store,
		signer: signer,
		now:    now,
		ttl:    ttl,
	}, nil
}

// Login starts a new session and writes its cookie.
func (m *Manager) Login(w http.ResponseWriter, r *http.Request) (*Session, error) {
	now := m.now().UTC()
	sess := &Session{
		ID:        uuid.NewString(),
		CreatedAt: now,
		ExpiresAt: now.Add(m.ttl),
	}

	token, err := m.signer.Sign(sess)
	if err != nil {
		return nil, err
	}

	if err := m.store.Create(r.Context(), sess); err != nil {
		return nil, fmt.Errorf("failed to store session: %w", err)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		Expires:  sess.ExpiresAt,
		MaxAge:   int(m.ttl.Seconds()),
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})

	m.logger.Info("dashboard session created", "session_id", sess.ID)
	return sess, nil
}

// Authenticate resolves the request's session cookie. It returns
// ErrNotFound when the client is anonymous.
func (m *Manager) Authenticate(r *http.Request) (*Session, error) {
	cookie, err := r.Cookie(CookieName)
	if err != nil || cookie.Value == "" {
		return nil, ErrNotFound
	}

	id, err := m.signer.Verify(cookie.Value)
	if err != nil {
		m.logger.Debug("rejected session cookie", "error", err)
		return nil, ErrNotFound
	}

	return m.store.Get(r.Context(), id)
}

// Logout destroys the request's session, if any, and clears the cookie.
func (m *Manager) Logout(w http.ResponseWriter, r *http.Request) error {
	var deleteErr error
	if cookie, err := r.Cookie(CookieName); err == nil && cookie.Value != "" {
		if id, err := m.signer.Verify(cookie.Value); err == nil {
			deleteErr = m.store.Delete(r.Context(), id)
			m.logger.Info("dashboard session destroyed", "session_id", id)
		}
	}

	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})

	return deleteErr
}

// RunJanitor purges expired sessions every interval until ctx is done.
func (m *Manager) RunJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := m.store.DeleteExpired(ctx, m.now().UTC())
			if err != nil {
				m.logger.Warn("failed to purge expired sessions", "error", err)
				continue
			}
			if n > 0 {
				m.logger.Debug("purged expired sessions", "count", n)
			}
		}
	}
}
