package server

import (
	"crypto/subtle"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"procodus.dev/sensorhub/internal/apperr"
)

const (
	msgBadCredentials   = "Invalid username or password"
	msgLoginUnavailable = "Dashboard login is not configured"
	msgLoginFailed      = "Login failed, please try again"
)

// requireAPIKey guards device ingestion. It fails closed: without a
// configured key every request gets a configuration error. The key is
// checked before the body is read.
func (s *Server) requireAPIKey(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.config.APIKey == "" {
			s.writeError(w, r, apperr.New(apperr.Configuration, "ingest", "server API key is not configured"))
			return
		}

		key := r.Header.Get(s.config.APIKeyHeader)
		if key == "" || subtle.ConstantTimeCompare([]byte(key), []byte(s.config.APIKey)) != 1 {
			s.logger.Warn("rejected ingest request", "remote", r.RemoteAddr, "reason", "invalid API key")
			s.writeError(w, r, apperr.New(apperr.Auth, "ingest", "unauthorized"))
			return
		}

		next(w, r)
	}
}

// readGuard applies the configured read access mode.
func (s *Server) readGuard(next http.HandlerFunc) http.HandlerFunc {
	if s.config.ReadAccess == ReadPublic {
		return next
	}
	return s.requireSession(next)
}

// requireSession redirects anonymous clients to the login page, keeping the
// requested path for after login.
func (s *Server) requireSession(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := s.sessions.Authenticate(r); err != nil {
			target := "/login?next=" + url.QueryEscape(r.URL.RequestURI())
			http.Redirect(w, r, target, http.StatusFound)
			return
		}
		next(w, r)
	}
}

// handleLoginPage renders the login form.
func (s *Server) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	next := safeNext(r.URL.Query().Get("next"))

	if _, err := s.sessions.Authenticate(r); err == nil {
		http.Redirect(w, r, next, http.StatusSeeOther)
		return
	}

	if err := s.render(w, r, http.StatusOK, "login", loginPage("", next)); err != nil {
		s.logger.Error("failed to render login page", "error", err)
	}
}

// handleLogin checks the submitted credentials and starts a session.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := r.ParseForm(); err != nil {
		s.renderLoginError(w, r, http.StatusBadRequest, "Invalid form data", "/")
		return
	}

	next := safeNext(r.PostFormValue("next"))
	username := r.PostFormValue("username")
	password := r.PostFormValue("password")

	if !s.loginConfigured() {
		s.countLogin("failure")
		s.renderLoginError(w, r, http.StatusInternalServerError, msgLoginUnavailable, next)
		return
	}

	if !s.checkCredentials(username, password) {
		s.countLogin("failure")
		s.logger.Warn("dashboard login failed", "username", username, "remote", r.RemoteAddr)
		s.renderLoginError(w, r, http.StatusUnauthorized, msgBadCredentials, next)
		return
	}

	if _, err := s.sessions.Login(w, r); err != nil {
		s.logger.Error("failed to create session", "error", err)
		s.renderLoginError(w, r, http.StatusInternalServerError, msgLoginFailed, next)
		return
	}

	s.countLogin("success")
	http.Redirect(w, r, next, http.StatusSeeOther)
}

// handleLogout ends the session and returns to the login page.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Logout(w, r); err != nil {
		s.logger.Warn("failed to delete session", "error", err)
	}
	http.Redirect(w, r, "/login", http.StatusSeeOther)
}

func (s *Server) renderLoginError(w http.ResponseWriter, r *http.Request, status int, msg, next string) {
	if err := s.render(w, r, status, "login", loginPage(msg, next)); err != nil {
		s.logger.Error("failed to render login page", "error", err)
	}
}

func (s *Server) loginConfigured() bool {
	c := s.config.Dashboard
	return c.Username != "" && (c.Password != "" || c.PasswordHash != "")
}

// checkCredentials compares exactly and case-sensitively.
func (s *Server) checkCredentials(username, password string) bool {
	c := s.config.Dashboard
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(c.Username)) == 1

	var passOK bool
	if c.PasswordHash != "" {
		passOK = bcrypt.CompareHashAndPassword([]byte(c.PasswordHash), []byte(password)) == nil
	} else {
		passOK = subtle.ConstantTimeCompare([]byte(password), []byte(c.Password)) == 1
	}

	return userOK && passOK
}

func (s *Server) countLogin(result string) {
	if s.metrics != nil {
		s.metrics.LoginAttempts.WithLabelValues(result).Inc()
	}
}

// safeNext keeps post-login redirects on this site.
func safeNext(next string) string {
	if next == "" || !strings.HasPrefix(next, "/") || strings.HasPrefix(next, "//") || strings.HasPrefix(next, "/\\") {
		return "/"
	}

	u, err := url.Parse(next)
	if err != nil || u.Scheme != "" || u.Host != "" {
		return "/"
	}

	if strings.HasPrefix(u.Path, "/login") {
		return "/"
	}
	return next
}
