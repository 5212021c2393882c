package server_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"

	"procodus.dev/sensorhub/internal/ingest"
	"procodus.dev/sensorhub/internal/server"
	"procodus.dev/sensorhub/internal/session"
	"procodus.dev/sensorhub/internal/store"
	"procodus.dev/sensorhub/pkg/metrics"
)

const testAPIKey = "secret"

type harness struct {
	store    *store.Store
	config   *server.Config
	server   *server.Server
	handler  http.Handler
	metrics  *metrics.ServerMetrics
	registry *prometheus.Registry
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

// newHarness builds a server over a fresh in-memory store. mutate may
// adjust the config before the server is created.
func newHarness(mutate func(*server.Config)) *harness {
	logger := testLogger()
	ctx := context.Background()

	st, err := store.Open(&store.Config{
		DB: &store.DBConfig{
			Logger: logger,
			DSN:    fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()),
		},
	})
	Expect(err).NotTo(HaveOccurred())
	Expect(st.EnsureSchema(ctx)).To(Succeed())
	DeferCleanup(st.Close)

	reg := prometheus.NewRegistry()
	sm := metrics.NewServerMetrics("test", reg)

	ing, err := ingest.New(&ingest.Config{Logger: logger, Store: st, Metrics: sm})
	Expect(err).NotTo(HaveOccurred())

	mgr, err := session.NewManager(&session.Config{
		Logger: logger,
		Store:  session.NewMemoryStore(),
		Secret: []byte("session-secret"),
		TTL:    time.Hour,
	})
	Expect(err).NotTo(HaveOccurred())

	cfg := &server.Config{
		Logger:         logger,
		Readings:       st,
		Ingester:       ing,
		Sessions:       mgr,
		Metrics:        sm,
		MetricsHandler: metrics.HandlerFor(reg),
		APIKey:         testAPIKey,
		ReadAccess:     server.ReadSession,
		Dashboard:      server.Credentials{Username: "admin", Password: "hunter2"},
	}
	if mutate != nil {
		mutate(cfg)
	}

	srv, err := server.NewServer(cfg)
	Expect(err).NotTo(HaveOccurred())

	return &harness{store: st, config: cfg, server: srv, handler: srv.Handler(), metrics: sm, registry: reg}
}

func (h *harness) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func (h *harness) get(path string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	return h.do(req)
}

func (h *harness) ingest(key, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/ingest", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set(server.DefaultAPIKeyHeader, key)
	}
	return h.do(req)
}

func (h *harness) login(username, password, next string) *httptest.ResponseRecorder {
	form := url.Values{"username": {username}, "password": {password}}
	if next != "" {
		form.Set("next", next)
	}
	req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return h.do(req)
}

// sessionCookie logs in with valid credentials and returns the cookie.
func (h *harness) sessionCookie() *http.Cookie {
	rec := h.login("admin", "hunter2", "")
	Expect(rec.Code).To(Equal(http.StatusSeeOther))

	for _, c := range rec.Result().Cookies() {
		if c.Name == session.CookieName {
			return c
		}
	}
	Fail("no session cookie set")
	return nil
}

func (h *harness) count() int64 {
	n, err := h.store.Count(context.Background(), "")
	Expect(err).NotTo(HaveOccurred())
	return n
}

func (h *harness) seed(device string, temps ...float64) {
	for _, t := range temps {
		_, err := h.store.Insert(context.Background(), &store.Reading{
			DeviceID:     device,
			Timestamp:    time.Now().UTC(),
			TemperatureC: t,
			RawTempC:     t,
			TargetC:      25,
		})
		Expect(err).NotTo(HaveOccurred())
	}
}

func body(rec *httptest.ResponseRecorder) string {
	b, err := io.ReadAll(rec.Result().Body)
	Expect(err).NotTo(HaveOccurred())
	return string(b)
}
