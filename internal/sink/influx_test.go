package sink_test

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/sensorhub/internal/sink"
	"procodus.dev/sensorhub/internal/store"
)

type fakeInflux struct {
	mu      sync.Mutex
	lines   []string
	queries []string
	status  int
	health  string
}

func (f *fakeInflux) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/api/v2/write":
		b, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.lines = append(f.lines, string(b))
		f.queries = append(f.queries, r.URL.RawQuery)
		status := f.status
		f.mu.Unlock()

		if status != http.StatusNoContent {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			_, _ = io.WriteString(w, `{"code":"internal error","message":"disk full"}`)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case "/health":
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"name":"influxdb","message":"ready for queries and writes","status":"`+f.health+`","checks":[]}`)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeInflux) written() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.lines...)
}

func ptr(v float64) *float64 { return &v }

var _ = Describe("Influx", func() {
	var (
		logger *slog.Logger
		fake   *fakeInflux
		srv    *httptest.Server
	)

	BeforeEach(func() {
		logger = slog.New(slog.DiscardHandler)
		fake = &fakeInflux{status: http.StatusNoContent, health: "pass"}
		srv = httptest.NewServer(fake)
		DeferCleanup(srv.Close)
	})

	newSink := func() *sink.Influx {
		s, err := sink.NewInflux(&sink.InfluxConfig{
			Logger: logger,
			URL:    srv.URL,
			Token:  "token",
			Org:    "home",
			Bucket: "sensors",
		})
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(s.Close)
		return s
	}

	Describe("NewInflux", func() {
		It("should return error when config is nil", func() {
			s, err := sink.NewInflux(nil)
			Expect(err).To(HaveOccurred())
			Expect(s).To(BeNil())
		})

		It("should require a URL", func() {
			_, err := sink.NewInflux(&sink.InfluxConfig{Logger: logger, Org: "o", Bucket: "b"})
			Expect(err).To(MatchError(ContainSubstring("URL")))
		})

		It("should require org and bucket", func() {
			_, err := sink.NewInflux(&sink.InfluxConfig{Logger: logger, URL: srv.URL, Org: "o"})
			Expect(err).To(MatchError(ContainSubstring("bucket")))
		})
	})

	Describe("Write", func() {
		It("should write a tagged point to the configured bucket", func() {
			s := newSink()
			Expect(s.Name()).To(Equal("influx"))

			err := s.Write(context.Background(), store.Reading{
				DeviceID:     "raspi-01",
				Timestamp:    time.Unix(1700000000, 0).UTC(),
				TemperatureC: 22.5,
				RawTempC:     22.5,
				TargetC:      25,
				FanOn:        true,
				HumidityPct:  ptr(40),
			})
			Expect(err).NotTo(HaveOccurred())

			lines := fake.written()
			Expect(lines).To(HaveLen(1))
			Expect(lines[0]).To(HavePrefix("sensor_readings,device_id=raspi-01 "))
			Expect(lines[0]).To(ContainSubstring("temperature_c=22.5"))
			Expect(lines[0]).To(ContainSubstring("humidity_pct=40"))
			Expect(lines[0]).To(ContainSubstring("fan_on=true"))
			Expect(lines[0]).NotTo(ContainSubstring("pressure_hpa"))
			Expect(lines[0]).To(ContainSubstring("1700000000000000000"))
			Expect(fake.queries[0]).To(And(ContainSubstring("org=home"), ContainSubstring("bucket=sensors")))
		})

		It("should report server errors", func() {
			fake.status = http.StatusInternalServerError
			s := newSink()

			err := s.Write(context.Background(), store.Reading{DeviceID: "d", Timestamp: time.Now()})
			Expect(err).To(MatchError(ContainSubstring("failed to write point")))
		})
	})

	Describe("Ping", func() {
		It("should pass when the server is healthy", func() {
			Expect(newSink().Ping(context.Background())).To(Succeed())
		})

		It("should fail when the server reports a failed check", func() {
			fake.health = "fail"
			Expect(newSink().Ping(context.Background())).To(MatchError(ContainSubstring("health check failed")))
		})
	})

	Describe("Point", func() {
		It("should omit unset optional fields", func() {
			p := sink.Point(store.Reading{DeviceID: "d", TemperatureC: 1, CPUTempC: ptr(50)})
			Expect(p.Name()).To(Equal(sink.Measurement))

			keys := []string{}
			for _, f := range p.FieldList() {
				keys = append(keys, f.Key)
			}
			Expect(keys).To(ConsistOf("temperature_c", "raw_temp_c", "target_c", "fan_on", "cpu_temp_c"))
		})
	})
})
