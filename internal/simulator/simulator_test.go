package simulator_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"procodus.dev/sensorhub/internal/simulator"
	"procodus.dev/sensorhub/pkg/client"
	"procodus.dev/sensorhub/pkg/generator"
	"procodus.dev/sensorhub/pkg/metrics"
	"procodus.dev/sensorhub/pkg/mq/mock"
)

type fakePublisher struct {
	mu       sync.Mutex
	payloads []generator.Payload
	fail     bool
	closed   atomic.Bool
}

func (f *fakePublisher) Transport() string { return "fake" }

func (f *fakePublisher) Publish(_ context.Context, p generator.Payload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, p)
	if f.fail {
		return errors.New("broker down")
	}
	return nil
}

func (f *fakePublisher) Close() error {
	f.closed.Store(true)
	return nil
}

func (f *fakePublisher) sent() []generator.Payload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]generator.Payload(nil), f.payloads...)
}

var _ = Describe("Simulator", func() {
	var (
		logger *slog.Logger
		pub    *fakePublisher
	)

	BeforeEach(func() {
		logger = slog.New(slog.DiscardHandler)
		pub = &fakePublisher{}
	})

	DescribeTable("New should validate the config",
		func(mutate func(*simulator.Config), message string) {
			cfg := &simulator.Config{Logger: logger, Publisher: pub, Devices: 1, Interval: time.Second}
			mutate(cfg)
			_, err := simulator.New(cfg)
			Expect(err).To(MatchError(ContainSubstring(message)))
		},
		Entry("no logger", func(c *simulator.Config) { c.Logger = nil }, "logger"),
		Entry("no publisher", func(c *simulator.Config) { c.Publisher = nil }, "publisher"),
		Entry("no devices", func(c *simulator.Config) { c.Devices = 0 }, "device count"),
		Entry("no interval", func(c *simulator.Config) { c.Interval = 0 }, "interval"),
	)

	It("should send Count readings per device and close the publisher", func() {
		m := metrics.NewSimulatorMetrics("test", prometheus.NewRegistry())
		sim, err := simulator.New(&simulator.Config{
			Logger:    logger,
			Publisher: pub,
			Metrics:   m,
			Devices:   2,
			Prefix:    "raspi",
			Interval:  5 * time.Millisecond,
			Count:     3,
			Seed:      11,
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(sim.Devices()).To(HaveLen(2))

		Expect(sim.Run(context.Background())).To(Succeed())

		sent := pub.sent()
		Expect(sent).To(HaveLen(6))

		perDevice := map[string]int{}
		for _, p := range sent {
			perDevice[p.DeviceID]++
		}
		Expect(perDevice).To(Equal(map[string]int{"raspi-01": 3, "raspi-02": 3}))
		Expect(pub.closed.Load()).To(BeTrue())
		Expect(testutil.ToFloat64(m.ReadingsSent.WithLabelValues("fake", "success"))).To(Equal(6.0))
		Expect(testutil.ToFloat64(m.ActiveDevices)).To(BeZero())
	})

	It("should keep going after publish failures", func() {
		pub.fail = true
		m := metrics.NewSimulatorMetrics("test", prometheus.NewRegistry())
		sim, err := simulator.New(&simulator.Config{
			Logger: logger, Publisher: pub, Metrics: m,
			Devices: 1, Interval: 5 * time.Millisecond, Count: 2,
		})
		Expect(err).NotTo(HaveOccurred())

		Expect(sim.Run(context.Background())).To(Succeed())
		Expect(pub.sent()).To(HaveLen(2))
		Expect(testutil.ToFloat64(m.ReadingsSent.WithLabelValues("fake", "error"))).To(Equal(2.0))
	})

	It("should stop when the context is canceled", func() {
		sim, err := simulator.New(&simulator.Config{
			Logger: logger, Publisher: pub, Devices: 3, Interval: 5 * time.Millisecond,
		})
		Expect(err).NotTo(HaveOccurred())

		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()

		Expect(sim.Run(ctx)).To(Succeed())
		Expect(pub.sent()).NotTo(BeEmpty())
		Expect(pub.closed.Load()).To(BeTrue())
	})
})

var _ = Describe("Publishers", func() {
	It("should push JSON readings to the broker", func() {
		mqClient := mock.NewMockClient()
		pub, err := simulator.NewAMQPPublisher(mqClient)
		Expect(err).NotTo(HaveOccurred())
		Expect(pub.Transport()).To(Equal("amqp"))

		p := generator.NewThermostat("raspi-01", 1).Next(time.Now())
		Expect(pub.Publish(context.Background(), p)).To(Succeed())

		msgs := mqClient.Messages()
		Expect(msgs).To(HaveLen(1))

		var decoded map[string]any
		Expect(json.Unmarshal(msgs[0], &decoded)).To(Succeed())
		Expect(decoded).To(HaveKeyWithValue("device_id", "raspi-01"))

		Expect(pub.Close()).To(Succeed())
		Expect(mqClient.CloseCalls).To(Equal(1))
	})

	It("should post readings over HTTP", func() {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			_, _ = io.Copy(io.Discard, r.Body)
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `{"status":"saved"}`)
		}))
		DeferCleanup(srv.Close)

		c, err := client.New(&client.Config{BaseURL: srv.URL, APIKey: "secret"})
		Expect(err).NotTo(HaveOccurred())

		pub, err := simulator.NewHTTPPublisher(c)
		Expect(err).NotTo(HaveOccurred())
		Expect(pub.Publish(context.Background(), generator.NewThermostat("d", 1).Next(time.Now()))).To(Succeed())
		Expect(calls.Load()).To(Equal(int32(1)))
	})

	It("should reject nil clients", func() {
		_, err := simulator.NewHTTPPublisher(nil)
		Expect(err).To(HaveOccurred())
		_, err = simulator.NewAMQPPublisher(nil)
		Expect(err).To(HaveOccurred())
	})
})
