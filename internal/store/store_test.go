package store_test

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"procodus.dev/sensorhub/internal/apperr"
	"procodus.dev/sensorhub/internal/store"
	"procodus.dev/sensorhub/pkg/metrics"
)

func ptr(v float64) *float64 { return &v }

func memoryDSN() string {
	return fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
}

var _ = Describe("Store", func() {
	var (
		ctx    context.Context
		logger *slog.Logger
		s      *store.Store
		sm     *metrics.StoreMetrics
	)

	BeforeEach(func() {
		ctx = context.Background()
		logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
		sm = metrics.NewStoreMetrics("test", prometheus.NewRegistry())

		var err error
		s, err = store.Open(&store.Config{
			DB:      &store.DBConfig{Logger: logger, DSN: memoryDSN()},
			Metrics: sm,
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(s.EnsureSchema(ctx)).To(Succeed())
	})

	AfterEach(func() {
		Expect(s.Close()).To(Succeed())
	})

	reading := func(device string, temp float64) *store.Reading {
		return &store.Reading{
			DeviceID:     device,
			Timestamp:    time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
			TemperatureC: temp,
			RawTempC:     temp,
			TargetC:      25.0,
		}
	}

	Describe("EnsureSchema", func() {
		It("should be idempotent", func() {
			Expect(s.EnsureSchema(ctx)).To(Succeed())
			Expect(s.EnsureSchema(ctx)).To(Succeed())
		})
	})

	Describe("Insert", func() {
		It("should assign strictly increasing ids", func() {
			first, err := s.Insert(ctx, reading("raspi-01", 21.0))
			Expect(err).NotTo(HaveOccurred())
			second, err := s.Insert(ctx, reading("raspi-01", 21.5))
			Expect(err).NotTo(HaveOccurred())

			Expect(first).To(BeNumerically(">", 0))
			Expect(second).To(BeNumerically(">", first))
		})

		It("should store timestamps in UTC", func() {
			r := reading("raspi-01", 20.0)
			r.Timestamp = time.Date(2025, 3, 1, 14, 0, 0, 0, time.FixedZone("CET", 3600))
			_, err := s.Insert(ctx, r)
			Expect(err).NotTo(HaveOccurred())

			latest, err := s.Latest(ctx, "")
			Expect(err).NotTo(HaveOccurred())
			Expect(latest.Timestamp.Location()).To(Equal(time.UTC))
			Expect(latest.Timestamp).To(BeTemporally("==", time.Date(2025, 3, 1, 13, 0, 0, 0, time.UTC)))
		})

		It("should fail with a store error on a constraint violation", func() {
			_, err := s.Insert(ctx, reading("", 20.0))
			Expect(err).To(HaveOccurred())
			Expect(apperr.KindOf(err)).To(Equal(apperr.Store))

			n, err := s.Count(ctx, "")
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(BeZero())
		})

		It("should reject a nil reading", func() {
			_, err := s.Insert(ctx, nil)
			Expect(apperr.KindOf(err)).To(Equal(apperr.Store))
		})

		It("should record operation metrics", func() {
			_, err := s.Insert(ctx, reading("raspi-01", 20.0))
			Expect(err).NotTo(HaveOccurred())
			Expect(testutil.ToFloat64(sm.OperationsTotal.WithLabelValues("insert", "success"))).To(Equal(1.0))
		})
	})

	Describe("Latest", func() {
		It("should return nil on an empty store", func() {
			latest, err := s.Latest(ctx, "")
			Expect(err).NotTo(HaveOccurred())
			Expect(latest).To(BeNil())
		})

		It("should round-trip every field", func() {
			r := reading("raspi-01", 22.5)
			r.HumidityPct = ptr(40.0)
			r.PressureHpa = ptr(1012.3)
			r.CPUTempC = ptr(48.2)
			r.RawTempC = 23.1
			r.TargetC = 24.0
			r.FanOn = true
			id, err := s.Insert(ctx, r)
			Expect(err).NotTo(HaveOccurred())

			latest, err := s.Latest(ctx, "raspi-01")
			Expect(err).NotTo(HaveOccurred())
			Expect(latest.ID).To(Equal(id))
			Expect(latest.DeviceID).To(Equal("raspi-01"))
			Expect(latest.TemperatureC).To(Equal(22.5))
			Expect(latest.HumidityPct).To(HaveValue(Equal(40.0)))
			Expect(latest.PressureHpa).To(HaveValue(Equal(1012.3)))
			Expect(latest.CPUTempC).To(HaveValue(Equal(48.2)))
			Expect(latest.RawTempC).To(Equal(23.1))
			Expect(latest.TargetC).To(Equal(24.0))
			Expect(latest.FanOn).To(BeTrue())
		})

		It("should keep absent optional fields nil", func() {
			_, err := s.Insert(ctx, reading("raspi-01", 19.0))
			Expect(err).NotTo(HaveOccurred())

			latest, err := s.Latest(ctx, "")
			Expect(err).NotTo(HaveOccurred())
			Expect(latest.HumidityPct).To(BeNil())
			Expect(latest.PressureHpa).To(BeNil())
			Expect(latest.CPUTempC).To(BeNil())
		})

		It("should filter by device and default to all devices", func() {
			_, err := s.Insert(ctx, reading("raspi-01", 20.0))
			Expect(err).NotTo(HaveOccurred())
			_, err = s.Insert(ctx, reading("raspi-02", 30.0))
			Expect(err).NotTo(HaveOccurred())

			newest, err := s.Latest(ctx, "")
			Expect(err).NotTo(HaveOccurred())
			Expect(newest.DeviceID).To(Equal("raspi-02"))

			one, err := s.Latest(ctx, "raspi-01")
			Expect(err).NotTo(HaveOccurred())
			Expect(one.TemperatureC).To(Equal(20.0))

			none, err := s.Latest(ctx, "unknown")
			Expect(err).NotTo(HaveOccurred())
			Expect(none).To(BeNil())
		})
	})

	Describe("History", func() {
		BeforeEach(func() {
			for i := range 5 {
				_, err := s.Insert(ctx, reading("raspi-01", float64(i)))
				Expect(err).NotTo(HaveOccurred())
			}
			_, err := s.Insert(ctx, reading("raspi-02", 99.0))
			Expect(err).NotTo(HaveOccurred())
		})

		It("should list newest first", func() {
			rows, err := s.History(ctx, "raspi-01", 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(rows).To(HaveLen(5))
			for i := 1; i < len(rows); i++ {
				Expect(rows[i-1].ID).To(BeNumerically(">", rows[i].ID))
			}
			Expect(rows[0].TemperatureC).To(Equal(4.0))
		})

		It("should span devices without a filter", func() {
			rows, err := s.History(ctx, "", 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(rows).To(HaveLen(6))
			Expect(rows[0].DeviceID).To(Equal("raspi-02"))
		})

		It("should clamp a limit below one to a single row", func() {
			rows, err := s.History(ctx, "", -3)
			Expect(err).NotTo(HaveOccurred())
			Expect(rows).To(HaveLen(1))
		})

		It("should return an empty slice for an unknown device", func() {
			rows, err := s.History(ctx, "unknown", 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(rows).NotTo(BeNil())
			Expect(rows).To(BeEmpty())
		})
	})

	Describe("History above the maximum", func() {
		It("should never return more than MaxLimit rows", func() {
			for i := range store.MaxLimit + 20 {
				_, err := s.Insert(ctx, reading("raspi-01", float64(i)))
				Expect(err).NotTo(HaveOccurred())
			}

			rows, err := s.History(ctx, "", 500)
			Expect(err).NotTo(HaveOccurred())
			Expect(rows).To(HaveLen(store.MaxLimit))
		})
	})

	Describe("Ping", func() {
		It("should succeed on an open store", func() {
			Expect(s.Ping(ctx)).To(Succeed())
		})
	})
})

var _ = Describe("ClampLimit", func() {
	DescribeTable("bounds the limit",
		func(in, expected int) {
			Expect(store.ClampLimit(in)).To(Equal(expected))
		},
		Entry("negative", -10, 1),
		Entry("zero", 0, 1),
		Entry("one", 1, 1),
		Entry("default", 50, 50),
		Entry("maximum", 200, 200),
		Entry("above maximum", 500, 200),
	)
})

var _ = Describe("ParseDSN", func() {
	DescribeTable("detects the dialect",
		func(dsn string, dialect store.Dialect, driverDSN string) {
			d, out, err := store.ParseDSN(dsn)
			Expect(err).NotTo(HaveOccurred())
			Expect(d).To(Equal(dialect))
			Expect(out).To(Equal(driverDSN))
		},
		Entry("postgres url", "postgres://u:p@db:5432/iot", store.Postgres, "postgres://u:p@db:5432/iot"),
		Entry("postgresql url", "postgresql://db/iot", store.Postgres, "postgresql://db/iot"),
		Entry("key value", "host=db user=u dbname=iot", store.Postgres, "host=db user=u dbname=iot"),
		Entry("sqlite scheme", "sqlite://readings.db", store.SQLite, "readings.db"),
		Entry("sqlite prefix", "sqlite:readings.db", store.SQLite, "readings.db"),
		Entry("file uri", "file:x?mode=memory", store.SQLite, "file:x?mode=memory"),
	)

	It("should reject an empty URL as a configuration error", func() {
		_, _, err := store.ParseDSN("  ")
		Expect(apperr.KindOf(err)).To(Equal(apperr.Configuration))
	})

	It("should reject unknown schemes without echoing credentials", func() {
		_, _, err := store.ParseDSN("mysql://root:hunter2@db/iot")
		Expect(apperr.KindOf(err)).To(Equal(apperr.Configuration))
		Expect(err.Error()).NotTo(ContainSubstring("hunter2"))
	})
})

var _ = Describe("NewDB", func() {
	It("should reject a nil config", func() {
		_, _, err := store.NewDB(nil)
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("config cannot be nil"))
	})

	It("should reject a nil logger", func() {
		_, _, err := store.NewDB(&store.DBConfig{DSN: memoryDSN()})
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("logger cannot be nil"))
	})

	It("should reject a nil store config", func() {
		_, err := store.Open(nil)
		Expect(err).To(HaveOccurred())
	})
})
