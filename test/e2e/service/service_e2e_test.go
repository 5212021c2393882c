package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	amqp "github.com/rabbitmq/amqp091-go"

	"procodus.dev/sensorhub/internal/rpc"
	"procodus.dev/sensorhub/internal/store"
	"procodus.dev/sensorhub/pkg/client"
)

// loggedInClient returns an HTTP client holding a dashboard session.
func loggedInClient() *http.Client {
	jar, err := cookiejar.New(nil)
	Expect(err).NotTo(HaveOccurred())

	c := &http.Client{
		Jar:     jar,
		Timeout: 10 * time.Second,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	resp, err := c.PostForm(baseURL+"/login", url.Values{
		"username": {username},
		"password": {password},
		"next":     {"/api/latest"},
	})
	Expect(err).NotTo(HaveOccurred())
	Expect(resp.Body.Close()).To(Succeed())
	Expect(resp.StatusCode).To(Equal(http.StatusSeeOther))
	Expect(resp.Header.Get("Location")).To(Equal("/api/latest"))

	return c
}

func getHistory(c *http.Client, deviceID string) ([]store.Reading, error) {
	resp, err := c.Get(baseURL + "/api/history?device_id=" + url.QueryEscape(deviceID))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("history answered %d: %s", resp.StatusCode, b)
	}

	var rows []store.Reading
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, err
	}
	return rows, nil
}

var _ = Describe("Sensorhub E2E", func() {
	var api *client.Client

	BeforeEach(func() {
		var err error
		api, err = client.New(&client.Config{BaseURL: baseURL, APIKey: apiKey})
		Expect(err).NotTo(HaveOccurred())
	})

	It("should report a healthy database", func() {
		Expect(api.Health(context.Background())).To(Succeed())
	})

	It("should reject ingest without the API key", func() {
		anonymous, err := client.New(&client.Config{BaseURL: baseURL})
		Expect(err).NotTo(HaveOccurred())

		err = anonymous.Ingest(context.Background(), map[string]any{"device_id": "x", "temperature_c": 1})
		var apiErr *client.APIError
		Expect(errors.As(err, &apiErr)).To(BeTrue())
		Expect(apiErr.StatusCode).To(Equal(http.StatusUnauthorized))
	})

	It("should store HTTP readings in PostgreSQL and serve them newest first", func() {
		deviceID := "pg-" + uuid.NewString()
		base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		for i := range 3 {
			Expect(api.Ingest(context.Background(), map[string]any{
				"device_id":     deviceID,
				"temperature_c": 20 + i,
				"humidity_pct":  40.5,
				"fan_on":        "yes",
				"ts":            base.Add(time.Duration(i) * time.Minute).Format(time.RFC3339),
			})).To(Succeed())
		}

		rows, err := getHistory(loggedInClient(), deviceID)
		Expect(err).NotTo(HaveOccurred())
		Expect(rows).To(HaveLen(3))
		Expect(rows[0].TemperatureC).To(Equal(22.0))
		Expect(rows[0].Timestamp).To(BeTemporally("==", base.Add(2*time.Minute)))
		Expect(rows[2].TemperatureC).To(Equal(20.0))
		Expect(rows[0].FanOn).To(BeTrue())
		Expect(rows[0].TargetC).To(Equal(25.0))
		Expect(rows[0].PressureHpa).To(BeNil())
		Expect(*rows[0].HumidityPct).To(Equal(40.5))
	})

	It("should consume readings published to RabbitMQ", func() {
		deviceID := "amqp-" + uuid.NewString()
		body, err := json.Marshal(map[string]any{"device_id": deviceID, "temperature_c": 19.25})
		Expect(err).NotTo(HaveOccurred())

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		Expect(mqChannel.PublishWithContext(ctx, "", queueName, false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		})).To(Succeed())

		c := loggedInClient()
		Eventually(func() ([]store.Reading, error) {
			return getHistory(c, deviceID)
		}, 15*time.Second, 250*time.Millisecond).Should(HaveLen(1))
	})

	It("should drop invalid queue messages without blocking valid ones", func() {
		deviceID := "amqp-" + uuid.NewString()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, body := range []string{`not json`, `{"device_id":"` + deviceID + `","temperature_c":7}`} {
			Expect(mqChannel.PublishWithContext(ctx, "", queueName, false, false, amqp.Publishing{
				ContentType: "application/json",
				Body:        []byte(body),
			})).To(Succeed())
		}

		c := loggedInClient()
		Eventually(func() ([]store.Reading, error) {
			return getHistory(c, deviceID)
		}, 15*time.Second, 250*time.Millisecond).Should(HaveLen(1))
	})

	It("should serve readings over gRPC", func() {
		deviceID := "grpc-" + uuid.NewString()
		Expect(api.Ingest(context.Background(), map[string]any{
			"device_id":     deviceID,
			"temperature_c": 30.5,
			"cpu_temp_c":    "48.0",
		})).To(Succeed())

		rc, err := rpc.Dial(service.GRPCAddr(), apiKey)
		Expect(err).NotTo(HaveOccurred())
		defer rc.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		r, err := rc.Latest(ctx, deviceID)
		Expect(err).NotTo(HaveOccurred())
		Expect(r).NotTo(BeNil())
		Expect(r.TemperatureC).To(Equal(30.5))
		Expect(*r.CPUTempC).To(Equal(48.0))
	})

	It("should keep sessions in the database until logout", func() {
		c := loggedInClient()

		resp, err := c.Get(baseURL + "/api/latest")
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.Body.Close()).To(Succeed())
		Expect(resp.StatusCode).To(Equal(http.StatusOK))

		resp, err = c.Get(baseURL + "/logout")
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.Body.Close()).To(Succeed())
		Expect(resp.StatusCode).To(Equal(http.StatusSeeOther))

		resp, err = c.Get(baseURL + "/api/latest")
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.Body.Close()).To(Succeed())
		Expect(resp.StatusCode).To(Equal(http.StatusFound))
		Expect(resp.Header.Get("Location")).To(HavePrefix("/login?next="))
	})

	It("should create the schema safely from concurrent instances", func() {
		const instances = 4

		var wg sync.WaitGroup
		errs := make(chan error, instances)
		for range instances {
			wg.Add(1)
			go func() {
				defer wg.Done()
				st, err := store.Open(&store.Config{DB: &store.DBConfig{Logger: testLogger, DSN: postgresDSN}})
				if err != nil {
					errs <- err
					return
				}
				defer st.Close()
				errs <- st.EnsureSchema(context.Background())
			}()
		}
		wg.Wait()
		close(errs)

		for err := range errs {
			Expect(err).NotTo(HaveOccurred())
		}
	})

	It("should answer the dashboard with the stored readings", func() {
		deviceID := "dash-" + uuid.NewString()
		Expect(api.Ingest(context.Background(), map[string]any{"device_id": deviceID, "temperature_c": 21.75})).To(Succeed())

		resp, err := loggedInClient().Get(baseURL + "/?device_id=" + url.QueryEscape(deviceID))
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()

		b, err := io.ReadAll(resp.Body)
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		Expect(strings.Contains(string(b), deviceID)).To(BeTrue())
	})
})
