// Package generator produces synthetic thermostat devices and their
// readings for load tests and demos.
package generator

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/brianvoe/gofakeit/v7"
)

// Device describes a simulated sensor node.
type Device struct {
	ID       string
	Location string `fake:"{city}"`
	Firmware string `fake:"{appversion}"`
	IP       string `fake:"{ipv4address}"`
}

// Payload is the JSON body a device posts to the ingest endpoint.
type Payload struct {
	Timestamp    time.Time `json:"ts"`
	HumidityPct  *float64  `json:"humidity_pct,omitempty"`
	PressureHpa  *float64  `json:"pressure_hpa,omitempty"`
	CPUTempC     *float64  `json:"cpu_temp_c,omitempty"`
	DeviceID     string    `json:"device_id"`
	TemperatureC float64   `json:"temperature_c"`
	RawTempC     float64   `json:"raw_temp_c"`
	TargetC      float64   `json:"target_c"`
	FanOn        bool      `json:"fan_on"`
}

// NewDevices creates n devices named <prefix>-01, <prefix>-02 and so on.
// A seed of zero draws a random seed.
func NewDevices(n int, prefix string, seed uint64) ([]Device, error) {
	if n <= 0 {
		return nil, fmt.Errorf("device count must be positive, got %d", n)
	}
	if prefix == "" {
		prefix = "sim"
	}

	faker := gofakeit.New(seed)
	devices := make([]Device, 0, n)
	for i := range n {
		var d Device
		if err := faker.Struct(&d); err != nil {
			return nil, fmt.Errorf("failed to generate device: %w", err)
		}
		d.ID = fmt.Sprintf("%s-%02d", prefix, i+1)
		devices = append(devices, d)
	}
	return devices, nil
}

// Thermostat simulates one device: a room temperature following a daily
// cycle, a sensor that reads warm from board heat, and a fan with
// hysteresis around the target.
type Thermostat struct {
	mu sync.Mutex

	faker    *gofakeit.Faker
	deviceID string

	baselineTemp     float64
	baselineHumidity float64
	pressure         float64
	pressureTrend    float64
	sensorOffset     float64
	target           float64
	hysteresis       float64
	noise            float64
	fanOn            bool
}

// NewThermostat creates a generator for deviceID. A seed of zero draws a
// random seed.
func NewThermostat(deviceID string, seed uint64) *Thermostat {
	f := gofakeit.New(seed)
	return &Thermostat{
		faker:            f,
		deviceID:         deviceID,
		baselineTemp:     f.Float64Range(20, 28),
		baselineHumidity: f.Float64Range(40, 60),
		pressure:         f.Float64Range(1003, 1023),
		pressureTrend:    f.Float64Range(-0.25, 0.25),
		sensorOffset:     f.Float64Range(1, 4),
		target:           25,
		hysteresis:       0.5,
		noise:            f.Float64Range(0.2, 1.5),
	}
}

// DeviceID returns the simulated device id.
func (g *Thermostat) DeviceID() string {
	return g.deviceID
}

// Next produces the reading at time t.
func (g *Thermostat) Next(t time.Time) Payload {
	g.mu.Lock()
	defer g.mu.Unlock()

	temp := g.temperature(t)
	raw := temp + g.sensorOffset
	humidity := g.humidity(t, temp)
	pressure := g.nextPressure()
	cpu := raw + g.faker.Float64Range(12, 20)

	switch {
	case temp > g.target+g.hysteresis:
		g.fanOn = true
	case temp < g.target-g.hysteresis:
		g.fanOn = false
	}

	return Payload{
		DeviceID:     g.deviceID,
		Timestamp:    t.UTC(),
		TemperatureC: round(temp, 2),
		RawTempC:     round(raw, 2),
		TargetC:      g.target,
		FanOn:        g.fanOn,
		HumidityPct:  ptr(round(humidity, 1)),
		PressureHpa:  ptr(round(pressure, 1)),
		CPUTempC:     ptr(round(cpu, 1)),
	}
}

// temperature peaks mid afternoon.
func (g *Thermostat) temperature(t time.Time) float64 {
	hour := float64(t.Hour()) + float64(t.Minute())/60
	daily := 3 * math.Sin((hour-9)*math.Pi/12)
	noise := g.faker.Float64Range(-0.5, 0.5) * g.noise
	return g.baselineTemp + daily + noise
}

// humidity moves against temperature and stays within 20-95%.
func (g *Thermostat) humidity(t time.Time, temp float64) float64 {
	hour := float64(t.Hour())
	daily := -3 * math.Sin((hour-6)*math.Pi/12)
	tempEffect := -(temp - g.baselineTemp) * 1.5
	noise := g.faker.Float64Range(-0.25, 0.25) * g.noise

	return math.Max(20, math.Min(95, g.baselineHumidity+daily+tempEffect+noise))
}

// nextPressure is a bounded random walk with an occasionally reversing
// trend.
func (g *Thermostat) nextPressure() float64 {
	if g.faker.Float64() < 0.1 {
		g.pressureTrend = -g.pressureTrend + g.faker.Float64Range(-0.1, 0.1)
	}

	g.pressure += g.pressureTrend + g.faker.Float64Range(-0.25, 0.25)
	g.pressure = math.Max(980, math.Min(1040, g.pressure))
	return g.pressure
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

func ptr(v float64) *float64 {
	return &v
}
