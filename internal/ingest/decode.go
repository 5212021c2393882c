package ingest

import (
	"bytes"
	"encoding/json"
	"math"
	"strings"
	"time"

	"github.com/spf13/cast"

	"procodus.dev/sensorhub/internal/apperr"
	"procodus.dev/sensorhub/internal/store"
)

// Defaults applied to fields a device leaves out.
const (
	DefaultTargetC = 25.0
	DefaultFanOn   = false
)

const op = "decode reading"

// maxUnixSeconds is 9999-12-31T23:59:59Z, the last instant JSON and both
// databases can represent.
const maxUnixSeconds = 253402300799

// Decode parses a JSON reading body. now stamps readings that carry no
// timestamp of their own.
func Decode(body []byte, now time.Time) (*store.Reading, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, apperr.New(apperr.Validation, op, "request body must be a JSON object")
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, apperr.New(apperr.Validation, op, "request body must be a JSON object")
	}
	if payload == nil {
		return nil, apperr.New(apperr.Validation, op, "request body must be a JSON object")
	}

	return FromMap(payload, now)
}

// FromMap validates and coerces a decoded payload into a Reading with
// defaults applied. A JSON null counts as absent.
func FromMap(payload map[string]any, now time.Time) (*store.Reading, error) {
	deviceID, err := deviceField(payload)
	if err != nil {
		return nil, err
	}

	temp, err := floatField(payload, "temperature_c")
	if err != nil {
		return nil, err
	}
	if temp == nil {
		return nil, apperr.New(apperr.Validation, op, "temperature_c is required")
	}

	r := &store.Reading{
		DeviceID:     deviceID,
		TemperatureC: *temp,
		RawTempC:     *temp,
		TargetC:      DefaultTargetC,
		FanOn:        DefaultFanOn,
	}

	if r.HumidityPct, err = floatField(payload, "humidity_pct"); err != nil {
		return nil, err
	}
	if r.PressureHpa, err = floatField(payload, "pressure_hpa"); err != nil {
		return nil, err
	}
	if r.CPUTempC, err = floatField(payload, "cpu_temp_c"); err != nil {
		return nil, err
	}

	raw, err := floatField(payload, "raw_temp_c")
	if err != nil {
		return nil, err
	}
	if raw != nil {
		r.RawTempC = *raw
	}

	target, err := floatField(payload, "target_c")
	if err != nil {
		return nil, err
	}
	if target != nil {
		r.TargetC = *target
	}

	if v, ok := present(payload, "fan_on"); ok {
		r.FanOn = truthy(v)
	}

	ts, err := timestampField(payload)
	if err != nil {
		return nil, err
	}
	if ts.IsZero() {
		ts = now
	}
	r.Timestamp = ts.UTC()

	return r, nil
}

func present(payload map[string]any, key string) (any, bool) {
	v, ok := payload[key]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

func deviceField(payload map[string]any) (string, error) {
	v, ok := present(payload, "device_id")
	if !ok {
		return "", apperr.New(apperr.Validation, op, "device_id is required")
	}

	s, isString := v.(string)
	if !isString {
		return "", apperr.New(apperr.Validation, op, "device_id must be a string")
	}

	s = strings.TrimSpace(s)
	if s == "" {
		return "", apperr.New(apperr.Validation, op, "device_id is required")
	}
	return s, nil
}

// floatField accepts JSON numbers and numeric strings.
func floatField(payload map[string]any, key string) (*float64, error) {
	v, ok := present(payload, key)
	if !ok {
		return nil, nil
	}

	switch v.(type) {
	case bool, map[string]any, []any:
		return nil, apperr.Newf(apperr.Validation, op, "%s must be a number", key)
	}

	if s, isString := v.(string); isString {
		s = strings.TrimSpace(s)
		if s == "" {
			return nil, apperr.Newf(apperr.Validation, op, "%s must be a number", key)
		}
		v = s
	}

	f, err := cast.ToFloat64E(v)
	if err != nil {
		return nil, apperr.Newf(apperr.Validation, op, "%s must be a number", key)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, apperr.Newf(apperr.Validation, op, "%s must be a finite number", key)
	}
	return &f, nil
}

// truthy casts any JSON value to a boolean. Strings that spell a boolean
// are parsed; any other non-empty string is true.
func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		s := strings.TrimSpace(t)
		if b, err := cast.ToBoolE(s); err == nil {
			return b
		}
		return s != ""
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return cast.ToBool(v)
	}
}

// timestampField reads ts, or timestamp, as a date string or unix seconds.
// It returns the zero time when neither key is present.
func timestampField(payload map[string]any) (time.Time, error) {
	key := "ts"
	v, ok := present(payload, key)
	if !ok {
		key = "timestamp"
		if v, ok = present(payload, key); !ok {
			return time.Time{}, nil
		}
	}

	switch t := v.(type) {
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) || t <= 0 {
			return time.Time{}, apperr.Newf(apperr.Validation, op, "%s must be a positive unix time", key)
		}
		if t >= maxUnixSeconds+1 {
			return time.Time{}, apperr.Newf(apperr.Validation, op, "%s must be a unix time in seconds before year 10000", key)
		}
		sec, frac := math.Modf(t)
		return time.Unix(int64(sec), int64(frac*float64(time.Second))).UTC(), nil
	case string:
		ts, err := cast.ToTimeInDefaultLocationE(strings.TrimSpace(t), time.UTC)
		if err != nil || ts.IsZero() {
			return time.Time{}, apperr.Newf(apperr.Validation, op, "%s must be an RFC 3339 timestamp", key)
		}
		if year := ts.UTC().Year(); year < 1 || year > 9999 {
			return time.Time{}, apperr.Newf(apperr.Validation, op, "%s must be between year 1 and year 9999", key)
		}
		return ts.UTC(), nil
	default:
		return time.Time{}, apperr.Newf(apperr.Validation, op, "%s must be an RFC 3339 timestamp or unix time", key)
	}
}
