// Package rpc serves readings to machine clients over gRPC. Messages are
// google.protobuf Struct values carrying the same JSON shape as the HTTP API.
package rpc

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"procodus.dev/sensorhub/internal/apperr"
	"procodus.dev/sensorhub/internal/store"
)

// Readings is the read side of the store.
type Readings interface {
	Latest(ctx context.Context, deviceID string) (*store.Reading, error)
	History(ctx context.Context, deviceID string, limit int) ([]store.Reading, error)
}

// Service implements ReadingsServer.
type Service struct {
	logger   *slog.Logger
	readings Readings
}

// NewService creates a new Service.
func NewService(logger *slog.Logger, readings Readings) (*Service, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if readings == nil {
		return nil, errors.New("readings store cannot be nil")
	}

	return &Service{logger: logger, readings: readings}, nil
}

var _ ReadingsServer = (*Service)(nil)

// Latest returns the newest reading, or {"status":"empty"}.
func (s *Service) Latest(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	deviceID, err := deviceID(req)
	if err != nil {
		return nil, err
	}

	reading, err := s.readings.Latest(ctx, deviceID)
	if err != nil {
		s.logger.Error("failed to fetch latest reading", "device_id", deviceID, "error", err)
		return nil, statusFor(err)
	}

	if reading == nil {
		return &structpb.Struct{Fields: map[string]*structpb.Value{
			"status": structpb.NewStringValue("empty"),
		}}, nil
	}
	return ReadingStruct(*reading), nil
}

// History returns recent readings, newest first.
func (s *Service) History(ctx context.Context, req *structpb.Struct) (*structpb.ListValue, error) {
	deviceID, err := deviceID(req)
	if err != nil {
		return nil, err
	}

	limit, err := limit(req)
	if err != nil {
		return nil, err
	}

	rows, err := s.readings.History(ctx, deviceID, limit)
	if err != nil {
		s.logger.Error("failed to fetch history", "device_id", deviceID, "error", err)
		return nil, statusFor(err)
	}

	list := &structpb.ListValue{Values: make([]*structpb.Value, 0, len(rows))}
	for _, r := range rows {
		list.Values = append(list.Values, structpb.NewStructValue(ReadingStruct(r)))
	}
	return list, nil
}

func deviceID(req *structpb.Struct) (string, error) {
	v, ok := req.GetFields()["device_id"]
	if !ok {
		return "", nil
	}

	switch k := v.GetKind().(type) {
	case *structpb.Value_NullValue:
		return "", nil
	case *structpb.Value_StringValue:
		return k.StringValue, nil
	default:
		return "", status.Error(codes.InvalidArgument, "device_id must be a string")
	}
}

func limit(req *structpb.Struct) (int, error) {
	v, ok := req.GetFields()["limit"]
	if !ok {
		return store.DefaultLimit, nil
	}

	switch k := v.GetKind().(type) {
	case *structpb.Value_NullValue:
		return store.DefaultLimit, nil
	case *structpb.Value_NumberValue:
		n := k.NumberValue
		if n != math.Trunc(n) || math.IsInf(n, 0) {
			return 0, status.Error(codes.InvalidArgument, "limit must be an integer")
		}
		return store.ClampLimit(int(max(min(n, math.MaxInt32), math.MinInt32))), nil
	default:
		return 0, status.Error(codes.InvalidArgument, "limit must be an integer")
	}
}

// ReadingStruct renders a reading with the HTTP API's field names. Unset
// optional fields become null.
func ReadingStruct(r store.Reading) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"id":            structpb.NewNumberValue(float64(r.ID)),
		"device_id":     structpb.NewStringValue(r.DeviceID),
		"ts":            structpb.NewStringValue(r.Timestamp.UTC().Format(time.RFC3339Nano)),
		"temperature_c": structpb.NewNumberValue(r.TemperatureC),
		"humidity_pct":  optional(r.HumidityPct),
		"pressure_hpa":  optional(r.PressureHpa),
		"cpu_temp_c":    optional(r.CPUTempC),
		"raw_temp_c":    structpb.NewNumberValue(r.RawTempC),
		"target_c":      structpb.NewNumberValue(r.TargetC),
		"fan_on":        structpb.NewBoolValue(r.FanOn),
	}}
}

func optional(v *float64) *structpb.Value {
	if v == nil {
		return structpb.NewNullValue()
	}
	return structpb.NewNumberValue(*v)
}

// statusFor maps an error kind to a gRPC status.
func statusFor(err error) error {
	code := codes.Internal
	switch apperr.KindOf(err) {
	case apperr.Validation:
		code = codes.InvalidArgument
	case apperr.Auth:
		code = codes.Unauthenticated
	case apperr.Configuration:
		code = codes.FailedPrecondition
	}
	return status.Error(code, apperr.Message(err))
}
