package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"

	"procodus.dev/sensorhub/internal/store"
)

// Client calls the Readings service.
type Client struct {
	conn   *grpc.ClientConn
	apiKey string
}

// Dial creates a client for target. The connection is established lazily.
func Dial(target, apiKey string, opts ...grpc.DialOption) (*Client, error) {
	if target == "" {
		return nil, errors.New("target cannot be empty")
	}

	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create grpc client: %w", err)
	}

	return &Client{conn: conn, apiKey: apiKey}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) outgoing(ctx context.Context) context.Context {
	if c.apiKey == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, APIKeyMetadata, c.apiKey)
}

func request(deviceID string, limit int) *structpb.Struct {
	req := &structpb.Struct{Fields: map[string]*structpb.Value{}}
	if deviceID != "" {
		req.Fields["device_id"] = structpb.NewStringValue(deviceID)
	}
	if limit != 0 {
		req.Fields["limit"] = structpb.NewNumberValue(float64(limit))
	}
	return req
}

// Latest returns the newest reading, or nil when there is none.
func (c *Client) Latest(ctx context.Context, deviceID string) (*store.Reading, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(c.outgoing(ctx), LatestMethod, request(deviceID, 0), out); err != nil {
		return nil, err
	}

	if _, ok := out.GetFields()["id"]; !ok {
		return nil, nil
	}
	return decodeReading(out)
}

// History returns up to limit readings, newest first. A zero limit uses
// the server default.
func (c *Client) History(ctx context.Context, deviceID string, limit int) ([]store.Reading, error) {
	out := new(structpb.ListValue)
	if err := c.conn.Invoke(c.outgoing(ctx), HistoryMethod, request(deviceID, limit), out); err != nil {
		return nil, err
	}

	rows := make([]store.Reading, 0, len(out.GetValues()))
	for _, v := range out.GetValues() {
		r, err := decodeReading(v.GetStructValue())
		if err != nil {
			return nil, err
		}
		rows = append(rows, *r)
	}
	return rows, nil
}

func decodeReading(s *structpb.Struct) (*store.Reading, error) {
	b, err := json.Marshal(s.AsMap())
	if err != nil {
		return nil, fmt.Errorf("failed to encode reading: %w", err)
	}

	var r store.Reading
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, fmt.Errorf("failed to decode reading: %w", err)
	}
	return &r, nil
}
