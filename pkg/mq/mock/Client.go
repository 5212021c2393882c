// Package mock provides an in-memory mq.ClientInterface for tests.
package mock

import (
	"context"
	"errors"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"procodus.dev/sensorhub/pkg/mq"
)

// MockClient records published messages and serves deliveries from a
// channel the test controls.
type MockClient struct {
	mu sync.Mutex

	// PushFunc overrides Push when set.
	PushFunc func(ctx context.Context, data []byte) error
	// PushError is returned by Push and UnsafePush when PushFunc is nil.
	PushError error
	// Pushed holds every message passed to Push or UnsafePush.
	Pushed [][]byte

	// Deliveries is returned by Consume. Close closes it and Reconnect
	// replaces it.
	Deliveries chan amqp.Delivery
	// ConsumeError is returned by Consume when set.
	ConsumeError error
	ConsumeCalls int

	CloseError error
	CloseCalls int

	closed bool
}

// ErrClosed is returned by Consume after Close.
var ErrClosed = errors.New("mock client is closed")

// NewMockClient creates a MockClient with an unbuffered delivery channel.
func NewMockClient() *MockClient {
	return &MockClient{Deliveries: make(chan amqp.Delivery)}
}

// Push implements mq.ClientInterface.
func (m *MockClient) Push(ctx context.Context, data []byte) error {
	m.mu.Lock()
	m.Pushed = append(m.Pushed, append([]byte(nil), data...))
	fn, err := m.PushFunc, m.PushError
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, data)
	}
	return err
}

// UnsafePush implements mq.ClientInterface.
func (m *MockClient) UnsafePush(ctx context.Context, data []byte) error {
	return m.Push(ctx, data)
}

// Consume implements mq.ClientInterface.
func (m *MockClient) Consume() (<-chan amqp.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ConsumeCalls++
	if m.closed {
		return nil, ErrClosed
	}
	if m.ConsumeError != nil {
		return nil, m.ConsumeError
	}
	return m.Deliveries, nil
}

// SetConsumeError changes the error Consume returns.
func (m *MockClient) SetConsumeError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ConsumeError = err
}

// ConsumeCount returns how many times Consume was called.
func (m *MockClient) ConsumeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ConsumeCalls
}

// Reconnect closes the current delivery channel the way a dropped broker
// connection does and installs a fresh one for the next Consume.
func (m *MockClient) Reconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.closed {
		close(m.Deliveries)
	}
	m.Deliveries = make(chan amqp.Delivery)
}

// Close implements mq.ClientInterface.
func (m *MockClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CloseCalls++
	if !m.closed {
		m.closed = true
		close(m.Deliveries)
	}
	return m.CloseError
}

// Messages returns a copy of everything pushed so far.
func (m *MockClient) Messages() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.Pushed...)
}

var _ mq.ClientInterface = (*MockClient)(nil)
