package mq

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ClientInterface is the part of Client used by publishers and consumers.
type ClientInterface interface {
	// Push publishes and waits for the broker's confirm.
	Push(ctx context.Context, data []byte) error

	// UnsafePush publishes without waiting for a confirm.
	UnsafePush(ctx context.Context, data []byte) error

	// Consume returns the delivery channel. Deliveries must be acked or
	// nacked by the caller.
	Consume() (<-chan amqp.Delivery, error)

	// Close shuts the client down.
	Close() error
}

var _ ClientInterface = (*Client)(nil)
