// Package bus provides the lifecycle event bus the relay publishes to and
// observers tap. The default implementation uses NATS, with an in-memory
// option for tests and single-process deployments.
package bus

import (
	"context"
	"errors"
)

var (
	// ErrClosed is returned when operating on a closed bus or subscription.
	ErrClosed = errors.New("bus or subscription closed")
)

// Well-known subject prefixes published by the bridge.
const (
	SubjectAskPrefix        = "chatbridge.ask."
	SubjectCredentialPrefix = "chatbridge.credential."
	SubjectSessionPrefix    = "chatbridge.session."
	SubjectAll              = "chatbridge.>"
)

// MessageBus is the core publish/subscribe interface.
// Implementations must be safe for concurrent use.
type MessageBus interface {
	// Publish sends a message to all subscribers of the given subject.
	// Returns immediately; does not wait for message delivery.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe registers a handler for messages on the given subject.
	// The handler is called in a separate goroutine for each message.
	// Supports wildcards: "chatbridge.ask.*" matches "chatbridge.ask.retry".
	Subscribe(ctx context.Context, subject string, handler MessageHandler) (Subscription, error)

	// Close shuts down the bus and all subscriptions.
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(msg *Message)

// Message represents an incoming message from the bus.
type Message struct {
	Subject string
	Data    []byte
}

// Subscription represents an active subscription that can be cancelled.
type Subscription interface {
	// Unsubscribe stops receiving messages and cleans up resources.
	Unsubscribe() error

	// Subject returns the subject pattern this subscription is for.
	Subject() string
}
