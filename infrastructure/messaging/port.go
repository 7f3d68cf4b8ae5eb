// Package messaging implements the Messaging Port (C1): the contract
// every saga participant uses to publish events/commands and consume
// them with at-least-once delivery, partition-keyed ordering, idempotent
// producer semantics, and retry with exponential backoff.
//
// Two adapters implement Port: InMemoryPort (tests, topic buffers held
// per InMemoryPort value) and RabbitMQPort (production, backed by
// github.com/rabbitmq/amqp091-go). Both must be observationally
// equivalent for the properties in §8 of the spec.
package messaging

import (
	"context"
	"errors"
	"fmt"

	"github.com/shipsaga/fulfillment/domain/envelope"
)

// EventHandler processes one consumed event. Returning an error leaves
// the message uncommitted for redelivery (at-least-once); returning nil
// commits progress past it.
type EventHandler func(ctx context.Context, event envelope.Event) error

// CommandHandler is the command-side analogue of EventHandler.
type CommandHandler func(ctx context.Context, command envelope.Command) error

// Port is the interface every participant, including the orchestrator
// itself, uses to talk to the bus.
type Port interface {
	// PublishEvent durably hands event to the broker for each named
	// topic, keyed by event.AggregateID so per-aggregate order is
	// preserved. Returns *PublishError after the retry budget is
	// exhausted, or after the first attempt on a permanent error.
	PublishEvent(ctx context.Context, event envelope.Event, topics ...string) error

	// PublishCommand is the command-side analogue, keyed by
	// command.AggregateID.
	PublishCommand(ctx context.Context, command envelope.Command, topics ...string) error

	// ConsumeEvent subscribes handler to topics under consumerGroup.
	// Delivery is at-least-once: malformed messages are logged and
	// skipped (offset advances); handler errors leave the message
	// uncommitted so it is redelivered. Blocks until ctx is cancelled,
	// finishing any in-flight message first.
	ConsumeEvent(ctx context.Context, consumerGroup string, handler EventHandler, topics ...string) error

	// ConsumeCommand is the command-side analogue of ConsumeEvent.
	ConsumeCommand(ctx context.Context, consumerGroup string, handler CommandHandler, topics ...string) error

	// Close releases any broker connection/channel resources. Safe to
	// call once during process shutdown.
	Close() error
}

// PublishError is returned once a publish's retry budget (attempt count)
// is exhausted, or at once on a permanent error. The budget has no
// cumulative-time bound; only ctx cancellation ends it early.
type PublishError struct {
	Topic    string
	Attempts int
	Err      error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("messaging: publish to %q failed after %d attempt(s): %v", e.Topic, e.Attempts, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// ErrSerialization and ErrAuth mark publish failures as permanent:
// retrying them can never succeed, so the retry policy (§4.1) bypasses
// the backoff budget and fails immediately.
var (
	ErrSerialization = errors.New("messaging: permanent serialization error")
	ErrAuth          = errors.New("messaging: permanent authentication error")
)

func isPermanent(err error) bool {
	return errors.Is(err, ErrSerialization) || errors.Is(err, ErrAuth)
}
