package compensation

import (
	"context"
	"fmt"
	"log"

	"github.com/shipsaga/fulfillment/domain/envelope"
	"github.com/shipsaga/fulfillment/infrastructure/messaging"
	"github.com/shipsaga/fulfillment/infrastructure/sagastore"
)

const consumerName = "compensation-worker"

// Worker is the standalone failure-topic consumer from §4.4: a parallel
// subscriber on inventory-events and delivery-events that rolls a saga
// back whenever it observes a failure event the saga hasn't already been
// compensated for. In the common case the orchestrator's own inline
// handling (for delivery.failed) or direct failure handling (for
// inventory.insufficient) gets there first, and Worker's own attempt
// finds the saga already terminal and drops it — this is what makes
// running both consumers on the same topics safe.
type Worker struct {
	bus   messaging.Port
	store sagastore.Store
	group string
}

// NewWorker builds a Worker under its own consumer group, independent of
// the orchestrator's.
func NewWorker(bus messaging.Port, store sagastore.Store, consumerGroup string) *Worker {
	return &Worker{bus: bus, store: store, group: consumerGroup}
}

// Start subscribes to the failure topics and blocks until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) error {
	topics := []string{envelope.TopicInventoryEvents, envelope.TopicDeliveryEvents}
	log.Println("compensation: worker started, listening for failure events")
	if err := w.bus.ConsumeEvent(ctx, w.group, w.handle, topics...); err != nil {
		return fmt.Errorf("compensation: consume: %w", err)
	}
	return nil
}

func (w *Worker) handle(ctx context.Context, event envelope.Event) error {
	var (
		failedStep string
		reason     string
	)
	switch event.EventType {
	case envelope.EventInventoryInsufficient:
		payload, err := envelope.Decode[envelope.InventoryInsufficientPayload](event)
		if err != nil {
			return fmt.Errorf("compensation: decode inventory.insufficient: %w", err)
		}
		failedStep = "inventory.reserve"
		reason = fmt.Sprintf("insufficient inventory: missing %v", payload.MissingItems)
	case envelope.EventDeliveryFailed:
		payload, err := envelope.Decode[envelope.DeliveryFailedPayload](event)
		if err != nil {
			return fmt.Errorf("compensation: decode delivery.failed: %w", err)
		}
		failedStep = "delivery.failed"
		reason = payload.Reason
	case envelope.EventCourierUnassigned:
		payload, err := envelope.Decode[envelope.CourierUnassignedPayload](event)
		if err != nil {
			return fmt.Errorf("compensation: decode courier.unassigned: %w", err)
		}
		failedStep = "courier.unassigned"
		reason = "courier unassigned"
		_ = payload
	default:
		return nil
	}

	if event.CorrelationID == "" {
		log.Printf("compensation: event %s (%s) has no correlation_id, dropping", event.EventID, event.EventType)
		return nil
	}

	instance, err := w.store.Get(ctx, event.CorrelationID)
	if err != nil {
		if err == sagastore.ErrNotFound {
			log.Printf("compensation: no saga %s for event %s, dropping", event.CorrelationID, event.EventID)
			return nil
		}
		return fmt.Errorf("compensation: load saga %s: %w", event.CorrelationID, err)
	}

	if err := Trigger(ctx, w.bus, w.store, instance, failedStep, reason); err != nil {
		if err == ErrAlreadyHandled {
			log.Printf("compensation: saga %s already compensating/terminal, dropping %s", instance.SagaID, event.EventType)
			return nil
		}
		return fmt.Errorf("compensation: trigger for saga %s: %w", instance.SagaID, err)
	}
	return nil
}
