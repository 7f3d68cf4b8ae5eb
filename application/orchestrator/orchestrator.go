// Package orchestrator implements the Saga Orchestrator (C3): the
// ShipmentFulfillment state machine that turns shipment/inventory/delivery
// events into the next saga state and the commands that drive the
// workflow forward. Each event type gets its own handler file, mirroring
// the teacher's one-workflow-one-file layout, but dispatch itself is a
// single closed table rather than a chain of if-statements, so the
// mapping from (status, event_type) to action stays inspectable.
package orchestrator

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/shipsaga/fulfillment/domain/envelope"
	"github.com/shipsaga/fulfillment/domain/saga"
	"github.com/shipsaga/fulfillment/infrastructure/ledger"
	"github.com/shipsaga/fulfillment/infrastructure/messaging"
	"github.com/shipsaga/fulfillment/infrastructure/sagastore"
	"github.com/shipsaga/fulfillment/pkg/idgen"
)

const consumerName = "saga-orchestrator"

// Orchestrator listens on the shipment/inventory/delivery event topics
// and drives ShipmentFulfillment sagas through the status DAG.
type Orchestrator struct {
	bus   messaging.Port
	store sagastore.Store
	idem  ledger.Ledger
	group string
}

// New builds an Orchestrator. group is the messaging consumer group this
// instance registers under.
func New(bus messaging.Port, store sagastore.Store, idem ledger.Ledger, consumerGroup string) *Orchestrator {
	return &Orchestrator{bus: bus, store: store, idem: idem, group: consumerGroup}
}

// Start subscribes to every topic the orchestrator reacts to and blocks
// until ctx is cancelled.
func (o *Orchestrator) Start(ctx context.Context) error {
	topics := []string{
		envelope.TopicShipmentEvents,
		envelope.TopicInventoryEvents,
		envelope.TopicDeliveryEvents,
	}

	log.Println("orchestrator: started, listening for shipment/inventory/delivery events")

	if err := o.bus.ConsumeEvent(ctx, o.group, o.handle, topics...); err != nil {
		return fmt.Errorf("orchestrator: consume: %w", err)
	}
	return nil
}

// handle is the single dispatch point: every event this package reacts
// to is routed here, de-duplicated against the idempotency ledger, and
// then handed to the event-type-specific handler. Event types this
// orchestrator has no opinion about are a silent no-op, not an error —
// the same topics carry events other consumers care about too.
func (o *Orchestrator) handle(ctx context.Context, event envelope.Event) error {
	processed, err := o.idem.IsProcessed(ctx, event.EventID, consumerName)
	if err != nil {
		return fmt.Errorf("orchestrator: idempotency check %s: %w", event.EventID, err)
	}
	if processed {
		log.Printf("orchestrator: event %s already processed, skipping", event.EventID)
		return nil
	}

	var handleErr error
	switch event.EventType {
	case envelope.EventShipmentCreated:
		handleErr = o.handleShipmentCreated(ctx, event)
	case envelope.EventInventoryReserved:
		handleErr = o.handleInventoryReserved(ctx, event)
	case envelope.EventInventoryInsufficient:
		handleErr = o.handleInventoryInsufficient(ctx, event)
	case envelope.EventCourierAssigned:
		handleErr = o.handleCourierAssigned(ctx, event)
	case envelope.EventDeliveryFailed:
		handleErr = o.handleDeliveryFailed(ctx, event)
	default:
		return nil
	}
	if handleErr != nil {
		return handleErr
	}

	if err := o.idem.MarkProcessed(ctx, event.EventID, string(event.EventType), consumerName); err != nil {
		log.Printf("orchestrator: failed to mark %s processed: %v", event.EventID, err)
	}
	return nil
}

// publishSagaEvent emits one of the saga.* lifecycle events, carrying
// whatever extra context the caller wants surfaced (failed_step,
// shipment_id, ...).
func (o *Orchestrator) publishSagaEvent(ctx context.Context, eventType envelope.EventType, instance *saga.Instance, context map[string]interface{}) error {
	payload := envelope.SagaLifecyclePayload{
		SagaID:   instance.SagaID,
		SagaType: instance.SagaType,
		Context:  context,
	}
	evt, err := envelope.NewEvent(idgen.New(), eventType, envelope.AggregateSaga, instance.SagaID, instance.SagaID, payload)
	if err != nil {
		return fmt.Errorf("orchestrator: build %s event: %w", eventType, err)
	}
	return o.bus.PublishEvent(ctx, evt, envelope.TopicSagaEvents)
}

func now() time.Time { return time.Now().UTC() }

// sagaForEvent resolves the saga an inventory/delivery response event
// belongs to via its correlation_id, which every command the orchestrator
// issues carries as the saga_id (§4.3: "participants echo correlation_id
// back on their response event"). A missing correlation_id or an unknown
// saga_id is logged and the event dropped (ok=false), never an error —
// these are the precondition-violation cases §7 says to drop silently.
func (o *Orchestrator) sagaForEvent(ctx context.Context, event envelope.Event) (instance *saga.Instance, ok bool, err error) {
	if event.CorrelationID == "" {
		log.Printf("orchestrator: event %s (%s) has no correlation_id, dropping", event.EventID, event.EventType)
		return nil, false, nil
	}

	instance, err = o.store.Get(ctx, event.CorrelationID)
	if err != nil {
		if err == sagastore.ErrNotFound {
			log.Printf("orchestrator: no saga %s for event %s, dropping", event.CorrelationID, event.EventID)
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("orchestrator: load saga %s: %w", event.CorrelationID, err)
	}
	return instance, true, nil
}
