package orchestrator

import (
	"context"
	"fmt"
	"log"

	"github.com/shipsaga/fulfillment/domain/envelope"
)

// handleCourierAssigned completes the saga: courier assignment is the
// last step of the ShipmentFulfillment happy path.
func (o *Orchestrator) handleCourierAssigned(ctx context.Context, event envelope.Event) error {
	payload, err := envelope.Decode[envelope.CourierAssignedPayload](event)
	if err != nil {
		return fmt.Errorf("orchestrator: decode courier.assigned: %w", err)
	}

	instance, ok, err := o.sagaForEvent(ctx, event)
	if err != nil || !ok {
		return err
	}

	if err := instance.Complete(now()); err != nil {
		log.Printf("orchestrator: saga %s cannot complete (status %s), dropping duplicate", instance.SagaID, instance.Status)
		return nil
	}

	if err := o.store.Save(ctx, instance); err != nil {
		return fmt.Errorf("orchestrator: save saga %s: %w", instance.SagaID, err)
	}

	if err := o.publishSagaEvent(ctx, envelope.EventSagaCompleted, instance, map[string]interface{}{
		"shipment_id": payload.ShipmentID,
		"delivery_id": payload.DeliveryID,
	}); err != nil {
		return fmt.Errorf("orchestrator: publish saga.completed: %w", err)
	}

	log.Printf("orchestrator: saga %s completed for shipment %s", instance.SagaID, payload.ShipmentID)
	return nil
}
