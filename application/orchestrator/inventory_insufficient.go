package orchestrator

import (
	"context"
	"fmt"
	"log"

	"github.com/shipsaga/fulfillment/domain/envelope"
	"github.com/shipsaga/fulfillment/pkg/idgen"
)

// handleInventoryInsufficient fails the saga at the inventory.reserve
// step, publishes ShipmentCancelled, and emits saga.failed. No
// compensation is needed here: nothing downstream of inventory
// reservation has happened yet.
func (o *Orchestrator) handleInventoryInsufficient(ctx context.Context, event envelope.Event) error {
	payload, err := envelope.Decode[envelope.InventoryInsufficientPayload](event)
	if err != nil {
		return fmt.Errorf("orchestrator: decode inventory.insufficient: %w", err)
	}

	instance, ok, err := o.sagaForEvent(ctx, event)
	if err != nil || !ok {
		return err
	}

	errMsg := fmt.Sprintf("insufficient inventory at warehouse %s: missing %v", payload.WarehouseID, payload.MissingItems)
	if err := instance.Fail("inventory.reserve", errMsg, now()); err != nil {
		log.Printf("orchestrator: saga %s cannot fail (status %s), dropping duplicate", instance.SagaID, instance.Status)
		return nil
	}

	if err := o.store.Save(ctx, instance); err != nil {
		return fmt.Errorf("orchestrator: save saga %s: %w", instance.SagaID, err)
	}

	cancelEvt, err := envelope.NewEvent(idgen.New(), envelope.EventShipmentCancelled, envelope.AggregateShipment, payload.ShipmentID, instance.SagaID,
		envelope.ShipmentCancelledPayload{
			ShipmentID:  payload.ShipmentID,
			Reason:      "inventory_insufficient",
			CancelledAt: now().Format(timeFormat),
		})
	if err != nil {
		return fmt.Errorf("orchestrator: build shipment.cancelled event: %w", err)
	}
	if err := o.bus.PublishEvent(ctx, cancelEvt, envelope.TopicShipmentEvents); err != nil {
		return fmt.Errorf("orchestrator: publish shipment.cancelled: %w", err)
	}

	if err := o.publishSagaEvent(ctx, envelope.EventSagaFailed, instance, map[string]interface{}{
		"failed_step":   instance.FailedStep,
		"error_message": instance.ErrorMessage,
	}); err != nil {
		return fmt.Errorf("orchestrator: publish saga.failed: %w", err)
	}

	log.Printf("orchestrator: saga %s failed at inventory.reserve: %s", instance.SagaID, errMsg)
	return nil
}

const timeFormat = "2006-01-02T15:04:05Z07:00"
