package orchestrator

import (
	"context"
	"fmt"
	"log"

	"github.com/shipsaga/fulfillment/domain/envelope"
	"github.com/shipsaga/fulfillment/pkg/idgen"
)

// handleInventoryReserved allocates a delivery_id for the shipment and
// issues AssignCourierCommand. The saga instance does not carry the
// shipment's destination (that lives with the shipment aggregate, not
// the saga row), so the courier-assignment command is published with an
// empty Destination; a courier-assignment participant resolves it from
// shipment_id the same way it would for any other command.
func (o *Orchestrator) handleInventoryReserved(ctx context.Context, event envelope.Event) error {
	payload, err := envelope.Decode[envelope.InventoryReservedPayload](event)
	if err != nil {
		return fmt.Errorf("orchestrator: decode inventory.reserved: %w", err)
	}

	instance, ok, err := o.sagaForEvent(ctx, event)
	if err != nil || !ok {
		return err
	}

	deliveryID := idgen.New()
	if err := instance.SetDelivery(deliveryID, now()); err != nil {
		log.Printf("orchestrator: saga %s cannot accept delivery allocation (status %s), dropping duplicate", instance.SagaID, instance.Status)
		return nil
	}
	if err := instance.SetWarehouse(payload.WarehouseID, now()); err != nil {
		return fmt.Errorf("orchestrator: set warehouse on saga %s: %w", instance.SagaID, err)
	}

	if err := o.store.Save(ctx, instance); err != nil {
		return fmt.Errorf("orchestrator: save saga %s: %w", instance.SagaID, err)
	}

	cmd, err := envelope.NewCommand(idgen.New(), envelope.CommandCourierAssign, envelope.AggregateDelivery, deliveryID, instance.SagaID,
		envelope.AssignCourierPayload{
			ShipmentID: payload.ShipmentID,
			DeliveryID: deliveryID,
		})
	if err != nil {
		return fmt.Errorf("orchestrator: build courier.assign command: %w", err)
	}

	if err := o.bus.PublishCommand(ctx, cmd, envelope.TopicDeliveryCommands); err != nil {
		return fmt.Errorf("orchestrator: publish courier.assign: %w", err)
	}

	log.Printf("orchestrator: saga %s allocated delivery %s, courier assignment requested", instance.SagaID, deliveryID)
	return nil
}
