package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/shipsaga/fulfillment/domain/envelope"
	"github.com/shipsaga/fulfillment/domain/saga"
	"github.com/shipsaga/fulfillment/infrastructure/sagastore"
	"github.com/shipsaga/fulfillment/pkg/idgen"
)

// handleShipmentCreated starts a new ShipmentFulfillment saga and issues
// the first command, ReserveInventoryCommand. If an active saga for this
// shipment already exists (a duplicate delivery of shipment.created,
// at-least-once redelivery) this is a no-op: the second delivery simply
// observes the saga GetActiveByShipment already returns (§4.3).
func (o *Orchestrator) handleShipmentCreated(ctx context.Context, event envelope.Event) error {
	payload, err := envelope.Decode[envelope.ShipmentCreatedPayload](event)
	if err != nil {
		return fmt.Errorf("orchestrator: decode shipment.created: %w", err)
	}

	existing, err := o.store.GetActiveByShipment(ctx, payload.ShipmentID)
	if err != nil && !errors.Is(err, sagastore.ErrNotFound) {
		return fmt.Errorf("orchestrator: lookup active saga for %s: %w", payload.ShipmentID, err)
	}
	if existing != nil {
		log.Printf("orchestrator: shipment %s already has an active saga %s, ignoring duplicate start", payload.ShipmentID, existing.SagaID)
		return nil
	}

	instance := saga.NewShipmentFulfillment(idgen.New(), payload.ShipmentID, now())
	if payload.WarehouseID != "" {
		if err := instance.SetWarehouse(payload.WarehouseID, now()); err != nil {
			return fmt.Errorf("orchestrator: set warehouse on new saga: %w", err)
		}
	}

	if err := o.store.Save(ctx, instance); err != nil {
		return fmt.Errorf("orchestrator: save new saga %s: %w", instance.SagaID, err)
	}

	if err := o.publishSagaEvent(ctx, envelope.EventSagaStarted, instance, map[string]interface{}{
		"shipment_id": payload.ShipmentID,
	}); err != nil {
		return fmt.Errorf("orchestrator: publish saga.started: %w", err)
	}

	cmd, err := envelope.NewCommand(idgen.New(), envelope.CommandInventoryReserve, envelope.AggregateWarehouse, payload.WarehouseID, instance.SagaID,
		envelope.ReserveInventoryPayload{
			WarehouseID: payload.WarehouseID,
			ShipmentID:  payload.ShipmentID,
			Items:       payload.Items,
		})
	if err != nil {
		return fmt.Errorf("orchestrator: build inventory.reserve command: %w", err)
	}

	if err := o.bus.PublishCommand(ctx, cmd, envelope.TopicInventoryCommands); err != nil {
		return fmt.Errorf("orchestrator: publish inventory.reserve: %w", err)
	}

	log.Printf("orchestrator: saga %s started for shipment %s, reserve inventory requested", instance.SagaID, payload.ShipmentID)
	return nil
}
