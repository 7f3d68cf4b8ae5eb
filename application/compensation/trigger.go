// Package compensation implements the Compensation Worker (C4): reverse
// order rollback of a partially completed ShipmentFulfillment saga, plus
// the standalone failure-topic consumer that exists so a rollback still
// happens if the orchestrator itself is the thing that crashed mid-step.
package compensation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/shipsaga/fulfillment/domain/envelope"
	"github.com/shipsaga/fulfillment/domain/saga"
	"github.com/shipsaga/fulfillment/infrastructure/messaging"
	"github.com/shipsaga/fulfillment/infrastructure/sagastore"
	"github.com/shipsaga/fulfillment/pkg/idgen"
)

// ErrAlreadyHandled is returned by Trigger when the saga is already
// terminal or already compensating — cases §4.4 classifies as "log and
// drop" rather than an error worth propagating. A missing saga never
// reaches Trigger: its callers drop the event before loading an instance.
var ErrAlreadyHandled = errors.New("compensation: saga precondition already satisfied, nothing to do")

// Trigger rolls a saga back from failedStep, in reverse order, and marks
// it Failed once every compensating command has been published. It is
// shared between the orchestrator's own delivery.failed handling and the
// standalone Worker below so both paths produce byte-identical command
// sequences, and so whichever one gets there first makes the other's
// attempt a no-op: a saga already Compensating or terminal yields
// ErrAlreadyHandled.
func Trigger(ctx context.Context, bus messaging.Port, store sagastore.Store, instance *saga.Instance, failedStep, reason string) error {
	now := time.Now().UTC()

	if instance.Status == saga.StatusCompensating {
		return ErrAlreadyHandled
	}
	if err := instance.BeginCompensation(now); err != nil {
		if errors.Is(err, saga.ErrAlreadyTerminal) {
			return ErrAlreadyHandled
		}
		return fmt.Errorf("compensation: begin for saga %s: %w", instance.SagaID, err)
	}

	if err := store.Save(ctx, instance); err != nil {
		return fmt.Errorf("compensation: save compensating saga %s: %w", instance.SagaID, err)
	}

	if err := publishSagaEvent(ctx, bus, envelope.EventSagaCompensating, instance, map[string]interface{}{
		"failed_step": failedStep,
	}); err != nil {
		return fmt.Errorf("compensation: publish saga.compensating: %w", err)
	}

	for _, step := range reverseSteps(failedStep) {
		if err := step(ctx, bus, instance, reason); err != nil {
			return fmt.Errorf("compensation: saga %s step %s: %w", instance.SagaID, failedStep, err)
		}
	}

	if err := instance.Fail(failedStep, reason, now); err != nil {
		return fmt.Errorf("compensation: fail saga %s: %w", instance.SagaID, err)
	}
	if err := store.Save(ctx, instance); err != nil {
		return fmt.Errorf("compensation: save failed saga %s: %w", instance.SagaID, err)
	}

	if err := publishSagaEvent(ctx, bus, envelope.EventSagaFailed, instance, map[string]interface{}{
		"failed_step":   instance.FailedStep,
		"error_message": instance.ErrorMessage,
	}); err != nil {
		return fmt.Errorf("compensation: publish saga.failed: %w", err)
	}

	log.Printf("compensation: saga %s rolled back from %s", instance.SagaID, failedStep)
	return nil
}

type compensationStep func(ctx context.Context, bus messaging.Port, instance *saga.Instance, reason string) error

// reverseSteps returns the compensating commands to publish, in the
// order §4.4 specifies: the later the step that caused the failure, the
// more of the chain there is to unwind.
func reverseSteps(failedStep string) []compensationStep {
	switch failedStep {
	case "delivery.assign_courier", "delivery.failed":
		return []compensationStep{unassignCourier, releaseInventory, cancelShipment}
	case "courier.unassigned":
		return []compensationStep{releaseInventory, cancelShipment}
	case "inventory.reserve":
		return []compensationStep{cancelShipment}
	default:
		return []compensationStep{cancelShipment}
	}
}

func unassignCourier(ctx context.Context, bus messaging.Port, instance *saga.Instance, reason string) error {
	cmd, err := envelope.NewCommand(idgen.New(), envelope.CommandCourierUnassign, envelope.AggregateDelivery, instance.DeliveryID, instance.SagaID,
		envelope.UnassignCourierPayload{
			DeliveryID: instance.DeliveryID,
			ShipmentID: instance.ShipmentID,
			Reason:     reason,
		})
	if err != nil {
		return fmt.Errorf("build courier.unassign: %w", err)
	}
	return bus.PublishCommand(ctx, cmd, envelope.TopicDeliveryCommands)
}

// releaseInventory publishes inventory.release with an empty Items list:
// the saga instance does not retain the reserved item set (only the
// shipment aggregate does), so the warehouse participant is expected to
// resolve the full release by shipment_id rather than by an items list
// carried on this command.
func releaseInventory(ctx context.Context, bus messaging.Port, instance *saga.Instance, reason string) error {
	cmd, err := envelope.NewCommand(idgen.New(), envelope.CommandInventoryRelease, envelope.AggregateWarehouse, instance.WarehouseID, instance.SagaID,
		envelope.ReleaseInventoryPayload{
			WarehouseID: instance.WarehouseID,
			ShipmentID:  instance.ShipmentID,
			Items:       nil,
			Reason:      reason,
		})
	if err != nil {
		return fmt.Errorf("build inventory.release: %w", err)
	}
	return bus.PublishCommand(ctx, cmd, envelope.TopicInventoryCommands)
}

func cancelShipment(ctx context.Context, bus messaging.Port, instance *saga.Instance, reason string) error {
	cmd, err := envelope.NewCommand(idgen.New(), envelope.CommandShipmentCancel, envelope.AggregateShipment, instance.ShipmentID, instance.SagaID,
		envelope.CancelShipmentPayload{
			ShipmentID: instance.ShipmentID,
			Reason:     reason,
		})
	if err != nil {
		return fmt.Errorf("build shipment.cancel: %w", err)
	}
	return bus.PublishCommand(ctx, cmd, envelope.TopicShipmentCommands)
}

func publishSagaEvent(ctx context.Context, bus messaging.Port, eventType envelope.EventType, instance *saga.Instance, context map[string]interface{}) error {
	payload := envelope.SagaLifecyclePayload{
		SagaID:   instance.SagaID,
		SagaType: instance.SagaType,
		Context:  context,
	}
	evt, err := envelope.NewEvent(idgen.New(), eventType, envelope.AggregateSaga, instance.SagaID, instance.SagaID, payload)
	if err != nil {
		return fmt.Errorf("build %s event: %w", eventType, err)
	}
	return bus.PublishEvent(ctx, evt, envelope.TopicSagaEvents)
}
