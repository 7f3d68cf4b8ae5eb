package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/shipsaga/fulfillment/application/compensation"
	"github.com/shipsaga/fulfillment/domain/envelope"
)

// handleDeliveryFailed rolls the saga back: unassign courier, release
// inventory, cancel shipment, in that order, then marks the saga Failed.
// The standalone compensation Worker independently consumes this same
// topic as a backup path; whichever of the two reaches the saga first
// wins, and the other observes it already Failed and drops silently.
func (o *Orchestrator) handleDeliveryFailed(ctx context.Context, event envelope.Event) error {
	payload, err := envelope.Decode[envelope.DeliveryFailedPayload](event)
	if err != nil {
		return fmt.Errorf("orchestrator: decode delivery.failed: %w", err)
	}

	instance, ok, err := o.sagaForEvent(ctx, event)
	if err != nil || !ok {
		return err
	}

	if err := compensation.Trigger(ctx, o.bus, o.store, instance, "delivery.failed", payload.Reason); err != nil {
		if errors.Is(err, compensation.ErrAlreadyHandled) {
			log.Printf("orchestrator: saga %s already compensating/terminal, dropping duplicate delivery.failed", instance.SagaID)
			return nil
		}
		return fmt.Errorf("orchestrator: compensate saga %s: %w", instance.SagaID, err)
	}
	return nil
}
