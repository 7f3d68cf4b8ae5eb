package saga_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shipsaga/fulfillment/domain/saga"
)

func TestNewShipmentFulfillment_StartsInStartedStatus(t *testing.T) {
	now := time.Now()
	instance := saga.NewShipmentFulfillment("saga-1", "shipment-1", now)

	assert.Equal(t, saga.StatusStarted, instance.Status)
	assert.Equal(t, "ShipmentFulfillment", instance.SagaType)
	assert.Equal(t, now, instance.StartedAt)
	assert.Equal(t, now, instance.UpdatedAt)
	assert.False(t, instance.Status.IsTerminal())
	assert.True(t, instance.Status.IsActive())
}

func TestComplete_IsIdempotentOnceCompleted(t *testing.T) {
	instance := saga.NewShipmentFulfillment("saga-1", "shipment-1", time.Now())
	require.NoError(t, instance.Complete(time.Now()))
	assert.Equal(t, saga.StatusCompleted, instance.Status)

	// Calling it again must be a silent no-op (monotone status law).
	require.NoError(t, instance.Complete(time.Now()))
	assert.Equal(t, saga.StatusCompleted, instance.Status)
}

func TestComplete_RejectsCompensatingOrigin(t *testing.T) {
	instance := saga.NewShipmentFulfillment("saga-1", "shipment-1", time.Now())
	require.NoError(t, instance.BeginCompensation(time.Now()))

	err := instance.Complete(time.Now())
	assert.ErrorIs(t, err, saga.ErrInvalidTransition)
}

func TestFail_IsIdempotentButRejectsCompleted(t *testing.T) {
	instance := saga.NewShipmentFulfillment("saga-1", "shipment-1", time.Now())
	require.NoError(t, instance.Fail("inventory.reserve", "out of stock", time.Now()))
	assert.Equal(t, saga.StatusFailed, instance.Status)
	assert.Equal(t, "inventory.reserve", instance.FailedStep)

	// Idempotent.
	require.NoError(t, instance.Fail("inventory.reserve", "out of stock", time.Now()))

	completed := saga.NewShipmentFulfillment("saga-2", "shipment-2", time.Now())
	require.NoError(t, completed.Complete(time.Now()))
	err := completed.Fail("some.step", "oops", time.Now())
	assert.ErrorIs(t, err, saga.ErrInvalidTransition)
}

func TestBeginCompensation_IdempotentUntilTerminal(t *testing.T) {
	instance := saga.NewShipmentFulfillment("saga-1", "shipment-1", time.Now())
	require.NoError(t, instance.BeginCompensation(time.Now()))
	assert.Equal(t, saga.StatusCompensating, instance.Status)

	// Idempotent.
	require.NoError(t, instance.BeginCompensation(time.Now()))
	assert.Equal(t, saga.StatusCompensating, instance.Status)

	require.NoError(t, instance.Fail("delivery.failed", "courier lost package", time.Now()))
	err := instance.BeginCompensation(time.Now())
	assert.ErrorIs(t, err, saga.ErrAlreadyTerminal)
}

// TestStatusDAG_TerminalStatesHaveNoOutgoingTransition exercises I1: every
// reachable path through the DAG ends at a sink with no further legal
// transition.
func TestStatusDAG_TerminalStatesHaveNoOutgoingTransition(t *testing.T) {
	for _, status := range []saga.Status{saga.StatusCompleted, saga.StatusFailed} {
		assert.True(t, status.IsTerminal(), "%s should be terminal", status)
		assert.False(t, status.IsActive(), "%s should not count as active", status)
	}
	for _, status := range []saga.Status{saga.StatusStarted, saga.StatusCompensating} {
		assert.False(t, status.IsTerminal(), "%s should not be terminal", status)
		assert.True(t, status.IsActive(), "%s should count as active", status)
	}
}

func TestClone_IsADefensiveCopy(t *testing.T) {
	instance := saga.NewShipmentFulfillment("saga-1", "shipment-1", time.Now())
	clone := instance.Clone()
	clone.WarehouseID = "mutated"

	assert.Empty(t, instance.WarehouseID)
	assert.Equal(t, "mutated", clone.WarehouseID)
}

func TestSetDelivery_OnlyLegalFromStarted(t *testing.T) {
	instance := saga.NewShipmentFulfillment("saga-1", "shipment-1", time.Now())
	require.NoError(t, instance.SetDelivery("delivery-1", time.Now()))
	assert.Equal(t, "delivery-1", instance.DeliveryID)

	require.NoError(t, instance.Complete(time.Now()))
	err := instance.SetDelivery("delivery-2", time.Now())
	assert.ErrorIs(t, err, saga.ErrInvalidTransition)
}
