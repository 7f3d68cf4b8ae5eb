// Package sagastore implements the Saga State Store (C2): a durable
// keyed mapping saga_id -> Instance with atomic UPSERT, exact lookup,
// the unique-active-saga-per-shipment query, and the oldest-first active
// listing the reaper and admin API need.
package sagastore

import (
	"context"
	"errors"

	"github.com/shipsaga/fulfillment/domain/saga"
)

// ErrNotFound is returned by Get/GetActiveByShipment when no matching
// row exists.
var ErrNotFound = errors.New("sagastore: saga not found")

// ErrActiveSagaExists is returned by Save when the partial-unique
// constraint on (shipment_id) WHERE status IN (started, compensating)
// would be violated — i.e. a second active saga is being created for a
// shipment that already has one (§3 invariant, I2).
var ErrActiveSagaExists = errors.New("sagastore: an active saga already exists for this shipment")

// Store is the Saga State Store contract. All operations are atomic.
type Store interface {
	// Save UPSERTs by SagaID. On conflict, only the mutable fields
	// (warehouse_id, delivery_id, status, updated_at, failed_step,
	// error_message) are updated; started_at and saga_type are
	// immutable after creation.
	Save(ctx context.Context, instance *saga.Instance) error

	// Get is an exact lookup by saga_id.
	Get(ctx context.Context, sagaID string) (*saga.Instance, error)

	// GetActiveByShipment returns the unique active saga for a shipment,
	// if any.
	GetActiveByShipment(ctx context.Context, shipmentID string) (*saga.Instance, error)

	// ListActive enumerates non-terminal sagas ordered by oldest
	// updated_at first, bounded by limit.
	ListActive(ctx context.Context, limit int) ([]*saga.Instance, error)
}
