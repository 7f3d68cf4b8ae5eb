package sagastore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/shipsaga/fulfillment/domain/saga"
)

// PostgresStore is the production Store, grounded in the teacher's
// repository style: raw database/sql, no ORM, explicit SQL per
// operation.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an existing *sql.DB. The caller owns the pool's
// lifecycle (open/close), consistent with the teacher's main.go pattern
// of a single shared *sql.DB handed to every repository.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Save implements Store.
func (s *PostgresStore) Save(ctx context.Context, instance *saga.Instance) error {
	const query = `
		INSERT INTO saga_instances
			(saga_id, saga_type, shipment_id, warehouse_id, delivery_id, status, started_at, updated_at, failed_step, error_message)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (saga_id) DO UPDATE SET
			warehouse_id  = EXCLUDED.warehouse_id,
			delivery_id   = EXCLUDED.delivery_id,
			status        = EXCLUDED.status,
			updated_at    = EXCLUDED.updated_at,
			failed_step   = EXCLUDED.failed_step,
			error_message = EXCLUDED.error_message
	`

	_, err := s.db.ExecContext(ctx, query,
		instance.SagaID,
		instance.SagaType,
		instance.ShipmentID,
		nullableString(instance.WarehouseID),
		nullableString(instance.DeliveryID),
		string(instance.Status),
		instance.StartedAt,
		instance.UpdatedAt,
		nullableString(instance.FailedStep),
		nullableString(instance.ErrorMessage),
	)
	if err != nil {
		if isUniqueViolation(err, "saga_instances_active_shipment_idx") {
			return ErrActiveSagaExists
		}
		return fmt.Errorf("sagastore: save %s: %w", instance.SagaID, err)
	}
	return nil
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, sagaID string) (*saga.Instance, error) {
	const query = `
		SELECT saga_id, saga_type, shipment_id, warehouse_id, delivery_id, status, started_at, updated_at, failed_step, error_message
		FROM saga_instances
		WHERE saga_id = $1
	`
	row := s.db.QueryRowContext(ctx, query, sagaID)
	instance, err := scanInstance(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sagastore: get %s: %w", sagaID, err)
	}
	return instance, nil
}

// GetActiveByShipment implements Store.
func (s *PostgresStore) GetActiveByShipment(ctx context.Context, shipmentID string) (*saga.Instance, error) {
	const query = `
		SELECT saga_id, saga_type, shipment_id, warehouse_id, delivery_id, status, started_at, updated_at, failed_step, error_message
		FROM saga_instances
		WHERE shipment_id = $1 AND status IN ('started', 'compensating')
		LIMIT 1
	`
	row := s.db.QueryRowContext(ctx, query, shipmentID)
	instance, err := scanInstance(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sagastore: get active by shipment %s: %w", shipmentID, err)
	}
	return instance, nil
}

// ListActive implements Store.
func (s *PostgresStore) ListActive(ctx context.Context, limit int) ([]*saga.Instance, error) {
	const query = `
		SELECT saga_id, saga_type, shipment_id, warehouse_id, delivery_id, status, started_at, updated_at, failed_step, error_message
		FROM saga_instances
		WHERE status IN ('started', 'compensating')
		ORDER BY updated_at ASC
		LIMIT $1
	`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("sagastore: list active: %w", err)
	}
	defer rows.Close()

	var out []*saga.Instance
	for rows.Next() {
		instance, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("sagastore: scan active row: %w", err)
		}
		out = append(out, instance)
	}
	return out, rows.Err()
}

// rowScanner abstracts over *sql.Row and *sql.Rows, which share Scan but
// not a common interface in database/sql.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanInstance(row rowScanner) (*saga.Instance, error) {
	var (
		i                          saga.Instance
		status                     string
		warehouseID, deliveryID    sql.NullString
		failedStep, errorMessage   sql.NullString
	)
	if err := row.Scan(
		&i.SagaID, &i.SagaType, &i.ShipmentID,
		&warehouseID, &deliveryID,
		&status, &i.StartedAt, &i.UpdatedAt,
		&failedStep, &errorMessage,
	); err != nil {
		return nil, err
	}
	i.Status = saga.Status(status)
	i.WarehouseID = warehouseID.String
	i.DeliveryID = deliveryID.String
	i.FailedStep = failedStep.String
	i.ErrorMessage = errorMessage.String
	return &i, nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// isUniqueViolation checks for PostgreSQL error code 23505 on the named
// constraint/index using the pq error type directly, rather than
// string-matching the error text (the teacher's eventstore serializer
// fell back to substring matching on err.Error(); lib/pq exposes a typed
// *pq.Error with a Code and Constraint, so this repo uses that instead).
func isUniqueViolation(err error, constraintHint string) bool {
	var pqErr *pq.Error
	if !asPQError(err, &pqErr) {
		return false
	}
	if pqErr.Code != "23505" {
		return false
	}
	return constraintHint == "" || strings.Contains(pqErr.Constraint, constraintHint)
}

func asPQError(err error, target **pq.Error) bool {
	pe, ok := err.(*pq.Error)
	if !ok {
		return false
	}
	*target = pe
	return true
}
