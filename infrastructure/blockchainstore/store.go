// Package blockchainstore persists BlockchainRecord rows for the
// blockchain recorder (C5): created Pending by the submission worker,
// mutated by the confirmation monitor, never deleted.
package blockchainstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/shipsaga/fulfillment/domain/blockchain"
)

// Store is the BlockchainRecord persistence contract.
type Store interface {
	Save(ctx context.Context, record *blockchain.Record) error
	Get(ctx context.Context, recordID string) (*blockchain.Record, error)
	// ListPending returns up to limit Pending records, oldest first,
	// for the confirmation monitor's poll cycle.
	ListPending(ctx context.Context, limit int) ([]*blockchain.Record, error)
}

// ErrNotFound is returned when no record matches.
var ErrNotFound = fmt.Errorf("blockchainstore: record not found")

// PostgresStore is the production Store.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an existing *sql.DB.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Save implements Store as an UPSERT keyed on record_id.
func (s *PostgresStore) Save(ctx context.Context, record *blockchain.Record) error {
	payload, err := json.Marshal(record.Payload)
	if err != nil {
		return fmt.Errorf("blockchainstore: encode payload: %w", err)
	}

	const query = `
		INSERT INTO blockchain_records
			(record_id, shipment_id, tx_hash, status, payload, created_at, confirmed_at, block_number, gas_used, error_message)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (record_id) DO UPDATE SET
			status        = EXCLUDED.status,
			confirmed_at  = EXCLUDED.confirmed_at,
			block_number  = EXCLUDED.block_number,
			gas_used      = EXCLUDED.gas_used,
			error_message = EXCLUDED.error_message
	`
	_, err = s.db.ExecContext(ctx, query,
		record.RecordID, record.ShipmentID, record.TxHash, string(record.Status), payload,
		record.CreatedAt, record.ConfirmedAt, record.BlockNumber, record.GasUsed,
		nullableString(record.ErrorMessage),
	)
	if err != nil {
		return fmt.Errorf("blockchainstore: save %s: %w", record.RecordID, err)
	}
	return nil
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, recordID string) (*blockchain.Record, error) {
	const query = `
		SELECT record_id, shipment_id, tx_hash, status, payload, created_at, confirmed_at, block_number, gas_used, error_message
		FROM blockchain_records WHERE record_id = $1
	`
	row := s.db.QueryRowContext(ctx, query, recordID)
	record, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("blockchainstore: get %s: %w", recordID, err)
	}
	return record, nil
}

// ListPending implements Store.
func (s *PostgresStore) ListPending(ctx context.Context, limit int) ([]*blockchain.Record, error) {
	const query = `
		SELECT record_id, shipment_id, tx_hash, status, payload, created_at, confirmed_at, block_number, gas_used, error_message
		FROM blockchain_records
		WHERE status = 'pending'
		ORDER BY created_at ASC
		LIMIT $1
	`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("blockchainstore: list pending: %w", err)
	}
	defer rows.Close()

	var out []*blockchain.Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("blockchainstore: scan pending row: %w", err)
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*blockchain.Record, error) {
	var (
		r            blockchain.Record
		status       string
		payloadBytes []byte
		errMsg       sql.NullString
	)
	if err := row.Scan(
		&r.RecordID, &r.ShipmentID, &r.TxHash, &status, &payloadBytes,
		&r.CreatedAt, &r.ConfirmedAt, &r.BlockNumber, &r.GasUsed, &errMsg,
	); err != nil {
		return nil, err
	}
	r.Status = blockchain.Status(status)
	r.ErrorMessage = errMsg.String
	if len(payloadBytes) > 0 {
		if err := json.Unmarshal(payloadBytes, &r.Payload); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
	}
	return &r, nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
