// Package ledger implements the Idempotent Command Ledger (C9),
// generalizing the teacher's processed_events repository to cover both
// events and commands, keyed per consumer name. The orchestrator checks
// IsProcessed before acting on an event and calls MarkProcessed after
// acting successfully; the compensation worker and the blockchain
// recorder do not use the ledger.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
)

// Ledger is the idempotency contract consumers depend on.
type Ledger interface {
	IsProcessed(ctx context.Context, messageID, consumerName string) (bool, error)
	MarkProcessed(ctx context.Context, messageID, messageType, consumerName string) error
}

// PostgresLedger is the production Ledger, grounded directly in the
// teacher's infrastructure/idempotency/processed_events.go.
type PostgresLedger struct {
	db *sql.DB
}

// NewPostgresLedger wraps an existing *sql.DB.
func NewPostgresLedger(db *sql.DB) *PostgresLedger {
	return &PostgresLedger{db: db}
}

// IsProcessed reports whether messageID has already been processed by
// consumerName.
func (l *PostgresLedger) IsProcessed(ctx context.Context, messageID, consumerName string) (bool, error) {
	const query = `SELECT EXISTS(SELECT 1 FROM processed_messages WHERE message_id = $1 AND consumer_name = $2)`

	var exists bool
	if err := l.db.QueryRowContext(ctx, query, messageID, consumerName).Scan(&exists); err != nil {
		return false, fmt.Errorf("ledger: check processed %s/%s: %w", messageID, consumerName, err)
	}
	return exists, nil
}

// MarkProcessed records that consumerName has processed messageID.
// Idempotent itself: ON CONFLICT DO NOTHING, since a redelivery that
// reaches this point twice (e.g. handler succeeded but the process
// crashed before the commit was observed) must not error.
func (l *PostgresLedger) MarkProcessed(ctx context.Context, messageID, messageType, consumerName string) error {
	const query = `
		INSERT INTO processed_messages (message_id, message_type, consumer_name, processed_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (message_id, consumer_name) DO NOTHING
	`
	if _, err := l.db.ExecContext(ctx, query, messageID, messageType, consumerName); err != nil {
		return fmt.Errorf("ledger: mark processed %s/%s: %w", messageID, consumerName, err)
	}
	return nil
}
