package blockchainstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shipsaga/fulfillment/domain/blockchain"
)

// NonceStore persists the (address, network) -> current_nonce row the
// nonce manager (C6) writes on each chain resync and reads the first
// time it sees an address after a process restart.
type NonceStore interface {
	Get(ctx context.Context, address, network string) (*blockchain.NonceState, error)
	Set(ctx context.Context, state *blockchain.NonceState) error
}

// ErrNonceStateNotFound is returned when no row exists for the address/network pair.
var ErrNonceStateNotFound = fmt.Errorf("blockchainstore: no nonce state for address")

// PostgresNonceStore is the production NonceStore.
type PostgresNonceStore struct {
	db *sql.DB
}

// NewPostgresNonceStore wraps an existing *sql.DB.
func NewPostgresNonceStore(db *sql.DB) *PostgresNonceStore {
	return &PostgresNonceStore{db: db}
}

// Get implements NonceStore.
func (s *PostgresNonceStore) Get(ctx context.Context, address, network string) (*blockchain.NonceState, error) {
	const query = `SELECT address, network, current_nonce, last_updated FROM nonce_state WHERE address = $1 AND network = $2`
	var st blockchain.NonceState
	err := s.db.QueryRowContext(ctx, query, address, network).Scan(&st.Address, &st.Network, &st.CurrentNonce, &st.LastUpdated)
	if err == sql.ErrNoRows {
		return nil, ErrNonceStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("blockchainstore: get nonce state %s/%s: %w", address, network, err)
	}
	return &st, nil
}

// Set implements NonceStore as an UPSERT.
func (s *PostgresNonceStore) Set(ctx context.Context, state *blockchain.NonceState) error {
	const query = `
		INSERT INTO nonce_state (address, network, current_nonce, last_updated)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (address, network) DO UPDATE SET
			current_nonce = EXCLUDED.current_nonce,
			last_updated  = EXCLUDED.last_updated
	`
	if state.LastUpdated.IsZero() {
		state.LastUpdated = time.Now().UTC()
	}
	if _, err := s.db.ExecContext(ctx, query, state.Address, state.Network, state.CurrentNonce, state.LastUpdated); err != nil {
		return fmt.Errorf("blockchainstore: set nonce state %s/%s: %w", state.Address, state.Network, err)
	}
	return nil
}
