package chain

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/shipsaga/fulfillment/domain/blockchain"
	"github.com/shipsaga/fulfillment/infrastructure/blockchainstore"
)

// NonceManager (C6) is the atomic per-address nonce counter. Submission
// is serialized per signing address through this single owner: a
// resync takes the manager's lock for the whole address, making it a
// short exclusive section across all submitters on that address, exactly
// as §5 specifies.
type NonceManager struct {
	mu       sync.Mutex
	counters map[string]uint64

	gateway Gateway
	store   blockchainstore.NonceStore
	network string
}

// NewNonceManager builds a manager backed by gateway for chain queries
// and store for durability across process restarts.
func NewNonceManager(gateway Gateway, store blockchainstore.NonceStore, network string) *NonceManager {
	return &NonceManager{
		counters: make(map[string]uint64),
		gateway:  gateway,
		store:    store,
		network:  network,
	}
}

func key(address common.Address) string {
	return address.Hex()
}

// NextNonce atomically reads and increments the counter for address,
// lazily resyncing from the chain (or the durable store) the first time
// address is seen by this process.
func (m *NonceManager) NextNonce(ctx context.Context, address common.Address) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key(address)
	if _, ok := m.counters[k]; !ok {
		if err := m.loadLocked(ctx, address); err != nil {
			return 0, err
		}
	}

	n := m.counters[k]
	m.counters[k] = n + 1
	return n, nil
}

// SyncFromChain queries the chain for the current pending nonce and
// resets the counter so the next NextNonce call returns that value.
// Called by the submission worker after a "nonce too low" /
// "replacement underpriced" rejection (§4.6).
func (m *NonceManager) SyncFromChain(ctx context.Context, address common.Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.syncLocked(ctx, address)
}

func (m *NonceManager) syncLocked(ctx context.Context, address common.Address) error {
	n, err := m.gateway.PendingNonceAt(ctx, address)
	if err != nil {
		return fmt.Errorf("noncemanager: resync %s: %w", address, err)
	}
	m.counters[key(address)] = n

	if m.store != nil {
		state := &blockchain.NonceState{
			Address:      address.Hex(),
			Network:      m.network,
			CurrentNonce: n,
			LastUpdated:  time.Now().UTC(),
		}
		if err := m.store.Set(ctx, state); err != nil {
			return fmt.Errorf("noncemanager: persist resync %s: %w", address, err)
		}
	}
	return nil
}

// loadLocked populates the in-memory counter for an address this
// process has not yet touched: prefer the durable store, falling back to
// a chain resync if no row exists yet. The store holds the value from
// the most recent resync only (NextNonce does not write it), so after a
// restart nonces handed out since that resync are issued again until a
// nonce-divergence rejection triggers SyncFromChain.
func (m *NonceManager) loadLocked(ctx context.Context, address common.Address) error {
	if m.store != nil {
		state, err := m.store.Get(ctx, address.Hex(), m.network)
		if err == nil {
			m.counters[key(address)] = state.CurrentNonce
			return nil
		}
		if err != blockchainstore.ErrNonceStateNotFound {
			return fmt.Errorf("noncemanager: load %s: %w", address, err)
		}
	}
	return m.syncLocked(ctx, address)
}
