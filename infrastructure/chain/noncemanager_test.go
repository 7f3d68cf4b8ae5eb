package chain_test

import (
	"context"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shipsaga/fulfillment/domain/blockchain"
	"github.com/shipsaga/fulfillment/infrastructure/blockchainstore"
	"github.com/shipsaga/fulfillment/infrastructure/chain"
)

type fakeGateway struct {
	mu          sync.Mutex
	pendingNonce uint64
	submitted   []chain.SubmitRequest
	submitErr   error
}

func (g *fakeGateway) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pendingNonce, nil
}

func (g *fakeGateway) SubmitTransaction(_ context.Context, req chain.SubmitRequest) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.submitErr != nil {
		return "", g.submitErr
	}
	g.submitted = append(g.submitted, req)
	return "0xhash", nil
}

func (g *fakeGateway) GetReceipt(context.Context, string) (*chain.Receipt, error) {
	return &chain.Receipt{Found: false}, nil
}

type fakeNonceStore struct {
	mu    sync.Mutex
	rows  map[string]*blockchain.NonceState
}

func newFakeNonceStore() *fakeNonceStore {
	return &fakeNonceStore{rows: make(map[string]*blockchain.NonceState)}
}

func (s *fakeNonceStore) Get(_ context.Context, address, network string) (*blockchain.NonceState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[address+"\x00"+network]
	if !ok {
		return nil, blockchainstore.ErrNonceStateNotFound
	}
	copied := *row
	return &copied, nil
}

func (s *fakeNonceStore) Set(_ context.Context, state *blockchain.NonceState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *state
	s.rows[state.Address+"\x00"+state.Network] = &copied
	return nil
}

func TestNextNonce_LazilyResyncsFromChainOnFirstUse(t *testing.T) {
	gw := &fakeGateway{pendingNonce: 42}
	store := newFakeNonceStore()
	mgr := chain.NewNonceManager(gw, store, "sepolia")

	addr := common.HexToAddress("0x1111111111111111111111111111111111111111")

	n, err := mgr.NextNonce(context.Background(), addr)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), n)

	n2, err := mgr.NextNonce(context.Background(), addr)
	require.NoError(t, err)
	assert.Equal(t, uint64(43), n2)

	persisted, err := store.Get(context.Background(), addr.Hex(), "sepolia")
	require.NoError(t, err)
	assert.Equal(t, uint64(42), persisted.CurrentNonce)
}

func TestNextNonce_PrefersDurableStoreOverChainOnRestart(t *testing.T) {
	gw := &fakeGateway{pendingNonce: 999}
	store := newFakeNonceStore()
	addr := common.HexToAddress("0x2222222222222222222222222222222222222222")
	require.NoError(t, store.Set(context.Background(), &blockchain.NonceState{
		Address: addr.Hex(), Network: "sepolia", CurrentNonce: 7,
	}))

	mgr := chain.NewNonceManager(gw, store, "sepolia")
	n, err := mgr.NextNonce(context.Background(), addr)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), n)
}

func TestSyncFromChain_ResetsCounterAndPersists(t *testing.T) {
	gw := &fakeGateway{pendingNonce: 5}
	store := newFakeNonceStore()
	addr := common.HexToAddress("0x3333333333333333333333333333333333333333")
	mgr := chain.NewNonceManager(gw, store, "sepolia")

	_, err := mgr.NextNonce(context.Background(), addr)
	require.NoError(t, err)

	gw.mu.Lock()
	gw.pendingNonce = 100
	gw.mu.Unlock()

	require.NoError(t, mgr.SyncFromChain(context.Background(), addr))

	n, err := mgr.NextNonce(context.Background(), addr)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), n)
}
