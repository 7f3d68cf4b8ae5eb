package blockchain_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shipsaga/fulfillment/domain/blockchain"
)

func TestConfirm_RequiresThresholdAndMonotoneTime(t *testing.T) {
	created := time.Now()
	record := blockchain.NewPending("rec-1", "shipment-1", "0xabc", nil, created)

	err := record.Confirm(3, 6, 100, 21000, created.Add(time.Minute))
	assert.ErrorIs(t, err, blockchain.ErrBelowThreshold)
	assert.Equal(t, blockchain.StatusPending, record.Status)

	err = record.Confirm(6, 6, 100, 21000, created.Add(-time.Minute))
	assert.Error(t, err)
	assert.Equal(t, blockchain.StatusPending, record.Status)

	confirmedAt := created.Add(time.Minute)
	require.NoError(t, record.Confirm(6, 6, 100, 21000, confirmedAt))
	assert.Equal(t, blockchain.StatusConfirmed, record.Status)
	require.NotNil(t, record.ConfirmedAt)
	assert.True(t, record.ConfirmedAt.Equal(confirmedAt))
	assert.True(t, record.ConfirmedAt.After(record.CreatedAt) || record.ConfirmedAt.Equal(record.CreatedAt))
	require.NotNil(t, record.BlockNumber)
	assert.Equal(t, uint64(100), *record.BlockNumber)
}

func TestConfirm_RejectsNonPendingRecord(t *testing.T) {
	record := blockchain.NewPending("rec-1", "shipment-1", "0xabc", nil, time.Now())
	require.NoError(t, record.Fail("reverted"))

	err := record.Confirm(6, 6, 100, 21000, time.Now())
	assert.ErrorIs(t, err, blockchain.ErrNotPending)
}

func TestDrop_IsAValidTerminalTransitionFromPending(t *testing.T) {
	record := blockchain.NewPending("rec-1", "shipment-1", "0xabc", nil, time.Now())
	require.NoError(t, record.Drop("displaced from mempool"))
	assert.Equal(t, blockchain.StatusDropped, record.Status)
	assert.True(t, record.Status.IsTerminal())

	err := record.Drop("again")
	assert.ErrorIs(t, err, blockchain.ErrNotPending)
}

func TestFail_IsTerminalNoRetry(t *testing.T) {
	record := blockchain.NewPending("rec-1", "shipment-1", "0xabc", nil, time.Now())
	require.NoError(t, record.Fail("insufficient gas"))
	assert.Equal(t, blockchain.StatusFailed, record.Status)

	err := record.Confirm(6, 6, 1, 1, time.Now())
	assert.ErrorIs(t, err, blockchain.ErrNotPending)
}
