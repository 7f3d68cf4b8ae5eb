// Package blockchain models the BlockchainRecord and NonceState rows the
// blockchain recorder (C5) and nonce manager (C6) maintain.
package blockchain

import (
	"errors"
	"fmt"
	"time"
)

// Status is a node in the BlockchainRecord state machine: Pending is the
// only non-terminal state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
	StatusDropped   Status = "dropped"
)

// IsTerminal reports whether the status is a sink.
func (s Status) IsTerminal() bool {
	return s != StatusPending
}

var (
	// ErrNotPending is returned when a terminal transition is attempted
	// on a record that has already left the Pending state.
	ErrNotPending = errors.New("blockchain: record is not pending")
	// ErrBelowThreshold is returned by Confirm when the supplied
	// confirmation count is below the configured policy threshold.
	ErrBelowThreshold = errors.New("blockchain: confirmations below required threshold")
)

// Record is one row of the blockchain_records table.
type Record struct {
	RecordID     string
	ShipmentID   string
	TxHash       string
	Status       Status
	Payload      map[string]interface{}
	CreatedAt    time.Time
	ConfirmedAt  *time.Time
	BlockNumber  *uint64
	GasUsed      *uint64
	ErrorMessage string
}

// NewPending creates a record in its initial Pending state immediately
// after a transaction has been submitted and a tx hash obtained.
func NewPending(recordID, shipmentID, txHash string, payload map[string]interface{}, now time.Time) *Record {
	return &Record{
		RecordID:   recordID,
		ShipmentID: shipmentID,
		TxHash:     txHash,
		Status:     StatusPending,
		Payload:    payload,
		CreatedAt:  now,
	}
}

// Confirm transitions Pending → Confirmed. requiredConfirmations is the
// policy threshold (§4.5); confirmations below it return
// ErrBelowThreshold and leave the record Pending. The confirmation
// monitor checks the threshold itself before calling Confirm, so its
// "not yet, try again next cycle" path never reaches this error.
func (r *Record) Confirm(confirmations int, requiredConfirmations int, blockNumber, gasUsed uint64, now time.Time) error {
	if r.Status != StatusPending {
		return ErrNotPending
	}
	if confirmations < requiredConfirmations {
		return ErrBelowThreshold
	}
	if now.Before(r.CreatedAt) {
		return fmt.Errorf("blockchain: confirmed_at %s precedes created_at %s", now, r.CreatedAt)
	}
	r.Status = StatusConfirmed
	r.ConfirmedAt = &now
	r.BlockNumber = &blockNumber
	r.GasUsed = &gasUsed
	return nil
}

// Fail transitions Pending → Failed with a reason. Terminal, no retry.
func (r *Record) Fail(reason string) error {
	if r.Status != StatusPending {
		return ErrNotPending
	}
	r.Status = StatusFailed
	r.ErrorMessage = reason
	return nil
}

// Drop transitions Pending → Dropped: the transaction was displaced from
// the mempool (e.g. by a replacement) and will never confirm. This path
// exists in some deployments' migrations but was never reachable from
// the original runtime code; it is specified here as a valid terminal
// transition (§9 design notes).
func (r *Record) Drop(reason string) error {
	if r.Status != StatusPending {
		return ErrNotPending
	}
	r.Status = StatusDropped
	r.ErrorMessage = reason
	return nil
}

// NonceState is the (address, network) → current_nonce row the nonce
// manager persists on every chain resync. Nonces handed out after the
// last resync are not written to it.
type NonceState struct {
	Address      string
	Network      string
	CurrentNonce uint64
	LastUpdated  time.Time
}
