package recorder

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/shipsaga/fulfillment/domain/blockchain"
	"github.com/shipsaga/fulfillment/domain/envelope"
	"github.com/shipsaga/fulfillment/infrastructure/blockchainstore"
	"github.com/shipsaga/fulfillment/infrastructure/chain"
	"github.com/shipsaga/fulfillment/infrastructure/messaging"
	"github.com/shipsaga/fulfillment/pkg/idgen"
)

// ConfirmationMonitor periodically loads the batch of Pending records,
// concurrently fetches their receipts, and advances each to Confirmed or
// Failed as the chain dictates. It never moves a record to Dropped.
type ConfirmationMonitor struct {
	store                 blockchainstore.Store
	gateway               chain.Gateway
	bus                   messaging.Port
	interval              time.Duration
	batchSize             int
	requiredConfirmations int
}

// NewConfirmationMonitor builds a monitor polling every interval,
// inspecting up to batchSize Pending records per cycle, confirming once
// requiredConfirmations receipts have accumulated.
func NewConfirmationMonitor(store blockchainstore.Store, gateway chain.Gateway, bus messaging.Port, interval time.Duration, batchSize, requiredConfirmations int) *ConfirmationMonitor {
	return &ConfirmationMonitor{
		store: store, gateway: gateway, bus: bus,
		interval: interval, batchSize: batchSize, requiredConfirmations: requiredConfirmations,
	}
}

// Start runs the poll loop until ctx is cancelled.
func (m *ConfirmationMonitor) Start(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	log.Printf("recorder: confirmation monitor started, polling every %s", m.interval)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := m.poll(ctx); err != nil {
				log.Printf("recorder: confirmation poll failed: %v", err)
			}
		}
	}
}

func (m *ConfirmationMonitor) poll(ctx context.Context) error {
	pending, err := m.store.ListPending(ctx, m.batchSize)
	if err != nil {
		return fmt.Errorf("list pending: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	var wg sync.WaitGroup
	for _, record := range pending {
		wg.Add(1)
		go func(record *blockchain.Record) {
			defer wg.Done()
			if err := m.checkOne(ctx, record); err != nil {
				log.Printf("recorder: confirm record %s: %v", record.RecordID, err)
			}
		}(record)
	}
	wg.Wait()
	return nil
}

func (m *ConfirmationMonitor) checkOne(ctx context.Context, record *blockchain.Record) error {
	receipt, err := m.gateway.GetReceipt(ctx, record.TxHash)
	if err != nil {
		return fmt.Errorf("get receipt for %s: %w", record.TxHash, err)
	}

	if !receipt.Found {
		return nil // stays Pending, try again next cycle
	}

	if receipt.Reverted {
		if err := record.Fail("transaction reverted on-chain"); err != nil {
			return fmt.Errorf("mark failed: %w", err)
		}
		return m.store.Save(ctx, record)
	}

	if int(receipt.Confirmations) < m.requiredConfirmations {
		return nil // mined but not yet past the confirmation threshold
	}

	now := time.Now().UTC()
	if err := record.Confirm(int(receipt.Confirmations), m.requiredConfirmations, receipt.BlockNumber, receipt.GasUsed, now); err != nil {
		return fmt.Errorf("mark confirmed: %w", err)
	}
	if err := m.store.Save(ctx, record); err != nil {
		return fmt.Errorf("persist confirmed record: %w", err)
	}

	return m.publishVerified(ctx, record, int(receipt.Confirmations))
}

func (m *ConfirmationMonitor) publishVerified(ctx context.Context, record *blockchain.Record, confirmations int) error {
	payload := envelope.BlockchainVerifiedPayload{
		RecordID:      record.RecordID,
		ShipmentID:    record.ShipmentID,
		TxHash:        record.TxHash,
		VerifiedAt:    time.Now().UTC().Format(timeFormat),
		Confirmations: confirmations,
	}
	evt, err := envelope.NewEvent(idgen.New(), envelope.EventBlockchainVerified, envelope.AggregateBlockchainRecord, record.RecordID, "", payload)
	if err != nil {
		return fmt.Errorf("build blockchain.verified event: %w", err)
	}
	if err := m.bus.PublishEvent(ctx, evt, envelope.TopicBlockchainEvents); err != nil {
		return fmt.Errorf("publish blockchain.verified: %w", err)
	}
	log.Printf("recorder: record %s confirmed (%d confirmations), blockchain.verified emitted", record.RecordID, confirmations)
	return nil
}

const timeFormat = "2006-01-02T15:04:05Z07:00"
