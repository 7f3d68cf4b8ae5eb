// Package recorder implements the Blockchain Recorder (C5): the
// submission worker that writes qualifying events to the chain, and the
// confirmation monitor (confirmation.go) that watches submitted
// transactions until they finalize or fail.
package recorder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"

	"github.com/shipsaga/fulfillment/domain/blockchain"
	"github.com/shipsaga/fulfillment/domain/envelope"
	"github.com/shipsaga/fulfillment/infrastructure/blockchainstore"
	"github.com/shipsaga/fulfillment/infrastructure/chain"
	"github.com/shipsaga/fulfillment/infrastructure/messaging"
	"github.com/shipsaga/fulfillment/pkg/idgen"
)

// recordableEventTypes is the event-type whitelist: only these are
// written to the chain, everything else on the subscribed topics is
// ignored.
var recordableEventTypes = map[envelope.EventType]bool{
	envelope.EventShipmentCreated:   true,
	envelope.EventDeliveryFailed:    false, // explicitly excluded: failures are not recorded on-chain
	envelope.EventCourierAssigned:   true,
	envelope.EventSagaCompleted:     true,
	envelope.EventSagaFailed:        true,
}

// SubmissionWorker consumes shipment/delivery/saga events, filters them
// against the whitelist, and submits a signed transaction per qualifying
// event.
type SubmissionWorker struct {
	bus     messaging.Port
	store   blockchainstore.Store
	gateway chain.Gateway
	nonces  *chain.NonceManager
	address ethcommon.Address
	group   string
	gasLimit uint64
	contract ethcommon.Address
}

// NewSubmissionWorker builds a SubmissionWorker signing from address,
// submitting to contract.
func NewSubmissionWorker(bus messaging.Port, store blockchainstore.Store, gateway chain.Gateway, nonces *chain.NonceManager, address, contract ethcommon.Address, consumerGroup string) *SubmissionWorker {
	return &SubmissionWorker{
		bus: bus, store: store, gateway: gateway, nonces: nonces,
		address: address, contract: contract, group: consumerGroup,
		gasLimit: 100_000,
	}
}

// Start subscribes to the topics the recorder is configured to mirror
// on-chain and blocks until ctx is cancelled.
func (w *SubmissionWorker) Start(ctx context.Context) error {
	topics := []string{
		envelope.TopicShipmentEvents,
		envelope.TopicDeliveryEvents,
		envelope.TopicSagaEvents,
	}
	log.Println("recorder: submission worker started")
	if err := w.bus.ConsumeEvent(ctx, w.group, w.handle, topics...); err != nil {
		return fmt.Errorf("recorder: consume: %w", err)
	}
	return nil
}

func (w *SubmissionWorker) handle(ctx context.Context, event envelope.Event) error {
	if !recordableEventTypes[event.EventType] {
		return nil
	}

	shipmentID := event.AggregateID
	if event.AggregateType == envelope.AggregateSaga {
		// saga.* events are keyed by saga_id; the shipment_id rides in payload.context.
		if sagaContext, ok := event.Payload["context"].(map[string]interface{}); ok {
			if sid, ok := sagaContext["shipment_id"].(string); ok {
				shipmentID = sid
			}
		}
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("recorder: encode event %s: %w", event.EventID, err)
	}

	recordID := idgen.New()
	txHash, err := w.submitWithResync(ctx, data)
	if err != nil {
		return fmt.Errorf("recorder: submit event %s: %w", event.EventID, err)
	}

	record := blockchain.NewPending(recordID, shipmentID, txHash, event.Payload, time.Now().UTC())
	if err := w.store.Save(ctx, record); err != nil {
		return fmt.Errorf("recorder: persist record %s: %w", recordID, err)
	}

	log.Printf("recorder: submitted %s as record %s, tx %s", event.EventType, recordID, txHash)
	return nil
}

// submitWithResync acquires a nonce and submits. On a nonce-divergence
// rejection it resyncs from chain and retries exactly once (§4.5/§4.6);
// any other error, or a second divergence, is permanent.
func (w *SubmissionWorker) submitWithResync(ctx context.Context, data []byte) (string, error) {
	txHash, err := w.submitOnce(ctx, data)
	if err == nil {
		return txHash, nil
	}
	if !errors.Is(err, chain.ErrNonceDivergence) {
		return "", err
	}

	log.Printf("recorder: nonce diverged for %s, resyncing", w.address)
	if syncErr := w.nonces.SyncFromChain(ctx, w.address); syncErr != nil {
		return "", fmt.Errorf("resync after divergence: %w", syncErr)
	}

	txHash, err = w.submitOnce(ctx, data)
	if err != nil {
		return "", fmt.Errorf("retry after resync: %w", err)
	}
	return txHash, nil
}

func (w *SubmissionWorker) submitOnce(ctx context.Context, data []byte) (string, error) {
	nonce, err := w.nonces.NextNonce(ctx, w.address)
	if err != nil {
		return "", fmt.Errorf("acquire nonce: %w", err)
	}
	return w.gateway.SubmitTransaction(ctx, chain.SubmitRequest{
		Nonce:    nonce,
		To:       w.contract,
		Data:     data,
		GasLimit: w.gasLimit,
	})
}
