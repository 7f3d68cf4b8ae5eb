package compensation_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shipsaga/fulfillment/application/compensation"
	"github.com/shipsaga/fulfillment/domain/envelope"
	"github.com/shipsaga/fulfillment/domain/saga"
	"github.com/shipsaga/fulfillment/infrastructure/messaging"
	"github.com/shipsaga/fulfillment/infrastructure/sagastore"
)

// fakeStore is an in-memory sagastore.Store good enough to observe
// the saves Trigger makes without a database.
type fakeStore struct {
	mu   sync.Mutex
	rows map[string]*saga.Instance
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: make(map[string]*saga.Instance)}
}

func (s *fakeStore) Save(_ context.Context, instance *saga.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[instance.SagaID] = instance.Clone()
	return nil
}

func (s *fakeStore) Get(_ context.Context, sagaID string) (*saga.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[sagaID]
	if !ok {
		return nil, sagastore.ErrNotFound
	}
	return row.Clone(), nil
}

func (s *fakeStore) GetActiveByShipment(_ context.Context, shipmentID string) (*saga.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.rows {
		if row.ShipmentID == shipmentID && row.Status.IsActive() {
			return row.Clone(), nil
		}
	}
	return nil, sagastore.ErrNotFound
}

func (s *fakeStore) ListActive(_ context.Context, limit int) ([]*saga.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*saga.Instance
	for _, row := range s.rows {
		if row.Status.IsActive() {
			out = append(out, row.Clone())
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// drainCommands collects every command published to topic for a short
// window, since InMemoryPort's ConsumeCommand blocks on ctx.
func drainCommands(t *testing.T, bus messaging.Port, topic string, want int) []envelope.Command {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	var mu sync.Mutex
	var got []envelope.Command
	done := make(chan struct{})
	go func() {
		_ = bus.ConsumeCommand(ctx, "test-drain-"+topic, func(_ context.Context, cmd envelope.Command) error {
			mu.Lock()
			got = append(got, cmd)
			n := len(got)
			mu.Unlock()
			if n >= want {
				cancel()
			}
			return nil
		}, topic)
		close(done)
	}()
	<-done
	return got
}

func TestTrigger_FromDeliveryFailed_PublishesUnassignReleaseAndCancel(t *testing.T) {
	bus := messaging.NewInMemoryPort()
	store := newFakeStore()

	instance := saga.NewShipmentFulfillment("saga-1", "shipment-1", time.Now())
	require.NoError(t, instance.SetWarehouse("warehouse-1", time.Now()))
	require.NoError(t, instance.SetDelivery("delivery-1", time.Now()))
	require.NoError(t, store.Save(context.Background(), instance))

	var wg sync.WaitGroup
	var deliveryCmds, inventoryCmds, shipmentCmds []envelope.Command
	wg.Add(3)
	go func() { defer wg.Done(); deliveryCmds = drainCommands(t, bus, envelope.TopicDeliveryCommands, 1) }()
	go func() { defer wg.Done(); inventoryCmds = drainCommands(t, bus, envelope.TopicInventoryCommands, 1) }()
	go func() { defer wg.Done(); shipmentCmds = drainCommands(t, bus, envelope.TopicShipmentCommands, 1) }()

	// Give the consumers a moment to subscribe before publishing.
	time.Sleep(50 * time.Millisecond)

	err := compensation.Trigger(context.Background(), bus, store, instance, "delivery.failed", "courier lost package")
	require.NoError(t, err)

	wg.Wait()

	require.Len(t, deliveryCmds, 1)
	assert.Equal(t, envelope.CommandCourierUnassign, deliveryCmds[0].CommandType)

	require.Len(t, inventoryCmds, 1)
	assert.Equal(t, envelope.CommandInventoryRelease, inventoryCmds[0].CommandType)

	require.Len(t, shipmentCmds, 1)
	assert.Equal(t, envelope.CommandShipmentCancel, shipmentCmds[0].CommandType)

	saved, err := store.Get(context.Background(), instance.SagaID)
	require.NoError(t, err)
	assert.Equal(t, saga.StatusFailed, saved.Status)
	assert.Equal(t, "delivery.failed", saved.FailedStep)
}

func TestTrigger_FromInventoryReserve_OnlyCancelsShipment(t *testing.T) {
	bus := messaging.NewInMemoryPort()
	store := newFakeStore()

	instance := saga.NewShipmentFulfillment("saga-2", "shipment-2", time.Now())
	require.NoError(t, store.Save(context.Background(), instance))

	var shipmentCmds []envelope.Command
	done := make(chan struct{})
	go func() {
		shipmentCmds = drainCommands(t, bus, envelope.TopicShipmentCommands, 1)
		close(done)
	}()
	time.Sleep(50 * time.Millisecond)

	err := compensation.Trigger(context.Background(), bus, store, instance, "inventory.reserve", "out of stock")
	require.NoError(t, err)
	<-done

	require.Len(t, shipmentCmds, 1)
	assert.Equal(t, envelope.CommandShipmentCancel, shipmentCmds[0].CommandType)
}

func TestTrigger_IsIdempotent_SecondCallOnTerminalSagaIsNoOp(t *testing.T) {
	bus := messaging.NewInMemoryPort()
	store := newFakeStore()

	instance := saga.NewShipmentFulfillment("saga-3", "shipment-3", time.Now())
	require.NoError(t, store.Save(context.Background(), instance))

	done := make(chan struct{})
	go func() {
		drainCommands(t, bus, envelope.TopicShipmentCommands, 1)
		close(done)
	}()
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, compensation.Trigger(context.Background(), bus, store, instance, "inventory.reserve", "out of stock"))
	<-done

	// instance is now Failed in the store; a second caller re-fetching it
	// and calling Trigger again must be absorbed as already-handled.
	again, err := store.Get(context.Background(), instance.SagaID)
	require.NoError(t, err)

	err = compensation.Trigger(context.Background(), bus, store, again, "inventory.reserve", "out of stock")
	assert.ErrorIs(t, err, compensation.ErrAlreadyHandled)
}
