package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shipsaga/fulfillment/api"
	"github.com/shipsaga/fulfillment/domain/blockchain"
	"github.com/shipsaga/fulfillment/domain/saga"
	"github.com/shipsaga/fulfillment/infrastructure/blockchainstore"
	"github.com/shipsaga/fulfillment/infrastructure/sagastore"
)

type fakeSagaStore struct {
	bySagaID     map[string]*saga.Instance
	byShipmentID map[string]*saga.Instance
	active       []*saga.Instance
}

func (s *fakeSagaStore) Save(context.Context, *saga.Instance) error { return nil }

func (s *fakeSagaStore) Get(_ context.Context, sagaID string) (*saga.Instance, error) {
	if instance, ok := s.bySagaID[sagaID]; ok {
		return instance, nil
	}
	return nil, sagastore.ErrNotFound
}

func (s *fakeSagaStore) GetActiveByShipment(_ context.Context, shipmentID string) (*saga.Instance, error) {
	if instance, ok := s.byShipmentID[shipmentID]; ok {
		return instance, nil
	}
	return nil, sagastore.ErrNotFound
}

func (s *fakeSagaStore) ListActive(_ context.Context, limit int) ([]*saga.Instance, error) {
	if limit < len(s.active) {
		return s.active[:limit], nil
	}
	return s.active, nil
}

type fakeBlockchainStore struct {
	byRecordID map[string]*blockchain.Record
}

func (s *fakeBlockchainStore) Save(context.Context, *blockchain.Record) error { return nil }

func (s *fakeBlockchainStore) Get(_ context.Context, recordID string) (*blockchain.Record, error) {
	if record, ok := s.byRecordID[recordID]; ok {
		return record, nil
	}
	return nil, blockchainstore.ErrNotFound
}

func (s *fakeBlockchainStore) ListPending(context.Context, int) ([]*blockchain.Record, error) {
	return nil, nil
}

func TestGetSaga_ByID(t *testing.T) {
	instance := saga.NewShipmentFulfillment("saga-1", "shipment-1", time.Now())
	sagas := &fakeSagaStore{bySagaID: map[string]*saga.Instance{"saga-1": instance}}
	handler := api.NewHandler(sagas, &fakeBlockchainStore{})
	mux := http.NewServeMux()
	handler.Register(mux)

	req := httptest.NewRequest(http.MethodGet, "/sagas/saga-1", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "saga-1", body["saga_id"])
	assert.Equal(t, "started", body["status"])
}

func TestGetSaga_ByShipmentID(t *testing.T) {
	instance := saga.NewShipmentFulfillment("saga-1", "shipment-1", time.Now())
	sagas := &fakeSagaStore{byShipmentID: map[string]*saga.Instance{"shipment-1": instance}}
	handler := api.NewHandler(sagas, &fakeBlockchainStore{})
	mux := http.NewServeMux()
	handler.Register(mux)

	req := httptest.NewRequest(http.MethodGet, "/sagas/?shipment_id=shipment-1", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestGetSaga_NotFoundReturns404(t *testing.T) {
	sagas := &fakeSagaStore{bySagaID: map[string]*saga.Instance{}}
	handler := api.NewHandler(sagas, &fakeBlockchainStore{})
	mux := http.NewServeMux()
	handler.Register(mux)

	req := httptest.NewRequest(http.MethodGet, "/sagas/nonexistent", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListActiveSagas_RejectsNonPositiveLimit(t *testing.T) {
	sagas := &fakeSagaStore{}
	handler := api.NewHandler(sagas, &fakeBlockchainStore{})
	mux := http.NewServeMux()
	handler.Register(mux)

	req := httptest.NewRequest(http.MethodGet, "/sagas/active?limit=-1", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListActiveSagas_ReturnsBoundedList(t *testing.T) {
	a := saga.NewShipmentFulfillment("saga-1", "shipment-1", time.Now())
	b := saga.NewShipmentFulfillment("saga-2", "shipment-2", time.Now())
	sagas := &fakeSagaStore{active: []*saga.Instance{a, b}}
	handler := api.NewHandler(sagas, &fakeBlockchainStore{})
	mux := http.NewServeMux()
	handler.Register(mux)

	req := httptest.NewRequest(http.MethodGet, "/sagas/active?limit=1", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body []map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body, 1)
}

func TestGetBlockchainRecord_Found(t *testing.T) {
	record := blockchain.NewPending("rec-1", "shipment-1", "0xabc", nil, time.Now())
	blockchainStore := &fakeBlockchainStore{byRecordID: map[string]*blockchain.Record{"rec-1": record}}
	handler := api.NewHandler(&fakeSagaStore{}, blockchainStore)
	mux := http.NewServeMux()
	handler.Register(mux)

	req := httptest.NewRequest(http.MethodGet, "/blockchain-records/rec-1", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "pending", body["status"])
}

func TestHealthCheck(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	api.HealthCheck(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}
