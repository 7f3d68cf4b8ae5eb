// Package api exposes the admin read API (C8): read-only lookups over
// saga and blockchain-record state for operators and the stuck-saga
// reaper's human-facing counterpart, following the teacher's
// net/http.ServeMux + manual JSON encode style rather than pulling in a
// router framework.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/shipsaga/fulfillment/domain/saga"
	"github.com/shipsaga/fulfillment/infrastructure/blockchainstore"
	"github.com/shipsaga/fulfillment/infrastructure/sagastore"
)

// Handler serves the admin read API.
type Handler struct {
	sagas       sagastore.Store
	blockchain  blockchainstore.Store
}

// NewHandler builds a Handler.
func NewHandler(sagas sagastore.Store, blockchain blockchainstore.Store) *Handler {
	return &Handler{sagas: sagas, blockchain: blockchain}
}

// Register wires the handler's routes onto mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/health", HealthCheck)
	mux.HandleFunc("/sagas/active", h.ListActiveSagas)
	mux.HandleFunc("/sagas/", h.GetSaga)
	mux.HandleFunc("/blockchain-records/", h.GetBlockchainRecord)
}

// sagaResponse is the wire shape for a saga instance, surfacing
// failed_step/error_message directly so an operator doesn't need to
// cross-reference logs (§7: "failed sagas observable via admin read API").
type sagaResponse struct {
	SagaID       string `json:"saga_id"`
	SagaType     string `json:"saga_type"`
	ShipmentID   string `json:"shipment_id"`
	WarehouseID  string `json:"warehouse_id,omitempty"`
	DeliveryID   string `json:"delivery_id,omitempty"`
	Status       string `json:"status"`
	StartedAt    string `json:"started_at"`
	UpdatedAt    string `json:"updated_at"`
	FailedStep   string `json:"failed_step,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

func toSagaResponse(i *saga.Instance) sagaResponse {
	return sagaResponse{
		SagaID:       i.SagaID,
		SagaType:     i.SagaType,
		ShipmentID:   i.ShipmentID,
		WarehouseID:  i.WarehouseID,
		DeliveryID:   i.DeliveryID,
		Status:       string(i.Status),
		StartedAt:    i.StartedAt.Format(timeFormat),
		UpdatedAt:    i.UpdatedAt.Format(timeFormat),
		FailedStep:   i.FailedStep,
		ErrorMessage: i.ErrorMessage,
	}
}

// GetSaga handles GET /sagas/{saga_id} and GET /sagas/?shipment_id=X.
func (h *Handler) GetSaga(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx := r.Context()

	if shipmentID := r.URL.Query().Get("shipment_id"); shipmentID != "" {
		h.getByShipment(ctx, w, shipmentID)
		return
	}

	sagaID := strings.TrimPrefix(r.URL.Path, "/sagas/")
	sagaID = strings.TrimSpace(sagaID)
	if sagaID == "" {
		http.Error(w, "saga_id is required", http.StatusBadRequest)
		return
	}

	instance, err := h.sagas.Get(ctx, sagaID)
	if err != nil {
		h.writeSagaLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSagaResponse(instance))
}

func (h *Handler) getByShipment(ctx context.Context, w http.ResponseWriter, shipmentID string) {
	instance, err := h.sagas.GetActiveByShipment(ctx, shipmentID)
	if err != nil {
		h.writeSagaLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSagaResponse(instance))
}

func (h *Handler) writeSagaLookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, sagastore.ErrNotFound) {
		http.Error(w, "saga not found", http.StatusNotFound)
		return
	}
	log.Printf("api: saga lookup failed: %v", err)
	http.Error(w, "failed to load saga", http.StatusInternalServerError)
}

// ListActiveSagas handles GET /sagas/active?limit=N — the stuck-saga
// visibility endpoint the reaper's sweep exists to make actionable.
func (h *Handler) ListActiveSagas(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	active, err := h.sagas.ListActive(r.Context(), limit)
	if err != nil {
		log.Printf("api: list active sagas failed: %v", err)
		http.Error(w, "failed to list active sagas", http.StatusInternalServerError)
		return
	}

	out := make([]sagaResponse, 0, len(active))
	for _, instance := range active {
		out = append(out, toSagaResponse(instance))
	}
	writeJSON(w, http.StatusOK, out)
}

type blockchainRecordResponse struct {
	RecordID     string `json:"record_id"`
	ShipmentID   string `json:"shipment_id"`
	TxHash       string `json:"tx_hash"`
	Status       string `json:"status"`
	CreatedAt    string `json:"created_at"`
	ConfirmedAt  string `json:"confirmed_at,omitempty"`
	BlockNumber  uint64 `json:"block_number,omitempty"`
	GasUsed      uint64 `json:"gas_used,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// GetBlockchainRecord handles GET /blockchain-records/{record_id}.
func (h *Handler) GetBlockchainRecord(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	recordID := strings.TrimPrefix(r.URL.Path, "/blockchain-records/")
	recordID = strings.TrimSpace(recordID)
	if recordID == "" {
		http.Error(w, "record_id is required", http.StatusBadRequest)
		return
	}

	record, err := h.blockchain.Get(r.Context(), recordID)
	if err != nil {
		if errors.Is(err, blockchainstore.ErrNotFound) {
			http.Error(w, "blockchain record not found", http.StatusNotFound)
			return
		}
		log.Printf("api: blockchain record lookup failed: %v", err)
		http.Error(w, "failed to load blockchain record", http.StatusInternalServerError)
		return
	}

	resp := blockchainRecordResponse{
		RecordID:     record.RecordID,
		ShipmentID:   record.ShipmentID,
		TxHash:       record.TxHash,
		Status:       string(record.Status),
		CreatedAt:    record.CreatedAt.Format(timeFormat),
		ErrorMessage: record.ErrorMessage,
	}
	if record.ConfirmedAt != nil {
		resp.ConfirmedAt = record.ConfirmedAt.Format(timeFormat)
	}
	if record.BlockNumber != nil {
		resp.BlockNumber = *record.BlockNumber
	}
	if record.GasUsed != nil {
		resp.GasUsed = *record.GasUsed
	}
	writeJSON(w, http.StatusOK, resp)
}

// HealthCheck handles GET /health.
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("api: encode response: %v", err)
	}
}

const timeFormat = "2006-01-02T15:04:05Z07:00"
