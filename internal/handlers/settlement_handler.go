package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/marketfair/settlements/internal/models"
	"github.com/marketfair/settlements/internal/services"
)

// SettlementHandler exposes the settlement core over HTTP. All business
// decisions live in the services; handlers only decode, dispatch, and map
// the error taxonomy onto status codes.
type SettlementHandler struct {
	settlements *services.SettlementService
	intents     *services.PaymentIntentRepository
	ledger      *services.LedgerStore
	credits     *services.CreditIntentStore
	reconciler  *services.CreditReconciler
	validator   *services.ValidationHelper
}

func NewSettlementHandler(
	settlements *services.SettlementService,
	intents *services.PaymentIntentRepository,
	ledger *services.LedgerStore,
	credits *services.CreditIntentStore,
	reconciler *services.CreditReconciler,
) *SettlementHandler {
	return &SettlementHandler{
		settlements: settlements,
		intents:     intents,
		ledger:      ledger,
		credits:     credits,
		reconciler:  reconciler,
		validator:   services.NewValidationHelper(),
	}
}

// CreateSettlement handles POST /settlements.
func (h *SettlementHandler) CreateSettlement(w http.ResponseWriter, r *http.Request) {
	var req services.CreateSettlementRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	handle, err := h.settlements.CreateSettlement(&req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, handle)
}

// GetSettlement handles GET /settlements/{intentId}.
func (h *SettlementHandler) GetSettlement(w http.ResponseWriter, r *http.Request) {
	intent, err := h.intents.FindByID(chi.URLParam(r, "intentId"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, intent)
}

// CaptureSettlement handles POST /settlements/{intentId}/capture.
func (h *SettlementHandler) CaptureSettlement(w http.ResponseWriter, r *http.Request) {
	intent, err := h.settlements.CaptureSettlement(chi.URLParam(r, "intentId"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, intent)
}

// RefundSettlement handles POST /settlements/{intentId}/refund.
func (h *SettlementHandler) RefundSettlement(w http.ResponseWriter, r *http.Request) {
	intent, err := h.settlements.RefundSettlement(chi.URLParam(r, "intentId"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, intent)
}

// ReverseSettlement handles POST /settlements/{intentId}/reverse: the
// operator action that compensates a debit whose authorization failed.
func (h *SettlementHandler) ReverseSettlement(w http.ResponseWriter, r *http.Request) {
	intent, err := h.intents.FindByID(chi.URLParam(r, "intentId"))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	entry, err := h.settlements.ReverseSettlement(intent.CreditIntentID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

// GetBalance handles GET /owners/{ownerType}/{ownerId}/balance.
func (h *SettlementHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	ownerType := models.OwnerType(chi.URLParam(r, "ownerType"))
	ownerID := chi.URLParam(r, "ownerId")
	if !ownerType.Valid() {
		writeError(w, http.StatusBadRequest, "unknown owner type", nil)
		return
	}

	balance, err := h.ledger.Balance(ownerType, ownerID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"owner_type":          ownerType,
		"owner_id":            ownerID,
		"balance_minor_units": balance,
	})
}

// GetHistory handles GET /owners/{ownerType}/{ownerId}/ledger.
func (h *SettlementHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	ownerType := models.OwnerType(chi.URLParam(r, "ownerType"))
	ownerID := chi.URLParam(r, "ownerId")
	if !ownerType.Valid() {
		writeError(w, http.StatusBadRequest, "unknown owner type", nil)
		return
	}

	entries, err := h.ledger.History(ownerType, ownerID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"count":   len(entries),
	})
}

// EnqueueCredit handles POST /credits, the producer side of the reconciler.
func (h *SettlementHandler) EnqueueCredit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OwnerType        models.OwnerType  `json:"owner_type" validate:"required,oneof=customer provider"`
		OwnerID          string            `json:"owner_id" validate:"required"`
		BookingID        string            `json:"booking_id,omitempty"`
		AmountMinorUnits int64             `json:"amount_minor_units" validate:"required"`
		Currency         string            `json:"currency" validate:"required,len=3"`
		ReasonCode       models.ReasonCode `json:"reason_code" validate:"required"`
		Metadata         models.Metadata   `json:"metadata,omitempty"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		writeServiceError(w, err)
		return
	}

	intent := &models.CreditIntent{
		OwnerType:        req.OwnerType,
		OwnerID:          req.OwnerID,
		BookingID:        req.BookingID,
		AmountMinorUnits: req.AmountMinorUnits,
		Currency:         req.Currency,
		ReasonCode:       req.ReasonCode,
		Metadata:         req.Metadata,
	}
	if err := h.credits.Enqueue(intent); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, intent)
}

// Reconcile handles POST /reconcile, the externally-scheduled trigger.
func (h *SettlementHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	result, err := h.reconciler.Run()
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", nil)
		return false
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		writeError(w, http.StatusBadRequest, "Request body must only contain a single JSON object", nil)
		return false
	}
	return true
}

// writeServiceError maps the service error taxonomy onto HTTP status codes.
func writeServiceError(w http.ResponseWriter, err error) {
	var verr *services.ValidationError
	var cerr *services.ConflictError
	var perr *services.ExternalProviderError

	switch {
	case errors.Is(err, services.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found", nil)
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Reason, verr.Context)
	case errors.As(err, &cerr):
		writeError(w, http.StatusConflict, cerr.Reason, cerr.Context)
	case errors.As(err, &perr):
		writeError(w, http.StatusBadGateway, "payment provider call failed", nil)
	default:
		log.Printf("[HTTP] internal error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error", nil)
	}
}

func writeError(w http.ResponseWriter, status int, message string, details map[string]string) {
	writeJSON(w, status, map[string]any{
		"error":   message,
		"details": details,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
