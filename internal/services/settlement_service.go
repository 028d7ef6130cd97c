package services

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/marketfair/settlements/internal/models"
	"github.com/marketfair/settlements/internal/provider"
)

// ProviderClient is the narrow contract the settlement flow needs from the
// external payment provider.
type ProviderClient interface {
	Name() string
	CreateAuthorization(amountMinorUnits int64, currency, idempotencyKey string) (*provider.Authorization, error)
	Capture(externalID string) (string, error)
	Refund(externalID string) (string, error)
}

// settlementNamespace is the UUIDv5 namespace for deriving settlement
// identifiers. Fixed so the same request always derives the same ids.
var settlementNamespace = uuid.MustParse("9f2c1a54-0b7e-4d38-8c26-3fb14d2a9e61")

// SettlementService ties a checkout-time debit, a payment intent, and the
// external authorization into one guarded flow. It holds no mutable state;
// every serialization point lives in the store.
type SettlementService struct {
	ledger     *LedgerStore
	intents    *PaymentIntentRepository
	provider   ProviderClient
	redis      *redis.Client
	eventQueue string
	validator  *ValidationHelper
}

func NewSettlementService(ledger *LedgerStore, intents *PaymentIntentRepository, providerClient ProviderClient, rdb *redis.Client, eventQueue string) *SettlementService {
	return &SettlementService{
		ledger:     ledger,
		intents:    intents,
		provider:   providerClient,
		redis:      rdb,
		eventQueue: eventQueue,
		validator:  NewValidationHelper(),
	}
}

// CreateSettlementRequest is the orchestrator's input.
type CreateSettlementRequest struct {
	AmountMinorUnits int64            `json:"amount_minor_units" validate:"required,gt=0"`
	Currency         string           `json:"currency" validate:"required,len=3"`
	OwnerType        models.OwnerType `json:"owner_type" validate:"required,oneof=customer provider"`
	OwnerID          string           `json:"owner_id" validate:"required"`
	BookingID        string           `json:"booking_id,omitempty"`
	ServiceID        string           `json:"service_id" validate:"required"`
}

// AuthorizationHandle is what the caller gets back on success.
type AuthorizationHandle struct {
	PaymentIntentID  string                     `json:"payment_intent_id"`
	ExternalProvider string                     `json:"external_provider"`
	ExternalID       string                     `json:"external_id"`
	Status           models.PaymentIntentStatus `json:"status"`
}

// CreateSettlement debits the owner, records a payment intent, and asks the
// provider for an authorization, in that order. Every identifier is derived
// from caller-stable fields, so a retry of the whole flow reuses the same
// credit_intent_id and idempotency key and converges on the original
// outcome instead of double-debiting. A failed provider call moves the
// intent to failed but never reverses the debit; recording a compensating
// "reversed" entry is a separate operator action (ReverseSettlement).
func (s *SettlementService) CreateSettlement(req *CreateSettlementRequest) (*AuthorizationHandle, error) {
	if err := s.validator.ValidateStruct(req); err != nil {
		return nil, err
	}

	creditIntentID := s.deriveKey(req, "debit")
	idempotencyKey := s.deriveKey(req, "authorization")

	debit := &models.LedgerEntry{
		OwnerType:        req.OwnerType,
		OwnerID:          req.OwnerID,
		BookingID:        req.BookingID,
		CreditIntentID:   creditIntentID,
		AmountMinorUnits: -req.AmountMinorUnits,
		Currency:         req.Currency,
		ReasonCode:       models.ReasonRedeemed,
		Metadata:         models.Metadata{"service_id": req.ServiceID},
	}
	if err := s.ledger.Insert(debit); err != nil {
		return nil, err
	}

	intent, err := s.intents.Insert(CreatePaymentIntentParams{
		OwnerType:        req.OwnerType,
		OwnerID:          req.OwnerID,
		BookingID:        req.BookingID,
		CreditIntentID:   creditIntentID,
		AmountMinorUnits: req.AmountMinorUnits,
		Currency:         req.Currency,
		ExternalProvider: s.provider.Name(),
		IdempotencyKey:   idempotencyKey,
		Metadata:         models.Metadata{"service_id": req.ServiceID},
	})
	if err != nil {
		return nil, err
	}

	// Replay of a settlement that already went through: hand back the
	// recorded authorization without touching the provider again.
	if intent.Status == models.IntentAuthorized && intent.ExternalID != "" {
		return handleFrom(intent), nil
	}
	if intent.Status != models.IntentCreated {
		return nil, &ConflictError{
			Reason: "settlement already finalized",
			Context: map[string]string{
				"payment_intent_id": intent.ID,
				"status":            string(intent.Status),
			},
		}
	}

	auth, err := s.provider.CreateAuthorization(req.AmountMinorUnits, req.Currency, idempotencyKey)
	if err != nil {
		if _, uerr := s.intents.UpdateStatus(intent.ID, models.IntentFailed, UpdateStatusOptions{
			Metadata: models.Metadata{"provider_error": err.Error()},
		}); uerr != nil {
			log.Printf("[SETTLEMENT] could not mark intent %s failed: %v", intent.ID, uerr)
		}
		return nil, &ExternalProviderError{Provider: s.provider.Name(), Op: "create_authorization", Err: err}
	}

	updated, err := s.intents.UpdateStatus(intent.ID, models.IntentAuthorized, UpdateStatusOptions{
		ExternalID: auth.ExternalID,
		Metadata:   models.Metadata{"provider_status": auth.Status},
	})
	if err != nil {
		// A concurrent duplicate request may have authorized the intent
		// first; their result is ours too.
		var conflict *ConflictError
		if errors.As(err, &conflict) {
			if current, ferr := s.intents.FindByID(intent.ID); ferr == nil && current.Status == models.IntentAuthorized {
				return handleFrom(current), nil
			}
		}
		return nil, err
	}

	s.publishSettlementEvent(updated)
	return handleFrom(updated), nil
}

// CaptureSettlement settles the authorized amount with the provider and
// marks the intent captured.
func (s *SettlementService) CaptureSettlement(paymentIntentID string) (*models.PaymentIntent, error) {
	intent, err := s.intents.FindByID(paymentIntentID)
	if err != nil {
		return nil, err
	}
	if intent.ExternalID == "" {
		return nil, &ValidationError{
			Reason:  "payment intent has no external authorization",
			Context: map[string]string{"payment_intent_id": paymentIntentID},
		}
	}

	captureID, err := s.provider.Capture(intent.ExternalID)
	if err != nil {
		return nil, &ExternalProviderError{Provider: s.provider.Name(), Op: "capture", Err: err}
	}
	return s.intents.MarkCaptured(paymentIntentID, captureID)
}

// RefundSettlement reverses a captured payment with the provider and marks
// the intent refunded.
func (s *SettlementService) RefundSettlement(paymentIntentID string) (*models.PaymentIntent, error) {
	intent, err := s.intents.FindByID(paymentIntentID)
	if err != nil {
		return nil, err
	}
	if intent.ExternalID == "" {
		return nil, &ValidationError{
			Reason:  "payment intent has no external authorization",
			Context: map[string]string{"payment_intent_id": paymentIntentID},
		}
	}

	refundID, err := s.provider.Refund(intent.ExternalID)
	if err != nil {
		return nil, &ExternalProviderError{Provider: s.provider.Name(), Op: "refund", Err: err}
	}
	return s.intents.MarkRefunded(paymentIntentID, refundID)
}

// ReverseSettlement records the compensating entry for a debit whose
// authorization never succeeded. It fires on operator action only, never
// automatically. The reversal's credit_intent_id is derived from the
// original, so repeating the reversal stays a no-op.
func (s *SettlementService) ReverseSettlement(creditIntentID string) (*models.LedgerEntry, error) {
	original, err := s.ledger.FindByCreditIntentID(creditIntentID)
	if err != nil {
		return nil, err
	}

	reversal := &models.LedgerEntry{
		OwnerType:        original.OwnerType,
		OwnerID:          original.OwnerID,
		BookingID:        original.BookingID,
		CreditIntentID:   creditIntentID + ":reversal",
		AmountMinorUnits: -original.AmountMinorUnits,
		Currency:         original.Currency,
		ReasonCode:       models.ReasonReversed,
		Metadata:         models.Metadata{"reverses": creditIntentID},
	}
	if err := s.ledger.Insert(reversal); err != nil {
		return nil, err
	}
	return reversal, nil
}

// deriveKey builds a deterministic identifier from caller-stable fields
// only. Wall-clock time must never feed into this: a timestamped key would
// change between retries and silently defeat the idempotency the rest of
// the flow guarantees.
func (s *SettlementService) deriveKey(req *CreateSettlementRequest, purpose string) string {
	name := strings.Join([]string{
		string(req.OwnerType), req.OwnerID, req.BookingID, req.ServiceID, purpose,
	}, "|")
	return uuid.NewSHA1(settlementNamespace, []byte(name)).String()
}

// publishSettlementEvent pushes the authorized settlement onto the redis
// event queue for downstream consumers. Failures are logged, never surfaced:
// the settlement itself already committed.
func (s *SettlementService) publishSettlementEvent(intent *models.PaymentIntent) {
	if s.redis == nil {
		return
	}

	data, err := json.Marshal(map[string]any{
		"payment_intent_id":  intent.ID,
		"credit_intent_id":   intent.CreditIntentID,
		"external_id":        intent.ExternalID,
		"amount_minor_units": intent.AmountMinorUnits,
		"currency":           intent.Currency,
		"authorized_at":      time.Now().UTC(),
	})
	if err != nil {
		log.Printf("[SETTLEMENT] event marshal failed for intent %s: %v", intent.ID, err)
		return
	}

	if err := s.redis.RPush(context.Background(), s.eventQueue, data).Err(); err != nil {
		log.Printf("[SETTLEMENT] event publish failed for intent %s: %v", intent.ID, err)
	}
}

func handleFrom(intent *models.PaymentIntent) *AuthorizationHandle {
	return &AuthorizationHandle{
		PaymentIntentID:  intent.ID,
		ExternalProvider: intent.ExternalProvider,
		ExternalID:       intent.ExternalID,
		Status:           intent.Status,
	}
}
