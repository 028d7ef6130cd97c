package models

import "time"

// PaymentIntentStatus is the state of one settlement attempt against the
// external payment provider.
type PaymentIntentStatus string

const (
	IntentCreated    PaymentIntentStatus = "created"
	IntentAuthorized PaymentIntentStatus = "authorized"
	IntentCaptured   PaymentIntentStatus = "captured"
	IntentRefunded   PaymentIntentStatus = "refunded"
	IntentCancelled  PaymentIntentStatus = "cancelled"
	IntentFailed     PaymentIntentStatus = "failed"
)

// statusTransitions is the directed graph of legal status moves. Statuses
// absent from the map are terminal.
var statusTransitions = map[PaymentIntentStatus][]PaymentIntentStatus{
	IntentCreated:    {IntentAuthorized, IntentCancelled, IntentFailed},
	IntentAuthorized: {IntentCaptured, IntentCancelled, IntentFailed},
	IntentCaptured:   {IntentRefunded},
}

// CanTransitionTo reports whether moving from s to target is legal.
func (s PaymentIntentStatus) CanTransitionTo(target PaymentIntentStatus) bool {
	for _, allowed := range statusTransitions[s] {
		if allowed == target {
			return true
		}
	}
	return false
}

// Terminal reports whether the status has no outgoing transitions.
func (s PaymentIntentStatus) Terminal() bool {
	return len(statusTransitions[s]) == 0
}

// PaymentIntent records one attempt to move money through an external
// provider. Unlike ledger entries it is mutable, but only along the
// transition graph above.
type PaymentIntent struct {
	ID               string              `json:"id" db:"id"`
	OwnerType        OwnerType           `json:"owner_type" db:"owner_type"`
	OwnerID          string              `json:"owner_id" db:"owner_id"`
	BookingID        string              `json:"booking_id,omitempty" db:"booking_id"`
	CreditIntentID   string              `json:"credit_intent_id" db:"credit_intent_id"`
	AmountMinorUnits int64               `json:"amount_minor_units" db:"amount_minor_units"`
	Currency         string              `json:"currency" db:"currency"`
	Status           PaymentIntentStatus `json:"status" db:"status"`
	ExternalProvider string              `json:"external_provider,omitempty" db:"external_provider"`
	ExternalID       string              `json:"external_id,omitempty" db:"external_id"`
	IdempotencyKey   string              `json:"idempotency_key,omitempty" db:"idempotency_key"`
	Metadata         Metadata            `json:"metadata,omitempty" db:"metadata"`
	CreatedAt        time.Time           `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time           `json:"updated_at" db:"updated_at"`
}
