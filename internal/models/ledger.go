package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// OwnerType identifies which side of the marketplace an account belongs to.
type OwnerType string

const (
	OwnerCustomer OwnerType = "customer"
	OwnerProvider OwnerType = "provider"
)

// Valid reports whether the owner type is one of the known values.
func (o OwnerType) Valid() bool {
	return o == OwnerCustomer || o == OwnerProvider
}

// ReasonCode classifies the business reason for a ledger movement.
type ReasonCode string

const (
	ReasonEarned   ReasonCode = "earned"
	ReasonRedeemed ReasonCode = "redeemed"
	ReasonRefunded ReasonCode = "refunded"
	ReasonBonus    ReasonCode = "bonus"
	ReasonReversed ReasonCode = "reversed"
)

// Metadata type for JSONB fields
type Metadata map[string]any

// Value implements driver.Valuer for Metadata
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner for Metadata
func (m *Metadata) Scan(value any) error {
	if value == nil {
		*m = nil
		return nil
	}

	b, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}

	return json.Unmarshal(b, m)
}

// LedgerEntry is a single row in the append-only credit ledger. Entries are
// never updated or deleted once written; an owner's balance is the sum of its
// non-expired entries at query time.
type LedgerEntry struct {
	ID               int64      `json:"id" db:"id"`
	OwnerType        OwnerType  `json:"owner_type" db:"owner_type"`
	OwnerID          string     `json:"owner_id" db:"owner_id"`
	BookingID        string     `json:"booking_id,omitempty" db:"booking_id"`
	CreditIntentID   string     `json:"credit_intent_id" db:"credit_intent_id"`
	AmountMinorUnits int64      `json:"amount_minor_units" db:"amount_minor_units"` // positive = credit, negative = debit
	Currency         string     `json:"currency" db:"currency"`
	ReasonCode       ReasonCode `json:"reason_code" db:"reason_code"`
	Metadata         Metadata   `json:"metadata,omitempty" db:"metadata"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	CreatedAt        time.Time  `json:"created_at" db:"created_at"`
}

// Expired reports whether the entry no longer counts toward a balance at the
// given instant. Entries without an expiry never expire.
func (e *LedgerEntry) Expired(at time.Time) bool {
	return e.ExpiresAt != nil && !e.ExpiresAt.After(at)
}

// CreditIntent is a queued request for a future ledger movement. Intents are
// created by upstream business logic and consumed exactly once by the
// reconciler, which sets ReconciledAt after a matching LedgerEntry exists.
type CreditIntent struct {
	ID               string     `json:"id" db:"id"`
	OwnerType        OwnerType  `json:"owner_type" db:"owner_type"`
	OwnerID          string     `json:"owner_id" db:"owner_id"`
	BookingID        string     `json:"booking_id,omitempty" db:"booking_id"`
	AmountMinorUnits int64      `json:"amount_minor_units" db:"amount_minor_units"`
	Currency         string     `json:"currency" db:"currency"`
	ReasonCode       ReasonCode `json:"reason_code" db:"reason_code"`
	Metadata         Metadata   `json:"metadata,omitempty" db:"metadata"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	CreatedAt        time.Time  `json:"created_at" db:"created_at"`
	ReconciledAt     *time.Time `json:"reconciled_at,omitempty" db:"reconciled_at"`
}

// LedgerEntry converts the intent into the entry the reconciler writes.
func (ci *CreditIntent) LedgerEntry() *LedgerEntry {
	return &LedgerEntry{
		OwnerType:        ci.OwnerType,
		OwnerID:          ci.OwnerID,
		BookingID:        ci.BookingID,
		CreditIntentID:   ci.ID,
		AmountMinorUnits: ci.AmountMinorUnits,
		Currency:         ci.Currency,
		ReasonCode:       ci.ReasonCode,
		Metadata:         ci.Metadata,
		ExpiresAt:        ci.ExpiresAt,
	}
}
