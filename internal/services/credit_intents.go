package services

import (
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/marketfair/settlements/internal/models"
)

// CreditIntentStore enqueues intents for the reconciler to drain. Intents
// carry no uniqueness beyond their primary key; exactly-once application is
// the ledger's job.
type CreditIntentStore struct {
	db *sql.DB
}

func NewCreditIntentStore(db *sql.DB) *CreditIntentStore {
	return &CreditIntentStore{db: db}
}

// Enqueue persists a new intent. The caller may supply the id; when empty a
// fresh one is generated.
func (s *CreditIntentStore) Enqueue(intent *models.CreditIntent) error {
	if intent.ID == "" {
		intent.ID = uuid.NewString()
	}
	if intent.CreatedAt.IsZero() {
		intent.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.Exec(`
		INSERT INTO credit_intents
		(id, owner_type, owner_id, booking_id, amount_minor_units, currency, reason_code, metadata, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		intent.ID, intent.OwnerType, intent.OwnerID, nullString(intent.BookingID),
		intent.AmountMinorUnits, intent.Currency, intent.ReasonCode, intent.Metadata,
		nullTime(intent.ExpiresAt), intent.CreatedAt)
	if err != nil {
		return &PersistenceError{Op: "credit intent enqueue", Err: err}
	}
	return nil
}

// PendingCount reports how many intents await reconciliation.
func (s *CreditIntentStore) PendingCount() (int, error) {
	var count int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM credit_intents WHERE reconciled_at IS NULL`).Scan(&count)
	if err != nil {
		return 0, &PersistenceError{Op: "credit intent count", Err: err}
	}
	return count, nil
}
