package services

import (
	"database/sql"
	"log"
	"time"

	"github.com/marketfair/settlements/internal/models"
)

// CreditReconciler drains the credit intent backlog into the ledger. It runs
// on an externally-owned schedule and may race a second invocation of
// itself: the existing-entry check plus the conditional reconciled_at update
// bound that race to a harmless double-check, never a double-apply.
type CreditReconciler struct {
	db     *sql.DB
	ledger *LedgerStore
}

func NewCreditReconciler(db *sql.DB, ledger *LedgerStore) *CreditReconciler {
	return &CreditReconciler{db: db, ledger: ledger}
}

// ReconcileError records one intent that could not be applied this run.
type ReconcileError struct {
	IntentID string `json:"intent_id"`
	Message  string `json:"error"`
}

// ReconcileResult summarizes one reconciler run. Per-item failures are data
// here, never a reason to abort the batch.
type ReconcileResult struct {
	Processed int              `json:"processed"`
	Skipped   int              `json:"skipped"`
	Errors    []ReconcileError `json:"errors"`
}

// Run fetches every unreconciled intent in (created_at, id) order and applies
// each independently: insert into the ledger unless an entry already exists,
// then mark the intent reconciled only if it is still unmarked. The returned
// error is non-nil only when the backlog cannot be enumerated at all.
func (r *CreditReconciler) Run() (*ReconcileResult, error) {
	intents, err := r.fetchBacklog()
	if err != nil {
		return nil, err
	}

	result := &ReconcileResult{Errors: []ReconcileError{}}
	for i := range intents {
		intent := &intents[i]

		exists, err := r.ledger.Exists(intent.ID)
		if err != nil {
			result.Errors = append(result.Errors, ReconcileError{IntentID: intent.ID, Message: err.Error()})
			continue
		}

		if exists {
			result.Skipped++
		} else {
			if err := r.ledger.Insert(intent.LedgerEntry()); err != nil {
				log.Printf("[RECONCILER] intent %s failed: %v", intent.ID, err)
				result.Errors = append(result.Errors, ReconcileError{IntentID: intent.ID, Message: err.Error()})
				continue
			}
			result.Processed++
		}

		if err := r.markReconciled(intent.ID); err != nil {
			result.Errors = append(result.Errors, ReconcileError{IntentID: intent.ID, Message: err.Error()})
		}
	}

	log.Printf("[RECONCILER] run complete: processed=%d skipped=%d errors=%d",
		result.Processed, result.Skipped, len(result.Errors))
	return result, nil
}

// fetchBacklog loads every unreconciled intent. The deterministic
// (created_at, id) ordering keeps repeated runs over the same backlog
// processing items in the same sequence even under partial failure.
func (r *CreditReconciler) fetchBacklog() ([]models.CreditIntent, error) {
	rows, err := r.db.Query(`
		SELECT id, owner_type, owner_id, booking_id, amount_minor_units, currency, reason_code, metadata, expires_at, created_at
		FROM credit_intents
		WHERE reconciled_at IS NULL
		ORDER BY created_at, id`)
	if err != nil {
		return nil, &PersistenceError{Op: "reconciler backlog fetch", Err: err}
	}
	defer rows.Close()

	var intents []models.CreditIntent
	for rows.Next() {
		var intent models.CreditIntent
		var bookingID sql.NullString
		var expiresAt sql.NullTime
		if err := rows.Scan(&intent.ID, &intent.OwnerType, &intent.OwnerID, &bookingID,
			&intent.AmountMinorUnits, &intent.Currency, &intent.ReasonCode,
			&intent.Metadata, &expiresAt, &intent.CreatedAt); err != nil {
			return nil, &PersistenceError{Op: "reconciler backlog scan", Err: err}
		}
		intent.BookingID = bookingID.String
		if expiresAt.Valid {
			t := expiresAt.Time
			intent.ExpiresAt = &t
		}
		intents = append(intents, intent)
	}
	if err := rows.Err(); err != nil {
		return nil, &PersistenceError{Op: "reconciler backlog fetch", Err: err}
	}
	return intents, nil
}

// markReconciled stamps the intent only if it is still unmarked, so a
// concurrent reconciler run cannot claim the same intent twice.
func (r *CreditReconciler) markReconciled(intentID string) error {
	_, err := r.db.Exec(`
		UPDATE credit_intents SET reconciled_at = $1
		WHERE id = $2 AND reconciled_at IS NULL`,
		time.Now().UTC(), intentID)
	if err != nil {
		return &PersistenceError{Op: "reconciler mark", Err: err}
	}
	return nil
}
