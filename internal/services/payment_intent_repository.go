package services

import (
	"database/sql"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/marketfair/settlements/internal/models"
)

// PaymentIntentRepository owns the payment intent state machine. Concurrency
// control is pushed to the store: the nullable-unique idempotency_key
// resolves duplicate-insert races, and status updates are compare-and-swap
// on the previous status.
type PaymentIntentRepository struct {
	db     *sql.DB
	ledger *LedgerStore
}

func NewPaymentIntentRepository(db *sql.DB, ledger *LedgerStore) *PaymentIntentRepository {
	return &PaymentIntentRepository{db: db, ledger: ledger}
}

// CreatePaymentIntentParams are the caller-supplied fields for Insert.
type CreatePaymentIntentParams struct {
	OwnerType        models.OwnerType
	OwnerID          string
	BookingID        string
	CreditIntentID   string
	AmountMinorUnits int64
	Currency         string
	ExternalProvider string
	IdempotencyKey   string
	Metadata         models.Metadata
}

// Insert creates a payment intent in status "created". When an idempotency
// key is supplied and a row with that key already exists, the existing row
// is returned unchanged — first writer wins, even if the new payload
// differs. The referenced credit_intent_id must already resolve to a ledger
// entry. A unique-constraint race between two concurrent callers is settled
// by re-fetching the winner's row.
func (r *PaymentIntentRepository) Insert(params CreatePaymentIntentParams) (*models.PaymentIntent, error) {
	if params.IdempotencyKey != "" {
		existing, err := r.findByIdempotencyKey(params.IdempotencyKey)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		if existing != nil {
			log.Printf("[INTENT] idempotent replay for key %s, returning intent %s", params.IdempotencyKey, existing.ID)
			return existing, nil
		}
	}

	exists, err := r.ledger.Exists(params.CreditIntentID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, &ValidationError{
			Reason:  "credit intent is not recorded in the ledger",
			Context: map[string]string{"credit_intent_id": params.CreditIntentID},
		}
	}

	intent := &models.PaymentIntent{
		ID:               uuid.NewString(),
		OwnerType:        params.OwnerType,
		OwnerID:          params.OwnerID,
		BookingID:        params.BookingID,
		CreditIntentID:   params.CreditIntentID,
		AmountMinorUnits: params.AmountMinorUnits,
		Currency:         params.Currency,
		Status:           models.IntentCreated,
		ExternalProvider: params.ExternalProvider,
		IdempotencyKey:   params.IdempotencyKey,
		Metadata:         params.Metadata,
		CreatedAt:        time.Now().UTC(),
	}
	intent.UpdatedAt = intent.CreatedAt

	_, err = r.db.Exec(`
		INSERT INTO payment_intents
		(id, owner_type, owner_id, booking_id, credit_intent_id, amount_minor_units, currency, status, external_provider, external_id, idempotency_key, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		intent.ID, intent.OwnerType, intent.OwnerID, nullString(intent.BookingID),
		intent.CreditIntentID, intent.AmountMinorUnits, intent.Currency, intent.Status,
		nullString(intent.ExternalProvider), nullString(intent.ExternalID),
		nullString(intent.IdempotencyKey), intent.Metadata, intent.CreatedAt, intent.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) && params.IdempotencyKey != "" {
			// Lost the insert race; the winner's row is the record of truth.
			log.Printf("[INTENT] insert race on key %s, returning winner", params.IdempotencyKey)
			return r.findByIdempotencyKey(params.IdempotencyKey)
		}
		return nil, &PersistenceError{Op: "payment intent insert", Err: err}
	}
	return intent, nil
}

// FindByID returns the intent, or ErrNotFound when absent.
func (r *PaymentIntentRepository) FindByID(id string) (*models.PaymentIntent, error) {
	return r.findOne(`
		SELECT id, owner_type, owner_id, booking_id, credit_intent_id, amount_minor_units, currency, status, external_provider, external_id, idempotency_key, metadata, created_at, updated_at
		FROM payment_intents WHERE id = $1`, id)
}

// FindByExternalID looks an intent up by the provider's identifier, used for
// webhook correlation. Returns ErrNotFound when absent.
func (r *PaymentIntentRepository) FindByExternalID(provider, externalID string) (*models.PaymentIntent, error) {
	return r.findOne(`
		SELECT id, owner_type, owner_id, booking_id, credit_intent_id, amount_minor_units, currency, status, external_provider, external_id, idempotency_key, metadata, created_at, updated_at
		FROM payment_intents WHERE external_provider = $1 AND external_id = $2`, provider, externalID)
}

func (r *PaymentIntentRepository) findByIdempotencyKey(key string) (*models.PaymentIntent, error) {
	return r.findOne(`
		SELECT id, owner_type, owner_id, booking_id, credit_intent_id, amount_minor_units, currency, status, external_provider, external_id, idempotency_key, metadata, created_at, updated_at
		FROM payment_intents WHERE idempotency_key = $1`, key)
}

func (r *PaymentIntentRepository) findOne(query string, args ...any) (*models.PaymentIntent, error) {
	intent, err := scanPaymentIntent(r.db.QueryRow(query, args...))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &PersistenceError{Op: "payment intent lookup", Err: err}
	}
	return intent, nil
}

// UpdateStatusOptions carries the optional fields merged during a status
// change.
type UpdateStatusOptions struct {
	ExternalProvider string
	ExternalID       string
	Metadata         models.Metadata
}

// UpdateStatus moves the intent to newStatus if the transition table allows
// it, merging any external id, provider, and metadata updates. The write is
// conditioned on the status the intent had when loaded, so two concurrent
// transitions cannot both apply: the loser gets a ConflictError.
func (r *PaymentIntentRepository) UpdateStatus(id string, newStatus models.PaymentIntentStatus, opts UpdateStatusOptions) (*models.PaymentIntent, error) {
	current, err := r.FindByID(id)
	if err != nil {
		return nil, err
	}

	if !current.Status.CanTransitionTo(newStatus) {
		return nil, invalidTransition(current.Status, newStatus)
	}

	updated := *current
	updated.Status = newStatus
	updated.UpdatedAt = time.Now().UTC()
	if opts.ExternalProvider != "" {
		updated.ExternalProvider = opts.ExternalProvider
	}
	if opts.ExternalID != "" {
		updated.ExternalID = opts.ExternalID
	}
	if len(opts.Metadata) > 0 {
		merged := models.Metadata{}
		for k, v := range current.Metadata {
			merged[k] = v
		}
		for k, v := range opts.Metadata {
			merged[k] = v
		}
		updated.Metadata = merged
	}

	res, err := r.db.Exec(`
		UPDATE payment_intents
		SET status = $1, external_provider = $2, external_id = $3, metadata = $4, updated_at = $5
		WHERE id = $6 AND status = $7`,
		updated.Status, nullString(updated.ExternalProvider), nullString(updated.ExternalID),
		updated.Metadata, updated.UpdatedAt, id, current.Status)
	if err != nil {
		return nil, &PersistenceError{Op: "payment intent status update", Err: err}
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return nil, &PersistenceError{Op: "payment intent status update", Err: err}
	}
	if rowsAffected == 0 {
		return nil, &ConflictError{
			Reason: "payment intent status changed concurrently",
			Context: map[string]string{
				"id":       id,
				"expected": string(current.Status),
			},
		}
	}
	return &updated, nil
}

// MarkCaptured transitions the intent to captured, recording the provider's
// capture id in metadata.
func (r *PaymentIntentRepository) MarkCaptured(id, captureID string) (*models.PaymentIntent, error) {
	opts := UpdateStatusOptions{}
	if captureID != "" {
		opts.Metadata = models.Metadata{"capture_id": captureID}
	}
	return r.UpdateStatus(id, models.IntentCaptured, opts)
}

// MarkRefunded transitions the intent to refunded, recording the provider's
// refund id in metadata.
func (r *PaymentIntentRepository) MarkRefunded(id, refundID string) (*models.PaymentIntent, error) {
	opts := UpdateStatusOptions{}
	if refundID != "" {
		opts.Metadata = models.Metadata{"refund_id": refundID}
	}
	return r.UpdateStatus(id, models.IntentRefunded, opts)
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func scanPaymentIntent(row rowScanner) (*models.PaymentIntent, error) {
	var intent models.PaymentIntent
	var bookingID, externalProvider, externalID, idempotencyKey sql.NullString

	err := row.Scan(&intent.ID, &intent.OwnerType, &intent.OwnerID, &bookingID,
		&intent.CreditIntentID, &intent.AmountMinorUnits, &intent.Currency, &intent.Status,
		&externalProvider, &externalID, &idempotencyKey, &intent.Metadata,
		&intent.CreatedAt, &intent.UpdatedAt)
	if err != nil {
		return nil, err
	}

	intent.BookingID = bookingID.String
	intent.ExternalProvider = externalProvider.String
	intent.ExternalID = externalID.String
	intent.IdempotencyKey = idempotencyKey.String
	return &intent, nil
}
