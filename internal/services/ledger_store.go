package services

import (
	"database/sql"
	"log"
	"time"

	"github.com/marketfair/settlements/internal/models"
)

// LedgerStore owns the append-only credit ledger. Rows are never updated or
// deleted; credit_intent_id is the sole idempotency key and the store
// resolves duplicate inserts itself.
type LedgerStore struct {
	db *sql.DB
}

func NewLedgerStore(db *sql.DB) *LedgerStore {
	return &LedgerStore{db: db}
}

// Insert persists a ledger entry. Inserting the same credit_intent_id twice
// is a no-op reported as success: the conditional insert makes the duplicate
// race atomic instead of relying on catch-unique-violation-then-refetch.
// Any other failure surfaces as a PersistenceError and is not retried here.
func (s *LedgerStore) Insert(entry *models.LedgerEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	res, err := s.db.Exec(`
		INSERT INTO credit_ledger_entries
		(owner_type, owner_id, booking_id, credit_intent_id, amount_minor_units, currency, reason_code, metadata, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (credit_intent_id) DO NOTHING`,
		entry.OwnerType, entry.OwnerID, nullString(entry.BookingID), entry.CreditIntentID,
		entry.AmountMinorUnits, entry.Currency, entry.ReasonCode, entry.Metadata,
		nullTime(entry.ExpiresAt), entry.CreatedAt)
	if err != nil {
		return &PersistenceError{Op: "ledger insert", Err: err}
	}

	if n, err := res.RowsAffected(); err == nil && n == 0 {
		log.Printf("[LEDGER] duplicate credit_intent_id %s, insert is a no-op", entry.CreditIntentID)
	}
	return nil
}

// Exists reports whether an entry with the given credit_intent_id is already
// in the ledger.
func (s *LedgerStore) Exists(creditIntentID string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(`
		SELECT EXISTS(
			SELECT 1 FROM credit_ledger_entries WHERE credit_intent_id = $1
		)`, creditIntentID).Scan(&exists)
	if err != nil {
		return false, &PersistenceError{Op: "ledger exists check", Err: err}
	}
	return exists, nil
}

// FindByCreditIntentID returns the entry for a credit intent, or ErrNotFound.
func (s *LedgerStore) FindByCreditIntentID(creditIntentID string) (*models.LedgerEntry, error) {
	row := s.db.QueryRow(`
		SELECT id, owner_type, owner_id, booking_id, credit_intent_id, amount_minor_units, currency, reason_code, metadata, expires_at, created_at
		FROM credit_ledger_entries
		WHERE credit_intent_id = $1`, creditIntentID)

	entry, err := scanLedgerEntry(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &PersistenceError{Op: "ledger lookup", Err: err}
	}
	return entry, nil
}

// History returns an owner's entries in append order. The ordering is stable
// across calls because rows are immutable once written.
func (s *LedgerStore) History(ownerType models.OwnerType, ownerID string) ([]models.LedgerEntry, error) {
	rows, err := s.db.Query(`
		SELECT id, owner_type, owner_id, booking_id, credit_intent_id, amount_minor_units, currency, reason_code, metadata, expires_at, created_at
		FROM credit_ledger_entries
		WHERE owner_type = $1 AND owner_id = $2
		ORDER BY created_at, id`, ownerType, ownerID)
	if err != nil {
		return nil, &PersistenceError{Op: "ledger history", Err: err}
	}
	defer rows.Close()

	var entries []models.LedgerEntry
	for rows.Next() {
		entry, err := scanLedgerEntry(rows)
		if err != nil {
			return nil, &PersistenceError{Op: "ledger history scan", Err: err}
		}
		entries = append(entries, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, &PersistenceError{Op: "ledger history", Err: err}
	}
	return entries, nil
}

// Balance is the sum of the owner's non-expired entries as of now. It is
// always computed from History, never cached.
func (s *LedgerStore) Balance(ownerType models.OwnerType, ownerID string) (int64, error) {
	entries, err := s.History(ownerType, ownerID)
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	var balance int64
	for i := range entries {
		if entries[i].Expired(now) {
			continue
		}
		balance += entries[i].AmountMinorUnits
	}
	return balance, nil
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanLedgerEntry(row rowScanner) (*models.LedgerEntry, error) {
	var entry models.LedgerEntry
	var bookingID sql.NullString
	var expiresAt sql.NullTime

	err := row.Scan(&entry.ID, &entry.OwnerType, &entry.OwnerID, &bookingID,
		&entry.CreditIntentID, &entry.AmountMinorUnits, &entry.Currency,
		&entry.ReasonCode, &entry.Metadata, &expiresAt, &entry.CreatedAt)
	if err != nil {
		return nil, err
	}

	entry.BookingID = bookingID.String
	if expiresAt.Valid {
		t := expiresAt.Time
		entry.ExpiresAt = &t
	}
	return &entry, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
