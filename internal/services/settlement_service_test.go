package services

import (
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	tmock "github.com/stretchr/testify/mock"

	"github.com/marketfair/settlements/internal/models"
	"github.com/marketfair/settlements/internal/provider"
)

func newSettlementFixture(t *testing.T) (*SettlementService, sqlmock.Sqlmock, *MockProviderClient) {
	t.Helper()
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ledger := NewLedgerStore(db)
	intents := NewPaymentIntentRepository(db, ledger)
	providerMock := &MockProviderClient{}
	service := NewSettlementService(ledger, intents, providerMock, nil, "settlement_events")
	return service, mock, providerMock
}

func validRequest() *CreateSettlementRequest {
	return &CreateSettlementRequest{
		AmountMinorUnits: 1000,
		Currency:         "USD",
		OwnerType:        models.OwnerCustomer,
		OwnerID:          "cust-1",
		BookingID:        "book-1",
		ServiceID:        "svc-1",
	}
}

func expectDebitInsert(mock sqlmock.Sqlmock) {
	mock.ExpectExec("INSERT INTO credit_ledger_entries").
		WithArgs(models.OwnerCustomer, "cust-1", "book-1", sqlmock.AnyArg(), int64(-1000),
			"USD", models.ReasonRedeemed, sqlmock.AnyArg(), nil, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
}

func expectIntentCreation(mock sqlmock.Sqlmock) {
	mock.ExpectQuery("SELECT (.+) FROM payment_intents WHERE idempotency_key").
		WillReturnRows(sqlmock.NewRows(intentColumns()))
	mock.ExpectQuery("SELECT EXISTS").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectExec("INSERT INTO payment_intents").
		WillReturnResult(sqlmock.NewResult(1, 1))
}

func TestSettlementService_CreateSettlement(t *testing.T) {
	t.Run("happy path debits, records the intent, and authorizes", func(t *testing.T) {
		service, mock, providerMock := newSettlementFixture(t)

		expectDebitInsert(mock)
		expectIntentCreation(mock)

		providerMock.On("CreateAuthorization", int64(1000), "USD", tmock.Anything).
			Return(&provider.Authorization{ExternalID: "auth-1", Status: "approved"}, nil).
			Once()

		// Authorized transition: load then compare-and-swap write.
		mock.ExpectQuery("SELECT (.+) FROM payment_intents WHERE id").
			WillReturnRows(intentRow("pi-1", models.IntentCreated))
		mock.ExpectExec("UPDATE payment_intents SET status").
			WillReturnResult(sqlmock.NewResult(0, 1))

		handle, err := service.CreateSettlement(validRequest())
		assert.NoError(t, err)
		assert.Equal(t, models.IntentAuthorized, handle.Status)
		assert.Equal(t, "auth-1", handle.ExternalID)
		assert.NoError(t, mock.ExpectationsWereMet())
		providerMock.AssertExpectations(t)
	})

	t.Run("invalid request never reaches the ledger", func(t *testing.T) {
		service, mock, providerMock := newSettlementFixture(t)

		req := validRequest()
		req.AmountMinorUnits = 0

		handle, err := service.CreateSettlement(req)
		assert.Nil(t, handle)
		var verr *ValidationError
		assert.ErrorAs(t, err, &verr)
		assert.NoError(t, mock.ExpectationsWereMet())
		providerMock.AssertNotCalled(t, "CreateAuthorization")
	})

	t.Run("provider failure marks the intent failed and keeps the debit", func(t *testing.T) {
		service, mock, providerMock := newSettlementFixture(t)

		expectDebitInsert(mock)
		expectIntentCreation(mock)

		providerMock.On("CreateAuthorization", int64(1000), "USD", tmock.Anything).
			Return(nil, errors.New("card declined")).
			Once()

		// Failed transition; the debit entry is left untouched.
		mock.ExpectQuery("SELECT (.+) FROM payment_intents WHERE id").
			WillReturnRows(intentRow("pi-1", models.IntentCreated))
		mock.ExpectExec("UPDATE payment_intents SET status").
			WillReturnResult(sqlmock.NewResult(0, 1))

		handle, err := service.CreateSettlement(validRequest())
		assert.Nil(t, handle)
		var perr *ExternalProviderError
		assert.ErrorAs(t, err, &perr)
		assert.Equal(t, "create_authorization", perr.Op)
		assert.NoError(t, mock.ExpectationsWereMet())
		providerMock.AssertExpectations(t)
	})

	t.Run("replayed request returns the recorded authorization without a provider call", func(t *testing.T) {
		service, mock, providerMock := newSettlementFixture(t)

		expectDebitInsert(mock)

		// Idempotency key lookup finds the intent the first attempt authorized.
		now := time.Now().UTC()
		mock.ExpectQuery("SELECT (.+) FROM payment_intents WHERE idempotency_key").
			WillReturnRows(sqlmock.NewRows(intentColumns()).
				AddRow("pi-1", "customer", "cust-1", "book-1", "ci-1", 1000, "USD",
					"authorized", "mockpay", "auth-1", "key-1", nil, now, now))

		handle, err := service.CreateSettlement(validRequest())
		assert.NoError(t, err)
		assert.Equal(t, "pi-1", handle.PaymentIntentID)
		assert.Equal(t, "auth-1", handle.ExternalID)
		assert.NoError(t, mock.ExpectationsWereMet())
		providerMock.AssertNotCalled(t, "CreateAuthorization")
	})

	t.Run("concurrent duplicate that lost the authorize race adopts the winner's result", func(t *testing.T) {
		service, mock, providerMock := newSettlementFixture(t)

		expectDebitInsert(mock)
		expectIntentCreation(mock)

		providerMock.On("CreateAuthorization", int64(1000), "USD", tmock.Anything).
			Return(&provider.Authorization{ExternalID: "auth-1", Status: "approved"}, nil).
			Once()

		// Compare-and-swap loses: the duplicate request already authorized it.
		mock.ExpectQuery("SELECT (.+) FROM payment_intents WHERE id").
			WillReturnRows(intentRow("pi-1", models.IntentCreated))
		mock.ExpectExec("UPDATE payment_intents SET status").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT (.+) FROM payment_intents WHERE id").
			WillReturnRows(intentRow("pi-1", models.IntentAuthorized))

		handle, err := service.CreateSettlement(validRequest())
		assert.NoError(t, err)
		assert.Equal(t, models.IntentAuthorized, handle.Status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("authorized settlement is published to the event queue", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		rdb, redisMock := redismock.NewClientMock()
		ledger := NewLedgerStore(db)
		intents := NewPaymentIntentRepository(db, ledger)
		providerMock := &MockProviderClient{}
		service := NewSettlementService(ledger, intents, providerMock, rdb, "settlement_events")

		expectDebitInsert(mock)
		expectIntentCreation(mock)
		providerMock.On("CreateAuthorization", int64(1000), "USD", tmock.Anything).
			Return(&provider.Authorization{ExternalID: "auth-1", Status: "approved"}, nil).
			Once()
		mock.ExpectQuery("SELECT (.+) FROM payment_intents WHERE id").
			WillReturnRows(intentRow("pi-1", models.IntentCreated))
		mock.ExpectExec("UPDATE payment_intents SET status").
			WillReturnResult(sqlmock.NewResult(0, 1))

		redisMock.Regexp().ExpectRPush("settlement_events", `.+`).SetVal(1)

		_, err = service.CreateSettlement(validRequest())
		assert.NoError(t, err)
		assert.NoError(t, redisMock.ExpectationsWereMet())
	})
}

func TestSettlementService_DeriveKey(t *testing.T) {
	service, _, _ := newSettlementFixture(t)

	req := validRequest()
	first := service.deriveKey(req, "authorization")
	second := service.deriveKey(req, "authorization")
	assert.Equal(t, first, second, "same request must derive the same key on retry")

	debitKey := service.deriveKey(req, "debit")
	assert.NotEqual(t, first, debitKey, "purposes must not collide")

	other := validRequest()
	other.BookingID = "book-2"
	assert.NotEqual(t, first, service.deriveKey(other, "authorization"))
}

func TestSettlementService_CaptureAndRefund(t *testing.T) {
	t.Run("capture", func(t *testing.T) {
		service, mock, providerMock := newSettlementFixture(t)

		mock.ExpectQuery("SELECT (.+) FROM payment_intents WHERE id").
			WillReturnRows(sqlmock.NewRows(intentColumns()).
				AddRow("pi-1", "customer", "cust-1", nil, "ci-1", 1000, "USD",
					"authorized", "mockpay", "auth-1", "key-1", nil, time.Now(), time.Now()))
		providerMock.On("Capture", "auth-1").Return("cap-1", nil).Once()
		mock.ExpectQuery("SELECT (.+) FROM payment_intents WHERE id").
			WillReturnRows(sqlmock.NewRows(intentColumns()).
				AddRow("pi-1", "customer", "cust-1", nil, "ci-1", 1000, "USD",
					"authorized", "mockpay", "auth-1", "key-1", nil, time.Now(), time.Now()))
		mock.ExpectExec("UPDATE payment_intents SET status").
			WillReturnResult(sqlmock.NewResult(0, 1))

		intent, err := service.CaptureSettlement("pi-1")
		assert.NoError(t, err)
		assert.Equal(t, models.IntentCaptured, intent.Status)
		assert.NoError(t, mock.ExpectationsWereMet())
		providerMock.AssertExpectations(t)
	})

	t.Run("refund failure surfaces as a provider error", func(t *testing.T) {
		service, mock, providerMock := newSettlementFixture(t)

		mock.ExpectQuery("SELECT (.+) FROM payment_intents WHERE id").
			WillReturnRows(sqlmock.NewRows(intentColumns()).
				AddRow("pi-1", "customer", "cust-1", nil, "ci-1", 1000, "USD",
					"captured", "mockpay", "auth-1", "key-1", nil, time.Now(), time.Now()))
		providerMock.On("Refund", "auth-1").Return("", errors.New("already refunded")).Once()

		intent, err := service.RefundSettlement("pi-1")
		assert.Nil(t, intent)
		var perr *ExternalProviderError
		assert.ErrorAs(t, err, &perr)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("capture without an authorization is rejected", func(t *testing.T) {
		service, mock, providerMock := newSettlementFixture(t)

		mock.ExpectQuery("SELECT (.+) FROM payment_intents WHERE id").
			WillReturnRows(sqlmock.NewRows(intentColumns()).
				AddRow("pi-1", "customer", "cust-1", nil, "ci-1", 1000, "USD",
					"created", "mockpay", nil, "key-1", nil, time.Now(), time.Now()))

		intent, err := service.CaptureSettlement("pi-1")
		assert.Nil(t, intent)
		var verr *ValidationError
		assert.ErrorAs(t, err, &verr)
		providerMock.AssertNotCalled(t, "Capture")
	})
}

func TestSettlementService_ReverseSettlement(t *testing.T) {
	service, mock, _ := newSettlementFixture(t)

	mock.ExpectQuery("SELECT (.+) FROM credit_ledger_entries WHERE credit_intent_id").
		WithArgs("ci-1").
		WillReturnRows(sqlmock.NewRows(ledgerColumns()).
			AddRow(1, "customer", "cust-1", "book-1", "ci-1", -1000, "USD", "redeemed", nil, nil, time.Now()))

	mock.ExpectExec("INSERT INTO credit_ledger_entries").
		WithArgs(models.OwnerCustomer, "cust-1", "book-1", "ci-1:reversal", int64(1000),
			"USD", models.ReasonReversed, sqlmock.AnyArg(), nil, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(2, 1))

	reversal, err := service.ReverseSettlement("ci-1")
	assert.NoError(t, err)
	assert.Equal(t, "ci-1:reversal", reversal.CreditIntentID)
	assert.Equal(t, int64(1000), reversal.AmountMinorUnits)
	assert.Equal(t, models.ReasonReversed, reversal.ReasonCode)
	assert.NoError(t, mock.ExpectationsWereMet())
}
