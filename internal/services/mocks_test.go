package services

import (
	"github.com/stretchr/testify/mock"

	"github.com/marketfair/settlements/internal/provider"
)

type MockProviderClient struct {
	mock.Mock
}

func (m *MockProviderClient) Name() string {
	return "mockpay"
}

func (m *MockProviderClient) CreateAuthorization(amountMinorUnits int64, currency, idempotencyKey string) (*provider.Authorization, error) {
	args := m.Called(amountMinorUnits, currency, idempotencyKey)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*provider.Authorization), args.Error(1)
}

func (m *MockProviderClient) Capture(externalID string) (string, error) {
	args := m.Called(externalID)
	return args.String(0), args.Error(1)
}

func (m *MockProviderClient) Refund(externalID string) (string, error) {
	args := m.Called(externalID)
	return args.String(0), args.Error(1)
}
