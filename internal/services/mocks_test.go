package services

import (
	"context"

	"github.com/jmoiron/sqlx"
	"github.com/ruralpay/walletledger/internal/audit"
	"github.com/ruralpay/walletledger/internal/models"
	"github.com/stretchr/testify/mock"
)

type MockPINHasher struct {
	mock.Mock
}

func (m *MockPINHasher) HashPIN(pin string) (string, error) {
	args := m.Called(pin)
	return args.String(0), args.Error(1)
}

func (m *MockPINHasher) VerifyPIN(pin string, hashedPIN string) (bool, error) {
	args := m.Called(pin, hashedPIN)
	return args.Bool(0), args.Error(1)
}

type MockAuditAppender struct {
	mock.Mock
}

func (m *MockAuditAppender) Append(ctx context.Context, tx *sqlx.Tx, e audit.Entry) (*models.AuditLog, error) {
	args := m.Called(ctx, tx, e)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.AuditLog), args.Error(1)
}

type MockPinVerifier struct {
	mock.Mock
}

func (m *MockPinVerifier) Verify(ctx context.Context, walletNumber, pin string) error {
	args := m.Called(ctx, walletNumber, pin)
	return args.Error(0)
}

type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) Send(ctx context.Context, subject, body string) error {
	args := m.Called(ctx, subject, body)
	return args.Error(0)
}

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, evt models.OutboxEvent) error {
	args := m.Called(ctx, evt)
	return args.Error(0)
}

func (m *MockPublisher) Close() error {
	return m.Called().Error(0)
}
