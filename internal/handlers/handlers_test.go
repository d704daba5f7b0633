package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/ruralpay/walletledger/internal/apperr"
	"github.com/ruralpay/walletledger/internal/middleware"
	"github.com/ruralpay/walletledger/internal/models"
	"github.com/ruralpay/walletledger/internal/services"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const (
	testSecret = "handler-secret"
	walletA    = "3001111111"
	walletB    = "3102222222"
)

type mockLedger struct{ mock.Mock }

func (m *mockLedger) Credit(ctx context.Context, req services.CreditRequest) (*models.Transaction, error) {
	args := m.Called(ctx, req)
	tx, _ := args.Get(0).(*models.Transaction)
	return tx, args.Error(1)
}

func (m *mockLedger) Debit(ctx context.Context, req services.DebitRequest) (*models.Transaction, error) {
	args := m.Called(ctx, req)
	tx, _ := args.Get(0).(*models.Transaction)
	return tx, args.Error(1)
}

func (m *mockLedger) Transfer(ctx context.Context, req services.TransferRequest) (*models.Transaction, error) {
	args := m.Called(ctx, req)
	tx, _ := args.Get(0).(*models.Transaction)
	return tx, args.Error(1)
}

type mockQueries struct{ mock.Mock }

func (m *mockQueries) GetTransaction(ctx context.Context, reference string) (*models.TransactionDetail, error) {
	args := m.Called(ctx, reference)
	d, _ := args.Get(0).(*models.TransactionDetail)
	return d, args.Error(1)
}

func (m *mockQueries) ListWalletTransactions(ctx context.Context, q services.StatementQuery) (*models.WalletStatement, error) {
	args := m.Called(ctx, q)
	s, _ := args.Get(0).(*models.WalletStatement)
	return s, args.Error(1)
}

type mockPins struct{ mock.Mock }

func (m *mockPins) SetPin(ctx context.Context, walletNumber, pin, actor string) error {
	return m.Called(ctx, walletNumber, pin, actor).Error(0)
}

func (m *mockPins) ChangePin(ctx context.Context, walletNumber, oldPin, newPin, actor string) error {
	return m.Called(ctx, walletNumber, oldPin, newPin, actor).Error(0)
}

func (m *mockPins) ResetPin(ctx context.Context, walletNumber, actor string) error {
	return m.Called(ctx, walletNumber, actor).Error(0)
}

type mockRecon struct{ mock.Mock }

func (m *mockRecon) ListInconsistencies(ctx context.Context, status models.ReviewStatus) ([]models.Finding, error) {
	args := m.Called(ctx, status)
	f, _ := args.Get(0).([]models.Finding)
	return f, args.Error(1)
}

func (m *mockRecon) Recompute(ctx context.Context, walletNumber string) (*models.WalletLedgerBalance, error) {
	args := m.Called(ctx, walletNumber)
	b, _ := args.Get(0).(*models.WalletLedgerBalance)
	return b, args.Error(1)
}

func (m *mockRecon) MarkUnderReview(ctx context.Context, auditID int64, reviewer string) (*models.Finding, error) {
	args := m.Called(ctx, auditID, reviewer)
	f, _ := args.Get(0).(*models.Finding)
	return f, args.Error(1)
}

func (m *mockRecon) Resolve(ctx context.Context, auditID int64, reviewer, note string) (*models.Finding, error) {
	args := m.Called(ctx, auditID, reviewer, note)
	f, _ := args.Get(0).(*models.Finding)
	return f, args.Error(1)
}

type mockMaintenance struct{ mock.Mock }

func (m *mockMaintenance) Reconcile(ctx context.Context) (*models.ReconciliationReport, error) {
	args := m.Called(ctx)
	r, _ := args.Get(0).(*models.ReconciliationReport)
	return r, args.Error(1)
}

func (m *mockMaintenance) VerifyAudit(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	i, _ := args.Get(0).([]string)
	return i, args.Error(1)
}

type pinger struct{ err error }

func (p pinger) PingContext(context.Context) error { return p.err }

// onceGate runs each key once and replays its first response.
type onceGate struct {
	stored map[string]services.StoredResponse
}

func (g *onceGate) Execute(ctx context.Context, req services.IdempotentRequest, handler func(ctx context.Context) (services.StoredResponse, error)) (services.StoredResponse, bool, error) {
	if req.Key == "" {
		return services.StoredResponse{}, false, apperr.New(apperr.KindInvalidRequest, "Idempotency-Key header is required")
	}
	if resp, ok := g.stored[req.Key]; ok {
		return resp, true, nil
	}
	resp, err := handler(ctx)
	if err != nil {
		return resp, false, err
	}
	g.stored[req.Key] = resp
	return resp, false, nil
}

type fixture struct {
	ledger      *mockLedger
	queries     *mockQueries
	pins        *mockPins
	recon       *mockRecon
	maintenance *mockMaintenance
	db          *pinger
	server      http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log, _ := test.NewNullLogger()
	f := &fixture{
		ledger:      &mockLedger{},
		queries:     &mockQueries{},
		pins:        &mockPins{},
		recon:       &mockRecon{},
		maintenance: &mockMaintenance{},
		db:          &pinger{},
	}
	f.server = NewRouter(RouterDeps{
		Wallets:     NewWalletHandler(f.ledger, f.queries, 4),
		Pins:        NewPinHandler(f.pins, 4),
		Admin:       NewAdminHandler(f.recon, f.maintenance),
		Auth:        middleware.NewAuth(testSecret),
		Idempotency: &onceGate{stored: map[string]services.StoredResponse{}},
		DB:          f.db,
		Log:         log,
	})
	return f
}

func token(t *testing.T, subject, role string) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": subject, "role": role, "exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return s
}

func (f *fixture) do(t *testing.T, method, path, role, idemKey, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token(t, "user-7", role))
	req.Header.Set("Content-Type", "application/json")
	if idemKey != "" {
		req.Header.Set(middleware.HeaderIdempotencyKey, idemKey)
	}
	w := httptest.NewRecorder()
	f.server.ServeHTTP(w, req)
	return w
}

func successfulTx(ref string, typ models.TransactionType, amount string) *models.Transaction {
	return &models.Transaction{
		ID: 1, Reference: ref, Type: typ, Amount: decimal.RequireFromString(amount),
		Currency: "NGN", Status: models.StatusSuccessful,
	}
}

func TestDeposit_DerivesReferenceFromIdempotencyKey(t *testing.T) {
	f := newFixture(t)
	f.ledger.On("Credit", mock.Anything, mock.MatchedBy(func(req services.CreditRequest) bool {
		return req.WalletNumber == walletA &&
			req.Amount.Equal(decimal.RequireFromString("250.50")) &&
			req.Reference == "dep-key-1" &&
			req.Actor == "user-7"
	})).Return(successfulTx("dep-key-1", models.TxDeposit, "250.50"), nil).Once()

	path := "/api/v1/wallets/" + walletA + "/deposit"
	first := f.do(t, http.MethodPost, path, "user", "dep-key-1", `{"amount":"250.50"}`)
	require.Equal(t, http.StatusCreated, first.Code)

	var body struct {
		Success     bool               `json:"success"`
		Transaction models.Transaction `json:"transaction"`
	}
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &body))
	assert.True(t, body.Success)
	assert.Equal(t, "dep-key-1", body.Transaction.Reference)

	second := f.do(t, http.MethodPost, path, "user", "dep-key-1", `{"amount":"250.50"}`)
	assert.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, "true", second.Header().Get(middleware.HeaderReplayed))
	assert.Equal(t, first.Body.String(), second.Body.String())
	f.ledger.AssertExpectations(t)
}

func TestDeposit_Validation(t *testing.T) {
	f := newFixture(t)
	path := "/api/v1/wallets/" + walletA + "/deposit"

	for name, body := range map[string]string{
		"three decimals":  `{"amount":"10.123"}`,
		"negative":        `{"amount":"-5"}`,
		"unknown field":   `{"amount":"10","currency":"USD"}`,
		"trailing object": `{"amount":"10"}{"amount":"10"}`,
	} {
		t.Run(name, func(t *testing.T) {
			w := f.do(t, http.MethodPost, path, "user", "key-"+name, body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}

	w := f.do(t, http.MethodPost, path, "user", "", `{"amount":"10"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "Idempotency-Key header is required")

	f.ledger.AssertNotCalled(t, "Credit", mock.Anything, mock.Anything)
}

func TestDebitRoutes_SetKind(t *testing.T) {
	tests := []struct {
		path string
		kind models.TransactionType
	}{
		{"withdraw", models.TxWithdrawal},
		{"bills", models.TxBillPayment},
		{"airtime", models.TxAirtimePurchase},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			f := newFixture(t)
			f.ledger.On("Debit", mock.Anything, mock.MatchedBy(func(req services.DebitRequest) bool {
				return req.Kind == tt.kind && req.PIN == "1234" && req.Reference == "client-ref"
			})).Return(successfulTx("client-ref", tt.kind, "150"), nil)

			w := f.do(t, http.MethodPost, "/api/v1/wallets/"+walletA+"/"+tt.path, "user", "k-"+tt.path,
				`{"amount":"150","pin":"1234","reference":"client-ref"}`)
			assert.Equal(t, http.StatusCreated, w.Code)
			f.ledger.AssertExpectations(t)
		})
	}
}

func TestWithdraw_MapsLedgerErrors(t *testing.T) {
	tests := []struct {
		err        error
		wantStatus int
		wantCode   string
	}{
		{apperr.New(apperr.KindInsufficientFunds, "Insufficient funds"), http.StatusUnprocessableEntity, "INSUFFICIENT_FUNDS"},
		{apperr.New(apperr.KindInvalidPin, "Invalid PIN"), http.StatusUnauthorized, "INVALID_PIN"},
		{apperr.New(apperr.KindWalletLocked, "Wallet is locked"), http.StatusLocked, "WALLET_LOCKED"},
		{apperr.New(apperr.KindAlreadyProcessed, "Transaction with this reference has already been processed"), http.StatusConflict, "ALREADY_PROCESSED"},
		{apperr.Wrap(apperr.KindTransient, "Service busy, please retry", errors.New("40P01")), http.StatusServiceUnavailable, "TRANSIENT_STORE_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.wantCode, func(t *testing.T) {
			f := newFixture(t)
			f.ledger.On("Debit", mock.Anything, mock.Anything).Return(nil, tt.err)

			w := f.do(t, http.MethodPost, "/api/v1/wallets/"+walletA+"/withdraw", "user", "w-"+tt.wantCode,
				`{"amount":"100","pin":"1234"}`)
			assert.Equal(t, tt.wantStatus, w.Code)

			var resp services.ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantCode, resp.Code)
		})
	}
}

func TestTransfer(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/transfers", "user", "t-bad",
		`{"from_wallet_number":"`+walletA+`","to_wallet_number":"`+walletB+`","amount":"200","pin":"12"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	f.ledger.On("Transfer", mock.Anything, mock.MatchedBy(func(req services.TransferRequest) bool {
		return req.From == walletA && req.To == walletB && req.Amount.Equal(decimal.NewFromInt(200))
	})).Return(successfulTx("t-ok", models.TxTransfer, "200"), nil)

	w = f.do(t, http.MethodPost, "/api/v1/transfers", "user", "t-ok",
		`{"from_wallet_number":"`+walletA+`","to_wallet_number":"`+walletB+`","amount":"200","pin":"1234","narration":"rent"}`)
	assert.Equal(t, http.StatusCreated, w.Code)
	f.ledger.AssertExpectations(t)
}

func TestLedgerCallsAreDetachedFromRequestCancellation(t *testing.T) {
	f := newFixture(t)
	f.ledger.On("Credit", mock.MatchedBy(func(ctx context.Context) bool {
		_, hasDeadline := ctx.Deadline()
		return ctx.Done() == nil && !hasDeadline
	}), mock.Anything).Return(successfulTx("d", models.TxDeposit, "1"), nil)

	w := f.do(t, http.MethodPost, "/api/v1/wallets/"+walletA+"/deposit", "user", "detached", `{"amount":"1"}`)
	assert.Equal(t, http.StatusCreated, w.Code)
	f.ledger.AssertExpectations(t)
}

func TestListTransactions(t *testing.T) {
	f := newFixture(t)
	f.queries.On("ListWalletTransactions", mock.Anything, services.StatementQuery{
		WalletNumber: walletA, Status: models.StatusSuccessful, Page: 2, Limit: 10,
	}).Return(&models.WalletStatement{Page: 2, Limit: 10, Transactions: []models.Transaction{}}, nil)

	w := f.do(t, http.MethodGet, "/api/v1/wallets/"+walletA+"/transactions?page=2&limit=10&status=SUCCESSFUL", "user", "", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/wallets/"+walletA+"/transactions?page=abc", "user", "", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	f.queries.On("ListWalletTransactions", mock.Anything, mock.MatchedBy(func(q services.StatementQuery) bool {
		return q.WalletNumber == walletB
	})).Return(nil, apperr.New(apperr.KindIntegrity, "Wallet balance does not match its ledger; reconciliation required"))

	w = f.do(t, http.MethodGet, "/api/v1/wallets/"+walletB+"/transactions", "user", "", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "reconciliation required")
}

func TestGetTransaction(t *testing.T) {
	f := newFixture(t)
	f.queries.On("GetTransaction", mock.Anything, "TRF-1").
		Return(&models.TransactionDetail{Transaction: *successfulTx("TRF-1", models.TxTransfer, "200")}, nil)
	f.queries.On("GetTransaction", mock.Anything, "missing").
		Return(nil, apperr.New(apperr.KindNotFound, "Transaction not found"))

	w := f.do(t, http.MethodGet, "/api/v1/transactions/TRF-1", "user", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"reference":"TRF-1"`)

	w = f.do(t, http.MethodGet, "/api/v1/transactions/missing", "user", "", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPinRoutes(t *testing.T) {
	f := newFixture(t)
	f.pins.On("SetPin", mock.Anything, walletA, "4321", "user-7").Return(nil)
	f.pins.On("ChangePin", mock.Anything, walletA, "4321", "9876", "user-7").
		Return(apperr.New(apperr.KindInvalidPin, "Invalid PIN"))
	f.pins.On("ResetPin", mock.Anything, walletA, "user-7").Return(nil)

	w := f.do(t, http.MethodPost, "/api/v1/wallets/"+walletA+"/pin", "user", "", `{"pin":"4321"}`)
	assert.Equal(t, http.StatusCreated, w.Code)

	w = f.do(t, http.MethodPut, "/api/v1/wallets/"+walletA+"/pin", "user", "", `{"old_pin":"4321","new_pin":"4321"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code, "new PIN must differ")

	w = f.do(t, http.MethodPut, "/api/v1/wallets/"+walletA+"/pin", "user", "", `{"old_pin":"4321","new_pin":"9876"}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/admin/wallets/"+walletA+"/pin/reset", "user", "", "")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/admin/wallets/"+walletA+"/pin/reset", "admin", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	f.pins.AssertExpectations(t)
}

func TestAdminReconciliation(t *testing.T) {
	f := newFixture(t)
	f.maintenance.On("Reconcile", mock.Anything).Return(&models.ReconciliationReport{Scanned: 3, Logged: 1}, nil)
	f.recon.On("ListInconsistencies", mock.Anything, models.ReviewPending).Return([]models.Finding{{ID: 9}}, nil)
	f.recon.On("Recompute", mock.Anything, walletA).Return(&models.WalletLedgerBalance{
		WalletNumber:    walletA,
		ActualBalance:   decimal.RequireFromString("1000"),
		ComputedBalance: decimal.RequireFromString("950"),
	}, nil)
	f.recon.On("MarkUnderReview", mock.Anything, int64(9), "user-7").
		Return(&models.Finding{ID: 9, ReviewStatus: models.ReviewUnderReview}, nil)
	f.recon.On("Resolve", mock.Anything, int64(9), "user-7", "Drift from failed batch").
		Return(&models.Finding{ID: 9, ReviewStatus: models.ReviewResolved}, nil)
	f.recon.On("Resolve", mock.Anything, int64(10), "user-7", "").
		Return(nil, apperr.New(apperr.KindAlreadyProcessed, "Finding has already been resolved"))

	w := f.do(t, http.MethodPost, "/api/v1/admin/reconciliation/run", "admin", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"scanned":3`)

	w = f.do(t, http.MethodGet, "/api/v1/admin/reconciliation/inconsistencies?status=pending", "admin", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)

	w = f.do(t, http.MethodGet, "/api/v1/admin/reconciliation/inconsistencies?status=closed", "admin", "", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/admin/reconciliation/wallets/"+walletA, "admin", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	var recompute map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &recompute))
	assert.Equal(t, "-50", recompute["difference"])
	assert.Equal(t, false, recompute["consistent"])

	w = f.do(t, http.MethodPost, "/api/v1/admin/reconciliation/abc/review", "admin", "", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/admin/reconciliation/9/review", "admin", "", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/admin/reconciliation/9/resolve", "admin", "", `{"note":"Drift from failed batch"}`)
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/admin/reconciliation/10/resolve", "admin", "", "")
	assert.Equal(t, http.StatusConflict, w.Code)

	f.recon.AssertExpectations(t)
}

func TestAdminVerifyAudit(t *testing.T) {
	f := newFixture(t)
	f.maintenance.On("VerifyAudit", mock.Anything).Return([]string{"Tampered hash at ID 2"}, nil)

	w := f.do(t, http.MethodPost, "/api/v1/admin/audit/verify", "admin", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"valid":false,"issues":["Tampered hash at ID 2"]}`, w.Body.String())
}

func TestHealth(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	f.server.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	f.db.err = errors.New("connection refused")
	w = httptest.NewRecorder()
	f.server.ServeHTTP(w, req)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
