package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/marketledger/internal/audit/domain"
	"github.com/smallbiznis/marketledger/internal/authorization"
	banktransferdomain "github.com/smallbiznis/marketledger/internal/banktransfer/domain"
	customerdomain "github.com/smallbiznis/marketledger/internal/customer/domain"
	feedomain "github.com/smallbiznis/marketledger/internal/fee/domain"
	invoicedomain "github.com/smallbiznis/marketledger/internal/invoice/domain"
	paymentdomain "github.com/smallbiznis/marketledger/internal/payment/domain"
	"github.com/smallbiznis/marketledger/pkg/validation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWebhooks struct {
	err   error
	calls int
}

func (f *fakeWebhooks) IngestWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) error {
	f.calls++
	return f.err
}

// fakeAuthz grants the listed actions to operator actors.
type fakeAuthz struct {
	operators map[string]bool
	granted   map[string]bool
}

func (f *fakeAuthz) Authorize(ctx context.Context, actor, object, action string) error {
	if f.operators[actor] && f.granted[action] {
		return nil
	}
	return authorization.ErrForbidden
}

type fakeAudit struct {
	auditdomain.Service
	entries []auditdomain.Entry
}

func (f *fakeAudit) Record(ctx context.Context, entry auditdomain.Entry) error {
	f.entries = append(f.entries, entry)
	return nil
}

type fakeBankTransfers struct {
	banktransferdomain.Service
	createErr error
	getErr    error
}

func (f *fakeBankTransfers) Create(ctx context.Context, req banktransferdomain.CreateRequest) (banktransferdomain.Request, error) {
	if f.createErr != nil {
		return banktransferdomain.Request{}, f.createErr
	}
	return banktransferdomain.Request{ID: 7, UserID: req.UserID, Amount: req.Amount, Currency: req.Currency}, nil
}

func (f *fakeBankTransfers) Get(ctx context.Context, id, userID snowflake.ID) (banktransferdomain.Request, error) {
	if f.getErr != nil {
		return banktransferdomain.Request{}, f.getErr
	}
	return banktransferdomain.Request{ID: id, UserID: userID}, nil
}

type fakeInvoices struct {
	invoicedomain.Service
	invoice invoicedomain.Invoice
}

func (f *fakeInvoices) Get(ctx context.Context, id snowflake.ID) (invoicedomain.Invoice, error) {
	if id != f.invoice.ID {
		return invoicedomain.Invoice{}, invoicedomain.ErrInvoiceNotFound
	}
	return f.invoice, nil
}

type fakeFees struct {
	feedomain.Service
	upserts int
}

func (f *fakeFees) UpsertTier(ctx context.Context, req feedomain.UpsertTierRequest) (feedomain.FeeTier, error) {
	f.upserts++
	return feedomain.FeeTier{Role: req.Role, OrderType: req.OrderType, FeePercent: req.FeePercent}, nil
}

func newTestServer(t *testing.T, srv *Server) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	validation.SetupGinValidator()

	router := gin.New()
	router.Use(ErrorHandlingMiddleware())
	srv.engine = router
	if srv.authzSvc == nil {
		srv.authzSvc = &fakeAuthz{}
	}
	srv.registerAPIRoutes()
	return router
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set(HeaderUserID, userID)
	}
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	return resp
}

func decodeError(t *testing.T, resp *httptest.ResponseRecorder) errorPayload {
	t.Helper()
	var out errorResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &out))
	return out.Error
}

func TestWebhookAcknowledgesReplays(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{name: "processed", err: nil, status: http.StatusOK},
		{name: "replay", err: paymentdomain.ErrEventAlreadyProcessed, status: http.StatusOK},
		{name: "in flight", err: paymentdomain.ErrEventInFlight, status: http.StatusConflict},
		{name: "bad signature", err: paymentdomain.ErrInvalidSignature, status: http.StatusBadRequest},
		{name: "unknown provider", err: paymentdomain.ErrProviderNotFound, status: http.StatusNotFound},
		{name: "malformed", err: paymentdomain.ErrInvalidPayload, status: http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			webhooks := &fakeWebhooks{err: tc.err}
			router := newTestServer(t, &Server{paymentSvc: webhooks})

			resp := doJSON(t, router, http.MethodPost, "/api/payments/webhooks/stripe", "", map[string]string{"id": "evt_1"})

			assert.Equal(t, tc.status, resp.Code)
			assert.Equal(t, 1, webhooks.calls)
		})
	}
}

func TestWebhookRejectsOversizedBody(t *testing.T) {
	webhooks := &fakeWebhooks{}
	router := newTestServer(t, &Server{paymentSvc: webhooks})

	body := bytes.Repeat([]byte("a"), maxWebhookBodyBytes+1)
	req := httptest.NewRequest(http.MethodPost, "/api/payments/webhooks/stripe", bytes.NewReader(body))
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	assert.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Zero(t, webhooks.calls)
}

func TestUserRoutesRequireCaller(t *testing.T) {
	router := newTestServer(t, &Server{bankTransferSvc: &fakeBankTransfers{}})

	for _, userID := range []string{"", "not-a-number", "-4"} {
		resp := doJSON(t, router, http.MethodGet, "/api/bank-transfers/7", userID, nil)
		assert.Equal(t, http.StatusUnauthorized, resp.Code, "user id %q", userID)
	}
}

func TestBankTransferErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		typ    string
		code   string
	}{
		{name: "below minimum", err: banktransferdomain.ErrBelowMinimum, status: http.StatusBadRequest, typ: "validation_error", code: "invalid_amount_below_minimum"},
		{name: "wrapped currency", err: fmt.Errorf("create bank transfer: %w", banktransferdomain.ErrInvalidCurrency), status: http.StatusBadRequest, typ: "validation_error", code: "invalid_currency"},
		{name: "processor down", err: customerdomain.ErrProcessorUnavailable, status: http.StatusBadGateway, typ: "processor_unavailable"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			router := newTestServer(t, &Server{bankTransferSvc: &fakeBankTransfers{createErr: tc.err}})

			resp := doJSON(t, router, http.MethodPost, "/api/bank-transfers", "42", map[string]any{"amount": 10_000, "currency": "usd"})

			require.Equal(t, tc.status, resp.Code)
			payload := decodeError(t, resp)
			assert.Equal(t, tc.typ, payload.Type)
			if tc.code != "" {
				require.Len(t, payload.Errors, 1)
				assert.Equal(t, tc.code, payload.Errors[0].Code)
			}
		})
	}
}

func TestBankTransferCreateBindsCaller(t *testing.T) {
	router := newTestServer(t, &Server{bankTransferSvc: &fakeBankTransfers{}})

	resp := doJSON(t, router, http.MethodPost, "/api/bank-transfers", "42", map[string]any{"amount": 10_000, "currency": "usd"})
	require.Equal(t, http.StatusCreated, resp.Code)

	var out struct {
		Data banktransferdomain.Request `json:"data"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &out))
	assert.Equal(t, snowflake.ID(42), out.Data.UserID)
	assert.Equal(t, "USD", out.Data.Currency)

	missing := doJSON(t, router, http.MethodPost, "/api/bank-transfers", "42", map[string]any{"currency": "USD"})
	require.Equal(t, http.StatusBadRequest, missing.Code)
	assert.Equal(t, "amount", decodeError(t, missing).Errors[0].Field)
}

func TestBankTransferOwnershipMapsToForbidden(t *testing.T) {
	router := newTestServer(t, &Server{bankTransferSvc: &fakeBankTransfers{getErr: banktransferdomain.ErrNotOwner}})

	resp := doJSON(t, router, http.MethodGet, "/api/bank-transfers/7", "43", nil)

	assert.Equal(t, http.StatusForbidden, resp.Code)
}

func TestOperatorRoutesAreAuthorized(t *testing.T) {
	fees := &fakeFees{}
	authz := &fakeAuthz{
		operators: map[string]bool{authorization.UserActor(1): true},
		granted:   map[string]bool{authorization.ActionFeeTierManage: true},
	}
	audit := &fakeAudit{}
	router := newTestServer(t, &Server{feeSvc: fees, authzSvc: authz, auditSvc: audit})
	body := map[string]any{"role": "apprentice", "order_type": "retainer", "fee_percent": "5"}

	denied := doJSON(t, router, http.MethodPut, "/api/fees/tiers", "2", body)
	assert.Equal(t, http.StatusForbidden, denied.Code)
	assert.Equal(t, 0, fees.upserts)
	assert.Empty(t, audit.entries)

	granted := doJSON(t, router, http.MethodPut, "/api/fees/tiers", "1", body)
	assert.Equal(t, http.StatusOK, granted.Code)
	assert.Equal(t, 1, fees.upserts)
	require.Len(t, audit.entries, 1)
	assert.Equal(t, authorization.ActionFeeTierManage, audit.entries[0].Action)
	assert.Equal(t, "apprentice:retainer", audit.entries[0].TargetID)
	assert.Equal(t, "5", audit.entries[0].Metadata["fee_percent"])
}

func TestAuditLogsRequireOperator(t *testing.T) {
	router := newTestServer(t, &Server{auditSvc: &fakeAudit{}})

	resp := doJSON(t, router, http.MethodGet, "/api/audit-logs", "2", nil)
	assert.Equal(t, http.StatusForbidden, resp.Code)
}

func TestInvoiceVisibility(t *testing.T) {
	invoices := &fakeInvoices{invoice: invoicedomain.Invoice{ID: 900, SellerID: 10, BuyerID: 20, Currency: "EUR"}}
	authz := &fakeAuthz{
		operators: map[string]bool{authorization.UserActor(1): true},
		granted:   map[string]bool{authorization.ActionInvoiceView: true},
	}
	router := newTestServer(t, &Server{invoiceSvc: invoices, authzSvc: authz})

	cases := []struct {
		caller string
		status int
	}{
		{caller: "10", status: http.StatusOK},
		{caller: "20", status: http.StatusOK},
		{caller: "1", status: http.StatusOK},
		{caller: "30", status: http.StatusNotFound},
	}
	for _, tc := range cases {
		resp := doJSON(t, router, http.MethodGet, "/api/invoices/900", tc.caller, nil)
		assert.Equal(t, tc.status, resp.Code, "caller %s", tc.caller)
	}

	bad := doJSON(t, router, http.MethodGet, "/api/invoices/abc", "10", nil)
	require.Equal(t, http.StatusBadRequest, bad.Code)
	assert.Equal(t, "invoice_id", decodeError(t, bad).Errors[0].Field)
}

func TestInvoiceConflictsMapTo409(t *testing.T) {
	status, payload := mapError(fmt.Errorf("void invoice: %w", invoicedomain.ErrInvalidTransition))
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "invoice_invalid_transition", payload.Message)

	errType, code := classifyErrorForLog(invoicedomain.ErrAlreadyCredited)
	assert.Equal(t, "conflict", errType)
	assert.Equal(t, "invoice_already_credited", code)
}

func TestProcessorRateLimitDisabledPassesThrough(t *testing.T) {
	router := newTestServer(t, &Server{bankTransferSvc: &fakeBankTransfers{}})

	for i := 0; i < 3; i++ {
		resp := doJSON(t, router, http.MethodPost, "/api/bank-transfers", "42", map[string]any{"amount": 10_000, "currency": "USD"})
		assert.Equal(t, http.StatusCreated, resp.Code)
	}
}
