package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/xenking/kart-fulfillment/internal/domain/coupon"
	"github.com/xenking/kart-fulfillment/internal/domain/order"
	"github.com/xenking/kart-fulfillment/internal/domain/payment"
	"github.com/xenking/kart-fulfillment/internal/domain/product"
	"github.com/xenking/kart-fulfillment/internal/metrics"
	"github.com/xenking/kart-fulfillment/internal/storage/cache"
	"github.com/xenking/kart-fulfillment/internal/storage/memory"
)

var numberPattern = regexp.MustCompile(`^ORD-\d{6}-\d{4}$`)

// --- Helpers ---

type testServer struct {
	srv      *httptest.Server
	security *SecurityHandler
	store    *memory.Store
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()

	store := memory.New()
	require.NoError(t, store.Catalog().UpsertVariant(ctx, product.Variant{
		ID: "v-tee", SKU: "TEE-M", Price: decimal.RequireFromString("50.00"), Available: true,
		Product: product.Product{ID: "p-tee", Name: "Tee", Available: true},
	}))

	ledger := coupon.NewLedger(store.Coupons())
	maxDiscount := decimal.NewFromInt(15)
	_, err := ledger.Create(ctx, &coupon.Coupon{
		Code: "SAVE20", Name: "Save 20", Type: coupon.TypePercentage,
		Value: decimal.NewFromInt(20), MaximumDiscount: &maxDiscount,
	})
	require.NoError(t, err)

	orders := order.NewService(store.Catalog(), ledger, store.Orders(), order.NewAllocator(store.Sequence(), nil))

	provider, err := cache.NewMemoryProvider(100)
	require.NoError(t, err)
	payments := payment.NewProcessor(store.Payments(), orders,
		payment.WithGateway(payment.MethodTest, payment.NewSimulatedGateway(1)),
		payment.WithEventLog(cache.NewEventLog(provider)),
	)

	security := NewSecurityHandler([]byte("test-secret"), cache.NewRevocationList(provider))
	m, err := metrics.New(noop.NewMeterProvider().Meter("test"))
	require.NoError(t, err)

	srv := httptest.NewServer(NewHandler(orders, ledger, payments, security, m).Router())
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, security: security, store: store}
}

func (s *testServer) token(t *testing.T, userID string, elevated bool) string {
	t.Helper()
	tok, err := s.security.Issue(userID, elevated, time.Hour)
	require.NoError(t, err)
	return tok
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, s.srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := s.srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeJSON[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func orderBody(code string) map[string]any {
	return map[string]any{
		"items": []map[string]any{{"variant_id": "v-tee", "quantity": 2}},
		"shipping_address": map[string]any{
			"name": "Ada", "line1": "1 Main St", "city": "Springfield",
			"postal_code": "12345", "country": "US",
		},
		"coupon_code": code,
	}
}

func (s *testServer) placeOrder(t *testing.T, token, code string) orderResponse {
	t.Helper()
	resp := s.do(t, http.MethodPost, "/api/orders", token, orderBody(code))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decodeJSON[orderResponse](t, resp)
}

// --- Tests ---

func TestAuthentication(t *testing.T) {
	s := newTestServer(t)

	resp := s.do(t, http.MethodGet, "/api/orders/nope", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = s.do(t, http.MethodGet, "/api/orders/nope", "garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	forged, err := NewSecurityHandler([]byte("other"), nil).Issue("alice", true, time.Hour)
	require.NoError(t, err)
	resp = s.do(t, http.MethodGet, "/api/orders/nope", forged, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRevokeToken(t *testing.T) {
	s := newTestServer(t)
	tok := s.token(t, "alice", false)

	resp := s.do(t, http.MethodPost, "/api/auth/revoke", tok, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = s.do(t, http.MethodGet, "/api/orders/nope", tok, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestCreateOrder(t *testing.T) {
	s := newTestServer(t)
	o := s.placeOrder(t, s.token(t, "alice", false), "save20")

	assert.Regexp(t, numberPattern, o.Number)
	assert.Equal(t, "alice", o.UserID)
	assert.Equal(t, "pending", o.Status)
	assert.Equal(t, "pending", o.PaymentStatus)
	assert.Equal(t, "100.00", o.Subtotal)
	assert.Equal(t, "15.00", o.DiscountAmount)
	assert.Equal(t, "0.00", o.ShippingCost)
	assert.Equal(t, "6.80", o.TaxAmount)
	assert.Equal(t, "91.80", o.Total)
	assert.Equal(t, "SAVE20", o.CouponCode)
	assert.Equal(t, o.ShippingAddress, o.BillingAddress)
	require.Len(t, o.Items, 1)
	assert.Equal(t, "85.00", o.Items[0].Total)
	assert.Empty(t, o.Warnings)

	// Unknown codes never block checkout.
	full := s.placeOrder(t, s.token(t, "bob", false), "NOPE")
	assert.Empty(t, full.CouponCode)
	assert.Equal(t, "10.00", full.ShippingCost)
	assert.Equal(t, "118.00", full.Total)
	assert.NotEqual(t, o.Number, full.Number)
}

func TestCreateOrder_Errors(t *testing.T) {
	s := newTestServer(t)
	tok := s.token(t, "alice", false)

	tests := []struct {
		name   string
		body   any
		status int
		code   string
	}{
		{
			name:   "no items",
			body:   map[string]any{"items": []any{}, "shipping_address": orderBody("")["shipping_address"]},
			status: http.StatusBadRequest,
			code:   "invalid_input",
		},
		{
			name:   "unknown field",
			body:   map[string]any{"items": orderBody("")["items"], "bogus": true},
			status: http.StatusBadRequest,
			code:   "invalid_input",
		},
		{
			name: "unknown variant",
			body: func() map[string]any {
				b := orderBody("")
				b["items"] = []map[string]any{{"variant_id": "missing", "quantity": 1}}
				return b
			}(),
			status: http.StatusNotFound,
			code:   "not_found",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := s.do(t, http.MethodPost, "/api/orders", tok, tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.code, decodeJSON[errorResponse](t, resp).Error)
		})
	}
}

func TestGetOrder(t *testing.T) {
	s := newTestServer(t)
	alice := s.token(t, "alice", false)
	o := s.placeOrder(t, alice, "")

	resp := s.do(t, http.MethodGet, "/api/orders/"+o.ID, alice, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, o.Number, decodeJSON[orderResponse](t, resp).Number)

	resp = s.do(t, http.MethodGet, "/api/orders/by-number/"+o.Number, alice, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, o.ID, decodeJSON[orderResponse](t, resp).ID)

	resp = s.do(t, http.MethodGet, "/api/orders/"+o.ID, s.token(t, "bob", false), nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = s.do(t, http.MethodGet, "/api/orders/"+o.ID, s.token(t, "ops", true), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = s.do(t, http.MethodGet, "/api/orders/missing", alice, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUpdateAndCancelOrder(t *testing.T) {
	s := newTestServer(t)
	alice := s.token(t, "alice", false)
	admin := s.token(t, "ops", true)

	o := s.placeOrder(t, alice, "")
	resp := s.do(t, http.MethodPatch, "/api/orders/"+o.ID, alice, map[string]any{"status": "confirmed"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = s.do(t, http.MethodPatch, "/api/orders/"+o.ID, alice, map[string]any{"notes": "leave at door"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "leave at door", decodeJSON[orderResponse](t, resp).Notes)

	resp = s.do(t, http.MethodPatch, "/api/orders/"+o.ID, admin, map[string]any{"status": "teleported"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = s.do(t, http.MethodPatch, "/api/orders/"+o.ID, admin, map[string]any{"status": "shipped"})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp = s.do(t, http.MethodPost, "/api/orders/"+o.ID+"/cancel", alice, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "cancelled", decodeJSON[orderResponse](t, resp).Status)

	resp = s.do(t, http.MethodPost, "/api/orders/"+o.ID+"/cancel", alice, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "invalid_state", decodeJSON[errorResponse](t, resp).Error)
}

func TestCouponEndpoints(t *testing.T) {
	s := newTestServer(t)
	alice := s.token(t, "alice", false)
	admin := s.token(t, "ops", true)

	body := map[string]any{"code": "welcome5", "name": "Welcome", "type": "fixed_amount", "value": "5", "usage_limit": 1}
	resp := s.do(t, http.MethodPost, "/api/coupons", alice, body)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = s.do(t, http.MethodPost, "/api/coupons", admin, body)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	c := decodeJSON[couponResponse](t, resp)
	assert.Equal(t, "WELCOME5", c.Code)
	assert.Equal(t, "active", c.Status)

	resp = s.do(t, http.MethodPost, "/api/coupons", admin, body)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = s.do(t, http.MethodPost, "/api/coupons/validate", alice, map[string]any{"code": "SAVE20", "cart_total": "100"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	v := decodeJSON[validationResponse](t, resp)
	assert.True(t, v.Valid)
	assert.Equal(t, "15.00", v.Discount)

	resp = s.do(t, http.MethodPost, "/api/coupons/validate", alice, map[string]any{"code": "NOPE", "cart_total": "100"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	v = decodeJSON[validationResponse](t, resp)
	assert.False(t, v.Valid)
	assert.Equal(t, string(coupon.ReasonNotFound), v.Reason)

	resp = s.do(t, http.MethodPost, "/api/coupons/sweep", alice, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = s.do(t, http.MethodPost, "/api/coupons/sweep", admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 0, decodeJSON[map[string]int64](t, resp)["expired"])

	resp = s.do(t, http.MethodPost, "/api/coupons/welcome5/deactivate", alice, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = s.do(t, http.MethodPost, "/api/coupons/welcome5/deactivate", admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "inactive", decodeJSON[couponResponse](t, resp).Status)

	resp = s.do(t, http.MethodPost, "/api/coupons/validate", alice, map[string]any{"code": "WELCOME5", "cart_total": "100"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	v = decodeJSON[validationResponse](t, resp)
	assert.False(t, v.Valid)
	assert.Equal(t, string(coupon.ReasonInactive), v.Reason)

	resp = s.do(t, http.MethodPost, "/api/coupons/WELCOME5/activate", admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "active", decodeJSON[couponResponse](t, resp).Status)

	resp = s.do(t, http.MethodPost, "/api/coupons/NOPE/deactivate", admin, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPaymentFlow(t *testing.T) {
	s := newTestServer(t)
	alice := s.token(t, "alice", false)
	admin := s.token(t, "ops", true)
	o := s.placeOrder(t, alice, "SAVE20")

	resp := s.do(t, http.MethodPost, "/api/payments", s.token(t, "bob", false), map[string]any{"order_id": o.ID, "method": "test"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = s.do(t, http.MethodPost, "/api/payments", alice, map[string]any{"order_id": o.ID, "method": "cash"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = s.do(t, http.MethodPost, "/api/payments", alice, map[string]any{"order_id": o.ID, "method": "test"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	p := decodeJSON[paymentResponse](t, resp)
	assert.Equal(t, "completed", p.Status)
	assert.Equal(t, "91.80", p.Amount)
	assert.NotEmpty(t, p.TransactionID)

	resp = s.do(t, http.MethodGet, "/api/orders/"+o.ID, alice, nil)
	got := decodeJSON[orderResponse](t, resp)
	assert.Equal(t, "paid", got.PaymentStatus)
	assert.Equal(t, "confirmed", got.Status)

	resp = s.do(t, http.MethodPost, "/api/payments", alice, map[string]any{"order_id": o.ID, "method": "test"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = s.do(t, http.MethodGet, "/api/orders/"+o.ID+"/payments", alice, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decodeJSON[[]paymentResponse](t, resp), 1)

	resp = s.do(t, http.MethodPost, "/api/payments/"+p.ID+"/refund", alice, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = s.do(t, http.MethodPost, "/api/payments/"+p.ID+"/refund", admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "refunded", decodeJSON[paymentResponse](t, resp).Status)

	resp = s.do(t, http.MethodPost, "/api/payments/"+p.ID+"/refund", admin, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp = s.do(t, http.MethodGet, "/api/orders/"+o.ID, alice, nil)
	assert.Equal(t, "refunded", decodeJSON[orderResponse](t, resp).PaymentStatus)
}

func TestProcessPayment(t *testing.T) {
	s := newTestServer(t)
	alice := s.token(t, "alice", false)
	o := s.placeOrder(t, alice, "")

	resp := s.do(t, http.MethodPost, "/api/payments", alice, map[string]any{"order_id": o.ID, "method": "bank_transfer"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	p := decodeJSON[paymentResponse](t, resp)
	assert.Equal(t, "pending", p.Status)

	resp = s.do(t, http.MethodPost, "/api/payments/"+p.ID+"/process", alice, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// No gateway serves bank transfers.
	resp = s.do(t, http.MethodPost, "/api/payments/"+p.ID+"/process", s.token(t, "ops", true), nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestWebhook(t *testing.T) {
	s := newTestServer(t)

	resp := s.do(t, http.MethodPost, "/api/webhooks/paypal", "", map[string]any{"id": "evt_1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decodeJSON[payment.Ack](t, resp).Received)
}

func TestNotFoundRoute(t *testing.T) {
	s := newTestServer(t)

	resp := s.do(t, http.MethodGet, "/api/unknown", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", decodeJSON[errorResponse](t, resp).Error)

	resp = s.do(t, http.MethodDelete, "/api/webhooks/stripe", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
