package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/fjod/go_shop/internal/cache"
	"github.com/fjod/go_shop/internal/checkout"
	"github.com/fjod/go_shop/internal/domain"
	"github.com/fjod/go_shop/internal/query"
	"github.com/fjod/go_shop/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

var testSecret = []byte("test-secret")

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func token(t *testing.T, userID string, role domain.Role) string {
	return signedToken(t, testSecret, Claims{UserID: userID, Role: role})
}

func signedToken(t *testing.T, secret []byte, claims Claims) string {
	t.Helper()
	if claims.ExpiresAt == nil {
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(time.Hour))
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	require.NoError(t, err)
	return s
}

type mockCartService struct {
	mu      sync.Mutex
	cart    *domain.Cart
	err     error
	calls   []string
	lastIn  service.AddItemInput
	lastQty int
}

func (m *mockCartService) record(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, name)
}

func (m *mockCartService) GetCart(context.Context, string) (*domain.Cart, error) {
	m.record("get")
	return m.cart, m.err
}

func (m *mockCartService) AddItem(_ context.Context, _ string, in service.AddItemInput) (*domain.Cart, error) {
	m.record("add")
	m.lastIn = in
	return m.cart, m.err
}

func (m *mockCartService) RemoveItem(context.Context, string, primitive.ObjectID) (*domain.Cart, error) {
	m.record("remove")
	return m.cart, m.err
}

func (m *mockCartService) UpdateItemQuantity(_ context.Context, _ string, _ primitive.ObjectID, qty int) (*domain.Cart, error) {
	m.record("update")
	m.lastQty = qty
	return m.cart, m.err
}

func (m *mockCartService) ApplyCoupon(context.Context, string, string) (*domain.Cart, error) {
	m.record("coupon")
	return m.cart, m.err
}

func (m *mockCartService) Clear(context.Context, string) error {
	m.record("clear")
	return m.err
}

type mockCheckoutService struct {
	order    *domain.Order
	handle   *checkout.SessionHandle
	webhook  *checkout.WebhookResult
	err      error
	lastCash checkout.CashOrderInput
	lastSig  string
	lastBody []byte
}

func (m *mockCheckoutService) CreateCashOrder(_ context.Context, in checkout.CashOrderInput) (*domain.Order, error) {
	m.lastCash = in
	return m.order, m.err
}

func (m *mockCheckoutService) CreateCheckoutSession(context.Context, string, domain.ShippingAddress) (*checkout.SessionHandle, error) {
	return m.handle, m.err
}

func (m *mockCheckoutService) HandlePaymentWebhook(_ context.Context, payload []byte, signature string) (*checkout.WebhookResult, error) {
	m.lastBody = payload
	m.lastSig = signature
	return m.webhook, m.err
}

type mockOrderService struct {
	order      *domain.Order
	list       *query.ListResult
	err        error
	lastCaller domain.Principal
	marked     string
}

func (m *mockOrderService) Get(_ context.Context, _ string, caller domain.Principal) (*domain.Order, error) {
	m.lastCaller = caller
	return m.order, m.err
}

func (m *mockOrderService) List(_ context.Context, _ url.Values, caller domain.Principal) (*query.ListResult, error) {
	m.lastCaller = caller
	return m.list, m.err
}

func (m *mockOrderService) MarkPaid(_ context.Context, id string) (*domain.Order, error) {
	m.marked = "paid:" + id
	return m.order, m.err
}

func (m *mockOrderService) MarkDelivered(_ context.Context, id string) (*domain.Order, error) {
	m.marked = "delivered:" + id
	return m.order, m.err
}

type mockCatalogService struct {
	doc        *query.DocumentResult
	list       *query.ListResult
	err        error
	lastKind   cache.Kind
	lastParent bson.M
	created    bson.M
}

func (m *mockCatalogService) Get(_ context.Context, kind cache.Kind, _ string) (*query.DocumentResult, error) {
	m.lastKind = kind
	return m.doc, m.err
}

func (m *mockCatalogService) List(_ context.Context, kind cache.Kind, _ url.Values, parent bson.M) (*query.ListResult, error) {
	m.lastKind = kind
	m.lastParent = parent
	return m.list, m.err
}

func (m *mockCatalogService) Create(_ context.Context, kind cache.Kind, doc bson.M) (bson.M, error) {
	m.lastKind = kind
	m.created = doc
	return doc, m.err
}

func (m *mockCatalogService) Update(_ context.Context, kind cache.Kind, _ string, set bson.M) (bson.M, error) {
	m.lastKind = kind
	return set, m.err
}

func (m *mockCatalogService) Delete(_ context.Context, kind cache.Kind, _ string) error {
	m.lastKind = kind
	return m.err
}

type testServer struct {
	router   chi.Router
	cart     *mockCartService
	checkout *mockCheckoutService
	orders   *mockOrderService
	catalog  *mockCatalogService
}

func newTestServer() *testServer {
	ts := &testServer{
		cart:     &mockCartService{cart: &domain.Cart{UserID: "user-1"}},
		checkout: &mockCheckoutService{},
		orders:   &mockOrderService{},
		catalog:  &mockCatalogService{},
	}
	logger := discardLogger()
	ts.router = NewRouter(Handlers{
		Cart:    NewCartHandler(ts.cart, 5*time.Second, logger),
		Orders:  NewOrderHandler(ts.checkout, ts.orders, 5*time.Second, logger),
		Catalog: NewCatalogHandler(ts.catalog, 5*time.Second, logger),
	}, RouterOptions{
		JWTSecret:      testSecret,
		RequestTimeout: 5 * time.Second,
		Logger:         logger,
	})
	return ts
}

func (ts *testServer) do(method, path, bearer string, body any) *httptest.ResponseRecorder {
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(b)
	default:
		raw, _ := json.Marshal(b)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp
}

