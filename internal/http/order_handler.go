package http

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/fjod/go_shop/internal/checkout"
	"github.com/fjod/go_shop/internal/domain"
	"github.com/fjod/go_shop/internal/query"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

const maxWebhookBody = 1 << 20

type CheckoutService interface {
	CreateCashOrder(ctx context.Context, in checkout.CashOrderInput) (*domain.Order, error)
	CreateCheckoutSession(ctx context.Context, userID string, address domain.ShippingAddress) (*checkout.SessionHandle, error)
	HandlePaymentWebhook(ctx context.Context, payload []byte, signature string) (*checkout.WebhookResult, error)
}

type OrderService interface {
	Get(ctx context.Context, id string, caller domain.Principal) (*domain.Order, error)
	List(ctx context.Context, values url.Values, caller domain.Principal) (*query.ListResult, error)
	MarkPaid(ctx context.Context, id string) (*domain.Order, error)
	MarkDelivered(ctx context.Context, id string) (*domain.Order, error)
}

type OrderHandler struct {
	checkout CheckoutService
	orders   OrderService
	timeout  time.Duration
	validate *validator.Validate
	logger   *slog.Logger
}

func NewOrderHandler(co CheckoutService, orders OrderService, timeout time.Duration, logger *slog.Logger) *OrderHandler {
	return &OrderHandler{
		checkout: co,
		orders:   orders,
		timeout:  timeout,
		validate: validator.New(),
		logger:   logger,
	}
}

type CashOrderRequestDTO struct {
	ShippingAddress domain.ShippingAddress `json:"shipping_address" validate:"required"`
	TaxPrice        *decimal.Decimal       `json:"tax_price"`
	ShippingPrice   *decimal.Decimal       `json:"shipping_price"`
}

type CheckoutSessionRequestDTO struct {
	ShippingAddress domain.ShippingAddress `json:"shipping_address" validate:"required"`
}

type OrderResponseDTO struct {
	Status string        `json:"status"`
	Data   *domain.Order `json:"data"`
}

// POST /api/v1/orders/{cartId}
func (h *OrderHandler) CreateCashOrder(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	caller, ok := principalFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized", "missing user authentication")
		return
	}

	cartID, err := primitive.ObjectIDFromHex(chi.URLParam(r, "cartId"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_cart_id", "cartId must be a valid id")
		return
	}

	var req CashOrderRequestDTO
	if !decodeAndValidate(w, r, h.validate, &req) {
		return
	}

	order, err := h.checkout.CreateCashOrder(ctx, checkout.CashOrderInput{
		CartID:        cartID,
		UserID:        caller.UserID,
		TaxPrice:      req.TaxPrice,
		ShippingPrice: req.ShippingPrice,
		Address:       req.ShippingAddress,
	})
	if err != nil {
		handleError(w, r, h.logger, err)
		return
	}

	respondJSON(w, http.StatusCreated, OrderResponseDTO{Status: "success", Data: order})
}

// POST /api/v1/orders/checkout-session
func (h *OrderHandler) CreateCheckoutSession(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	caller, ok := principalFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized", "missing user authentication")
		return
	}

	var req CheckoutSessionRequestDTO
	if !decodeAndValidate(w, r, h.validate, &req) {
		return
	}

	handle, err := h.checkout.CreateCheckoutSession(ctx, caller.UserID, req.ShippingAddress)
	if err != nil {
		handleError(w, r, h.logger, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"status": "success", "session": handle})
}

// POST /api/v1/payments/webhook
//
// Unauthenticated: the body signature is the authentication. Redeliverable
// failures answer 5xx so the processor retries.
func (h *OrderHandler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "unreadable body")
		return
	}

	res, err := h.checkout.HandlePaymentWebhook(ctx, payload, r.Header.Get("X-Signature-Key"))
	if err != nil {
		if errors.Is(err, domain.ErrInvalidSignature) {
			respondError(w, http.StatusUnauthorized, "invalid_signature", "invalid signature")
			return
		}
		h.logger.ErrorContext(r.Context(), "payment notification not processed", slog.Any("error", err))
		respondError(w, http.StatusInternalServerError, "internal_error", "notification not processed")
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"received": true, "result": res})
}

// GET /api/v1/orders
func (h *OrderHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	caller, ok := principalFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized", "missing user authentication")
		return
	}

	res, err := h.orders.List(ctx, r.URL.Query(), caller)
	if err != nil {
		handleError(w, r, h.logger, err)
		return
	}

	respondJSON(w, http.StatusOK, res)
}

// GET /api/v1/orders/{orderId}
func (h *OrderHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	caller, ok := principalFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized", "missing user authentication")
		return
	}

	order, err := h.orders.Get(ctx, chi.URLParam(r, "orderId"), caller)
	if err != nil {
		handleError(w, r, h.logger, err)
		return
	}

	respondJSON(w, http.StatusOK, OrderResponseDTO{Status: "success", Data: order})
}

// PUT /api/v1/orders/{orderId}/pay
func (h *OrderHandler) MarkPaid(w http.ResponseWriter, r *http.Request) {
	h.updateOrder(w, r, h.orders.MarkPaid)
}

// PUT /api/v1/orders/{orderId}/deliver
func (h *OrderHandler) MarkDelivered(w http.ResponseWriter, r *http.Request) {
	h.updateOrder(w, r, h.orders.MarkDelivered)
}

func (h *OrderHandler) updateOrder(w http.ResponseWriter, r *http.Request, update func(context.Context, string) (*domain.Order, error)) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	order, err := update(ctx, chi.URLParam(r, "orderId"))
	if err != nil {
		handleError(w, r, h.logger, err)
		return
	}

	respondJSON(w, http.StatusOK, OrderResponseDTO{Status: "success", Data: order})
}
