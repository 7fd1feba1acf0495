package http

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/fjod/go_shop/internal/domain"
	"github.com/fjod/go_shop/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

type CartService interface {
	GetCart(ctx context.Context, userID string) (*domain.Cart, error)
	AddItem(ctx context.Context, userID string, in service.AddItemInput) (*domain.Cart, error)
	RemoveItem(ctx context.Context, userID string, itemID primitive.ObjectID) (*domain.Cart, error)
	UpdateItemQuantity(ctx context.Context, userID string, itemID primitive.ObjectID, quantity int) (*domain.Cart, error)
	ApplyCoupon(ctx context.Context, userID string, couponName string) (*domain.Cart, error)
	Clear(ctx context.Context, userID string) error
}

type CartHandler struct {
	carts    CartService
	timeout  time.Duration
	validate *validator.Validate
	logger   *slog.Logger
}

func NewCartHandler(carts CartService, timeout time.Duration, logger *slog.Logger) *CartHandler {
	return &CartHandler{
		carts:    carts,
		timeout:  timeout,
		validate: validator.New(),
		logger:   logger,
	}
}

type AddItemRequestDTO struct {
	ProductID string `json:"product_id" validate:"required,len=24,hexadecimal"`
	Quantity  int    `json:"quantity" validate:"omitempty,min=1,max=999"`
	Color     string `json:"color" validate:"max=64"`
}

type UpdateQuantityRequestDTO struct {
	Quantity int `json:"quantity" validate:"required,min=1"`
}

type ApplyCouponRequestDTO struct {
	Coupon string `json:"coupon" validate:"required"`
}

type CartResponseDTO struct {
	Status         string       `json:"status"`
	Message        string       `json:"message,omitempty"`
	NumOfCartItems int          `json:"num_of_cart_items"`
	Data           *domain.Cart `json:"data"`
}

func cartResponse(cart *domain.Cart) CartResponseDTO {
	resp := CartResponseDTO{Status: "success", NumOfCartItems: len(cart.Items), Data: cart}
	if cart.ClearedCoupon != "" {
		resp.Message = fmt.Sprintf("coupon %s was removed because the cart changed, apply it again", cart.ClearedCoupon)
	}
	return resp
}

// POST /api/v1/cart
func (h *CartHandler) AddItem(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	caller, ok := principalFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized", "missing user authentication")
		return
	}

	var req AddItemRequestDTO
	if !h.decode(w, r, &req) {
		return
	}
	productID, _ := primitive.ObjectIDFromHex(req.ProductID)
	if req.Quantity == 0 {
		req.Quantity = 1
	}

	cart, err := h.carts.AddItem(ctx, caller.UserID, service.AddItemInput{
		ProductID: productID,
		Quantity:  req.Quantity,
		Color:     req.Color,
	})
	if err != nil {
		handleError(w, r, h.logger, err)
		return
	}

	respondJSON(w, http.StatusOK, cartResponse(cart))
}

// GET /api/v1/cart
func (h *CartHandler) GetCart(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	caller, ok := principalFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized", "missing user authentication")
		return
	}

	cart, err := h.carts.GetCart(ctx, caller.UserID)
	if err != nil {
		handleError(w, r, h.logger, err)
		return
	}

	respondJSON(w, http.StatusOK, cartResponse(cart))
}

// PUT /api/v1/cart/{itemId}
func (h *CartHandler) UpdateQuantity(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	caller, ok := principalFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized", "missing user authentication")
		return
	}

	itemID, err := primitive.ObjectIDFromHex(chi.URLParam(r, "itemId"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_item_id", "itemId must be a valid id")
		return
	}

	var req UpdateQuantityRequestDTO
	if !h.decode(w, r, &req) {
		return
	}

	cart, err := h.carts.UpdateItemQuantity(ctx, caller.UserID, itemID, req.Quantity)
	if err != nil {
		handleError(w, r, h.logger, err)
		return
	}

	respondJSON(w, http.StatusOK, cartResponse(cart))
}

// DELETE /api/v1/cart/{itemId}
func (h *CartHandler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	caller, ok := principalFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized", "missing user authentication")
		return
	}

	itemID, err := primitive.ObjectIDFromHex(chi.URLParam(r, "itemId"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_item_id", "itemId must be a valid id")
		return
	}

	cart, err := h.carts.RemoveItem(ctx, caller.UserID, itemID)
	if err != nil {
		handleError(w, r, h.logger, err)
		return
	}

	respondJSON(w, http.StatusOK, cartResponse(cart))
}

// POST /api/v1/cart/coupon
func (h *CartHandler) ApplyCoupon(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	caller, ok := principalFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized", "missing user authentication")
		return
	}

	var req ApplyCouponRequestDTO
	if !h.decode(w, r, &req) {
		return
	}

	cart, err := h.carts.ApplyCoupon(ctx, caller.UserID, req.Coupon)
	if err != nil {
		handleError(w, r, h.logger, err)
		return
	}

	respondJSON(w, http.StatusOK, cartResponse(cart))
}

// DELETE /api/v1/cart
func (h *CartHandler) ClearCart(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	caller, ok := principalFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized", "missing user authentication")
		return
	}

	if err := h.carts.Clear(ctx, caller.UserID); err != nil {
		handleError(w, r, h.logger, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// decode reads and validates a JSON body, answering 400 itself on failure.
func (h *CartHandler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	return decodeAndValidate(w, r, h.validate, dst)
}

func decodeAndValidate(w http.ResponseWriter, r *http.Request, v *validator.Validate, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return false
	}
	if err := v.Struct(dst); err != nil {
		respondError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return false
	}
	return true
}
