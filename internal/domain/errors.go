package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrInvalidInput        = errors.New("invalid input")
	ErrInsufficientStock   = errors.New("insufficient stock")
	ErrInvalidCoupon       = errors.New("invalid coupon code")
	ErrInvalidSignature    = errors.New("invalid signature")
	ErrOrderCreationFailed = errors.New("order creation failed")
	ErrCacheUnavailable    = errors.New("cache unavailable")
	ErrDuplicateOrder      = errors.New("order already exists for this payment")
	ErrPaymentUnavailable  = errors.New("payment processor unavailable")
)

// StockError reports the product that blocked a checkout.
type StockError struct {
	ProductID string `json:"product_id"`
	Title     string `json:"title"`
	Available int    `json:"available"`
	Requested int    `json:"requested"`
}

func (e *StockError) Error() string {
	return fmt.Sprintf("not enough stock for %s: available %d, requested %d", e.Title, e.Available, e.Requested)
}

func (e *StockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

// InvalidInput builds an ErrInvalidInput carrying a message for the caller.
func InvalidInput(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}
