package repository

import (
	"errors"
	"fmt"

	"github.com/fjod/go_shop/internal/domain"
	"go.mongodb.org/mongo-driver/mongo"
)

var (
	ErrCartNotFound     = fmt.Errorf("cart %w", domain.ErrNotFound)
	ErrItemNotFound     = fmt.Errorf("cart item %w", domain.ErrNotFound)
	ErrProductNotFound  = fmt.Errorf("product %w", domain.ErrNotFound)
	ErrOrderNotFound    = fmt.Errorf("order %w", domain.ErrNotFound)
	ErrDocumentNotFound = fmt.Errorf("document %w", domain.ErrNotFound)
	ErrCouponNotFound   = fmt.Errorf("%w: coupon missing or expired", domain.ErrInvalidCoupon)
	// ErrStockConflict means a guarded decrement matched fewer products than requested.
	ErrStockConflict = fmt.Errorf("stock changed during checkout: %w", domain.ErrInsufficientStock)

	errCartConflict = errors.New("cart upsert conflict")
	errDuplicate    = fmt.Errorf("%w: duplicate key", domain.ErrInvalidInput)
)

func isNoDocuments(err error) bool {
	return errors.Is(err, mongo.ErrNoDocuments)
}
