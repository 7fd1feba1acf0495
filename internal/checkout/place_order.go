package checkout

import (
	"context"
	"log/slog"

	"github.com/fjod/go_shop/internal/domain"
	"github.com/fjod/go_shop/internal/repository"
	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

type placement struct {
	CartID        primitive.ObjectID
	UserID        string
	TaxPrice      decimal.Decimal
	ShippingPrice decimal.Decimal
	Address       domain.ShippingAddress
	Method        domain.PaymentMethod
	PaymentRef    string
	// PaidAmount, when set, is the amount the processor settled and becomes
	// the order total.
	PaidAmount *decimal.Decimal
}

// placeOrder runs the whole order placement in one transaction: cart read,
// stock re-check, order insert, guarded stock decrement and cart delete.
// Either all of it is visible afterwards or none of it is.
func (s *Service) placeOrder(ctx context.Context, p placement) (*domain.Order, error) {
	var order *domain.Order

	err := s.tx.WithTransaction(ctx, func(ctx context.Context) error {
		// the callback may be retried, so nothing leaks between attempts
		order = nil

		cart, err := s.carts.GetCartByID(ctx, p.CartID)
		if err != nil {
			return err
		}
		if cart.UserID != p.UserID {
			return repository.ErrCartNotFound
		}
		if len(cart.Items) == 0 {
			return domain.InvalidInput("cart is empty")
		}

		changes, err := s.checkStock(ctx, cart.Items)
		if err != nil {
			return err
		}

		total := domain.OrderTotal(cart.PayablePrice(), p.TaxPrice, p.ShippingPrice)
		if p.PaidAmount != nil {
			total = *p.PaidAmount
		}

		o := &domain.Order{
			UserID:            p.UserID,
			Items:             domain.SnapshotItems(cart.Items),
			ShippingAddress:   p.Address,
			TaxPrice:          p.TaxPrice.InexactFloat64(),
			ShippingPrice:     p.ShippingPrice.InexactFloat64(),
			TotalOrderPrice:   total.InexactFloat64(),
			PaymentMethodType: p.Method,
			PaymentRef:        p.PaymentRef,
		}
		if p.Method == domain.PaymentMethodCard {
			paidAt := s.now().UTC()
			o.IsPaid = true
			o.PaidAt = &paidAt
		}

		if err := s.orders.CreateOrder(ctx, o); err != nil {
			return err
		}
		if err := s.products.DecrementStock(ctx, changes); err != nil {
			return err
		}
		if err := s.carts.DeleteCartByID(ctx, cart.ID); err != nil {
			return err
		}

		order = o
		return nil
	})
	if err != nil {
		return nil, s.classify(ctx, p, err)
	}
	return order, nil
}

func (s *Service) classify(ctx context.Context, p placement, err error) error {
	if isBusinessError(err) {
		return err
	}
	s.logger.ErrorContext(ctx, "order transaction aborted",
		slog.String("cart_id", p.CartID.Hex()),
		slog.String("user_id", p.UserID),
		slog.Any("error", err))
	return domain.ErrOrderCreationFailed
}
