package checkout

import (
	"context"
	"log/slog"

	"github.com/fjod/go_shop/internal/domain"
	"github.com/fjod/go_shop/internal/sessions"
	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

type CashOrderInput struct {
	CartID primitive.ObjectID
	UserID string
	// TaxPrice and ShippingPrice fall back to the configured charges when nil.
	TaxPrice      *decimal.Decimal
	ShippingPrice *decimal.Decimal
	Address       domain.ShippingAddress
}

// CreateCashOrder places a pay-on-delivery order for the caller's cart.
func (s *Service) CreateCashOrder(ctx context.Context, in CashOrderInput) (*domain.Order, error) {
	tax, shipping, err := s.resolveCharges(in.TaxPrice, in.ShippingPrice)
	if err != nil {
		return nil, err
	}

	order, err := s.placeOrder(ctx, placement{
		CartID:        in.CartID,
		UserID:        in.UserID,
		TaxPrice:      tax,
		ShippingPrice: shipping,
		Address:       in.Address,
		Method:        domain.PaymentMethodCash,
	})
	if err != nil {
		return nil, err
	}

	s.afterCommit(ctx, order)
	s.publish(ctx, order)

	s.logger.InfoContext(ctx, "cash order created",
		slog.String("order_id", order.ID.Hex()),
		slog.String("user_id", order.UserID),
		slog.Float64("total", order.TotalOrderPrice))
	return order, nil
}

func (s *Service) resolveCharges(tax, shipping *decimal.Decimal) (decimal.Decimal, decimal.Decimal, error) {
	t, sh := s.charges.TaxPrice, s.charges.ShippingPrice
	if tax != nil {
		t = *tax
	}
	if shipping != nil {
		sh = *shipping
	}
	if t.IsNegative() || sh.IsNegative() {
		return decimal.Zero, decimal.Zero, domain.InvalidInput("tax and shipping must not be negative")
	}
	return t, sh, nil
}

// publish queues the order event. The order is already committed, so a
// failure here is only logged.
func (s *Service) publish(ctx context.Context, order *domain.Order) {
	event, err := sessions.NewOrderCreatedEvent(order)
	if err == nil {
		err = s.ledger.Enqueue(context.WithoutCancel(ctx), event)
	}
	if err != nil {
		s.logger.WarnContext(ctx, "failed to queue order event",
			slog.String("order_id", order.ID.Hex()), slog.Any("error", err))
	}
}
