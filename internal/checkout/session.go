package checkout

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fjod/go_shop/internal/domain"
	"github.com/fjod/go_shop/internal/payment"
	"github.com/fjod/go_shop/internal/sessions"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SessionHandle is what the client needs to send the shopper to the
// processor's payment page.
type SessionHandle struct {
	Reference   string                `json:"reference"`
	Token       string                `json:"token"`
	RedirectURL string                `json:"redirect_url"`
	Amount      decimal.Decimal       `json:"amount"`
	Status      domain.CheckoutStatus `json:"status"`
}

// CreateCheckoutSession validates the caller's cart against current stock
// and opens a payment session for it. Nothing is reserved or written to the
// order store.
func (s *Service) CreateCheckoutSession(ctx context.Context, userID string, address domain.ShippingAddress) (*SessionHandle, error) {
	cart, err := s.carts.GetCart(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(cart.Items) == 0 {
		return nil, domain.InvalidInput("cart is empty")
	}
	if _, err := s.checkStock(ctx, cart.Items); err != nil {
		return nil, err
	}

	tax, shipping := s.charges.TaxPrice, s.charges.ShippingPrice
	amount := domain.OrderTotal(cart.PayablePrice(), tax, shipping)

	sess := &sessions.Session{
		Reference:     newReference(cart.ID.Hex()),
		UserID:        userID,
		CartID:        cart.ID.Hex(),
		Amount:        amount,
		TaxPrice:      tax,
		ShippingPrice: shipping,
		Address:       address,
	}
	if err := s.ledger.Create(ctx, sess); err != nil {
		return nil, fmt.Errorf("failed to record checkout session: %w", err)
	}

	log := s.logger.With(slog.String("reference", sess.Reference), slog.String("user_id", userID))

	ps, err := s.gateway.CreateSession(ctx, payment.SessionRequest{
		Reference: sess.Reference,
		Amount:    amount,
		UserID:    userID,
		CartID:    sess.CartID,
		Address:   address,
	})
	if err != nil {
		if _, terr := s.ledger.Transition(context.WithoutCancel(ctx), sess.Reference, domain.CheckoutStatusFailed, err.Error()); terr != nil {
			log.WarnContext(ctx, "failed to mark checkout session failed", slog.Any("error", terr))
		}
		log.ErrorContext(ctx, "payment session creation failed", slog.Any("error", err))
		return nil, err
	}

	updated, err := s.ledger.Transition(ctx, sess.Reference, domain.CheckoutStatusPaymentPending, "")
	if err != nil {
		return nil, fmt.Errorf("failed to update checkout session: %w", err)
	}

	log.InfoContext(ctx, "checkout session created", slog.String("amount", amount.String()))
	return &SessionHandle{
		Reference:   sess.Reference,
		Token:       ps.Token,
		RedirectURL: ps.RedirectURL,
		Amount:      amount,
		Status:      updated.Status,
	}, nil
}

func newReference(cartID string) string {
	return fmt.Sprintf("CART-%s-%s", cartID, uuid.NewString()[:8])
}
