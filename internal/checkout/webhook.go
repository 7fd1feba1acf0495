package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/fjod/go_shop/internal/domain"
	"github.com/fjod/go_shop/internal/payment"
	"github.com/fjod/go_shop/internal/sessions"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// WebhookResult is the acknowledgement for one processed notification.
type WebhookResult struct {
	Reference string                `json:"reference"`
	Outcome   string                `json:"outcome"`
	Status    domain.CheckoutStatus `json:"status,omitempty"`
	OrderID   string                `json:"order_id,omitempty"`
}

// HandlePaymentWebhook authenticates a processor notification and applies it
// to the checkout session it names. A confirmed payment places the order
// under the same transaction as a cash checkout.
//
// A nil error means the notification may be acknowledged, including when the
// order could not be placed for a business reason; the session is then
// FAILED and the payment needs a refund. An error means the notification
// should be redelivered, except for domain.ErrInvalidSignature.
func (s *Service) HandlePaymentWebhook(ctx context.Context, payload []byte, signature string) (*WebhookResult, error) {
	n, err := s.gateway.ParseNotification(payload, signature)
	if err != nil {
		s.logger.WarnContext(ctx, "rejected payment notification", slog.Any("error", err))
		if !errors.Is(err, domain.ErrInvalidSignature) {
			err = fmt.Errorf("%w: %v", domain.ErrInvalidSignature, err)
		}
		return nil, err
	}

	outcome := n.Outcome()
	res := &WebhookResult{Reference: n.OrderID, Outcome: outcome.String()}
	log := s.logger.With(
		slog.String("reference", n.OrderID),
		slog.String("transaction_status", n.TransactionStatus),
		slog.String("transaction_id", n.TransactionID))

	sess, err := s.ledger.Get(ctx, n.OrderID)
	if errors.Is(err, sessions.ErrSessionNotFound) {
		log.WarnContext(ctx, "notification for unknown checkout session")
		return res, nil
	}
	if err != nil {
		return nil, err
	}
	res.Status = sess.Status
	res.OrderID = sess.OrderID

	switch outcome {
	case payment.OutcomePending:
		if sess.Status == domain.CheckoutStatusInitiated {
			updated, err := s.ledger.Transition(ctx, sess.Reference, domain.CheckoutStatusPaymentPending, "")
			if err != nil {
				return nil, err
			}
			res.Status = updated.Status
		}
		return res, nil

	case payment.OutcomeFailed:
		if sess.Status.IsTerminal() {
			return res, nil
		}
		updated, err := s.ledger.Transition(ctx, sess.Reference, domain.CheckoutStatusFailed, "payment "+n.TransactionStatus)
		if err != nil {
			return nil, err
		}
		log.InfoContext(ctx, "checkout session failed")
		res.Status = updated.Status
		return res, nil

	case payment.OutcomePaid:
		return s.confirmPayment(ctx, log, sess, n, res)

	default:
		log.InfoContext(ctx, "notification ignored")
		return res, nil
	}
}

func (s *Service) confirmPayment(ctx context.Context, log *slog.Logger, sess *sessions.Session, n *payment.Notification, res *WebhookResult) (*WebhookResult, error) {
	switch sess.Status {
	case domain.CheckoutStatusCompleted:
		return res, nil
	case domain.CheckoutStatusFailed:
		log.ErrorContext(ctx, "payment settled for a failed checkout session, needs refund",
			slog.String("failure_reason", sess.FailureReason))
		return res, nil
	}

	// a previous delivery may have placed the order and died before the
	// ledger caught up
	if existing, err := s.orders.FindByPaymentRef(ctx, sess.Reference); err == nil {
		return s.completeSession(ctx, log, sess, existing, res)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	if sess.Status == domain.CheckoutStatusInitiated {
		if _, err := s.ledger.Transition(ctx, sess.Reference, domain.CheckoutStatusPaymentPending, ""); err != nil {
			return nil, err
		}
	}
	if _, err := s.ledger.Transition(ctx, sess.Reference, domain.CheckoutStatusPaymentCompleted, ""); err != nil {
		return nil, err
	}
	res.Status = domain.CheckoutStatusPaymentCompleted

	p, reason := s.placementFor(sess, n)
	if reason != "" {
		return s.failSession(ctx, log, sess, reason, res)
	}

	order, err := s.placeOrder(ctx, p)
	switch {
	case errors.Is(err, domain.ErrDuplicateOrder):
		// a concurrent delivery won the insert
		existing, ferr := s.orders.FindByPaymentRef(ctx, sess.Reference)
		if ferr != nil {
			return nil, ferr
		}
		return s.completeSession(ctx, log, sess, existing, res)
	case isBusinessError(err):
		return s.failSession(ctx, log, sess, err.Error(), res)
	case err != nil:
		return nil, err
	}

	s.afterCommit(ctx, order)
	return s.completeSession(ctx, log, sess, order, res)
}

// placementFor builds the order placement from the notification, checked
// against what was recorded when the session was opened. A non-empty reason
// means the payment cannot be turned into an order.
func (s *Service) placementFor(sess *sessions.Session, n *payment.Notification) (placement, string) {
	if uid := n.UserID(); uid != "" && uid != sess.UserID {
		return placement{}, "notification user does not match checkout session"
	}
	if cid := n.CartID(); cid != "" && cid != sess.CartID {
		return placement{}, "notification cart does not match checkout session"
	}

	cartID, err := primitive.ObjectIDFromHex(sess.CartID)
	if err != nil {
		return placement{}, "checkout session has an invalid cart id"
	}

	paid, err := n.PaidAmount()
	if err != nil {
		return placement{}, "notification has an invalid gross amount"
	}
	if paid.LessThan(sess.Amount.Ceil()) {
		return placement{}, fmt.Sprintf("paid amount %s is below session amount %s", paid, sess.Amount)
	}

	address := sess.Address
	if n.CustomField3 != "" {
		var fromPayload domain.ShippingAddress
		if err := json.Unmarshal([]byte(n.CustomField3), &fromPayload); err == nil && fromPayload.Details != "" {
			address = fromPayload
		}
	}

	return placement{
		CartID:        cartID,
		UserID:        sess.UserID,
		TaxPrice:      sess.TaxPrice,
		ShippingPrice: sess.ShippingPrice,
		Address:       address,
		Method:        domain.PaymentMethodCard,
		PaymentRef:    sess.Reference,
		PaidAmount:    &paid,
	}, ""
}

func (s *Service) failSession(ctx context.Context, log *slog.Logger, sess *sessions.Session, reason string, res *WebhookResult) (*WebhookResult, error) {
	updated, err := s.ledger.Transition(ctx, sess.Reference, domain.CheckoutStatusFailed, reason)
	if err != nil {
		return nil, err
	}
	log.ErrorContext(ctx, "paid checkout could not be fulfilled, needs refund", slog.String("reason", reason))
	res.Status = updated.Status
	return res, nil
}

// completeSession records the order on the session and queues its event in
// one ledger transaction. If that fails the order still stands; the outbox
// poller finishes the session later.
func (s *Service) completeSession(ctx context.Context, log *slog.Logger, sess *sessions.Session, order *domain.Order, res *WebhookResult) (*WebhookResult, error) {
	res.OrderID = order.ID.Hex()

	event, err := sessions.NewOrderCreatedEvent(order)
	if err == nil {
		err = s.ledger.Complete(context.WithoutCancel(ctx), sess.Reference, order.ID.Hex(), event)
	}
	if err != nil {
		log.WarnContext(ctx, "failed to complete checkout session", slog.String("order_id", res.OrderID), slog.Any("error", err))
		res.Status = domain.CheckoutStatusPaymentCompleted
		return res, nil
	}

	log.InfoContext(ctx, "card order created", slog.String("order_id", res.OrderID))
	res.Status = domain.CheckoutStatusCompleted
	return res, nil
}
