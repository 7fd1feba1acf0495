// Package checkout turns carts into orders. Cash checkouts commit in the
// request; card checkouts open a payment session and commit when the
// processor's signed notification arrives. Both paths share one
// transactional order placement.
package checkout

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/fjod/go_shop/internal/cache"
	"github.com/fjod/go_shop/internal/domain"
	"github.com/fjod/go_shop/internal/payment"
	"github.com/fjod/go_shop/internal/repository"
	"github.com/fjod/go_shop/internal/sessions"
	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

const invalidateTimeout = time.Second

// Gateway is the payment processor as checkout sees it.
type Gateway interface {
	CreateSession(ctx context.Context, req payment.SessionRequest) (*payment.Session, error)
	ParseNotification(payload []byte, signature string) (*payment.Notification, error)
}

// Charges are added to the cart total when the caller does not supply them.
type Charges struct {
	TaxPrice      decimal.Decimal
	ShippingPrice decimal.Decimal
}

type Deps struct {
	Carts    repository.CartRepository
	Products repository.ProductRepository
	Orders   repository.OrderRepository
	Tx       repository.Transactor
	Inv      *cache.Invalidator
	Ledger   sessions.Repository
	Gateway  Gateway
	Logger   *slog.Logger
	Charges  Charges
}

type Service struct {
	carts    repository.CartRepository
	products repository.ProductRepository
	orders   repository.OrderRepository
	tx       repository.Transactor
	inv      *cache.Invalidator
	ledger   sessions.Repository
	gateway  Gateway
	logger   *slog.Logger
	charges  Charges
	now      func() time.Time
}

func NewService(d Deps) *Service {
	return &Service{
		carts:    d.Carts,
		products: d.Products,
		orders:   d.Orders,
		tx:       d.Tx,
		inv:      d.Inv,
		ledger:   d.Ledger,
		gateway:  d.Gateway,
		logger:   d.Logger,
		charges:  d.Charges,
		now:      time.Now,
	}
}

// checkStock re-reads current stock for every line item. Quantities of the
// same product in different colours are summed.
func (s *Service) checkStock(ctx context.Context, items []domain.CartItem) ([]domain.StockChange, error) {
	changes := domain.StockChanges(items)
	ids := make([]primitive.ObjectID, len(changes))
	for i, c := range changes {
		ids[i] = c.ProductID
	}

	products, err := s.products.FindProducts(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, c := range changes {
		p, ok := products[c.ProductID]
		if !ok {
			return nil, repository.ErrProductNotFound
		}
		if p.Quantity < c.Quantity {
			return nil, &domain.StockError{
				ProductID: p.ID.Hex(),
				Title:     p.Title,
				Available: p.Quantity,
				Requested: c.Quantity,
			}
		}
	}
	return changes, nil
}

// afterCommit drops cache entries the committed order made stale. Failures
// are logged; the order stands.
func (s *Service) afterCommit(ctx context.Context, order *domain.Order) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), invalidateTimeout)
	defer cancel()

	seen := make(map[primitive.ObjectID]bool, len(order.Items))
	for _, item := range order.Items {
		if seen[item.ProductID] {
			continue
		}
		seen[item.ProductID] = true
		if err := s.inv.Document(ctx, cache.KindProduct, item.ProductID.Hex()); err != nil {
			s.logger.WarnContext(ctx, "product cache invalidation failed",
				slog.String("product_id", item.ProductID.Hex()), slog.Any("error", err))
		}
	}
	s.inv.Lists(cache.KindProduct)

	if err := s.inv.Cart(ctx, order.UserID); err != nil {
		s.logger.WarnContext(ctx, "cart cache invalidation failed",
			slog.String("user_id", order.UserID), slog.Any("error", err))
	}
}

// isBusinessError reports failures that are the caller's to fix and are
// passed through unchanged.
func isBusinessError(err error) bool {
	return errors.Is(err, domain.ErrNotFound) ||
		errors.Is(err, domain.ErrInsufficientStock) ||
		errors.Is(err, domain.ErrInvalidInput) ||
		errors.Is(err, domain.ErrDuplicateOrder)
}
