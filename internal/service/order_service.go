package service

import (
	"context"
	"log/slog"
	"net/url"
	"time"

	"github.com/fjod/go_shop/internal/cache"
	"github.com/fjod/go_shop/internal/domain"
	"github.com/fjod/go_shop/internal/query"
	"github.com/fjod/go_shop/internal/repository"
	"go.mongodb.org/mongo-driver/bson"
)

// Orders are listed through the generic pipeline but never cached.
var ordersCollection = query.Collection{
	Kind: cache.KindOrder,
	Name: "orders",
}

type OrderService struct {
	orders repository.OrderRepository
	reader *query.Reader
	logger *slog.Logger
	now    func() time.Time
}

func NewOrderService(orders repository.OrderRepository, reader *query.Reader, logger *slog.Logger) *OrderService {
	return &OrderService{
		orders: orders,
		reader: reader,
		logger: logger,
		now:    time.Now,
	}
}

// Get hides other users' orders behind NotFound; admins see every order.
func (s *OrderService) Get(ctx context.Context, id string, caller domain.Principal) (*domain.Order, error) {
	oid, err := parseID(id)
	if err != nil {
		return nil, err
	}
	order, err := s.orders.GetOrder(ctx, oid)
	if err != nil {
		return nil, err
	}
	if !caller.IsAdmin() && order.UserID != caller.UserID {
		return nil, repository.ErrOrderNotFound
	}
	return order, nil
}

func (s *OrderService) List(ctx context.Context, values url.Values, caller domain.Principal) (*query.ListResult, error) {
	p, err := query.Parse(values)
	if err != nil {
		return nil, err
	}
	var parent bson.M
	if !caller.IsAdmin() {
		parent = bson.M{"user_id": caller.UserID}
	}
	return s.reader.List(ctx, ordersCollection, p, parent)
}

func (s *OrderService) MarkPaid(ctx context.Context, id string) (*domain.Order, error) {
	oid, err := parseID(id)
	if err != nil {
		return nil, err
	}
	order, err := s.orders.SetPaid(ctx, oid, s.now().UTC())
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "order marked paid", slog.String("order_id", id))
	return order, nil
}

func (s *OrderService) MarkDelivered(ctx context.Context, id string) (*domain.Order, error) {
	oid, err := parseID(id)
	if err != nil {
		return nil, err
	}
	order, err := s.orders.SetDelivered(ctx, oid, s.now().UTC())
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "order marked delivered", slog.String("order_id", id))
	return order, nil
}
