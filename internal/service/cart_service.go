package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/fjod/go_shop/internal/cache"
	"github.com/fjod/go_shop/internal/domain"
	"github.com/fjod/go_shop/internal/repository"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"golang.org/x/sync/singleflight"
)

const invalidateTimeout = time.Second

type AddItemInput struct {
	ProductID primitive.ObjectID
	Quantity  int
	Color     string
}

type CartService struct {
	repo     repository.CartRepository
	products repository.ProductRepository
	coupons  repository.CouponRepository
	cache    cache.Cache
	inv      *cache.Invalidator
	logger   *slog.Logger
	sfg      singleflight.Group // Prevents cache stampede
	now      func() time.Time
}

func NewCartService(
	repo repository.CartRepository,
	products repository.ProductRepository,
	coupons repository.CouponRepository,
	c cache.Cache,
	inv *cache.Invalidator,
	logger *slog.Logger,
) *CartService {
	return &CartService{
		repo:     repo,
		products: products,
		coupons:  coupons,
		cache:    c,
		inv:      inv,
		logger:   logger,
		now:      time.Now,
	}
}

func (s *CartService) GetCart(ctx context.Context, userID string) (*domain.Cart, error) {
	key := cache.CartKey(userID)

	// Use singleflight to prevent multiple concurrent cache misses for same key
	v, err, _ := s.sfg.Do(key, func() (interface{}, error) {
		var cached domain.Cart
		err := cache.GetJSON(ctx, s.cache, key, &cached)
		if err == nil {
			return &cached, nil
		}
		if !errors.Is(err, cache.ErrCacheMiss) {
			s.logger.WarnContext(ctx, "cart cache read failed", slog.String("user_id", userID), slog.Any("error", err))
		}

		// Read the generation before the store so a write landing between
		// the read and the fill rejects the fill.
		genKey := cache.CartGenKey(userID)
		gen, genErr := s.cache.Generation(ctx, genKey)

		cart, err := s.repo.GetCart(ctx, userID)
		if err != nil {
			return nil, err
		}
		if genErr != nil {
			return cart, nil
		}

		snapshot := *cart
		s.inv.Go("fill "+key, func(ctx context.Context) error {
			stored, err := cache.SetJSONIfGeneration(ctx, s.cache, key, genKey, gen, &snapshot)
			if err == nil && !stored {
				s.logger.Debug("stale cart fill discarded", slog.String("user_id", userID))
			}
			return err
		})
		return cart, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.Cart), nil
}

// AddItem snapshots the product's current price into the line item.
func (s *CartService) AddItem(ctx context.Context, userID string, in AddItemInput) (*domain.Cart, error) {
	product, err := s.products.GetProduct(ctx, in.ProductID)
	if err != nil {
		return nil, err
	}
	if in.Quantity <= 0 {
		return nil, domain.InvalidInput("quantity must be positive")
	}

	cart, err := s.repo.AddItem(ctx, userID, domain.CartItem{
		ID:        primitive.NewObjectID(),
		ProductID: product.ID,
		Quantity:  in.Quantity,
		Price:     product.Price,
		Color:     in.Color,
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "add cart item failed", slog.String("user_id", userID), slog.Any("error", err))
		return nil, err
	}

	s.invalidate(userID)
	return cart, nil
}

func (s *CartService) RemoveItem(ctx context.Context, userID string, itemID primitive.ObjectID) (*domain.Cart, error) {
	cart, err := s.repo.RemoveItem(ctx, userID, itemID)
	if err != nil {
		return nil, err
	}

	s.invalidate(userID)
	return cart, nil
}

// UpdateItemQuantity rejects quantities above the product's current stock.
func (s *CartService) UpdateItemQuantity(ctx context.Context, userID string, itemID primitive.ObjectID, quantity int) (*domain.Cart, error) {
	if quantity < 1 {
		return nil, domain.InvalidInput("quantity must be at least 1")
	}

	current, err := s.repo.GetCart(ctx, userID)
	if err != nil {
		return nil, err
	}
	item, ok := current.FindItem(itemID)
	if !ok {
		return nil, repository.ErrItemNotFound
	}

	product, err := s.products.GetProduct(ctx, item.ProductID)
	if err != nil {
		return nil, err
	}
	if product.Quantity < quantity {
		return nil, &domain.StockError{
			ProductID: product.ID.Hex(),
			Title:     product.Title,
			Available: product.Quantity,
			Requested: quantity,
		}
	}

	cart, err := s.repo.UpdateItemQuantity(ctx, userID, itemID, quantity)
	if err != nil {
		return nil, err
	}

	s.invalidate(userID)
	return cart, nil
}

func (s *CartService) ApplyCoupon(ctx context.Context, userID string, couponName string) (*domain.Cart, error) {
	if _, err := s.repo.GetCart(ctx, userID); err != nil {
		return nil, err
	}

	coupon, err := s.coupons.FindValid(ctx, domain.NormalizeCouponName(couponName), s.now())
	if err != nil {
		return nil, err
	}

	cart, err := s.repo.ApplyDiscount(ctx, userID, coupon.Name, coupon.Discount)
	if err != nil {
		return nil, err
	}

	s.invalidate(userID)
	return cart, nil
}

// Clear is idempotent: clearing a missing cart succeeds.
func (s *CartService) Clear(ctx context.Context, userID string) error {
	if err := s.repo.DeleteCart(ctx, userID); err != nil {
		s.logger.ErrorContext(ctx, "clear cart failed", slog.String("user_id", userID), slog.Any("error", err))
		return err
	}

	s.invalidate(userID)
	return nil
}

// invalidate drops the cached cart before the mutation is reported back, on
// its own deadline so a cancelled request still clears the entry.
func (s *CartService) invalidate(userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), invalidateTimeout)
	defer cancel()
	if err := s.inv.Cart(ctx, userID); err != nil {
		s.logger.Warn("cart cache invalidation failed", slog.String("user_id", userID), slog.Any("error", err))
	}
}
