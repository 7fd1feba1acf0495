package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/fjod/go_shop/internal/cache"
	"github.com/fjod/go_shop/internal/domain"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type Handlers struct {
	Cart    *CartHandler
	Orders  *OrderHandler
	Catalog *CatalogHandler
}

type RouterOptions struct {
	JWTSecret      []byte
	RequestTimeout time.Duration
	Logger         *slog.Logger
	// Health reports dependency failures for GET /health.
	Health func(ctx context.Context) error
}

func NewRouter(hs Handlers, opts RouterOptions) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(RequestIDMiddleware)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(opts.Logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(opts.RequestTimeout))
	r.Use(middleware.Compress(5))

	r.Get("/health", health(opts.Health))

	auth := AuthMiddleware(opts.JWTSecret)
	admin := RequireRole(domain.RoleAdmin)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/payments/webhook", hs.Orders.PaymentWebhook)

		r.Route("/cart", func(r chi.Router) {
			r.Use(auth)
			r.Get("/", hs.Cart.GetCart)
			r.Post("/", hs.Cart.AddItem)
			r.Delete("/", hs.Cart.ClearCart)
			r.Post("/coupon", hs.Cart.ApplyCoupon)
			r.Put("/{itemId}", hs.Cart.UpdateQuantity)
			r.Delete("/{itemId}", hs.Cart.RemoveItem)
		})

		r.Route("/orders", func(r chi.Router) {
			r.Use(auth)
			r.Get("/", hs.Orders.ListOrders)
			r.Post("/checkout-session", hs.Orders.CreateCheckoutSession)
			r.Post("/{cartId}", hs.Orders.CreateCashOrder)
			r.Get("/{orderId}", hs.Orders.GetOrder)
			r.With(admin).Put("/{orderId}/pay", hs.Orders.MarkPaid)
			r.With(admin).Put("/{orderId}/deliver", hs.Orders.MarkDelivered)
		})

		r.Get("/categories/{categoryId}/subcategories", hs.Catalog.ListSubcategories)

		r.Get("/{kind}", hs.Catalog.List)
		r.Get("/{kind}/{id}", hs.Catalog.Get)
		r.Group(func(r chi.Router) {
			r.Use(auth, catalogWriters)
			r.Post("/{kind}", hs.Catalog.Create)
			r.Put("/{kind}/{id}", hs.Catalog.Update)
			r.Delete("/{kind}/{id}", hs.Catalog.Delete)
		})
	})

	return r
}

// catalogWriters lets staff write every resource and any signed-in user
// write reviews.
func catalogWriters(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := principalFromContext(r.Context())
		if !ok {
			respondError(w, http.StatusUnauthorized, "unauthorized", "missing user authentication")
			return
		}
		if !p.IsStaff() && cache.Kind(chi.URLParam(r, "kind")) != cache.KindReview {
			respondError(w, http.StatusForbidden, "permission_denied", "you are not allowed to access this route")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func health(check func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			if err := check(r.Context()); err != nil {
				respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
				return
			}
		}
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.InfoContext(r.Context(), "http request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Int("bytes", ww.BytesWritten()),
				slog.Duration("duration", time.Since(start)))
		})
	}
}
