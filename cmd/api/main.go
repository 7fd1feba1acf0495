package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fjod/go_shop/internal/cache"
	"github.com/fjod/go_shop/internal/checkout"
	"github.com/fjod/go_shop/internal/config"
	h "github.com/fjod/go_shop/internal/http"
	"github.com/fjod/go_shop/internal/payment"
	"github.com/fjod/go_shop/internal/publisher"
	"github.com/fjod/go_shop/internal/query"
	"github.com/fjod/go_shop/internal/repository"
	"github.com/fjod/go_shop/internal/service"
	"github.com/fjod/go_shop/internal/sessions"
	"github.com/fjod/go_shop/pkg/logger"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	cfg := config.Load()
	log := logger.New(logger.Options{
		Service: "shop-api",
		Env:     cfg.AppEnv,
		Level:   cfg.LogLevel,
	})

	if err := run(cfg, log); err != nil {
		log.Error("shop-api stopped with error", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// MongoDB
	connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	db, err := repository.ConnectMongoDB(connectCtx, cfg.MongoURI, cfg.MongoDBName)
	if err != nil {
		cancel()
		return err
	}
	if err := repository.CreateIndexes(connectCtx, db); err != nil {
		cancel()
		return err
	}
	cancel()
	defer func() {
		disconnectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = db.Client().Disconnect(disconnectCtx)
	}()
	log.Info("connected to MongoDB", slog.String("database", cfg.MongoDBName))

	// Redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	redisCache := cache.NewRedisCache(rdb, cfg.Cache)
	defer redisCache.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		// The read path degrades to the database while Redis is down.
		log.Warn("redis unreachable, serving without cache", slog.Any("error", err))
	}

	inv := cache.NewInvalidator(redisCache, cache.NewKeySpace(cfg.CachePrefixes), log, cfg.Invalidation)
	defer inv.Close()

	// Postgres session ledger and outbox
	creds := &sessions.Credentials{
		Host:              cfg.Postgres.Host,
		Port:              cfg.Postgres.Port,
		User:              cfg.Postgres.User,
		Password:          cfg.Postgres.Password,
		DBName:            cfg.Postgres.DBName,
		MigrationsDirPath: cfg.Postgres.MigrationsDirPath,
	}
	ledger, err := sessions.NewStore(creds, log)
	if err != nil {
		return err
	}
	defer ledger.Close()
	if err := ledger.RunMigrations(creds); err != nil {
		return err
	}
	log.Info("database migrations completed")

	carts := repository.NewCartRepository(db)
	products := repository.NewProductRepository(db)
	orders := repository.NewOrderRepository(db)
	coupons := repository.NewCouponRepository(db)
	store := repository.NewDocumentStore(db)

	reader := query.NewReader(store, redisCache, inv, log)
	cartService := service.NewCartService(carts, products, coupons, redisCache, inv, log)
	catalogService := service.NewCatalogService(reader, store, inv, service.DefaultCollections(), log)
	orderService := service.NewOrderService(orders, reader, log)

	if cfg.MidtransServerKey == "" {
		log.Warn("MIDTRANS_SERVER_KEY is empty, card checkout and webhooks will be rejected")
	}
	gateway := payment.NewMidtransGateway(payment.Config{
		ServerKey:  cfg.MidtransServerKey,
		Production: cfg.MidtransProduction,
		Timeout:    cfg.PaymentTimeout,
	})

	checkoutService := checkout.NewService(checkout.Deps{
		Carts:    carts,
		Products: products,
		Orders:   orders,
		Tx:       repository.NewTransactor(db.Client()),
		Inv:      inv,
		Ledger:   ledger,
		Gateway:  gateway,
		Logger:   log,
		Charges: checkout.Charges{
			TaxPrice:      cfg.Checkout.TaxPrice,
			ShippingPrice: cfg.Checkout.ShippingPrice,
		},
	})

	// Outbox publisher
	var writer publisher.MessageWriter = publisher.LogWriter{Logger: log}
	if len(cfg.KafkaBrokers) > 0 {
		writer = publisher.NewKafkaWriter(cfg.OrderTopic, cfg.KafkaBrokers...)
	} else {
		log.Warn("KAFKA_BROKERS is empty, order events are only logged")
	}
	defer writer.Close()

	poller := publisher.NewOutboxPoller(ledger, orders, writer, log, publisher.Options{
		EventTick:    cfg.Outbox.EventTick,
		RecoveryTick: cfg.Outbox.RecoveryTick,
		StuckAfter:   cfg.Outbox.StuckAfter,
		SessionTTL:   cfg.Outbox.SessionTTL,
	})
	pollerDone := make(chan struct{})
	go func() {
		defer close(pollerDone)
		poller.Run(ctx)
	}()

	router := h.NewRouter(h.Handlers{
		Cart:    h.NewCartHandler(cartService, cfg.RequestTimeout, log),
		Orders:  h.NewOrderHandler(checkoutService, orderService, cfg.RequestTimeout, log),
		Catalog: h.NewCatalogHandler(catalogService, cfg.RequestTimeout, log),
	}, h.RouterOptions{
		JWTSecret:      []byte(cfg.JWTSecret),
		RequestTimeout: cfg.RequestTimeout,
		Logger:         log,
		Health: func(ctx context.Context) error {
			if err := db.Client().Ping(ctx, nil); err != nil {
				return err
			}
			return ledger.Ping(ctx)
		},
	})

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      otelhttp.NewHandler(router, "shop-api"),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("shop-api listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			stop()
			<-pollerDone
			return err
		}
	}

	log.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", slog.Any("error", err))
	}
	<-pollerDone

	log.Info("server exited")
	return nil
}
