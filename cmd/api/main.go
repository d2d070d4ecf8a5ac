package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/safar/candy-planet/internal/api"
	"github.com/safar/candy-planet/internal/audit"
	"github.com/safar/candy-planet/internal/cache"
	"github.com/safar/candy-planet/internal/cart"
	"github.com/safar/candy-planet/internal/catalog"
	"github.com/safar/candy-planet/internal/checkout"
	"github.com/safar/candy-planet/internal/config"
	"github.com/safar/candy-planet/internal/database"
	"github.com/safar/candy-planet/internal/events"
	"github.com/safar/candy-planet/internal/logging"
	"github.com/safar/candy-planet/internal/payment"
	"github.com/safar/candy-planet/internal/reconcile"
	"github.com/safar/candy-planet/internal/session"
	"github.com/safar/candy-planet/internal/store"
	"github.com/safar/candy-planet/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := logging.New("info", true)
		bootLogger.Fatal().Err(err).Msg("Load config")
	}

	logger := logging.New(cfg.Log.Level, cfg.Log.Pretty)

	db, err := database.NewConnection(&cfg.Database)
	if err != nil {
		logger.Fatal().Err(err).Msg("Connect to database")
	}
	defer db.Close()
	logger.Info().Msg("Connected to database successfully")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	products := store.NewProductStore(db)
	orders := store.NewOrderStore(db)
	profiles := store.NewProfileStore(db)

	var catalogCache catalog.Cache = cache.NewMemory()
	var cartPersister cart.Persister = store.NewCartStore(db)
	if cfg.Redis.Addr != "" {
		rdb := cache.NewRedis(&cfg.Redis)
		defer rdb.Close()
		if err := rdb.Ping(ctx); err != nil {
			logger.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("Redis unreachable, using in-process cache")
		} else {
			catalogCache = rdb
			cartPersister = cart.Split{
				Users:  cartPersister,
				Guests: cart.NewRedisPersister(rdb, cfg.Redis.CartTTL),
			}
		}
	}

	var publisher events.Publisher = events.Nop{}
	if len(cfg.Kafka.Brokers) > 0 {
		publisher = events.NewKafkaPublisher(cfg.Kafka, logging.Component(logger, "events"))
	}
	defer publisher.Close()

	var recorder audit.Recorder = audit.Nop{}
	if cfg.Mongo.URI != "" {
		m, err := audit.NewMongo(ctx, cfg.Mongo, logging.Component(logger, "audit"))
		if err != nil {
			logger.Warn().Err(err).Msg("Mongo unreachable, audit log disabled")
		} else {
			defer m.Close(context.Background())
			recorder = m
		}
	}

	provider, verifier, err := newProvider(cfg)
	if err != nil {
		logger.Fatal().Err(err).Str("provider", cfg.Payment.Provider).Msg("Configure payment provider")
	}
	logger.Info().Str("provider", provider.Name()).Msg("Payment provider ready")

	catalogSvc := catalog.NewService(products, catalogCache, cfg.Redis.CacheTTL, logging.Component(logger, "catalog"))
	carts := cart.NewManager(cartPersister, logging.Component(logger, "cart"))
	checkoutSvc := checkout.NewService(orders, catalogSvc, carts, provider, publisher, recorder,
		logging.Component(logger, "checkout"))
	receiver := reconcile.NewReceiver(orders, provider, verifier, publisher, recorder,
		logging.Component(logger, "reconcile"))
	landing := reconcile.NewLanding(receiver, orders, carts, logging.Component(logger, "landing"))

	server := api.NewServer(api.Deps{
		Catalog:    catalogSvc,
		Carts:      carts,
		Checkout:   checkoutSvc,
		Reconciler: receiver,
		Landing:    landing,
		Orders:     orders,
		Profiles:   profiles,
		Audit:      recorder,
		Sessions:   session.NewResolver(cfg.Auth.JWTSecret),
		Logger:     logging.Component(logger, "api"),
	})

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(logging.Middleware(logging.Component(logger, "http")))
	server.Register(e, api.CheckoutRateLimit(1, 3))

	workerLog := logging.Component(logger, "worker")
	runner := worker.NewRunner(workerLog)
	if cfg.Workers.PendingOrderTTL > 0 {
		runner.Add(worker.Job{
			Name:     "expire-pending-orders",
			Interval: cfg.Workers.ExpirySweepEvery,
			Run:      worker.ExpirePending(orders, cfg.Workers.PendingOrderTTL, publisher, recorder, workerLog),
		})
	}
	runner.Add(worker.Job{
		Name:     "db-keepalive",
		Interval: cfg.Workers.KeepaliveInterval,
		Run:      worker.Keepalive(db, workerLog),
	})
	runner.Add(worker.Job{
		Name:     "prune-carts",
		Interval: cfg.Workers.CartIdleEvict,
		Run:      worker.PruneCarts(carts, cfg.Workers.CartIdleEvict, workerLog),
	})
	runner.Start(ctx)

	httpServer := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      e,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info().Str("port", cfg.Server.Port).Msg("Server starting")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Server error")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Server shutdown")
	}
	runner.Wait()
}

// newProvider builds the provider named by PAYMENT_PROVIDER. Only Stripe
// signs its webhooks, so SumUp comes back without a verifier.
func newProvider(cfg *config.Config) (payment.Provider, reconcile.WebhookVerifier, error) {
	switch cfg.Payment.Provider {
	case config.ProviderSumUp:
		sumup, err := payment.NewSumUp(cfg.Payment.SumUp, cfg.Server.PublicBaseURL, &http.Client{Timeout: 15 * time.Second})
		if err != nil {
			return nil, nil, err
		}
		return sumup, nil, nil
	default:
		stripe, err := payment.NewStripe(cfg.Payment.Stripe, cfg.Server.PublicBaseURL, nil)
		if err != nil {
			return nil, nil, err
		}
		return stripe, stripe, nil
	}
}
