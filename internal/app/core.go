package app

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/kart-fulfillment/internal/domain/coupon"
	"github.com/xenking/kart-fulfillment/internal/domain/order"
	"github.com/xenking/kart-fulfillment/internal/domain/payment"
	"github.com/xenking/kart-fulfillment/internal/domain/product"
	"github.com/xenking/kart-fulfillment/internal/gateway/stripe"
	"github.com/xenking/kart-fulfillment/internal/storage/cache"
	"github.com/xenking/kart-fulfillment/internal/storage/memory"
	"github.com/xenking/kart-fulfillment/internal/storage/postgres"
	"github.com/xenking/kart-fulfillment/pkg/health"
)

// Stores groups the repositories of one storage backend.
type Stores struct {
	Catalog  product.Catalog
	Coupons  coupon.Repository
	Orders   order.Repository
	Sequence order.Sequence
	Payments payment.Repository
	// DB is nil for the memory backend.
	DB    health.Pinger
	close func()
}

// OpenStores connects the configured backend. Postgres is migrated to the
// latest schema first.
func OpenStores(ctx context.Context, cfg *Config) (*Stores, error) {
	if cfg.Storage == "memory" {
		zctx.From(ctx).Warn("Using in-memory storage, data is lost on exit")
		s := memory.New()
		return &Stores{
			Catalog:  s.Catalog(),
			Coupons:  s.Coupons(),
			Orders:   s.Orders(),
			Sequence: s.Sequence(),
			Payments: s.Payments(),
			close:    func() {},
		}, nil
	}

	if err := postgres.Migrate(cfg.DatabaseURL); err != nil {
		return nil, errors.Wrap(err, "run migrations")
	}
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "create db pool")
	}
	return &Stores{
		Catalog:  postgres.NewProductRepository(pool),
		Coupons:  postgres.NewCouponRepository(pool),
		Orders:   postgres.NewOrderRepository(pool),
		Sequence: postgres.NewOrderSequence(pool),
		Payments: postgres.NewPaymentRepository(pool),
		DB:       pool,
		close:    pool.Close,
	}, nil
}

// Close releases the backend's connections.
func (s *Stores) Close() { s.close() }

// Core is the wired fulfillment core shared by the API server and the
// worker.
type Core struct {
	Stores   *Stores
	Cache    cache.Provider
	Orders   *order.Service
	Coupons  *coupon.Ledger
	Payments *payment.Processor
}

// NewCore opens storage and the cache and wires the domain services.
func NewCore(ctx context.Context, cfg *Config) (*Core, error) {
	pricing, err := cfg.Pricing.Order()
	if err != nil {
		return nil, err
	}
	loc, err := cfg.Pricing.Location()
	if err != nil {
		return nil, err
	}

	stores, err := OpenStores(ctx, cfg)
	if err != nil {
		return nil, err
	}
	provider, err := cache.NewProvider(ctx, cfg.Auth.Cache)
	if err != nil {
		stores.Close()
		return nil, errors.Wrap(err, "create cache provider")
	}

	ledger := coupon.NewLedger(stores.Coupons)
	orders := order.NewService(stores.Catalog, ledger, stores.Orders,
		order.NewAllocator(stores.Sequence, loc),
		order.WithPricing(pricing),
	)

	opts := []payment.Option{
		payment.WithConfig(cfg.Payments.Processor()),
		payment.WithGateway(payment.MethodTest, payment.NewSimulatedGateway(cfg.Payments.SimulatedSuccessRate)),
		payment.WithEventLog(cache.NewEventLog(provider)),
	}
	if key := cfg.Payments.StripeSecretKey; key != "" {
		gw := stripe.NewFromKey(key, cfg.Payments.StripeWebhookSecret, cfg.Payments.Currency)
		opts = append(opts, payment.WithGateway(payment.MethodStripe, gw))
		if cfg.Payments.StripeWebhookSecret != "" {
			opts = append(opts, payment.WithWebhook(stripe.Provider, gw))
		}
		zctx.From(ctx).Info("Stripe gateway enabled", zap.Bool("webhooks", cfg.Payments.StripeWebhookSecret != ""))
	}

	return &Core{
		Stores:   stores,
		Cache:    provider,
		Orders:   orders,
		Coupons:  ledger,
		Payments: payment.NewProcessor(stores.Payments, orders, opts...),
	}, nil
}

// Close releases the cache and storage.
func (c *Core) Close() error {
	err := c.Cache.Close()
	c.Stores.Close()
	return err
}
