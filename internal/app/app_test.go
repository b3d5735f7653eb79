package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/xenking/kart-fulfillment/internal/domain/auth"
	"github.com/xenking/kart-fulfillment/internal/domain/coupon"
	"github.com/xenking/kart-fulfillment/internal/domain/order"
	"github.com/xenking/kart-fulfillment/internal/domain/payment"
	"github.com/xenking/kart-fulfillment/internal/domain/product"
	"github.com/xenking/kart-fulfillment/internal/metrics"
	"github.com/xenking/kart-fulfillment/internal/storage/memory"
)

func memoryConfig() *Config {
	return &Config{
		Addr:    defaultAddr,
		Storage: "memory",
		Pricing: PricingConfig{ShippingFlat: "10.00", TaxRate: "0.08", WaiveShippingWithCoupon: true, TimeZone: "UTC"},
		Payments: PaymentsConfig{
			SimulatedSuccessRate: 1,
			GatewayTimeout:       time.Second,
			Currency:             "usd",
			BacklogThreshold:     10,
		},
		Auth: AuthConfig{JWTSecret: "secret"},
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(c *Config)
		errMsg string
	}{
		{name: "memory", modify: func(*Config) {}},
		{
			name:   "postgres without url",
			modify: func(c *Config) { c.Storage = "postgres" },
			errMsg: "database URL is required",
		},
		{
			name:   "unknown storage",
			modify: func(c *Config) { c.Storage = "sqlite" },
			errMsg: `unsupported storage "sqlite"`,
		},
		{
			name:   "missing secret",
			modify: func(c *Config) { c.Auth.JWTSecret = "" },
			errMsg: "JWT secret is required",
		},
		{
			name:   "bad tax rate",
			modify: func(c *Config) { c.Pricing.TaxRate = "eight" },
			errMsg: "parse tax rate",
		},
		{
			name:   "negative shipping",
			modify: func(c *Config) { c.Pricing.ShippingFlat = "-1" },
			errMsg: "must not be negative",
		},
		{
			name:   "bad time zone",
			modify: func(c *Config) { c.Pricing.TimeZone = "Mars/Olympus" },
			errMsg: "load time zone",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := memoryConfig()
			tt.modify(cfg)
			err := cfg.validate()
			if tt.errMsg == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tt.errMsg)
		})
	}
}

func TestApplyPlatformDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://platform/db")
	t.Setenv("PORT", "9000")
	t.Setenv("REDIS_URL", "redis://platform:6379/1")

	cfg := memoryConfig()
	cfg.Auth.Cache.Provider = "redis"
	cfg.applyPlatformDefaults()
	assert.Equal(t, "postgres://platform/db", cfg.DatabaseURL)
	assert.Equal(t, "0.0.0.0:9000", cfg.Addr)
	assert.Equal(t, "redis://platform:6379/1", cfg.Auth.Cache.RedisURL)

	cfg = memoryConfig()
	cfg.Addr = "127.0.0.1:7000"
	cfg.DatabaseURL = "postgres://explicit/db"
	cfg.applyPlatformDefaults()
	assert.Equal(t, "127.0.0.1:7000", cfg.Addr)
	assert.Equal(t, "postgres://explicit/db", cfg.DatabaseURL)
}

func TestPricingConfig(t *testing.T) {
	p, err := PricingConfig{ShippingFlat: "4.99", TaxRate: "0.2"}.Order()
	require.NoError(t, err)
	assert.True(t, p.ShippingFlat.Equal(decimal.RequireFromString("4.99")))
	assert.True(t, p.TaxRate.Equal(decimal.RequireFromString("0.2")))
	assert.False(t, p.WaiveShippingWithCoupon)

	cfg := PaymentsConfig{StaleAfter: time.Minute}.Processor()
	assert.Equal(t, time.Minute, cfg.StaleAfter)
	assert.Equal(t, payment.DefaultConfig().GatewayTimeout, cfg.GatewayTimeout)
}

func TestNewCoreWithMemoryStorage(t *testing.T) {
	ctx := context.Background()
	core, err := NewCore(ctx, memoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, core.Close()) })
	assert.Nil(t, core.Stores.DB)

	catalog, ok := core.Stores.Catalog.(*memory.Catalog)
	require.True(t, ok)
	require.NoError(t, catalog.UpsertVariant(ctx, product.Variant{
		ID: "v1", SKU: "S1", Price: decimal.NewFromInt(20), Available: true,
		Product: product.Product{ID: "p1", Name: "Mug", Available: true},
	}))

	addr := order.Address{Name: "Ada", Line1: "1 Main", City: "Town", PostalCode: "1", Country: "US"}
	res, err := core.Orders.CreateOrder(ctx, order.CreateRequest{
		UserID:          "u1",
		Items:           []order.ItemRequest{{VariantID: "v1", Quantity: 1}},
		ShippingAddress: addr,
		BillingAddress:  addr,
	})
	require.NoError(t, err)
	assert.Equal(t, "31.60", res.Order.Total.StringFixed(2))

	p, err := core.Payments.Create(ctx, res.Order.ID, payment.MethodTest, auth.Caller{UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, payment.StatusCompleted, p.Status)

	h := NewHealth(core, memoryConfig())
	h.SetReady(true)
	h.Start(ctx, time.Hour)
	t.Cleanup(h.Stop)

	w := httptest.NewRecorder()
	h.ReadyEndpoint(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Checks map[string]string `json:"checks"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Contains(t, body.Checks, "payment_sync_backlog")
	assert.NotContains(t, body.Checks, "postgres")
}

func TestJobs(t *testing.T) {
	ctx := context.Background()
	core, err := NewCore(ctx, memoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, core.Close()) })

	past := time.Now().Add(-time.Hour)
	_, err = core.Coupons.Create(ctx, &coupon.Coupon{
		Code: "OLD", Type: coupon.TypeFreeShipping, ValidUntil: &past,
	})
	require.NoError(t, err)

	mtr, err := metrics.New(noop.NewMeterProvider().Meter("test"))
	require.NoError(t, err)
	jobs := Jobs(core, WorkerConfig{SweepInterval: time.Hour, ReconcileInterval: time.Minute, ExpireInterval: time.Minute}, mtr)

	names := make([]string, 0, len(jobs))
	for _, j := range jobs {
		names = append(names, j.Name)
		require.NoError(t, j.Run(ctx), j.Name)
	}
	assert.Equal(t, []string{"coupon_sweep", "payment_reconcile", "payment_expire"}, names)

	c, err := core.Coupons.FindByCode(ctx, "OLD")
	require.NoError(t, err)
	assert.Equal(t, coupon.StatusExpired, c.Status)
}
