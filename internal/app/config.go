package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-fulfillment/internal/domain/order"
	"github.com/xenking/kart-fulfillment/internal/domain/payment"
	"github.com/xenking/kart-fulfillment/internal/storage/cache"
)

const defaultAddr = "0.0.0.0:8080"

// Config holds the complete application configuration, loadable from
// environment variables (KART_ prefix), flags, or YAML config files.
type Config struct {
	Addr string `default:"0.0.0.0:8080" usage:"API server listen address"`
	// Storage selects the backend: postgres or memory.
	Storage     string `default:"postgres" usage:"Storage backend (postgres or memory)"`
	DatabaseURL string `usage:"PostgreSQL connection URL (KART_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	Pricing     PricingConfig
	Payments    PaymentsConfig
	Auth        AuthConfig
	RateLimit   RateLimitConfig
	CORS        CORSConfig
	Graceful    GracefulConfig
	Worker      WorkerConfig
}

// PricingConfig is the checkout monetary policy.
type PricingConfig struct {
	ShippingFlat            string `default:"10.00" usage:"Flat shipping cost"`
	TaxRate                 string `default:"0.08" usage:"Tax rate applied to the discounted subtotal"`
	WaiveShippingWithCoupon bool   `default:"true" usage:"Waive shipping when a coupon discount applies"`
	// TimeZone decides the calendar day of order numbers.
	TimeZone string `default:"UTC" usage:"Time zone for order number days"`
}

// PaymentsConfig configures gateways and the payment processor.
type PaymentsConfig struct {
	SimulatedSuccessRate float64       `default:"0.9" usage:"Success probability of test payments"`
	GatewayTimeout       time.Duration `default:"10s" usage:"Timeout of a single gateway call"`
	StaleAfter           time.Duration `default:"15m" usage:"Fail payments processing for longer than this"`
	StripeSecretKey      string        `usage:"Stripe secret key; enables the stripe method" flag:"stripe-secret-key"`
	StripeWebhookSecret  string        `usage:"Stripe webhook signing secret" flag:"stripe-webhook-secret"`
	Currency             string        `default:"usd" usage:"Currency of gateway charges"`
	// BacklogThreshold fails readiness while more payments await order sync.
	BacklogThreshold int `default:"500" usage:"Unsynced payment count failing readiness"`
}

// AuthConfig configures bearer token verification and revocation.
type AuthConfig struct {
	JWTSecret string `usage:"HMAC secret of bearer tokens (KART_AUTH_JWT_SECRET)" flag:"jwt-secret"`
	Cache     cache.Config
}

// RateLimitConfig controls the per-client sliding window rate limiter.
type RateLimitConfig struct {
	Max    int           `default:"100" usage:"Max requests per window"`
	Window time.Duration `default:"1m"  usage:"Rate limit window duration"`
	Size   int           `default:"10000" usage:"Max tracked clients"`
}

// CORSConfig controls Cross-Origin Resource Sharing headers.
type CORSConfig struct {
	Origins          []string `default:"*" usage:"Allowed CORS origins"`
	AllowCredentials bool     `default:"false" usage:"Allow credentials (cookies, auth headers)" flag:"cors-credentials"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// WorkerConfig sets the background job intervals.
type WorkerConfig struct {
	SweepInterval     time.Duration `default:"1h" usage:"Coupon expiry sweep interval"`
	ReconcileInterval time.Duration `default:"1m" usage:"Payment order sync reconcile interval"`
	ExpireInterval    time.Duration `default:"5m" usage:"Stale payment expiry interval"`
}

// LoadConfig loads configuration from environment variables, YAML config files,
// and applies platform-specific defaults.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "KART",
		Files:     []string{"config.yaml", "/etc/kart/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Storage {
	case "postgres":
		if c.DatabaseURL == "" {
			return errors.New("database URL is required: set KART_DATABASE_URL or DATABASE_URL")
		}
	case "memory":
	default:
		return errors.Errorf("unsupported storage %q", c.Storage)
	}
	if c.Auth.JWTSecret == "" {
		return errors.New("JWT secret is required: set KART_AUTH_JWT_SECRET")
	}
	if _, err := c.Pricing.Order(); err != nil {
		return err
	}
	if _, err := c.Pricing.Location(); err != nil {
		return err
	}
	return nil
}

// applyPlatformDefaults maps platform-provided environment variables (Railway,
// Render, etc.) that use standard names like DATABASE_URL and PORT to the
// application's KART_-prefixed configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		if v := os.Getenv("DATABASE_URL"); v != "" {
			c.DatabaseURL = v
		}
	}
	if c.Auth.Cache.Provider == "redis" && os.Getenv("KART_AUTH_CACHE_REDISURL") == "" {
		if v := os.Getenv("REDIS_URL"); v != "" {
			c.Auth.Cache.RedisURL = v
		}
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == defaultAddr {
		c.Addr = "0.0.0.0:" + port
	}
}

// Order converts the pricing settings to the order service's policy.
func (p PricingConfig) Order() (order.Pricing, error) {
	shipping, err := decimal.NewFromString(p.ShippingFlat)
	if err != nil {
		return order.Pricing{}, errors.Wrap(err, "parse shipping flat rate")
	}
	tax, err := decimal.NewFromString(p.TaxRate)
	if err != nil {
		return order.Pricing{}, errors.Wrap(err, "parse tax rate")
	}
	if shipping.IsNegative() || tax.IsNegative() {
		return order.Pricing{}, errors.New("shipping and tax must not be negative")
	}
	return order.Pricing{
		ShippingFlat:            shipping,
		TaxRate:                 tax,
		WaiveShippingWithCoupon: p.WaiveShippingWithCoupon,
	}, nil
}

// Location loads the order number time zone.
func (p PricingConfig) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(p.TimeZone)
	if err != nil {
		return nil, errors.Wrap(err, "load time zone")
	}
	return loc, nil
}

// Processor converts the payment settings to the processor's config.
func (p PaymentsConfig) Processor() payment.Config {
	cfg := payment.DefaultConfig()
	if p.GatewayTimeout > 0 {
		cfg.GatewayTimeout = p.GatewayTimeout
	}
	if p.StaleAfter > 0 {
		cfg.StaleAfter = p.StaleAfter
	}
	return cfg
}
