package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/kart-fulfillment/internal/handler"
	"github.com/xenking/kart-fulfillment/internal/metrics"
	"github.com/xenking/kart-fulfillment/internal/storage/cache"
	"github.com/xenking/kart-fulfillment/pkg/health"
	"github.com/xenking/kart-fulfillment/pkg/httpmiddleware"
)

// Run creates all dependencies, starts the HTTP server, and handles graceful
// shutdown. It is the single wiring point for the API server.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing", zap.String("addr", cfg.Addr), zap.String("storage", cfg.Storage))

	core, err := NewCore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := core.Close(); err != nil {
			lg.Warn("Close core", zap.Error(err))
		}
	}()

	mtr, err := metrics.New(m.MeterProvider().Meter("kart-fulfillment"))
	if err != nil {
		return errors.Wrap(err, "create metrics")
	}

	healthSvc := NewHealth(core, cfg)
	healthSvc.Start(ctx, 10*time.Second)
	healthSvc.SetReady(true)

	security := handler.NewSecurityHandler([]byte(cfg.Auth.JWTSecret), cache.NewRevocationList(core.Cache))
	h := handler.NewHandler(core.Orders, core.Coupons, core.Payments, security, mtr)

	api := h.Router()
	routeFinder := httpmiddleware.MakeRouteFinder(api)
	mux := http.NewServeMux()
	mux.HandleFunc("/livez", healthSvc.LiveEndpoint)
	mux.HandleFunc("/readyz", healthSvc.ReadyEndpoint)
	mux.Handle("/api/", api)

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      cfg.Payments.GatewayTimeout + 5*time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler: httpmiddleware.Wrap(mux,
			httpmiddleware.RequestID(),
			httpmiddleware.InjectLogger(zctx.From(ctx)),
			httpmiddleware.Recovery(),
			httpmiddleware.CORS(httpmiddleware.CORSConfig{
				AllowOrigins:     cfg.CORS.Origins,
				AllowCredentials: cfg.CORS.AllowCredentials,
				MaxAge:           86400,
			}),
			httpmiddleware.RateLimit(httpmiddleware.RateLimitConfig{
				Max:    cfg.RateLimit.Max,
				Window: cfg.RateLimit.Window,
				Size:   cfg.RateLimit.Size,
				Skip:   httpmiddleware.SkipPrefix("/api/webhooks/"),
			}),
			httpmiddleware.Instrument("kart-fulfillment", routeFinder, m),
			httpmiddleware.LogRequests(routeFinder),
			httpmiddleware.Labeler(routeFinder),
		),
	}

	// Graceful shutdown: wait for context cancellation, drain, then stop.
	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		healthSvc.Stop()
		close(shutdownDone)
	}()

	lg.Info("Server listening", zap.String("addr", cfg.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "server")
	}
	<-shutdownDone
	return nil
}

// NewHealth registers the probes of the core's dependencies.
func NewHealth(core *Core, cfg *Config) *health.Health {
	h := health.New()
	h.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))
	if core.Stores.DB != nil {
		h.AddReadinessCheck("postgres", 5*time.Second, health.PingCheck(core.Stores.DB))
	}
	if p, ok := core.Cache.(health.Pinger); ok {
		h.AddReadinessCheck("cache", 2*time.Second, health.PingCheck(p))
	}
	threshold := cfg.Payments.BacklogThreshold
	h.AddReadinessCheck("payment_sync_backlog", 5*time.Second, health.BacklogCheck(func(ctx context.Context) (int, error) {
		list, err := core.Stores.Payments.ListUnsynced(ctx, threshold+1)
		return len(list), err
	}, threshold), health.WithThresholds(5, 1))
	return h
}
