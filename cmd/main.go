package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"apigate/internal/audit"
	"apigate/internal/auth"
	"apigate/internal/clock"
	"apigate/internal/config"
	"apigate/internal/defense"
	"apigate/internal/gateway"
	"apigate/internal/handler"
	"apigate/internal/logging"
	"apigate/internal/quota"
	"apigate/internal/ratelimit"
	"apigate/internal/supervisor"
	"apigate/internal/telemetry"
	"apigate/internal/validation"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "apigate: %v\n", err)
		os.Exit(1)
	}
	logging.Init(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	logger := logging.Component("main")

	hub, err := telemetry.NewSentryHub(cfg.Sentry.DSN, cfg.Sentry.Environment)
	if err != nil {
		logger.Fatal().Err(err).Msg("sentry init failed")
	}
	defer telemetry.Flush(hub, 2*time.Second)
	reporter := telemetry.NewLogReporter(logging.Component("telemetry"), hub)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := run(ctx, cfg, reporter, logger); err != nil {
		logger.Error().Err(err).Msg("apigate stopped with error")
		telemetry.Flush(hub, 2*time.Second)
		os.Exit(1)
	}
	logger.Info().Msg("apigate stopped gracefully")
}

func run(ctx context.Context, cfg *config.Config, reporter telemetry.Reporter, logger zerolog.Logger) error {
	clk := clock.System{}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	repo, sinks, closeStore, err := openStore(ctx, cfg, reg)
	if err != nil {
		return err
	}
	defer closeStore()

	keys := auth.NewKeyService(repo, logging.Component("auth"), auth.NewPrometheusMetrics(reg), auth.ServiceConfig{
		Clock:             clk,
		Tiers:             auth.DefaultTierCatalog(),
		Reporter:          reporter,
		NegativeCacheSize: cfg.Keys.NegativeCacheSize,
	})

	tree := supervisor.NewTree(logging.Component("supervisor"), supervisor.TreeConfig{ShutdownTimeout: cfg.Server.ShutdownTimeout})

	var rateStore ratelimit.Store
	if cfg.Redis.Enabled() {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer func() { _ = rdb.Close() }()
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
		}
		rateStore = ratelimit.NewRedisStore(rdb, ratelimit.WithKeyPrefix(cfg.Redis.KeyPrefix+"ratelimit"))
		sinks = append(sinks, audit.NewRedisCounterSink(rdb,
			audit.WithCounterPrefix(cfg.Redis.KeyPrefix+"stats"),
			audit.WithCounterTTL(cfg.Audit.CounterTTL)))
		logger.Info().Str("addr", cfg.Redis.Addr).Msg("using redis for rate limits and usage counters")
	} else {
		mem := ratelimit.NewMemoryStore()
		rateStore = mem
		tree.AddMaintenance(ratelimit.NewJanitor(mem, cfg.Gateway.JanitorInterval, clk, logging.Component("ratelimit")))
	}

	blacklist, err := defense.ParseBlacklist(cfg.Defense.Blacklist)
	if err != nil {
		return fmt.Errorf("parse blacklist: %w", err)
	}
	ipStore := defense.NewMemoryIPStore()
	defenseLogger := logging.Component("defense")
	detector := defense.NewDetector(ipStore, cfg.Defense.Thresholds(),
		defense.NewGlobalBreaker(cfg.Defense.GlobalThreshold, cfg.Defense.GlobalCooldown), clk, defenseLogger)
	tree.AddMaintenance(defense.NewSweeper(ipStore, cfg.Defense.SweepInterval, cfg.Defense.Retention, clk, defenseLogger))

	writer := audit.NewAsyncSink(sinks, cfg.Audit.Buffer, reporter)
	tree.AddMaintenance(writer)
	tree.AddMaintenance(auth.NewCleanupService(keys, cfg.Keys.CleanupInterval, cfg.Keys.CleanupLimit, logging.Component("auth")))

	gw := gateway.New(cfg.GatewayOptions(), gateway.Dependencies{
		Validator: validation.New(cfg.Validation.Limits()),
		Blacklist: blacklist,
		Guard:     defense.NewGuard(ipStore, cfg.Defense.ConnLimits(), clk),
		Detector:  detector,
		Keys:      keys,
		Limiter:   ratelimit.NewLimiter(rateStore, clk, reporter),
		Quota:     quota.NewTracker(repo, clk, reporter, logging.Component("quota")),
		Sink:      writer,
		Reporter:  reporter,
		Metrics:   gateway.NewMetrics(reg),
		Clock:     clk,
		Logger:    logging.Component("gateway"),
	})

	router, err := newRouter(cfg, gw, keys, reg, clk)
	if err != nil {
		return err
	}
	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}
	tree.AddAPI(supervisor.NewHTTPService(server, cfg.Server.ShutdownTimeout))

	logger.Info().
		Str("addr", cfg.Server.Addr).
		Bool("firestore", cfg.Firestore.Enabled()).
		Bool("redis", cfg.Redis.Enabled()).
		Str("upstream", cfg.Gateway.Upstream).
		Msg("starting apigate")

	err = tree.Serve(ctx)
	if report, rerr := tree.UnstoppedServiceReport(); rerr == nil && len(report) > 0 {
		logger.Warn().Int("count", len(report)).Msg("services did not stop in time")
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// openStore picks the key repository and the durable audit sinks.
func openStore(ctx context.Context, cfg *config.Config, reg prometheus.Registerer) (auth.Repository, audit.MultiSink, func(), error) {
	sinks := audit.MultiSink{audit.NewLogSink(logging.Component("audit"))}
	if !cfg.Firestore.Enabled() {
		logging.Warn().Msg("firestore disabled, api keys are kept in memory")
		return auth.NewMemoryRepository(), sinks, func() {}, nil
	}

	client, err := firestore.NewClient(ctx, cfg.Firestore.ProjectID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create firestore client: %w", err)
	}
	store := audit.NewFirestoreSink(client, audit.FirestoreSinkConfig{
		UsageCollection:    cfg.Firestore.UsageCollection,
		SecurityCollection: cfg.Firestore.SecurityCollection,
		FailureThreshold:   cfg.Audit.FailureThreshold,
		Cooldown:           cfg.Audit.Cooldown,
	}, logging.Component("audit"))
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "apigate_audit_store_breaker_open",
		Help: "1 while writes to the audit store are short-circuited.",
	}, func() float64 {
		if store.BreakerState() == "open" {
			return 1
		}
		return 0
	}))
	sinks = append(sinks, store)
	closeFn := func() {
		if err := client.Close(); err != nil {
			logging.Warn().Err(err).Msg("close firestore client")
		}
	}
	return auth.NewFirestoreRepository(client, cfg.Firestore.KeysCollection), sinks, closeFn, nil
}

func newRouter(cfg *config.Config, gw *gateway.Gateway, keys *auth.KeyService, reg *prometheus.Registry, clk clock.Clock) (http.Handler, error) {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(loggingMiddleware(logging.Component("http"), gw.ClientIP))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	if len(cfg.Admin.MasterKeys) == 0 {
		logging.Warn().Msg("no admin master keys configured, admin api rejects every call")
	}
	r.Route("/admin", func(r chi.Router) {
		r.Use(middleware.Recoverer)
		r.Use(auth.AdminAuthMiddleware(auth.AdminMiddlewareConfig{
			MasterKeys: cfg.Admin.MasterKeys,
			Logger:     logging.Component("admin"),
			RateLimit:  cfg.Admin.Limit(),
			Burst:      cfg.Admin.Burst,
			Clock:      clk,
			ClientIP:   gw.ClientIP,
		}))
		handler.NewKeyAdminHandler(keys, logging.Component("admin"), clk).Routes(r)
	})

	read := gw.Protect(auth.ScopeRead)
	write := gw.Protect(auth.ScopeWrite)
	var upstream http.Handler
	if cfg.Gateway.Upstream != "" {
		proxy, err := handler.NewProxyHandler(cfg.Gateway.Upstream, logging.Component("proxy"))
		if err != nil {
			return nil, err
		}
		upstream = proxy
	}
	r.Route("/api/v1", func(r chi.Router) {
		r.With(read).Get("/usage", handler.NewUsageHandler(keys.Tiers(), clk).ServeHTTP)
		if upstream == nil {
			return
		}
		for _, m := range []string{http.MethodGet, http.MethodHead, http.MethodOptions} {
			r.With(read).Method(m, "/*", upstream)
		}
		for _, m := range []string{http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete} {
			r.With(write).Method(m, "/*", upstream)
		}
	})
	return r, nil
}

func loggingMiddleware(logger zerolog.Logger, clientIP func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := newStatusRecorder(w)
			next.ServeHTTP(rec, r)
			logger.Info().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", rec.status).
				Str("ip", clientIP(r)).
				Dur("duration", time.Since(start)).
				Msg("request")
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func newStatusRecorder(w http.ResponseWriter) *statusRecorder {
	return &statusRecorder{ResponseWriter: w, status: http.StatusOK}
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
