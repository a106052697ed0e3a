// Package main is the entry point for the Signet signing server.
// It wires all dependencies together and starts the HTTP server.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/signet-io/signet/internal/config"
	"github.com/signet-io/signet/internal/document"
	"github.com/signet-io/signet/internal/idempotency"
	"github.com/signet-io/signet/internal/lock"
	"github.com/signet-io/signet/internal/notify"
	"github.com/signet-io/signet/internal/observability"
	"github.com/signet-io/signet/internal/orchestrate"
	"github.com/signet-io/signet/internal/otp"
	"github.com/signet-io/signet/internal/pipeline"
	"github.com/signet-io/signet/internal/ratelimit"
	"github.com/signet-io/signet/internal/token"
	"github.com/signet-io/signet/internal/transport"
	"github.com/signet-io/signet/internal/webhook"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	secret := os.Getenv(cfg.Signing.TokenSecretEnv)
	if secret == "" {
		logger.Error("token secret not configured",
			zap.String("env", cfg.Signing.TokenSecretEnv))
		return 1
	}
	tokens, err := token.NewService([]byte(secret))
	if err != nil {
		logger.Error("token service initialization failed", zap.Error(err))
		return 1
	}

	store, storeCloser, err := buildDocumentStore(ctx, cfg.Documents, logger)
	if err != nil {
		logger.Error("document store initialization failed", zap.Error(err))
		return 1
	}
	if storeCloser != nil {
		defer storeCloser()
	}
	engine := document.NewEngine(store)
	engine.TokenTTL = cfg.Signing.TokenTTL
	engine.DefaultExpiryHours = cfg.Signing.DefaultExpiryHours

	// The lock, idempotency, OTP, and rate-limit stores all share one Redis
	// connection; without Redis every concern degrades to its in-process
	// implementation, which is only safe for a single instance.
	redisClient, redisCloser := buildRedisClient(ctx, cfg.Redis, logger)
	if redisCloser != nil {
		defer redisCloser()
	}

	var (
		locker    lock.Locker
		idemStore idempotency.Store
		otpStore  otp.Store
		limiter   ratelimit.Limiter
	)
	if redisClient != nil {
		locker = lock.NewRedisLocker(redisClient)
		idemStore = idempotency.NewRedisStore(redisClient)
		otpStore = otp.NewRedisStore(redisClient)
		limiter = ratelimit.NewRedisLimiter(redisClient, cfg.RateLimit.RequestsPerMinute)
	} else {
		locker = lock.NewMemoryLocker()
		idemStore = idempotency.NewMemoryStore()
		otpStore = otp.NewMemoryStore()
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimit.RequestsPerMinute)
	}
	if !cfg.RateLimit.Enabled {
		limiter = nil
	}

	otpService := otp.NewService(otpStore, cfg.OTP.DefaultTTL, cfg.OTP.MaxAttempts, cfg.OTP.LockDuration)

	renderer := pipeline.NewHTTPRenderer(cfg.Renderer.BaseURL, cfg.Renderer.Timeout)
	storage := pipeline.NewHTTPStorage(cfg.Storage.BaseURL, cfg.Storage.Timeout)
	finalizer := pipeline.NewFinalizer(engine, locker, renderer, storage, pipeline.Options{
		LockTTL:        cfg.Lock.TTL,
		LockRetries:    cfg.Lock.AcquireRetries,
		LockRetryDelay: cfg.Lock.RetryDelay,
		RenderAttempts: cfg.Renderer.MaxAttempts,
	}, logger, metrics)

	dispatcher := webhook.NewDispatcher(webhook.Options{
		QueueSize:    cfg.Webhooks.QueueSize,
		Timeout:      cfg.Webhooks.Timeout,
		MaxAttempts:  cfg.Webhooks.MaxAttempts,
		RetryBackoff: cfg.Webhooks.RetryBackoff,
	}, logger, metrics)
	dispatcher.Start(ctx)
	defer dispatcher.Stop()

	svc := orchestrate.NewService(orchestrate.Deps{
		Engine:     engine,
		Tokens:     tokens,
		OTP:        otpService,
		Idem:       idemStore,
		Limiter:    limiter,
		Finalizer:  finalizer,
		Storage:    storage,
		Notifier:   notify.NewLogNotifier(logger),
		Auditor:    notify.NewLogAuditor(logger),
		Webhooks:   dispatcher,
		Logger:     logger,
		Metrics:    metrics,
		IdemTTL:    cfg.Idempotency.TTL,
		PresignTTL: cfg.Storage.PresignTTL,
		OTPTTL:     cfg.OTP.DefaultTTL,
	})

	router := transport.NewRouter(transport.Dependencies{
		Config:  cfg,
		Service: svc,
		Logger:  logger,
		Metrics: metrics,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()
	go runExpirySweeper(bgCtx, svc, cfg.Signing.ExpirySweepEvery, logger)

	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("document_store", cfg.Documents.Driver),
		zap.Bool("redis", redisClient != nil),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	bgCancel()
	dispatcher.Stop()

	logger.Info("shutdown complete")
	return 0
}

// buildDocumentStore creates the document store based on config.
func buildDocumentStore(ctx context.Context, cfg config.DocumentStoreConfig, logger *zap.Logger) (document.Store, func(), error) {
	switch cfg.Driver {
	case "memory":
		logger.Info("using in-memory document store")
		return document.NewMemoryStore(), nil, nil
	case "postgres":
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, nil, fmt.Errorf("document store: %s environment variable not set", cfg.DSNEnv)
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("document store: parse DSN: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.MaxConns)
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("document store: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("document store: ping: %w", err)
		}
		return document.NewPgStore(pool), pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported document store driver: %q", cfg.Driver)
	}
}

// buildRedisClient connects to Redis when enabled. Returns nil when the
// in-process fallbacks should be used instead.
func buildRedisClient(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) (*redis.Client, func()) {
	if !cfg.Enabled {
		logger.Info("redis disabled, using in-process stores")
		return nil, nil
	}
	addr := os.Getenv(cfg.AddrEnv)
	if addr == "" {
		logger.Warn("redis address not configured, using in-process stores",
			zap.String("env", cfg.AddrEnv))
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.DB})
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis unreachable, using in-process stores", zap.Error(err))
		client.Close()
		return nil, nil
	}
	return client, func() { client.Close() }
}

// runExpirySweeper periodically expires documents past their hard expiry.
func runExpirySweeper(ctx context.Context, svc *orchestrate.Service, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := svc.RunExpirySweep(ctx, time.Now().UTC()); err != nil {
				logger.Error("expiry sweep failed", zap.Error(err))
			}
		}
	}
}
