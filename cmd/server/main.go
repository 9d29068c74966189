package main

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mpesapay/internal/config"
	"mpesapay/internal/handler"
	"mpesapay/internal/infrastructure/cache"
	"mpesapay/internal/infrastructure/database"
	"mpesapay/internal/infrastructure/lock"
	"mpesapay/internal/infrastructure/logging"
	"mpesapay/internal/infrastructure/mq"
	"mpesapay/internal/job"
	"mpesapay/internal/provider/mpesa"
	"mpesapay/internal/repository"
	"mpesapay/internal/repository/memory"
	"mpesapay/internal/service"
	"mpesapay/pkg/idgen"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/config.yaml"
	}
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) (err error) {
	if err := cfg.Mpesa.Validate(); err != nil {
		return err
	}
	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required")
	}
	if err := idgen.Init(1); err != nil {
		return err
	}

	// ---- storage ----
	var (
		store repository.Store
		db    *gorm.DB
	)
	switch cfg.Database.Driver {
	case "memory":
		logger.Warn("using in-memory store, data is lost on restart")
		store = memory.NewStore()
	default:
		db, err = database.InitMySQL(&cfg.Database, logger)
		if err != nil {
			return err
		}
		defer database.Close(db)
		store = repository.NewGormStore(db)
	}

	// ---- redis: wallet lock + shared token cache ----
	var (
		rdb    *redis.Client
		locker lock.Locker = lock.NewLocalLocker()
	)
	if cfg.Redis.Enabled {
		client, err := cache.InitRedis(&cfg.Redis, logger)
		if err != nil {
			return err
		}
		defer client.Close()
		rdb = client
		locker = lock.NewRedisLocker(client)
	} else {
		logger.Warn("redis disabled, wallet locks are process local")
	}

	// ---- kafka ----
	var publisher mq.Publisher
	if cfg.Kafka.Enabled {
		kp, err := mq.InitKafka(&cfg.Kafka, logger)
		if err != nil {
			return err
		}
		publisher = kp
	} else {
		logger.Warn("kafka disabled, outbox events are only logged")
		publisher = mq.NewLogPublisher(logger)
	}
	defer publisher.Close()

	// ---- provider ----
	var cert *x509.Certificate
	if cfg.Mpesa.CertificatePath != "" {
		if cert, err = mpesa.LoadCertificate(cfg.Mpesa.CertificatePath); err != nil {
			return err
		}
	} else {
		logger.Warn("no provider certificate, refund payouts and balance queries are unavailable")
	}
	tokens := mpesa.NewTokenProvider(cfg.Mpesa.APIBaseURL(), cfg.Mpesa.ConsumerKey, cfg.Mpesa.ConsumerSecret,
		cfg.Mpesa.TokenExpirySkew, &http.Client{Timeout: cfg.Mpesa.RequestTimeout}, rdb, logger)
	client, err := mpesa.NewClient(cfg.Mpesa, tokens, cert, logger)
	if err != nil {
		return err
	}

	// ---- services ----
	topics := cfg.Kafka.Topic
	reconcile := service.NewReconcileService(store, client, topics, logger)
	payments := service.NewPaymentService(store, client, reconcile, cfg.Mpesa.Callbacks, logger)
	wallets := service.NewWalletService(store, locker, cfg.Business, topics, logger)
	refunds := service.NewRefundService(store, client, reconcile, locker, cfg.Business, topics, logger)
	webhooks := service.NewWebhookService(store, reconcile, cfg.Business.WebhookProcessTimeout, logger)
	admin := service.NewAdminService(store, client, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ---- background jobs ----
	outboxSender := job.NewOutboxSender(store, publisher, cfg.Business.OutboxPollInterval, cfg.Business.MaxRetryCount, logger)
	go outboxSender.Start(ctx)
	defer outboxSender.Stop()

	pendingJob := job.NewPendingReconcileJob(store, client, reconcile,
		cfg.Business.PendingReconcileInterval, cfg.Business.PendingReconcileAfter,
		cfg.Business.PendingReconcileBatchSize, logger)
	go pendingJob.Start(ctx)
	defer pendingJob.Stop()

	limiter := handler.NewRateLimiter(cfg.Server.RateLimitRPS, cfg.Server.RateBurst, 3*time.Minute)
	go limiter.Run(ctx)

	router := handler.SetupRouter(handler.RouterDeps{
		Handler:     handler.NewHandler(payments, wallets, refunds, logger),
		Admin:       handler.NewAdminHandler(admin, refunds, logger),
		Webhooks:    handler.NewWebhookHandler(webhooks, logger),
		RateLimiter: limiter,
		JWTSecret:   cfg.Auth.JWTSecret,
		Mode:        cfg.Server.Mode,
		Logger:      logger,
		Health:      healthCheck(db, rdb),
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.Int("port", cfg.Server.Port), zap.String("environment", cfg.Mpesa.Environment))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	// stop accepting work before the jobs and stores go away
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", zap.Error(err))
	}
	cancel()

	logger.Info("server stopped")
	return nil
}

func healthCheck(db *gorm.DB, rdb *redis.Client) func() error {
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if db != nil {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			if err := sqlDB.PingContext(ctx); err != nil {
				return fmt.Errorf("database: %w", err)
			}
		}
		if rdb != nil {
			if err := rdb.Ping(ctx).Err(); err != nil {
				return fmt.Errorf("redis: %w", err)
			}
		}
		return nil
	}
}
