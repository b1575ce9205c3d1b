/**
 * @description
 * This is the main entry point for the escrow-service. It loads configuration, connects the
 * ledger store, external clients and message broker, builds the escrow service, starts the
 * timeout sweep and deposit consumer, and serves the HTTP API until a shutdown signal.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: worker action rate limiting.
 * - github.com/joho/godotenv: local .env loading.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/rabbitmq, pkg/walletclient, pkg/rateclient: external integrations.
 */

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cryptopay/escrow-service/internal/api"
	"github.com/cryptopay/escrow-service/internal/app"
	"github.com/cryptopay/escrow-service/internal/config"
	"github.com/cryptopay/escrow-service/internal/domain"
	"github.com/cryptopay/escrow-service/internal/metrics"
	"github.com/cryptopay/escrow-service/internal/store"
	"github.com/cryptopay/escrow-service/pkg/logging"
	rmrabbit "github.com/cryptopay/escrow-service/pkg/rabbitmq"
	"github.com/cryptopay/escrow-service/pkg/rateclient"
	"github.com/cryptopay/escrow-service/pkg/walletclient"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const depositRoutingKey = "wallet.deposit.detected"

func main() {
	// Load .env file for local development. In production, env vars are set directly.
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(".")
	if err != nil {
		logrus.WithError(err).Fatal("config load failed")
	}

	logger := logging.NewLoggerWithService("escrow-service", cfg.LogLevel)
	bootLog := logger.WithField("component", "bootstrap")
	bootLog.WithField("port", cfg.ServerPort).Info("starting escrow-service")

	m := metrics.New()

	repository, closeStore := openStore(cfg, bootLog)
	defer closeStore()

	limiter := newRateLimiter(cfg, bootLog)

	publisher := newPublisher(cfg, logger, bootLog)
	defer publisher.Close()
	notifier := app.NewEventNotifier(publisher, cfg.EventExchange)

	walletClient := walletclient.NewClient(cfg.WalletServiceURL, cfg.WalletServiceAPIKey, logger, walletclient.Options{
		Observe: func(op string, d time.Duration) { m.ObserveWallet(op, d.Seconds()) },
	})

	fallbacks := map[string]decimal.Decimal{}
	if cfg.DefaultSOLRate > 0 {
		fallbacks[domain.CurrencySOL+"/"+cfg.FiatCurrency] = decimal.NewFromFloat(cfg.DefaultSOLRate)
	}
	if cfg.DefaultSOLUSDRate > 0 {
		fallbacks[domain.CurrencySOL+"/USD"] = decimal.NewFromFloat(cfg.DefaultSOLUSDRate)
	}
	rateClient := rateclient.NewClient(cfg.RateServiceURL, time.Duration(cfg.RateCacheTTLSeconds)*time.Second, fallbacks, logger)

	settings := app.DefaultSettings()
	settings.FiatCurrency = cfg.FiatCurrency
	settings.MarkupPercent = decimal.NewFromFloat(cfg.CommissionMarkupPercent)
	settings.WorkerPercent = decimal.NewFromFloat(cfg.WorkerCommissionPercent)
	settings.MinPaymentFiat = cfg.MinPaymentFiat
	settings.MaxPaymentFiat = cfg.MaxPaymentFiat
	settings.PaymentTimeout = time.Duration(cfg.PaymentTimeoutSeconds) * time.Second
	settings.PenaltyUSD = decimal.NewFromFloat(cfg.PenaltyAmountUSD)
	settings.WorkerActionsPerMinute = cfg.WorkerActionRateLimit
	settings.OperatorAddress = strings.TrimSpace(cfg.OperatorWallet)
	settings.OperatorKeyRef = strings.TrimSpace(cfg.OperatorKeyRef)
	settings.TestMode = cfg.TestMode
	if settings.OperatorAddress == "" {
		bootLog.Warn("operator wallet not configured; settlements will be refused")
	}

	escrowService := app.NewService(app.Dependencies{
		Repo:     repository,
		Wallet:   walletClient,
		Rates:    rateClient,
		Notifier: notifier,
		Limiter:  limiter,
		Metrics:  m,
		Logger:   logger,
	}, settings)

	// Validate already parsed both lists.
	adminIDs, _ := config.ParseIDList(cfg.AdminIDs)
	workerIDs, _ := config.ParseIDList(cfg.WorkerIDs)
	seedCtx, cancelSeed := context.WithTimeout(context.Background(), 10*time.Second)
	if err := escrowService.SeedRoles(seedCtx, adminIDs, workerIDs); err != nil {
		cancelSeed()
		bootLog.WithError(err).Fatal("seeding roles failed")
	}
	cancelSeed()
	bootLog.WithFields(logrus.Fields{"admins": len(adminIDs), "workers": len(workerIDs)}).Info("roles seeded")

	jobs := app.NewJobs(escrowService, logger.WithField("component", "jobs"), 0)
	scheduler := app.NewScheduler(jobs, logger, cfg.TimeoutSweepSchedule)
	if err := scheduler.Start(); err != nil {
		bootLog.WithError(err).Fatal("scheduler start failed")
	}

	var depositConsumer *rmrabbit.Consumer
	if strings.TrimSpace(cfg.RabbitMQURL) != "" {
		depositConsumer, err = rmrabbit.NewConsumer(cfg.RabbitMQURL, logger, rmrabbit.ConsumerOptions{
			DeadLetterExchange: cfg.EventExchange + ".dlx",
		})
		if err != nil {
			bootLog.WithError(err).Warn("rabbitmq consumer unavailable; deposits will not be credited")
		} else {
			handler := app.NewDepositConsumer(escrowService, logger)
			bindings := map[string]rmrabbit.Handler{depositRoutingKey: handler.HandleMessage}
			if err := depositConsumer.ConsumeWithBindings(cfg.EventExchange, cfg.DepositEventQueue, bindings); err != nil {
				bootLog.WithError(err).Fatal("deposit consumer start failed")
			}
		}
	}

	handlers := api.NewEscrowHandlers(escrowService, logger)
	auth := api.AuthMiddleware([]byte(cfg.JWTSecret), escrowService, logger)

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	server := &http.Server{
		Addr:              serverAddr,
		Handler:           api.EscrowRoutes(handlers, auth, m),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.WithFields(logrus.Fields{"component": "http", "addr": serverAddr}).Info("server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithField("component", "http").WithError(err).Fatal("server stopped unexpectedly")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.WithField("component", "http").Info("shutdown started")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.WithField("component", "http").WithError(err).Error("shutdown failed")
	}
	<-scheduler.Stop().Done()
	if depositConsumer != nil {
		depositConsumer.Close()
	}

	logger.WithField("component", "http").Info("shutdown complete")
}

func openStore(cfg config.Config, log *logrus.Entry) (store.Repository, func()) {
	if cfg.StoreDriver == config.StoreDriverMemory {
		log.Warn("using in-memory store; state is lost on restart")
		return store.NewMemoryRepository(), func() {}
	}

	if cfg.RunMigrations {
		if err := store.RunMigrations(cfg.DatabaseURL); err != nil {
			log.WithError(err).Fatal("database migrations failed")
		}
		log.Info("database migrations applied")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.WithError(err).Fatal("database url parse failed")
	}
	poolConfig.MaxConns = 50
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	// Disable prepared statement caching to prevent conflicts behind poolers.
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.WithError(err).Fatal("database connection failed")
	}
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := dbpool.Ping(pingCtx); err != nil {
		log.WithError(err).Fatal("database ping failed")
	}
	log.Info("database connected")
	return store.NewPostgresRepository(dbpool), dbpool.Close
}

func newRateLimiter(cfg config.Config, log *logrus.Entry) app.RateLimiter {
	if cfg.WorkerActionRateLimit <= 0 {
		return nil
	}
	if cfg.RedisURL == "" {
		log.Warn("redis url missing; using in-process rate limiter")
		return app.NewMemoryRateLimiter(nil)
	}
	redisOptions, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.WithError(err).Warn("redis url parse failed; using in-process rate limiter")
		return app.NewMemoryRateLimiter(nil)
	}
	client := redis.NewClient(redisOptions)
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.WithError(err).Warn("redis ping failed; using in-process rate limiter")
		client.Close()
		return app.NewMemoryRateLimiter(nil)
	}
	log.Info("redis connected")
	return app.NewRedisRateLimiter(client, cfg.RedisRateLimitPrefix)
}

func newPublisher(cfg config.Config, logger *logrus.Logger, log *logrus.Entry) rmrabbit.Publisher {
	fallback := &rmrabbit.EventProducerFallback{Log: logger.WithField("component", "rabbitmq_fallback")}
	if strings.TrimSpace(cfg.RabbitMQURL) == "" {
		log.Warn("rabbitmq url missing; notifications will only be logged")
		return fallback
	}
	producer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL, logger)
	if err != nil {
		log.WithError(err).Warn("rabbitmq producer unavailable; using fallback")
		return fallback
	}
	log.Info("rabbitmq producer connected")
	return producer
}
