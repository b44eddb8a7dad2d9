/**
 * @description
 * This is the main entry point for the payout-service. It is responsible for
 * initializing all components of the service, including configuration, database connection,
 * the bank rail client, message brokers, repositories, the core application services,
 * background workers and the HTTP server. It wires everything together and starts the service.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/go-chi/chi/v5: For HTTP routing.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/bankclient: Client for the banking rail API.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/finvela/payout-service/internal/api"
	"github.com/finvela/payout-service/internal/app"
	"github.com/finvela/payout-service/internal/config"
	"github.com/finvela/payout-service/internal/store"
	"github.com/finvela/payout-service/pkg/bankclient"
	rmrabbit "github.com/finvela/payout-service/pkg/rabbitmq"
)

func main() {
	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.InternalAPIKey) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"internal api key must be configured\" env=INTERNAL_API_KEY")
	}
	if strings.TrimSpace(cfg.WebhookSecret) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"webhook secret must be configured\" env=WEBHOOK_SECRET")
	}

	log.Printf("level=info component=bootstrap msg=\"starting payout-service\" port=%s rail=%s", cfg.ServerPort, cfg.RailName)

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}

	poolConfig.MaxConns = 50
	poolConfig.MinConns = 10
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	defer dbpool.Close()
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	// Initialize the RabbitMQ producer to publish events. Event publishing is
	// best-effort, so a broker outage degrades to the fallback publisher.
	var producer rmrabbit.Publisher
	rabbitProducer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		producer = &rmrabbit.EventProducerFallback{}
	} else {
		producer = rabbitProducer
		defer rabbitProducer.Close()
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	// Redis backs the webhook dedup cache and the webhook rate limiter. Both
	// are optional; the database remains the authoritative dedup check.
	var dedup app.DedupCache
	var rateLimiter *app.RedisRateLimiter
	if strings.TrimSpace(cfg.RedisURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"redis url missing; webhook dedup cache disabled\" env=REDIS_URL")
	} else {
		redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
		if parseErr != nil {
			log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; webhook dedup cache disabled\" err=%v", parseErr)
		} else {
			redisClient := redis.NewClient(redisOptions)
			pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelPing()
			if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis ping failed; webhook dedup cache disabled\" err=%v", pingErr)
				redisClient.Close()
			} else {
				defer redisClient.Close()
				dedup = app.NewRedisDedupCache(redisClient)
				rateLimiter = app.NewRedisRateLimiter(redisClient, "payout:rate_limit")
				log.Println("level=info component=bootstrap msg=\"redis connected\"")
			}
		}
	}

	// Initialize the data access layer (repository).
	repository := store.NewPostgresRepository(dbpool)

	// Initialize the bank rail client with its audit and dead-letter sinks.
	deadLetterSink := app.NewStoreDeadLetterSink(repository, producer)
	railClient := bankclient.NewClient(cfg.RailName, cfg.RailBaseURL, cfg.RailAPIKey, app.LogAuditSink{}, deadLetterSink)
	railClient.MaxAttempts = cfg.GatewayMaxAttempts

	// Initialize the core application services with their dependencies.
	ledger := app.NewLedger(repository)
	payoutService := app.NewService(repository, ledger, railClient, producer, cfg.MaxRetries)
	webhookService := app.NewWebhookService(repository, ledger, dedup, producer)

	slogger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	reconciler := app.NewReconciler(repository, producer, app.ReconcilerConfig{
		StuckAfter:   time.Duration(cfg.StuckThresholdMinutes) * time.Minute,
		DelayedAfter: time.Duration(cfg.DelayedThresholdMinutes) * time.Minute,
	}, slogger)

	// Background workers: the retry dispatcher and the reconciliation schedule.
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	dispatcher := app.NewDispatcher(repository, payoutService,
		time.Duration(cfg.DispatchIntervalSeconds)*time.Second, cfg.DispatchBatchSize)
	go dispatcher.Run(workerCtx)

	scheduler := app.NewScheduler(slogger)
	if err := scheduler.RegisterReconciliation(cfg.ReconciliationSchedule, reconciler, 10*time.Minute); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"reconciliation schedule invalid\" schedule=%q err=%v", cfg.ReconciliationSchedule, err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	// Initialize the API handlers and router.
	handlers := api.NewPayoutHandlers(payoutService, webhookService, reconciler, cfg.WebhookSecret)
	if rateLimiter != nil {
		handlers.WithWebhookRateLimit(rateLimiter, cfg.WebhookRateLimitPerMin)
	}
	router := api.PayoutRoutes(handlers, cfg.JWKSURL, cfg.InternalAPIKey)

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)

	server := &http.Server{
		Addr:    serverAddr,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	stopWorkers()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}
