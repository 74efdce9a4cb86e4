package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/tillpoint/possync/internal/archive"
	"github.com/tillpoint/possync/internal/config"
	"github.com/tillpoint/possync/internal/database"
	"github.com/tillpoint/possync/internal/handlers"
	"github.com/tillpoint/possync/internal/repositories"
	"github.com/tillpoint/possync/internal/services"
)

func main() {
	ctx := context.Background()

	godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	// Initialize database connections
	postgresPool, err := database.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to create postgres pool: %v", err)
	}
	defer postgresPool.Close()

	redisClient, err := database.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		log.Fatalf("Failed to create redis client: %v", err)
	}
	defer redisClient.Close()

	// Repositories
	syncRecords := repositories.NewPostgresSyncRecordRepository(postgresPool)
	syncQueue := repositories.NewPostgresSyncQueueRepository(postgresPool)
	orders := repositories.NewPostgresOrderRepository(postgresPool)
	payments := repositories.NewPostgresPaymentRepository(postgresPool)
	inventory := repositories.NewPostgresInventoryRepository(postgresPool)
	products := repositories.NewPostgresProductRepository(postgresPool)
	members := repositories.NewPostgresMemberRepository(postgresPool)
	idempotencyCache := repositories.NewRedisIdempotencyCache(redisClient, cfg.Sync.IdempotencyTTL)

	// Services
	validator := services.NewValidator(orders, payments, inventory, products, members)
	resolver := services.NewConflictResolver(orders, payments, inventory)
	metrics := services.NewLogMetricsCollector(logger)
	engine := services.NewSyncService(syncRecords, idempotencyCache, orders, payments, inventory,
		validator, resolver, metrics, logger)

	var archiver services.Archiver
	if cfg.S3.Bucket != "" {
		s3Archiver, err := archive.NewS3Archiver(ctx, cfg.S3)
		if err != nil {
			log.Fatalf("Failed to create S3 archiver: %v", err)
		}
		archiver = s3Archiver
	}

	reliability := services.NewReliabilityService(engine, syncRecords, syncQueue,
		services.TimerScheduler{}, metrics, services.NewLogAlerter(logger), archiver,
		cfg.Sync, logger)

	// Initialize HTTP Server
	router := chi.NewRouter()
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	// Health check endpoints
	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	syncHandler := handlers.NewSyncHandler(reliability, engine, syncQueue, logger)
	router.Route("/api/v1", func(r chi.Router) {
		r.Use(handlers.ActorMiddleware(cfg.JWTSecret))
		syncHandler.Routes(r)
	})

	// Start Server
	server := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.ServerPort),
		Handler: router,
	}

	// graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down server")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(ctx)
	}()

	logger.Info("starting server", "port", cfg.ServerPort)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatalf("Server error: %v", err)
	}

	logger.Info("server stopped gracefully")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
