// possync-admin is the operator CLI for the sync reliability layer: bulk
// recovery of failed syncs, queue draining, retention cleanup, and health
// metrics.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/tillpoint/possync/internal/archive"
	"github.com/tillpoint/possync/internal/config"
	"github.com/tillpoint/possync/internal/database"
	"github.com/tillpoint/possync/internal/models"
	"github.com/tillpoint/possync/internal/repositories"
	"github.com/tillpoint/possync/internal/services"
)

func main() {
	root := &cobra.Command{
		Use:           "possync-admin",
		Short:         "Operator tooling for the possync reliability layer",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(recoverCmd(), drainCmd(), cleanupCmd(), healthCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func recoverCmd() *cobra.Command {
	var syncType string
	var maxAgeHours int

	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Reset recent failed syncs to pending and reprocess them",
		RunE: func(cmd *cobra.Command, args []string) error {
			reliability, cleanup, err := buildReliability(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			var filter *models.SyncType
			if syncType != "" {
				t := models.SyncType(syncType)
				filter = &t
			}
			report, err := reliability.RecoverFailedSyncs(cmd.Context(), filter, time.Duration(maxAgeHours)*time.Hour)
			if err != nil {
				return err
			}
			return printJSON(report)
		},
	}
	cmd.Flags().StringVar(&syncType, "type", "", "limit recovery to one sync type (order, payment, inventory, ...)")
	cmd.Flags().IntVar(&maxAgeHours, "max-age-hours", 24, "only recover failures younger than this")
	return cmd
}

func drainCmd() *cobra.Command {
	var batchSize int

	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Process a batch of pending sync queue items",
		RunE: func(cmd *cobra.Command, args []string) error {
			reliability, cleanup, err := buildReliability(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			report, err := reliability.ProcessQueue(cmd.Context(), batchSize)
			if err != nil {
				return err
			}
			return printJSON(report)
		},
	}
	cmd.Flags().IntVar(&batchSize, "batch-size", 50, "maximum items to claim")
	return cmd
}

func cleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Delete completed records past retention and archive old failures",
		RunE: func(cmd *cobra.Command, args []string) error {
			reliability, cleanup, err := buildReliability(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			report, err := reliability.Cleanup(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(report)
		},
	}
}

func healthCmd() *cobra.Command {
	var storeID string
	var hours int

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Show sync health metrics for the window",
		RunE: func(cmd *cobra.Command, args []string) error {
			reliability, cleanup, err := buildReliability(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			var store *uuid.UUID
			if storeID != "" {
				id, err := uuid.Parse(storeID)
				if err != nil {
					return fmt.Errorf("invalid store id: %w", err)
				}
				store = &id
			}
			metrics, err := reliability.GetHealthMetrics(cmd.Context(), store, time.Duration(hours)*time.Hour)
			if err != nil {
				return err
			}
			return printJSON(metrics)
		},
	}
	cmd.Flags().StringVar(&storeID, "store", "", "limit metrics to one store")
	cmd.Flags().IntVar(&hours, "hours", 24, "metrics window in hours")
	return cmd
}

func buildReliability(ctx context.Context) (*services.ReliabilityService, func(), error) {
	godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	pool, err := database.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	redisClient, err := database.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	cleanup := func() {
		redisClient.Close()
		pool.Close()
	}

	syncRecords := repositories.NewPostgresSyncRecordRepository(pool)
	syncQueue := repositories.NewPostgresSyncQueueRepository(pool)
	orders := repositories.NewPostgresOrderRepository(pool)
	payments := repositories.NewPostgresPaymentRepository(pool)
	inventory := repositories.NewPostgresInventoryRepository(pool)
	products := repositories.NewPostgresProductRepository(pool)
	members := repositories.NewPostgresMemberRepository(pool)
	cache := repositories.NewRedisIdempotencyCache(redisClient, cfg.Sync.IdempotencyTTL)

	validator := services.NewValidator(orders, payments, inventory, products, members)
	resolver := services.NewConflictResolver(orders, payments, inventory)
	engine := services.NewSyncService(syncRecords, cache, orders, payments, inventory,
		validator, resolver, nil, logger)

	var archiver services.Archiver
	if cfg.S3.Bucket != "" {
		s3Archiver, err := archive.NewS3Archiver(ctx, cfg.S3)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		archiver = s3Archiver
	}

	reliability := services.NewReliabilityService(engine, syncRecords, syncQueue,
		services.TimerScheduler{}, nil, services.NewLogAlerter(logger), archiver,
		cfg.Sync, logger)
	return reliability, cleanup, nil
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
