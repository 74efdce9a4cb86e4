package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/tillpoint/possync/internal/config"
	"github.com/tillpoint/possync/internal/models"
	"github.com/tillpoint/possync/internal/payloads"
	"github.com/tillpoint/possync/internal/repositories"
	"github.com/tillpoint/possync/internal/syncerr"
)

// ResultRetryScheduled acknowledges that a transient failure was absorbed and
// a retry is queued; the caller gets no guarantee of immediate resolution.
const ResultRetryScheduled = "retry_scheduled"

// criticalSyncTypes get an operator alert when they fail terminally.
var criticalSyncTypes = map[models.SyncType]bool{
	models.SyncTypeOrder:     true,
	models.SyncTypePayment:   true,
	models.SyncTypeInventory: true,
}

// ReliabilityService wraps the sync engine with retry classification,
// exponential backoff, bulk recovery, queue draining, and cleanup.
type ReliabilityService struct {
	engine    *SyncService
	records   repositories.SyncRecordRepository
	queue     repositories.SyncQueueRepository
	scheduler Scheduler
	metrics   MetricsCollector
	alerter   Alerter
	archiver  Archiver
	cfg       config.SyncConfig
	logger    *slog.Logger
}

func NewReliabilityService(
	engine *SyncService,
	records repositories.SyncRecordRepository,
	queue repositories.SyncQueueRepository,
	scheduler Scheduler,
	metrics MetricsCollector,
	alerter Alerter,
	archiver Archiver,
	cfg config.SyncConfig,
	logger *slog.Logger,
) *ReliabilityService {
	if metrics == nil {
		metrics = &NoopMetricsCollector{}
	}
	return &ReliabilityService{
		engine:    engine,
		records:   records,
		queue:     queue,
		scheduler: scheduler,
		metrics:   metrics,
		alerter:   alerter,
		archiver:  archiver,
		cfg:       cfg,
		logger:    logger,
	}
}

// Submit runs a sync through the engine with automatic retry on transient
// failures. Validation, domain, and unsupported-operation errors propagate
// immediately; transient errors return a retry_scheduled result instead.
func (s *ReliabilityService) Submit(ctx context.Context, actor models.Actor, req payloads.SyncRequest) (*SyncResult, error) {
	result, err := s.engine.ProcessSync(ctx, actor, req)
	if err == nil {
		return result, nil
	}
	return s.handleFailure(ctx, actor, req.IdempotencyKey, 1, err)
}

// Backoff computes the delay before the given attempt (1-based):
// min(maxDelay, base * multiplier^(attempt-1)), with ±10% jitter so
// synchronized clients do not retry in lockstep.
func (s *ReliabilityService) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(s.cfg.BaseRetryDelay) * math.Pow(s.cfg.BackoffMultiplier, float64(attempt-1))
	if max := float64(s.cfg.MaxRetryDelay); delay > max {
		delay = max
	}
	jitter := delay * 0.1 * (rand.Float64()*2 - 1)
	return time.Duration(delay + jitter)
}

func (s *ReliabilityService) handleFailure(ctx context.Context, actor models.Actor, key string, attempt int, cause error) (*SyncResult, error) {
	record, lookupErr := s.records.GetByKey(ctx, actor.StoreID, key)
	if lookupErr != nil && !errors.Is(lookupErr, repositories.ErrNotFound) {
		return nil, lookupErr
	}

	if !syncerr.IsTransient(cause) || attempt >= s.cfg.MaxRetries {
		s.finalizeFailure(ctx, record, cause)
		return nil, cause
	}

	delay := s.Backoff(attempt)
	if record != nil {
		now := time.Now()
		record.RetryCount = attempt
		record.LastRetryAt = &now
		if err := s.records.Update(ctx, record); err != nil {
			s.logger.Error("failed to update retry metadata", "sync_record_id", record.ID, "error", err)
		}
	}
	s.metrics.RecordRetryScheduled(syncTypeOf(record), attempt+1)
	s.logger.Warn("sync retry scheduled",
		"idempotency_key", key, "attempt", attempt+1, "delay", delay, "error", cause)

	s.scheduler.Schedule(delay, func(retryCtx context.Context) {
		s.retry(retryCtx, actor, key, attempt+1)
	})

	return &SyncResult{
		Status:  ResultRetryScheduled,
		Message: fmt.Sprintf("transient failure; retry %d scheduled in %s", attempt+1, delay.Round(time.Millisecond)),
	}, nil
}

// retry re-invokes processing for the record behind the key. The record is
// reprocessed directly; the public entry point's duplicate guard would
// otherwise short-circuit its own retry.
func (s *ReliabilityService) retry(ctx context.Context, actor models.Actor, key string, attempt int) {
	record, err := s.records.GetByKey(ctx, actor.StoreID, key)
	if err != nil {
		s.logger.Error("retry lookup failed", "idempotency_key", key, "error", err)
		return
	}
	if record.Status == models.SyncStatusCompleted || record.Status == models.SyncStatusConflict {
		return
	}

	if _, err := s.engine.Reprocess(ctx, record); err != nil {
		if _, ferr := s.handleFailure(ctx, actor, key, attempt, err); ferr != nil {
			s.logger.Error("sync retry failed", "idempotency_key", key, "attempt", attempt, "error", ferr)
		}
	}
}

func (s *ReliabilityService) finalizeFailure(ctx context.Context, record *models.SyncRecord, cause error) {
	syncType := syncTypeOf(record)
	s.metrics.RecordFinalFailure(syncType)
	if record == nil {
		return
	}
	if criticalSyncTypes[record.SyncType] && s.alerter != nil {
		s.alerter.CriticalSyncFailed(ctx, record, cause)
	}
}

// RecoveryReport summarizes a bulk recovery sweep.
type RecoveryReport struct {
	TotalFailed int `json:"total_failed"`
	Recovered   int `json:"recovered"`
	StillFailed int `json:"still_failed"`
}

// RecoverFailedSyncs resets recent failed records below the retry ceiling back
// to pending and reprocesses each.
func (s *ReliabilityService) RecoverFailedSyncs(ctx context.Context, syncType *models.SyncType, maxAge time.Duration) (*RecoveryReport, error) {
	if maxAge <= 0 {
		maxAge = s.cfg.RecoveryMaxAge
	}
	since := time.Now().Add(-maxAge)

	failed, err := s.records.ListFailed(ctx, syncType, since, s.cfg.MaxRetries)
	if err != nil {
		return nil, err
	}

	report := &RecoveryReport{TotalFailed: len(failed)}
	for _, record := range failed {
		record.Status = models.SyncStatusPending
		record.ErrorMessage = nil
		if err := s.records.Update(ctx, record); err != nil {
			s.logger.Error("failed to reset sync record", "sync_record_id", record.ID, "error", err)
			report.StillFailed++
			continue
		}

		if _, err := s.engine.Reprocess(ctx, record); err != nil {
			report.StillFailed++
			continue
		}
		report.Recovered++
	}

	s.logger.Info("failed sync recovery finished",
		"total_failed", report.TotalFailed, "recovered", report.Recovered, "still_failed", report.StillFailed)
	return report, nil
}

// QueueReport summarizes one queue drain.
type QueueReport struct {
	Processed             int     `json:"processed"`
	Failed                int     `json:"failed"`
	ProcessingTimeSeconds float64 `json:"processing_time_seconds"`
}

// ProcessQueue drains a bounded batch of ready queue items in priority order.
// Individual item failures are recorded without aborting the batch.
func (s *ReliabilityService) ProcessQueue(ctx context.Context, batchSize int) (*QueueReport, error) {
	if batchSize <= 0 {
		batchSize = s.cfg.QueueBatchSize
	}
	start := time.Now()

	items, err := s.queue.ClaimBatch(ctx, batchSize)
	if err != nil {
		return nil, err
	}

	report := &QueueReport{}
	for _, item := range items {
		if err := s.processQueueItem(ctx, item); err != nil {
			report.Failed++
			if qerr := s.queue.MarkFailed(ctx, item.ID, err.Error()); qerr != nil {
				s.logger.Error("failed to mark queue item failed", "queue_item_id", item.ID, "error", qerr)
			}
			continue
		}
		report.Processed++
		if qerr := s.queue.MarkCompleted(ctx, item.ID); qerr != nil {
			s.logger.Error("failed to mark queue item completed", "queue_item_id", item.ID, "error", qerr)
		}
	}

	report.ProcessingTimeSeconds = time.Since(start).Seconds()
	s.logger.Info("queue drain finished",
		"processed", report.Processed, "failed", report.Failed, "seconds", report.ProcessingTimeSeconds)
	return report, nil
}

func (s *ReliabilityService) processQueueItem(ctx context.Context, item *models.SyncQueueItem) error {
	actor := models.Actor{StoreID: item.StoreID}
	req := payloads.SyncRequest{
		// Queue items carry no client key; derive a stable one so a re-drained
		// item cannot apply twice.
		IdempotencyKey: fmt.Sprintf("queue-%s", item.ID),
		SyncType:       item.SyncType,
		Operation:      item.Operation,
		EntityType:     string(item.SyncType),
		Data:           item.Data,
	}

	result, err := s.Submit(ctx, actor, req)
	if err != nil {
		return err
	}
	if result.Status == ResultConflict {
		return fmt.Errorf("queue item %s ended in conflict", item.ID)
	}
	return nil
}

// CleanupReport summarizes one retention sweep.
type CleanupReport struct {
	RecordsDeleted    int64  `json:"records_deleted"`
	QueueItemsDeleted int64  `json:"queue_items_deleted"`
	RecordsArchived   int    `json:"records_archived"`
	ArchiveLocation   string `json:"archive_location,omitempty"`
}

// Cleanup deletes completed records and queue items past the retention window
// and archives old failed/conflict records for audit before removing them.
func (s *ReliabilityService) Cleanup(ctx context.Context) (*CleanupReport, error) {
	cutoff := time.Now().AddDate(0, 0, -s.cfg.RetentionDays)
	report := &CleanupReport{}

	deleted, err := s.records.DeleteCompletedBefore(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	report.RecordsDeleted = deleted

	queueDeleted, err := s.queue.DeleteCompletedBefore(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	report.QueueItemsDeleted = queueDeleted

	if s.archiver == nil {
		// Failed/conflict records stay until an archive target is configured.
		return report, nil
	}

	archivable, err := s.records.ListArchivable(ctx, cutoff, 1000)
	if err != nil {
		return nil, err
	}
	if len(archivable) == 0 {
		return report, nil
	}

	location, err := s.archiver.Archive(ctx, archivable)
	if err != nil {
		return nil, fmt.Errorf("failed to archive sync records: %w", err)
	}
	report.ArchiveLocation = location

	ids := make([]uuid.UUID, 0, len(archivable))
	for _, record := range archivable {
		ids = append(ids, record.ID)
	}
	if _, err := s.records.DeleteByIDs(ctx, ids); err != nil {
		return nil, err
	}
	report.RecordsArchived = len(archivable)

	s.logger.Info("sync cleanup finished",
		"records_deleted", report.RecordsDeleted,
		"queue_items_deleted", report.QueueItemsDeleted,
		"records_archived", report.RecordsArchived)
	return report, nil
}

// GetHealthMetrics summarizes sync history over the window for dashboards.
func (s *ReliabilityService) GetHealthMetrics(ctx context.Context, storeID *uuid.UUID, window time.Duration) (*models.SyncHealthMetrics, error) {
	if window <= 0 {
		window = 24 * time.Hour
	}
	return s.records.HealthMetrics(ctx, storeID, time.Now().Add(-window))
}

func syncTypeOf(record *models.SyncRecord) models.SyncType {
	if record == nil {
		return ""
	}
	return record.SyncType
}
