package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/tillpoint/possync/internal/models"
)

// MetricsCollector provides hooks for observability. Implementations must be
// safe for concurrent use.
type MetricsCollector interface {
	RecordSyncDuration(syncType models.SyncType, d time.Duration)
	RecordSyncOutcome(syncType models.SyncType, status models.SyncStatus)
	RecordConflicts(syncType models.SyncType, count int)
	RecordRetryScheduled(syncType models.SyncType, attempt int)
	RecordFinalFailure(syncType models.SyncType)
}

// NoopMetricsCollector discards all metrics.
type NoopMetricsCollector struct{}

func (*NoopMetricsCollector) RecordSyncDuration(models.SyncType, time.Duration) {}
func (*NoopMetricsCollector) RecordSyncOutcome(models.SyncType, models.SyncStatus) {
}
func (*NoopMetricsCollector) RecordConflicts(models.SyncType, int)      {}
func (*NoopMetricsCollector) RecordRetryScheduled(models.SyncType, int) {}
func (*NoopMetricsCollector) RecordFinalFailure(models.SyncType)        {}

// LogMetricsCollector emits each metric as a structured log line.
type LogMetricsCollector struct {
	logger *slog.Logger
}

func NewLogMetricsCollector(logger *slog.Logger) *LogMetricsCollector {
	return &LogMetricsCollector{logger: logger}
}

func (c *LogMetricsCollector) RecordSyncDuration(syncType models.SyncType, d time.Duration) {
	c.logger.Debug("sync duration", "sync_type", syncType, "duration_ms", d.Milliseconds())
}

func (c *LogMetricsCollector) RecordSyncOutcome(syncType models.SyncType, status models.SyncStatus) {
	c.logger.Info("sync outcome", "sync_type", syncType, "status", status)
}

func (c *LogMetricsCollector) RecordConflicts(syncType models.SyncType, count int) {
	c.logger.Info("sync conflicts detected", "sync_type", syncType, "count", count)
}

func (c *LogMetricsCollector) RecordRetryScheduled(syncType models.SyncType, attempt int) {
	c.logger.Warn("sync retry scheduled", "sync_type", syncType, "attempt", attempt)
}

func (c *LogMetricsCollector) RecordFinalFailure(syncType models.SyncType) {
	c.logger.Error("sync final failure", "sync_type", syncType)
}

// Alerter surfaces final failures of critical sync types to operators.
type Alerter interface {
	CriticalSyncFailed(ctx context.Context, record *models.SyncRecord, cause error)
}

// LogAlerter raises alerts as error-level log lines.
type LogAlerter struct {
	logger *slog.Logger
}

func NewLogAlerter(logger *slog.Logger) *LogAlerter {
	return &LogAlerter{logger: logger}
}

func (a *LogAlerter) CriticalSyncFailed(ctx context.Context, record *models.SyncRecord, cause error) {
	a.logger.Error("critical sync failed",
		"sync_record_id", record.ID,
		"store_id", record.StoreID,
		"sync_type", record.SyncType,
		"idempotency_key", record.IdempotencyKey,
		"retry_count", record.RetryCount,
		"error", cause,
	)
}

// Scheduler defers a unit of work. Retries are scheduled through it rather
// than blocking the caller.
type Scheduler interface {
	Schedule(delay time.Duration, fn func(ctx context.Context))
}

// TimerScheduler runs deferred work on its own goroutine after the delay.
type TimerScheduler struct{}

func (TimerScheduler) Schedule(delay time.Duration, fn func(ctx context.Context)) {
	time.AfterFunc(delay, func() {
		fn(context.Background())
	})
}

// Archiver persists records removed by cleanup to long-term storage.
type Archiver interface {
	Archive(ctx context.Context, records []*models.SyncRecord) (location string, err error)
}
