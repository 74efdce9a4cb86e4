package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tillpoint/possync/internal/models"
)

const uniqueViolationCode = "23505"

type PostgresSyncRecordRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresSyncRecordRepository(pool *pgxpool.Pool) *PostgresSyncRecordRepository {
	return &PostgresSyncRecordRepository{pool: pool}
}

const syncRecordColumns = `id, store_id, user_id, idempotency_key, sync_type, operation, entity_type,
	entity_id, payload, status, conflicts, error_message, retry_count, last_retry_at,
	completed_at, created_at, updated_at`

func (r *PostgresSyncRecordRepository) Create(ctx context.Context, record *models.SyncRecord) error {
	conflicts, err := marshalConflicts(record.Conflicts)
	if err != nil {
		return err
	}

	query := `INSERT INTO sync_records (store_id, user_id, idempotency_key, sync_type, operation,
	              entity_type, entity_id, payload, status, conflicts, retry_count)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	          RETURNING id, created_at`

	err = r.pool.QueryRow(ctx, query,
		record.StoreID,
		record.UserID,
		record.IdempotencyKey,
		record.SyncType,
		record.Operation,
		record.EntityType,
		record.EntityID,
		record.Payload,
		record.Status,
		conflicts,
		record.RetryCount,
	).Scan(&record.ID, &record.CreatedAt)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
		return ErrDuplicateKey
	}
	if err != nil {
		return fmt.Errorf("failed to create sync record: %w", err)
	}
	return nil
}

func (r *PostgresSyncRecordRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.SyncRecord, error) {
	query := `SELECT ` + syncRecordColumns + ` FROM sync_records WHERE id = $1`
	return r.scanOne(r.pool.QueryRow(ctx, query, id))
}

func (r *PostgresSyncRecordRepository) GetByKey(ctx context.Context, storeID uuid.UUID, key string) (*models.SyncRecord, error) {
	query := `SELECT ` + syncRecordColumns + ` FROM sync_records
	          WHERE store_id = $1 AND idempotency_key = $2`
	return r.scanOne(r.pool.QueryRow(ctx, query, storeID, key))
}

func (r *PostgresSyncRecordRepository) Update(ctx context.Context, record *models.SyncRecord) error {
	conflicts, err := marshalConflicts(record.Conflicts)
	if err != nil {
		return err
	}

	query := `UPDATE sync_records
	          SET status = $1,
	              entity_id = $2,
	              conflicts = $3,
	              error_message = $4,
	              retry_count = $5,
	              last_retry_at = $6,
	              completed_at = $7,
	              updated_at = NOW()
	          WHERE id = $8
	          RETURNING updated_at`

	err = r.pool.QueryRow(ctx, query,
		record.Status,
		record.EntityID,
		conflicts,
		record.ErrorMessage,
		record.RetryCount,
		record.LastRetryAt,
		record.CompletedAt,
		record.ID,
	).Scan(&record.UpdatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to update sync record: %w", err)
	}
	return nil
}

func (r *PostgresSyncRecordRepository) ListFailed(ctx context.Context, syncType *models.SyncType, since time.Time, maxRetries int) ([]*models.SyncRecord, error) {
	query := `SELECT ` + syncRecordColumns + ` FROM sync_records
	          WHERE status = 'failed' AND created_at > $1 AND retry_count < $2`
	args := []any{since, maxRetries}
	if syncType != nil {
		query += ` AND sync_type = $3`
		args = append(args, *syncType)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query failed sync records: %w", err)
	}
	defer rows.Close()

	return r.scanAll(rows)
}

func (r *PostgresSyncRecordRepository) HealthMetrics(ctx context.Context, storeID *uuid.UUID, since time.Time) (*models.SyncHealthMetrics, error) {
	query := `SELECT status, sync_type, COUNT(*), COALESCE(AVG(retry_count), 0)
	          FROM sync_records
	          WHERE created_at > $1`
	args := []any{since}
	if storeID != nil {
		query += ` AND store_id = $2`
		args = append(args, *storeID)
	}
	query += ` GROUP BY status, sync_type`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync health metrics: %w", err)
	}
	defer rows.Close()

	metrics := &models.SyncHealthMetrics{
		ByStatus: make(map[models.SyncStatus]int),
		ByType:   make(map[models.SyncType]int),
	}
	var retrySum float64
	for rows.Next() {
		var status models.SyncStatus
		var syncType models.SyncType
		var count int
		var avgRetries float64
		if err := rows.Scan(&status, &syncType, &count, &avgRetries); err != nil {
			return nil, fmt.Errorf("failed to scan metrics row: %w", err)
		}
		metrics.ByStatus[status] += count
		metrics.ByType[syncType] += count
		metrics.Summary.Total += count
		retrySum += avgRetries * float64(count)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating metrics rows: %w", err)
	}

	metrics.Summary.Completed = metrics.ByStatus[models.SyncStatusCompleted]
	metrics.Summary.Failed = metrics.ByStatus[models.SyncStatusFailed]
	metrics.Summary.Conflicts = metrics.ByStatus[models.SyncStatusConflict]
	if metrics.Summary.Total > 0 {
		metrics.Summary.SuccessRate = float64(metrics.Summary.Completed) / float64(metrics.Summary.Total)
		metrics.Summary.AvgRetryCount = retrySum / float64(metrics.Summary.Total)
	}
	return metrics, nil
}

func (r *PostgresSyncRecordRepository) DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM sync_records WHERE status = 'completed' AND created_at < $1`
	result, err := r.pool.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete completed sync records: %w", err)
	}
	return result.RowsAffected(), nil
}

func (r *PostgresSyncRecordRepository) ListArchivable(ctx context.Context, cutoff time.Time, limit int) ([]*models.SyncRecord, error) {
	query := `SELECT ` + syncRecordColumns + ` FROM sync_records
	          WHERE status IN ('failed', 'conflict') AND created_at < $1
	          ORDER BY created_at ASC
	          LIMIT $2`

	rows, err := r.pool.Query(ctx, query, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query archivable sync records: %w", err)
	}
	defer rows.Close()

	return r.scanAll(rows)
}

func (r *PostgresSyncRecordRepository) DeleteByIDs(ctx context.Context, ids []uuid.UUID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	query := `DELETE FROM sync_records WHERE id = ANY($1)`
	result, err := r.pool.Exec(ctx, query, ids)
	if err != nil {
		return 0, fmt.Errorf("failed to delete sync records: %w", err)
	}
	return result.RowsAffected(), nil
}

func (r *PostgresSyncRecordRepository) scanOne(row pgx.Row) (*models.SyncRecord, error) {
	var record models.SyncRecord
	var conflicts []byte
	err := row.Scan(
		&record.ID,
		&record.StoreID,
		&record.UserID,
		&record.IdempotencyKey,
		&record.SyncType,
		&record.Operation,
		&record.EntityType,
		&record.EntityID,
		&record.Payload,
		&record.Status,
		&conflicts,
		&record.ErrorMessage,
		&record.RetryCount,
		&record.LastRetryAt,
		&record.CompletedAt,
		&record.CreatedAt,
		&record.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan sync record: %w", err)
	}
	if err := unmarshalConflicts(conflicts, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

func (r *PostgresSyncRecordRepository) scanAll(rows pgx.Rows) ([]*models.SyncRecord, error) {
	var records []*models.SyncRecord
	for rows.Next() {
		var record models.SyncRecord
		var conflicts []byte
		err := rows.Scan(
			&record.ID,
			&record.StoreID,
			&record.UserID,
			&record.IdempotencyKey,
			&record.SyncType,
			&record.Operation,
			&record.EntityType,
			&record.EntityID,
			&record.Payload,
			&record.Status,
			&conflicts,
			&record.ErrorMessage,
			&record.RetryCount,
			&record.LastRetryAt,
			&record.CompletedAt,
			&record.CreatedAt,
			&record.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync record: %w", err)
		}
		if err := unmarshalConflicts(conflicts, &record); err != nil {
			return nil, err
		}
		records = append(records, &record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync records: %w", err)
	}
	return records, nil
}

func marshalConflicts(conflicts []models.Conflict) ([]byte, error) {
	if len(conflicts) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(conflicts)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal conflicts: %w", err)
	}
	return data, nil
}

func unmarshalConflicts(data []byte, record *models.SyncRecord) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, &record.Conflicts); err != nil {
		return fmt.Errorf("failed to unmarshal conflicts: %w", err)
	}
	return nil
}
