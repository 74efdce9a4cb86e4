package repositories

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tillpoint/possync/internal/models"
)

type PostgresSyncQueueRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresSyncQueueRepository(pool *pgxpool.Pool) *PostgresSyncQueueRepository {
	return &PostgresSyncQueueRepository{pool: pool}
}

func (r *PostgresSyncQueueRepository) Enqueue(ctx context.Context, item *models.SyncQueueItem) error {
	query := `INSERT INTO sync_queue_items (store_id, batch_id, sync_type, operation, data,
	              status, priority, retry_count, scheduled_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	          RETURNING id, created_at`

	err := r.pool.QueryRow(ctx, query,
		item.StoreID,
		item.BatchID,
		item.SyncType,
		item.Operation,
		item.Data,
		item.Status,
		item.Priority,
		item.RetryCount,
		item.ScheduledAt,
	).Scan(&item.ID, &item.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to enqueue sync item: %w", err)
	}
	return nil
}

// ClaimBatch selects ready pending items in priority-then-age order and marks
// them processing in one statement. SKIP LOCKED keeps concurrent drains from
// claiming the same items.
func (r *PostgresSyncQueueRepository) ClaimBatch(ctx context.Context, batchSize int) ([]*models.SyncQueueItem, error) {
	query := `UPDATE sync_queue_items
	          SET status = 'processing', started_at = NOW()
	          WHERE id IN (
	              SELECT id FROM sync_queue_items
	              WHERE status = 'pending'
	                AND (scheduled_at IS NULL OR scheduled_at <= NOW())
	              ORDER BY priority DESC, created_at ASC
	              LIMIT $1
	              FOR UPDATE SKIP LOCKED
	          )
	          RETURNING id, store_id, batch_id, sync_type, operation, data, status, priority,
	              retry_count, scheduled_at, started_at, completed_at, error_message, created_at`

	rows, err := r.pool.Query(ctx, query, batchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to claim queue batch: %w", err)
	}
	defer rows.Close()

	var items []*models.SyncQueueItem
	for rows.Next() {
		var item models.SyncQueueItem
		err := rows.Scan(
			&item.ID,
			&item.StoreID,
			&item.BatchID,
			&item.SyncType,
			&item.Operation,
			&item.Data,
			&item.Status,
			&item.Priority,
			&item.RetryCount,
			&item.ScheduledAt,
			&item.StartedAt,
			&item.CompletedAt,
			&item.ErrorMessage,
			&item.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue item: %w", err)
		}
		items = append(items, &item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queue items: %w", err)
	}

	// UPDATE ... WHERE id IN (...) does not preserve the subquery ordering,
	// so re-sort before handing the batch to the drain loop.
	sortQueueItems(items)
	return items, nil
}

func sortQueueItems(items []*models.SyncQueueItem) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].Priority != items[j].Priority {
			return items[i].Priority > items[j].Priority
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
}

func (r *PostgresSyncQueueRepository) MarkCompleted(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE sync_queue_items
	          SET status = 'completed', completed_at = NOW(), error_message = NULL
	          WHERE id = $1`
	return r.exec(ctx, query, id)
}

func (r *PostgresSyncQueueRepository) MarkFailed(ctx context.Context, id uuid.UUID, errMessage string) error {
	query := `UPDATE sync_queue_items
	          SET status = 'failed', completed_at = NOW(), error_message = $2,
	              retry_count = retry_count + 1
	          WHERE id = $1`
	return r.exec(ctx, query, id, errMessage)
}

func (r *PostgresSyncQueueRepository) DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM sync_queue_items WHERE status = 'completed' AND created_at < $1`
	result, err := r.pool.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete completed queue items: %w", err)
	}
	return result.RowsAffected(), nil
}

func (r *PostgresSyncQueueRepository) exec(ctx context.Context, query string, args ...any) error {
	result, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to update queue item: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
