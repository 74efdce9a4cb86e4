package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type QueueStatus string

const (
	QueueStatusPending    QueueStatus = "pending"
	QueueStatusProcessing QueueStatus = "processing"
	QueueStatusCompleted  QueueStatus = "completed"
	QueueStatusFailed     QueueStatus = "failed"
)

// SyncQueueItem is a durable, not-yet-processed unit of sync work. Offline
// batch producers insert items; the queue drain picks them up in priority
// order (higher first), then oldest first.
type SyncQueueItem struct {
	ID           uuid.UUID       `json:"id"`
	StoreID      uuid.UUID       `json:"store_id"`
	BatchID      uuid.UUID       `json:"batch_id"`
	SyncType     SyncType        `json:"sync_type"`
	Operation    SyncOperation   `json:"operation"`
	Data         json.RawMessage `json:"data"`
	Status       QueueStatus     `json:"status"`
	Priority     int             `json:"priority"`
	RetryCount   int             `json:"retry_count"`
	ScheduledAt  *time.Time      `json:"scheduled_at,omitempty"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	ErrorMessage *string         `json:"error_message,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}
