package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type SyncStatus string

const (
	SyncStatusPending    SyncStatus = "pending"
	SyncStatusProcessing SyncStatus = "processing"
	SyncStatusCompleted  SyncStatus = "completed"
	SyncStatusFailed     SyncStatus = "failed"
	SyncStatusConflict   SyncStatus = "conflict"
)

type SyncType string

const (
	SyncTypeOrder     SyncType = "order"
	SyncTypeInventory SyncType = "inventory"
	SyncTypePayment   SyncType = "payment"
	SyncTypeProduct   SyncType = "product"
	SyncTypeMember    SyncType = "member"
	SyncTypeExpense   SyncType = "expense"
)

type SyncOperation string

const (
	SyncOpCreate SyncOperation = "create"
	SyncOpUpdate SyncOperation = "update"
	SyncOpDelete SyncOperation = "delete"
)

// SyncRecord is one attempt to apply a client-originated change. It is the
// durable sync history row: source of truth for idempotency, auditing and
// recovery. At most one row exists per (store_id, idempotency_key); once a
// record reaches completed or conflict its key is immutable.
type SyncRecord struct {
	ID             uuid.UUID       `json:"id"`
	StoreID        uuid.UUID       `json:"store_id"`
	UserID         uuid.UUID       `json:"user_id"`
	IdempotencyKey string          `json:"idempotency_key"`
	SyncType       SyncType        `json:"sync_type"`
	Operation      SyncOperation   `json:"operation"`
	EntityType     string          `json:"entity_type"`
	EntityID       *uuid.UUID      `json:"entity_id,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	Status         SyncStatus      `json:"status"`
	Conflicts      []Conflict      `json:"conflicts,omitempty"`
	ErrorMessage   *string         `json:"error_message,omitempty"`
	RetryCount     int             `json:"retry_count"`
	LastRetryAt    *time.Time      `json:"last_retry_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      *time.Time      `json:"updated_at,omitempty"`
}

type ConflictType string

const (
	ConflictTimestamp ConflictType = "timestamp_conflict"
	ConflictField     ConflictType = "field_conflict"
	ConflictStatus    ConflictType = "status_conflict"
	ConflictStock     ConflictType = "stock_conflict"
)

// Conflict is a single detected divergence between the client payload and
// current server state. Conflicts are never persisted on their own; they
// live nested under the owning SyncRecord.
type Conflict struct {
	Type        ConflictType `json:"type"`
	Field       string       `json:"field"`
	ServerValue any          `json:"server_value"`
	ClientValue any          `json:"client_value"`
	Message     string       `json:"message"`
}

type Resolution string

const (
	ResolutionUseLocal  Resolution = "use_local"
	ResolutionUseServer Resolution = "use_server"
	ResolutionMerge     Resolution = "merge"
)
