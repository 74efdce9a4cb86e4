package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/tillpoint/possync/internal/models"
)

type SyncRecordRepository interface {
	// Create persists a new record. Returns ErrDuplicateKey when the
	// (store_id, idempotency_key) uniqueness constraint is violated.
	Create(ctx context.Context, record *models.SyncRecord) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.SyncRecord, error)
	GetByKey(ctx context.Context, storeID uuid.UUID, key string) (*models.SyncRecord, error)
	Update(ctx context.Context, record *models.SyncRecord) error
	// ListFailed returns failed records created after the cutoff whose retry
	// count is below maxRetries, optionally filtered by sync type.
	ListFailed(ctx context.Context, syncType *models.SyncType, since time.Time, maxRetries int) ([]*models.SyncRecord, error)
	HealthMetrics(ctx context.Context, storeID *uuid.UUID, since time.Time) (*models.SyncHealthMetrics, error)
	DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error)
	// ListArchivable returns terminal failed/conflict records older than the
	// cutoff, for archival before removal.
	ListArchivable(ctx context.Context, cutoff time.Time, limit int) ([]*models.SyncRecord, error)
	DeleteByIDs(ctx context.Context, ids []uuid.UUID) (int64, error)
}

type SyncQueueRepository interface {
	Enqueue(ctx context.Context, item *models.SyncQueueItem) error
	// ClaimBatch selects up to batchSize ready pending items ordered by
	// priority descending then age ascending, and marks them processing.
	ClaimBatch(ctx context.Context, batchSize int) ([]*models.SyncQueueItem, error)
	MarkCompleted(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, errMessage string) error
	DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type OrderRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Order, error)
	GetByOrderNumber(ctx context.Context, storeID uuid.UUID, orderNumber string) (*models.Order, error)
	// CreateWithItems inserts the order and its items in one transaction.
	CreateWithItems(ctx context.Context, order *models.Order) error
	Update(ctx context.Context, order *models.Order) error
	Delete(ctx context.Context, id uuid.UUID) error
}

type PaymentRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Payment, error)
	ListByOrderID(ctx context.Context, orderID uuid.UUID) ([]*models.Payment, error)
	Create(ctx context.Context, payment *models.Payment) error
	Update(ctx context.Context, payment *models.Payment) error
}

type InventoryRepository interface {
	GetStockLevel(ctx context.Context, storeID, productID uuid.UUID) (*models.StockLevel, error)
	// FindRecentMovement looks for a movement with identical store, product,
	// type, quantity and reference created within the window.
	FindRecentMovement(ctx context.Context, movement *models.InventoryMovement, window time.Duration) (*models.InventoryMovement, error)
	// CreateMovement inserts the movement and applies its delta to the stock
	// aggregate in one transaction, locking the stock row.
	CreateMovement(ctx context.Context, movement *models.InventoryMovement) error
}

type ProductRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Product, error)
	GetBySKU(ctx context.Context, storeID uuid.UUID, sku string) (*models.Product, error)
}

type MemberRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Member, error)
}

// IdempotencyCache is the fast lookup layer over the sync history log. A miss
// is not authoritative; callers fall back to the durable log.
type IdempotencyCache interface {
	Get(ctx context.Context, storeID uuid.UUID, key string) (*models.SyncRecord, error)
	Set(ctx context.Context, record *models.SyncRecord) error
}
