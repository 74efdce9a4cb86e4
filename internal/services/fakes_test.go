package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tillpoint/possync/internal/models"
	"github.com/tillpoint/possync/internal/repositories"
)

// In-memory collaborator fakes. Mutation counters let tests assert that
// handlers did or did not re-execute.

type memSyncRecords struct {
	mu sync.Mutex
	// lookupMisses forces GetByKey to miss, simulating the window where a
	// concurrent first attempt has not committed yet.
	lookupMisses int
	records      map[uuid.UUID]*models.SyncRecord
}

func newMemSyncRecords() *memSyncRecords {
	return &memSyncRecords{records: make(map[uuid.UUID]*models.SyncRecord)}
}

func (m *memSyncRecords) Create(ctx context.Context, record *models.SyncRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.records {
		if existing.StoreID == record.StoreID && existing.IdempotencyKey == record.IdempotencyKey {
			return repositories.ErrDuplicateKey
		}
	}
	record.ID = uuid.New()
	record.CreatedAt = time.Now()
	m.records[record.ID] = cloneRecord(record)
	return nil
}

func (m *memSyncRecords) GetByID(ctx context.Context, id uuid.UUID) (*models.SyncRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[id]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	return cloneRecord(record), nil
}

func (m *memSyncRecords) GetByKey(ctx context.Context, storeID uuid.UUID, key string) (*models.SyncRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lookupMisses > 0 {
		m.lookupMisses--
		return nil, repositories.ErrNotFound
	}
	for _, record := range m.records {
		if record.StoreID == storeID && record.IdempotencyKey == key {
			return cloneRecord(record), nil
		}
	}
	return nil, repositories.ErrNotFound
}

func (m *memSyncRecords) Update(ctx context.Context, record *models.SyncRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[record.ID]; !ok {
		return repositories.ErrNotFound
	}
	now := time.Now()
	record.UpdatedAt = &now
	m.records[record.ID] = cloneRecord(record)
	return nil
}

func (m *memSyncRecords) ListFailed(ctx context.Context, syncType *models.SyncType, since time.Time, maxRetries int) ([]*models.SyncRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.SyncRecord
	for _, record := range m.records {
		if record.Status != models.SyncStatusFailed || record.RetryCount >= maxRetries || !record.CreatedAt.After(since) {
			continue
		}
		if syncType != nil && record.SyncType != *syncType {
			continue
		}
		out = append(out, cloneRecord(record))
	}
	return out, nil
}

func (m *memSyncRecords) HealthMetrics(ctx context.Context, storeID *uuid.UUID, since time.Time) (*models.SyncHealthMetrics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	metrics := &models.SyncHealthMetrics{
		ByStatus: make(map[models.SyncStatus]int),
		ByType:   make(map[models.SyncType]int),
	}
	retrySum := 0
	for _, record := range m.records {
		if storeID != nil && record.StoreID != *storeID {
			continue
		}
		if !record.CreatedAt.After(since) {
			continue
		}
		metrics.ByStatus[record.Status]++
		metrics.ByType[record.SyncType]++
		metrics.Summary.Total++
		retrySum += record.RetryCount
	}
	metrics.Summary.Completed = metrics.ByStatus[models.SyncStatusCompleted]
	metrics.Summary.Failed = metrics.ByStatus[models.SyncStatusFailed]
	metrics.Summary.Conflicts = metrics.ByStatus[models.SyncStatusConflict]
	if metrics.Summary.Total > 0 {
		metrics.Summary.SuccessRate = float64(metrics.Summary.Completed) / float64(metrics.Summary.Total)
		metrics.Summary.AvgRetryCount = float64(retrySum) / float64(metrics.Summary.Total)
	}
	return metrics, nil
}

func (m *memSyncRecords) DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var deleted int64
	for id, record := range m.records {
		if record.Status == models.SyncStatusCompleted && record.CreatedAt.Before(cutoff) {
			delete(m.records, id)
			deleted++
		}
	}
	return deleted, nil
}

func (m *memSyncRecords) ListArchivable(ctx context.Context, cutoff time.Time, limit int) ([]*models.SyncRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.SyncRecord
	for _, record := range m.records {
		if len(out) >= limit {
			break
		}
		if (record.Status == models.SyncStatusFailed || record.Status == models.SyncStatusConflict) && record.CreatedAt.Before(cutoff) {
			out = append(out, cloneRecord(record))
		}
	}
	return out, nil
}

func (m *memSyncRecords) DeleteByIDs(ctx context.Context, ids []uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var deleted int64
	for _, id := range ids {
		if _, ok := m.records[id]; ok {
			delete(m.records, id)
			deleted++
		}
	}
	return deleted, nil
}

func cloneRecord(record *models.SyncRecord) *models.SyncRecord {
	clone := *record
	clone.Conflicts = append([]models.Conflict(nil), record.Conflicts...)
	return &clone
}

type memIdempotencyCache struct {
	mu      sync.Mutex
	entries map[string]*models.SyncRecord
}

func newMemIdempotencyCache() *memIdempotencyCache {
	return &memIdempotencyCache{entries: make(map[string]*models.SyncRecord)}
}

func (m *memIdempotencyCache) Get(ctx context.Context, storeID uuid.UUID, key string) (*models.SyncRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.entries[storeID.String()+":"+key]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	return cloneRecord(record), nil
}

func (m *memIdempotencyCache) Set(ctx context.Context, record *models.SyncRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[record.StoreID.String()+":"+record.IdempotencyKey] = cloneRecord(record)
	return nil
}

type memOrders struct {
	mu             sync.Mutex
	orders         map[uuid.UUID]*models.Order
	createCalls    int
	updateCalls    int
	createdNumbers []string
	// failCreates makes the next N creates fail with the given error.
	failCreates int
	failErr     error
}

func newMemOrders() *memOrders {
	return &memOrders{orders: make(map[uuid.UUID]*models.Order)}
}

func (m *memOrders) GetByID(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[id]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	return cloneOrder(order), nil
}

func (m *memOrders) GetByOrderNumber(ctx context.Context, storeID uuid.UUID, orderNumber string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, order := range m.orders {
		if order.StoreID == storeID && order.OrderNumber == orderNumber {
			return cloneOrder(order), nil
		}
	}
	return nil, repositories.ErrNotFound
}

func (m *memOrders) CreateWithItems(ctx context.Context, order *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createCalls++
	if m.failCreates > 0 {
		m.failCreates--
		return m.failErr
	}
	order.ID = uuid.New()
	order.CreatedAt = time.Now()
	m.createdNumbers = append(m.createdNumbers, order.OrderNumber)
	for i := range order.Items {
		order.Items[i].ID = uuid.New()
		order.Items[i].OrderID = order.ID
	}
	m.orders[order.ID] = cloneOrder(order)
	return nil
}

func (m *memOrders) Update(ctx context.Context, order *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updateCalls++
	existing, ok := m.orders[order.ID]
	if !ok {
		return repositories.ErrNotFound
	}
	now := time.Now()
	order.UpdatedAt = &now
	order.Items = existing.Items
	m.orders[order.ID] = cloneOrder(order)
	return nil
}

func (m *memOrders) Delete(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[id]; !ok {
		return repositories.ErrNotFound
	}
	delete(m.orders, id)
	return nil
}

func cloneOrder(order *models.Order) *models.Order {
	clone := *order
	clone.Items = append([]models.OrderItem(nil), order.Items...)
	return &clone
}

type memPayments struct {
	mu       sync.Mutex
	payments map[uuid.UUID]*models.Payment
}

func newMemPayments() *memPayments {
	return &memPayments{payments: make(map[uuid.UUID]*models.Payment)}
}

func (m *memPayments) GetByID(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	payment, ok := m.payments[id]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	clone := *payment
	return &clone, nil
}

func (m *memPayments) ListByOrderID(ctx context.Context, orderID uuid.UUID) ([]*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Payment
	for _, payment := range m.payments {
		if payment.OrderID == orderID {
			clone := *payment
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (m *memPayments) Create(ctx context.Context, payment *models.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	payment.ID = uuid.New()
	payment.CreatedAt = time.Now()
	clone := *payment
	m.payments[payment.ID] = &clone
	return nil
}

func (m *memPayments) Update(ctx context.Context, payment *models.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.payments[payment.ID]; !ok {
		return repositories.ErrNotFound
	}
	now := time.Now()
	payment.UpdatedAt = &now
	clone := *payment
	m.payments[payment.ID] = &clone
	return nil
}

type memInventory struct {
	mu        sync.Mutex
	movements []*models.InventoryMovement
	stock     map[string]int // storeID:productID -> current
}

func newMemInventory() *memInventory {
	return &memInventory{stock: make(map[string]int)}
}

func stockKey(storeID, productID uuid.UUID) string {
	return storeID.String() + ":" + productID.String()
}

func (m *memInventory) setStock(storeID, productID uuid.UUID, qty int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stock[stockKey(storeID, productID)] = qty
}

func (m *memInventory) GetStockLevel(ctx context.Context, storeID, productID uuid.UUID) (*models.StockLevel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.stock[stockKey(storeID, productID)]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	return &models.StockLevel{
		ID:           uuid.New(),
		StoreID:      storeID,
		ProductID:    productID,
		CurrentStock: current,
	}, nil
}

func (m *memInventory) FindRecentMovement(ctx context.Context, movement *models.InventoryMovement, window time.Duration) (*models.InventoryMovement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-window)
	for i := len(m.movements) - 1; i >= 0; i-- {
		existing := m.movements[i]
		if existing.StoreID == movement.StoreID &&
			existing.ProductID == movement.ProductID &&
			existing.Type == movement.Type &&
			existing.Quantity == movement.Quantity &&
			existing.Reference == movement.Reference &&
			existing.CreatedAt.After(cutoff) {
			clone := *existing
			return &clone, nil
		}
	}
	return nil, repositories.ErrNotFound
}

func (m *memInventory) CreateMovement(ctx context.Context, movement *models.InventoryMovement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := stockKey(movement.StoreID, movement.ProductID)
	next := m.stock[key] + movement.Type.Delta(movement.Quantity)
	if next < 0 {
		return fmt.Errorf("%w: %d available, movement of %d requested",
			repositories.ErrInsufficientStock, m.stock[key], movement.Quantity)
	}
	movement.ID = uuid.New()
	movement.CreatedAt = time.Now()
	clone := *movement
	m.movements = append(m.movements, &clone)
	m.stock[key] = next
	return nil
}

type memProducts struct {
	mu       sync.Mutex
	products map[uuid.UUID]*models.Product
}

func newMemProducts() *memProducts {
	return &memProducts{products: make(map[uuid.UUID]*models.Product)}
}

func (m *memProducts) add(product *models.Product) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if product.ID == uuid.Nil {
		product.ID = uuid.New()
	}
	clone := *product
	m.products[product.ID] = &clone
}

func (m *memProducts) GetByID(ctx context.Context, id uuid.UUID) (*models.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	product, ok := m.products[id]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	clone := *product
	return &clone, nil
}

func (m *memProducts) GetBySKU(ctx context.Context, storeID uuid.UUID, sku string) (*models.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, product := range m.products {
		if product.StoreID == storeID && product.SKU == sku {
			clone := *product
			return &clone, nil
		}
	}
	return nil, repositories.ErrNotFound
}

type memMembers struct {
	mu      sync.Mutex
	members map[uuid.UUID]*models.Member
}

func newMemMembers() *memMembers {
	return &memMembers{members: make(map[uuid.UUID]*models.Member)}
}

func (m *memMembers) add(member *models.Member) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if member.ID == uuid.Nil {
		member.ID = uuid.New()
	}
	clone := *member
	m.members[member.ID] = &clone
}

func (m *memMembers) GetByID(ctx context.Context, id uuid.UUID) (*models.Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	member, ok := m.members[id]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	clone := *member
	return &clone, nil
}

type memQueue struct {
	mu    sync.Mutex
	items map[uuid.UUID]*models.SyncQueueItem
}

func newMemQueue() *memQueue {
	return &memQueue{items: make(map[uuid.UUID]*models.SyncQueueItem)}
}

func (m *memQueue) Enqueue(ctx context.Context, item *models.SyncQueueItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item.ID = uuid.New()
	item.CreatedAt = time.Now()
	clone := *item
	m.items[item.ID] = &clone
	return nil
}

func (m *memQueue) ClaimBatch(ctx context.Context, batchSize int) ([]*models.SyncQueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	var ready []*models.SyncQueueItem
	for _, item := range m.items {
		if item.Status != models.QueueStatusPending {
			continue
		}
		if item.ScheduledAt != nil && item.ScheduledAt.After(now) {
			continue
		}
		ready = append(ready, item)
	}
	sort.Slice(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority > ready[j].Priority
		}
		return ready[i].CreatedAt.Before(ready[j].CreatedAt)
	})
	if len(ready) > batchSize {
		ready = ready[:batchSize]
	}
	var out []*models.SyncQueueItem
	for _, item := range ready {
		item.Status = models.QueueStatusProcessing
		item.StartedAt = &now
		clone := *item
		out = append(out, &clone)
	}
	return out, nil
}

func (m *memQueue) MarkCompleted(ctx context.Context, id uuid.UUID) error {
	return m.mark(id, models.QueueStatusCompleted, nil)
}

func (m *memQueue) MarkFailed(ctx context.Context, id uuid.UUID, errMessage string) error {
	return m.mark(id, models.QueueStatusFailed, &errMessage)
}

func (m *memQueue) mark(id uuid.UUID, status models.QueueStatus, errMessage *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok {
		return repositories.ErrNotFound
	}
	now := time.Now()
	item.Status = status
	item.CompletedAt = &now
	item.ErrorMessage = errMessage
	if status == models.QueueStatusFailed {
		item.RetryCount++
	}
	return nil
}

func (m *memQueue) DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var deleted int64
	for id, item := range m.items {
		if item.Status == models.QueueStatusCompleted && item.CreatedAt.Before(cutoff) {
			delete(m.items, id)
			deleted++
		}
	}
	return deleted, nil
}

// immediateScheduler runs deferred work synchronously; tests stay deterministic.
type immediateScheduler struct {
	mu        sync.Mutex
	scheduled []time.Duration
}

func (s *immediateScheduler) Schedule(delay time.Duration, fn func(ctx context.Context)) {
	s.mu.Lock()
	s.scheduled = append(s.scheduled, delay)
	s.mu.Unlock()
	fn(context.Background())
}

type recordingAlerter struct {
	mu     sync.Mutex
	alerts []*models.SyncRecord
}

func (a *recordingAlerter) CriticalSyncFailed(ctx context.Context, record *models.SyncRecord, cause error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, record)
}

type countingMetrics struct {
	mu             sync.Mutex
	retriesByType  map[models.SyncType]int
	finalFailures  map[models.SyncType]int
	conflictsSeen  int
	outcomesByType map[models.SyncType][]models.SyncStatus
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{
		retriesByType:  make(map[models.SyncType]int),
		finalFailures:  make(map[models.SyncType]int),
		outcomesByType: make(map[models.SyncType][]models.SyncStatus),
	}
}

func (c *countingMetrics) RecordSyncDuration(models.SyncType, time.Duration) {}

func (c *countingMetrics) RecordSyncOutcome(syncType models.SyncType, status models.SyncStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outcomesByType[syncType] = append(c.outcomesByType[syncType], status)
}

func (c *countingMetrics) RecordConflicts(syncType models.SyncType, count int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conflictsSeen += count
}

func (c *countingMetrics) RecordRetryScheduled(syncType models.SyncType, attempt int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retriesByType[syncType]++
}

func (c *countingMetrics) RecordFinalFailure(syncType models.SyncType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finalFailures[syncType]++
}

type memArchiver struct {
	mu       sync.Mutex
	archived [][]*models.SyncRecord
}

func (a *memArchiver) Archive(ctx context.Context, records []*models.SyncRecord) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.archived = append(a.archived, records)
	return fmt.Sprintf("archive-%d", len(a.archived)), nil
}
