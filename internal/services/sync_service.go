package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/tillpoint/possync/internal/models"
	"github.com/tillpoint/possync/internal/payloads"
	"github.com/tillpoint/possync/internal/repositories"
	"github.com/tillpoint/possync/internal/syncerr"
)

// MovementDedupeWindow is the secondary, time-bounded idempotency check for
// inventory movements. Identical movements inside the window return the
// existing movement instead of creating a duplicate. Identical movements just
// outside the window are both accepted; this is a heuristic, not a guarantee.
const MovementDedupeWindow = 5 * time.Minute

const (
	ResultCompleted = "completed"
	ResultDuplicate = "duplicate"
	ResultConflict  = "conflict"
)

// SyncResult is what a caller gets back from a sync attempt that did not error.
type SyncResult struct {
	Status    string            `json:"status"`
	Message   string            `json:"message"`
	EntityID  *uuid.UUID        `json:"entity_id,omitempty"`
	Conflicts []models.Conflict `json:"conflicts,omitempty"`
}

// SyncService orchestrates one sync operation end to end: idempotency check,
// history record, validation, type dispatch, conflict surfacing, and history
// update.
type SyncService struct {
	records   repositories.SyncRecordRepository
	cache     repositories.IdempotencyCache
	orders    repositories.OrderRepository
	payments  repositories.PaymentRepository
	inventory repositories.InventoryRepository
	validator *Validator
	resolver  *ConflictResolver
	metrics   MetricsCollector
	logger    *slog.Logger
}

func NewSyncService(
	records repositories.SyncRecordRepository,
	cache repositories.IdempotencyCache,
	orders repositories.OrderRepository,
	payments repositories.PaymentRepository,
	inventory repositories.InventoryRepository,
	validator *Validator,
	resolver *ConflictResolver,
	metrics MetricsCollector,
	logger *slog.Logger,
) *SyncService {
	if metrics == nil {
		metrics = &NoopMetricsCollector{}
	}
	return &SyncService{
		records:   records,
		cache:     cache,
		orders:    orders,
		payments:  payments,
		inventory: inventory,
		validator: validator,
		resolver:  resolver,
		metrics:   metrics,
		logger:    logger,
	}
}

// ProcessSync applies one client-originated change. Retried requests carrying
// a known idempotency key return the original outcome without re-executing
// side effects.
func (s *SyncService) ProcessSync(ctx context.Context, actor models.Actor, req payloads.SyncRequest) (*SyncResult, error) {
	start := time.Now()
	defer func() {
		s.metrics.RecordSyncDuration(req.SyncType, time.Since(start))
	}()

	if err := ValidateIdempotencyKey(req.IdempotencyKey); err != nil {
		return nil, err
	}

	if prior, err := s.lookupDuplicate(ctx, actor, req.IdempotencyKey); err != nil {
		return nil, err
	} else if prior != nil {
		return duplicateResult(prior), nil
	}

	record := &models.SyncRecord{
		StoreID:        actor.StoreID,
		UserID:         actor.UserID,
		IdempotencyKey: req.IdempotencyKey,
		SyncType:       req.SyncType,
		Operation:      req.Operation,
		EntityType:     req.EntityType,
		EntityID:       req.EntityID,
		Payload:        req.Data,
		Status:         models.SyncStatusPending,
	}
	if err := s.records.Create(ctx, record); err != nil {
		if errors.Is(err, repositories.ErrDuplicateKey) {
			// Lost the race against a concurrent first attempt with the same
			// key; the winner's row is the outcome.
			prior, lookupErr := s.records.GetByKey(ctx, actor.StoreID, req.IdempotencyKey)
			if lookupErr != nil {
				return nil, lookupErr
			}
			return duplicateResult(prior), nil
		}
		return nil, err
	}

	return s.process(ctx, actor, record, req.Timestamp)
}

// Reprocess runs an existing record through validation and dispatch again.
// The reliability layer uses it for retries and recovery, where the duplicate
// guard must not short-circuit the record's own reprocessing.
func (s *SyncService) Reprocess(ctx context.Context, record *models.SyncRecord) (*SyncResult, error) {
	actor := models.Actor{UserID: record.UserID, StoreID: record.StoreID}
	return s.process(ctx, actor, record, nil)
}

func (s *SyncService) process(ctx context.Context, actor models.Actor, record *models.SyncRecord, clientTimestamp *time.Time) (result *SyncResult, err error) {
	record.Status = models.SyncStatusProcessing
	if err := s.records.Update(ctx, record); err != nil {
		return nil, err
	}

	defer func() {
		if err != nil {
			s.markFailed(ctx, record, err)
		}
	}()

	payload, err := s.decodeAndValidate(ctx, actor, record)
	if err != nil {
		return nil, err
	}

	entityID, conflicts, err := s.dispatch(ctx, actor, record, payload, clientTimestamp)
	if err != nil {
		return nil, err
	}

	if len(conflicts) > 0 {
		// No domain mutation happened on this branch.
		record.Status = models.SyncStatusConflict
		record.Conflicts = conflicts
		if entityID != uuid.Nil {
			record.EntityID = &entityID
		}
		if err := s.records.Update(ctx, record); err != nil {
			return nil, err
		}
		s.cacheRecord(ctx, record)
		s.metrics.RecordConflicts(record.SyncType, len(conflicts))
		s.metrics.RecordSyncOutcome(record.SyncType, models.SyncStatusConflict)
		return &SyncResult{
			Status:    ResultConflict,
			Message:   "conflicts detected; resolution required",
			EntityID:  record.EntityID,
			Conflicts: conflicts,
		}, nil
	}

	now := time.Now()
	record.Status = models.SyncStatusCompleted
	record.EntityID = &entityID
	record.CompletedAt = &now
	if err := s.records.Update(ctx, record); err != nil {
		return nil, err
	}
	s.cacheRecord(ctx, record)
	s.metrics.RecordSyncOutcome(record.SyncType, models.SyncStatusCompleted)

	return &SyncResult{
		Status:   ResultCompleted,
		Message:  fmt.Sprintf("%s %s applied", record.SyncType, record.Operation),
		EntityID: &entityID,
	}, nil
}

// ResolveConflict applies an operator-chosen resolution strategy to a record
// in conflict status. A failure during apply leaves the record in conflict so
// resolution stays retryable.
func (s *SyncService) ResolveConflict(ctx context.Context, actor models.Actor, recordID uuid.UUID, resolution models.Resolution, mergeData json.RawMessage) (*SyncResult, error) {
	record, err := s.records.GetByID(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if record.StoreID != actor.StoreID {
		return nil, repositories.ErrNotFound
	}
	if record.Status != models.SyncStatusConflict {
		return nil, syncerr.NewDomain("resolve_conflict",
			fmt.Errorf("sync record %s is %s, not in conflict", record.ID, record.Status))
	}

	entityID, err := s.resolver.Apply(ctx, actor, record, resolution, mergeData)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	record.Status = models.SyncStatusCompleted
	record.EntityID = &entityID
	record.CompletedAt = &now
	record.Conflicts = nil
	if err := s.records.Update(ctx, record); err != nil {
		return nil, err
	}
	s.cacheRecord(ctx, record)
	s.metrics.RecordSyncOutcome(record.SyncType, models.SyncStatusCompleted)

	return &SyncResult{
		Status:   ResultCompleted,
		Message:  fmt.Sprintf("conflict resolved with %s", resolution),
		EntityID: &entityID,
	}, nil
}

func (s *SyncService) decodeAndValidate(ctx context.Context, actor models.Actor, record *models.SyncRecord) (payloads.Payload, error) {
	switch record.SyncType {
	case models.SyncTypeMember, models.SyncTypeExpense:
		return nil, syncerr.NewUnsupported(string(record.SyncType), string(record.Operation))
	}

	payload, err := payloads.Decode(record.SyncType, record.Payload)
	if err != nil {
		return nil, syncerr.NewValidation(err.Error())
	}
	if err := s.validator.Validate(ctx, actor, record.Operation, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func (s *SyncService) dispatch(ctx context.Context, actor models.Actor, record *models.SyncRecord, payload payloads.Payload, clientTimestamp *time.Time) (uuid.UUID, []models.Conflict, error) {
	switch p := payload.(type) {
	case *payloads.OrderPayload:
		return s.handleOrder(ctx, actor, record, p, clientTimestamp)
	case *payloads.InventoryPayload:
		return s.handleInventory(ctx, actor, record, p)
	case *payloads.PaymentPayload:
		return s.handlePayment(ctx, actor, record, p, clientTimestamp)
	}
	return uuid.Nil, nil, syncerr.NewUnsupported(string(record.SyncType), string(record.Operation))
}

func (s *SyncService) handleOrder(ctx context.Context, actor models.Actor, record *models.SyncRecord, p *payloads.OrderPayload, clientTimestamp *time.Time) (uuid.UUID, []models.Conflict, error) {
	switch record.Operation {
	case models.SyncOpCreate:
		existing, err := s.orders.GetByOrderNumber(ctx, actor.StoreID, p.OrderNumber)
		if err != nil && !errors.Is(err, repositories.ErrNotFound) {
			return uuid.Nil, nil, err
		}
		if existing != nil {
			conflicts := s.resolver.DetectOrderConflicts(existing, p, clientTimestamp)
			if len(conflicts) > 0 {
				return existing.ID, conflicts, nil
			}
			// Same order resubmitted under a new key; nothing diverged.
			return existing.ID, nil, nil
		}

		order := orderFromPayload(actor, p)
		if err := s.orders.CreateWithItems(ctx, order); err != nil {
			return uuid.Nil, nil, err
		}
		return order.ID, nil, nil

	case models.SyncOpUpdate:
		existing, err := s.findOrder(ctx, actor, record, p)
		if err != nil {
			return uuid.Nil, nil, err
		}

		conflicts := s.resolver.DetectOrderConflicts(existing, p, clientTimestamp)
		if len(conflicts) > 0 {
			return existing.ID, conflicts, nil
		}

		applyOrderPayload(existing, p)
		if err := s.orders.Update(ctx, existing); err != nil {
			return uuid.Nil, nil, err
		}
		return existing.ID, nil, nil

	case models.SyncOpDelete:
		existing, err := s.findOrder(ctx, actor, record, p)
		if err != nil {
			return uuid.Nil, nil, err
		}
		if existing.Status == models.OrderStatusCompleted {
			return uuid.Nil, nil, syncerr.NewDomain("order_delete",
				fmt.Errorf("cannot delete completed order %s", existing.OrderNumber))
		}
		if err := s.orders.Delete(ctx, existing.ID); err != nil {
			return uuid.Nil, nil, err
		}
		return existing.ID, nil, nil
	}
	return uuid.Nil, nil, syncerr.NewUnsupported(string(record.SyncType), string(record.Operation))
}

func (s *SyncService) findOrder(ctx context.Context, actor models.Actor, record *models.SyncRecord, p *payloads.OrderPayload) (*models.Order, error) {
	if record.EntityID != nil {
		order, err := s.orders.GetByID(ctx, *record.EntityID)
		if err != nil {
			return nil, err
		}
		if order.StoreID != actor.StoreID {
			return nil, repositories.ErrNotFound
		}
		return order, nil
	}
	return s.orders.GetByOrderNumber(ctx, actor.StoreID, p.OrderNumber)
}

func (s *SyncService) handleInventory(ctx context.Context, actor models.Actor, record *models.SyncRecord, p *payloads.InventoryPayload) (uuid.UUID, []models.Conflict, error) {
	if record.Operation != models.SyncOpCreate {
		return uuid.Nil, nil, syncerr.NewUnsupported(string(record.SyncType), string(record.Operation))
	}

	movement := movementFromPayload(actor, p)

	// Secondary idempotency: an identical movement inside the dedupe window
	// is the same physical event submitted twice.
	recent, err := s.inventory.FindRecentMovement(ctx, movement, MovementDedupeWindow)
	if err != nil && !errors.Is(err, repositories.ErrNotFound) {
		return uuid.Nil, nil, err
	}
	if recent != nil {
		return recent.ID, nil, nil
	}

	if err := s.inventory.CreateMovement(ctx, movement); err != nil {
		return uuid.Nil, nil, err
	}
	return movement.ID, nil, nil
}

func (s *SyncService) handlePayment(ctx context.Context, actor models.Actor, record *models.SyncRecord, p *payloads.PaymentPayload, clientTimestamp *time.Time) (uuid.UUID, []models.Conflict, error) {
	switch record.Operation {
	case models.SyncOpCreate:
		payment := paymentFromPayload(actor, p)
		if err := s.payments.Create(ctx, payment); err != nil {
			return uuid.Nil, nil, err
		}
		return payment.ID, nil, nil

	case models.SyncOpUpdate:
		if record.EntityID == nil {
			return uuid.Nil, nil, syncerr.NewValidation("payment update requires entity_id")
		}
		existing, err := s.payments.GetByID(ctx, *record.EntityID)
		if err != nil {
			return uuid.Nil, nil, err
		}
		if existing.StoreID != actor.StoreID {
			return uuid.Nil, nil, repositories.ErrNotFound
		}
		if existing.Status == models.PaymentStatusCompleted && p.Status != "" && p.Status != existing.Status {
			return uuid.Nil, nil, syncerr.NewDomain("payment_update",
				fmt.Errorf("cannot change status of completed payment %s", existing.ID))
		}

		conflicts := s.resolver.DetectPaymentConflicts(existing, p, clientTimestamp)
		if len(conflicts) > 0 {
			return existing.ID, conflicts, nil
		}

		applyPaymentPayload(existing, p)
		if err := s.payments.Update(ctx, existing); err != nil {
			return uuid.Nil, nil, err
		}
		return existing.ID, nil, nil
	}
	return uuid.Nil, nil, syncerr.NewUnsupported(string(record.SyncType), string(record.Operation))
}

// lookupDuplicate checks the cache first; a hit short-circuits without a log
// read. The durable log answers on a miss.
func (s *SyncService) lookupDuplicate(ctx context.Context, actor models.Actor, key string) (*models.SyncRecord, error) {
	cached, err := s.cache.Get(ctx, actor.StoreID, key)
	if err == nil {
		return cached, nil
	}
	if !errors.Is(err, repositories.ErrNotFound) {
		s.logger.Warn("idempotency cache lookup failed", "error", err)
	}

	record, err := s.records.GetByKey(ctx, actor.StoreID, key)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s.cacheRecord(ctx, record)
	return record, nil
}

// cacheRecord is write-through for fast future duplicate lookups. Cache
// failures are logged, never fatal; the durable log remains authoritative.
func (s *SyncService) cacheRecord(ctx context.Context, record *models.SyncRecord) {
	if err := s.cache.Set(ctx, record); err != nil {
		s.logger.Warn("failed to cache sync record", "idempotency_key", record.IdempotencyKey, "error", err)
	}
}

func (s *SyncService) markFailed(ctx context.Context, record *models.SyncRecord, cause error) {
	msg := cause.Error()
	record.Status = models.SyncStatusFailed
	record.ErrorMessage = &msg
	if err := s.records.Update(ctx, record); err != nil {
		s.logger.Error("failed to mark sync record failed", "sync_record_id", record.ID, "error", err)
	}
	s.metrics.RecordSyncOutcome(record.SyncType, models.SyncStatusFailed)
}

func duplicateResult(record *models.SyncRecord) *SyncResult {
	return &SyncResult{
		Status:    ResultDuplicate,
		Message:   "operation already processed",
		EntityID:  record.EntityID,
		Conflicts: record.Conflicts,
	}
}
