package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tillpoint/possync/internal/models"
	"github.com/tillpoint/possync/internal/payloads"
	"github.com/tillpoint/possync/internal/repositories"
	"github.com/tillpoint/possync/internal/syncerr"
)

// ConflictResolver detects divergence between an incoming payload and current
// server state, and applies a chosen resolution strategy. Detection never
// mutates anything.
type ConflictResolver struct {
	orders    repositories.OrderRepository
	payments  repositories.PaymentRepository
	inventory repositories.InventoryRepository
}

func NewConflictResolver(
	orders repositories.OrderRepository,
	payments repositories.PaymentRepository,
	inventory repositories.InventoryRepository,
) *ConflictResolver {
	return &ConflictResolver{orders: orders, payments: payments, inventory: inventory}
}

// DetectOrderConflicts compares server order state against the client payload.
func (r *ConflictResolver) DetectOrderConflicts(server *models.Order, p *payloads.OrderPayload, clientTimestamp *time.Time) []models.Conflict {
	var conflicts []models.Conflict

	if c := timestampConflict(server.UpdatedAt, server.CreatedAt, clientTimestamp); c != nil {
		conflicts = append(conflicts, *c)
	}

	if p.Status != "" && server.Status != p.Status {
		if !models.CanTransition(server.Status, p.Status) {
			conflicts = append(conflicts, models.Conflict{
				Type:        models.ConflictStatus,
				Field:       "status",
				ServerValue: server.Status,
				ClientValue: p.Status,
				Message:     fmt.Sprintf("order cannot transition from %s to %s", server.Status, p.Status),
			})
		} else {
			conflicts = append(conflicts, fieldConflict("status", server.Status, p.Status))
		}
	}
	if p.TotalAmount != server.TotalAmount {
		conflicts = append(conflicts, fieldConflict("total_amount", server.TotalAmount, p.TotalAmount))
	}
	if p.PaymentMethod != "" && p.PaymentMethod != server.PaymentMethod {
		conflicts = append(conflicts, fieldConflict("payment_method", server.PaymentMethod, p.PaymentMethod))
	}
	if p.Notes != server.Notes {
		conflicts = append(conflicts, fieldConflict("notes", server.Notes, p.Notes))
	}

	return conflicts
}

// DetectPaymentConflicts compares server payment state against the client payload.
func (r *ConflictResolver) DetectPaymentConflicts(server *models.Payment, p *payloads.PaymentPayload, clientTimestamp *time.Time) []models.Conflict {
	var conflicts []models.Conflict

	if c := timestampConflict(server.UpdatedAt, server.CreatedAt, clientTimestamp); c != nil {
		conflicts = append(conflicts, *c)
	}
	if p.Status != "" && server.Status != p.Status {
		conflicts = append(conflicts, fieldConflict("status", server.Status, p.Status))
	}
	if p.Amount != server.Amount {
		conflicts = append(conflicts, fieldConflict("amount", server.Amount, p.Amount))
	}

	return conflicts
}

// DetectStockConflict flags outbound movements that would drive the stock
// aggregate negative.
func (r *ConflictResolver) DetectStockConflict(level *models.StockLevel, p *payloads.InventoryPayload) []models.Conflict {
	if !p.Type.Outbound() {
		return nil
	}
	current := 0
	if level != nil {
		current = level.CurrentStock
	}
	resulting := current - p.Quantity
	if resulting >= 0 {
		return nil
	}
	return []models.Conflict{{
		Type:        models.ConflictStock,
		Field:       "current_stock",
		ServerValue: current,
		ClientValue: p.Quantity,
		Message:     fmt.Sprintf("movement would drive stock to %d", resulting),
	}}
}

// timestampConflict flags the server having newer data than the client
// assumed, regardless of field equality.
func timestampConflict(serverUpdated *time.Time, serverCreated time.Time, clientTimestamp *time.Time) *models.Conflict {
	if clientTimestamp == nil {
		return nil
	}
	serverTime := serverCreated
	if serverUpdated != nil {
		serverTime = *serverUpdated
	}
	if !serverTime.After(*clientTimestamp) {
		return nil
	}
	return &models.Conflict{
		Type:        models.ConflictTimestamp,
		Field:       "updated_at",
		ServerValue: serverTime,
		ClientValue: *clientTimestamp,
		Message:     "server was modified after the client's sync timestamp",
	}
}

func fieldConflict(field string, serverValue, clientValue any) models.Conflict {
	return models.Conflict{
		Type:        models.ConflictField,
		Field:       field,
		ServerValue: serverValue,
		ClientValue: clientValue,
		Message:     fmt.Sprintf("server and client disagree on %s", field),
	}
}

// Apply executes the chosen resolution strategy for a record in conflict and
// returns the entity the record should complete against. Mutating strategies
// run inside the repositories' transactions; a failure leaves domain state
// untouched so resolution stays retryable.
func (r *ConflictResolver) Apply(ctx context.Context, actor models.Actor, record *models.SyncRecord, resolution models.Resolution, mergeData json.RawMessage) (uuid.UUID, error) {
	switch resolution {
	case models.ResolutionUseLocal:
		return r.applyPayload(ctx, actor, record, record.Payload)
	case models.ResolutionUseServer:
		return r.locateExisting(ctx, actor, record)
	case models.ResolutionMerge:
		if len(mergeData) == 0 {
			return uuid.Nil, syncerr.NewValidation("merge resolution requires merge data")
		}
		// Merge payloads are applied as-is: an operator escape hatch, not
		// re-validated against the entity rules.
		return r.applyPayload(ctx, actor, record, mergeData)
	}
	return uuid.Nil, syncerr.NewValidation(fmt.Sprintf("unknown resolution strategy %q", resolution))
}

// applyPayload upserts the entity from the given payload: find by natural key,
// update if present, create otherwise.
func (r *ConflictResolver) applyPayload(ctx context.Context, actor models.Actor, record *models.SyncRecord, raw json.RawMessage) (uuid.UUID, error) {
	payload, err := payloads.Decode(record.SyncType, raw)
	if err != nil {
		return uuid.Nil, err
	}

	switch p := payload.(type) {
	case *payloads.OrderPayload:
		return r.applyOrder(ctx, actor, p)
	case *payloads.PaymentPayload:
		return r.applyPayment(ctx, actor, record, p)
	case *payloads.InventoryPayload:
		return r.applyMovement(ctx, actor, p)
	}
	return uuid.Nil, syncerr.NewUnsupported(string(record.SyncType), "resolve")
}

func (r *ConflictResolver) applyOrder(ctx context.Context, actor models.Actor, p *payloads.OrderPayload) (uuid.UUID, error) {
	existing, err := r.orders.GetByOrderNumber(ctx, actor.StoreID, p.OrderNumber)
	if err != nil && !errors.Is(err, repositories.ErrNotFound) {
		return uuid.Nil, err
	}

	if existing != nil {
		applyOrderPayload(existing, p)
		if err := r.orders.Update(ctx, existing); err != nil {
			return uuid.Nil, err
		}
		return existing.ID, nil
	}

	order := orderFromPayload(actor, p)
	if err := r.orders.CreateWithItems(ctx, order); err != nil {
		return uuid.Nil, err
	}
	return order.ID, nil
}

func (r *ConflictResolver) applyPayment(ctx context.Context, actor models.Actor, record *models.SyncRecord, p *payloads.PaymentPayload) (uuid.UUID, error) {
	if record.EntityID != nil {
		existing, err := r.payments.GetByID(ctx, *record.EntityID)
		if err != nil && !errors.Is(err, repositories.ErrNotFound) {
			return uuid.Nil, err
		}
		if existing != nil {
			applyPaymentPayload(existing, p)
			if err := r.payments.Update(ctx, existing); err != nil {
				return uuid.Nil, err
			}
			return existing.ID, nil
		}
	}

	payment := paymentFromPayload(actor, p)
	if err := r.payments.Create(ctx, payment); err != nil {
		return uuid.Nil, err
	}
	return payment.ID, nil
}

func (r *ConflictResolver) applyMovement(ctx context.Context, actor models.Actor, p *payloads.InventoryPayload) (uuid.UUID, error) {
	movement := movementFromPayload(actor, p)
	if err := r.inventory.CreateMovement(ctx, movement); err != nil {
		return uuid.Nil, err
	}
	return movement.ID, nil
}

// locateExisting resolves use_server: find the entity the server already has
// and complete against it without any mutation.
func (r *ConflictResolver) locateExisting(ctx context.Context, actor models.Actor, record *models.SyncRecord) (uuid.UUID, error) {
	if record.EntityID != nil {
		return *record.EntityID, nil
	}

	payload, err := payloads.Decode(record.SyncType, record.Payload)
	if err != nil {
		return uuid.Nil, err
	}
	if p, ok := payload.(*payloads.OrderPayload); ok {
		order, err := r.orders.GetByOrderNumber(ctx, actor.StoreID, p.OrderNumber)
		if err != nil {
			return uuid.Nil, err
		}
		return order.ID, nil
	}
	return uuid.Nil, fmt.Errorf("cannot locate existing %s entity for record %s", record.SyncType, record.ID)
}

func applyOrderPayload(order *models.Order, p *payloads.OrderPayload) {
	if p.Status != "" {
		order.Status = p.Status
	}
	order.Subtotal = p.Subtotal
	order.TotalAmount = p.TotalAmount
	if p.PaymentMethod != "" {
		order.PaymentMethod = p.PaymentMethod
	}
	order.Notes = p.Notes
}

func orderFromPayload(actor models.Actor, p *payloads.OrderPayload) *models.Order {
	status := p.Status
	if status == "" {
		status = models.OrderStatusOpen
	}
	order := &models.Order{
		StoreID:       actor.StoreID,
		OrderNumber:   p.OrderNumber,
		Status:        status,
		Subtotal:      p.Subtotal,
		TotalAmount:   p.TotalAmount,
		PaymentMethod: p.PaymentMethod,
		Notes:         p.Notes,
		MemberID:      p.MemberID,
		UserID:        p.UserID,
	}
	for _, item := range p.Items {
		order.Items = append(order.Items, models.OrderItem{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			Total:     item.Total,
		})
	}
	return order
}

func applyPaymentPayload(payment *models.Payment, p *payloads.PaymentPayload) {
	payment.Amount = p.Amount
	if p.Method != "" {
		payment.Method = p.Method
	}
	if p.Status != "" {
		payment.Status = p.Status
	}
	if p.Reference != "" {
		payment.Reference = p.Reference
	}
}

func paymentFromPayload(actor models.Actor, p *payloads.PaymentPayload) *models.Payment {
	status := p.Status
	if status == "" {
		status = models.PaymentStatusCompleted
	}
	return &models.Payment{
		StoreID:   actor.StoreID,
		OrderID:   p.OrderID,
		Amount:    p.Amount,
		Method:    p.Method,
		Status:    status,
		Reference: p.Reference,
	}
}

func movementFromPayload(actor models.Actor, p *payloads.InventoryPayload) *models.InventoryMovement {
	return &models.InventoryMovement{
		StoreID:   actor.StoreID,
		ProductID: p.ProductID,
		Type:      p.Type,
		Quantity:  p.Quantity,
		UnitCost:  p.UnitCost,
		Reference: p.Reference,
	}
}
