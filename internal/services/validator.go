package services

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/tillpoint/possync/internal/models"
	"github.com/tillpoint/possync/internal/payloads"
	"github.com/tillpoint/possync/internal/repositories"
	"github.com/tillpoint/possync/internal/syncerr"
)

// MoneyTolerance absorbs rounding drift in client-computed totals.
const MoneyTolerance = 0.01

// MaxIdempotencyKeyLength bounds client-chosen keys.
const MaxIdempotencyKeyLength = 255

// ValidateIdempotencyKey rejects keys before any processing: non-empty, at
// most 255 characters, alphanumeric plus hyphen and underscore.
func ValidateIdempotencyKey(key string) error {
	if key == "" {
		return syncerr.NewValidation("idempotency key must not be empty")
	}
	if len(key) > MaxIdempotencyKeyLength {
		return syncerr.NewValidation(fmt.Sprintf("idempotency key exceeds %d characters", MaxIdempotencyKeyLength))
	}
	for _, c := range key {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return syncerr.NewValidation(fmt.Sprintf("idempotency key contains invalid character %q", c))
		}
	}
	return nil
}

// Validator enforces structural and business-rule correctness of a payload
// before it touches domain state. All violations are collected and raised
// together; the engine never partially applies after a failure here.
type Validator struct {
	orders    repositories.OrderRepository
	payments  repositories.PaymentRepository
	inventory repositories.InventoryRepository
	products  repositories.ProductRepository
	members   repositories.MemberRepository
}

func NewValidator(
	orders repositories.OrderRepository,
	payments repositories.PaymentRepository,
	inventory repositories.InventoryRepository,
	products repositories.ProductRepository,
	members repositories.MemberRepository,
) *Validator {
	return &Validator{
		orders:    orders,
		payments:  payments,
		inventory: inventory,
		products:  products,
		members:   members,
	}
}

func (v *Validator) Validate(ctx context.Context, actor models.Actor, operation models.SyncOperation, payload payloads.Payload) error {
	switch p := payload.(type) {
	case *payloads.OrderPayload:
		return v.validateOrder(ctx, actor, operation, p)
	case *payloads.InventoryPayload:
		return v.validateInventory(ctx, actor, operation, p)
	case *payloads.PaymentPayload:
		return v.validatePayment(ctx, actor, operation, p)
	case *payloads.ProductPayload:
		return v.validateProduct(ctx, actor, operation, p)
	}
	return syncerr.NewValidation(fmt.Sprintf("no validation rules for payload type %T", payload))
}

func (v *Validator) validateOrder(ctx context.Context, actor models.Actor, operation models.SyncOperation, p *payloads.OrderPayload) error {
	var violations []string

	if p.OrderNumber == "" {
		violations = append(violations, "order_number is required")
	}
	if p.Subtotal < 0 {
		violations = append(violations, "subtotal must not be negative")
	}
	if p.TotalAmount < 0 {
		violations = append(violations, "total_amount must not be negative")
	}
	if p.Status != "" && !validOrderStatus(p.Status) {
		violations = append(violations, fmt.Sprintf("unknown order status %q", p.Status))
	}

	if operation == models.SyncOpCreate {
		if len(p.Items) == 0 {
			violations = append(violations, "order create requires at least one item")
		}
		var itemTotal float64
		for i, item := range p.Items {
			if item.Quantity <= 0 {
				violations = append(violations, fmt.Sprintf("items[%d].quantity must be positive", i))
			}
			if item.UnitPrice < 0 {
				violations = append(violations, fmt.Sprintf("items[%d].unit_price must not be negative", i))
			}
			itemTotal += item.Total
		}
		if math.Abs(itemTotal-p.Subtotal) > MoneyTolerance {
			violations = append(violations, fmt.Sprintf(
				"item totals %.2f do not match declared subtotal %.2f", itemTotal, p.Subtotal))
		}
	}

	if len(violations) > 0 {
		return syncerr.NewValidation(violations...)
	}

	// Referential checks run after structural validation passes.
	if operation == models.SyncOpCreate {
		if p.MemberID != nil {
			member, err := v.members.GetByID(ctx, *p.MemberID)
			if errors.Is(err, repositories.ErrNotFound) {
				violations = append(violations, fmt.Sprintf("member %s does not exist", p.MemberID))
			} else if err != nil {
				return err
			} else if member.StoreID != actor.StoreID {
				violations = append(violations, fmt.Sprintf("member %s belongs to another store", p.MemberID))
			}
		}
		for i, item := range p.Items {
			product, err := v.products.GetByID(ctx, item.ProductID)
			if errors.Is(err, repositories.ErrNotFound) {
				violations = append(violations, fmt.Sprintf("items[%d]: product %s does not exist", i, item.ProductID))
				continue
			}
			if err != nil {
				return err
			}
			if product.StoreID != actor.StoreID {
				violations = append(violations, fmt.Sprintf("items[%d]: product %s belongs to another store", i, item.ProductID))
			}
		}
	}

	if len(violations) > 0 {
		return syncerr.NewValidation(violations...)
	}
	return nil
}

func (v *Validator) validateInventory(ctx context.Context, actor models.Actor, operation models.SyncOperation, p *payloads.InventoryPayload) error {
	var violations []string

	if !validMovementType(p.Type) {
		violations = append(violations, fmt.Sprintf("unknown movement type %q", p.Type))
	}
	if p.Quantity <= 0 {
		violations = append(violations, "quantity must be positive")
	}
	if p.Type == models.MovementPurchase && (p.UnitCost == nil || *p.UnitCost <= 0) {
		violations = append(violations, "purchase movements require a positive unit_cost")
	}
	if len(violations) > 0 {
		return syncerr.NewValidation(violations...)
	}

	product, err := v.products.GetByID(ctx, p.ProductID)
	if errors.Is(err, repositories.ErrNotFound) {
		return syncerr.NewValidation(fmt.Sprintf("product %s does not exist", p.ProductID))
	}
	if err != nil {
		return err
	}
	if product.StoreID != actor.StoreID {
		return syncerr.NewValidation(fmt.Sprintf("product %s belongs to another store", p.ProductID))
	}
	if !product.TrackStock {
		return syncerr.NewValidation(fmt.Sprintf("product %s does not have inventory tracking enabled", p.ProductID))
	}

	if p.Type.Outbound() {
		level, err := v.inventory.GetStockLevel(ctx, actor.StoreID, p.ProductID)
		current := 0
		if err != nil && !errors.Is(err, repositories.ErrNotFound) {
			return err
		}
		if err == nil {
			current = level.CurrentStock
		}
		if current-p.Quantity < 0 {
			return syncerr.NewValidation(fmt.Sprintf(
				"insufficient stock: %d available, %d requested", current, p.Quantity))
		}
	}
	return nil
}

func (v *Validator) validatePayment(ctx context.Context, actor models.Actor, operation models.SyncOperation, p *payloads.PaymentPayload) error {
	var violations []string

	if p.Amount < 0 {
		violations = append(violations, "amount must not be negative")
	}
	if p.Method == "" {
		violations = append(violations, "method is required")
	}
	if p.Status != "" && !validPaymentStatus(p.Status) {
		violations = append(violations, fmt.Sprintf("unknown payment status %q", p.Status))
	}
	if len(violations) > 0 {
		return syncerr.NewValidation(violations...)
	}

	if operation != models.SyncOpCreate {
		return nil
	}

	order, err := v.orders.GetByID(ctx, p.OrderID)
	if errors.Is(err, repositories.ErrNotFound) {
		return syncerr.NewValidation(fmt.Sprintf("order %s does not exist", p.OrderID))
	}
	if err != nil {
		return err
	}
	if order.StoreID != actor.StoreID {
		return syncerr.NewValidation(fmt.Sprintf("order %s belongs to another store", p.OrderID))
	}
	if order.Status == models.OrderStatusCancelled {
		return syncerr.NewValidation(fmt.Sprintf("order %s is cancelled", p.OrderID))
	}

	remaining, err := v.remainingBalance(ctx, order)
	if err != nil {
		return err
	}
	if p.Amount > remaining+MoneyTolerance {
		return syncerr.NewValidation(fmt.Sprintf(
			"payment amount %.2f exceeds remaining balance %.2f", p.Amount, remaining))
	}
	return nil
}

// remainingBalance is the order total minus all payments that still count
// against it. Failed and refunded payments do not.
func (v *Validator) remainingBalance(ctx context.Context, order *models.Order) (float64, error) {
	existing, err := v.payments.ListByOrderID(ctx, order.ID)
	if err != nil {
		return 0, err
	}
	paid := 0.0
	for _, payment := range existing {
		if payment.Status == models.PaymentStatusFailed || payment.Status == models.PaymentStatusRefunded {
			continue
		}
		paid += payment.Amount
	}
	return order.TotalAmount - paid, nil
}

func (v *Validator) validateProduct(ctx context.Context, actor models.Actor, operation models.SyncOperation, p *payloads.ProductPayload) error {
	var violations []string

	if p.SKU == "" {
		violations = append(violations, "sku is required")
	}
	if p.Name == "" {
		violations = append(violations, "name is required")
	}
	if p.CostPrice < 0 || p.SellingPrice < 0 {
		violations = append(violations, "prices must not be negative")
	}
	if p.CostPrice > p.SellingPrice {
		violations = append(violations, fmt.Sprintf(
			"cost price %.2f exceeds selling price %.2f", p.CostPrice, p.SellingPrice))
	}
	if len(violations) > 0 {
		return syncerr.NewValidation(violations...)
	}

	if operation == models.SyncOpCreate {
		_, err := v.products.GetBySKU(ctx, actor.StoreID, p.SKU)
		if err == nil {
			return syncerr.NewValidation(fmt.Sprintf("sku %q already exists in store", p.SKU))
		}
		if !errors.Is(err, repositories.ErrNotFound) {
			return err
		}
	}
	return nil
}

func validOrderStatus(s models.OrderStatus) bool {
	switch s {
	case models.OrderStatusDraft, models.OrderStatusOpen, models.OrderStatusCompleted, models.OrderStatusCancelled:
		return true
	}
	return false
}

func validPaymentStatus(s models.PaymentStatus) bool {
	switch s {
	case models.PaymentStatusPending, models.PaymentStatusCompleted, models.PaymentStatusFailed, models.PaymentStatusRefunded:
		return true
	}
	return false
}

func validMovementType(t models.MovementType) bool {
	switch t {
	case models.MovementPurchase, models.MovementSale, models.MovementAdjustmentIn,
		models.MovementAdjustmentOut, models.MovementTransferIn, models.MovementTransferOut,
		models.MovementWaste:
		return true
	}
	return false
}
