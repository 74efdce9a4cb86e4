package models

import (
	"time"

	"github.com/google/uuid"
)

type OrderStatus string

const (
	OrderStatusDraft     OrderStatus = "draft"
	OrderStatusOpen      OrderStatus = "open"
	OrderStatusCompleted OrderStatus = "completed"
	OrderStatusCancelled OrderStatus = "cancelled"
)

// OrderTransitions is the directed graph of allowed status changes.
// Terminal states have no outgoing edges.
var OrderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusDraft:     {OrderStatusOpen, OrderStatusCancelled},
	OrderStatusOpen:      {OrderStatusCompleted, OrderStatusCancelled},
	OrderStatusCompleted: {},
	OrderStatusCancelled: {},
}

// CanTransition reports whether an order may move from one status to another.
func CanTransition(from, to OrderStatus) bool {
	for _, allowed := range OrderTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Order holds the fields the sync subsystem reads and writes. Full order
// lifecycle management lives outside this service.
type Order struct {
	ID            uuid.UUID   `json:"id"`
	StoreID       uuid.UUID   `json:"store_id"`
	OrderNumber   string      `json:"order_number"`
	Status        OrderStatus `json:"status"`
	Subtotal      float64     `json:"subtotal"`
	TotalAmount   float64     `json:"total_amount"`
	PaymentMethod string      `json:"payment_method"`
	Notes         string      `json:"notes"`
	MemberID      *uuid.UUID  `json:"member_id,omitempty"`
	UserID        *uuid.UUID  `json:"user_id,omitempty"`
	Items         []OrderItem `json:"items,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     *time.Time  `json:"updated_at,omitempty"`
}

type OrderItem struct {
	ID        uuid.UUID `json:"id"`
	OrderID   uuid.UUID `json:"order_id"`
	ProductID uuid.UUID `json:"product_id"`
	Quantity  int       `json:"quantity"`
	UnitPrice float64   `json:"unit_price"`
	Total     float64   `json:"total"`
	CreatedAt time.Time `json:"created_at"`
}
