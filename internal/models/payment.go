package models

import (
	"time"

	"github.com/google/uuid"
)

type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusCompleted PaymentStatus = "completed"
	PaymentStatusFailed    PaymentStatus = "failed"
	PaymentStatusRefunded  PaymentStatus = "refunded"
)

type Payment struct {
	ID        uuid.UUID     `json:"id"`
	StoreID   uuid.UUID     `json:"store_id"`
	OrderID   uuid.UUID     `json:"order_id"`
	Amount    float64       `json:"amount"`
	Method    string        `json:"method"`
	Status    PaymentStatus `json:"status"`
	Reference string        `json:"reference"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt *time.Time    `json:"updated_at,omitempty"`
}
