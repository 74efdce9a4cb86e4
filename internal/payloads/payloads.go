// Package payloads defines the typed payload carried by each sync type.
// Clients submit JSON; decoding into the matching struct replaces the
// key-presence checks a loosely-typed payload would need.
package payloads

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tillpoint/possync/internal/models"
)

// Payload is the tagged union over per-sync-type payload structs.
type Payload interface {
	SyncType() models.SyncType
}

type OrderItemPayload struct {
	ProductID uuid.UUID `json:"product_id"`
	Quantity  int       `json:"quantity"`
	UnitPrice float64   `json:"unit_price"`
	Total     float64   `json:"total"`
}

type OrderPayload struct {
	OrderNumber   string             `json:"order_number"`
	Status        models.OrderStatus `json:"status"`
	Subtotal      float64            `json:"subtotal"`
	TotalAmount   float64            `json:"total_amount"`
	PaymentMethod string             `json:"payment_method"`
	Notes         string             `json:"notes"`
	MemberID      *uuid.UUID         `json:"member_id,omitempty"`
	UserID        *uuid.UUID         `json:"user_id,omitempty"`
	Items         []OrderItemPayload `json:"items,omitempty"`
}

func (OrderPayload) SyncType() models.SyncType { return models.SyncTypeOrder }

type InventoryPayload struct {
	ProductID uuid.UUID           `json:"product_id"`
	Type      models.MovementType `json:"type"`
	Quantity  int                 `json:"quantity"`
	UnitCost  *float64            `json:"unit_cost,omitempty"`
	Reference string              `json:"reference"`
}

func (InventoryPayload) SyncType() models.SyncType { return models.SyncTypeInventory }

type PaymentPayload struct {
	OrderID   uuid.UUID            `json:"order_id"`
	Amount    float64              `json:"amount"`
	Method    string               `json:"method"`
	Status    models.PaymentStatus `json:"status"`
	Reference string               `json:"reference"`
}

func (PaymentPayload) SyncType() models.SyncType { return models.SyncTypePayment }

type ProductPayload struct {
	SKU          string  `json:"sku"`
	Name         string  `json:"name"`
	CostPrice    float64 `json:"cost_price"`
	SellingPrice float64 `json:"selling_price"`
	TrackStock   bool    `json:"track_stock"`
}

func (ProductPayload) SyncType() models.SyncType { return models.SyncTypeProduct }

// Decode parses raw client JSON into the payload struct for the sync type.
// Malformed client data fails here instead of deep inside a handler.
func Decode(syncType models.SyncType, raw json.RawMessage) (Payload, error) {
	var target Payload
	switch syncType {
	case models.SyncTypeOrder:
		target = &OrderPayload{}
	case models.SyncTypeInventory:
		target = &InventoryPayload{}
	case models.SyncTypePayment:
		target = &PaymentPayload{}
	case models.SyncTypeProduct:
		target = &ProductPayload{}
	default:
		return nil, fmt.Errorf("no payload type for sync type %q", syncType)
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", syncType, err)
	}
	return target, nil
}

// SyncRequest is the full client submission handed to the sync engine.
type SyncRequest struct {
	IdempotencyKey string          `json:"idempotency_key"`
	SyncType       models.SyncType `json:"sync_type"`
	Operation      models.SyncOperation `json:"operation"`
	EntityType     string          `json:"entity_type"`
	EntityID       *uuid.UUID      `json:"entity_id,omitempty"`
	Timestamp      *time.Time      `json:"timestamp,omitempty"`
	Data           json.RawMessage `json:"data"`
}
