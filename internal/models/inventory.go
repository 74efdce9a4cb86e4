package models

import (
	"time"

	"github.com/google/uuid"
)

type MovementType string

const (
	MovementPurchase      MovementType = "purchase"
	MovementSale          MovementType = "sale"
	MovementAdjustmentIn  MovementType = "adjustment_in"
	MovementAdjustmentOut MovementType = "adjustment_out"
	MovementTransferIn    MovementType = "transfer_in"
	MovementTransferOut   MovementType = "transfer_out"
	MovementWaste         MovementType = "waste"
)

// Outbound reports whether a movement type reduces stock.
func (m MovementType) Outbound() bool {
	switch m {
	case MovementSale, MovementAdjustmentOut, MovementTransferOut, MovementWaste:
		return true
	}
	return false
}

// Delta returns the signed stock change for a movement of the given quantity.
func (m MovementType) Delta(quantity int) int {
	if m.Outbound() {
		return -quantity
	}
	return quantity
}

// InventoryMovement is an append-only stock change event. The derived
// StockLevel aggregate is updated in the same transaction that inserts the
// movement.
type InventoryMovement struct {
	ID        uuid.UUID    `json:"id"`
	StoreID   uuid.UUID    `json:"store_id"`
	ProductID uuid.UUID    `json:"product_id"`
	Type      MovementType `json:"type"`
	Quantity  int          `json:"quantity"`
	UnitCost  *float64     `json:"unit_cost,omitempty"`
	Reference string       `json:"reference"`
	CreatedAt time.Time    `json:"created_at"`
}

// StockLevel is the per-(store, product) derived aggregate.
type StockLevel struct {
	ID           uuid.UUID  `json:"id"`
	StoreID      uuid.UUID  `json:"store_id"`
	ProductID    uuid.UUID  `json:"product_id"`
	CurrentStock int        `json:"current_stock"`
	UpdatedAt    *time.Time `json:"updated_at,omitempty"`
}
