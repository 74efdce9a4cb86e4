package models

import "github.com/google/uuid"

// Actor identifies who is performing a sync and which store the write is
// scoped to. It is resolved once at the API boundary (JWT claims) and passed
// explicitly into every service entry point.
type Actor struct {
	UserID  uuid.UUID `json:"user_id"`
	StoreID uuid.UUID `json:"store_id"`
}
