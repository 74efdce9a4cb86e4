package repositories

import "errors"

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateKey is returned when an insert violates a uniqueness
	// constraint. For sync records this is the losing side of a race between
	// two first attempts carrying the same idempotency key.
	ErrDuplicateKey = errors.New("duplicate key")
)
