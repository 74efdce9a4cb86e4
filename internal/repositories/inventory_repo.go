package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tillpoint/possync/internal/models"
)

// ErrInsufficientStock is returned when an outbound movement would drive the
// stock aggregate negative.
var ErrInsufficientStock = errors.New("insufficient stock")

type PostgresInventoryRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresInventoryRepository(pool *pgxpool.Pool) *PostgresInventoryRepository {
	return &PostgresInventoryRepository{pool: pool}
}

func (r *PostgresInventoryRepository) GetStockLevel(ctx context.Context, storeID, productID uuid.UUID) (*models.StockLevel, error) {
	query := `SELECT id, store_id, product_id, current_stock, updated_at
	          FROM stock_levels
	          WHERE store_id = $1 AND product_id = $2`

	var level models.StockLevel
	err := r.pool.QueryRow(ctx, query, storeID, productID).Scan(
		&level.ID,
		&level.StoreID,
		&level.ProductID,
		&level.CurrentStock,
		&level.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get stock level: %w", err)
	}
	return &level, nil
}

func (r *PostgresInventoryRepository) FindRecentMovement(ctx context.Context, movement *models.InventoryMovement, window time.Duration) (*models.InventoryMovement, error) {
	query := `SELECT id, store_id, product_id, type, quantity, unit_cost, reference, created_at
	          FROM inventory_movements
	          WHERE store_id = $1 AND product_id = $2 AND type = $3
	            AND quantity = $4 AND reference = $5 AND created_at > $6
	          ORDER BY created_at DESC
	          LIMIT 1`

	cutoff := time.Now().Add(-window)
	var found models.InventoryMovement
	err := r.pool.QueryRow(ctx, query,
		movement.StoreID,
		movement.ProductID,
		movement.Type,
		movement.Quantity,
		movement.Reference,
		cutoff,
	).Scan(
		&found.ID,
		&found.StoreID,
		&found.ProductID,
		&found.Type,
		&found.Quantity,
		&found.UnitCost,
		&found.Reference,
		&found.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find recent movement: %w", err)
	}
	return &found, nil
}

// CreateMovement inserts the movement and applies its delta to the derived
// stock aggregate in one transaction. The stock row is locked for the
// read-modify-write so concurrent movements against the same product cannot
// lose updates.
func (r *PostgresInventoryRepository) CreateMovement(ctx context.Context, movement *models.InventoryMovement) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin movement transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var current int
	lockQuery := `SELECT current_stock FROM stock_levels
	              WHERE store_id = $1 AND product_id = $2
	              FOR UPDATE`
	err = tx.QueryRow(ctx, lockQuery, movement.StoreID, movement.ProductID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		// First movement for this product creates the aggregate row.
		insertLevel := `INSERT INTO stock_levels (store_id, product_id, current_stock)
		                VALUES ($1, $2, 0)`
		if _, err := tx.Exec(ctx, insertLevel, movement.StoreID, movement.ProductID); err != nil {
			return fmt.Errorf("failed to create stock level: %w", err)
		}
		current = 0
	} else if err != nil {
		return fmt.Errorf("failed to lock stock level: %w", err)
	}

	next := current + movement.Type.Delta(movement.Quantity)
	if next < 0 {
		return fmt.Errorf("%w: %d available, movement of %d requested",
			ErrInsufficientStock, current, movement.Quantity)
	}

	insertMovement := `INSERT INTO inventory_movements (store_id, product_id, type, quantity, unit_cost, reference)
	                   VALUES ($1, $2, $3, $4, $5, $6)
	                   RETURNING id, created_at`
	err = tx.QueryRow(ctx, insertMovement,
		movement.StoreID,
		movement.ProductID,
		movement.Type,
		movement.Quantity,
		movement.UnitCost,
		movement.Reference,
	).Scan(&movement.ID, &movement.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create movement: %w", err)
	}

	updateLevel := `UPDATE stock_levels
	                SET current_stock = $1, updated_at = NOW()
	                WHERE store_id = $2 AND product_id = $3`
	if _, err := tx.Exec(ctx, updateLevel, next, movement.StoreID, movement.ProductID); err != nil {
		return fmt.Errorf("failed to update stock level: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit movement transaction: %w", err)
	}
	return nil
}
