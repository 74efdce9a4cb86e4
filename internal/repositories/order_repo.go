package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tillpoint/possync/internal/models"
)

type PostgresOrderRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresOrderRepository(pool *pgxpool.Pool) *PostgresOrderRepository {
	return &PostgresOrderRepository{pool: pool}
}

const orderColumns = `id, store_id, order_number, status, subtotal, total_amount,
	payment_method, notes, member_id, user_id, created_at, updated_at`

func (r *PostgresOrderRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`
	order, err := r.scanOrder(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, err
	}
	if err := r.loadItems(ctx, order); err != nil {
		return nil, err
	}
	return order, nil
}

func (r *PostgresOrderRepository) GetByOrderNumber(ctx context.Context, storeID uuid.UUID, orderNumber string) (*models.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders
	          WHERE store_id = $1 AND order_number = $2`
	order, err := r.scanOrder(r.pool.QueryRow(ctx, query, storeID, orderNumber))
	if err != nil {
		return nil, err
	}
	if err := r.loadItems(ctx, order); err != nil {
		return nil, err
	}
	return order, nil
}

// CreateWithItems inserts the order and all its items atomically. A failure on
// any item rolls the whole order back.
func (r *PostgresOrderRepository) CreateWithItems(ctx context.Context, order *models.Order) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin order transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `INSERT INTO orders (store_id, order_number, status, subtotal, total_amount,
	              payment_method, notes, member_id, user_id)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	          RETURNING id, created_at`

	err = tx.QueryRow(ctx, query,
		order.StoreID,
		order.OrderNumber,
		order.Status,
		order.Subtotal,
		order.TotalAmount,
		order.PaymentMethod,
		order.Notes,
		order.MemberID,
		order.UserID,
	).Scan(&order.ID, &order.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create order: %w", err)
	}

	itemQuery := `INSERT INTO order_items (order_id, product_id, quantity, unit_price, total)
	              VALUES ($1, $2, $3, $4, $5)
	              RETURNING id, created_at`
	for i := range order.Items {
		item := &order.Items[i]
		item.OrderID = order.ID
		err = tx.QueryRow(ctx, itemQuery,
			item.OrderID,
			item.ProductID,
			item.Quantity,
			item.UnitPrice,
			item.Total,
		).Scan(&item.ID, &item.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to create order item: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit order transaction: %w", err)
	}
	return nil
}

func (r *PostgresOrderRepository) Update(ctx context.Context, order *models.Order) error {
	query := `UPDATE orders
	          SET status = $1,
	              subtotal = $2,
	              total_amount = $3,
	              payment_method = $4,
	              notes = $5,
	              updated_at = NOW()
	          WHERE id = $6
	          RETURNING updated_at`

	err := r.pool.QueryRow(ctx, query,
		order.Status,
		order.Subtotal,
		order.TotalAmount,
		order.PaymentMethod,
		order.Notes,
		order.ID,
	).Scan(&order.UpdatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}
	return nil
}

func (r *PostgresOrderRepository) Delete(ctx context.Context, id uuid.UUID) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin delete transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM order_items WHERE order_id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete order items: %w", err)
	}

	result, err := tx.Exec(ctx, `DELETE FROM orders WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete order: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit delete transaction: %w", err)
	}
	return nil
}

func (r *PostgresOrderRepository) scanOrder(row pgx.Row) (*models.Order, error) {
	var order models.Order
	err := row.Scan(
		&order.ID,
		&order.StoreID,
		&order.OrderNumber,
		&order.Status,
		&order.Subtotal,
		&order.TotalAmount,
		&order.PaymentMethod,
		&order.Notes,
		&order.MemberID,
		&order.UserID,
		&order.CreatedAt,
		&order.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan order: %w", err)
	}
	return &order, nil
}

func (r *PostgresOrderRepository) loadItems(ctx context.Context, order *models.Order) error {
	query := `SELECT id, order_id, product_id, quantity, unit_price, total, created_at
	          FROM order_items WHERE order_id = $1 ORDER BY created_at ASC`

	rows, err := r.pool.Query(ctx, query, order.ID)
	if err != nil {
		return fmt.Errorf("failed to query order items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var item models.OrderItem
		err := rows.Scan(
			&item.ID,
			&item.OrderID,
			&item.ProductID,
			&item.Quantity,
			&item.UnitPrice,
			&item.Total,
			&item.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to scan order item: %w", err)
		}
		order.Items = append(order.Items, item)
	}
	return rows.Err()
}
