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

type PostgresPaymentRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresPaymentRepository(pool *pgxpool.Pool) *PostgresPaymentRepository {
	return &PostgresPaymentRepository{pool: pool}
}

const paymentColumns = `id, store_id, order_id, amount, method, status, reference, created_at, updated_at`

func (r *PostgresPaymentRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE id = $1`
	return r.scanPayment(r.pool.QueryRow(ctx, query, id))
}

func (r *PostgresPaymentRepository) ListByOrderID(ctx context.Context, orderID uuid.UUID) ([]*models.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments
	          WHERE order_id = $1 ORDER BY created_at ASC`

	rows, err := r.pool.Query(ctx, query, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to query payments: %w", err)
	}
	defer rows.Close()

	var payments []*models.Payment
	for rows.Next() {
		var payment models.Payment
		err := rows.Scan(
			&payment.ID,
			&payment.StoreID,
			&payment.OrderID,
			&payment.Amount,
			&payment.Method,
			&payment.Status,
			&payment.Reference,
			&payment.CreatedAt,
			&payment.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		payments = append(payments, &payment)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating payments: %w", err)
	}
	return payments, nil
}

func (r *PostgresPaymentRepository) Create(ctx context.Context, payment *models.Payment) error {
	query := `INSERT INTO payments (store_id, order_id, amount, method, status, reference)
	          VALUES ($1, $2, $3, $4, $5, $6)
	          RETURNING id, created_at`

	err := r.pool.QueryRow(ctx, query,
		payment.StoreID,
		payment.OrderID,
		payment.Amount,
		payment.Method,
		payment.Status,
		payment.Reference,
	).Scan(&payment.ID, &payment.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to create payment: %w", err)
	}
	return nil
}

func (r *PostgresPaymentRepository) Update(ctx context.Context, payment *models.Payment) error {
	query := `UPDATE payments
	          SET amount = $1, method = $2, status = $3, reference = $4, updated_at = NOW()
	          WHERE id = $5
	          RETURNING updated_at`

	err := r.pool.QueryRow(ctx, query,
		payment.Amount,
		payment.Method,
		payment.Status,
		payment.Reference,
		payment.ID,
	).Scan(&payment.UpdatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to update payment: %w", err)
	}
	return nil
}

func (r *PostgresPaymentRepository) scanPayment(row pgx.Row) (*models.Payment, error) {
	var payment models.Payment
	err := row.Scan(
		&payment.ID,
		&payment.StoreID,
		&payment.OrderID,
		&payment.Amount,
		&payment.Method,
		&payment.Status,
		&payment.Reference,
		&payment.CreatedAt,
		&payment.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan payment: %w", err)
	}
	return &payment, nil
}
