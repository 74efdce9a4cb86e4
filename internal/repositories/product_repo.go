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

type PostgresProductRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresProductRepository(pool *pgxpool.Pool) *PostgresProductRepository {
	return &PostgresProductRepository{pool: pool}
}

const productColumns = `id, store_id, sku, name, cost_price, selling_price, track_stock, created_at, updated_at`

func (r *PostgresProductRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Product, error) {
	query := `SELECT ` + productColumns + ` FROM products WHERE id = $1`
	return r.scanProduct(r.pool.QueryRow(ctx, query, id))
}

func (r *PostgresProductRepository) GetBySKU(ctx context.Context, storeID uuid.UUID, sku string) (*models.Product, error) {
	query := `SELECT ` + productColumns + ` FROM products
	          WHERE store_id = $1 AND sku = $2`
	return r.scanProduct(r.pool.QueryRow(ctx, query, storeID, sku))
}

func (r *PostgresProductRepository) scanProduct(row pgx.Row) (*models.Product, error) {
	var product models.Product
	err := row.Scan(
		&product.ID,
		&product.StoreID,
		&product.SKU,
		&product.Name,
		&product.CostPrice,
		&product.SellingPrice,
		&product.TrackStock,
		&product.CreatedAt,
		&product.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan product: %w", err)
	}
	return &product, nil
}

type PostgresMemberRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresMemberRepository(pool *pgxpool.Pool) *PostgresMemberRepository {
	return &PostgresMemberRepository{pool: pool}
}

func (r *PostgresMemberRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Member, error) {
	query := `SELECT id, store_id, name, phone, created_at FROM members WHERE id = $1`

	var member models.Member
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&member.ID,
		&member.StoreID,
		&member.Name,
		&member.Phone,
		&member.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get member: %w", err)
	}
	return &member, nil
}
