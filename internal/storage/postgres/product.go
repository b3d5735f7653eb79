package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/kart-fulfillment/internal/domain/product"
)

const (
	getVariantsByIDsSQL = `SELECT v.id, v.sku, v.price, v.available, p.id, p.name, p.available
		FROM variants v JOIN products p ON p.id = v.product_id
		WHERE v.id = ANY($1)`

	upsertProductSQL = `INSERT INTO products (id, name, available) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, available = EXCLUDED.available`

	upsertVariantSQL = `INSERT INTO variants (id, product_id, sku, price, available) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET product_id = EXCLUDED.product_id, sku = EXCLUDED.sku,
			price = EXCLUDED.price, available = EXCLUDED.available`
)

var _ product.Catalog = (*ProductRepository)(nil)

// ProductRepository implements product.Catalog backed by PostgreSQL.
type ProductRepository struct {
	pool *pgxpool.Pool
}

// NewProductRepository returns a ProductRepository that uses the given pool.
func NewProductRepository(pool *pgxpool.Pool) *ProductRepository {
	return &ProductRepository{pool: pool}
}

// GetVariantsByIDs returns the variants matching any of the given IDs
// together with their products.
func (r *ProductRepository) GetVariantsByIDs(ctx context.Context, ids []string) ([]product.Variant, error) {
	rows, err := r.pool.Query(ctx, getVariantsByIDsSQL, ids)
	if err != nil {
		return nil, classify(err, "getting variants by ids")
	}
	variants, err := pgx.CollectRows(rows, scanVariant)
	if err != nil {
		return nil, classify(err, "getting variants by ids")
	}
	return variants, nil
}

// UpsertVariant stores a variant and its product, used by seeding.
func (r *ProductRepository) UpsertVariant(ctx context.Context, v product.Variant) error {
	return inTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, upsertProductSQL, v.Product.ID, v.Product.Name, v.Product.Available); err != nil {
			return classify(err, "upserting product "+v.Product.ID)
		}
		if _, err := tx.Exec(ctx, upsertVariantSQL, v.ID, v.Product.ID, v.SKU, v.Price, v.Available); err != nil {
			return classify(err, "upserting variant "+v.ID)
		}
		return nil
	})
}

func scanVariant(row pgx.CollectableRow) (product.Variant, error) {
	var v product.Variant
	err := row.Scan(
		&v.ID, &v.SKU, &v.Price, &v.Available,
		&v.Product.ID, &v.Product.Name, &v.Product.Available,
	)
	return v, err
}
