package postgres

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/kart-fulfillment/internal/domain/coupon"
	"github.com/xenking/kart-fulfillment/internal/domain/order"
)

const orderColumns = `id, number, user_id, status, payment_status, paid_by,
		subtotal, discount_amount, shipping_cost, tax_amount, total,
		coupon_id, coupon_code, shipping_address, billing_address, notes, tracking_number,
		shipped_at, delivered_at, created_at, updated_at, deleted_at`

const (
	insertOrderSQL = `INSERT INTO orders (` + orderColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)`

	insertOrderItemSQL = `INSERT INTO order_items (id, order_id, variant_id, product_name, sku, quantity,
		unit_price, subtotal, discount, total, position)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	getOrderSQL = `SELECT ` + orderColumns + ` FROM orders WHERE id = $1 AND deleted_at IS NULL`

	getOrderByNumberSQL = `SELECT ` + orderColumns + ` FROM orders WHERE number = $1 AND deleted_at IS NULL`

	lockOrderSQL = `SELECT ` + orderColumns + ` FROM orders WHERE id = $1 AND deleted_at IS NULL FOR UPDATE`

	getOrderItemsSQL = `SELECT id, order_id, variant_id, product_name, sku, quantity,
		unit_price, subtotal, discount, total
		FROM order_items WHERE order_id = $1 ORDER BY position`

	updateOrderSQL = `UPDATE orders SET status = $2, payment_status = $3, paid_by = $4, notes = $5,
		tracking_number = $6, shipped_at = $7, delivered_at = $8, updated_at = $9
		WHERE id = $1`

	nextOrderSequenceSQL = `INSERT INTO order_sequences (day, last) VALUES ($1, 1)
		ON CONFLICT (day) DO UPDATE SET last = order_sequences.last + 1
		RETURNING last`

	orderNumberConstraint = "orders_number_key"
)

var (
	_ order.Repository = (*OrderRepository)(nil)
	_ order.Sequence   = (*OrderSequence)(nil)
)

// OrderRepository implements order.Repository backed by PostgreSQL.
type OrderRepository struct {
	pool *pgxpool.Pool
}

// NewOrderRepository returns an OrderRepository that uses the given pool.
func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

// Create persists the header, the items and the coupon redemption in one
// transaction.
func (r *OrderRepository) Create(ctx context.Context, o *order.Order) error {
	return inTx(ctx, r.pool, func(tx pgx.Tx) error {
		// The coupon row is locked before the order row references it.
		var couponID, couponCode *string
		if o.Coupon != nil {
			couponID, couponCode = &o.Coupon.ID, &o.Coupon.Code
			_, err := redeem(ctx, tx, coupon.Usage{
				ID:              uuid.New().String(),
				CouponID:        o.Coupon.ID,
				UserID:          o.UserID,
				OrderID:         o.ID,
				DiscountApplied: o.DiscountAmount,
				CreatedAt:       o.CreatedAt,
			})
			if err != nil {
				return err
			}
		}

		_, err := tx.Exec(ctx, insertOrderSQL,
			o.ID, o.Number, o.UserID, string(o.Status), string(o.PaymentStatus), o.PaidBy,
			o.Subtotal, o.DiscountAmount, o.ShippingCost, o.TaxAmount, o.Total,
			couponID, couponCode, o.ShippingAddress, o.BillingAddress, o.Notes, o.TrackingNumber,
			o.ShippedAt, o.DeliveredAt, o.CreatedAt, o.UpdatedAt, o.DeletedAt,
		)
		if isUniqueViolation(err, orderNumberConstraint) {
			return order.ErrDuplicateNumber
		}
		if err != nil {
			return classify(err, "inserting order")
		}

		batch := &pgx.Batch{}
		for i, it := range o.Items {
			batch.Queue(insertOrderItemSQL,
				it.ID, o.ID, it.VariantID, it.ProductName, it.SKU, it.Quantity,
				it.UnitPrice, it.Subtotal, it.Discount, it.Total, i,
			)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return classify(err, "inserting order items")
		}
		return nil
	})
}

// Get loads an order with its items.
func (r *OrderRepository) Get(ctx context.Context, id string) (*order.Order, error) {
	return r.load(ctx, r.pool, getOrderSQL, id)
}

// GetByNumber loads an order with its items by its number.
func (r *OrderRepository) GetByNumber(ctx context.Context, number string) (*order.Order, error) {
	return r.load(ctx, r.pool, getOrderByNumberSQL, number)
}

// Update locks the order row for the duration of fn and persists the
// mutable header fields.
func (r *OrderRepository) Update(ctx context.Context, id string, fn func(o *order.Order) error) (*order.Order, error) {
	var updated *order.Order
	err := inTx(ctx, r.pool, func(tx pgx.Tx) error {
		o, err := r.load(ctx, tx, lockOrderSQL, id)
		if err != nil {
			return err
		}
		if err := fn(o); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, updateOrderSQL,
			o.ID, string(o.Status), string(o.PaymentStatus), o.PaidBy, o.Notes, o.TrackingNumber,
			o.ShippedAt, o.DeliveredAt, o.UpdatedAt,
		); err != nil {
			return classify(err, "updating order")
		}
		updated = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (r *OrderRepository) load(ctx context.Context, q querier, query string, arg string) (*order.Order, error) {
	rows, err := q.Query(ctx, query, arg)
	if err != nil {
		return nil, classify(err, "getting order")
	}
	o, err := pgx.CollectExactlyOneRow(rows, scanOrder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrNotFound
		}
		return nil, classify(err, "getting order")
	}

	rows, err = q.Query(ctx, getOrderItemsSQL, o.ID)
	if err != nil {
		return nil, classify(err, "getting order items")
	}
	o.Items, err = pgx.CollectRows(rows, scanOrderItem)
	if err != nil {
		return nil, classify(err, "getting order items")
	}
	return &o, nil
}

func scanOrder(row pgx.CollectableRow) (order.Order, error) {
	var (
		o             order.Order
		status        string
		paymentStatus string
		couponID      *string
		couponCode    *string
	)
	err := row.Scan(
		&o.ID, &o.Number, &o.UserID, &status, &paymentStatus, &o.PaidBy,
		&o.Subtotal, &o.DiscountAmount, &o.ShippingCost, &o.TaxAmount, &o.Total,
		&couponID, &couponCode, &o.ShippingAddress, &o.BillingAddress, &o.Notes, &o.TrackingNumber,
		&o.ShippedAt, &o.DeliveredAt, &o.CreatedAt, &o.UpdatedAt, &o.DeletedAt,
	)
	o.Status = order.Status(status)
	o.PaymentStatus = order.PaymentStatus(paymentStatus)
	if couponID != nil {
		o.Coupon = &order.CouponRef{ID: *couponID}
		if couponCode != nil {
			o.Coupon.Code = *couponCode
		}
	}
	return o, err
}

func scanOrderItem(row pgx.CollectableRow) (order.Item, error) {
	var it order.Item
	err := row.Scan(
		&it.ID, &it.OrderID, &it.VariantID, &it.ProductName, &it.SKU, &it.Quantity,
		&it.UnitPrice, &it.Subtotal, &it.Discount, &it.Total,
	)
	return it, err
}

// OrderSequence implements order.Sequence with an upserted counter row per
// day, so concurrent allocations serialize on that row.
type OrderSequence struct {
	pool *pgxpool.Pool
}

// NewOrderSequence returns an OrderSequence that uses the given pool.
func NewOrderSequence(pool *pgxpool.Pool) *OrderSequence {
	return &OrderSequence{pool: pool}
}

// Next increments and returns the counter of day.
func (s *OrderSequence) Next(ctx context.Context, day time.Time) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, nextOrderSequenceSQL, day).Scan(&n); err != nil {
		return 0, classify(err, "next order sequence")
	}
	return n, nil
}
