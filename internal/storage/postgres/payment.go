package postgres

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/kart-fulfillment/internal/domain/payment"
)

const paymentColumns = `id, order_id, user_id, amount, method, status,
		transaction_id, gateway_response, error_message, processed_at, order_synced,
		created_at, updated_at`

const (
	insertPaymentSQL = `INSERT INTO payments (` + paymentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	getPaymentSQL = `SELECT ` + paymentColumns + ` FROM payments WHERE id = $1`

	lockPaymentSQL = `SELECT ` + paymentColumns + ` FROM payments WHERE id = $1 FOR UPDATE`

	listPaymentsByOrderSQL = `SELECT ` + paymentColumns + ` FROM payments
		WHERE order_id = $1 ORDER BY created_at DESC`

	listUnsyncedPaymentsSQL = `SELECT ` + paymentColumns + ` FROM payments
		WHERE NOT order_synced AND status IN ('completed', 'failed', 'refunded')
		ORDER BY updated_at LIMIT $1`

	listStalePaymentsSQL = `SELECT ` + paymentColumns + ` FROM payments
		WHERE status = 'processing' AND updated_at < $1
		ORDER BY updated_at LIMIT $2`

	updatePaymentSQL = `UPDATE payments SET status = $2, transaction_id = $3, gateway_response = $4,
		error_message = $5, processed_at = $6, order_synced = $7, updated_at = $8
		WHERE id = $1`
)

var _ payment.Repository = (*PaymentRepository)(nil)

// PaymentRepository implements payment.Repository backed by PostgreSQL.
type PaymentRepository struct {
	pool *pgxpool.Pool
}

// NewPaymentRepository returns a PaymentRepository that uses the given pool.
func NewPaymentRepository(pool *pgxpool.Pool) *PaymentRepository {
	return &PaymentRepository{pool: pool}
}

// Create stores a new payment.
func (r *PaymentRepository) Create(ctx context.Context, p *payment.Payment) error {
	_, err := r.pool.Exec(ctx, insertPaymentSQL,
		p.ID, p.OrderID, p.UserID, p.Amount, string(p.Method), string(p.Status),
		p.TransactionID, p.GatewayResponse, p.ErrorMessage, p.ProcessedAt, p.OrderSynced,
		p.CreatedAt, p.UpdatedAt,
	)
	return classify(err, "creating payment")
}

// Get returns the payment with the given id.
func (r *PaymentRepository) Get(ctx context.Context, id string) (*payment.Payment, error) {
	return getPayment(ctx, r.pool, getPaymentSQL, id)
}

// ListByOrder returns the payments of an order, newest first.
func (r *PaymentRepository) ListByOrder(ctx context.Context, orderID string) ([]payment.Payment, error) {
	rows, err := r.pool.Query(ctx, listPaymentsByOrderSQL, orderID)
	if err != nil {
		return nil, classify(err, "listing payments")
	}
	list, err := pgx.CollectRows(rows, scanPayment)
	return list, classify(err, "listing payments")
}

// Update locks the payment row, applies fn and persists the result.
func (r *PaymentRepository) Update(ctx context.Context, id string, fn func(p *payment.Payment) error) (*payment.Payment, error) {
	var updated *payment.Payment
	err := inTx(ctx, r.pool, func(tx pgx.Tx) error {
		p, err := getPayment(ctx, tx, lockPaymentSQL, id)
		if err != nil {
			return err
		}
		if err := fn(p); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, updatePaymentSQL,
			p.ID, string(p.Status), p.TransactionID, p.GatewayResponse,
			p.ErrorMessage, p.ProcessedAt, p.OrderSynced, p.UpdatedAt,
		); err != nil {
			return classify(err, "updating payment")
		}
		updated = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// ListUnsynced returns terminal payments whose order has not observed them.
func (r *PaymentRepository) ListUnsynced(ctx context.Context, limit int) ([]payment.Payment, error) {
	rows, err := r.pool.Query(ctx, listUnsyncedPaymentsSQL, limit)
	if err != nil {
		return nil, classify(err, "listing unsynced payments")
	}
	list, err := pgx.CollectRows(rows, scanPayment)
	return list, classify(err, "listing unsynced payments")
}

// ListStale returns payments stuck in processing since before the given time.
func (r *PaymentRepository) ListStale(ctx context.Context, before time.Time, limit int) ([]payment.Payment, error) {
	rows, err := r.pool.Query(ctx, listStalePaymentsSQL, before, limit)
	if err != nil {
		return nil, classify(err, "listing stale payments")
	}
	list, err := pgx.CollectRows(rows, scanPayment)
	return list, classify(err, "listing stale payments")
}

func getPayment(ctx context.Context, q querier, query, id string) (*payment.Payment, error) {
	rows, err := q.Query(ctx, query, id)
	if err != nil {
		return nil, classify(err, "getting payment")
	}
	p, err := pgx.CollectExactlyOneRow(rows, scanPayment)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, payment.ErrNotFound
		}
		return nil, classify(err, "getting payment")
	}
	return &p, nil
}

func scanPayment(row pgx.CollectableRow) (payment.Payment, error) {
	var (
		p      payment.Payment
		method string
		status string
	)
	err := row.Scan(
		&p.ID, &p.OrderID, &p.UserID, &p.Amount, &method, &status,
		&p.TransactionID, &p.GatewayResponse, &p.ErrorMessage, &p.ProcessedAt, &p.OrderSynced,
		&p.CreatedAt, &p.UpdatedAt,
	)
	p.Method = payment.Method(method)
	p.Status = payment.Status(status)
	return p, err
}
