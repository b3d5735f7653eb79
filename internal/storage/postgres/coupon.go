package postgres

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/kart-fulfillment/internal/domain/coupon"
)

const couponColumns = `id, code, name, description, type, value,
		minimum_purchase, maximum_discount, usage_limit, usage_limit_per_user,
		valid_from, valid_until, status, single_use, restricted_to, times_used,
		created_at, updated_at`

const (
	getCouponByCodeSQL = `SELECT ` + couponColumns + ` FROM coupons WHERE code = $1`

	lockCouponSQL = `SELECT ` + couponColumns + ` FROM coupons WHERE id = $1 FOR NO KEY UPDATE`

	countCouponUsagesSQL = `SELECT COUNT(*) FROM coupon_usages WHERE coupon_id = $1 AND user_id = $2`

	usageExistsSQL = `SELECT EXISTS (SELECT 1 FROM coupon_usages WHERE coupon_id = $1 AND order_id = $2)`

	insertCouponSQL = `INSERT INTO coupons (` + couponColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`

	insertCouponUsageSQL = `INSERT INTO coupon_usages (id, coupon_id, user_id, order_id, discount_applied, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	updateCouponUsageSQL = `UPDATE coupons SET times_used = $2, status = $3, updated_at = $4 WHERE id = $1`

	expireCouponsSQL = `UPDATE coupons SET status = 'expired', updated_at = $1
		WHERE status = 'active' AND valid_until IS NOT NULL AND valid_until < $1`

	setCouponStatusSQL = `UPDATE coupons SET status = $3, updated_at = $4
		WHERE code = $1 AND status = $2 RETURNING ` + couponColumns

	couponCodeConstraint = "coupons_code_key"
)

var _ coupon.Repository = (*CouponRepository)(nil)

// CouponRepository implements coupon.Repository backed by PostgreSQL.
type CouponRepository struct {
	pool *pgxpool.Pool
}

// NewCouponRepository returns a CouponRepository that uses the given pool.
func NewCouponRepository(pool *pgxpool.Pool) *CouponRepository {
	return &CouponRepository{pool: pool}
}

// FindByCode looks up a coupon by its normalized code regardless of status.
// Returns coupon.ErrNotFound when no coupon matches.
func (r *CouponRepository) FindByCode(ctx context.Context, code string) (*coupon.Coupon, error) {
	rows, err := r.pool.Query(ctx, getCouponByCodeSQL, code)
	if err != nil {
		return nil, classify(err, "finding coupon by code")
	}

	c, err := pgx.CollectExactlyOneRow(rows, scanCoupon)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, coupon.ErrNotFound
		}
		return nil, classify(err, "finding coupon by code")
	}
	return &c, nil
}

// CountUsages counts the usage rows of one user for a coupon.
func (r *CouponRepository) CountUsages(ctx context.Context, couponID, userID string) (int, error) {
	var n int
	if err := r.pool.QueryRow(ctx, countCouponUsagesSQL, couponID, userID).Scan(&n); err != nil {
		return 0, classify(err, "counting coupon usages")
	}
	return n, nil
}

// Create stores a new coupon.
func (r *CouponRepository) Create(ctx context.Context, c *coupon.Coupon) error {
	_, err := r.pool.Exec(ctx, insertCouponSQL,
		c.ID, c.Code, c.Name, c.Description, string(c.Type), c.Value,
		c.MinimumPurchase, c.MaximumDiscount, c.UsageLimit, c.UsageLimitPerUser,
		c.ValidFrom, c.ValidUntil, string(c.Status), c.SingleUse, c.RestrictedTo, c.TimesUsed,
		c.CreatedAt, c.UpdatedAt,
	)
	if isUniqueViolation(err, couponCodeConstraint) {
		return coupon.ErrDuplicateCode
	}
	return classify(err, "creating coupon")
}

// RecordUsage performs a guarded redemption in its own transaction.
func (r *CouponRepository) RecordUsage(ctx context.Context, u coupon.Usage) (*coupon.Coupon, error) {
	var c *coupon.Coupon
	err := inTx(ctx, r.pool, func(tx pgx.Tx) error {
		var err error
		c, err = redeem(ctx, tx, u)
		return err
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// redeem locks the coupon row, re-checks its limits, appends the usage and
// bumps the counter within tx. An existing usage for the same order is
// returned as is.
func redeem(ctx context.Context, tx pgx.Tx, u coupon.Usage) (*coupon.Coupon, error) {
	rows, err := tx.Query(ctx, lockCouponSQL, u.CouponID)
	if err != nil {
		return nil, classify(err, "locking coupon")
	}
	c, err := pgx.CollectExactlyOneRow(rows, scanCoupon)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, coupon.ErrNotFound
		}
		return nil, classify(err, "locking coupon")
	}

	var exists bool
	if err := tx.QueryRow(ctx, usageExistsSQL, u.CouponID, u.OrderID).Scan(&exists); err != nil {
		return nil, classify(err, "checking coupon usage")
	}
	if exists {
		return &c, nil
	}

	var used int
	if err := tx.QueryRow(ctx, countCouponUsagesSQL, u.CouponID, u.UserID).Scan(&used); err != nil {
		return nil, classify(err, "counting coupon usages")
	}
	if err := coupon.CheckRedeemable(&c, used); err != nil {
		return nil, err
	}

	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	if _, err := tx.Exec(ctx, insertCouponUsageSQL,
		u.ID, u.CouponID, u.UserID, u.OrderID, u.DiscountApplied, u.CreatedAt,
	); err != nil {
		return nil, classify(err, "inserting coupon usage")
	}

	c.TimesUsed++
	if c.ExhaustedAfter(c.TimesUsed) {
		c.Status = coupon.StatusExhausted
	}
	c.UpdatedAt = u.CreatedAt
	if _, err := tx.Exec(ctx, updateCouponUsageSQL, c.ID, c.TimesUsed, string(c.Status), c.UpdatedAt); err != nil {
		return nil, classify(err, "updating coupon counter")
	}
	return &c, nil
}

// ExpireBefore retires active coupons whose validity ended before now.
func (r *CouponRepository) ExpireBefore(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, expireCouponsSQL, now)
	if err != nil {
		return 0, classify(err, "expiring coupons")
	}
	return tag.RowsAffected(), nil
}

// SetStatus moves a coupon between statuses with a guarded update. A coupon
// that is not in from is read back unchanged.
func (r *CouponRepository) SetStatus(ctx context.Context, code string, from, to coupon.Status, now time.Time) (*coupon.Coupon, error) {
	rows, err := r.pool.Query(ctx, setCouponStatusSQL, code, string(from), string(to), now)
	if err != nil {
		return nil, classify(err, "updating coupon status")
	}
	c, err := pgx.CollectExactlyOneRow(rows, scanCoupon)
	if errors.Is(err, pgx.ErrNoRows) {
		return r.FindByCode(ctx, code)
	}
	if err != nil {
		return nil, classify(err, "updating coupon status")
	}
	return &c, nil
}

func scanCoupon(row pgx.CollectableRow) (coupon.Coupon, error) {
	var (
		c      coupon.Coupon
		typ    string
		status string
	)
	err := row.Scan(
		&c.ID, &c.Code, &c.Name, &c.Description, &typ, &c.Value,
		&c.MinimumPurchase, &c.MaximumDiscount, &c.UsageLimit, &c.UsageLimitPerUser,
		&c.ValidFrom, &c.ValidUntil, &status, &c.SingleUse, &c.RestrictedTo, &c.TimesUsed,
		&c.CreatedAt, &c.UpdatedAt,
	)
	c.Type = coupon.Type(typ)
	c.Status = coupon.Status(status)
	return c, err
}
