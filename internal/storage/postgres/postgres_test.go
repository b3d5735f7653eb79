//go:build integration

package postgres_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/kart-fulfillment/internal/domain/auth"
	"github.com/xenking/kart-fulfillment/internal/domain/coupon"
	"github.com/xenking/kart-fulfillment/internal/domain/order"
	"github.com/xenking/kart-fulfillment/internal/domain/payment"
	"github.com/xenking/kart-fulfillment/internal/domain/product"
	"github.com/xenking/kart-fulfillment/internal/storage/postgres"
)

func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := testpostgres.Run(ctx,
		"postgres:16-alpine",
		testpostgres.WithDatabase("test"),
		testpostgres.WithUsername("test"),
		testpostgres.WithPassword("test"),
		testpostgres.BasicWaitStrategies(),
		testpostgres.WithWaitStrategy(wait.ForLog("database system is ready to accept connections").WithOccurrence(2)),
	)
	require.NoError(t, err, "start postgres container")
	t.Cleanup(func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, postgres.Migrate(connStr))
	// Applying twice is a no-op.
	require.NoError(t, postgres.Migrate(connStr))

	pool, err := postgres.NewPool(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

type fixture struct {
	pool     *pgxpool.Pool
	products *postgres.ProductRepository
	coupons  *postgres.CouponRepository
	orders   *postgres.OrderRepository
	payments *postgres.PaymentRepository
	ledger   *coupon.Ledger
	svc      *order.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	pool := setupTestDB(t)
	f := &fixture{
		pool:     pool,
		products: postgres.NewProductRepository(pool),
		coupons:  postgres.NewCouponRepository(pool),
		orders:   postgres.NewOrderRepository(pool),
		payments: postgres.NewPaymentRepository(pool),
	}
	f.ledger = coupon.NewLedger(f.coupons)
	f.svc = order.NewService(f.products, f.ledger, f.orders,
		order.NewAllocator(postgres.NewOrderSequence(pool), nil))

	ctx := context.Background()
	require.NoError(t, f.products.UpsertVariant(ctx, product.Variant{
		ID: "v-shirt-m", SKU: "SHIRT-M", Price: decimal.RequireFromString("29.99"), Available: true,
		Product: product.Product{ID: "p-shirt", Name: "Shirt", Available: true},
	}))
	require.NoError(t, f.products.UpsertVariant(ctx, product.Variant{
		ID: "v-mug", SKU: "MUG", Price: decimal.RequireFromString("12.50"), Available: false,
		Product: product.Product{ID: "p-mug", Name: "Mug", Available: true},
	}))
	return f
}

func (f *fixture) createCoupon(t *testing.T, c coupon.Coupon) *coupon.Coupon {
	t.Helper()
	created, err := f.ledger.Create(context.Background(), &c)
	require.NoError(t, err)
	return created
}

func intp(n int) *int { return &n }

var addr = order.Address{Name: "Ada", Line1: "1 Main St", City: "Springfield", PostalCode: "12345", Country: "US"}

func TestCatalog(t *testing.T) {
	f := newFixture(t)

	got, err := f.products.GetVariantsByIDs(context.Background(), []string{"v-shirt-m", "v-mug", "missing"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	byID := map[string]product.Variant{got[0].ID: got[0], got[1].ID: got[1]}
	assert.True(t, byID["v-shirt-m"].Purchasable())
	assert.Equal(t, "Shirt", byID["v-shirt-m"].Product.Name)
	assert.False(t, byID["v-mug"].Purchasable())
}

func TestOrderRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createCoupon(t, coupon.Coupon{Code: "save20", Type: coupon.TypePercentage, Value: decimal.NewFromInt(20)})

	res, err := f.svc.CreateOrder(ctx, order.CreateRequest{
		UserID:          "u1",
		Items:           []order.ItemRequest{{VariantID: "v-shirt-m", Quantity: 3}},
		ShippingAddress: addr,
		BillingAddress:  addr,
		CouponCode:      "SAVE20",
		Notes:           "leave at door",
	})
	require.NoError(t, err)
	assert.Empty(t, res.Warnings)

	got, err := f.orders.Get(ctx, res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, res.Order.Number, got.Number)
	assert.Regexp(t, `^ORD-\d{6}-0001$`, got.Number)
	assert.Equal(t, "89.97", got.Subtotal.StringFixed(2))
	assert.Equal(t, "17.99", got.DiscountAmount.StringFixed(2))
	assert.Equal(t, "0.00", got.ShippingCost.StringFixed(2))
	assert.Equal(t, res.Order.Total.StringFixed(2), got.Total.StringFixed(2))
	require.NotNil(t, got.Coupon)
	assert.Equal(t, "SAVE20", got.Coupon.Code)
	assert.Equal(t, addr, got.ShippingAddress)
	assert.Equal(t, "leave at door", got.Notes)
	require.Len(t, got.Items, 1)
	assert.Equal(t, "SHIRT-M", got.Items[0].SKU)
	assert.Equal(t, 3, got.Items[0].Quantity)

	byNumber, err := f.orders.GetByNumber(ctx, got.Number)
	require.NoError(t, err)
	assert.Equal(t, got.ID, byNumber.ID)

	c, err := f.coupons.FindByCode(ctx, "SAVE20")
	require.NoError(t, err)
	assert.Equal(t, 1, c.TimesUsed)
	n, err := f.coupons.CountUsages(ctx, c.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = f.orders.Get(ctx, uuid.NewString())
	assert.ErrorIs(t, err, order.ErrNotFound)
}

func TestOrderUpdate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, err := f.svc.CreateOrder(ctx, order.CreateRequest{
		UserID: "u1", Items: []order.ItemRequest{{VariantID: "v-shirt-m", Quantity: 1}},
		ShippingAddress: addr, BillingAddress: addr,
	})
	require.NoError(t, err)

	admin := auth.Caller{UserID: "admin", Elevated: true}
	processing := order.StatusProcessing
	shipped := order.StatusShipped
	tracking := "1Z999"
	_, err = f.svc.MarkPaymentStatus(ctx, res.Order.ID, "pay-1", order.PaymentPaid)
	require.NoError(t, err)
	_, err = f.svc.MarkPaymentStatus(ctx, res.Order.ID, "pay-2", order.PaymentPaid)
	require.ErrorIs(t, err, order.ErrAlreadyPaid)
	_, err = f.svc.Update(ctx, res.Order.ID, order.Patch{Status: &processing}, admin)
	require.NoError(t, err)
	_, err = f.svc.Update(ctx, res.Order.ID, order.Patch{Status: &shipped, TrackingNumber: &tracking}, admin)
	require.NoError(t, err)

	got, err := f.orders.Get(ctx, res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusShipped, got.Status)
	assert.Equal(t, order.PaymentPaid, got.PaymentStatus)
	assert.Equal(t, "pay-1", got.PaidBy)
	assert.Equal(t, "1Z999", got.TrackingNumber)
	assert.NotNil(t, got.ShippedAt)
}

func TestConcurrentOrderNumbersAreUnique(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const n = 20
	numbers := make([]string, n)
	var g errgroup.Group
	for i := range n {
		g.Go(func() error {
			res, err := f.svc.CreateOrder(ctx, order.CreateRequest{
				UserID: fmt.Sprintf("u%d", i), Items: []order.ItemRequest{{VariantID: "v-shirt-m", Quantity: 1}},
				ShippingAddress: addr, BillingAddress: addr,
			})
			if err != nil {
				return err
			}
			numbers[i] = res.Order.Number
			return nil
		})
	}
	require.NoError(t, g.Wait())

	seen := make(map[string]bool, n)
	for _, num := range numbers {
		assert.False(t, seen[num], "duplicate number %s", num)
		seen[num] = true
	}
}

func TestConcurrentRedemptionRespectsUsageLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createCoupon(t, coupon.Coupon{
		Code: "ONCE", Type: coupon.TypeFixedAmount, Value: decimal.NewFromInt(5), UsageLimit: intp(1),
	})

	const n = 8
	var discounted atomic.Int32
	var g errgroup.Group
	for i := range n {
		g.Go(func() error {
			res, err := f.svc.CreateOrder(ctx, order.CreateRequest{
				UserID: fmt.Sprintf("u%d", i), Items: []order.ItemRequest{{VariantID: "v-shirt-m", Quantity: 1}},
				ShippingAddress: addr, BillingAddress: addr, CouponCode: "ONCE",
			})
			if err != nil {
				return err
			}
			if res.Order.Coupon != nil {
				discounted.Add(1)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.EqualValues(t, 1, discounted.Load())

	c, err := f.coupons.FindByCode(ctx, "ONCE")
	require.NoError(t, err)
	assert.Equal(t, 1, c.TimesUsed)
	assert.Equal(t, coupon.StatusExhausted, c.Status)
}

func TestCouponRepository(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	from, past := time.Now().Add(-2*time.Hour), time.Now().Add(-time.Hour)
	c := f.createCoupon(t, coupon.Coupon{
		Code: "OLD", Type: coupon.TypeFreeShipping, ValidFrom: &from, ValidUntil: &past,
	})
	f.createCoupon(t, coupon.Coupon{Code: "NEW", Type: coupon.TypeFixedAmount, Value: decimal.NewFromInt(3)})

	err := f.coupons.Create(ctx, &coupon.Coupon{
		ID: uuid.NewString(), Code: "NEW", Type: coupon.TypeFixedAmount, Value: decimal.NewFromInt(1),
		Status: coupon.StatusActive, CreatedAt: time.Now(), UpdatedAt: time.Now(),
	})
	assert.ErrorIs(t, err, coupon.ErrDuplicateCode)

	n, err := f.coupons.ExpireBefore(ctx, time.Now())
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, err := f.coupons.FindByCode(ctx, "OLD")
	require.NoError(t, err)
	assert.Equal(t, c.ID, got.ID)
	assert.Equal(t, coupon.StatusExpired, got.Status)

	got, err = f.coupons.SetStatus(ctx, "NEW", coupon.StatusActive, coupon.StatusInactive, time.Now())
	require.NoError(t, err)
	assert.Equal(t, coupon.StatusInactive, got.Status)
	got, err = f.coupons.SetStatus(ctx, "OLD", coupon.StatusInactive, coupon.StatusActive, time.Now())
	require.NoError(t, err)
	assert.Equal(t, coupon.StatusExpired, got.Status)

	_, err = f.coupons.FindByCode(ctx, "NOPE")
	assert.ErrorIs(t, err, coupon.ErrNotFound)
	_, err = f.coupons.SetStatus(ctx, "NOPE", coupon.StatusActive, coupon.StatusInactive, time.Now())
	assert.ErrorIs(t, err, coupon.ErrNotFound)
}

func TestRecordUsageIsIdempotentPerOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.createCoupon(t, coupon.Coupon{
		Code: "TWICE", Type: coupon.TypeFixedAmount, Value: decimal.NewFromInt(5), UsageLimitPerUser: intp(1),
	})

	usage := coupon.Usage{
		CouponID: c.ID, UserID: "u1", OrderID: uuid.NewString(),
		DiscountApplied: decimal.NewFromInt(5), CreatedAt: time.Now(),
	}
	got, err := f.coupons.RecordUsage(ctx, usage)
	require.NoError(t, err)
	assert.Equal(t, 1, got.TimesUsed)

	got, err = f.coupons.RecordUsage(ctx, usage)
	require.NoError(t, err)
	assert.Equal(t, 1, got.TimesUsed)

	usage.OrderID = uuid.NewString()
	_, err = f.coupons.RecordUsage(ctx, usage)
	assert.ErrorIs(t, err, coupon.ErrRedemptionRejected)
}

func TestPaymentRepository(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, err := f.svc.CreateOrder(ctx, order.CreateRequest{
		UserID: "u1", Items: []order.ItemRequest{{VariantID: "v-shirt-m", Quantity: 1}},
		ShippingAddress: addr, BillingAddress: addr,
	})
	require.NoError(t, err)

	old := time.Now().Add(-time.Hour).UTC().Truncate(time.Microsecond)
	p := &payment.Payment{
		ID: uuid.NewString(), OrderID: res.Order.ID, UserID: "u1", Amount: res.Order.Total,
		Method: payment.MethodStripe, Status: payment.StatusProcessing, OrderSynced: true,
		CreatedAt: old, UpdatedAt: old,
	}
	require.NoError(t, f.payments.Create(ctx, p))

	stale, err := f.payments.ListStale(ctx, time.Now().Add(-time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, p.ID, stale[0].ID)

	now := time.Now().UTC()
	updated, err := f.payments.Update(ctx, p.ID, func(p *payment.Payment) error {
		p.Status = payment.StatusCompleted
		p.TransactionID = "pi_123"
		p.ProcessedAt = &now
		p.OrderSynced = false
		p.UpdatedAt = now
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, payment.StatusCompleted, updated.Status)

	unsynced, err := f.payments.ListUnsynced(ctx, 10)
	require.NoError(t, err)
	require.Len(t, unsynced, 1)
	assert.Equal(t, "pi_123", unsynced[0].TransactionID)

	list, err := f.payments.ListByOrder(ctx, res.Order.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, list[0].Amount.Equal(res.Order.Total))

	_, err = f.payments.Get(ctx, uuid.NewString())
	assert.ErrorIs(t, err, payment.ErrNotFound)
}
