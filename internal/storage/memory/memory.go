// Package memory implements the fulfillment repositories in process memory.
// All views of one Store share a single lock, so the compound operations
// that the PostgreSQL repositories run in a transaction are atomic here too.
package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xenking/kart-fulfillment/internal/domain/coupon"
	"github.com/xenking/kart-fulfillment/internal/domain/order"
	"github.com/xenking/kart-fulfillment/internal/domain/payment"
	"github.com/xenking/kart-fulfillment/internal/domain/product"
)

// Store holds every table of the fulfillment core.
type Store struct {
	mu sync.Mutex

	variants map[string]product.Variant

	coupons      map[string]*coupon.Coupon // by id
	couponByCode map[string]string
	usages       []coupon.Usage

	orders        map[string]*order.Order
	orderByNumber map[string]string
	sequences     map[time.Time]int64

	payments map[string]*payment.Payment
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		variants:      make(map[string]product.Variant),
		coupons:       make(map[string]*coupon.Coupon),
		couponByCode:  make(map[string]string),
		orders:        make(map[string]*order.Order),
		orderByNumber: make(map[string]string),
		sequences:     make(map[time.Time]int64),
		payments:      make(map[string]*payment.Payment),
	}
}

// Catalog returns the product.Catalog view.
func (s *Store) Catalog() *Catalog { return &Catalog{s: s} }

// Coupons returns the coupon.Repository view.
func (s *Store) Coupons() *Coupons { return &Coupons{s: s} }

// Orders returns the order.Repository view.
func (s *Store) Orders() *Orders { return &Orders{s: s} }

// Sequence returns the order.Sequence view.
func (s *Store) Sequence() *Sequence { return &Sequence{s: s} }

// Payments returns the payment.Repository view.
func (s *Store) Payments() *Payments { return &Payments{s: s} }

var (
	_ product.Catalog    = (*Catalog)(nil)
	_ coupon.Repository  = (*Coupons)(nil)
	_ order.Repository   = (*Orders)(nil)
	_ order.Sequence     = (*Sequence)(nil)
	_ payment.Repository = (*Payments)(nil)
)

// Catalog is the in-memory product catalog.
type Catalog struct{ s *Store }

// GetVariantsByIDs returns the known variants among ids.
func (c *Catalog) GetVariantsByIDs(_ context.Context, ids []string) ([]product.Variant, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	out := make([]product.Variant, 0, len(ids))
	for _, id := range ids {
		if v, ok := c.s.variants[id]; ok {
			out = append(out, v)
		}
	}
	return out, nil
}

// UpsertVariant stores a variant together with its product.
func (c *Catalog) UpsertVariant(_ context.Context, v product.Variant) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	c.s.variants[v.ID] = v
	return nil
}

// Coupons is the in-memory coupon ledger store.
type Coupons struct{ s *Store }

// FindByCode returns a copy of the coupon with the given normalized code.
func (c *Coupons) FindByCode(_ context.Context, code string) (*coupon.Coupon, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	id, ok := c.s.couponByCode[code]
	if !ok {
		return nil, coupon.ErrNotFound
	}
	cp := *c.s.coupons[id]
	return &cp, nil
}

// CountUsages counts the usages of a coupon by one user.
func (c *Coupons) CountUsages(_ context.Context, couponID, userID string) (int, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	return c.s.countUsages(couponID, userID), nil
}

// Create stores a new coupon.
func (c *Coupons) Create(_ context.Context, cp *coupon.Coupon) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	if _, ok := c.s.couponByCode[cp.Code]; ok {
		return coupon.ErrDuplicateCode
	}
	stored := *cp
	c.s.coupons[cp.ID] = &stored
	c.s.couponByCode[cp.Code] = cp.ID
	return nil
}

// RecordUsage performs a guarded redemption.
func (c *Coupons) RecordUsage(_ context.Context, u coupon.Usage) (*coupon.Coupon, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	return c.s.redeem(u)
}

// ExpireBefore retires active coupons whose validity ended before now.
func (c *Coupons) ExpireBefore(_ context.Context, now time.Time) (int64, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	var n int64
	for _, cp := range c.s.coupons {
		if cp.Status == coupon.StatusActive && cp.ValidUntil != nil && cp.ValidUntil.Before(now) {
			cp.Status = coupon.StatusExpired
			cp.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

// SetStatus moves a coupon between statuses when it is in from.
func (c *Coupons) SetStatus(_ context.Context, code string, from, to coupon.Status, now time.Time) (*coupon.Coupon, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	id, ok := c.s.couponByCode[code]
	if !ok {
		return nil, coupon.ErrNotFound
	}
	cp := c.s.coupons[id]
	if cp.Status == from {
		cp.Status = to
		cp.UpdatedAt = now
	}
	out := *cp
	return &out, nil
}

func (s *Store) countUsages(couponID, userID string) int {
	n := 0
	for _, u := range s.usages {
		if u.CouponID == couponID && u.UserID == userID {
			n++
		}
	}
	return n
}

// redeem must be called with mu held.
func (s *Store) redeem(u coupon.Usage) (*coupon.Coupon, error) {
	cp, ok := s.coupons[u.CouponID]
	if !ok {
		return nil, coupon.ErrNotFound
	}
	for _, existing := range s.usages {
		if existing.CouponID == u.CouponID && existing.OrderID == u.OrderID {
			out := *cp
			return &out, nil
		}
	}
	if err := coupon.CheckRedeemable(cp, s.countUsages(u.CouponID, u.UserID)); err != nil {
		return nil, err
	}

	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	s.usages = append(s.usages, u)
	cp.TimesUsed++
	if cp.ExhaustedAfter(cp.TimesUsed) {
		cp.Status = coupon.StatusExhausted
	}
	cp.UpdatedAt = u.CreatedAt
	out := *cp
	return &out, nil
}

// Orders is the in-memory order store.
type Orders struct{ s *Store }

// Create stores the order and, when it carries a coupon, redeems it. Nothing
// is stored when the redemption is rejected.
func (o *Orders) Create(_ context.Context, ord *order.Order) error {
	o.s.mu.Lock()
	defer o.s.mu.Unlock()

	if _, ok := o.s.orderByNumber[ord.Number]; ok {
		return order.ErrDuplicateNumber
	}
	if ord.Coupon != nil {
		_, err := o.s.redeem(coupon.Usage{
			CouponID:        ord.Coupon.ID,
			UserID:          ord.UserID,
			OrderID:         ord.ID,
			DiscountApplied: ord.DiscountAmount,
			CreatedAt:       ord.CreatedAt,
		})
		if err != nil {
			return err
		}
	}

	o.s.orders[ord.ID] = cloneOrder(ord)
	o.s.orderByNumber[ord.Number] = ord.ID
	return nil
}

// Get returns a copy of the order with the given id.
func (o *Orders) Get(_ context.Context, id string) (*order.Order, error) {
	o.s.mu.Lock()
	defer o.s.mu.Unlock()

	ord, ok := o.s.orders[id]
	if !ok || ord.DeletedAt != nil {
		return nil, order.ErrNotFound
	}
	return cloneOrder(ord), nil
}

// GetByNumber returns a copy of the order with the given number.
func (o *Orders) GetByNumber(ctx context.Context, number string) (*order.Order, error) {
	o.s.mu.Lock()
	id, ok := o.s.orderByNumber[number]
	o.s.mu.Unlock()
	if !ok {
		return nil, order.ErrNotFound
	}
	return o.Get(ctx, id)
}

// Update applies fn to a copy of the order and stores it when fn succeeds.
func (o *Orders) Update(_ context.Context, id string, fn func(*order.Order) error) (*order.Order, error) {
	o.s.mu.Lock()
	defer o.s.mu.Unlock()

	stored, ok := o.s.orders[id]
	if !ok || stored.DeletedAt != nil {
		return nil, order.ErrNotFound
	}
	ord := cloneOrder(stored)
	if err := fn(ord); err != nil {
		return nil, err
	}
	o.s.orders[id] = cloneOrder(ord)
	return ord, nil
}

func cloneOrder(o *order.Order) *order.Order {
	out := *o
	out.Items = slices.Clone(o.Items)
	if o.Coupon != nil {
		ref := *o.Coupon
		out.Coupon = &ref
	}
	return &out
}

// Sequence is the in-memory day counter.
type Sequence struct{ s *Store }

// Next increments and returns the counter of day.
func (q *Sequence) Next(_ context.Context, day time.Time) (int64, error) {
	q.s.mu.Lock()
	defer q.s.mu.Unlock()
	q.s.sequences[day]++
	return q.s.sequences[day], nil
}

// Payments is the in-memory payment store.
type Payments struct{ s *Store }

// Create stores a new payment.
func (p *Payments) Create(_ context.Context, pay *payment.Payment) error {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	stored := *pay
	p.s.payments[pay.ID] = &stored
	return nil
}

// Get returns a copy of the payment with the given id.
func (p *Payments) Get(_ context.Context, id string) (*payment.Payment, error) {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()

	pay, ok := p.s.payments[id]
	if !ok {
		return nil, payment.ErrNotFound
	}
	out := *pay
	return &out, nil
}

// ListByOrder returns the payments of an order, newest first.
func (p *Payments) ListByOrder(_ context.Context, orderID string) ([]payment.Payment, error) {
	return p.list(func(pay *payment.Payment) bool { return pay.OrderID == orderID }, 0, func(a, b payment.Payment) bool {
		return a.CreatedAt.After(b.CreatedAt)
	}), nil
}

// Update applies fn to a copy of the payment and stores it when fn succeeds.
func (p *Payments) Update(_ context.Context, id string, fn func(*payment.Payment) error) (*payment.Payment, error) {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()

	stored, ok := p.s.payments[id]
	if !ok {
		return nil, payment.ErrNotFound
	}
	pay := *stored
	if err := fn(&pay); err != nil {
		return nil, err
	}
	updated := pay
	p.s.payments[id] = &updated
	return &pay, nil
}

// ListUnsynced returns settled payments the order has not observed yet.
func (p *Payments) ListUnsynced(_ context.Context, limit int) ([]payment.Payment, error) {
	return p.list(func(pay *payment.Payment) bool {
		return !pay.OrderSynced && !pay.Status.Open() && pay.Status != payment.StatusCancelled
	}, limit, oldestUpdateFirst), nil
}

// ListStale returns payments stuck in processing since before the given time.
func (p *Payments) ListStale(_ context.Context, before time.Time, limit int) ([]payment.Payment, error) {
	return p.list(func(pay *payment.Payment) bool {
		return pay.Status == payment.StatusProcessing && pay.UpdatedAt.Before(before)
	}, limit, oldestUpdateFirst), nil
}

func oldestUpdateFirst(a, b payment.Payment) bool { return a.UpdatedAt.Before(b.UpdatedAt) }

func (p *Payments) list(match func(*payment.Payment) bool, limit int, less func(a, b payment.Payment) bool) []payment.Payment {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()

	var out []payment.Payment
	for _, pay := range p.s.payments {
		if match(pay) {
			out = append(out, *pay)
		}
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
