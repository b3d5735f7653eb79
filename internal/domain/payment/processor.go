package payment

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xenking/kart-fulfillment/internal/domain/apperr"
	"github.com/xenking/kart-fulfillment/internal/domain/auth"
	"github.com/xenking/kart-fulfillment/internal/domain/order"
)

// Orders is the slice of the order service the processor drives.
type Orders interface {
	Get(ctx context.Context, id string, caller auth.Caller) (*order.Order, error)
	MarkPaymentStatus(ctx context.Context, id, paymentID string, ps order.PaymentStatus) (*order.Order, error)
}

// EventLog remembers processed webhook events.
type EventLog interface {
	// FirstSeen records id and reports whether it had not been seen before.
	FirstSeen(ctx context.Context, id string, ttl time.Duration) (bool, error)
	// Forget drops id so a redelivery is processed again.
	Forget(ctx context.Context, id string) error
}

// Ack acknowledges a provider callback.
type Ack struct {
	Received  bool `json:"received"`
	Duplicate bool `json:"duplicate,omitempty"`
}

// Config tunes the processor.
type Config struct {
	// GatewayTimeout bounds a single gateway call.
	GatewayTimeout time.Duration
	// StaleAfter is how long a payment may stay processing before
	// ExpireStale fails it.
	StaleAfter time.Duration
	// SyncRetries bounds order sync attempts per call.
	SyncRetries uint64
	// SyncDelay is the initial delay between order sync attempts.
	SyncDelay time.Duration
	// BatchSize bounds payments handled per Reconcile or ExpireStale call.
	BatchSize int
	// EventTTL is how long processed webhook event ids are remembered.
	EventTTL time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		GatewayTimeout: 10 * time.Second,
		StaleAfter:     15 * time.Minute,
		SyncRetries:    4,
		SyncDelay:      50 * time.Millisecond,
		BatchSize:      100,
		EventTTL:       72 * time.Hour,
	}
}

// Processor creates payments, drives them to a terminal status and keeps
// the order's payment status in step.
type Processor struct {
	payments  Repository
	orders    Orders
	gateways  map[Method]Gateway
	verifiers map[string]WebhookVerifier
	events    EventLog
	cfg       Config
	now       func() time.Time
}

// Option configures a Processor.
type Option func(*Processor)

// WithGateway routes payments of method m through g.
func WithGateway(m Method, g Gateway) Option {
	return func(p *Processor) { p.gateways[m] = g }
}

// WithWebhook verifies callbacks of the named provider with v.
func WithWebhook(provider string, v WebhookVerifier) Option {
	return func(p *Processor) { p.verifiers[provider] = v }
}

// WithEventLog de-duplicates webhook events through l.
func WithEventLog(l EventLog) Option {
	return func(p *Processor) { p.events = l }
}

// WithConfig overrides DefaultConfig.
func WithConfig(cfg Config) Option {
	return func(p *Processor) { p.cfg = cfg }
}

// WithClock overrides the processor's time source.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

// NewProcessor creates a Processor. The test method is served by a
// simulated gateway completing 95% of charges unless overridden.
func NewProcessor(payments Repository, orders Orders, opts ...Option) *Processor {
	p := &Processor{
		payments:  payments,
		orders:    orders,
		gateways:  map[Method]Gateway{MethodTest: NewSimulatedGateway(0.95)},
		verifiers: map[string]WebhookVerifier{},
		cfg:       DefaultConfig(),
		now:       time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Create opens a payment for the caller's order. Test payments are
// processed immediately; gateway payments are initiated and stay pending
// until the provider calls back.
func (s *Processor) Create(ctx context.Context, orderID string, method Method, caller auth.Caller) (*Payment, error) {
	if _, err := ParseMethod(string(method)); err != nil {
		return nil, err
	}

	o, err := s.orders.Get(ctx, orderID, caller)
	if err != nil {
		return nil, err
	}
	if o.PaymentStatus == order.PaymentPaid {
		return nil, ErrAlreadyPaid
	}
	if o.Status == order.StatusCancelled || o.Status == order.StatusRefunded {
		return nil, apperr.Errorf(apperr.InvalidState, "order is %s", o.Status)
	}

	now := s.now()
	p := &Payment{
		ID:          uuid.New().String(),
		OrderID:     o.ID,
		UserID:      o.UserID,
		Amount:      o.Total,
		Method:      method,
		Status:      StatusPending,
		OrderSynced: true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.payments.Create(ctx, p); err != nil {
		return nil, unavailable(err, "create payment")
	}

	zctx.From(ctx).Info("Payment created",
		zap.String("payment_id", p.ID),
		zap.String("order_id", p.OrderID),
		zap.String("method", string(p.Method)),
		zap.String("amount", p.Amount.StringFixed(2)),
	)

	if method == MethodTest {
		return s.Process(ctx, p.ID)
	}
	if _, ok := s.gateways[method]; ok {
		return s.initiate(ctx, p)
	}
	return p, nil
}

// initiate registers the charge with an asynchronous gateway. The payment
// stays pending; a failed call leaves it pending without a transaction.
func (s *Processor) initiate(ctx context.Context, p *Payment) (*Payment, error) {
	out, err := s.charge(ctx, p)
	if err != nil {
		zctx.From(ctx).Warn("Gateway initiation failed", zap.String("payment_id", p.ID), zap.Error(err))
		return p, nil
	}
	if out.Status != StatusPending {
		return s.finish(ctx, p.ID, out)
	}

	return s.payments.Update(ctx, p.ID, func(p *Payment) error {
		p.TransactionID = out.TransactionID
		p.GatewayResponse = out.Response
		p.UpdatedAt = s.now()
		return nil
	})
}

// Process moves a pending payment to processing and settles it through its
// gateway. A gateway timeout or error leaves the payment processing and
// returns Unavailable.
func (s *Processor) Process(ctx context.Context, paymentID string) (*Payment, error) {
	p, err := s.payments.Update(ctx, paymentID, func(p *Payment) error {
		if p.Status != StatusPending {
			return apperr.Errorf(apperr.InvalidState, "payment is %s", p.Status)
		}
		if _, ok := s.gateways[p.Method]; !ok {
			return apperr.Errorf(apperr.InvalidState, "no gateway for method %s", p.Method)
		}
		p.Status = StatusProcessing
		p.UpdatedAt = s.now()
		return nil
	})
	if err != nil {
		return nil, err
	}

	out, err := s.charge(ctx, p)
	if err != nil {
		zctx.From(ctx).Warn("Gateway call failed, payment left processing",
			zap.String("payment_id", p.ID),
			zap.Error(err),
		)
		return nil, apperr.Wrap(apperr.Unavailable, err, "gateway charge")
	}
	if out.Status == StatusPending {
		return s.payments.Update(ctx, p.ID, func(p *Payment) error {
			p.TransactionID = out.TransactionID
			p.GatewayResponse = out.Response
			p.UpdatedAt = s.now()
			return nil
		})
	}
	return s.finish(ctx, p.ID, out)
}

func (s *Processor) charge(ctx context.Context, p *Payment) (Outcome, error) {
	gw, ok := s.gateways[p.Method]
	if !ok {
		return Outcome{}, errors.Errorf("no gateway for method %s", p.Method)
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.GatewayTimeout)
	defer cancel()

	out, err := gw.Charge(ctx, p)
	if err != nil {
		return Outcome{}, err
	}
	switch out.Status {
	case StatusPending, StatusCompleted, StatusFailed:
		return out, nil
	default:
		return Outcome{}, errors.Errorf("gateway returned status %q", out.Status)
	}
}

// Settle applies a provider-reported outcome to an open payment. Repeating
// the outcome a payment already has is a no-op.
func (s *Processor) Settle(ctx context.Context, paymentID string, out Outcome) (*Payment, error) {
	if out.Status != StatusCompleted && out.Status != StatusFailed {
		return nil, apperr.Errorf(apperr.InvalidInput, "cannot settle payment as %s", out.Status)
	}
	return s.finish(ctx, paymentID, out)
}

// finish persists a terminal outcome with the order marked unsynced, then
// syncs the order.
func (s *Processor) finish(ctx context.Context, paymentID string, out Outcome) (*Payment, error) {
	var repeated bool
	p, err := s.payments.Update(ctx, paymentID, func(p *Payment) error {
		if p.Status == out.Status {
			repeated = true
			return nil
		}
		if !p.Status.Open() {
			return apperr.Errorf(apperr.InvalidState, "payment is already %s", p.Status)
		}
		now := s.now()
		p.Status = out.Status
		if out.TransactionID != "" {
			p.TransactionID = out.TransactionID
		}
		p.GatewayResponse = out.Response
		p.ErrorMessage = out.ErrorMessage
		p.ProcessedAt = &now
		p.OrderSynced = false
		p.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	if repeated && p.OrderSynced {
		return p, nil
	}

	zctx.From(ctx).Info("Payment settled",
		zap.String("payment_id", p.ID),
		zap.String("status", string(p.Status)),
		zap.String("transaction_id", p.TransactionID),
	)
	return s.syncOrder(ctx, p)
}

func orderPaymentStatus(s Status) (order.PaymentStatus, bool) {
	switch s {
	case StatusCompleted:
		return order.PaymentPaid, true
	case StatusFailed:
		return order.PaymentFailed, true
	case StatusRefunded:
		return order.PaymentRefunded, true
	}
	return "", false
}

// syncOrder propagates the payment's terminal status to its order, retrying
// outages with backoff. When the order cannot be reached the payment stays
// unsynced for Reconcile to pick up; the payment itself is returned either
// way. A completed payment the order refuses is refunded.
func (s *Processor) syncOrder(ctx context.Context, p *Payment) (*Payment, error) {
	target, ok := orderPaymentStatus(p.Status)
	if !ok {
		return p, nil
	}
	lg := zctx.From(ctx).With(zap.String("payment_id", p.ID), zap.String("order_id", p.OrderID))

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.SyncDelay
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, s.cfg.SyncRetries), ctx)

	err := backoff.Retry(func() error {
		_, err := s.orders.MarkPaymentStatus(ctx, p.OrderID, p.ID, target)
		if err != nil && !apperr.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
	switch {
	case err == nil:
	case apperr.Retryable(err) || ctx.Err() != nil:
		lg.Warn("Order sync deferred", zap.Error(err))
		return p, nil
	case target == order.PaymentPaid:
		return s.returnFunds(ctx, p, err)
	default:
		// The order refuses the transition, retrying cannot help.
		lg.Error("Order sync rejected", zap.String("target", string(target)), zap.Error(err))
	}

	synced, err := s.payments.Update(ctx, p.ID, func(p *Payment) error {
		p.OrderSynced = true
		return nil
	})
	if err != nil {
		lg.Warn("Mark payment synced", zap.Error(err))
		return p, nil
	}
	return synced, nil
}

// returnFunds refunds a completed payment its order refused, typically a
// second payment for an order already paid or a payment on a cancelled
// order. The order never observes the refund. When the refund fails the
// payment stays completed and unsynced, so Reconcile tries again.
func (s *Processor) returnFunds(ctx context.Context, p *Payment, refusal error) (*Payment, error) {
	lg := zctx.From(ctx).With(zap.String("payment_id", p.ID), zap.String("order_id", p.OrderID))
	lg.Warn("Order refused payment, refunding", zap.Error(refusal))

	refunded, err := s.refundCompleted(ctx, p.ID, "order refused payment: "+apperr.Message(refusal))
	if err != nil {
		lg.Error("Refund of refused payment failed", zap.Error(err))
		return p, nil
	}
	lg.Info("Refused payment refunded")
	return refunded, nil
}

// refundCompleted claims a completed payment as refunded and then returns
// the funds through its gateway. The claim holds the order sync, so callers
// that want the order to observe the refund release it afterwards. A
// gateway failure restores the payment and returns Unavailable.
func (s *Processor) refundCompleted(ctx context.Context, paymentID, reason string) (*Payment, error) {
	var prev Payment
	p, err := s.payments.Update(ctx, paymentID, func(p *Payment) error {
		if p.Status != StatusCompleted {
			return ErrNotRefundable
		}
		prev = *p
		now := s.now()
		p.Status = StatusRefunded
		p.ProcessedAt = &now
		if reason != "" {
			p.ErrorMessage = reason
		}
		p.OrderSynced = true
		p.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}

	r, ok := s.gateways[prev.Method].(Refunder)
	if !ok {
		return p, nil
	}
	rctx, cancel := context.WithTimeout(ctx, s.cfg.GatewayTimeout)
	err = r.Refund(rctx, &prev)
	cancel()
	if err == nil {
		return p, nil
	}

	_, rerr := s.payments.Update(context.WithoutCancel(ctx), paymentID, func(p *Payment) error {
		if p.Status != StatusRefunded {
			return nil
		}
		p.Status = prev.Status
		p.ProcessedAt = prev.ProcessedAt
		p.ErrorMessage = prev.ErrorMessage
		p.OrderSynced = prev.OrderSynced
		p.UpdatedAt = s.now()
		return nil
	})
	if rerr != nil {
		zctx.From(ctx).Error("Restore payment after failed refund",
			zap.String("payment_id", paymentID),
			zap.Error(rerr),
		)
	}
	return nil, apperr.Wrap(apperr.Unavailable, err, "gateway refund")
}

// Refund returns a completed payment's funds and marks the order refunded.
// Only elevated callers may refund. Concurrent refunds of one payment reach
// the gateway once; the others fail with ErrNotRefundable.
func (s *Processor) Refund(ctx context.Context, paymentID string, caller auth.Caller) (*Payment, error) {
	if !caller.Elevated {
		return nil, ErrNotRefunder
	}
	p, err := s.refundCompleted(ctx, paymentID, "")
	if err != nil {
		return nil, err
	}
	zctx.From(ctx).Info("Payment refunded", zap.String("payment_id", p.ID), zap.String("by", caller.UserID))

	released, err := s.payments.Update(ctx, p.ID, func(p *Payment) error {
		p.OrderSynced = false
		return nil
	})
	if err != nil {
		zctx.From(ctx).Error("Queue order sync for refund", zap.String("payment_id", p.ID), zap.Error(err))
		return p, nil
	}
	return s.syncOrder(ctx, released)
}

// Get returns a payment visible to the caller.
func (s *Processor) Get(ctx context.Context, id string, caller auth.Caller) (*Payment, error) {
	p, err := s.payments.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !caller.CanAccess(p.UserID) {
		return nil, ErrAccessDenied
	}
	return p, nil
}

// ListByOrder returns the payments of an order visible to the caller.
func (s *Processor) ListByOrder(ctx context.Context, orderID string, caller auth.Caller) ([]Payment, error) {
	if _, err := s.orders.Get(ctx, orderID, caller); err != nil {
		return nil, err
	}
	list, err := s.payments.ListByOrder(ctx, orderID)
	if err != nil {
		return nil, unavailable(err, "list payments")
	}
	return list, nil
}

// Reconcile re-drives the order sync of terminal payments whose order has
// not observed them and returns how many converged.
func (s *Processor) Reconcile(ctx context.Context) (int, error) {
	list, err := s.payments.ListUnsynced(ctx, s.cfg.BatchSize)
	if err != nil {
		return 0, unavailable(err, "list unsynced payments")
	}

	var synced int
	for i := range list {
		p, err := s.syncOrder(ctx, &list[i])
		if err != nil {
			return synced, err
		}
		if p.OrderSynced {
			synced++
		}
	}
	if len(list) > 0 {
		zctx.From(ctx).Info("Reconciled payments", zap.Int("pending", len(list)), zap.Int("synced", synced))
	}
	return synced, nil
}

// ExpireStale fails payments stuck in processing longer than StaleAfter and
// returns how many were failed.
func (s *Processor) ExpireStale(ctx context.Context) (int, error) {
	list, err := s.payments.ListStale(ctx, s.now().Add(-s.cfg.StaleAfter), s.cfg.BatchSize)
	if err != nil {
		return 0, unavailable(err, "list stale payments")
	}

	var expired int
	for _, p := range list {
		_, err := s.finish(ctx, p.ID, Outcome{
			Status:       StatusFailed,
			Response:     "No gateway response",
			ErrorMessage: "payment timed out",
		})
		if err != nil {
			// Settled concurrently by a webhook.
			if apperr.Is(err, apperr.InvalidState) {
				continue
			}
			return expired, err
		}
		expired++
	}
	if expired > 0 {
		zctx.From(ctx).Info("Expired stale payments", zap.Int("count", expired))
	}
	return expired, nil
}

// HandleWebhook verifies a provider callback and settles the payment it
// reports. Callbacks from providers without a verifier are acknowledged
// and otherwise ignored. Replayed events are acknowledged once.
func (s *Processor) HandleWebhook(ctx context.Context, provider string, payload []byte, signature string) (*Ack, error) {
	lg := zctx.From(ctx).With(zap.String("provider", provider))

	v, ok := s.verifiers[provider]
	if !ok {
		lg.Info("Webhook received", zap.Int("bytes", len(payload)))
		return &Ack{Received: true}, nil
	}

	ev, err := v.ParseWebhook(payload, signature)
	if err != nil {
		return nil, apperr.Wrap(apperr.InvalidInput, err, "verify webhook")
	}

	eventKey := provider + ":" + ev.ID
	if s.events != nil && ev.ID != "" {
		first, err := s.events.FirstSeen(ctx, eventKey, s.cfg.EventTTL)
		if err != nil {
			return nil, unavailable(err, "record webhook event")
		}
		if !first {
			lg.Info("Webhook replay ignored", zap.String("event_id", ev.ID))
			return &Ack{Received: true, Duplicate: true}, nil
		}
	}

	if ev.PaymentID == "" || !(ev.Outcome.Status == StatusCompleted || ev.Outcome.Status == StatusFailed) {
		lg.Debug("Webhook event ignored", zap.String("event_id", ev.ID))
		return &Ack{Received: true}, nil
	}

	if _, err := s.Settle(ctx, ev.PaymentID, ev.Outcome); err != nil {
		// Late callbacks for payments already closed are not an error for
		// the provider.
		if apperr.Is(err, apperr.InvalidState) || errors.Is(err, ErrNotFound) {
			lg.Warn("Webhook outcome not applied", zap.String("payment_id", ev.PaymentID), zap.Error(err))
			return &Ack{Received: true}, nil
		}
		if s.events != nil && ev.ID != "" {
			if ferr := s.events.Forget(ctx, eventKey); ferr != nil {
				lg.Warn("Forget webhook event", zap.Error(ferr))
			}
		}
		return nil, err
	}
	return &Ack{Received: true}, nil
}

func unavailable(err error, msg string) error {
	if apperr.KindOf(err) != apperr.Internal {
		return errors.Wrap(err, msg)
	}
	return apperr.Wrap(apperr.Unavailable, err, msg)
}
