// Package metrics holds the business counters of the fulfillment core.
package metrics

import (
	"context"

	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics records order, coupon and payment events.
type Metrics struct {
	ordersCreated      metric.Int64Counter
	orderTotal         metric.Float64Histogram
	couponValidations  metric.Int64Counter
	couponsExpired     metric.Int64Counter
	paymentsSettled    metric.Int64Counter
	paymentsReconciled metric.Int64Counter
	paymentsExpired    metric.Int64Counter
	webhookEvents      metric.Int64Counter
}

// New creates the instruments on meter.
func New(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}

	var err error
	m.ordersCreated, err = meter.Int64Counter(
		"orders_created_total",
		metric.WithDescription("Orders created, by coupon outcome"),
		metric.WithUnit("{order}"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create orders_created_total counter")
	}

	m.orderTotal, err = meter.Float64Histogram(
		"order_total_amount",
		metric.WithDescription("Grand total of created orders"),
		metric.WithUnit("{currency}"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create order_total_amount histogram")
	}

	m.couponValidations, err = meter.Int64Counter(
		"coupon_validations_total",
		metric.WithDescription("Coupon validations, by result"),
		metric.WithUnit("{validation}"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create coupon_validations_total counter")
	}

	m.couponsExpired, err = meter.Int64Counter(
		"coupons_expired_total",
		metric.WithDescription("Coupons retired by the expiry sweep"),
		metric.WithUnit("{coupon}"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create coupons_expired_total counter")
	}

	m.paymentsSettled, err = meter.Int64Counter(
		"payments_settled_total",
		metric.WithDescription("Payments reaching a status, by method"),
		metric.WithUnit("{payment}"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create payments_settled_total counter")
	}

	m.paymentsReconciled, err = meter.Int64Counter(
		"payments_reconciled_total",
		metric.WithDescription("Payments whose order status was synced by reconciliation"),
		metric.WithUnit("{payment}"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create payments_reconciled_total counter")
	}

	m.paymentsExpired, err = meter.Int64Counter(
		"payments_expired_total",
		metric.WithDescription("Processing payments failed after timing out"),
		metric.WithUnit("{payment}"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create payments_expired_total counter")
	}

	m.webhookEvents, err = meter.Int64Counter(
		"webhook_events_total",
		metric.WithDescription("Provider webhook events, by provider and outcome"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create webhook_events_total counter")
	}

	return m, nil
}

// Coupon outcomes of a created order.
const (
	CouponNone     = "none"
	CouponApplied  = "applied"
	CouponRejected = "rejected"
)

// RecordOrderCreated counts a created order and its total.
func (m *Metrics) RecordOrderCreated(ctx context.Context, couponOutcome string, total float64) {
	m.ordersCreated.Add(ctx, 1, metric.WithAttributes(attribute.String("coupon", couponOutcome)))
	m.orderTotal.Record(ctx, total)
}

// RecordCouponValidation counts a validation. An empty reason means valid.
func (m *Metrics) RecordCouponValidation(ctx context.Context, reason string) {
	if reason == "" {
		reason = "valid"
	}
	m.couponValidations.Add(ctx, 1, metric.WithAttributes(attribute.String("result", reason)))
}

// RecordCouponsExpired counts coupons retired by one sweep.
func (m *Metrics) RecordCouponsExpired(ctx context.Context, n int64) {
	if n > 0 {
		m.couponsExpired.Add(ctx, n)
	}
}

// RecordPayment counts a payment observed in status.
func (m *Metrics) RecordPayment(ctx context.Context, method, status string) {
	m.paymentsSettled.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("status", status),
	))
}

// RecordReconciled counts payments synced by one reconciliation pass.
func (m *Metrics) RecordReconciled(ctx context.Context, n int) {
	if n > 0 {
		m.paymentsReconciled.Add(ctx, int64(n))
	}
}

// RecordPaymentsExpired counts payments failed by one expiry pass.
func (m *Metrics) RecordPaymentsExpired(ctx context.Context, n int) {
	if n > 0 {
		m.paymentsExpired.Add(ctx, int64(n))
	}
}

// RecordWebhook counts a webhook delivery.
func (m *Metrics) RecordWebhook(ctx context.Context, provider string, duplicate bool) {
	m.webhookEvents.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.Bool("duplicate", duplicate),
	))
}
