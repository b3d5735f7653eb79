package cache

import (
	"context"
	"time"

	"github.com/xenking/kart-fulfillment/internal/domain/apperr"
	"github.com/xenking/kart-fulfillment/internal/domain/auth"
	"github.com/xenking/kart-fulfillment/internal/domain/payment"
)

var (
	_ payment.EventLog     = (*EventLog)(nil)
	_ auth.RevocationStore = (*RevocationList)(nil)
)

// EventLog records processed webhook events.
type EventLog struct {
	p Provider
}

// NewEventLog returns an EventLog stored in p.
func NewEventLog(p Provider) *EventLog {
	return &EventLog{p: p}
}

// FirstSeen marks id as processed for ttl and reports whether it was new.
func (l *EventLog) FirstSeen(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	ok, err := l.p.Add(ctx, WebhookKey(id), ttl)
	if err != nil {
		return false, apperr.Wrap(apperr.Unavailable, err, "mark webhook event")
	}
	return ok, nil
}

// Forget removes the mark of id so a redelivery is processed again.
func (l *EventLog) Forget(ctx context.Context, id string) error {
	if err := l.p.Delete(ctx, WebhookKey(id)); err != nil {
		return apperr.Wrap(apperr.Unavailable, err, "forget webhook event")
	}
	return nil
}

// RevocationList stores revoked token ids until the token would have
// expired anyway.
type RevocationList struct {
	p   Provider
	now func() time.Time
}

// NewRevocationList returns a RevocationList stored in p.
func NewRevocationList(p Provider) *RevocationList {
	return &RevocationList{p: p, now: time.Now}
}

func (r *RevocationList) Revoke(ctx context.Context, tokenID string, expiresAt time.Time) error {
	ttl := expiresAt.Sub(r.now())
	if ttl <= 0 {
		return nil
	}
	if _, err := r.p.Add(ctx, RevokedKey(tokenID), ttl); err != nil {
		return apperr.Wrap(apperr.Unavailable, err, "revoke token")
	}
	return nil
}

func (r *RevocationList) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	ok, err := r.p.Exists(ctx, RevokedKey(tokenID))
	if err != nil {
		return false, apperr.Wrap(apperr.Unavailable, err, "check token revocation")
	}
	return ok, nil
}
