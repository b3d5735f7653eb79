package order

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
)

// Sequence hands out day-scoped order sequence values. Next must be atomic:
// concurrent callers for the same day never observe the same value.
type Sequence interface {
	Next(ctx context.Context, day time.Time) (int64, error)
}

// Allocator produces order numbers of the form ORD-YYMMDD-NNNN.
type Allocator struct {
	seq Sequence
	loc *time.Location
}

// NewAllocator creates an Allocator that buckets days in loc. A nil loc
// means UTC.
func NewAllocator(seq Sequence, loc *time.Location) *Allocator {
	if loc == nil {
		loc = time.UTC
	}
	return &Allocator{seq: seq, loc: loc}
}

// Allocate returns the next order number for the day of now.
func (a *Allocator) Allocate(ctx context.Context, now time.Time) (string, error) {
	day := Day(now, a.loc)
	n, err := a.seq.Next(ctx, day)
	if err != nil {
		return "", errors.Wrap(err, "next order sequence")
	}
	return FormatNumber(day, n), nil
}

// Day returns the calendar day of t in loc as a UTC midnight, the key used
// by sequence stores.
func Day(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// FormatNumber formats the n-th order of day. Sequences beyond 9999 widen
// rather than wrap.
func FormatNumber(day time.Time, n int64) string {
	return fmt.Sprintf("ORD-%s-%04d", day.Format("060102"), n)
}
