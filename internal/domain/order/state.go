package order

import "github.com/xenking/kart-fulfillment/internal/domain/apperr"

// transitions lists the status moves available to any caller allowed to
// change the status.
var transitions = map[Status][]Status{
	StatusPending:    {StatusConfirmed, StatusCancelled},
	StatusConfirmed:  {StatusProcessing, StatusCancelled},
	StatusProcessing: {StatusShipped},
	StatusShipped:    {StatusDelivered},
}

// refundable lists the statuses an elevated caller may move to refunded.
var refundable = map[Status]bool{
	StatusConfirmed:  true,
	StatusProcessing: true,
	StatusShipped:    true,
}

var paymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentPending: {PaymentPaid, PaymentFailed},
	PaymentFailed:  {PaymentPaid, PaymentFailed},
	PaymentPaid:    {PaymentRefunded},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusProcessing, StatusShipped,
		StatusDelivered, StatusCancelled, StatusRefunded:
		return true
	}
	return false
}

// Terminal reports whether no further status change is possible.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusCancelled || s == StatusRefunded
}

// Cancellable reports whether an order in status s may be cancelled.
func (s Status) Cancellable() bool {
	return s == StatusPending || s == StatusConfirmed
}

// CanTransition reports whether an order may move from one status to
// another. Staying in the same status is always allowed.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	if to == StatusRefunded {
		return refundable[from]
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known payment status.
func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentPending, PaymentPaid, PaymentFailed, PaymentRefunded:
		return true
	}
	return false
}

// CanTransitionPayment reports whether the payment status of an order may
// move from one value to another.
func CanTransitionPayment(from, to PaymentStatus) bool {
	if from == to {
		return true
	}
	for _, s := range paymentTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ApplyPayment records the outcome of payment paymentID on the order and
// reports whether anything changed.
//
// Only one payment settles an order: paid from another payment fails with
// ErrAlreadyPaid, and a cancelled or refunded order cannot be paid. A
// failure reported after the order was settled leaves it untouched. Only
// the settling payment can mark the order refunded.
func (o *Order) ApplyPayment(paymentID string, ps PaymentStatus) (bool, error) {
	if !ps.Valid() {
		return false, apperr.Errorf(apperr.InvalidInput, "unknown payment status %q", ps)
	}

	switch ps {
	case PaymentPaid:
		if o.PaymentStatus == PaymentPaid {
			if o.PaidBy == paymentID {
				return false, nil
			}
			return false, ErrAlreadyPaid
		}
		if o.Status == StatusCancelled || o.Status == StatusRefunded {
			return false, apperr.Errorf(apperr.InvalidState, "order is %s and cannot be paid", o.Status)
		}
	case PaymentFailed:
		if o.PaymentStatus == PaymentPaid || o.PaymentStatus == PaymentRefunded {
			return false, nil
		}
	case PaymentRefunded:
		if o.PaidBy != paymentID {
			return false, apperr.Errorf(apperr.InvalidState, "payment %s did not settle the order", paymentID)
		}
	}

	if !CanTransitionPayment(o.PaymentStatus, ps) {
		return false, apperr.Errorf(apperr.InvalidState,
			"order payment status cannot move from %s to %s", o.PaymentStatus, ps)
	}
	if o.PaymentStatus == ps {
		return false, nil
	}
	o.PaymentStatus = ps
	if ps == PaymentPaid {
		o.PaidBy = paymentID
		if o.Status == StatusPending {
			o.Status = StatusConfirmed
		}
	}
	return true, nil
}
