package order

import "fmt"

// transitions is the order lifecycle. CANCELLED and DELIVERED are terminal;
// FAILED keeps only the cancellation exit so operators can close it out.
var transitions = map[Status][]Status{
	StatusCreated:         {StatusProcessing, StatusCancelled, StatusFailed},
	StatusAwaitingPayment: {StatusProcessing, StatusCancelled, StatusFailed},
	StatusProcessing:      {StatusShipped, StatusCancelled},
	StatusFailed:          {StatusCancelled},
	StatusShipped:         {StatusDelivered},
	StatusCancelled:       {},
	StatusDelivered:       {},
}

// IsTerminal reports whether no further transition is valid.
func (s Status) IsTerminal() bool {
	return s == StatusCancelled || s == StatusDelivered
}

func (o *Order) canTransition(to Status) bool {
	for _, next := range transitions[o.Status] {
		if next == to {
			return true
		}
	}
	return false
}

func (o *Order) transition(to Status) error {
	if !o.canTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidStateTransition, o.Status, to)
	}
	o.Status = to
	o.touch()
	return nil
}

// MarkPaid records a confirmed payment and moves the order into fulfillment.
// Idempotent: confirming an already-paid order is a no-op.
func (o *Order) MarkPaid(paymentRef string) error {
	if o.PaymentStatus == PaymentPaid {
		return nil
	}
	if err := o.transition(StatusProcessing); err != nil {
		return err
	}
	o.PaymentStatus = PaymentPaid
	if paymentRef != "" {
		o.PaymentRef = paymentRef
	}
	o.FailureReason = ""
	return nil
}

// MarkPaymentFailed records a rejected payment. Idempotent on repeated
// failure notifications.
func (o *Order) MarkPaymentFailed(reason string) error {
	if o.PaymentStatus == PaymentFailed {
		return nil
	}
	if err := o.transition(StatusFailed); err != nil {
		return err
	}
	o.PaymentStatus = PaymentFailed
	o.FailureReason = reason
	return nil
}

// Cancel moves the order into its terminal cancelled state. The caller is
// responsible for compensating stock and, when an invoice was already
// issued, for the follow-up invoice cancellation.
func (o *Order) Cancel(reason string) error {
	if err := o.transition(StatusCancelled); err != nil {
		return err
	}
	o.FailureReason = reason
	return nil
}

func (o *Order) MarkShipped() error {
	return o.transition(StatusShipped)
}

func (o *Order) MarkDelivered() error {
	return o.transition(StatusDelivered)
}
