package orders

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle position of an order.
type Status string

const (
	StatusPending          Status = "Pending"
	StatusOrdered          Status = "Ordered"
	StatusPaymentProcessed Status = "PaymentProcessed"
	StatusCompleted        Status = "Completed"
	StatusFailed           Status = "Failed"
	// StatusCancelled is set by an operator through CancelOrder, never by a
	// saga step.
	StatusCancelled Status = "Cancelled"
)

// MaxFailureReasonLength bounds the persisted failure reason.
const MaxFailureReasonLength = 500

var transitions = map[Status][]Status{
	StatusPending:          {StatusOrdered, StatusFailed, StatusCancelled},
	StatusOrdered:          {StatusPaymentProcessed, StatusFailed, StatusCancelled},
	StatusPaymentProcessed: {StatusCompleted, StatusFailed, StatusCancelled},
}

// ParseStatus validates a stored status string.
func ParseStatus(raw string) (Status, error) {
	switch s := Status(raw); s {
	case StatusPending, StatusOrdered, StatusPaymentProcessed, StatusCompleted, StatusFailed, StatusCancelled:
		return s, nil
	}
	return "", fmt.Errorf("unknown order status %q", raw)
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CanTransitionTo reports whether to directly follows s.
func (s Status) CanTransitionTo(to Status) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Order is the record of one customer purchase attempt.
type Order struct {
	ID            string
	ProductID     int64
	Quantity      int
	TotalAmount   decimal.Decimal
	PaymentMethod string
	Status        Status
	FailureReason string
	TransactionID string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	CompletedAt   *time.Time
}

// Advance moves the order forward along the status graph.
func (o *Order) Advance(to Status, at time.Time) error {
	switch to {
	case StatusFailed:
		return fmt.Errorf("%w: use Fail to mark an order failed", ErrInvalidTransition)
	case StatusCancelled:
		return fmt.Errorf("%w: use Cancel to cancel an order", ErrInvalidTransition)
	}
	if !o.Status.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, to)
	}
	o.Status = to
	o.UpdatedAt = at
	if to == StatusCompleted {
		completed := at
		o.CompletedAt = &completed
	}
	return nil
}

// Fail marks a non-terminal order failed with reason.
func (o *Order) Fail(reason string, at time.Time) error {
	if !o.Status.CanTransitionTo(StatusFailed) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, StatusFailed)
	}
	o.Status = StatusFailed
	o.FailureReason = truncateReason(reason)
	o.UpdatedAt = at
	return nil
}

// Cancel marks a non-terminal order cancelled. reason is optional.
func (o *Order) Cancel(reason string, at time.Time) error {
	if !o.Status.CanTransitionTo(StatusCancelled) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, StatusCancelled)
	}
	o.Status = StatusCancelled
	o.FailureReason = truncateReason(reason)
	o.UpdatedAt = at
	return nil
}

// HoldsInventory reports whether the persisted status records a stock
// deduction that has not been returned.
func (s Status) HoldsInventory() bool {
	return s == StatusOrdered || s == StatusPaymentProcessed
}

func truncateReason(reason string) string {
	runes := []rune(reason)
	if len(runes) <= MaxFailureReasonLength {
		return reason
	}
	return string(runes[:MaxFailureReasonLength])
}
