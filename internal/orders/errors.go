package orders

import (
	"errors"
	"fmt"

	"ordersaga/internal/orders/saga"
)

var (
	// ErrNotFound means the referenced product or order does not exist.
	ErrNotFound = errors.New("not found")
	// ErrBadRequest means the input was rejected before any side effect.
	ErrBadRequest = errors.New("bad request")
	// ErrInsufficientInventory means the inventory service refused the deduction.
	ErrInsufficientInventory = errors.New("insufficient inventory")
	// ErrPaymentDeclined means the payment service refused the charge.
	ErrPaymentDeclined = errors.New("payment declined")
	// ErrCommunication means a collaborator was unreachable, timed out, answered
	// with a server error, or its circuit is open. It is the only transient kind.
	ErrCommunication = errors.New("service communication failure")

	ErrInvalidTransition   = errors.New("invalid order status transition")
	ErrStaleOrder          = errors.New("order status changed concurrently")
	ErrIdempotencyInFlight = errors.New("request with this idempotency key is still in progress")
)

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrCommunication)
}

// SagaFailure is returned when an order saga could not complete. OrderID is
// empty when the failure happened before the order record was created.
type SagaFailure struct {
	SagaID  string
	OrderID string
	Step    saga.Step
	Cause   error
}

func (e *SagaFailure) Error() string {
	if e.OrderID == "" {
		return fmt.Sprintf("order saga failed at %s: %v", e.Step, e.Cause)
	}
	return fmt.Sprintf("order saga failed for order %s at %s: %v", e.OrderID, e.Step, e.Cause)
}

func (e *SagaFailure) Unwrap() error { return e.Cause }
