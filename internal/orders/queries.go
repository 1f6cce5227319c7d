package orders

import (
	"context"
	"errors"
	"fmt"

	"ordersaga/internal/orders/saga"
)

const cancelAttempts = 3

// GetOrder returns one order by ID.
func (o *Orchestrator) GetOrder(ctx context.Context, id string) (Order, error) {
	return o.store.Get(ctx, id)
}

// ListOrders returns orders newest first.
func (o *Orchestrator) ListOrders(ctx context.Context, opts ListOptions) ([]Order, error) {
	if opts.Status != "" {
		if _, err := ParseStatus(string(opts.Status)); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
		}
	}
	if opts.Limit < 0 {
		return nil, fmt.Errorf("%w: limit must be >= 0", ErrBadRequest)
	}
	return o.store.List(ctx, opts)
}

// DeleteOrder removes a terminal order. Orders with a saga still in flight
// cannot be deleted.
func (o *Orchestrator) DeleteOrder(ctx context.Context, id string) error {
	order, err := o.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !order.Status.Terminal() {
		return fmt.Errorf("%w: order %s is %s", ErrInvalidTransition, id, order.Status)
	}
	if err := o.store.Delete(ctx, id); err != nil {
		return err
	}
	o.logger.InfoContext(ctx, "order deleted", "order_id", id, "status", order.Status)
	return nil
}

// UpdateStatus applies an operator status change. Cancelled is the only
// status that can be set this way; the others belong to the order saga.
func (o *Orchestrator) UpdateStatus(ctx context.Context, id string, to Status, reason string) (Order, error) {
	if _, err := ParseStatus(string(to)); err != nil {
		return Order{}, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	if to != StatusCancelled {
		return Order{}, fmt.Errorf("%w: %s is set by the order saga", ErrInvalidTransition, to)
	}
	return o.CancelOrder(ctx, id, reason)
}

// CancelOrder moves a non-terminal order to Cancelled. When the order was
// Ordered or PaymentProcessed its stock deduction is restored once the
// cancellation is stored; a saga still running for the order then leaves
// the restore to this call. A captured payment is not refunded.
func (o *Orchestrator) CancelOrder(ctx context.Context, id, reason string) (Order, error) {
	ctx = context.WithoutCancel(ctx)

	var (
		order, next Order
		err         error
	)
	for attempt := 1; ; attempt++ {
		if order, err = o.store.Get(ctx, id); err != nil {
			return Order{}, err
		}
		next = order
		if err = next.Cancel(reason, o.now()); err != nil {
			return order, err
		}
		err = o.store.Transition(ctx, next, order.Status)
		if err == nil {
			break
		}
		if !errors.Is(err, ErrStaleOrder) || attempt == cancelAttempts {
			return order, fmt.Errorf("persist order status %s: %w", StatusCancelled, err)
		}
	}

	log := o.logger.With("order_id", id, "from", order.Status)
	log.InfoContext(ctx, "order cancelled", "reason", next.FailureReason)
	o.publish(next)
	o.appendStep(ctx, id, saga.StepCancelOrder, saga.StepSucceeded, next.FailureReason)

	if order.Status == StatusPaymentProcessed {
		log.WarnContext(ctx, "order cancelled after payment, refund required", "transaction_id", order.TransactionID)
	}
	if order.Status.HoldsInventory() {
		o.appendStep(ctx, id, saga.StepRestoreInventory, saga.StepStarted, "")
		if err := o.inventory.RestoreInventory(ctx, order.ProductID, order.Quantity); err != nil {
			o.appendStep(ctx, id, saga.StepRestoreInventory, saga.StepFailed, err.Error())
			log.ErrorContext(ctx, "inventory restore failed, stock needs reconciliation", "error", err)
			return next, nil
		}
		o.appendStep(ctx, id, saga.StepRestoreInventory, saga.StepSucceeded, "")
	}
	return next, nil
}

func (o *Orchestrator) appendStep(ctx context.Context, orderID string, step saga.Step, status saga.StepStatus, detail string) {
	if o.steps == nil {
		return
	}
	event := saga.Event{SagaID: "cancel", OrderID: orderID, Step: step, Status: status, Detail: detail, At: o.now()}
	if err := o.steps.Append(ctx, event); err != nil {
		o.logger.WarnContext(ctx, "append saga step", "order_id", orderID, "step", step, "error", err)
	}
}
