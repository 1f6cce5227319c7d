package saga

import (
	"context"
	"time"
)

// Step names one action of the order saga.
type Step string

const (
	StepGetProduct           Step = "get_product"
	StepCreateOrder          Step = "create_order"
	StepDeductInventory      Step = "deduct_inventory"
	StepMarkOrdered          Step = "mark_ordered"
	StepChargePayment        Step = "charge_payment"
	StepMarkPaymentProcessed Step = "mark_payment_processed"
	StepMarkCompleted        Step = "mark_completed"
	StepRestoreInventory     Step = "restore_inventory"
	StepMarkFailed           Step = "mark_failed"
	StepCancelOrder          Step = "cancel_order"
)

// StepStatus captures the outcome of a step.
type StepStatus string

const (
	StepStarted   StepStatus = "started"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
)

// Event is one entry of the step log.
type Event struct {
	SagaID  string
	OrderID string
	Step    Step
	Status  StepStatus
	Detail  string
	At      time.Time
}

// StepLog persists saga step events so an interrupted saga can be resolved.
type StepLog interface {
	Append(ctx context.Context, event Event) error
	Events(ctx context.Context, orderID string) ([]Event, error)
}

// LastStatus returns the most recent status recorded for step.
func LastStatus(events []Event, step Step) (StepStatus, bool) {
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Step == step {
			return events[i].Status, true
		}
	}
	return "", false
}
