package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"ordersaga/internal/orders/saga"
)

// RecoveryReport summarises one sweep.
type RecoveryReport struct {
	Completed int
	Failed    int
	Skipped   int
}

// RecovererConfig configures a Recoverer.
type RecovererConfig struct {
	// StaleAfter is how long an order may sit in a non-terminal status before
	// the sweep treats its saga as abandoned.
	StaleAfter time.Duration
	BatchSize  int
	StepLog    saga.StepLog
	Publisher  StatusPublisher
	Logger     *slog.Logger
	Now        func() time.Time
}

// Recoverer resolves orders stranded in Pending, Ordered or PaymentProcessed
// by a saga that stopped mid-flight.
type Recoverer struct {
	store      Store
	inventory  InventoryClient
	steps      saga.StepLog
	publisher  StatusPublisher
	logger     *slog.Logger
	now        func() time.Time
	staleAfter time.Duration
	batchSize  int
}

// NewRecoverer constructs a Recoverer.
func NewRecoverer(store Store, inventory InventoryClient, cfg RecovererConfig) *Recoverer {
	r := &Recoverer{
		store:      store,
		inventory:  inventory,
		steps:      cfg.StepLog,
		publisher:  cfg.Publisher,
		logger:     cfg.Logger,
		now:        cfg.Now,
		staleAfter: cfg.StaleAfter,
		batchSize:  cfg.BatchSize,
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.staleAfter <= 0 {
		r.staleAfter = 10 * time.Minute
	}
	if r.batchSize <= 0 {
		r.batchSize = 100
	}
	return r
}

// Run sweeps every interval until ctx is done.
func (r *Recoverer) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := r.Sweep(ctx)
			if err != nil {
				r.logger.ErrorContext(ctx, "recovery sweep", "error", err)
				continue
			}
			if report != (RecoveryReport{}) {
				r.logger.InfoContext(ctx, "recovery sweep finished",
					"completed", report.Completed, "failed", report.Failed, "skipped", report.Skipped)
			}
		}
	}
}

// Sweep resolves one batch of stale orders.
func (r *Recoverer) Sweep(ctx context.Context) (RecoveryReport, error) {
	var report RecoveryReport
	cutoff := r.now().Add(-r.staleAfter)
	stale, err := r.store.ListStale(ctx, []Status{StatusPending, StatusOrdered, StatusPaymentProcessed}, cutoff, r.batchSize)
	if err != nil {
		return report, fmt.Errorf("list stale orders: %w", err)
	}

	for _, order := range stale {
		status, err := r.resolve(ctx, order)
		if err != nil {
			r.logger.WarnContext(ctx, "recover order", "order_id", order.ID, "status", order.Status, "error", err)
			report.Skipped++
			continue
		}
		switch status {
		case StatusCompleted:
			report.Completed++
		case StatusFailed:
			report.Failed++
		default:
			report.Skipped++
		}
	}
	return report, nil
}

// resolve returns the status the order ended in, or its current status when
// it was left alone.
func (r *Recoverer) resolve(ctx context.Context, order Order) (Status, error) {
	var events []saga.Event
	if r.steps != nil {
		var err error
		if events, err = r.steps.Events(ctx, order.ID); err != nil {
			return order.Status, fmt.Errorf("load saga steps: %w", err)
		}
	}
	restore, _ := saga.LastStatus(events, saga.StepRestoreInventory)
	charge, _ := saga.LastStatus(events, saga.StepChargePayment)
	deduct, _ := saga.LastStatus(events, saga.StepDeductInventory)

	switch {
	case restore == saga.StepSucceeded:
		return r.fail(ctx, order, "saga interrupted after compensation")
	case order.Status == StatusPaymentProcessed || charge == saga.StepSucceeded:
		return r.complete(ctx, order)
	case charge == saga.StepStarted:
		r.logger.WarnContext(ctx, "payment outcome unknown, order needs manual review", "order_id", order.ID)
		return order.Status, nil
	case order.Status == StatusOrdered || deduct == saga.StepSucceeded:
		// Claim the order before touching stock so a saga that is merely
		// slow loses its next status write and skips its own restore.
		status, err := r.fail(ctx, order, "saga interrupted after inventory deduction")
		if err != nil || status != StatusFailed {
			return status, err
		}
		r.restore(ctx, order)
		return status, nil
	case deduct == saga.StepStarted:
		r.logger.WarnContext(ctx, "inventory deduction outcome unknown, order needs manual review", "order_id", order.ID)
		return order.Status, nil
	default:
		return r.fail(ctx, order, "saga interrupted before inventory deduction")
	}
}

func (r *Recoverer) restore(ctx context.Context, order Order) {
	r.record(ctx, order, saga.StepRestoreInventory, saga.StepStarted, "")
	if err := r.inventory.RestoreInventory(ctx, order.ProductID, order.Quantity); err != nil {
		r.record(ctx, order, saga.StepRestoreInventory, saga.StepFailed, err.Error())
		r.logger.ErrorContext(ctx, "inventory restore failed, stock needs reconciliation",
			"order_id", order.ID, "product_id", order.ProductID, "quantity", order.Quantity, "error", err)
		return
	}
	r.record(ctx, order, saga.StepRestoreInventory, saga.StepSucceeded, "")
}

func (r *Recoverer) complete(ctx context.Context, order Order) (Status, error) {
	next := order
	now := r.now()
	if next.Status == StatusOrdered {
		if err := next.Advance(StatusPaymentProcessed, now); err != nil {
			return order.Status, err
		}
	}
	if err := next.Advance(StatusCompleted, now); err != nil {
		return order.Status, err
	}
	return r.transition(ctx, order, next)
}

func (r *Recoverer) fail(ctx context.Context, order Order, reason string) (Status, error) {
	next := order
	if err := next.Fail(reason, r.now()); err != nil {
		return order.Status, err
	}
	return r.transition(ctx, order, next)
}

func (r *Recoverer) transition(ctx context.Context, order, next Order) (Status, error) {
	if err := r.store.Transition(ctx, next, order.Status); err != nil {
		if errors.Is(err, ErrStaleOrder) {
			return order.Status, nil
		}
		return order.Status, fmt.Errorf("persist order status %s: %w", next.Status, err)
	}
	r.logger.InfoContext(ctx, "recovered stranded order",
		"order_id", order.ID, "from", order.Status, "to", next.Status)
	if r.publisher != nil {
		r.publisher.PublishOrder(next)
	}
	return next.Status, nil
}

func (r *Recoverer) record(ctx context.Context, order Order, step saga.Step, status saga.StepStatus, detail string) {
	if r.steps == nil {
		return
	}
	event := saga.Event{
		SagaID:  "recovery",
		OrderID: order.ID,
		Step:    step,
		Status:  status,
		Detail:  detail,
		At:      r.now(),
	}
	if err := r.steps.Append(ctx, event); err != nil {
		r.logger.WarnContext(ctx, "append saga step", "order_id", order.ID, "step", step, "error", err)
	}
}
