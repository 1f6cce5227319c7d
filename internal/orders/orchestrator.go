package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"ordersaga/internal/orders/saga"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultPaymentMethod is charged when a request names none.
const DefaultPaymentMethod = "CreditCard"

const bindAttempts = 2

var paymentMethods = map[string]bool{
	"CreditCard":   true,
	"DebitCard":    true,
	"PayPal":       true,
	"BankTransfer": true,
}

// CreateOrderRequest is the input to ExecuteOrderSaga.
type CreateOrderRequest struct {
	ProductID      int64
	Quantity       int
	PaymentMethod  string
	IdempotencyKey string
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithStepLog records every step start and outcome.
func WithStepLog(log saga.StepLog) Option {
	return func(o *Orchestrator) { o.steps = log }
}

func WithPublisher(p StatusPublisher) Option {
	return func(o *Orchestrator) { o.publisher = p }
}

// WithIdempotency enables caller-supplied idempotency keys.
func WithIdempotency(store IdempotencyStore) Option {
	return func(o *Orchestrator) { o.idempotency = store }
}

func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) { o.observer = obs }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(o *Orchestrator) {
		if tracer != nil {
			o.tracer = tracer
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

func WithIDGenerator(newID func() (string, error)) Option {
	return func(o *Orchestrator) {
		if newID != nil {
			o.newID = newID
		}
	}
}

// WithRecoverySweep tells the orchestrator a Recoverer is running, which
// changes how a paid order that could not be completed is reported.
func WithRecoverySweep(enabled bool) Option {
	return func(o *Orchestrator) { o.recoverySweep = enabled }
}

func WithDefaultPaymentMethod(method string) Option {
	return func(o *Orchestrator) {
		if method != "" {
			o.defaultMethod = method
		}
	}
}

// Orchestrator drives the order-creation saga: price lookup, order creation,
// inventory deduction, payment, completion, and compensation on failure.
type Orchestrator struct {
	inventory   InventoryClient
	payments    PaymentClient
	store       Store
	steps       saga.StepLog
	publisher   StatusPublisher
	idempotency IdempotencyStore
	observer    Observer

	logger        *slog.Logger
	tracer        trace.Tracer
	now           func() time.Time
	newID         func() (string, error)
	defaultMethod string
	recoverySweep bool
}

// NewOrchestrator constructs an Orchestrator.
func NewOrchestrator(inventory InventoryClient, payments PaymentClient, store Store, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		inventory:     inventory,
		payments:      payments,
		store:         store,
		logger:        slog.Default(),
		tracer:        otel.Tracer("ordersaga/orders"),
		now:           time.Now,
		newID:         newOrderID,
		defaultMethod: DefaultPaymentMethod,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func newOrderID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

type sagaRun struct {
	id                string
	idempotencyKey    string
	order             Order
	orderCreated      bool
	keyBound          bool
	inventoryDeducted bool
	started           time.Time
	log               *slog.Logger
}

type outcome struct {
	step saga.Step
	err  error
}

func (r outcome) ok() bool { return r.err == nil }

// ExecuteOrderSaga runs the saga to Completed or Failed. Once started it is
// not abandoned when ctx is cancelled. Failures after validation are returned
// as *SagaFailure; the returned Order carries the last persisted state when a
// record was created.
func (o *Orchestrator) ExecuteOrderSaga(ctx context.Context, req CreateOrderRequest) (Order, error) {
	ctx = context.WithoutCancel(ctx)

	method, err := o.validate(req)
	if err != nil {
		return Order{}, err
	}

	key := strings.TrimSpace(req.IdempotencyKey)
	if o.idempotency == nil {
		key = ""
	}
	if key != "" {
		existing, replay, err := o.claim(ctx, key)
		if err != nil {
			return Order{}, err
		}
		if replay {
			return existing, nil
		}
	}

	run := &sagaRun{
		id:             uuid.NewString(),
		idempotencyKey: key,
		started:        o.now(),
	}
	run.log = o.logger.With("saga_id", run.id, "product_id", req.ProductID, "quantity", req.Quantity)

	ctx, span := o.tracer.Start(ctx, "order.saga", trace.WithAttributes(
		attribute.String("saga.id", run.id),
		attribute.Int64("product.id", req.ProductID),
		attribute.Int("order.quantity", req.Quantity),
	))
	defer span.End()

	run.log.InfoContext(ctx, "order saga started", "payment_method", method)
	order, err := o.execute(ctx, run, req, method)
	if key != "" && !run.keyBound {
		// An unbound key would answer every replay with "in progress".
		if relErr := o.idempotency.Release(ctx, key); relErr != nil {
			run.log.WarnContext(ctx, "release idempotency key", "error", relErr)
		}
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return order, err
	}
	span.SetAttributes(attribute.String("order.id", order.ID))
	return order, nil
}

func (o *Orchestrator) validate(req CreateOrderRequest) (string, error) {
	if req.Quantity <= 0 {
		return "", fmt.Errorf("%w: quantity must be greater than zero", ErrBadRequest)
	}
	method := strings.TrimSpace(req.PaymentMethod)
	if method == "" {
		method = o.defaultMethod
	}
	if !paymentMethods[method] {
		return "", fmt.Errorf("%w: unsupported payment method %q", ErrBadRequest, method)
	}
	return method, nil
}

func (o *Orchestrator) claim(ctx context.Context, key string) (Order, bool, error) {
	orderID, reserved, err := o.idempotency.Reserve(ctx, key)
	if err != nil {
		return Order{}, false, fmt.Errorf("%w: reserve idempotency key: %w", ErrCommunication, err)
	}
	if reserved {
		return Order{}, false, nil
	}
	if orderID == "" {
		return Order{}, false, ErrIdempotencyInFlight
	}
	order, err := o.store.Get(ctx, orderID)
	if err != nil {
		return Order{}, false, fmt.Errorf("load order for idempotency key: %w", err)
	}
	o.logger.InfoContext(ctx, "idempotent replay", "order_id", orderID, "status", order.Status)
	return order, true, nil
}

func (o *Orchestrator) execute(ctx context.Context, run *sagaRun, req CreateOrderRequest, method string) (Order, error) {
	product, res := o.fetchProduct(ctx, run, req.ProductID)
	if !res.ok() {
		return o.compensate(ctx, run, res)
	}
	if res := o.createOrder(ctx, run, req, product, method); !res.ok() {
		return o.compensate(ctx, run, res)
	}

	steps := []func(context.Context, *sagaRun) outcome{
		o.deductInventory,
		o.markOrdered,
		o.chargePayment,
		o.markPaymentProcessed,
	}
	for _, step := range steps {
		if res := step(ctx, run); !res.ok() {
			return o.compensate(ctx, run, res)
		}
	}

	if res := o.advance(ctx, run, saga.StepMarkCompleted, StatusCompleted); !res.ok() {
		// The charge went through, so the order is rolled forward rather
		// than compensated, by the recovery sweep or by an operator.
		msg := "order paid but completion not persisted, needs recovery"
		if o.recoverySweep {
			msg = "order paid but completion not persisted, left to recovery sweep"
		}
		run.log.ErrorContext(ctx, msg,
			"order_status", run.order.Status,
			"needs_recovery", !o.recoverySweep,
			"error", res.err)
		o.observeFailure(run, res.step, false)
		return run.order, o.failure(run, res)
	}

	run.log.InfoContext(ctx, "order saga completed",
		"total_amount", run.order.TotalAmount.StringFixed(2),
		"transaction_id", run.order.TransactionID)
	if o.observer != nil {
		o.observer.SagaCompleted(o.now().Sub(run.started))
	}
	return run.order, nil
}

func (o *Orchestrator) fetchProduct(ctx context.Context, run *sagaRun, productID int64) (Product, outcome) {
	var product Product
	res := o.runStep(ctx, run, saga.StepGetProduct, func(ctx context.Context) error {
		p, err := o.inventory.GetProduct(ctx, productID)
		if err != nil {
			return err
		}
		product = p
		return nil
	})
	return product, res
}

func (o *Orchestrator) createOrder(ctx context.Context, run *sagaRun, req CreateOrderRequest, product Product, method string) outcome {
	id, err := o.newID()
	if err != nil {
		return outcome{step: saga.StepCreateOrder, err: fmt.Errorf("generate order id: %w", err)}
	}
	now := o.now()
	run.order = Order{
		ID:            id,
		ProductID:     req.ProductID,
		Quantity:      req.Quantity,
		TotalAmount:   product.Price.Mul(decimal.NewFromInt(int64(req.Quantity))),
		PaymentMethod: method,
		Status:        StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	run.log = run.log.With("order_id", id)

	res := o.runStep(ctx, run, saga.StepCreateOrder, func(ctx context.Context) error {
		if err := o.store.Create(ctx, run.order); err != nil {
			return fmt.Errorf("persist new order: %w", err)
		}
		return nil
	})
	if !res.ok() {
		return res
	}
	run.orderCreated = true
	o.publish(run.order)

	if run.idempotencyKey != "" {
		o.bindKey(ctx, run)
	}
	return res
}

func (o *Orchestrator) bindKey(ctx context.Context, run *sagaRun) {
	var err error
	for attempt := 0; attempt < bindAttempts; attempt++ {
		if err = o.idempotency.Bind(ctx, run.idempotencyKey, run.order.ID); err == nil {
			run.keyBound = true
			return
		}
	}
	run.log.WarnContext(ctx, "bind idempotency key, key is released when the saga ends",
		"attempts", bindAttempts, "error", err)
}

func (o *Orchestrator) deductInventory(ctx context.Context, run *sagaRun) outcome {
	res := o.runStep(ctx, run, saga.StepDeductInventory, func(ctx context.Context) error {
		return o.inventory.DeductInventory(ctx, run.order.ProductID, run.order.Quantity)
	})
	if res.ok() {
		run.inventoryDeducted = true
	}
	return res
}

func (o *Orchestrator) markOrdered(ctx context.Context, run *sagaRun) outcome {
	return o.advance(ctx, run, saga.StepMarkOrdered, StatusOrdered)
}

func (o *Orchestrator) chargePayment(ctx context.Context, run *sagaRun) outcome {
	return o.runStep(ctx, run, saga.StepChargePayment, func(ctx context.Context) error {
		receipt, err := o.payments.Charge(ctx, ChargeRequest{
			OrderID: run.order.ID,
			Amount:  run.order.TotalAmount,
			Method:  run.order.PaymentMethod,
		})
		if err != nil {
			return err
		}
		run.order.TransactionID = receipt.TransactionID
		return nil
	})
}

func (o *Orchestrator) markPaymentProcessed(ctx context.Context, run *sagaRun) outcome {
	return o.advance(ctx, run, saga.StepMarkPaymentProcessed, StatusPaymentProcessed)
}

func (o *Orchestrator) advance(ctx context.Context, run *sagaRun, step saga.Step, to Status) outcome {
	return o.runStep(ctx, run, step, func(ctx context.Context) error {
		next := run.order
		if err := next.Advance(to, o.now()); err != nil {
			return err
		}
		return o.persist(ctx, run, next)
	})
}

func (o *Orchestrator) persist(ctx context.Context, run *sagaRun, next Order) error {
	if err := o.store.Transition(ctx, next, run.order.Status); err != nil {
		return fmt.Errorf("persist order status %s: %w", next.Status, err)
	}
	run.order = next
	o.publish(next)
	return nil
}

// compensate restores inventory when it was deducted and marks the order
// failed. Errors on this path are logged; the caller always receives the
// triggering cause.
func (o *Orchestrator) compensate(ctx context.Context, run *sagaRun, cause outcome) (Order, error) {
	run.log.WarnContext(ctx, "order saga compensating",
		"failed_step", cause.step,
		"error", cause.err,
		"inventory_deducted", run.inventoryDeducted)

	// Another writer moved the order out of a status that records the
	// deduction; that writer owns the restore.
	handedOff := errors.Is(cause.err, ErrStaleOrder) && run.order.Status.HoldsInventory()
	if handedOff {
		run.log.WarnContext(ctx, "order changed outside the saga, inventory restore left to that writer",
			"order_status", run.order.Status)
		if run.order.TransactionID != "" {
			run.log.ErrorContext(ctx, "payment charged for an order that left the saga, refund required",
				"transaction_id", run.order.TransactionID)
		}
	}

	if run.inventoryDeducted && !handedOff {
		res := o.runStep(ctx, run, saga.StepRestoreInventory, func(ctx context.Context) error {
			return o.inventory.RestoreInventory(ctx, run.order.ProductID, run.order.Quantity)
		})
		if !res.ok() {
			run.log.ErrorContext(ctx, "inventory restore failed, stock needs reconciliation", "error", res.err)
		}
	}

	stale := errors.Is(cause.err, ErrStaleOrder)
	if stale {
		if current, err := o.store.Get(ctx, run.order.ID); err == nil {
			run.order = current
		}
	}

	if run.orderCreated && !stale {
		res := o.runStep(ctx, run, saga.StepMarkFailed, func(ctx context.Context) error {
			next := run.order
			if err := next.Fail(cause.err.Error(), o.now()); err != nil {
				return err
			}
			return o.persist(ctx, run, next)
		})
		if !res.ok() {
			run.log.ErrorContext(ctx, "persist failed order", "error", res.err)
		}
	}

	o.observeFailure(run, cause.step, run.inventoryDeducted && !handedOff)
	if !run.orderCreated {
		return Order{}, o.failure(run, cause)
	}
	return run.order, o.failure(run, cause)
}

func (o *Orchestrator) failure(run *sagaRun, cause outcome) *SagaFailure {
	failure := &SagaFailure{SagaID: run.id, Step: cause.step, Cause: cause.err}
	if run.orderCreated {
		failure.OrderID = run.order.ID
	}
	return failure
}

func (o *Orchestrator) runStep(ctx context.Context, run *sagaRun, step saga.Step, fn func(context.Context) error) outcome {
	ctx, span := o.tracer.Start(ctx, "order.saga."+string(step))
	defer span.End()

	o.record(ctx, run, step, saga.StepStarted, "")
	if err := fn(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.record(ctx, run, step, saga.StepFailed, err.Error())
		run.log.WarnContext(ctx, "saga step failed", "step", step, "error", err)
		return outcome{step: step, err: err}
	}
	o.record(ctx, run, step, saga.StepSucceeded, "")
	run.log.DebugContext(ctx, "saga step succeeded", "step", step)
	return outcome{step: step}
}

func (o *Orchestrator) record(ctx context.Context, run *sagaRun, step saga.Step, status saga.StepStatus, detail string) {
	if o.steps == nil || run.order.ID == "" {
		return
	}
	event := saga.Event{
		SagaID:  run.id,
		OrderID: run.order.ID,
		Step:    step,
		Status:  status,
		Detail:  detail,
		At:      o.now(),
	}
	if err := o.steps.Append(ctx, event); err != nil {
		run.log.WarnContext(ctx, "append saga step", "step", step, "status", status, "error", err)
	}
}

func (o *Orchestrator) publish(order Order) {
	if o.publisher != nil {
		o.publisher.PublishOrder(order)
	}
}

func (o *Orchestrator) observeFailure(run *sagaRun, step saga.Step, compensated bool) {
	if o.observer != nil {
		o.observer.SagaFailed(string(step), compensated, o.now().Sub(run.started))
	}
}
