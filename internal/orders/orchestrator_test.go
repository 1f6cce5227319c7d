package orders

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"ordersaga/internal/orders/saga"

	"github.com/shopspring/decimal"
)

type restoreCall struct {
	productID int64
	quantity  int
}

// spyInventory wraps an InMemoryInventory and records calls.
type spyInventory struct {
	*InMemoryInventory
	mu         sync.Mutex
	calls      []string
	getErr     error
	deductErr  error
	restoreErr error
	restores   []restoreCall
}

func newSpyInventory(stock int) *spyInventory {
	inv := NewInMemoryInventory()
	inv.AddProduct(Product{ID: 1, Name: "Laptop", Price: decimal.RequireFromString("1500.00"), AvailableQuantity: stock})
	return &spyInventory{InMemoryInventory: inv}
}

func (s *spyInventory) note(call string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call)
}

func (s *spyInventory) GetProduct(ctx context.Context, id int64) (Product, error) {
	s.note("get")
	if s.getErr != nil {
		return Product{}, s.getErr
	}
	return s.InMemoryInventory.GetProduct(ctx, id)
}

func (s *spyInventory) DeductInventory(ctx context.Context, id int64, qty int) error {
	s.note("deduct")
	if s.deductErr != nil {
		return s.deductErr
	}
	return s.InMemoryInventory.DeductInventory(ctx, id, qty)
}

func (s *spyInventory) RestoreInventory(ctx context.Context, id int64, qty int) error {
	s.note("restore")
	s.mu.Lock()
	s.restores = append(s.restores, restoreCall{productID: id, quantity: qty})
	s.mu.Unlock()
	if s.restoreErr != nil {
		return s.restoreErr
	}
	return s.InMemoryInventory.RestoreInventory(ctx, id, qty)
}

type spyPayments struct {
	mu       sync.Mutex
	requests []ChargeRequest
	err      error
}

func (s *spyPayments) Charge(ctx context.Context, req ChargeRequest) (Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if s.err != nil {
		return Receipt{}, s.err
	}
	return Receipt{TransactionID: "TXN-1", Status: "PaymentDone"}, nil
}

// faultyStore fails Transition into the named status.
type faultyStore struct {
	*MemoryStore
	createErr error
	failInto  map[Status]error
}

func (s *faultyStore) Create(ctx context.Context, order Order) error {
	if s.createErr != nil {
		return s.createErr
	}
	return s.MemoryStore.Create(ctx, order)
}

func (s *faultyStore) Transition(ctx context.Context, order Order, from Status) error {
	if err := s.failInto[order.Status]; err != nil {
		return err
	}
	return s.MemoryStore.Transition(ctx, order, from)
}

type recordingPublisher struct {
	mu       sync.Mutex
	statuses []Status
}

func (p *recordingPublisher) PublishOrder(order Order) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statuses = append(p.statuses, order.Status)
}

type countingObserver struct {
	mu        sync.Mutex
	completed int
	failed    []string
}

func (o *countingObserver) SagaCompleted(time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.completed++
}

func (o *countingObserver) SagaFailed(step string, compensated bool, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failed = append(o.failed, fmt.Sprintf("%s:%v", step, compensated))
}

type fakeIdempotency struct {
	mu           sync.Mutex
	keys         map[string]string
	released     []string
	bindFailures int
	binds        int
}

func newFakeIdempotency() *fakeIdempotency {
	return &fakeIdempotency{keys: make(map[string]string)}
}

func (f *fakeIdempotency) Reserve(ctx context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id, ok := f.keys[key]; ok {
		return id, false, nil
	}
	f.keys[key] = ""
	return "", true, nil
}

func (f *fakeIdempotency) Bind(ctx context.Context, key, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.binds++
	if f.bindFailures > 0 {
		f.bindFailures--
		return errors.New("redis: connection reset")
	}
	f.keys[key] = orderID
	return nil
}

func (f *fakeIdempotency) Release(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.keys, key)
	f.released = append(f.released, key)
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	inventory *spyInventory
	payments  *spyPayments
	store     *faultyStore
	steps     *saga.MemoryLog
	publisher *recordingPublisher
	observer  *countingObserver
	saga      *Orchestrator
}

func newHarness(stock int, opts ...Option) *harness {
	h := &harness{
		inventory: newSpyInventory(stock),
		payments:  &spyPayments{},
		store:     &faultyStore{MemoryStore: NewMemoryStore(), failInto: map[Status]error{}},
		steps:     saga.NewMemoryLog(),
		publisher: &recordingPublisher{},
		observer:  &countingObserver{},
	}
	base := []Option{
		WithLogger(discardLogger()),
		WithStepLog(h.steps),
		WithPublisher(h.publisher),
		WithObserver(h.observer),
	}
	h.saga = NewOrchestrator(h.inventory, h.payments, h.store, append(base, opts...)...)
	return h
}

func TestExecuteOrderSaga_Success(t *testing.T) {
	h := newHarness(50)

	order, err := h.saga.ExecuteOrderSaga(context.Background(), CreateOrderRequest{ProductID: 1, Quantity: 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if order.Status != StatusCompleted {
		t.Fatalf("expected Completed, got %s", order.Status)
	}
	if order.TotalAmount.StringFixed(2) != "3000.00" {
		t.Fatalf("expected total 3000.00, got %s", order.TotalAmount.StringFixed(2))
	}
	if order.CompletedAt == nil {
		t.Fatalf("expected completedAt set")
	}
	if order.FailureReason != "" {
		t.Fatalf("expected no failure reason, got %q", order.FailureReason)
	}
	if order.TransactionID != "TXN-1" {
		t.Fatalf("expected transaction id recorded, got %q", order.TransactionID)
	}
	if len(h.inventory.restores) != 0 {
		t.Fatalf("expected no compensation, got %v", h.inventory.restores)
	}
	if got := strings.Join(h.inventory.calls, ","); got != "get,deduct" {
		t.Fatalf("unexpected inventory calls: %s", got)
	}
	if len(h.payments.requests) != 1 {
		t.Fatalf("expected one charge, got %d", len(h.payments.requests))
	}
	charge := h.payments.requests[0]
	if charge.OrderID != order.ID || !charge.Amount.Equal(order.TotalAmount) || charge.Method != DefaultPaymentMethod {
		t.Fatalf("unexpected charge: %+v", charge)
	}
	if stock, _ := h.inventory.Stock(1); stock != 48 {
		t.Fatalf("expected stock 48, got %d", stock)
	}

	stored, err := h.store.Get(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("get stored order: %v", err)
	}
	if stored.Status != StatusCompleted {
		t.Fatalf("expected stored Completed, got %s", stored.Status)
	}

	want := []Status{StatusPending, StatusOrdered, StatusPaymentProcessed, StatusCompleted}
	if fmt.Sprint(h.publisher.statuses) != fmt.Sprint(want) {
		t.Fatalf("expected published %v, got %v", want, h.publisher.statuses)
	}
	if h.observer.completed != 1 || len(h.observer.failed) != 0 {
		t.Fatalf("unexpected observer counts: completed=%d failed=%v", h.observer.completed, h.observer.failed)
	}

	events, _ := h.steps.Events(context.Background(), order.ID)
	if status, ok := saga.LastStatus(events, saga.StepMarkCompleted); !ok || status != saga.StepSucceeded {
		t.Fatalf("expected completion step logged, got %q", status)
	}
	if _, ok := saga.LastStatus(events, saga.StepRestoreInventory); ok {
		t.Fatalf("expected no restore step logged")
	}
}

func TestExecuteOrderSaga_InsufficientInventory(t *testing.T) {
	h := newHarness(50)

	order, err := h.saga.ExecuteOrderSaga(context.Background(), CreateOrderRequest{ProductID: 1, Quantity: 1000})
	var failure *SagaFailure
	if !errors.As(err, &failure) {
		t.Fatalf("expected SagaFailure, got %v", err)
	}
	if !errors.Is(err, ErrInsufficientInventory) {
		t.Fatalf("expected insufficient inventory cause, got %v", err)
	}
	if failure.Step != saga.StepDeductInventory || failure.OrderID != order.ID {
		t.Fatalf("unexpected failure: %+v", failure)
	}
	if order.Status != StatusFailed {
		t.Fatalf("expected Failed, got %s", order.Status)
	}
	if !strings.Contains(order.FailureReason, "Available: 50") || !strings.Contains(order.FailureReason, "Required: 1000") {
		t.Fatalf("expected reason to mention available and required, got %q", order.FailureReason)
	}
	if len(h.payments.requests) != 0 {
		t.Fatalf("expected no payment call")
	}
	if len(h.inventory.restores) != 0 {
		t.Fatalf("expected no restore, got %v", h.inventory.restores)
	}
	if stock, _ := h.inventory.Stock(1); stock != 50 {
		t.Fatalf("expected stock untouched, got %d", stock)
	}
	if fmt.Sprint(h.observer.failed) != "[deduct_inventory:false]" {
		t.Fatalf("unexpected observer failures: %v", h.observer.failed)
	}
}

func TestExecuteOrderSaga_PaymentDeclinedRestoresInventoryOnce(t *testing.T) {
	h := newHarness(50)
	h.payments.err = fmt.Errorf("%w: card expired", ErrPaymentDeclined)

	order, err := h.saga.ExecuteOrderSaga(context.Background(), CreateOrderRequest{ProductID: 1, Quantity: 3})
	if !errors.Is(err, ErrPaymentDeclined) {
		t.Fatalf("expected payment declined, got %v", err)
	}
	if len(h.inventory.restores) != 1 {
		t.Fatalf("expected exactly one restore, got %v", h.inventory.restores)
	}
	if h.inventory.restores[0] != (restoreCall{productID: 1, quantity: 3}) {
		t.Fatalf("unexpected restore: %+v", h.inventory.restores[0])
	}
	if stock, _ := h.inventory.Stock(1); stock != 50 {
		t.Fatalf("expected stock restored to 50, got %d", stock)
	}
	if order.Status != StatusFailed || order.FailureReason == "" {
		t.Fatalf("expected Failed with reason, got %+v", order)
	}
	if !strings.Contains(order.FailureReason, "card expired") {
		t.Fatalf("expected decline reason recorded, got %q", order.FailureReason)
	}
	stored, _ := h.store.Get(context.Background(), order.ID)
	if stored.Status != StatusFailed {
		t.Fatalf("expected stored Failed, got %s", stored.Status)
	}
}

func TestExecuteOrderSaga_PricingFailureCreatesNoOrder(t *testing.T) {
	h := newHarness(50)
	h.inventory.getErr = fmt.Errorf("%w: product 99", ErrNotFound)

	order, err := h.saga.ExecuteOrderSaga(context.Background(), CreateOrderRequest{ProductID: 99, Quantity: 1})
	var failure *SagaFailure
	if !errors.As(err, &failure) || !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected SagaFailure wrapping not found, got %v", err)
	}
	if failure.OrderID != "" || order.ID != "" {
		t.Fatalf("expected no order, got failure=%+v order=%+v", failure, order)
	}
	all, _ := h.store.List(context.Background(), ListOptions{})
	if len(all) != 0 {
		t.Fatalf("expected no stored orders, got %d", len(all))
	}
	if len(h.publisher.statuses) != 0 {
		t.Fatalf("expected nothing published")
	}
}

func TestExecuteOrderSaga_RestoreFailureKeepsOriginalCause(t *testing.T) {
	h := newHarness(50)
	h.payments.err = fmt.Errorf("%w: insufficient funds", ErrPaymentDeclined)
	h.inventory.restoreErr = fmt.Errorf("%w: inventory down", ErrCommunication)

	order, err := h.saga.ExecuteOrderSaga(context.Background(), CreateOrderRequest{ProductID: 1, Quantity: 1})
	if !errors.Is(err, ErrPaymentDeclined) {
		t.Fatalf("expected original payment cause, got %v", err)
	}
	if errors.Is(err, ErrCommunication) {
		t.Fatalf("compensation error leaked into caller error: %v", err)
	}
	if order.Status != StatusFailed {
		t.Fatalf("expected Failed, got %s", order.Status)
	}
	if !strings.Contains(order.FailureReason, "insufficient funds") || strings.Contains(order.FailureReason, "inventory down") {
		t.Fatalf("expected original reason, got %q", order.FailureReason)
	}
	events, _ := h.steps.Events(context.Background(), order.ID)
	if status, _ := saga.LastStatus(events, saga.StepRestoreInventory); status != saga.StepFailed {
		t.Fatalf("expected failed restore logged, got %q", status)
	}
}

func TestExecuteOrderSaga_FailedStatePersistErrorIsNotReturned(t *testing.T) {
	h := newHarness(50)
	h.payments.err = fmt.Errorf("%w: do not honor", ErrPaymentDeclined)
	h.store.failInto[StatusFailed] = errors.New("database unavailable")

	order, err := h.saga.ExecuteOrderSaga(context.Background(), CreateOrderRequest{ProductID: 1, Quantity: 1})
	if !errors.Is(err, ErrPaymentDeclined) {
		t.Fatalf("expected payment declined, got %v", err)
	}
	if strings.Contains(err.Error(), "database unavailable") {
		t.Fatalf("persistence error masked the cause: %v", err)
	}
	if order.Status != StatusOrdered {
		t.Fatalf("expected last persisted status Ordered, got %s", order.Status)
	}
	if len(h.inventory.restores) != 1 {
		t.Fatalf("expected restore attempted, got %v", h.inventory.restores)
	}
}

func TestExecuteOrderSaga_OrderedPersistFailureCompensates(t *testing.T) {
	h := newHarness(50)
	h.store.failInto[StatusOrdered] = errors.New("write timeout")

	order, err := h.saga.ExecuteOrderSaga(context.Background(), CreateOrderRequest{ProductID: 1, Quantity: 4})
	var failure *SagaFailure
	if !errors.As(err, &failure) || failure.Step != saga.StepMarkOrdered {
		t.Fatalf("expected failure at mark_ordered, got %v", err)
	}
	if len(h.inventory.restores) != 1 {
		t.Fatalf("expected inventory restored after deduction, got %v", h.inventory.restores)
	}
	if len(h.payments.requests) != 0 {
		t.Fatalf("expected no charge")
	}
	if order.Status != StatusFailed || !strings.Contains(order.FailureReason, "write timeout") {
		t.Fatalf("unexpected order: %+v", order)
	}
}

func TestExecuteOrderSaga_CreatePersistFailure(t *testing.T) {
	h := newHarness(50)
	h.store.createErr = errors.New("connection reset")

	order, err := h.saga.ExecuteOrderSaga(context.Background(), CreateOrderRequest{ProductID: 1, Quantity: 1})
	var failure *SagaFailure
	if !errors.As(err, &failure) || failure.Step != saga.StepCreateOrder {
		t.Fatalf("expected failure at create_order, got %v", err)
	}
	if order.ID != "" || failure.OrderID != "" {
		t.Fatalf("expected no order returned, got %+v", order)
	}
	if got := strings.Join(h.inventory.calls, ","); got != "get" {
		t.Fatalf("expected only the price lookup, got %s", got)
	}
}

func TestExecuteOrderSaga_CompletionPersistFailureLeavesPaidOrder(t *testing.T) {
	h := newHarness(50)
	h.store.failInto[StatusCompleted] = errors.New("disk full")

	order, err := h.saga.ExecuteOrderSaga(context.Background(), CreateOrderRequest{ProductID: 1, Quantity: 1})
	var failure *SagaFailure
	if !errors.As(err, &failure) || failure.Step != saga.StepMarkCompleted {
		t.Fatalf("expected failure at mark_completed, got %v", err)
	}
	if len(h.inventory.restores) != 0 {
		t.Fatalf("expected no compensation after payment, got %v", h.inventory.restores)
	}
	if order.Status != StatusPaymentProcessed {
		t.Fatalf("expected PaymentProcessed, got %s", order.Status)
	}
	if fmt.Sprint(h.observer.failed) != "[mark_completed:false]" {
		t.Fatalf("unexpected observer failures: %v", h.observer.failed)
	}
}

func TestExecuteOrderSaga_CompletionPersistFailureFlagsRecovery(t *testing.T) {
	for _, sweep := range []bool{false, true} {
		var buf bytes.Buffer
		h := newHarness(50,
			WithLogger(slog.New(slog.NewJSONHandler(&buf, nil))),
			WithRecoverySweep(sweep),
		)
		h.store.failInto[StatusCompleted] = errors.New("disk full")

		if _, err := h.saga.ExecuteOrderSaga(context.Background(), CreateOrderRequest{ProductID: 1, Quantity: 1}); err == nil {
			t.Fatalf("expected failure")
		}

		var entry map[string]any
		for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
			var candidate map[string]any
			if err := json.Unmarshal([]byte(line), &candidate); err != nil {
				t.Fatalf("decode log line: %v", err)
			}
			if msg, _ := candidate["msg"].(string); strings.HasPrefix(msg, "order paid but completion not persisted") {
				entry = candidate
			}
		}
		if entry == nil {
			t.Fatalf("sweep=%v: expected completion failure log, got %s", sweep, buf.String())
		}
		if entry["level"] != "ERROR" {
			t.Fatalf("sweep=%v: expected ERROR, got %v", sweep, entry["level"])
		}
		if entry["needs_recovery"] != !sweep {
			t.Fatalf("sweep=%v: unexpected needs_recovery %v", sweep, entry["needs_recovery"])
		}
	}
}

func TestExecuteOrderSaga_RejectsInvalidInput(t *testing.T) {
	h := newHarness(50)

	cases := []CreateOrderRequest{
		{ProductID: 1, Quantity: 0},
		{ProductID: 1, Quantity: -3},
		{ProductID: 1, Quantity: 1, PaymentMethod: "Cash"},
	}
	for _, req := range cases {
		_, err := h.saga.ExecuteOrderSaga(context.Background(), req)
		if !errors.Is(err, ErrBadRequest) {
			t.Fatalf("%+v: expected bad request, got %v", req, err)
		}
	}
	if len(h.inventory.calls) != 0 {
		t.Fatalf("expected no collaborator calls, got %v", h.inventory.calls)
	}
}

func TestExecuteOrderSaga_UsesRequestedPaymentMethod(t *testing.T) {
	h := newHarness(50)

	order, err := h.saga.ExecuteOrderSaga(context.Background(), CreateOrderRequest{ProductID: 1, Quantity: 1, PaymentMethod: "PayPal"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if order.PaymentMethod != "PayPal" || h.payments.requests[0].Method != "PayPal" {
		t.Fatalf("expected PayPal, got order=%s charge=%s", order.PaymentMethod, h.payments.requests[0].Method)
	}
}

func TestExecuteOrderSaga_IgnoresCallerCancellation(t *testing.T) {
	h := newHarness(50)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	order, err := h.saga.ExecuteOrderSaga(ctx, CreateOrderRequest{ProductID: 1, Quantity: 1})
	if err != nil {
		t.Fatalf("expected saga to run to completion, got %v", err)
	}
	if order.Status != StatusCompleted {
		t.Fatalf("expected Completed, got %s", order.Status)
	}
}

func TestExecuteOrderSaga_IdempotencyKeyReplaysOrder(t *testing.T) {
	keys := newFakeIdempotency()
	h := newHarness(50, WithIdempotency(keys))
	req := CreateOrderRequest{ProductID: 1, Quantity: 2, IdempotencyKey: "checkout-42"}

	first, err := h.saga.ExecuteOrderSaga(context.Background(), req)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := h.saga.ExecuteOrderSaga(context.Background(), req)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if second.ID != first.ID || second.Status != StatusCompleted {
		t.Fatalf("expected replay of %s, got %+v", first.ID, second)
	}
	if len(h.payments.requests) != 1 {
		t.Fatalf("expected a single charge, got %d", len(h.payments.requests))
	}
	if stock, _ := h.inventory.Stock(1); stock != 48 {
		t.Fatalf("expected a single deduction, stock=%d", stock)
	}
}

func TestExecuteOrderSaga_IdempotencyKeyInFlight(t *testing.T) {
	keys := newFakeIdempotency()
	keys.keys["busy"] = ""
	h := newHarness(50, WithIdempotency(keys))

	_, err := h.saga.ExecuteOrderSaga(context.Background(), CreateOrderRequest{ProductID: 1, Quantity: 1, IdempotencyKey: "busy"})
	if !errors.Is(err, ErrIdempotencyInFlight) {
		t.Fatalf("expected in-flight error, got %v", err)
	}
	if len(h.inventory.calls) != 0 {
		t.Fatalf("expected no saga to start")
	}
}

func TestExecuteOrderSaga_IdempotencyBindRetried(t *testing.T) {
	keys := newFakeIdempotency()
	keys.bindFailures = 1
	h := newHarness(50, WithIdempotency(keys))
	req := CreateOrderRequest{ProductID: 1, Quantity: 1, IdempotencyKey: "flaky"}

	first, err := h.saga.ExecuteOrderSaga(context.Background(), req)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	if keys.binds != 2 || len(keys.released) != 0 {
		t.Fatalf("expected bind retried and kept, binds=%d released=%v", keys.binds, keys.released)
	}
	second, err := h.saga.ExecuteOrderSaga(context.Background(), req)
	if err != nil || second.ID != first.ID {
		t.Fatalf("expected replay of %s, got %+v err=%v", first.ID, second, err)
	}
}

func TestExecuteOrderSaga_UnboundKeyReleasedAtEnd(t *testing.T) {
	keys := newFakeIdempotency()
	keys.bindFailures = bindAttempts
	h := newHarness(50, WithIdempotency(keys))
	req := CreateOrderRequest{ProductID: 1, Quantity: 1, IdempotencyKey: "lost-bind"}

	order, err := h.saga.ExecuteOrderSaga(context.Background(), req)
	if err != nil {
		t.Fatalf("saga: %v", err)
	}
	if order.Status != StatusCompleted {
		t.Fatalf("expected Completed, got %s", order.Status)
	}
	if len(keys.released) != 1 || keys.released[0] != "lost-bind" {
		t.Fatalf("expected key released, got %v", keys.released)
	}
	if _, err := h.saga.ExecuteOrderSaga(context.Background(), req); errors.Is(err, ErrIdempotencyInFlight) {
		t.Fatalf("released key must not report in-flight: %v", err)
	}
}

func TestExecuteOrderSaga_IdempotencyKeyReleasedWhenNoOrderCreated(t *testing.T) {
	keys := newFakeIdempotency()
	h := newHarness(50, WithIdempotency(keys))
	h.inventory.getErr = fmt.Errorf("%w: inventory down", ErrCommunication)

	if _, err := h.saga.ExecuteOrderSaga(context.Background(), CreateOrderRequest{ProductID: 1, Quantity: 1, IdempotencyKey: "k1"}); err == nil {
		t.Fatalf("expected failure")
	}
	if len(keys.released) != 1 || keys.released[0] != "k1" {
		t.Fatalf("expected key released, got %v", keys.released)
	}

	h.inventory.getErr = nil
	order, err := h.saga.ExecuteOrderSaga(context.Background(), CreateOrderRequest{ProductID: 1, Quantity: 1, IdempotencyKey: "k1"})
	if err != nil || order.Status != StatusCompleted {
		t.Fatalf("expected retry with same key to succeed, got %v %+v", err, order)
	}
}

func TestExecuteOrderSaga_ConcurrentRunsNeverOversell(t *testing.T) {
	h := newHarness(10)

	var wg sync.WaitGroup
	results := make(chan error, 25)
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.saga.ExecuteOrderSaga(context.Background(), CreateOrderRequest{ProductID: 1, Quantity: 1})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	completed, rejected := 0, 0
	for err := range results {
		switch {
		case err == nil:
			completed++
		case errors.Is(err, ErrInsufficientInventory):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if completed != 10 || rejected != 15 {
		t.Fatalf("expected 10 completed and 15 rejected, got %d and %d", completed, rejected)
	}
	if stock, _ := h.inventory.Stock(1); stock != 0 {
		t.Fatalf("expected stock 0, got %d", stock)
	}
}

func TestDeleteOrder_OnlyTerminal(t *testing.T) {
	h := newHarness(50)
	ctx := context.Background()
	pending := Order{ID: "pending-1", ProductID: 1, Quantity: 1, Status: StatusPending}
	if err := h.store.Create(ctx, pending); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := h.saga.DeleteOrder(ctx, "pending-1"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected in-flight order to be protected, got %v", err)
	}

	done, err := h.saga.ExecuteOrderSaga(ctx, CreateOrderRequest{ProductID: 1, Quantity: 1})
	if err != nil {
		t.Fatalf("saga: %v", err)
	}
	if err := h.saga.DeleteOrder(ctx, done.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := h.saga.GetOrder(ctx, done.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	if err := h.saga.DeleteOrder(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestListOrders_ValidatesFilter(t *testing.T) {
	h := newHarness(50)
	if _, err := h.saga.ListOrders(context.Background(), ListOptions{Status: "Shipped"}); !errors.Is(err, ErrBadRequest) {
		t.Fatalf("expected bad request, got %v", err)
	}
	if _, err := h.saga.ListOrders(context.Background(), ListOptions{Limit: -1}); !errors.Is(err, ErrBadRequest) {
		t.Fatalf("expected bad request, got %v", err)
	}
}
