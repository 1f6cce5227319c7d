package orders

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Product is the inventory collaborator's view of a catalog item.
type Product struct {
	ID                int64
	Name              string
	Price             decimal.Decimal
	AvailableQuantity int
}

// InventoryClient reaches the inventory collaborator.
type InventoryClient interface {
	GetProduct(ctx context.Context, productID int64) (Product, error)
	DeductInventory(ctx context.Context, productID int64, quantity int) error
	// RestoreInventory is the compensation for DeductInventory.
	RestoreInventory(ctx context.Context, productID int64, quantity int) error
}

// ChargeRequest asks the payment collaborator to take money for an order.
type ChargeRequest struct {
	OrderID string
	Amount  decimal.Decimal
	Method  string
}

// Receipt is the payment collaborator's confirmation of a charge.
type Receipt struct {
	TransactionID string
	Status        string
}

// PaymentClient reaches the payment collaborator.
type PaymentClient interface {
	Charge(ctx context.Context, req ChargeRequest) (Receipt, error)
}

// ListOptions filters ListOrders. A zero Limit means no limit.
type ListOptions struct {
	Status Status
	Limit  int
}

// Store persists orders. Transition writes the order's mutable fields only if
// the stored status still equals from, and returns ErrStaleOrder otherwise.
type Store interface {
	Create(ctx context.Context, order Order) error
	Transition(ctx context.Context, order Order, from Status) error
	Get(ctx context.Context, id string) (Order, error)
	List(ctx context.Context, opts ListOptions) ([]Order, error)
	// ListStale returns non-terminal orders in one of statuses last updated
	// before cutoff, in creation order.
	ListStale(ctx context.Context, statuses []Status, cutoff time.Time, limit int) ([]Order, error)
	Delete(ctx context.Context, id string) error
}

// StatusPublisher is told about every persisted order change.
type StatusPublisher interface {
	PublishOrder(order Order)
}

// IdempotencyStore maps a caller-supplied key to the order it created.
// Reserve claims an unused key and reports reserved=true. For a key already
// claimed it returns the bound order ID, or "" while the claiming saga has
// not created its order yet.
type IdempotencyStore interface {
	Reserve(ctx context.Context, key string) (orderID string, reserved bool, err error)
	Bind(ctx context.Context, key, orderID string) error
	Release(ctx context.Context, key string) error
}

// Observer receives saga outcomes for metrics.
type Observer interface {
	SagaCompleted(d time.Duration)
	SagaFailed(step string, compensated bool, d time.Duration)
}
