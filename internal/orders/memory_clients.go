package orders

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// NewInMemoryInventory constructs an empty in-memory inventory.
func NewInMemoryInventory() *InMemoryInventory {
	return &InMemoryInventory{products: make(map[int64]Product)}
}

// InMemoryInventory is a process-local inventory collaborator. Deductions
// never drive stock negative.
type InMemoryInventory struct {
	mu       sync.Mutex
	products map[int64]Product
}

// AddProduct inserts or replaces a catalog item.
func (i *InMemoryInventory) AddProduct(p Product) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.products[p.ID] = p
}

// Stock returns the available quantity for a product.
func (i *InMemoryInventory) Stock(productID int64) (int, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	p, ok := i.products[productID]
	return p.AvailableQuantity, ok
}

func (i *InMemoryInventory) GetProduct(ctx context.Context, productID int64) (Product, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	p, ok := i.products[productID]
	if !ok {
		return Product{}, fmt.Errorf("%w: product %d", ErrNotFound, productID)
	}
	return p, nil
}

func (i *InMemoryInventory) DeductInventory(ctx context.Context, productID int64, quantity int) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	p, ok := i.products[productID]
	if !ok {
		return fmt.Errorf("%w: product %d", ErrNotFound, productID)
	}
	if p.AvailableQuantity < quantity {
		return fmt.Errorf("%w for product %s. Available: %d, Required: %d",
			ErrInsufficientInventory, p.Name, p.AvailableQuantity, quantity)
	}
	p.AvailableQuantity -= quantity
	i.products[productID] = p
	return nil
}

func (i *InMemoryInventory) RestoreInventory(ctx context.Context, productID int64, quantity int) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	p, ok := i.products[productID]
	if !ok {
		return fmt.Errorf("%w: product %d", ErrNotFound, productID)
	}
	p.AvailableQuantity += quantity
	i.products[productID] = p
	return nil
}

// NewInMemoryPayments constructs an in-memory payment collaborator that
// declines charges above limit. A zero limit accepts every charge.
func NewInMemoryPayments(limit decimal.Decimal) *InMemoryPayments {
	return &InMemoryPayments{
		limit:   limit,
		charges: make(map[string]ChargeRequest),
	}
}

// InMemoryPayments records charges in memory.
type InMemoryPayments struct {
	mu      sync.Mutex
	limit   decimal.Decimal
	charges map[string]ChargeRequest
}

func (p *InMemoryPayments) Charge(ctx context.Context, req ChargeRequest) (Receipt, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.limit.IsZero() && req.Amount.GreaterThan(p.limit) {
		return Receipt{}, fmt.Errorf("%w: amount %s exceeds limit %s",
			ErrPaymentDeclined, req.Amount.StringFixed(2), p.limit.StringFixed(2))
	}
	p.charges[req.OrderID] = req
	return Receipt{TransactionID: "TXN-" + uuid.NewString(), Status: "PaymentDone"}, nil
}

// WasCharged reports whether an order was charged (for testing/inspection).
func (p *InMemoryPayments) WasCharged(orderID string) (ChargeRequest, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	req, ok := p.charges[orderID]
	return req, ok
}
