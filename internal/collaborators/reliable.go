package collaborators

import (
	"context"
	"errors"
	"fmt"

	"ordersaga/internal/orders"
	"ordersaga/internal/reliability"
)

// ReliableInventoryClient wraps an InventoryClient with reliability controls.
type ReliableInventoryClient struct {
	base   orders.InventoryClient
	policy reliability.Policy
}

// NewReliableInventoryClient constructs a reliability-wrapped inventory client.
func NewReliableInventoryClient(base orders.InventoryClient, policy reliability.Policy) *ReliableInventoryClient {
	return &ReliableInventoryClient{base: base, policy: policy}
}

func (c *ReliableInventoryClient) GetProduct(ctx context.Context, productID int64) (orders.Product, error) {
	var product orders.Product
	err := do(ctx, c.policy, func(ctx context.Context) error {
		p, err := c.base.GetProduct(ctx, productID)
		if err != nil {
			return err
		}
		product = p
		return nil
	})
	return product, err
}

func (c *ReliableInventoryClient) DeductInventory(ctx context.Context, productID int64, quantity int) error {
	return do(ctx, c.policy, func(ctx context.Context) error {
		return c.base.DeductInventory(ctx, productID, quantity)
	})
}

func (c *ReliableInventoryClient) RestoreInventory(ctx context.Context, productID int64, quantity int) error {
	return do(ctx, c.policy, func(ctx context.Context) error {
		return c.base.RestoreInventory(ctx, productID, quantity)
	})
}

// ReliablePaymentClient wraps a PaymentClient with reliability controls.
type ReliablePaymentClient struct {
	base   orders.PaymentClient
	policy reliability.Policy
}

// NewReliablePaymentClient constructs a reliability-wrapped payment client.
func NewReliablePaymentClient(base orders.PaymentClient, policy reliability.Policy) *ReliablePaymentClient {
	return &ReliablePaymentClient{base: base, policy: policy}
}

func (c *ReliablePaymentClient) Charge(ctx context.Context, req orders.ChargeRequest) (orders.Receipt, error) {
	var receipt orders.Receipt
	err := do(ctx, c.policy, func(ctx context.Context) error {
		r, err := c.base.Charge(ctx, req)
		if err != nil {
			return err
		}
		receipt = r
		return nil
	})
	return receipt, err
}

// do runs fn under policy. An open circuit is reported as a communication
// failure so callers see one transient kind.
func do(ctx context.Context, policy reliability.Policy, fn func(context.Context) error) error {
	err := policy.Do(ctx, fn)
	if errors.Is(err, reliability.ErrCircuitOpen) && !errors.Is(err, orders.ErrCommunication) {
		return fmt.Errorf("%w: %s: %w", orders.ErrCommunication, policy.Breaker.Name(), err)
	}
	return err
}
