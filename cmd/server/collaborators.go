package main

import (
	"context"
	"log/slog"
	"time"

	"ordersaga/cmd/server/config"
	"ordersaga/internal/collaborators"
	"ordersaga/internal/observability"
	"ordersaga/internal/orders"
	"ordersaga/internal/reliability"

	"github.com/shopspring/decimal"
)

const (
	inventoryTarget = "inventory"
	paymentTarget   = "payment"
)

// standaloneChargeLimit is the largest charge the in-memory payment service
// accepts.
var standaloneChargeLimit = decimal.NewFromInt(10000)

// standaloneCatalog stocks the in-memory inventory used when no inventory
// service is configured.
func standaloneCatalog() []orders.Product {
	return []orders.Product{
		{ID: 1, Name: "Laptop", Price: decimal.RequireFromString("1500.00"), AvailableQuantity: 50},
		{ID: 2, Name: "Wireless Mouse", Price: decimal.RequireFromString("25.00"), AvailableQuantity: 200},
		{ID: 3, Name: "Mechanical Keyboard", Price: decimal.RequireFromString("100.00"), AvailableQuantity: 150},
		{ID: 4, Name: "USB-C Hub", Price: decimal.RequireFromString("45.00"), AvailableQuantity: 300},
		{ID: 5, Name: "Webcam HD", Price: decimal.RequireFromString("75.00"), AvailableQuantity: 120},
	}
}

// buildCollaborators returns reliability-wrapped inventory and payment
// clients. Each target gets its own breaker.
func buildCollaborators(logger *slog.Logger, cfg config.CollaboratorConfig, rel reliability.Config, hooks reliability.Hooks) (orders.InventoryClient, orders.PaymentClient) {
	var inventory orders.InventoryClient
	var payments orders.PaymentClient
	httpClient := collaborators.NewHTTPClient(cfg.Timeout)

	if cfg.InventoryURL != "" {
		inventory = collaborators.NewHTTPInventoryClient(cfg.InventoryURL, httpClient)
	} else {
		logger.Warn("INVENTORY_SERVICE_URL not set; using in-memory inventory")
		mem := orders.NewInMemoryInventory()
		for _, p := range standaloneCatalog() {
			mem.AddProduct(p)
		}
		inventory = mem
	}
	if cfg.PaymentURL != "" {
		payments = collaborators.NewHTTPPaymentClient(cfg.PaymentURL, httpClient)
	} else {
		logger.Warn("PAYMENT_SERVICE_URL not set; using in-memory payments")
		payments = orders.NewInMemoryPayments(standaloneChargeLimit)
	}

	return collaborators.NewReliableInventoryClient(inventory, rel.NewPolicy(inventoryTarget, orders.IsTransient, hooks)),
		collaborators.NewReliablePaymentClient(payments, rel.NewPolicy(paymentTarget, orders.IsTransient, hooks))
}

// reliabilityHooks feeds retries and breaker transitions to metrics and the log.
func reliabilityHooks(logger *slog.Logger, metrics *observability.Metrics) reliability.Hooks {
	base := metrics.Hooks()
	return reliability.Hooks{
		OnRetry: func(target string, attempt int, err error, delay time.Duration) {
			base.OnRetry(target, attempt, err, delay)
			logger.Warn("retrying collaborator call",
				"target", target, "attempt", attempt, "delay_ms", delay.Milliseconds(), "error", err)
		},
		OnStateChange: func(name string, from, to reliability.State) {
			base.OnStateChange(name, from, to)
			level := slog.LevelInfo
			msg := "circuit breaker state changed"
			switch to {
			case reliability.StateOpen:
				level = slog.LevelWarn
				msg = "circuit breaker opened"
			case reliability.StateHalfOpen:
				msg = "circuit breaker half-open"
			case reliability.StateClosed:
				msg = "circuit breaker reset"
			}
			logger.Log(context.Background(), level, msg, "target", name, "from", from.String(), "to", to.String())
		},
		OnWait: base.OnWait,
	}
}
