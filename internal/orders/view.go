package orders

import (
	"time"

	"github.com/shopspring/decimal"
)

// View is the JSON shape of an order shared by the HTTP API and the status feed.
type View struct {
	ID            string          `json:"id"`
	ProductID     int64           `json:"productId"`
	Quantity      int             `json:"quantity"`
	TotalAmount   decimal.Decimal `json:"totalAmount"`
	PaymentMethod string          `json:"paymentMethod"`
	Status        Status          `json:"status"`
	FailureReason string          `json:"failureReason,omitempty"`
	TransactionID string          `json:"transactionId,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
	CompletedAt   *time.Time      `json:"completedAt,omitempty"`
}

// NewView converts an order for the wire.
func NewView(o Order) View {
	return View{
		ID:            o.ID,
		ProductID:     o.ProductID,
		Quantity:      o.Quantity,
		TotalAmount:   o.TotalAmount,
		PaymentMethod: o.PaymentMethod,
		Status:        o.Status,
		FailureReason: o.FailureReason,
		TransactionID: o.TransactionID,
		CreatedAt:     o.CreatedAt,
		UpdatedAt:     o.UpdatedAt,
		CompletedAt:   o.CompletedAt,
	}
}
