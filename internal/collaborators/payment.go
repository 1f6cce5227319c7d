package collaborators

import (
	"context"
	"net/http"

	"ordersaga/internal/orders"

	"github.com/shopspring/decimal"
)

type processPayment struct {
	OrderID       string          `json:"orderId"`
	Amount        decimal.Decimal `json:"amount"`
	PaymentMethod string          `json:"paymentMethod"`
}

type paymentDTO struct {
	TransactionID string `json:"transactionId"`
	Status        string `json:"status"`
}

var chargeRejections = map[int]error{
	http.StatusBadRequest:          orders.ErrPaymentDeclined,
	http.StatusPaymentRequired:     orders.ErrPaymentDeclined,
	http.StatusConflict:            orders.ErrPaymentDeclined,
	http.StatusUnprocessableEntity: orders.ErrPaymentDeclined,
}

// HTTPPaymentClient talks to the payment service.
type HTTPPaymentClient struct {
	api jsonClient
}

// NewHTTPPaymentClient constructs a client for the service at baseURL.
func NewHTTPPaymentClient(baseURL string, client *http.Client) *HTTPPaymentClient {
	return &HTTPPaymentClient{api: newJSONClient(baseURL, client)}
}

func (c *HTTPPaymentClient) Charge(ctx context.Context, req orders.ChargeRequest) (orders.Receipt, error) {
	var dto paymentDTO
	err := c.api.call(ctx, http.MethodPost, "/api/payments/process", processPayment{
		OrderID:       req.OrderID,
		Amount:        req.Amount,
		PaymentMethod: req.Method,
	}, &dto)
	if err != nil {
		return orders.Receipt{}, classify("charge payment", err, chargeRejections)
	}
	return orders.Receipt{TransactionID: dto.TransactionID, Status: dto.Status}, nil
}
