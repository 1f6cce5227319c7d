package collaborators

import (
	"context"
	"fmt"
	"net/http"

	"ordersaga/internal/orders"

	"github.com/shopspring/decimal"
)

type productDTO struct {
	ID       int64           `json:"id"`
	Name     string          `json:"name"`
	Price    decimal.Decimal `json:"price"`
	Quantity int             `json:"quantity"`
}

type inventoryUpdate struct {
	ProductID int64 `json:"productId"`
	Quantity  int   `json:"quantity"`
}

var deductRejections = map[int]error{
	http.StatusBadRequest:          orders.ErrInsufficientInventory,
	http.StatusConflict:            orders.ErrInsufficientInventory,
	http.StatusUnprocessableEntity: orders.ErrInsufficientInventory,
}

// HTTPInventoryClient talks to the product service.
type HTTPInventoryClient struct {
	api jsonClient
}

// NewHTTPInventoryClient constructs a client for the service at baseURL.
func NewHTTPInventoryClient(baseURL string, client *http.Client) *HTTPInventoryClient {
	return &HTTPInventoryClient{api: newJSONClient(baseURL, client)}
}

func (c *HTTPInventoryClient) GetProduct(ctx context.Context, productID int64) (orders.Product, error) {
	var dto productDTO
	path := fmt.Sprintf("/api/products/%d", productID)
	if err := c.api.call(ctx, http.MethodGet, path, nil, &dto); err != nil {
		return orders.Product{}, classify("get product", err, nil)
	}
	return orders.Product{
		ID:                dto.ID,
		Name:              dto.Name,
		Price:             dto.Price,
		AvailableQuantity: dto.Quantity,
	}, nil
}

func (c *HTTPInventoryClient) DeductInventory(ctx context.Context, productID int64, quantity int) error {
	err := c.api.call(ctx, http.MethodPost, "/api/products/update-inventory",
		inventoryUpdate{ProductID: productID, Quantity: quantity}, nil)
	if err != nil {
		return classify("deduct inventory", err, deductRejections)
	}
	return nil
}

func (c *HTTPInventoryClient) RestoreInventory(ctx context.Context, productID int64, quantity int) error {
	err := c.api.call(ctx, http.MethodPost, "/api/products/rollback-inventory",
		inventoryUpdate{ProductID: productID, Quantity: quantity}, nil)
	if err != nil {
		return classify("restore inventory", err, nil)
	}
	return nil
}
