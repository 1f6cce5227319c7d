package grpc

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strings"

	"ordersaga/internal/orders"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// OrderService defines the behavior needed by the gRPC adapter.
type OrderService interface {
	ExecuteOrderSaga(ctx context.Context, req orders.CreateOrderRequest) (orders.Order, error)
	GetOrder(ctx context.Context, id string) (orders.Order, error)
	UpdateStatus(ctx context.Context, id string, to orders.Status, reason string) (orders.Order, error)
}

// OrderServer adapts OrderService to gRPC.
type OrderServer struct {
	service OrderService
}

// NewOrderServer constructs an OrderServer.
func NewOrderServer(svc OrderService) *OrderServer {
	return &OrderServer{service: svc}
}

// CreateOrder runs the order saga. The idempotency key is read from the
// request or, failing that, the idempotency-key metadata.
func (s *OrderServer) CreateOrder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.GetFields()
	productID, err := integerField(fields, "productId")
	if err != nil {
		return nil, err
	}
	quantity, err := integerField(fields, "quantity")
	if err != nil {
		return nil, err
	}

	key := fields["idempotencyKey"].GetStringValue()
	if key == "" {
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if vals := md.Get("idempotency-key"); len(vals) > 0 {
				key = vals[0]
			}
		}
	}

	order, err := s.service.ExecuteOrderSaga(ctx, orders.CreateOrderRequest{
		ProductID:      productID,
		Quantity:       int(quantity),
		PaymentMethod:  fields["paymentMethod"].GetStringValue(),
		IdempotencyKey: key,
	})
	if err != nil {
		return nil, mapOrderError(err)
	}
	return orderStruct(order)
}

// GetOrder returns one order by its id field.
func (s *OrderServer) GetOrder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id := strings.TrimSpace(req.GetFields()["id"].GetStringValue())
	if id == "" {
		return nil, status.Error(codes.InvalidArgument, "id is required")
	}
	order, err := s.service.GetOrder(ctx, id)
	if err != nil {
		return nil, mapOrderError(err)
	}
	return orderStruct(order)
}

// UpdateOrderStatus applies an operator status change; only Cancelled is
// accepted.
func (s *OrderServer) UpdateOrderStatus(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.GetFields()
	id := strings.TrimSpace(fields["id"].GetStringValue())
	if id == "" {
		return nil, status.Error(codes.InvalidArgument, "id is required")
	}
	to := strings.TrimSpace(fields["status"].GetStringValue())
	if to == "" {
		return nil, status.Error(codes.InvalidArgument, "status is required")
	}
	order, err := s.service.UpdateStatus(ctx, id, orders.Status(to), fields["reason"].GetStringValue())
	if err != nil {
		return nil, mapOrderError(err)
	}
	return orderStruct(order)
}

func integerField(fields map[string]*structpb.Value, name string) (int64, error) {
	v, ok := fields[name]
	if !ok {
		return 0, status.Errorf(codes.InvalidArgument, "%s is required", name)
	}
	n, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok || n.NumberValue != math.Trunc(n.NumberValue) || math.Abs(n.NumberValue) > math.MaxInt32 {
		return 0, status.Errorf(codes.InvalidArgument, "%s must be an integer", name)
	}
	return int64(n.NumberValue), nil
}

func orderStruct(order orders.Order) (*structpb.Struct, error) {
	raw, err := json.Marshal(orders.NewView(order))
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode order: %v", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, status.Errorf(codes.Internal, "encode order: %v", err)
	}
	out, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode order: %v", err)
	}
	return out, nil
}

func mapOrderError(err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, orders.ErrBadRequest):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, orders.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, orders.ErrInsufficientInventory),
		errors.Is(err, orders.ErrPaymentDeclined),
		errors.Is(err, orders.ErrIdempotencyInFlight),
		errors.Is(err, orders.ErrInvalidTransition):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, orders.ErrCommunication):
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
