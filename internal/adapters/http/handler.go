package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"ordersaga/internal/observability"
	"ordersaga/internal/orders"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const maxBodyBytes = 1 << 20

// OrderService is the order surface exposed over HTTP.
type OrderService interface {
	ExecuteOrderSaga(ctx context.Context, req orders.CreateOrderRequest) (orders.Order, error)
	GetOrder(ctx context.Context, id string) (orders.Order, error)
	ListOrders(ctx context.Context, opts orders.ListOptions) ([]orders.Order, error)
	DeleteOrder(ctx context.Context, id string) error
	UpdateStatus(ctx context.Context, id string, to orders.Status, reason string) (orders.Order, error)
}

type Handler struct {
	log     *slog.Logger
	service OrderService
	metrics *observability.Metrics
	feed    http.Handler
	tracer  trace.Tracer
}

// NewHandler constructs the HTTP handler. metrics and feed may be nil.
func NewHandler(log *slog.Logger, service OrderService, metrics *observability.Metrics, feed http.Handler) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		log:     log,
		service: service,
		metrics: metrics,
		feed:    feed,
		tracer:  otel.Tracer("ordersaga/http"),
	}
}

type createOrderReq struct {
	ProductID     int64  `json:"productId"`
	Quantity      int    `json:"quantity"`
	PaymentMethod string `json:"paymentMethod"`
}

type updateStatusReq struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

// response is the envelope every endpoint answers with.
type response struct {
	Success    bool      `json:"success"`
	Message    string    `json:"message"`
	Data       any       `json:"data"`
	StatusCode int       `json:"statusCode"`
	Errors     []string  `json:"errors"`
	Timestamp  time.Time `json:"timestamp"`
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(h.observe)
	r.Get("/health", h.health)
	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", observability.Handler(h.metrics))
	}
	if h.feed != nil {
		r.Method(http.MethodGet, "/ws/orders", h.feed)
	}
	r.Route("/api/orders", func(r chi.Router) {
		r.Post("/", h.createOrder)
		r.Get("/", h.listOrders)
		r.Get("/{id}", h.getOrder)
		r.Delete("/{id}", h.deleteOrder)
		r.Put("/{id}/status", h.updateStatus)
	})
	return r
}

// observe records per-route metrics and an access log line.
func (h *Handler) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)

		route := r.Method + " " + r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = r.Method + " " + rctx.RoutePattern()
		}
		var failed error
		if rec.status >= http.StatusInternalServerError {
			failed = errors.New(http.StatusText(rec.status))
		}
		if route != "GET /ws/orders" {
			h.metrics.Observe(route, time.Since(start), failed)
		}
		h.log.InfoContext(r.Context(), "http request",
			"route", route, "status", rec.status, "duration_ms", time.Since(start).Milliseconds())
	})
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("Healthy"))
}

func (h *Handler) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "CreateOrder")
	defer span.End()

	var req createOrderReq
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, failure(http.StatusBadRequest, "Invalid request body", err))
		return
	}
	span.SetAttributes(
		attribute.Int64("order.product_id", req.ProductID),
		attribute.Int("order.quantity", req.Quantity),
	)

	order, err := h.service.ExecuteOrderSaga(ctx, orders.CreateOrderRequest{
		ProductID:      req.ProductID,
		Quantity:       req.Quantity,
		PaymentMethod:  req.PaymentMethod,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "order saga failed")
		h.writeError(ctx, w, "Order creation failed", err)
		return
	}

	status := http.StatusOK
	message := "Order already processed"
	if order.Status == orders.StatusCompleted {
		status = http.StatusCreated
		message = "Order created and processed successfully"
		w.Header().Set("Location", "/api/orders/"+order.ID)
	}
	writeJSON(w, success(status, message, orders.NewView(order)))
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "GetOrder")
	defer span.End()

	order, err := h.service.GetOrder(ctx, chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(ctx, w, "Order lookup failed", err)
		return
	}
	writeJSON(w, success(http.StatusOK, "Operation successful", orders.NewView(order)))
}

func (h *Handler) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "ListOrders")
	defer span.End()

	opts := orders.ListOptions{Status: orders.Status(strings.TrimSpace(r.URL.Query().Get("status")))}
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			writeJSON(w, failure(http.StatusBadRequest, "Invalid limit", err))
			return
		}
		opts.Limit = limit
	}

	list, err := h.service.ListOrders(ctx, opts)
	if err != nil {
		h.writeError(ctx, w, "Order listing failed", err)
		return
	}
	views := make([]orders.View, 0, len(list))
	for _, o := range list {
		views = append(views, orders.NewView(o))
	}
	writeJSON(w, success(http.StatusOK, "Operation successful", views))
}

func (h *Handler) deleteOrder(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "DeleteOrder")
	defer span.End()

	if err := h.service.DeleteOrder(ctx, chi.URLParam(r, "id")); err != nil {
		h.writeError(ctx, w, "Order deletion failed", err)
		return
	}
	writeJSON(w, success(http.StatusOK, "Order deleted successfully", true))
}

func (h *Handler) updateStatus(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "UpdateOrderStatus")
	defer span.End()

	var req updateStatusReq
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, failure(http.StatusBadRequest, "Invalid request body", err))
		return
	}
	span.SetAttributes(attribute.String("order.status", req.Status))

	order, err := h.service.UpdateStatus(ctx, chi.URLParam(r, "id"), orders.Status(strings.TrimSpace(req.Status)), req.Reason)
	if err != nil {
		h.writeError(ctx, w, "Order status update failed", err)
		return
	}
	writeJSON(w, success(http.StatusOK, "Order status updated successfully", orders.NewView(order)))
}

func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, message string, err error) {
	status := StatusFor(err)
	if status == http.StatusInternalServerError {
		h.log.ErrorContext(ctx, message, "error", err)
		writeJSON(w, failure(status, "An internal error occurred", nil))
		return
	}
	writeJSON(w, failure(status, message, err))
}

// StatusFor maps an order error onto an HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, orders.ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, orders.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, orders.ErrInsufficientInventory),
		errors.Is(err, orders.ErrIdempotencyInFlight),
		errors.Is(err, orders.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, orders.ErrPaymentDeclined):
		return http.StatusPaymentRequired
	case errors.Is(err, orders.ErrCommunication):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func success(status int, message string, data any) response {
	return response{
		Success:    true,
		Message:    message,
		Data:       data,
		StatusCode: status,
		Errors:     []string{},
		Timestamp:  time.Now().UTC(),
	}
}

func failure(status int, message string, err error) response {
	errs := []string{}
	if err != nil {
		errs = append(errs, err.Error())
	}
	return response{
		Message:    message,
		StatusCode: status,
		Errors:     errs,
		Timestamp:  time.Now().UTC(),
	}
}

func writeJSON(w http.ResponseWriter, resp response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	_ = json.NewEncoder(w).Encode(resp)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack passes through so the status feed can upgrade to a websocket.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return hj.Hijack()
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
