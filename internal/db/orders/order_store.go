package ordersdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"ordersaga/internal/orders"
)

const orderColumns = `id, product_id, quantity, total_amount, payment_method, status,
	failure_reason, transaction_id, created_at, updated_at, completed_at`

// OrderStore persists orders in Postgres.
type OrderStore struct {
	db *sql.DB
}

// NewOrderStore constructs an OrderStore backed by Postgres.
func NewOrderStore(db *sql.DB) *OrderStore {
	return &OrderStore{db: db}
}

// NewOrderStoreWithSchema initializes the schema then returns the store.
func NewOrderStoreWithSchema(ctx context.Context, db *sql.DB) (*OrderStore, error) {
	store := NewOrderStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates the orders table if it does not exist.
func (s *OrderStore) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS orders (
			id TEXT PRIMARY KEY,
			product_id BIGINT NOT NULL,
			quantity INTEGER NOT NULL CHECK (quantity > 0),
			total_amount NUMERIC(18,2) NOT NULL,
			payment_method TEXT NOT NULL,
			status TEXT NOT NULL,
			failure_reason VARCHAR(500) NOT NULL DEFAULT '',
			transaction_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS orders_status_updated_at_idx ON orders (status, updated_at)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *OrderStore) Create(ctx context.Context, order orders.Order) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		order.ID, order.ProductID, order.Quantity, order.TotalAmount.StringFixed(2),
		order.PaymentMethod, string(order.Status), order.FailureReason, order.TransactionID,
		order.CreatedAt, order.UpdatedAt, nullTime(order.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("insert order %s: %w", order.ID, err)
	}
	return nil
}

// Transition updates the order only while its stored status is still from.
func (s *OrderStore) Transition(ctx context.Context, order orders.Order, from orders.Status) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders
		SET status = $3, failure_reason = $4, transaction_id = $5, updated_at = $6, completed_at = $7
		WHERE id = $1 AND status = $2`,
		order.ID, string(from), string(order.Status), order.FailureReason, order.TransactionID,
		order.UpdatedAt, nullTime(order.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("update order %s: %w", order.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 1 {
		return nil
	}

	var current string
	row := s.db.QueryRowContext(ctx, `SELECT status FROM orders WHERE id = $1`, order.ID)
	switch scanErr := row.Scan(&current); {
	case errors.Is(scanErr, sql.ErrNoRows):
		return fmt.Errorf("%w: order %s", orders.ErrNotFound, order.ID)
	case scanErr != nil:
		return scanErr
	default:
		return fmt.Errorf("%w: order %s is %s, expected %s", orders.ErrStaleOrder, order.ID, current, from)
	}
}

func (s *OrderStore) Get(ctx context.Context, id string) (orders.Order, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	order, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return orders.Order{}, fmt.Errorf("%w: order %s", orders.ErrNotFound, id)
	}
	return order, err
}

// List returns orders newest first.
func (s *OrderStore) List(ctx context.Context, opts orders.ListOptions) ([]orders.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders`
	var args []any
	if opts.Status != "" {
		args = append(args, string(opts.Status))
		query += ` WHERE status = $1`
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += ` LIMIT $` + strconv.Itoa(len(args))
	}
	return s.query(ctx, query, args...)
}

func (s *OrderStore) ListStale(ctx context.Context, statuses []orders.Status, cutoff time.Time, limit int) ([]orders.Order, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := []any{cutoff}
	placeholders := make([]string, 0, len(statuses))
	for _, st := range statuses {
		args = append(args, string(st))
		placeholders = append(placeholders, "$"+strconv.Itoa(len(args)))
	}
	query := `SELECT ` + orderColumns + ` FROM orders
		WHERE updated_at < $1 AND status IN (` + strings.Join(placeholders, ", ") + `)
		ORDER BY created_at, id`
	if limit > 0 {
		args = append(args, limit)
		query += ` LIMIT $` + strconv.Itoa(len(args))
	}
	return s.query(ctx, query, args...)
}

func (s *OrderStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM orders WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete order %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: order %s", orders.ErrNotFound, id)
	}
	return nil
}

func (s *OrderStore) query(ctx context.Context, query string, args ...any) ([]orders.Order, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []orders.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, order)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(row scanner) (orders.Order, error) {
	var (
		order     orders.Order
		status    string
		completed sql.NullTime
	)
	err := row.Scan(
		&order.ID, &order.ProductID, &order.Quantity, &order.TotalAmount, &order.PaymentMethod, &status,
		&order.FailureReason, &order.TransactionID, &order.CreatedAt, &order.UpdatedAt, &completed,
	)
	if err != nil {
		return orders.Order{}, err
	}
	if order.Status, err = orders.ParseStatus(status); err != nil {
		return orders.Order{}, fmt.Errorf("order %s: %w", order.ID, err)
	}
	if completed.Valid {
		at := completed.Time
		order.CompletedAt = &at
	}
	return order, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
