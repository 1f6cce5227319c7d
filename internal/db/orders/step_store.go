package ordersdb

import (
	"context"
	"database/sql"

	"ordersaga/internal/orders/saga"
)

// StepStore persists saga step events in Postgres.
type StepStore struct {
	db *sql.DB
}

// NewStepStore constructs a StepStore backed by Postgres.
func NewStepStore(db *sql.DB) *StepStore {
	return &StepStore{db: db}
}

// NewStepStoreWithSchema initializes the schema then returns the store.
func NewStepStoreWithSchema(ctx context.Context, db *sql.DB) (*StepStore, error) {
	store := NewStepStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates the step table if it does not exist. Rows outlive the
// order they describe so a deleted order keeps its audit trail.
func (s *StepStore) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS order_saga_steps (
			id BIGSERIAL PRIMARY KEY,
			saga_id TEXT NOT NULL,
			order_id TEXT NOT NULL,
			step TEXT NOT NULL,
			status TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS order_saga_steps_order_id_idx ON order_saga_steps (order_id, id)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Append inserts one step event.
func (s *StepStore) Append(ctx context.Context, event saga.Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO order_saga_steps (saga_id, order_id, step, status, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		event.SagaID, event.OrderID, string(event.Step), string(event.Status), event.Detail, event.At,
	)
	return err
}

// Events returns the order's step events in the order they were appended.
func (s *StepStore) Events(ctx context.Context, orderID string) ([]saga.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT saga_id, order_id, step, status, detail, created_at
		FROM order_saga_steps
		WHERE order_id = $1
		ORDER BY id`,
		orderID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []saga.Event
	for rows.Next() {
		var (
			ev     saga.Event
			step   string
			status string
		)
		if err := rows.Scan(&ev.SagaID, &ev.OrderID, &step, &status, &ev.Detail, &ev.At); err != nil {
			return nil, err
		}
		ev.Step = saga.Step(step)
		ev.Status = saga.StepStatus(status)
		events = append(events, ev)
	}
	return events, rows.Err()
}
