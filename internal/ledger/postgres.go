package ledger

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/onnwee/paysettle/internal/money"
	"github.com/onnwee/paysettle/internal/order"
	"github.com/onnwee/paysettle/internal/payment"
	"github.com/onnwee/paysettle/internal/tracing"
)

// Schema creates the orders, payments and webhook_events tables.
//
//go:embed schema.sql
var Schema string

// pqUniqueViolation is the SQLSTATE for unique_violation.
const pqUniqueViolation = "23505"

const paymentColumns = `id, order_id, user_id, method, status, total_minor, currency, gateway_ref, created_at, updated_at`

// PostgresStore implements Store on PostgreSQL.
type PostgresStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(db *sql.DB, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{db: db, logger: logger}
}

// Migrate applies Schema. All statements are idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// InsertOrder adds an order. Orders are normally created outside the settlement core.
func (s *PostgresStore) InsertOrder(ctx context.Context, o *order.Order) (err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "orders", tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	if o.Status == "" {
		o.Status = order.StatusCreated
	}

	var createdAt, updatedAt time.Time
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO orders (id, user_id, total_minor, currency, status, payment_id, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at`,
		o.ID, o.UserID, o.TotalAfterTax.Minor, o.TotalAfterTax.Currency, string(o.Status), nullString(o.PaymentID), o.Version,
	).Scan(&createdAt, &updatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}
	o.CreatedAt = &createdAt
	o.UpdatedAt = &updatedAt
	return nil
}

// LoadOrder retrieves an order by ID.
func (s *PostgresStore) LoadOrder(ctx context.Context, id string) (o *order.Order, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "orders", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	var (
		loaded    order.Order
		status    string
		minor     int64
		currency  string
		paymentID sql.NullString
		createdAt time.Time
		updatedAt time.Time
	)
	err = s.db.QueryRowContext(ctx, `
		SELECT id, user_id, total_minor, currency, status, payment_id, version, created_at, updated_at
		FROM orders WHERE id = $1`, id,
	).Scan(&loaded.ID, &loaded.UserID, &minor, &currency, &status, &paymentID, &loaded.Version, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, order.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load order: %w", err)
	}

	loaded.TotalAfterTax = money.New(minor, currency)
	loaded.Status = order.Status(status)
	if paymentID.Valid {
		loaded.PaymentID = &paymentID.String
	}
	loaded.CreatedAt = &createdAt
	loaded.UpdatedAt = &updatedAt
	return &loaded, nil
}

// SaveOrder writes an order guarded by its version.
func (s *PostgresStore) SaveOrder(ctx context.Context, o *order.Order) (err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "orders", tracing.DBOperationUpdate)
	defer func() { endSpan(err) }()

	return s.inTx(ctx, func(tx *sql.Tx) error {
		return updateOrderTx(ctx, tx, o)
	})
}

// LoadPayment retrieves a payment by ID.
func (s *PostgresStore) LoadPayment(ctx context.Context, id string) (p *payment.Payment, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "payments", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	row := s.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id)
	p, err = scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, payment.ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load payment: %w", err)
	}
	return p, nil
}

// SavePayment inserts or transitions a payment.
func (s *PostgresStore) SavePayment(ctx context.Context, p *payment.Payment) (err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "payments", tracing.DBOperationExec)
	defer func() { endSpan(err) }()

	return s.inTx(ctx, func(tx *sql.Tx) error {
		return writePaymentTx(ctx, tx, p)
	})
}

// SaveSettlement writes the order and payment in one transaction.
func (s *PostgresStore) SaveSettlement(ctx context.Context, o *order.Order, p *payment.Payment) (err error) {
	if p.OrderID != o.ID {
		return ErrOrderMismatch
	}

	ctx, endSpan := tracing.StartDBSpan(ctx, "orders,payments", tracing.DBOperationUpdate)
	defer func() { endSpan(err) }()

	// Work on copies so a rolled-back transaction leaves the caller's values intact.
	oc, pc := o.Clone(), p.Clone()
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		if err := writePaymentTx(ctx, tx, pc); err != nil {
			return err
		}
		return updateOrderTx(ctx, tx, oc)
	})
	if err != nil {
		return err
	}

	*o, *p = *oc, *pc
	s.logger.InfoContext(ctx, "settlement persisted",
		slog.String("order_id", o.ID),
		slog.String("payment_id", p.ID),
		slog.String("order_status", string(o.Status)),
		slog.String("payment_status", string(p.Status)))
	return nil
}

// LoadActivePayment returns the order's non-FAILED payment.
func (s *PostgresStore) LoadActivePayment(ctx context.Context, orderID string) (p *payment.Payment, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "payments", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	row := s.db.QueryRowContext(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE order_id = $1 AND status <> 'FAILED'
		LIMIT 1`, orderID)
	p, err = scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, payment.ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load active payment: %w", err)
	}
	return p, nil
}

// LoadPaymentByGatewayRef finds a payment by its gateway reference.
func (s *PostgresStore) LoadPaymentByGatewayRef(ctx context.Context, method payment.Method, ref string) (p *payment.Payment, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "payments", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	row := s.db.QueryRowContext(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE method = $1 AND gateway_ref = $2
		ORDER BY created_at DESC
		LIMIT 1`, string(method), ref)
	p, err = scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, payment.ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load payment by gateway ref: %w", err)
	}
	return p, nil
}

// ListPendingPayments returns PENDING payments created before cutoff that sort
// after the cursor in (created_at, id) order.
func (s *PostgresStore) ListPendingPayments(ctx context.Context, cutoff time.Time, after PendingCursor, limit int) (out []*payment.Payment, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "payments", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	if limit <= 0 {
		limit = 100
	}
	var rows *sql.Rows
	if after.IsZero() {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+paymentColumns+` FROM payments
			WHERE status = 'PENDING' AND created_at < $1
			ORDER BY created_at, id
			LIMIT $2`, cutoff, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+paymentColumns+` FROM payments
			WHERE status = 'PENDING' AND created_at < $1
			  AND (created_at, id) > ($2, $3)
			ORDER BY created_at, id
			LIMIT $4`, cutoff, after.CreatedAt, after.ID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list pending payments: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// RecordEvent records a gateway webhook event for deduplication.
func (s *PostgresStore) RecordEvent(ctx context.Context, event payment.WebhookEvent) (err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "webhook_events", tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_events (event_id, event_type, gateway_ref)
		VALUES ($1, $2, $3)
		ON CONFLICT (event_id) DO NOTHING`,
		event.EventID, event.EventType, event.GatewayRef)
	if err != nil {
		return fmt.Errorf("failed to record webhook event: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return payment.ErrEventAlreadyProcessed
	}
	return nil
}

// DeleteEvent forgets a webhook event so its redelivery is processed again.
func (s *PostgresStore) DeleteEvent(ctx context.Context, eventID string) (err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "webhook_events", tracing.DBOperationDelete)
	defer func() { endSpan(err) }()

	if _, err = s.db.ExecContext(ctx, `DELETE FROM webhook_events WHERE event_id = $1`, eventID); err != nil {
		return fmt.Errorf("failed to delete webhook event: %w", err)
	}
	return nil
}

// inTx runs fn in a read-committed transaction, committing if fn returns nil.
func (s *PostgresStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	// Always attempt rollback on exit (no-op after successful commit)
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			s.logger.Warn("failed to rollback transaction", slog.String("error", err.Error()))
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// updateOrderTx performs the version compare-and-swap on an order row.
func updateOrderTx(ctx context.Context, tx *sql.Tx, o *order.Order) error {
	var updatedAt time.Time
	err := tx.QueryRowContext(ctx, `
		UPDATE orders
		SET status = $1, payment_id = $2, version = version + 1, updated_at = NOW()
		WHERE id = $3 AND version = $4
		RETURNING updated_at`,
		string(o.Status), nullString(o.PaymentID), o.ID, o.Version,
	).Scan(&updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM orders WHERE id = $1)`, o.ID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check order existence: %w", err)
		}
		if !exists {
			return order.ErrOrderNotFound
		}
		return ErrConcurrentModification
	}
	if err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}

	o.Version++
	o.UpdatedAt = &updatedAt
	return nil
}

// writePaymentTx applies a guarded PENDING→terminal update, or inserts the
// payment if it does not exist yet.
func writePaymentTx(ctx context.Context, tx *sql.Tx, p *payment.Payment) error {
	if p.ID != "" {
		var updatedAt time.Time
		err := tx.QueryRowContext(ctx, `
			UPDATE payments SET status = $2, updated_at = NOW()
			WHERE id = $1 AND status = 'PENDING' AND $2 <> 'PENDING'
			RETURNING updated_at`,
			p.ID, string(p.Status),
		).Scan(&updatedAt)
		if err == nil {
			p.UpdatedAt = &updatedAt
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to update payment: %w", err)
		}

		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM payments WHERE id = $1)`, p.ID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check payment existence: %w", err)
		}
		if exists {
			return ErrConcurrentModification
		}
	} else {
		p.ID = uuid.New().String()
	}

	var createdAt, updatedAt time.Time
	err := tx.QueryRowContext(ctx, `
		INSERT INTO payments (id, order_id, user_id, method, status, total_minor, currency, gateway_ref)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at`,
		p.ID, p.OrderID, p.UserID, string(p.Method), string(p.Status),
		p.TotalAmount.Minor, p.TotalAmount.Currency, p.GatewayRef,
	).Scan(&createdAt, &updatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
			return ErrConcurrentModification
		}
		return fmt.Errorf("failed to insert payment: %w", err)
	}
	p.CreatedAt = &createdAt
	p.UpdatedAt = &updatedAt
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPayment(row rowScanner) (*payment.Payment, error) {
	var (
		p         payment.Payment
		method    string
		status    string
		minor     int64
		currency  string
		createdAt time.Time
		updatedAt time.Time
	)
	if err := row.Scan(&p.ID, &p.OrderID, &p.UserID, &method, &status, &minor, &currency, &p.GatewayRef, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	p.Method = payment.Method(method)
	p.Status = payment.Status(status)
	p.TotalAmount = money.New(minor, currency)
	p.CreatedAt = &createdAt
	p.UpdatedAt = &updatedAt
	return &p, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
