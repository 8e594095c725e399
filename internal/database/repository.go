package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"github.com/LeeeWayyy/trading-platform-sub016/internal/metrics"
	"github.com/LeeeWayyy/trading-platform-sub016/internal/orders"
)

// Repository is the PostgreSQL OrderStore. Every write is a short
// transaction over the affected rows; no transaction spans a broker call.
type Repository struct {
	db     *DB
	logger zerolog.Logger
}

var _ orders.OrderStore = (*Repository)(nil)

// NewRepository creates a new repository
func NewRepository(db *DB, logger zerolog.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger.With().Str("component", "Repository").Logger(),
	}
}

// HealthCheck performs a database health check
func (r *Repository) HealthCheck(ctx context.Context) error {
	return r.db.Pool.Ping(ctx)
}

// querier is satisfied by both the pool and a transaction
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (r *Repository) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ============================================================================
// ORDERS
// ============================================================================

const orderColumns = `
	client_order_id, strategy_id, symbol, side, qty, order_type, limit_price, time_in_force,
	status, broker_order_id, parent_order_id, slice_num, total_slices, scheduled_at,
	replaced_order_id, filled_qty, filled_avg_price, retry_count, error_message,
	last_updated_at, is_terminal, status_rank, source_priority, created_at, submitted_at,
	reference_price`

func scanOrder(row pgx.Row) (*orders.Order, error) {
	o := &orders.Order{}
	err := row.Scan(
		&o.ClientOrderID, &o.StrategyID, &o.Symbol, &o.Side, &o.Qty, &o.OrderType, &o.LimitPrice, &o.TimeInForce,
		&o.Status, &o.BrokerOrderID, &o.ParentOrderID, &o.SliceNum, &o.TotalSlices, &o.ScheduledAt,
		&o.ReplacedOrderID, &o.FilledQty, &o.FilledAvgPrice, &o.RetryCount, &o.ErrorMessage,
		&o.LastUpdatedAt, &o.IsTerminal, &o.StatusRank, &o.SourcePriority, &o.CreatedAt, &o.SubmittedAt,
		&o.ReferencePrice,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, orders.ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	return o, nil
}

func insertOrder(ctx context.Context, q querier, o *orders.Order) error {
	query := `INSERT INTO orders (` + orderColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26)`
	_, err := q.Exec(ctx, query,
		o.ClientOrderID, o.StrategyID, o.Symbol, o.Side, o.Qty, o.OrderType, o.LimitPrice, o.TimeInForce,
		o.Status, o.BrokerOrderID, o.ParentOrderID, o.SliceNum, o.TotalSlices, o.ScheduledAt,
		o.ReplacedOrderID, o.FilledQty, o.FilledAvgPrice, o.RetryCount, o.ErrorMessage,
		o.LastUpdatedAt, o.IsTerminal, o.StatusRank, o.SourcePriority, o.CreatedAt, o.SubmittedAt,
		o.ReferencePrice,
	)
	if isUniqueViolation(err) {
		return orders.ErrOrderExists
	}
	return err
}

// CreateOrder inserts a new order row
func (r *Repository) CreateOrder(ctx context.Context, o *orders.Order) error {
	return insertOrder(ctx, r.db.Pool, o)
}

// CreateOrders inserts a TWAP parent with its children in one transaction
func (r *Repository) CreateOrders(ctx context.Context, rows []*orders.Order) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		for _, o := range rows {
			if err := insertOrder(ctx, tx, o); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetOrder retrieves an order by client order ID
func (r *Repository) GetOrder(ctx context.Context, clientOrderID string) (*orders.Order, error) {
	return scanOrder(r.db.Pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE client_order_id = $1`, clientOrderID))
}

// GetOrderByBrokerID retrieves an order by broker order ID
func (r *Repository) GetOrderByBrokerID(ctx context.Context, brokerOrderID string) (*orders.Order, error) {
	return scanOrder(r.db.Pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE broker_order_id = $1`, brokerOrderID))
}

// ListNonTerminal returns every order that may still change
func (r *Repository) ListNonTerminal(ctx context.Context) ([]*orders.Order, error) {
	return r.queryOrders(ctx, `SELECT `+orderColumns+` FROM orders WHERE is_terminal = FALSE ORDER BY created_at`)
}

// ListChildren returns a TWAP parent's slices in slice order
func (r *Repository) ListChildren(ctx context.Context, parentOrderID string) ([]*orders.Order, error) {
	return r.queryOrders(ctx, `SELECT `+orderColumns+` FROM orders WHERE parent_order_id = $1 ORDER BY slice_num`, parentOrderID)
}

// ListOrders returns the most recent orders
func (r *Repository) ListOrders(ctx context.Context, limit int) ([]*orders.Order, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryOrders(ctx, `SELECT `+orderColumns+` FROM orders ORDER BY created_at DESC LIMIT $1`, limit)
}

func (r *Repository) queryOrders(ctx context.Context, query string, args ...any) ([]*orders.Order, error) {
	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*orders.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// ApplyStatusUpdate locks the order row, evaluates the compare-and-set rule,
// and writes the order and any position change in the same short transaction
func (r *Repository) ApplyStatusUpdate(ctx context.Context, u orders.StatusUpdate) (orders.UpdateResult, error) {
	var res orders.UpdateResult
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		cur, err := scanOrder(tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE client_order_id = $1 FOR UPDATE`, u.ClientOrderID))
		if err != nil {
			return err
		}

		var next *orders.Order
		next, res = orders.EvaluateUpdate(cur, u)
		if !res.Applied {
			return nil
		}

		_, err = tx.Exec(ctx, `
			UPDATE orders
			SET status = $2, status_rank = $3, is_terminal = $4, source_priority = $5, last_updated_at = $6,
			    filled_qty = $7, filled_avg_price = $8, broker_order_id = $9, error_message = $10
			WHERE client_order_id = $1`,
			next.ClientOrderID, next.Status, next.StatusRank, next.IsTerminal, next.SourcePriority, next.LastUpdatedAt,
			next.FilledQty, next.FilledAvgPrice, next.BrokerOrderID, next.ErrorMessage,
		)
		if err != nil {
			return fmt.Errorf("update order: %w", err)
		}

		if res.FillDelta > 0 {
			pos, err := lockPosition(ctx, tx, next.Symbol)
			if err != nil {
				return err
			}
			pos.ApplyFill(next.Side, res.FillDelta, res.FillPrice, u.ObservedAt)
			if err := upsertPosition(ctx, tx, pos); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return orders.UpdateResult{}, err
	}

	if !res.Applied {
		metrics.CASRejections.WithLabelValues(res.Reason, string(u.Source)).Inc()
		r.logger.Warn().
			Str("client_order_id", u.ClientOrderID).
			Str("status", string(u.Status)).
			Str("source", string(u.Source)).
			Str("current", string(res.Previous)).
			Str("reason", res.Reason).
			Msg("Status update rejected")
	}
	return res, nil
}

// RecordSubmitAttempt stores retry bookkeeping
func (r *Repository) RecordSubmitAttempt(ctx context.Context, clientOrderID string, retryCount int, errMsg string) error {
	var msg *string
	if errMsg != "" {
		msg = &errMsg
	}
	tag, err := r.db.Pool.Exec(ctx,
		`UPDATE orders SET retry_count = $2, error_message = COALESCE($3, error_message) WHERE client_order_id = $1`,
		clientOrderID, retryCount, msg)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return orders.ErrOrderNotFound
	}
	return nil
}

// MarkSubmitted stamps the broker hand-off time
func (r *Repository) MarkSubmitted(ctx context.Context, clientOrderID string, at time.Time) error {
	tag, err := r.db.Pool.Exec(ctx, `UPDATE orders SET submitted_at = $2 WHERE client_order_id = $1`, clientOrderID, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return orders.ErrOrderNotFound
	}
	return nil
}
