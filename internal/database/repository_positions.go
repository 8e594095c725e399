package database

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/LeeeWayyy/trading-platform-sub016/internal/orders"
)

const positionColumns = `symbol, qty, avg_entry_price, current_price, unrealized_pl, realized_pl, updated_at, last_trade_at`

func scanPosition(row pgx.Row) (*orders.Position, error) {
	p := &orders.Position{}
	err := row.Scan(&p.Symbol, &p.Qty, &p.AvgEntryPrice, &p.CurrentPrice, &p.UnrealizedPL, &p.RealizedPL, &p.UpdatedAt, &p.LastTradeAt)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// lockPosition returns the row for symbol locked for update, or a zero position
func lockPosition(ctx context.Context, tx pgx.Tx, symbol string) (*orders.Position, error) {
	p, err := scanPosition(tx.QueryRow(ctx, `SELECT `+positionColumns+` FROM positions WHERE symbol = $1 FOR UPDATE`, symbol))
	if errors.Is(err, pgx.ErrNoRows) {
		return &orders.Position{Symbol: symbol}, nil
	}
	return p, err
}

func upsertPosition(ctx context.Context, q querier, p *orders.Position) error {
	_, err := q.Exec(ctx, `
		INSERT INTO positions (`+positionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (symbol) DO UPDATE SET
			qty = EXCLUDED.qty,
			avg_entry_price = EXCLUDED.avg_entry_price,
			current_price = EXCLUDED.current_price,
			unrealized_pl = EXCLUDED.unrealized_pl,
			realized_pl = EXCLUDED.realized_pl,
			updated_at = EXCLUDED.updated_at,
			last_trade_at = EXCLUDED.last_trade_at`,
		p.Symbol, p.Qty, p.AvgEntryPrice, p.CurrentPrice, p.UnrealizedPL, p.RealizedPL, p.UpdatedAt, p.LastTradeAt,
	)
	return err
}

// GetPosition returns the position for symbol; a flat zero position if none is stored
func (r *Repository) GetPosition(ctx context.Context, symbol string) (*orders.Position, error) {
	p, err := scanPosition(r.db.Pool.QueryRow(ctx, `SELECT `+positionColumns+` FROM positions WHERE symbol = $1`, symbol))
	if errors.Is(err, pgx.ErrNoRows) {
		return &orders.Position{Symbol: symbol}, nil
	}
	return p, err
}

// ListPositions returns all stored positions
func (r *Repository) ListPositions(ctx context.Context) ([]*orders.Position, error) {
	rows, err := r.db.Pool.Query(ctx, `SELECT `+positionColumns+` FROM positions ORDER BY symbol`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*orders.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpsertPosition overwrites the position row
func (r *Repository) UpsertPosition(ctx context.Context, p *orders.Position) error {
	return upsertPosition(ctx, r.db.Pool, p)
}

// HealPosition overwrites the row under FOR UPDATE, so a fill committed
// after seen was read is never lost
func (r *Repository) HealPosition(ctx context.Context, seen, next *orders.Position) (bool, error) {
	var healed bool
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		cur, err := lockPosition(ctx, tx, next.Symbol)
		if err != nil {
			return err
		}
		if !cur.Unchanged(seen) {
			return nil
		}
		p := *next
		p.RealizedPL = cur.RealizedPL
		if err := upsertPosition(ctx, tx, &p); err != nil {
			return err
		}
		healed = true
		return nil
	})
	return healed, err
}
