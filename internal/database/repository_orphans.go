package database

import (
	"context"

	"github.com/LeeeWayyy/trading-platform-sub016/internal/orders"
)

// CreateOrphan records a quarantined broker order; false if already recorded
func (r *Repository) CreateOrphan(ctx context.Context, o *orders.OrphanOrder) (bool, error) {
	var clientID *string
	if o.ClientOrderID != "" {
		clientID = &o.ClientOrderID
	}
	tag, err := r.db.Pool.Exec(ctx, `
		INSERT INTO orphan_orders (broker_order_id, client_order_id, symbol, quarantine_scope, side, qty, status, discovered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (broker_order_id) DO NOTHING`,
		o.BrokerOrderID, clientID, o.Symbol, o.QuarantineScope, o.Side, o.Qty, o.Status, o.DiscoveredAt,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ListOrphans returns every quarantined broker order
func (r *Repository) ListOrphans(ctx context.Context) ([]*orders.OrphanOrder, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT broker_order_id, COALESCE(client_order_id, ''), symbol, quarantine_scope, side, qty, status, discovered_at
		FROM orphan_orders
		ORDER BY discovered_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*orders.OrphanOrder
	for rows.Next() {
		o := &orders.OrphanOrder{}
		if err := rows.Scan(&o.BrokerOrderID, &o.ClientOrderID, &o.Symbol, &o.QuarantineScope, &o.Side, &o.Qty, &o.Status, &o.DiscoveredAt); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// IsQuarantined reports whether the strategy scope or the symbol wildcard is quarantined
func (r *Repository) IsQuarantined(ctx context.Context, strategyID, symbol string) (bool, error) {
	var exists bool
	err := r.db.Pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM orphan_orders WHERE quarantine_scope = $1 OR quarantine_scope = $2)`,
		orders.QuarantineScope(strategyID, symbol), orders.QuarantineScope("", symbol),
	).Scan(&exists)
	return exists, err
}

// ClearQuarantine removes every orphan in scope and returns how many were cleared
func (r *Repository) ClearQuarantine(ctx context.Context, scope string) (int, error) {
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM orphan_orders WHERE LOWER(quarantine_scope) = LOWER($1)`, scope)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
