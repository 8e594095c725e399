package database

import (
	"context"

	"github.com/LeeeWayyy/trading-platform-sub016/internal/circuit"
)

// InsertBreakerAudit mirrors a breaker transition into Postgres for long-term history
func (r *Repository) InsertBreakerAudit(ctx context.Context, e circuit.AuditEntry) error {
	var from *string
	if e.From != "" {
		s := string(e.From)
		from = &s
	}
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO circuit_breaker_audit (action, from_state, to_state, reason, actor, at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		e.Action, from, string(e.To), e.Reason, e.Actor, e.At,
	)
	return err
}

// ListBreakerAudit returns the newest audit rows first
func (r *Repository) ListBreakerAudit(ctx context.Context, limit int) ([]circuit.AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Pool.Query(ctx, `
		SELECT action, COALESCE(from_state, ''), to_state, COALESCE(reason, ''), actor, at
		FROM circuit_breaker_audit
		ORDER BY at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []circuit.AuditEntry
	for rows.Next() {
		var e circuit.AuditEntry
		var from, to string
		if err := rows.Scan(&e.Action, &from, &to, &e.Reason, &e.Actor, &e.At); err != nil {
			return nil, err
		}
		e.From, e.To = circuit.State(from), circuit.State(to)
		out = append(out, e)
	}
	return out, rows.Err()
}
