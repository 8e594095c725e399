package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/LeeeWayyy/trading-platform-sub016/internal/orders"
)

const modificationColumns = `id, original_client_order_id, new_client_order_id, modification_sequence, idempotency_key,
	status, change_set, error_message, created_at, completed_at`

func scanModification(row pgx.Row) (*orders.OrderModification, error) {
	m := &orders.OrderModification{}
	var changeSet []byte
	err := row.Scan(&m.ID, &m.OriginalClientOrderID, &m.NewClientOrderID, &m.ModificationSequence, &m.IdempotencyKey,
		&m.Status, &changeSet, &m.ErrorMessage, &m.CreatedAt, &m.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, orders.ErrModificationNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(changeSet, &m.ChangeSet); err != nil {
		return nil, fmt.Errorf("decode change_set for modification %d: %w", m.ID, err)
	}
	return m, nil
}

// GetModificationByKey finds a prior attempt with the same idempotency key
func (r *Repository) GetModificationByKey(ctx context.Context, originalID, idempotencyKey string) (*orders.OrderModification, error) {
	return scanModification(r.db.Pool.QueryRow(ctx,
		`SELECT `+modificationColumns+` FROM order_modifications WHERE original_client_order_id = $1 AND idempotency_key = $2`,
		originalID, idempotencyKey))
}

// GetModificationByNewID finds the modification that would create newClientOrderID
func (r *Repository) GetModificationByNewID(ctx context.Context, newClientOrderID string) (*orders.OrderModification, error) {
	return scanModification(r.db.Pool.QueryRow(ctx,
		`SELECT `+modificationColumns+` FROM order_modifications WHERE new_client_order_id = $1`, newClientOrderID))
}

// NextModificationSequence returns max(sequence)+1 for the original order
func (r *Repository) NextModificationSequence(ctx context.Context, originalID string) (int, error) {
	var seq int
	err := r.db.Pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(modification_sequence), 0) + 1 FROM order_modifications WHERE original_client_order_id = $1`,
		originalID).Scan(&seq)
	return seq, err
}

// InsertModification adds a pending row. The unique constraints on
// (original, sequence) and (original, key) reject a concurrent duplicate.
func (r *Repository) InsertModification(ctx context.Context, m *orders.OrderModification) error {
	err := r.db.Pool.QueryRow(ctx, `
		INSERT INTO order_modifications (original_client_order_id, new_client_order_id, modification_sequence,
			idempotency_key, status, change_set, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		m.OriginalClientOrderID, m.NewClientOrderID, m.ModificationSequence, m.IdempotencyKey,
		m.Status, m.ChangeSet.JSON(), m.CreatedAt,
	).Scan(&m.ID)
	if isUniqueViolation(err) {
		return orders.ErrModificationExists
	}
	return err
}

// ListPendingModifications returns pending rows created before the cutoff
func (r *Repository) ListPendingModifications(ctx context.Context, createdBefore time.Time) ([]*orders.OrderModification, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT `+modificationColumns+` FROM order_modifications WHERE status = 'pending' AND created_at < $1 ORDER BY created_at`,
		createdBefore)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*orders.OrderModification
	for rows.Next() {
		m, err := scanModification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// CompleteModification commits a successful replace: the modification is
// completed, the original marked replaced, and the replacement row inserted
func (r *Repository) CompleteModification(ctx context.Context, modID int64, replacement *orders.Order, at time.Time) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		m, err := scanModification(tx.QueryRow(ctx,
			`SELECT `+modificationColumns+` FROM order_modifications WHERE id = $1 FOR UPDATE`, modID))
		if err != nil {
			return err
		}
		if m.Status == orders.ModificationCompleted {
			return nil
		}

		tag, err := tx.Exec(ctx, `
			UPDATE orders
			SET status = $2, status_rank = $3, is_terminal = TRUE, replaced_order_id = $4,
			    last_updated_at = GREATEST(last_updated_at, $5)
			WHERE client_order_id = $1 AND (is_terminal = FALSE OR status = $2)`,
			m.OriginalClientOrderID, orders.StatusReplaced, orders.StatusReplaced.Rank(), replacement.ClientOrderID, at)
		if err != nil {
			return fmt.Errorf("mark original replaced: %w", err)
		}
		if tag.RowsAffected() == 0 {
			var status orders.Status
			err := tx.QueryRow(ctx, `SELECT status FROM orders WHERE client_order_id = $1`, m.OriginalClientOrderID).Scan(&status)
			if errors.Is(err, pgx.ErrNoRows) {
				return orders.ErrOrderNotFound
			}
			if err != nil {
				return err
			}
			return fmt.Errorf("%w: original %s is already %s", orders.ErrConflictRejected, m.OriginalClientOrderID, status)
		}

		// A replaced slice frees its (parent, slice_num) slot before the replacement takes it.
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE client_order_id = $1)`,
			replacement.ClientOrderID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			if err := insertOrder(ctx, tx, replacement); err != nil {
				return fmt.Errorf("insert replacement order: %w", err)
			}
		}

		_, err = tx.Exec(ctx,
			`UPDATE order_modifications SET status = $2, completed_at = $3 WHERE id = $1`,
			modID, orders.ModificationCompleted, at)
		return err
	})
}

// FailModification marks a modification failed; order rows are untouched
func (r *Repository) FailModification(ctx context.Context, modID int64, reason string, at time.Time) error {
	tag, err := r.db.Pool.Exec(ctx,
		`UPDATE order_modifications SET status = $2, error_message = $3, completed_at = $4 WHERE id = $1`,
		modID, orders.ModificationFailed, reason, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return orders.ErrModificationNotFound
	}
	return nil
}
