package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/LeeeWayyy/trading-platform-sub016/internal/broker"
	"github.com/LeeeWayyy/trading-platform-sub016/internal/metrics"
	"github.com/LeeeWayyy/trading-platform-sub016/internal/orders"
)

// reconcileOrphans quarantines broker orders with no local record. A broker
// order that is the replacement of a pending modification is committed
// instead of quarantined.
func (s *Service) reconcileOrphans(ctx context.Context, open []broker.Order, rep *Report) error {
	for i := range open {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		bo := &open[i]

		known, err := s.isKnown(ctx, bo)
		if err != nil {
			rep.addErr("lookup broker order %s: %v", bo.ID, err)
			continue
		}
		if known {
			continue
		}

		if bo.ClientOrderID != "" {
			m, err := s.store.GetModificationByNewID(ctx, bo.ClientOrderID)
			switch {
			case err == nil && m.Status == orders.ModificationPending:
				s.recoverModification(ctx, m, bo.ID, rep)
				continue
			case err != nil && !errors.Is(err, orders.ErrModificationNotFound):
				rep.addErr("lookup modification for %s: %v", bo.ClientOrderID, err)
				continue
			}
		}

		s.quarantine(ctx, bo, rep)
	}
	return nil
}

func (s *Service) isKnown(ctx context.Context, bo *broker.Order) (bool, error) {
	if bo.ClientOrderID != "" {
		_, err := s.store.GetOrder(ctx, bo.ClientOrderID)
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, orders.ErrOrderNotFound) {
			return false, err
		}
	}
	_, err := s.store.GetOrderByBrokerID(ctx, bo.ID)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, orders.ErrOrderNotFound) {
		return false, nil
	}
	return false, err
}

func (s *Service) quarantine(ctx context.Context, bo *broker.Order, rep *Report) {
	strategy := inferStrategy(bo.ClientOrderID, s.cfg.KnownStrategies)
	scope := orders.QuarantineScope(strategy, bo.Symbol)

	created, err := s.store.CreateOrphan(ctx, &orders.OrphanOrder{
		BrokerOrderID:   bo.ID,
		ClientOrderID:   bo.ClientOrderID,
		Symbol:          bo.Symbol,
		QuarantineScope: scope,
		Side:            bo.Side,
		Qty:             bo.Qty,
		Status:          bo.RawStatus,
		DiscoveredAt:    s.now(),
	})
	if err != nil {
		rep.addErr("record orphan %s: %v", bo.ID, err)
		return
	}
	if !created {
		return
	}

	rep.Orphans++
	metrics.OrphansDetected.Inc()
	s.logger.Warn().
		Str("broker_order_id", bo.ID).
		Str("client_order_id", bo.ClientOrderID).
		Str("symbol", bo.Symbol).
		Str("quarantine_scope", scope).
		Int64("qty", bo.Qty).
		Msg("Orphan broker order quarantined")
	s.bus.PublishOrphan(bo.ID, bo.Symbol, scope, bo.Qty)
}

// inferStrategy attributes a broker order to a known strategy when its client
// order ID carries the strategy as a prefix. Unknown orders return "" which
// yields the wildcard scope.
func inferStrategy(clientOrderID string, known []string) string {
	for _, k := range known {
		if k == "" || len(clientOrderID) <= len(k) || !strings.HasPrefix(clientOrderID, k) {
			continue
		}
		switch clientOrderID[len(k)] {
		case '-', '_', ':', '.':
			return k
		}
	}
	return ""
}

// sweepModifications resolves pending modifications older than the submit
// grace period: committed if the broker knows the replacement, failed if not
func (s *Service) sweepModifications(ctx context.Context, rep *Report) error {
	pending, err := s.store.ListPendingModifications(ctx, s.now().Add(-s.cfg.SubmitGrace))
	if err != nil {
		rep.addErr("list pending modifications: %v", err)
		return fmt.Errorf("list pending modifications: %w", err)
	}

	for _, m := range pending {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		bo, err := s.broker.GetOrderByClientID(ctx, m.NewClientOrderID)
		switch {
		case err == nil:
			s.recoverModification(ctx, m, bo.ID, rep)
		case broker.IsNotFound(err):
			if err := s.store.FailModification(ctx, m.ID, "replacement not found at broker", s.now()); err != nil {
				rep.addErr("fail modification %d: %v", m.ID, err)
				continue
			}
			rep.ModificationsFailed++
			s.logger.Warn().
				Int64("modification_id", m.ID).
				Str("original_client_order_id", m.OriginalClientOrderID).
				Str("new_client_order_id", m.NewClientOrderID).
				Msg("Pending modification failed, broker never created the replacement")
		default:
			rep.addErr("query replacement %s: %v", m.NewClientOrderID, err)
		}
	}
	return nil
}

func (s *Service) recoverModification(ctx context.Context, m *orders.OrderModification, brokerOrderID string, rep *Report) {
	if s.committer == nil {
		rep.addErr("modification %d needs commit but no committer is configured", m.ID)
		return
	}
	orig, err := s.store.GetOrder(ctx, m.OriginalClientOrderID)
	if err != nil {
		rep.addErr("load original %s: %v", m.OriginalClientOrderID, err)
		return
	}
	if _, err := s.committer.Commit(ctx, m, orig, brokerOrderID); err != nil {
		rep.addErr("commit modification %d: %v", m.ID, err)
		return
	}
	rep.ModificationsRecovered++
	s.drift("modification", m.NewClientOrderID, "replace committed from broker state")
}
