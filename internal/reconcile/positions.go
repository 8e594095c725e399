package reconcile

import (
	"context"
	"fmt"
	"math"

	"github.com/LeeeWayyy/trading-platform-sub016/internal/broker"
	"github.com/LeeeWayyy/trading-platform-sub016/internal/orders"
)

const priceTolerance = 1e-6

// reconcilePositions overwrites local positions with the broker's. Quantity
// or entry price differences count as drift; mark price refreshes do not.
// Realized P&L is local bookkeeping and is preserved. A row that moved since
// the local listing is left for the next pass.
func (s *Service) reconcilePositions(ctx context.Context, rep *Report) error {
	remote, err := s.broker.ListPositions(ctx)
	if err != nil {
		rep.addErr("list broker positions: %v", err)
		return fmt.Errorf("list broker positions: %w", err)
	}
	local, err := s.store.ListPositions(ctx)
	if err != nil {
		rep.addErr("list local positions: %v", err)
		return fmt.Errorf("list local positions: %w", err)
	}

	bySymbol := make(map[string]*orders.Position, len(local))
	for _, p := range local {
		bySymbol[p.Symbol] = p
	}

	now := s.now()
	seen := make(map[string]struct{}, len(remote))
	for i := range remote {
		bp := &remote[i]
		seen[bp.Symbol] = struct{}{}

		lp, ok := bySymbol[bp.Symbol]
		if !ok {
			lp = &orders.Position{Symbol: bp.Symbol}
		}
		drifted := lp.Qty != bp.Qty || math.Abs(lp.AvgEntryPrice-bp.AvgEntryPrice) > priceTolerance
		if !drifted && !markChanged(lp, bp) {
			continue
		}

		next := *lp
		next.Qty = bp.Qty
		next.AvgEntryPrice = bp.AvgEntryPrice
		next.CurrentPrice = bp.CurrentPrice
		next.UnrealizedPL = bp.UnrealizedPL
		next.UpdatedAt = now
		healed, err := s.store.HealPosition(ctx, lp, &next)
		if err != nil {
			rep.addErr("heal position %s: %v", bp.Symbol, err)
			continue
		}
		if !healed {
			s.skipMoved(bp.Symbol)
			continue
		}
		if drifted {
			rep.PositionsHealed++
			s.drift("position", bp.Symbol, fmt.Sprintf("qty %d -> %d, avg %.4f -> %.4f", lp.Qty, bp.Qty, lp.AvgEntryPrice, bp.AvgEntryPrice))
		}
	}

	// the broker reports no position for flat symbols
	for _, lp := range local {
		if _, ok := seen[lp.Symbol]; ok || lp.Qty == 0 {
			continue
		}
		next := *lp
		next.Qty = 0
		next.AvgEntryPrice = 0
		next.UnrealizedPL = 0
		next.UpdatedAt = now
		healed, err := s.store.HealPosition(ctx, lp, &next)
		if err != nil {
			rep.addErr("flatten position %s: %v", lp.Symbol, err)
			continue
		}
		if !healed {
			s.skipMoved(lp.Symbol)
			continue
		}
		rep.PositionsHealed++
		s.drift("position", lp.Symbol, fmt.Sprintf("qty %d -> 0, broker is flat", lp.Qty))
	}
	return nil
}

func (s *Service) skipMoved(symbol string) {
	s.logger.Debug().Str("symbol", symbol).Msg("Position changed during reconciliation, healing deferred")
}

func markChanged(lp *orders.Position, bp *broker.Position) bool {
	if bp.CurrentPrice == nil {
		return false
	}
	if lp.CurrentPrice == nil {
		return true
	}
	return math.Abs(*lp.CurrentPrice-*bp.CurrentPrice) > priceTolerance || math.Abs(lp.UnrealizedPL-bp.UnrealizedPL) > priceTolerance
}
