package orders

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/LeeeWayyy/trading-platform-sub016/internal/metrics"
)

// MemoryStore is an in-process OrderStore used for dry runs and tests.
// The mutex is held only for the duration of a single row decision.
type MemoryStore struct {
	mu            sync.Mutex
	orders        map[string]*Order
	byBrokerID    map[string]string
	positions     map[string]*Position
	orphans       map[string]*OrphanOrder
	modifications []*OrderModification
	nextModID     int64
	logger        zerolog.Logger
}

// NewMemoryStore creates an empty store
func NewMemoryStore(logger zerolog.Logger) *MemoryStore {
	return &MemoryStore{
		orders:     make(map[string]*Order),
		byBrokerID: make(map[string]string),
		positions:  make(map[string]*Position),
		orphans:    make(map[string]*OrphanOrder),
		logger:     logger.With().Str("component", "MemoryStore").Logger(),
	}
}

var _ OrderStore = (*MemoryStore)(nil)

// ============================================================================
// ORDERS
// ============================================================================

func (s *MemoryStore) CreateOrder(_ context.Context, o *Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(o)
}

func (s *MemoryStore) CreateOrders(_ context.Context, rows []*Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range rows {
		if _, ok := s.orders[o.ClientOrderID]; ok {
			return ErrOrderExists
		}
	}
	for _, o := range rows {
		if err := s.insertLocked(o); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryStore) insertLocked(o *Order) error {
	if _, ok := s.orders[o.ClientOrderID]; ok {
		return ErrOrderExists
	}
	row := o.Clone()
	s.orders[row.ClientOrderID] = row
	if row.BrokerOrderID != nil {
		s.byBrokerID[*row.BrokerOrderID] = row.ClientOrderID
	}
	return nil
}

func (s *MemoryStore) GetOrder(_ context.Context, id string) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return o.Clone(), nil
}

func (s *MemoryStore) GetOrderByBrokerID(_ context.Context, brokerID string) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byBrokerID[brokerID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return s.orders[id].Clone(), nil
}

func (s *MemoryStore) ListNonTerminal(_ context.Context) ([]*Order, error) {
	return s.filter(func(o *Order) bool { return !o.IsTerminal }), nil
}

func (s *MemoryStore) ListChildren(_ context.Context, parentID string) ([]*Order, error) {
	out := s.filter(func(o *Order) bool {
		return o.ParentOrderID != nil && *o.ParentOrderID == parentID
	})
	sort.Slice(out, func(i, j int) bool { return derefInt(out[i].SliceNum) < derefInt(out[j].SliceNum) })
	return out, nil
}

func (s *MemoryStore) ListOrders(_ context.Context, limit int) ([]*Order, error) {
	out := s.filter(func(*Order) bool { return true })
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) filter(keep func(*Order) bool) []*Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Order, 0)
	for _, o := range s.orders {
		if keep(o) {
			out = append(out, o.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *MemoryStore) ApplyStatusUpdate(_ context.Context, u StatusUpdate) (UpdateResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.orders[u.ClientOrderID]
	if !ok {
		return UpdateResult{}, ErrOrderNotFound
	}

	next, res := EvaluateUpdate(cur, u)
	if !res.Applied {
		metrics.CASRejections.WithLabelValues(res.Reason, string(u.Source)).Inc()
		s.logger.Warn().
			Str("client_order_id", u.ClientOrderID).
			Str("status", string(u.Status)).
			Str("source", string(u.Source)).
			Str("current", string(cur.Status)).
			Str("reason", res.Reason).
			Msg("Status update rejected")
		return res, nil
	}

	s.orders[next.ClientOrderID] = next
	if next.BrokerOrderID != nil {
		s.byBrokerID[*next.BrokerOrderID] = next.ClientOrderID
	}
	if res.FillDelta > 0 {
		pos := s.positionLocked(next.Symbol)
		pos.ApplyFill(next.Side, res.FillDelta, res.FillPrice, u.ObservedAt)
	}
	res.Order = next.Clone()
	return res, nil
}

func (s *MemoryStore) RecordSubmitAttempt(_ context.Context, id string, retryCount int, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return ErrOrderNotFound
	}
	o.RetryCount = retryCount
	if errMsg != "" {
		o.ErrorMessage = &errMsg
	}
	return nil
}

func (s *MemoryStore) MarkSubmitted(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return ErrOrderNotFound
	}
	o.SubmittedAt = &at
	return nil
}

// ============================================================================
// POSITIONS
// ============================================================================

func (s *MemoryStore) positionLocked(symbol string) *Position {
	p, ok := s.positions[symbol]
	if !ok {
		p = &Position{Symbol: symbol}
		s.positions[symbol] = p
	}
	return p
}

func (s *MemoryStore) GetPosition(_ context.Context, symbol string) (*Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[symbol]
	if !ok {
		return &Position{Symbol: symbol}, nil
	}
	c := *p
	return &c, nil
}

func (s *MemoryStore) ListPositions(_ context.Context) ([]*Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Position, 0, len(s.positions))
	for _, p := range s.positions {
		c := *p
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (s *MemoryStore) UpsertPosition(_ context.Context, p *Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *p
	s.positions[p.Symbol] = &c
	return nil
}

func (s *MemoryStore) HealPosition(_ context.Context, seen, next *Position) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.positions[next.Symbol]
	if !ok {
		cur = &Position{Symbol: next.Symbol}
	}
	if !cur.Unchanged(seen) {
		return false, nil
	}
	c := *next
	c.RealizedPL = cur.RealizedPL
	s.positions[next.Symbol] = &c
	return true, nil
}

// ============================================================================
// ORPHANS / QUARANTINE
// ============================================================================

func (s *MemoryStore) CreateOrphan(_ context.Context, o *OrphanOrder) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orphans[o.BrokerOrderID]; ok {
		return false, nil
	}
	c := *o
	s.orphans[o.BrokerOrderID] = &c
	return true, nil
}

func (s *MemoryStore) ListOrphans(_ context.Context) ([]*OrphanOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*OrphanOrder, 0, len(s.orphans))
	for _, o := range s.orphans {
		c := *o
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DiscoveredAt.Before(out[j].DiscoveredAt) })
	return out, nil
}

func (s *MemoryStore) IsQuarantined(_ context.Context, strategyID, symbol string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	scoped := QuarantineScope(strategyID, symbol)
	wildcard := QuarantineScope("", symbol)
	for _, o := range s.orphans {
		if o.QuarantineScope == scoped || o.QuarantineScope == wildcard {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) ClearQuarantine(_ context.Context, scope string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, o := range s.orphans {
		if strings.EqualFold(o.QuarantineScope, scope) {
			delete(s.orphans, id)
			n++
		}
	}
	return n, nil
}

// ============================================================================
// MODIFICATIONS
// ============================================================================

func (s *MemoryStore) GetModificationByKey(_ context.Context, originalID, key string) (*OrderModification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.modifications {
		if m.OriginalClientOrderID == originalID && m.IdempotencyKey == key {
			c := *m
			return &c, nil
		}
	}
	return nil, ErrModificationNotFound
}

func (s *MemoryStore) GetModificationByNewID(_ context.Context, newID string) (*OrderModification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.modifications {
		if m.NewClientOrderID == newID {
			c := *m
			return &c, nil
		}
	}
	return nil, ErrModificationNotFound
}

func (s *MemoryStore) NextModificationSequence(_ context.Context, originalID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq := 0
	for _, m := range s.modifications {
		if m.OriginalClientOrderID == originalID && m.ModificationSequence > seq {
			seq = m.ModificationSequence
		}
	}
	return seq + 1, nil
}

func (s *MemoryStore) InsertModification(_ context.Context, m *OrderModification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[m.OriginalClientOrderID]; !ok {
		return ErrOrderNotFound
	}
	for _, existing := range s.modifications {
		if existing.OriginalClientOrderID != m.OriginalClientOrderID {
			continue
		}
		if existing.IdempotencyKey == m.IdempotencyKey || existing.ModificationSequence == m.ModificationSequence {
			return ErrModificationExists
		}
	}
	s.nextModID++
	m.ID = s.nextModID
	c := *m
	s.modifications = append(s.modifications, &c)
	return nil
}

func (s *MemoryStore) ListPendingModifications(_ context.Context, before time.Time) ([]*OrderModification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*OrderModification, 0)
	for _, m := range s.modifications {
		if m.Status == ModificationPending && m.CreatedAt.Before(before) {
			c := *m
			out = append(out, &c)
		}
	}
	return out, nil
}

func (s *MemoryStore) CompleteModification(_ context.Context, modID int64, replacement *Order, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.modificationLocked(modID)
	if m == nil {
		return ErrModificationNotFound
	}
	if m.Status == ModificationCompleted {
		return nil
	}
	orig, ok := s.orders[m.OriginalClientOrderID]
	if !ok {
		return ErrOrderNotFound
	}
	if orig.IsTerminal && orig.Status != StatusReplaced {
		return fmt.Errorf("%w: original %s is already %s", ErrConflictRejected, orig.ClientOrderID, orig.Status)
	}
	if _, exists := s.orders[replacement.ClientOrderID]; !exists {
		if err := s.insertLocked(replacement); err != nil {
			return err
		}
	}

	next := orig.Clone()
	next.Status = StatusReplaced
	next.StatusRank = StatusReplaced.Rank()
	next.IsTerminal = true
	next.ReplacedOrderID = &replacement.ClientOrderID
	if at.After(next.LastUpdatedAt) {
		next.LastUpdatedAt = at
	}
	s.orders[next.ClientOrderID] = next

	m.Status = ModificationCompleted
	m.CompletedAt = &at
	return nil
}

func (s *MemoryStore) FailModification(_ context.Context, modID int64, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.modificationLocked(modID)
	if m == nil {
		return ErrModificationNotFound
	}
	m.Status = ModificationFailed
	m.ErrorMessage = &reason
	m.CompletedAt = &at
	return nil
}

func (s *MemoryStore) modificationLocked(id int64) *OrderModification {
	for _, m := range s.modifications {
		if m.ID == id {
			return m
		}
	}
	return nil
}

func derefInt(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}
