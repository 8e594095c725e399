package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/LeeeWayyy/trading-platform-sub016/internal/broker"
	"github.com/LeeeWayyy/trading-platform-sub016/internal/events"
	"github.com/LeeeWayyy/trading-platform-sub016/internal/logging"
	"github.com/LeeeWayyy/trading-platform-sub016/internal/orders"
	"github.com/LeeeWayyy/trading-platform-sub016/internal/risk"
)

// Rejection codes for replaces refused before any broker call
const (
	CodeOrderTerminal   = "order_terminal"
	CodeNotSubmitted    = "not_submitted"
	CodePartiallyFilled = "partially_filled"
)

// ModifyRequest changes an open order through an atomic broker replace
type ModifyRequest struct {
	OriginalClientOrderID string           `json:"original_client_order_id"`
	ChangeSet             orders.ChangeSet `json:"change_set"`
	IdempotencyKey        string           `json:"idempotency_key" binding:"required"`
}

// ModifyResult is the modification row plus the replacement order once committed
type ModifyResult struct {
	Modification *orders.OrderModification `json:"modification"`
	Replacement  *orders.Order             `json:"replacement,omitempty"`
}

// Modifier replaces open orders. Phase one records a pending modification
// under a per-order lock; phase two calls the broker with no lock held; phase
// three commits or fails the modification. A crash between two and three is
// resolved by reconciliation from the pending row.
type Modifier struct {
	store  orders.OrderStore
	broker broker.Broker
	gate   Authorizer
	keyer  *orders.IdempotencyKeyer
	retry  RetryPolicy
	locks  *keyedMutex
	bus    *events.EventBus
	logger zerolog.Logger
	now    func() time.Time
}

// NewModifier creates a modifier. bus may be nil.
func NewModifier(store orders.OrderStore, b broker.Broker, gate Authorizer, keyer *orders.IdempotencyKeyer, retry RetryPolicy, bus *events.EventBus, logger zerolog.Logger) *Modifier {
	if retry.MaxAttempts == 0 {
		retry = DefaultRetryPolicy()
	}
	return &Modifier{
		store:  store,
		broker: b,
		gate:   gate,
		keyer:  keyer,
		retry:  retry,
		locks:  newKeyedMutex(),
		bus:    bus,
		logger: logger.With().Str("component", "OrderModifier").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func validateModify(req ModifyRequest) error {
	cs := req.ChangeSet
	switch {
	case req.OriginalClientOrderID == "":
		return fmt.Errorf("%w: original_client_order_id is required", orders.ErrInvalidOrder)
	case req.IdempotencyKey == "":
		return fmt.Errorf("%w: idempotency_key is required", orders.ErrInvalidOrder)
	case cs.IsEmpty():
		return fmt.Errorf("%w: change_set must alter qty, limit_price or time_in_force", orders.ErrInvalidOrder)
	case cs.Qty != nil && *cs.Qty <= 0:
		return fmt.Errorf("%w: qty must be positive", orders.ErrInvalidOrder)
	case cs.LimitPrice != nil && *cs.LimitPrice <= 0:
		return fmt.Errorf("%w: limit_price must be positive", orders.ErrInvalidOrder)
	}
	return nil
}

// Modify replaces an open order. Repeating a request with the same
// idempotency key returns the earlier outcome without another broker call.
func (m *Modifier) Modify(ctx context.Context, req ModifyRequest) (*ModifyResult, error) {
	if err := validateModify(req); err != nil {
		return nil, err
	}

	mod, orig, replay, err := m.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	if replay {
		return m.priorResult(ctx, mod)
	}

	log := logging.OrderContext(m.logger, orig.ClientOrderID, orig.Symbol, string(orig.Side)).With().
		Str("new_client_order_id", mod.NewClientOrderID).
		Int("sequence", mod.ModificationSequence).
		Logger()

	rr := broker.ReplaceRequest{
		ClientOrderID: mod.NewClientOrderID,
		Qty:           mod.ChangeSet.Qty,
		LimitPrice:    mod.ChangeSet.LimitPrice,
		TimeInForce:   mod.ChangeSet.TimeInForce,
	}
	bo, err := withRetry(ctx, m.retry, "replace", func(attempt int, err error) {
		log.Warn().Err(err).Int("attempt", attempt).Msg("Transient broker error on replace")
	}, func(ctx context.Context) (*broker.Order, error) {
		return m.broker.ReplaceOrder(ctx, *orig.BrokerOrderID, rr)
	})
	if rej, ok := broker.AsRejection(err); ok && rej.IsDuplicateClientID() {
		bo, err = withRetry(ctx, m.retry, "get_order_by_client_id", nil, func(ctx context.Context) (*broker.Order, error) {
			return m.broker.GetOrderByClientID(ctx, mod.NewClientOrderID)
		})
	}

	if err != nil {
		if orders.IsBrokerTransient(err) {
			log.Error().Err(err).Msg("Replace outcome unknown, modification left pending for reconciliation")
			return nil, err
		}
		reason := err.Error()
		code := ""
		if rej, ok := broker.AsRejection(err); ok {
			reason, code = rej.Reason, rej.Code
		}
		if ferr := m.store.FailModification(ctx, mod.ID, reason, m.now()); ferr != nil {
			log.Error().Err(ferr).Msg("Failed to mark modification failed")
		}
		log.Warn().Str("reason", reason).Msg("Replace rejected")
		m.publish(mod.OriginalClientOrderID, mod.NewClientOrderID, orders.ModificationFailed)
		return nil, &orders.BrokerRejectionError{Code: code, Reason: reason}
	}

	return m.Commit(ctx, mod, orig, bo.ID)
}

// prepare is phase one. It reports replay=true when the key was already used.
func (m *Modifier) prepare(ctx context.Context, req ModifyRequest) (*orders.OrderModification, *orders.Order, bool, error) {
	unlock := m.locks.Lock(req.OriginalClientOrderID)
	defer unlock()

	prior, err := m.store.GetModificationByKey(ctx, req.OriginalClientOrderID, req.IdempotencyKey)
	if err == nil {
		return prior, nil, true, nil
	}
	if !errors.Is(err, orders.ErrModificationNotFound) {
		return nil, nil, false, err
	}

	orig, err := m.store.GetOrder(ctx, req.OriginalClientOrderID)
	if err != nil {
		return nil, nil, false, err
	}
	switch {
	case orig.IsTWAPParent():
		return nil, nil, false, fmt.Errorf("%w: TWAP parents cannot be replaced", orders.ErrInvalidOrder)
	case orig.IsTerminal:
		return nil, nil, false, &orders.BrokerRejectionError{Code: CodeOrderTerminal, Reason: "order is " + string(orig.Status)}
	case orig.BrokerOrderID == nil:
		return nil, nil, false, &orders.BrokerRejectionError{Code: CodeNotSubmitted, Reason: "order has no broker order yet"}
	case orig.Status == orders.StatusPartiallyFilled || orig.FilledQty > 0:
		return nil, nil, false, &orders.BrokerRejectionError{Code: CodePartiallyFilled, Reason: "partially filled orders cannot be replaced"}
	}

	newQty := orig.Qty
	if req.ChangeSet.Qty != nil {
		newQty = *req.ChangeSet.Qty
	}
	price := orig.LimitPrice
	if req.ChangeSet.LimitPrice != nil {
		price = req.ChangeSet.LimitPrice
	}
	d := m.gate.Authorize(ctx, risk.Action{
		Kind:           risk.ActionReplace,
		StrategyID:     orig.StrategyID,
		Symbol:         orig.Symbol,
		Side:           orig.Side,
		Qty:            newQty,
		ReplacesQty:    orig.RemainingQty(),
		LimitPrice:     price,
		ReferencePrice: orig.ReferencePrice,
	})
	if !d.Allowed {
		m.bus.PublishRiskDenied(orig.Symbol, orig.StrategyID, d.Code, d.Reason)
		return nil, nil, false, d.Err()
	}

	seq, err := m.store.NextModificationSequence(ctx, orig.ClientOrderID)
	if err != nil {
		return nil, nil, false, err
	}
	newID, err := m.keyer.GenerateReplacementID(orig.ClientOrderID, seq)
	if err != nil {
		return nil, nil, false, err
	}
	mod := &orders.OrderModification{
		OriginalClientOrderID: orig.ClientOrderID,
		NewClientOrderID:      newID,
		ModificationSequence:  seq,
		IdempotencyKey:        req.IdempotencyKey,
		Status:                orders.ModificationPending,
		ChangeSet:             req.ChangeSet,
		CreatedAt:             m.now(),
	}
	if err := m.store.InsertModification(ctx, mod); err != nil {
		if errors.Is(err, orders.ErrModificationExists) {
			// another instance won the sequence or the key
			if prior, perr := m.store.GetModificationByKey(ctx, req.OriginalClientOrderID, req.IdempotencyKey); perr == nil {
				return prior, nil, true, nil
			}
			return nil, nil, false, fmt.Errorf("%w: concurrent modification of %s", orders.ErrConflictRejected, orig.ClientOrderID)
		}
		return nil, nil, false, err
	}
	m.publish(mod.OriginalClientOrderID, mod.NewClientOrderID, orders.ModificationPending)
	return mod, orig, false, nil
}

// Commit is phase three after a broker success. Reconciliation also calls it
// when it finds the broker's replacement for a pending modification.
func (m *Modifier) Commit(ctx context.Context, mod *orders.OrderModification, orig *orders.Order, brokerOrderID string) (*ModifyResult, error) {
	now := m.now()
	replacement := orders.ReplacementFor(orig, mod, brokerOrderID, now)
	if err := m.store.CompleteModification(ctx, mod.ID, replacement, now); err != nil {
		m.logger.Error().Err(err).
			Str("client_order_id", orig.ClientOrderID).
			Str("new_client_order_id", mod.NewClientOrderID).
			Msg("Broker replaced order but local commit failed")
		return nil, fmt.Errorf("commit modification %d: %w", mod.ID, err)
	}

	done := *mod
	done.Status = orders.ModificationCompleted
	done.CompletedAt = &now

	m.logger.Info().
		Str("client_order_id", orig.ClientOrderID).
		Str("new_client_order_id", mod.NewClientOrderID).
		Str("broker_order_id", brokerOrderID).
		Msg("Order replaced")
	m.publish(mod.OriginalClientOrderID, mod.NewClientOrderID, orders.ModificationCompleted)

	out, err := m.store.GetOrder(ctx, replacement.ClientOrderID)
	if err != nil {
		out = replacement
	}
	return &ModifyResult{Modification: &done, Replacement: out}, nil
}

func (m *Modifier) priorResult(ctx context.Context, mod *orders.OrderModification) (*ModifyResult, error) {
	res := &ModifyResult{Modification: mod}
	switch mod.Status {
	case orders.ModificationCompleted:
		if o, err := m.store.GetOrder(ctx, mod.NewClientOrderID); err == nil {
			res.Replacement = o
		}
	case orders.ModificationFailed:
		reason := "modification failed"
		if mod.ErrorMessage != nil {
			reason = *mod.ErrorMessage
		}
		return res, &orders.BrokerRejectionError{Reason: reason}
	}
	return res, nil
}

func (m *Modifier) publish(origID, newID string, status orders.ModificationStatus) {
	m.bus.Publish(events.Event{
		Type: events.EventModificationUpdate,
		Data: map[string]any{
			"original_client_order_id": origID,
			"new_client_order_id":      newID,
			"status":                   string(status),
		},
	})
}

// keyedMutex hands out one mutex per key and forgets keys nobody holds
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

// Lock acquires the mutex for key and returns its release function
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &refMutex{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
