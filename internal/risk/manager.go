// Package risk implements the pre-trade gate every order-affecting action
// passes through, plus the post-trade monitor that trips the circuit breaker.
package risk

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/LeeeWayyy/trading-platform-sub016/internal/broker"
	"github.com/LeeeWayyy/trading-platform-sub016/internal/metrics"
	"github.com/LeeeWayyy/trading-platform-sub016/internal/orders"
)

// ActionKind identifies what is being authorized
type ActionKind string

const (
	ActionNewOrder ActionKind = "new_order"
	ActionSlice    ActionKind = "slice"
	ActionReplace  ActionKind = "replace"
	ActionCancel   ActionKind = "cancel"
)

// Denial codes
const (
	CodeStartupNotReady    = "startup_not_ready"
	CodeBrokerUnavailable  = "broker_unavailable"
	CodeBreakerTripped     = "circuit_breaker_tripped"
	CodeQuarantined        = "quarantined"
	CodeBlacklisted        = "symbol_blacklisted"
	CodePositionLimit      = "position_limit"
	CodeNotionalLimit      = "notional_limit"
	CodeLongExposureLimit  = "long_exposure_limit"
	CodeShortExposureLimit = "short_exposure_limit"
	CodePriceUnavailable   = "price_unavailable"
	CodeStateUnavailable   = "state_unavailable"
)

// Action is an order-affecting request awaiting authorization
type Action struct {
	Kind       ActionKind
	StrategyID string
	Symbol     string
	Side       orders.Side
	// Qty is the quantity the action would newly expose at the broker.
	// For a replace it is the new order quantity; the old order's open
	// quantity is canceled with it and was never part of the position.
	Qty int64
	// ReplacesQty is the open quantity of the order being replaced
	ReplacesQty    int64
	LimitPrice     *float64
	ReferencePrice *float64
}

// signedDelta is the change in net position if the action fully executes
func (a Action) signedDelta() int64 {
	return a.Side.Sign() * a.Qty
}

// Decision is the gate verdict
type Decision struct {
	Allowed bool   `json:"allowed"`
	Code    string `json:"code,omitempty"`
	Reason  string `json:"reason,omitempty"`
	// Reducing is true when the action cannot increase risk
	Reducing bool `json:"reducing"`
}

// Err returns the typed risk violation for a denial, nil when allowed
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &orders.RiskViolationError{Code: d.Code, Reason: d.Reason}
}

func allow(reducing bool) Decision {
	return Decision{Allowed: true, Reducing: reducing}
}

func deny(code, format string, args ...any) Decision {
	return Decision{Code: code, Reason: fmt.Sprintf(format, args...)}
}

// Limits holds pre-trade limits. Zero values disable a limit.
type Limits struct {
	DefaultMaxPosition  int64
	MaxPositionBySymbol map[string]int64
	Blacklist           []string
	MaxTotalNotional    float64
	MaxLongExposure     float64
	MaxShortExposure    float64
}

// MaxPosition returns the absolute position cap for symbol
func (l Limits) MaxPosition(symbol string) int64 {
	if v, ok := l.MaxPositionBySymbol[symbol]; ok {
		return v
	}
	return l.DefaultMaxPosition
}

func (l Limits) needsPrice() bool {
	return l.MaxTotalNotional > 0 || l.MaxLongExposure > 0 || l.MaxShortExposure > 0
}

// BreakerReader reports circuit breaker state. IsTripped must return true on error.
type BreakerReader interface {
	IsTripped(ctx context.Context) (bool, error)
}

// Readiness reports whether startup reconciliation has completed
type Readiness interface {
	StartupComplete() bool
}

// LivePositions queries the broker's authoritative position
type LivePositions interface {
	GetPosition(ctx context.Context, symbol string) (*broker.Position, error)
}

// Gate is the single pre-trade checkpoint
type Gate struct {
	limits    Limits
	blacklist map[string]struct{}
	breaker   BreakerReader
	store     orders.OrderStore
	ready     Readiness
	live      LivePositions
	logger    zerolog.Logger
}

// NewGate creates a gate. Until SetReadiness is called the gate treats startup as complete.
func NewGate(limits Limits, breaker BreakerReader, store orders.OrderStore, logger zerolog.Logger) *Gate {
	bl := make(map[string]struct{}, len(limits.Blacklist))
	for _, s := range limits.Blacklist {
		bl[strings.ToUpper(strings.TrimSpace(s))] = struct{}{}
	}
	return &Gate{
		limits:    limits,
		blacklist: bl,
		breaker:   breaker,
		store:     store,
		logger:    logger.With().Str("component", "RiskGate").Logger(),
	}
}

// SetReadiness wires the startup gate and the live broker position source
func (g *Gate) SetReadiness(r Readiness, live LivePositions) {
	g.ready = r
	g.live = live
}

// Authorize evaluates a in order: readiness, circuit breaker, quarantine,
// blacklist, per-symbol position, portfolio exposure. The first failure wins.
func (g *Gate) Authorize(ctx context.Context, a Action) Decision {
	d := g.evaluate(ctx, a)
	if !d.Allowed {
		metrics.RiskDenials.WithLabelValues(d.Code).Inc()
		g.logger.Warn().
			Str("kind", string(a.Kind)).
			Str("strategy_id", a.StrategyID).
			Str("symbol", a.Symbol).
			Str("side", string(a.Side)).
			Int64("qty", a.Qty).
			Str("code", d.Code).
			Str("reason", d.Reason).
			Msg("Risk gate denied action")
	}
	return d
}

func (g *Gate) evaluate(ctx context.Context, a Action) Decision {
	if a.Kind == ActionCancel {
		return allow(true)
	}

	starting := g.ready != nil && !g.ready.StartupComplete()

	cur, err := g.currentPosition(ctx, a.Symbol, starting)
	if err != nil {
		if starting {
			return deny(CodeBrokerUnavailable, "broker position query failed during startup: %v", err)
		}
		return deny(CodeStateUnavailable, "position lookup failed: %v", err)
	}

	delta := a.signedDelta()
	projected := cur.Qty + delta
	reducing := isReducing(cur.Qty, projected)

	if starting && !reducing {
		return deny(CodeStartupNotReady, "startup reconciliation in progress; only reduce-only orders and cancels are accepted")
	}

	tripped, err := g.breaker.IsTripped(ctx)
	if tripped && !reducing {
		if err != nil {
			return deny(CodeBreakerTripped, "circuit breaker state unavailable: %v", err)
		}
		return deny(CodeBreakerTripped, "circuit breaker is tripped; only position-reducing orders are accepted")
	}

	quarantined, err := g.store.IsQuarantined(ctx, a.StrategyID, a.Symbol)
	if err != nil {
		return deny(CodeStateUnavailable, "quarantine lookup failed: %v", err)
	}
	if quarantined {
		return deny(CodeQuarantined, "scope %s is quarantined pending operator review", orders.QuarantineScope(a.StrategyID, a.Symbol))
	}

	if _, ok := g.blacklist[strings.ToUpper(a.Symbol)]; ok {
		return deny(CodeBlacklisted, "symbol %s is blacklisted", a.Symbol)
	}

	if reducing {
		return allow(true)
	}

	if limit := g.limits.MaxPosition(a.Symbol); limit > 0 && orders.Abs(projected) > limit {
		return deny(CodePositionLimit, "resulting position %d exceeds limit %d for %s", projected, limit, a.Symbol)
	}

	if g.limits.needsPrice() {
		if d := g.checkExposure(ctx, a, cur, projected); !d.Allowed {
			return d
		}
	}
	return allow(false)
}

func (g *Gate) currentPosition(ctx context.Context, symbol string, live bool) (*orders.Position, error) {
	if live && g.live != nil {
		p, err := g.live.GetPosition(ctx, symbol)
		if broker.IsNotFound(err) {
			return &orders.Position{Symbol: symbol}, nil
		}
		if err != nil {
			return nil, err
		}
		return &orders.Position{Symbol: symbol, Qty: p.Qty, AvgEntryPrice: p.AvgEntryPrice, CurrentPrice: p.CurrentPrice}, nil
	}
	return g.store.GetPosition(ctx, symbol)
}

func (g *Gate) checkExposure(ctx context.Context, a Action, cur *orders.Position, projected int64) Decision {
	price := referencePrice(a, cur)
	if price <= 0 {
		return deny(CodePriceUnavailable, "no reference price for %s to evaluate exposure", a.Symbol)
	}

	positions, err := g.store.ListPositions(ctx)
	if err != nil {
		return deny(CodeStateUnavailable, "position listing failed: %v", err)
	}

	var long, short float64
	for _, p := range positions {
		if p.Symbol == a.Symbol {
			continue
		}
		n := p.Notional()
		if p.Qty > 0 {
			long += n
		} else {
			short += n
		}
	}
	symbolNotional := float64(orders.Abs(projected)) * price
	if projected > 0 {
		long += symbolNotional
	} else {
		short += symbolNotional
	}

	switch {
	case g.limits.MaxTotalNotional > 0 && long+short > g.limits.MaxTotalNotional:
		return deny(CodeNotionalLimit, "total notional %.2f exceeds limit %.2f", long+short, g.limits.MaxTotalNotional)
	case g.limits.MaxLongExposure > 0 && long > g.limits.MaxLongExposure:
		return deny(CodeLongExposureLimit, "long exposure %.2f exceeds limit %.2f", long, g.limits.MaxLongExposure)
	case g.limits.MaxShortExposure > 0 && short > g.limits.MaxShortExposure:
		return deny(CodeShortExposureLimit, "short exposure %.2f exceeds limit %.2f", short, g.limits.MaxShortExposure)
	}
	return allow(false)
}

// referencePrice picks the limit price, then a caller-supplied price, then the last mark
func referencePrice(a Action, cur *orders.Position) float64 {
	switch {
	case a.LimitPrice != nil && *a.LimitPrice > 0:
		return *a.LimitPrice
	case a.ReferencePrice != nil && *a.ReferencePrice > 0:
		return *a.ReferencePrice
	case cur.CurrentPrice != nil && *cur.CurrentPrice > 0:
		return *cur.CurrentPrice
	}
	return cur.AvgEntryPrice
}

// isReducing reports whether moving from cur to next strictly shrinks the
// absolute position without crossing through zero
func isReducing(cur, next int64) bool {
	if orders.Abs(next) >= orders.Abs(cur) {
		return false
	}
	return next == 0 || (cur > 0) == (next > 0)
}
