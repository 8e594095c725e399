package risk

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeeeWayyy/trading-platform-sub016/internal/broker"
	"github.com/LeeeWayyy/trading-platform-sub016/internal/orders"
)

type fakeBreaker struct {
	tripped bool
	err     error
}

func (f *fakeBreaker) IsTripped(context.Context) (bool, error) {
	if f.err != nil {
		return true, f.err
	}
	return f.tripped, nil
}

type fakeReadiness struct{ done bool }

func (f *fakeReadiness) StartupComplete() bool { return f.done }

func testLimits() Limits {
	return Limits{
		DefaultMaxPosition:  1000,
		MaxPositionBySymbol: map[string]int64{"TSLA": 50},
		Blacklist:           []string{"gme"},
		MaxTotalNotional:    100000,
		MaxLongExposure:     60000,
		MaxShortExposure:    30000,
	}
}

func newGate(t *testing.T) (*Gate, *fakeBreaker, *orders.MemoryStore) {
	t.Helper()
	store := orders.NewMemoryStore(zerolog.Nop())
	br := &fakeBreaker{}
	return NewGate(testLimits(), br, store, zerolog.Nop()), br, store
}

func seedPosition(t *testing.T, store *orders.MemoryStore, symbol string, qty int64, price float64) {
	t.Helper()
	require.NoError(t, store.UpsertPosition(context.Background(), &orders.Position{
		Symbol:        symbol,
		Qty:           qty,
		AvgEntryPrice: price,
		CurrentPrice:  &price,
		UpdatedAt:     time.Now().UTC(),
	}))
}

func buy(symbol string, qty int64, price float64) Action {
	return Action{Kind: ActionNewOrder, StrategyID: "alpha", Symbol: symbol, Side: orders.SideBuy, Qty: qty, LimitPrice: &price}
}

func sell(symbol string, qty int64, price float64) Action {
	a := buy(symbol, qty, price)
	a.Side = orders.SideSell
	return a
}

// ============================================================================
// Circuit breaker gating
// ============================================================================

func TestBreakerGating(t *testing.T) {
	ctx := context.Background()
	g, br, store := newGate(t)
	seedPosition(t, store, "AAPL", 100, 150)
	br.tripped = true

	t.Run("increasing order denied", func(t *testing.T) {
		d := g.Authorize(ctx, buy("AAPL", 10, 150))
		assert.False(t, d.Allowed)
		assert.Equal(t, CodeBreakerTripped, d.Code)
		assert.True(t, orders.IsRiskViolation(d.Err()))
	})

	t.Run("reducing order allowed", func(t *testing.T) {
		d := g.Authorize(ctx, sell("AAPL", 40, 150))
		assert.True(t, d.Allowed)
		assert.True(t, d.Reducing)
	})

	t.Run("crossing through zero is not reducing", func(t *testing.T) {
		d := g.Authorize(ctx, sell("AAPL", 150, 150))
		assert.False(t, d.Allowed)
	})

	t.Run("cancel allowed", func(t *testing.T) {
		d := g.Authorize(ctx, Action{Kind: ActionCancel, Symbol: "AAPL"})
		assert.True(t, d.Allowed)
	})

	t.Run("replace that shrinks the position allowed", func(t *testing.T) {
		d := g.Authorize(ctx, Action{Kind: ActionReplace, StrategyID: "alpha", Symbol: "AAPL", Side: orders.SideSell, Qty: 40, ReplacesQty: 60})
		assert.True(t, d.Allowed)
		assert.True(t, d.Reducing)
	})

	t.Run("same-size replace on a flat symbol denied", func(t *testing.T) {
		d := g.Authorize(ctx, Action{Kind: ActionReplace, StrategyID: "alpha", Symbol: "MSFT", Side: orders.SideBuy, Qty: 100, ReplacesQty: 100, LimitPrice: orders.Ptr(10.0)})
		assert.False(t, d.Allowed)
		assert.False(t, d.Reducing)
		assert.Equal(t, CodeBreakerTripped, d.Code)
	})

	t.Run("smaller replace that still opens a position denied", func(t *testing.T) {
		d := g.Authorize(ctx, Action{Kind: ActionReplace, StrategyID: "alpha", Symbol: "MSFT", Side: orders.SideBuy, Qty: 5, ReplacesQty: 10, LimitPrice: orders.Ptr(10.0)})
		assert.False(t, d.Allowed)
	})

	t.Run("unreadable state denies", func(t *testing.T) {
		br.err = errors.New("redis down")
		defer func() { br.err = nil }()
		d := g.Authorize(ctx, buy("AAPL", 1, 150))
		assert.False(t, d.Allowed)
		assert.Equal(t, CodeBreakerTripped, d.Code)
	})
}

// ============================================================================
// Limits
// ============================================================================

func TestLimitChecks(t *testing.T) {
	ctx := context.Background()
	g, _, store := newGate(t)
	seedPosition(t, store, "AAPL", 100, 150)
	seedPosition(t, store, "SPY", -50, 400)

	tests := []struct {
		name    string
		action  Action
		allowed bool
		code    string
	}{
		{"within limits", buy("AAPL", 10, 150), true, ""},
		{"blacklisted case-insensitive", buy("GME", 1, 20), false, CodeBlacklisted},
		{"symbol override", buy("TSLA", 51, 10), false, CodePositionLimit},
		{"replace growth checked against full new qty", Action{Kind: ActionReplace, StrategyID: "alpha", Symbol: "TSLA", Side: orders.SideBuy, Qty: 95, ReplacesQty: 50, LimitPrice: orders.Ptr(10.0)}, false, CodePositionLimit},
		{"replace within cap", Action{Kind: ActionReplace, StrategyID: "alpha", Symbol: "TSLA", Side: orders.SideBuy, Qty: 50, ReplacesQty: 20, LimitPrice: orders.Ptr(10.0)}, true, ""},
		{"default position limit", buy("AAPL", 901, 1), false, CodePositionLimit},
		{"long exposure", buy("MSFT", 150, 400), false, CodeLongExposureLimit},
		{"short exposure", sell("QQQ", 30, 400), false, CodeShortExposureLimit},
		{"total notional", Action{Kind: ActionNewOrder, StrategyID: "alpha", Symbol: "NVDA", Side: orders.SideBuy, Qty: 150, ReferencePrice: orders.Ptr(600.0)}, false, CodeNotionalLimit},
		{"no price", Action{Kind: ActionNewOrder, StrategyID: "alpha", Symbol: "IBM", Side: orders.SideBuy, Qty: 1}, false, CodePriceUnavailable},
		{"position mark supplies price", Action{Kind: ActionNewOrder, StrategyID: "alpha", Symbol: "AAPL", Side: orders.SideBuy, Qty: 1}, true, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := g.Authorize(ctx, tt.action)
			assert.Equal(t, tt.allowed, d.Allowed, d.Reason)
			assert.Equal(t, tt.code, d.Code)
		})
	}
}

func TestQuarantineDeniesScopeAndWildcard(t *testing.T) {
	ctx := context.Background()
	g, _, store := newGate(t)

	_, err := store.CreateOrphan(ctx, &orders.OrphanOrder{BrokerOrderID: "b1", Symbol: "MSFT", QuarantineScope: "*:MSFT"})
	require.NoError(t, err)
	_, err = store.CreateOrphan(ctx, &orders.OrphanOrder{BrokerOrderID: "b2", Symbol: "AAPL", QuarantineScope: "beta:AAPL"})
	require.NoError(t, err)

	assert.Equal(t, CodeQuarantined, g.Authorize(ctx, buy("MSFT", 1, 10)).Code)

	alpha := g.Authorize(ctx, buy("AAPL", 1, 10))
	assert.True(t, alpha.Allowed)

	beta := buy("AAPL", 1, 10)
	beta.StrategyID = "beta"
	assert.Equal(t, CodeQuarantined, g.Authorize(ctx, beta).Code)

	n, err := store.ClearQuarantine(ctx, "*:MSFT")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, g.Authorize(ctx, buy("MSFT", 1, 10)).Allowed)
}

// ============================================================================
// Startup gate
// ============================================================================

func TestStartupGate(t *testing.T) {
	ctx := context.Background()
	g, _, _ := newGate(t)
	mock := broker.NewMockBroker()
	ready := &fakeReadiness{}
	g.SetReadiness(ready, mock)

	t.Run("buy on flat symbol denied as not ready", func(t *testing.T) {
		d := g.Authorize(ctx, buy("AAPL", 10, 150))
		assert.False(t, d.Allowed)
		assert.Equal(t, CodeStartupNotReady, d.Code)
		assert.ErrorIs(t, d.Err(), orders.ErrStartupNotReady)
	})

	t.Run("reduce-only uses live broker position", func(t *testing.T) {
		mock.SetPosition(broker.Position{Symbol: "AAPL", Qty: 100, AvgEntryPrice: 150})
		before := mock.Calls("get_position")
		d := g.Authorize(ctx, sell("AAPL", 50, 150))
		assert.True(t, d.Allowed)
		assert.True(t, d.Reducing)
		assert.Equal(t, before+1, mock.Calls("get_position"))
	})

	t.Run("cancel allowed", func(t *testing.T) {
		assert.True(t, g.Authorize(ctx, Action{Kind: ActionCancel, Symbol: "AAPL"}).Allowed)
	})

	t.Run("broker unreachable denies everything", func(t *testing.T) {
		mock.SetUnreachable(true)
		defer mock.SetUnreachable(false)
		d := g.Authorize(ctx, sell("AAPL", 50, 150))
		assert.False(t, d.Allowed)
		assert.Equal(t, CodeBrokerUnavailable, d.Code)
	})

	t.Run("ready uses local ledger", func(t *testing.T) {
		ready.done = true
		before := mock.Calls("get_position")
		d := g.Authorize(ctx, buy("AAPL", 10, 150))
		assert.True(t, d.Allowed)
		assert.Equal(t, before, mock.Calls("get_position"))
	})
}

func TestIsReducing(t *testing.T) {
	tests := []struct {
		cur, next int64
		want      bool
	}{
		{100, 50, true},
		{100, 0, true},
		{100, -10, false},
		{100, 120, false},
		{-100, -40, true},
		{0, 10, false},
		{0, -10, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, isReducing(tt.cur, tt.next), "%d -> %d", tt.cur, tt.next)
	}
}
