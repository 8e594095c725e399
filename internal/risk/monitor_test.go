package risk

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeeeWayyy/trading-platform-sub016/internal/broker"
	"github.com/LeeeWayyy/trading-platform-sub016/internal/circuit"
	"github.com/LeeeWayyy/trading-platform-sub016/internal/orders"
)

func newMonitor(t *testing.T, cfg MonitorConfig) (*PostTradeMonitor, *broker.MockBroker, *orders.MemoryStore, *circuit.Breaker) {
	t.Helper()
	mock := broker.NewMockBroker()
	store := orders.NewMemoryStore(zerolog.Nop())
	cb := circuit.NewBreaker(circuit.NewMemoryStore(), circuit.Options{}, zerolog.Nop())
	_, err := cb.Init(context.Background())
	require.NoError(t, err)
	return NewPostTradeMonitor(cfg, mock, store, cb, zerolog.Nop()), mock, store, cb
}

func TestMonitorTripsOnDailyLoss(t *testing.T) {
	ctx := context.Background()
	m, mock, _, cb := newMonitor(t, MonitorConfig{DailyLossLimit: 5000})

	mock.SetAccount(broker.Account{Equity: 96000, LastEquity: 100000})
	breaches := m.Check(ctx)
	require.Len(t, breaches, 0)

	mock.SetAccount(broker.Account{Equity: 94000, LastEquity: 100000})
	breaches = m.Check(ctx)
	require.Len(t, breaches, 1)
	assert.Contains(t, breaches[0], "daily loss")

	rec, err := cb.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, circuit.StateTripped, rec.State)
}

func TestMonitorDrawdownFromPeak(t *testing.T) {
	ctx := context.Background()
	m, mock, _, cb := newMonitor(t, MonitorConfig{MaxDrawdownPct: 0.10})

	mock.SetAccount(broker.Account{Equity: 120000, LastEquity: 100000})
	assert.Empty(t, m.Check(ctx))
	assert.Equal(t, 120000.0, m.PeakEquity())

	mock.SetAccount(broker.Account{Equity: 107000, LastEquity: 100000})
	breaches := m.Check(ctx)
	require.Len(t, breaches, 1)
	assert.Contains(t, breaches[0], "drawdown")

	tripped, err := cb.IsTripped(ctx)
	require.NoError(t, err)
	assert.True(t, tripped)
}

func TestMonitorStaleness(t *testing.T) {
	ctx := context.Background()
	m, _, store, _ := newMonitor(t, MonitorConfig{Staleness: 15 * time.Minute})

	now := time.Now().UTC()
	require.NoError(t, store.UpsertPosition(ctx, &orders.Position{Symbol: "AAPL", Qty: 10, UpdatedAt: now.Add(-20 * time.Minute)}))
	require.NoError(t, store.UpsertPosition(ctx, &orders.Position{Symbol: "MSFT", Qty: 5, UpdatedAt: now}))
	require.NoError(t, store.UpsertPosition(ctx, &orders.Position{Symbol: "IBM", Qty: 0, UpdatedAt: now.Add(-time.Hour)}))

	breaches, err := m.ActiveBreaches(ctx)
	require.NoError(t, err)
	require.Len(t, breaches, 1)
	assert.Contains(t, breaches[0], "AAPL")
	assert.NotContains(t, breaches[0], "IBM")
}

func TestMonitorBlocksResetWhileBreached(t *testing.T) {
	ctx := context.Background()
	m, mock, _, cb := newMonitor(t, MonitorConfig{DailyLossLimit: 1000})
	cb.SetConditionChecker(m)

	mock.SetAccount(broker.Account{Equity: 98000, LastEquity: 100000})
	m.Check(ctx)

	_, err := cb.Reset(ctx, "ops")
	assert.ErrorIs(t, err, circuit.ErrConditionsNotCleared)

	mock.SetAccount(broker.Account{Equity: 99500, LastEquity: 100000})
	rec, err := cb.Reset(ctx, "ops")
	require.NoError(t, err)
	assert.Equal(t, circuit.StateQuietPeriod, rec.State)
}

func TestMonitorAccountUnavailable(t *testing.T) {
	ctx := context.Background()
	m, mock, _, cb := newMonitor(t, MonitorConfig{DailyLossLimit: 1000})
	mock.SetUnreachable(true)

	assert.Empty(t, m.Check(ctx))
	tripped, err := cb.IsTripped(ctx)
	require.NoError(t, err)
	assert.False(t, tripped)
}
