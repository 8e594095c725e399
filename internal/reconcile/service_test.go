package reconcile

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeeeWayyy/trading-platform-sub016/internal/broker"
	"github.com/LeeeWayyy/trading-platform-sub016/internal/execution"
	"github.com/LeeeWayyy/trading-platform-sub016/internal/orders"
	"github.com/LeeeWayyy/trading-platform-sub016/internal/risk"
)

type openBreaker struct{}

func (openBreaker) IsTripped(context.Context) (bool, error) { return false, nil }

type countingSyncer struct{ calls atomic.Int32 }

func (c *countingSyncer) SyncParents(context.Context) error {
	c.calls.Add(1)
	return nil
}

type harness struct {
	store  *orders.MemoryStore
	broker *broker.MockBroker
	gate   *risk.Gate
	syncer *countingSyncer
	svc    *Service
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		store:  orders.NewMemoryStore(zerolog.Nop()),
		broker: broker.NewMockBroker(),
		syncer: &countingSyncer{},
	}
	h.gate = risk.NewGate(risk.Limits{DefaultMaxPosition: 1000}, openBreaker{}, h.store, zerolog.Nop())
	keyer := orders.NewIdempotencyKeyer(time.UTC)
	mod := execution.NewModifier(h.store, h.broker, h.gate, keyer, execution.DefaultRetryPolicy(), nil, zerolog.Nop())
	if cfg.SubmitGrace == 0 {
		cfg.SubmitGrace = time.Minute
	}
	h.svc = NewService(h.store, h.broker, mod, h.syncer, cfg, nil, zerolog.Nop())
	h.gate.SetReadiness(h.svc, h.broker)
	return h
}

// seedAccepted stores an accepted order that the broker also holds
func (h *harness) seedAccepted(t *testing.T, clientID, symbol string, qty int64) (*orders.Order, *broker.Order) {
	t.Helper()
	bo := h.broker.InjectOrder(broker.Order{
		ClientOrderID: clientID,
		Symbol:        symbol,
		Side:          orders.SideBuy,
		Qty:           qty,
		Type:          orders.OrderTypeMarket,
		TimeInForce:   orders.TIFDay,
		RawStatus:     "new",
	})
	now := time.Now().UTC()
	row := orders.NewOrderRow(&orders.Order{
		ClientOrderID: clientID,
		StrategyID:    "alpha1",
		Symbol:        symbol,
		Side:          orders.SideBuy,
		Qty:           qty,
		OrderType:     orders.OrderTypeMarket,
		TimeInForce:   orders.TIFDay,
		BrokerOrderID: orders.Ptr(bo.ID),
		SubmittedAt:   &now,
	}, orders.StatusAccepted, orders.SourceSubmitter, now)
	require.NoError(t, h.store.CreateOrder(context.Background(), row))
	return row, bo
}

func buy(strategy, symbol string, qty int64) risk.Action {
	return risk.Action{Kind: risk.ActionNewOrder, StrategyID: strategy, Symbol: symbol, Side: orders.SideBuy, Qty: qty}
}

// ============================================================================
// STARTUP GATE
// ============================================================================

func TestStartup_FailClosedUntilComplete(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.broker.SetPosition(broker.Position{Symbol: "AAPL", Qty: 100, AvgEntryPrice: 150})

	assert.False(t, h.svc.StartupComplete())

	d := h.gate.Authorize(ctx, buy("alpha1", "AAPL", 10))
	assert.False(t, d.Allowed)
	assert.Equal(t, risk.CodeStartupNotReady, d.Code)
	assert.ErrorIs(t, d.Err(), orders.ErrStartupNotReady)

	d = h.gate.Authorize(ctx, buy("alpha1", "MSFT", 10))
	assert.Equal(t, risk.CodeStartupNotReady, d.Code, "flat symbol buy is position-increasing")

	d = h.gate.Authorize(ctx, risk.Action{Kind: risk.ActionCancel, Symbol: "AAPL"})
	assert.True(t, d.Allowed)

	sell := risk.Action{Kind: risk.ActionNewOrder, StrategyID: "alpha1", Symbol: "AAPL", Side: orders.SideSell, Qty: 40}
	assert.True(t, h.gate.Authorize(ctx, sell).Allowed, "reduce-only uses the live broker position")

	h.broker.SetUnreachable(true)
	d = h.gate.Authorize(ctx, sell)
	assert.Equal(t, risk.CodeBrokerUnavailable, d.Code)
	h.broker.SetUnreachable(false)

	require.NoError(t, h.svc.RunStartup(ctx))
	assert.True(t, h.svc.StartupComplete())
	assert.True(t, h.gate.Authorize(ctx, buy("alpha1", "MSFT", 10)).Allowed)
}

func TestStartup_Policies(t *testing.T) {
	t.Run("degraded keeps running not ready", func(t *testing.T) {
		h := newHarness(t, Config{StartupPolicy: PolicyDegraded, StartupDeadline: time.Second})
		h.broker.SetUnreachable(true)

		require.NoError(t, h.svc.RunStartup(context.Background()))
		assert.False(t, h.svc.StartupComplete())
		require.NotNil(t, h.svc.LastReport())
		assert.NotEmpty(t, h.svc.LastReport().Errors)
	})

	t.Run("fail aborts", func(t *testing.T) {
		h := newHarness(t, Config{StartupPolicy: PolicyFail, StartupDeadline: time.Second})
		h.broker.SetUnreachable(true)

		err := h.svc.RunStartup(context.Background())
		assert.ErrorIs(t, err, ErrStartupDeadline)
		assert.False(t, h.svc.StartupComplete())
	})

	t.Run("partial query failure is not ready", func(t *testing.T) {
		h := newHarness(t, Config{})
		h.seedAccepted(t, "order-1", "AAPL", 10)
		h.broker.FailNext("get_order", &broker.TransientError{Op: "get_order", Err: broker.ErrUnreachable})

		require.NoError(t, h.svc.RunStartup(context.Background()))
		assert.False(t, h.svc.StartupComplete())
	})
}

// ============================================================================
// ORDER DRIFT
// ============================================================================

func TestReconcile_AppliesBrokerStatus(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	row, bo := h.seedAccepted(t, "order-1", "AAPL", 100)

	_, err := h.broker.FillOrder(bo.ID, 100, 150)
	require.NoError(t, err)

	rep, err := h.svc.Reconcile(ctx, ModePeriodic)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.OrdersChecked)
	assert.Equal(t, 1, rep.OrdersCorrected)
	assert.Zero(t, rep.PositionsHealed, "the fill already booked the position")

	got, err := h.store.GetOrder(ctx, row.ClientOrderID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusFilled, got.Status)
	assert.Equal(t, int64(100), got.FilledQty)

	pos, err := h.store.GetPosition(ctx, "AAPL")
	require.NoError(t, err)
	assert.Equal(t, int64(100), pos.Qty)
	require.NotNil(t, pos.CurrentPrice)

	rep, err = h.svc.Reconcile(ctx, ModePeriodic)
	require.NoError(t, err)
	assert.Zero(t, rep.OrdersChecked, "terminal orders are not queried again")
	assert.Equal(t, int32(2), h.syncer.calls.Load())
}

func TestReconcile_UnacknowledgedSubmits(t *testing.T) {
	h := newHarness(t, Config{SubmitGrace: time.Minute})
	ctx := context.Background()
	now := time.Now().UTC()

	seed := func(id string, submitted time.Time) {
		row := orders.NewOrderRow(&orders.Order{
			ClientOrderID: id,
			StrategyID:    "alpha1",
			Symbol:        "AAPL",
			Side:          orders.SideBuy,
			Qty:           5,
			OrderType:     orders.OrderTypeMarket,
			TimeInForce:   orders.TIFDay,
			SubmittedAt:   &submitted,
		}, orders.StatusPendingNew, orders.SourceSubmitter, submitted)
		require.NoError(t, h.store.CreateOrder(ctx, row))
	}
	seed("stale", now.Add(-10*time.Minute))
	seed("recent", now)
	seed("adopted", now.Add(-10*time.Minute))
	bo := h.broker.InjectOrder(broker.Order{ClientOrderID: "adopted", Symbol: "AAPL", Side: orders.SideBuy, Qty: 5})

	rep, err := h.svc.Reconcile(ctx, ModePeriodic)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.OrdersFailed)
	assert.Zero(t, rep.Orphans, "the adopted order is local")

	stale, _ := h.store.GetOrder(ctx, "stale")
	assert.Equal(t, orders.StatusFailed, stale.Status)
	require.NotNil(t, stale.ErrorMessage)

	recent, _ := h.store.GetOrder(ctx, "recent")
	assert.Equal(t, orders.StatusPendingNew, recent.Status)

	adopted, _ := h.store.GetOrder(ctx, "adopted")
	assert.Equal(t, orders.StatusAccepted, adopted.Status)
	require.NotNil(t, adopted.BrokerOrderID)
	assert.Equal(t, bo.ID, *adopted.BrokerOrderID)
}

func TestReconcile_SkipsTWAPParentsAndUnsubmittedSlices(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	now := time.Now().UTC()
	total := 2
	parentID := "parent-1"

	rows := []*orders.Order{
		orders.NewOrderRow(&orders.Order{
			ClientOrderID: parentID, StrategyID: "alpha1", Symbol: "AAPL", Side: orders.SideBuy, Qty: 10,
			OrderType: orders.OrderTypeMarket, TimeInForce: orders.TIFDay, TotalSlices: &total,
		}, orders.StatusAccepted, orders.SourceScheduler, now),
		orders.NewOrderRow(&orders.Order{
			ClientOrderID: "slice-0", StrategyID: "alpha1", Symbol: "AAPL", Side: orders.SideBuy, Qty: 5,
			OrderType: orders.OrderTypeMarket, TimeInForce: orders.TIFDay,
			ParentOrderID: &parentID, SliceNum: orders.Ptr(0), TotalSlices: &total,
		}, orders.StatusPendingNew, orders.SourceScheduler, now),
	}
	require.NoError(t, h.store.CreateOrders(ctx, rows))

	rep, err := h.svc.Reconcile(ctx, ModePeriodic)
	require.NoError(t, err)
	assert.Zero(t, rep.OrdersChecked)
	assert.Zero(t, h.broker.Calls("get_order"))
	assert.Zero(t, h.broker.Calls("get_order_by_client_id"))
}

// ============================================================================
// ORPHANS
// ============================================================================

func TestReconcile_OrphanQuarantine(t *testing.T) {
	h := newHarness(t, Config{KnownStrategies: []string{"alpha1"}})
	ctx := context.Background()
	require.NoError(t, h.svc.RunStartup(ctx))

	h.broker.InjectOrder(broker.Order{ClientOrderID: "unknown-42", Symbol: "MSFT", Side: orders.SideBuy, Qty: 10, RawStatus: "new"})
	h.broker.InjectOrder(broker.Order{ClientOrderID: "alpha1-manual", Symbol: "TSLA", Side: orders.SideSell, Qty: 3, RawStatus: "new"})

	rep, err := h.svc.Reconcile(ctx, ModePeriodic)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Orphans)

	orphans, err := h.store.ListOrphans(ctx)
	require.NoError(t, err)
	scopes := map[string]bool{}
	for _, o := range orphans {
		scopes[o.QuarantineScope] = true
	}
	assert.True(t, scopes["*:MSFT"])
	assert.True(t, scopes["alpha1:TSLA"])

	d := h.gate.Authorize(ctx, buy("alpha1", "MSFT", 1))
	assert.Equal(t, risk.CodeQuarantined, d.Code, "wildcard scope blocks every strategy")
	assert.True(t, h.gate.Authorize(ctx, buy("beta", "TSLA", 1)).Allowed, "strategy scope blocks only that strategy")

	rep, err = h.svc.Reconcile(ctx, ModePeriodic)
	require.NoError(t, err)
	assert.Zero(t, rep.Orphans, "known orphans are not recorded twice")

	n, err := h.store.ClearQuarantine(ctx, "*:MSFT")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, h.gate.Authorize(ctx, buy("alpha1", "MSFT", 1)).Allowed)
}

func TestInferStrategy(t *testing.T) {
	known := []string{"alpha1", "mean_rev"}
	tests := []struct {
		id   string
		want string
	}{
		{"alpha1-abc", "alpha1"},
		{"mean_rev:7", "mean_rev"},
		{"alpha10-abc", ""},
		{"alpha1", ""},
		{"3f9a0c", ""},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			assert.Equal(t, tt.want, inferStrategy(tt.id, known))
		})
	}
}

// ============================================================================
// MODIFICATION RECOVERY
// ============================================================================

func TestReconcile_RecoversInterruptedReplace(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	orig, bo := h.seedAccepted(t, "orig-1", "AAPL", 100)

	newQty := int64(60)
	mod := &orders.OrderModification{
		OriginalClientOrderID: orig.ClientOrderID,
		NewClientOrderID:      "orig-1-r1",
		ModificationSequence:  1,
		IdempotencyKey:        "key-1",
		Status:                orders.ModificationPending,
		ChangeSet:             orders.ChangeSet{Qty: &newQty},
		CreatedAt:             time.Now().UTC(),
	}
	require.NoError(t, h.store.InsertModification(ctx, mod))

	// the broker replaced the order but the local commit never ran
	h.broker.SetOrderStatus(bo.ID, orders.StatusReplaced)
	replacement := h.broker.InjectOrder(broker.Order{ClientOrderID: "orig-1-r1", Symbol: "AAPL", Side: orders.SideBuy, Qty: 60, RawStatus: "new"})

	rep, err := h.svc.Reconcile(ctx, ModePeriodic)
	require.NoError(t, err)
	assert.Zero(t, rep.Orphans, "a pending replacement is not an orphan")
	assert.Equal(t, 1, rep.ModificationsRecovered)

	got, err := h.store.GetOrder(ctx, "orig-1")
	require.NoError(t, err)
	assert.Equal(t, orders.StatusReplaced, got.Status)
	require.NotNil(t, got.ReplacedOrderID)
	assert.Equal(t, "orig-1-r1", *got.ReplacedOrderID)

	next, err := h.store.GetOrder(ctx, "orig-1-r1")
	require.NoError(t, err)
	assert.Equal(t, int64(60), next.Qty)
	require.NotNil(t, next.BrokerOrderID)
	assert.Equal(t, replacement.ID, *next.BrokerOrderID)

	m, err := h.store.GetModificationByNewID(ctx, "orig-1-r1")
	require.NoError(t, err)
	assert.Equal(t, orders.ModificationCompleted, m.Status)

	quarantined, err := h.store.IsQuarantined(ctx, "alpha1", "AAPL")
	require.NoError(t, err)
	assert.False(t, quarantined)
}

func TestReconcile_FailsStaleModification(t *testing.T) {
	h := newHarness(t, Config{SubmitGrace: time.Minute})
	ctx := context.Background()
	orig, _ := h.seedAccepted(t, "orig-2", "AAPL", 100)

	newQty := int64(50)
	require.NoError(t, h.store.InsertModification(ctx, &orders.OrderModification{
		OriginalClientOrderID: orig.ClientOrderID,
		NewClientOrderID:      "orig-2-r1",
		ModificationSequence:  1,
		IdempotencyKey:        "key-1",
		Status:                orders.ModificationPending,
		ChangeSet:             orders.ChangeSet{Qty: &newQty},
		CreatedAt:             time.Now().UTC().Add(-5 * time.Minute),
	}))

	rep, err := h.svc.Reconcile(ctx, ModePeriodic)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.ModificationsFailed)

	m, err := h.store.GetModificationByNewID(ctx, "orig-2-r1")
	require.NoError(t, err)
	assert.Equal(t, orders.ModificationFailed, m.Status)

	got, _ := h.store.GetOrder(ctx, "orig-2")
	assert.Equal(t, orders.StatusAccepted, got.Status, "a failed replace leaves the original untouched")
}

// ============================================================================
// POSITIONS
// ============================================================================

func TestReconcile_HealsPositions(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	require.NoError(t, h.store.UpsertPosition(ctx, &orders.Position{Symbol: "AAPL", Qty: 50, AvgEntryPrice: 10, RealizedPL: 25}))
	require.NoError(t, h.store.UpsertPosition(ctx, &orders.Position{Symbol: "TSLA", Qty: 5, AvgEntryPrice: 200}))
	require.NoError(t, h.store.UpsertPosition(ctx, &orders.Position{Symbol: "NVDA", Qty: 7, AvgEntryPrice: 90}))

	mark := 12.0
	h.broker.SetPosition(broker.Position{Symbol: "AAPL", Qty: 80, AvgEntryPrice: 11, CurrentPrice: &mark, UnrealizedPL: 80})
	nvdaMark := 95.0
	h.broker.SetPosition(broker.Position{Symbol: "NVDA", Qty: 7, AvgEntryPrice: 90, CurrentPrice: &nvdaMark, UnrealizedPL: 35})

	rep, err := h.svc.Reconcile(ctx, ModePeriodic)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.PositionsHealed, "AAPL qty drift and TSLA flat; NVDA mark refresh is not drift")

	aapl, _ := h.store.GetPosition(ctx, "AAPL")
	assert.Equal(t, int64(80), aapl.Qty)
	assert.Equal(t, 11.0, aapl.AvgEntryPrice)
	assert.Equal(t, 25.0, aapl.RealizedPL, "realized P&L is preserved")

	tsla, _ := h.store.GetPosition(ctx, "TSLA")
	assert.Equal(t, int64(0), tsla.Qty)

	nvda, _ := h.store.GetPosition(ctx, "NVDA")
	require.NotNil(t, nvda.CurrentPrice)
	assert.Equal(t, 95.0, *nvda.CurrentPrice)
	assert.Equal(t, 35.0, nvda.UnrealizedPL)
}

// fillingStore lands a fill right after the reconciler lists local positions
type fillingStore struct {
	*orders.MemoryStore
	once sync.Once
	fill func()
}

func (s *fillingStore) ListPositions(ctx context.Context) ([]*orders.Position, error) {
	out, err := s.MemoryStore.ListPositions(ctx)
	s.once.Do(s.fill)
	return out, err
}

func TestReconcile_FillDuringHealIsKept(t *testing.T) {
	ctx := context.Background()
	mem := orders.NewMemoryStore(zerolog.Nop())
	require.NoError(t, mem.UpsertPosition(ctx, &orders.Position{Symbol: "AAPL", Qty: 50, AvgEntryPrice: 10, RealizedPL: 25}))
	store := &fillingStore{MemoryStore: mem}
	store.fill = func() {
		p, err := mem.GetPosition(ctx, "AAPL")
		require.NoError(t, err)
		p.ApplyFill(orders.SideSell, 20, 15, time.Now().UTC())
		require.NoError(t, mem.UpsertPosition(ctx, p))
	}

	b := broker.NewMockBroker()
	b.SetPosition(broker.Position{Symbol: "AAPL", Qty: 80, AvgEntryPrice: 11})
	svc := NewService(store, b, nil, &countingSyncer{}, Config{SubmitGrace: time.Minute}, nil, zerolog.Nop())

	rep, err := svc.Reconcile(ctx, ModePeriodic)
	require.NoError(t, err)
	assert.Equal(t, 0, rep.PositionsHealed, "the row moved after the listing")

	aapl, _ := mem.GetPosition(ctx, "AAPL")
	assert.Equal(t, int64(30), aapl.Qty)
	assert.Equal(t, 125.0, aapl.RealizedPL)

	rep, err = svc.Reconcile(ctx, ModePeriodic)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.PositionsHealed)
	aapl, _ = mem.GetPosition(ctx, "AAPL")
	assert.Equal(t, int64(80), aapl.Qty)
	assert.Equal(t, 125.0, aapl.RealizedPL, "the fill's realized P&L survives the heal")
}
