package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/LeeeWayyy/trading-platform-sub016/internal/auth"
	"github.com/LeeeWayyy/trading-platform-sub016/internal/broker"
	"github.com/LeeeWayyy/trading-platform-sub016/internal/circuit"
	"github.com/LeeeWayyy/trading-platform-sub016/internal/events"
	"github.com/LeeeWayyy/trading-platform-sub016/internal/execution"
	"github.com/LeeeWayyy/trading-platform-sub016/internal/orders"
	"github.com/LeeeWayyy/trading-platform-sub016/internal/reconcile"
	"github.com/LeeeWayyy/trading-platform-sub016/internal/risk"
	"github.com/LeeeWayyy/trading-platform-sub016/internal/twap"
	"github.com/LeeeWayyy/trading-platform-sub016/internal/webhook"
)

const (
	testJWTSecret = "api-test-secret"
	opsKey        = "ops-key-0123456789abcdef"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeReadiness struct{ ready atomic.Bool }

func (f *fakeReadiness) StartupComplete() bool { return f.ready.Load() }

func (f *fakeReadiness) LastReport() *reconcile.Report {
	return &reconcile.Report{Mode: reconcile.ModeStartup, OrdersChecked: 3}
}

type fakeScheduler struct {
	mu       sync.Mutex
	canceled []string
}

func (f *fakeScheduler) Schedule(_ context.Context, req twap.Request) (*twap.Schedule, error) {
	if req.TotalQty <= 0 {
		return nil, fmt.Errorf("%w: total qty must be positive", twap.ErrInvalidPlan)
	}
	return &twap.Schedule{Parent: &orders.Order{ClientOrderID: "parent-1", Symbol: req.Symbol, Qty: req.TotalQty}}, nil
}

func (f *fakeScheduler) Get(_ context.Context, parentID string) (*twap.Schedule, error) {
	if parentID != "parent-1" {
		return nil, orders.ErrOrderNotFound
	}
	return &twap.Schedule{Parent: &orders.Order{ClientOrderID: parentID}}, nil
}

func (f *fakeScheduler) CancelPending(_ context.Context, parentID string) (*twap.Schedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = append(f.canceled, parentID)
	return &twap.Schedule{Parent: &orders.Order{ClientOrderID: parentID, Status: orders.StatusCanceled}}, nil
}

type testServer struct {
	store     *orders.MemoryStore
	broker    *broker.MockBroker
	breaker   *circuit.Breaker
	ready     *fakeReadiness
	scheduler *fakeScheduler
	bus       *events.EventBus
	auth      *auth.Service
	server    *Server
}

func newTestServer(t *testing.T, withAuth bool) *testServer {
	t.Helper()
	ctx := context.Background()
	ts := &testServer{
		store:     orders.NewMemoryStore(zerolog.Nop()),
		broker:    broker.NewMockBroker(),
		ready:     &fakeReadiness{},
		scheduler: &fakeScheduler{},
		bus:       events.NewEventBus(),
	}
	ts.ready.ready.Store(true)

	ts.breaker = circuit.NewBreaker(circuit.NewMemoryStore(), circuit.Options{QuietPeriod: time.Minute}, zerolog.Nop())
	_, err := ts.breaker.Init(ctx)
	require.NoError(t, err)

	gate := risk.NewGate(risk.Limits{DefaultMaxPosition: 500, Blacklist: []string{"GME"}}, ts.breaker, ts.store, zerolog.Nop())
	gate.SetReadiness(ts.ready, ts.broker)

	keyer := orders.NewIdempotencyKeyer(time.UTC)
	retry := execution.RetryPolicy{MaxAttempts: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}
	sub := execution.NewSubmitter(ts.store, ts.broker, gate, keyer, execution.Config{Retry: retry}, ts.bus, zerolog.Nop())
	mod := execution.NewModifier(ts.store, ts.broker, gate, keyer, retry, ts.bus, zerolog.Nop())

	deps := Deps{
		Store:     ts.store,
		Submitter: sub,
		Modifier:  mod,
		Scheduler: ts.scheduler,
		Breaker:   ts.breaker,
		Readiness: ts.ready,
		Webhook:   webhook.NewProcessor(ts.store, ts.bus, zerolog.Nop()).GinHandler("whsec", "X-Signature"),
		Bus:       ts.bus,
	}
	if withAuth {
		hash, err := auth.HashKey(opsKey, bcrypt.MinCost)
		require.NoError(t, err)
		ts.auth = auth.NewService(auth.NewJWTManager(testJWTSecret, time.Hour), map[string]string{"alice": hash}, zerolog.Nop())
		deps.Auth = ts.auth
	}

	ts.server = NewServer(ServerConfig{}, deps, zerolog.Nop())
	return ts
}

func (ts *testServer) token(t *testing.T) string {
	t.Helper()
	tok, _, err := ts.auth.JWT().GenerateAccessToken(auth.OperatorClaims{Operator: "alice", Role: auth.RoleOperator})
	require.NoError(t, err)
	return tok
}

func (ts *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	ts.server.Router().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &m), w.Body.String())
	return m
}

func limitBuy(symbol string, qty int64) map[string]any {
	return map[string]any{
		"symbol":        symbol,
		"side":          "buy",
		"qty":           qty,
		"order_type":    "limit",
		"limit_price":   150.0,
		"time_in_force": "day",
		"strategy_id":   "alpha1",
	}
}

// ============================================================================
// ERROR MAPPING
// ============================================================================

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"risk violation", &orders.RiskViolationError{Code: risk.CodePositionLimit, Reason: "x"}, http.StatusForbidden, risk.CodePositionLimit},
		{"startup not ready", &orders.RiskViolationError{Code: risk.CodeStartupNotReady}, http.StatusServiceUnavailable, risk.CodeStartupNotReady},
		{"broker unavailable at startup", &orders.RiskViolationError{Code: risk.CodeBrokerUnavailable}, http.StatusServiceUnavailable, risk.CodeBrokerUnavailable},
		{"bare not ready", orders.ErrStartupNotReady, http.StatusServiceUnavailable, risk.CodeStartupNotReady},
		{"broker rejection", &orders.BrokerRejectionError{Code: "insufficient_buying_power"}, http.StatusUnprocessableEntity, "insufficient_buying_power"},
		{"uncoded rejection", &orders.BrokerRejectionError{Reason: "no"}, http.StatusUnprocessableEntity, "broker_rejected"},
		{"transient", &orders.BrokerTransientError{Op: "submit", Attempts: 3, Err: errors.New("timeout")}, http.StatusBadGateway, "broker_unavailable"},
		{"invalid", fmt.Errorf("%w: qty", orders.ErrInvalidOrder), http.StatusBadRequest, "invalid_request"},
		{"invalid plan", twap.ErrInvalidPlan, http.StatusBadRequest, "invalid_request"},
		{"not found", orders.ErrOrderNotFound, http.StatusNotFound, "not_found"},
		{"in flight", execution.ErrSubmitInFlight, http.StatusConflict, "submit_in_flight"},
		{"not tripped", circuit.ErrNotTripped, http.StatusConflict, "not_tripped"},
		{"concurrent modification", fmt.Errorf("%w: concurrent modification of x", orders.ErrConflictRejected), http.StatusConflict, "conflict"},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, code := classify(tt.err)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, code)
		})
	}
}

// ============================================================================
// HEALTH & READINESS
// ============================================================================

func TestHealthAndReady(t *testing.T) {
	ts := newTestServer(t, false)

	w := ts.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", decode(t, w)["status"])

	w = ts.do(t, http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	ts.ready.ready.Store(false)
	w = ts.do(t, http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, retryAfterSecs, w.Header().Get("Retry-After"))
	assert.Equal(t, false, decode(t, w)["ready"])

	w = ts.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

// ============================================================================
// ORDERS
// ============================================================================

func TestOrders_RequireToken(t *testing.T) {
	ts := newTestServer(t, true)

	w := ts.do(t, http.MethodGet, "/api/orders", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = ts.do(t, http.MethodGet, "/api/orders", ts.token(t), nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestOrders_Lifecycle(t *testing.T) {
	ts := newTestServer(t, true)
	tok := ts.token(t)

	w := ts.do(t, http.MethodPost, "/api/orders", tok, limitBuy("AAPL", 10))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	created := decode(t, w)
	id := created["client_order_id"].(string)
	assert.Equal(t, string(orders.StatusAccepted), created["status"])
	assert.NotEmpty(t, created["broker_order_id"])

	w = ts.do(t, http.MethodPost, "/api/orders", tok, limitBuy("AAPL", 10))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, id, decode(t, w)["client_order_id"], "same request is idempotent")
	assert.Equal(t, 1, ts.broker.Calls("submit"))

	w = ts.do(t, http.MethodGet, "/api/orders/"+id, tok, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, http.MethodGet, "/api/orders?limit=5", tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode(t, w)["count"])

	w = ts.do(t, http.MethodDelete, "/api/orders/"+id, tok, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, string(orders.StatusCanceled), decode(t, w)["status"])

	w = ts.do(t, http.MethodGet, "/api/orders/nope", tok, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", decode(t, w)["error"])
}

func TestOrders_ErrorResponses(t *testing.T) {
	ts := newTestServer(t, false)

	t.Run("malformed", func(t *testing.T) {
		w := ts.do(t, http.MethodPost, "/api/orders", "", `{"symbol":`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("blacklisted", func(t *testing.T) {
		w := ts.do(t, http.MethodPost, "/api/orders", "", limitBuy("GME", 10))
		require.Equal(t, http.StatusForbidden, w.Code)
		body := decode(t, w)
		assert.Equal(t, risk.CodeBlacklisted, body["error"])
		assert.NotEmpty(t, body["message"])
	})

	t.Run("position limit", func(t *testing.T) {
		w := ts.do(t, http.MethodPost, "/api/orders", "", limitBuy("MSFT", 501))
		require.Equal(t, http.StatusForbidden, w.Code)
		assert.Equal(t, risk.CodePositionLimit, decode(t, w)["error"])
	})

	t.Run("startup not ready", func(t *testing.T) {
		ts.ready.ready.Store(false)
		defer ts.ready.ready.Store(true)
		w := ts.do(t, http.MethodPost, "/api/orders", "", limitBuy("NVDA", 10))
		require.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Equal(t, retryAfterSecs, w.Header().Get("Retry-After"))
		assert.Equal(t, risk.CodeStartupNotReady, decode(t, w)["error"])
	})

	t.Run("broker rejection", func(t *testing.T) {
		ts.broker.FailNext("submit", &broker.RejectionError{Op: "submit", StatusCode: 403, Code: "insufficient_buying_power", Reason: "buying power"})
		w := ts.do(t, http.MethodPost, "/api/orders", "", limitBuy("AMD", 10))
		require.Equal(t, http.StatusUnprocessableEntity, w.Code)
		assert.Equal(t, "insufficient_buying_power", decode(t, w)["error"])
	})

	t.Run("broker unreachable", func(t *testing.T) {
		ts.broker.SetUnreachable(true)
		defer ts.broker.SetUnreachable(false)
		w := ts.do(t, http.MethodPost, "/api/orders", "", limitBuy("INTC", 10))
		assert.Equal(t, http.StatusBadGateway, w.Code)
	})
}

func TestOrders_Modify(t *testing.T) {
	ts := newTestServer(t, false)

	w := ts.do(t, http.MethodPost, "/api/orders", "", limitBuy("AAPL", 100))
	require.Equal(t, http.StatusOK, w.Code)
	id := decode(t, w)["client_order_id"].(string)

	body := map[string]any{"change_set": map[string]any{"qty": 80}, "idempotency_key": "shrink-1"}
	w = ts.do(t, http.MethodPost, "/api/orders/"+id+"/modify", "", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decode(t, w)
	mod := res["modification"].(map[string]any)
	assert.Equal(t, string(orders.ModificationCompleted), mod["status"])
	repl := res["replacement"].(map[string]any)
	assert.EqualValues(t, 80, repl["qty"])

	w = ts.do(t, http.MethodPost, "/api/orders/"+id+"/modify", "", `{"change_set":{"qty":50}}`)
	assert.Equal(t, http.StatusBadRequest, w.Code, "idempotency key is required")
}

// ============================================================================
// TWAP
// ============================================================================

func TestTWAPRoutes(t *testing.T) {
	ts := newTestServer(t, false)
	ctx := context.Background()

	req := map[string]any{"symbol": "AAPL", "side": "buy", "total_qty": 100, "duration_secs": 180, "interval_secs": 60, "strategy_id": "alpha1"}
	w := ts.do(t, http.MethodPost, "/api/twap", "", req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = ts.do(t, http.MethodGet, "/api/twap/parent-1", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = ts.do(t, http.MethodGet, "/api/twap/other", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(t, http.MethodDelete, "/api/twap/parent-1", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	// a parent ID on the plain cancel route goes to the scheduler
	now := time.Now().UTC()
	parent := orders.NewOrderRow(&orders.Order{
		ClientOrderID: "parent-2",
		StrategyID:    "alpha1",
		Symbol:        "AAPL",
		Side:          orders.SideBuy,
		Qty:           100,
		OrderType:     orders.OrderTypeMarket,
		TimeInForce:   orders.TIFDay,
		TotalSlices:   orders.Ptr(3),
	}, orders.StatusAccepted, orders.SourceScheduler, now)
	require.NoError(t, ts.store.CreateOrder(ctx, parent))

	w = ts.do(t, http.MethodDelete, "/api/orders/parent-2", "", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, []string{"parent-1", "parent-2"}, ts.scheduler.canceled)
}

// ============================================================================
// POSITIONS & QUARANTINE
// ============================================================================

func TestPositionsAndQuarantine(t *testing.T) {
	ts := newTestServer(t, true)
	tok := ts.token(t)
	ctx := context.Background()

	require.NoError(t, ts.store.UpsertPosition(ctx, &orders.Position{Symbol: "AAPL", Qty: 10, AvgEntryPrice: 150}))
	w := ts.do(t, http.MethodGet, "/api/positions", tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode(t, w)["count"])

	w = ts.do(t, http.MethodGet, "/api/positions/aapl", tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 10, decode(t, w)["qty"])

	_, err := ts.store.CreateOrphan(ctx, &orders.OrphanOrder{
		BrokerOrderID:   "b-1",
		Symbol:          "MSFT",
		QuarantineScope: orders.QuarantineScope("", "MSFT"),
		Side:            orders.SideBuy,
		Qty:             5,
		DiscoveredAt:    time.Now().UTC(),
	})
	require.NoError(t, err)

	var cleared atomic.Int32
	ts.bus.Subscribe(events.EventQuarantineCleared, func(ev events.Event) {
		if ev.Data["actor"] == "alice" && ev.Data["scope"] == "*:MSFT" {
			cleared.Add(1)
		}
	})

	w = ts.do(t, http.MethodGet, "/api/quarantine", tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode(t, w)["count"])

	w = ts.do(t, http.MethodDelete, "/api/quarantine/nocolon", tok, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodDelete, "/api/quarantine/*:MSFT", tok, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.EqualValues(t, 1, decode(t, w)["cleared"])
	assert.Eventually(t, func() bool { return cleared.Load() == 1 }, time.Second, 5*time.Millisecond)

	quarantined, err := ts.store.IsQuarantined(ctx, "alpha1", "MSFT")
	require.NoError(t, err)
	assert.False(t, quarantined)
}

func TestControlRoutes_NeedAuthConfigured(t *testing.T) {
	ts := newTestServer(t, false)

	w := ts.do(t, http.MethodDelete, "/api/quarantine/*:MSFT", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, auth.ErrNotConfigured.Code, decode(t, w)["error"])

	w = ts.do(t, http.MethodPost, "/api/circuit-breaker/trip", "", map[string]string{"reason": "x"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = ts.do(t, http.MethodGet, "/api/circuit-breaker", "", nil)
	assert.Equal(t, http.StatusOK, w.Code, "reads stay open")
}

// ============================================================================
// CIRCUIT BREAKER
// ============================================================================

func TestCircuitBreakerRoutes(t *testing.T) {
	ts := newTestServer(t, true)
	tok := ts.token(t)

	w := ts.do(t, http.MethodGet, "/api/circuit-breaker", tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, string(circuit.StateOpen), decode(t, w)["state"])

	w = ts.do(t, http.MethodPost, "/api/circuit-breaker/reset", tok, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = ts.do(t, http.MethodPost, "/api/circuit-breaker/trip", tok, `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodPost, "/api/circuit-breaker/trip", tok, map[string]string{"reason": "manual halt"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, string(circuit.StateTripped), decode(t, w)["state"])

	w = ts.do(t, http.MethodPost, "/api/orders", tok, limitBuy("AAPL", 10))
	require.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, risk.CodeBreakerTripped, decode(t, w)["error"])

	w = ts.do(t, http.MethodPost, "/api/circuit-breaker/reset", tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, string(circuit.StateQuietPeriod), body["state"])
	assert.Equal(t, "alice", body["reset_by"])

	w = ts.do(t, http.MethodGet, "/api/circuit-breaker/history", tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 3, decode(t, w)["count"], "init, trip, reset")
}

// ============================================================================
// WEBHOOK & EVENT FEED
// ============================================================================

func TestWebhookRoute(t *testing.T) {
	ts := newTestServer(t, true)
	body := []byte(`{"broker_order_id":"brk-1","event_type":"fill"}`)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/broker", bytes.NewReader(body))
	w := httptest.NewRecorder()
	ts.server.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code, "webhooks use signatures, not operator tokens")

	req = httptest.NewRequest(http.MethodPost, "/webhooks/broker", bytes.NewReader(body))
	req.Header.Set("X-Signature", webhook.Sign([]byte("whsec"), body))
	w = httptest.NewRecorder()
	ts.server.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusAccepted, w.Code, "unknown order is acknowledged")
}

func TestEventFeed(t *testing.T) {
	ts := newTestServer(t, true)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ts.server.Hub().Run(ctx)

	srv := httptest.NewServer(ts.server.Router())
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws/events"

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}

	header := http.Header{"Authorization": []string{"Bearer " + ts.token(t)}}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var msg map[string]any
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "CONNECTED", msg["type"])
	assert.Equal(t, 1, ts.server.Hub().ClientCount())

	ts.bus.PublishOrderUpdate("o1", "AAPL", "filled", "webhook", 10)
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, string(events.EventOrderUpdate), msg["type"])
}
