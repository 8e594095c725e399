package broker

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/LeeeWayyy/trading-platform-sub016/internal/orders"
)

// ErrUnreachable simulates the broker API being down
var ErrUnreachable = errors.New("mock broker unreachable")

// MockBroker is an in-memory broker for development and tests.
// Orders are accepted immediately and only fill when FillOrder is called.
type MockBroker struct {
	mu          sync.Mutex
	orders      map[string]*Order // broker ID -> order
	byClientID  map[string]string
	positions   map[string]*Position
	account     Account
	calls       map[string]int
	failures    map[string][]error
	unreachable bool
	now         func() time.Time
}

// Ensure MockBroker implements Broker
var _ Broker = (*MockBroker)(nil)

// NewMockBroker creates an empty mock broker
func NewMockBroker() *MockBroker {
	return &MockBroker{
		orders:     make(map[string]*Order),
		byClientID: make(map[string]string),
		positions:  make(map[string]*Position),
		account:    Account{Equity: 100000, LastEquity: 100000},
		calls:      make(map[string]int),
		failures:   make(map[string][]error),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Name returns "mock".
func (m *MockBroker) Name() string {
	return "mock"
}

// FailNext queues errors returned by the next calls of op (e.g. "submit")
func (m *MockBroker) FailNext(op string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = append(m.failures[op], errs...)
}

// SetUnreachable makes every call fail with a transient error
func (m *MockBroker) SetUnreachable(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unreachable = v
}

// Calls returns how many times op was invoked
func (m *MockBroker) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// SetPosition overrides the broker's position for symbol
func (m *MockBroker) SetPosition(p Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := p
	if c.Qty == 0 {
		delete(m.positions, c.Symbol)
		return
	}
	m.positions[c.Symbol] = &c
}

// SetAccount overrides equity figures
func (m *MockBroker) SetAccount(a Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.account = a
}

// InjectOrder adds an order the local system never submitted
func (m *MockBroker) InjectOrder(o Order) *Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.Status == "" {
		o.Status = orders.StatusAccepted
	}
	if o.UpdatedAt.IsZero() {
		o.UpdatedAt = m.now()
	}
	c := o
	m.orders[c.ID] = &c
	if c.ClientOrderID != "" {
		m.byClientID[c.ClientOrderID] = c.ID
	}
	return &c
}

// FillOrder fills qty more shares of an order at price and books the position
func (m *MockBroker) FillOrder(brokerOrderID string, qty int64, price float64) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[brokerOrderID]
	if !ok {
		return nil, ErrNotFound
	}
	notional := o.FilledAvgPrice*float64(o.FilledQty) + price*float64(qty)
	o.FilledQty += qty
	o.FilledAvgPrice = notional / float64(o.FilledQty)
	if o.FilledQty >= o.Qty {
		o.Status = orders.StatusFilled
	} else {
		o.Status = orders.StatusPartiallyFilled
	}
	o.UpdatedAt = m.now()

	pos, ok := m.positions[o.Symbol]
	if !ok {
		pos = &Position{Symbol: o.Symbol}
		m.positions[o.Symbol] = pos
	}
	lp := orders.Position{Symbol: pos.Symbol, Qty: pos.Qty, AvgEntryPrice: pos.AvgEntryPrice}
	lp.ApplyFill(o.Side, qty, price, o.UpdatedAt)
	pos.Qty, pos.AvgEntryPrice = lp.Qty, lp.AvgEntryPrice
	pos.CurrentPrice = &price
	if pos.Qty == 0 {
		delete(m.positions, o.Symbol)
	}

	c := *o
	return &c, nil
}

// SetOrderStatus forces a status (e.g. canceled, expired) on a broker order
func (m *MockBroker) SetOrderStatus(brokerOrderID string, status orders.Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.orders[brokerOrderID]; ok {
		o.Status = status
		o.UpdatedAt = m.now()
	}
}

// enter records a call and returns any queued failure
func (m *MockBroker) enter(op string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[op]++
	if m.unreachable {
		return &TransientError{Op: op, Err: ErrUnreachable}
	}
	if q := m.failures[op]; len(q) > 0 {
		err := q[0]
		m.failures[op] = q[1:]
		return err
	}
	return nil
}

func (m *MockBroker) SubmitOrder(ctx context.Context, req SubmitRequest) (*Order, error) {
	if err := m.enter("submit"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.byClientID[req.ClientOrderID]; dup {
		return nil, &RejectionError{Op: "submit", StatusCode: 422, Code: "40010001", Reason: "client_order_id must be unique"}
	}
	now := m.now()
	o := &Order{
		ID:            uuid.NewString(),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Qty:           req.Qty,
		Type:          req.Type,
		LimitPrice:    req.LimitPrice,
		TimeInForce:   req.TimeInForce,
		Status:        orders.StatusAccepted,
		RawStatus:     "new",
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	m.orders[o.ID] = o
	m.byClientID[o.ClientOrderID] = o.ID
	c := *o
	return &c, nil
}

func (m *MockBroker) CancelOrder(ctx context.Context, brokerOrderID string) error {
	if err := m.enter("cancel"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[brokerOrderID]
	if !ok {
		return ErrNotFound
	}
	if o.Status.IsTerminal() {
		return &RejectionError{Op: "cancel", StatusCode: 422, Reason: "order is not cancelable"}
	}
	o.Status = orders.StatusCanceled
	o.UpdatedAt = m.now()
	return nil
}

func (m *MockBroker) ReplaceOrder(ctx context.Context, brokerOrderID string, req ReplaceRequest) (*Order, error) {
	if err := m.enter("replace"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[brokerOrderID]
	if !ok {
		return nil, ErrNotFound
	}
	if o.Status.IsTerminal() {
		return nil, &RejectionError{Op: "replace", StatusCode: 422, Reason: "order is not open"}
	}
	now := m.now()
	o.Status = orders.StatusReplaced
	o.UpdatedAt = now

	n := *o
	n.ID = uuid.NewString()
	n.ClientOrderID = req.ClientOrderID
	n.Status = orders.StatusAccepted
	n.FilledQty, n.FilledAvgPrice = 0, 0
	n.CreatedAt, n.UpdatedAt = now, now
	if req.Qty != nil {
		n.Qty = *req.Qty
	}
	if req.LimitPrice != nil {
		n.LimitPrice = req.LimitPrice
	}
	if req.TimeInForce != nil {
		n.TimeInForce = *req.TimeInForce
	}
	m.orders[n.ID] = &n
	m.byClientID[n.ClientOrderID] = n.ID
	c := n
	return &c, nil
}

func (m *MockBroker) GetOrder(ctx context.Context, brokerOrderID string) (*Order, error) {
	if err := m.enter("get_order"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[brokerOrderID]
	if !ok {
		return nil, ErrNotFound
	}
	c := *o
	return &c, nil
}

func (m *MockBroker) GetOrderByClientID(ctx context.Context, clientOrderID string) (*Order, error) {
	if err := m.enter("get_order_by_client_id"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byClientID[clientOrderID]
	if !ok {
		return nil, ErrNotFound
	}
	c := *m.orders[id]
	return &c, nil
}

func (m *MockBroker) ListOpenOrders(ctx context.Context) ([]Order, error) {
	if err := m.enter("list_orders"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Order, 0)
	for _, o := range m.orders {
		if !o.Status.IsTerminal() {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MockBroker) GetPosition(ctx context.Context, symbol string) (*Position, error) {
	if err := m.enter("get_position"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[symbol]
	if !ok {
		return nil, ErrNotFound
	}
	c := *p
	return &c, nil
}

func (m *MockBroker) ListPositions(ctx context.Context) ([]Position, error) {
	if err := m.enter("list_positions"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Position, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (m *MockBroker) GetAccount(ctx context.Context) (*Account, error) {
	if err := m.enter("get_account"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.account
	a.UpdatedAt = m.now()
	return &a, nil
}
