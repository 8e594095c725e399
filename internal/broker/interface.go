// Package broker defines the narrow brokerage boundary used by the execution
// core, with an Alpaca adapter and an in-memory mock. Retry and backoff live
// above this interface.
package broker

import (
	"context"
	"time"

	"github.com/LeeeWayyy/trading-platform-sub016/internal/orders"
)

// Broker abstracts the broker's public order API
type Broker interface {
	// Name returns the broker identifier (e.g. "alpaca", "mock").
	Name() string

	SubmitOrder(ctx context.Context, req SubmitRequest) (*Order, error)
	CancelOrder(ctx context.Context, brokerOrderID string) error
	// ReplaceOrder atomically cancels and re-creates an open order
	ReplaceOrder(ctx context.Context, brokerOrderID string, req ReplaceRequest) (*Order, error)

	GetOrder(ctx context.Context, brokerOrderID string) (*Order, error)
	GetOrderByClientID(ctx context.Context, clientOrderID string) (*Order, error)
	ListOpenOrders(ctx context.Context) ([]Order, error)

	// GetPosition returns ErrNotFound when the account holds no position in symbol
	GetPosition(ctx context.Context, symbol string) (*Position, error)
	ListPositions(ctx context.Context) ([]Position, error)
	GetAccount(ctx context.Context) (*Account, error)
}

// SubmitRequest is a new order sent to the broker
type SubmitRequest struct {
	ClientOrderID string
	Symbol        string
	Side          orders.Side
	Qty           int64
	Type          orders.OrderType
	LimitPrice    *float64
	TimeInForce   orders.TimeInForce
}

// SubmitRequestFor builds the broker request for a stored order row
func SubmitRequestFor(o *orders.Order) SubmitRequest {
	return SubmitRequest{
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Side:          o.Side,
		Qty:           o.Qty,
		Type:          o.OrderType,
		LimitPrice:    o.LimitPrice,
		TimeInForce:   o.TimeInForce,
	}
}

// ReplaceRequest changes an open order; nil fields are left unchanged
type ReplaceRequest struct {
	ClientOrderID string
	Qty           *int64
	LimitPrice    *float64
	TimeInForce   *orders.TimeInForce
}

// Order is the broker's view of an order
type Order struct {
	ID             string
	ClientOrderID  string
	Symbol         string
	Side           orders.Side
	Qty            int64
	Type           orders.OrderType
	LimitPrice     *float64
	TimeInForce    orders.TimeInForce
	Status         orders.Status
	RawStatus      string
	FilledQty      int64
	FilledAvgPrice float64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Fill returns the cumulative fill report for the order
func (o *Order) Fill() *orders.FillReport {
	return &orders.FillReport{FilledQty: o.FilledQty, FilledAvgPrice: o.FilledAvgPrice}
}

// Position is the broker's authoritative position
type Position struct {
	Symbol        string
	Qty           int64
	AvgEntryPrice float64
	CurrentPrice  *float64
	UnrealizedPL  float64
}

// Account is an account equity snapshot
type Account struct {
	Equity     float64
	LastEquity float64 // equity at previous close
	UpdatedAt  time.Time
}

// DailyPnL returns realized plus unrealized P&L since the previous close
func (a *Account) DailyPnL() float64 {
	return a.Equity - a.LastEquity
}

// MapStatus converts a broker status string to the local lifecycle status.
// Unknown values map to accepted so they are never treated as terminal.
func MapStatus(raw string) orders.Status {
	switch raw {
	case "new", "accepted", "pending_replace", "pending_cancel", "accepted_for_bidding", "calculated", "held", "stopped", "suspended", "done_for_day":
		return orders.StatusAccepted
	case "pending_new":
		return orders.StatusPendingNew
	case "partially_filled", "partial_fill":
		return orders.StatusPartiallyFilled
	case "filled", "fill":
		return orders.StatusFilled
	case "canceled", "cancelled":
		return orders.StatusCanceled
	case "rejected":
		return orders.StatusRejected
	case "expired":
		return orders.StatusExpired
	case "replaced":
		return orders.StatusReplaced
	}
	return orders.StatusAccepted
}
