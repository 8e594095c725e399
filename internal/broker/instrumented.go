package broker

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/LeeeWayyy/trading-platform-sub016/internal/metrics"
	"github.com/LeeeWayyy/trading-platform-sub016/internal/telemetry"
)

// Instrumented wraps a Broker with a trace span and a latency histogram per call
type Instrumented struct {
	next Broker
}

var _ Broker = (*Instrumented)(nil)

// NewInstrumented decorates b
func NewInstrumented(b Broker) *Instrumented {
	return &Instrumented{next: b}
}

// Unwrap returns the decorated broker
func (i *Instrumented) Unwrap() Broker {
	return i.next
}

func (i *Instrumented) Name() string {
	return i.next.Name()
}

func observe[T any](ctx context.Context, op string, attrs []attribute.KeyValue, fn func(context.Context) (T, error)) (T, error) {
	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, "broker."+op, attrs...)
	v, err := fn(ctx)
	telemetry.EndSpan(span, err)
	metrics.ObserveBroker(op, start, err)
	return v, err
}

func (i *Instrumented) SubmitOrder(ctx context.Context, req SubmitRequest) (*Order, error) {
	return observe(ctx, "submit", []attribute.KeyValue{
		attribute.String("client_order_id", req.ClientOrderID),
		attribute.String("symbol", req.Symbol),
	}, func(ctx context.Context) (*Order, error) { return i.next.SubmitOrder(ctx, req) })
}

func (i *Instrumented) CancelOrder(ctx context.Context, brokerOrderID string) error {
	_, err := observe(ctx, "cancel", []attribute.KeyValue{attribute.String("broker_order_id", brokerOrderID)},
		func(ctx context.Context) (struct{}, error) { return struct{}{}, i.next.CancelOrder(ctx, brokerOrderID) })
	return err
}

func (i *Instrumented) ReplaceOrder(ctx context.Context, brokerOrderID string, req ReplaceRequest) (*Order, error) {
	return observe(ctx, "replace", []attribute.KeyValue{
		attribute.String("broker_order_id", brokerOrderID),
		attribute.String("client_order_id", req.ClientOrderID),
	}, func(ctx context.Context) (*Order, error) { return i.next.ReplaceOrder(ctx, brokerOrderID, req) })
}

func (i *Instrumented) GetOrder(ctx context.Context, brokerOrderID string) (*Order, error) {
	return observe(ctx, "get_order", []attribute.KeyValue{attribute.String("broker_order_id", brokerOrderID)},
		func(ctx context.Context) (*Order, error) { return i.next.GetOrder(ctx, brokerOrderID) })
}

func (i *Instrumented) GetOrderByClientID(ctx context.Context, clientOrderID string) (*Order, error) {
	return observe(ctx, "get_order_by_client_id", []attribute.KeyValue{attribute.String("client_order_id", clientOrderID)},
		func(ctx context.Context) (*Order, error) { return i.next.GetOrderByClientID(ctx, clientOrderID) })
}

func (i *Instrumented) ListOpenOrders(ctx context.Context) ([]Order, error) {
	return observe(ctx, "list_orders", nil, i.next.ListOpenOrders)
}

func (i *Instrumented) GetPosition(ctx context.Context, symbol string) (*Position, error) {
	return observe(ctx, "get_position", []attribute.KeyValue{attribute.String("symbol", symbol)},
		func(ctx context.Context) (*Position, error) { return i.next.GetPosition(ctx, symbol) })
}

func (i *Instrumented) ListPositions(ctx context.Context) ([]Position, error) {
	return observe(ctx, "list_positions", nil, i.next.ListPositions)
}

func (i *Instrumented) GetAccount(ctx context.Context) (*Account, error) {
	return observe(ctx, "get_account", nil, i.next.GetAccount)
}
