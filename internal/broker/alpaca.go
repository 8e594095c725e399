package broker

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/LeeeWayyy/trading-platform-sub016/internal/orders"
)

// Compile-time interface check.
var _ Broker = (*AlpacaBroker)(nil)

// AlpacaConfig holds Alpaca connection settings
type AlpacaConfig struct {
	APIKey    string
	APISecret string
	BaseURL   string
	Timeout   time.Duration
}

// AlpacaBroker implements Broker using the Alpaca trading API
type AlpacaBroker struct {
	client *alpaca.Client
	logger zerolog.Logger
}

// NewAlpacaBroker creates an Alpaca adapter. Every HTTP call is bounded by cfg.Timeout.
func NewAlpacaBroker(cfg AlpacaConfig, logger zerolog.Logger) *AlpacaBroker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	client := alpaca.NewClient(alpaca.ClientOpts{
		APIKey:     cfg.APIKey,
		APISecret:  cfg.APISecret,
		BaseURL:    cfg.BaseURL,
		HTTPClient: &http.Client{Timeout: cfg.Timeout},
	})
	return &AlpacaBroker{
		client: client,
		logger: logger.With().Str("component", "AlpacaBroker").Logger(),
	}
}

// Name returns "alpaca".
func (b *AlpacaBroker) Name() string {
	return "alpaca"
}

// SubmitOrder places a new order keyed by the deterministic client order ID
func (b *AlpacaBroker) SubmitOrder(ctx context.Context, req SubmitRequest) (*Order, error) {
	qty := decimal.NewFromInt(req.Qty)
	placed, err := call(ctx, "submit", func() (*alpaca.Order, error) {
		return b.client.PlaceOrder(alpaca.PlaceOrderRequest{
			Symbol:        req.Symbol,
			Qty:           &qty,
			Side:          alpaca.Side(req.Side),
			Type:          alpaca.OrderType(req.Type),
			TimeInForce:   alpaca.TimeInForce(req.TimeInForce),
			LimitPrice:    toDecimal(req.LimitPrice),
			ClientOrderID: req.ClientOrderID,
		})
	})
	if err != nil {
		return nil, err
	}
	return fromAlpacaOrder(placed), nil
}

// CancelOrder requests cancellation of an open order
func (b *AlpacaBroker) CancelOrder(ctx context.Context, brokerOrderID string) error {
	_, err := call(ctx, "cancel", func() (struct{}, error) {
		return struct{}{}, b.client.CancelOrder(brokerOrderID)
	})
	return err
}

// ReplaceOrder uses Alpaca's atomic replace endpoint
func (b *AlpacaBroker) ReplaceOrder(ctx context.Context, brokerOrderID string, req ReplaceRequest) (*Order, error) {
	r := alpaca.ReplaceOrderRequest{
		LimitPrice:    toDecimal(req.LimitPrice),
		ClientOrderID: req.ClientOrderID,
	}
	if req.Qty != nil {
		q := decimal.NewFromInt(*req.Qty)
		r.Qty = &q
	}
	if req.TimeInForce != nil {
		r.TimeInForce = alpaca.TimeInForce(*req.TimeInForce)
	}
	replaced, err := call(ctx, "replace", func() (*alpaca.Order, error) {
		return b.client.ReplaceOrder(brokerOrderID, r)
	})
	if err != nil {
		return nil, err
	}
	return fromAlpacaOrder(replaced), nil
}

// GetOrder fetches an order by broker ID
func (b *AlpacaBroker) GetOrder(ctx context.Context, brokerOrderID string) (*Order, error) {
	o, err := call(ctx, "get_order", func() (*alpaca.Order, error) {
		return b.client.GetOrder(brokerOrderID)
	})
	if err != nil {
		return nil, err
	}
	return fromAlpacaOrder(o), nil
}

// GetOrderByClientID fetches an order by our client order ID
func (b *AlpacaBroker) GetOrderByClientID(ctx context.Context, clientOrderID string) (*Order, error) {
	o, err := call(ctx, "get_order_by_client_id", func() (*alpaca.Order, error) {
		return b.client.GetOrderByClientOrderID(clientOrderID)
	})
	if err != nil {
		return nil, err
	}
	return fromAlpacaOrder(o), nil
}

// ListOpenOrders returns every open order on the account
func (b *AlpacaBroker) ListOpenOrders(ctx context.Context) ([]Order, error) {
	list, err := call(ctx, "list_orders", func() ([]alpaca.Order, error) {
		return b.client.GetOrders(alpaca.GetOrdersRequest{Status: "open", Limit: 500})
	})
	if err != nil {
		return nil, err
	}
	out := make([]Order, 0, len(list))
	for i := range list {
		out = append(out, *fromAlpacaOrder(&list[i]))
	}
	return out, nil
}

// GetPosition returns the live position; a 404 means flat and surfaces as ErrNotFound
func (b *AlpacaBroker) GetPosition(ctx context.Context, symbol string) (*Position, error) {
	p, err := call(ctx, "get_position", func() (*alpaca.Position, error) {
		return b.client.GetPosition(symbol)
	})
	if err != nil {
		return nil, err
	}
	pos := fromAlpacaPosition(p)
	return &pos, nil
}

// ListPositions returns all open positions
func (b *AlpacaBroker) ListPositions(ctx context.Context) ([]Position, error) {
	list, err := call(ctx, "list_positions", func() ([]alpaca.Position, error) {
		return b.client.GetPositions()
	})
	if err != nil {
		return nil, err
	}
	out := make([]Position, 0, len(list))
	for i := range list {
		out = append(out, fromAlpacaPosition(&list[i]))
	}
	return out, nil
}

// GetAccount returns current and previous-close equity
func (b *AlpacaBroker) GetAccount(ctx context.Context) (*Account, error) {
	a, err := call(ctx, "get_account", func() (*alpaca.Account, error) {
		return b.client.GetAccount()
	})
	if err != nil {
		return nil, err
	}
	return &Account{
		Equity:     a.Equity.InexactFloat64(),
		LastEquity: a.LastEquity.InexactFloat64(),
		UpdatedAt:  time.Now().UTC(),
	}, nil
}

// StreamTradeUpdates forwards Alpaca trade updates until ctx is done
func (b *AlpacaBroker) StreamTradeUpdates(ctx context.Context, handler func(event string, o Order, at time.Time)) {
	b.logger.Info().Msg("Starting trade update stream")
	b.client.StreamTradeUpdatesInBackground(ctx, func(tu alpaca.TradeUpdate) {
		at := tu.At
		if at.IsZero() {
			at = time.Now().UTC()
		}
		handler(tu.Event, *fromAlpacaOrder(&tu.Order), at)
	})
}

// call runs a blocking SDK call and maps its failure into the broker error taxonomy.
// The SDK takes no context, so cancellation is honored by abandoning the result.
func call[T any](ctx context.Context, op string, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn()
		done <- result{v, err}
	}()

	var zero T
	select {
	case <-ctx.Done():
		return zero, &TransientError{Op: op, Err: ctx.Err()}
	case r := <-done:
		if r.err != nil {
			return zero, classifyAlpaca(op, r.err)
		}
		return r.v, nil
	}
}

func classifyAlpaca(op string, err error) error {
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) {
		return ClassifyHTTP(op, apiErr.StatusCode, strconv.Itoa(apiErr.Code), apiErr.Message)
	}
	// anything else is left for reconciliation to settle, without retry
	return ClassifyNetwork(op, err)
}

func fromAlpacaOrder(o *alpaca.Order) *Order {
	out := &Order{
		ID:             o.ID,
		ClientOrderID:  o.ClientOrderID,
		Symbol:         o.Symbol,
		Side:           orders.Side(o.Side),
		Type:           orders.OrderType(o.Type),
		TimeInForce:    orders.TimeInForce(o.TimeInForce),
		RawStatus:      o.Status,
		Status:         MapStatus(o.Status),
		FilledQty:      o.FilledQty.IntPart(),
		FilledAvgPrice: fromDecimal(o.FilledAvgPrice),
		LimitPrice:     fromDecimalPtr(o.LimitPrice),
		CreatedAt:      o.CreatedAt,
		UpdatedAt:      o.UpdatedAt,
	}
	if o.Qty != nil {
		out.Qty = o.Qty.IntPart()
	}
	return out
}

func fromAlpacaPosition(p *alpaca.Position) Position {
	return Position{
		Symbol:        p.Symbol,
		Qty:           p.Qty.IntPart(),
		AvgEntryPrice: p.AvgEntryPrice.InexactFloat64(),
		CurrentPrice:  fromDecimalPtr(p.CurrentPrice),
		UnrealizedPL:  fromDecimal(p.UnrealizedPL),
	}
}

func toDecimal(f *float64) *decimal.Decimal {
	if f == nil {
		return nil
	}
	d := decimal.NewFromFloat(*f)
	return &d
}

func fromDecimal(d *decimal.Decimal) float64 {
	if d == nil {
		return 0
	}
	return d.InexactFloat64()
}

func fromDecimalPtr(d *decimal.Decimal) *float64 {
	if d == nil {
		return nil
	}
	f := d.InexactFloat64()
	return &f
}
