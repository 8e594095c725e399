// Package webhook turns authenticated broker push events into status updates
// with webhook source priority.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/LeeeWayyy/trading-platform-sub016/internal/broker"
	"github.com/LeeeWayyy/trading-platform-sub016/internal/events"
	"github.com/LeeeWayyy/trading-platform-sub016/internal/logging"
	"github.com/LeeeWayyy/trading-platform-sub016/internal/orders"
)

const maxBodyBytes = 1 << 20

var (
	ErrUnknownOrder = errors.New("webhook for unknown order")
	ErrIgnoredEvent = errors.New("webhook event carries no status change")
	ErrInvalidEvent = errors.New("invalid webhook event")
)

// Event is a broker push notification
type Event struct {
	BrokerOrderID  string    `json:"broker_order_id"`
	ClientOrderID  string    `json:"client_order_id,omitempty"`
	EventType      string    `json:"event_type"`
	FilledQty      *int64    `json:"filled_qty,omitempty"`
	FilledAvgPrice *float64  `json:"filled_avg_price,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// StatusFor maps a broker event type to a lifecycle status
func StatusFor(eventType string) (orders.Status, bool) {
	switch strings.ToLower(eventType) {
	case "new", "accepted", "pending_replace", "pending_cancel":
		return orders.StatusAccepted, true
	case "pending_new":
		return orders.StatusPendingNew, true
	case "partial_fill", "partially_filled":
		return orders.StatusPartiallyFilled, true
	case "fill", "filled":
		return orders.StatusFilled, true
	case "canceled", "cancelled":
		return orders.StatusCanceled, true
	case "rejected":
		return orders.StatusRejected, true
	case "expired":
		return orders.StatusExpired, true
	case "replaced":
		return orders.StatusReplaced, true
	}
	return "", false
}

// Processor applies broker events to the order store
type Processor struct {
	store  orders.OrderStore
	bus    *events.EventBus
	logger zerolog.Logger
	now    func() time.Time
}

// NewProcessor creates a processor. bus may be nil.
func NewProcessor(store orders.OrderStore, bus *events.EventBus, logger zerolog.Logger) *Processor {
	return &Processor{
		store:  store,
		bus:    bus,
		logger: logger.With().Str("component", "WebhookProcessor").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Handle resolves the order by broker ID, falling back to the client order
// ID for pushes that beat the submit response, and applies the update.
// A lost CAS race is not an error; the result reports it.
func (p *Processor) Handle(ctx context.Context, ev Event) (orders.UpdateResult, error) {
	if ev.BrokerOrderID == "" && ev.ClientOrderID == "" {
		return orders.UpdateResult{}, fmt.Errorf("%w: no order identifier", ErrInvalidEvent)
	}
	status, ok := StatusFor(ev.EventType)
	if !ok {
		return orders.UpdateResult{}, fmt.Errorf("%w: %q", ErrIgnoredEvent, ev.EventType)
	}

	o, err := p.resolve(ctx, ev)
	if err != nil {
		return orders.UpdateResult{}, err
	}

	at := ev.Timestamp.UTC()
	if ev.Timestamp.IsZero() {
		at = p.now()
	}
	u := orders.StatusUpdate{
		ClientOrderID: o.ClientOrderID,
		Status:        status,
		Source:        orders.SourceWebhook,
		ObservedAt:    at,
	}
	if ev.BrokerOrderID != "" {
		id := ev.BrokerOrderID
		u.BrokerOrderID = &id
	}
	if ev.FilledQty != nil {
		fill := &orders.FillReport{FilledQty: *ev.FilledQty}
		if ev.FilledAvgPrice != nil {
			fill.FilledAvgPrice = *ev.FilledAvgPrice
		}
		u.Fill = fill
	}

	res, err := p.store.ApplyStatusUpdate(ctx, u)
	if err != nil {
		return res, fmt.Errorf("apply webhook for %s: %w", o.ClientOrderID, err)
	}
	if res.Applied {
		log := logging.OrderContext(p.logger, o.ClientOrderID, o.Symbol, string(o.Side))
		log.Info().
			Str("event", ev.EventType).
			Str("status", string(res.Order.Status)).
			Int64("filled_qty", res.Order.FilledQty).
			Msg("Webhook applied")
		p.bus.PublishOrderUpdate(o.ClientOrderID, o.Symbol, string(res.Order.Status), string(orders.SourceWebhook), res.Order.FilledQty)
	}
	return res, nil
}

func (p *Processor) resolve(ctx context.Context, ev Event) (*orders.Order, error) {
	if ev.BrokerOrderID != "" {
		o, err := p.store.GetOrderByBrokerID(ctx, ev.BrokerOrderID)
		if err == nil {
			return o, nil
		}
		if !errors.Is(err, orders.ErrOrderNotFound) {
			return nil, err
		}
	}
	if ev.ClientOrderID != "" {
		o, err := p.store.GetOrder(ctx, ev.ClientOrderID)
		if err == nil {
			return o, nil
		}
		if !errors.Is(err, orders.ErrOrderNotFound) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: broker_order_id=%s client_order_id=%s", ErrUnknownOrder, ev.BrokerOrderID, ev.ClientOrderID)
}

// GinHandler verifies the signature header over the raw body before decoding.
// Unknown orders and informational events are acknowledged so the broker
// stops redelivering; reconciliation covers anything they would have carried.
func (p *Processor) GinHandler(secret, signatureHeader string) gin.HandlerFunc {
	key := []byte(secret)
	return func(c *gin.Context) {
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_body", "message": err.Error()})
			return
		}
		if err := VerifySignature(key, body, c.GetHeader(signatureHeader)); err != nil {
			p.logger.Warn().Err(err).Str("remote", c.ClientIP()).Msg("Webhook signature rejected")
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_signature", "message": err.Error()})
			return
		}

		var ev Event
		if err := json.Unmarshal(body, &ev); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_body", "message": err.Error()})
			return
		}

		res, err := p.Handle(c.Request.Context(), ev)
		switch {
		case errors.Is(err, ErrInvalidEvent):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_event", "message": err.Error()})
		case errors.Is(err, ErrUnknownOrder), errors.Is(err, ErrIgnoredEvent):
			p.logger.Warn().Err(err).Msg("Webhook acknowledged without update")
			c.JSON(http.StatusAccepted, gin.H{"status": "ignored"})
		case err != nil:
			p.logger.Error().Err(err).Msg("Webhook processing failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "webhook processing failed"})
		case !res.Applied:
			c.JSON(http.StatusOK, gin.H{"status": "superseded", "reason": res.Reason})
		default:
			c.JSON(http.StatusOK, gin.H{"status": "applied", "order_status": res.Order.Status})
		}
	}
}

// TradeUpdateStreamer pushes broker trade updates
type TradeUpdateStreamer interface {
	StreamTradeUpdates(ctx context.Context, handler func(event string, o broker.Order, at time.Time))
}

// ConsumeStream feeds streamed trade updates through Handle. The stream is
// authenticated by the broker session, so no signature is checked.
func (p *Processor) ConsumeStream(ctx context.Context, s TradeUpdateStreamer) {
	s.StreamTradeUpdates(ctx, func(event string, o broker.Order, at time.Time) {
		qty, price := o.FilledQty, o.FilledAvgPrice
		ev := Event{
			BrokerOrderID:  o.ID,
			ClientOrderID:  o.ClientOrderID,
			EventType:      event,
			FilledQty:      &qty,
			FilledAvgPrice: &price,
			Timestamp:      at,
		}
		if _, err := p.Handle(ctx, ev); err != nil && !errors.Is(err, ErrIgnoredEvent) {
			p.logger.Warn().Err(err).Str("event", event).Str("broker_order_id", o.ID).Msg("Stream update not applied")
		}
	})
}
