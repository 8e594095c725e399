// Package execution turns authorized order requests into broker orders:
// idempotent submission, cancellation, and the three-phase atomic replace.
package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/LeeeWayyy/trading-platform-sub016/internal/broker"
	"github.com/LeeeWayyy/trading-platform-sub016/internal/events"
	"github.com/LeeeWayyy/trading-platform-sub016/internal/logging"
	"github.com/LeeeWayyy/trading-platform-sub016/internal/metrics"
	"github.com/LeeeWayyy/trading-platform-sub016/internal/orders"
	"github.com/LeeeWayyy/trading-platform-sub016/internal/risk"
)

// ErrSubmitInFlight is returned when a cancel races a submission whose broker outcome is not yet known
var ErrSubmitInFlight = errors.New("order submission still in flight")

// Authorizer is the pre-trade gate
type Authorizer interface {
	Authorize(ctx context.Context, a risk.Action) risk.Decision
}

// Config controls submission behavior
type Config struct {
	// DryRun records orders as dry_run and never calls the broker
	DryRun bool
	Retry  RetryPolicy
}

// Submitter is the only path from an order request to the broker
type Submitter struct {
	store  orders.OrderStore
	broker broker.Broker
	gate   Authorizer
	keyer  *orders.IdempotencyKeyer
	cfg    Config
	bus    *events.EventBus
	logger zerolog.Logger
	now    func() time.Time
}

// NewSubmitter creates a submitter. bus may be nil.
func NewSubmitter(store orders.OrderStore, b broker.Broker, gate Authorizer, keyer *orders.IdempotencyKeyer, cfg Config, bus *events.EventBus, logger zerolog.Logger) *Submitter {
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	return &Submitter{
		store:  store,
		broker: b,
		gate:   gate,
		keyer:  keyer,
		cfg:    cfg,
		bus:    bus,
		logger: logger.With().Str("component", "ExecutionSubmitter").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// DryRun reports whether the submitter is simulating
func (s *Submitter) DryRun() bool {
	return s.cfg.DryRun
}

// Submit records and sends a new order. Submitting the same logical order
// twice on one trade date returns the first record without a second broker call.
func (s *Submitter) Submit(ctx context.Context, req orders.OrderRequest) (*orders.Order, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}
	id, err := s.keyer.GenerateForRequest(&req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", orders.ErrInvalidOrder, err)
	}

	log := logging.OrderContext(s.logger, id, req.Symbol, string(req.Side))

	existing, err := s.store.GetOrder(ctx, id)
	if err == nil {
		log.Info().Str("status", string(existing.Status)).Msg("Duplicate submission, returning existing order")
		metrics.OrdersSubmitted.WithLabelValues("duplicate").Inc()
		return existing, nil
	}
	if !errors.Is(err, orders.ErrOrderNotFound) {
		return nil, fmt.Errorf("lookup order %s: %w", id, err)
	}

	d := s.gate.Authorize(ctx, risk.Action{
		Kind:           risk.ActionNewOrder,
		StrategyID:     req.StrategyID,
		Symbol:         req.Symbol,
		Side:           req.Side,
		Qty:            req.Qty,
		LimitPrice:     req.LimitPrice,
		ReferencePrice: req.ReferencePrice,
	})
	if !d.Allowed {
		metrics.OrdersSubmitted.WithLabelValues("denied").Inc()
		s.bus.PublishRiskDenied(req.Symbol, req.StrategyID, d.Code, d.Reason)
		return nil, d.Err()
	}

	status := orders.StatusPendingNew
	if s.cfg.DryRun {
		status = orders.StatusDryRun
	}
	row := orders.NewOrderRow(&orders.Order{
		ClientOrderID:  id,
		StrategyID:     req.StrategyID,
		Symbol:         req.Symbol,
		Side:           req.Side,
		Qty:            req.Qty,
		OrderType:      req.OrderType,
		LimitPrice:     req.LimitPrice,
		TimeInForce:    req.TimeInForce,
		ReferencePrice: req.ReferencePrice,
	}, status, orders.SourceSubmitter, s.now())

	if err := s.store.CreateOrder(ctx, row); err != nil {
		if errors.Is(err, orders.ErrOrderExists) {
			// lost a race with an identical concurrent request
			metrics.OrdersSubmitted.WithLabelValues("duplicate").Inc()
			return s.store.GetOrder(ctx, id)
		}
		return nil, fmt.Errorf("create order %s: %w", id, err)
	}

	if s.cfg.DryRun {
		log.Info().Int64("qty", req.Qty).Msg("Dry run order recorded")
		metrics.OrdersSubmitted.WithLabelValues("dry_run").Inc()
		return row, nil
	}
	return s.send(ctx, row, orders.SourceSubmitter)
}

// SubmitExisting sends a stored pending_new row, used by the slice scheduler
// after its own authorization and claim. Rows the broker already acknowledged
// are returned as-is; a repeated send is absorbed by the broker's duplicate check.
func (s *Submitter) SubmitExisting(ctx context.Context, row *orders.Order) (*orders.Order, error) {
	if row.Status != orders.StatusPendingNew || row.BrokerOrderID != nil {
		return row, nil
	}
	if s.cfg.DryRun {
		res, err := s.store.ApplyStatusUpdate(ctx, orders.StatusUpdate{
			ClientOrderID: row.ClientOrderID,
			Status:        orders.StatusDryRun,
			Source:        orders.SourceScheduler,
			ObservedAt:    s.now(),
		})
		if err != nil {
			return nil, err
		}
		metrics.OrdersSubmitted.WithLabelValues("dry_run").Inc()
		return s.resultOrder(ctx, row.ClientOrderID, res)
	}
	return s.send(ctx, row, orders.SourceScheduler)
}

func (s *Submitter) send(ctx context.Context, row *orders.Order, source orders.Source) (*orders.Order, error) {
	id := row.ClientOrderID
	log := logging.OrderContext(s.logger, id, row.Symbol, string(row.Side))

	if err := s.store.MarkSubmitted(ctx, id, s.now()); err != nil {
		return nil, fmt.Errorf("mark submitted %s: %w", id, err)
	}

	req := broker.SubmitRequestFor(row)
	bo, err := withRetry(ctx, s.cfg.Retry, "submit", func(attempt int, err error) {
		log.Warn().Err(err).Int("attempt", attempt).Msg("Transient broker error on submit")
		if rerr := s.store.RecordSubmitAttempt(ctx, id, attempt, err.Error()); rerr != nil {
			log.Error().Err(rerr).Msg("Failed to record submit attempt")
		}
	}, func(ctx context.Context) (*broker.Order, error) {
		return s.broker.SubmitOrder(ctx, req)
	})

	if rej, ok := broker.AsRejection(err); ok && rej.IsDuplicateClientID() {
		// an earlier attempt reached the broker
		log.Info().Msg("Broker already holds client order ID, adopting existing order")
		bo, err = withRetry(ctx, s.cfg.Retry, "get_order_by_client_id", nil, func(ctx context.Context) (*broker.Order, error) {
			return s.broker.GetOrderByClientID(ctx, id)
		})
	}

	if err != nil {
		return nil, s.submitFailed(ctx, row, source, err)
	}

	u := orders.StatusUpdate{
		ClientOrderID: id,
		Status:        bo.Status,
		Source:        source,
		ObservedAt:    s.now(),
		BrokerOrderID: &bo.ID,
	}
	if bo.FilledQty > 0 {
		u.Fill = bo.Fill()
	}
	res, err := s.store.ApplyStatusUpdate(ctx, u)
	if err != nil {
		// the broker has the order; reconciliation will attach the broker ID
		log.Error().Err(err).Str("broker_order_id", bo.ID).Msg("Broker accepted order but local update failed")
		return nil, fmt.Errorf("record broker acceptance for %s: %w", id, err)
	}

	metrics.OrdersSubmitted.WithLabelValues("accepted").Inc()
	log.Info().Str("broker_order_id", bo.ID).Str("status", string(bo.Status)).Msg("Order accepted by broker")

	out, err := s.resultOrder(ctx, id, res)
	if err == nil {
		s.bus.PublishOrderUpdate(id, out.Symbol, string(out.Status), string(source), out.FilledQty)
	}
	return out, err
}

func (s *Submitter) submitFailed(ctx context.Context, row *orders.Order, source orders.Source, err error) error {
	log := logging.OrderContext(s.logger, row.ClientOrderID, row.Symbol, string(row.Side))

	if rej, ok := broker.AsRejection(err); ok {
		metrics.OrdersSubmitted.WithLabelValues("rejected").Inc()
		reason := rej.Reason
		if _, uerr := s.store.ApplyStatusUpdate(ctx, orders.StatusUpdate{
			ClientOrderID: row.ClientOrderID,
			Status:        orders.StatusRejected,
			Source:        source,
			ObservedAt:    s.now(),
			ErrorMessage:  &reason,
		}); uerr != nil {
			log.Error().Err(uerr).Msg("Failed to record broker rejection")
		}
		log.Warn().Str("code", rej.Code).Str("reason", rej.Reason).Msg("Broker rejected order")
		s.bus.PublishOrderUpdate(row.ClientOrderID, row.Symbol, string(orders.StatusRejected), string(source), 0)
		return &orders.BrokerRejectionError{Code: rej.Code, Reason: rej.Reason}
	}

	if orders.IsBrokerTransient(err) {
		metrics.OrdersSubmitted.WithLabelValues("transient").Inc()
		log.Error().Err(err).Msg("Broker submit retries exhausted, order left pending for reconciliation")
		return err
	}

	metrics.OrdersSubmitted.WithLabelValues("error").Inc()
	log.Error().Err(err).Msg("Broker submit failed")
	return fmt.Errorf("submit %s: %w", row.ClientOrderID, err)
}

// Cancel cancels a single order. Terminal orders are returned unchanged.
func (s *Submitter) Cancel(ctx context.Context, clientOrderID string) (*orders.Order, error) {
	o, err := s.store.GetOrder(ctx, clientOrderID)
	if err != nil {
		return nil, err
	}
	if o.IsTerminal {
		return o, nil
	}
	if o.IsTWAPParent() {
		return nil, fmt.Errorf("%w: %s is a TWAP parent; cancel its schedule instead", orders.ErrInvalidOrder, clientOrderID)
	}

	log := logging.OrderContext(s.logger, o.ClientOrderID, o.Symbol, string(o.Side))

	brokerID := ""
	if o.BrokerOrderID != nil {
		brokerID = *o.BrokerOrderID
	}

	if brokerID == "" {
		if o.SubmittedAt == nil || s.cfg.DryRun {
			// never reached the broker
			return s.applyLocal(ctx, o, orders.StatusCanceled, nil)
		}
		bo, err := withRetry(ctx, s.cfg.Retry, "get_order_by_client_id", nil, func(ctx context.Context) (*broker.Order, error) {
			return s.broker.GetOrderByClientID(ctx, o.ClientOrderID)
		})
		if broker.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrSubmitInFlight, o.ClientOrderID)
		}
		if err != nil {
			return nil, err
		}
		brokerID = bo.ID
	}

	_, err = withRetry(ctx, s.cfg.Retry, "cancel", nil, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.broker.CancelOrder(ctx, brokerID)
	})

	switch {
	case err == nil:
	case broker.IsNotFound(err):
		return nil, fmt.Errorf("%w: broker has no order %s", orders.ErrOrderNotFound, brokerID)
	default:
		if rej, ok := broker.AsRejection(err); ok {
			// usually already filled or canceled; pull the broker's view
			log.Warn().Str("reason", rej.Reason).Msg("Broker refused cancel")
			if _, serr := s.refresh(ctx, o, brokerID); serr != nil {
				log.Error().Err(serr).Msg("Failed to refresh order after refused cancel")
			}
			return nil, &orders.BrokerRejectionError{Code: rej.Code, Reason: rej.Reason}
		}
		return nil, err
	}

	log.Info().Str("broker_order_id", brokerID).Msg("Cancel accepted by broker")
	out, err := s.refresh(ctx, o, brokerID)
	if err != nil {
		log.Warn().Err(err).Msg("Cancel sent but broker status refresh failed")
		return s.store.GetOrder(ctx, o.ClientOrderID)
	}
	return out, nil
}

// refresh pulls the broker's current status for o through the CAS path
func (s *Submitter) refresh(ctx context.Context, o *orders.Order, brokerID string) (*orders.Order, error) {
	bo, err := withRetry(ctx, s.cfg.Retry, "get_order", nil, func(ctx context.Context) (*broker.Order, error) {
		return s.broker.GetOrder(ctx, brokerID)
	})
	if err != nil {
		return nil, err
	}
	u := orders.StatusUpdate{
		ClientOrderID: o.ClientOrderID,
		Status:        bo.Status,
		Source:        orders.SourceSubmitter,
		ObservedAt:    s.now(),
		BrokerOrderID: &bo.ID,
	}
	if bo.FilledQty > 0 {
		u.Fill = bo.Fill()
	}
	res, err := s.store.ApplyStatusUpdate(ctx, u)
	if err != nil {
		return nil, err
	}
	out, err := s.resultOrder(ctx, o.ClientOrderID, res)
	if err == nil && res.StatusChanged() {
		s.bus.PublishOrderUpdate(out.ClientOrderID, out.Symbol, string(out.Status), string(orders.SourceSubmitter), out.FilledQty)
	}
	return out, err
}

func (s *Submitter) applyLocal(ctx context.Context, o *orders.Order, status orders.Status, msg *string) (*orders.Order, error) {
	res, err := s.store.ApplyStatusUpdate(ctx, orders.StatusUpdate{
		ClientOrderID: o.ClientOrderID,
		Status:        status,
		Source:        orders.SourceSubmitter,
		ObservedAt:    s.now(),
		ErrorMessage:  msg,
	})
	if err != nil {
		return nil, err
	}
	out, err := s.resultOrder(ctx, o.ClientOrderID, res)
	if err == nil && res.StatusChanged() {
		s.bus.PublishOrderUpdate(out.ClientOrderID, out.Symbol, string(out.Status), string(orders.SourceSubmitter), out.FilledQty)
	}
	return out, err
}

// resultOrder returns the applied row, or the stored row when a concurrent writer won
func (s *Submitter) resultOrder(ctx context.Context, id string, res orders.UpdateResult) (*orders.Order, error) {
	if res.Applied && res.Order != nil {
		return res.Order, nil
	}
	return s.store.GetOrder(ctx, id)
}
