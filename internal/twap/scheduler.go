package twap

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/LeeeWayyy/trading-platform-sub016/internal/events"
	"github.com/LeeeWayyy/trading-platform-sub016/internal/metrics"
	"github.com/LeeeWayyy/trading-platform-sub016/internal/orders"
	"github.com/LeeeWayyy/trading-platform-sub016/internal/risk"
)

// Authorizer is the pre-trade gate, consulted fresh for every slice
type Authorizer interface {
	Authorize(ctx context.Context, a risk.Action) risk.Decision
}

// SliceSubmitter sends a stored slice row to the broker
type SliceSubmitter interface {
	SubmitExisting(ctx context.Context, row *orders.Order) (*orders.Order, error)
	Cancel(ctx context.Context, clientOrderID string) (*orders.Order, error)
}

// Request is an inbound TWAP order
type Request struct {
	Symbol         string             `json:"symbol" binding:"required"`
	Side           orders.Side        `json:"side" binding:"required"`
	TotalQty       int64              `json:"total_qty" binding:"required"`
	DurationSecs   int                `json:"duration_secs" binding:"required"`
	IntervalSecs   int                `json:"interval_secs" binding:"required"`
	OrderType      orders.OrderType   `json:"order_type"`
	LimitPrice     *float64           `json:"limit_price,omitempty"`
	TimeInForce    orders.TimeInForce `json:"time_in_force"`
	StrategyID     string             `json:"strategy_id" binding:"required"`
	MaxSliceQty    int64              `json:"max_slice_qty,omitempty"`
	ReferencePrice *float64           `json:"reference_price,omitempty"`
}

func (r *Request) orderRequest() orders.OrderRequest {
	return orders.OrderRequest{
		Symbol:         r.Symbol,
		Side:           r.Side,
		Qty:            r.TotalQty,
		OrderType:      r.OrderType,
		LimitPrice:     r.LimitPrice,
		TimeInForce:    r.TimeInForce,
		StrategyID:     r.StrategyID,
		ReferencePrice: r.ReferencePrice,
	}
}

// Schedule is a parent with its child slices
type Schedule struct {
	Parent *orders.Order   `json:"parent"`
	Slices []*orders.Order `json:"slices"`
}

// Config bounds what the scheduler accepts
type Config struct {
	MinInterval time.Duration
	MaxSlices   int
	// FireTimeout bounds one slice firing, broker retries included
	FireTimeout time.Duration
}

type stopper interface {
	Stop() bool
}

// Scheduler owns slice timing. Timers are the only in-memory state; order
// rows live in the store and cancellation flags in CancelFlags.
type Scheduler struct {
	store     orders.OrderStore
	submitter SliceSubmitter
	gate      Authorizer
	flags     CancelFlags
	keyer     *orders.IdempotencyKeyer
	cfg       Config
	bus       *events.EventBus
	logger    zerolog.Logger

	mu      sync.Mutex
	timers  map[string]map[string]stopper // parent -> slice -> timer
	parents map[string]*sync.Mutex
	baseCtx context.Context

	now       func() time.Time
	afterFunc func(d time.Duration, f func()) stopper
}

// NewScheduler creates a scheduler. bus may be nil.
func NewScheduler(store orders.OrderStore, submitter SliceSubmitter, gate Authorizer, flags CancelFlags, keyer *orders.IdempotencyKeyer, cfg Config, bus *events.EventBus, logger zerolog.Logger) *Scheduler {
	if cfg.FireTimeout <= 0 {
		cfg.FireTimeout = 30 * time.Second
	}
	return &Scheduler{
		store:     store,
		submitter: submitter,
		gate:      gate,
		flags:     flags,
		keyer:     keyer,
		cfg:       cfg,
		bus:       bus,
		logger:    logger.With().Str("component", "SliceScheduler").Logger(),
		timers:    make(map[string]map[string]stopper),
		parents:   make(map[string]*sync.Mutex),
		baseCtx:   context.Background(),
		now:       func() time.Time { return time.Now().UTC() },
		afterFunc: func(d time.Duration, f func()) stopper { return time.AfterFunc(d, f) },
	}
}

// Start binds slice firings to ctx and re-arms unsubmitted slices left by a previous run
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()
	return s.Recover(ctx)
}

// Stop disarms every pending timer. Rows are untouched and re-armed by the next Start.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for parent, slices := range s.timers {
		for _, t := range slices {
			t.Stop()
		}
		delete(s.timers, parent)
	}
}

func (s *Scheduler) parentID(req *Request) (string, error) {
	// duration and interval join the strategy token so a TWAP never collides with a plain order
	token := req.StrategyID + "|twap|" + strconv.Itoa(req.DurationSecs) + "|" + strconv.Itoa(req.IntervalSecs)
	return s.keyer.Generate(req.Symbol, req.Side, req.TotalQty, req.LimitPrice, token, s.keyer.TradeDate())
}

// Schedule plans and persists a TWAP parent with its slices, then arms one timer per slice.
// Scheduling the same request twice on one trade date returns the existing schedule.
func (s *Scheduler) Schedule(ctx context.Context, req Request) (*Schedule, error) {
	or := req.orderRequest()
	or.Normalize()
	if err := or.Validate(); err != nil {
		return nil, err
	}
	req.Symbol, req.StrategyID, req.OrderType, req.TimeInForce = or.Symbol, or.StrategyID, or.OrderType, or.TimeInForce

	duration := time.Duration(req.DurationSecs) * time.Second
	interval := time.Duration(req.IntervalSecs) * time.Second
	if s.cfg.MinInterval > 0 && interval < s.cfg.MinInterval {
		return nil, fmt.Errorf("%w: interval must be at least %s", orders.ErrInvalidOrder, s.cfg.MinInterval)
	}

	parentID, err := s.parentID(&req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", orders.ErrInvalidOrder, err)
	}
	if existing, err := s.load(ctx, parentID); err == nil {
		return existing, nil
	} else if !errors.Is(err, orders.ErrOrderNotFound) {
		return nil, err
	}

	plan, err := Plan(s.keyer, parentID, req.TotalQty, duration, interval, req.MaxSliceQty)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", orders.ErrInvalidOrder, err)
	}
	if s.cfg.MaxSlices > 0 && len(plan) > s.cfg.MaxSlices {
		return nil, fmt.Errorf("%w: plan needs %d slices, limit is %d", orders.ErrInvalidOrder, len(plan), s.cfg.MaxSlices)
	}

	// early rejection only; every slice is authorized again when it fires
	d := s.gate.Authorize(ctx, risk.Action{
		Kind:           risk.ActionNewOrder,
		StrategyID:     req.StrategyID,
		Symbol:         req.Symbol,
		Side:           req.Side,
		Qty:            req.TotalQty,
		LimitPrice:     req.LimitPrice,
		ReferencePrice: req.ReferencePrice,
	})
	if !d.Allowed {
		s.bus.PublishRiskDenied(req.Symbol, req.StrategyID, d.Code, d.Reason)
		return nil, d.Err()
	}

	now := s.now()
	total := len(plan)
	parent := orders.NewOrderRow(&orders.Order{
		ClientOrderID:  parentID,
		StrategyID:     req.StrategyID,
		Symbol:         req.Symbol,
		Side:           req.Side,
		Qty:            req.TotalQty,
		OrderType:      req.OrderType,
		LimitPrice:     req.LimitPrice,
		TimeInForce:    req.TimeInForce,
		ReferencePrice: req.ReferencePrice,
		TotalSlices:    &total,
		ScheduledAt:    &now,
	}, orders.StatusAccepted, orders.SourceScheduler, now)

	rows := []*orders.Order{parent}
	for _, sl := range plan {
		at := now.Add(sl.Offset)
		rows = append(rows, orders.NewOrderRow(&orders.Order{
			ClientOrderID:  sl.ClientOrderID,
			StrategyID:     req.StrategyID,
			Symbol:         req.Symbol,
			Side:           req.Side,
			Qty:            sl.Qty,
			OrderType:      req.OrderType,
			LimitPrice:     req.LimitPrice,
			TimeInForce:    req.TimeInForce,
			ReferencePrice: req.ReferencePrice,
			ParentOrderID:  &parentID,
			SliceNum:       orders.Ptr(sl.SliceNum),
			TotalSlices:    &total,
			ScheduledAt:    &at,
		}, orders.StatusPendingNew, orders.SourceScheduler, now))
	}

	if err := s.store.CreateOrders(ctx, rows); err != nil {
		if errors.Is(err, orders.ErrOrderExists) {
			return s.load(ctx, parentID)
		}
		return nil, fmt.Errorf("create TWAP %s: %w", parentID, err)
	}

	for _, row := range rows[1:] {
		s.arm(parentID, row)
	}

	s.logger.Info().
		Str("parent_order_id", parentID).
		Str("symbol", req.Symbol).
		Int64("total_qty", req.TotalQty).
		Int("slices", total).
		Dur("interval", interval).
		Msg("TWAP scheduled")

	return &Schedule{Parent: parent, Slices: rows[1:]}, nil
}

func (s *Scheduler) load(ctx context.Context, parentID string) (*Schedule, error) {
	parent, err := s.store.GetOrder(ctx, parentID)
	if err != nil {
		return nil, err
	}
	children, err := s.store.ListChildren(ctx, parentID)
	if err != nil {
		return nil, err
	}
	return &Schedule{Parent: parent, Slices: children}, nil
}

// Get returns a schedule by parent ID
func (s *Scheduler) Get(ctx context.Context, parentID string) (*Schedule, error) {
	return s.load(ctx, parentID)
}

func (s *Scheduler) arm(parentID string, row *orders.Order) {
	delay := time.Duration(0)
	if row.ScheduledAt != nil {
		delay = row.ScheduledAt.Sub(s.now())
	}
	if delay < 0 {
		delay = 0
	}
	sliceID := row.ClientOrderID

	s.mu.Lock()
	defer s.mu.Unlock()
	slices, ok := s.timers[parentID]
	if !ok {
		slices = make(map[string]stopper)
		s.timers[parentID] = slices
	}
	if _, armed := slices[sliceID]; armed {
		return
	}
	slices[sliceID] = s.afterFunc(delay, func() { s.fire(parentID, sliceID) })
}

func (s *Scheduler) disarm(parentID, sliceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if slices, ok := s.timers[parentID]; ok {
		delete(slices, sliceID)
		if len(slices) == 0 {
			delete(s.timers, parentID)
		}
	}
}

func (s *Scheduler) parentLock(parentID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.parents[parentID]
	if !ok {
		l = &sync.Mutex{}
		s.parents[parentID] = l
	}
	return l
}

// Pending returns the number of armed slice timers
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, slices := range s.timers {
		n += len(slices)
	}
	return n
}

func (s *Scheduler) fire(parentID, sliceID string) {
	s.mu.Lock()
	base := s.baseCtx
	s.mu.Unlock()
	ctx, cancel := context.WithTimeout(base, s.cfg.FireTimeout)
	defer cancel()
	defer s.disarm(parentID, sliceID)

	outcome := s.fireSlice(ctx, parentID, sliceID)
	metrics.SlicesFired.WithLabelValues(outcome).Inc()
	s.bus.Publish(events.Event{
		Type: events.EventSliceFired,
		Data: map[string]any{
			"parent_order_id": parentID,
			"client_order_id": sliceID,
			"outcome":         outcome,
		},
	})
	if err := s.syncParent(ctx, parentID); err != nil {
		s.logger.Warn().Err(err).Str("parent_order_id", parentID).Msg("Failed to sync TWAP parent")
	}
}

// fireSlice runs one slice and returns the outcome label
func (s *Scheduler) fireSlice(ctx context.Context, parentID, sliceID string) string {
	log := s.logger.With().Str("parent_order_id", parentID).Str("client_order_id", sliceID).Logger()

	row, err := s.store.GetOrder(ctx, sliceID)
	if err != nil {
		log.Error().Err(err).Msg("Slice row unavailable at fire time")
		return "error"
	}
	if row.IsTerminal || row.SubmittedAt != nil {
		return "skipped"
	}

	canceled, err := s.flags.IsSet(ctx, parentID)
	if err != nil {
		log.Error().Err(err).Msg("Cancel flag unavailable, slice not submitted")
		s.markSlice(ctx, row, orders.StatusFailed, "cancel flag unavailable: "+err.Error())
		return "error"
	}
	if canceled {
		s.markSlice(ctx, row, orders.StatusCanceled, "")
		return "canceled"
	}

	d := s.gate.Authorize(ctx, risk.Action{
		Kind:           risk.ActionSlice,
		StrategyID:     row.StrategyID,
		Symbol:         row.Symbol,
		Side:           row.Side,
		Qty:            row.Qty,
		LimitPrice:     row.LimitPrice,
		ReferencePrice: row.ReferencePrice,
	})
	if !d.Allowed {
		log.Warn().Str("code", d.Code).Str("reason", d.Reason).Msg("Slice denied by risk gate")
		s.markSlice(ctx, row, orders.StatusFailed, d.Code+": "+d.Reason)
		s.bus.PublishRiskDenied(row.Symbol, row.StrategyID, d.Code, d.Reason)
		return "denied"
	}

	claimed, outcome := s.claim(ctx, parentID, row)
	if claimed == nil {
		return outcome
	}

	if _, err := s.submitter.SubmitExisting(ctx, claimed); err != nil {
		switch {
		case orders.IsBrokerRejection(err):
			log.Warn().Err(err).Msg("Slice rejected by broker")
			return "rejected"
		case orders.IsBrokerTransient(err):
			log.Error().Err(err).Msg("Slice submit retries exhausted, left for reconciliation")
			return "transient"
		default:
			log.Error().Err(err).Msg("Slice submit failed")
			return "error"
		}
	}

	// a cancel that found this slice in flight could not reach it at the broker
	if canceled, err := s.flags.IsSet(ctx, parentID); err == nil && canceled {
		if _, err := s.submitter.Cancel(ctx, sliceID); err != nil && !orders.IsBrokerRejection(err) {
			log.Warn().Err(err).Msg("Cancel of in-flight slice failed, left for reconciliation")
		}
		return "canceled"
	}
	return "submitted"
}

// claim re-checks the cancellation flag and stamps the slice submitted under
// the parent lock. CancelPending sets the flag under the same lock, so a slice
// is either claimed before the flag or never claimed.
func (s *Scheduler) claim(ctx context.Context, parentID string, row *orders.Order) (*orders.Order, string) {
	l := s.parentLock(parentID)
	l.Lock()
	defer l.Unlock()

	canceled, err := s.flags.IsSet(ctx, parentID)
	if err != nil || canceled {
		s.markSlice(ctx, row, orders.StatusCanceled, "")
		return nil, "canceled"
	}

	cur, err := s.store.GetOrder(ctx, row.ClientOrderID)
	if err != nil {
		return nil, "error"
	}
	if cur.IsTerminal || cur.SubmittedAt != nil {
		return nil, "skipped"
	}
	now := s.now()
	if err := s.store.MarkSubmitted(ctx, cur.ClientOrderID, now); err != nil {
		return nil, "error"
	}
	cur.SubmittedAt = &now
	return cur, ""
}

func (s *Scheduler) markSlice(ctx context.Context, row *orders.Order, status orders.Status, msg string) {
	u := orders.StatusUpdate{
		ClientOrderID: row.ClientOrderID,
		Status:        status,
		Source:        orders.SourceScheduler,
		ObservedAt:    s.now(),
	}
	if msg != "" {
		u.ErrorMessage = &msg
	}
	if _, err := s.store.ApplyStatusUpdate(ctx, u); err != nil {
		s.logger.Error().Err(err).Str("client_order_id", row.ClientOrderID).Str("status", string(status)).Msg("Failed to update slice")
		return
	}
	s.bus.PublishOrderUpdate(row.ClientOrderID, row.Symbol, string(status), string(orders.SourceScheduler), row.FilledQty)
}

// CancelPending stops a TWAP. The flag is set first, then every unsubmitted
// slice is marked canceled in the store, and only then are timers removed.
// Slices already handed to the broker are canceled at the broker.
func (s *Scheduler) CancelPending(ctx context.Context, parentID string) (*Schedule, error) {
	parent, err := s.store.GetOrder(ctx, parentID)
	if err != nil {
		return nil, err
	}
	if !parent.IsTWAPParent() {
		return nil, fmt.Errorf("%w: %s is not a TWAP parent", orders.ErrInvalidOrder, parentID)
	}

	l := s.parentLock(parentID)
	l.Lock()
	err = s.flags.Set(ctx, parentID)
	l.Unlock()
	if err != nil {
		return nil, fmt.Errorf("set cancel flag for %s: %w", parentID, err)
	}

	children, err := s.store.ListChildren(ctx, parentID)
	if err != nil {
		return nil, err
	}
	var firstErr error
	for _, c := range children {
		if c.IsTerminal {
			continue
		}
		if c.SubmittedAt == nil {
			s.markSlice(ctx, c, orders.StatusCanceled, "")
			continue
		}
		if _, err := s.submitter.Cancel(ctx, c.ClientOrderID); err != nil && !orders.IsBrokerRejection(err) {
			s.logger.Warn().Err(err).Str("client_order_id", c.ClientOrderID).Msg("Broker cancel of submitted slice failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if _, err := s.store.ApplyStatusUpdate(ctx, orders.StatusUpdate{
		ClientOrderID: parentID,
		Status:        orders.StatusCanceled,
		Source:        orders.SourceScheduler,
		ObservedAt:    s.now(),
	}); err != nil {
		return nil, err
	}

	s.mu.Lock()
	for _, t := range s.timers[parentID] {
		t.Stop()
	}
	delete(s.timers, parentID)
	delete(s.parents, parentID)
	s.mu.Unlock()

	s.logger.Info().Str("parent_order_id", parentID).Msg("TWAP canceled")

	out, err := s.load(ctx, parentID)
	if err != nil {
		return nil, err
	}
	return out, firstErr
}

// syncParent closes a parent whose slices are all terminal: filled when the
// slices filled the whole quantity, canceled otherwise. Fills are never
// written to the parent row so the position ledger counts each share once.
func (s *Scheduler) syncParent(ctx context.Context, parentID string) error {
	parent, err := s.store.GetOrder(ctx, parentID)
	if err != nil || parent.IsTerminal {
		return err
	}
	children, err := s.store.ListChildren(ctx, parentID)
	if err != nil {
		return err
	}
	var filled int64
	for _, c := range children {
		if !c.IsTerminal {
			return nil
		}
		filled += c.FilledQty
	}
	status := orders.StatusCanceled
	if filled >= parent.Qty {
		status = orders.StatusFilled
	}
	_, err = s.store.ApplyStatusUpdate(ctx, orders.StatusUpdate{
		ClientOrderID: parentID,
		Status:        status,
		Source:        orders.SourceScheduler,
		ObservedAt:    s.now(),
	})
	if err == nil {
		s.mu.Lock()
		delete(s.parents, parentID)
		s.mu.Unlock()
	}
	return err
}

// SyncParents closes every open parent whose slices have all finished
func (s *Scheduler) SyncParents(ctx context.Context) error {
	open, err := s.store.ListNonTerminal(ctx)
	if err != nil {
		return err
	}
	for _, o := range open {
		if o.IsTWAPParent() {
			if err := s.syncParent(ctx, o.ClientOrderID); err != nil {
				return err
			}
		}
	}
	return nil
}

// Recover re-arms unsubmitted slices of open parents. Slices already stamped
// submitted are left to reconciliation.
func (s *Scheduler) Recover(ctx context.Context) error {
	open, err := s.store.ListNonTerminal(ctx)
	if err != nil {
		return err
	}
	armed := 0
	for _, o := range open {
		if !o.IsSlice() || o.SubmittedAt != nil || o.Status != orders.StatusPendingNew {
			continue
		}
		parentID := *o.ParentOrderID
		canceled, err := s.flags.IsSet(ctx, parentID)
		if err != nil {
			return err
		}
		if canceled {
			s.markSlice(ctx, o, orders.StatusCanceled, "")
			continue
		}
		s.arm(parentID, o)
		armed++
	}
	if armed > 0 {
		s.logger.Info().Int("slices", armed).Msg("Re-armed TWAP slices")
	}
	return nil
}
