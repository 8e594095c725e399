// Package reconcile keeps the local order and position ledger consistent with
// the broker. It gates startup, runs a periodic diff-and-heal loop, and
// quarantines broker orders that have no local record.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/LeeeWayyy/trading-platform-sub016/internal/broker"
	"github.com/LeeeWayyy/trading-platform-sub016/internal/events"
	"github.com/LeeeWayyy/trading-platform-sub016/internal/execution"
	"github.com/LeeeWayyy/trading-platform-sub016/internal/metrics"
	"github.com/LeeeWayyy/trading-platform-sub016/internal/orders"
)

const (
	ModeStartup  = "startup"
	ModePeriodic = "periodic"

	PolicyDegraded = "degraded"
	PolicyFail     = "fail"
)

// ErrStartupDeadline is returned by RunStartup under the fail policy
var ErrStartupDeadline = errors.New("startup reconciliation did not complete")

// Committer finishes a replace the broker already accepted
type Committer interface {
	Commit(ctx context.Context, mod *orders.OrderModification, orig *orders.Order, brokerOrderID string) (*execution.ModifyResult, error)
}

// ParentSyncer closes TWAP parents whose slices have all finished
type ParentSyncer interface {
	SyncParents(ctx context.Context) error
}

// Config controls reconciliation timing and policy
type Config struct {
	Interval        time.Duration
	StartupDeadline time.Duration
	StartupPolicy   string
	// SubmitGrace is how long an order handed to the broker may stay unknown there
	SubmitGrace time.Duration
	// KnownStrategies are matched as client order ID prefixes to attribute orphans
	KnownStrategies []string
}

// Report summarizes one reconciliation pass
type Report struct {
	Mode                   string        `json:"mode"`
	StartedAt              time.Time     `json:"started_at"`
	Duration               time.Duration `json:"duration"`
	OrdersChecked          int           `json:"orders_checked"`
	OrdersCorrected        int           `json:"orders_corrected"`
	OrdersFailed           int           `json:"orders_failed"`
	Orphans                int           `json:"orphans"`
	ModificationsRecovered int           `json:"modifications_recovered"`
	ModificationsFailed    int           `json:"modifications_failed"`
	PositionsHealed        int           `json:"positions_healed"`
	Errors                 []string      `json:"errors,omitempty"`
}

func (r *Report) addErr(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// Service reconciles local state with the broker
type Service struct {
	store     orders.OrderStore
	broker    broker.Broker
	committer Committer
	parents   ParentSyncer
	cfg       Config
	bus       *events.EventBus
	logger    zerolog.Logger

	ready atomic.Bool
	runMu sync.Mutex

	lastMu sync.RWMutex
	last   *Report

	now func() time.Time
}

// NewService creates a reconciliation service. committer, parents and bus may be nil.
func NewService(store orders.OrderStore, b broker.Broker, committer Committer, parents ParentSyncer, cfg Config, bus *events.EventBus, logger zerolog.Logger) *Service {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.StartupPolicy == "" {
		cfg.StartupPolicy = PolicyDegraded
	}
	metrics.StartupReady.Set(0)
	return &Service{
		store:     store,
		broker:    b,
		committer: committer,
		parents:   parents,
		cfg:       cfg,
		bus:       bus,
		logger:    logger.With().Str("component", "Reconciler").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// StartupComplete reports whether a full startup pass has finished cleanly
func (s *Service) StartupComplete() bool {
	return s.ready.Load()
}

// LastReport returns the most recent pass summary, or nil before the first pass
func (s *Service) LastReport() *Report {
	s.lastMu.RLock()
	defer s.lastMu.RUnlock()
	return s.last
}

func (s *Service) markReady() {
	if s.ready.CompareAndSwap(false, true) {
		metrics.StartupReady.Set(1)
		s.logger.Info().Msg("Startup reconciliation complete, accepting new orders")
	}
}

// RunStartup runs the gating pass under the startup deadline. Under the
// degraded policy a failed or late pass leaves the service not ready and
// returns nil; the periodic loop keeps retrying. Under the fail policy the
// error is returned so the caller can abort startup.
func (s *Service) RunStartup(ctx context.Context) error {
	if s.cfg.StartupDeadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.StartupDeadline)
		defer cancel()
	}

	rep, err := s.Reconcile(ctx, ModeStartup)
	if err == nil {
		s.markReady()
		return nil
	}

	s.logger.Error().Err(err).
		Str("policy", s.cfg.StartupPolicy).
		Strs("errors", reportErrors(rep)).
		Msg("Startup reconciliation incomplete, new orders denied")
	if s.cfg.StartupPolicy == PolicyFail {
		return fmt.Errorf("%w: %v", ErrStartupDeadline, err)
	}
	return nil
}

func reportErrors(r *Report) []string {
	if r == nil {
		return nil
	}
	return r.Errors
}

// Run executes periodic passes until ctx is done. While startup is not
// complete each tick is treated as another startup attempt.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", s.cfg.Interval).Msg("Reconciliation loop started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("Reconciliation loop stopped")
			return
		case <-ticker.C:
			mode := ModePeriodic
			if !s.StartupComplete() {
				mode = ModeStartup
			}
			if _, err := s.Reconcile(ctx, mode); err != nil {
				s.logger.Warn().Err(err).Str("mode", mode).Msg("Reconciliation pass had errors")
				continue
			}
			if mode == ModeStartup {
				s.markReady()
			}
		}
	}
}

// Reconcile runs one full pass: per-order status, orphans, pending
// modifications, positions, then TWAP parents. Passes never overlap.
// The error is non-nil if any step could not reach the broker or store.
func (s *Service) Reconcile(ctx context.Context, mode string) (*Report, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	rep := &Report{Mode: mode, StartedAt: s.now()}
	err := s.pass(ctx, rep)
	rep.Duration = s.now().Sub(rep.StartedAt)

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.ReconciliationRuns.WithLabelValues(mode, outcome).Inc()

	s.lastMu.Lock()
	s.last = rep
	s.lastMu.Unlock()

	s.bus.Publish(events.Event{
		Type: events.EventReconciliationRun,
		Data: map[string]any{
			"mode":             mode,
			"outcome":          outcome,
			"orders_checked":   rep.OrdersChecked,
			"orders_corrected": rep.OrdersCorrected,
			"orphans":          rep.Orphans,
			"positions_healed": rep.PositionsHealed,
		},
	})

	log := s.logger.Info()
	if err != nil {
		log = s.logger.Warn().Err(err)
	}
	log.Str("mode", mode).
		Int("orders_checked", rep.OrdersChecked).
		Int("orders_corrected", rep.OrdersCorrected).
		Int("orphans", rep.Orphans).
		Int("modifications_recovered", rep.ModificationsRecovered).
		Int("positions_healed", rep.PositionsHealed).
		Dur("duration", rep.Duration).
		Msg("Reconciliation pass finished")
	return rep, err
}

func (s *Service) pass(ctx context.Context, rep *Report) error {
	open, err := s.broker.ListOpenOrders(ctx)
	if err != nil {
		rep.addErr("list open orders: %v", err)
		return fmt.Errorf("list broker open orders: %w", err)
	}

	if err := s.reconcileOrders(ctx, rep); err != nil {
		return err
	}
	if err := s.reconcileOrphans(ctx, open, rep); err != nil {
		return err
	}
	if err := s.sweepModifications(ctx, rep); err != nil {
		return err
	}
	if err := s.reconcilePositions(ctx, rep); err != nil {
		return err
	}
	if s.parents != nil {
		if err := s.parents.SyncParents(ctx); err != nil {
			rep.addErr("sync TWAP parents: %v", err)
			return fmt.Errorf("sync TWAP parents: %w", err)
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if len(rep.Errors) > 0 {
		return fmt.Errorf("%d reconciliation errors, first: %s", len(rep.Errors), rep.Errors[0])
	}
	return nil
}

// reconcileOrders queries every non-terminal local order individually and
// applies the broker's view through the store's CAS update
func (s *Service) reconcileOrders(ctx context.Context, rep *Report) error {
	local, err := s.store.ListNonTerminal(ctx)
	if err != nil {
		rep.addErr("list local orders: %v", err)
		return fmt.Errorf("list local orders: %w", err)
	}

	for _, o := range local {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// parents never reach the broker; unsubmitted slices belong to the scheduler
		if o.IsTWAPParent() || (o.BrokerOrderID == nil && o.SubmittedAt == nil) {
			continue
		}
		rep.OrdersChecked++

		bo, err := s.lookup(ctx, o)
		switch {
		case broker.IsNotFound(err):
			s.handleUnknownAtBroker(ctx, o, rep)
			continue
		case err != nil:
			rep.addErr("query %s: %v", o.ClientOrderID, err)
			continue
		}

		brokerID := bo.ID
		res, err := s.store.ApplyStatusUpdate(ctx, orders.StatusUpdate{
			ClientOrderID: o.ClientOrderID,
			Status:        bo.Status,
			Source:        orders.SourceReconciliation,
			ObservedAt:    s.now(),
			Fill:          bo.Fill(),
			BrokerOrderID: &brokerID,
		})
		if err != nil {
			rep.addErr("apply %s: %v", o.ClientOrderID, err)
			continue
		}
		if res.Applied && (res.StatusChanged() || res.FillDelta > 0) {
			rep.OrdersCorrected++
			s.drift("order", o.ClientOrderID, fmt.Sprintf("%s -> %s, filled %d", res.Previous, res.Order.Status, res.Order.FilledQty))
			s.bus.PublishOrderUpdate(o.ClientOrderID, o.Symbol, string(res.Order.Status), string(orders.SourceReconciliation), res.Order.FilledQty)
		}
	}
	return nil
}

func (s *Service) lookup(ctx context.Context, o *orders.Order) (*broker.Order, error) {
	if o.BrokerOrderID != nil {
		return s.broker.GetOrder(ctx, *o.BrokerOrderID)
	}
	return s.broker.GetOrderByClientID(ctx, o.ClientOrderID)
}

// handleUnknownAtBroker fails an order the broker never received once the
// submit grace period has passed. Orders with a broker ID are left alone.
func (s *Service) handleUnknownAtBroker(ctx context.Context, o *orders.Order, rep *Report) {
	if o.BrokerOrderID != nil {
		rep.addErr("broker order %s for %s not found", *o.BrokerOrderID, o.ClientOrderID)
		return
	}
	if o.SubmittedAt == nil || s.now().Sub(*o.SubmittedAt) < s.cfg.SubmitGrace {
		return
	}
	msg := "broker has no record of order after submit grace period"
	res, err := s.store.ApplyStatusUpdate(ctx, orders.StatusUpdate{
		ClientOrderID: o.ClientOrderID,
		Status:        orders.StatusFailed,
		Source:        orders.SourceReconciliation,
		ObservedAt:    s.now(),
		ErrorMessage:  &msg,
	})
	if err != nil {
		rep.addErr("fail %s: %v", o.ClientOrderID, err)
		return
	}
	if res.Applied {
		rep.OrdersFailed++
		s.drift("order", o.ClientOrderID, "never reached broker, marked failed")
		s.bus.PublishOrderUpdate(o.ClientOrderID, o.Symbol, string(orders.StatusFailed), string(orders.SourceReconciliation), o.FilledQty)
	}
}

func (s *Service) drift(kind, key, detail string) {
	metrics.ReconciliationDrift.WithLabelValues(kind).Inc()
	s.logger.Warn().Str("kind", kind).Str("key", key).Str("detail", detail).Msg("Drift corrected")
	s.bus.PublishDrift(kind, key, detail)
}
