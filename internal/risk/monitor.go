package risk

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/LeeeWayyy/trading-platform-sub016/internal/broker"
	"github.com/LeeeWayyy/trading-platform-sub016/internal/circuit"
	"github.com/LeeeWayyy/trading-platform-sub016/internal/orders"
)

// MonitorActor is recorded as the actor of automatic trips
const MonitorActor = "post_trade_monitor"

// MonitorConfig holds post-trade thresholds. Zero values disable a check.
type MonitorConfig struct {
	Interval       time.Duration
	DailyLossLimit float64 // absolute currency
	MaxDrawdownPct float64 // fraction of peak equity
	Staleness      time.Duration
}

// AccountSource returns an account equity snapshot
type AccountSource interface {
	GetAccount(ctx context.Context) (*broker.Account, error)
}

// Tripper trips the circuit breaker
type Tripper interface {
	Trip(ctx context.Context, reason, actor string) (*circuit.Record, error)
}

// PostTradeMonitor periodically evaluates loss, drawdown and data staleness
// and trips the breaker on any breach
type PostTradeMonitor struct {
	cfg     MonitorConfig
	account AccountSource
	store   orders.OrderStore
	tripper Tripper
	logger  zerolog.Logger
	now     func() time.Time

	mu         sync.Mutex
	peakEquity float64
}

// NewPostTradeMonitor creates a monitor
func NewPostTradeMonitor(cfg MonitorConfig, account AccountSource, store orders.OrderStore, tripper Tripper, logger zerolog.Logger) *PostTradeMonitor {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	return &PostTradeMonitor{
		cfg:     cfg,
		account: account,
		store:   store,
		tripper: tripper,
		logger:  logger.With().Str("component", "PostTradeMonitor").Logger(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Run evaluates on every interval until ctx is done
func (m *PostTradeMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.logger.Info().Dur("interval", m.cfg.Interval).Msg("Post-trade monitor started")
	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("Post-trade monitor stopped")
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check runs one evaluation and trips the breaker if anything is breached
func (m *PostTradeMonitor) Check(ctx context.Context) []string {
	breaches, err := m.ActiveBreaches(ctx)
	if err != nil {
		m.logger.Error().Err(err).Msg("Post-trade evaluation failed")
	}
	if len(breaches) == 0 {
		return nil
	}
	if _, err := m.tripper.Trip(ctx, strings.Join(breaches, "; "), MonitorActor); err != nil {
		m.logger.Error().Err(err).Strs("breaches", breaches).Msg("Failed to trip circuit breaker")
	}
	return breaches
}

// ActiveBreaches returns every currently breached condition. It also serves
// as the breaker's reset-time condition check.
func (m *PostTradeMonitor) ActiveBreaches(ctx context.Context) ([]string, error) {
	var breaches []string

	acct, err := m.account.GetAccount(ctx)
	if err != nil {
		return nil, fmt.Errorf("account snapshot: %w", err)
	}
	breaches = append(breaches, m.checkEquity(acct)...)

	if m.cfg.Staleness > 0 {
		stale, err := m.staleSymbols(ctx)
		if err != nil {
			return breaches, fmt.Errorf("position staleness: %w", err)
		}
		if len(stale) > 0 {
			breaches = append(breaches, fmt.Sprintf("no price update within %s for %s", m.cfg.Staleness, strings.Join(stale, ",")))
		}
	}
	return breaches, nil
}

func (m *PostTradeMonitor) checkEquity(acct *broker.Account) []string {
	var out []string

	if m.cfg.DailyLossLimit > 0 {
		if loss := -acct.DailyPnL(); loss > m.cfg.DailyLossLimit {
			out = append(out, fmt.Sprintf("daily loss %.2f exceeds limit %.2f", loss, m.cfg.DailyLossLimit))
		}
	}

	m.mu.Lock()
	if acct.Equity > m.peakEquity {
		m.peakEquity = acct.Equity
	}
	if acct.LastEquity > m.peakEquity {
		m.peakEquity = acct.LastEquity
	}
	peak := m.peakEquity
	m.mu.Unlock()

	if m.cfg.MaxDrawdownPct > 0 && peak > 0 {
		if dd := (peak - acct.Equity) / peak; dd > m.cfg.MaxDrawdownPct {
			out = append(out, fmt.Sprintf("drawdown %.2f%% from peak %.2f exceeds %.2f%%", dd*100, peak, m.cfg.MaxDrawdownPct*100))
		}
	}
	return out
}

func (m *PostTradeMonitor) staleSymbols(ctx context.Context) ([]string, error) {
	positions, err := m.store.ListPositions(ctx)
	if err != nil {
		return nil, err
	}
	cutoff := m.now().Add(-m.cfg.Staleness)
	var stale []string
	for _, p := range positions {
		if p.Qty != 0 && p.UpdatedAt.Before(cutoff) {
			stale = append(stale, p.Symbol)
		}
	}
	return stale, nil
}

// PeakEquity returns the highest equity observed so far
func (m *PostTradeMonitor) PeakEquity() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peakEquity
}
