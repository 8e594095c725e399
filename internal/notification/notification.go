// Package notification forwards operational alerts (orphans, drift, circuit
// breaker transitions, quarantine clears) to the external alerting system.
package notification

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/LeeeWayyy/trading-platform-sub016/internal/events"
)

// NotificationType represents the type of notification
type NotificationType string

const (
	NotifyOrphan            NotificationType = "orphan_detected"
	NotifyDrift             NotificationType = "drift_corrected"
	NotifyCircuitBreaker    NotificationType = "circuit_breaker"
	NotifyQuarantineCleared NotificationType = "quarantine_cleared"
	NotifyError             NotificationType = "error"
)

// Notification represents an alert message
type Notification struct {
	Type      NotificationType `json:"type"`
	Title     string           `json:"title"`
	Message   string           `json:"message"`
	Symbol    string           `json:"symbol,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
	Extra     map[string]any   `json:"extra,omitempty"`
}

// Notifier interface for different notification providers
type Notifier interface {
	Send(notification *Notification) error
	Name() string
	IsEnabled() bool
}

// Manager fans notifications out to every enabled provider
type Manager struct {
	notifiers []Notifier
	logger    zerolog.Logger
}

// NewManager creates a new notification manager
func NewManager(logger zerolog.Logger) *Manager {
	return &Manager{
		notifiers: make([]Notifier, 0),
		logger:    logger.With().Str("component", "Notifications").Logger(),
	}
}

// AddNotifier adds a notification provider
func (m *Manager) AddNotifier(n Notifier) {
	m.notifiers = append(m.notifiers, n)
}

// Send sends a notification to all enabled providers and returns the last failure
func (m *Manager) Send(notification *Notification) error {
	var lastErr error
	for _, n := range m.notifiers {
		if !n.IsEnabled() {
			continue
		}
		if err := n.Send(notification); err != nil {
			m.logger.Error().Err(err).Str("notifier", n.Name()).Str("type", string(notification.Type)).Msg("Failed to send notification")
			lastErr = err
		}
	}
	return lastErr
}

// Attach subscribes the manager to alert events on bus
func (m *Manager) Attach(bus *events.EventBus) {
	bus.SubscribeAll(func(ev events.Event) {
		if n := FromEvent(ev); n != nil {
			_ = m.Send(n)
		}
	})
}

// FromEvent converts an alert event to a notification; nil for non-alerts
func FromEvent(ev events.Event) *Notification {
	if !ev.Type.IsAlert() {
		return nil
	}
	str := func(k string) string {
		if v, ok := ev.Data[k]; ok {
			return fmt.Sprint(v)
		}
		return ""
	}

	n := &Notification{Timestamp: ev.Timestamp, Extra: ev.Data}
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now().UTC()
	}
	switch ev.Type {
	case events.EventOrphanDetected:
		n.Type = NotifyOrphan
		n.Symbol = str("symbol")
		n.Title = "Orphan order quarantined: " + n.Symbol
		n.Message = fmt.Sprintf("Broker order %s (qty %s) has no local record; scope %s is quarantined until cleared",
			str("broker_order_id"), str("qty"), str("quarantine_scope"))
	case events.EventDriftCorrected:
		n.Type = NotifyDrift
		n.Title = "Reconciliation corrected " + str("kind")
		n.Message = str("key") + ": " + str("detail")
		if str("kind") == "position" {
			n.Symbol = str("key")
		}
	case events.EventCircuitBreakerUpdate:
		n.Type = NotifyCircuitBreaker
		n.Title = "Circuit breaker " + str("state")
		n.Message = fmt.Sprintf("%s by %s: %s", str("action"), str("actor"), str("reason"))
	case events.EventQuarantineCleared:
		n.Type = NotifyQuarantineCleared
		n.Title = "Quarantine cleared: " + str("scope")
		n.Message = fmt.Sprintf("%s orphan record(s) cleared by %s", str("cleared"), str("actor"))
	}
	return n
}

// Publisher is the subset of *nats.Conn used for alerts
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSNotifier publishes alerts as JSON on "{prefix}.{type}"
type NATSNotifier struct {
	pub    Publisher
	conn   *nats.Conn
	prefix string
}

// NewNATSNotifier connects to url and publishes under prefix
func NewNATSNotifier(url, prefix string, logger zerolog.Logger) (*NATSNotifier, error) {
	log := logger.With().Str("component", "NATSNotifier").Logger()
	opts := []nats.Option{
		nats.Name("execution-gateway"),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}
	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	n := newNATSNotifier(conn, prefix)
	n.conn = conn
	return n, nil
}

func newNATSNotifier(pub Publisher, prefix string) *NATSNotifier {
	return &NATSNotifier{pub: pub, prefix: strings.TrimSuffix(prefix, ".")}
}

func (n *NATSNotifier) Name() string {
	return "nats"
}

func (n *NATSNotifier) IsEnabled() bool {
	return n.pub != nil
}

// Subject returns the subject a notification type is published on
func (n *NATSNotifier) Subject(t NotificationType) string {
	return n.prefix + "." + string(t)
}

func (n *NATSNotifier) Send(notification *Notification) error {
	data, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	if err := n.pub.Publish(n.Subject(notification.Type), data); err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}
	return nil
}

// Close drains and closes the connection
func (n *NATSNotifier) Close() {
	if n.conn != nil {
		_ = n.conn.Drain()
		n.conn.Close()
	}
}

// LogNotifier writes alerts to the service log; used when NATS is disabled
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier creates a log-only notifier
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "Alerts").Logger()}
}

func (l *LogNotifier) Name() string {
	return "log"
}

func (l *LogNotifier) IsEnabled() bool {
	return true
}

func (l *LogNotifier) Send(notification *Notification) error {
	l.logger.Warn().
		Str("type", string(notification.Type)).
		Str("symbol", notification.Symbol).
		Str("title", notification.Title).
		Msg(notification.Message)
	return nil
}
