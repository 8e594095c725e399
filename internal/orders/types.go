package orders

import (
	"encoding/json"
	"strings"
	"time"
)

// Side is the order direction
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid reports whether the side is one of buy/sell
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Sign returns +1 for buys and -1 for sells
func (s Side) Sign() int64 {
	if s == SideSell {
		return -1
	}
	return 1
}

// OrderType is the broker order type
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// TimeInForce is the broker time-in-force
type TimeInForce string

const (
	TIFDay TimeInForce = "day"
	TIFGTC TimeInForce = "gtc"
	TIFIOC TimeInForce = "ioc"
	TIFFOK TimeInForce = "fok"
)

// Status is the lifecycle status of an order
type Status string

const (
	StatusDryRun          Status = "dry_run"
	StatusPendingNew      Status = "pending_new"
	StatusAccepted        Status = "accepted"
	StatusPartiallyFilled Status = "partially_filled"
	StatusFilled          Status = "filled"
	StatusCanceled        Status = "canceled"
	StatusRejected        Status = "rejected"
	StatusExpired         Status = "expired"
	StatusReplaced        Status = "replaced"
	StatusFailed          Status = "failed"
)

// statusRanks orders the enum; every terminal status shares the top rank.
var statusRanks = map[Status]int{
	StatusPendingNew:      1,
	StatusAccepted:        2,
	StatusPartiallyFilled: 3,
	StatusDryRun:          4,
	StatusFilled:          4,
	StatusCanceled:        4,
	StatusRejected:        4,
	StatusExpired:         4,
	StatusReplaced:        4,
	StatusFailed:          4,
}

// Rank returns the monotonic ordering position of a status (0 for unknown)
func (s Status) Rank() int {
	return statusRanks[s]
}

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	_, ok := statusRanks[s]
	return ok
}

// IsTerminal reports whether no further status transition is allowed
func (s Status) IsTerminal() bool {
	switch s {
	case StatusDryRun, StatusFilled, StatusCanceled, StatusRejected,
		StatusExpired, StatusReplaced, StatusFailed:
		return true
	}
	return false
}

// Source identifies the subsystem writing a status update
type Source string

const (
	SourceSubmitter      Source = "submitter"
	SourceScheduler      Source = "scheduler"
	SourceReconciliation Source = "reconciliation"
	SourceWebhook        Source = "webhook"
)

// Priority returns the tie-break priority: webhook > reconciliation > submitter
func (s Source) Priority() int {
	switch s {
	case SourceWebhook:
		return 3
	case SourceReconciliation:
		return 2
	case SourceSubmitter, SourceScheduler:
		return 1
	}
	return 0
}

// Order is one client-generated order attempt
type Order struct {
	ClientOrderID string      `json:"client_order_id"`
	StrategyID    string      `json:"strategy_id"`
	Symbol        string      `json:"symbol"`
	Side          Side        `json:"side"`
	Qty           int64       `json:"qty"`
	OrderType     OrderType   `json:"order_type"`
	LimitPrice    *float64    `json:"limit_price,omitempty"`
	TimeInForce   TimeInForce `json:"time_in_force"`
	Status        Status      `json:"status"`
	BrokerOrderID *string     `json:"broker_order_id,omitempty"`

	// ReferencePrice prices a market order for exposure checks made after submission time
	ReferencePrice *float64 `json:"reference_price,omitempty"`

	// TWAP linkage. A parent carries TotalSlices with no ParentOrderID.
	ParentOrderID *string    `json:"parent_order_id,omitempty"`
	SliceNum      *int       `json:"slice_num,omitempty"`
	TotalSlices   *int       `json:"total_slices,omitempty"`
	ScheduledAt   *time.Time `json:"scheduled_at,omitempty"`

	ReplacedOrderID *string `json:"replaced_order_id,omitempty"`

	FilledQty      int64   `json:"filled_qty"`
	FilledAvgPrice float64 `json:"filled_avg_price"`
	RetryCount     int     `json:"retry_count"`
	ErrorMessage   *string `json:"error_message,omitempty"`

	LastUpdatedAt  time.Time  `json:"last_updated_at"`
	IsTerminal     bool       `json:"is_terminal"`
	StatusRank     int        `json:"status_rank"`
	SourcePriority int        `json:"source_priority"`
	CreatedAt      time.Time  `json:"created_at"`
	SubmittedAt    *time.Time `json:"submitted_at,omitempty"`
}

// IsTWAPParent reports whether the row is a logical TWAP parent that never reaches the broker
func (o *Order) IsTWAPParent() bool {
	return o.TotalSlices != nil && o.ParentOrderID == nil
}

// IsSlice reports whether the row is a TWAP child
func (o *Order) IsSlice() bool {
	return o.ParentOrderID != nil
}

// RemainingQty returns the unfilled portion of the order
func (o *Order) RemainingQty() int64 {
	if o.FilledQty >= o.Qty {
		return 0
	}
	return o.Qty - o.FilledQty
}

// Clone returns a deep copy so callers never share pointer fields with a store
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	c := *o
	c.LimitPrice = clonePtr(o.LimitPrice)
	c.ReferencePrice = clonePtr(o.ReferencePrice)
	c.BrokerOrderID = clonePtr(o.BrokerOrderID)
	c.ParentOrderID = clonePtr(o.ParentOrderID)
	c.SliceNum = clonePtr(o.SliceNum)
	c.TotalSlices = clonePtr(o.TotalSlices)
	c.ScheduledAt = clonePtr(o.ScheduledAt)
	c.ReplacedOrderID = clonePtr(o.ReplacedOrderID)
	c.ErrorMessage = clonePtr(o.ErrorMessage)
	c.SubmittedAt = clonePtr(o.SubmittedAt)
	return &c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Ptr returns a pointer to v
func Ptr[T any](v T) *T {
	return &v
}

// Position is the local per-symbol ledger row, mutated only by confirmed fills
type Position struct {
	Symbol        string     `json:"symbol"`
	Qty           int64      `json:"qty"`
	AvgEntryPrice float64    `json:"avg_entry_price"`
	CurrentPrice  *float64   `json:"current_price,omitempty"`
	UnrealizedPL  float64    `json:"unrealized_pl"`
	RealizedPL    float64    `json:"realized_pl"`
	UpdatedAt     time.Time  `json:"updated_at"`
	LastTradeAt   *time.Time `json:"last_trade_at,omitempty"`
}

// Unchanged reports whether p still matches the earlier read seen
func (p *Position) Unchanged(seen *Position) bool {
	return p.Qty == seen.Qty &&
		p.AvgEntryPrice == seen.AvgEntryPrice &&
		p.RealizedPL == seen.RealizedPL &&
		p.UpdatedAt.Equal(seen.UpdatedAt)
}

// OrphanOrder is a broker-visible order with no local record
type OrphanOrder struct {
	BrokerOrderID   string    `json:"broker_order_id"`
	ClientOrderID   string    `json:"client_order_id,omitempty"`
	Symbol          string    `json:"symbol"`
	QuarantineScope string    `json:"quarantine_scope"`
	Side            Side      `json:"side"`
	Qty             int64     `json:"qty"`
	Status          string    `json:"status"`
	DiscoveredAt    time.Time `json:"discovered_at"`
}

// QuarantineScope builds the "{strategy}:{symbol}" key; an empty strategy yields the fail-closed "*:{symbol}"
func QuarantineScope(strategyID, symbol string) string {
	if strategyID == "" {
		strategyID = WildcardStrategy
	}
	return strategyID + ":" + symbol
}

// WildcardStrategy marks a quarantine that applies to every strategy for a symbol
const WildcardStrategy = "*"

// ModificationStatus is the state of a replace attempt
type ModificationStatus string

const (
	ModificationPending   ModificationStatus = "pending"
	ModificationCompleted ModificationStatus = "completed"
	ModificationFailed    ModificationStatus = "failed"
)

// ChangeSet holds the fields a replace may alter
type ChangeSet struct {
	Qty         *int64       `json:"qty,omitempty"`
	LimitPrice  *float64     `json:"limit_price,omitempty"`
	TimeInForce *TimeInForce `json:"time_in_force,omitempty"`
}

// IsEmpty reports whether the change set alters nothing
func (c ChangeSet) IsEmpty() bool {
	return c.Qty == nil && c.LimitPrice == nil && c.TimeInForce == nil
}

// JSON renders the change set for persistence
func (c ChangeSet) JSON() []byte {
	b, _ := json.Marshal(c)
	return b
}

// OrderModification is the audit row for one replace attempt
type OrderModification struct {
	ID                    int64              `json:"id"`
	OriginalClientOrderID string             `json:"original_client_order_id"`
	NewClientOrderID      string             `json:"new_client_order_id"`
	ModificationSequence  int                `json:"modification_sequence"`
	IdempotencyKey        string             `json:"idempotency_key"`
	Status                ModificationStatus `json:"status"`
	ChangeSet             ChangeSet          `json:"change_set"`
	ErrorMessage          *string            `json:"error_message,omitempty"`
	CreatedAt             time.Time          `json:"created_at"`
	CompletedAt           *time.Time         `json:"completed_at,omitempty"`
}

// OrderRequest is an inbound single-order request
type OrderRequest struct {
	Symbol      string      `json:"symbol" binding:"required"`
	Side        Side        `json:"side" binding:"required"`
	Qty         int64       `json:"qty" binding:"required"`
	OrderType   OrderType   `json:"order_type"`
	LimitPrice  *float64    `json:"limit_price,omitempty"`
	TimeInForce TimeInForce `json:"time_in_force"`
	StrategyID  string      `json:"strategy_id" binding:"required"`

	// ReferencePrice prices a market order for exposure checks; it is not part of the ID
	ReferencePrice *float64 `json:"reference_price,omitempty"`
}

// Normalize upper-cases the symbol and fills defaults for optional fields
func (r *OrderRequest) Normalize() {
	r.Symbol = strings.ToUpper(strings.TrimSpace(r.Symbol))
	r.StrategyID = strings.TrimSpace(r.StrategyID)
	if r.OrderType == "" {
		r.OrderType = OrderTypeMarket
	}
	if r.TimeInForce == "" {
		r.TimeInForce = TIFDay
	}
}

// Validate rejects malformed requests before an id is derived
func (r *OrderRequest) Validate() error {
	switch {
	case r.Symbol == "":
		return wrapInvalid("symbol is required")
	case !r.Side.Valid():
		return wrapInvalid("side must be buy or sell")
	case r.Qty <= 0:
		return wrapInvalid("qty must be positive")
	case r.StrategyID == "":
		return wrapInvalid("strategy_id is required")
	}
	switch r.OrderType {
	case OrderTypeMarket:
		if r.LimitPrice != nil {
			return wrapInvalid("market orders cannot carry a limit price")
		}
	case OrderTypeLimit:
		if r.LimitPrice == nil || *r.LimitPrice <= 0 {
			return wrapInvalid("limit orders require a positive limit_price")
		}
	default:
		return wrapInvalid("unsupported order_type " + string(r.OrderType))
	}
	return nil
}

// FillReport carries cumulative fill figures as reported by the broker
type FillReport struct {
	FilledQty      int64   `json:"filled_qty"`
	FilledAvgPrice float64 `json:"filled_avg_price"`
}

// StatusUpdate is the single input to the store's compare-and-set update
type StatusUpdate struct {
	ClientOrderID string
	Status        Status
	Source        Source
	ObservedAt    time.Time
	Fill          *FillReport
	BrokerOrderID *string
	ErrorMessage  *string
}
