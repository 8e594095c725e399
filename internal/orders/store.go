package orders

import (
	"context"
	"errors"
	"time"
)

// ErrModificationNotFound is returned when no modification row matches
var ErrModificationNotFound = errors.New("modification not found")

// OrderStore is the authoritative local ledger. Every order mutation after
// creation goes through ApplyStatusUpdate; positions change only with fills.
type OrderStore interface {
	// CreateOrder inserts a new row; ErrOrderExists if the client order ID is taken
	CreateOrder(ctx context.Context, o *Order) error
	// CreateOrders inserts rows all-or-nothing (TWAP parent plus children)
	CreateOrders(ctx context.Context, rows []*Order) error
	GetOrder(ctx context.Context, clientOrderID string) (*Order, error)
	GetOrderByBrokerID(ctx context.Context, brokerOrderID string) (*Order, error)
	ListNonTerminal(ctx context.Context) ([]*Order, error)
	ListChildren(ctx context.Context, parentOrderID string) ([]*Order, error)
	ListOrders(ctx context.Context, limit int) ([]*Order, error)

	// ApplyStatusUpdate is the single conflict-resolution point for status and fills
	ApplyStatusUpdate(ctx context.Context, u StatusUpdate) (UpdateResult, error)
	// RecordSubmitAttempt stores retry bookkeeping without touching status
	RecordSubmitAttempt(ctx context.Context, clientOrderID string, retryCount int, errMsg string) error
	// MarkSubmitted stamps the time an order was handed to the broker
	MarkSubmitted(ctx context.Context, clientOrderID string, at time.Time) error

	GetPosition(ctx context.Context, symbol string) (*Position, error)
	ListPositions(ctx context.Context) ([]*Position, error)
	UpsertPosition(ctx context.Context, p *Position) error
	// HealPosition writes next over the row last read as seen, keeping the
	// stored realized P&L. It returns false without writing when the row
	// moved since seen was read.
	HealPosition(ctx context.Context, seen, next *Position) (bool, error)

	// CreateOrphan records a quarantined broker order; false if it was already known
	CreateOrphan(ctx context.Context, o *OrphanOrder) (bool, error)
	ListOrphans(ctx context.Context) ([]*OrphanOrder, error)
	IsQuarantined(ctx context.Context, strategyID, symbol string) (bool, error)
	ClearQuarantine(ctx context.Context, scope string) (int, error)

	GetModificationByKey(ctx context.Context, originalID, idempotencyKey string) (*OrderModification, error)
	GetModificationByNewID(ctx context.Context, newClientOrderID string) (*OrderModification, error)
	NextModificationSequence(ctx context.Context, originalID string) (int, error)
	// InsertModification adds a pending row; ErrModificationExists on a duplicate key or sequence
	InsertModification(ctx context.Context, m *OrderModification) error
	ListPendingModifications(ctx context.Context, createdBefore time.Time) ([]*OrderModification, error)
	// CompleteModification marks m completed, the original replaced, and inserts the replacement row
	CompleteModification(ctx context.Context, modID int64, replacement *Order, at time.Time) error
	FailModification(ctx context.Context, modID int64, reason string, at time.Time) error
}

// ReplacementFor builds the new order row for a completed replace
func ReplacementFor(orig *Order, m *OrderModification, brokerOrderID string, now time.Time) *Order {
	next := &Order{
		ClientOrderID:  m.NewClientOrderID,
		StrategyID:     orig.StrategyID,
		Symbol:         orig.Symbol,
		Side:           orig.Side,
		Qty:            orig.Qty,
		OrderType:      orig.OrderType,
		LimitPrice:     clonePtr(orig.LimitPrice),
		TimeInForce:    orig.TimeInForce,
		ReferencePrice: clonePtr(orig.ReferencePrice),
		ParentOrderID:  clonePtr(orig.ParentOrderID),
		SliceNum:       clonePtr(orig.SliceNum),
		TotalSlices:    clonePtr(orig.TotalSlices),
		SubmittedAt:    &now,
	}
	if m.ChangeSet.Qty != nil {
		next.Qty = *m.ChangeSet.Qty
	}
	if m.ChangeSet.LimitPrice != nil {
		next.LimitPrice = clonePtr(m.ChangeSet.LimitPrice)
	}
	if m.ChangeSet.TimeInForce != nil {
		next.TimeInForce = *m.ChangeSet.TimeInForce
	}
	if brokerOrderID != "" {
		next.BrokerOrderID = &brokerOrderID
	}
	return NewOrderRow(next, StatusAccepted, SourceSubmitter, now)
}
