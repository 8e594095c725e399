package orders

import "time"

// Rejection reasons reported by EvaluateUpdate
const (
	RejectOrderTerminal    = "order_terminal"
	RejectStatusRegression = "status_regression"
	RejectStaleUpdate      = "stale_update"
	RejectLowerPriority    = "lower_source_priority"
	RejectDuplicate        = "duplicate_update"
	RejectUnknownStatus    = "unknown_status"
)

// UpdateResult is the outcome of a compare-and-set status update
type UpdateResult struct {
	Applied  bool
	Reason   string
	FillOnly bool
	Previous Status

	// FillDelta is the newly filled quantity this update contributed, priced at FillPrice.
	FillDelta int64
	FillPrice float64

	Order *Order
}

// StatusChanged reports whether the applied update moved the order to a new status
func (r UpdateResult) StatusChanged() bool {
	return r.Applied && r.Order != nil && r.Order.Status != r.Previous
}

// EvaluateUpdate decides whether u may be applied to cur and returns the resulting row.
// It never mutates cur. All store implementations share this rule:
//   - terminal orders accept only cumulative fill increases, never a status change
//   - status never moves to a lower rank
//   - at equal rank the update must not be older than the stored row, and an
//     equal-timestamp tie goes to the higher source priority
func EvaluateUpdate(cur *Order, u StatusUpdate) (*Order, UpdateResult) {
	res := UpdateResult{Previous: cur.Status}

	if u.Status != "" && !u.Status.Valid() {
		res.Reason = RejectUnknownStatus
		return nil, res
	}
	if u.ObservedAt.IsZero() {
		u.ObservedAt = time.Now().UTC()
	}

	fillDelta, fillPrice := fillIncrement(cur, u.Fill)

	if cur.IsTerminal {
		if fillDelta > 0 {
			return applyFillOnly(cur, u, fillDelta, fillPrice, res)
		}
		res.Reason = RejectOrderTerminal
		return nil, res
	}

	target := u.Status
	if target == "" {
		target = cur.Status
	}

	newRank, curRank := target.Rank(), cur.Status.Rank()
	switch {
	case newRank < curRank:
		if fillDelta > 0 {
			return applyFillOnly(cur, u, fillDelta, fillPrice, res)
		}
		res.Reason = RejectStatusRegression
		return nil, res

	case newRank == curRank:
		if u.ObservedAt.Before(cur.LastUpdatedAt) {
			res.Reason = RejectStaleUpdate
			return nil, res
		}
		if u.ObservedAt.Equal(cur.LastUpdatedAt) && u.Source.Priority() < cur.SourcePriority {
			res.Reason = RejectLowerPriority
			return nil, res
		}
		if target == cur.Status && fillDelta == 0 && !addsBrokerID(cur, u) {
			res.Reason = RejectDuplicate
			return nil, res
		}
	}

	next := cur.Clone()
	next.Status = target
	next.StatusRank = newRank
	next.IsTerminal = target.IsTerminal()
	next.SourcePriority = u.Source.Priority()
	if u.ObservedAt.After(next.LastUpdatedAt) {
		next.LastUpdatedAt = u.ObservedAt
	}
	setFill(next, u.Fill, fillDelta)
	if addsBrokerID(cur, u) {
		next.BrokerOrderID = clonePtr(u.BrokerOrderID)
	}
	if u.ErrorMessage != nil {
		next.ErrorMessage = clonePtr(u.ErrorMessage)
	}

	res.Applied = true
	res.FillDelta = fillDelta
	res.FillPrice = fillPrice
	res.Order = next
	return next, res
}

func applyFillOnly(cur *Order, u StatusUpdate, delta int64, price float64, res UpdateResult) (*Order, UpdateResult) {
	next := cur.Clone()
	setFill(next, u.Fill, delta)
	if u.ObservedAt.After(next.LastUpdatedAt) {
		next.LastUpdatedAt = u.ObservedAt
	}
	res.Applied = true
	res.FillOnly = true
	res.FillDelta = delta
	res.FillPrice = price
	res.Order = next
	return next, res
}

func addsBrokerID(cur *Order, u StatusUpdate) bool {
	return u.BrokerOrderID != nil && *u.BrokerOrderID != "" && cur.BrokerOrderID == nil
}

func setFill(o *Order, f *FillReport, delta int64) {
	if f == nil || delta <= 0 {
		return
	}
	o.FilledQty = f.FilledQty
	o.FilledAvgPrice = f.FilledAvgPrice
}

// fillIncrement converts a cumulative fill report into the newly filled quantity
// and the average price of that increment. Shrinking reports contribute nothing.
func fillIncrement(cur *Order, f *FillReport) (int64, float64) {
	if f == nil || f.FilledQty <= cur.FilledQty {
		return 0, 0
	}
	delta := f.FilledQty - cur.FilledQty
	notional := f.FilledAvgPrice*float64(f.FilledQty) - cur.FilledAvgPrice*float64(cur.FilledQty)
	price := notional / float64(delta)
	if price <= 0 {
		price = f.FilledAvgPrice
	}
	return delta, price
}

// NewOrderRow initializes concurrency-control fields for a freshly created row
func NewOrderRow(o *Order, status Status, source Source, now time.Time) *Order {
	o.Status = status
	o.StatusRank = status.Rank()
	o.IsTerminal = status.IsTerminal()
	o.SourcePriority = source.Priority()
	o.LastUpdatedAt = now
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	return o
}

// ApplyFill books a confirmed fill into the position ledger.
// Reductions realize P&L at the average entry price; a fill crossing zero opens
// the remainder at the fill price.
func (p *Position) ApplyFill(side Side, qty int64, price float64, at time.Time) {
	if qty <= 0 {
		return
	}
	signed := side.Sign() * qty

	switch {
	case p.Qty == 0 || sameSign(p.Qty, signed):
		newQty := p.Qty + signed
		p.AvgEntryPrice = (float64(abs64(p.Qty))*p.AvgEntryPrice + float64(qty)*price) / float64(abs64(newQty))
		p.Qty = newQty
	default:
		closing := min(abs64(signed), abs64(p.Qty))
		dir := float64(p.Qty / abs64(p.Qty))
		p.RealizedPL += (price - p.AvgEntryPrice) * float64(closing) * dir
		prev := p.Qty
		p.Qty += signed
		switch {
		case p.Qty == 0:
			p.AvgEntryPrice = 0
		case !sameSign(prev, p.Qty):
			p.AvgEntryPrice = price
		}
	}

	p.MarkPrice(price)
	p.UpdatedAt = at
	p.LastTradeAt = &at
}

// MarkPrice updates the current price and unrealized P&L
func (p *Position) MarkPrice(price float64) {
	p.CurrentPrice = &price
	p.UnrealizedPL = (price - p.AvgEntryPrice) * float64(p.Qty)
}

// Notional returns the absolute market value of the position at the best known price
func (p *Position) Notional() float64 {
	return float64(abs64(p.Qty)) * p.currentOr(p.AvgEntryPrice)
}

func (p *Position) currentOr(fallback float64) float64 {
	if p.CurrentPrice != nil && *p.CurrentPrice > 0 {
		return *p.CurrentPrice
	}
	return fallback
}

func sameSign(a, b int64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// Abs returns the absolute value of v
func Abs(v int64) int64 {
	return abs64(v)
}
