// Package twap splits a parent order into time-spaced child slices and fires
// them on schedule with a double-checked cancellation flag.
package twap

import (
	"errors"
	"fmt"
	"time"

	"github.com/LeeeWayyy/trading-platform-sub016/internal/orders"
)

var (
	ErrInvalidPlan = errors.New("invalid TWAP plan")
)

// Slice is one planned child order
type Slice struct {
	SliceNum      int           `json:"slice_num"`
	ClientOrderID string        `json:"client_order_id"`
	Qty           int64         `json:"qty"`
	Offset        time.Duration `json:"offset"`
}

// Plan divides totalQty into ceil(duration/interval) slices with the integer
// remainder front-loaded onto the earliest slices. When maxSliceQty > 0 and
// the even size would exceed it, more slices are created instead, spread
// evenly across the same duration. Child IDs derive from parentID and the
// slice number, so planning the same parent twice yields identical IDs.
func Plan(keyer *orders.IdempotencyKeyer, parentID string, totalQty int64, duration, interval time.Duration, maxSliceQty int64) ([]Slice, error) {
	switch {
	case totalQty <= 0:
		return nil, fmt.Errorf("%w: total qty must be positive", ErrInvalidPlan)
	case interval <= 0:
		return nil, fmt.Errorf("%w: interval must be positive", ErrInvalidPlan)
	case duration < interval:
		return nil, fmt.Errorf("%w: duration %s is shorter than interval %s", ErrInvalidPlan, duration, interval)
	case maxSliceQty < 0:
		return nil, fmt.Errorf("%w: max slice qty cannot be negative", ErrInvalidPlan)
	}

	n := int64((duration + interval - 1) / interval)
	spacing := interval
	if maxSliceQty > 0 && ceilDiv(totalQty, n) > maxSliceQty {
		n = ceilDiv(totalQty, maxSliceQty)
		spacing = duration / time.Duration(n)
	}
	if n > totalQty {
		n = totalQty
	}

	base, rem := totalQty/n, totalQty%n
	out := make([]Slice, 0, n)
	for i := int64(0); i < n; i++ {
		qty := base
		if i < rem {
			qty++
		}
		id, err := keyer.GenerateSliceID(parentID, int(i))
		if err != nil {
			return nil, err
		}
		out = append(out, Slice{
			SliceNum:      int(i),
			ClientOrderID: id,
			Qty:           qty,
			Offset:        time.Duration(i) * spacing,
		})
	}
	return out, nil
}

func ceilDiv(a, b int64) int64 {
	return (a + b - 1) / b
}
