// Package orders holds the order domain model, deterministic client order ID
// derivation, and the compare-and-set rules every order writer goes through.
package orders

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// ClientOrderIDLength is the number of hex characters kept from the digest
	ClientOrderIDLength = 24

	// DefaultTimezone decides which calendar day an order belongs to
	DefaultTimezone = "America/New_York"

	marketPriceToken = "MKT"
)

// Errors for client order ID operations
var (
	ErrEmptySymbol          = errors.New("symbol cannot be empty")
	ErrNonPositiveQty       = errors.New("qty must be positive")
	ErrEmptyStrategy        = errors.New("strategy ID cannot be empty")
	ErrInvalidClientOrderID = errors.New("invalid client order ID format")
)

// IdempotencyKeyer derives deterministic client order IDs.
// Same inputs on the same trade date always produce the same ID.
type IdempotencyKeyer struct {
	location *time.Location
	now      func() time.Time
}

// NewIdempotencyKeyer creates a keyer whose trade date is evaluated in loc.
// A nil loc falls back to UTC.
func NewIdempotencyKeyer(loc *time.Location) *IdempotencyKeyer {
	if loc == nil {
		loc = time.UTC
	}
	return &IdempotencyKeyer{location: loc, now: time.Now}
}

// LoadKeyer resolves the named timezone, falling back to UTC if it is unknown
func LoadKeyer(timezone string) *IdempotencyKeyer {
	if timezone == "" {
		timezone = DefaultTimezone
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		loc = time.UTC
	}
	return NewIdempotencyKeyer(loc)
}

// TradeDate returns the current trade date in the keyer's timezone
func (k *IdempotencyKeyer) TradeDate() time.Time {
	n := k.now().In(k.location)
	return time.Date(n.Year(), n.Month(), n.Day(), 0, 0, 0, 0, k.location)
}

// Generate derives the ID for an order on the given trade date.
// Format: first 24 hex chars of SHA-256("strategy|symbol|side|qty|price|YYYY-MM-DD").
func (k *IdempotencyKeyer) Generate(symbol string, side Side, qty int64, limitPrice *float64, strategyID string, tradeDate time.Time) (string, error) {
	if symbol == "" {
		return "", ErrEmptySymbol
	}
	if qty <= 0 {
		return "", ErrNonPositiveQty
	}
	if strategyID == "" {
		return "", ErrEmptyStrategy
	}

	raw := strings.Join([]string{
		strategyID,
		strings.ToUpper(symbol),
		string(side),
		strconv.FormatInt(qty, 10),
		canonicalPrice(limitPrice),
		tradeDate.Format("2006-01-02"),
	}, "|")

	return digest(raw), nil
}

// GenerateForRequest derives the ID for a request using today's trade date
func (k *IdempotencyKeyer) GenerateForRequest(req *OrderRequest) (string, error) {
	return k.Generate(req.Symbol, req.Side, req.Qty, req.LimitPrice, req.StrategyID, k.TradeDate())
}

// GenerateSliceID derives the child ID for slice n of a TWAP parent.
// Re-planning the same parent yields identical child IDs.
func (k *IdempotencyKeyer) GenerateSliceID(parentID string, sliceNum int) (string, error) {
	if parentID == "" {
		return "", fmt.Errorf("%w: parent ID cannot be empty", ErrInvalidClientOrderID)
	}
	return digest(parentID + "|slice|" + strconv.Itoa(sliceNum)), nil
}

// GenerateReplacementID derives the new client ID for replace number seq of an order
func (k *IdempotencyKeyer) GenerateReplacementID(originalID string, seq int) (string, error) {
	if originalID == "" {
		return "", fmt.Errorf("%w: original ID cannot be empty", ErrInvalidClientOrderID)
	}
	return digest(originalID + "|replace|" + strconv.Itoa(seq)), nil
}

func canonicalPrice(p *float64) string {
	if p == nil {
		return marketPriceToken
	}
	return strconv.FormatFloat(*p, 'f', -1, 64)
}

func digest(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])[:ClientOrderIDLength]
}
