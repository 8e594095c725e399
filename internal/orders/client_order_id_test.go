package orders

import (
	"errors"
	"regexp"
	"testing"
	"time"
)

var clientIDPattern = regexp.MustCompile(`^[0-9a-f]{24}$`)

// ============================================================================
// IDEMPOTENCY KEYER
// ============================================================================

func fixedKeyer(t time.Time) *IdempotencyKeyer {
	k := NewIdempotencyKeyer(time.UTC)
	k.now = func() time.Time { return t }
	return k
}

func TestGenerate_Deterministic(t *testing.T) {
	k := NewIdempotencyKeyer(time.UTC)
	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	price := 187.25

	a, err := k.Generate("AAPL", SideBuy, 100, &price, "alpha1", day)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	b, err := k.Generate("AAPL", SideBuy, 100, &price, "alpha1", day)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	if a != b {
		t.Errorf("expected identical ids, got %s and %s", a, b)
	}
	if len(a) != ClientOrderIDLength {
		t.Errorf("expected %d chars, got %d", ClientOrderIDLength, len(a))
	}
	if !clientIDPattern.MatchString(a) {
		t.Errorf("expected lowercase hex, got %s", a)
	}
}

func TestGenerate_InputsChangeID(t *testing.T) {
	k := NewIdempotencyKeyer(time.UTC)
	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	price := 10.0
	other := 10.5

	base, _ := k.Generate("AAPL", SideBuy, 100, &price, "alpha1", day)

	tests := []struct {
		name  string
		build func() (string, error)
	}{
		{"symbol", func() (string, error) { return k.Generate("MSFT", SideBuy, 100, &price, "alpha1", day) }},
		{"side", func() (string, error) { return k.Generate("AAPL", SideSell, 100, &price, "alpha1", day) }},
		{"qty", func() (string, error) { return k.Generate("AAPL", SideBuy, 101, &price, "alpha1", day) }},
		{"price", func() (string, error) { return k.Generate("AAPL", SideBuy, 100, &other, "alpha1", day) }},
		{"market", func() (string, error) { return k.Generate("AAPL", SideBuy, 100, nil, "alpha1", day) }},
		{"strategy", func() (string, error) { return k.Generate("AAPL", SideBuy, 100, &price, "beta", day) }},
		{"next day", func() (string, error) { return k.Generate("AAPL", SideBuy, 100, &price, "alpha1", day.AddDate(0, 0, 1)) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := tt.build()
			if err != nil {
				t.Fatalf("Generate failed: %v", err)
			}
			if id == base {
				t.Errorf("expected %s to change the id", tt.name)
			}
		})
	}
}

func TestGenerate_InvalidInput(t *testing.T) {
	k := NewIdempotencyKeyer(time.UTC)
	day := time.Now()

	if _, err := k.Generate("", SideBuy, 1, nil, "s", day); !errors.Is(err, ErrEmptySymbol) {
		t.Errorf("expected ErrEmptySymbol, got %v", err)
	}
	if _, err := k.Generate("AAPL", SideBuy, 0, nil, "s", day); !errors.Is(err, ErrNonPositiveQty) {
		t.Errorf("expected ErrNonPositiveQty, got %v", err)
	}
	if _, err := k.Generate("AAPL", SideBuy, 1, nil, "", day); !errors.Is(err, ErrEmptyStrategy) {
		t.Errorf("expected ErrEmptyStrategy, got %v", err)
	}
}

func TestTradeDate_UsesKeyerTimezone(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skip("tzdata unavailable")
	}
	// 02:00 UTC on Mar 3 is still Mar 2 in New York
	k := NewIdempotencyKeyer(ny)
	k.now = func() time.Time { return time.Date(2026, 3, 3, 2, 0, 0, 0, time.UTC) }

	if got := k.TradeDate().Format("2006-01-02"); got != "2026-03-02" {
		t.Errorf("expected 2026-03-02, got %s", got)
	}
}

func TestGenerateForRequest_SameDaySameID(t *testing.T) {
	k := fixedKeyer(time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC))
	req := &OrderRequest{Symbol: "AAPL", Side: SideBuy, Qty: 10, StrategyID: "alpha1"}

	a, _ := k.GenerateForRequest(req)
	k.now = func() time.Time { return time.Date(2026, 3, 2, 20, 0, 0, 0, time.UTC) }
	b, _ := k.GenerateForRequest(req)
	k.now = func() time.Time { return time.Date(2026, 3, 3, 15, 0, 0, 0, time.UTC) }
	c, _ := k.GenerateForRequest(req)

	if a != b {
		t.Errorf("same trade date should give same id")
	}
	if a == c {
		t.Errorf("next trade date should give a new id")
	}
}

// ============================================================================
// DERIVED IDS
// ============================================================================

func TestGenerateSliceID(t *testing.T) {
	k := NewIdempotencyKeyer(time.UTC)
	parent := "0123456789abcdef01234567"

	first, _ := k.GenerateSliceID(parent, 0)
	again, _ := k.GenerateSliceID(parent, 0)
	second, _ := k.GenerateSliceID(parent, 1)

	if first != again {
		t.Errorf("slice ids must be stable across re-planning")
	}
	if first == second {
		t.Errorf("slice ids must differ by slice number")
	}
	if _, err := k.GenerateSliceID("", 0); !errors.Is(err, ErrInvalidClientOrderID) {
		t.Errorf("expected ErrInvalidClientOrderID, got %v", err)
	}
}

func TestGenerateReplacementID(t *testing.T) {
	k := NewIdempotencyKeyer(time.UTC)
	orig := "0123456789abcdef01234567"

	r1, _ := k.GenerateReplacementID(orig, 1)
	r2, _ := k.GenerateReplacementID(orig, 2)
	if r1 == r2 || r1 == orig {
		t.Errorf("replacement ids must be unique per sequence")
	}
}

func TestReplacementID_Format(t *testing.T) {
	k := NewIdempotencyKeyer(time.UTC)
	id, err := k.GenerateReplacementID("0123456789abcdef01234567", 3)
	if err != nil {
		t.Fatalf("GenerateReplacementID failed: %v", err)
	}
	if !clientIDPattern.MatchString(id) {
		t.Errorf("expected 24 lowercase hex chars, got %s", id)
	}
	if _, err := k.GenerateReplacementID("", 1); !errors.Is(err, ErrInvalidClientOrderID) {
		t.Errorf("expected ErrInvalidClientOrderID for empty original, got %v", err)
	}
}
