package admission

import (
	"errors"
	"testing"
)

type staticBalance int

func (b staticBalance) Balance() int { return int(b) }

type staticReservations int

func (r staticReservations) TotalCredits() int { return int(r) }

func mustPolicy(t *testing.T, cfg Config) *Policy {
	t.Helper()
	policy, err := NewPolicy(cfg)
	if err != nil {
		t.Fatalf("unexpected policy error: %v", err)
	}
	return policy
}

func TestPriceOf(t *testing.T) {
	policy := mustPolicy(t, Config{
		Balance: staticBalance(0),
		Pricing: Pricing{StandardCredits: 2, PremiumMultiplier: 3, Overrides: map[string]int{"anthem": 5}},
	})
	tests := []struct {
		name    string
		itemID  string
		premium bool
		want    int
	}{
		{name: "standard", itemID: "abc", want: 2},
		{name: "premium", itemID: "abc", premium: true, want: 6},
		{name: "override", itemID: "anthem", want: 5},
		{name: "premium override", itemID: "anthem", premium: true, want: 15},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := policy.PriceOf(tt.itemID, tt.premium); got != tt.want {
				t.Fatalf("expected price %d, got %d", tt.want, got)
			}
		})
	}
}

func TestDefaultPricingMakesPremiumDearer(t *testing.T) {
	policy := mustPolicy(t, Config{Balance: staticBalance(0)})
	if policy.PriceOf("x", true) <= policy.PriceOf("x", false) {
		t.Fatalf("expected premium to cost more than standard")
	}
}

func TestAuthorize(t *testing.T) {
	tests := []struct {
		name     string
		balance  int
		reserved int
		itemID   string
		premium  bool
		approved bool
		reason   string
	}{
		{name: "approved", balance: 1, itemID: "v1", approved: true},
		{name: "premium unaffordable", balance: 1, itemID: "v1", premium: true, reason: ReasonInsufficientCredits},
		{name: "empty balance", balance: 0, itemID: "v1", reason: ReasonInsufficientCredits},
		{name: "queue full", balance: 5, reserved: 255, itemID: "v1", reason: ReasonQueueFull},
		{name: "blank item", balance: 5, itemID: "  ", reason: ReasonInvalidItem},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			policy := mustPolicy(t, Config{
				Balance:      staticBalance(tt.balance),
				Reservations: staticReservations(tt.reserved),
				MaxReserved:  255,
			})
			decision := policy.Authorize(tt.itemID, tt.premium)
			if decision.Approved != tt.approved {
				t.Fatalf("expected approved=%v, got %+v", tt.approved, decision)
			}
			if decision.Reason != tt.reason {
				t.Fatalf("expected reason %q, got %q", tt.reason, decision.Reason)
			}
			if decision.Balance != tt.balance {
				t.Fatalf("expected balance %d in decision, got %d", tt.balance, decision.Balance)
			}
		})
	}
}

func TestCanAfford(t *testing.T) {
	policy := mustPolicy(t, Config{Balance: staticBalance(3)})
	if !policy.CanAfford(3) {
		t.Fatalf("expected exact balance to be affordable")
	}
	if policy.CanAfford(4) {
		t.Fatalf("expected larger amount to be unaffordable")
	}
}

func TestNewPolicyValidatesPricing(t *testing.T) {
	if _, err := NewPolicy(Config{Balance: staticBalance(0), Pricing: Pricing{StandardCredits: 1, PremiumMultiplier: 0}}); !errors.Is(err, ErrInvalidPricing) {
		t.Fatalf("expected ErrInvalidPricing, got %v", err)
	}
	if _, err := NewPolicy(Config{Balance: staticBalance(0), Pricing: Pricing{StandardCredits: 1, PremiumMultiplier: 2, Overrides: map[string]int{"x": 0}}}); !errors.Is(err, ErrInvalidPricing) {
		t.Fatalf("expected ErrInvalidPricing for zero override, got %v", err)
	}
	if _, err := NewPolicy(Config{}); err == nil {
		t.Fatalf("expected error without balance source")
	}
}
