// Package admission prices selections and decides whether the current balance covers them.
// It never moves credits: committing a quote is the caller's job.
package admission

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// DefaultStandardCredits is the price of a standard selection.
	DefaultStandardCredits = 1
	// DefaultPremiumMultiplier scales the standard price for premium selections.
	DefaultPremiumMultiplier = 2

	ReasonInsufficientCredits = "insufficient_credits"
	ReasonQueueFull           = "queue_full"
	ReasonInvalidItem         = "invalid_item"
)

// ErrInvalidPricing indicates a non-positive price or multiplier.
var ErrInvalidPricing = errors.New("admission: invalid pricing")

// Balance exposes the ledger's current balance.
type Balance interface {
	Balance() int
}

// Reservations exposes credits already reserved by queued entries.
type Reservations interface {
	TotalCredits() int
}

// Pricing holds the deployment's price list. Overrides pin a price for a specific item id.
type Pricing struct {
	StandardCredits   int
	PremiumMultiplier int
	Overrides         map[string]int
}

// DefaultPricing returns 1 credit standard and 2 credits premium.
func DefaultPricing() Pricing {
	return Pricing{
		StandardCredits:   DefaultStandardCredits,
		PremiumMultiplier: DefaultPremiumMultiplier,
	}
}

// Validate checks that prices are positive.
func (p Pricing) Validate() error {
	if p.StandardCredits <= 0 {
		return fmt.Errorf("%w: standard credits must be positive", ErrInvalidPricing)
	}
	if p.PremiumMultiplier < 1 {
		return fmt.Errorf("%w: premium multiplier must be at least 1", ErrInvalidPricing)
	}
	for itemID, price := range p.Overrides {
		if price <= 0 {
			return fmt.Errorf("%w: override for %q must be positive", ErrInvalidPricing, itemID)
		}
	}
	return nil
}

// Decision is the outcome of a quote.
type Decision struct {
	Approved        bool   `json:"approved"`
	RequiredCredits int    `json:"required_credits"`
	Balance         int    `json:"balance"`
	Reason          string `json:"reason,omitempty"`
}

// Config wires a Policy. Reservations and MaxReserved are optional; when both are set,
// Authorize also refuses quotes the queue could not hold.
type Config struct {
	Balance      Balance
	Reservations Reservations
	MaxReserved  int
	Pricing      Pricing
}

// Policy answers price and affordability questions.
type Policy struct {
	balance      Balance
	reservations Reservations
	maxReserved  int
	pricing      Pricing
}

// NewPolicy validates pricing and constructs a Policy.
func NewPolicy(cfg Config) (*Policy, error) {
	if cfg.Balance == nil {
		return nil, errors.New("admission: balance source is required")
	}
	pricing := cfg.Pricing
	if pricing.StandardCredits == 0 && pricing.PremiumMultiplier == 0 {
		pricing = DefaultPricing()
	}
	if err := pricing.Validate(); err != nil {
		return nil, err
	}
	return &Policy{
		balance:      cfg.Balance,
		reservations: cfg.Reservations,
		maxReserved:  cfg.MaxReserved,
		pricing:      pricing,
	}, nil
}

// PriceOf returns the deterministic price of itemID.
func (p *Policy) PriceOf(itemID string, premium bool) int {
	price := p.pricing.StandardCredits
	if override, ok := p.pricing.Overrides[strings.TrimSpace(itemID)]; ok {
		price = override
	}
	if premium {
		price *= p.pricing.PremiumMultiplier
	}
	return price
}

// CanAfford reports whether the balance covers required.
func (p *Policy) CanAfford(required int) bool {
	return p.balance.Balance() >= required
}

// Authorize quotes itemID without moving credits.
func (p *Policy) Authorize(itemID string, premium bool) Decision {
	balance := p.balance.Balance()
	if strings.TrimSpace(itemID) == "" {
		return Decision{Balance: balance, Reason: ReasonInvalidItem}
	}
	required := p.PriceOf(itemID, premium)
	decision := Decision{RequiredCredits: required, Balance: balance}
	if balance < required {
		decision.Reason = ReasonInsufficientCredits
		return decision
	}
	if p.reservations != nil && p.maxReserved > 0 && p.reservations.TotalCredits()+required > p.maxReserved {
		decision.Reason = ReasonQueueFull
		return decision
	}
	decision.Approved = true
	return decision
}
