package scrapemeter

import (
	"errors"
	"fmt"
)

// TierDefinition describes one subscription tier. It is static configuration
// and is never persisted.
type TierDefinition struct {
	Name string `json:"name" toml:"name"`

	// MonthlyAllowance is the number of gated requests per window, Unlimited for no cap
	MonthlyAllowance int64 `json:"monthly_allowance" toml:"monthly_allowance"`

	// MonthlyPrice is the recurring price charged on assignment
	MonthlyPrice Money `json:"monthly_price" toml:"monthly_price"`

	Features []string `json:"features" toml:"features"`
}

// IsUnlimited reports whether the tier has no monthly cap
func (t TierDefinition) IsUnlimited() bool {
	return t.MonthlyAllowance == Unlimited
}

// IsPaid reports whether assigning the tier produces revenue
func (t TierDefinition) IsPaid() bool {
	return t.MonthlyPrice > 0
}

// DefaultTiers returns the built-in tier table
func DefaultTiers() []TierDefinition {
	return []TierDefinition{
		{
			Name:             TierFree,
			MonthlyAllowance: 100,
			MonthlyPrice:     0,
			Features:         []string{"Basic scraping", "JSON export"},
		},
		{
			Name:             TierStarter,
			MonthlyAllowance: 5000,
			MonthlyPrice:     Dollars(29),
			Features:         []string{"Advanced scraping", "CSV/JSON export", "API access"},
		},
		{
			Name:             TierProfessional,
			MonthlyAllowance: 50000,
			MonthlyPrice:     Dollars(99),
			Features:         []string{"Unlimited scraping", "All exports", "Priority support", "Custom analytics"},
		},
		{
			Name:             TierEnterprise,
			MonthlyAllowance: Unlimited,
			MonthlyPrice:     Dollars(299),
			Features:         []string{"Everything in Pro", "Custom integrations", "Dedicated support"},
		},
	}
}

// TierTable is an ordered, read-only set of tier definitions
type TierTable struct {
	order []string
	byKey map[string]TierDefinition
}

// NewTierTable validates defs and builds a table preserving their order
func NewTierTable(defs []TierDefinition) (*TierTable, error) {
	if len(defs) == 0 {
		return nil, errors.New("at least one tier is required")
	}
	t := &TierTable{byKey: make(map[string]TierDefinition, len(defs))}
	for i := range defs {
		def := defs[i]
		if def.Name == "" {
			return nil, fmt.Errorf("tier at position %d has no name", i)
		}
		if _, dup := t.byKey[def.Name]; dup {
			return nil, fmt.Errorf("tier %q is defined twice", def.Name)
		}
		if def.MonthlyAllowance < Unlimited {
			return nil, fmt.Errorf("tier %q has negative monthly allowance %d", def.Name, def.MonthlyAllowance)
		}
		if def.MonthlyPrice < 0 {
			return nil, fmt.Errorf("tier %q has negative monthly price %s", def.Name, def.MonthlyPrice)
		}
		def.Features = append([]string(nil), def.Features...)
		t.byKey[def.Name] = def
		t.order = append(t.order, def.Name)
	}
	return t, nil
}

// Lookup returns the definition for name or ErrInvalidTier
func (t *TierTable) Lookup(name string) (TierDefinition, error) {
	def, ok := t.byKey[name]
	if !ok {
		return TierDefinition{}, fmt.Errorf("%w: %q", ErrInvalidTier, name)
	}
	return def, nil
}

// Has reports whether name is a known tier
func (t *TierTable) Has(name string) bool {
	_, ok := t.byKey[name]
	return ok
}

// Names returns the tier names in table order
func (t *TierTable) Names() []string {
	return append([]string(nil), t.order...)
}

// All returns the definitions in table order
func (t *TierTable) All() []TierDefinition {
	out := make([]TierDefinition, 0, len(t.order))
	for _, name := range t.order {
		out = append(out, t.byKey[name])
	}
	return out
}
