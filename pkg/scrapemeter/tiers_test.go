package scrapemeter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultTiers(t *testing.T) {
	table, err := NewTierTable(DefaultTiers())
	require.NoError(t, err)
	assert.Equal(t, []string{TierFree, TierStarter, TierProfessional, TierEnterprise}, table.Names())

	free, err := table.Lookup(TierFree)
	require.NoError(t, err)
	assert.Equal(t, int64(100), free.MonthlyAllowance)
	assert.False(t, free.IsPaid())

	enterprise, err := table.Lookup(TierEnterprise)
	require.NoError(t, err)
	assert.True(t, enterprise.IsUnlimited())
	assert.Equal(t, "$299.00", enterprise.MonthlyPrice.String())
	assert.Contains(t, enterprise.Features, "Dedicated support")
}

func TestTierTable_Lookup(t *testing.T) {
	table, err := NewTierTable(DefaultTiers())
	require.NoError(t, err)

	_, err = table.Lookup("bogus-tier")
	assert.ErrorIs(t, err, ErrInvalidTier)
	assert.False(t, table.Has("bogus-tier"))
	assert.True(t, table.Has(TierStarter))
}

func TestTierTable_IsolatedFromInput(t *testing.T) {
	defs := []TierDefinition{{Name: "a", MonthlyAllowance: 1, Features: []string{"x"}}}
	table, err := NewTierTable(defs)
	require.NoError(t, err)

	defs[0].Features[0] = "changed"
	all := table.All()
	assert.Equal(t, "x", all[0].Features[0])

	names := table.Names()
	names[0] = "mutated"
	assert.Equal(t, []string{"a"}, table.Names())
}

func TestNewTierTable_Invalid(t *testing.T) {
	tests := []struct {
		name string
		defs []TierDefinition
	}{
		{"empty", nil},
		{"unnamed", []TierDefinition{{MonthlyAllowance: 1}}},
		{"duplicate", []TierDefinition{{Name: "a"}, {Name: "a"}}},
		{"negative allowance", []TierDefinition{{Name: "a", MonthlyAllowance: -2}}},
		{"negative price", []TierDefinition{{Name: "a", MonthlyPrice: -1}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewTierTable(tt.defs)
			assert.Error(t, err)
		})
	}
}
