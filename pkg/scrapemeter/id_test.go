package scrapemeter

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewID(t *testing.T) {
	id := NewID(PrefixAccount)
	assert.True(t, strings.HasPrefix(id, "acct_"))
	assert.Len(t, id, len("acct_")+26)
	assert.NotEqual(t, id, NewID(PrefixAccount))

	assert.True(t, strings.HasPrefix(NewID(PrefixUsage), "usage_"))
	assert.True(t, strings.HasPrefix(NewID(PrefixRevenue), "rev_"))

	assert.Panics(t, func() { NewID("Not A Prefix") })
}

func TestNewAPIKey(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		key, err := NewAPIKey()
		require.NoError(t, err)
		assert.Regexp(t, `^ds_[A-Za-z0-9_-]{27}$`, key)
		assert.False(t, seen[key])
		seen[key] = true
	}
}
