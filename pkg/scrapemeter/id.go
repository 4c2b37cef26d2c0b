package scrapemeter

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"go.jetify.com/typeid/v2"
)

// ID prefixes for ledger entities
const (
	PrefixAccount = "acct"
	PrefixUsage   = "usage"
	PrefixRevenue = "rev"
)

// APIKeyPrefix starts every generated API key
const APIKeyPrefix = "ds_"

const apiKeyEntropy = 20

// NewID generates a sortable, prefix-qualified identifier such as "acct_01h2xcejqtf2nbrexx3vqjhp41".
// It panics if prefix is not a valid TypeID prefix (programming error).
func NewID(prefix string) string {
	tid, err := typeid.Generate(prefix)
	if err != nil {
		panic(fmt.Sprintf("scrapemeter: invalid id prefix %q: %v", prefix, err))
	}
	return tid.String()
}

// NewAPIKey generates a random opaque API key
func NewAPIKey() (string, error) {
	buf := make([]byte, apiKeyEntropy)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate api key: %w", err)
	}
	return APIKeyPrefix + base64.RawURLEncoding.EncodeToString(buf), nil
}
