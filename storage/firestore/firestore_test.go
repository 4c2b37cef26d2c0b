package firestore

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/scrapemeter/internal/storagetest"
	"github.com/mihaimyh/scrapemeter/pkg/scrapemeter"
)

const testProjectID = "test-project"

func setupFirestoreClient(t *testing.T) *firestore.Client {
	t.Helper()

	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}

	client, err := firestore.NewClient(context.Background(), testProjectID)
	if err != nil {
		t.Fatalf("Failed to create Firestore client: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// testConfig returns unique collection names for each test so runs never share data
func testConfig(t *testing.T) Config {
	suffix := fmt.Sprintf("%d", time.Now().UnixNano())
	return Config{
		AccountsCollection: "test_accounts_" + suffix,
		APIKeysCollection:  "test_keys_" + suffix,
		UsageCollection:    "test_usage_" + suffix,
		RevenueCollection:  "test_revenue_" + suffix,
	}
}

func TestNew(t *testing.T) {
	_, err := New(nil, Config{})
	assert.Error(t, err)
}

func TestStorage_Conformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) scrapemeter.Storage {
		storage, err := New(setupFirestoreClient(t), testConfig(t))
		require.NoError(t, err)
		return storage
	})
}

func TestStorage_DefaultCollections(t *testing.T) {
	client := setupFirestoreClient(t)
	storage, err := New(client, Config{})
	require.NoError(t, err)

	assert.Equal(t, "scrapemeter_accounts", storage.accountsCollection)
	assert.Equal(t, "scrapemeter_api_keys", storage.apiKeysCollection)
	assert.Equal(t, "scrapemeter_usage", storage.usageCollection)
	assert.Equal(t, "scrapemeter_revenue", storage.revenueCollection)
}

func TestGetInt64(t *testing.T) {
	data := map[string]interface{}{
		"int":     7,
		"int64":   int64(8),
		"float":   8.6,
		"missing": nil,
	}
	assert.Equal(t, int64(7), getInt64(data, "int"))
	assert.Equal(t, int64(8), getInt64(data, "int64"))
	assert.Equal(t, int64(9), getInt64(data, "float"))
	assert.Equal(t, int64(0), getInt64(data, "missing"))
}

func TestGetTimePtr(t *testing.T) {
	now := time.Now()
	data := map[string]interface{}{"set": now, "zero": time.Time{}, "null": nil}

	got := getTimePtr(data, "set")
	require.NotNil(t, got)
	assert.True(t, now.Equal(*got))
	assert.Nil(t, getTimePtr(data, "zero"))
	assert.Nil(t, getTimePtr(data, "null"))
}
