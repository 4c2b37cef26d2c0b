package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/scrapemeter/internal/config"
	"github.com/mihaimyh/scrapemeter/pkg/scrapemeter"
)

func TestNew_ZapJSON(t *testing.T) {
	var buf bytes.Buffer
	log, err := newLogger(config.LoggingConfig{Backend: "zap", Level: "info", Format: "json"}, &buf)
	require.NoError(t, err)

	log.Debug("hidden")
	log.Info("account created", scrapemeter.Field{Key: "tier", Value: "starter"})
	require.NoError(t, log.Close())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "account created", entry["msg"])
	assert.Equal(t, "starter", entry["tier"])
	assert.Equal(t, "info", entry["level"])
}

func TestNew_ZerologJSON(t *testing.T) {
	var buf bytes.Buffer
	log, err := newLogger(config.LoggingConfig{Backend: "zerolog", Level: "warn", Format: "json"}, &buf)
	require.NoError(t, err)

	log.Info("hidden")
	log.Warn("storage slow", scrapemeter.Field{Key: "op", Value: "update_account"})
	require.NoError(t, log.Close())

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "storage slow", entry["message"])
	assert.Equal(t, "update_account", entry["op"])
	assert.Equal(t, "warn", entry["level"])
}

func TestNew_Console(t *testing.T) {
	var buf bytes.Buffer
	log, err := newLogger(config.LoggingConfig{Backend: "zerolog", Format: "console"}, &buf)
	require.NoError(t, err)

	log.Info("hello")
	assert.Contains(t, buf.String(), "hello")
}

func TestNew_FileOutput(t *testing.T) {
	for _, backend := range []string{"zap", "zerolog"} {
		t.Run(backend, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "logs", "scrapemeter.log")
			log, err := newLogger(config.LoggingConfig{
				Backend: backend,
				Level:   "info",
				Format:  "console",
				Output:  path,
				MaxSize: 1,
			}, &bytes.Buffer{})
			require.NoError(t, err)

			log.Error("ledger unavailable", scrapemeter.Field{Key: "driver", Value: "sqlite"})
			require.NoError(t, log.Close())

			data, err := os.ReadFile(path)
			require.NoError(t, err)
			assert.Contains(t, string(data), "ledger unavailable")
			assert.Contains(t, string(data), `"driver":"sqlite"`)
		})
	}
}

func TestNew_UnknownBackend(t *testing.T) {
	_, err := New(config.LoggingConfig{Backend: "logrus"})
	assert.Error(t, err)
}
