package daemon

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/averin/strand/internal/config"
	"github.com/averin/strand/internal/logger"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Storage.Driver = "memory"
	cfg.Server.Port = 18971
	cfg.Server.SharedSecret = "test"
	require.NoError(t, cfg.Validate())
	return cfg
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()

	l, err := logger.New(logger.Config{
		Level: "error",
		File:  filepath.Join(t.TempDir(), "strand.log"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestNewWiresAllModules(t *testing.T) {
	d, err := New(testConfig(t), "", testLogger(t))
	require.NoError(t, err)
	defer d.Stop()

	assert.NotNil(t, d.StateStore())
	assert.NotNil(t, d.orchestrator)
	assert.NotNil(t, d.gateway)
	assert.NotNil(t, d.memoryStore)
	assert.NotNil(t, d.transcripts)
}

func TestNewWithSQLiteBackend(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Driver = "sqlite"
	cfg.Storage.Path = filepath.Join(cfg.DataDir, "strand.db")

	d, err := New(cfg, "", testLogger(t))
	require.NoError(t, err)
	require.NoError(t, d.Stop())
}

func TestStopIsIdempotentOnPartialInit(t *testing.T) {
	d, err := New(testConfig(t), "", testLogger(t))
	require.NoError(t, err)

	require.NoError(t, d.Stop())
}
