package config

import (
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"zero port", func(c *Config) { c.Server.Port = 0 }},
		{"huge port", func(c *Config) { c.Server.Port = 70000 }},
		{"bad environment", func(c *Config) { c.Environment = "staging" }},
		{"bad storage driver", func(c *Config) { c.Storage.Driver = "etcd" }},
		{"no agents", func(c *Config) { c.Agents = nil }},
		{"duplicate agent ids", func(c *Config) {
			c.Agents = append(c.Agents, c.Agents[0])
		}},
		{"agent without model", func(c *Config) { c.Agents[0].Model = "" }},
		{"agent with unknown provider", func(c *Config) { c.Agents[0].Provider = "bard" }},
		{"lastN without window", func(c *Config) {
			c.Agents[0].History = History{Kind: "lastN"}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidateAgentSchema(t *testing.T) {
	good := AgentDef{
		ID:       "helper",
		Provider: "openai",
		Model:    "gpt-4o",
		History:  History{Kind: "lastN", N: 10},
	}
	assert.NoError(t, ValidateAgent(good))

	bad := good
	bad.Temperature = 1.5
	assert.Error(t, ValidateAgent(bad))

	bad = good
	bad.History = History{Kind: "recent"}
	assert.Error(t, ValidateAgent(bad))
}

func TestAgentLookup(t *testing.T) {
	cfg := DefaultConfig()

	agent, ok := cfg.Agent("default")
	require.True(t, ok)
	assert.Equal(t, "anthropic", agent.Provider)

	_, ok = cfg.Agent("ghost")
	assert.False(t, ok)
}

func TestIncludeErrorDetails(t *testing.T) {
	cfg := DefaultConfig()
	assert.False(t, cfg.IncludeErrorDetails())

	cfg.Environment = "development"
	assert.True(t, cfg.IncludeErrorDetails())
}

func TestLoaderMissingFileYieldsDefaults(t *testing.T) {
	loader := NewLoader(filepath.Join(t.TempDir(), "nope.json"))

	cfg, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, 8377, cfg.Server.Port)
	assert.NotEmpty(t, cfg.DataDir)
	assert.NotEmpty(t, cfg.Storage.Path)
}

func TestLoaderReadsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "strand.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"data_dir": "`+dir+`",
		"environment": "development",
		"server": {"port": 9000, "shared_secret": "s"},
		"agents": [{"id": "a1", "provider": "openai", "model": "gpt-4o"}]
	}`), 0644))

	cfg, err := NewLoader(path).Load()
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "development", cfg.Environment)
	require.Len(t, cfg.Agents, 1)
	assert.Equal(t, "a1", cfg.Agents[0].ID)
	assert.Equal(t, filepath.Join(dir, "strand.db"), cfg.Storage.Path)
}

func TestLoaderRejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "strand.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"server": {"port": -1}}`), 0644))

	_, err := NewLoader(path).Load()
	assert.Error(t, err)
}

func TestWatcherReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "strand.json")
	writeConfig := func(port int) {
		data := []byte(`{
			"data_dir": "` + dir + `",
			"server": {"port": ` + strconv.Itoa(port) + `},
			"agents": [{"id": "a1", "provider": "openai", "model": "gpt-4o"}]
		}`)
		require.NoError(t, os.WriteFile(path, data, 0644))
	}
	writeConfig(9000)

	var mu sync.Mutex
	var got *Config
	loader := NewLoader(path)
	w, err := NewWatcher(loader, func(cfg *Config) {
		mu.Lock()
		got = cfg
		mu.Unlock()
	}, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, w.Start())
	defer w.Stop()

	writeConfig(9001)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got != nil && got.Server.Port == 9001
	}, 5*time.Second, 50*time.Millisecond)
}
