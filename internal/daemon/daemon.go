// Package daemon wires the strand runtime together: storage, memory,
// session state, the turn orchestrator, and the gateway server.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/averin/strand/internal/config"
	"github.com/averin/strand/internal/logger"
	"github.com/averin/strand/internal/observability"
	"github.com/averin/strand/internal/tracing"
	"github.com/averin/strand/pkg/coretools"
	"github.com/averin/strand/pkg/fault"
	"github.com/averin/strand/pkg/gateway"
	"github.com/averin/strand/pkg/memory"
	"github.com/averin/strand/pkg/orchestrator"
	"github.com/averin/strand/pkg/provider"
	"github.com/averin/strand/pkg/state"
	"github.com/averin/strand/pkg/storage"
	"github.com/averin/strand/pkg/transcript"
)

// Daemon is the strand runtime.
type Daemon struct {
	config     *config.Config
	configPath string
	logger     *logger.Logger

	backend      storage.Backend
	memoryStore  *memory.Store
	stateStore   *state.Store
	stateCleanup *state.Cleanup
	transcripts  *transcript.Log
	normalizer   *fault.Normalizer
	tools        *provider.Registry
	pipeline     *provider.ChatPipeline
	orchestrator *orchestrator.Orchestrator
	gateway      *gateway.Server

	configWatcher *config.Watcher

	tracingEnabled bool
	startTime      time.Time
}

// New creates a daemon from validated configuration. configPath is the file
// the config was loaded from; it is watched for hot reloads when non-empty.
func New(cfg *config.Config, configPath string, log *logger.Logger) (*Daemon, error) {
	observability.EnsureRegistered()

	d := &Daemon{config: cfg, configPath: configPath, logger: log}

	if err := tracing.InitOpenTelemetry("strand"); err != nil {
		zl := log.Zerolog()
		zl.Warn().Err(err).Msg("Failed to initialize tracing, continuing without it")
	} else {
		d.tracingEnabled = true
	}

	if err := d.initialize(); err != nil {
		d.teardown()
		return nil, err
	}
	return d, nil
}

func (d *Daemon) initialize() error {
	zl := d.logger.Zerolog()

	backend, err := d.openBackend()
	if err != nil {
		return fmt.Errorf("failed to open storage backend: %w", err)
	}
	d.backend = backend
	zl.Info().Str("driver", d.config.Storage.Driver).Msg("Storage backend initialized")

	d.memoryStore = memory.NewStore(memory.Config{
		Durable:       backend,
		Logger:        zl,
		SweepInterval: d.config.Memory.SweepInterval,
	})
	zl.Info().Msg("Memory store initialized")

	stateStore, err := state.NewStore(state.Config{
		Backend:        backend,
		Logger:         zl,
		MaxRecentTools: d.config.State.MaxRecentTools,
	})
	if err != nil {
		return fmt.Errorf("failed to create state store: %w", err)
	}
	d.stateStore = stateStore
	d.stateCleanup = state.NewCleanup(stateStore, d.config.State.CleanupSchedule, d.config.State.CleanupMaxAge, zl)
	zl.Info().Msg("Session state store initialized")

	transcripts, err := transcript.NewLog(filepath.Join(d.config.DataDir, "transcripts"), zl)
	if err != nil {
		return fmt.Errorf("failed to create transcript log: %w", err)
	}
	d.transcripts = transcripts

	d.normalizer = fault.NewNormalizer(d.config.IncludeErrorDetails(), d.config.Providers.BYOK)

	d.tools = provider.NewRegistry()
	if err := coretools.Register(d.tools, d.memoryStore); err != nil {
		return fmt.Errorf("failed to register core tools: %w", err)
	}
	zl.Info().Msg("Core tools registered")

	factory := provider.NewFactory(d.config.Providers.AnthropicAPIKey, d.config.Providers.OpenAIAPIKey)
	pipeline, err := provider.NewChatPipeline(provider.PipelineConfig{
		Factory:    factory,
		Tools:      d.tools,
		Normalizer: d.normalizer,
		Logger:     zl,
	})
	if err != nil {
		return fmt.Errorf("failed to create chat pipeline: %w", err)
	}
	d.pipeline = pipeline

	orch, err := orchestrator.New(orchestrator.Config{
		States:     stateStore,
		Pipeline:   pipeline,
		Memory:     d.memoryStore,
		Normalizer: d.normalizer,
		Logger:     zl,
	})
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}
	d.orchestrator = orch

	gw, err := gateway.NewServer(gateway.Config{
		Port:         d.config.Server.Port,
		SharedSecret: d.config.Server.SharedSecret,
		Runner:       orch,
		States:       stateStore,
		Transcripts:  transcripts,
		Memory:       d.memoryStore,
		Normalizer:   d.normalizer,
		Logger:       zl,
	})
	if err != nil {
		return fmt.Errorf("failed to create gateway server: %w", err)
	}
	d.gateway = gw

	return nil
}

func (d *Daemon) openBackend() (storage.Backend, error) {
	switch d.config.Storage.Driver {
	case "memory":
		return storage.NewMemoryBackend(), nil
	default:
		if err := os.MkdirAll(filepath.Dir(d.config.Storage.Path), 0755); err != nil {
			return nil, err
		}
		return storage.NewSQLiteBackend(d.config.Storage.Path)
	}
}

// Start brings up the gateway and background services.
func (d *Daemon) Start() error {
	d.startTime = time.Now()
	zl := d.logger.Zerolog()

	if err := d.gateway.Start(); err != nil {
		return fmt.Errorf("failed to start gateway: %w", err)
	}
	if err := d.stateCleanup.Start(); err != nil {
		zl.Warn().Err(err).Msg("Failed to start state cleanup schedule")
	}

	if d.configPath != "" {
		watcher, err := config.NewWatcher(config.NewLoader(d.configPath), d.applyConfig, zl)
		if err != nil {
			zl.Warn().Err(err).Msg("Failed to create config watcher")
		} else if err := watcher.Start(); err != nil {
			zl.Debug().Err(err).Msg("Config watcher not started")
		} else {
			d.configWatcher = watcher
		}
	}

	zl.Info().Int("port", d.config.Server.Port).Msg("strand daemon started")
	return nil
}

// applyConfig picks up the hot-reloadable subset of the configuration.
func (d *Daemon) applyConfig(cfg *config.Config) {
	d.config.Agents = cfg.Agents
	zl := d.logger.Zerolog()
	zl.Info().Int("agents", len(cfg.Agents)).Msg("Applied reloaded agent definitions")
}

// Stop shuts the daemon down in reverse dependency order.
func (d *Daemon) Stop() error {
	zl := d.logger.Zerolog()
	zl.Info().Dur("uptime", time.Since(d.startTime)).Msg("Stopping strand daemon")

	if d.configWatcher != nil {
		d.configWatcher.Stop()
	}
	if d.stateCleanup != nil {
		d.stateCleanup.Stop()
	}
	if d.gateway != nil {
		if err := d.gateway.Stop(); err != nil {
			zl.Error().Err(err).Msg("Gateway shutdown failed")
		}
	}
	d.teardown()

	zl.Info().Msg("strand daemon stopped")
	return nil
}

func (d *Daemon) teardown() {
	if d.memoryStore != nil {
		d.memoryStore.Destroy()
		d.memoryStore = nil
	}
	if d.backend != nil {
		if err := d.backend.Close(); err != nil {
			zl := d.logger.Zerolog()
			zl.Warn().Err(err).Msg("Failed to close storage backend")
		}
		d.backend = nil
	}
	if d.tracingEnabled {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracing.ShutdownOpenTelemetry(ctx)
		d.tracingEnabled = false
	}
}

// Run starts the daemon and blocks until SIGINT or SIGTERM.
func (d *Daemon) Run() error {
	if err := d.Start(); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	zl := d.logger.Zerolog()
	zl.Info().Str("signal", sig.String()).Msg("Received shutdown signal")

	return d.Stop()
}

// StateStore exposes the session state store for CLI commands.
func (d *Daemon) StateStore() *state.Store {
	return d.stateStore
}
