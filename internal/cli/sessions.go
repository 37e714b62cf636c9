package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/averin/strand/internal/config"
	"github.com/averin/strand/pkg/state"
	"github.com/averin/strand/pkg/storage"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect persisted sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List known session ids",
	RunE:  runSessionsList,
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Print a session's orchestration state",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsShow,
}

func init() {
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsShowCmd)
	rootCmd.AddCommand(sessionsCmd)
}

// openStateStore opens the configured backend directly, for commands that
// run while the daemon is down.
func openStateStore() (*state.Store, func(), error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	var backend storage.Backend
	if cfg.Storage.Driver == "memory" {
		backend = storage.NewMemoryBackend()
	} else {
		backend, err = storage.NewSQLiteBackend(cfg.Storage.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open storage: %w", err)
		}
	}

	store, err := state.NewStore(state.Config{
		Backend:        backend,
		Logger:         zerolog.Nop(),
		MaxRecentTools: cfg.State.MaxRecentTools,
	})
	if err != nil {
		backend.Close()
		return nil, nil, err
	}
	return store, func() { backend.Close() }, nil
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	store, closeFn, err := openStateStore()
	if err != nil {
		return err
	}
	defer closeFn()

	sessions, err := store.List(cmd.Context())
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no sessions")
		return nil
	}
	for _, id := range sessions {
		fmt.Fprintln(cmd.OutOrStdout(), id)
	}
	return nil
}

func runSessionsShow(cmd *cobra.Command, args []string) error {
	store, closeFn, err := openStateStore()
	if err != nil {
		return err
	}
	defer closeFn()

	st, err := store.Get(context.Background(), args[0])
	if err != nil {
		return err
	}
	raw, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(raw))
	return nil
}
