package cli

import (
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/averin/strand/internal/config"
	"github.com/averin/strand/pkg/transcript"
)

var resetCmd = &cobra.Command{
	Use:   "reset <session-id>",
	Short: "Reset a session's state and delete its transcript",
	Args:  cobra.ExactArgs(1),
	RunE:  runReset,
}

func init() {
	rootCmd.AddCommand(resetCmd)
}

func runReset(cmd *cobra.Command, args []string) error {
	sessionID := args[0]

	store, closeFn, err := openStateStore()
	if err != nil {
		return err
	}
	defer closeFn()

	if err := store.Reset(cmd.Context(), sessionID); err != nil {
		return fmt.Errorf("failed to reset session state: %w", err)
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	log, err := transcript.NewLog(filepath.Join(cfg.DataDir, "transcripts"), zerolog.Nop())
	if err != nil {
		return err
	}
	if err := log.Delete(cmd.Context(), sessionID); err != nil {
		return fmt.Errorf("failed to delete transcript: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "session %s reset\n", sessionID)
	return nil
}
