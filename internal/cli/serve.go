package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/averin/strand/internal/config"
	"github.com/averin/strand/internal/daemon"
	"github.com/averin/strand/internal/logger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the strand daemon",
	Long: `Run the strand daemon in the foreground. The daemon serves the
WebSocket gateway and blocks until it receives SIGINT or SIGTERM.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	log, err := logger.New(logger.Config{
		Level:   cfg.Logging.Level,
		File:    cfg.Logging.File,
		Console: true,
		Pretty:  cfg.Logging.Pretty,
	})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	d, err := daemon.New(cfg, loader.Path(), log)
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	return d.Run()
}
