package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dungtrantricreative-ui/Manus-C-Sen/internal/config"
	"github.com/dungtrantricreative-ui/Manus-C-Sen/internal/daemon"
	"github.com/dungtrantricreative-ui/Manus-C-Sen/internal/logger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Manus daemon",
	Long: `Run the daemon in the foreground: the run queue, the job scheduler,
and the operator gateway. Stop it with SIGINT or SIGTERM; in-flight
sessions get a grace period to finish.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration, run `manus configure`: %w", err)
	}
	if rootCmd.PersistentFlags().Changed("log-level") {
		cfg.Logging.Level = logLevel
	}

	log, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   cfg.Logging.Console,
		Pretty:    cfg.Logging.Pretty,
		Redaction: cfg.Logging.Redaction,
	})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	d, err := daemon.New(cfg, log)
	if err != nil {
		return err
	}
	if err := d.Start(); err != nil {
		return err
	}

	cmd.Printf("Manus daemon listening on %s\n", d.Addr())
	d.Wait()
	return nil
}
