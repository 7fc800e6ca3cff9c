package main

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/unclebandit/mailleopard-backend/internal/app"
	"github.com/unclebandit/mailleopard-backend/internal/config"
	"github.com/unclebandit/mailleopard-backend/internal/logger"
)

var (
	verbose bool
	userID  int64
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "mailctl",
	Short: "Operate the mail dispatch service",
	Long: `mailctl runs maintenance tasks against the mail dispatch database.

Example:
  mailctl migrate                         # apply schema migrations
  mailctl seed-senders --file senders.yaml --user 7
  mailctl ingest recipients.csv --subject "Hi {{first_name}}"
  mailctl purge --older-than 90d
  mailctl export --format json --status failed > failed.json
  mailctl retry 42 --user 7
  mailctl test-sender config_0 --user 7`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug output")
	rootCmd.PersistentFlags().Int64Var(&userID, "user", 0, "account id the command acts for")

	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(seedSendersCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(purgeCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(retryCmd)
	rootCmd.AddCommand(testSenderCmd)
}

func cliLogger() *slog.Logger {
	level := "info"
	if verbose {
		level = "debug"
	}
	return logger.NewWithWriter(rootCmd.ErrOrStderr(), "text", level, logger.Default()...)
}

// withApp loads configuration, builds the services and runs fn.
func withApp(ctx context.Context, fn func(a *app.App) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	a, err := app.New(ctx, cfg, cliLogger())
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func optionalUser() *int64 {
	if userID <= 0 {
		return nil
	}
	id := userID
	return &id
}
