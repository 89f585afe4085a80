package main

import (
	"io"
	"log"
	"os"

	"github.com/breez/field-sync/config"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	cfg *config.Config

	rootCmd = &cobra.Command{
		Use:   "field-sync",
		Short: "Offline-first record synchronization",
		Long: `field-sync keeps a local record store in sync with a remote store.

Local edits are kept dirty until the remote acknowledges them. Remote
changes are merged back without overwriting records that are still dirty.
Configuration is read from the environment (SYNC_DB_PATH, DATABASE_URL,
ACCOUNT_KEY, ...).`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			if cfg, err = config.NewConfig(); err != nil {
				return err
			}
			setupLogging(cfg)
			return nil
		},
	}
)

func init() {
	rootCmd.AddCommand(runCmd, statusCmd, writeCmd, pushCmd, pullCmd, resetCmd)
}

// setupLogging sends the standard logger to LOG_FILE as well, rotated by size.
func setupLogging(cfg *config.Config) {
	if cfg.LogFile == "" {
		return
	}
	log.SetOutput(io.MultiWriter(os.Stderr, &lumberjack.Logger{
		Filename:   cfg.LogFile,
		MaxSize:    10,
		MaxBackups: 3,
		MaxAge:     28,
	}))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
