// cmd/chatsync/main.go
// Entry point of the chat sync gateway

package main

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/imadgeboyega/kiekky-chatsync/internal/common/logging"
	"github.com/imadgeboyega/kiekky-chatsync/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:           "chatsync",
	Short:         "Real-time chat sync gateway",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		envLoaded := godotenv.Load() == nil

		cfg = config.Load()
		if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
			cfg.LogLevel = lvl
		}
		if b, _ := cmd.Flags().GetString("backend"); b != "" {
			cfg.ChatBackend = b
		}
		if err := logging.Setup(cfg.LogLevel, cfg.LogFormat, os.Stderr); err != nil {
			return errors.Wrap(err, "configure logging")
		}
		if !envLoaded {
			log.Debug().Msg("no .env file found, using environment variables")
		}
		return errors.Wrap(cfg.Validate(), "invalid configuration")
	},
}

func main() {
	rootCmd.PersistentFlags().String("log-level", "", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().String("backend", "", "chat backend (memory, firestore, postgres)")
	rootCmd.AddCommand(newServeCommand(), newTailCommand(), newMigrateCommand(), newTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("chatsync failed")
		os.Exit(1)
	}
}
