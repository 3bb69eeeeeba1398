// cmd/chatsync/migrate.go

package main

import (
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/imadgeboyega/kiekky-chatsync/internal/common/database"
	"github.com/imadgeboyega/kiekky-chatsync/internal/config"
	"github.com/imadgeboyega/kiekky-chatsync/internal/messaging"
)

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the PostgreSQL chat schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.ChatBackend != config.BackendPostgres {
				return errors.Errorf("migrate needs the postgres backend, got %q", cfg.ChatBackend)
			}
			db, err := database.NewPostgresDBFromURL(cmd.Context(), cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := messaging.Migrate(cmd.Context(), db); err != nil {
				return err
			}
			log.Info().Int("statements", len(messaging.Migrations)).Msg("migrations applied")
			return nil
		},
	}
}
