// cmd/execlog/migrate.go
package main

import (
	"errors"

	"chatbot-execlog/internal/infra/postgres"

	"github.com/spf13/cobra"
)

func newMigrateCmd(a *app) *cobra.Command {
	var dsn string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the execution_logs schema migrations to postgres",
		RunE: func(cmd *cobra.Command, args []string) error {
			if dsn == "" {
				dsn = a.cfg.Store.PostgresDSN
			}
			if dsn == "" {
				return errors.New("no postgres dsn: set store.postgres_dsn or pass --dsn")
			}

			applied, err := postgres.Migrate(dsn)
			if err != nil {
				return err
			}
			if applied {
				a.logger.Info("migrations applied")
			} else {
				a.logger.Info("schema already up to date")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dsn, "dsn", "", "postgres connection string (overrides store.postgres_dsn)")
	return cmd
}
