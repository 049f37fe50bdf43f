package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sydlexius/roadie/internal/database"
)

func newMigrateCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and print the schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd.Context(), func(a *app) error {
				v, err := database.Version(a.db)
				if err != nil {
					return err
				}
				if ctx.forceJSON() {
					return writeJSON(cmd, map[string]any{"database": a.cfg.Database.Path, "version": v})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s at schema version %d\n", a.cfg.Database.Path, v)
				return nil
			})
		},
	}
}
