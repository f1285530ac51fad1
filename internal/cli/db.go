package cli

import (
	"context"
	"time"

	"github.com/spf13/cobra"
)

func dbCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Cache database utilities (schema init/migrate)",
	}
	cmd.AddCommand(dbInitCmd())
	return cmd
}

func dbInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create or migrate the cache schema (SQLite, or PostgreSQL with --dsn)",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 60*time.Second)
			defer cancel()

			m, err := a.openMirror(ctx)
			if err != nil {
				return err
			}
			defer m.Close()

			v, err := m.Version(ctx)
			if err != nil {
				return err
			}
			a.out.Success("Schema ready at " + m.Location())
			a.out.Line("%s", v)
			return nil
		},
	}
	return cmd
}
