package cli

import (
	dbsql "database/sql"
	"fmt"

	"github.com/spf13/cobra"

	sqlbackend "github.com/openfinch/mail-server/internal/backend/sql"
	"github.com/openfinch/mail-server/internal/config"
	"github.com/openfinch/mail-server/internal/directory"
)

func (a *app) newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the reference schema of a SQL directory",
		Long: "Apply the bundled migrations (accounts, group_members and emails tables) " +
			"to the database of the selected sql directory. Only sqlite3 databases are supported.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, d, err := a.loadConfig()
			if err != nil {
				return err
			}
			if d.Type != config.TypeSQL {
				return directory.NewError("migrate", directory.ErrorCategoryConfiguration,
					fmt.Sprintf("directory %q has type %s, not sql", d.ID, d.Type), nil)
			}
			if d.SQL.Driver != "sqlite3" {
				return directory.Unsupported("migrate", d.SQL.Driver)
			}

			db, err := dbsql.Open(d.SQL.Driver, d.SQL.DSN)
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer db.Close()

			if err := sqlbackend.Migrate(db); err != nil {
				return fmt.Errorf("directory %q: %w", d.ID, err)
			}
			fmt.Fprintf(a.out, "directory %s migrated\n", d.ID)
			return nil
		},
	}
}
