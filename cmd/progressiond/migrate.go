package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/alem-hub/progression-engine/config"
	"github.com/alem-hub/progression-engine/internal/infrastructure/persistence/postgres"
	"github.com/alem-hub/progression-engine/internal/infrastructure/persistence/sqlite"
)

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply pending migrations",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withMigrator(cmd.Context(), opts, cmd.OutOrStdout(), func(ctx context.Context, m *postgres.Migrator) error {
					return m.Migrate(ctx)
				})
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the most recent migration",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withMigrator(cmd.Context(), opts, cmd.OutOrStdout(), func(ctx context.Context, m *postgres.Migrator) error {
					return m.Rollback(ctx)
				})
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "List migrations and whether they are applied",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				out := cmd.OutOrStdout()
				return withMigrator(cmd.Context(), opts, out, func(ctx context.Context, m *postgres.Migrator) error {
					migrations, err := m.Status(ctx)
					if err != nil {
						return err
					}
					return printMigrations(out, migrations)
				})
			},
		},
	)
	return cmd
}

// withMigrator runs fn against postgres. The other drivers manage their own
// schema, so the command only reports on them.
func withMigrator(ctx context.Context, opts *rootOptions, out io.Writer, fn func(context.Context, *postgres.Migrator) error) error {
	cfg := opts.cfg

	switch cfg.Database.Driver {
	case config.DriverPostgres:
		conn, err := postgres.Connect(ctx, postgresConfig(cfg))
		if err != nil {
			return fmt.Errorf("connect to postgres: %w", err)
		}
		defer conn.Close()
		return fn(ctx, postgres.NewMigrator(conn))

	case config.DriverSQLite:
		db, err := sqlite.Open(cfg.Database.SQLitePath)
		if err != nil {
			return err
		}
		defer db.Close()
		v, err := db.SchemaVersion(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "sqlite schema at version %d (applied automatically on open)\n", v)
		return nil

	default:
		fmt.Fprintf(out, "driver %q has no schema\n", cfg.Database.Driver)
		return nil
	}
}

func printMigrations(out io.Writer, migrations []postgres.Migration) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tNAME\tAPPLIED")
	for _, m := range migrations {
		applied := "pending"
		if m.IsApplied {
			applied = m.AppliedAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\n", m.Version, m.Name, applied)
	}
	return tw.Flush()
}
