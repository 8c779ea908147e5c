package main

import (
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/eclipse/openvsx-scan-orchestrator/internal/infra/storage"
	"github.com/eclipse/openvsx-scan-orchestrator/pkg/common/logger"
)

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withDatabase(cmd, opts, func(m migrator) error {
					if err := storage.MigrateUp(m.pool); err != nil {
						return err
					}
					m.log.Info(cmd.Context(), "Migrations applied")
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "down [steps]",
			Short: "Roll back migrations, one step by default",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				steps := 1
				if len(args) == 1 {
					n, err := strconv.Atoi(args[0])
					if err != nil || n < 1 {
						return fmt.Errorf("invalid step count %q", args[0])
					}
					steps = n
				}
				return withDatabase(cmd, opts, func(m migrator) error {
					if err := storage.MigrateDown(m.pool, steps); err != nil {
						return err
					}
					m.log.Info(cmd.Context(), "Migrations rolled back", "steps", steps)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the applied schema version",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withDatabase(cmd, opts, func(m migrator) error {
					version, dirty, err := storage.MigrationVersion(m.pool)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "version=%d dirty=%t\n", version, dirty)
					return nil
				})
			},
		},
	)
	return cmd
}

// migrator carries the database handle for schema commands.
type migrator struct {
	pool *pgxpool.Pool
	log  *logger.Logger
}

// withDatabase loads the configuration, connects to the database and runs fn.
func withDatabase(cmd *cobra.Command, opts *rootOptions, fn func(m migrator) error) error {
	ctx := cmd.Context()
	_, cfg, err := loadConfig(ctx, opts)
	if err != nil {
		return err
	}
	log := newLogger(cfg.Service.Name, cfg.Service.LogLevel)

	pool, err := connectDatabase(ctx, cfg.Database, log)
	if err != nil {
		return err
	}
	defer pool.Close()

	return fn(migrator{pool: pool, log: log})
}
