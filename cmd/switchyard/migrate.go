package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Strob0t/Switchyard/internal/adapter/postgres"
)

var rollbackSteps int

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the learning store schema",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDSN(func(ctx context.Context, dsn string) error {
			if err := postgres.RunMigrations(ctx, dsn); err != nil {
				return err
			}
			return printVersion(ctx, dsn)
		})
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the last --steps migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		if rollbackSteps < 1 {
			return fmt.Errorf("--steps must be >= 1, got %d", rollbackSteps)
		}
		return withDSN(func(ctx context.Context, dsn string) error {
			if err := postgres.RollbackMigrations(ctx, dsn, rollbackSteps); err != nil {
				return err
			}
			return printVersion(ctx, dsn)
		})
	},
}

var migrateVersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the current schema version",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDSN(printVersion)
	},
}

func init() {
	migrateDownCmd.Flags().IntVar(&rollbackSteps, "steps", 1, "number of migrations to roll back")
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd, migrateVersionCmd)
	rootCmd.AddCommand(migrateCmd)
}

func withDSN(fn func(ctx context.Context, dsn string) error) error {
	cfg, closeLog, err := loadConfig()
	if err != nil {
		return err
	}
	defer closeLog()
	if cfg.Postgres.DSN == "" {
		return errors.New("postgres.dsn (or DATABASE_URL) is not set")
	}
	return fn(context.Background(), cfg.Postgres.DSN)
}

func printVersion(ctx context.Context, dsn string) error {
	v, err := postgres.MigrationVersion(ctx, dsn)
	if err != nil {
		return err
	}
	fmt.Printf("Schema version: %d\n", v)
	return nil
}
