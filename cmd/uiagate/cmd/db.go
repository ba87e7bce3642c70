package cmd

import (
	"context"
	"fmt"
	"log"

	"github.com/spf13/cobra"
	"github.com/uptrace/bun/migrate"

	"github.com/jmcleod/uiagate/storage/bunx"
	"github.com/jmcleod/uiagate/storage/sqlstore/migrations"
)

var dbCmd = &cobra.Command{
	Use:               "db",
	Short:             "Database management commands",
	Long:              `Commands for managing the enrollment database schema.`,
	PersistentPreRunE: loadConfig,
}

// withMigrator opens the configured database and hands fn a migrator.
func withMigrator(fn func(ctx context.Context, m *migrate.Migrator) error) error {
	ctx := context.Background()
	db, err := bunx.NewDB(ctx, cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer bunx.Close(db)
	return fn(ctx, migrate.NewMigrator(db, migrations.Migrations))
}

// locked runs fn while holding the migration lock.
func locked(ctx context.Context, m *migrate.Migrator, fn func() error) error {
	if err := m.Lock(ctx); err != nil {
		return fmt.Errorf("failed to acquire migration lock: %w", err)
	}
	defer func() {
		if err := m.Unlock(ctx); err != nil {
			log.Printf("Warning: failed to release migration lock: %v", err)
		}
	}()
	return fn()
}

var dbInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize migration tables",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMigrator(func(ctx context.Context, m *migrate.Migrator) error {
			if err := m.Init(ctx); err != nil {
				return fmt.Errorf("failed to initialize migrator: %w", err)
			}
			log.Printf("Migration tables initialized")
			return nil
		})
	},
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMigrator(func(ctx context.Context, m *migrate.Migrator) error {
			if err := m.Init(ctx); err != nil {
				return fmt.Errorf("failed to initialize migrator: %w", err)
			}
			return locked(ctx, m, func() error {
				group, err := m.Migrate(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				logGroup(group, "Applied", "No new migrations to apply")
				return nil
			})
		})
	},
}

var dbRollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Roll back the last migration group",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMigrator(func(ctx context.Context, m *migrate.Migrator) error {
			return locked(ctx, m, func() error {
				group, err := m.Rollback(ctx)
				if err != nil {
					return fmt.Errorf("rollback failed: %w", err)
				}
				logGroup(group, "Rolled back", "No migrations to roll back")
				return nil
			})
		})
	},
}

var dbStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show migration status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMigrator(func(ctx context.Context, m *migrate.Migrator) error {
			ms, err := m.MigrationsWithStatus(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			for _, mg := range ms {
				status := "pending"
				if mg.GroupID > 0 {
					status = fmt.Sprintf("applied (group %d)", mg.GroupID)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", mg.Name, status)
			}
			return nil
		})
	},
}

func logGroup(group *migrate.MigrationGroup, verb, empty string) {
	if group.IsZero() {
		log.Print(empty)
		return
	}
	log.Printf("%s migration group %d", verb, group.ID)
}

func init() {
	rootCmd.AddCommand(dbCmd)
	dbCmd.AddCommand(dbInitCmd)
	dbCmd.AddCommand(dbMigrateCmd)
	dbCmd.AddCommand(dbRollbackCmd)
	dbCmd.AddCommand(dbStatusCmd)
}
