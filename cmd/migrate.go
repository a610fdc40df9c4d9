package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nightwatchhq/nightwatch/internal/store"
)

// The gateway migrates on startup; these commands exist for operators who
// want to inspect or roll the schema by hand.
func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: func(cmd *cobra.Command, args []string) error {
				setupLogging()
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				if err := store.MigrateUp(cfg.DatabasePath()); err != nil {
					return err
				}
				fmt.Println("migrations applied")
				return nil
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the most recent migration",
			RunE: func(cmd *cobra.Command, args []string) error {
				setupLogging()
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				if err := store.MigrateDown(cfg.DatabasePath()); err != nil {
					return err
				}
				fmt.Println("rolled back one migration")
				return nil
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Print the current schema version",
			RunE: func(cmd *cobra.Command, args []string) error {
				setupLogging()
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				version, dirty, ok, err := store.MigrationVersion(cfg.DatabasePath())
				if err != nil {
					return err
				}
				if !ok {
					fmt.Println("no migrations applied")
					return nil
				}
				fmt.Printf("version %d (dirty: %v)\n", version, dirty)
				return nil
			},
		},
	)
	return cmd
}
