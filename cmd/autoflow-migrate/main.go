package main

import (
	"fmt"
	"os"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/ignatij/autoflow/internal/config"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{Use: "autoflow-migrate"}

var migrateCmd = &cobra.Command{
	Use:       "migrate [up|down]",
	Short:     "Run database migrations",
	Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"up", "down"},
	Run: func(cmd *cobra.Command, args []string) {
		// config.Load reads .env and falls back to DB_* parts for the URL.
		cfg, err := config.Load()
		if err != nil {
			fmt.Printf("Invalid configuration: %v\n", err)
			os.Exit(1)
		}
		connStr, _ := cmd.Flags().GetString("db")
		if connStr == "" {
			connStr = cfg.DatabaseURL
		}
		if connStr == "" {
			fmt.Println("Error: --db flag, DATABASE_URL or complete DB_* env vars (DB_USERNAME, DB_PASSWORD, DB_HOST, DB_PORT, DB_NAME) required")
			os.Exit(1)
		}
		source, _ := cmd.Flags().GetString("path")

		m, err := migrate.New("file://"+source, connStr)
		if err != nil {
			fmt.Printf("Failed to initialize migrations: %v\n", err)
			os.Exit(1)
		}
		defer m.Close()

		direction := "up"
		if len(args) == 1 {
			direction = args[0]
		}
		if direction == "down" {
			err = m.Down()
		} else {
			err = m.Up()
		}
		if err != nil && err != migrate.ErrNoChange {
			fmt.Printf("Failed to apply migrations (%s): %v\n", direction, err)
			os.Exit(1)
		}
		version, dirty, _ := m.Version()
		fmt.Printf("Migrations applied successfully (%s), version %d, dirty %t\n", direction, version, dirty)
	},
}

func main() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.Flags().String("db", "", "Database connection string (optional if DATABASE_URL or DB_* env vars are set)")
	migrateCmd.Flags().String("path", "migrations", "Directory holding the migration files")
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
