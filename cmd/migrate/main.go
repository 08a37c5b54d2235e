// Command migrate manages the database schema with goose.
//
// Usage:
//
//	migrate up              # Apply all pending migrations
//	migrate down            # Roll back the last migration
//	migrate status          # Show migration status
//	migrate version         # Show current schema version
//	migrate redo            # Roll back and re-apply the last migration
//	migrate seed-plans      # Upsert the plan catalogue and quota templates
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strconv"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/spf13/cobra"

	"github.com/pricewatch/pricewatch/internal/billing"
	"github.com/pricewatch/pricewatch/internal/dbtx"
	"github.com/pricewatch/pricewatch/internal/plan"
	"github.com/pricewatch/pricewatch/internal/quota"
	"github.com/pricewatch/pricewatch/internal/tenant"
	"github.com/pricewatch/pricewatch/migrations"
)

var databaseURL string

var rootCmd = &cobra.Command{
	Use:           "migrate",
	Short:         "Manage the pricewatch database schema",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&databaseURL, "database-url", os.Getenv("DATABASE_URL"),
		"PostgreSQL connection string (defaults to $DATABASE_URL)")

	for _, name := range []string{"up", "down", "status", "version", "redo", "reset"} {
		rootCmd.AddCommand(gooseCmd(name, cobra.NoArgs))
	}
	rootCmd.AddCommand(gooseCmd("up-to", cobra.ExactArgs(1)))
	rootCmd.AddCommand(gooseCmd("down-to", cobra.ExactArgs(1)))
	rootCmd.AddCommand(seedPlansCmd)
}

func gooseCmd(command string, args cobra.PositionalArgs) *cobra.Command {
	return &cobra.Command{
		Use:   command,
		Short: "goose " + command,
		Args:  args,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				if _, err := strconv.ParseInt(args[0], 10, 64); err != nil {
					return fmt.Errorf("invalid version %q", args[0])
				}
			}
			db, err := openDB(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			goose.SetBaseFS(migrations.FS)
			if err := goose.SetDialect("postgres"); err != nil {
				return err
			}
			if err := goose.RunContext(cmd.Context(), command, db, ".", args...); err != nil {
				return fmt.Errorf("migration %s failed: %w", command, err)
			}
			return nil
		},
	}
}

var seedPlansCmd = &cobra.Command{
	Use:   "seed-plans",
	Short: "Upsert the built-in plan catalogue and its quota templates",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		db, err := openDB(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		mgr := billing.NewManager(
			tenant.NewPostgresStore(db),
			plan.NewPostgresStore(db),
			quota.NewLedger(quota.NewPostgresStore(db)),
			billing.NewPostgresStore(db),
			dbtx.NewSQLRunner(db),
		)
		if err := mgr.Seed(cmd.Context()); err != nil {
			return err
		}
		fmt.Printf("seeded %d plans\n", len(plan.Catalogue()))
		return nil
	},
}

func openDB(ctx context.Context) (*sql.DB, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL or --database-url is required")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
