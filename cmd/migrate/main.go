package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/pressly/goose/v3"
	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	"tender_bot/migrations"
)

var (
	dbPath   string
	db       *sql.DB
	provider *goose.Provider
)

var rootCmd = &cobra.Command{
	Use:           "migrate",
	Short:         "Manage the tender bot database schema",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		db, err = sql.Open("sqlite", dbPath)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		provider, err = migrations.NewProvider(db)
		return err
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if db != nil {
			if err := db.Close(); err != nil {
				return fmt.Errorf("close database: %w", err)
			}
		}
		return nil
	},
}

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Migrate to the latest version",
	RunE: func(cmd *cobra.Command, args []string) error {
		results, err := provider.Up(cmd.Context())
		for _, r := range results {
			fmt.Println(r)
		}
		if err != nil {
			return fmt.Errorf("up: %w", err)
		}
		if len(results) == 0 {
			fmt.Println("no pending migrations")
		}
		return nil
	},
}

var upOneCmd = &cobra.Command{
	Use:   "up-one",
	Short: "Migrate one version up",
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := provider.UpByOne(cmd.Context())
		if err != nil {
			return fmt.Errorf("up-one: %w", err)
		}
		fmt.Println(r)
		return nil
	},
}

var downCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back one version",
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := provider.Down(cmd.Context())
		if err != nil {
			return fmt.Errorf("down: %w", err)
		}
		fmt.Println(r)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show migration status",
	RunE: func(cmd *cobra.Command, args []string) error {
		statuses, err := provider.Status(cmd.Context())
		if err != nil {
			return fmt.Errorf("status: %w", err)
		}
		for _, s := range statuses {
			applied := "-"
			if !s.AppliedAt.IsZero() {
				applied = s.AppliedAt.UTC().Format(time.RFC3339)
			}
			fmt.Printf("%-8s %-20s %s\n", s.State, applied, s.Source.Path)
		}
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show current version",
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := provider.GetDBVersion(cmd.Context())
		if err != nil {
			return fmt.Errorf("version: %w", err)
		}
		fmt.Printf("version %d\n", v)
		return nil
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Roll back all migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		results, err := provider.DownTo(cmd.Context(), 0)
		for _, r := range results {
			fmt.Println(r)
		}
		if err != nil {
			return fmt.Errorf("reset: %w", err)
		}
		return nil
	},
}

func init() {
	def := os.Getenv("DATABASE_PATH")
	if def == "" {
		def = "./data/bot.db"
	}
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", def, "path to sqlite database")
	rootCmd.AddCommand(upCmd, upOneCmd, downCmd, statusCmd, versionCmd, resetCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
