package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/spf13/cobra"

	"mailguard/internal/config"
	"mailguard/internal/logger"
	"mailguard/internal/store"
	"mailguard/pkg/bootstrap"
	"mailguard/pkg/logging"
)

const envDSN = "MAILGUARD_DB_DSN"

var (
	configFile string
	dsn        string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the record store schema",
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file")

	rootCmd.AddCommand(postgresCmd(), ensureCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func postgresCmd() *cobra.Command {
	var (
		up      bool
		down    bool
		steps   int
		version bool
		force   int
	)

	cmd := &cobra.Command{
		Use:   "postgres",
		Short: "Run the embedded PostgreSQL migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			earlyLog := logging.NewEarlyLog("migrate")

			target, err := resolveDSN()
			if err != nil {
				earlyLog.Error("Failed to resolve DSN: %v", err)
				return err
			}

			source, err := iofs.New(store.PostgresMigrations, store.PostgresMigrationsDir)
			if err != nil {
				return fmt.Errorf("failed to create migration source: %w", err)
			}

			m, err := migrate.NewWithSourceInstance("iofs", source, target)
			if err != nil {
				return fmt.Errorf("failed to create migrator: %w", err)
			}
			defer m.Close()

			switch {
			case version:
				v, dirty, err := m.Version()
				if err != nil {
					return fmt.Errorf("failed to get version: %w", err)
				}
				fmt.Printf("version: %d, dirty: %v\n", v, dirty)
			case cmd.Flags().Changed("force"):
				if err := m.Force(force); err != nil {
					return fmt.Errorf("failed to force version: %w", err)
				}
				fmt.Printf("forced to version %d\n", force)
			case up:
				if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
					return fmt.Errorf("failed to run up migrations: %w", err)
				}
				fmt.Println("migrations applied successfully")
			case down:
				if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
					return fmt.Errorf("failed to run down migrations: %w", err)
				}
				fmt.Println("migrations reverted successfully")
			case steps != 0:
				if err := m.Steps(steps); err != nil && !errors.Is(err, migrate.ErrNoChange) {
					return fmt.Errorf("failed to run migrations: %w", err)
				}
				fmt.Printf("applied %d migration steps\n", steps)
			default:
				return cmd.Help()
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dsn, "dsn", "", "Database connection string (defaults to "+envDSN+" or the config file)")
	cmd.Flags().BoolVar(&up, "up", false, "Run all up migrations")
	cmd.Flags().BoolVar(&down, "down", false, "Run all down migrations")
	cmd.Flags().IntVar(&steps, "steps", 0, "Number of migrations (positive=up, negative=down)")
	cmd.Flags().BoolVar(&version, "version", false, "Print current migration version")
	cmd.Flags().IntVar(&force, "force", -1, "Force set version (use with caution)")

	return cmd
}

// ensureCmd prepares whichever backend store.type selects: migrations for
// PostgreSQL, indexes for MongoDB, keyspace and table for Cassandra, the table
// for Azure Tables.
func ensureCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ensure",
		Short: "Create the schema for the configured store backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			earlyLog := logging.NewEarlyLog("migrate")

			cfg, err := loadConfig()
			if err != nil {
				earlyLog.Error("Failed to load config: %v", err)
				return err
			}
			cfg.Database.RunMigrations = true

			log, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
			if err != nil {
				return fmt.Errorf("failed to init logger: %w", err)
			}
			defer log.Sync()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			connector := bootstrap.NewDatabaseConnector(cfg, log)
			defer connector.ShutdownDatabases(context.Background())

			st, err := connector.InitStore(ctx, nil)
			if err != nil {
				return err
			}
			defer st.Close()

			log.Infow("Store schema ready", "type", cfg.Store.Type)
			return nil
		},
	}
}

func loadConfig() (*config.Config, error) {
	if configFile == "" {
		configFile = os.Getenv("CONFIG_FILE")
	}
	return config.Load(configFile)
}

func resolveDSN() (string, error) {
	if dsn != "" {
		return dsn, nil
	}
	if env := os.Getenv(envDSN); env != "" {
		return env, nil
	}

	cfg, err := loadConfig()
	if err != nil {
		return "", err
	}
	return bootstrap.PostgresDSN(cfg.Database.Postgres), nil
}
