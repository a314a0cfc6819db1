// Package main is the entry point for the user API server.
//
// USAGE:
//
//	user-api [serve] [--config config.yaml] [--env-file .env]
//	user-api migrate [--config config.yaml]
//
// Configuration comes from defaults, the optional YAML file and USER_API_*
// environment variables, in that order (see internal/config).
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/sakif/user-api/internal/config"
	sqliteRepo "github.com/sakif/user-api/internal/repository/sqlite"
	"github.com/sakif/user-api/internal/server"
)

type options struct {
	configPath string
	envFile    string
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "user-api",
		Short:         "Account, login and profile API",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to a YAML config file")
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", "", "path to a .env file loaded before the environment is read")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(opts)
		},
	})
	return root
}

// load reads the env file (if any) and the configuration, and builds the
// logger. Errors before a logger exists go to stderr.
func load(opts *options) (*config.Config, *slog.Logger, error) {
	if opts.envFile != "" {
		if err := godotenv.Load(opts.envFile); err != nil {
			fmt.Fprintf(os.Stderr, "loading %s: %v\n", opts.envFile, err)
			return nil, nil, err
		}
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}
	return cfg, cfg.Log.NewLogger(), nil
}

func runServe(ctx context.Context, opts *options) error {
	cfg, logger, err := load(opts)
	if err != nil {
		return err
	}

	for _, dir := range []string{filepath.Dir(cfg.Storage.DBPath), cfg.Media.Dir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			logger.Error("failed to create directory",
				slog.String("dir", dir),
				slog.String("error", err.Error()),
			)
			return err
		}
	}

	srv, err := server.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to create server", slog.String("error", err.Error()))
		return err
	}

	// Start blocks until SIGINT or SIGTERM.
	if err := srv.Start(); err != nil {
		logger.Error("server error", slog.String("error", err.Error()))
		return err
	}
	return nil
}

// runMigrate opens the database, which applies pending migrations, and exits.
func runMigrate(opts *options) error {
	cfg, logger, err := load(opts)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Storage.DBPath), 0755); err != nil {
		logger.Error("failed to create database directory", slog.String("error", err.Error()))
		return err
	}

	db, err := sqliteRepo.New(cfg.Storage.DBPath)
	if err != nil {
		logger.Error("migration failed", slog.String("error", err.Error()))
		return err
	}
	defer db.Close()

	logger.Info("database is up to date", slog.String("database", cfg.Storage.DBPath))
	return nil
}
