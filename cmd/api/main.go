package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"tracker/api/internal/app"
	"tracker/api/internal/config"
	"tracker/api/internal/logging"
	"tracker/api/internal/session"
	"tracker/api/internal/store"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "api",
		Short:         "Tracker API server",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP API (default)",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runServe(cmd.Context())
			},
		},
		newMigrateCmd(),
		newIssueTokenCmd(),
	)
	return root
}

func newMigrateCmd() *cobra.Command {
	var statusOnly bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd.Context(), cmd, statusOnly)
		},
	}
	cmd.Flags().BoolVar(&statusOnly, "status", false, "list pending migrations without applying them")
	return cmd
}

func newIssueTokenCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "issue-token",
		Short: "Issue a session token for an existing user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(userID) == "" {
				return fmt.Errorf("--user-id is required")
			}
			return runIssueToken(cmd.Context(), cmd, userID)
		},
	}
	cmd.Flags().StringVar(&userID, "user-id", "", "user to issue the token for")
	return cmd
}

// bootstrap loads config, builds the logger and opens the database.
func bootstrap(ctx context.Context) (config.Config, *logrus.Logger, *sql.DB, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, nil, err
	}
	log := logging.New(cfg.LogLevel, cfg.LogFormat)
	db, err := store.Open(ctx, cfg.DatabaseURL, store.PoolConfig{
		MaxOpenConns: cfg.DBMaxConns,
		MaxIdleConns: cfg.DBIdleConns,
	})
	if err != nil {
		return config.Config{}, nil, nil, fmt.Errorf("database connection failed: %w", err)
	}
	return cfg, log, db, nil
}

func runMigrate(ctx context.Context, cmd *cobra.Command, statusOnly bool) error {
	cfg, log, db, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	if statusOnly {
		pending, err := store.PendingMigrations(ctx, db, cfg.MigrationsDir)
		if err != nil {
			return err
		}
		for _, version := range pending {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		}
		return nil
	}

	applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
	if err != nil {
		return fmt.Errorf("migrations failed: %w", err)
	}
	log.WithFields(logrus.Fields{"dir": cfg.MigrationsDir, "applied": len(applied)}).Info("migrations applied")
	return nil
}

func runIssueToken(ctx context.Context, cmd *cobra.Command, userID string) error {
	cfg, _, db, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	if strings.TrimSpace(cfg.RedisURL) == "" {
		return fmt.Errorf("REDIS_URL is required to issue sessions")
	}
	sessions, err := session.NewRedisStore(cfg.RedisURL, cfg.SessionTTL)
	if err != nil {
		return fmt.Errorf("redis connection failed: %w", err)
	}
	defer sessions.Close()

	service := app.New(cfg, store.NewPostgresStore(db), app.Options{Sessions: sessions, Logger: logging.Discard()})
	token, err := service.IssueSession(ctx, userID)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
