package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/signalix/identity/internal/app"
	"github.com/signalix/identity/internal/config"
	"github.com/signalix/identity/internal/db"
	"github.com/signalix/identity/internal/logger"
	"github.com/signalix/identity/internal/repo"
)

// env carries what every subcommand needs
type env struct {
	envFile string
	cfg     *config.Config
	log     *zap.Logger
}

func newRootCmd() *cobra.Command {
	e := &env{}
	root := &cobra.Command{
		Use:           "identityctl",
		Short:         "Maintenance tasks for the identity service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(e.envFile)
			if err != nil {
				return err
			}
			log, err := logger.New(cfg.Env, cfg.LogLevel)
			if err != nil {
				return err
			}
			e.cfg, e.log = cfg, log
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if e.log != nil {
				_ = e.log.Sync()
			}
		},
	}
	root.PersistentFlags().StringVar(&e.envFile, "env-file", ".env", "dotenv file to load before the environment")

	root.AddCommand(newMigrateCmd(e), newCleanupCmd(e), newRotateCmd(e))
	return root
}

func newMigrateCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if e.cfg.Database.Driver != config.DriverPostgres {
				return fmt.Errorf("migrate needs DATABASE_DRIVER=%s, got %q", config.DriverPostgres, e.cfg.Database.Driver)
			}
			conn, err := db.Open(cmd.Context(), e.cfg.Database.URL, e.log)
			if err != nil {
				return err
			}
			defer conn.Close()

			if err := db.Migrate(cmd.Context(), conn); err != nil {
				return err
			}
			e.log.Info("migrations applied")
			return nil
		},
	}
}

func newCleanupCmd(e *env) *cobra.Command {
	var only string
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Run the cleanup jobs once and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), e, func(ctx context.Context, a *app.App) error {
				if only == "" {
					return a.Scheduler.RunAll(ctx)
				}
				for _, job := range a.Scheduler.Jobs() {
					if job.Name == only {
						_, err := a.Scheduler.RunOnce(ctx, job)
						return err
					}
				}
				return fmt.Errorf("unknown job %q", only)
			})
		},
	}
	cmd.Flags().StringVar(&only, "job", "", "run a single job (challenges, sessions, signups)")
	return cmd
}

func newRotateCmd(e *env) *cobra.Command {
	var (
		userID string
		revoke bool
	)
	cmd := &cobra.Command{
		Use:   "rotate-secrets",
		Short: "Rotate a user's signing secrets, invalidating their outstanding tokens",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			id, err := uuid.Parse(userID)
			if err != nil {
				return fmt.Errorf("invalid --user: %w", err)
			}
			return withApp(cmd.Context(), e, func(ctx context.Context, a *app.App) error {
				if _, err := a.Store.Users().GetByID(ctx, id); err != nil {
					if errors.Is(err, repo.ErrNotFound) {
						return fmt.Errorf("unknown user %s", id)
					}
					return err
				}
				if revoke {
					if err := a.Service.Sessions.RevokeAll(ctx, id); err != nil {
						return err
					}
					e.log.Info("sessions revoked and secrets rotated", zap.String("user_id", id.String()))
					return nil
				}
				if _, err := a.Service.Vault.Rotate(ctx, id); err != nil {
					return err
				}
				e.log.Info("secrets rotated", zap.String("user_id", id.String()))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	cmd.Flags().BoolVar(&revoke, "revoke-sessions", false, "also end every session of the user")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

// withApp builds the service without migrating, runs fn and closes it
func withApp(ctx context.Context, e *env, fn func(context.Context, *app.App) error) (err error) {
	a, err := app.Build(ctx, e.cfg, e.log, app.WithoutMigrations())
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, a.Close())
	}()
	return fn(ctx, a)
}
