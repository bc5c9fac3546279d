package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/PortNumber53/propcare-billing/internal/auth"
	"github.com/PortNumber53/propcare-billing/internal/config"
	"github.com/PortNumber53/propcare-billing/internal/handlers"
	"github.com/PortNumber53/propcare-billing/internal/logging"
	"github.com/PortNumber53/propcare-billing/internal/migrations"
	"github.com/PortNumber53/propcare-billing/internal/store"
)

func main() {
	_ = godotenv.Load(
		"../.env",
		".env",
	)
	logging.Setup(os.Getenv("LOG_LEVEL"), "console")

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "dbtool",
		Short:        "Billing database and job maintenance",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd.Context())
		},
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "migrate",
			Short: "Apply pending migrations",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runMigrate(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show the current schema version",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				db, err := openDB(cmd.Context())
				if err != nil {
					return err
				}
				defer db.Close()

				v, dirty, err := migrations.Version(db)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "version=%d dirty=%t\n", v, dirty)
				return nil
			},
		},
		&cobra.Command{
			Use:   "fix",
			Short: "Clear a dirty migration flag so the failed step reruns",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				db, err := openDB(cmd.Context())
				if err != nil {
					return err
				}
				defer db.Close()
				return migrations.FixDirtyDatabase(db)
			},
		},
		&cobra.Command{
			Use:   "force <version>",
			Short: "Record a schema version without running migrations",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				v, err := parseVersion(args[0])
				if err != nil {
					return err
				}
				db, err := openDB(cmd.Context())
				if err != nil {
					return err
				}
				defer db.Close()
				return migrations.ForceVersion(db, v)
			},
		},
		newEnqueueCmd(),
		newTokenCmd(),
	)
	return root
}

func newEnqueueCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "enqueue <job-type>",
		Short: "Queue a billing sweep or a single reconcile",
		Example: `  dbtool enqueue billing_conversion_sweep
  dbtool enqueue billing_reconcile --user 6f1c...`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := handlers.NewManualJob(args[0], userID, time.Now())
			if err != nil {
				return err
			}

			db, err := openDB(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			jobs, err := store.NewJobStore(db)
			if err != nil {
				return err
			}
			if err := jobs.Enqueue(cmd.Context(), job); err != nil {
				if errors.Is(err, store.ErrDuplicateJob) {
					fmt.Fprintln(cmd.OutOrStdout(), "an equivalent job is already queued")
					return nil
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "queued job %d (%s)\n", job.ID, job.JobType)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "owner id for billing_reconcile")
	return cmd
}

func newTokenCmd() *cobra.Command {
	var (
		email string
		ttl   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Sign a development access token for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			verifier, err := auth.NewVerifier(os.Getenv("SUPABASE_JWT_SECRET"), os.Getenv("SUPABASE_URL"))
			if err != nil {
				return err
			}
			token, err := verifier.IssueToken(args[0], email, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "email claim")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}

func parseVersion(raw string) (uint, error) {
	v, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid version number %q", raw)
	}
	return uint(v), nil
}

func runMigrate(ctx context.Context) error {
	db, err := openDB(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	log.Info().Msg("applying migrations")
	if err := migrations.Up(db); err != nil {
		return err
	}
	log.Info().Msg("migrations applied successfully")
	return nil
}

func openDB(ctx context.Context) (*sql.DB, error) {
	dsn, err := config.LoadDatabaseURL()
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if ctx == nil {
		ctx = context.Background()
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}
