package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/cuongbtq/training-dashboard/internal/archive"
	"github.com/cuongbtq/training-dashboard/internal/dashboard"
	"github.com/cuongbtq/training-dashboard/internal/remote"
	"github.com/cuongbtq/training-dashboard/shared/logger"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/cobra"
)

// app carries what every subcommand needs once flags are parsed
type app struct {
	baseURL     string
	token       string
	archivePath string
	timeout     time.Duration
	interval    time.Duration
	logLevel    string

	log       *logger.Logger
	db        *sqlx.DB
	dashboard *dashboard.Dashboard
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// execute runs one command line and releases everything it opened
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	a := &app{}
	defer a.close()

	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	return root.ExecuteContext(ctx)
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "trainctl",
		Short:         "Submit, inspect and retry model-training jobs",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.open(cmd.Context())
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.baseURL, "base-url", envOr("TRAINCTL_BASE_URL", "http://localhost:8000/api/v1"), "Remote job service URL ($TRAINCTL_BASE_URL)")
	flags.StringVar(&a.token, "token", os.Getenv("TRAINCTL_TOKEN"), "Bearer token ($TRAINCTL_TOKEN)")
	flags.StringVar(&a.archivePath, "archive", "", "Path to a SQLite archive of snapshots and lineage")
	flags.DurationVar(&a.timeout, "timeout", 10*time.Second, "Per-request timeout")
	flags.StringVar(&a.logLevel, "log-level", "warn", "Log level (debug|info|warn|error)")

	root.AddCommand(
		newListCmd(a),
		newSubmitCmd(a),
		newRetryCmd(a),
		newLogCmd(a),
		newLineageCmd(a),
		newWatchCmd(a),
	)
	return root
}

func (a *app) open(ctx context.Context) error {
	if a.token == "" {
		return fmt.Errorf("a bearer token is required (--token or TRAINCTL_TOKEN)")
	}

	log, err := logger.New(&logger.Config{
		Level:  a.logLevel,
		Format: "console",
		Output: "stderr",
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	a.log = log

	client, err := remote.NewClient(&remote.Config{
		BaseURL:        a.baseURL,
		RequestTimeout: a.timeout,
	}, log.Component("remote"))
	if err != nil {
		return err
	}

	cfg := &dashboard.Config{
		Logger:             log.Logger,
		Remote:             client,
		SyncInterval:       a.interval,
		SyncRequestTimeout: a.timeout,
	}

	if a.archivePath != "" {
		db, err := sqlx.Connect("sqlite3", a.archivePath)
		if err != nil {
			return fmt.Errorf("failed to open archive: %w", err)
		}
		a.db = db

		storage := archive.NewStorage(db, log.Component("archive"))
		if err := storage.EnsureSchema(ctx); err != nil {
			return err
		}
		cfg.Archive = storage
	}

	d, err := dashboard.New(ctx, cfg)
	if err != nil {
		return err
	}
	d.Credentials().Set(a.token)
	a.dashboard = d
	return nil
}

func (a *app) close() {
	if a.dashboard != nil {
		a.dashboard.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
	if a.log != nil {
		a.log.Close()
	}
}

// refresh loads the current snapshot; commands act on what the service reports now
func (a *app) refresh(ctx context.Context) error {
	if err := a.dashboard.Refresh(ctx); err != nil {
		return fmt.Errorf("failed to load jobs: %w", err)
	}
	return nil
}
