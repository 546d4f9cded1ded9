// Command migrate manages the gate's PostgreSQL schema: approval tokens and
// the audit trail. DATABASE_URL may come from the environment or a .env file.
//
//	migrate up | down | redo | status | version
//	migrate up-to <version> | down-to <version>
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/mbd888/signgate/internal/logging"
	"github.com/mbd888/signgate/migrations"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var dbURL string
	root := &cobra.Command{
		Use:           "migrate",
		Short:         "Apply signgate schema migrations",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&dbURL, "database-url", "", "PostgreSQL DSN (default $DATABASE_URL)")

	goose := func(command string, nargs int) *cobra.Command {
		use := command
		if nargs > 0 {
			use += " <version>"
		}
		return &cobra.Command{
			Use:  use,
			Args: cobra.ExactArgs(nargs),
			RunE: func(cmd *cobra.Command, args []string) error {
				return run(cmd.Context(), dbURL, command, args)
			},
		}
	}
	root.AddCommand(
		goose("up", 0),
		goose("down", 0),
		goose("redo", 0),
		goose("status", 0),
		goose("version", 0),
		goose("up-to", 1),
		goose("down-to", 1),
	)
	return root
}

func run(ctx context.Context, dbURL, command string, args []string) error {
	logger := logging.New(os.Getenv("LOG_LEVEL"), "text")
	_ = godotenv.Load()
	if dbURL == "" {
		dbURL = os.Getenv("DATABASE_URL")
	}
	if dbURL == "" {
		logger.Error("DATABASE_URL is required")
		return fmt.Errorf("no database configured")
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		logger.Error("open database", "error", err)
		return err
	}
	defer func() { _ = db.Close() }()

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		logger.Error("connect to database", "error", err)
		return err
	}

	if err := migrations.Run(ctx, db, command, args...); err != nil {
		logger.Error("migration failed", "command", command, "error", err)
		return err
	}
	logger.Info("migration finished", "command", command)
	return nil
}
