// Command migrate manages the paygate PostgreSQL schema: the settled
// transaction log and the refund ledger.
//
// Usage:
//
//	migrate [-database-url URL] up             apply pending migrations
//	migrate [-database-url URL] down           roll back the newest migration
//	migrate [-database-url URL] redo           roll back and re-apply the newest
//	migrate [-database-url URL] up-to VERSION  migrate up to VERSION
//	migrate [-database-url URL] down-to VERSION
//	migrate [-database-url URL] status         list applied and pending migrations
//	migrate [-database-url URL] version        print the applied version
//	migrate [-database-url URL] check          exit 1 when migrations are pending
//
// The server applies pending migrations itself on start; this command is for
// deploy pipelines and rollbacks. DATABASE_URL is used when the flag is unset.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/mbd888/paygate/internal/logging"
	"github.com/mbd888/paygate/migrations"
)

var errPending = errors.New("migrations pending")

// commands maps each accepted command to the number of arguments it takes.
var commands = map[string]int{
	"up":      0,
	"down":    0,
	"redo":    0,
	"status":  0,
	"version": 0,
	"check":   0,
	"up-to":   1,
	"down-to": 1,
}

type invocation struct {
	dbURL   string
	command string
	args    []string
}

func main() {
	_ = godotenv.Load()
	logger := logging.New(envOr("LOG_LEVEL", "info"), envOr("LOG_FORMAT", "text"))

	inv, err := parseArgs(os.Args[1:], os.Getenv, os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		logger.Error("invalid invocation", "error", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, inv, logger); err != nil {
		logger.Error("migration failed", "command", inv.command, "error", err)
		os.Exit(1)
	}
}

func parseArgs(argv []string, getenv func(string) string, out io.Writer) (invocation, error) {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.SetOutput(out)
	dbURL := fs.String("database-url", "", "PostgreSQL connection string (default $DATABASE_URL)")
	fs.Usage = func() {
		fmt.Fprintln(out, "usage: migrate [-database-url URL] <up|down|redo|status|version|check|up-to N|down-to N>")
		fs.PrintDefaults()
	}
	if err := fs.Parse(argv); err != nil {
		return invocation{}, err
	}

	inv := invocation{dbURL: *dbURL}
	if inv.dbURL == "" {
		inv.dbURL = getenv("DATABASE_URL")
	}
	if inv.dbURL == "" {
		return invocation{}, errors.New("a database URL is required: set DATABASE_URL or -database-url")
	}

	rest := fs.Args()
	if len(rest) == 0 {
		fs.Usage()
		return invocation{}, errors.New("missing command")
	}
	inv.command, inv.args = rest[0], rest[1:]
	want, ok := commands[inv.command]
	if !ok {
		return invocation{}, fmt.Errorf("unknown command %q", inv.command)
	}
	if len(inv.args) != want {
		return invocation{}, fmt.Errorf("%s takes %d argument(s), got %d", inv.command, want, len(inv.args))
	}
	if want == 1 {
		if _, err := strconv.ParseInt(inv.args[0], 10, 64); err != nil {
			return invocation{}, fmt.Errorf("%s: version must be an integer: %w", inv.command, err)
		}
	}
	return inv, nil
}

func run(ctx context.Context, inv invocation, logger *slog.Logger) error {
	db, err := sql.Open("postgres", inv.dbURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}

	if inv.command == "check" {
		current, latest, err := migrations.Versions(ctx, db)
		if err != nil {
			return err
		}
		logger.Info("schema version", "current", current, "latest", latest)
		if current < latest {
			return fmt.Errorf("%w: at %d, latest is %d", errPending, current, latest)
		}
		return nil
	}

	start := time.Now()
	if err := migrations.Run(ctx, inv.command, db, inv.args...); err != nil {
		return err
	}
	logger.Info("migration command finished", "command", inv.command, "duration", time.Since(start))
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
