// Package migrations embeds the goose SQL migrations.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"errors"

	"github.com/pressly/goose/v3"
)

//go:embed *.sql
var FS embed.FS

// Up applies all pending migrations.
func Up(ctx context.Context, db *sql.DB) error {
	return Run(ctx, "up", db)
}

// Run runs a goose command against the embedded migrations.
func Run(ctx context.Context, command string, db *sql.DB, args ...string) error {
	if err := setup(); err != nil {
		return err
	}
	return goose.RunContext(ctx, command, db, ".", args...)
}

// Versions reports the applied schema version and the newest embedded one.
// A database goose has never touched reports version 0.
func Versions(ctx context.Context, db *sql.DB) (current, latest int64, err error) {
	if err := setup(); err != nil {
		return 0, 0, err
	}
	current, err = goose.GetDBVersionContext(ctx, db)
	if err != nil && !errors.Is(err, goose.ErrNoCurrentVersion) {
		return 0, 0, err
	}
	all, err := goose.CollectMigrations(".", 0, goose.MaxVersion)
	if err != nil {
		return 0, 0, err
	}
	last, err := all.Last()
	if err != nil {
		return 0, 0, err
	}
	return current, last.Version, nil
}

func setup() error {
	goose.SetBaseFS(FS)
	return goose.SetDialect("postgres")
}
