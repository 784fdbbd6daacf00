// Package migrate brings the fleet schema up to date on daemon startup.
package migrate

import (
	"context"
	"database/sql"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/and161185/ros-fleet/migrations"
)

// Up applies all pending migrations from the embedded filesystem,
// creating the profiles, credentials, and voucher_batches tables on a
// fresh database and altering them in later revisions.
func Up(ctx context.Context, dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}

	return goose.UpContext(ctx, db, ".")
}
