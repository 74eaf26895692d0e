package audit

import (
	"context"
	"database/sql"

	"github.com/pressly/goose/v3"

	"filerelay/internal/audit/migrations"
)

// RunMigrations applies the embedded audit schema migrations.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("pgx"); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, ".")
}
