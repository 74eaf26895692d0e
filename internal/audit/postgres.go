package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// PostgresLog implements Log on Postgres. The audit_log table holds one row
// per file task; audit_log_events is the append-only trail with one row per
// state transition.
type PostgresLog struct {
	db *sqlx.DB
}

func NewPostgresLog(db *sqlx.DB) *PostgresLog {
	return &PostgresLog{db: db}
}

const entryColumns = `id, file_name, size_bytes, source_container, package_label,
	started_at, state, destination_container, completed_at, error_message`

func (l *PostgresLog) Start(ctx context.Context, rec StartRecord) (int64, error) {
	tx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var id int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO audit_log (file_name, size_bytes, source_container, package_label, started_at, state)
		VALUES ($1, $2, $3, $4, NOW(), 'received')
		RETURNING id`,
		rec.FileName, rec.SizeBytes, rec.SourceContainer, rec.PackageLabel,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert audit entry: %w", err)
	}

	if err := appendEvent(ctx, tx, id, "received"); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return id, nil
}

func (l *PostgresLog) Advance(ctx context.Context, id int64, state string) error {
	tx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE audit_log SET state = $1 WHERE id = $2 AND completed_at IS NULL`,
		state, id)
	if err != nil {
		return fmt.Errorf("advance audit entry %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("advance audit entry %d: no open entry", id)
	}

	if err := appendEvent(ctx, tx, id, state); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (l *PostgresLog) Complete(ctx context.Context, rec CompleteRecord) error {
	tx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		UPDATE audit_log
		SET state = $1, destination_container = $2, completed_at = NOW(), error_message = $3
		WHERE id = $4`,
		rec.State, rec.DestinationContainer, rec.ErrorMessage, rec.ID)
	if err != nil {
		return fmt.Errorf("complete audit entry %d: %w", rec.ID, err)
	}

	if err := appendEvent(ctx, tx, rec.ID, rec.State); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (l *PostgresLog) Orphans(ctx context.Context, startedBefore time.Time) ([]Entry, error) {
	var entries []Entry
	err := l.db.SelectContext(ctx, &entries, `
		SELECT `+entryColumns+`
		FROM audit_log
		WHERE completed_at IS NULL AND started_at < $1
		ORDER BY id`,
		startedBefore)
	if err != nil {
		return nil, fmt.Errorf("select orphans: %w", err)
	}
	return entries, nil
}

func (l *PostgresLog) Recent(ctx context.Context, limit int) ([]Entry, error) {
	var entries []Entry
	err := l.db.SelectContext(ctx, &entries, `
		SELECT `+entryColumns+`
		FROM audit_log
		ORDER BY id DESC
		LIMIT $1`,
		limit)
	if err != nil {
		return nil, fmt.Errorf("select recent: %w", err)
	}
	return entries, nil
}

func appendEvent(ctx context.Context, tx *sqlx.Tx, id int64, state string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO audit_log_events (audit_log_id, state, recorded_at) VALUES ($1, $2, NOW())`,
		id, state)
	if err != nil {
		return fmt.Errorf("append audit event for %d: %w", id, err)
	}
	return nil
}

var _ Log = (*PostgresLog)(nil)
