package index

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// RecordRun appends r to the history and stamps the profile's last run time.
// An empty ID is filled in.
func (d *DB) RecordRun(ctx context.Context, r *Run) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.FinishedAt == 0 {
		r.FinishedAt = time.Now().Unix()
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (
			id, profile, root, out_dir, started_at, finished_at, status, dry_run,
			completed, skipped, failed, folders, excluded, planned, bytes, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.Profile, r.Root, r.OutDir, r.StartedAt, r.FinishedAt, string(r.Status), r.DryRun,
		r.Totals.Completed, r.Totals.Skipped, r.Totals.Failed, r.Totals.Folders, r.Totals.Excluded,
		r.Totals.Planned, r.Totals.Bytes, r.Error)
	if err != nil {
		return err
	}

	if r.Profile != "" {
		if _, err := tx.ExecContext(ctx, `UPDATE profiles SET last_run_at = ? WHERE name = ?`, r.FinishedAt, r.Profile); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListRuns returns the most recent runs first. An empty profile lists every
// run; limit <= 0 means no limit.
func (d *DB) ListRuns(ctx context.Context, profile string, limit int) (runs Runs, err error) {
	query := `
		SELECT id, profile, root, out_dir, started_at, finished_at, status, dry_run,
		       completed, skipped, failed, folders, excluded, planned, bytes, error
		FROM runs`
	var args []any
	if profile != "" {
		query += ` WHERE profile = ?`
		args = append(args, profile)
	}
	query += ` ORDER BY started_at DESC, id`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	for rows.Next() {
		var r Run
		var prof, errText sql.NullString
		var status string
		if err := rows.Scan(&r.ID, &prof, &r.Root, &r.OutDir, &r.StartedAt, &r.FinishedAt, &status, &r.DryRun,
			&r.Totals.Completed, &r.Totals.Skipped, &r.Totals.Failed, &r.Totals.Folders, &r.Totals.Excluded,
			&r.Totals.Planned, &r.Totals.Bytes, &errText); err != nil {
			return nil, err
		}
		r.Profile = prof.String
		r.Error = errText.String
		r.Status = RunStatus(status)
		r.Totals.Duration = time.Duration(r.FinishedAt-r.StartedAt) * time.Second
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return runs, nil
}
