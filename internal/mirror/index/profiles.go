package index

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

const profileColumns = `name, root, out_dir, drive_id, exclude_patterns, export_formats, concurrency, created_at, last_run_at`

// UpsertProfile saves p, keeping the original creation time of an existing profile
func (d *DB) UpsertProfile(ctx context.Context, p Profile) error {
	patterns, err := json.Marshal(p.ExcludePatterns)
	if err != nil {
		return err
	}
	formats, err := json.Marshal(p.ExportFormats)
	if err != nil {
		return err
	}
	if p.CreatedAt == 0 {
		p.CreatedAt = time.Now().Unix()
	}

	_, err = d.db.ExecContext(ctx, `
		INSERT INTO profiles (`+profileColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			root=excluded.root,
			out_dir=excluded.out_dir,
			drive_id=excluded.drive_id,
			exclude_patterns=excluded.exclude_patterns,
			export_formats=excluded.export_formats,
			concurrency=excluded.concurrency
	`, p.Name, p.Root, p.OutDir, p.DriveID, string(patterns), string(formats), p.Concurrency, p.CreatedAt, p.LastRunAt)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProfile(row rowScanner) (Profile, error) {
	var p Profile
	var driveID, patterns, formats sql.NullString
	var lastRun sql.NullInt64
	if err := row.Scan(&p.Name, &p.Root, &p.OutDir, &driveID, &patterns, &formats, &p.Concurrency, &p.CreatedAt, &lastRun); err != nil {
		return Profile{}, err
	}
	p.DriveID = driveID.String
	p.LastRunAt = lastRun.Int64
	if patterns.Valid && patterns.String != "" {
		_ = json.Unmarshal([]byte(patterns.String), &p.ExcludePatterns)
	}
	if formats.Valid && formats.String != "" {
		_ = json.Unmarshal([]byte(formats.String), &p.ExportFormats)
	}
	return p, nil
}

func (d *DB) GetProfile(ctx context.Context, name string) (*Profile, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM profiles WHERE name = ?`, name)
	p, err := scanProfile(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (d *DB) ListProfiles(ctx context.Context) (profiles Profiles, err error) {
	rows, err := d.db.QueryContext(ctx, `SELECT `+profileColumns+` FROM profiles ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return profiles, nil
}

// DeleteProfile removes a profile. Its run history is kept.
func (d *DB) DeleteProfile(ctx context.Context, name string) error {
	res, err := d.db.ExecContext(ctx, `DELETE FROM profiles WHERE name = ?`, name)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
