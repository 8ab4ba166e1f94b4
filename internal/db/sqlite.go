// Package db persists last known good values in sqlite so a restart does
// not publish zeros for inverters that are unreachable at startup.
package db

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	apperrors "github.com/leggler/PV-Aggregator/internal/errors"
	"github.com/leggler/PV-Aggregator/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS last_good (
    device      TEXT    NOT NULL,
    measurement TEXT    NOT NULL,
    value       INTEGER NOT NULL,
    updated_at  TEXT    NOT NULL,
    PRIMARY KEY (device, measurement)
);`

const upsertSQL = `
INSERT INTO last_good (device, measurement, value, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (device, measurement) DO UPDATE SET
    value = excluded.value,
    updated_at = excluded.updated_at`

// DB wraps the sqlite connection.
type DB struct {
	SQL *sql.DB
	log zerolog.Logger
}

// Open creates the database file and its directory if needed and ensures
// the schema exists.
func Open(path string, log zerolog.Logger) (*DB, error) {
	if path == "" {
		return nil, apperrors.Newf(apperrors.ErrStorageInit, "empty database path")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, apperrors.Wrapf(apperrors.ErrStorageInit, err, "mkdir %s", dir)
		}
	}

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrStorageInit, err, "open %s", path)
	}
	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, apperrors.Wrapf(apperrors.ErrStorageInit, err, "create schema in %s", path)
	}

	log.Info().Str("path", path).Msg("state store opened")
	return &DB{SQL: conn, log: log}, nil
}

// Load returns every stored pair.
func (d *DB) Load(ctx context.Context) ([]model.LastGood, error) {
	rows, err := d.SQL.QueryContext(ctx,
		`SELECT device, measurement, value, updated_at FROM last_good ORDER BY device, measurement`)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorageAccess, err)
	}
	defer rows.Close()

	var out []model.LastGood
	for rows.Next() {
		var (
			v  model.LastGood
			ts string
		)
		if err := rows.Scan(&v.Device, &v.Measurement, &v.Value, &ts); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrStorageAccess, err)
		}
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			v.UpdatedAt = t
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorageAccess, err)
	}
	return out, nil
}

// Upsert writes values in one transaction, replacing existing rows.
func (d *DB) Upsert(ctx context.Context, values []model.LastGood) (err error) {
	if len(values) == 0 {
		return nil
	}
	tx, err := d.SQL.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorageAccess, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, upsertSQL)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorageAccess, err)
	}
	defer stmt.Close()

	for _, v := range values {
		if _, err = stmt.ExecContext(ctx, v.Device, v.Measurement, v.Value, v.UpdatedAt.UTC().Format(time.RFC3339Nano)); err != nil {
			return apperrors.Wrapf(apperrors.ErrStorageAccess, err, "upsert %s/%s", v.Device, v.Measurement)
		}
	}
	if err = tx.Commit(); err != nil {
		return apperrors.Wrap(apperrors.ErrStorageAccess, err)
	}
	return nil
}

// Close checkpoints the WAL and closes the connection.
func (d *DB) Close() error {
	if _, err := d.SQL.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		d.log.Warn().Err(err).Msg("wal checkpoint failed")
	}
	if err := d.SQL.Close(); err != nil {
		return apperrors.Wrap(apperrors.ErrStorageClose, err)
	}
	return nil
}
