package resultstore

import (
	"context"
	"database/sql"
	"fmt"
)

const SchemaVersion = 1

// Migrate creates the result schema in-place. It is idempotent.
func Migrate(ctx context.Context, db *sql.DB) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if db == nil {
		return fmt.Errorf("db is nil")
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			schema_version INTEGER NOT NULL
		);`,
		`INSERT INTO schema_meta (id, schema_version)
			VALUES (1, 0)
			ON CONFLICT(id) DO NOTHING;`,

		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			started_at TEXT NOT NULL,
			ended_at TEXT NOT NULL,
			status TEXT NOT NULL,
			input TEXT,
			-- config is the run configuration as JSON.
			config TEXT,
			records INTEGER NOT NULL,
			succeeded INTEGER NOT NULL,
			failed INTEGER NOT NULL,
			skipped INTEGER NOT NULL,
			rejected INTEGER NOT NULL,
			warnings INTEGER NOT NULL,
			regions INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);`,

		`CREATE TABLE IF NOT EXISTS records (
			run_id TEXT NOT NULL,
			record_index INTEGER NOT NULL,
			record_id TEXT NOT NULL,
			length INTEGER NOT NULL,
			status TEXT NOT NULL,
			reason TEXT,
			worker INTEGER NOT NULL,
			duration_us INTEGER NOT NULL,
			PRIMARY KEY(run_id, record_index),
			FOREIGN KEY(run_id) REFERENCES runs(run_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_records_record_id ON records(record_id);`,

		`CREATE TABLE IF NOT EXISTS regions (
			run_id TEXT NOT NULL,
			record_id TEXT NOT NULL,
			region_number INTEGER NOT NULL,
			start_pos INTEGER NOT NULL,
			end_pos INTEGER NOT NULL,
			-- products and contributors are JSON arrays.
			products TEXT NOT NULL,
			provenance TEXT NOT NULL,
			contributors TEXT NOT NULL,
			PRIMARY KEY(run_id, record_id, region_number),
			FOREIGN KEY(run_id) REFERENCES runs(run_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_regions_span ON regions(record_id, start_pos, end_pos);`,

		`CREATE TABLE IF NOT EXISTS failures (
			run_id TEXT NOT NULL,
			record_index INTEGER NOT NULL,
			record_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			message TEXT NOT NULL,
			PRIMARY KEY(run_id, record_index),
			FOREIGN KEY(run_id) REFERENCES runs(run_id)
		);`,

		`CREATE TABLE IF NOT EXISTS rejections (
			run_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			record_id TEXT NOT NULL,
			location TEXT NOT NULL,
			schema_id TEXT NOT NULL,
			message TEXT NOT NULL,
			-- errors is a JSON array of validation errors.
			errors TEXT,
			PRIMARY KEY(run_id, seq),
			FOREIGN KEY(run_id) REFERENCES runs(run_id)
		);`,

		`CREATE TABLE IF NOT EXISTS warnings (
			run_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			record_id TEXT NOT NULL,
			reason TEXT NOT NULL,
			definition TEXT NOT NULL,
			PRIMARY KEY(run_id, seq),
			FOREIGN KEY(run_id) REFERENCES runs(run_id)
		);`,
	}

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec schema statement: %w", err)
		}
	}

	var current int
	if err := tx.QueryRowContext(ctx, `SELECT schema_version FROM schema_meta WHERE id=1`).Scan(&current); err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}
	if current > SchemaVersion {
		return fmt.Errorf("result store schema version %d is newer than supported version %d", current, SchemaVersion)
	}
	if current != SchemaVersion {
		if _, err := tx.ExecContext(ctx, `UPDATE schema_meta SET schema_version=? WHERE id=1`, SchemaVersion); err != nil {
			return fmt.Errorf("update schema_version: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

// Version returns the stored schema version.
func Version(ctx context.Context, db *sql.DB) (int, error) {
	var v int
	err := db.QueryRowContext(ctx, `SELECT schema_version FROM schema_meta WHERE id=1`).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("read schema_version: %w", err)
	}
	return v, nil
}
