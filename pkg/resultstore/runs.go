package resultstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/3leaps/gocluster/pkg/orchestrator"
)

// RunStatus is the overall outcome of a run.
type RunStatus string

const (
	// RunStatusSuccess indicates every record was processed without failure.
	RunStatusSuccess RunStatus = "success"
	// RunStatusPartial indicates at least one record failed.
	RunStatusPartial RunStatus = "partial"
	// RunStatusCancelled indicates the run was interrupted.
	RunStatusCancelled RunStatus = "cancelled"
)

// ErrRunNotFound is returned when a run id is unknown.
var ErrRunNotFound = errors.New("run not found")

// RunRow is a row of the runs table.
type RunRow struct {
	RunID     string
	StartedAt time.Time
	EndedAt   time.Time
	Status    RunStatus
	Input     string
	Config    string

	Records   int
	Succeeded int
	Failed    int
	Skipped   int
	Rejected  int
	Warnings  int
	Regions   int
	Duration  time.Duration
}

// RunMeta describes a run beyond what its report holds.
type RunMeta struct {
	Input string

	// Config is the run configuration as JSON.
	Config []byte

	// EndedAt defaults to now.
	EndedAt time.Time
}

// StatusOf classifies a report.
func StatusOf(rep *orchestrator.Report) RunStatus {
	switch {
	case rep.Summary.Cancelled:
		return RunStatusCancelled
	case rep.Summary.Failed > 0:
		return RunStatusPartial
	default:
		return RunStatusSuccess
	}
}

// SaveReport stores a report in a single transaction. Saving the same run
// twice fails.
func SaveReport(ctx context.Context, db *sql.DB, rep *orchestrator.Report, meta RunMeta) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if rep == nil {
		return errors.New("report is nil")
	}

	ended := meta.EndedAt
	if ended.IsZero() {
		ended = time.Now()
	}
	ended = ended.UTC()
	started := ended.Add(-rep.Summary.Duration)

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	s := rep.Summary
	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs
		 (run_id, started_at, ended_at, status, input, config,
		  records, succeeded, failed, skipped, rejected, warnings, regions, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rep.RunID, formatTime(started), formatTime(ended), string(StatusOf(rep)),
		nullString(meta.Input), nullString(string(meta.Config)),
		s.Records, s.Succeeded, s.Failed, s.Skipped, s.Rejected, s.Warnings, s.Regions,
		s.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	if err := insertRecords(ctx, tx, rep); err != nil {
		return err
	}
	if err := insertProblems(ctx, tx, rep); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func insertRecords(ctx context.Context, tx *sql.Tx, rep *orchestrator.Report) error {
	recStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO records
		 (run_id, record_index, record_id, length, status, reason, worker, duration_us)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare record stmt: %w", err)
	}
	defer func() { _ = recStmt.Close() }()

	regStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO regions
		 (run_id, record_id, region_number, start_pos, end_pos, products, provenance, contributors)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare region stmt: %w", err)
	}
	defer func() { _ = regStmt.Close() }()

	for i, rec := range rep.Records {
		if rec == nil {
			continue
		}
		o := rep.Outcomes[i]
		if _, err := recStmt.ExecContext(ctx,
			rep.RunID, i, rec.ID(), rec.Len(), o.Status, nullString(o.Reason),
			o.Worker, o.Duration.Microseconds()); err != nil {
			return fmt.Errorf("insert record %s: %w", rec.ID(), err)
		}

		for n, r := range rec.Regions {
			products, err := json.Marshal(r.Products)
			if err != nil {
				return fmt.Errorf("encode products: %w", err)
			}
			contributors, err := json.Marshal(r.Contributors)
			if err != nil {
				return fmt.Errorf("encode contributors: %w", err)
			}
			if _, err := regStmt.ExecContext(ctx,
				rep.RunID, rec.ID(), n+1, r.Span.Start, r.Span.End,
				string(products), string(r.Provenance), string(contributors)); err != nil {
				return fmt.Errorf("insert region %s/%d: %w", rec.ID(), n+1, err)
			}
		}
	}
	return nil
}

func insertProblems(ctx context.Context, tx *sql.Tx, rep *orchestrator.Report) error {
	for _, f := range rep.Failures {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO failures (run_id, record_index, record_id, kind, message) VALUES (?, ?, ?, ?, ?)`,
			rep.RunID, f.Index, f.RecordID, string(f.Kind), f.Message); err != nil {
			return fmt.Errorf("insert failure: %w", err)
		}
	}

	for seq, r := range rep.Rejections {
		var errs sql.NullString
		if len(r.Errors) > 0 {
			data, err := json.Marshal(r.Errors)
			if err != nil {
				return fmt.Errorf("encode validation errors: %w", err)
			}
			errs = sql.NullString{String: string(data), Valid: true}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO rejections (run_id, seq, record_id, location, schema_id, message, errors)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			rep.RunID, seq, r.RecordID, r.Location, r.SchemaID, r.Message, errs); err != nil {
			return fmt.Errorf("insert rejection: %w", err)
		}
	}

	for seq, w := range rep.Warnings {
		def, err := json.Marshal(w.Definition)
		if err != nil {
			return fmt.Errorf("encode definition: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO warnings (run_id, seq, record_id, reason, definition) VALUES (?, ?, ?, ?, ?)`,
			rep.RunID, seq, w.RecordID, w.Reason, string(def)); err != nil {
			return fmt.Errorf("insert warning: %w", err)
		}
	}
	return nil
}

// GetRun retrieves a run by id.
func GetRun(ctx context.Context, db *sql.DB, runID string) (*RunRow, error) {
	row := db.QueryRowContext(ctx, selectRuns+` WHERE run_id = ?`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// ListRuns returns runs newest first. limit <= 0 means no limit.
func ListRuns(ctx context.Context, db *sql.DB, limit int) ([]RunRow, error) {
	query := selectRuns + ` ORDER BY started_at DESC, run_id`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []RunRow
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return out, nil
}

const selectRuns = `SELECT run_id, started_at, ended_at, status, input, config,
	records, succeeded, failed, skipped, rejected, warnings, regions, duration_ms
	FROM runs`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*RunRow, error) {
	var (
		run            RunRow
		started, ended string
		status         string
		input, config  sql.NullString
		durationMS     int64
	)
	if err := s.Scan(&run.RunID, &started, &ended, &status, &input, &config,
		&run.Records, &run.Succeeded, &run.Failed, &run.Skipped, &run.Rejected,
		&run.Warnings, &run.Regions, &durationMS); err != nil {
		return nil, err
	}

	var err error
	if run.StartedAt, err = parseTime(started); err != nil {
		return nil, err
	}
	if run.EndedAt, err = parseTime(ended); err != nil {
		return nil, err
	}
	run.Status = RunStatus(status)
	run.Input = input.String
	run.Config = config.String
	run.Duration = time.Duration(durationMS) * time.Millisecond
	return &run, nil
}

// FailureRow is a stored per-record failure.
type FailureRow struct {
	Index    int
	RecordID string
	Kind     string
	Message  string
}

// RunFailures returns a run's failures in record order.
func RunFailures(ctx context.Context, db *sql.DB, runID string) ([]FailureRow, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT record_index, record_id, kind, message FROM failures
		 WHERE run_id = ? ORDER BY record_index`, runID)
	if err != nil {
		return nil, fmt.Errorf("query failures: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []FailureRow
	for rows.Next() {
		var f FailureRow
		if err := rows.Scan(&f.Index, &f.RecordID, &f.Kind, &f.Message); err != nil {
			return nil, fmt.Errorf("scan failure: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// RejectionRow is a stored sideload rejection.
type RejectionRow struct {
	RecordID string
	Location string
	SchemaID string
	Message  string
}

// RunRejections returns a run's rejected sideload entries in report order.
func RunRejections(ctx context.Context, db *sql.DB, runID string) ([]RejectionRow, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT record_id, location, schema_id, message FROM rejections
		 WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("query rejections: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []RejectionRow
	for rows.Next() {
		var r RejectionRow
		if err := rows.Scan(&r.RecordID, &r.Location, &r.SchemaID, &r.Message); err != nil {
			return nil, fmt.Errorf("scan rejection: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
