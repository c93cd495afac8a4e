// Package metrics keeps a durable history of pipeline runs.
//
// Uses SQLite with WAL mode; a single writer at a time is assumed,
// matching the single-orchestrator deployment model. Only the most
// recent runs are retained.
package metrics

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Added covering index on run_errors.run_id
const currentSchemaVersion = 1

// retainedRuns caps how many runs the history keeps. Older rows are
// pruned on every RecordRun.
const retainedRuns = 100

// RunRecord is one pipeline run as stored in the history.
type RunRecord struct {
	ID           string
	StartedAt    time.Time
	FinishedAt   time.Time
	Locations    int
	Successful   int
	Failed       int
	NewRecords   int
	QualityScore *float64
}

// Store provides the run-history database.
type Store struct {
	db *sql.DB
}

// Open creates or opens the run-history database at path, applying
// pragmas and migrations. Idempotent.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open metrics database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to metrics database: %w", err)
	}

	// SQLite supports one writer at a time; keep the pool at one
	// connection to avoid SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply pragmas: %w", err)
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// RecordRun inserts a run into the history and prunes rows beyond the
// retention cap.
func (s *Store) RecordRun(ctx context.Context, run RunRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, started_at, finished_at, locations, successful, failed, new_records, quality_score)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID,
		run.StartedAt.UTC().Format(time.RFC3339),
		run.FinishedAt.UTC().Format(time.RFC3339),
		run.Locations,
		run.Successful,
		run.Failed,
		run.NewRecords,
		run.QualityScore,
	)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", run.ID, err)
	}
	return s.prune(ctx)
}

// RecordError attaches an error occurrence to a run.
func (s *Store) RecordError(ctx context.Context, runID, message string, context map[string]any) error {
	var ctxJSON sql.NullString
	if len(context) > 0 {
		data, err := json.Marshal(context)
		if err != nil {
			return fmt.Errorf("encode error context: %w", err)
		}
		ctxJSON = sql.NullString{String: string(data), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_errors (run_id, occurred_at, message, context_json)
		VALUES (?, ?, ?, ?)`,
		runID, time.Now().UTC().Format(time.RFC3339), message, ctxJSON,
	)
	if err != nil {
		return fmt.Errorf("insert run error: %w", err)
	}
	return nil
}

// RecentRuns returns up to n runs, newest first.
func (s *Store) RecentRuns(ctx context.Context, n int) ([]RunRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, started_at, finished_at, locations, successful, failed, new_records, quality_score
		FROM runs ORDER BY started_at DESC, id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var r RunRecord
		var started, finished string
		var score sql.NullFloat64
		if err := rows.Scan(&r.ID, &started, &finished, &r.Locations, &r.Successful, &r.Failed, &r.NewRecords, &score); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if r.StartedAt, err = time.Parse(time.RFC3339, started); err != nil {
			return nil, fmt.Errorf("parse started_at: %w", err)
		}
		if r.FinishedAt, err = time.Parse(time.RFC3339, finished); err != nil {
			return nil, fmt.Errorf("parse finished_at: %w", err)
		}
		if score.Valid {
			v := score.Float64
			r.QualityScore = &v
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// prune deletes everything but the newest retainedRuns rows. Errors
// for pruned runs go with them via the cascading foreign key.
func (s *Store) prune(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM runs WHERE id NOT IN (
			SELECT id FROM runs ORDER BY started_at DESC, id DESC LIMIT ?
		)`, retainedRuns)
	if err != nil {
		return fmt.Errorf("prune runs: %w", err)
	}
	return nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}
	return runMigrations(db)
}

// runMigrations applies incremental schema migrations based on
// user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
		version = 1
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// migrateToV1 adds the run_errors lookup index to databases created
// before it existed. CREATE INDEX IF NOT EXISTS is a no-op on new
// databases.
func migrateToV1(db *sql.DB) error {
	_, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_run_errors_run_id ON run_errors(run_id)`)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}
