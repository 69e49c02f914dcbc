// Package obsdb records extraction runs in SQLite: one row per run with
// source and configuration identity, plus one row per cube slice with
// its fit outcome. The store answers "which slices of which exposures
// failed, and why" without re-reading any solution directory.
package obsdb

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB wraps the report database connection.
type DB struct {
	*sql.DB
}

// Open connects to the report database at path (created if missing) and
// applies pending migrations.
func Open(path string) (*DB, error) {
	sqldb, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := sqldb.Exec(`PRAGMA foreign_keys = ON; PRAGMA busy_timeout = 5000;`); err != nil {
		sqldb.Close()
		return nil, fmt.Errorf("set pragmas: %w", err)
	}

	db := &DB{sqldb}
	if err := db.migrateUp(); err != nil {
		sqldb.Close()
		return nil, err
	}
	return db, nil
}

// migrateUp applies all pending embedded migrations.
func (db *DB) migrateUp() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load embedded migrations: %w", err)
	}
	driver, err := migratesqlite.WithInstance(db.DB, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}
	// Not closed: closing would close the shared DB connection.
	m.Log = &migrateLogger{}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// migrateLogger implements migrate.Logger.
type migrateLogger struct{}

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	log.Printf("[obsdb migrate] "+format, v...)
}

func (l *migrateLogger) Verbose() bool { return false }

// NewRunID mints a run identifier.
func NewRunID() string {
	return uuid.NewString()
}

// Run is one extraction run over a single exposure.
type Run struct {
	ID           string
	StartedAt    time.Time
	Source       string
	Instrument   string
	Filter       string
	Mask         string
	Oversample   int
	CutoutSize   int
	SlicesTotal  int
	SlicesFit    int
	SlicesFailed int
	OutputDir    string
}

// SliceOutcome is one cube slice's result within a run.
type SliceOutcome struct {
	Slice      int
	Converged  bool
	Iterations int
	Residual   float64
	ChiSq      float64
	Reason     string
}

// RecordRun inserts a run and its slice outcomes in one transaction.
func (db *DB) RecordRun(run *Run, outcomes []SliceOutcome) error {
	if run.ID == "" {
		return fmt.Errorf("run has no id")
	}
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`INSERT INTO runs
		(run_id, started_unix, source, instrument, filter, mask,
		 oversample, cutout_size, slices_total, slices_fit, slices_failed, output_dir)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.StartedAt.Unix(), run.Source, run.Instrument, run.Filter, run.Mask,
		run.Oversample, run.CutoutSize, run.SlicesTotal, run.SlicesFit, run.SlicesFailed, run.OutputDir)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", run.ID, err)
	}

	for _, o := range outcomes {
		_, err := tx.Exec(`INSERT INTO slice_outcomes
			(run_id, slice, converged, iterations, residual, chisq, reason)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			run.ID, o.Slice, o.Converged, o.Iterations, o.Residual, o.ChiSq, o.Reason)
		if err != nil {
			return fmt.Errorf("insert slice %d of run %s: %w", o.Slice, run.ID, err)
		}
	}
	return tx.Commit()
}

// GetRun fetches one run by id.
func (db *DB) GetRun(id string) (*Run, error) {
	row := db.QueryRow(`SELECT run_id, started_unix, source, instrument, filter, mask,
		oversample, cutout_size, slices_total, slices_fit, slices_failed, output_dir
		FROM runs WHERE run_id = ?`, id)
	return scanRun(row)
}

// ListRuns returns the most recent runs, newest first.
func (db *DB) ListRuns(limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`SELECT run_id, started_unix, source, instrument, filter, mask,
		oversample, cutout_size, slices_total, slices_fit, slices_failed, output_dir
		FROM runs ORDER BY started_unix DESC, run_id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// SliceOutcomes returns a run's per-slice results in slice order.
func (db *DB) SliceOutcomes(runID string) ([]SliceOutcome, error) {
	rows, err := db.Query(`SELECT slice, converged, iterations, residual, chisq, reason
		FROM slice_outcomes WHERE run_id = ? ORDER BY slice`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var outcomes []SliceOutcome
	for rows.Next() {
		var o SliceOutcome
		if err := rows.Scan(&o.Slice, &o.Converged, &o.Iterations, &o.Residual, &o.ChiSq, &o.Reason); err != nil {
			return nil, err
		}
		outcomes = append(outcomes, o)
	}
	return outcomes, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var run Run
	var started int64
	err := row.Scan(&run.ID, &started, &run.Source, &run.Instrument, &run.Filter, &run.Mask,
		&run.Oversample, &run.CutoutSize, &run.SlicesTotal, &run.SlicesFit, &run.SlicesFailed, &run.OutputDir)
	if err != nil {
		return nil, err
	}
	run.StartedAt = time.Unix(started, 0).UTC()
	return &run, nil
}
