// Copyright 2026 The cropdisease Authors. SPDX-License-Identifier: Apache-2.0

package history

import (
	"context"
	"database/sql"
	_ "embed"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// schemaVersion of the registry database. Databases with a different version are rejected.
const schemaVersion = 1

// ErrSchemaMismatch indicates the registry database was created with another schema version.
var ErrSchemaMismatch = errors.New("runs registry schema version mismatch")

// ErrRunNotFound is returned for unknown run IDs.
var ErrRunNotFound = errors.New("run not found")

// Status of a training run.
type Status string

const (
	StatusRunning     Status = "running"
	StatusCompleted   Status = "completed"
	StatusInterrupted Status = "interrupted"
	StatusFailed      Status = "failed"
)

// Run is the summary of one training run.
type Run struct {
	ID         string
	Status     Status
	StartedAt  time.Time
	FinishedAt time.Time // Zero while running.

	NumClasses int
	Epochs     int
	FineTune   bool

	ModelPath       string
	BestValAccuracy float64
	TestLoss        float64
	TestAccuracy    float64
	Error           string
}

// Registry of training runs, backed by SQLite.
type Registry struct {
	db   *sql.DB
	path string
}

// OpenRegistry opens the registry database in filePath, creating it if needed.
func OpenRegistry(ctx context.Context, filePath string) (*Registry, error) {
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create directory for %q", filePath)
	}
	db, err := sql.Open("sqlite", filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open runs registry %q", filePath)
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, errors.Wrapf(err, "failed to apply %q to %q", pragma, filePath)
		}
	}
	r := &Registry{db: db, path: filePath}
	if err := r.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

// Path of the registry database.
func (r *Registry) Path() string { return r.path }

// Close the registry.
func (r *Registry) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

func (r *Registry) initSchema(ctx context.Context) error {
	var tableExists int
	err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name='schema_version'").Scan(&tableExists)
	if err != nil {
		return errors.Wrap(err, "failed to check the registry schema")
	}
	if tableExists == 0 {
		return r.createSchema(ctx)
	}
	var version int
	if err := r.db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version); err != nil {
		return errors.Wrap(err, "failed to read the registry schema version")
	}
	if version != schemaVersion {
		return errors.Wrapf(ErrSchemaMismatch, "%q has version %d, expected %d (delete it to start a new registry)",
			r.path, version, schemaVersion)
	}
	return nil
}

func (r *Registry) createSchema(ctx context.Context) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to start schema transaction")
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
		return errors.Wrap(err, "failed to create the registry schema")
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
		return errors.Wrap(err, "failed to record the registry schema version")
	}
	return errors.Wrap(tx.Commit(), "failed to commit the registry schema")
}

func formatTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func nullableString(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

// StartRun records a new run with StatusRunning. run.StartedAt defaults to now.
func (r *Registry) StartRun(ctx context.Context, run Run) error {
	if run.ID == "" {
		return errors.New("runs registry: run without ID")
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO runs (id, status, started_at, num_classes, epochs, fine_tune, model_path)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, StatusRunning, formatTime(run.StartedAt), run.NumClasses, run.Epochs, boolToInt(run.FineTune),
		nullableString(run.ModelPath))
	return errors.Wrapf(err, "runs registry: failed to record run %s", run.ID)
}

// RecordEpoch stores the metrics of one epoch of the run. Recording an epoch again replaces it.
func (r *Registry) RecordEpoch(ctx context.Context, runID string, e Epoch) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO epochs (run_id, epoch, phase, loss, accuracy, val_loss, val_accuracy, learning_rate)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, e.Epoch, string(e.Phase), e.Loss, e.Accuracy, e.ValLoss, e.ValAccuracy, e.LearningRate)
	return errors.Wrapf(err, "runs registry: failed to record epoch %d of run %s", e.Epoch, runID)
}

// FinishRun records the final status and results of the run.
func (r *Registry) FinishRun(ctx context.Context, run Run) error {
	if run.FinishedAt.IsZero() {
		run.FinishedAt = time.Now()
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, finished_at = ?, model_path = COALESCE(?, model_path),
		 best_val_accuracy = ?, test_loss = ?, test_accuracy = ?, error_message = ?
		 WHERE id = ?`,
		run.Status, formatTime(run.FinishedAt), nullableString(run.ModelPath),
		run.BestValAccuracy, run.TestLoss, run.TestAccuracy, nullableString(run.Error), run.ID)
	if err != nil {
		return errors.Wrapf(err, "runs registry: failed to finish run %s", run.ID)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errors.Wrapf(ErrRunNotFound, "runs registry: run %s", run.ID)
	}
	return nil
}

const runColumns = `id, status, started_at, finished_at, num_classes, epochs, fine_tune, model_path,
	best_val_accuracy, test_loss, test_accuracy, error_message`

func scanRun(scanner interface{ Scan(dest ...any) error }) (*Run, error) {
	var (
		fineTune                        int
		run                             Run
		status, startedAt               string
		finishedAt, modelPath, errMsg   sql.NullString
		bestVal, testLoss, testAccuracy sql.NullFloat64
	)
	err := scanner.Scan(&run.ID, &status, &startedAt, &finishedAt, &run.NumClasses, &run.Epochs, &fineTune,
		&modelPath, &bestVal, &testLoss, &testAccuracy, &errMsg)
	if err != nil {
		return nil, err
	}
	run.Status = Status(status)
	run.FineTune = fineTune != 0
	if run.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt); err != nil {
		return nil, errors.Wrapf(err, "run %s: invalid start time %q", run.ID, startedAt)
	}
	if finishedAt.Valid {
		if run.FinishedAt, err = time.Parse(time.RFC3339Nano, finishedAt.String); err != nil {
			return nil, errors.Wrapf(err, "run %s: invalid finish time %q", run.ID, finishedAt.String)
		}
	}
	run.ModelPath = modelPath.String
	run.Error = errMsg.String
	run.BestValAccuracy = bestVal.Float64
	run.TestLoss = testLoss.Float64
	run.TestAccuracy = testAccuracy.Float64
	return &run, nil
}

// GetRun returns the run with the given ID, or an error wrapping ErrRunNotFound.
func (r *Registry) GetRun(ctx context.Context, id string) (*Run, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+runColumns+" FROM runs WHERE id = ?", id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrRunNotFound, "runs registry: run %s", id)
	}
	return run, errors.Wrapf(err, "runs registry: failed to read run %s", id)
}

// ListRuns returns the most recent runs first. If limit > 0, at most limit runs are returned.
func (r *Registry) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	query := "SELECT " + runColumns + " FROM runs ORDER BY started_at DESC, id"
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "runs registry: failed to list runs")
	}
	defer func() { _ = rows.Close() }()
	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, errors.Wrap(err, "runs registry: failed to read run")
		}
		runs = append(runs, run)
	}
	return runs, errors.Wrap(rows.Err(), "runs registry: failed to list runs")
}

// Epochs returns the recorded history of the run, in epoch order.
func (r *Registry) Epochs(ctx context.Context, runID string) (History, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT epoch, phase, loss, accuracy, val_loss, val_accuracy, learning_rate
		 FROM epochs WHERE run_id = ? ORDER BY epoch`, runID)
	if err != nil {
		return nil, errors.Wrapf(err, "runs registry: failed to read epochs of run %s", runID)
	}
	defer func() { _ = rows.Close() }()
	var h History
	for rows.Next() {
		var e Epoch
		var phase string
		if err := rows.Scan(&e.Epoch, &phase, &e.Loss, &e.Accuracy, &e.ValLoss, &e.ValAccuracy, &e.LearningRate); err != nil {
			return nil, errors.Wrapf(err, "runs registry: failed to read epochs of run %s", runID)
		}
		e.Phase = Phase(phase)
		h = append(h, e)
	}
	return h, errors.Wrapf(rows.Err(), "runs registry: failed to read epochs of run %s", runID)
}
