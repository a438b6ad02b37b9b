// Package db is the sqlite model registry: published artifact versions and
// the training log.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
    CREATE TABLE IF NOT EXISTS model_versions (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        version TEXT NOT NULL UNIQUE,
        number INTEGER NOT NULL,
        file_path TEXT NOT NULL,
        accuracy REAL,
        loss REAL,
        samples INTEGER DEFAULT 0,
        created_at DATETIME NOT NULL,
        active INTEGER DEFAULT 0
    );
    CREATE TABLE IF NOT EXISTS training_log (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        job_id TEXT NOT NULL,
        model_version TEXT NOT NULL,
        accuracy REAL,
        loss REAL,
        val_accuracy REAL,
        val_loss REAL,
        epochs INTEGER,
        data_points INTEGER,
        trained_at DATETIME NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_model_versions_number ON model_versions(number);
    `

// ErrNoActiveVersion is returned when no version has been recorded yet.
var ErrNoActiveVersion = errors.New("no active model version")

type ModelVersion struct {
	Version   string    `json:"version"`
	Number    int       `json:"number"`
	FilePath  string    `json:"file_path"`
	Accuracy  float64   `json:"accuracy"`
	Loss      float64   `json:"loss"`
	Samples   int       `json:"samples"`
	CreatedAt time.Time `json:"created_at"`
	Active    bool      `json:"active"`
}

type TrainingLog struct {
	JobID        string    `json:"job_id"`
	ModelVersion string    `json:"model_version"`
	Accuracy     float64   `json:"accuracy"`
	Loss         float64   `json:"loss"`
	ValAccuracy  *float64  `json:"val_accuracy,omitempty"`
	ValLoss      *float64  `json:"val_loss,omitempty"`
	Epochs       int       `json:"epochs"`
	DataPoints   int       `json:"data_points"`
	TrainedAt    time.Time `json:"trained_at"`
}

// Store owns the registry connection.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the registry at path in WAL mode.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}
	database, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open database failed: %w", err)
	}
	database.SetMaxOpenConns(1)

	if _, err := database.Exec(schema); err != nil {
		database.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return &Store{db: database}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// RecordModelVersion inserts v and makes it the only active version.
func (s *Store) RecordModelVersion(ctx context.Context, v ModelVersion) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE model_versions SET active = 0 WHERE active = 1`); err != nil {
		tx.Rollback()
		return err
	}
	_, err = tx.ExecContext(ctx, `
        INSERT OR REPLACE INTO model_versions (version, number, file_path, accuracy, loss, samples, created_at, active)
        VALUES (?, ?, ?, ?, ?, ?, ?, 1)`,
		v.Version, v.Number, v.FilePath, v.Accuracy, v.Loss, v.Samples, v.CreatedAt.UTC())
	if err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// ActiveModelVersion returns the version marked active.
func (s *Store) ActiveModelVersion(ctx context.Context) (*ModelVersion, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT version, number, file_path, accuracy, loss, samples, created_at, active
        FROM model_versions
        WHERE active = 1
        ORDER BY number DESC
        LIMIT 1`)
	v, err := scanModelVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoActiveVersion
	}
	return v, err
}

// ListModelVersions returns every recorded version, newest first.
func (s *Store) ListModelVersions(ctx context.Context) ([]ModelVersion, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT version, number, file_path, accuracy, loss, samples, created_at, active
        FROM model_versions
        ORDER BY number DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	versions := make([]ModelVersion, 0)
	for rows.Next() {
		v, err := scanModelVersion(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, *v)
	}
	return versions, rows.Err()
}

// MaxVersion returns the highest recorded version number, or 0.
func (s *Store) MaxVersion(ctx context.Context) (int, error) {
	var n sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(number) FROM model_versions`).Scan(&n); err != nil {
		return 0, err
	}
	return int(n.Int64), nil
}

func (s *Store) SaveTrainingLog(ctx context.Context, entry TrainingLog) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO training_log (job_id, model_version, accuracy, loss, val_accuracy, val_loss, epochs, data_points, trained_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.JobID, entry.ModelVersion, entry.Accuracy, entry.Loss,
		nullFloat(entry.ValAccuracy), nullFloat(entry.ValLoss),
		entry.Epochs, entry.DataPoints, entry.TrainedAt.UTC())
	return err
}

// LoadTrainingLog returns the most recent entries first; limit <= 0 means all.
func (s *Store) LoadTrainingLog(ctx context.Context, limit int) ([]TrainingLog, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT job_id, model_version, accuracy, loss, val_accuracy, val_loss, epochs, data_points, trained_at
        FROM training_log
        ORDER BY trained_at DESC, id DESC
        LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]TrainingLog, 0)
	for rows.Next() {
		var entry TrainingLog
		var valAccuracy, valLoss sql.NullFloat64
		if err := rows.Scan(&entry.JobID, &entry.ModelVersion, &entry.Accuracy, &entry.Loss,
			&valAccuracy, &valLoss, &entry.Epochs, &entry.DataPoints, &entry.TrainedAt); err != nil {
			return nil, err
		}
		if valAccuracy.Valid {
			entry.ValAccuracy = &valAccuracy.Float64
		}
		if valLoss.Valid {
			entry.ValLoss = &valLoss.Float64
		}
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanModelVersion(row scanner) (*ModelVersion, error) {
	var v ModelVersion
	var accuracy, loss sql.NullFloat64
	if err := row.Scan(&v.Version, &v.Number, &v.FilePath, &accuracy, &loss, &v.Samples, &v.CreatedAt, &v.Active); err != nil {
		return nil, err
	}
	v.Accuracy = accuracy.Float64
	v.Loss = loss.Float64
	return &v, nil
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}
