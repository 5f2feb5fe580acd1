// Package store persists records, cluster assignments, and inference
// outcomes in PostgreSQL. All multi-row writes run inside a transaction so a
// dataset's mapping is never half-replaced.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/incredibeau/specific-affinity/internal/resolve"
	"github.com/incredibeau/specific-affinity/pkg/postgres"
)

// Store wraps the Postgres client with resolver-specific queries.
type Store struct {
	client *postgres.Client
	logger *slog.Logger
}

// New creates a Store.
func New(client *postgres.Client) *Store {
	return &Store{
		client: client,
		logger: slog.Default().With("component", "store"),
	}
}

// EnsureSchema creates the resolver tables when they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS records (
			dataset    TEXT NOT NULL,
			record_id  TEXT NOT NULL,
			text_value TEXT,
			amount     DOUBLE PRECISION,
			record_date TIMESTAMPTZ,
			group_id   TEXT,
			PRIMARY KEY (dataset, record_id)
		)`,
		`CREATE TABLE IF NOT EXISTS cluster_assignments (
			dataset    TEXT NOT NULL,
			record_id  TEXT NOT NULL,
			cluster_id TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (dataset, record_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_cluster_assignments_cluster
			ON cluster_assignments (dataset, cluster_id)`,
		`CREATE TABLE IF NOT EXISTS inference_results (
			dataset           TEXT NOT NULL,
			record_id         TEXT NOT NULL,
			status            TEXT NOT NULL,
			cluster_id        TEXT,
			matched_record_id TEXT,
			score             DOUBLE PRECISION,
			created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (dataset, record_id)
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.client.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensuring schema: %w", err)
		}
	}
	return nil
}

// UpsertRecords inserts or updates source records for a dataset.
func (s *Store) UpsertRecords(ctx context.Context, dataset string, records []resolve.Record) error {
	if len(records) == 0 {
		return nil
	}
	return s.client.InTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO records (dataset, record_id, text_value, amount, record_date, group_id)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (dataset, record_id) DO UPDATE SET
				text_value = EXCLUDED.text_value,
				amount = EXCLUDED.amount,
				record_date = EXCLUDED.record_date,
				group_id = EXCLUDED.group_id`)
		if err != nil {
			return fmt.Errorf("preparing record upsert: %w", err)
		}
		defer stmt.Close()
		for _, r := range records {
			var date sql.NullTime
			if !r.Date.IsZero() {
				date = sql.NullTime{Time: r.Date, Valid: true}
			}
			if _, err := stmt.ExecContext(ctx, dataset, r.ID, r.Text, r.Amount, date, r.Group); err != nil {
				return fmt.Errorf("upserting record %s: %w", r.ID, err)
			}
		}
		return nil
	})
}

// LoadRecords returns all source records for a dataset ordered by id.
func (s *Store) LoadRecords(ctx context.Context, dataset string) ([]resolve.Record, error) {
	rows, err := s.client.DB.QueryContext(ctx, `
		SELECT record_id, COALESCE(text_value, ''), COALESCE(amount, 0), record_date, COALESCE(group_id, '')
		FROM records
		WHERE dataset = $1
		ORDER BY record_id`, dataset)
	if err != nil {
		return nil, fmt.Errorf("loading records: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// LoadUnmatchedRecords returns the records whose latest inference outcome
// was unmatched, the input set for Reconcile.
func (s *Store) LoadUnmatchedRecords(ctx context.Context, dataset string) ([]resolve.Record, error) {
	rows, err := s.client.DB.QueryContext(ctx, `
		SELECT r.record_id, COALESCE(r.text_value, ''), COALESCE(r.amount, 0), r.record_date, COALESCE(r.group_id, '')
		FROM records r
		JOIN inference_results ir
			ON ir.dataset = r.dataset AND ir.record_id = r.record_id
		WHERE r.dataset = $1 AND ir.status = $2
		ORDER BY r.record_id`, dataset, string(resolve.StatusUnmatched))
	if err != nil {
		return nil, fmt.Errorf("loading unmatched records: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// ReplaceAssignments swaps the dataset's entire record→cluster mapping in
// one transaction. Build uses this, since a rebuild replaces all prior state.
func (s *Store) ReplaceAssignments(ctx context.Context, dataset string, assignments map[string]string) error {
	return s.client.InTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM cluster_assignments WHERE dataset = $1`, dataset); err != nil {
			return fmt.Errorf("clearing assignments: %w", err)
		}
		return insertAssignments(ctx, tx, dataset, assignments)
	})
}

// MergeAssignments upserts assignments without touching other records.
// Reconcile uses this to add newly discovered clusters.
func (s *Store) MergeAssignments(ctx context.Context, dataset string, assignments map[string]string) error {
	if len(assignments) == 0 {
		return nil
	}
	return s.client.InTx(ctx, func(tx *sql.Tx) error {
		return insertAssignments(ctx, tx, dataset, assignments)
	})
}

func insertAssignments(ctx context.Context, tx *sql.Tx, dataset string, assignments map[string]string) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO cluster_assignments (dataset, record_id, cluster_id, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (dataset, record_id) DO UPDATE SET
			cluster_id = EXCLUDED.cluster_id,
			updated_at = EXCLUDED.updated_at`)
	if err != nil {
		return fmt.Errorf("preparing assignment upsert: %w", err)
	}
	defer stmt.Close()
	now := time.Now().UTC()
	for recordID, clusterID := range assignments {
		if _, err := stmt.ExecContext(ctx, dataset, recordID, clusterID, now); err != nil {
			return fmt.Errorf("upserting assignment %s: %w", recordID, err)
		}
	}
	return nil
}

// LoadAssignments returns the dataset's record→cluster mapping.
func (s *Store) LoadAssignments(ctx context.Context, dataset string) (map[string]string, error) {
	rows, err := s.client.DB.QueryContext(ctx, `
		SELECT record_id, cluster_id
		FROM cluster_assignments
		WHERE dataset = $1`, dataset)
	if err != nil {
		return nil, fmt.Errorf("loading assignments: %w", err)
	}
	defer rows.Close()
	assignments := make(map[string]string)
	for rows.Next() {
		var recordID, clusterID string
		if err := rows.Scan(&recordID, &clusterID); err != nil {
			return nil, fmt.Errorf("scanning assignment: %w", err)
		}
		assignments[recordID] = clusterID
	}
	return assignments, rows.Err()
}

// SaveInferences upserts per-record inference outcomes.
func (s *Store) SaveInferences(ctx context.Context, dataset string, results []resolve.Inference) error {
	if len(results) == 0 {
		return nil
	}
	return s.client.InTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO inference_results (dataset, record_id, status, cluster_id, matched_record_id, score, created_at)
			VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, $7)
			ON CONFLICT (dataset, record_id) DO UPDATE SET
				status = EXCLUDED.status,
				cluster_id = EXCLUDED.cluster_id,
				matched_record_id = EXCLUDED.matched_record_id,
				score = EXCLUDED.score,
				created_at = EXCLUDED.created_at`)
		if err != nil {
			return fmt.Errorf("preparing inference upsert: %w", err)
		}
		defer stmt.Close()
		now := time.Now().UTC()
		for _, r := range results {
			if _, err := stmt.ExecContext(ctx, dataset, r.RecordID, string(r.Status),
				r.ClusterID, r.MatchedRecordID, r.Score, now); err != nil {
				return fmt.Errorf("upserting inference %s: %w", r.RecordID, err)
			}
		}
		return nil
	})
}

func scanRecords(rows *sql.Rows) ([]resolve.Record, error) {
	var records []resolve.Record
	for rows.Next() {
		var r resolve.Record
		var date sql.NullTime
		if err := rows.Scan(&r.ID, &r.Text, &r.Amount, &date, &r.Group); err != nil {
			return nil, fmt.Errorf("scanning record: %w", err)
		}
		if date.Valid {
			r.Date = date.Time
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
