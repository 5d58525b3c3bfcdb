// Package snapshot persists mutation records across sessions.
//
// The engine's record store is in-memory; persistence across reloads is
// the caller's responsibility. This package is that caller-side adapter:
// it saves an engine's exported record list to SQLite and loads
// it back for Engine.RestoreRecords. Payloads and outcomes are stored as
// JSON, so any P and T that round-trip through encoding/json work.
package snapshot

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/crewcall/reconcile/internal/engine"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Added index on (target, created_at)
const currentSchemaVersion = 1

// Store is a SQLite-backed session snapshot of mutation records.
// Uses WAL mode for concurrent read access.
type Store struct {
	db *sql.DB
}

// Open creates or opens a SQLite database at the given path.
// Applies required pragmas and migrations automatically. Idempotent.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite supports one writer at a time; a single connection avoids
	// SQLITE_BUSY errors.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
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

// Save replaces the stored snapshot with the given record list, atomically.
// Full replacement mirrors the engine's snapshot semantics: two overlapping
// saves cannot interleave partial state.
func Save[P, T any](ctx context.Context, s *Store, records []engine.Record[P, T]) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM mutation_records`); err != nil {
		return fmt.Errorf("save snapshot: clear: %w", err)
	}

	for _, rec := range records {
		payloadJSON, err := json.Marshal(rec.Payload)
		if err != nil {
			return fmt.Errorf("save snapshot: marshal payload for %s: %w", rec.CorrelationID, err)
		}
		var outcomeJSON []byte
		if rec.Outcome != nil {
			outcomeJSON, err = json.Marshal(rec.Outcome)
			if err != nil {
				return fmt.Errorf("save snapshot: marshal outcome for %s: %w", rec.CorrelationID, err)
			}
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO mutation_records
			(correlation_id, target, payload, status, server_id, created_at,
			 supersedes, superseded, attempts, failure, outcome, outcome_freshness)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			rec.CorrelationID,
			rec.Target,
			string(payloadJSON),
			string(rec.Status),
			rec.ServerID,
			rec.CreatedAt,
			rec.Supersedes,
			rec.Superseded,
			rec.Attempts,
			rec.FailureMessage,
			nullableString(outcomeJSON),
			rec.OutcomeFreshness,
		)
		if err != nil {
			return fmt.Errorf("save snapshot: insert %s: %w", rec.CorrelationID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save snapshot: commit: %w", err)
	}
	return nil
}

// Load reads the stored snapshot, ordered by created_at, for
// Engine.RestoreRecords.
func Load[P, T any](ctx context.Context, s *Store) ([]engine.Record[P, T], error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT correlation_id, target, payload, status, server_id, created_at,
		       supersedes, superseded, attempts, failure, outcome, outcome_freshness
		FROM mutation_records
		ORDER BY created_at, correlation_id
	`)
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	defer rows.Close()

	var records []engine.Record[P, T]
	for rows.Next() {
		var rec engine.Record[P, T]
		var payloadJSON, status string
		var outcomeJSON sql.NullString
		if err := rows.Scan(
			&rec.CorrelationID,
			&rec.Target,
			&payloadJSON,
			&status,
			&rec.ServerID,
			&rec.CreatedAt,
			&rec.Supersedes,
			&rec.Superseded,
			&rec.Attempts,
			&rec.FailureMessage,
			&outcomeJSON,
			&rec.OutcomeFreshness,
		); err != nil {
			return nil, fmt.Errorf("load snapshot: scan: %w", err)
		}
		rec.Status = engine.Status(status)
		if err := json.Unmarshal([]byte(payloadJSON), &rec.Payload); err != nil {
			return nil, fmt.Errorf("load snapshot: payload for %s: %w", rec.CorrelationID, err)
		}
		if outcomeJSON.Valid {
			var oc engine.Outcome[T]
			if err := json.Unmarshal([]byte(outcomeJSON.String), &oc); err != nil {
				return nil, fmt.Errorf("load snapshot: outcome for %s: %w", rec.CorrelationID, err)
			}
			rec.Outcome = &oc
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	return records, nil
}

func nullableString(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
// Idempotent.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
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

// migrateToV1 adds the (target, created_at) index for databases created
// before the index landed in schema.sql.
func migrateToV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_mutation_records_target
		ON mutation_records(target, created_at)
	`)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}
