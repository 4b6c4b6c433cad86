package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/starford/koinet-node/internal/apperr"
	"github.com/starford/koinet-node/internal/models"
	"github.com/starford/koinet-node/internal/rid"
)

const bundleSchemaSQL = `
CREATE TABLE IF NOT EXISTS bundles (
	rid         TEXT PRIMARY KEY,
	type        TEXT NOT NULL,
	timestamp   DATETIME NOT NULL,
	sha256_hash TEXT NOT NULL,
	contents    TEXT NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_bundles_type ON bundles(type);
`

// SQLite implements Provider on a single SQLite database.
type SQLite struct {
	conn *sql.DB
}

// OpenSQLite opens (or creates) the database at dsn and applies the schema.
func OpenSQLite(dsn string) (*SQLite, error) {
	conn, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("storage: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("storage: ping: %w", err)
	}
	if _, err := conn.Exec(bundleSchemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("storage: apply schema: %w", err)
	}
	return &SQLite{conn: conn}, nil
}

// Read loads the cached bundle for r.
func (s *SQLite) Read(r rid.RID) (*models.Bundle, error) {
	var (
		ts       time.Time
		hash     string
		contents string
	)
	err := s.conn.QueryRow(`SELECT timestamp, sha256_hash, contents FROM bundles WHERE rid = ?`, string(r)).
		Scan(&ts, &hash, &contents)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("storage: read %s: %w", r, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: read %s: %w", r, err)
	}

	b := &models.Bundle{Manifest: models.Manifest{RID: r, Timestamp: ts.UTC(), SHA256Hash: hash}}
	if err := json.Unmarshal([]byte(contents), &b.Contents); err != nil {
		return nil, fmt.Errorf("storage: decode %s: %w", r, err)
	}
	return b, nil
}

// Exists reports whether a bundle is cached for r.
func (s *SQLite) Exists(r rid.RID) (bool, error) {
	var n int
	if err := s.conn.QueryRow(`SELECT count(*) FROM bundles WHERE rid = ?`, string(r)).Scan(&n); err != nil {
		return false, fmt.Errorf("storage: exists %s: %w", r, err)
	}
	return n > 0, nil
}

// Write inserts or replaces the bundle within a transaction.
func (s *SQLite) Write(b *models.Bundle) error {
	contents, err := json.Marshal(b.Contents)
	if err != nil {
		return fmt.Errorf("storage: encode %s: %w", b.RID(), err)
	}

	tx, err := s.conn.Begin()
	if err != nil {
		return fmt.Errorf("storage: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // best-effort on failure path

	_, err = tx.Exec(`
		INSERT INTO bundles (rid, type, timestamp, sha256_hash, contents)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(rid) DO UPDATE SET
			timestamp   = excluded.timestamp,
			sha256_hash = excluded.sha256_hash,
			contents    = excluded.contents
	`, string(b.RID()), string(b.RID().Type()), b.Manifest.Timestamp.UTC(), b.Manifest.SHA256Hash, string(contents))
	if err != nil {
		return fmt.Errorf("storage: upsert bundle: %w", err)
	}
	return tx.Commit()
}

// List returns cached RIDs of the given types ordered by RID.
func (s *SQLite) List(types ...rid.Type) ([]rid.RID, error) {
	query := `SELECT rid FROM bundles`
	args := make([]any, 0, len(types))
	if len(types) > 0 {
		query += ` WHERE type IN (?` + strings.Repeat(`, ?`, len(types)-1) + `)`
		for _, t := range types {
			args = append(args, string(t))
		}
	}
	query += ` ORDER BY rid`

	rows, err := s.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list: %w", err)
	}
	defer rows.Close()

	var out []rid.RID
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, err
		}
		out = append(out, rid.RID(r))
	}
	return out, rows.Err()
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.conn.Close()
}
