// Package store maintains a local SQLite index over the write-once receipt
// files. The JSON files stay the source of truth; the index exists so runs
// can be listed and looked up by id or fingerprint without rescanning the
// receipt directory.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// IndexEntry is one indexed receipt.
type IndexEntry struct {
	ReceiptID   string    `json:"receipt_id"`
	Path        string    `json:"path"`
	Mode        string    `json:"mode"`
	Fingerprint string    `json:"fingerprint"`
	OutputsRoot string    `json:"outputs_root,omitempty"`
	OutputCount int       `json:"output_count"`
	GuardsPass  bool      `json:"guards_pass"`
	Timestamp   time.Time `json:"timestamp"`
}

// ReceiptIndex is a thin SQLite-backed catalog of generated receipts.
type ReceiptIndex struct {
	db *sql.DB
}

// Open opens (or creates) the index database at path and applies migrations.
func Open(path string) (*ReceiptIndex, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open receipt index: %w", err)
	}
	idx := &ReceiptIndex{db: db}
	if err := idx.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

// NewReceiptIndex wraps an existing database handle and applies migrations.
func NewReceiptIndex(db *sql.DB) (*ReceiptIndex, error) {
	idx := &ReceiptIndex{db: db}
	if err := idx.migrate(); err != nil {
		return nil, err
	}
	return idx, nil
}

func (s *ReceiptIndex) Close() error { return s.db.Close() }

func (s *ReceiptIndex) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS receipts (
        receipt_id TEXT PRIMARY KEY,
        path TEXT NOT NULL,
        mode TEXT NOT NULL,
        fingerprint TEXT NOT NULL,
        outputs_root TEXT NOT NULL DEFAULT '',
        output_count INTEGER NOT NULL DEFAULT 0,
        guards_pass INTEGER NOT NULL DEFAULT 0,
        timestamp DATETIME NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_receipts_fingerprint ON receipts (fingerprint);`
	_, err := s.db.ExecContext(context.Background(), query)
	if err != nil {
		return fmt.Errorf("migrate receipt index: %w", err)
	}
	return nil
}

// Store inserts one receipt. Receipts are write-once, so a duplicate id is an
// error rather than an upsert.
func (s *ReceiptIndex) Store(ctx context.Context, e IndexEntry) error {
	query := `INSERT INTO receipts (
        receipt_id, path, mode, fingerprint, outputs_root, output_count, guards_pass, timestamp
    ) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		e.ReceiptID, e.Path, e.Mode, e.Fingerprint, e.OutputsRoot,
		e.OutputCount, boolToInt(e.GuardsPass), e.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("index receipt %s: %w", e.ReceiptID, err)
	}
	return nil
}

// GetByID returns the indexed entry for a receipt id, or nil when absent.
func (s *ReceiptIndex) GetByID(ctx context.Context, receiptID string) (*IndexEntry, error) {
	row := s.db.QueryRowContext(ctx, selectCols+` WHERE receipt_id = ?`, receiptID)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

// List returns up to limit entries, newest first.
func (s *ReceiptIndex) List(ctx context.Context, limit int) ([]IndexEntry, error) {
	rows, err := s.db.QueryContext(ctx, selectCols+` ORDER BY timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []IndexEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// ListByFingerprint returns all runs recorded for one workspace fingerprint,
// newest first.
func (s *ReceiptIndex) ListByFingerprint(ctx context.Context, fingerprint string) ([]IndexEntry, error) {
	rows, err := s.db.QueryContext(ctx, selectCols+` WHERE fingerprint = ? ORDER BY timestamp DESC`, fingerprint)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []IndexEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

const selectCols = `SELECT receipt_id, path, mode, fingerprint, outputs_root, output_count, guards_pass, timestamp FROM receipts`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*IndexEntry, error) {
	var (
		e          IndexEntry
		guardsPass int
		timestamp  string
	)
	if err := row.Scan(&e.ReceiptID, &e.Path, &e.Mode, &e.Fingerprint, &e.OutputsRoot, &e.OutputCount, &guardsPass, &timestamp); err != nil {
		return nil, err
	}
	e.GuardsPass = guardsPass != 0
	e.Timestamp = parseTime(timestamp)
	return &e, nil
}

func parseTime(value string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
