// Package store archives finished audit reports in SQLite so past results
// survive restarts and can be queried without rerunning tools.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"miesc/internal/audit"
	"miesc/internal/correlation"
)

// ErrNotFound is returned when no archived report exists for an audit id.
var ErrNotFound = errors.New("report not archived")

// Archive persists reports and their correlated findings. It implements
// audit.Archiver.
type Archive struct {
	db   *sql.DB
	mu   sync.RWMutex
	path string
}

// Open initializes the SQLite archive at the given path, creating the
// schema on first use.
func Open(path string) (*Archive, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create archive directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}

	a := &Archive{db: db, path: path}
	if err := a.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return a, nil
}

func (a *Archive) initialize() error {
	auditsTable := `
	CREATE TABLE IF NOT EXISTS audits (
		audit_id TEXT PRIMARY KEY,
		profile TEXT NOT NULL,
		target TEXT NOT NULL,
		status TEXT NOT NULL,
		total_findings INTEGER NOT NULL,
		duration_s REAL NOT NULL,
		created_at DATETIME NOT NULL,
		finished_at DATETIME,
		report_json TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audits_target ON audits(target);
	CREATE INDEX IF NOT EXISTS idx_audits_created ON audits(created_at);
	`

	findingsTable := `
	CREATE TABLE IF NOT EXISTS findings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		audit_id TEXT NOT NULL,
		fingerprint TEXT NOT NULL,
		class TEXT NOT NULL,
		severity TEXT NOT NULL,
		confidence REAL NOT NULL,
		file TEXT,
		line INTEGER,
		requires_review INTEGER NOT NULL DEFAULT 0,
		finding_json TEXT NOT NULL,
		UNIQUE(audit_id, fingerprint)
	);
	CREATE INDEX IF NOT EXISTS idx_findings_audit ON findings(audit_id);
	CREATE INDEX IF NOT EXISTS idx_findings_class ON findings(class);
	CREATE INDEX IF NOT EXISTS idx_findings_severity ON findings(severity);
	`

	for _, table := range []string{auditsTable, findingsTable} {
		if _, err := a.db.Exec(table); err != nil {
			return fmt.Errorf("create archive schema: %w", err)
		}
	}
	return nil
}

// Close releases the database handle.
func (a *Archive) Close() error {
	return a.db.Close()
}

// SaveReport archives a report and its findings atomically. Re-saving the
// same audit id replaces the previous archive entry.
func (a *Archive) SaveReport(ctx context.Context, r *audit.Report) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	reportJSON, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin archive tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO audits
		(audit_id, profile, target, status, total_findings, duration_s, created_at, finished_at, report_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.AuditID, string(r.Metadata.Profile), r.Metadata.Target, string(r.Status),
		r.Summary.Total, r.Metadata.DurationS, r.CreatedAt.UTC(), r.FinishedAt.UTC(),
		string(reportJSON),
	)
	if err != nil {
		return fmt.Errorf("archive audit row: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM findings WHERE audit_id = ?", r.AuditID); err != nil {
		return fmt.Errorf("clear stale findings: %w", err)
	}
	for _, f := range r.Findings {
		fj, merr := json.Marshal(f)
		if merr != nil {
			return fmt.Errorf("marshal finding %s: %w", f.Fingerprint, merr)
		}
		review := 0
		if f.RequiresHumanReview {
			review = 1
		}
		_, err = tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO findings
			(audit_id, fingerprint, class, severity, confidence, file, line, requires_review, finding_json)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.AuditID, f.Fingerprint, f.Class, string(f.SeverityFinal),
			f.ConfidenceAdjusted, f.Location.File, f.Location.LineStart, review, string(fj),
		)
		if err != nil {
			return fmt.Errorf("archive finding %s: %w", f.Fingerprint, err)
		}
	}

	return tx.Commit()
}

// LoadReport returns the archived report for an audit id.
func (a *Archive) LoadReport(ctx context.Context, auditID string) (*audit.Report, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var raw string
	err := a.db.QueryRowContext(ctx,
		"SELECT report_json FROM audits WHERE audit_id = ?", auditID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load report: %w", err)
	}

	var r audit.Report
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return nil, fmt.Errorf("decode archived report: %w", err)
	}
	return &r, nil
}

// AuditRecord is one row of the archive listing.
type AuditRecord struct {
	AuditID    string    `json:"audit_id"`
	Profile    string    `json:"profile"`
	Target     string    `json:"target"`
	Status     string    `json:"status"`
	Total      int       `json:"total_findings"`
	DurationS  float64   `json:"duration_s"`
	CreatedAt  time.Time `json:"created_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// ListAudits returns the most recent archived audits, newest first.
func (a *Archive) ListAudits(ctx context.Context, limit int) ([]AuditRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	a.mu.RLock()
	defer a.mu.RUnlock()

	rows, err := a.db.QueryContext(ctx, `
		SELECT audit_id, profile, target, status, total_findings, duration_s, created_at, finished_at
		FROM audits ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list audits: %w", err)
	}
	defer rows.Close()

	var out []AuditRecord
	for rows.Next() {
		var rec AuditRecord
		if err := rows.Scan(&rec.AuditID, &rec.Profile, &rec.Target, &rec.Status,
			&rec.Total, &rec.DurationS, &rec.CreatedAt, &rec.FinishedAt); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// FindingsByClass returns every archived finding of a vulnerability class
// across all audits, most confident first.
func (a *Archive) FindingsByClass(ctx context.Context, class string, limit int) ([]correlation.CorrelatedFinding, error) {
	if limit <= 0 {
		limit = 100
	}
	a.mu.RLock()
	defer a.mu.RUnlock()

	rows, err := a.db.QueryContext(ctx, `
		SELECT finding_json FROM findings
		WHERE class = ? ORDER BY confidence DESC LIMIT ?`, class, limit)
	if err != nil {
		return nil, fmt.Errorf("query findings: %w", err)
	}
	defer rows.Close()

	var out []correlation.CorrelatedFinding
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan finding row: %w", err)
		}
		var f correlation.CorrelatedFinding
		if err := json.Unmarshal([]byte(raw), &f); err != nil {
			return nil, fmt.Errorf("decode archived finding: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// ClassCounts aggregates archived findings per vulnerability class.
func (a *Archive) ClassCounts(ctx context.Context) (map[string]int, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	rows, err := a.db.QueryContext(ctx,
		"SELECT class, COUNT(*) FROM findings GROUP BY class")
	if err != nil {
		return nil, fmt.Errorf("count classes: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var class string
		var n int
		if err := rows.Scan(&class, &n); err != nil {
			return nil, fmt.Errorf("scan class count: %w", err)
		}
		out[class] = n
	}
	return out, rows.Err()
}
