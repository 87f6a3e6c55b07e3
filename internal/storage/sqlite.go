//go:build sqlite
// +build sqlite

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	logx "clippost/pkg/logx"
)

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

const auditSchema = `
CREATE TABLE IF NOT EXISTS job_audit (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	at TEXT NOT NULL,
	job_id TEXT NOT NULL,
	shape TEXT,
	event TEXT NOT NULL,
	item INTEGER,
	total INTEGER,
	completed INTEGER,
	failed INTEGER,
	status TEXT,
	error TEXT
);
CREATE INDEX IF NOT EXISTS idx_job_audit_job ON job_audit(job_id);
CREATE INDEX IF NOT EXISTS idx_job_audit_at ON job_audit(at);
`

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.Exec(auditSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	log.Info("sqlite storage opened", logx.String("path", cfg.Path))
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_audit (at, job_id, shape, event, item, total, completed, failed, status, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.At.UTC().Format("2006-01-02T15:04:05.000Z"),
		e.JobID, e.Shape, e.Event, e.Item, e.Total, e.Completed, e.Failed, e.Status, e.Error)
	return err
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}
