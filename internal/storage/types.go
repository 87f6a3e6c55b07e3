package storage

import "time"

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl append-only)
//   - "sqlite": SQLite database file (optional build tag)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// AuditEntry records one job or item lifecycle event.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At        time.Time `json:"at"`
	JobID     string    `json:"job_id"`
	Shape     string    `json:"shape,omitempty"`
	Event     string    `json:"event"`
	Item      int       `json:"item,omitempty"`
	Total     int       `json:"total,omitempty"`
	Completed int       `json:"completed,omitempty"`
	Failed    int       `json:"failed,omitempty"`
	Status    string    `json:"status,omitempty"`
	Error     string    `json:"error,omitempty"`
}
