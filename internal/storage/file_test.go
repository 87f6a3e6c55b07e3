package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	logx "clippost/pkg/logx"
)

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"", "none", "None"} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		if err != nil {
			t.Fatalf("Open(%q): %v", driver, err)
		}
		if st != nil {
			t.Fatalf("Open(%q) returned a store, want nil", driver)
		}
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatal("want error for unknown driver")
	}
}

func TestFileStoreAppendAudit(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "clippost.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	entries := []AuditEntry{
		{At: time.Now(), JobID: "j1", Shape: "flat", Event: "bulk.job.created", Total: 3},
		{At: time.Now(), JobID: "j1", Event: "bulk.item.posted", Item: 1, Total: 3},
		{At: time.Now(), JobID: "j1", Event: "bulk.job.completed", Status: "completed", Completed: 3},
	}
	for _, e := range entries {
		if err := st.AppendAudit(context.Background(), e); err != nil {
			t.Fatalf("AppendAudit: %v", err)
		}
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.Open(filepath.Join(dir, "clippost.audit.jsonl"))
	if err != nil {
		t.Fatalf("open audit file: %v", err)
	}
	defer f.Close()

	var got []AuditEntry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e AuditEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("line %d: %v", len(got)+1, err)
		}
		got = append(got, e)
	}
	if len(got) != len(entries) {
		t.Fatalf("read %d entries, want %d", len(got), len(entries))
	}
	if got[0].JobID != "j1" || got[0].Event != "bulk.job.created" {
		t.Fatalf("first entry = %+v", got[0])
	}
	if got[2].Status != "completed" || got[2].Completed != 3 {
		t.Fatalf("last entry = %+v", got[2])
	}
}

func TestFileStoreAppendAfterClose(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "x.db")}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if err := st.Close(); err != nil {
		t.Fatal(err)
	}
	if err := st.AppendAudit(context.Background(), AuditEntry{JobID: "j"}); err == nil {
		t.Fatal("want error after Close")
	}
	// Double close is a no-op.
	if err := st.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
