package bulk

import (
	"testing"
	"time"
)

func newTestJob(id string, status Status) *Job {
	return &Job{
		ID:        id,
		Shape:     ShapeFlat,
		Flat:      &FlatSpec{Items: []FlatItem{{User: "u", MessageLink: "l", BackgroundAudio: "b"}}},
		Total:     1,
		Status:    status,
		CreatedAt: time.Now(),
	}
}

func TestStoreGetReturnsCopy(t *testing.T) {
	t.Parallel()
	s := NewStore()
	s.Create(newTestJob("a", StatusRunning))

	got, ok := s.Get("a")
	if !ok {
		t.Fatal("job not found")
	}
	got.Completed = 99
	got.Errors = append(got.Errors, "mutated copy")

	again, _ := s.Get("a")
	if again.Completed != 0 || len(again.Errors) != 0 {
		t.Fatal("Get leaked a mutable reference to the stored job")
	}
}

func TestStoreCancel(t *testing.T) {
	t.Parallel()
	s := NewStore()
	s.Create(newTestJob("run", StatusRunning))

	ok, msg := s.Cancel("run")
	if !ok || msg != "job cancelled successfully" {
		t.Fatalf("Cancel = %v, %q", ok, msg)
	}
	j, _ := s.Get("run")
	if j.Status != StatusCancelled {
		t.Fatalf("status = %s, want cancelled", j.Status)
	}
	if !j.NextPostAt.IsZero() {
		t.Fatal("next post time must be cleared on cancellation")
	}
}

func TestStoreCancelTerminal(t *testing.T) {
	t.Parallel()
	s := NewStore()
	for _, st := range []Status{StatusCompleted, StatusCancelled, StatusError} {
		id := "job-" + string(st)
		j := newTestJob(id, st)
		j.Completed = 1
		s.Create(j)

		ok, msg := s.Cancel(id)
		if ok {
			t.Fatalf("Cancel(%s) succeeded on terminal job", st)
		}
		if msg != "job is already "+string(st) {
			t.Fatalf("msg = %q", msg)
		}
		// No mutation.
		got, _ := s.Get(id)
		if got.Status != st || got.Completed != 1 {
			t.Fatalf("terminal job mutated: %+v", got)
		}
	}
}

func TestStoreCancelUnknown(t *testing.T) {
	t.Parallel()
	s := NewStore()
	ok, msg := s.Cancel("nope")
	if ok || msg != "job not found" {
		t.Fatalf("Cancel = %v, %q", ok, msg)
	}
}

func TestSnapshotAll(t *testing.T) {
	t.Parallel()
	s := NewStore()
	s.Create(newTestJob("p", StatusPending))
	s.Create(newTestJob("r", StatusRunning))
	s.Create(newTestJob("c", StatusCompleted))

	snap := s.SnapshotAll()
	if len(snap) != 3 {
		t.Fatalf("snapshot has %d jobs, want 3", len(snap))
	}
	byStatus := map[Status]int{}
	for _, j := range snap {
		byStatus[j.Status]++
	}
	if byStatus[StatusPending] != 1 || byStatus[StatusRunning] != 1 || byStatus[StatusCompleted] != 1 {
		t.Fatalf("statuses = %v", byStatus)
	}

	// Snapshots are copies; mutating one must not touch the store.
	snap[0].Status = StatusError
	snap[0].Errors = append(snap[0].Errors, "mutated copy")
	for _, j := range s.SnapshotAll() {
		if j.Status == StatusError || len(j.Errors) != 0 {
			t.Fatal("SnapshotAll leaked a mutable reference to a stored job")
		}
	}
}

func TestCancelActiveAndClear(t *testing.T) {
	t.Parallel()
	s := NewStore()
	s.Create(newTestJob("p", StatusPending))
	s.Create(newTestJob("r", StatusRunning))
	s.Create(newTestJob("done", StatusCompleted))

	cancelled := s.CancelActiveAndClear()
	if len(cancelled) != 2 {
		t.Fatalf("cancelled %d jobs, want 2", len(cancelled))
	}
	if rest := s.SnapshotAll(); len(rest) != 0 {
		t.Fatalf("store not cleared: %d jobs remain", len(rest))
	}
}

func TestMutateUnknown(t *testing.T) {
	t.Parallel()
	s := NewStore()
	if s.Mutate("ghost", func(*Job) {}) {
		t.Fatal("Mutate on unknown id must return false")
	}
}
