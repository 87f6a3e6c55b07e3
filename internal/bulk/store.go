package bulk

import (
	"fmt"
	"sync"
	"time"
)

// Store is the single source of truth for job state. One coarse mutex guards
// the map and every job record; job-creation rate is low, so contention is a
// non-issue and the simplicity pays for itself.
//
// The lock is never held across network calls or sleeps — every access is a
// short read/modify/write.
type Store struct {
	mu   sync.Mutex
	jobs map[string]*Job
}

func NewStore() *Store {
	return &Store{jobs: map[string]*Job{}}
}

func (s *Store) Create(j *Job) {
	s.mu.Lock()
	s.jobs[j.ID] = j
	s.mu.Unlock()
}

// Get returns a copy of the job, safe to read without the lock.
func (s *Store) Get(id string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return Job{}, false
	}
	return j.clone(), true
}

// Mutate runs fn on the live record under the lock. fn must be quick and must
// not block. Returns false if the job is unknown (e.g. cleared by shutdown).
func (s *Store) Mutate(id string, fn func(*Job)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return false
	}
	fn(j)
	return true
}

// Cancel flips a job to cancelled. It fails without mutation when the job is
// unknown or already terminal.
func (s *Store) Cancel(id string) (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return false, "job not found"
	}
	if j.Status.Terminal() {
		return false, fmt.Sprintf("job is already %s", j.Status)
	}
	j.Status = StatusCancelled
	j.NextPostAt = time.Time{}
	return true, "job cancelled successfully"
}

// SnapshotAll returns copies of every job. Health reporting and the periodic
// job-store summary are built on this so they never hold the lock while
// formatting output.
func (s *Store) SnapshotAll() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.clone())
	}
	return out
}

// CancelActiveAndClear marks every pending/running job cancelled and empties
// the store. Shutdown-only. Returns the ids that were still active.
func (s *Store) CancelActiveAndClear() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var cancelled []string
	for id, j := range s.jobs {
		if !j.Status.Terminal() {
			j.Status = StatusCancelled
			j.NextPostAt = time.Time{}
			cancelled = append(cancelled, id)
		}
	}
	s.jobs = map[string]*Job{}
	return cancelled
}
