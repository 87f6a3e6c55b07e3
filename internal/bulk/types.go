package bulk

import (
	"time"
)

// Shape selects how a job's work list is interpreted.
type Shape string

const (
	// ShapeFlat is one webhook post per queued row.
	ShapeFlat Shape = "flat"
	// ShapeWizard is numVideos posts per image set (one or two sets).
	ShapeWizard Shape = "wizard"
)

// Status is the job lifecycle state. Transitions only move forward:
// pending -> running -> completed | cancelled | error.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusError     Status = "error"
)

// Terminal reports whether no further processing or counter mutation may
// happen for a job in this state.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusError:
		return true
	}
	return false
}

// FlatItem is one row of a flat job.
type FlatItem struct {
	User            string
	MessageLink     string
	BackgroundAudio string
}

// FlatSpec is the validated input of a flat job.
type FlatSpec struct {
	Items       []FlatItem
	WebhookURL  string
	WebhookType string
	ChannelName string
	Interval    time.Duration
}

// WizardSpec is the validated input of a wizard job: N videos, each with a
// title, an audio message link (4 audio attachments), a direct background
// audio URL, and one image message link (4 image attachments) per image set.
type WizardSpec struct {
	NumVideos            int
	WebhookURL           string
	WebhookType          string
	Titles               []string
	AudioLinks           []string
	BackgroundAudioLinks []string
	AudioSpeed           float64
	ImageLinks           []string
	ImageSetChannel      string

	UseSecondImageSet     bool
	SecondImageLinks      []string
	SecondImageSetChannel string

	Interval time.Duration
}

// Job is a unit of scheduled work. The spec fields are immutable after
// creation; counters, status, and timestamps are mutated only under the
// store lock.
type Job struct {
	ID    string
	Shape Shape

	Flat   *FlatSpec
	Wizard *WizardSpec

	WebhookURL  string
	WebhookType string
	Interval    time.Duration

	Total     int
	Completed int
	Failed    int

	Status    Status
	CreatedAt time.Time

	// NextPostAt is zero when no further post is scheduled; it is cleared on
	// every terminal transition.
	NextPostAt time.Time
	LastPostAt time.Time

	// Errors is append-only, diagnostics only.
	Errors []string
}

func (j *Job) clone() Job {
	cp := *j
	if len(j.Errors) > 0 {
		cp.Errors = append([]string(nil), j.Errors...)
	}
	return cp
}

// ---- eventbus payloads ----

const (
	EventJobCreated   = "bulk.job.created"
	EventJobStarted   = "bulk.job.started"
	EventJobCompleted = "bulk.job.completed"
	EventJobCancelled = "bulk.job.cancelled"
	EventJobErrored   = "bulk.job.error"
	EventItemPosted   = "bulk.item.posted"
	EventItemFailed   = "bulk.item.failed"
)

// JobEvent is emitted on the event bus for job/item lifecycle changes.
type JobEvent struct {
	JobID     string `json:"job_id"`
	Shape     string `json:"shape"`
	Status    string `json:"status,omitempty"`
	Item      int    `json:"item,omitempty"`
	Total     int    `json:"total"`
	Completed int    `json:"completed,omitempty"`
	Failed    int    `json:"failed,omitempty"`
	Error     string `json:"error,omitempty"`
}
