package domain

import (
	"time"
)

type JobState string

const (
	StateCreated   JobState = "created"
	StateSubmitted JobState = "submitted"
	StatePolling   JobState = "polling"
	StateReady     JobState = "ready"
	StateFailed    JobState = "failed"
	StateCancelled JobState = "cancelled"
)

// IsTerminal reports whether no transition may leave s.
func (s JobState) IsTerminal() bool {
	return s == StateReady || s == StateFailed || s == StateCancelled
}

type JobKind string

const (
	KindStockOrder   JobKind = "stock_order"
	KindAIGeneration JobKind = "ai_generation"
)

type DownloadRef struct {
	URL      string `json:"url"`
	FileName string `json:"file_name,omitempty"`
}

// OrderJob is one orchestrated order or generation request. Values handed
// out by the orchestrator are snapshots; mutating them has no effect.
type OrderJob struct {
	Handle     string            `json:"handle"`
	Kind       JobKind           `json:"kind"`
	State      JobState          `json:"state"`
	Identifier *ParsedIdentifier `json:"identifier,omitempty"`
	Prompt     *Prompt           `json:"prompt,omitempty"`
	UpstreamID string            `json:"upstream_id,omitempty"`
	Owner      string            `json:"owner,omitempty"`

	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	LastPolledAt *time.Time `json:"last_polled_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`

	// Attempts is the cumulative number of HTTP attempts made for this job.
	Attempts int          `json:"attempts"`
	Progress *int         `json:"progress,omitempty"` // 0-100, nil when unknown
	Result   *DownloadRef `json:"result,omitempty"`

	Failure        ErrorKind `json:"failure,omitempty"`
	FailureMessage string    `json:"failure_message,omitempty"`
}

// Clone returns a deep copy safe to hand to another goroutine.
func (j *OrderJob) Clone() OrderJob {
	c := *j
	if j.Identifier != nil {
		id := *j.Identifier
		c.Identifier = &id
	}
	if j.Prompt != nil {
		p := *j.Prompt
		c.Prompt = &p
	}
	if j.LastPolledAt != nil {
		t := *j.LastPolledAt
		c.LastPolledAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	if j.Progress != nil {
		p := *j.Progress
		c.Progress = &p
	}
	if j.Result != nil {
		r := *j.Result
		c.Result = &r
	}
	return c
}
