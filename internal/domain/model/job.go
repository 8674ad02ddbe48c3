// Package model defines the core data types shared across the courier delivery pipeline.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Queue identifies an outbound delivery channel backed by its own worker pool.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type Queue string

// JobState represents the lifecycle state of a job.
type JobState string

// JobPriority orders jobs within a queue. Lower values are served first.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type JobPriority int

const (
	// QueueDirectMessage carries one-off direct messages to a lead.
	QueueDirectMessage Queue = "direct-message"
	// QueueTransactionalEmail carries transactional email sends.
	QueueTransactionalEmail Queue = "transactional-email"
	// QueueBulkCampaign carries fan-out campaign sends to many recipients.
	QueueBulkCampaign Queue = "bulk-campaign"

	// JobStateWaiting indicates a job is eligible for claiming once its
	// scheduled time has passed.
	JobStateWaiting JobState = "waiting"
	// JobStateActive indicates a worker holds the job under a live lease.
	JobStateActive JobState = "active"
	// JobStateRetrying indicates a failed attempt is waiting out its backoff delay.
	JobStateRetrying JobState = "retrying"
	// JobStateCompleted indicates the job finished successfully.
	JobStateCompleted JobState = "completed"
	// JobStateFailed is the transitional state between a failed attempt and
	// the retry decision. The fail transition and the decision commit in a
	// single update, so this state is never observed at rest.
	JobStateFailed JobState = "failed"
	// JobStateDead indicates the job exhausted its attempts or hit a
	// permanent error and will not run again.
	JobStateDead JobState = "dead"

	// PriorityHigh jobs are claimed before normal and low priority work.
	PriorityHigh JobPriority = 0
	// PriorityNormal is the default priority.
	PriorityNormal JobPriority = 1
	// PriorityLow jobs are claimed only when nothing else is eligible.
	PriorityLow JobPriority = 2
)

// ErrNoJobsAvailable is returned when no jobs are eligible for claiming.
var ErrNoJobsAvailable = errors.New("no jobs available")

// UnmarshalText implements encoding.TextUnmarshaler for Queue to allow env parsing.
func (q *Queue) UnmarshalText(text []byte) error {
	v := strings.ToLower(strings.TrimSpace(string(text)))
	queue := Queue(v)
	if queue.Valid() {
		*q = queue
		return nil
	}
	return fmt.Errorf("invalid queue: %q", v)
}

// Valid returns true if the Queue is a known delivery channel.
func (q Queue) Valid() bool {
	return q == QueueDirectMessage || q == QueueTransactionalEmail || q == QueueBulkCampaign
}

// Valid returns true if the JobState is valid.
func (s JobState) Valid() bool {
	switch s {
	case JobStateWaiting, JobStateActive, JobStateRetrying, JobStateCompleted, JobStateFailed, JobStateDead:
		return true
	}
	return false
}

// Terminal returns true once a job can no longer transition.
func (s JobState) Terminal() bool {
	return s == JobStateCompleted || s == JobStateDead
}

// Valid returns true if the priority is one of the three supported levels.
func (p JobPriority) Valid() bool {
	return p == PriorityHigh || p == PriorityNormal || p == PriorityLow
}

// UnmarshalText accepts the API-level names "high", "normal", and "low".
func (p *JobPriority) UnmarshalText(text []byte) error {
	v := strings.ToLower(strings.TrimSpace(string(text)))
	switch v {
	case "", "normal":
		*p = PriorityNormal
	case "high":
		*p = PriorityHigh
	case "low":
		*p = PriorityLow
	default:
		return fmt.Errorf("invalid priority: %q", v)
	}
	return nil
}

// String returns the API-level name for the priority.
func (p JobPriority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "normal"
	}
}

// MarshalText implements encoding.TextMarshaler so priorities render as names.
func (p JobPriority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Job represents one unit of outbound delivery work and its lifecycle metadata.
type Job struct {
	ID             string          `json:"id"                         db:"id"`
	Queue          Queue           `json:"queue"                      db:"queue"`
	State          JobState        `json:"state"                      db:"state"`
	Priority       JobPriority     `json:"priority"                   db:"priority"`
	Payload        json.RawMessage `json:"payload"                    db:"payload"`
	ScheduledAt    time.Time       `json:"scheduled_at"               db:"scheduled_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"       db:"started_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"     db:"completed_at"`
	Attempts       int             `json:"attempts"                   db:"attempts"`
	MaxAttempts    int             `json:"max_attempts"               db:"max_attempts"`
	StallCount     int             `json:"stall_count"                db:"stall_count"`
	LastError      *string         `json:"last_error,omitempty"       db:"last_error"`
	LeaseExpiresAt *time.Time      `json:"lease_expires_at,omitempty" db:"lease_expires_at"`
	CreatedAt      time.Time       `json:"created_at"                 db:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"                 db:"updated_at"`
}

// EnqueueRequest represents a request to enqueue a new delivery job.
type EnqueueRequest struct {
	Queue       Queue           `json:"queue"`
	Payload     json.RawMessage `json:"payload"`
	Priority    JobPriority     `json:"priority,omitempty"`
	DelayMS     int64           `json:"delay_ms,omitempty"`
	MaxAttempts int             `json:"max_attempts,omitempty"`
}

const maxEnqueueDelay = 30 * 24 * time.Hour

// Validate validates the EnqueueRequest fields.
func (r *EnqueueRequest) Validate() error {
	if !r.Queue.Valid() {
		return errors.New("invalid queue")
	}
	if len(r.Payload) == 0 {
		return errors.New("payload is required")
	}
	if !r.Priority.Valid() {
		return errors.New("priority must be high, normal, or low")
	}
	if r.DelayMS < 0 {
		return errors.New("delay must be >= 0")
	}
	if time.Duration(r.DelayMS)*time.Millisecond > maxEnqueueDelay {
		return errors.New("delay exceeds maximum of 30 days")
	}
	if r.MaxAttempts < 0 {
		return errors.New("max attempts must be >= 0")
	}
	return nil
}

// Delay returns the requested scheduling delay.
func (r *EnqueueRequest) Delay() time.Duration {
	return time.Duration(r.DelayMS) * time.Millisecond
}

// QueueStats represents counts of jobs in each state for one queue.
type QueueStats struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Retrying  int `json:"retrying"`
	Completed int `json:"completed"`
	Dead      int `json:"dead"`
}

// JobStatusResponse represents the externally visible status of a job.
type JobStatusResponse struct {
	ID          string     `json:"id"`
	Queue       Queue      `json:"queue"`
	State       JobState   `json:"state"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"max_attempts"`
	LastError   *string    `json:"last_error,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}
