package pool

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Kind string

const (
	KindIngest   Kind = "ingest"
	KindGenerate Kind = "generate"
	KindAudio    Kind = "audio"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether a job in this status will never run again.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// Handler executes one job to completion inside a worker.
type Handler func(ctx context.Context, job *Job) ([]byte, error)

// Event is one append-only progress record on a job.
type Event struct {
	At      time.Time `json:"at"`
	Message string    `json:"message"`
}

// Job is one unit of blocking work. Exactly one worker executes it; a job
// never re-enters queued after leaving it.
type Job struct {
	ID     string
	Kind   Kind
	Params map[string]string

	fn Handler

	mu         sync.Mutex
	status     Status
	events     []Event
	result     []byte
	err        error
	createdAt  time.Time
	startedAt  time.Time
	finishedAt time.Time
	cancel     context.CancelFunc
	seq        int64 // submission order within the owning pool
}

// Snapshot is a read-only copy of a job's state.
type Snapshot struct {
	ID            string            `json:"id"`
	Kind          Kind              `json:"kind"`
	Status        Status            `json:"status"`
	QueuePosition int               `json:"queue_position,omitempty"`
	Events        []Event           `json:"events,omitempty"`
	Result        []byte            `json:"result,omitempty"`
	Error         string            `json:"error,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	StartedAt     time.Time         `json:"started_at,omitzero"`
	FinishedAt    time.Time         `json:"finished_at,omitzero"`
	Params        map[string]string `json:"params,omitempty"`
}

func NewJob(kind Kind, params map[string]string, fn Handler) *Job {
	return &Job{
		ID:        "job-" + uuid.NewString(),
		Kind:      kind,
		Params:    params,
		fn:        fn,
		status:    StatusQueued,
		createdAt: time.Now(),
	}
}

// Progress appends one event to the job record. It never blocks.
func (j *Job) Progress(message string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, Event{At: time.Now(), Message: message})
}

// Cancel requests cancellation. A queued job is finalized immediately; a
// running one has its context cancelled and finishes through its handler.
func (j *Job) Cancel(reason error) bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	switch j.status {
	case StatusQueued:
		j.status = StatusCancelled
		j.err = reason
		j.finishedAt = time.Now()
		return true
	case StatusRunning:
		if j.cancel != nil {
			j.cancel()
		}
		return true
	default:
		return false
	}
}

func (j *Job) Snapshot() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()

	events := make([]Event, len(j.events))
	copy(events, j.events)

	snap := Snapshot{
		ID:         j.ID,
		Kind:       j.Kind,
		Status:     j.status,
		Events:     events,
		Result:     j.result,
		CreatedAt:  j.createdAt,
		StartedAt:  j.startedAt,
		FinishedAt: j.finishedAt,
		Params:     j.Params,
	}
	if j.err != nil {
		snap.Error = j.err.Error()
	}
	return snap
}

func (j *Job) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

func (j *Job) setSeq(seq int64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.seq = seq
}

func (j *Job) seqValue() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

// markRunning claims the job for a worker. False means the job was cancelled
// while queued and must be skipped.
func (j *Job) markRunning(cancel context.CancelFunc) bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.status != StatusQueued {
		return false
	}
	j.status = StatusRunning
	j.startedAt = time.Now()
	j.cancel = cancel
	return true
}

func (j *Job) finish(result []byte, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.status.Terminal() {
		return
	}
	j.finishedAt = time.Now()
	j.cancel = nil
	switch {
	case err == nil:
		j.status = StatusSucceeded
		j.result = result
	case errors.Is(err, context.Canceled):
		j.status = StatusCancelled
		j.err = err
	default:
		j.status = StatusFailed
		j.err = err
	}
}
