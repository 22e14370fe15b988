package store

import (
	"time"
)

// EventType tags run-log records.
type EventType string

const (
	// EventSpawn records a task instance entering the pool.
	EventSpawn EventType = "spawn"
	// EventTaskState records a status/counter change on an instance.
	EventTaskState EventType = "task-state"
	// EventOutput records an output completion.
	EventOutput EventType = "output"
	// EventSatisfy records a prerequisite atom satisfaction.
	EventSatisfy EventType = "satisfy"
	// EventRemove records an instance leaving the pool.
	EventRemove EventType = "remove"
	// EventBroadcast records a broadcast put or clear.
	EventBroadcast EventType = "broadcast"
	// EventXtrigger records a memoised xtrigger result.
	EventXtrigger EventType = "xtrigger"
	// EventCheckpoint marks a consistent flush point.
	EventCheckpoint EventType = "checkpoint"
)

// Event is one append-only run-log record: the stream is sufficient to
// rebuild every instance's state plus broadcast settings and memoised
// xtrigger results on restart.
type Event struct {
	Time time.Time `json:"time"`
	Type EventType `json:"type"`

	TaskName string `json:"task,omitempty"`
	Point    string `json:"point,omitempty"`
	Flow     string `json:"flow,omitempty"`

	Status    string `json:"status,omitempty"`
	SubmitNum int    `json:"submit_num,omitempty"`
	TryNum    int    `json:"try_num,omitempty"`
	JobID     string `json:"job_id,omitempty"`
	Held      *bool  `json:"held,omitempty"`

	// Output names the completed output (EventOutput) or the satisfied
	// atom key (EventSatisfy).
	Output    string `json:"output,omitempty"`
	Completer string `json:"completer,omitempty"`

	// Payload carries broadcast operations and xtrigger outputs.
	Payload map[string]any `json:"payload,omitempty"`
}

// Store is the persistence capability the scheduler writes its event
// stream to. Writes are serialised by the scheduler loop.
type Store interface {
	// Append adds one event to the run log.
	Append(event Event) error
	// Sync flushes buffered events to stable storage.
	Sync() error
	// Replay returns every event recorded so far, oldest first.
	Replay() ([]Event, error)
	Close() error
}

// Null discards everything; used when persistence is disabled.
type Null struct{}

func (Null) Append(Event) error       { return nil }
func (Null) Sync() error              { return nil }
func (Null) Replay() ([]Event, error) { return nil, nil }
func (Null) Close() error             { return nil }
