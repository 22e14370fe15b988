package scheduler

import (
	"cyclon/internal/events"
	"cyclon/internal/jobrunner"
	"cyclon/internal/xtrigger"
)

// event is anything the main loop consumes from its queue. The queue is
// multi-producer (workers, the wire layer, the command surface) and
// single-consumer.
type event interface{ eventKind() string }

// messageEvent carries one task message from the wire layer.
type messageEvent struct {
	msg events.Message
}

func (messageEvent) eventKind() string { return "message" }

// submitResultEvent returns a submission outcome from the worker pool.
type submitResultEvent struct {
	key       string // pool key of the instance
	submitNum int
	jobID     string
	err       error
}

func (submitResultEvent) eventKind() string { return "submit-result" }

// pollResultEvent returns a poll outcome from the worker pool.
type pollResultEvent struct {
	key       string
	submitNum int
	observed  jobrunner.ObservedStatus
	err       error
}

func (pollResultEvent) eventKind() string { return "poll-result" }

// killResultEvent returns a kill outcome from the worker pool.
type killResultEvent struct {
	key string
	err error
}

func (killResultEvent) eventKind() string { return "kill-result" }

// xtriggerResultEvent returns an asynchronous xtrigger evaluation.
type xtriggerResultEvent struct {
	result xtrigger.Result
}

func (xtriggerResultEvent) eventKind() string { return "xtrigger-result" }

// commandEvent serialises an operator command (or query) onto the loop.
type commandEvent struct {
	name  string
	apply func() error
	reply chan error
}

func (commandEvent) eventKind() string { return "command" }
