package task

import (
	"fmt"
	"time"

	"cyclon/internal/cycling"
	"cyclon/internal/graph"
)

// Status is a task instance's lifecycle state.
type Status string

const (
	StatusWaiting        Status = "waiting"
	StatusExpired        Status = "expired"
	StatusPreparing      Status = "preparing"
	StatusSubmitted      Status = "submitted"
	StatusSubmitFailed   Status = "submit-failed"
	StatusSubmitRetrying Status = "submit-retrying"
	StatusRunning        Status = "running"
	StatusSucceeded      Status = "succeeded"
	StatusFailed         Status = "failed"
	StatusRetrying       Status = "retrying"

	// StatusHeld only appears in state snapshots: held is carried as a
	// flag orthogonal to the lifecycle state.
	StatusHeld Status = "held"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusSubmitFailed, StatusExpired:
		return true
	}
	return false
}

// Active reports whether the instance counts against its queue limit.
func (s Status) Active() bool {
	switch s {
	case StatusPreparing, StatusSubmitted, StatusRunning:
		return true
	}
	return false
}

// InFlight reports whether the instance has outstanding work: anything
// between release and a settled outcome, including pending retries.
func (s Status) InFlight() bool {
	switch s {
	case StatusPreparing, StatusSubmitted, StatusRunning, StatusRetrying, StatusSubmitRetrying:
		return true
	}
	return false
}

// DefaultFlow tags the original flow through the graph; re-triggered flows
// get fresh tags.
const DefaultFlow = "main"

// Proxy is one live instance of a task definition at one cycle point in
// one flow. All mutation happens on the scheduler loop; the struct itself
// is not synchronised.
type Proxy struct {
	Def   *graph.TaskDefinition
	Point cycling.Point
	Flow  string

	Status Status
	Held   bool

	Prereqs *Prereqs
	Outputs *Outputs

	// Xtriggers maps the definition's xtrigger labels to satisfaction.
	Xtriggers map[string]bool

	SubmitNum int
	TryNum    int
	JobID     string

	// Timers; the zero time means unarmed. The main loop checks these
	// against the clock every tick.
	RetryAt     time.Time // submit-retrying / retrying -> preparing
	ExpireAt    time.Time // waiting -> expired
	PollAt      time.Time // next scheduled poll while submitted/running
	TimeLimitAt time.Time // execution time limit breach
	ActionGrace time.Time // grace window after kill / lost-from-queue
	pollIndex   int       // progression through the poll delay list
	graceReason string    // what ActionGrace is waiting out
}

// New creates a waiting instance at the given point. The prerequisite
// expression is resolved against the initial cycle point for pre-initial
// elision.
func New(def *graph.TaskDefinition, point cycling.Point, flow string, initial cycling.Point) *Proxy {
	p := &Proxy{
		Def:     def,
		Point:   point,
		Flow:    flow,
		Status:  StatusWaiting,
		Prereqs: NewPrereqs(def.Depends, point, initial),
		Outputs: NewOutputs(def),
	}
	if len(def.Xtriggers) > 0 {
		p.Xtriggers = make(map[string]bool, len(def.Xtriggers))
		for _, label := range def.Xtriggers {
			p.Xtriggers[label] = false
		}
	}
	return p
}

// Name returns the task name.
func (p *Proxy) Name() string { return p.Def.Name }

// TaskID is the wire identity "name.point" task messages carry.
func (p *Proxy) TaskID() string { return fmt.Sprintf("%s.%s", p.Def.Name, p.Point) }

// Key is the pool identity "name.point.flow".
func (p *Proxy) Key() string { return fmt.Sprintf("%s.%s.%s", p.Def.Name, p.Point, p.Flow) }

// XtriggersSatisfied reports whether every xtrigger has fired.
func (p *Proxy) XtriggersSatisfied() bool {
	for _, ok := range p.Xtriggers {
		if !ok {
			return false
		}
	}
	return true
}

// SatisfyXtrigger records an xtrigger firing.
func (p *Proxy) SatisfyXtrigger(label string) {
	if p.Xtriggers != nil {
		p.Xtriggers[label] = true
	}
}

// Ready reports whether the instance can be released into preparing:
// waiting, prerequisites and xtriggers satisfied, not held.
func (p *Proxy) Ready() bool {
	return p.Status == StatusWaiting && !p.Held &&
		p.Prereqs.AllSatisfied() && p.XtriggersSatisfied()
}

// DisplayStatus renders held waiting instances as held; every other state
// shows through unchanged.
func (p *Proxy) DisplayStatus() Status {
	if p.Held && p.Status == StatusWaiting {
		return StatusHeld
	}
	return p.Status
}

// NextPollDelay advances through the configured poll delay list for the
// current status, holding the last interval once the list is exhausted.
func (p *Proxy) NextPollDelay(defaults []time.Duration) time.Duration {
	delays := p.Def.ExecutionPollDelays
	if p.Status == StatusSubmitted {
		delays = p.Def.SubmissionPollDelays
	}
	if len(delays) == 0 {
		delays = defaults
	}
	if len(delays) == 0 {
		return 0
	}
	i := p.pollIndex
	if i >= len(delays) {
		i = len(delays) - 1
	}
	p.pollIndex++
	return delays[i]
}

// ResetPollSchedule restarts the poll delay progression, e.g. on a fresh
// submission or a submitted -> running transition.
func (p *Proxy) ResetPollSchedule() {
	p.pollIndex = 0
	p.PollAt = time.Time{}
}

// ArmGrace starts the action grace window with a reason for diagnostics.
func (p *Proxy) ArmGrace(deadline time.Time, reason string) {
	p.ActionGrace = deadline
	p.graceReason = reason
}

// GraceReason returns what the grace window is waiting out.
func (p *Proxy) GraceReason() string { return p.graceReason }

// ClearGrace disarms the grace window.
func (p *Proxy) ClearGrace() {
	p.ActionGrace = time.Time{}
	p.graceReason = ""
}

// ClearTimers disarms every timer; used on entry to a terminal state.
func (p *Proxy) ClearTimers() {
	p.RetryAt = time.Time{}
	p.ExpireAt = time.Time{}
	p.PollAt = time.Time{}
	p.TimeLimitAt = time.Time{}
	p.ClearGrace()
}
