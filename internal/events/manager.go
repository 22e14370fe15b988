package events

import (
	"time"

	"github.com/benbjohnson/clock"

	"cyclon/internal/graph"
	"cyclon/internal/jobrunner"
	"cyclon/internal/logging"
	"cyclon/internal/task"
)

// Effects are the callbacks the manager drives instead of touching the
// pool, store or worker pool directly. All of them run synchronously on
// the scheduler loop.
type Effects struct {
	// OutputCompleted propagates a newly completed output (spawning and
	// satisfying dependents, recording the event).
	OutputCompleted func(px *task.Proxy, output string)
	// RecordState persists a status/counter change.
	RecordState func(px *task.Proxy)
	// RequestPoll schedules an asynchronous job poll.
	RequestPoll func(px *task.Proxy)
	// RequestKill schedules an asynchronous job kill.
	RequestKill func(px *task.Proxy)
}

// Config tunes the manager's timer behaviour.
type Config struct {
	// PollGrace is how long after a job vanishes from its queue the
	// manager waits for a terminal message before synthesising
	// failed/lost.
	PollGrace time.Duration
	// KillGrace is how long after a time-limit kill the manager waits
	// before synthesising failed/timeout.
	KillGrace time.Duration
	// Default poll delay lists for tasks that configure none.
	DefaultSubmissionPollDelays []time.Duration
	DefaultExecutionPollDelays  []time.Duration
}

// DefaultConfig returns the stock timer settings.
func DefaultConfig() Config {
	return Config{
		PollGrace:                   time.Minute,
		KillGrace:                   time.Minute,
		DefaultSubmissionPollDelays: []time.Duration{time.Minute, 5 * time.Minute},
		DefaultExecutionPollDelays:  []time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute},
	}
}

const (
	graceReasonLost    = "lost"
	graceReasonTimeout = "timeout"
)

// Manager interprets job events and messages, applying at most one state
// transition per event to the relevant task instance. Runs entirely on
// the scheduler loop.
type Manager struct {
	clock   clock.Clock
	logger  logging.Logger
	effects Effects
	config  Config
}

// New creates a manager.
func New(clk clock.Clock, config Config, effects Effects, logger logging.Logger) *Manager {
	if clk == nil {
		clk = clock.New()
	}
	return &Manager{clock: clk, logger: logging.OrNop(logger), effects: effects, config: config}
}

// HandleMessage routes a message to the matching instance among the
// candidates (all flows sharing the task id). Messages with a stale
// submit number are dropped silently; future submit numbers are logged
// and dropped; unknown task ids were already dropped by the caller.
func (m *Manager) HandleMessage(candidates []*task.Proxy, msg Message) {
	for _, px := range candidates {
		switch {
		case msg.SubmitNum < px.SubmitNum:
			m.logger.Debug("dropping stale message for %s: submit %d < current %d",
				px.Key(), msg.SubmitNum, px.SubmitNum)
		case msg.SubmitNum > px.SubmitNum:
			m.logger.Warn("dropping message from the future for %s: submit %d > current %d",
				px.Key(), msg.SubmitNum, px.SubmitNum)
		default:
			m.apply(px, msg)
		}
	}
}

// apply interprets one message for one instance.
func (m *Manager) apply(px *task.Proxy, msg Message) {
	signal, reason := splitSignal(msg.Text)

	switch signal {
	case SignalSubmitted:
		m.applySubmitted(px)
	case SignalStarted:
		m.applyStarted(px)
	case SignalSucceeded:
		m.applySucceeded(px)
	case SignalFailed:
		m.applyFailed(px, reason)
	case SignalVacated:
		m.applyVacated(px, reason)
	default:
		if px.Outputs.Has(msg.Text) {
			m.completeOutput(px, msg.Text)
			return
		}
		// Free-form message: surface at its own severity, no transition.
		switch msg.Severity {
		case SeverityWarning:
			m.logger.Warn("[%s] %s", px.TaskID(), msg.Text)
		case SeverityError, SeverityCritical:
			m.logger.Error("[%s] %s", px.TaskID(), msg.Text)
		default:
			m.logger.Info("[%s] %s", px.TaskID(), msg.Text)
		}
	}
}

func (m *Manager) applySubmitted(px *task.Proxy) {
	m.completeOutput(px, graph.OutputSubmitted)
	if px.Status == task.StatusPreparing {
		px.Status = task.StatusSubmitted
		m.armPoll(px)
		m.effects.RecordState(px)
	}
}

func (m *Manager) applyStarted(px *task.Proxy) {
	if px.Status.Terminal() {
		m.logger.Warn("ignoring started for %s in terminal state %s", px.Key(), px.Status)
		return
	}
	m.completeOutput(px, graph.OutputStarted)
	px.Status = task.StatusRunning
	px.ClearGrace()
	px.ResetPollSchedule()
	m.armPoll(px)
	if limit := px.Def.ExecutionTimeLimit; limit > 0 {
		px.TimeLimitAt = m.clock.Now().Add(limit)
	}
	m.effects.RecordState(px)
}

func (m *Manager) applySucceeded(px *task.Proxy) {
	if px.Status.Terminal() {
		if px.Status != task.StatusSucceeded {
			m.logger.Warn("ignoring succeeded for %s: already terminal as %s", px.Key(), px.Status)
		}
		return
	}
	px.Status = task.StatusSucceeded
	px.ClearTimers()
	m.effects.RecordState(px)
	m.completeOutput(px, graph.OutputSucceeded)
}

func (m *Manager) applyFailed(px *task.Proxy, reason string) {
	if px.Status.Terminal() {
		// A late failure never overwrites a decided outcome.
		m.logger.Warn("ignoring failed/%s for %s: already terminal as %s", reason, px.Key(), px.Status)
		return
	}
	if reason == "" {
		reason = "unknown"
	}

	retries := px.Def.RetryDelays
	if px.TryNum <= len(retries) && len(retries) > 0 && px.TryNum >= 1 {
		delay := retries[px.TryNum-1]
		px.TryNum++
		px.Status = task.StatusRetrying
		px.ClearGrace()
		px.PollAt = time.Time{}
		px.TimeLimitAt = time.Time{}
		px.RetryAt = m.clock.Now().Add(delay)
		m.logger.Warn("%s failed/%s; retrying in %s (attempt %d)", px.TaskID(), reason, delay, px.TryNum)
		m.effects.RecordState(px)
		return
	}

	px.Status = task.StatusFailed
	px.ClearTimers()
	m.logger.Error("%s failed/%s; no retries left", px.TaskID(), reason)
	m.effects.RecordState(px)
	m.completeOutput(px, graph.OutputFailed)
}

// applyVacated handles a job evicted by its runner: the runner reruns it
// under the same submission, so the run outputs reset and the instance
// waits for a fresh started. The try counter is untouched.
func (m *Manager) applyVacated(px *task.Proxy, reason string) {
	if px.Status.Terminal() {
		m.logger.Warn("ignoring vacated/%s for %s in terminal state %s", reason, px.Key(), px.Status)
		return
	}
	m.logger.Warn("%s vacated/%s; awaiting restart by the runner", px.TaskID(), reason)
	px.Outputs.ResetRun()
	px.Status = task.StatusSubmitted
	px.ClearGrace()
	px.TimeLimitAt = time.Time{}
	px.ResetPollSchedule()
	m.armPoll(px)
	m.effects.RecordState(px)
}

// completeOutput completes an output idempotently and propagates every
// output newly completed (including implied ones).
func (m *Manager) completeOutput(px *task.Proxy, output string) {
	newly, err := px.Outputs.Complete(output, px.TaskID())
	if err != nil {
		m.logger.Warn("%s: %v", px.TaskID(), err)
		return
	}
	for _, name := range newly {
		m.effects.OutputCompleted(px, name)
	}
}

// HandleSubmitResult applies a submission outcome from the worker pool.
func (m *Manager) HandleSubmitResult(px *task.Proxy, submitNum int, jobID string, err error) {
	if submitNum != px.SubmitNum {
		m.logger.Debug("dropping stale submit result for %s (submit %d)", px.Key(), submitNum)
		return
	}
	if px.Status != task.StatusPreparing {
		m.logger.Warn("submit result for %s arrived in state %s", px.Key(), px.Status)
		return
	}

	if err == nil {
		px.JobID = jobID
		px.Status = task.StatusSubmitted
		px.ResetPollSchedule()
		m.armPoll(px)
		m.effects.RecordState(px)
		m.completeOutput(px, graph.OutputSubmitted)
		return
	}

	retries := px.Def.SubmitRetryDelays
	// SubmitNum counts this failed attempt already.
	if px.SubmitNum <= len(retries) {
		delay := retries[px.SubmitNum-1]
		px.Status = task.StatusSubmitRetrying
		px.RetryAt = m.clock.Now().Add(delay)
		m.logger.Warn("%s submission failed: %v; retrying in %s", px.TaskID(), err, delay)
		m.effects.RecordState(px)
		return
	}

	px.Status = task.StatusSubmitFailed
	px.ClearTimers()
	m.logger.Error("%s submission failed: %v; no retries left", px.TaskID(), err)
	m.effects.RecordState(px)
}

// HandlePollResult reconciles an observed queue status with the recorded
// one. A job missing from its queue is only authoritative after the grace
// window passes without a terminal message.
func (m *Manager) HandlePollResult(px *task.Proxy, submitNum int, observed jobrunner.ObservedStatus) {
	if submitNum != px.SubmitNum {
		return
	}
	if px.Status != task.StatusSubmitted && px.Status != task.StatusRunning {
		return
	}
	switch observed {
	case jobrunner.ObservedNotInQueue:
		if px.ActionGrace.IsZero() {
			px.ArmGrace(m.clock.Now().Add(m.config.PollGrace), graceReasonLost)
			m.logger.Warn("%s not in queue; waiting %s for a terminal message",
				px.TaskID(), m.config.PollGrace)
		}
	case jobrunner.ObservedRunning, jobrunner.ObservedPending:
		if px.GraceReason() == graceReasonLost {
			px.ClearGrace()
		}
	case jobrunner.ObservedUnknown:
		m.logger.Debug("%s poll returned unknown status", px.TaskID())
	}
}

// HandleKillResult logs a kill outcome; the instance keeps its state until
// a genuine terminal signal or grace expiry.
func (m *Manager) HandleKillResult(px *task.Proxy, err error) {
	if err != nil {
		m.logger.Warn("kill of %s failed: %v", px.TaskID(), err)
		return
	}
	m.logger.Info("kill of %s dispatched", px.TaskID())
}

// CheckTimers fires any of the instance's timers whose deadline passed.
// Returns true when the instance should be requeued for submission (a
// retry timer fired).
func (m *Manager) CheckTimers(px *task.Proxy) (requeue bool) {
	now := m.clock.Now()

	if !px.ExpireAt.IsZero() && !now.Before(px.ExpireAt) {
		px.ExpireAt = time.Time{}
		if px.Status == task.StatusWaiting {
			px.Status = task.StatusExpired
			px.ClearTimers()
			m.logger.Warn("%s expired", px.TaskID())
			m.effects.RecordState(px)
			m.completeOutput(px, graph.OutputExpired)
		}
	}

	if !px.RetryAt.IsZero() && !now.Before(px.RetryAt) {
		px.RetryAt = time.Time{}
		if px.Status == task.StatusRetrying || px.Status == task.StatusSubmitRetrying {
			// Requeue: the scheduler releases it back into preparing
			// under its queue limit.
			px.Status = task.StatusWaiting
			requeue = true
		}
	}

	if !px.PollAt.IsZero() && !now.Before(px.PollAt) {
		px.PollAt = time.Time{}
		if px.Status == task.StatusSubmitted || px.Status == task.StatusRunning {
			m.effects.RequestPoll(px)
			px.PollAt = now.Add(m.pollDelay(px))
		}
	}

	if !px.TimeLimitAt.IsZero() && !now.Before(px.TimeLimitAt) {
		px.TimeLimitAt = time.Time{}
		if px.Status == task.StatusRunning {
			m.logger.Warn("%s exceeded its execution time limit; killing", px.TaskID())
			m.effects.RequestKill(px)
			px.ArmGrace(now.Add(m.config.KillGrace), graceReasonTimeout)
		}
	}

	if !px.ActionGrace.IsZero() && !now.Before(px.ActionGrace) {
		reason := px.GraceReason()
		px.ClearGrace()
		if px.Status == task.StatusSubmitted || px.Status == task.StatusRunning {
			// No terminal message arrived in time: synthesise the failure.
			m.applyFailed(px, reason)
		}
	}

	return requeue
}

// armPoll schedules the next poll from the instance's current poll delay
// list (submission delays while submitted, execution delays otherwise).
func (m *Manager) armPoll(px *task.Proxy) {
	delay := m.pollDelay(px)
	if delay > 0 {
		px.PollAt = m.clock.Now().Add(delay)
	}
}

func (m *Manager) pollDelay(px *task.Proxy) time.Duration {
	defaults := m.config.DefaultExecutionPollDelays
	if px.Status == task.StatusSubmitted {
		defaults = m.config.DefaultSubmissionPollDelays
	}
	return px.NextPollDelay(defaults)
}
