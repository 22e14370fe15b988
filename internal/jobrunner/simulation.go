package jobrunner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"cyclon/internal/logging"
)

// SimRunner runs no processes: each submission completes after a simulated
// runtime, emitting the started/succeeded (or failed) messages through the
// Deliver callback. Used by simulation-mode workflows and the test suite.
type SimRunner struct {
	clock   clock.Clock
	deliver func(taskID string, submitNum int, severity, text string)
	logger  logging.Logger

	// Runtime is how long a simulated job "runs" for.
	Runtime time.Duration

	mu        sync.Mutex
	nextID    int
	jobs      map[string]*simJob
	failers   map[string][]int // taskID -> submit nums that must fail
	submitted []Job            // every job description received, in order
}

type simJob struct {
	taskID    string
	submitNum int
	timer     *clock.Timer
	killed    bool
	done      bool
}

// NewSimRunner creates a simulation runner. Deliver is called from timer
// goroutines; it must hand the message to the scheduler's event queue.
func NewSimRunner(clk clock.Clock, runtime time.Duration,
	deliver func(taskID string, submitNum int, severity, text string), logger logging.Logger) *SimRunner {
	if clk == nil {
		clk = clock.New()
	}
	return &SimRunner{
		clock:   clk,
		deliver: deliver,
		logger:  logging.OrNop(logger),
		Runtime: runtime,
		jobs:    make(map[string]*simJob),
		failers: make(map[string][]int),
	}
}

// FailAttempts configures submit numbers of a task that must fail, for
// retry scenarios.
func (r *SimRunner) FailAttempts(taskID string, submitNums ...int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failers[taskID] = append(r.failers[taskID], submitNums...)
}

func (r *SimRunner) shouldFail(taskID string, submitNum int) bool {
	for _, n := range r.failers[taskID] {
		if n == submitNum {
			return true
		}
	}
	return false
}

// Submit registers a simulated job and schedules its completion.
func (r *SimRunner) Submit(_ context.Context, job *Job) (string, error) {
	r.mu.Lock()
	r.nextID++
	r.submitted = append(r.submitted, *job)
	jobID := fmt.Sprintf("sim-%d", r.nextID)
	sj := &simJob{taskID: job.TaskID, submitNum: job.SubmitNum}
	r.jobs[jobID] = sj

	fail := r.shouldFail(job.TaskID, job.SubmitNum)
	taskID, submitNum := job.TaskID, job.SubmitNum

	sj.timer = r.clock.AfterFunc(r.Runtime, func() {
		r.mu.Lock()
		if sj.killed || sj.done {
			r.mu.Unlock()
			return
		}
		sj.done = true
		r.mu.Unlock()
		if fail {
			r.deliver(taskID, submitNum, "CRITICAL", "failed/simulated")
			return
		}
		r.deliver(taskID, submitNum, "INFO", "succeeded")
	})
	r.mu.Unlock()

	// The job "starts" immediately on submission.
	r.deliver(taskID, submitNum, "INFO", "started")
	return jobID, nil
}

// Submitted returns copies of every job description received so far.
func (r *SimRunner) Submitted() []Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Job(nil), r.submitted...)
}

// Poll reports running until the simulated job completes.
func (r *SimRunner) Poll(_ context.Context, _, jobID string) (ObservedStatus, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sj, ok := r.jobs[jobID]
	if !ok {
		return ObservedUnknown, "", nil
	}
	if sj.done || sj.killed {
		return ObservedNotInQueue, "", nil
	}
	return ObservedRunning, "", nil
}

// Kill cancels the pending completion.
func (r *SimRunner) Kill(_ context.Context, _, jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sj, ok := r.jobs[jobID]
	if !ok {
		return nil
	}
	sj.killed = true
	if sj.timer != nil {
		sj.timer.Stop()
	}
	return nil
}
