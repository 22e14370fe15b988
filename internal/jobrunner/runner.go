package jobrunner

import (
	"context"
	"sort"
	"sync"
	"time"

	cerrors "cyclon/internal/errors"
	"cyclon/internal/graph"
)

// ObservedStatus is what a queue poll reports about a job.
type ObservedStatus string

const (
	ObservedPending    ObservedStatus = "pending-in-queue"
	ObservedRunning    ObservedStatus = "running"
	ObservedNotInQueue ObservedStatus = "not-in-queue"
	ObservedUnknown    ObservedStatus = "unknown"
)

// Job is the description the engine assembles for one submission attempt.
// Broadcast overrides are already merged in by the time a Job reaches a
// runner.
type Job struct {
	WorkflowName string
	TaskID       string // "name.point"
	CyclePoint   string
	SubmitNum    int
	RunnerName   string

	Script     string
	Directives []graph.KV // ordered
	Env        []graph.KV // ordered

	ExecutionTimeLimit time.Duration // 0 = unlimited

	// ServerURL lets the generated job script message the scheduler.
	ServerURL string

	// JobFilePath is set by the runner once the script is written.
	JobFilePath string
}

// Handler adapts one batch system: directive formatting, command argv
// construction and output parsing. Handlers never talk to the scheduler;
// they only describe how to drive their queueing system.
type Handler interface {
	Name() string
	DirectivePrefix() string
	FormatDirectives(job *Job) []string
	SubmitArgv(jobFile string, job *Job) []string
	ExtractJobID(stdout, stderr string) (string, error)
	KillArgv(jobID string) []string
	PollArgv(jobID string) []string
	// FilterPollOutput reports whether the job is still in the queue.
	FilterPollOutput(out, jobID string) bool
	ShouldKillProcGroup() bool
	FailSignals(job *Job) []string
}

// Runner is the capability the scheduler depends on. Implementations must
// be safe for concurrent use: calls run on the worker pool.
type Runner interface {
	Submit(ctx context.Context, job *Job) (jobID string, err error)
	Poll(ctx context.Context, runnerName, jobID string) (ObservedStatus, string, error)
	Kill(ctx context.Context, runnerName, jobID string) error
}

// Registry maps runner names to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates a registry preloaded with the built-in handlers.
func NewRegistry() *Registry {
	r := &Registry{handlers: make(map[string]Handler)}
	for _, h := range []Handler{
		backgroundHandler{},
		atHandler{},
		slurmHandler{},
		pbsHandler{},
		sgeHandler{},
		lsfHandler{},
		loadlevelerHandler{},
	} {
		r.Register(h)
	}
	return r
}

// Register adds or replaces a handler.
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.Name()] = h
}

// Lookup returns the handler for a runner name.
func (r *Registry) Lookup(name string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	if !ok {
		return nil, cerrors.New(cerrors.KindInput, "unknown job runner %q", name)
	}
	return h, nil
}

// Names returns the registered runner names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
