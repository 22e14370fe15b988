package graph

import (
	"time"

	"cyclon/internal/cycling"
)

// KV is an ordered key/value pair. Directives and job environment are
// ordered: a later entry may reference an earlier one in the generated job
// script.
type KV struct {
	Key   string
	Value string
}

// Call is an xtrigger invocation: function name plus literal arguments.
// Argument values may contain the %(point)s template, substituted with the
// cycle point when the call is resolved for a task instance.
type Call struct {
	Func string
	Args map[string]string
}

// TaskDefinition is the immutable description of one task, independent of
// cycle. Instances (task proxies) are stamped out from it at concrete
// cycle points.
type TaskDefinition struct {
	Name      string
	Sequences []*cycling.Sequence

	// Depends is the inbound dependency expression, nil when the task has
	// no task prerequisites.
	Depends Expr

	// CustomOutputs are user-declared outputs beyond the built-ins.
	CustomOutputs []string

	Runner     string
	Script     string
	Directives []KV
	Env        []KV

	RetryDelays       []time.Duration // execution retries
	SubmitRetryDelays []time.Duration // submission retries

	ExecutionTimeLimit time.Duration // 0 = unlimited

	SubmissionPollDelays []time.Duration
	ExecutionPollDelays  []time.Duration

	Xtriggers   []string       // labels into Workflow.Xtriggers
	ExpireAfter *time.Duration // nil = never expires

	Queue string
}

// HasOutput reports whether name is a built-in or declared output.
func (d *TaskDefinition) HasOutput(name string) bool {
	if isBuiltinOutput(name) {
		return true
	}
	for _, out := range d.CustomOutputs {
		if out == name {
			return true
		}
	}
	return false
}

// OnSequence reports whether the task recurs at point p.
func (d *TaskDefinition) OnSequence(p cycling.Point) bool {
	for _, seq := range d.Sequences {
		if seq.Contains(p) {
			return true
		}
	}
	return false
}

// FirstPoint returns the task's earliest cycle point on or after start.
func (d *TaskDefinition) FirstPoint(start cycling.Point) (cycling.Point, bool) {
	var best cycling.Point
	found := false
	for _, seq := range d.Sequences {
		p, ok := seq.FirstOnOrAfter(start)
		if !ok {
			continue
		}
		if !found || p.Less(best) {
			best = p
			found = true
		}
	}
	return best, found
}

// NextPoint returns the task's earliest cycle point strictly after p.
func (d *TaskDefinition) NextPoint(p cycling.Point) (cycling.Point, bool) {
	var best cycling.Point
	found := false
	for _, seq := range d.Sequences {
		next, ok := seq.NextAfter(p)
		if !ok {
			continue
		}
		if !found || next.Less(best) {
			best = next
			found = true
		}
	}
	return best, found
}

// IsParentless reports whether every prerequisite atom at cycle p resolves
// before the initial point icp, i.e. the instance at p has no live
// upstream and must be spawned by the pool itself.
func (d *TaskDefinition) IsParentless(p, icp cycling.Point) bool {
	if d.Depends == nil {
		return true
	}
	for _, atom := range Atoms(d.Depends) {
		target := p
		if atom.HasOffset {
			target = p.Add(atom.Offset)
		}
		if !target.Less(icp) {
			return false
		}
	}
	return true
}
