package task

import (
	cerrors "cyclon/internal/errors"
	"cyclon/internal/graph"
)

// Output is one named signal a task instance can emit.
type Output struct {
	Name        string
	Completed   bool
	CompletedBy string
}

// Outputs tracks completion of a task instance's declared outputs,
// built-ins first, in registration order.
type Outputs struct {
	order  []string
	byName map[string]*Output
}

// NewOutputs registers the implicit outputs plus the definition's custom
// outputs.
func NewOutputs(def *graph.TaskDefinition) *Outputs {
	o := &Outputs{byName: make(map[string]*Output)}
	for _, name := range graph.BuiltinOutputs {
		o.add(name)
	}
	for _, name := range def.CustomOutputs {
		o.add(name)
	}
	return o
}

func (o *Outputs) add(name string) {
	if _, ok := o.byName[name]; ok {
		return
	}
	o.order = append(o.order, name)
	o.byName[name] = &Output{Name: name}
}

// Has reports whether name is a registered output.
func (o *Outputs) Has(name string) bool {
	_, ok := o.byName[name]
	return ok
}

// IsCompleted reports whether the output has been completed.
func (o *Outputs) IsCompleted(name string) bool {
	out, ok := o.byName[name]
	return ok && out.Completed
}

// Complete marks the output completed, recording the completer for
// diagnostics. Completing succeeded implies started and submitted;
// completing started implies submitted. Returns the names newly completed
// by this call (empty when already completed), or an error for an
// unregistered output.
func (o *Outputs) Complete(name, by string) ([]string, error) {
	if _, ok := o.byName[name]; !ok {
		return nil, cerrors.New(cerrors.KindMessage, "unknown output %q", name)
	}
	var newly []string
	complete := func(n string) {
		out := o.byName[n]
		if out.Completed {
			return
		}
		out.Completed = true
		out.CompletedBy = by
		newly = append(newly, n)
	}
	switch name {
	case graph.OutputSucceeded:
		complete(graph.OutputSubmitted)
		complete(graph.OutputStarted)
	case graph.OutputStarted:
		complete(graph.OutputSubmitted)
	}
	complete(name)
	return newly, nil
}

// ResetRun clears the submitted and started outputs. Used when a job is
// vacated by its runner and will run again under the same submission.
func (o *Outputs) ResetRun() {
	for _, name := range []string{graph.OutputSubmitted, graph.OutputStarted} {
		out := o.byName[name]
		out.Completed = false
		out.CompletedBy = ""
	}
}

// Completed returns the completed output names in registration order.
func (o *Outputs) Completed() []string {
	var out []string
	for _, name := range o.order {
		if o.byName[name].Completed {
			out = append(out, name)
		}
	}
	return out
}

// All returns every output in registration order.
func (o *Outputs) All() []Output {
	out := make([]Output, 0, len(o.order))
	for _, name := range o.order {
		out = append(out, *o.byName[name])
	}
	return out
}
