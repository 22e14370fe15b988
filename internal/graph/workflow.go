package graph

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"cyclon/internal/cycling"
	cerrors "cyclon/internal/errors"
)

// DefaultQueueName is the queue tasks belong to unless assigned elsewhere.
const DefaultQueueName = "default"

// DefaultRunner is the job runner used when a task names none.
const DefaultRunner = "background"

// Queue is a named admission-control set with a limit on concurrently
// active instances.
type Queue struct {
	Name    string
	Limit   int
	Members map[string]bool
}

// Workflow is a fully validated workflow definition: the input the
// scheduling engine consumes.
type Workflow struct {
	Name     string
	Calendar cycling.Calendar
	Initial  cycling.Point
	Final    *cycling.Point
	Runahead cycling.Interval

	Queues    map[string]*Queue
	Xtriggers map[string]Call
	Tasks     map[string]*TaskDefinition
}

// QueueFor returns the queue the task belongs to.
func (w *Workflow) QueueFor(task string) *Queue {
	for _, q := range w.Queues {
		if q.Members[task] {
			return q
		}
	}
	return w.Queues[DefaultQueueName]
}

// TaskNames returns the defined task names, sorted.
func (w *Workflow) TaskNames() []string {
	names := make([]string, 0, len(w.Tasks))
	for name := range w.Tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// KVList preserves mapping order from the YAML document.
type KVList []KV

// UnmarshalYAML decodes a YAML mapping keeping entry order.
func (l *KVList) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("expected a mapping, got %v", node.Kind)
	}
	out := make(KVList, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		out = append(out, KV{Key: node.Content[i].Value, Value: node.Content[i+1].Value})
	}
	*l = out
	return nil
}

type fileWorkflow struct {
	Name    string `yaml:"name"`
	Cycling struct {
		Calendar string `yaml:"calendar"`
		Initial  string `yaml:"initial"`
		Final    string `yaml:"final"`
		Runahead string `yaml:"runahead"`
	} `yaml:"cycling"`
	Queues map[string]struct {
		Limit   int      `yaml:"limit"`
		Members []string `yaml:"members"`
	} `yaml:"queues"`
	Xtriggers map[string]string   `yaml:"xtriggers"`
	Tasks     map[string]fileTask `yaml:"tasks"`
}

type fileTask struct {
	Cycling            []string `yaml:"cycling"`
	Depends            string   `yaml:"depends"`
	Outputs            []string `yaml:"outputs"`
	Script             string   `yaml:"script"`
	Runner             string   `yaml:"runner"`
	Directives         KVList   `yaml:"directives"`
	Environment        KVList   `yaml:"environment"`
	RetryDelays        []string `yaml:"retry-delays"`
	SubmitRetryDelays  []string `yaml:"submit-retry-delays"`
	ExecutionTimeLimit string   `yaml:"execution-time-limit"`
	SubmissionPolling  []string `yaml:"submission-polling"`
	ExecutionPolling   []string `yaml:"execution-polling"`
	Xtriggers          []string `yaml:"xtriggers"`
	ExpireAfter        string   `yaml:"expire-after"`
	Queue              string   `yaml:"queue"`
}

// Load reads and validates a workflow definition file.
func Load(path string) (*Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, cerrors.New(cerrors.KindInput, "read workflow file: %v", err)
	}
	return Parse(data)
}

// Parse validates a workflow definition document.
func Parse(data []byte) (*Workflow, error) {
	var file fileWorkflow
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, cerrors.New(cerrors.KindInput, "parse workflow file: %v", err)
	}
	if file.Name == "" {
		return nil, cerrors.New(cerrors.KindInput, "workflow has no name")
	}
	if len(file.Tasks) == 0 {
		return nil, cerrors.New(cerrors.KindInput, "workflow %q defines no tasks", file.Name)
	}

	cal, err := cycling.ParseCalendar(file.Cycling.Calendar)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.KindInput, err)
	}
	if file.Cycling.Initial == "" {
		return nil, cerrors.New(cerrors.KindInput, "workflow %q has no initial cycle point", file.Name)
	}
	icp, err := cycling.ParsePoint(file.Cycling.Initial, cal)
	if err != nil {
		return nil, err
	}

	w := &Workflow{
		Name:      file.Name,
		Calendar:  cal,
		Initial:   icp,
		Queues:    make(map[string]*Queue),
		Xtriggers: make(map[string]Call),
		Tasks:     make(map[string]*TaskDefinition),
	}

	if file.Cycling.Final != "" {
		fcp, err := cycling.ParsePointRelative(file.Cycling.Final, cal, icp)
		if err != nil {
			return nil, err
		}
		if fcp.Less(icp) {
			return nil, cerrors.New(cerrors.KindInput,
				"final cycle point %s precedes initial %s", fcp, icp)
		}
		w.Final = &fcp
	}

	w.Runahead = cycling.ZeroInterval(cal)
	if file.Cycling.Runahead != "" {
		w.Runahead, err = cycling.ParseInterval(file.Cycling.Runahead, cal)
		if err != nil {
			return nil, err
		}
	}

	for label, spec := range file.Xtriggers {
		call, err := ParseCall(spec)
		if err != nil {
			return nil, cerrors.New(cerrors.KindInput, "xtrigger %q: %v", label, err)
		}
		w.Xtriggers[label] = call
	}

	if err := w.loadQueues(file); err != nil {
		return nil, err
	}
	if err := w.loadTasks(file); err != nil {
		return nil, err
	}
	if err := w.validate(); err != nil {
		return nil, err
	}
	w.defaultRunahead()
	return w, nil
}

// defaultRunahead bounds an otherwise unbounded run: with no final point
// and no explicit limit, the pool may expand five of the shortest cycle
// steps ahead of the oldest incomplete instance.
func (w *Workflow) defaultRunahead() {
	if !w.Runahead.IsZero() || w.Final != nil {
		return
	}
	var best cycling.Interval
	found := false
	for _, def := range w.Tasks {
		for _, seq := range def.Sequences {
			step := seq.Step()
			if step.IsZero() || seq.Bounded() {
				continue
			}
			if !found || w.Initial.Add(step).Less(w.Initial.Add(best)) {
				best = step
				found = true
			}
		}
	}
	if found {
		w.Runahead = best.MulInt(5)
	}
}

func (w *Workflow) loadQueues(file fileWorkflow) error {
	w.Queues[DefaultQueueName] = &Queue{Name: DefaultQueueName, Limit: 0, Members: make(map[string]bool)}
	for name, q := range file.Queues {
		if name == DefaultQueueName {
			w.Queues[DefaultQueueName].Limit = q.Limit
			continue
		}
		queue := &Queue{Name: name, Limit: q.Limit, Members: make(map[string]bool)}
		for _, member := range q.Members {
			queue.Members[member] = true
		}
		w.Queues[name] = queue
	}
	return nil
}

func (w *Workflow) loadTasks(file fileWorkflow) error {
	for name, ft := range file.Tasks {
		def := &TaskDefinition{
			Name:          name,
			CustomOutputs: ft.Outputs,
			Script:        ft.Script,
			Runner:        ft.Runner,
			Directives:    []KV(ft.Directives),
			Env:           []KV(ft.Environment),
			Queue:         ft.Queue,
			Xtriggers:     ft.Xtriggers,
		}
		if def.Runner == "" {
			def.Runner = DefaultRunner
		}

		if len(ft.Cycling) == 0 {
			// A task with no recurrence runs once, at the initial point.
			ft.Cycling = []string{"R1/" + w.Initial.String() + "/P0Y"}
			if w.Calendar == cycling.CalendarInteger {
				ft.Cycling = []string{"R1/" + w.Initial.String() + "/P0"}
			}
		}
		for _, expr := range ft.Cycling {
			seq, err := cycling.ParseSequence(expr, w.Calendar, w.Initial, w.Final)
			if err != nil {
				return cerrors.New(cerrors.KindInput, "task %q: %v", name, err)
			}
			if seq.IsEmpty() {
				return cerrors.New(cerrors.KindInput,
					"task %q: sequence %q has no usable cycle points (all excluded)", name, expr)
			}
			def.Sequences = append(def.Sequences, seq)
		}

		if ft.Depends != "" {
			expr, err := ParseExpr(ft.Depends, w.Calendar)
			if err != nil {
				return cerrors.New(cerrors.KindInput, "task %q: %v", name, err)
			}
			def.Depends = expr
		}

		var err error
		if def.RetryDelays, err = cycling.ParseDurationList(ft.RetryDelays); err != nil {
			return cerrors.New(cerrors.KindInput, "task %q retry-delays: %v", name, err)
		}
		if def.SubmitRetryDelays, err = cycling.ParseDurationList(ft.SubmitRetryDelays); err != nil {
			return cerrors.New(cerrors.KindInput, "task %q submit-retry-delays: %v", name, err)
		}
		if def.SubmissionPollDelays, err = cycling.ParseDurationList(ft.SubmissionPolling); err != nil {
			return cerrors.New(cerrors.KindInput, "task %q submission-polling: %v", name, err)
		}
		if def.ExecutionPollDelays, err = cycling.ParseDurationList(ft.ExecutionPolling); err != nil {
			return cerrors.New(cerrors.KindInput, "task %q execution-polling: %v", name, err)
		}
		if ft.ExecutionTimeLimit != "" {
			limit, err := cycling.ParseDuration(ft.ExecutionTimeLimit)
			if err != nil {
				return cerrors.New(cerrors.KindInput, "task %q execution-time-limit: %v", name, err)
			}
			def.ExecutionTimeLimit = limit
		}
		if ft.ExpireAfter != "" {
			expire, err := cycling.ParseDuration(ft.ExpireAfter)
			if err != nil {
				return cerrors.New(cerrors.KindInput, "task %q expire-after: %v", name, err)
			}
			def.ExpireAfter = &expire
		}

		w.Tasks[name] = def
	}
	return nil
}

// validate cross-checks references between tasks, queues and xtriggers.
func (w *Workflow) validate() error {
	for name, def := range w.Tasks {
		if def.Depends != nil {
			for _, atom := range Atoms(def.Depends) {
				upstream, ok := w.Tasks[atom.Task]
				if !ok {
					return cerrors.New(cerrors.KindInput,
						"task %q depends on unknown task %q", name, atom.Task)
				}
				if !upstream.HasOutput(atom.Output) {
					return cerrors.New(cerrors.KindInput,
						"task %q depends on unknown output %q of task %q", name, atom.Output, atom.Task)
				}
			}
		}
		for _, label := range def.Xtriggers {
			call, ok := w.Xtriggers[label]
			if !ok {
				return cerrors.New(cerrors.KindInput,
					"task %q references undefined xtrigger %q", name, label)
			}
			if call.Func == "wall_clock" && w.Calendar != cycling.CalendarGregorian {
				return cerrors.New(cerrors.KindInput,
					"task %q: wall_clock xtriggers need the gregorian calendar", name)
			}
		}
		if def.ExpireAfter != nil && w.Calendar != cycling.CalendarGregorian {
			return cerrors.New(cerrors.KindInput,
				"task %q: expire-after needs the gregorian calendar", name)
		}
		if def.Queue != "" {
			queue, ok := w.Queues[def.Queue]
			if !ok {
				return cerrors.New(cerrors.KindInput, "task %q names unknown queue %q", name, def.Queue)
			}
			queue.Members[name] = true
		}
	}

	// Queue membership must be unambiguous.
	seen := make(map[string]string)
	for qname, queue := range w.Queues {
		for member := range queue.Members {
			if _, ok := w.Tasks[member]; !ok {
				return cerrors.New(cerrors.KindInput, "queue %q lists unknown task %q", qname, member)
			}
			if prev, dup := seen[member]; dup && prev != qname {
				return cerrors.New(cerrors.KindInput,
					"task %q belongs to both queue %q and queue %q", member, prev, qname)
			}
			seen[member] = qname
		}
	}
	return nil
}

// ParseCall parses an xtrigger call spec: "func(arg=value, arg=value)".
func ParseCall(spec string) (Call, error) {
	spec = strings.TrimSpace(spec)
	open := strings.IndexByte(spec, '(')
	if open < 0 {
		if spec == "" {
			return Call{}, fmt.Errorf("empty xtrigger call")
		}
		return Call{Func: spec, Args: map[string]string{}}, nil
	}
	if !strings.HasSuffix(spec, ")") {
		return Call{}, fmt.Errorf("unterminated call %q", spec)
	}
	call := Call{Func: strings.TrimSpace(spec[:open]), Args: map[string]string{}}
	if call.Func == "" {
		return Call{}, fmt.Errorf("call %q has no function name", spec)
	}
	body := spec[open+1 : len(spec)-1]
	if strings.TrimSpace(body) == "" {
		return call, nil
	}
	for _, part := range strings.Split(body, ",") {
		key, value, found := strings.Cut(part, "=")
		if !found {
			return Call{}, fmt.Errorf("argument %q is not key=value", strings.TrimSpace(part))
		}
		call.Args[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return call, nil
}

// SubstitutePoint expands the %(point)s template in call arguments.
func (c Call) SubstitutePoint(p cycling.Point) Call {
	out := Call{Func: c.Func, Args: make(map[string]string, len(c.Args))}
	for k, v := range c.Args {
		out.Args[k] = strings.ReplaceAll(v, "%(point)s", p.String())
	}
	return out
}

// Signature renders the resolved call for sharing: two tasks whose calls
// render identically share one evaluation.
func (c Call) Signature() string {
	keys := make([]string, 0, len(c.Args))
	for k := range c.Args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + c.Args[k]
	}
	return c.Func + "(" + strings.Join(parts, ",") + ")"
}
