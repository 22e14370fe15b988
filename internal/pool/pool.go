package pool

import (
	"sort"

	"cyclon/internal/cycling"
	cerrors "cyclon/internal/errors"
	"cyclon/internal/graph"
	"cyclon/internal/logging"
	"cyclon/internal/task"
)

// childRef records that a task's dependency expression references an
// upstream output: completing that output spawns/satisfies the child.
type childRef struct {
	child     string
	offset    cycling.Interval
	hasOffset bool
	output    string
}

// spawnReq is a deferred instance creation, queued when the runahead
// window is full. Satisfactions arriving meanwhile are carried along and
// applied once the instance exists.
type spawnReq struct {
	name    string
	point   cycling.Point
	flow    string
	satisfy []satisfyReq
}

type satisfyReq struct {
	key       string
	completer string
}

// Pool holds the live task instances and decides when new ones may enter:
// spawn-on-output for downstream tasks, parentless chaining bounded by the
// runahead window, and queue-limited release into preparation.
type Pool struct {
	wf     *graph.Workflow
	logger logging.Logger

	proxies  map[string]*task.Proxy   // by Key (name.point.flow)
	byTaskID map[string][]*task.Proxy // by TaskID (name.point), all flows

	// children indexes dependency edges by upstream task name.
	children map[string][]childRef

	deferred  []spawnReq
	holdPoint *cycling.Point
}

// New creates an empty pool for the workflow.
func New(wf *graph.Workflow, logger logging.Logger) *Pool {
	p := &Pool{
		wf:       wf,
		logger:   logging.OrNop(logger),
		proxies:  make(map[string]*task.Proxy),
		byTaskID: make(map[string][]*task.Proxy),
		children: make(map[string][]childRef),
	}
	p.indexChildren(wf)
	return p
}

func (p *Pool) indexChildren(wf *graph.Workflow) {
	p.children = make(map[string][]childRef)
	for name, def := range wf.Tasks {
		if def.Depends == nil {
			continue
		}
		for _, atom := range graph.Atoms(def.Depends) {
			p.children[atom.Task] = append(p.children[atom.Task], childRef{
				child:     name,
				offset:    atom.Offset,
				hasOffset: atom.HasOffset,
				output:    atom.Output,
			})
		}
	}
}

// Workflow returns the active workflow definition.
func (p *Pool) Workflow() *graph.Workflow { return p.wf }

// Seed creates the initial instances: every task that is parentless at its
// first cycle point on or after the initial point. Parentless chains then
// extend themselves out to the runahead limit.
func (p *Pool) Seed(flow string) []*task.Proxy {
	var created []*task.Proxy
	for _, name := range p.wf.TaskNames() {
		def := p.wf.Tasks[name]
		first, ok := def.FirstPoint(p.wf.Initial)
		if !ok {
			continue
		}
		if !def.IsParentless(first, p.wf.Initial) {
			continue
		}
		created = append(created, p.requestSpawn(def.Name, first, flow, nil)...)
	}
	return created
}

// Get returns the instance with the given pool key.
func (p *Pool) Get(key string) (*task.Proxy, bool) {
	px, ok := p.proxies[key]
	return px, ok
}

// LookupTaskID returns every flow's instance with the given "name.point"
// identity.
func (p *Pool) LookupTaskID(taskID string) []*task.Proxy {
	return p.byTaskID[taskID]
}

// All returns the live instances sorted by key for deterministic walks.
func (p *Pool) All() []*task.Proxy {
	out := make([]*task.Proxy, 0, len(p.proxies))
	for _, px := range p.proxies {
		out = append(out, px)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// Size returns the number of live instances.
func (p *Pool) Size() int { return len(p.proxies) }

// DeferredCount returns the number of runahead-deferred spawns.
func (p *Pool) DeferredCount() int { return len(p.deferred) }

// RunaheadBase returns the oldest cycle among instances that have not
// succeeded or expired; ok=false when the pool has no such instance.
func (p *Pool) RunaheadBase() (cycling.Point, bool) {
	var base cycling.Point
	found := false
	for _, px := range p.proxies {
		if px.Status == task.StatusSucceeded || px.Status == task.StatusExpired {
			continue
		}
		if !found || px.Point.Less(base) {
			base = px.Point
			found = true
		}
	}
	return base, found
}

// withinRunahead reports whether an instance at point may be created now.
func (p *Pool) withinRunahead(point cycling.Point) bool {
	if p.wf.Runahead.IsZero() {
		return true
	}
	base, ok := p.RunaheadBase()
	if !ok {
		return true
	}
	limit := base.Add(p.wf.Runahead)
	return !limit.Less(point)
}

// requestSpawn creates the instance now or defers it when the runahead
// window is full. Returns the instances actually created (the request plus
// any parentless chain continuation).
func (p *Pool) requestSpawn(name string, point cycling.Point, flow string, satisfy []satisfyReq) []*task.Proxy {
	def, ok := p.wf.Tasks[name]
	if !ok {
		p.logger.Warn("spawn request for unknown task %q dropped", name)
		return nil
	}
	if p.wf.Final != nil && p.wf.Final.Less(point) {
		return nil
	}
	if !def.OnSequence(point) {
		return nil
	}

	key := taskKey(name, point, flow)
	var created []*task.Proxy
	if px, exists := p.proxies[key]; exists {
		p.applySatisfy(px, satisfy)
	} else {
		if !p.withinRunahead(point) {
			p.deferSpawn(name, point, flow, satisfy)
			return nil
		}
		px = task.New(def, point, flow, p.wf.Initial)
		if p.holdPoint != nil && p.holdPoint.Less(point) {
			px.Held = true
		}
		p.proxies[key] = px
		p.byTaskID[px.TaskID()] = append(p.byTaskID[px.TaskID()], px)
		p.applySatisfy(px, satisfy)
		p.logger.Debug("spawned %s", px.Key())
		created = append(created, px)
	}

	// Parentless instances extend their own chain: the next instance has
	// no upstream to spawn it. The walk passes through instances that
	// already exist so a restored chain still grows at its tip.
	if def.IsParentless(point, p.wf.Initial) {
		if next, ok := def.NextPoint(point); ok && def.IsParentless(next, p.wf.Initial) {
			created = append(created, p.requestSpawn(name, next, flow, nil)...)
		}
	}
	return created
}

func (p *Pool) deferSpawn(name string, point cycling.Point, flow string, satisfy []satisfyReq) {
	for i := range p.deferred {
		d := &p.deferred[i]
		if d.name == name && d.flow == flow && d.point.Equal(point) {
			d.satisfy = append(d.satisfy, satisfy...)
			return
		}
	}
	p.deferred = append(p.deferred, spawnReq{name: name, point: point, flow: flow, satisfy: satisfy})
	p.logger.Debug("spawn of %s.%s deferred by the runahead limit", name, point)
}

func (p *Pool) applySatisfy(px *task.Proxy, satisfy []satisfyReq) {
	for _, s := range satisfy {
		px.Prereqs.Satisfy(s.key, s.completer)
	}
}

// ReleaseDeferred retries runahead-deferred spawns; call whenever the
// runahead base may have advanced. Returns newly created instances.
func (p *Pool) ReleaseDeferred() []*task.Proxy {
	if len(p.deferred) == 0 {
		return nil
	}
	pending := p.deferred
	p.deferred = nil
	var created []*task.Proxy
	for _, req := range pending {
		created = append(created, p.requestSpawn(req.name, req.point, req.flow, req.satisfy)...)
	}
	return created
}

// OutputCompleted propagates a completed output: every dependent instance
// is spawned if absent (inheriting the completer's flow) and its matching
// prerequisite atom is satisfied. Returns newly created instances.
func (p *Pool) OutputCompleted(px *task.Proxy, output string) []*task.Proxy {
	key := task.AtomKey(px.Name(), px.Point, output)
	completer := px.TaskID()
	var created []*task.Proxy

	for _, ref := range p.children[px.Name()] {
		if ref.output != output {
			continue
		}
		childPoint := px.Point
		if ref.hasOffset {
			// The child's atom applies the offset to its own point, so the
			// child sits at the inverse displacement from the completer.
			childPoint = px.Point.Sub(ref.offset)
		}
		created = append(created, p.requestSpawn(ref.child, childPoint, px.Flow,
			[]satisfyReq{{key: key, completer: completer}})...)
	}
	return created
}

// Insert adds an instance the graph would not otherwise produce. The point
// must be on one of the task's sequences.
func (p *Pool) Insert(name string, point cycling.Point, flow string) (*task.Proxy, error) {
	def, ok := p.wf.Tasks[name]
	if !ok {
		return nil, cerrors.New(cerrors.KindInput, "unknown task %q", name)
	}
	if !def.OnSequence(point) {
		return nil, cerrors.New(cerrors.KindInput, "task %q does not recur at %s", name, point)
	}
	key := taskKey(name, point, flow)
	if _, exists := p.proxies[key]; exists {
		return nil, cerrors.New(cerrors.KindInput, "instance %s already exists", key)
	}
	px := task.New(def, point, flow, p.wf.Initial)
	p.proxies[key] = px
	p.byTaskID[px.TaskID()] = append(p.byTaskID[px.TaskID()], px)
	p.logger.Info("inserted %s", px.Key())
	return px, nil
}

// Remove drops an instance from the pool without satisfying anything
// downstream.
func (p *Pool) Remove(px *task.Proxy) {
	delete(p.proxies, px.Key())
	list := p.byTaskID[px.TaskID()]
	for i, other := range list {
		if other == px {
			p.byTaskID[px.TaskID()] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(p.byTaskID[px.TaskID()]) == 0 {
		delete(p.byTaskID, px.TaskID())
	}
}

// Retire removes terminal instances that nothing live still references:
// no non-terminal instance holds an unsatisfied prerequisite atom pointing
// at any of their outputs. Returns the retired instances.
func (p *Pool) Retire() []*task.Proxy {
	referenced := make(map[string]bool)
	for _, px := range p.proxies {
		if px.Status.Terminal() {
			continue
		}
		for _, atom := range px.Prereqs.Atoms() {
			if !atom.Satisfied {
				referenced[atom.Task+"."+atom.Point.String()] = true
			}
		}
	}

	var retired []*task.Proxy
	for _, px := range p.All() {
		if !px.Status.Terminal() {
			continue
		}
		if referenced[px.Name()+"."+px.Point.String()] {
			continue
		}
		p.Remove(px)
		retired = append(retired, px)
	}
	return retired
}

// SetHoldPoint holds every instance beyond the given cycle, current and
// future.
func (p *Pool) SetHoldPoint(point cycling.Point) {
	cp := point
	p.holdPoint = &cp
	for _, px := range p.proxies {
		if cp.Less(px.Point) {
			px.Held = true
		}
	}
}

// ClearHoldPoint releases the pool-wide hold point (individual holds
// remain).
func (p *Pool) ClearHoldPoint() {
	if p.holdPoint == nil {
		return
	}
	hp := *p.holdPoint
	p.holdPoint = nil
	for _, px := range p.proxies {
		if hp.Less(px.Point) {
			px.Held = false
		}
	}
}

// HoldPoint returns the active pool-wide hold point, if any.
func (p *Pool) HoldPoint() *cycling.Point { return p.holdPoint }

// ReleaseRunnable returns ready instances admitted by their queue limits,
// in deterministic key order. Held instances are skipped entirely: they
// neither release nor count against the limit. The caller must transition
// each returned instance out of waiting before the next call.
func (p *Pool) ReleaseRunnable() []*task.Proxy {
	active := make(map[string]int)
	for _, px := range p.proxies {
		if px.Status.Active() && !px.Held {
			active[p.wf.QueueFor(px.Name()).Name]++
		}
	}

	var out []*task.Proxy
	for _, px := range p.All() {
		if !px.Ready() {
			continue
		}
		queue := p.wf.QueueFor(px.Name())
		if queue.Limit > 0 && active[queue.Name] >= queue.Limit {
			continue
		}
		active[queue.Name]++
		out = append(out, px)
	}
	return out
}

// HasArmedTimers reports whether any instance has a pending timer.
func (p *Pool) HasArmedTimers() bool {
	for _, px := range p.proxies {
		if !px.RetryAt.IsZero() || !px.ExpireAt.IsZero() || !px.PollAt.IsZero() ||
			!px.TimeLimitAt.IsZero() || !px.ActionGrace.IsZero() {
			return true
		}
	}
	return false
}

// Stalled reports a stall: nothing in flight, no pending timer, no
// external work outstanding, but waiting instances remain.
func (p *Pool) Stalled(externalPending bool) bool {
	if externalPending || p.HasArmedTimers() {
		return false
	}
	waiting := false
	for _, px := range p.proxies {
		if px.Status.InFlight() {
			return false
		}
		if px.Status == task.StatusWaiting {
			waiting = true
		}
	}
	return waiting
}

// ShutdownReady reports a clean finish: no live instances and no deferred
// spawns.
func (p *Pool) ShutdownReady() bool {
	return len(p.proxies) == 0 && len(p.deferred) == 0
}

// Reload atomically swaps definitions under every instance that is not
// actively preparing, submitted or running; active instances keep their
// old definition until terminal. Future spawns use the new workflow.
func (p *Pool) Reload(wf *graph.Workflow) {
	p.wf = wf
	p.indexChildren(wf)
	for _, px := range p.proxies {
		if px.Status.Active() {
			continue
		}
		if def, ok := wf.Tasks[px.Name()]; ok {
			px.Def = def
		}
	}
}

func taskKey(name string, point cycling.Point, flow string) string {
	return name + "." + point.String() + "." + flow
}
