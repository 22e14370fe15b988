package xtrigger

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"cyclon/internal/async"
	"cyclon/internal/cycling"
	cerrors "cyclon/internal/errors"
	"cyclon/internal/graph"
	"cyclon/internal/logging"
)

// Func is a custom external-trigger function. It must be a pure,
// idempotent function of its arguments, returning whether the condition
// holds and an output map made available to gated tasks. Returning an
// error (or panicking) counts as "not yet satisfied".
type Func func(ctx context.Context, args map[string]string) (bool, map[string]string, error)

// Result is delivered back to the scheduler when an asynchronous
// evaluation completes.
type Result struct {
	Signature string
	Satisfied bool
	Output    map[string]string
}

// WallClockFunc is the built-in synchronous trigger name.
const WallClockFunc = "wall_clock"

// DefaultRepeat is how long an unsatisfied call waits before re-evaluating.
const DefaultRepeat = 10 * time.Second

// Manager registers xtrigger functions, evaluates due calls on the worker
// pool and memoises satisfied results for the rest of the run. All methods
// except the worker callbacks run on the scheduler loop.
type Manager struct {
	clock   clock.Clock
	workers *async.Pool
	logger  logging.Logger
	deliver func(Result)
	repeat  time.Duration

	mu       sync.Mutex
	funcs    map[string]Func
	results  map[string]map[string]string // memoised satisfied calls
	inFlight map[string]bool
	nextEval map[string]time.Time
}

// New creates a manager. deliver posts completed evaluations to the
// scheduler's event queue and must not block.
func New(clk clock.Clock, workers *async.Pool, deliver func(Result), logger logging.Logger) *Manager {
	if clk == nil {
		clk = clock.New()
	}
	return &Manager{
		clock:    clk,
		workers:  workers,
		logger:   logging.OrNop(logger),
		deliver:  deliver,
		repeat:   DefaultRepeat,
		funcs:    make(map[string]Func),
		results:  make(map[string]map[string]string),
		inFlight: make(map[string]bool),
		nextEval: make(map[string]time.Time),
	}
}

// SetRepeat overrides the re-evaluation interval for unsatisfied calls.
func (m *Manager) SetRepeat(d time.Duration) { m.repeat = d }

// Register adds a custom trigger function.
func (m *Manager) Register(name string, fn Func) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.funcs[name] = fn
}

// Known reports whether the function name is registered or built in.
func (m *Manager) Known(name string) bool {
	if name == WallClockFunc {
		return true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.funcs[name]
	return ok
}

// Sequential reports whether calls of this function evaluate one cycle at
// a time. Wall-clock triggers are sequential by default: evaluating every
// future cycle's clock trigger at once would be a pointless stampede.
func (m *Manager) Sequential(name string) bool {
	return name == WallClockFunc
}

// Satisfied reports whether the resolved call already fired; a satisfied
// xtrigger stays satisfied for the remainder of the run.
func (m *Manager) Satisfied(signature string) (map[string]string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out, ok := m.results[signature]
	return out, ok
}

// MarkSatisfied force-memoises a result, used on restart replay.
func (m *Manager) MarkSatisfied(signature string, output map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if output == nil {
		output = map[string]string{}
	}
	m.results[signature] = output
}

// EvalWallClock synchronously evaluates a wall_clock call for a cycle
// point: true once the real clock passes point+offset. Cheap enough for
// the main loop.
func (m *Manager) EvalWallClock(call graph.Call, point cycling.Point) (bool, error) {
	offsetSpec := call.Args["offset"]
	if offsetSpec == "" {
		offsetSpec = "PT0S"
	}
	iv, err := cycling.ParseInterval(offsetSpec, cycling.CalendarGregorian)
	if err != nil {
		return false, cerrors.New(cerrors.KindInput, "wall_clock offset %q: %v", offsetSpec, err)
	}
	secs, err := iv.Seconds()
	if err != nil {
		return false, cerrors.Wrap(cerrors.KindInput, err)
	}
	wall, err := point.Time()
	if err != nil {
		return false, err
	}
	trigger := wall.Add(time.Duration(secs) * time.Second)
	return !m.clock.Now().Before(trigger), nil
}

// RequestEval schedules an asynchronous evaluation of the resolved call if
// it is due: not yet satisfied, not in flight, and past its repeat
// interval. Safe to call every tick.
func (m *Manager) RequestEval(ctx context.Context, call graph.Call) {
	signature := call.Signature()

	m.mu.Lock()
	if _, done := m.results[signature]; done {
		m.mu.Unlock()
		return
	}
	if m.inFlight[signature] {
		m.mu.Unlock()
		return
	}
	if next, ok := m.nextEval[signature]; ok && m.clock.Now().Before(next) {
		m.mu.Unlock()
		return
	}
	fn, ok := m.funcs[call.Func]
	if !ok {
		m.mu.Unlock()
		m.logger.Warn("xtrigger function %q is not registered", call.Func)
		return
	}
	m.inFlight[signature] = true
	m.mu.Unlock()

	err := m.workers.Submit(ctx, "xtrigger."+call.Func, func(ctx context.Context) {
		m.evaluate(ctx, signature, call, fn)
	})
	if err != nil {
		m.mu.Lock()
		delete(m.inFlight, signature)
		m.mu.Unlock()
	}
}

// evaluate runs on the worker pool.
func (m *Manager) evaluate(ctx context.Context, signature string, call graph.Call, fn Func) {
	satisfied, output, err := func() (ok bool, out map[string]string, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = cerrors.New(cerrors.KindXtrigger, "xtrigger %s panicked: %v", call.Func, r)
			}
		}()
		return fn(ctx, call.Args)
	}()

	m.mu.Lock()
	delete(m.inFlight, signature)
	m.nextEval[signature] = m.clock.Now().Add(m.repeat)
	if err != nil {
		m.mu.Unlock()
		// A raising xtrigger is merely not yet satisfied.
		m.logger.Warn("xtrigger %s: %v", signature, err)
		m.deliver(Result{Signature: signature, Satisfied: false})
		return
	}
	if satisfied {
		if output == nil {
			output = map[string]string{}
		}
		m.results[signature] = output
	}
	m.mu.Unlock()

	m.deliver(Result{Signature: signature, Satisfied: satisfied, Output: output})
}

// MemoisedResults snapshots the satisfied calls for checkpointing.
func (m *Manager) MemoisedResults() map[string]map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]map[string]string, len(m.results))
	for sig, res := range m.results {
		copied := make(map[string]string, len(res))
		for k, v := range res {
			copied[k] = v
		}
		out[sig] = copied
	}
	return out
}

// OutstandingCount reports in-flight asynchronous evaluations.
func (m *Manager) OutstandingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inFlight)
}
