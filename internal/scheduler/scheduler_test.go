package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cyclon/internal/events"
	"cyclon/internal/graph"
	"cyclon/internal/jobrunner"
	"cyclon/internal/store"
	"cyclon/internal/task"
	"cyclon/internal/xtrigger"
)

// memStore collects run-log events in memory.
type memStore struct {
	mu     sync.Mutex
	events []store.Event
}

func (m *memStore) Append(event store.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *memStore) Sync() error { return nil }

func (m *memStore) Replay() ([]store.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]store.Event(nil), m.events...), nil
}

func (m *memStore) Close() error { return nil }

// finalStatuses reduces the event log to each instance's last recorded
// status.
func (m *memStore) finalStatuses() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string)
	for _, event := range m.events {
		if event.Type == store.EventTaskState {
			out[event.TaskName+"."+event.Point] = event.Status
		}
	}
	return out
}

func (m *memStore) allEvents() []store.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]store.Event(nil), m.events...)
}

func (m *memStore) everHadStatus(status string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, event := range m.events {
		if event.Type == store.EventTaskState && event.Status == status {
			out = append(out, event.TaskName+"."+event.Point)
		}
	}
	return out
}

type fixture struct {
	t      *testing.T
	s      *Scheduler
	runner *jobrunner.SimRunner
	mock   *clock.Mock
	store  *memStore
	ctx    context.Context
}

// newFixture builds a scheduler driven synchronously by the test: no Run
// goroutine, the test advances the mock clock and steps the loop phases
// itself.
func newFixture(t *testing.T, doc string, runtime time.Duration, tweak func(*Options)) *fixture {
	t.Helper()
	wf, err := graph.Parse([]byte(doc))
	require.NoError(t, err)

	mock := clock.NewMock()
	mock.Set(time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC))
	ms := &memStore{}

	var sched *Scheduler
	runner := jobrunner.NewSimRunner(mock, runtime, func(taskID string, submitNum int, severity, text string) {
		sched.Deliver(events.Message{
			TaskID:    taskID,
			SubmitNum: submitNum,
			Severity:  events.ParseSeverity(severity),
			Text:      text,
			EventTime: mock.Now(),
		})
	}, nil)

	opts := Options{
		Workflow: wf,
		Runner:   runner,
		Store:    ms,
		Clock:    mock,
	}
	if tweak != nil {
		tweak(&opts)
	}
	if custom, ok := opts.Store.(*memStore); ok {
		ms = custom
	}
	sched, err = New(opts)
	require.NoError(t, err)

	f := &fixture{t: t, s: sched, runner: runner, mock: mock, store: ms, ctx: context.Background()}
	f.seed()
	return f
}

func (f *fixture) seed() {
	f.s.recordSpawns(f.s.pool.Seed(task.DefaultFlow))
}

// step advances simulated time and runs one loop iteration: workers
// settle, the event batch drains, the tick phases run.
func (f *fixture) step(advance time.Duration) {
	if advance > 0 {
		f.mock.Add(advance)
	}
	f.s.workers.Wait()
	f.s.drain(4096)
	f.s.tick(f.ctx)
	f.s.workers.Wait()
	f.s.drain(4096)
}

// run steps until shouldStop or the iteration budget is spent.
func (f *fixture) run(advance time.Duration, maxSteps int) bool {
	for i := 0; i < maxSteps; i++ {
		f.step(advance)
		if f.s.shouldStop() {
			return true
		}
	}
	return false
}

const linearDaily = `
name: s1
cycling:
  initial: "2020-01-01"
  final: "2020-01-03"
tasks:
  A:
    cycling: ["P1D"]
  B:
    cycling: ["P1D"]
    depends: "A"
  C:
    cycling: ["P1D"]
    depends: "B"
`

func TestScenarioLinearCycling(t *testing.T) {
	f := newFixture(t, linearDaily, time.Minute, nil)

	finished := f.run(time.Minute, 200)
	assert.True(t, finished, "workflow must reach clean shutdown")

	final := f.store.finalStatuses()
	for _, name := range []string{"A", "B", "C"} {
		for _, day := range []string{"20200101", "20200102", "20200103"} {
			key := name + "." + day + "T0000Z"
			assert.Equal(t, "succeeded", final[key], "terminal status of %s", key)
		}
	}
	assert.Empty(t, f.store.everHadStatus("failed"), "no instance may fail")
	assert.Equal(t, 0, f.s.pool.Size(), "pool drains on completion")
}

const wallClockGated = `
name: s2
cycling:
  initial: "2020-01-01T00"
  final: "2020-01-01T04"
  runahead: PT6H
xtriggers:
  clock: wall_clock(offset=PT0S)
tasks:
  A:
    cycling: ["PT1H"]
  B:
    cycling: ["PT1H"]
    depends: "A"
    xtriggers: [clock]
`

func TestScenarioWallClockGating(t *testing.T) {
	f := newFixture(t, wallClockGated, 30*time.Second, nil)

	// Run for 20 simulated minutes, staying before T01: every A may
	// finish but only B@T00's clock trigger is due.
	for i := 0; i < 20; i++ {
		f.step(time.Minute)
	}
	final := f.store.finalStatuses()
	assert.Equal(t, "succeeded", final["B.20200101T0000Z"])
	assert.NotEqual(t, "succeeded", final["B.20200101T0200Z"], "future-clock instances must wait")

	// Advance the clock ten minutes a step; completions follow monotonically.
	finished := f.run(10*time.Minute, 200)
	assert.True(t, finished)
	final = f.store.finalStatuses()
	for _, hour := range []string{"00", "01", "02", "03", "04"} {
		assert.Equal(t, "succeeded", final["B.20200101T"+hour+"00Z"])
	}

	// Completion order of B instances is monotonic in cycle point.
	var bOrder []string
	for _, event := range f.store.allEvents() {
		if event.Type == store.EventTaskState && event.TaskName == "B" && event.Status == "succeeded" {
			bOrder = append(bOrder, event.Point)
		}
	}
	for i := 1; i < len(bOrder); i++ {
		assert.LessOrEqual(t, bOrder[i-1], bOrder[i], "B completions must be ordered")
	}
}

const retrying = `
name: s3
cycling:
  initial: "1"
  calendar: integer
tasks:
  A:
    cycling: ["R1/1/P0"]
    retry-delays: [PT1M, PT2M]
`

func TestScenarioRetries(t *testing.T) {
	f := newFixture(t, retrying, 10*time.Second, nil)
	f.runner.FailAttempts("A.1", 1, 2)

	finished := f.run(30*time.Second, 100)
	assert.True(t, finished)

	final := f.store.finalStatuses()
	assert.Equal(t, "succeeded", final["A.1"])

	// The recorded trace passes through retrying twice, and the try and
	// submit counters both end at 3.
	var trace []string
	var lastState store.Event
	for _, event := range f.store.allEvents() {
		if event.Type == store.EventTaskState && event.TaskName == "A" {
			trace = append(trace, event.Status)
			lastState = event
		}
	}
	joined := strings.Join(trace, ",")
	assert.Equal(t, 2, strings.Count(joined, "retrying"), "trace: %s", joined)
	assert.Equal(t, 3, lastState.TryNum)
	assert.Equal(t, 3, lastState.SubmitNum)
}

const runaheadBlocked = `
name: s4
cycling:
  initial: "2020-01-01T00"
  runahead: PT3H
xtriggers:
  never: blocked()
tasks:
  fast:
    cycling: ["PT1H"]
  slow:
    cycling: ["PT1H"]
    xtriggers: [never]
`

func TestScenarioRunaheadEnforcement(t *testing.T) {
	f := newFixture(t, runaheadBlocked, 30*time.Second, func(opts *Options) {
		opts.XtriggerFuncs = map[string]xtrigger.Func{
			"blocked": func(context.Context, map[string]string) (bool, map[string]string, error) {
				return false, nil, nil
			},
		}
	})

	for i := 0; i < 30; i++ {
		f.step(time.Minute)
	}

	// slow@T00 never runs, so no instance may exist past T00+PT3H.
	for _, px := range f.s.pool.All() {
		assert.False(t, strings.HasPrefix(px.Key(), "fast.20200101T04"),
			"fast@T04 violates the runahead window")
	}
	// Property 4: max live cycle <= min non-succeeded cycle + limit.
	base, ok := f.s.pool.RunaheadBase()
	require.True(t, ok)
	limit := base.Add(f.s.wf.Runahead)
	for _, px := range f.s.pool.All() {
		assert.True(t, !limit.Less(px.Point), "instance %s beyond %s", px.Key(), limit)
	}
}

const queueLimited = `
name: s5
cycling:
  initial: "1"
  calendar: integer
queues:
  q:
    limit: 3
    members: [t1, t2, t3, t4, t5, t6, t7, t8, t9, t10]
tasks:
  t1: {cycling: ["R1/1/P0"]}
  t2: {cycling: ["R1/1/P0"]}
  t3: {cycling: ["R1/1/P0"]}
  t4: {cycling: ["R1/1/P0"]}
  t5: {cycling: ["R1/1/P0"]}
  t6: {cycling: ["R1/1/P0"]}
  t7: {cycling: ["R1/1/P0"]}
  t8: {cycling: ["R1/1/P0"]}
  t9: {cycling: ["R1/1/P0"]}
  t10: {cycling: ["R1/1/P0"]}
`

func TestScenarioQueueLimit(t *testing.T) {
	f := newFixture(t, queueLimited, time.Minute, nil)

	for i := 0; i < 60; i++ {
		f.step(10 * time.Second)
		active := 0
		for _, px := range f.s.pool.All() {
			if px.Status.Active() {
				active++
			}
		}
		assert.LessOrEqual(t, active, 3, "queue limit breached at step %d", i)
		if f.s.shouldStop() {
			break
		}
	}
	final := f.store.finalStatuses()
	for i := 1; i <= 10; i++ {
		assert.Equal(t, "succeeded", final[fmt.Sprintf("t%d.1", i)])
	}
}

const broadcastable = `
name: s6
cycling:
  initial: "2020-01-01"
  final: "2020-01-02"
tasks:
  A:
    cycling: ["P1D"]
    depends: "A[-P1D]"
    environment:
      BASE: /data
`

func TestScenarioBroadcastVisibility(t *testing.T) {
	f := newFixture(t, broadcastable, time.Minute, nil)

	// A@d1 submits before the broadcast lands.
	f.step(0)
	require.NotEmpty(t, f.runner.Submitted(), "A@d1 must have submitted")

	// Broadcast FOO=bar for d2 only, applied directly (commands need the
	// run loop; this is the loop-side effect).
	f.s.bcast.Put([]string{"20200102T0000Z"}, []string{"A"}, map[string]string{"environment.FOO": "bar"})

	finished := f.run(time.Minute, 100)
	assert.True(t, finished)

	jobs := f.runner.Submitted()
	require.Len(t, jobs, 2)
	byCycle := map[string][]graph.KV{}
	for _, job := range jobs {
		byCycle[job.CyclePoint] = job.Env
	}
	assert.False(t, hasEnv(byCycle["20200101T0000Z"], "FOO", "bar"),
		"a job prepared before the put must not see it")
	assert.True(t, hasEnv(byCycle["20200102T0000Z"], "FOO", "bar"),
		"a job prepared after the put must see it")
	assert.True(t, hasEnv(byCycle["20200102T0000Z"], "BASE", "/data"),
		"definition environment survives the merge")
}

func hasEnv(env []graph.KV, key, value string) bool {
	for _, kv := range env {
		if kv.Key == key && kv.Value == value {
			return true
		}
	}
	return false
}

func TestRestartEquivalence(t *testing.T) {
	ms := &memStore{}

	// First run: crash (stop stepping) once A@d1 has succeeded.
	f := newFixture(t, linearDaily, time.Minute, func(opts *Options) { opts.Store = ms })
	for i := 0; i < 20; i++ {
		f.step(time.Minute)
		if f.store.finalStatuses()["A.20200101T0000Z"] == "succeeded" {
			break
		}
	}
	require.Equal(t, "succeeded", ms.finalStatuses()["A.20200101T0000Z"])

	// Second scheduler restores from the same store and runs to completion.
	wf, err := graph.Parse([]byte(linearDaily))
	require.NoError(t, err)
	mock := clock.NewMock()
	mock.Set(time.Date(2020, 1, 2, 0, 0, 0, 0, time.UTC))

	var sched *Scheduler
	runner := jobrunner.NewSimRunner(mock, time.Minute, func(taskID string, submitNum int, severity, text string) {
		sched.Deliver(events.Message{TaskID: taskID, SubmitNum: submitNum,
			Severity: events.ParseSeverity(severity), Text: text, EventTime: mock.Now()})
	}, nil)
	sched, err = New(Options{Workflow: wf, Runner: runner, Store: ms, Clock: mock, Restart: true})
	require.NoError(t, err)
	require.NoError(t, sched.restore())
	sched.recordSpawns(sched.pool.Seed(task.DefaultFlow))

	f2 := &fixture{t: t, s: sched, runner: runner, mock: mock, store: ms, ctx: context.Background()}
	finished := f2.run(time.Minute, 300)
	assert.True(t, finished)

	final := ms.finalStatuses()
	for _, name := range []string{"A", "B", "C"} {
		for _, day := range []string{"20200101", "20200102", "20200103"} {
			assert.Equal(t, "succeeded", final[name+"."+day+"T0000Z"],
				"restart must converge to the same terminal outcomes")
		}
	}
}

func TestHeldInstanceNeverPrepares(t *testing.T) {
	f := newFixture(t, linearDaily, time.Minute, nil)

	for _, px := range f.s.pool.All() {
		px.Held = true
	}
	for i := 0; i < 10; i++ {
		f.step(time.Minute)
	}
	assert.Empty(t, f.runner.Submitted(), "held instances must not submit")
	assert.Empty(t, f.store.everHadStatus("preparing"))

	for _, px := range f.s.pool.All() {
		px.Held = false
	}
	finished := f.run(time.Minute, 200)
	assert.True(t, finished)
}

func TestCommandSurfaceThroughRunLoop(t *testing.T) {
	wf, err := graph.Parse([]byte(`
name: cmds
cycling:
  initial: "1"
  calendar: integer
tasks:
  A: {cycling: ["R1/1/P0"]}
  B: {cycling: ["R1/1/P0"], depends: "A"}
`))
	require.NoError(t, err)

	var sched *Scheduler
	runner := jobrunner.NewSimRunner(nil, 50*time.Millisecond, func(taskID string, submitNum int, severity, text string) {
		sched.Deliver(events.Message{TaskID: taskID, SubmitNum: submitNum,
			Severity: events.ParseSeverity(severity), Text: text, EventTime: time.Now()})
	}, nil)
	sched, err = New(Options{
		Workflow:     wf,
		Runner:       runner,
		TickInterval: 5 * time.Millisecond,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	go sched.Run(ctx)

	// Pause, inspect, resume; the workflow must still complete.
	require.NoError(t, sched.Pause())
	summary, err := sched.Summary()
	require.NoError(t, err)
	assert.True(t, summary.Paused)
	assert.Equal(t, "cmds", summary.Workflow)

	snaps, err := sched.Snapshot()
	require.NoError(t, err)
	assert.NotEmpty(t, snaps)

	_, _, err = sched.BroadcastPut(nil, []string{"A"}, map[string]string{"environment.FOO": "bar"})
	require.NoError(t, err)
	dump, err := sched.BroadcastDump()
	require.NoError(t, err)
	assert.NotEmpty(t, dump)

	require.NoError(t, sched.Resume())

	select {
	case <-sched.Done():
	case <-ctx.Done():
		t.Fatal("scheduler did not finish in time")
	}
	require.NoError(t, sched.Err())
}

func TestStopNowExitsPromptly(t *testing.T) {
	wf, err := graph.Parse([]byte(wallClockGated))
	require.NoError(t, err)

	var sched *Scheduler
	runner := jobrunner.NewSimRunner(nil, time.Hour, func(string, int, string, string) {}, nil)
	sched, err = New(Options{Workflow: wf, Runner: runner, TickInterval: 5 * time.Millisecond})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	go sched.Run(ctx)

	require.NoError(t, sched.StopNow())
	select {
	case <-sched.Done():
	case <-ctx.Done():
		t.Fatal("stop --now did not exit promptly")
	}
}
