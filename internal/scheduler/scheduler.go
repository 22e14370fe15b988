package scheduler

import (
	"context"
	"sort"
	"time"

	"github.com/benbjohnson/clock"

	"cyclon/internal/async"
	"cyclon/internal/broadcast"
	"cyclon/internal/cycling"
	cerrors "cyclon/internal/errors"
	"cyclon/internal/events"
	"cyclon/internal/graph"
	"cyclon/internal/jobrunner"
	"cyclon/internal/logging"
	"cyclon/internal/observability"
	"cyclon/internal/pool"
	"cyclon/internal/store"
	"cyclon/internal/task"
	"cyclon/internal/xtrigger"
)

// Options configures a scheduler run.
type Options struct {
	Workflow *graph.Workflow
	Runner   jobrunner.Runner
	Store    store.Store
	Clock    clock.Clock
	Logger   logging.Logger
	Metrics  *observability.Metrics

	// XtriggerFuncs are custom trigger functions to register.
	XtriggerFuncs map[string]xtrigger.Func

	TickInterval       time.Duration
	EventBatchSize     int
	CheckpointInterval time.Duration
	WorkerCount        int
	EventsConfig       events.Config
	StoreRetry         cerrors.RetryConfig

	// ServerURL is embedded in job scripts so they can message back.
	ServerURL string

	// Restart replays the store and reconciles before scheduling resumes.
	Restart bool
}

type stopMode int

const (
	stopNone stopMode = iota
	stopClean
	stopNow
	stopAfterPoint
)

// Scheduler drives the workflow: a single-threaded cooperative loop owns
// every state machine; blocking work runs on the worker pool and returns
// as events.
type Scheduler struct {
	opts    Options
	wf      *graph.Workflow
	pool    *pool.Pool
	bcast   *broadcast.Broadcast
	xm      *xtrigger.Manager
	em      *events.Manager
	runner  jobrunner.Runner
	store   store.Store
	clock   clock.Clock
	logger  logging.Logger
	metrics *observability.Metrics
	workers *async.Pool

	eventCh chan event

	paused     bool
	stopMode   stopMode
	stopPoint  *cycling.Point
	stalled    bool
	storeDead  bool
	restoring  bool
	lastCkpt   time.Time
	runErr     error

	done chan struct{}
}

// New builds a scheduler; Run starts it.
func New(opts Options) (*Scheduler, error) {
	if opts.Workflow == nil {
		return nil, cerrors.New(cerrors.KindInput, "scheduler needs a workflow")
	}
	if opts.Runner == nil {
		return nil, cerrors.New(cerrors.KindInput, "scheduler needs a job runner")
	}
	if opts.Store == nil {
		opts.Store = store.Null{}
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Second
	}
	if opts.EventBatchSize <= 0 {
		opts.EventBatchSize = 256
	}
	if opts.CheckpointInterval <= 0 {
		opts.CheckpointInterval = 30 * time.Second
	}
	if opts.WorkerCount <= 0 {
		opts.WorkerCount = 8
	}
	if opts.EventsConfig.PollGrace == 0 && opts.EventsConfig.KillGrace == 0 {
		opts.EventsConfig = events.DefaultConfig()
	}
	if opts.StoreRetry == (cerrors.RetryConfig{}) {
		opts.StoreRetry = cerrors.DefaultRetryConfig()
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.NewMetrics()
	}

	logger := logging.OrNop(opts.Logger)
	s := &Scheduler{
		opts:    opts,
		wf:      opts.Workflow,
		runner:  opts.Runner,
		store:   opts.Store,
		clock:   opts.Clock,
		logger:  logger,
		metrics: opts.Metrics,
		workers: async.NewPool(opts.WorkerCount, logger),
		eventCh: make(chan event, 4096),
		done:    make(chan struct{}),
	}
	s.pool = pool.New(opts.Workflow, logger)
	s.bcast = broadcast.New(logger)
	s.xm = xtrigger.New(opts.Clock, s.workers, func(res xtrigger.Result) {
		s.post(xtriggerResultEvent{result: res})
	}, logger)
	for name, fn := range opts.XtriggerFuncs {
		s.xm.Register(name, fn)
	}
	s.em = events.New(opts.Clock, opts.EventsConfig, events.Effects{
		OutputCompleted: s.onOutputCompleted,
		RecordState:     s.recordState,
		RequestPoll:     s.dispatchPoll,
		RequestKill:     s.dispatchKill,
	}, logger)

	// Every xtrigger a task references must resolve to a known function.
	for name, def := range opts.Workflow.Tasks {
		for _, label := range def.Xtriggers {
			call := opts.Workflow.Xtriggers[label]
			if !s.xm.Known(call.Func) {
				return nil, cerrors.New(cerrors.KindInput,
					"task %q xtrigger %q: function %q is not registered", name, label, call.Func)
			}
		}
	}
	return s, nil
}

// Deliver hands a task message to the scheduler; safe from any goroutine.
func (s *Scheduler) Deliver(msg events.Message) {
	s.post(messageEvent{msg: msg})
}

// Done closes when the scheduler has fully stopped.
func (s *Scheduler) Done() <-chan struct{} { return s.done }

// Err returns the terminal error after Done is closed, if any.
func (s *Scheduler) Err() error { return s.runErr }

// post enqueues an event without ever blocking the producer forever: a
// saturated queue drops nothing but logs loudly, since dropping events
// would desynchronise the state machines.
func (s *Scheduler) post(ev event) {
	select {
	case s.eventCh <- ev:
	default:
		s.logger.Error("event queue saturated; blocking producer on %s", ev.eventKind())
		s.eventCh <- ev
	}
}

// Run executes the main loop until shutdown. It owns all state; no other
// goroutine touches the pool, broadcast or event manager.
func (s *Scheduler) Run(ctx context.Context) error {
	defer close(s.done)
	defer s.workers.Wait()

	s.logger.Info("workflow %s starting at %s", s.wf.Name, s.wf.Initial)

	if s.opts.Restart {
		if err := s.restore(); err != nil {
			s.runErr = err
			return err
		}
	}
	// Seed is idempotent: on restart it only extends restored parentless
	// chains at their tips.
	s.recordSpawns(s.pool.Seed(task.DefaultFlow))

	ticker := s.clock.Ticker(s.opts.TickInterval)
	defer ticker.Stop()
	s.lastCkpt = s.clock.Now()

	for {
		select {
		case <-ctx.Done():
			s.logger.Warn("run context cancelled; shutting down")
			s.shutdown()
			return s.runErr
		case ev := <-s.eventCh:
			s.dispatch(ev)
			s.drain(s.opts.EventBatchSize - 1)
		case <-ticker.C:
		}

		s.tick(ctx)

		if s.shouldStop() {
			s.shutdown()
			return s.runErr
		}
	}
}

// drain consumes up to n queued events without waiting.
func (s *Scheduler) drain(n int) {
	for i := 0; i < n; i++ {
		select {
		case ev := <-s.eventCh:
			s.dispatch(ev)
		default:
			return
		}
	}
}

func (s *Scheduler) dispatch(ev event) {
	switch e := ev.(type) {
	case messageEvent:
		s.metrics.MessagesTotal.Inc()
		candidates := s.pool.LookupTaskID(e.msg.TaskID)
		if len(candidates) == 0 {
			s.logger.Warn("message for unknown task %q dropped", e.msg.TaskID)
			return
		}
		s.em.HandleMessage(candidates, e.msg)
	case submitResultEvent:
		if px, ok := s.pool.Get(e.key); ok {
			s.em.HandleSubmitResult(px, e.submitNum, e.jobID, e.err)
		}
	case pollResultEvent:
		if e.err != nil {
			s.logger.Warn("poll failed for %s: %v", e.key, e.err)
			return
		}
		if px, ok := s.pool.Get(e.key); ok {
			s.em.HandlePollResult(px, e.submitNum, e.observed)
		}
	case killResultEvent:
		if px, ok := s.pool.Get(e.key); ok {
			s.em.HandleKillResult(px, e.err)
		}
	case xtriggerResultEvent:
		// Satisfaction lands on waiting instances during the next tick's
		// xtrigger pass; here a satisfied result is only logged and
		// written to the run log.
		if e.result.Satisfied {
			s.logger.Info("xtrigger %s satisfied", e.result.Signature)
			s.recordXtrigger(e.result)
		}
	case commandEvent:
		err := e.apply()
		if err != nil {
			s.logger.Warn("command %s rejected: %v", e.name, err)
		}
		e.reply <- err
	}
}

// tick runs the per-iteration phases after the event batch: timers,
// synchronous xtriggers, queue release, deferred spawns, housekeeping.
func (s *Scheduler) tick(ctx context.Context) {
	// Timers.
	for _, px := range s.pool.All() {
		s.em.CheckTimers(px)
	}

	// Xtriggers for waiting instances whose task prerequisites hold.
	s.evalXtriggers(ctx)

	// Queue-limited release into preparing, then submission.
	if !s.paused && s.stopMode != stopNow {
		for _, px := range s.pool.ReleaseRunnable() {
			if s.beyondStopPoint(px.Point) {
				continue
			}
			s.submit(ctx, px)
		}
	}

	// Runahead may have advanced; let deferred spawns through.
	s.recordSpawns(s.pool.ReleaseDeferred())

	// Retire finished instances and expire stale broadcasts.
	for _, px := range s.pool.Retire() {
		s.recordRemove(px)
	}
	if base, ok := s.pool.RunaheadBase(); ok {
		s.bcast.Expire(base, s.wf.Calendar)
	}

	s.checkStall()
	s.updateMetrics()

	if s.clock.Now().Sub(s.lastCkpt) >= s.opts.CheckpointInterval {
		s.checkpoint()
	}
}

// evalXtriggers resolves each waiting instance's xtrigger calls:
// wall-clock synchronously (sequentially per label), the rest on the
// worker pool.
func (s *Scheduler) evalXtriggers(ctx context.Context) {
	// Group waiting instances by xtrigger label for sequential handling.
	waiting := make(map[string][]*task.Proxy)
	for _, px := range s.pool.All() {
		if px.Status != task.StatusWaiting || px.Held {
			continue
		}
		if !px.Prereqs.AllSatisfied() {
			continue
		}
		for label, done := range px.Xtriggers {
			if !done {
				waiting[label] = append(waiting[label], px)
			}
		}
	}

	for label, pxs := range waiting {
		call, ok := s.wf.Xtriggers[label]
		if !ok {
			continue
		}
		sort.Slice(pxs, func(i, j int) bool { return pxs[i].Point.Less(pxs[j].Point) })
		sequential := s.xm.Sequential(call.Func)

		for _, px := range pxs {
			resolved := call.SubstitutePoint(px.Point)
			if call.Func == xtrigger.WallClockFunc {
				due, err := s.xm.EvalWallClock(resolved, px.Point)
				if err != nil {
					s.logger.Warn("wall_clock for %s: %v", px.TaskID(), err)
					break
				}
				if !due {
					if sequential {
						break // later cycles cannot be due either
					}
					continue
				}
				px.SatisfyXtrigger(label)
				continue
			}

			if _, satisfied := s.xm.Satisfied(resolved.Signature()); satisfied {
				px.SatisfyXtrigger(label)
				continue
			}
			s.xm.RequestEval(ctx, resolved)
			if sequential {
				break
			}
		}
	}
}

// submit moves a ready instance into preparing and dispatches the
// submission to the worker pool. Broadcast overrides are consulted
// exactly once, here.
func (s *Scheduler) submit(ctx context.Context, px *task.Proxy) {
	px.Status = task.StatusPreparing
	px.SubmitNum++
	if px.TryNum == 0 {
		px.TryNum = 1
	}
	if px.Def.ExpireAfter != nil {
		px.ExpireAt = time.Time{} // submission beats expiry
	}
	s.recordState(px)

	job, err := s.buildJob(px)
	if err != nil {
		s.em.HandleSubmitResult(px, px.SubmitNum, "", err)
		return
	}

	key, submitNum := px.Key(), px.SubmitNum
	s.metrics.SubmissionsTotal.Inc()
	err = s.workers.Submit(ctx, "submit."+key, func(ctx context.Context) {
		jobID, err := s.runner.Submit(ctx, job)
		s.post(submitResultEvent{key: key, submitNum: submitNum, jobID: jobID, err: err})
	})
	if err != nil {
		s.em.HandleSubmitResult(px, submitNum, "", cerrors.Wrap(cerrors.KindRunner, err))
	}
}

// buildJob assembles the job description, merging broadcast overrides
// into the definition's settings.
func (s *Scheduler) buildJob(px *task.Proxy) (*jobrunner.Job, error) {
	overrides := s.bcast.Get(px.Point.String(), px.Name())

	script := px.Def.Script
	runnerName := px.Def.Runner
	limit := px.Def.ExecutionTimeLimit
	env := append([]graph.KV(nil), px.Def.Env...)
	directives := append([]graph.KV(nil), px.Def.Directives...)

	for key, value := range overrides {
		switch {
		case key == "script":
			script = value
		case key == "runner":
			runnerName = value
		case key == "execution-time-limit":
			d, err := cycling.ParseDuration(value)
			if err != nil {
				return nil, cerrors.New(cerrors.KindInput, "broadcast execution-time-limit: %v", err)
			}
			limit = d
		case len(key) > len("environment.") && key[:len("environment.")] == "environment.":
			env = upsertKV(env, key[len("environment."):], value)
		case len(key) > len("directives.") && key[:len("directives.")] == "directives.":
			directives = upsertKV(directives, key[len("directives."):], value)
		}
	}

	return &jobrunner.Job{
		WorkflowName:       s.wf.Name,
		TaskID:             px.TaskID(),
		CyclePoint:         px.Point.String(),
		SubmitNum:          px.SubmitNum,
		RunnerName:         runnerName,
		Script:             script,
		Directives:         directives,
		Env:                env,
		ExecutionTimeLimit: limit,
		ServerURL:          s.opts.ServerURL,
	}, nil
}

// upsertKV overrides in place or appends, preserving declaration order.
func upsertKV(list []graph.KV, key, value string) []graph.KV {
	for i := range list {
		if list[i].Key == key {
			list[i].Value = value
			return list
		}
	}
	return append(list, graph.KV{Key: key, Value: value})
}

func (s *Scheduler) dispatchPoll(px *task.Proxy) {
	key, submitNum, runnerName, jobID := px.Key(), px.SubmitNum, px.Def.Runner, px.JobID
	if jobID == "" {
		return
	}
	s.metrics.PollsTotal.Inc()
	_ = s.workers.Submit(context.Background(), "poll."+key, func(ctx context.Context) {
		observed, _, err := s.runner.Poll(ctx, runnerName, jobID)
		s.post(pollResultEvent{key: key, submitNum: submitNum, observed: observed, err: err})
	})
}

func (s *Scheduler) dispatchKill(px *task.Proxy) {
	key, runnerName, jobID := px.Key(), px.Def.Runner, px.JobID
	if jobID == "" {
		return
	}
	_ = s.workers.Submit(context.Background(), "kill."+key, func(ctx context.Context) {
		err := s.runner.Kill(ctx, runnerName, jobID)
		s.post(killResultEvent{key: key, err: err})
	})
}

// onOutputCompleted is the event manager's spawning effect.
func (s *Scheduler) onOutputCompleted(px *task.Proxy, output string) {
	s.recordOutput(px, output)
	created := s.pool.OutputCompleted(px, output)
	s.recordSpawns(created)
}

// recordSpawns persists newly created instances and arms their expiry.
func (s *Scheduler) recordSpawns(created []*task.Proxy) {
	for _, px := range created {
		s.armExpiry(px)
		s.append(store.Event{
			Time: s.clock.Now(), Type: store.EventSpawn,
			TaskName: px.Name(), Point: px.Point.String(), Flow: px.Flow,
		})
	}
}

// armExpiry arms the expire timer for instances that declare one.
func (s *Scheduler) armExpiry(px *task.Proxy) {
	if px.Def.ExpireAfter == nil {
		return
	}
	wall, err := px.Point.Time()
	if err != nil {
		return
	}
	px.ExpireAt = wall.Add(*px.Def.ExpireAfter)
}

func (s *Scheduler) recordState(px *task.Proxy) {
	held := px.Held
	s.append(store.Event{
		Time: s.clock.Now(), Type: store.EventTaskState,
		TaskName: px.Name(), Point: px.Point.String(), Flow: px.Flow,
		Status: string(px.Status), SubmitNum: px.SubmitNum, TryNum: px.TryNum,
		JobID: px.JobID, Held: &held,
	})
}

func (s *Scheduler) recordOutput(px *task.Proxy, output string) {
	s.append(store.Event{
		Time: s.clock.Now(), Type: store.EventOutput,
		TaskName: px.Name(), Point: px.Point.String(), Flow: px.Flow,
		Output: output, Completer: px.TaskID(),
	})
}

func (s *Scheduler) recordRemove(px *task.Proxy) {
	s.append(store.Event{
		Time: s.clock.Now(), Type: store.EventRemove,
		TaskName: px.Name(), Point: px.Point.String(), Flow: px.Flow,
	})
}

func (s *Scheduler) recordXtrigger(res xtrigger.Result) {
	payload := make(map[string]any, len(res.Output))
	for k, v := range res.Output {
		payload[k] = v
	}
	s.append(store.Event{
		Time: s.clock.Now(), Type: store.EventXtrigger,
		Output: res.Signature, Payload: payload,
	})
}

// append writes a run-log event with retry; persistent failure escalates
// to a controlled shutdown.
func (s *Scheduler) append(event store.Event) {
	if s.storeDead || s.restoring {
		return
	}
	s.metrics.StoreWrites.Inc()
	attempt := 0
	err := cerrors.Retry(context.Background(), s.opts.StoreRetry, func(context.Context) error {
		attempt++
		if attempt > 1 {
			s.metrics.StoreRetries.Inc()
		}
		return s.store.Append(event)
	})
	if err != nil {
		s.logger.Error("run log write failed persistently: %v; shutting down", err)
		s.storeDead = true
		s.runErr = cerrors.Wrap(cerrors.KindPersistence, err)
		s.stopMode = stopNow
	}
}

func (s *Scheduler) checkpoint() {
	s.lastCkpt = s.clock.Now()
	s.append(store.Event{Time: s.lastCkpt, Type: store.EventCheckpoint})
	if err := s.store.Sync(); err != nil {
		s.logger.Warn("run log sync failed: %v", err)
	}
}

// checkStall surfaces (once) the pool entering a stalled state.
func (s *Scheduler) checkStall() {
	pendingExternal := s.xm.OutstandingCount() > 0 || s.pool.DeferredCount() > 0
	stalled := s.pool.Stalled(pendingExternal)
	if stalled && !s.stalled {
		s.logger.Error("workflow stalled: waiting tasks can make no progress")
		s.metrics.Stalls.Inc()
	}
	s.stalled = stalled
}

func (s *Scheduler) updateMetrics() {
	counts := make(map[task.Status]int)
	queueActive := make(map[string]int)
	for _, px := range s.pool.All() {
		counts[px.DisplayStatus()]++
		if px.Status.Active() {
			queueActive[s.wf.QueueFor(px.Name()).Name]++
		}
	}
	for _, status := range []task.Status{
		task.StatusWaiting, task.StatusHeld, task.StatusExpired, task.StatusPreparing,
		task.StatusSubmitted, task.StatusSubmitFailed, task.StatusSubmitRetrying,
		task.StatusRunning, task.StatusSucceeded, task.StatusFailed, task.StatusRetrying,
	} {
		s.metrics.TasksByStatus.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
	for name, queue := range s.wf.Queues {
		s.metrics.QueueActive.WithLabelValues(name).Set(float64(queueActive[name]))
		s.metrics.QueueLimit.WithLabelValues(name).Set(float64(queue.Limit))
	}
	s.metrics.PoolSize.Set(float64(s.pool.Size()))
	s.metrics.DeferredSpawns.Set(float64(s.pool.DeferredCount()))
	s.metrics.EventQueueLen.Set(float64(len(s.eventCh)))
}

// beyondStopPoint reports whether submissions at point are blocked by a
// "stop after" request.
func (s *Scheduler) beyondStopPoint(point cycling.Point) bool {
	return s.stopMode == stopAfterPoint && s.stopPoint != nil && s.stopPoint.Less(point)
}

// shouldStop evaluates the shutdown conditions.
func (s *Scheduler) shouldStop() bool {
	switch s.stopMode {
	case stopNow:
		return true
	case stopClean:
		return !s.anyInFlight()
	case stopAfterPoint:
		for _, px := range s.pool.All() {
			if s.beyondStopPoint(px.Point) {
				continue
			}
			if !px.Status.Terminal() {
				return false
			}
		}
		return true
	}
	return s.pool.ShutdownReady()
}

func (s *Scheduler) anyInFlight() bool {
	for _, px := range s.pool.All() {
		if px.Status.InFlight() {
			return true
		}
	}
	return false
}

// shutdown drains in-flight worker results, checkpoints and closes the
// store.
func (s *Scheduler) shutdown() {
	s.logger.Info("workflow %s shutting down", s.wf.Name)
	if s.stopMode == stopNow {
		for _, px := range s.pool.All() {
			if px.Status == task.StatusRunning || px.Status == task.StatusSubmitted {
				s.dispatchKill(px)
			}
		}
	}
	s.workers.Wait()
	s.drain(len(s.eventCh))
	s.checkpoint()
	if err := s.store.Close(); err != nil {
		s.logger.Warn("closing run log: %v", err)
	}
	s.logger.Info("workflow %s stopped", s.wf.Name)
}
