package scheduler

import (
	"cyclon/internal/cycling"
	cerrors "cyclon/internal/errors"
	"cyclon/internal/store"
	"cyclon/internal/task"
)

// restore rebuilds the pool, broadcast settings and xtrigger memos by
// replaying the run log in order, then polls every instance that was
// submitted or running at the time of the crash so their fates reconcile
// before scheduling resumes.
func (s *Scheduler) restore() error {
	recorded, err := s.store.Replay()
	if err != nil {
		return cerrors.Wrap(cerrors.KindPersistence, err)
	}
	if len(recorded) == 0 {
		return nil // nothing recorded; Run seeds as for a fresh start
	}
	s.logger.Info("restoring from %d run log event(s)", len(recorded))

	// Replay is not re-recorded.
	s.restoring = true
	defer func() { s.restoring = false }()

	for _, event := range recorded {
		switch event.Type {
		case store.EventSpawn:
			s.restoreSpawn(event)
		case store.EventTaskState:
			s.restoreState(event)
		case store.EventOutput:
			// Replaying the completion reconstructs downstream
			// satisfaction and any spawning a crash interrupted.
			if px, ok := s.lookupEvent(event); ok {
				if _, err := px.Outputs.Complete(event.Output, event.Completer); err == nil {
					s.recordSpawns(s.pool.OutputCompleted(px, event.Output))
				}
			}
		case store.EventRemove:
			if px, ok := s.lookupEvent(event); ok {
				s.pool.Remove(px)
			}
		case store.EventBroadcast:
			s.restoreBroadcast(event)
		case store.EventXtrigger:
			output := make(map[string]string, len(event.Payload))
			for k, v := range event.Payload {
				if str, ok := v.(string); ok {
					output[k] = str
				}
			}
			s.xm.MarkSatisfied(event.Output, output)
		}
	}

	// Reconcile: anything mid-submission restarts from waiting; anything
	// submitted or running gets polled before scheduling resumes.
	for _, px := range s.pool.All() {
		switch px.Status {
		case task.StatusPreparing:
			px.Status = task.StatusWaiting
		case task.StatusSubmitted, task.StatusRunning:
			s.dispatchPoll(px)
		case task.StatusRetrying, task.StatusSubmitRetrying:
			// The pending retry delay is not restored: the instance goes
			// back to waiting and is released again without waiting it out.
			px.Status = task.StatusWaiting
		}
		s.armExpiry(px)
	}
	return nil
}

func (s *Scheduler) lookupEvent(event store.Event) (*task.Proxy, bool) {
	flow := event.Flow
	if flow == "" {
		flow = task.DefaultFlow
	}
	return s.pool.Get(event.TaskName + "." + event.Point + "." + flow)
}

func (s *Scheduler) restoreSpawn(event store.Event) {
	point, err := cycling.ParsePoint(event.Point, s.wf.Calendar)
	if err != nil {
		s.logger.Warn("run log spawn with bad point %q skipped", event.Point)
		return
	}
	flow := event.Flow
	if flow == "" {
		flow = task.DefaultFlow
	}
	if _, exists := s.pool.Get(event.TaskName + "." + event.Point + "." + flow); exists {
		return
	}
	if _, err := s.pool.Insert(event.TaskName, point, flow); err != nil {
		s.logger.Warn("run log spawn of %s.%s not restorable: %v", event.TaskName, event.Point, err)
	}
}

func (s *Scheduler) restoreState(event store.Event) {
	px, ok := s.lookupEvent(event)
	if !ok {
		return
	}
	px.Status = task.Status(event.Status)
	px.SubmitNum = event.SubmitNum
	px.TryNum = event.TryNum
	px.JobID = event.JobID
	if event.Held != nil {
		px.Held = *event.Held
	}
}

func (s *Scheduler) restoreBroadcast(event store.Event) {
	op, _ := event.Payload["op"].(string)
	points := toStrings(event.Payload["points"])
	namespaces := toStrings(event.Payload["namespaces"])
	switch op {
	case "put":
		settings := make(map[string]string)
		if raw, ok := event.Payload["settings"].(map[string]any); ok {
			for k, v := range raw {
				if str, ok := v.(string); ok {
					settings[k] = str
				}
			}
		}
		s.bcast.Put(points, namespaces, settings)
	case "clear":
		s.bcast.Clear(points, namespaces, toStrings(event.Payload["keys"]))
	}
}

func toStrings(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if str, ok := item.(string); ok {
			out = append(out, str)
		}
	}
	return out
}
