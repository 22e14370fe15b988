package scheduler

import (
	"context"
	"path"

	"github.com/google/uuid"

	"cyclon/internal/cycling"
	cerrors "cyclon/internal/errors"
	"cyclon/internal/graph"
	"cyclon/internal/store"
	"cyclon/internal/task"
)

// command serialises fn onto the main loop and waits for its verdict.
// Every operator command is atomic with respect to the loop.
func (s *Scheduler) command(name string, fn func() error) error {
	reply := make(chan error, 1)
	s.post(commandEvent{name: name, apply: fn, reply: reply})
	select {
	case err := <-reply:
		return err
	case <-s.done:
		return cerrors.New(cerrors.KindInput, "scheduler stopped before command %s ran", name)
	}
}

// matchProxies resolves a "name.cycle" glob against live instances.
func (s *Scheduler) matchProxies(matcher string) []*task.Proxy {
	var out []*task.Proxy
	for _, px := range s.pool.All() {
		if ok, err := path.Match(matcher, px.TaskID()); err == nil && ok {
			out = append(out, px)
		}
	}
	return out
}

// Hold marks matching instances held; held instances never submit.
func (s *Scheduler) Hold(matcher string) error {
	return s.command("hold", func() error {
		matched := s.matchProxies(matcher)
		if len(matched) == 0 {
			return cerrors.New(cerrors.KindInput, "no tasks match %q", matcher)
		}
		for _, px := range matched {
			if px.Status.Terminal() {
				continue
			}
			px.Held = true
			s.recordState(px)
		}
		return nil
	})
}

// Release clears the held flag on matching instances.
func (s *Scheduler) Release(matcher string) error {
	return s.command("release", func() error {
		matched := s.matchProxies(matcher)
		if len(matched) == 0 {
			return cerrors.New(cerrors.KindInput, "no tasks match %q", matcher)
		}
		for _, px := range matched {
			px.Held = false
			s.recordState(px)
		}
		return nil
	})
}

// SetHoldPoint holds the pool beyond a cycle point.
func (s *Scheduler) SetHoldPoint(pointStr string) error {
	return s.command("set-hold-point", func() error {
		point, err := cycling.ParsePointRelative(pointStr, s.wf.Calendar, s.wf.Initial)
		if err != nil {
			return err
		}
		s.pool.SetHoldPoint(point)
		return nil
	})
}

// ReleaseHoldPoint clears the pool-wide hold point.
func (s *Scheduler) ReleaseHoldPoint() error {
	return s.command("release-hold-point", func() error {
		s.pool.ClearHoldPoint()
		return nil
	})
}

// Trigger forces matching instances into preparation regardless of
// prerequisites. With newFlow, each match re-runs under a fresh flow tag.
func (s *Scheduler) Trigger(matcher string, newFlow bool) error {
	return s.command("trigger", func() error {
		matched := s.matchProxies(matcher)
		if len(matched) == 0 {
			return cerrors.New(cerrors.KindInput, "no tasks match %q", matcher)
		}
		for _, px := range matched {
			target := px
			if newFlow {
				flow := uuid.NewString()[:8]
				fresh, err := s.pool.Insert(px.Name(), px.Point, flow)
				if err != nil {
					return err
				}
				s.recordSpawns([]*task.Proxy{fresh})
				target = fresh
			} else if px.Status.InFlight() || px.Status == task.StatusSucceeded || px.Status == task.StatusExpired {
				// Re-running a finished or busy instance needs a new flow.
				continue
			}
			if target.Status.Terminal() {
				// Re-running a settled instance restarts its lifecycle.
				target.Status = task.StatusWaiting
			}
			target.Held = false
			target.Prereqs.SatisfyAll("trigger")
			for label := range target.Xtriggers {
				target.SatisfyXtrigger(label)
			}
			s.submit(context.Background(), target)
		}
		return nil
	})
}

// Kill kills matching submitted/running instances; best effort.
func (s *Scheduler) Kill(matcher string) error {
	return s.command("kill", func() error {
		matched := s.matchProxies(matcher)
		if len(matched) == 0 {
			return cerrors.New(cerrors.KindInput, "no tasks match %q", matcher)
		}
		for _, px := range matched {
			if px.Status == task.StatusSubmitted || px.Status == task.StatusRunning {
				s.dispatchKill(px)
			}
		}
		return nil
	})
}

// Remove drops matching instances from the pool without satisfying
// anything downstream.
func (s *Scheduler) Remove(matcher string) error {
	return s.command("remove", func() error {
		matched := s.matchProxies(matcher)
		if len(matched) == 0 {
			return cerrors.New(cerrors.KindInput, "no tasks match %q", matcher)
		}
		for _, px := range matched {
			s.pool.Remove(px)
			s.recordRemove(px)
		}
		return nil
	})
}

// Insert adds an instance the graph would not otherwise produce.
func (s *Scheduler) Insert(name, pointStr, flow string) error {
	return s.command("insert", func() error {
		point, err := cycling.ParsePointRelative(pointStr, s.wf.Calendar, s.wf.Initial)
		if err != nil {
			return err
		}
		if flow == "" {
			flow = task.DefaultFlow
		}
		px, err := s.pool.Insert(name, point, flow)
		if err != nil {
			return err
		}
		s.recordSpawns([]*task.Proxy{px})
		return nil
	})
}

// Poll schedules queue polls for matching active instances.
func (s *Scheduler) Poll(matcher string) error {
	return s.command("poll", func() error {
		for _, px := range s.matchProxies(matcher) {
			if px.Status == task.StatusSubmitted || px.Status == task.StatusRunning {
				s.dispatchPoll(px)
			}
		}
		return nil
	})
}

// Pause stops releasing new work; events continue to be processed.
func (s *Scheduler) Pause() error {
	return s.command("pause", func() error {
		s.paused = true
		s.logger.Info("scheduler paused")
		return nil
	})
}

// Resume restarts work release after a pause.
func (s *Scheduler) Resume() error {
	return s.command("resume", func() error {
		s.paused = false
		s.logger.Info("scheduler resumed")
		return nil
	})
}

// Reload swaps workflow definitions under the pool; running instances
// keep their old definition until terminal.
func (s *Scheduler) Reload(wf *graph.Workflow) error {
	return s.command("reload", func() error {
		if wf == nil {
			return cerrors.New(cerrors.KindInput, "reload needs a workflow")
		}
		if wf.Calendar != s.wf.Calendar {
			return cerrors.New(cerrors.KindInput, "reload cannot change the calendar mode")
		}
		s.wf = wf
		s.pool.Reload(wf)
		s.logger.Info("workflow definitions reloaded")
		return nil
	})
}

// StopClean asks for a clean shutdown: in-flight instances finish first.
func (s *Scheduler) StopClean() error {
	return s.command("stop", func() error {
		s.stopMode = stopClean
		return nil
	})
}

// StopNow kills running jobs and exits after applying in-flight results.
func (s *Scheduler) StopNow() error {
	return s.command("stop-now", func() error {
		s.stopMode = stopNow
		return nil
	})
}

// StopAfter stops once every instance at or before the point is settled;
// nothing beyond it submits.
func (s *Scheduler) StopAfter(pointStr string) error {
	return s.command("stop-after", func() error {
		point, err := cycling.ParsePointRelative(pointStr, s.wf.Calendar, s.wf.Initial)
		if err != nil {
			return err
		}
		s.stopMode = stopAfterPoint
		s.stopPoint = &point
		return nil
	})
}

// BroadcastPut adds runtime setting overrides.
func (s *Scheduler) BroadcastPut(points, namespaces []string, settings map[string]string) (int, []string, error) {
	var modified int
	var bad []string
	err := s.command("broadcast-put", func() error {
		modified, bad = s.bcast.Put(points, namespaces, settings)
		s.recordBroadcast("put", points, namespaces, settings, nil)
		return nil
	})
	return modified, bad, err
}

// BroadcastClear removes runtime setting overrides.
func (s *Scheduler) BroadcastClear(points, namespaces, keys []string) (int, error) {
	var cleared int
	err := s.command("broadcast-clear", func() error {
		cleared = s.bcast.Clear(points, namespaces, keys)
		s.recordBroadcast("clear", points, namespaces, nil, keys)
		return nil
	})
	return cleared, err
}

// BroadcastDump lists the live broadcast settings.
func (s *Scheduler) BroadcastDump() ([]string, error) {
	var dump []string
	err := s.command("broadcast-dump", func() error {
		dump = s.bcast.Dump()
		return nil
	})
	return dump, err
}

func (s *Scheduler) recordBroadcast(op string, points, namespaces []string, settings map[string]string, keys []string) {
	payload := map[string]any{"op": op}
	if len(points) > 0 {
		payload["points"] = points
	}
	if len(namespaces) > 0 {
		payload["namespaces"] = namespaces
	}
	if len(settings) > 0 {
		flat := make(map[string]any, len(settings))
		for k, v := range settings {
			flat[k] = v
		}
		payload["settings"] = flat
	}
	if len(keys) > 0 {
		payload["keys"] = keys
	}
	s.append(store.Event{Time: s.clock.Now(), Type: store.EventBroadcast, Payload: payload})
}
